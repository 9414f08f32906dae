// Package errors defines the error taxonomy shared by the signing engine and
// its API layer. Every error surfaced to a caller carries a Code so it can be
// mapped to a user-facing response.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Code classifies an error for the calling layer.
type Code string

const (
	ErrCodeValidation   Code = "VALIDATION_ERROR"
	ErrCodeNotFound     Code = "NOT_FOUND"
	ErrCodeConflict     Code = "CONFLICT"
	ErrCodeExpired      Code = "EXPIRED"
	ErrCodeState        Code = "STATE_ERROR"
	ErrCodeUnauthorized Code = "UNAUTHORIZED"
	ErrCodeInternal     Code = "INTERNAL"
)

// Error is a coded error. Field is set for input validation failures.
type Error struct {
	Code    Code
	Message string
	Field   string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Field != "" {
		msg = fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a coded error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// InvalidInput reports a missing or malformed input field.
func InvalidInput(field, message string) *Error {
	return &Error{Code: ErrCodeValidation, Message: message, Field: field}
}

// NotFound reports a missing resource of the given kind.
func NotFound(kind, id string) *Error {
	return &Error{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s '%s' not found", kind, id)}
}

// Conflict reports an operation that collides with existing state.
func Conflict(message string) *Error {
	return &Error{Code: ErrCodeConflict, Message: message}
}

// Expired reports a token or document past its expiry window.
func Expired(message string) *Error {
	return &Error{Code: ErrCodeExpired, Message: message}
}

// State reports an operation that is invalid for the current state.
func State(message string) *Error {
	return &Error{Code: ErrCodeState, Message: message}
}

// CodeOf returns the code of the first coded error in err's chain, or
// ErrCodeInternal when there is none.
func CodeOf(err error) Code {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}
