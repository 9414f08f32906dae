package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"validation", InvalidInput("signers", "at least one signer is required"), ErrCodeValidation},
		{"not found", NotFound("document", "d-1"), ErrCodeNotFound},
		{"conflict", Conflict("already signed"), ErrCodeConflict},
		{"expired", Expired("link expired"), ErrCodeExpired},
		{"state", State("not in draft"), ErrCodeState},
		{"wrapped", fmt.Errorf("load: %w", NotFound("document", "d-2")), ErrCodeNotFound},
		{"plain", stderrors.New("boom"), ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CodeOf(tt.err))
			assert.True(t, Is(tt.err, tt.want))
		})
	}
}

func TestIsNil(t *testing.T) {
	assert.False(t, Is(nil, ErrCodeInternal))
}

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "title: title is required", InvalidInput("title", "title is required").Error())
	assert.Equal(t, "document 'x' not found", NotFound("document", "x").Error())

	cause := stderrors.New("connection refused")
	err := Wrap(cause, ErrCodeInternal, "failed to save document")
	assert.Equal(t, "failed to save document: connection refused", err.Error())
	assert.ErrorIs(t, err, cause)
}
