package handler

import (
	"context"
	stderrors "errors"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/pesio-ai/be-doc-signing/internal/errors"
	"github.com/pesio-ai/be-doc-signing/internal/logger"
)

// UnaryLoggingInterceptor logs every unary call with its duration and final
// status code, and converts coded service errors into gRPC statuses.
func UnaryLoggingInterceptor(log *logger.Logger) grpc.UnaryServerInterceptor {
	log = log.WithComponent("grpc")
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		err = GRPCStatus(err)

		code := status.Code(err)
		event := log.Debug()
		if code == codes.Internal || code == codes.Unknown {
			event = log.Error().Err(err)
		}
		event.
			Str("method", info.FullMethod).
			Str("code", code.String()).
			Dur("duration", time.Since(start)).
			Msg("gRPC call")
		return resp, err
	}
}

// GRPCStatus maps a coded error to a gRPC status error. Errors that already
// carry a status pass through unchanged.
func GRPCStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	var coded *errors.Error
	if !stderrors.As(err, &coded) {
		return status.Error(codes.Internal, "internal server error")
	}
	switch coded.Code {
	case errors.ErrCodeValidation:
		return status.Error(codes.InvalidArgument, coded.Error())
	case errors.ErrCodeUnauthorized:
		return status.Error(codes.Unauthenticated, coded.Message)
	case errors.ErrCodeNotFound:
		return status.Error(codes.NotFound, coded.Message)
	case errors.ErrCodeConflict:
		return status.Error(codes.AlreadyExists, coded.Message)
	case errors.ErrCodeExpired:
		return status.Error(codes.DeadlineExceeded, coded.Message)
	case errors.ErrCodeState:
		return status.Error(codes.FailedPrecondition, coded.Message)
	default:
		return status.Error(codes.Internal, "internal server error")
	}
}
