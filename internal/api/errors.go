package api

import (
	"context"
	"errors"

	"github.com/matheus3301/threadsync/internal/docstore"
	"github.com/matheus3301/threadsync/internal/outbox"
	"github.com/matheus3301/threadsync/internal/receipt"
	"github.com/matheus3301/threadsync/internal/reconnect"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// toStatus maps a sync core error to a gRPC status error.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	var code codes.Code
	switch {
	case errors.Is(err, outbox.ErrNotFound), errors.Is(err, docstore.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, outbox.ErrNotFailed):
		code = codes.FailedPrecondition
	case errors.Is(err, outbox.ErrEmptyMessage):
		code = codes.InvalidArgument
	case errors.Is(err, receipt.ErrForeignMarker), errors.Is(err, docstore.ErrPermissionDenied):
		code = codes.PermissionDenied
	case errors.Is(err, docstore.ErrUnavailable), errors.Is(err, reconnect.ErrNotRunning):
		code = codes.Unavailable
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	default:
		code = codes.Internal
	}
	return grpcstatus.Error(code, err.Error())
}
