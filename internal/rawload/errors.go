package rawload

import (
	"context"
	"errors"
	"os"

	"github.com/medflow-io/medflow/internal/extract"
	"github.com/medflow-io/medflow/internal/objectstore"
	"github.com/medflow-io/medflow/internal/parser"
	"github.com/medflow-io/medflow/internal/storage"
)

// Kind classifies load errors for retry and reporting decisions.
type Kind string

// Error kinds. Parse, handler and constraint errors are never retried;
// transient database errors and timeouts are.
const (
	KindParse          Kind = "PARSE_ERROR"
	KindValidation     Kind = "VALIDATION_ERROR"
	KindDatabase       Kind = "DATABASE_ERROR"
	KindConstraint     Kind = "CONSTRAINT_VIOLATION"
	KindIdempotency    Kind = "IDEMPOTENCY_CONFLICT"
	KindFileNotFound   Kind = "FILE_NOT_FOUND"
	KindPermission     Kind = "PERMISSION_ERROR"
	KindTimeout        Kind = "TIMEOUT_ERROR"
	KindHandlerMissing Kind = "HANDLER_MISSING"
	KindTransformation Kind = "TRANSFORMATION_ERROR"
	KindUnknown        Kind = "UNKNOWN_ERROR"
)

// Classify maps an error to its kind. Constraint violations are checked
// before the transient classes because a constraint error is permanent even
// when it surfaces during a connection hiccup.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, parser.ErrParse),
		errors.Is(err, parser.ErrDecode),
		errors.Is(err, parser.ErrRowTooLong):
		return KindParse
	case errors.Is(err, extract.ErrHandlerMissing):
		return KindHandlerMissing
	case errors.Is(err, objectstore.ErrObjectNotFound):
		return KindFileNotFound
	case errors.Is(err, os.ErrPermission):
		return KindPermission
	case storage.IsConstraintViolation(err):
		return KindConstraint
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case storage.IsTransientError(err):
		return KindDatabase
	case errors.Is(err, storage.ErrBatchFailed):
		return KindDatabase
	default:
		return KindUnknown
	}
}

// IsRetryable reports whether a batch error is worth retrying in place.
func IsRetryable(err error) bool {
	if storage.IsConstraintViolation(err) {
		return false
	}

	return storage.IsTransientError(err)
}
