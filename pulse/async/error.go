package async

import (
	"context"

	"github.com/teranos/scribe/errors"
)

// ErrorKind is the classification the scheduler routes a failure on
type ErrorKind string

const (
	ErrorKindTransient  ErrorKind = "transient"
	ErrorKindBudget     ErrorKind = "budget"
	ErrorKindValidation ErrorKind = "validation"
	ErrorKindIntegrity  ErrorKind = "integrity"
	ErrorKindCancelled  ErrorKind = "cancelled"
	ErrorKindFatal      ErrorKind = "fatal"
)

// Retryable reports whether a failure of this kind may be retried
func (k ErrorKind) Retryable() bool {
	return k == ErrorKindTransient
}

// ClassifyError maps an error to its kind using the marks from the errors
// package. A provider call that ran out of time counts as transient.
// Anything unmarked is fatal: unknown failures are not retried blindly.
func ClassifyError(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, errors.ErrCancelled):
		return ErrorKindCancelled
	case errors.Is(err, errors.ErrIntegrity):
		return ErrorKindIntegrity
	case errors.Is(err, errors.ErrBudgetExceeded):
		return ErrorKindBudget
	case errors.Is(err, errors.ErrValidation):
		return ErrorKindValidation
	case errors.Is(err, errors.ErrTransient),
		errors.Is(err, errors.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return ErrorKindTransient
	default:
		return ErrorKindFatal
	}
}
