// Package errors provides error handling for scribe.
//
// This package re-exports github.com/cockroachdb/errors so every package
// gets stack traces, wrapping, details and hints from one import, and it
// defines the sentinel errors the job scheduler classifies on:
//
//	ErrTransient       provider timeout, rate limit, network failure (retried)
//	ErrBudgetExceeded  ledger denied a reservation (terminal)
//	ErrValidation      malformed job payload (rejected at enqueue)
//	ErrIntegrity       checkpoint ordering or content mismatch (terminal, loud)
//	ErrCancelled       operator cancelled the job (terminal)
//
// Mark an error with a class using MarkTransient and friends; check it with
// errors.Is. Wrapping keeps the mark.
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
	Mark         = crdb.Mark
)

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenDetails = crdb.FlattenDetails
)

// Generic sentinels.
var (
	// ErrNotFound indicates the requested resource does not exist
	ErrNotFound = New("not found")

	// ErrConflict indicates a state transition lost a race (e.g. job no longer PROCESSING)
	ErrConflict = New("resource conflict")

	// ErrTimeout indicates an operation timed out
	ErrTimeout = New("operation timed out")
)

// Job error classes.
var (
	ErrTransient      = New("transient failure")
	ErrBudgetExceeded = New("budget exceeded")
	ErrValidation     = New("validation failed")
	ErrIntegrity      = New("integrity violation")
	ErrCancelled      = New("job cancelled")
)

// MarkTransient marks err as retryable.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return Mark(err, ErrTransient)
}

// MarkBudgetExceeded marks err as a ledger denial.
func MarkBudgetExceeded(err error) error {
	if err == nil {
		return nil
	}
	return Mark(err, ErrBudgetExceeded)
}

// MarkIntegrity marks err as a bug-class integrity violation.
func MarkIntegrity(err error) error {
	if err == nil {
		return nil
	}
	return Mark(err, ErrIntegrity)
}

// NewValidationError creates a validation error with a formatted message.
func NewValidationError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrValidation)
}

// NewIntegrityError creates an integrity error with a formatted message.
func NewIntegrityError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrIntegrity)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrNotFound)
}

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return err != nil && Is(err, ErrTransient)
}
