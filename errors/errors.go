// Package errors provides error handling for kiln.
//
// It re-exports github.com/cockroachdb/errors (stack traces, wrapping, hints)
// and adds the four error kinds the run engine reports:
//
//   - NotFound: unknown run, script, workspace, or no active process
//   - Validation: bad input caught before anything is spawned
//   - Process: spawn, kill, or wait failures
//   - Database: any failure reading or writing the store
//
// Kinds are attached with Mark, so the original message is preserved and
// errors.Is(err, ErrNotFound) still works through further wrapping.
//
//	if errors.IsNotFound(err) {
//	    // report "no active process" to the caller
//	}
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
	WithHint       = crdb.WithHint
	WithHintf      = crdb.WithHintf
	WithDetail     = crdb.WithDetail
	WithDetailf    = crdb.WithDetailf
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenHints   = crdb.FlattenHints
	FlattenDetails = crdb.FlattenDetails
)

// Error inspection
var (
	Is         = crdb.Is
	IsAny      = crdb.IsAny
	As         = crdb.As
	Unwrap     = crdb.Unwrap
	UnwrapOnce = crdb.UnwrapOnce
	UnwrapAll  = crdb.UnwrapAll
)

// Assertions
var (
	AssertionFailedf   = crdb.AssertionFailedf
	IsAssertionFailure = crdb.IsAssertionFailure
)

// Error kinds. Use with errors.Is().
var (
	// ErrNotFound indicates the run, script, workspace or active process does not exist
	ErrNotFound = New("not found")

	// ErrValidation indicates malformed or unrecognized input
	ErrValidation = New("validation failed")

	// ErrProcess indicates a spawn, kill or wait failure
	ErrProcess = New("process error")

	// ErrDatabase indicates a failure reading or writing the durable store
	ErrDatabase = New("database error")
)

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrNotFound)
}

// NewValidationError creates a validation error with a formatted message
func NewValidationError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrValidation)
}

// WrapProcess marks err as a process error with context
func WrapProcess(err error, context string) error {
	if err == nil {
		return nil
	}
	return Mark(Wrap(err, context), ErrProcess)
}

// WrapDatabase marks err as a database error with context.
// Errors that already carry a kind (e.g. not found) keep it.
func WrapDatabase(err error, context string) error {
	if err == nil {
		return nil
	}
	if IsAny(err, ErrNotFound, ErrValidation) {
		return Wrap(err, context)
	}
	return Mark(Wrap(err, context), ErrDatabase)
}

// IsNotFound checks if an error is or wraps ErrNotFound
func IsNotFound(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsValidation checks if an error is or wraps ErrValidation
func IsValidation(err error) bool {
	return err != nil && Is(err, ErrValidation)
}

// IsProcess checks if an error is or wraps ErrProcess
func IsProcess(err error) bool {
	return err != nil && Is(err, ErrProcess)
}

// IsDatabase checks if an error is or wraps ErrDatabase
func IsDatabase(err error) bool {
	return err != nil && Is(err, ErrDatabase)
}

// Kind returns a short machine-readable name for the error's kind.
// Used by the HTTP and MCP layers to report errors without string matching.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case IsNotFound(err):
		return "not_found"
	case IsValidation(err):
		return "validation"
	case IsProcess(err):
		return "process"
	case IsDatabase(err):
		return "database"
	default:
		return "internal"
	}
}
