// Package errors provides error handling for ferry.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - PII-safe error formatting
//
// Usage:
//
//	// Create new error
//	err := errors.New("something went wrong")
//
//	// Wrap with context
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	// Check errors
//	if errors.Is(err, errors.ErrPoolExhausted) {
//	    // back off and retry later
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
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
)

// User-facing messages and details
var (
	WithHint           = crdb.WithHint
	WithHintf          = crdb.WithHintf
	WithDetail         = crdb.WithDetail
	WithDetailf        = crdb.WithDetailf
	WithSecondaryError = crdb.WithSecondaryError
)

// Error inspection
var (
	Is        = crdb.Is
	IsAny     = crdb.IsAny
	As        = crdb.As
	Unwrap    = crdb.Unwrap
	UnwrapAll = crdb.UnwrapAll
	Join      = crdb.Join
)

// Sentinel errors for the transfer engine. Use these with errors.Is() for
// type-safe checking; wrap them with errors.Wrap() to add context while
// preserving the type.
var (
	// ErrTransientTransport indicates a retryable transport-level failure
	// (timeout, 5xx, connection reset, rate-limit response).
	ErrTransientTransport = New("transient transport error")

	// ErrTerminalRequest indicates a malformed or rejected request that must
	// not be retried (4xx other than rate-limit).
	ErrTerminalRequest = New("terminal request error")

	// ErrRetriesExhausted indicates a transient failure survived the maximum
	// number of retry attempts. It always wraps the last underlying cause.
	ErrRetriesExhausted = New("retries exhausted")

	// ErrRecordRejected indicates the remote service accepted a batch but
	// flagged individual records. Never retried.
	ErrRecordRejected = New("record rejected")

	// ErrPoolExhausted indicates no connection became free within the
	// acquire timeout.
	ErrPoolExhausted = New("connection pool exhausted")

	// ErrVersionNotWritable indicates an import targeted a resource version
	// that is not in the writable state.
	ErrVersionNotWritable = New("resource version not writable")

	// ErrTimeout indicates a polling or per-call deadline elapsed.
	ErrTimeout = New("operation timed out")

	// ErrBackupWriteFailed indicates a pre-mutation backup write failed; the
	// mutation for the affected profile is skipped, never applied unbacked.
	ErrBackupWriteFailed = New("backup write failed")

	// ErrMissingDistinctID indicates a record left a pipeline without an
	// actor id, which the data model forbids.
	ErrMissingDistinctID = New("record missing distinct id")
)

// IsTransient reports whether an error is or wraps ErrTransientTransport.
func IsTransient(err error) bool {
	return err != nil && Is(err, ErrTransientTransport)
}

// IsTerminal reports whether an error is or wraps ErrTerminalRequest.
func IsTerminal(err error) bool {
	return err != nil && Is(err, ErrTerminalRequest)
}

// IsRetriesExhausted reports whether an error is or wraps ErrRetriesExhausted.
func IsRetriesExhausted(err error) bool {
	return err != nil && Is(err, ErrRetriesExhausted)
}

// IsTimeout reports whether an error is or wraps ErrTimeout.
func IsTimeout(err error) bool {
	return err != nil && Is(err, ErrTimeout)
}

// NewTerminalRequestError creates a terminal request error with a formatted message.
func NewTerminalRequestError(format string, args ...interface{}) error {
	return Wrap(ErrTerminalRequest, Newf(format, args...).Error())
}

// WrapTransient marks an error as transient while keeping the original cause
// visible to errors.Is/As.
func WrapTransient(err error, context string) error {
	return Wrap(Join(ErrTransientTransport, err), context)
}
