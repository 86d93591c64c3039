// Package apperr defines the error taxonomy shared across components, per
// the error-handling design: transient I/O, decode errors, config
// validation errors, state invariant violations, and fatal startup errors
// are each classified so the owning component can react without a
// bespoke error-handling framework.
package apperr

import "errors"

// Sentinel errors. Components wrap these with fmt.Errorf("...: %w", Err...)
// and callers classify with errors.Is.
var (
	// ErrTransient marks a retryable network/bus/cache failure.
	ErrTransient = errors.New("transient I/O error")

	// ErrDecodeFrame marks a single malformed/unparseable input frame.
	// Always counted and dropped; never propagated past the decoder.
	ErrDecodeFrame = errors.New("frame decode error")

	// ErrConfigInvalid marks a strategy config file that failed
	// validation. The file is skipped; the process continues.
	ErrConfigInvalid = errors.New("config validation error")

	// ErrStateInvariant marks a state-machine invariant violation for one
	// (symbol, strategy) pair. The pair is quarantined; no further
	// signals are emitted for it until restart.
	ErrStateInvariant = errors.New("state invariant violation")

	// ErrFatal marks an unrecoverable startup condition (bus unreachable,
	// SQL pool exhausted). The process exits after graceful cancellation.
	ErrFatal = errors.New("fatal startup error")
)

// Exit codes, per external interface contract.
const (
	ExitOK              = 0
	ExitConfigError     = 1
	ExitAuthFailure     = 2
	ExitBusUnreachable  = 3
	ExitCancelled       = 130
)
