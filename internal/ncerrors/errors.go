// Package ncerrors implements the error taxonomy every core subsystem uses
// to classify failures: validation, not-found, conflict, resource-exhausted,
// external-transient, external-permanent, integrity, cancelled, and timeout.
package ncerrors

import (
	"errors"
	"fmt"
)

// Kind is a closed sum type over the error taxonomy. New kinds are never
// added silently — every caller switching on Kind should handle all of them.
type Kind string

const (
	Validation        Kind = "validation"
	NotFound          Kind = "not_found"
	Conflict          Kind = "conflict"
	ResourceExhausted Kind = "resource_exhausted"
	ExternalTransient Kind = "external_transient"
	ExternalPermanent Kind = "external_permanent"
	Integrity         Kind = "integrity"
	Cancelled         Kind = "cancelled"
	Timeout           Kind = "timeout"
)

// Error is the concrete error type returned by core operations. Op names the
// operation that failed (e.g. "registry.update_task_state"); Kind says how a
// caller should react; Err carries the underlying cause, if any.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error with no wrapped cause.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Err: errors.New(msg)}
}

// Wrap builds an *Error around an existing cause. Wrapping nil returns nil so
// call sites can write `return ncerrors.Wrap(kind, op, err)` unconditionally.
func Wrap(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the Kind of err, defaulting to "" if err is not (or does
// not wrap) an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err is (or wraps) an *Error of the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the taxonomy entry for kind is one the caller
// should itself retry (as opposed to surfacing to a human or giving up).
// ExternalTransient and Conflict are retried up to policy-defined bounds;
// ResourceExhausted is not an error at all in the scheduling sense (§7) but
// callers that reach here via this helper should treat it as "try later".
func Retryable(kind Kind) bool {
	switch kind {
	case ExternalTransient, Conflict, ResourceExhausted:
		return true
	default:
		return false
	}
}
