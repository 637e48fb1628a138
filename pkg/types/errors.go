// Package types defines the shared error taxonomy used across all Archon
// packages.
//
// Every error that crosses a component boundary carries a [Kind] so that
// callers can decide whether to retry, fail fast, or surface the failure —
// without matching on error strings. Each package defines its own domain
// types; the cross-cutting error classification lives here to avoid circular
// imports.
package types

import (
	"errors"
	"fmt"
)

// Kind classifies an error into one of the semantic categories understood by
// all Archon components.
type Kind int

const (
	// KindUnknown is the zero value — an unclassified error.
	KindUnknown Kind = iota

	// KindNotFound means the requested entity is absent or expired.
	KindNotFound

	// KindValidation means the input violates a declared invariant.
	// Never retried.
	KindValidation

	// KindTransient covers timeouts, connection refusals, and rate limits.
	// Safe to retry with backoff.
	KindTransient

	// KindServiceUnavailable means a circuit breaker is open or every
	// candidate has been exhausted.
	KindServiceUnavailable

	// KindDataIntegrity means a read returned data that violates invariants.
	// Never auto-repaired.
	KindDataIntegrity

	// KindInternal is an uncaught programmer error.
	KindInternal
)

// String returns the human-readable name of the kind.
func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindValidation:
		return "validation"
	case KindTransient:
		return "transient"
	case KindServiceUnavailable:
		return "service_unavailable"
	case KindDataIntegrity:
		return "data_integrity"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error is an error annotated with a [Kind]. It wraps an underlying cause
// (which may be nil) and participates in errors.Is/errors.As chains.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return e.Msg + ": " + e.Err.Error()
	case e.Msg != "":
		return e.Msg
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Kind.String()
	}
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// NotFound returns a KindNotFound error with a formatted message.
func NotFound(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

// Validation returns a KindValidation error with a formatted message.
func Validation(format string, args ...any) error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

// Transient wraps err as KindTransient with a contextual message.
func Transient(err error, msg string) error {
	return &Error{Kind: KindTransient, Msg: msg, Err: err}
}

// ServiceUnavailable wraps err as KindServiceUnavailable with a contextual
// message describing which services failed.
func ServiceUnavailable(err error, msg string) error {
	return &Error{Kind: KindServiceUnavailable, Msg: msg, Err: err}
}

// DataIntegrity returns a KindDataIntegrity error with a formatted message.
func DataIntegrity(format string, args ...any) error {
	return &Error{Kind: KindDataIntegrity, Msg: fmt.Sprintf(format, args...)}
}

// Internal wraps err as KindInternal.
func Internal(err error, msg string) error {
	return &Error{Kind: KindInternal, Msg: msg, Err: err}
}

// KindOf extracts the [Kind] from err, walking the wrap chain. Unclassified
// errors report KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsNotFound reports whether err is classified as KindNotFound.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsTransient reports whether err is classified as KindTransient.
func IsTransient(err error) bool { return KindOf(err) == KindTransient }
