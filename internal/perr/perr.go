// Package perr classifies pipeline errors into the taxonomy result
// variants described in the design notes: a worker never propagates a bare
// error past its loop, it classifies first and lets the broker's backoff
// machinery consume the classification.
package perr

import "errors"

// Class is the error taxonomy from spec §7.
type Class int

const (
	// Transient errors are retried through the broker's backoff policy:
	// classifier timeouts, rate-limit rejections, broker contention, row
	// store busy, graph-store deadlocks.
	Transient Class = iota
	// ResolvableLater holds an outbox row PENDING instead of failing it,
	// because the missing reference may legitimately arrive later.
	ResolvableLater
	// Logical is non-retriable for the current attempt but not fatal to
	// the process: malformed payload after fallback, permanent per-file
	// failure.
	Logical
	// Fatal halts the process: unreachable dependency at startup, bad
	// credentials, missing required config.
	Fatal
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case ResolvableLater:
		return "resolvable_later"
	case Logical:
		return "logical"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error wraps a cause with a taxonomy class.
type Error struct {
	Class Class
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Class.String()
	}
	return e.Class.String() + ": " + e.Cause.Error()
}

func (e *Error) Unwrap() error { return e.Cause }

func New(class Class, cause error) *Error { return &Error{Class: class, Cause: cause} }

func Transientf(cause error) *Error       { return New(Transient, cause) }
func ResolvableLaterf(cause error) *Error { return New(ResolvableLater, cause) }
func Logicalf(cause error) *Error         { return New(Logical, cause) }
func Fatalf(cause error) *Error           { return New(Fatal, cause) }

// ClassOf extracts the taxonomy class of err, defaulting to Transient for
// plain errors so unclassified failures still retry rather than being
// silently dropped.
func ClassOf(err error) Class {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Class
	}
	return Transient
}

// Retriable reports whether err's class should be retried by the broker's
// backoff policy (Transient or ResolvableLater).
func Retriable(err error) bool {
	c := ClassOf(err)
	return c == Transient || c == ResolvableLater
}
