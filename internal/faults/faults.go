// Package faults classifies pipeline failures so the job queue can pick the
// right retry policy for each.
package faults

import (
	"errors"
	"fmt"
)

type Kind int

const (
	// KindUnknown failures retry with the standard policy.
	KindUnknown Kind = iota
	// KindTransient covers network errors and timeouts.
	KindTransient
	// KindValidation covers malformed input and schema mismatches; never retried.
	KindValidation
	// KindExternal covers rate limits and quota errors; retried with a longer
	// backoff ceiling.
	KindExternal
	// KindConflict covers duplicate enqueues and already-running workflow
	// keys; resolved structurally, not treated as a pipeline failure.
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindValidation:
		return "validation"
	case KindExternal:
		return "external"
	case KindConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Error wraps a cause with a retry classification.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindTransient, Err: err}
}

func Validation(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindValidation, Err: err}
}

func External(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindExternal, Err: err}
}

func Conflict(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindConflict, Err: err}
}

// KindOf returns the classification of err, or KindUnknown when unclassified.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}
