package core

import (
	"errors"
	"fmt"
)

// ErrKind classifies why an operation failed so callers (HTTP handlers,
// sync engine, propagation worker) can react without string matching.
type ErrKind int

const (
	ErrInvalidRequest ErrKind = iota
	ErrDuplicateEvent
	ErrRateLimited
	ErrTransient
	ErrConsensusReject
	ErrForkConflict
	ErrDataCorruption
)

func (k ErrKind) String() string {
	switch k {
	case ErrInvalidRequest:
		return "invalid_request"
	case ErrDuplicateEvent:
		return "duplicate_event"
	case ErrRateLimited:
		return "rate_limited"
	case ErrTransient:
		return "transient"
	case ErrConsensusReject:
		return "consensus_reject"
	case ErrForkConflict:
		return "fork_conflict"
	case ErrDataCorruption:
		return "data_corruption"
	default:
		return "unknown"
	}
}

// CoreError wraps an underlying error with a classification, so upstream
// HTTP handlers can pick the right status code and sync/propagation
// callers can decide whether to retry.
type CoreError struct {
	Kind ErrKind
	Err  error
}

func (e *CoreError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *CoreError) Unwrap() error { return e.Err }

// NewError wraps err with the given classification.
func NewError(kind ErrKind, err error) *CoreError {
	return &CoreError{Kind: kind, Err: err}
}

// Errf builds a CoreError from a format string, matching the package's
// fmt.Errorf-based wrapping idiom.
func Errf(kind ErrKind, format string, args ...interface{}) *CoreError {
	return &CoreError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the ErrKind from err if it (or something it wraps) is a
// *CoreError, otherwise returns ErrTransient as a conservative default.
func KindOf(err error) ErrKind {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ErrTransient
}
