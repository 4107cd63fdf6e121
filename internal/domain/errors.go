package domain

import (
	"errors"
	"fmt"
)

// Sentinel error kinds per spec.md 7. HTTP translation lives at the API
// boundary (internal/api); everywhere else these propagate with
// errors.Is/errors.As, following the teacher's RepositoryError/DomainError
// split translated into idiomatic Go rather than a Rust-style enum.
var (
	ErrNotFound          = errors.New("not found")
	ErrValidationFailure = errors.New("validation failure")
	ErrBackingStore      = errors.New("backing store error")
	ErrRateLimited       = errors.New("rate limited")
	ErrQuotaExceeded     = errors.New("quota exceeded")
	ErrCircuitOpen       = errors.New("circuit open")
	ErrCancelled         = errors.New("task cancelled")
	ErrAllEnginesFailed  = errors.New("all engines failed")
)

// EngineError wraps an error surfaced by a scrape engine, carrying the
// retryable classification the router and the worker's handle_failure
// both need (spec.md 4.3, 4.4).
type EngineError struct {
	Engine    string
	Retryable bool
	Err       error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("engine %s: %v", e.Engine, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

// IsRetryable reports whether the failure should cycle to the next engine
// (router) or count toward the worker's exponential backoff (handle_failure).
func (e *EngineError) IsRetryable() bool { return e.Retryable }

// NewRetryableEngineError wraps err as a retryable engine failure (timeout,
// connect failure, 5xx, other transient conditions).
func NewRetryableEngineError(engine string, err error) *EngineError {
	return &EngineError{Engine: engine, Retryable: true, Err: err}
}

// NewTerminalEngineError wraps err as a non-retryable engine failure
// (validation, unreachable configuration).
func NewTerminalEngineError(engine string, err error) *EngineError {
	return &EngineError{Engine: engine, Retryable: false, Err: err}
}
