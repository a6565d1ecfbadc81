package query

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	ErrTimeout         ErrorKind = "timeout"
	ErrConnectionLost  ErrorKind = "connection_lost"
	ErrBackendRejected ErrorKind = "backend_rejected"
)

// ExecutionError is returned by tool clients for every failed backend call.
type ExecutionError struct {
	Kind    ErrorKind
	Backend Backend
	Op      string
	Err     error
}

func NewExecutionError(kind ErrorKind, backend Backend, op string, err error) *ExecutionError {
	return &ExecutionError{Kind: kind, Backend: backend, Op: op, Err: err}
}

func (e *ExecutionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %s", e.Backend, e.Op, e.Kind)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Backend, e.Op, e.Kind, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the user may try the same question again.
// The pipeline itself never retries.
func (e *ExecutionError) Retryable() bool {
	return e.Kind == ErrTimeout || e.Kind == ErrConnectionLost
}

func IsKind(err error, kind ErrorKind) bool {
	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		return false
	}
	return execErr.Kind == kind
}
