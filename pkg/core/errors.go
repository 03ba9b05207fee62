// Package core provides the conversation engine facade and its wiring.
package core

import (
	"errors"
	"fmt"
)

// Predefined errors for common failure scenarios.
var (
	// ErrInvalidConfig indicates that the provided configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrInvalidInput indicates that the provided input is invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConnectionFailed indicates that a backend could not be reached
	// during engine initialization.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrEngineClosed indicates the engine has been closed.
	ErrEngineClosed = errors.New("engine closed")
)

// EngineError wraps errors with operation context.
//
// It records which engine operation failed, keeping error messages
// informative without stack traces.
type EngineError struct {
	// Op is the name of the operation that failed.
	Op string

	// Err is the underlying error.
	Err error
}

// Error returns a formatted error message.
//
// The format is: "companionmem: <Op>: <Err>"
func (e *EngineError) Error() string {
	return fmt.Sprintf("companionmem: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for error unwrapping.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// NewEngineError creates a new EngineError wrapping the given error.
//
// If err is nil, returns nil. This allows safe error wrapping:
//
//	return NewEngineError("ProcessTurn", err)
func NewEngineError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &EngineError{Op: op, Err: err}
}
