package query

import (
	"context"
	"errors"
	"fmt"
	"net"
)

const (
	StageGenerate = "generate"
	StageExplain  = "explain"
	StageExecute  = "execute"
)

// ValidationError rejects a request before any model call.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// GenerationError reports a failed model invocation.
type GenerationError struct {
	Stage string
	Err   error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("%s model call failed: %v", e.Stage, e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// ExecutionError carries the raw engine message of a failed query.
type ExecutionError struct {
	Dialect Dialect
	Query   string
	Message string
	Err     error
}

func (e *ExecutionError) Error() string {
	return e.Message
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// InterruptedError reports a stage stopped by its deadline or by
// cancellation.
type InterruptedError struct {
	Stage string
	Err   error
}

func (e *InterruptedError) Error() string {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return fmt.Sprintf("%s timed out", e.Stage)
	}
	return fmt.Sprintf("%s canceled", e.Stage)
}

func (e *InterruptedError) Unwrap() error {
	return e.Err
}

// IsInterruption reports whether err stems from a deadline, a cancellation
// or a network timeout.
func IsInterruption(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// NewExecutionError builds the error an engine returns for a failed query.
// Interruptions become *InterruptedError instead.
func NewExecutionError(dialect Dialect, text string, err error) error {
	if IsInterruption(err) {
		return &InterruptedError{Stage: StageExecute, Err: err}
	}
	return &ExecutionError{Dialect: dialect, Query: text, Message: err.Error(), Err: err}
}
