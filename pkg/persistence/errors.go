package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrFlowNotFound indicates a flow was not found by the given identifier.
	ErrFlowNotFound = errors.New("flow not found")

	// ErrRunNotFound indicates no run exists for the given conversation or id.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunConflict indicates a concurrent write won the compare-and-swap,
	// or a new run was started while the conversation still had an active one.
	ErrRunConflict = errors.New("run was modified concurrently")

	// ErrDeadLetterNotFound indicates a dead letter was not found.
	ErrDeadLetterNotFound = errors.New("dead letter not found")
)

// RunError wraps run-related errors with additional context.
type RunError struct {
	Op             string // Operation being performed (e.g., "Load", "Save")
	ConversationID string
	RunID          string
	Err            error
}

func (e *RunError) Error() string {
	target := "conversation " + e.ConversationID
	if e.RunID != "" {
		target = fmt.Sprintf("run %s of %s", e.RunID, target)
	}

	return fmt.Sprintf("%s operation failed for %s: %v", e.Op, target, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for run errors.
func (e *RunError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewRunError creates a new run error with context.
func NewRunError(op, conversationID, runID string, err error) *RunError {
	return &RunError{
		Op:             op,
		ConversationID: conversationID,
		RunID:          runID,
		Err:            err,
	}
}

// FlowError wraps flow-related errors with additional context.
type FlowError struct {
	Op     string
	FlowID string
	Err    error
}

func (e *FlowError) Error() string {
	return fmt.Sprintf("%s operation failed for flow %s: %v", e.Op, e.FlowID, e.Err)
}

func (e *FlowError) Unwrap() error {
	return e.Err
}

func (e *FlowError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func NewFlowError(op, flowID string, err error) *FlowError {
	return &FlowError{Op: op, FlowID: flowID, Err: err}
}

// IsRunNotFound checks if an error indicates a run was not found.
func IsRunNotFound(err error) bool {
	return errors.Is(err, ErrRunNotFound)
}

// IsRunConflict checks if an error indicates a lost compare-and-swap.
func IsRunConflict(err error) bool {
	return errors.Is(err, ErrRunConflict)
}

// IsFlowNotFound checks if an error indicates a flow was not found.
func IsFlowNotFound(err error) bool {
	return errors.Is(err, ErrFlowNotFound)
}
