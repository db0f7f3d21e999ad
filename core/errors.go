package core

import (
	"errors"
	"fmt"
)

// Sentinel errors for comparison with errors.Is(). These are generic and are
// wrapped with additional context at the call site.
var (
	// Workflow errors
	ErrWorkflowNotFound   = errors.New("workflow not found")
	ErrWorkflowNotWaiting = errors.New("workflow is not waiting for confirmation")
	ErrPlanInvalid        = errors.New("plan failed validation")

	// Step errors
	ErrUnresolvedPlaceholder = errors.New("unresolved placeholder")
	ErrToolNotFound          = errors.New("tool not found")
	ErrInvalidParameters     = errors.New("invalid tool parameters")

	// Gateway errors
	ErrLLMUnavailable     = errors.New("llm endpoint unavailable")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")

	// Transport errors
	ErrUpstreamUnavailable = errors.New("upstream service unavailable")

	// Admission errors
	ErrTokenLimitExceeded = errors.New("token limit reached")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")

	// Operation errors
	ErrTimeout         = errors.New("operation timeout")
	ErrContextCanceled = errors.New("context canceled")
)

// EngineError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type EngineError struct {
	Op      string // Operation that failed (e.g., "executor.tool_call")
	Kind    string // Error kind (e.g., "step", "workflow", "admission")
	ID      string // Optional ID of the entity involved
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

func (e *EngineError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// NewEngineError creates a new EngineError.
func NewEngineError(op, kind string, err error) *EngineError {
	return &EngineError{Op: op, Kind: kind, Err: err}
}

// IsRetryable reports whether an error represents a transient condition
// worth another attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLLMUnavailable) ||
		errors.Is(err, ErrUpstreamUnavailable) ||
		errors.Is(err, ErrTimeout)
}

// IsNotFound reports whether an error represents a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound) ||
		errors.Is(err, ErrToolNotFound)
}
