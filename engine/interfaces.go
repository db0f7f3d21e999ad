package engine

import (
	"context"
	"time"

	"github.com/karrierehq/jobflow/core"
)

// WorkflowStore is the durable record of workflows and their steps. A crash
// mid-step leaves the step pending or running, never a phantom completed;
// re-attach on restart rehydrates the execution context from completed
// steps only. Implementations must be safe for concurrent use, but two
// workers never touch the same workflow.
type WorkflowStore interface {
	// SaveWorkflow persists a new workflow with all its steps.
	SaveWorkflow(ctx context.Context, wf *Workflow) error

	// UpdateWorkflow persists workflow-level fields and all steps.
	UpdateWorkflow(ctx context.Context, wf *Workflow) error

	// UpdateStep persists a single step row.
	UpdateStep(ctx context.Context, workflowID string, step *Step) error

	// GetWorkflow loads a workflow with all steps.
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)

	// GetBySession loads the workflow attached to a session.
	GetBySession(ctx context.Context, sessionID string) (*Workflow, error)
}

// StatusStore is the append-only per-session status timeline consumed by
// clients for progress feedback. Events are monotonically timestamped
// within a session.
type StatusStore interface {
	// Append records one human-readable status message.
	Append(ctx context.Context, sessionID, message string) error

	// ListSince returns events strictly after the cursor, oldest first.
	ListSince(ctx context.Context, sessionID string, since time.Time) ([]StatusEvent, error)
}

// LLMGateway is the executor's view of the model endpoint. The concrete
// implementation lives in the ai package; tests use fakes.
type LLMGateway interface {
	// Generate performs a free-form completion.
	Generate(ctx context.Context, meta core.CallMeta, prompt string, opts *core.AIOptions) (*core.AIResponse, error)

	// ExtractStructured performs a completion parsed into the declared
	// fields (type tags: string, integer, number, boolean, array), with
	// type coercion and by-type defaults for missing fields.
	ExtractStructured(ctx context.Context, meta core.CallMeta, prompt string, fields map[string]string) (map[string]interface{}, error)
}

// OutcomeKind classifies the result of executing one step. Control flow is
// carried in values, not panics or sentinel exceptions.
type OutcomeKind int

const (
	OutcomeDone OutcomeKind = iota
	OutcomeSkip
	OutcomeFail
)

// StepOutcome is the executor's verdict on one step. Exactly one of Result,
// Reason, Err is meaningful depending on Kind. Transient tool and model
// errors are retried inside the executor; an outcome is always final.
type StepOutcome struct {
	Kind   OutcomeKind
	Result map[string]interface{}
	Reason string
	Err    error
}

// Done builds a successful outcome.
func Done(result map[string]interface{}) StepOutcome {
	return StepOutcome{Kind: OutcomeDone, Result: result}
}

// Skip builds a skipped outcome carrying the result to expose downstream.
func Skip(reason string, result map[string]interface{}) StepOutcome {
	return StepOutcome{Kind: OutcomeSkip, Reason: reason, Result: result}
}

// Fail builds a failed outcome.
func Fail(err error) StepOutcome {
	return StepOutcome{Kind: OutcomeFail, Err: err}
}
