package engine

import (
	"time"
)

// WorkflowStatus is the lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowStatusPlanning            WorkflowStatus = "planning"
	WorkflowStatusRunning             WorkflowStatus = "running"
	WorkflowStatusWaitingConfirmation WorkflowStatus = "waiting_confirmation"
	WorkflowStatusCompleted           WorkflowStatus = "completed"
	WorkflowStatusFailed              WorkflowStatus = "failed"
	WorkflowStatusCancelled           WorkflowStatus = "cancelled"
)

// StepStatus is the lifecycle state of a single step. No resurrection:
// a step leaves pending/running exactly once.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusSkipped   StepStatus = "skipped"
	StepStatusFailed    StepStatus = "failed"
)

// StepType selects the executor dispatch path.
type StepType string

const (
	StepTypeToolCall     StepType = "tool_call"
	StepTypeAnalysis     StepType = "analysis"
	StepTypeDecision     StepType = "decision"
	StepTypeNotification StepType = "notification"
)

// OutputFormat declares the structured shape an analysis or decision step
// must produce. Field type tags: string, integer, number, boolean, array.
type OutputFormat struct {
	Type   string            `json:"type"`
	Fields map[string]string `json:"fields"`
}

// Step is one atomic unit of a plan. Step numbers are 1-based, dense, and
// unique within a workflow. Result is written exactly once.
type Step struct {
	Number               int                    `json:"step_number"`
	Type                 StepType               `json:"step_type"`
	Description          string                 `json:"description"`
	Tool                 string                 `json:"tool,omitempty"`
	Parameters           map[string]interface{} `json:"parameters,omitempty"`
	OutputFormat         *OutputFormat          `json:"output_format,omitempty"`
	SkipIf               string                 `json:"skip_if,omitempty"`
	RequiresConfirmation bool                   `json:"requires_confirmation,omitempty"`

	Status      StepStatus             `json:"status"`
	Result      map[string]interface{} `json:"result,omitempty"`
	Error       string                 `json:"error,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

// Workflow is an executable instance of a plan derived from a user intent.
// It is owned by the orchestrator; no other component writes it.
type Workflow struct {
	ID          string         `json:"id"`
	SessionID   string         `json:"session_id"`
	UserID      string         `json:"user_id"`
	Intent      string         `json:"intent"`
	Status      WorkflowStatus `json:"status"`
	CurrentStep int            `json:"current_step"`
	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Confirmed   *bool          `json:"confirmed,omitempty"`
	Steps       []*Step        `json:"steps"`
}

// StepByNumber returns the step with the given 1-based number, or nil.
func (w *Workflow) StepByNumber(n int) *Step {
	for _, s := range w.Steps {
		if s.Number == n {
			return s
		}
	}
	return nil
}

// StatusEvent is one entry of the append-only per-session timeline.
type StatusEvent struct {
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// SearchVariant is one (what, where, radius) search tuple produced by the
// variant generator. Lower priority sorts earlier; priority 0 is the user's
// exact ask.
type SearchVariant struct {
	Strategy    string `json:"strategy"`
	Priority    int    `json:"priority"`
	What        string `json:"what"`
	Where       string `json:"where"`
	RadiusKM    int    `json:"radius"`
	Description string `json:"description"`
}
