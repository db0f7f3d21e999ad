package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/karrierehq/jobflow/core"
)

// maxOptionalFailures bounds how many optional-tool failures a workflow
// tolerates before the next failure becomes fatal.
const maxOptionalFailures = 3

// Orchestrator walks a workflow's steps in order, composing the executor
// and the retry controller. It is the only component that writes workflow
// and step rows.
type Orchestrator struct {
	store    WorkflowStore
	status   StatusStore
	executor *Executor
	retry    *RetryController
	logger   core.Logger
	metrics  *engineMetrics
	tracer   trace.Tracer
}

// NewOrchestrator creates an orchestrator over the given stores and
// executor.
func NewOrchestrator(store WorkflowStore, status StatusStore, executor *Executor, logger core.Logger) *Orchestrator {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Orchestrator{
		store:    store,
		status:   status,
		executor: executor,
		retry:    NewRetryController(),
		logger:   logger,
		metrics:  newEngineMetrics(),
		tracer:   otel.Tracer("jobflow/engine"),
	}
}

// Run drives one workflow to a terminal or suspended state. It is safe to
// call again after a suspension (confirmation) or a process restart;
// completed steps are rehydrated, never re-executed.
func (o *Orchestrator) Run(ctx context.Context, workflowID string) error {
	ctx, span := o.tracer.Start(ctx, "workflow.run",
		trace.WithAttributes(attribute.String("workflow.id", workflowID)))
	defer span.End()

	wf, err := o.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		span.SetStatus(codes.Error, "load failed")
		return fmt.Errorf("loading workflow %s: %w", workflowID, err)
	}

	if wf.Status == WorkflowStatusCompleted || wf.Status == WorkflowStatusFailed ||
		wf.Status == WorkflowStatusCancelled {
		return nil
	}

	if wf.Status != WorkflowStatusWaitingConfirmation {
		wf.Status = WorkflowStatusRunning
		if err := o.store.UpdateWorkflow(ctx, wf); err != nil {
			return fmt.Errorf("persisting workflow start: %w", err)
		}
		o.metrics.workflowsStarted.Add(ctx, 1)
	}

	ec := NewContext()
	for _, step := range wf.Steps {
		if step.Status == StepStatusCompleted || step.Status == StepStatusSkipped {
			_ = ec.SetStepResult(step.Number, step.Result)
			rehydrateOwnedKeys(ec, step)
		}
	}

	failures := 0
	for _, step := range wf.Steps {
		if step.Status == StepStatusCompleted || step.Status == StepStatusSkipped {
			continue
		}
		if err := ctx.Err(); err != nil {
			return o.cancel(wf, step, err)
		}

		wf.CurrentStep = step.Number

		if step.SkipIf != "" && skipConditionMet(step.SkipIf, ec) {
			o.finishStep(ctx, wf, step, ec, StepStatusSkipped, skippedResult(step),
				"Bedingung erfüllt: "+step.SkipIf)
			o.appendStatus(ctx, wf, fmt.Sprintf("Schritt %d übersprungen: Bedingung erfüllt", step.Number))
			continue
		}

		if step.RequiresConfirmation {
			switch {
			case wf.Confirmed == nil:
				wf.Status = WorkflowStatusWaitingConfirmation
				if err := o.store.UpdateWorkflow(ctx, wf); err != nil {
					return fmt.Errorf("persisting suspension: %w", err)
				}
				o.appendStatus(ctx, wf, fmt.Sprintf("Schritt %d wartet auf Bestätigung: %s",
					step.Number, step.Description))
				return nil
			case !*wf.Confirmed:
				wf.Confirmed = nil
				return o.cancel(wf, step, errors.New("vom Benutzer abgelehnt"))
			default:
				wf.Confirmed = nil
				wf.Status = WorkflowStatusRunning
			}
		}

		if o.retry.IsRetryStep(wf, step) {
			if skip, copied := o.retry.ShouldSkip(wf, step); skip {
				o.finishStep(ctx, wf, step, ec, StepStatusSkipped, copied, "")
				o.appendStatus(ctx, wf, fmt.Sprintf("Schritt %d übersprungen: Ergebnis bereits vorhanden", step.Number))
				continue
			}
		}

		if o.retry.IsTerminalSelection(step) {
			result := o.retry.SelectBest(wf, step, ec)
			o.finishStep(ctx, wf, step, ec, StepStatusCompleted, result, "")
			o.appendStatus(ctx, wf, fmt.Sprintf("Schritt %d: Bestes Ergebnis ausgewählt", step.Number))
			continue
		}

		step.Status = StepStatusRunning
		if err := o.store.UpdateStep(ctx, wf.ID, step); err != nil {
			return fmt.Errorf("persisting step start: %w", err)
		}
		o.appendStatus(ctx, wf, fmt.Sprintf("Schritt %d von %d: %s",
			step.Number, len(wf.Steps), step.Description))

		outcome := o.executor.Execute(ctx, wf, step, ec)
		switch outcome.Kind {
		case OutcomeDone:
			o.finishStep(ctx, wf, step, ec, StepStatusCompleted, outcome.Result, "")

		case OutcomeSkip:
			o.finishStep(ctx, wf, step, ec, StepStatusSkipped, outcome.Result, outcome.Reason)

		case OutcomeFail:
			if errors.Is(outcome.Err, core.ErrContextCanceled) || ctx.Err() != nil {
				return o.cancel(wf, step, outcome.Err)
			}
			failures++
			if o.stepIsOptional(step) && failures < maxOptionalFailures {
				placeholder := placeholderResult(step)
				o.finishStep(ctx, wf, step, ec, StepStatusSkipped, placeholder, outcome.Err.Error())
				o.appendStatus(ctx, wf, fmt.Sprintf("Schritt %d übersprungen (optionales Tool fehlgeschlagen)", step.Number))
				o.logger.Warn("Optional tool failed, skipping step", map[string]interface{}{
					"operation": "step_skip_optional",
					"workflow":  wf.ID,
					"step":      step.Number,
					"tool":      step.Tool,
					"error":     outcome.Err.Error(),
				})
				continue
			}
			return o.fail(ctx, wf, step, outcome.Err)
		}
	}

	now := time.Now()
	wf.Status = WorkflowStatusCompleted
	wf.CompletedAt = &now
	if err := o.store.UpdateWorkflow(ctx, wf); err != nil {
		return fmt.Errorf("persisting completion: %w", err)
	}
	o.metrics.workflowsCompleted.Add(ctx, 1)
	o.appendStatus(ctx, wf, "Workflow abgeschlossen")
	o.logger.Info("Workflow completed", map[string]interface{}{
		"operation": "workflow_complete",
		"workflow":  wf.ID,
		"session":   wf.SessionID,
		"steps":     len(wf.Steps),
	})
	return nil
}

// finishStep writes the step's terminal state, mirrors the result into the
// execution context, and persists.
func (o *Orchestrator) finishStep(ctx context.Context, wf *Workflow, step *Step, ec *Context, status StepStatus, result map[string]interface{}, reason string) {
	now := time.Now()
	step.Status = status
	step.Result = result
	step.Error = reason
	step.CompletedAt = &now
	o.metrics.countStep(ctx, step.Type, status)

	if err := ec.SetStepResult(step.Number, result); err != nil {
		o.logger.Warn("Context write rejected", map[string]interface{}{
			"operation": "context_write",
			"workflow":  wf.ID,
			"step":      step.Number,
			"error":     err.Error(),
		})
	}

	if err := o.store.UpdateStep(ctx, wf.ID, step); err != nil {
		o.logger.Error("Failed to persist step", map[string]interface{}{
			"operation": "step_persist",
			"workflow":  wf.ID,
			"step":      step.Number,
			"error":     err.Error(),
		})
	}
	if err := o.store.UpdateWorkflow(ctx, wf); err != nil {
		o.logger.Error("Failed to persist workflow", map[string]interface{}{
			"operation": "workflow_persist",
			"workflow":  wf.ID,
			"error":     err.Error(),
		})
	}
}

// fail marks the workflow failed on an unrecoverable step error.
func (o *Orchestrator) fail(ctx context.Context, wf *Workflow, step *Step, cause error) error {
	now := time.Now()
	step.Status = StepStatusFailed
	step.Error = cause.Error()
	step.CompletedAt = &now
	wf.Status = WorkflowStatusFailed
	wf.CompletedAt = &now
	if err := o.store.UpdateWorkflow(ctx, wf); err != nil {
		o.logger.Error("Failed to persist failed workflow", map[string]interface{}{
			"operation": "workflow_persist",
			"workflow":  wf.ID,
			"error":     err.Error(),
		})
	}
	o.metrics.workflowsFailed.Add(ctx, 1)
	o.appendStatus(ctx, wf, fmt.Sprintf("Workflow fehlgeschlagen bei Schritt %d: %s",
		step.Number, oneLine(cause)))
	o.logger.Error("Workflow failed", map[string]interface{}{
		"operation": "workflow_fail",
		"workflow":  wf.ID,
		"session":   wf.SessionID,
		"step":      step.Number,
		"error":     cause.Error(),
	})
	return fmt.Errorf("workflow %s failed at step %d: %w", wf.ID, step.Number, cause)
}

// cancel marks the workflow cancelled and the in-flight step failed with
// the cancellation reason. Persistence uses a fresh context; the run
// context is already dead.
func (o *Orchestrator) cancel(wf *Workflow, step *Step, cause error) error {
	persistCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()

	now := time.Now()
	if step != nil && step.Status != StepStatusCompleted && step.Status != StepStatusSkipped {
		step.Status = StepStatusFailed
		step.Error = fmt.Sprintf("abgebrochen: %v", cause)
		step.CompletedAt = &now
	}
	wf.Status = WorkflowStatusCancelled
	wf.CompletedAt = &now
	if err := o.store.UpdateWorkflow(persistCtx, wf); err != nil {
		o.logger.Error("Failed to persist cancelled workflow", map[string]interface{}{
			"operation": "workflow_persist",
			"workflow":  wf.ID,
			"error":     err.Error(),
		})
	}
	o.metrics.workflowsFailed.Add(persistCtx, 1)
	o.appendStatus(persistCtx, wf, "Workflow abgebrochen")
	o.logger.Info("Workflow cancelled", map[string]interface{}{
		"operation": "workflow_cancel",
		"workflow":  wf.ID,
		"session":   wf.SessionID,
	})
	return nil
}

func (o *Orchestrator) appendStatus(ctx context.Context, wf *Workflow, message string) {
	if err := o.status.Append(ctx, wf.SessionID, message); err != nil {
		o.logger.Warn("Failed to append status event", map[string]interface{}{
			"operation": "status_append",
			"session":   wf.SessionID,
			"error":     err.Error(),
		})
	}
}

// stepIsOptional consults the tool's capability flag.
func (o *Orchestrator) stepIsOptional(step *Step) bool {
	if step.Type != StepTypeToolCall || step.Tool == "" {
		return false
	}
	tool, ok := o.executor.registry.Get(step.Tool)
	return ok && tool.Optional()
}

// placeholderResult synthesizes an error-status result shaped by the step's
// declared output schema, so downstream placeholders resolve to typed
// zeroes.
func placeholderResult(step *Step) map[string]interface{} {
	out := map[string]interface{}{
		"status":  "error",
		"message": "Schritt übersprungen",
	}
	if step.OutputFormat != nil {
		for name, typ := range step.OutputFormat.Fields {
			out[name] = zeroForType(typ)
		}
	}
	return out
}

// skippedResult is recorded for a step whose skip_if condition held,
// shaped by the declared schema so downstream placeholders resolve.
func skippedResult(step *Step) map[string]interface{} {
	out := map[string]interface{}{
		"status":  "skipped",
		"message": "Bedingung erfüllt",
	}
	if step.OutputFormat != nil {
		for name, typ := range step.OutputFormat.Fields {
			out[name] = zeroForType(typ)
		}
	}
	return out
}

// rehydrateOwnedKeys republishes variant-generation auxiliaries when a
// completed variant step is rehydrated on re-attach.
func rehydrateOwnedKeys(ec *Context, step *Step) {
	if step.Type != StepTypeToolCall || step.Tool != pseudoToolVariants || step.Result == nil {
		return
	}
	if v, ok := step.Result["search_variants_list"]; ok {
		ec.SetOwned("search_variants_list", v)
	}
	if v, ok := step.Result["search_variants_count"]; ok {
		ec.SetOwned("search_variants_count", v)
	}
}

// oneLine trims an error to its first line for user-visible messages.
func oneLine(err error) string {
	msg := err.Error()
	for i, r := range msg {
		if r == '\n' {
			return msg[:i]
		}
	}
	return msg
}
