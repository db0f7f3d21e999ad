package engine

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// engineMetrics holds the instrument set for workflow execution. Instruments
// are created once against the global meter provider; a no-op provider makes
// all of this free.
type engineMetrics struct {
	workflowsStarted   metric.Int64Counter
	workflowsCompleted metric.Int64Counter
	workflowsFailed    metric.Int64Counter
	stepsExecuted      metric.Int64Counter
	stepsSkipped       metric.Int64Counter
}

func newEngineMetrics() *engineMetrics {
	meter := otel.Meter("jobflow/engine")
	m := &engineMetrics{}
	m.workflowsStarted, _ = meter.Int64Counter("jobflow.workflows.started",
		metric.WithDescription("Workflows started"))
	m.workflowsCompleted, _ = meter.Int64Counter("jobflow.workflows.completed",
		metric.WithDescription("Workflows completed successfully"))
	m.workflowsFailed, _ = meter.Int64Counter("jobflow.workflows.failed",
		metric.WithDescription("Workflows ended in failure or cancellation"))
	m.stepsExecuted, _ = meter.Int64Counter("jobflow.steps.executed",
		metric.WithDescription("Steps dispatched to the executor"))
	m.stepsSkipped, _ = meter.Int64Counter("jobflow.steps.skipped",
		metric.WithDescription("Steps skipped by retry policy or optional-tool tolerance"))
	return m
}

func (m *engineMetrics) countStep(ctx context.Context, stepType StepType, status StepStatus) {
	attrs := metric.WithAttributes(
		attribute.String("step.type", string(stepType)),
		attribute.String("step.status", string(status)),
	)
	if status == StepStatusSkipped {
		m.stepsSkipped.Add(ctx, 1, attrs)
		return
	}
	m.stepsExecuted.Add(ctx, 1, attrs)
}
