package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/karrierehq/jobflow/core"
)

// Engine is the public facade: it plans, persists, and queues workflows
// onto a bounded worker pool so the request path returns immediately with
// a session id. Clients poll the status endpoints.
type Engine struct {
	planner *Planner
	orch    *Orchestrator
	store   WorkflowStore
	status  StatusStore
	logger  core.Logger

	queue   chan string
	workers int

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewEngine assembles the facade. workers bounds parallel workflows
// (default 8); queueCapacity bounds pending work (default 64).
func NewEngine(planner *Planner, orch *Orchestrator, store WorkflowStore, status StatusStore, logger core.Logger, workers, queueCapacity int) *Engine {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if workers <= 0 {
		workers = 8
	}
	if queueCapacity <= 0 {
		queueCapacity = 64
	}
	return &Engine{
		planner: planner,
		orch:    orch,
		store:   store,
		status:  status,
		logger:  logger,
		queue:   make(chan string, queueCapacity),
		workers: workers,
		cancels: make(map[string]context.CancelFunc),
	}
}

// Start launches the worker pool. Idempotent.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}
	e.baseCtx, e.stop = context.WithCancel(context.Background())
	e.running = true
	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.worker(i)
	}
	e.logger.Info("Engine started", map[string]interface{}{
		"operation": "engine_start",
		"workers":   e.workers,
	})
}

// Shutdown stops accepting work, cancels in-flight workflows, and waits up
// to the context deadline for workers to drain.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	e.stop()
	close(e.queue)
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("engine shutdown: %w", ctx.Err())
	}
}

func (e *Engine) worker(id int) {
	defer e.wg.Done()
	for workflowID := range e.queue {
		e.runOne(id, workflowID)
	}
}

// runOne executes a single workflow with panic isolation; a panicking
// workflow is marked failed, the worker survives.
func (e *Engine) runOne(workerID int, workflowID string) {
	runCtx, cancel := context.WithCancel(e.baseCtx)
	e.mu.Lock()
	e.cancels[workflowID] = cancel
	e.mu.Unlock()
	defer func() {
		cancel()
		e.mu.Lock()
		delete(e.cancels, workflowID)
		e.mu.Unlock()
	}()

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Worker recovered from panic", map[string]interface{}{
				"operation": "worker_panic",
				"worker":    workerID,
				"workflow":  workflowID,
				"panic":     fmt.Sprintf("%v", r),
			})
			e.markPanicked(workflowID, r)
		}
	}()

	if err := e.orch.Run(runCtx, workflowID); err != nil {
		e.logger.Error("Workflow run ended with error", map[string]interface{}{
			"operation": "workflow_run",
			"worker":    workerID,
			"workflow":  workflowID,
			"error":     err.Error(),
		})
	}
}

func (e *Engine) markPanicked(workflowID string, cause interface{}) {
	ctx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return
	}
	now := time.Now()
	wf.Status = WorkflowStatusFailed
	wf.CompletedAt = &now
	if step := wf.StepByNumber(wf.CurrentStep); step != nil && step.Status == StepStatusRunning {
		step.Status = StepStatusFailed
		step.Error = fmt.Sprintf("internal error: %v", cause)
		step.CompletedAt = &now
	}
	_ = e.store.UpdateWorkflow(ctx, wf)
	_ = e.status.Append(ctx, wf.SessionID, "Workflow fehlgeschlagen: interner Fehler")
}

// CreateAndStart plans a workflow for the intent, persists it, and queues
// it for execution. Returns the persisted workflow in planning status.
func (e *Engine) CreateAndStart(ctx context.Context, meta core.CallMeta, intent string) (*Workflow, error) {
	wf, err := e.planner.CreatePlan(ctx, meta, intent)
	if err != nil {
		return nil, err
	}
	if err := e.store.SaveWorkflow(ctx, wf); err != nil {
		return nil, fmt.Errorf("persisting plan: %w", err)
	}
	if err := e.enqueue(wf.ID); err != nil {
		return nil, err
	}
	return wf, nil
}

func (e *Engine) enqueue(workflowID string) error {
	e.mu.Lock()
	running := e.running
	e.mu.Unlock()
	if !running {
		return fmt.Errorf("engine is not running")
	}
	select {
	case e.queue <- workflowID:
		return nil
	default:
		return fmt.Errorf("workflow queue is full")
	}
}

// Status returns the workflow attached to a session.
func (e *Engine) Status(ctx context.Context, sessionID string) (*Workflow, error) {
	return e.store.GetBySession(ctx, sessionID)
}

// Confirm resumes a workflow suspended in waiting_confirmation. confirmed
// false rejects the pending step and cancels the workflow.
func (e *Engine) Confirm(ctx context.Context, workflowID string, confirmed bool) error {
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if wf.Status != WorkflowStatusWaitingConfirmation {
		return fmt.Errorf("%w: workflow %s is %s", core.ErrWorkflowNotWaiting, workflowID, wf.Status)
	}
	wf.Confirmed = &confirmed
	if err := e.store.UpdateWorkflow(ctx, wf); err != nil {
		return fmt.Errorf("persisting confirmation: %w", err)
	}
	return e.enqueue(workflowID)
}

// Cancel signals a running workflow to stop at its next suspension point.
func (e *Engine) Cancel(sessionID string) error {
	ctx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	wf, err := e.store.GetBySession(ctx, sessionID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	cancel, ok := e.cancels[wf.ID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no running task for session %s", core.ErrWorkflowNotFound, sessionID)
	}
	cancel()
	return nil
}

// Events returns status events for a session after the cursor.
func (e *Engine) Events(ctx context.Context, sessionID string, since time.Time) ([]StatusEvent, error) {
	return e.status.ListSince(ctx, sessionID, since)
}
