package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/karrierehq/jobflow/core"
)

// InMemoryWorkflowStore keeps workflows in process memory. Used by tests
// and single-node development; production uses the Redis store behind the
// same interface.
type InMemoryWorkflowStore struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
	bySession map[string]string
}

// NewInMemoryWorkflowStore creates an empty store.
func NewInMemoryWorkflowStore() *InMemoryWorkflowStore {
	return &InMemoryWorkflowStore{
		workflows: make(map[string]*Workflow),
		bySession: make(map[string]string),
	}
}

func (s *InMemoryWorkflowStore) SaveWorkflow(_ context.Context, wf *Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[wf.ID] = cloneWorkflow(wf)
	s.bySession[wf.SessionID] = wf.ID
	return nil
}

func (s *InMemoryWorkflowStore) UpdateWorkflow(_ context.Context, wf *Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[wf.ID]; !ok {
		return fmt.Errorf("%w: %s", core.ErrWorkflowNotFound, wf.ID)
	}
	s.workflows[wf.ID] = cloneWorkflow(wf)
	return nil
}

func (s *InMemoryWorkflowStore) UpdateStep(_ context.Context, workflowID string, step *Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[workflowID]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrWorkflowNotFound, workflowID)
	}
	for i, existing := range wf.Steps {
		if existing.Number == step.Number {
			wf.Steps[i] = cloneStep(step)
			return nil
		}
	}
	return fmt.Errorf("step %d not found in workflow %s", step.Number, workflowID)
}

func (s *InMemoryWorkflowStore) GetWorkflow(_ context.Context, id string) (*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrWorkflowNotFound, id)
	}
	return cloneWorkflow(wf), nil
}

func (s *InMemoryWorkflowStore) GetBySession(_ context.Context, sessionID string) (*Workflow, error) {
	s.mu.RLock()
	id, ok := s.bySession[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: session %s", core.ErrWorkflowNotFound, sessionID)
	}
	return s.GetWorkflow(context.Background(), id)
}

// cloneWorkflow deep-copies through JSON so callers never alias stored
// state.
func cloneWorkflow(wf *Workflow) *Workflow {
	data, err := json.Marshal(wf)
	if err != nil {
		return wf
	}
	var out Workflow
	if err := json.Unmarshal(data, &out); err != nil {
		return wf
	}
	return &out
}

func cloneStep(step *Step) *Step {
	data, err := json.Marshal(step)
	if err != nil {
		return step
	}
	var out Step
	if err := json.Unmarshal(data, &out); err != nil {
		return step
	}
	return &out
}

// InMemoryStatusStore keeps per-session status timelines in memory.
type InMemoryStatusStore struct {
	mu     sync.RWMutex
	events map[string][]StatusEvent
}

// NewInMemoryStatusStore creates an empty status store.
func NewInMemoryStatusStore() *InMemoryStatusStore {
	return &InMemoryStatusStore{events: make(map[string][]StatusEvent)}
}

func (s *InMemoryStatusStore) Append(_ context.Context, sessionID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[sessionID] = append(s.events[sessionID], StatusEvent{
		SessionID: sessionID,
		Timestamp: time.Now(),
		Message:   message,
	})
	return nil
}

func (s *InMemoryStatusStore) ListSince(_ context.Context, sessionID string, since time.Time) ([]StatusEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []StatusEvent
	for _, ev := range s.events[sessionID] {
		if ev.Timestamp.After(since) {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}
