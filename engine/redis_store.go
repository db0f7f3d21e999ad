package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/karrierehq/jobflow/core"
)

const (
	workflowKeyPrefix = "jobflow:workflow:"
	sessionKeyPrefix  = "jobflow:session:"
	statusKeyPrefix   = "jobflow:status:"
)

// RedisWorkflowStore persists workflows as JSON records with a session
// index. A workflow is written as one record; per-workflow single-writer
// execution makes read-modify-write on steps safe without transactions.
type RedisWorkflowStore struct {
	client *redis.Client
	ttl    time.Duration
	logger core.Logger
}

// NewRedisWorkflowStore creates a store over an existing client. ttl bounds
// record lifetime (0 keeps records forever).
func NewRedisWorkflowStore(client *redis.Client, ttl time.Duration, logger core.Logger) *RedisWorkflowStore {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &RedisWorkflowStore{client: client, ttl: ttl, logger: logger}
}

func (s *RedisWorkflowStore) SaveWorkflow(ctx context.Context, wf *Workflow) error {
	data, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshaling workflow: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, workflowKeyPrefix+wf.ID, data, s.ttl)
	pipe.Set(ctx, sessionKeyPrefix+wf.SessionID, wf.ID, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("saving workflow %s: %w", wf.ID, err)
	}
	return nil
}

func (s *RedisWorkflowStore) UpdateWorkflow(ctx context.Context, wf *Workflow) error {
	data, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshaling workflow: %w", err)
	}
	if err := s.client.Set(ctx, workflowKeyPrefix+wf.ID, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("updating workflow %s: %w", wf.ID, err)
	}
	return nil
}

func (s *RedisWorkflowStore) UpdateStep(ctx context.Context, workflowID string, step *Step) error {
	wf, err := s.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	replaced := false
	for i, existing := range wf.Steps {
		if existing.Number == step.Number {
			wf.Steps[i] = step
			replaced = true
			break
		}
	}
	if !replaced {
		return fmt.Errorf("step %d not found in workflow %s", step.Number, workflowID)
	}
	return s.UpdateWorkflow(ctx, wf)
}

func (s *RedisWorkflowStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	data, err := s.client.Get(ctx, workflowKeyPrefix+id).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: %s", core.ErrWorkflowNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading workflow %s: %w", id, err)
	}
	var wf Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("unmarshaling workflow %s: %w", id, err)
	}
	return &wf, nil
}

func (s *RedisWorkflowStore) GetBySession(ctx context.Context, sessionID string) (*Workflow, error) {
	id, err := s.client.Get(ctx, sessionKeyPrefix+sessionID).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: session %s", core.ErrWorkflowNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("resolving session %s: %w", sessionID, err)
	}
	return s.GetWorkflow(ctx, id)
}

// RedisStatusStore keeps the per-session timeline in a sorted set scored by
// nanosecond timestamp, so cursor reads are a single range query.
type RedisStatusStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStatusStore creates a status store over an existing client.
func NewRedisStatusStore(client *redis.Client, ttl time.Duration) *RedisStatusStore {
	return &RedisStatusStore{client: client, ttl: ttl}
}

func (s *RedisStatusStore) Append(ctx context.Context, sessionID, message string) error {
	ev := StatusEvent{
		SessionID: sessionID,
		Timestamp: time.Now(),
		Message:   message,
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling status event: %w", err)
	}
	key := statusKeyPrefix + sessionID
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, key, &redis.Z{
		Score:  float64(ev.Timestamp.UnixNano()),
		Member: data,
	})
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("appending status event: %w", err)
	}
	return nil
}

func (s *RedisStatusStore) ListSince(ctx context.Context, sessionID string, since time.Time) ([]StatusEvent, error) {
	members, err := s.client.ZRangeByScore(ctx, statusKeyPrefix+sessionID, &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(since.UnixNano(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("reading status events: %w", err)
	}
	events := make([]StatusEvent, 0, len(members))
	for _, m := range members {
		var ev StatusEvent
		if err := json.Unmarshal([]byte(m), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}
