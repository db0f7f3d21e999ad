package tokens

import (
	"context"
	"sync"
	"time"
)

// InMemoryUsageStore keeps usage rows in memory. Tests and single-node
// development; production uses the Redis store.
type InMemoryUsageStore struct {
	mu      sync.RWMutex
	records map[string][]UsageRecord
}

// NewInMemoryUsageStore creates an empty usage store.
func NewInMemoryUsageStore() *InMemoryUsageStore {
	return &InMemoryUsageStore{records: make(map[string][]UsageRecord)}
}

func (s *InMemoryUsageStore) Record(_ context.Context, rec UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.UserID] = append(s.records[rec.UserID], rec)
	return nil
}

func (s *InMemoryUsageStore) SumSince(_ context.Context, userID string, since time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sum int64
	for _, rec := range s.records[userID] {
		if rec.CreatedAt.After(since) {
			sum += int64(rec.TotalTokens)
		}
	}
	return sum, nil
}

func (s *InMemoryUsageStore) ListSince(_ context.Context, userID string, since time.Time) ([]UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []UsageRecord
	for _, rec := range s.records[userID] {
		if rec.CreatedAt.After(since) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// InMemorySettingsStore keeps per-user settings in memory; unknown users
// get the defaults.
type InMemorySettingsStore struct {
	mu       sync.RWMutex
	settings map[string]Settings
}

// NewInMemorySettingsStore creates an empty settings store.
func NewInMemorySettingsStore() *InMemorySettingsStore {
	return &InMemorySettingsStore{settings: make(map[string]Settings)}
}

func (s *InMemorySettingsStore) Get(_ context.Context, userID string) (Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if settings, ok := s.settings[userID]; ok {
		return settings, nil
	}
	return DefaultSettings(), nil
}

func (s *InMemorySettingsStore) Put(_ context.Context, userID string, settings Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[userID] = settings
	return nil
}
