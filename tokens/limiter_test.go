package tokens

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karrierehq/jobflow/core"
)

type recordingAppender struct {
	mu       sync.Mutex
	messages []string
}

func (r *recordingAppender) Append(_ context.Context, _ string, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, message)
	return nil
}

func (r *recordingAppender) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.messages...)
}

func callMeta() core.CallMeta {
	return core.CallMeta{UserID: "user-1", SessionID: "sess-1", AgentType: "workflow"}
}

func limiterWithDayLimit(t *testing.T, limit int64, used int64) (*Limiter, *recordingAppender, *InMemoryUsageStore) {
	t.Helper()
	usage := NewInMemoryUsageStore()
	settings := NewInMemorySettingsStore()
	s := DefaultSettings()
	s.Limits[WindowDay] = LimitSetting{Limit: limit, Enabled: true}
	require.NoError(t, settings.Put(context.Background(), "user-1", s))

	if used > 0 {
		require.NoError(t, usage.Record(context.Background(), UsageRecord{
			UserID:      "user-1",
			TotalTokens: int(used),
			CreatedAt:   time.Now().Add(-time.Hour),
		}))
	}

	status := &recordingAppender{}
	return NewLimiter(usage, settings, status, nil, nil), status, usage
}

func TestAdmitRejectsWhenLimitWouldBeCrossed(t *testing.T) {
	// Day limit 10000, 9500 already used, 700 estimated: reject.
	limiter, status, _ := limiterWithDayLimit(t, 10000, 9500)

	err := limiter.Admit(context.Background(), callMeta(), 700)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrTokenLimitExceeded))

	messages := status.list()
	require.Len(t, messages, 1)
	assert.Contains(t, messages[0], "Token-Limit erreicht")
}

func TestAdmitAllowsWithinLimit(t *testing.T) {
	limiter, _, _ := limiterWithDayLimit(t, 10000, 5000)
	assert.NoError(t, limiter.Admit(context.Background(), callMeta(), 700))
}

func TestAdmitIgnoresDisabledWindows(t *testing.T) {
	usage := NewInMemoryUsageStore()
	settings := NewInMemorySettingsStore()
	s := DefaultSettings()
	s.Limits[WindowDay] = LimitSetting{Limit: 10, Enabled: false}
	require.NoError(t, settings.Put(context.Background(), "user-1", s))
	limiter := NewLimiter(usage, settings, &recordingAppender{}, nil, nil)

	assert.NoError(t, limiter.Admit(context.Background(), callMeta(), 1_000_000))
}

func TestAdmitChecksEveryEnabledWindow(t *testing.T) {
	usage := NewInMemoryUsageStore()
	settings := NewInMemorySettingsStore()
	s := DefaultSettings()
	s.Limits[WindowDay] = LimitSetting{Limit: 1_000_000, Enabled: true}
	s.Limits[WindowMinute] = LimitSetting{Limit: 100, Enabled: true}
	require.NoError(t, settings.Put(context.Background(), "user-1", s))
	require.NoError(t, usage.Record(context.Background(), UsageRecord{
		UserID: "user-1", TotalTokens: 90, CreatedAt: time.Now().Add(-time.Second),
	}))
	limiter := NewLimiter(usage, settings, &recordingAppender{}, nil, nil)

	err := limiter.Admit(context.Background(), callMeta(), 50)
	require.Error(t, err, "the tight minute window rejects even though the day window is fine")
	assert.Contains(t, err.Error(), "minute")
}

func TestWarningEmittedOncePerSessionAndWindow(t *testing.T) {
	limiter, status, _ := limiterWithDayLimit(t, 10000, 8000)

	// 8000 + 300 = 83 % of the limit: crosses the 80 % threshold.
	require.NoError(t, limiter.Admit(context.Background(), callMeta(), 300))
	require.NoError(t, limiter.Admit(context.Background(), callMeta(), 300))

	warnings := 0
	for _, m := range status.list() {
		if containsWarning(m) {
			warnings++
		}
	}
	assert.Equal(t, 1, warnings, "exactly one warning per session and window")

	// A different session warns again.
	other := core.CallMeta{UserID: "user-1", SessionID: "sess-2"}
	require.NoError(t, limiter.Admit(context.Background(), other, 300))
	warnings = 0
	for _, m := range status.list() {
		if containsWarning(m) {
			warnings++
		}
	}
	assert.Equal(t, 2, warnings)
}

func containsWarning(m string) bool {
	return len(m) >= 7 && m[:7] == "Warnung"
}

func TestWarnOnceTableIsBounded(t *testing.T) {
	limiter := NewLimiter(NewInMemoryUsageStore(), NewInMemorySettingsStore(), nil, nil, nil)
	for i := 0; i < maxWarnedEntries+100; i++ {
		limiter.warnOnce(context.Background(), fmt.Sprintf("sess-%d", i), WindowDay, 90, 100)
	}

	limiter.warnMu.Lock()
	size := len(limiter.warned)
	limiter.warnMu.Unlock()
	assert.LessOrEqual(t, size, maxWarnedEntries)
	assert.NotZero(t, size)
}

func TestRecordUsageAccountsCostAndRollsIntoWindows(t *testing.T) {
	usage := NewInMemoryUsageStore()
	settings := NewInMemorySettingsStore()
	limiter := NewLimiter(usage, settings, nil, nil, map[string]float64{"gpt-4o": 2.5})

	require.NoError(t, limiter.RecordUsage(context.Background(), callMeta(), "gpt-4o", core.TokenUsage{
		PromptTokens:     800,
		CompletionTokens: 200,
		TotalTokens:      1000,
	}))

	records, err := usage.ListSince(context.Background(), "user-1", time.Time{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "gpt-4o", records[0].Model)
	assert.Equal(t, "workflow", records[0].AgentType)
	assert.Equal(t, int64(2500), records[0].CostMicros, "1000 tokens at 2.50 per million")

	sum, err := usage.SumSince(context.Background(), "user-1", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1000), sum)
}

func TestCheckDoesNotEmitEvents(t *testing.T) {
	limiter, status, _ := limiterWithDayLimit(t, 10000, 9500)

	allowed, err := limiter.Check(context.Background(), "user-1", 700)
	require.NoError(t, err)
	assert.False(t, allowed)

	allowed, err = limiter.Check(context.Background(), "user-1", 100)
	require.NoError(t, err)
	assert.True(t, allowed)

	assert.Empty(t, status.list(), "check is a dry run")
}

func TestUsageSummaryPerWindow(t *testing.T) {
	limiter, _, usage := limiterWithDayLimit(t, 10000, 0)
	require.NoError(t, usage.Record(context.Background(), UsageRecord{
		UserID: "user-1", TotalTokens: 100, CreatedAt: time.Now().Add(-30 * time.Second),
	}))
	require.NoError(t, usage.Record(context.Background(), UsageRecord{
		UserID: "user-1", TotalTokens: 400, CreatedAt: time.Now().Add(-2 * time.Hour),
	}))

	summary, err := limiter.Usage(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), summary[WindowMinute])
	assert.Equal(t, int64(100), summary[WindowHour])
	assert.Equal(t, int64(500), summary[WindowDay])
}

func TestPutSettingsRejectsUnknownWindow(t *testing.T) {
	limiter := NewLimiter(NewInMemoryUsageStore(), NewInMemorySettingsStore(), nil, nil, nil)
	err := limiter.PutSettings(context.Background(), "user-1", Settings{
		Limits: map[Window]LimitSetting{"quarter": {Limit: 1, Enabled: true}},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrInvalidConfiguration))
}

func TestAdmitPerUserIsolation(t *testing.T) {
	usage := NewInMemoryUsageStore()
	settings := NewInMemorySettingsStore()
	s := DefaultSettings()
	s.Limits[WindowDay] = LimitSetting{Limit: 100, Enabled: true}
	require.NoError(t, settings.Put(context.Background(), "user-1", s))
	require.NoError(t, usage.Record(context.Background(), UsageRecord{
		UserID: "user-1", TotalTokens: 100, CreatedAt: time.Now(),
	}))
	limiter := NewLimiter(usage, settings, &recordingAppender{}, nil, nil)

	require.Error(t, limiter.Admit(context.Background(), callMeta(), 10))

	// user-2 has no settings, so the defaults (all disabled) admit freely.
	other := core.CallMeta{UserID: "user-2", SessionID: "sess-9"}
	assert.NoError(t, limiter.Admit(context.Background(), other, 10))
}
