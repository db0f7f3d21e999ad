package tokens

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/karrierehq/jobflow/core"
)

// Window is one of the fixed accounting windows.
type Window string

const (
	WindowMinute Window = "minute"
	WindowHour   Window = "hour"
	WindowDay    Window = "day"
	WindowWeek   Window = "week"
	WindowMonth  Window = "month"
)

// Windows lists all accounting windows in ascending duration order.
var Windows = []Window{WindowMinute, WindowHour, WindowDay, WindowWeek, WindowMonth}

var windowDurations = map[Window]time.Duration{
	WindowMinute: time.Minute,
	WindowHour:   time.Hour,
	WindowDay:    24 * time.Hour,
	WindowWeek:   7 * 24 * time.Hour,
	WindowMonth:  30 * 24 * time.Hour,
}

// Duration returns the span of the window.
func (w Window) Duration() time.Duration {
	return windowDurations[w]
}

// LimitSetting is the per-window cap. A disabled window admits everything.
type LimitSetting struct {
	Limit   int64 `json:"limit"`
	Enabled bool  `json:"enabled"`
}

// Settings are a user's token governance knobs.
type Settings struct {
	Limits                  map[Window]LimitSetting `json:"limits"`
	WarningThresholdPercent float64                 `json:"warning_threshold_percent"`
}

// DefaultSettings: every window disabled, warn at 80 %.
func DefaultSettings() Settings {
	limits := make(map[Window]LimitSetting, len(Windows))
	for _, w := range Windows {
		limits[w] = LimitSetting{Limit: 0, Enabled: false}
	}
	return Settings{Limits: limits, WarningThresholdPercent: 80}
}

// UsageRecord is one accounted LLM call.
type UsageRecord struct {
	UserID           string    `json:"user_id"`
	Model            string    `json:"model"`
	AgentType        string    `json:"agent_type"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	CostMicros       int64     `json:"cost_micros"`
	CreatedAt        time.Time `json:"created_at"`
}

// UsageStore persists usage records and answers window sums.
type UsageStore interface {
	Record(ctx context.Context, rec UsageRecord) error
	SumSince(ctx context.Context, userID string, since time.Time) (int64, error)
	ListSince(ctx context.Context, userID string, since time.Time) ([]UsageRecord, error)
}

// SettingsStore persists per-user limits.
type SettingsStore interface {
	Get(ctx context.Context, userID string) (Settings, error)
	Put(ctx context.Context, userID string, settings Settings) error
}

// StatusAppender receives user-visible limit events. The engine's status
// store satisfies it.
type StatusAppender interface {
	Append(ctx context.Context, sessionID, message string) error
}

// Limiter admits or rejects planned LLM calls against per-user window
// limits and records actual usage afterwards. Admission and its usage read
// form a critical section keyed by user id; there is no global lock.
type Limiter struct {
	usage    UsageStore
	settings SettingsStore
	status   StatusAppender
	logger   core.Logger

	// cost per million tokens by model name, in currency units.
	costPerMillion map[string]float64

	userLocks sync.Map // user id -> *sync.Mutex

	warnMu sync.Mutex
	warned map[string]bool // session + window -> already warned
}

// NewLimiter creates a limiter. costPerMillion maps model names to the
// price of one million tokens; unknown models are accounted at zero cost.
func NewLimiter(usage UsageStore, settings SettingsStore, status StatusAppender, logger core.Logger, costPerMillion map[string]float64) *Limiter {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if costPerMillion == nil {
		costPerMillion = map[string]float64{}
	}
	return &Limiter{
		usage:          usage,
		settings:       settings,
		status:         status,
		logger:         logger,
		costPerMillion: costPerMillion,
		warned:         make(map[string]bool),
	}
}

func (l *Limiter) lockFor(userID string) *sync.Mutex {
	mu, _ := l.userLocks.LoadOrStore(userID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Admit checks every enabled window: the call may proceed only when
// usage(window) + estimate stays within the limit. On rejection a status
// event is appended and ErrTokenLimitExceeded returned. Crossing the
// warning threshold emits one status event per session and window.
func (l *Limiter) Admit(ctx context.Context, meta core.CallMeta, estimate int64) error {
	mu := l.lockFor(meta.UserID)
	mu.Lock()
	defer mu.Unlock()

	settings, err := l.settings.Get(ctx, meta.UserID)
	if err != nil {
		return fmt.Errorf("loading token settings: %w", err)
	}

	now := time.Now()
	for _, w := range Windows {
		setting, ok := settings.Limits[w]
		if !ok || !setting.Enabled {
			continue
		}
		used, err := l.usage.SumSince(ctx, meta.UserID, now.Add(-w.Duration()))
		if err != nil {
			return fmt.Errorf("summing %s usage: %w", w, err)
		}
		projected := used + estimate
		if projected > setting.Limit {
			l.appendStatus(ctx, meta.SessionID, fmt.Sprintf(
				"Token-Limit erreicht (%s): %d von %d Tokens verbraucht", w, used, setting.Limit))
			l.logger.Warn("Token limit reached", map[string]interface{}{
				"operation": "token_admission",
				"user":      meta.UserID,
				"window":    string(w),
				"used":      used,
				"estimate":  estimate,
				"limit":     setting.Limit,
			})
			return fmt.Errorf("%w: %s window (%d/%d tokens)",
				core.ErrTokenLimitExceeded, w, used, setting.Limit)
		}
		threshold := float64(setting.Limit) * settings.WarningThresholdPercent / 100
		if settings.WarningThresholdPercent > 0 && float64(projected) >= threshold {
			l.warnOnce(ctx, meta.SessionID, w, projected, setting.Limit)
		}
	}
	return nil
}

// maxWarnedEntries caps the warn-once table. Sessions are short-lived
// relative to the process; at capacity the table resets and a very old
// session may warn a second time.
const maxWarnedEntries = 4096

// warnOnce emits the threshold warning at most once per (session, window).
func (l *Limiter) warnOnce(ctx context.Context, sessionID string, w Window, used, limit int64) {
	key := sessionID + "|" + string(w)
	l.warnMu.Lock()
	already := l.warned[key]
	if !already {
		if len(l.warned) >= maxWarnedEntries {
			l.warned = make(map[string]bool)
		}
		l.warned[key] = true
	}
	l.warnMu.Unlock()
	if already {
		return
	}
	l.appendStatus(ctx, sessionID, fmt.Sprintf(
		"Warnung: Token-Verbrauch (%s) nähert sich dem Limit (%d von %d)", w, used, limit))
}

// RecordUsage accounts one completed call. Usage is recorded even when the
// admission check already passed; future window sums include it.
func (l *Limiter) RecordUsage(ctx context.Context, meta core.CallMeta, model string, usage core.TokenUsage) error {
	rec := UsageRecord{
		UserID:           meta.UserID,
		Model:            model,
		AgentType:        meta.AgentType,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.TotalTokens,
		CostMicros:       int64(float64(usage.TotalTokens) * l.costPerMillion[model]),
		CreatedAt:        time.Now(),
	}
	if err := l.usage.Record(ctx, rec); err != nil {
		return fmt.Errorf("recording token usage: %w", err)
	}
	return nil
}

// Check reports, without admitting, whether an estimated call would pass.
func (l *Limiter) Check(ctx context.Context, userID string, estimate int64) (bool, error) {
	settings, err := l.settings.Get(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("loading token settings: %w", err)
	}
	now := time.Now()
	for _, w := range Windows {
		setting, ok := settings.Limits[w]
		if !ok || !setting.Enabled {
			continue
		}
		used, err := l.usage.SumSince(ctx, userID, now.Add(-w.Duration()))
		if err != nil {
			return false, fmt.Errorf("summing %s usage: %w", w, err)
		}
		if used+estimate > setting.Limit {
			return false, nil
		}
	}
	return true, nil
}

// Usage summarizes a user's consumption per window.
func (l *Limiter) Usage(ctx context.Context, userID string) (map[Window]int64, error) {
	now := time.Now()
	out := make(map[Window]int64, len(Windows))
	for _, w := range Windows {
		used, err := l.usage.SumSince(ctx, userID, now.Add(-w.Duration()))
		if err != nil {
			return nil, fmt.Errorf("summing %s usage: %w", w, err)
		}
		out[w] = used
	}
	return out, nil
}

// GetSettings returns the user's limits.
func (l *Limiter) GetSettings(ctx context.Context, userID string) (Settings, error) {
	return l.settings.Get(ctx, userID)
}

// PutSettings replaces the user's limits.
func (l *Limiter) PutSettings(ctx context.Context, userID string, settings Settings) error {
	for w := range settings.Limits {
		if _, ok := windowDurations[w]; !ok {
			return fmt.Errorf("%w: unknown window %q", core.ErrInvalidConfiguration, w)
		}
	}
	return l.settings.Put(ctx, userID, settings)
}

func (l *Limiter) appendStatus(ctx context.Context, sessionID, message string) {
	if l.status == nil || sessionID == "" {
		return
	}
	if err := l.status.Append(ctx, sessionID, message); err != nil {
		l.logger.Warn("Failed to append token status event", map[string]interface{}{
			"operation": "token_status",
			"session":   sessionID,
			"error":     err.Error(),
		})
	}
}
