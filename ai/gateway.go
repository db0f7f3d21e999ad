package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/karrierehq/jobflow/core"
)

// TokenAccountant is the gateway's view of the token limiter: admission
// before the call, usage accounting after it.
type TokenAccountant interface {
	Admit(ctx context.Context, meta core.CallMeta, estimate int64) error
	RecordUsage(ctx context.Context, meta core.CallMeta, model string, usage core.TokenUsage) error
}

// GatewayConfig carries the retry and fallback knobs.
type GatewayConfig struct {
	Model             string
	FallbackModel     string
	MaxRetries        int           // retries after the first attempt
	RetryDelay        time.Duration // fixed, not exponential
	FallbackThreshold int           // consecutive primary failures before switching
}

// Gateway wraps the model client with retry, model fallback, admission and
// accounting. It implements engine.LLMGateway.
type Gateway struct {
	client     core.AIClient
	accountant TokenAccountant
	logger     core.Logger
	cfg        GatewayConfig
	tracer     trace.Tracer
	retryCount metric.Int64Counter

	mu                  sync.Mutex
	consecutiveFailures int
}

// NewGateway creates a gateway. accountant may be nil (no limits, no
// accounting).
func NewGateway(client core.AIClient, accountant TokenAccountant, logger core.Logger, cfg GatewayConfig) *Gateway {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 60 * time.Second
	}
	if cfg.FallbackThreshold <= 0 {
		cfg.FallbackThreshold = 3
	}
	g := &Gateway{
		client:     client,
		accountant: accountant,
		logger:     logger,
		cfg:        cfg,
		tracer:     otel.Tracer("jobflow/ai"),
	}
	g.retryCount, _ = otel.Meter("jobflow/ai").Int64Counter("jobflow.llm.retries",
		metric.WithDescription("LLM call retries after transient failures"))
	return g
}

// currentModel returns the model for the next call, honoring fallback after
// repeated primary failures.
func (g *Gateway) currentModel() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cfg.FallbackModel != "" && g.consecutiveFailures >= g.cfg.FallbackThreshold {
		return g.cfg.FallbackModel
	}
	return g.cfg.Model
}

func (g *Gateway) noteFailure() {
	g.mu.Lock()
	g.consecutiveFailures++
	g.mu.Unlock()
}

func (g *Gateway) noteSuccess(model string) {
	g.mu.Lock()
	if model == g.cfg.Model {
		g.consecutiveFailures = 0
	}
	g.mu.Unlock()
}

// Generate performs one completion with admission, retry on transient
// errors (fixed delay) and usage accounting.
func (g *Gateway) Generate(ctx context.Context, meta core.CallMeta, prompt string, opts *core.AIOptions) (*core.AIResponse, error) {
	ctx, span := g.tracer.Start(ctx, "llm.generate",
		trace.WithAttributes(attribute.String("session.id", meta.SessionID)))
	defer span.End()

	if opts == nil {
		opts = &core.AIOptions{}
	}
	maxTokens := opts.MaxTokens
	if maxTokens == 0 {
		maxTokens = 1000
	}

	if g.accountant != nil {
		estimate := int64(len(prompt)/4 + maxTokens)
		if err := g.accountant.Admit(ctx, meta, estimate); err != nil {
			return nil, err
		}
	}

	var lastErr error
	for attempt := 0; attempt <= g.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			g.retryCount.Add(ctx, 1)
			g.logger.Warn("Retrying LLM call", map[string]interface{}{
				"operation": "llm_retry",
				"session":   meta.SessionID,
				"attempt":   attempt,
				"delay":     g.cfg.RetryDelay.String(),
				"error":     lastErr.Error(),
			})
			if err := sleepCtx(ctx, g.cfg.RetryDelay); err != nil {
				return nil, err
			}
		}

		callOpts := *opts
		if callOpts.Model == "" {
			callOpts.Model = g.currentModel()
		}
		resp, err := g.client.GenerateResponse(ctx, prompt, &callOpts)
		if err == nil {
			g.noteSuccess(callOpts.Model)
			span.SetAttributes(
				attribute.String("llm.model", resp.Model),
				attribute.Int("llm.tokens.total", resp.Usage.TotalTokens),
			)
			if g.accountant != nil {
				if rerr := g.accountant.RecordUsage(ctx, meta, resp.Model, resp.Usage); rerr != nil {
					g.logger.Warn("Failed to record token usage", map[string]interface{}{
						"operation": "llm_accounting",
						"session":   meta.SessionID,
						"error":     rerr.Error(),
					})
				}
			}
			return resp, nil
		}

		lastErr = err
		if !core.IsRetryable(err) {
			return nil, err
		}
		g.noteFailure()
	}
	return nil, fmt.Errorf("%w: llm call after %d attempts: %v",
		core.ErrMaxRetriesExceeded, g.cfg.MaxRetries+1, lastErr)
}

// ExtractStructured performs a completion parsed into the declared fields.
// On a malformed response it re-prompts once with a strict-JSON reminder;
// missing fields default by type, present fields are coerced.
func (g *Gateway) ExtractStructured(ctx context.Context, meta core.CallMeta, prompt string, fields map[string]string) (map[string]interface{}, error) {
	if len(fields) == 0 {
		resp, err := g.Generate(ctx, meta, prompt, nil)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"content": resp.Content}, nil
	}

	fullPrompt := prompt + "\n\nAnswer with a single JSON object of exactly this shape:\n" +
		schemaExample(fields) + "\nNo prose, no markdown fences."

	resp, err := g.Generate(ctx, meta, fullPrompt, nil)
	if err != nil {
		return nil, err
	}

	parsed, perr := parseObject(resp.Content)
	if perr != nil {
		strictPrompt := fullPrompt + "\n\nYour previous answer was not valid JSON. " +
			"Return strictly the JSON object described above and nothing else."
		resp, err = g.Generate(ctx, meta, strictPrompt, nil)
		if err != nil {
			return nil, err
		}
		parsed, perr = parseObject(resp.Content)
		if perr != nil {
			return nil, fmt.Errorf("unparseable structured response: %w", perr)
		}
	}

	out := make(map[string]interface{}, len(fields))
	for name, typ := range fields {
		out[name] = coerce(parsed[name], typ)
	}
	return out, nil
}

// schemaExample renders the expected JSON shape with type-tag values.
func schemaExample(fields map[string]string) string {
	parts := make([]string, 0, len(fields))
	for name, typ := range fields {
		parts = append(parts, fmt.Sprintf("%q: <%s>", name, typ))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func parseObject(content string) (map[string]interface{}, error) {
	var parsed map[string]interface{}
	if err := json.Unmarshal([]byte(extractJSON(content)), &parsed); err != nil {
		return nil, err
	}
	return parsed, nil
}

// coerce converts a parsed value to the declared type tag, with by-type
// defaults for missing or unconvertible values.
func coerce(v interface{}, typ string) interface{} {
	switch typ {
	case "string":
		switch val := v.(type) {
		case nil:
			return ""
		case string:
			return val
		case float64:
			return strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			return strconv.FormatBool(val)
		default:
			data, err := json.Marshal(val)
			if err != nil {
				return ""
			}
			return string(data)
		}
	case "integer":
		switch val := v.(type) {
		case float64:
			return float64(int64(val))
		case string:
			if n, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
				return float64(int64(n))
			}
		}
		return float64(0)
	case "number":
		switch val := v.(type) {
		case float64:
			return val
		case string:
			if n, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
				return n
			}
		}
		return float64(0)
	case "boolean":
		switch val := v.(type) {
		case bool:
			return val
		case string:
			switch strings.ToLower(strings.TrimSpace(val)) {
			case "true", "yes", "ja", "1":
				return true
			}
		case float64:
			return val != 0
		}
		return false
	case "array":
		switch val := v.(type) {
		case []interface{}:
			return val
		case nil:
			return []interface{}{}
		default:
			return []interface{}{val}
		}
	default:
		return v
	}
}

// extractJSON unwraps a JSON object from a response that may carry markdown
// fences or surrounding prose.
func extractJSON(content string) string {
	content = strings.TrimSpace(content)
	if idx := strings.Index(content, "```json"); idx != -1 {
		content = content[idx+len("```json"):]
		if end := strings.Index(content, "```"); end != -1 {
			content = content[:end]
		}
	} else if idx := strings.Index(content, "```"); idx != -1 {
		content = content[idx+3:]
		if end := strings.Index(content, "```"); end != -1 {
			content = content[:end]
		}
	}
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start != -1 && end > start {
		return content[start : end+1]
	}
	return strings.TrimSpace(content)
}

// sleepCtx waits d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", core.ErrContextCanceled, ctx.Err())
	case <-timer.C:
		return nil
	}
}
