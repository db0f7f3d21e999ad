package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/karrierehq/jobflow/core"
)

// HTTPTool adapts an external tool process to the Tool contract. The tool
// receives a JSON POST with the resolved parameters plus the acting user id
// and must answer with a JSON object carrying at least
// {status: "success"|"error"}.
type HTTPTool struct {
	name        string
	description string
	endpoint    string
	optional    bool
	params      []ToolParameter
	client      *http.Client
}

// NewHTTPTool creates a tool backed by an HTTP endpoint. The client carries
// a 30 s timeout and OpenTelemetry transport instrumentation.
func NewHTTPTool(cfg core.ToolConfig, timeout time.Duration) *HTTPTool {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	params := make([]ToolParameter, 0, len(cfg.Parameters))
	for _, p := range cfg.Parameters {
		params = append(params, ToolParameter{
			Name:      p.Name,
			Type:      p.Type,
			Required:  p.Required,
			Enum:      p.Enum,
			Pattern:   p.Pattern,
			MinLength: p.MinLength,
			MaxLength: p.MaxLength,
			Minimum:   p.Minimum,
			Maximum:   p.Maximum,
		})
	}
	return &HTTPTool{
		name:        cfg.Name,
		description: cfg.Description,
		endpoint:    cfg.Endpoint,
		optional:    cfg.Optional,
		params:      params,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (t *HTTPTool) Name() string                { return t.name }
func (t *HTTPTool) Description() string         { return t.description }
func (t *HTTPTool) Parameters() []ToolParameter { return t.params }
func (t *HTTPTool) Optional() bool              { return t.optional }

// Execute posts the invocation to the tool endpoint. Non-2xx answers and
// transport failures surface as retryable errors; a well-formed error
// payload is returned as-is for the executor to inspect.
func (t *HTTPTool) Execute(ctx context.Context, inv Invocation) (map[string]interface{}, error) {
	payload := map[string]interface{}{
		"user_id":    inv.Meta.UserID,
		"session_id": inv.Meta.SessionID,
		"params":     inv.Params,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling tool request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating tool request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: tool %s: %v", core.ErrUpstreamUnavailable, t.name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: tool %s returned status %d", core.ErrUpstreamUnavailable, t.name, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("tool %s returned status %d", t.name, resp.StatusCode)
	}

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding tool response: %w", err)
	}
	if _, ok := result["status"]; !ok {
		result["status"] = "success"
	}
	return result, nil
}
