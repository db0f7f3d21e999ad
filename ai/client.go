package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/karrierehq/jobflow/core"
)

// Client talks to an OpenAI-compatible chat completion endpoint. Only the
// gateway uses it directly.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     core.Logger
}

// NewClient creates a client. baseURL defaults to the OpenAI API; model is
// the default when a call carries none.
func NewClient(apiKey, baseURL, model string, timeout time.Duration, logger core.Logger) *Client {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Client{
		apiKey:  apiKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		model:   model,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float32       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// GenerateResponse performs one chat completion. Transient upstream
// conditions (429, 5xx, unavailability phrases in the body) surface as
// ErrLLMUnavailable so the gateway's retry policy can catch them.
func (c *Client) GenerateResponse(ctx context.Context, prompt string, options *core.AIOptions) (*core.AIResponse, error) {
	if options == nil {
		options = &core.AIOptions{}
	}
	model := options.Model
	if model == "" {
		model = c.model
	}

	var messages []chatMessage
	if options.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: options.SystemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt})

	body, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: options.Temperature,
		MaxTokens:   options.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", core.ErrContextCanceled, ctx.Err())
		}
		return nil, fmt.Errorf("%w: %v", core.ErrLLMUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading chat response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 || isTransientBody(raw) {
		return nil, fmt.Errorf("%w: status %d: %s", core.ErrLLMUnavailable, resp.StatusCode, truncate(raw, 200))
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("llm endpoint returned status %d: %s", resp.StatusCode, truncate(raw, 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("unmarshaling chat response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("llm endpoint error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("llm endpoint returned no choices")
	}

	return &core.AIResponse{
		Content: parsed.Choices[0].Message.Content,
		Model:   model,
		Usage: core.TokenUsage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		},
	}, nil
}

// isTransientBody catches unavailability phrasing some providers put in a
// 200-shaped error payload.
func isTransientBody(raw []byte) bool {
	body := string(raw)
	return strings.Contains(body, "UNAVAILABLE") ||
		strings.Contains(body, "overloaded") ||
		strings.Contains(body, "\"503\"")
}

func truncate(raw []byte, n int) string {
	s := string(raw)
	if len(s) > n {
		return s[:n]
	}
	return s
}
