package ai

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karrierehq/jobflow/core"
)

// fakeAIClient scripts GenerateResponse answers.
type fakeAIClient struct {
	responses []func(prompt string, opts *core.AIOptions) (*core.AIResponse, error)
	calls     int
	prompts   []string
	models    []string
}

func (f *fakeAIClient) GenerateResponse(_ context.Context, prompt string, opts *core.AIOptions) (*core.AIResponse, error) {
	f.prompts = append(f.prompts, prompt)
	f.models = append(f.models, opts.Model)
	idx := f.calls
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	f.calls++
	return f.responses[idx](prompt, opts)
}

func respondWith(content string) func(string, *core.AIOptions) (*core.AIResponse, error) {
	return func(_ string, opts *core.AIOptions) (*core.AIResponse, error) {
		return &core.AIResponse{
			Content: content,
			Model:   opts.Model,
			Usage:   core.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		}, nil
	}
}

func failTransient() func(string, *core.AIOptions) (*core.AIResponse, error) {
	return func(string, *core.AIOptions) (*core.AIResponse, error) {
		return nil, fmt.Errorf("%w: status 503", core.ErrLLMUnavailable)
	}
}

type fakeAccountant struct {
	admitErr error
	admits   []int64
	recorded []core.TokenUsage
	models   []string
}

func (f *fakeAccountant) Admit(_ context.Context, _ core.CallMeta, estimate int64) error {
	f.admits = append(f.admits, estimate)
	return f.admitErr
}

func (f *fakeAccountant) RecordUsage(_ context.Context, _ core.CallMeta, model string, usage core.TokenUsage) error {
	f.models = append(f.models, model)
	f.recorded = append(f.recorded, usage)
	return nil
}

func testGateway(client core.AIClient, acc TokenAccountant) *Gateway {
	return NewGateway(client, acc, nil, GatewayConfig{
		Model:             "gpt-4o",
		FallbackModel:     "gpt-4o-mini",
		MaxRetries:        2,
		RetryDelay:        time.Millisecond,
		FallbackThreshold: 3,
	})
}

func gwMeta() core.CallMeta {
	return core.CallMeta{UserID: "user-1", SessionID: "sess-1", AgentType: "workflow"}
}

func TestGenerateRetriesTransientFailures(t *testing.T) {
	client := &fakeAIClient{responses: []func(string, *core.AIOptions) (*core.AIResponse, error){
		failTransient(),
		failTransient(),
		respondWith("ok"),
	}}
	gw := testGateway(client, nil)

	resp, err := gw.Generate(context.Background(), gwMeta(), "prompt", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, 3, client.calls)
}

func TestGenerateExhaustsRetries(t *testing.T) {
	client := &fakeAIClient{responses: []func(string, *core.AIOptions) (*core.AIResponse, error){
		failTransient(),
	}}
	gw := testGateway(client, nil)

	_, err := gw.Generate(context.Background(), gwMeta(), "prompt", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrMaxRetriesExceeded))
	assert.Equal(t, 3, client.calls, "one attempt plus two retries")
}

func TestGeneratePermanentErrorFailsFast(t *testing.T) {
	client := &fakeAIClient{responses: []func(string, *core.AIOptions) (*core.AIResponse, error){
		func(string, *core.AIOptions) (*core.AIResponse, error) {
			return nil, errors.New("llm endpoint returned status 400")
		},
	}}
	gw := testGateway(client, nil)

	_, err := gw.Generate(context.Background(), gwMeta(), "prompt", nil)
	require.Error(t, err)
	assert.Equal(t, 1, client.calls)
}

func TestGenerateFallsBackAfterConsecutiveFailures(t *testing.T) {
	client := &fakeAIClient{responses: []func(string, *core.AIOptions) (*core.AIResponse, error){
		failTransient(), failTransient(), failTransient(),
		respondWith("ok"),
	}}
	gw := testGateway(client, nil)

	_, err := gw.Generate(context.Background(), gwMeta(), "prompt", nil)
	require.Error(t, err, "three consecutive failures exhaust the first call")

	resp, err := gw.Generate(context.Background(), gwMeta(), "prompt", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)

	require.Len(t, client.models, 4)
	assert.Equal(t, "gpt-4o", client.models[0])
	assert.Equal(t, "gpt-4o-mini", client.models[3],
		"after the failure threshold, calls switch to the lighter model")
}

func TestGenerateAdmissionRejectionShortCircuits(t *testing.T) {
	acc := &fakeAccountant{admitErr: fmt.Errorf("%w: day window", core.ErrTokenLimitExceeded)}
	client := &fakeAIClient{responses: []func(string, *core.AIOptions) (*core.AIResponse, error){
		respondWith("ok"),
	}}
	gw := testGateway(client, acc)

	_, err := gw.Generate(context.Background(), gwMeta(), "prompt", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrTokenLimitExceeded))
	assert.Equal(t, 0, client.calls, "rejected calls never reach the model")
}

func TestGenerateEstimatesAndRecordsUsage(t *testing.T) {
	acc := &fakeAccountant{}
	client := &fakeAIClient{responses: []func(string, *core.AIOptions) (*core.AIResponse, error){
		respondWith("ok"),
	}}
	gw := testGateway(client, acc)

	prompt := "eight ch" // 8 characters
	_, err := gw.Generate(context.Background(), gwMeta(), prompt, &core.AIOptions{MaxTokens: 100})
	require.NoError(t, err)

	require.Len(t, acc.admits, 1)
	assert.Equal(t, int64(8/4+100), acc.admits[0], "estimate is len(prompt)/4 + max tokens")

	require.Len(t, acc.recorded, 1)
	assert.Equal(t, 15, acc.recorded[0].TotalTokens)
	assert.Equal(t, "gpt-4o", acc.models[0])
}

func TestExtractStructuredCoercesTypes(t *testing.T) {
	client := &fakeAIClient{responses: []func(string, *core.AIOptions) (*core.AIResponse, error){
		respondWith(`{"title": "Koch", "radius": "25", "score": 1.5, "active": "ja", "tags": "solo"}`),
	}}
	gw := testGateway(client, nil)

	out, err := gw.ExtractStructured(context.Background(), gwMeta(), "extract", map[string]string{
		"title":  "string",
		"radius": "integer",
		"score":  "number",
		"active": "boolean",
		"tags":   "array",
	})
	require.NoError(t, err)
	assert.Equal(t, "Koch", out["title"])
	assert.Equal(t, float64(25), out["radius"])
	assert.Equal(t, 1.5, out["score"])
	assert.Equal(t, true, out["active"])
	assert.Equal(t, []interface{}{"solo"}, out["tags"])
}

func TestExtractStructuredDefaultsMissingFields(t *testing.T) {
	client := &fakeAIClient{responses: []func(string, *core.AIOptions) (*core.AIResponse, error){
		respondWith(`{"title": "Koch"}`),
	}}
	gw := testGateway(client, nil)

	out, err := gw.ExtractStructured(context.Background(), gwMeta(), "extract", map[string]string{
		"title": "string",
		"count": "integer",
		"flag":  "boolean",
		"items": "array",
		"note":  "string",
	})
	require.NoError(t, err)
	assert.Equal(t, "Koch", out["title"])
	assert.Equal(t, float64(0), out["count"])
	assert.Equal(t, false, out["flag"])
	assert.Equal(t, []interface{}{}, out["items"])
	assert.Equal(t, "", out["note"])
}

func TestExtractStructuredRepromptsOnMalformedJSON(t *testing.T) {
	client := &fakeAIClient{responses: []func(string, *core.AIOptions) (*core.AIResponse, error){
		respondWith("Sorry, I cannot produce JSON right now."),
		respondWith(`{"title": "Koch"}`),
	}}
	gw := testGateway(client, nil)

	out, err := gw.ExtractStructured(context.Background(), gwMeta(), "extract", map[string]string{"title": "string"})
	require.NoError(t, err)
	assert.Equal(t, "Koch", out["title"])
	require.Equal(t, 2, client.calls)
	assert.Contains(t, client.prompts[1], "strictly the JSON object")
}

func TestExtractStructuredUnwrapsMarkdown(t *testing.T) {
	client := &fakeAIClient{responses: []func(string, *core.AIOptions) (*core.AIResponse, error){
		respondWith("```json\n{\"title\": \"Koch\"}\n```"),
	}}
	gw := testGateway(client, nil)

	out, err := gw.ExtractStructured(context.Background(), gwMeta(), "extract", map[string]string{"title": "string"})
	require.NoError(t, err)
	assert.Equal(t, "Koch", out["title"])
	assert.Equal(t, 1, client.calls, "fenced JSON is not a parse failure")
}

func TestExtractStructuredWithoutSchemaReturnsContent(t *testing.T) {
	client := &fakeAIClient{responses: []func(string, *core.AIOptions) (*core.AIResponse, error){
		respondWith("free text"),
	}}
	gw := testGateway(client, nil)

	out, err := gw.ExtractStructured(context.Background(), gwMeta(), "prompt", nil)
	require.NoError(t, err)
	assert.Equal(t, "free text", out["content"])
}

func TestGenerateCancellationDuringRetryDelay(t *testing.T) {
	client := &fakeAIClient{responses: []func(string, *core.AIOptions) (*core.AIResponse, error){
		failTransient(),
	}}
	gw := NewGateway(client, nil, nil, GatewayConfig{
		Model:      "gpt-4o",
		MaxRetries: 5,
		RetryDelay: time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := gw.Generate(ctx, gwMeta(), "prompt", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrContextCanceled))
	assert.Less(t, time.Since(start), time.Second)
}
