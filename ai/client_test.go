package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karrierehq/jobflow/core"
)

func clientFor(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient("test-key", srv.URL, "gpt-4o", 5*time.Second, nil)
}

func TestClientGenerateResponse(t *testing.T) {
	var seen chatRequest
	client := clientFor(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&seen))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": "Hallo"}},
			},
			"usage": map[string]int{"prompt_tokens": 12, "completion_tokens": 3, "total_tokens": 15},
		})
	})

	resp, err := client.GenerateResponse(context.Background(), "Sag hallo", &core.AIOptions{
		SystemPrompt: "Du bist knapp.",
		MaxTokens:    50,
	})
	require.NoError(t, err)
	assert.Equal(t, "Hallo", resp.Content)
	assert.Equal(t, "gpt-4o", resp.Model)
	assert.Equal(t, 15, resp.Usage.TotalTokens)

	require.Len(t, seen.Messages, 2)
	assert.Equal(t, "system", seen.Messages[0].Role)
	assert.Equal(t, "user", seen.Messages[1].Role)
	assert.Equal(t, "gpt-4o", seen.Model)
	assert.Equal(t, 50, seen.MaxTokens)
}

func TestClientRateLimitIsTransient(t *testing.T) {
	client := clientFor(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	_, err := client.GenerateResponse(context.Background(), "x", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrLLMUnavailable))
}

func TestClientServerErrorIsTransient(t *testing.T) {
	client := clientFor(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	_, err := client.GenerateResponse(context.Background(), "x", nil)
	require.Error(t, err)
	assert.True(t, core.IsRetryable(err))
}

func TestClientOverloadedBodyIsTransient(t *testing.T) {
	client := clientFor(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"error": {"message": "the model is overloaded"}}`))
	})
	_, err := client.GenerateResponse(context.Background(), "x", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrLLMUnavailable))
}

func TestClientBadRequestIsPermanent(t *testing.T) {
	client := clientFor(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error": {"message": "invalid model"}}`))
	})
	_, err := client.GenerateResponse(context.Background(), "x", nil)
	require.Error(t, err)
	assert.False(t, core.IsRetryable(err))
}

func TestClientModelOverride(t *testing.T) {
	var seen chatRequest
	client := clientFor(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&seen))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"content": "ok"}},
			},
		})
	})
	_, err := client.GenerateResponse(context.Background(), "x", &core.AIOptions{Model: "gpt-4o-mini"})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", seen.Model)
}
