package engine

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

func httpToolFor(t *testing.T, handler http.HandlerFunc) (*HTTPTool, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	tool := NewHTTPTool(core.ToolConfig{
		Name:     "job_search",
		Endpoint: srv.URL,
	}, 5*time.Second)
	return tool, srv
}

func TestHTTPToolPostsInvocation(t *testing.T) {
	var seen map[string]interface{}
	tool, _ := httpToolFor(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&seen))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "success",
			"jobs":   []string{"a"},
		})
	})

	result, err := tool.Execute(context.Background(), Invocation{
		Meta:   core.CallMeta{UserID: "user-1", SessionID: "sess-1"},
		Params: map[string]interface{}{"what": "Koch"},
	})
	require.NoError(t, err)
	assert.Equal(t, "success", result["status"])

	assert.Equal(t, "user-1", seen["user_id"])
	assert.Equal(t, "sess-1", seen["session_id"])
	assert.Equal(t, "Koch", seen["params"].(map[string]interface{})["what"])
}

func TestHTTPToolInjectsSuccessStatus(t *testing.T) {
	tool, _ := httpToolFor(t, func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"jobs": []string{}})
	})
	result, err := tool.Execute(context.Background(), Invocation{})
	require.NoError(t, err)
	assert.Equal(t, "success", result["status"])
}

func TestHTTPToolServerErrorIsRetryable(t *testing.T) {
	tool, _ := httpToolFor(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	_, err := tool.Execute(context.Background(), Invocation{})
	require.Error(t, err)
	assert.True(t, core.IsRetryable(err))
}

func TestHTTPToolClientErrorIsPermanent(t *testing.T) {
	tool, _ := httpToolFor(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})
	_, err := tool.Execute(context.Background(), Invocation{})
	require.Error(t, err)
	assert.False(t, core.IsRetryable(err))
	assert.False(t, errors.Is(err, core.ErrUpstreamUnavailable))
}

func TestHTTPToolCarriesConfigSchema(t *testing.T) {
	two := 2
	tool := NewHTTPTool(core.ToolConfig{
		Name:        "job_search",
		Description: "Sucht Jobs",
		Endpoint:    "http://tools.internal/search",
		Optional:    true,
		Parameters: []core.ToolParamConfig{
			{Name: "what", Type: "string", Required: true, MinLength: &two},
		},
	}, 0)

	assert.Equal(t, "job_search", tool.Name())
	assert.True(t, tool.Optional())
	require.Len(t, tool.Parameters(), 1)
	assert.Equal(t, "what", tool.Parameters()[0].Name)
	assert.True(t, tool.Parameters()[0].Required)
	require.NotNil(t, tool.Parameters()[0].MinLength)
	assert.Equal(t, 2, *tool.Parameters()[0].MinLength)
}
