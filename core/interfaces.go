package core

import "context"

// Logger is the minimal structured logging interface shared by all packages.
// Fields always carry an "operation" key identifying the code path.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})
}

// AIClient abstracts the model endpoint. Only the LLM gateway implements it
// against a real provider; tests use fakes.
type AIClient interface {
	GenerateResponse(ctx context.Context, prompt string, options *AIOptions) (*AIResponse, error)
}

// AIOptions for a single generation call.
type AIOptions struct {
	Model        string
	Temperature  float32
	MaxTokens    int
	SystemPrompt string
}

// AIResponse from the model endpoint.
type AIResponse struct {
	Content string
	Model   string
	Usage   TokenUsage
}

// TokenUsage reported by the model endpoint per call.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CallMeta identifies the acting user and session for one external call.
// It is plumbed explicitly into every tool and LLM invocation; there is no
// ambient "current user" state anywhere in the engine.
type CallMeta struct {
	UserID    string
	SessionID string
	AgentType string
}

// NoOpLogger discards all log output. Used wherever a nil logger would
// otherwise force call sites to nil-check.
type NoOpLogger struct{}

func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}
