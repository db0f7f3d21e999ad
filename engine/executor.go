package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/karrierehq/jobflow/core"
)

// Executor runs one step at a time. It owns per-step recovery (bounded
// retries with linear backoff for transient failures, empty-result salvage
// for extractions) and reports the outcome as a value; the Orchestrator
// branches on the outcome.
type Executor struct {
	registry   *ToolRegistry
	gateway    LLMGateway
	status     StatusStore
	logger     core.Logger
	maxRetries int
	retryDelay time.Duration
}

// NewExecutor creates an executor. maxRetries bounds re-attempts after the
// first try (default 2); retryDelay is the linear backoff unit.
func NewExecutor(registry *ToolRegistry, gateway LLMGateway, status StatusStore, logger core.Logger, maxRetries int, retryDelay time.Duration) *Executor {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if maxRetries < 0 {
		maxRetries = 2
	}
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	return &Executor{
		registry:   registry,
		gateway:    gateway,
		status:     status,
		logger:     logger,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
	}
}

// Execute dispatches one step by type. The execution context is read for
// placeholder resolution and written only through owned keys (variant
// generation); step results are written back by the Orchestrator.
func (e *Executor) Execute(ctx context.Context, wf *Workflow, step *Step, ec *Context) StepOutcome {
	meta := core.CallMeta{
		UserID:    wf.UserID,
		SessionID: wf.SessionID,
		AgentType: "workflow",
	}

	switch step.Type {
	case StepTypeToolCall:
		return e.executeToolCall(ctx, meta, step, ec)
	case StepTypeAnalysis, StepTypeDecision:
		return e.executeAnalysis(ctx, meta, step, ec)
	case StepTypeNotification:
		return e.executeNotification(ctx, meta, step, ec)
	default:
		return Fail(fmt.Errorf("unknown step type %q", step.Type))
	}
}

// pseudoToolVariants is handled inside the engine and never needs to be in
// the registry.
const pseudoToolVariants = "generate_search_variants"

func (e *Executor) executeToolCall(ctx context.Context, meta core.CallMeta, step *Step, ec *Context) StepOutcome {
	resolved, unresolved := Resolve(step.Parameters, ec)
	if len(unresolved) > 0 {
		return Fail(unresolvedError(step, unresolved, ec))
	}
	params, _ := resolved.(map[string]interface{})
	if params == nil {
		params = map[string]interface{}{}
	}

	if step.Tool == pseudoToolVariants {
		return e.generateVariants(step, params, ec)
	}

	tool, ok := e.registry.Get(step.Tool)
	if !ok {
		return Fail(fmt.Errorf("%w: %q (step %d)", core.ErrToolNotFound, step.Tool, step.Number))
	}
	if err := ValidateParams(tool, params); err != nil {
		return Fail(err)
	}

	inv := Invocation{Meta: meta, Params: params}
	var lastErr error
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, time.Duration(attempt)*e.retryDelay); err != nil {
				return Fail(err)
			}
			e.logger.Warn("Retrying tool call", map[string]interface{}{
				"operation": "step_retry",
				"tool":      step.Tool,
				"step":      step.Number,
				"attempt":   attempt,
				"error":     lastErr.Error(),
			})
		}
		result, err := tool.Execute(ctx, inv)
		if err == nil {
			return Done(result)
		}
		lastErr = err
		if !core.IsRetryable(err) {
			return Fail(err)
		}
	}
	return Fail(fmt.Errorf("%w: tool %s after %d attempts: %v",
		core.ErrMaxRetriesExceeded, step.Tool, e.maxRetries+1, lastErr))
}

func (e *Executor) generateVariants(step *Step, params map[string]interface{}, ec *Context) StepOutcome {
	title, _ := params["job_title"].(string)
	if title == "" {
		title, _ = params["what"].(string)
	}
	location, _ := params["job_location"].(string)
	if location == "" {
		location, _ = params["where"].(string)
	}
	var skills []string
	switch v := params["skills"].(type) {
	case []interface{}:
		for _, s := range v {
			if str, ok := s.(string); ok {
				skills = append(skills, str)
			}
		}
	case string:
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				skills = append(skills, s)
			}
		}
	}

	variants := GenerateSearchVariants(title, location, skills)
	writeVariantsToContext(ec, variants)

	e.logger.Info("Search variants generated", map[string]interface{}{
		"operation": "variants_generate",
		"step":      step.Number,
		"title":     title,
		"location":  location,
		"count":     len(variants),
	})
	list, _ := ec.Get("search_variants_list")
	return Done(map[string]interface{}{
		"status":                "success",
		"search_variants_list":  list,
		"search_variants_count": float64(len(variants)),
	})
}

func (e *Executor) executeAnalysis(ctx context.Context, meta core.CallMeta, step *Step, ec *Context) StepOutcome {
	resolvedDesc, unresolved := Resolve(step.Description, ec)
	if len(unresolved) > 0 {
		return Fail(unresolvedError(step, unresolved, ec))
	}
	prompt, _ := resolvedDesc.(string)

	fields := map[string]string{}
	if step.OutputFormat != nil {
		fields = step.OutputFormat.Fields
	}

	result, err := e.extractWithRetry(ctx, meta, prompt, fields)
	if err != nil {
		return Fail(err)
	}

	// A response where every declared field came back empty usually means
	// the model summarized instead of extracting. One reinforced attempt.
	if len(fields) > 0 && allFieldsEmpty(result, fields) {
		e.logger.Warn("Empty extraction, re-prompting", map[string]interface{}{
			"operation": "step_salvage",
			"step":      step.Number,
		})
		salvagePrompt := prompt + "\n\nThe previous attempt returned only empty values. " +
			"Extract concrete values for every field from the available information. " +
			"Do not leave fields empty unless the information truly does not exist."
		second, err := e.extractWithRetry(ctx, meta, salvagePrompt, fields)
		if err == nil {
			result = second
		}
	}

	result["status"] = "success"
	return Done(result)
}

func (e *Executor) extractWithRetry(ctx context.Context, meta core.CallMeta, prompt string, fields map[string]string) (map[string]interface{}, error) {
	var lastErr error
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, time.Duration(attempt)*e.retryDelay); err != nil {
				return nil, err
			}
		}
		result, err := e.gateway.ExtractStructured(ctx, meta, prompt, fields)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !core.IsRetryable(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: llm extraction after %d attempts: %v",
		core.ErrMaxRetriesExceeded, e.maxRetries+1, lastErr)
}

func (e *Executor) executeNotification(ctx context.Context, meta core.CallMeta, step *Step, ec *Context) StepOutcome {
	resolved, _ := Resolve(step.Description, ec)
	message, _ := resolved.(string)
	if message == "" {
		message = step.Description
	}
	if err := e.status.Append(ctx, meta.SessionID, message); err != nil {
		return Fail(fmt.Errorf("appending notification: %w", err))
	}
	return Done(map[string]interface{}{
		"status":  "success",
		"message": message,
	})
}

// unresolvedError builds the deterministic failure for missing placeholder
// references: the unresolved refs and the available context keys, both
// sorted.
func unresolvedError(step *Step, unresolved []string, ec *Context) error {
	refs := append([]string(nil), unresolved...)
	sort.Strings(refs)
	return fmt.Errorf("%w: step %d: unresolved %s; available context keys: %s",
		core.ErrUnresolvedPlaceholder, step.Number,
		strings.Join(refs, ", "), strings.Join(ec.Keys(), ", "))
}

// allFieldsEmpty reports whether every declared output field is absent,
// null, or the empty string. Zero numbers and false booleans are real
// values, not gaps.
func allFieldsEmpty(result map[string]interface{}, fields map[string]string) bool {
	for name := range fields {
		v, ok := result[name]
		if !ok || v == nil {
			continue
		}
		if s, isString := v.(string); isString {
			if s == "" {
				continue
			}
			return false
		}
		return false
	}
	return true
}

// sleepCtx waits d or until ctx is done, whichever comes first.
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
