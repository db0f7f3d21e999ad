package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/karrierehq/jobflow/core"
)

// Planner turns a natural-language intent into a validated, persisted plan
// with one LLM call, plus at most one repair round when the first plan
// fails validation.
type Planner struct {
	registry *ToolRegistry
	gateway  LLMGateway
	logger   core.Logger
	model    string
}

// NewPlanner creates a planner. model overrides the gateway default when
// non-empty.
func NewPlanner(registry *ToolRegistry, gateway LLMGateway, logger core.Logger, model string) *Planner {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Planner{registry: registry, gateway: gateway, logger: logger, model: model}
}

// planEnvelope is the strict JSON shape the model must return.
type planEnvelope struct {
	Steps []planStep `json:"steps"`
}

type planStep struct {
	StepNumber           int                    `json:"step_number"`
	StepType             string                 `json:"step_type"`
	Description          string                 `json:"description"`
	Tool                 string                 `json:"tool,omitempty"`
	Parameters           map[string]interface{} `json:"parameters,omitempty"`
	OutputFormat         *OutputFormat          `json:"output_format,omitempty"`
	SkipIf               string                 `json:"skip_if,omitempty"`
	RequiresConfirmation bool                   `json:"requires_confirmation,omitempty"`
}

// CreatePlan produces a workflow for the intent. The returned workflow is
// in planning status and not yet persisted.
func (p *Planner) CreatePlan(ctx context.Context, meta core.CallMeta, intent string) (*Workflow, error) {
	prompt := p.buildPrompt(intent, "")
	plan, err := p.requestPlan(ctx, meta, prompt)
	if err != nil {
		return nil, err
	}

	if verr := p.validate(plan); verr != nil {
		p.logger.Warn("Plan failed validation, requesting repair", map[string]interface{}{
			"operation": "plan_repair",
			"session":   meta.SessionID,
			"error":     verr.Error(),
		})
		repairPrompt := p.buildPrompt(intent, verr.Error())
		plan, err = p.requestPlan(ctx, meta, repairPrompt)
		if err != nil {
			return nil, err
		}
		if verr := p.validate(plan); verr != nil {
			return nil, fmt.Errorf("%w: %v", core.ErrPlanInvalid, verr)
		}
	}

	wf := &Workflow{
		ID:        uuid.NewString(),
		SessionID: meta.SessionID,
		UserID:    meta.UserID,
		Intent:    intent,
		Status:    WorkflowStatusPlanning,
		CreatedAt: time.Now(),
	}
	for _, ps := range plan.Steps {
		wf.Steps = append(wf.Steps, &Step{
			Number:               ps.StepNumber,
			Type:                 StepType(ps.StepType),
			Description:          ps.Description,
			Tool:                 ps.Tool,
			Parameters:           ps.Parameters,
			OutputFormat:         ps.OutputFormat,
			SkipIf:               ps.SkipIf,
			RequiresConfirmation: ps.RequiresConfirmation,
			Status:               StepStatusPending,
		})
	}

	p.logger.Info("Plan created", map[string]interface{}{
		"operation": "plan_create",
		"workflow":  wf.ID,
		"session":   meta.SessionID,
		"steps":     len(wf.Steps),
	})
	return wf, nil
}

func (p *Planner) requestPlan(ctx context.Context, meta core.CallMeta, prompt string) (*planEnvelope, error) {
	opts := &core.AIOptions{
		Model:       p.model,
		Temperature: 0.2,
		MaxTokens:   2000,
		SystemPrompt: "You are a workflow planner. You answer with a single JSON object " +
			"and nothing else: no prose, no markdown fences.",
	}
	resp, err := p.gateway.Generate(ctx, meta, prompt, opts)
	if err != nil {
		return nil, fmt.Errorf("planner llm call: %w", err)
	}

	var plan planEnvelope
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &plan); err != nil {
		return nil, fmt.Errorf("%w: unparseable plan: %v", core.ErrPlanInvalid, err)
	}
	return &plan, nil
}

func (p *Planner) buildPrompt(intent, previousErrors string) string {
	var b strings.Builder
	b.WriteString("Create a step-by-step execution plan for this user request:\n\n")
	b.WriteString(intent)
	b.WriteString("\n\n")
	b.WriteString(p.registry.Catalog())
	b.WriteString("- generate_search_variants: builds an escalation ladder of job-search variants\n")
	b.WriteString("    job_title (string, required)\n")
	b.WriteString("    job_location (string, required)\n")
	b.WriteString("    skills (array, optional)\n")
	b.WriteString(`
Return a JSON object of this exact shape:
{"steps": [{"step_number": 1, "step_type": "tool_call"|"analysis"|"decision"|"notification",
"description": "...", "tool": "...", "parameters": {...},
"output_format": {"type": "object", "fields": {"name": "string"|"integer"|"number"|"boolean"|"array"}},
"skip_if": "...", "requires_confirmation": false}]}

Rules:
- step_number starts at 1 and is dense (1, 2, 3, ...).
- tool_call steps name a tool from the list above and pass its parameters.
- analysis and decision steps declare output_format with typed fields.
- Reference earlier step results with {{step_N.result.field}} placeholders. Never reference the current or a later step.
- skip_if is an optional condition over earlier results, e.g. "{{step_2.result.count}} > 0"; when it holds, the step is skipped.
- When the plan works with user documents, start with a listing step before using any document.
`)
	if previousErrors != "" {
		b.WriteString("\nYour previous plan was rejected for these reasons. Fix all of them:\n")
		b.WriteString(previousErrors)
		b.WriteString("\n")
	}
	return b.String()
}

var placeholderRef = regexp.MustCompile(`\{\{\s*step_(\d+)`)

var validFieldTypes = map[string]bool{
	"string": true, "integer": true, "number": true, "boolean": true, "array": true,
}

// validate checks the plan against the registry and the structural rules.
// All violations are collected so the repair round sees the full list.
func (p *Planner) validate(plan *planEnvelope) error {
	var problems []string
	if len(plan.Steps) == 0 {
		return fmt.Errorf("plan contains no steps")
	}

	for i, s := range plan.Steps {
		if s.StepNumber != i+1 {
			problems = append(problems, fmt.Sprintf("step at position %d has number %d; numbering must be dense starting at 1", i+1, s.StepNumber))
		}
		switch StepType(s.StepType) {
		case StepTypeToolCall:
			if s.Tool == "" {
				problems = append(problems, fmt.Sprintf("step %d: tool_call without a tool name", s.StepNumber))
			} else if s.Tool != pseudoToolVariants {
				if _, ok := p.registry.Get(s.Tool); !ok {
					problems = append(problems, fmt.Sprintf("step %d: unknown tool %q", s.StepNumber, s.Tool))
				}
			}
		case StepTypeAnalysis, StepTypeDecision:
			if s.OutputFormat == nil || len(s.OutputFormat.Fields) == 0 {
				problems = append(problems, fmt.Sprintf("step %d: %s step without output_format fields", s.StepNumber, s.StepType))
			} else {
				for name, typ := range s.OutputFormat.Fields {
					if !validFieldTypes[typ] {
						problems = append(problems, fmt.Sprintf("step %d: field %q has invalid type %q", s.StepNumber, name, typ))
					}
				}
			}
		case StepTypeNotification:
			// description is the message template; nothing else required
		default:
			problems = append(problems, fmt.Sprintf("step %d: unknown step_type %q", s.StepNumber, s.StepType))
		}

		for _, ref := range collectStepRefs(s.Parameters) {
			if ref >= s.StepNumber {
				problems = append(problems, fmt.Sprintf("step %d: placeholder references step %d; only earlier steps are allowed", s.StepNumber, ref))
			}
		}
		for _, ref := range collectStepRefs(s.SkipIf) {
			if ref >= s.StepNumber {
				problems = append(problems, fmt.Sprintf("step %d: skip_if references step %d; only earlier steps are allowed", s.StepNumber, ref))
			}
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%s", strings.Join(problems, "\n"))
	}
	return nil
}

// collectStepRefs finds all step_N placeholder references inside a
// parameter tree.
func collectStepRefs(v interface{}) []int {
	var refs []int
	switch val := v.(type) {
	case string:
		for _, m := range placeholderRef.FindAllStringSubmatch(val, -1) {
			if n, err := strconv.Atoi(m[1]); err == nil {
				refs = append(refs, n)
			}
		}
	case map[string]interface{}:
		for _, item := range val {
			refs = append(refs, collectStepRefs(item)...)
		}
	case []interface{}:
		for _, item := range val {
			refs = append(refs, collectStepRefs(item)...)
		}
	}
	return refs
}

// extractJSON unwraps a JSON object from a model response that may carry
// markdown fences or surrounding prose.
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
