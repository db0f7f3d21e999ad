package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karrierehq/jobflow/core"
)

func plannerMeta() core.CallMeta {
	return core.CallMeta{UserID: "user-1", SessionID: "sess-1", AgentType: "planner"}
}

const validPlanJSON = `{
  "steps": [
    {"step_number": 1, "step_type": "tool_call", "description": "Dokumente auflisten", "tool": "doc_list"},
    {"step_number": 2, "step_type": "analysis", "description": "Titel extrahieren aus {{step_1.result.docs}}",
     "output_format": {"type": "object", "fields": {"job_title": "string"}}},
    {"step_number": 3, "step_type": "notification", "description": "Fertig"}
  ]
}`

func plannerWithResponse(t *testing.T, responses ...string) (*Planner, *fakeGateway) {
	t.Helper()
	reg := NewToolRegistry(nil)
	require.NoError(t, reg.Register(&fakeTool{name: "doc_list"}))
	call := 0
	gw := &fakeGateway{
		generateFn: func(_ context.Context, _ core.CallMeta, _ string, _ *core.AIOptions) (*core.AIResponse, error) {
			resp := responses[call]
			if call < len(responses)-1 {
				call++
			}
			return &core.AIResponse{Content: resp}, nil
		},
	}
	return NewPlanner(reg, gw, nil, "gpt-4o"), gw
}

func TestPlannerCreatesValidatedWorkflow(t *testing.T) {
	p, _ := plannerWithResponse(t, validPlanJSON)

	wf, err := p.CreatePlan(context.Background(), plannerMeta(), "Bewirb mich auf passende Jobs")
	require.NoError(t, err)

	assert.NotEmpty(t, wf.ID)
	assert.Equal(t, "sess-1", wf.SessionID)
	assert.Equal(t, "user-1", wf.UserID)
	assert.Equal(t, WorkflowStatusPlanning, wf.Status)
	require.Len(t, wf.Steps, 3)
	assert.Equal(t, StepTypeToolCall, wf.Steps[0].Type)
	assert.Equal(t, "doc_list", wf.Steps[0].Tool)
	assert.Equal(t, StepStatusPending, wf.Steps[0].Status)
}

func TestPlannerUnwrapsMarkdownFences(t *testing.T) {
	p, _ := plannerWithResponse(t, "Here is the plan:\n```json\n"+validPlanJSON+"\n```\nEnjoy!")

	wf, err := p.CreatePlan(context.Background(), plannerMeta(), "intent")
	require.NoError(t, err)
	assert.Len(t, wf.Steps, 3)
}

func TestPlannerRepairsInvalidPlanOnce(t *testing.T) {
	invalid := `{"steps": [{"step_number": 1, "step_type": "tool_call", "description": "x", "tool": "unknown_tool"}]}`
	p, gw := plannerWithResponse(t, invalid, validPlanJSON)
	var prompts []string
	inner := gw.generateFn
	gw.generateFn = func(ctx context.Context, meta core.CallMeta, prompt string, opts *core.AIOptions) (*core.AIResponse, error) {
		prompts = append(prompts, prompt)
		return inner(ctx, meta, prompt, opts)
	}

	wf, err := p.CreatePlan(context.Background(), plannerMeta(), "intent")
	require.NoError(t, err)
	assert.Len(t, wf.Steps, 3)
	require.Len(t, prompts, 2)
	assert.Contains(t, prompts[1], "unknown_tool", "repair prompt carries the validation errors")
}

func TestPlannerRejectsTwiceInvalidPlan(t *testing.T) {
	invalid := `{"steps": [{"step_number": 5, "step_type": "tool_call", "description": "x", "tool": "doc_list"}]}`
	p, _ := plannerWithResponse(t, invalid, invalid)

	_, err := p.CreatePlan(context.Background(), plannerMeta(), "intent")
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrPlanInvalid))
}

func TestPlannerValidation(t *testing.T) {
	reg := NewToolRegistry(nil)
	require.NoError(t, reg.Register(&fakeTool{name: "doc_list"}))
	p := NewPlanner(reg, &fakeGateway{}, nil, "")

	tests := []struct {
		name    string
		json    string
		wantErr string
	}{
		{
			"forward reference",
			`{"steps": [
				{"step_number": 1, "step_type": "tool_call", "description": "x", "tool": "doc_list",
				 "parameters": {"doc": "{{step_2.result.id}}"}},
				{"step_number": 2, "step_type": "notification", "description": "y"}]}`,
			"references step 2",
		},
		{
			"self reference",
			`{"steps": [{"step_number": 1, "step_type": "tool_call", "description": "x", "tool": "doc_list",
			 "parameters": {"doc": "{{step_1.result.id}}"}}]}`,
			"references step 1",
		},
		{
			"sparse numbering",
			`{"steps": [{"step_number": 2, "step_type": "notification", "description": "x"}]}`,
			"dense",
		},
		{
			"missing output format",
			`{"steps": [{"step_number": 1, "step_type": "analysis", "description": "x"}]}`,
			"output_format",
		},
		{
			"invalid field type",
			`{"steps": [{"step_number": 1, "step_type": "analysis", "description": "x",
			 "output_format": {"type": "object", "fields": {"v": "datetime"}}}]}`,
			"invalid type",
		},
		{
			"unknown step type",
			`{"steps": [{"step_number": 1, "step_type": "teleport", "description": "x"}]}`,
			"step_type",
		},
		{
			"empty plan",
			`{"steps": []}`,
			"no steps",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var plan planEnvelope
			require.NoError(t, json.Unmarshal([]byte(tt.json), &plan))
			err := p.validate(&plan)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestPlannerAllowsVariantsPseudoTool(t *testing.T) {
	plan := `{"steps": [{"step_number": 1, "step_type": "tool_call",
	 "description": "Varianten erzeugen", "tool": "generate_search_variants",
	 "parameters": {"job_title": "Koch", "job_location": "Kiel"}}]}`
	p, _ := plannerWithResponse(t, plan)

	wf, err := p.CreatePlan(context.Background(), plannerMeta(), "intent")
	require.NoError(t, err)
	assert.Equal(t, "generate_search_variants", wf.Steps[0].Tool)
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`{"a": 1}`, `{"a": 1}`},
		{"```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"```\n{\"a\": 1}\n```", `{"a": 1}`},
		{"prefix {\"a\": 1} suffix", `{"a": 1}`},
	}
	for _, tt := range tests {
		assert.JSONEq(t, tt.want, extractJSON(tt.in))
	}
}
