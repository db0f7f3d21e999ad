package engine

import (
	"regexp"
	"strings"
)

// RetryController implements the smart-retry policy over step history. It
// keeps no state of its own; every decision is derived from the workflow's
// steps and the execution context.
type RetryController struct{}

// NewRetryController creates a retry controller.
func NewRetryController() *RetryController {
	return &RetryController{}
}

var numericSuffix = regexp.MustCompile(`\d+\s*$`)

// IsRetryStep reports whether the step is a further attempt of a tool
// already used by an earlier step. The description must hint at a repeat:
// "versuch", "retry", or a trailing number ("Jobsuche Versuch 3").
func (c *RetryController) IsRetryStep(wf *Workflow, step *Step) bool {
	if step.Type != StepTypeToolCall || step.Tool == "" {
		return false
	}
	seen := false
	for _, prev := range wf.Steps {
		if prev.Number >= step.Number {
			break
		}
		if prev.Type == StepTypeToolCall && prev.Tool == step.Tool {
			seen = true
			break
		}
	}
	if !seen {
		return false
	}
	desc := strings.ToLower(step.Description)
	return strings.Contains(desc, "versuch") ||
		strings.Contains(desc, "retry") ||
		numericSuffix.MatchString(step.Description)
}

// ShouldSkip reports whether a retry step can be skipped because a previous
// attempt already succeeded and the latest decision voted against another
// try. The returned result is the last successful attempt's payload, copied
// onto the skipped step so downstream placeholders keep resolving.
func (c *RetryController) ShouldSkip(wf *Workflow, step *Step) (bool, map[string]interface{}) {
	var lastGood map[string]interface{}
	for _, prev := range wf.Steps {
		if prev.Number >= step.Number {
			break
		}
		if prev.Type == StepTypeToolCall && prev.Tool == step.Tool &&
			prev.Status == StepStatusCompleted && resultCount(prev.Result) > 0 {
			lastGood = prev.Result
		}
	}
	if lastGood == nil {
		return false, nil
	}

	var voted, shouldRetry bool
	for _, prev := range wf.Steps {
		if prev.Number >= step.Number {
			break
		}
		if prev.Type != StepTypeDecision || prev.Status != StepStatusCompleted {
			continue
		}
		if v, ok := prev.Result["should_retry"].(bool); ok {
			voted = true
			shouldRetry = v
		}
	}
	if voted && !shouldRetry {
		return true, lastGood
	}
	return false, nil
}

// terminal-selection markers in the step description.
var terminalMarkers = []string{"finale", "wähle besten", "aus allen versuchen"}

// IsTerminalSelection reports whether a decision step aggregates previous
// attempts instead of calling the model.
func (c *RetryController) IsTerminalSelection(step *Step) bool {
	if step.Type != StepTypeDecision {
		return false
	}
	desc := strings.ToLower(step.Description)
	for _, marker := range terminalMarkers {
		if strings.Contains(desc, marker) {
			return true
		}
	}
	return false
}

// SelectBest runs the best-of-retries aggregation for a terminal-selection
// decision: among completed tool_call steps of the retry family, pick the
// attempt with the most results, break ties by lowest originating variant
// priority, then by lowest step number. The winner is projected into the
// terminal step's declared output schema.
func (c *RetryController) SelectBest(wf *Workflow, terminal *Step, ec *Context) map[string]interface{} {
	family := c.retryFamily(wf, terminal)

	type attempt struct {
		step     *Step
		count    int
		priority int
	}
	var attempts []attempt
	for i, s := range family {
		if s.Status != StepStatusCompleted || resultCount(s.Result) == 0 {
			continue
		}
		attempts = append(attempts, attempt{
			step:     s,
			count:    resultCount(s.Result),
			priority: variantPriority(s.Result, ec, i),
		})
	}

	out := map[string]interface{}{"status": "success"}
	if terminal.OutputFormat != nil {
		for name, typ := range terminal.OutputFormat.Fields {
			out[name] = zeroForType(typ)
		}
	}
	if len(attempts) == 0 {
		out["status"] = "error"
		out["message"] = "no successful attempts to select from"
		return out
	}

	best := attempts[0]
	for _, a := range attempts[1:] {
		if a.count > best.count ||
			(a.count == best.count && a.priority < best.priority) ||
			(a.count == best.count && a.priority == best.priority && a.step.Number < best.step.Number) {
			best = a
		}
	}

	out["selected_step"] = float64(best.step.Number)
	out["result_count"] = float64(best.count)
	for name := range out {
		if v, ok := best.step.Result[name]; ok {
			out[name] = v
		}
	}
	if terminal.OutputFormat != nil {
		for name := range terminal.OutputFormat.Fields {
			if v, ok := best.step.Result[name]; ok {
				out[name] = v
			}
		}
	}
	return out
}

// retryFamily returns the completed tool_call steps preceding the terminal
// step that share the retried tool. The family tool is the most recently
// retried one; if no retry step exists, the most recent tool_call's tool.
func (c *RetryController) retryFamily(wf *Workflow, terminal *Step) []*Step {
	tool := ""
	for _, s := range wf.Steps {
		if s.Number >= terminal.Number {
			break
		}
		if s.Type == StepTypeToolCall && s.Tool != "" && c.IsRetryStep(wf, s) {
			tool = s.Tool
		}
	}
	if tool == "" {
		for _, s := range wf.Steps {
			if s.Number >= terminal.Number {
				break
			}
			if s.Type == StepTypeToolCall && s.Tool != "" {
				tool = s.Tool
			}
		}
	}
	if tool == "" {
		return nil
	}
	var family []*Step
	for _, s := range wf.Steps {
		if s.Number >= terminal.Number {
			break
		}
		if s.Type == StepTypeToolCall && s.Tool == tool {
			family = append(family, s)
		}
	}
	return family
}

// resultCount measures how many records a tool result carries: the length
// of the first array-valued field (jobs, results, matches take precedence),
// else 1 for any other non-empty payload beyond the status envelope.
func resultCount(result map[string]interface{}) int {
	if result == nil {
		return 0
	}
	for _, key := range []string{"jobs", "results", "matches", "items"} {
		if arr, ok := result[key].([]interface{}); ok {
			return len(arr)
		}
	}
	for key, v := range result {
		if key == "status" || key == "message" {
			continue
		}
		if arr, ok := v.([]interface{}); ok {
			return len(arr)
		}
	}
	for key, v := range result {
		if key == "status" || key == "message" {
			continue
		}
		if v != nil && v != "" {
			return 1
		}
	}
	return 0
}

// variantPriority derives the priority of the variant that produced an
// attempt: the result's own variant_priority when the tool echoes it, else
// the generated variant list positionally by attempt order, else a sentinel
// that sorts last.
func variantPriority(result map[string]interface{}, ec *Context, attemptIndex int) int {
	if result != nil {
		if p, ok := asNumber(result["variant_priority"]); ok {
			return int(p)
		}
	}
	if ec != nil {
		if list, ok := ec.Get("search_variants_list"); ok {
			if arr, ok := list.([]interface{}); ok && attemptIndex < len(arr) {
				if m, ok := arr[attemptIndex].(map[string]interface{}); ok {
					if p, ok := asNumber(m["priority"]); ok {
						return int(p)
					}
				}
			}
		}
	}
	return int(^uint(0) >> 1)
}

// zeroForType is the by-type default used for schema-shaped placeholder
// results.
func zeroForType(typ string) interface{} {
	switch typ {
	case "integer", "number":
		return float64(0)
	case "boolean":
		return false
	case "array":
		return []interface{}{}
	default:
		return ""
	}
}
