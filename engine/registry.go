package engine

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/karrierehq/jobflow/core"
)

// ToolParameter describes one input parameter of a tool. Only primitive
// types plus the listed constraints are supported.
type ToolParameter struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Required    bool     `json:"required"`
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
	Pattern     string   `json:"pattern,omitempty"`
	MinLength   *int     `json:"min_length,omitempty"`
	MaxLength   *int     `json:"max_length,omitempty"`
	Minimum     *float64 `json:"minimum,omitempty"`
	Maximum     *float64 `json:"maximum,omitempty"`
}

// Invocation carries the resolved parameters and the acting user for one
// tool call. Tools never read the execution context directly; everything
// they need arrives here.
type Invocation struct {
	Meta   core.CallMeta
	Params map[string]interface{}
}

// Tool is the contract consumed by the step executor. A tool's result is
// always a mapping with at least {status: "success"|"error"}. Optional
// tools may be skipped by the orchestrator on failure instead of failing
// the workflow.
type Tool interface {
	Name() string
	Description() string
	Parameters() []ToolParameter
	Optional() bool
	Execute(ctx context.Context, inv Invocation) (map[string]interface{}, error)
}

// ToolRegistry maps stable tool names to contracts. Safe for concurrent
// use; workflows read it while the application registers tools at startup.
type ToolRegistry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	logger core.Logger
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry(logger core.Logger) *ToolRegistry {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &ToolRegistry{
		tools:  make(map[string]Tool),
		logger: logger,
	}
}

// Register adds a tool under its stable name. Re-registering a name is an
// error; tool names are part of persisted plans.
func (r *ToolRegistry) Register(tool Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := tool.Name()
	if name == "" {
		return fmt.Errorf("%w: tool name must not be empty", core.ErrInvalidConfiguration)
	}
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("%w: tool %q already registered", core.ErrInvalidConfiguration, name)
	}
	r.tools[name] = tool
	r.logger.Info("Tool registered", map[string]interface{}{
		"operation": "tool_register",
		"tool":      name,
		"optional":  tool.Optional(),
	})
	return nil
}

// Get returns the tool with the given name.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns all registered tool names, sorted.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Catalog renders the tool catalog as prompt text for the planner.
func (r *ToolRegistry) Catalog() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("Available tools:\n")
	for _, name := range names {
		tool := r.tools[name]
		b.WriteString(fmt.Sprintf("- %s: %s\n", name, tool.Description()))
		for _, p := range tool.Parameters() {
			required := "optional"
			if p.Required {
				required = "required"
			}
			b.WriteString(fmt.Sprintf("    %s (%s, %s)", p.Name, p.Type, required))
			if len(p.Enum) > 0 {
				b.WriteString(" one of: " + strings.Join(p.Enum, ", "))
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

// ValidateParams checks resolved parameters against a tool's declared
// schema: required presence, primitive type, enum, pattern and range
// constraints.
func ValidateParams(tool Tool, params map[string]interface{}) error {
	for _, p := range tool.Parameters() {
		v, present := params[p.Name]
		if !present || v == nil {
			if p.Required {
				return fmt.Errorf("%w: missing required parameter %q for tool %q",
					core.ErrInvalidParameters, p.Name, tool.Name())
			}
			continue
		}
		if err := validateParam(p, v); err != nil {
			return fmt.Errorf("%w: parameter %q of tool %q: %v",
				core.ErrInvalidParameters, p.Name, tool.Name(), err)
		}
	}
	return nil
}

func validateParam(p ToolParameter, v interface{}) error {
	switch p.Type {
	case "string", "":
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", v)
		}
		if p.MinLength != nil && len(s) < *p.MinLength {
			return fmt.Errorf("shorter than min length %d", *p.MinLength)
		}
		if p.MaxLength != nil && len(s) > *p.MaxLength {
			return fmt.Errorf("longer than max length %d", *p.MaxLength)
		}
		if len(p.Enum) > 0 && !containsString(p.Enum, s) {
			return fmt.Errorf("value %q not in enum", s)
		}
		if p.Pattern != "" {
			re, err := regexp.Compile(p.Pattern)
			if err != nil {
				return fmt.Errorf("invalid pattern: %v", err)
			}
			if !re.MatchString(s) {
				return fmt.Errorf("value %q does not match pattern %s", s, p.Pattern)
			}
		}
	case "integer", "number":
		n, ok := asNumber(v)
		if !ok {
			return fmt.Errorf("expected %s, got %T", p.Type, v)
		}
		if p.Type == "integer" && n != float64(int64(n)) {
			return fmt.Errorf("expected integer, got %v", n)
		}
		if p.Minimum != nil && n < *p.Minimum {
			return fmt.Errorf("value %v below minimum %v", n, *p.Minimum)
		}
		if p.Maximum != nil && n > *p.Maximum {
			return fmt.Errorf("value %v above maximum %v", n, *p.Maximum)
		}
	case "boolean":
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("expected boolean, got %T", v)
		}
	case "array":
		if _, ok := v.([]interface{}); !ok {
			return fmt.Errorf("expected array, got %T", v)
		}
	default:
		return fmt.Errorf("unknown parameter type %q", p.Type)
	}
	return nil
}

func asNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
