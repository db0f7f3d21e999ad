package engine

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Context is the transient mapping of previously-produced step results and
// auxiliaries available to placeholder resolution. It lives for one workflow
// execution and is accessed from a single worker goroutine, so it carries
// no lock. It is NOT the canonical store; durable data lives in Step.Result.
type Context struct {
	values map[string]interface{}
	owned  map[string]bool
}

// NewContext creates an empty execution context.
func NewContext() *Context {
	return &Context{
		values: make(map[string]interface{}),
		owned:  make(map[string]bool),
	}
}

// Set writes a key exactly once. Writing an existing key is an error unless
// the key was registered as owned by a variant-generator or decision step.
func (c *Context) Set(key string, value interface{}) error {
	if _, exists := c.values[key]; exists && !c.owned[key] {
		return fmt.Errorf("context key %q already written", key)
	}
	c.values[key] = value
	return nil
}

// SetOwned writes a key that the writing step owns and may overwrite on a
// later pass (variant lists, decision flags).
func (c *Context) SetOwned(key string, value interface{}) {
	c.values[key] = value
	c.owned[key] = true
}

// SetStepResult records a completed step's result under step_<N> in the
// canonical {result: value} shape.
func (c *Context) SetStepResult(number int, result interface{}) error {
	return c.Set(fmt.Sprintf("step_%d", number), map[string]interface{}{
		"result": toJSONValue(result),
	})
}

// Get returns the value for key and whether it exists.
func (c *Context) Get(key string) (interface{}, bool) {
	v, ok := c.values[key]
	return v, ok
}

// Keys returns all context keys in sorted order, for deterministic error
// messages.
func (c *Context) Keys() []string {
	keys := make([]string, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// toJSONValue normalizes arbitrary Go values into the generic JSON shape
// (map[string]interface{}, []interface{}, float64, string, bool, nil) that
// the resolver walks. Values that fail to marshal pass through unchanged.
func toJSONValue(v interface{}) interface{} {
	switch v.(type) {
	case nil, string, bool, float64, map[string]interface{}, []interface{}:
		return v
	}
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}
