package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextWriteOnce(t *testing.T) {
	ctx := NewContext()
	require.NoError(t, ctx.Set("step_1", "a"))
	err := ctx.Set("step_1", "b")
	assert.Error(t, err)

	v, ok := ctx.Get("step_1")
	require.True(t, ok)
	assert.Equal(t, "a", v, "rejected write must not change the value")
}

func TestContextOwnedKeysMayBeRewritten(t *testing.T) {
	ctx := NewContext()
	ctx.SetOwned("search_variants_count", float64(3))
	ctx.SetOwned("search_variants_count", float64(5))
	v, _ := ctx.Get("search_variants_count")
	assert.Equal(t, float64(5), v)

	// Plain Set also succeeds on an owned key.
	assert.NoError(t, ctx.Set("search_variants_count", float64(7)))
}

func TestContextSetStepResultShape(t *testing.T) {
	ctx := NewContext()
	require.NoError(t, ctx.SetStepResult(4, map[string]interface{}{"status": "success"}))

	v, ok := ctx.Get("step_4")
	require.True(t, ok)
	wrapped, ok := v.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, map[string]interface{}{"status": "success"}, wrapped["result"])
}

func TestContextSetStepResultNormalizesTypes(t *testing.T) {
	type jobs struct {
		Count int `json:"count"`
	}
	ctx := NewContext()
	require.NoError(t, ctx.SetStepResult(1, jobs{Count: 3}))

	out, _ := Resolve("{{step_1.result.count}}", ctx)
	assert.Equal(t, float64(3), out, "struct results must resolve like decoded JSON")
}

func TestContextKeysSorted(t *testing.T) {
	ctx := NewContext()
	require.NoError(t, ctx.Set("step_2", "b"))
	require.NoError(t, ctx.Set("step_1", "a"))
	require.NoError(t, ctx.Set("alpha", "c"))
	assert.Equal(t, []string{"alpha", "step_1", "step_2"}, ctx.Keys())
}
