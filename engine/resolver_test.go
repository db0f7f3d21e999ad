package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func contextWith(t *testing.T, values map[string]interface{}) *Context {
	t.Helper()
	ctx := NewContext()
	for k, v := range values {
		require.NoError(t, ctx.Set(k, v))
	}
	return ctx
}

func TestResolveIdentityWithoutPlaceholders(t *testing.T) {
	ctx := NewContext()
	inputs := []interface{}{
		"plain text, no templates",
		"unterminated {{brace",
		"",
		float64(42),
		true,
		nil,
		map[string]interface{}{"a": "b", "n": float64(1)},
		[]interface{}{"x", float64(2)},
	}
	for _, in := range inputs {
		out, unresolved := Resolve(in, ctx)
		assert.Equal(t, in, out)
		assert.Empty(t, unresolved)
	}
}

func TestResolveDeterministic(t *testing.T) {
	ctx := contextWith(t, map[string]interface{}{
		"step_1": map[string]interface{}{"result": map[string]interface{}{"city": "Lübeck"}},
	})
	template := "Suche in {{step_1.result.city}}"
	first, _ := Resolve(template, ctx)
	for i := 0; i < 10; i++ {
		again, _ := Resolve(template, ctx)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, "Suche in Lübeck", first)
}

func TestResolveFallbackChain(t *testing.T) {
	ctx := contextWith(t, map[string]interface{}{
		"step_3": map[string]interface{}{"result": map[string]interface{}{"resume_id": nil}},
		"step_2": map[string]interface{}{"result": map[string]interface{}{"doc_id": "7"}},
	})

	out, unresolved := Resolve(`{{step_3.result.resume_id||step_2.result.doc_id||"default"}}`, ctx)
	assert.Equal(t, "7", out)
	assert.Empty(t, unresolved)
}

func TestResolveFallbackLiteralWhenAllAbsent(t *testing.T) {
	ctx := contextWith(t, map[string]interface{}{
		"step_1": map[string]interface{}{"result": map[string]interface{}{"a": nil}},
	})

	out, _ := Resolve(`{{step_1.result.a||step_1.result.missing||"x"}}`, ctx)
	assert.Equal(t, "x", out)
}

func TestResolveFallbackEmptyStringCountsAsAbsent(t *testing.T) {
	ctx := contextWith(t, map[string]interface{}{
		"step_1": map[string]interface{}{"result": map[string]interface{}{"b": ""}},
	})

	// "" is skipped in fallback chains even though it is a present value.
	out, _ := Resolve(`{{step_1.result.b||"x"}}`, ctx)
	assert.Equal(t, "x", out)
}

func TestResolveFallbackAllFailWithoutLiteral(t *testing.T) {
	ctx := NewContext()
	out, unresolved := Resolve("{{a.b||c.d}}", ctx)
	assert.Equal(t, "", out)
	assert.Empty(t, unresolved, "chains fail open, they are not reported")
}

func TestResolveSinglePipeSeparator(t *testing.T) {
	ctx := contextWith(t, map[string]interface{}{
		"step_1": map[string]interface{}{"result": map[string]interface{}{"v": "ok"}},
	})
	out, _ := Resolve("{{missing.path|step_1.result.v}}", ctx)
	assert.Equal(t, "ok", out)
}

func TestResolveUnresolvedSinglePathKeptAndReported(t *testing.T) {
	ctx := contextWith(t, map[string]interface{}{
		"step_1": map[string]interface{}{"result": "done"},
	})
	out, unresolved := Resolve("before {{step_9.result.x}} after", ctx)
	assert.Equal(t, "before {{step_9.result.x}} after", out)
	assert.Equal(t, []string{"step_9.result.x"}, unresolved)
}

func TestResolveWholeStringPlaceholderKeepsType(t *testing.T) {
	ctx := contextWith(t, map[string]interface{}{
		"step_1": map[string]interface{}{"result": map[string]interface{}{
			"count": float64(4),
			"jobs":  []interface{}{"a", "b"},
		}},
	})

	count, _ := Resolve("{{step_1.result.count}}", ctx)
	assert.Equal(t, float64(4), count)

	jobs, _ := Resolve("{{step_1.result.jobs}}", ctx)
	assert.Equal(t, []interface{}{"a", "b"}, jobs)
}

func TestResolveExistingNullIsNull(t *testing.T) {
	ctx := contextWith(t, map[string]interface{}{
		"step_1": map[string]interface{}{"result": map[string]interface{}{"v": nil}},
	})
	out, unresolved := Resolve("{{step_1.result.v}}", ctx)
	assert.Nil(t, out)
	assert.Empty(t, unresolved, "a present null resolves, it is not a miss")
}

func TestResolveArrayOfOneCollapsesInInterpolation(t *testing.T) {
	ctx := contextWith(t, map[string]interface{}{
		"step_1": map[string]interface{}{"result": map[string]interface{}{
			"cities": []interface{}{"Sereetz"},
		}},
	})
	out, _ := Resolve("Ort: {{step_1.result.cities}}", ctx)
	assert.Equal(t, "Ort: Sereetz", out)
}

func TestResolveIndexedPath(t *testing.T) {
	ctx := contextWith(t, map[string]interface{}{
		"step_5": map[string]interface{}{"result": map[string]interface{}{
			"jobs": []interface{}{
				map[string]interface{}{"company": "ACME GmbH"},
				map[string]interface{}{"company": "Beta AG"},
			},
		}},
	})
	out, unresolved := Resolve("{{step_5.result.jobs[0].company}}", ctx)
	assert.Equal(t, "ACME GmbH", out)
	assert.Empty(t, unresolved)

	_, unresolved = Resolve("{{step_5.result.jobs[7].company}}", ctx)
	assert.Equal(t, []string{"step_5.result.jobs[7].company"}, unresolved)
}

func TestResolveNestedStructures(t *testing.T) {
	ctx := contextWith(t, map[string]interface{}{
		"step_1": map[string]interface{}{"result": map[string]interface{}{"id": "42"}},
	})
	in := map[string]interface{}{
		"doc":   "{{step_1.result.id}}",
		"list":  []interface{}{"{{step_1.result.id}}", "static"},
		"depth": map[string]interface{}{"inner": "id={{step_1.result.id}}"},
	}
	out, unresolved := Resolve(in, ctx)
	require.Empty(t, unresolved)
	m := out.(map[string]interface{})
	assert.Equal(t, "42", m["doc"])
	assert.Equal(t, []interface{}{"42", "static"}, m["list"])
	assert.Equal(t, "id=42", m["depth"].(map[string]interface{})["inner"])
}

func TestParsePath(t *testing.T) {
	tests := []struct {
		path string
		want []string
	}{
		{"step_5.result.jobs[0].company", []string{"step_5", "result", "jobs", "[0]", "company"}},
		{"step_1", []string{"step_1"}},
		{"a.b.c", []string{"a", "b", "c"}},
		{"a[10][2]", []string{"a", "[10]", "[2]"}},
		{"a.b[0]", []string{"a", "b", "[0]"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParsePath(tt.path), "path %q", tt.path)
	}
}
