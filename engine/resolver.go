package engine

import (
	"encoding/json"
	"strconv"
	"strings"
)

// The resolver replaces {{...}} placeholders inside step parameters with
// values from the execution context. Templates are parsed once into a small
// AST (literal and reference nodes) and then evaluated; the resolver never
// returns an error. Unresolved single-path references are kept verbatim in
// the output and reported to the caller, which decides whether to fail the
// step. Fallback chains (a||b||"lit") fail open to the empty string.

// templateNode is either a literal text run or a placeholder reference.
type templateNode struct {
	literal string
	ref     *refNode
}

// refNode is one {{...}} occurrence: an ordered chain of alternatives.
type refNode struct {
	raw  string // inner text, without braces
	alts []alternative
}

// alternative is a quoted literal or a context path.
type alternative struct {
	literal *string
	path    []string
}

// Resolve walks value (scalar, slice, or map), substituting placeholders
// from ctx. It returns the resolved value and the list of unresolved
// references (inner placeholder text). Values containing no placeholders
// are returned unchanged.
func Resolve(value interface{}, ctx *Context) (interface{}, []string) {
	var unresolved []string
	out := resolveValue(value, ctx, &unresolved)
	return out, unresolved
}

func resolveValue(value interface{}, ctx *Context, unresolved *[]string) interface{} {
	switch v := value.(type) {
	case string:
		return resolveString(v, ctx, unresolved)
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, elem := range v {
			out[i] = resolveValue(elem, ctx, unresolved)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, elem := range v {
			out[k] = resolveValue(elem, ctx, unresolved)
		}
		return out
	default:
		return value
	}
}

func resolveString(s string, ctx *Context, unresolved *[]string) interface{} {
	nodes := parseTemplate(s)

	// No placeholders: identity, byte for byte.
	if len(nodes) == 1 && nodes[0].ref == nil {
		return s
	}

	// A whole-string single placeholder resolves to the typed value so that
	// numeric and structured parameters survive templating.
	if len(nodes) == 1 && nodes[0].ref != nil {
		val, keep := evalRef(nodes[0].ref, ctx, unresolved)
		if keep {
			return "{{" + nodes[0].ref.raw + "}}"
		}
		return val
	}

	var b strings.Builder
	for _, n := range nodes {
		if n.ref == nil {
			b.WriteString(n.literal)
			continue
		}
		val, keep := evalRef(n.ref, ctx, unresolved)
		if keep {
			b.WriteString("{{" + n.ref.raw + "}}")
			continue
		}
		b.WriteString(stringify(val))
	}
	return b.String()
}

// evalRef evaluates one placeholder. keep reports that the reference could
// not be resolved and the literal {{...}} text must be preserved (single
// path with no fallbacks only; chains fail open to "").
func evalRef(ref *refNode, ctx *Context, unresolved *[]string) (val interface{}, keep bool) {
	if len(ref.alts) == 1 && ref.alts[0].literal == nil {
		v, found := lookupPath(ctx, ref.alts[0].path)
		if !found {
			*unresolved = append(*unresolved, ref.raw)
			return nil, true
		}
		// An existing null is null; empty counts as present in direct lookups.
		return v, false
	}

	for _, alt := range ref.alts {
		if alt.literal != nil {
			return *alt.literal, false
		}
		v, found := lookupPath(ctx, alt.path)
		if found && !isAbsent(v) {
			return v, false
		}
	}
	// All alternatives failed: fail open for non-critical fields.
	return "", false
}

// isAbsent reports whether a value counts as absent in a fallback chain.
// Missing keys and nulls are absent; so are empty strings and empty lists.
func isAbsent(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []interface{}:
		return len(t) == 0
	default:
		return false
	}
}

// parseTemplate splits s into literal and reference nodes. Unterminated
// braces are treated as literal text.
func parseTemplate(s string) []templateNode {
	var nodes []templateNode
	rest := s
	for {
		start := strings.Index(rest, "{{")
		if start == -1 {
			break
		}
		end := strings.Index(rest[start+2:], "}}")
		if end == -1 {
			break
		}
		if start > 0 {
			nodes = append(nodes, templateNode{literal: rest[:start]})
		}
		inner := rest[start+2 : start+2+end]
		nodes = append(nodes, templateNode{ref: parseRef(inner)})
		rest = rest[start+2+end+2:]
	}
	if len(nodes) == 0 {
		return []templateNode{{literal: s}}
	}
	if rest != "" {
		nodes = append(nodes, templateNode{literal: rest})
	}
	return nodes
}

// parseRef parses the inner text of a placeholder into its alternatives.
// Both | and || separate alternatives; a literal pipe inside a segment is
// not supported.
func parseRef(inner string) *refNode {
	ref := &refNode{raw: inner}
	for _, seg := range splitAlternatives(inner) {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			continue
		}
		if lit, ok := unquote(seg); ok {
			l := lit
			ref.alts = append(ref.alts, alternative{literal: &l})
			continue
		}
		ref.alts = append(ref.alts, alternative{path: ParsePath(seg)})
	}
	if len(ref.alts) == 0 {
		ref.alts = []alternative{{path: []string{inner}}}
	}
	return ref
}

func splitAlternatives(inner string) []string {
	var segs []string
	var cur strings.Builder
	inQuote := byte(0)
	for i := 0; i < len(inner); i++ {
		ch := inner[i]
		switch {
		case inQuote != 0:
			cur.WriteByte(ch)
			if ch == inQuote {
				inQuote = 0
			}
		case ch == '"' || ch == '\'':
			inQuote = ch
			cur.WriteByte(ch)
		case ch == '|':
			segs = append(segs, cur.String())
			cur.Reset()
			if i+1 < len(inner) && inner[i+1] == '|' {
				i++
			}
		default:
			cur.WriteByte(ch)
		}
	}
	segs = append(segs, cur.String())
	return segs
}

func unquote(seg string) (string, bool) {
	if len(seg) >= 2 {
		if (seg[0] == '"' && seg[len(seg)-1] == '"') ||
			(seg[0] == '\'' && seg[len(seg)-1] == '\'') {
			return seg[1 : len(seg)-1], true
		}
	}
	return "", false
}

// ParsePath splits a dot path with optional bracketed indices into
// segments; index segments keep their brackets:
// "step_5.result.jobs[0].company" -> [step_5 result jobs [0] company].
// A small state machine with two states: a dot separates segments only
// outside brackets.
func ParsePath(path string) []string {
	var segs []string
	var cur strings.Builder
	inBracket := false
	flush := func() {
		if cur.Len() > 0 {
			segs = append(segs, cur.String())
			cur.Reset()
		}
	}
	for i := 0; i < len(path); i++ {
		ch := path[i]
		switch {
		case inBracket:
			if ch == ']' {
				segs = append(segs, "["+cur.String()+"]")
				cur.Reset()
				inBracket = false
			} else {
				cur.WriteByte(ch)
			}
		case ch == '[':
			flush()
			inBracket = true
		case ch == '.':
			flush()
		default:
			cur.WriteByte(ch)
		}
	}
	flush()
	return segs
}

// lookupPath walks the context along path segments. found is false when any
// segment is missing or out of range; a present null is found with a nil
// value.
func lookupPath(ctx *Context, path []string) (interface{}, bool) {
	if len(path) == 0 {
		return nil, false
	}
	cur, ok := ctx.Get(path[0])
	if !ok {
		return nil, false
	}
	for _, seg := range path[1:] {
		if idx, isIdx := bracketIndex(seg); isIdx {
			list, isList := cur.([]interface{})
			if !isList || idx < 0 || idx >= len(list) {
				return nil, false
			}
			cur = list[idx]
			continue
		}
		obj, isMap := cur.(map[string]interface{})
		if !isMap {
			return nil, false
		}
		v, exists := obj[seg]
		if !exists {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func bracketIndex(seg string) (int, bool) {
	if len(seg) >= 3 && seg[0] == '[' && seg[len(seg)-1] == ']' {
		idx, err := strconv.Atoi(seg[1 : len(seg)-1])
		if err == nil {
			return idx, true
		}
	}
	return 0, false
}

// stringify renders a resolved value for interpolation into a larger
// string. A one-element list collapses to its sole element.
func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case []interface{}:
		if len(t) == 1 {
			return stringify(t[0])
		}
		data, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(data)
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(data)
	}
}
