package engine

import (
	"strconv"
	"strings"
)

// Skip conditions gate a step on results of earlier steps. The grammar is
// deliberately small: placeholders resolve first, then the expression is
// either a bare value (truthy skips) or one binary comparison. Conditions
// only ever see completed steps; an expression that does not resolve or
// does not parse never skips.

var comparisonOps = []string{">=", "<=", "==", "!=", ">", "<"}

// skipConditionMet reports whether a step's skip_if condition holds
// against the execution context.
func skipConditionMet(expr string, ec *Context) bool {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return false
	}
	resolved, unresolved := Resolve(expr, ec)
	if len(unresolved) > 0 {
		return false
	}
	s, ok := resolved.(string)
	if !ok {
		return truthyValue(resolved)
	}
	if lhs, op, rhs, found := splitComparison(s); found {
		return compareOperands(lhs, op, rhs)
	}
	return truthyString(s)
}

// splitComparison finds the first comparison operator. Two-character
// operators are matched before their one-character prefixes.
func splitComparison(s string) (lhs, op, rhs string, ok bool) {
	for i := 0; i < len(s); i++ {
		for _, candidate := range comparisonOps {
			if strings.HasPrefix(s[i:], candidate) {
				return strings.TrimSpace(s[:i]), candidate,
					strings.TrimSpace(s[i+len(candidate):]), true
			}
		}
	}
	return "", "", "", false
}

// compareOperands compares numerically when both sides parse as numbers,
// lexicographically otherwise.
func compareOperands(lhs, op, rhs string) bool {
	if lhs == "" || rhs == "" {
		return false
	}
	ln, lok := parseConditionNumber(lhs)
	rn, rok := parseConditionNumber(rhs)
	if lok && rok {
		switch op {
		case "==":
			return ln == rn
		case "!=":
			return ln != rn
		case ">":
			return ln > rn
		case ">=":
			return ln >= rn
		case "<":
			return ln < rn
		case "<=":
			return ln <= rn
		}
		return false
	}
	ls, rs := unquoteOperand(lhs), unquoteOperand(rhs)
	switch op {
	case "==":
		return ls == rs
	case "!=":
		return ls != rs
	case ">":
		return ls > rs
	case ">=":
		return ls >= rs
	case "<":
		return ls < rs
	case "<=":
		return ls <= rs
	}
	return false
}

func parseConditionNumber(s string) (float64, bool) {
	n, err := strconv.ParseFloat(unquoteOperand(s), 64)
	return n, err == nil
}

func unquoteOperand(s string) string {
	if len(s) >= 2 &&
		((s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'')) {
		return s[1 : len(s)-1]
	}
	return s
}

// truthyValue maps a typed resolved value to a boolean.
func truthyValue(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case float64:
		return val != 0
	case string:
		return truthyString(val)
	case []interface{}:
		return len(val) > 0
	case map[string]interface{}:
		return len(val) > 0
	default:
		return false
	}
}

// truthyString interprets the common boolean spellings, then numbers; any
// other non-empty text counts as true.
func truthyString(s string) bool {
	s = strings.TrimSpace(unquoteOperand(strings.TrimSpace(s)))
	switch strings.ToLower(s) {
	case "", "false", "no", "nein", "0", "null":
		return false
	case "true", "yes", "ja", "1":
		return true
	}
	if n, ok := parseConditionNumber(s); ok {
		return n != 0
	}
	return true
}
