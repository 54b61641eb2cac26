package conductor

import (
	"strconv"
	"strings"
)

// Edge conditions are a closed mini-language evaluated against the
// run context. Supported forms:
//
//	'key' in context          'key' not in context
//	context.get('key') OP literal
//	context['key'] OP literal
//
// with OP one of ==, !=, >, <, >=, <= and literals being quoted
// strings, numbers, or true/false/none. Anything that does not match
// one of these shapes evaluates to false. There is no general
// expression evaluator and there never will be one.

// EvalCondition evaluates a condition string against the run context.
// An empty condition always traverses.
func EvalCondition(condition string, ctx map[string]interface{}) bool {
	condition = strings.TrimSpace(condition)
	if condition == "" {
		return true
	}
	switch strings.ToLower(condition) {
	case "true":
		return true
	case "false":
		return false
	}

	if key, rest, ok := parseQuoted(condition); ok {
		rest = strings.TrimSpace(rest)
		if rest == "in context" {
			_, present := ctx[key]
			return present
		}
		if rest == "not in context" {
			_, present := ctx[key]
			return !present
		}
		return false
	}

	key, rest, ok := parseAccessor(condition)
	if !ok {
		return false
	}
	op, rest, ok := parseOperator(rest)
	if !ok {
		return false
	}
	lit := parseLiteral(rest)
	return compare(ctx[key], op, lit)
}

// parseQuoted consumes a leading 'key' or "key" and returns the rest.
func parseQuoted(s string) (key, rest string, ok bool) {
	if len(s) < 2 || (s[0] != '\'' && s[0] != '"') {
		return "", "", false
	}
	quote := s[0]
	end := strings.IndexByte(s[1:], quote)
	if end < 0 {
		return "", "", false
	}
	return s[1 : 1+end], s[2+end:], true
}

// parseAccessor consumes context.get('key') or context['key'].
func parseAccessor(s string) (key, rest string, ok bool) {
	if after, found := strings.CutPrefix(s, "context.get("); found {
		key, rest, ok = parseQuoted(after)
		if !ok {
			return "", "", false
		}
		rest, found = strings.CutPrefix(rest, ")")
		return key, rest, found
	}
	if after, found := strings.CutPrefix(s, "context["); found {
		key, rest, ok = parseQuoted(after)
		if !ok {
			return "", "", false
		}
		rest, found = strings.CutPrefix(rest, "]")
		return key, rest, found
	}
	return "", "", false
}

var operators = []string{">=", "<=", "==", "!=", ">", "<"}

func parseOperator(s string) (op, rest string, ok bool) {
	s = strings.TrimSpace(s)
	for _, candidate := range operators {
		if after, found := strings.CutPrefix(s, candidate); found {
			return candidate, strings.TrimSpace(after), true
		}
	}
	return "", "", false
}

// parseLiteral interprets the right-hand side of a comparison. Bare
// words fall back to their string form.
func parseLiteral(s string) interface{} {
	s = strings.TrimSpace(s)
	if key, rest, ok := parseQuoted(s); ok && strings.TrimSpace(rest) == "" {
		return key
	}
	switch strings.ToLower(s) {
	case "true":
		return true
	case "false":
		return false
	case "none":
		return nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

func compare(ctxValue interface{}, op string, lit interface{}) bool {
	if ctxValue == nil || lit == nil {
		switch op {
		case "==":
			return ctxValue == lit
		case "!=":
			return ctxValue != lit
		}
		return false
	}

	if a, aok := toFloat(ctxValue); aok {
		if b, bok := toFloat(lit); bok {
			return compareOrdered(a, b, op)
		}
		return op == "!="
	}
	if a, aok := ctxValue.(string); aok {
		if b, bok := lit.(string); bok {
			switch op {
			case "==":
				return a == b
			case "!=":
				return a != b
			case ">":
				return a > b
			case "<":
				return a < b
			case ">=":
				return a >= b
			case "<=":
				return a <= b
			}
			return false
		}
		return op == "!="
	}
	if a, aok := ctxValue.(bool); aok {
		if b, bok := lit.(bool); bok {
			switch op {
			case "==":
				return a == b
			case "!=":
				return a != b
			}
		}
		return op == "!="
	}
	return false
}

func compareOrdered(a, b float64, op string) bool {
	switch op {
	case "==":
		return a == b
	case "!=":
		return a != b
	case ">":
		return a > b
	case "<":
		return a < b
	case ">=":
		return a >= b
	case "<=":
		return a <= b
	}
	return false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
