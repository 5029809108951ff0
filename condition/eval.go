package condition

import (
	"fmt"
	"strings"
)

// evalLogic evaluates a JSON-Logic document (bare literal, {"var": path}, or
// {"op": [...]}) against payload, recording resolved variable values into
// resolved for diagnostics.
func evalLogic(doc any, payload any, resolved map[string]any) (any, error) {
	switch v := doc.(type) {
	case nil, bool, float64, int, string:
		return normalizeLiteral(v), nil
	case map[string]any:
		if len(v) != 1 {
			return nil, fmt.Errorf("condition: json-logic node must have exactly one key")
		}
		for key, args := range v {
			if key == "var" {
				path, ok := args.(string)
				if !ok {
					return nil, fmt.Errorf("condition: var argument must be a string path")
				}
				val := resolvePath(payload, path)
				resolved[path] = val
				return val, nil
			}
			list, ok := args.([]any)
			if !ok {
				return nil, fmt.Errorf("condition: operator %q expects an argument array", key)
			}
			return evalOperator(key, list, payload, resolved)
		}
	}
	return nil, fmt.Errorf("condition: unsupported json-logic value of type %T", doc)
}

func evalOperator(op string, args []any, payload any, resolved map[string]any) (any, error) {
	switch op {
	case "and":
		for _, a := range args {
			v, err := evalLogic(a, payload, resolved)
			if err != nil {
				return nil, err
			}
			b, _ := toBool(v)
			if !b {
				return false, nil
			}
		}
		return true, nil
	case "or":
		for _, a := range args {
			v, err := evalLogic(a, payload, resolved)
			if err != nil {
				return nil, err
			}
			b, _ := toBool(v)
			if b {
				return true, nil
			}
		}
		return false, nil
	case "!":
		if len(args) != 1 {
			return nil, fmt.Errorf("condition: '!' expects exactly one argument")
		}
		v, err := evalLogic(args[0], payload, resolved)
		if err != nil {
			return nil, err
		}
		b, _ := toBool(v)
		return !b, nil
	case "==", "!=", "<", "<=", ">", ">=":
		if len(args) != 2 {
			return nil, fmt.Errorf("condition: operator %q expects exactly two arguments", op)
		}
		left, err := evalLogic(args[0], payload, resolved)
		if err != nil {
			return nil, err
		}
		right, err := evalLogic(args[1], payload, resolved)
		if err != nil {
			return nil, err
		}
		return compare(op, left, right)
	default:
		return nil, fmt.Errorf("condition: unsupported operator %q", op)
	}
}

func compare(op string, left, right any) (bool, error) {
	switch op {
	case "==":
		return strictEqual(left, right), nil
	case "!=":
		return !strictEqual(left, right), nil
	}
	lf, lok := toNumber(left)
	rf, rok := toNumber(right)
	if !lok || !rok {
		return false, nil
	}
	switch op {
	case "<":
		return lf < rf, nil
	case "<=":
		return lf <= rf, nil
	case ">":
		return lf > rf, nil
	case ">=":
		return lf >= rf, nil
	}
	return false, fmt.Errorf("condition: unsupported comparison operator %q", op)
}

// strictEqual implements JSON-Logic's strict equality: same dynamic type and
// equal value. undefined (nil) equals only undefined/null.
func strictEqual(left, right any) bool {
	if left == nil || right == nil {
		return left == nil && right == nil
	}
	lf, lok := toNumber(left)
	rf, rok := toNumber(right)
	if lok && rok {
		return lf == rf
	}
	ls, lok := left.(string)
	rs, rok := right.(string)
	if lok && rok {
		return ls == rs
	}
	lb, lok := left.(bool)
	rb, rok := right.(bool)
	if lok && rok {
		return lb == rb
	}
	return false
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

func toBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case nil:
		return false, true
	case float64:
		return b != 0, true
	case string:
		return b != "", true
	}
	return false, false
}

// resolvePath resolves a dotted path by walking payload, which is expected to
// be built from maps (map[string]any) as produced by JSON decoding or node
// projections. Missing segments at any point yield nil (undefined).
func resolvePath(payload any, path string) any {
	cur := payload
	for _, segment := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		v, ok := m[segment]
		if !ok {
			return nil
		}
		cur = v
	}
	return cur
}
