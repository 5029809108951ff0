package condition

import "fmt"

// jsonLogicOp maps a DSL operator to its JSON-Logic operator keyword.
var jsonLogicOp = map[Operator]string{
	OpOr: "or", OpAnd: "and", OpEq: "==", OpNeq: "!=",
	OpLt: "<", OpLte: "<=", OpGt: ">", OpGte: ">=", OpNot: "!",
}

var dslOpFromLogic = func() map[string]Operator {
	m := map[string]Operator{}
	for k, v := range jsonLogicOp {
		m[v] = k
	}
	return m
}()

// toJSONLogic compiles an AST into a JSON-Logic document implementing the
// operators enumerated in spec.md section 4.1: and, or, !, var, ==, !=, >,
// >=, <, <=. A bare literal or identifier expression compiles to JSON-
// Logic's bare-value/var shorthand rather than being wrapped in a no-op
// operator, matching how real JSON-Logic documents represent constants.
func toJSONLogic(n *Node) any {
	switch n.Kind {
	case KindLiteral:
		return n.Literal
	case KindIdentifier:
		return map[string]any{"var": n.Path}
	case KindUnary:
		return map[string]any{jsonLogicOp[n.Operator]: []any{operandLogic(n.Right)}}
	case KindBinary:
		return map[string]any{jsonLogicOp[n.Operator]: []any{operandLogic(n.Left), operandLogic(n.Right)}}
	}
	return nil
}

// operandLogic compiles an operand node, collapsing literal/identifier leaves
// to their bare JSON-Logic value/var forms, the same shapes toJSONLogic
// produces for a leaf at the top level.
func operandLogic(n *Node) any {
	switch n.Kind {
	case KindLiteral:
		return n.Literal
	case KindIdentifier:
		return map[string]any{"var": n.Path}
	default:
		return toJSONLogic(n)
	}
}

// fromJSONLogic decompiles a JSON-Logic document back into an AST so it can
// be rendered to canonical DSL text.
func fromJSONLogic(doc any) (*Node, error) {
	switch v := doc.(type) {
	case nil:
		return literal(nil), nil
	case bool, float64, int, string:
		return literal(normalizeLiteral(v)), nil
	case map[string]any:
		if len(v) != 1 {
			return nil, fmt.Errorf("json-logic node must have exactly one operator key, got %d", len(v))
		}
		for key, args := range v {
			if key == "var" {
				path, ok := args.(string)
				if !ok {
					return nil, fmt.Errorf("var argument must be a string path")
				}
				return identifier(path), nil
			}
			op, ok := dslOpFromLogic[key]
			if !ok {
				return nil, fmt.Errorf("unsupported json-logic operator %q", key)
			}
			list, ok := args.([]any)
			if !ok {
				return nil, fmt.Errorf("operator %q expects an argument array", key)
			}
			if op == OpNot {
				if len(list) != 1 {
					return nil, fmt.Errorf("operator '!' expects exactly one argument")
				}
				operand, err := fromJSONLogic(list[0])
				if err != nil {
					return nil, err
				}
				return unary(op, operand), nil
			}
			if len(list) != 2 {
				return nil, fmt.Errorf("operator %q expects exactly two arguments", key)
			}
			left, err := fromJSONLogic(list[0])
			if err != nil {
				return nil, err
			}
			right, err := fromJSONLogic(list[1])
			if err != nil {
				return nil, err
			}
			return binary(op, left, right), nil
		}
	}
	return nil, fmt.Errorf("unsupported json-logic value of type %T", doc)
}

func normalizeLiteral(v any) any {
	if i, ok := v.(int); ok {
		return float64(i)
	}
	return v
}
