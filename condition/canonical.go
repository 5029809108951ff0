package condition

import (
	"strconv"
	"strings"
)

// precedence ranks operators low-to-high for canonical-form parenthesis
// elision, matching the grammar in spec.md section 4.1.
func precedence(op Operator) int {
	switch {
	case op == OpOr:
		return 1
	case op == OpAnd:
		return 2
	case isEquality(op):
		return 3
	case isComparison(op):
		return 4
	case op == OpNot:
		return 5
	}
	return 0
}

// canonicalRender deterministically renders an AST back to DSL text: single
// spaces around binary operators, no space after unary !, and parentheses
// only where associativity/precedence would otherwise change meaning. && and
// || are left-associative and associative, so chains of the same operator
// are flattened without parentheses.
func canonicalRender(n *Node) string {
	var b strings.Builder
	renderNode(&b, n, 0)
	return b.String()
}

func renderNode(b *strings.Builder, n *Node, parentPrec int) {
	switch n.Kind {
	case KindLiteral:
		b.WriteString(renderLiteral(n.Literal))
	case KindIdentifier:
		b.WriteString(n.Path)
	case KindUnary:
		b.WriteString(string(n.Operator))
		renderOperand(b, n.Right, precedence(n.Operator))
	case KindBinary:
		prec := precedence(n.Operator)
		needParens := prec < parentPrec
		if needParens {
			b.WriteByte('(')
		}
		// For non-associative relational/equality chains the right operand
		// binds tighter when its own precedence equals this operator's, so
		// flatten only the logical (&&, ||) associative cases.
		leftMinPrec := prec
		rightMinPrec := prec + 1
		if isLogical(n.Operator) {
			rightMinPrec = prec
		}
		renderOperand(b, n.Left, leftMinPrec)
		b.WriteByte(' ')
		b.WriteString(string(n.Operator))
		b.WriteByte(' ')
		renderOperand(b, n.Right, rightMinPrec)
		if needParens {
			b.WriteByte(')')
		}
	}
}

func renderOperand(b *strings.Builder, n *Node, minPrec int) {
	if n.Kind == KindBinary && precedence(n.Operator) < minPrec {
		b.WriteByte('(')
		renderNode(b, n, 0)
		b.WriteByte(')')
		return
	}
	renderNode(b, n, minPrec)
}

func renderLiteral(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case bool:
		if val {
			return "true"
		}
		return "false"
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case string:
		return "'" + escapeString(val) + "'"
	default:
		return ""
	}
}

func escapeString(s string) string {
	replacer := strings.NewReplacer(
		"\\", "\\\\",
		"'", "\\'",
		"\n", "\\n",
		"\r", "\\r",
		"\t", "\\t",
	)
	return replacer.Replace(s)
}
