package condition_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/flexrun/orchestrator/condition"
)

// TestConditionRoundTripProperty verifies Testable Property 4 from spec.md
// section 8: for any expression built from the grammar, ToDsl(ParseDsl(expr)
// .jsonLogic).expression == ParseDsl(expr).canonical, and evaluating the
// jsonLogic for expr and for its canonical rendering against the same
// payload agree.
func TestConditionRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	catalog := condition.NewCatalog([]condition.Variable{
		{Path: "a", Type: condition.TypeNumber},
		{Path: "b", Type: condition.TypeNumber},
	})

	exprGen := gen.OneGenOf(
		gen.Const("a == 1"),
		gen.Const("a != 1"),
		gen.Const("a < b"),
		gen.Const("a <= b"),
		gen.Const("a > b"),
		gen.Const("a >= b"),
		gen.Const("a > 1 && b > 2"),
		gen.Const("a > 1 || b > 2"),
		gen.Const("!(a > 1)"),
		gen.Const("(a > 1 && b > 2) || a == 0"),
		gen.Const("a > 1 && b > 2 && a != 0"),
	)

	properties.Property("canonical round trip is stable", prop.ForAll(
		func(expr string) bool {
			first, err := condition.ParseDsl(expr, catalog)
			if err != nil {
				return false
			}
			dsl, err := condition.ToDsl(first.JSONLogic, catalog)
			if err != nil {
				return false
			}
			return dsl == first.Canonical
		},
		exprGen,
	))

	properties.Property("jsonLogic agrees across canonical re-parse", prop.ForAll(
		func(expr string, a, b float64) bool {
			first, err := condition.ParseDsl(expr, catalog)
			if err != nil {
				return false
			}
			second, err := condition.ParseDsl(first.Canonical, catalog)
			if err != nil {
				return false
			}
			payload := map[string]any{"a": a, "b": b}
			r1, err := condition.EvaluateCondition(first.JSONLogic, payload)
			if err != nil {
				return false
			}
			r2, err := condition.EvaluateCondition(second.JSONLogic, payload)
			if err != nil {
				return false
			}
			return r1.Result == r2.Result
		},
		exprGen, gen.Float64Range(-10, 10), gen.Float64Range(-10, 10),
	))

	properties.TestingRun(t)
}
