package plan_test

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/flexrun/orchestrator/capability"
	"github.com/flexrun/orchestrator/envelope"
	"github.com/flexrun/orchestrator/plan"
	"github.com/flexrun/orchestrator/planner"
)

// TestSchemaSubsetReflexiveProperty verifies Testable Property 5 from
// spec.md section 8: isSchemaSubset(S, S) is true for any schema S.
func TestSchemaSubsetReflexiveProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("a schema is always a subset of itself", prop.ForAll(
		func(required []string, minItems float64) bool {
			schema := map[string]any{
				"type":     "object",
				"required": toAnySlice(required),
				"minItems": minItems,
			}
			return plan.IsSchemaSubset(schema, schema)
		},
		gen.SliceOfN(3, gen.OneGenOf(gen.Const("a"), gen.Const("b"), gen.Const("c"))),
		gen.Float64Range(0, 10),
	))

	properties.TestingRun(t)
}

// TestSchemaSubsetTransitiveProperty verifies Testable Property 5's
// transitivity clause: if A is a subset of B and B is a subset of C (under
// a strictly widening minItems bound), A is a subset of C.
func TestSchemaSubsetTransitiveProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("subset ordering is transitive over minItems bounds", prop.ForAll(
		func(a, b, c float64) bool {
			lo, mid, hi := sortThree(a, b, c)
			schemaLo := map[string]any{"type": "array", "minItems": lo}
			schemaMid := map[string]any{"type": "array", "minItems": mid}
			schemaHi := map[string]any{"type": "array", "minItems": hi}
			// schemaHi (tightest lower bound) is a subset of schemaMid, which is
			// a subset of schemaLo (loosest), so schemaHi must be a subset of schemaLo.
			if !plan.IsSchemaSubset(schemaHi, schemaMid) || !plan.IsSchemaSubset(schemaMid, schemaLo) {
				return true // bounds coincide; nothing to check
			}
			return plan.IsSchemaSubset(schemaHi, schemaLo)
		},
		gen.Float64Range(0, 20),
		gen.Float64Range(0, 20),
		gen.Float64Range(0, 20),
	))

	properties.TestingRun(t)
}

func sortThree(a, b, c float64) (lo, mid, hi float64) {
	vals := []float64{a, b, c}
	for i := 0; i < 3; i++ {
		for j := i + 1; j < 3; j++ {
			if vals[j] < vals[i] {
				vals[i], vals[j] = vals[j], vals[i]
			}
		}
	}
	return vals[0], vals[1], vals[2]
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

// TestPlanBuilderFacetAvailabilityProperty verifies Testable Property 7
// from spec.md section 8: every node's input facets are either in
// envelope inputs or produced by an earlier node's output facets, or the
// builder records them in that node's MissingFacets.
func TestPlanBuilderFacetAvailabilityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("every declared input facet is available or logged missing", prop.ForAll(
		func(hasTopicInput bool, nodeCount int) bool {
			inputs := map[string]any{}
			if hasTopicInput {
				inputs["topic"] = "go"
			}
			registry := capability.NewInMemoryRegistry([]capability.Record{
				{CapabilityID: "writer.v1", Kind: capability.KindExecution, InputFacets: []string{"topic"}, OutputFacets: []string{"variants"}},
				{CapabilityID: "reader.v1", Kind: capability.KindExecution, InputFacets: []string{"variants"}, OutputFacets: []string{"summary"}},
			})
			var nodes []planner.DraftNode
			caps := []string{"writer.v1", "reader.v1"}
			for i := 0; i < nodeCount; i++ {
				nodes = append(nodes, planner.DraftNode{Kind: "execution", CapabilityID: caps[i%len(caps)]})
			}
			if len(nodes) == 0 {
				nodes = append(nodes, planner.DraftNode{Kind: "execution", CapabilityID: "writer.v1"})
			}

			req := plan.BuildRequest{
				RunID:    "run-prop",
				Envelope: envelope.Envelope{Objective: "o", Inputs: inputs},
				Registry: registry,
				Catalog:  baseCatalog(),
				Draft:    planner.PlannerDraft{Nodes: nodes},
			}
			p, err := plan.Build(context.Background(), req)
			if err != nil {
				return false
			}

			available := map[string]bool{}
			for k := range inputs {
				available[k] = true
			}
			for _, n := range p.Nodes {
				for _, f := range n.InputFacets {
					if !available[f] {
						logged := false
						for _, m := range n.MissingFacets {
							if m == f {
								logged = true
							}
						}
						if !logged {
							return false
						}
					}
				}
				for _, f := range n.OutputFacets {
					available[f] = true
				}
			}
			return true
		},
		gen.Bool(),
		gen.IntRange(0, 4),
	))

	properties.TestingRun(t)
}
