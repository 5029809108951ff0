package runcontext_test

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/flexrun/orchestrator/runcontext"
)

// TestSnapshotImmutabilityProperty verifies Testable Property 3 from
// spec.md section 8: RunContext.snapshot() is immutable under later
// mutation — mutating the returned value never changes a subsequently
// taken snapshot, and never changes the live store.
func TestSnapshotImmutabilityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("mutating a snapshot value never affects a later snapshot", prop.ForAll(
		func(name string, value float64, mutated float64) bool {
			ctx := runcontext.New("run-prop")
			ctx.UpdateFacet(name, []any{value}, runcontext.Provenance{NodeID: "n1", Timestamp: time.Now()})

			first := ctx.Snapshot()
			slice := first.Facets[name].Value.([]any)
			slice[0] = mutated

			second := ctx.Snapshot()
			return second.Facets[name].Value.([]any)[0] == value
		},
		gen.OneGenOf(gen.Const("alpha"), gen.Const("beta"), gen.Const("gamma")),
		gen.Float64Range(-100, 100),
		gen.Float64Range(-100, 100),
	))

	properties.TestingRun(t)
}
