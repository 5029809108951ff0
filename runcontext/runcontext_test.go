package runcontext_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexrun/orchestrator/envelope"
	"github.com/flexrun/orchestrator/runcontext"
)

type fakeNode struct {
	id           string
	capabilityID string
	outputFacets []string
}

func (n fakeNode) ID() string             { return n.id }
func (n fakeNode) CapabilityID() string   { return n.capabilityID }
func (n fakeNode) OutputFacets() []string { return n.outputFacets }

type fakePlan struct {
	name string
	ok   bool
}

func (p fakePlan) LastNodeSingleOutputFacet() (string, bool) { return p.name, p.ok }

func TestUpdateFacetCreatesAndAppendsProvenance(t *testing.T) {
	ctx := runcontext.New("run-1")
	now := time.Now()
	ctx.UpdateFacet("summary", "first", runcontext.Provenance{NodeID: "n1", Timestamp: now})
	ctx.UpdateFacet("summary", "second", runcontext.Provenance{NodeID: "n2", Timestamp: now.Add(time.Second)})

	f, ok := ctx.GetFacet("summary")
	require.True(t, ok)
	assert.Equal(t, "second", f.Value)
	require.Len(t, f.Provenance, 2)
	assert.Equal(t, "n1", f.Provenance[0].NodeID)
	assert.Equal(t, "n2", f.Provenance[1].NodeID)
}

func TestGetFacetMissingReturnsFalse(t *testing.T) {
	ctx := runcontext.New("run-1")
	_, ok := ctx.GetFacet("nope")
	assert.False(t, ok)
}

func TestUpdateFromNodeNamedPropertyMatch(t *testing.T) {
	ctx := runcontext.New("run-1")
	node := fakeNode{id: "n1", outputFacets: []string{"summary", "score"}}
	ctx.UpdateFromNode(node, map[string]any{"summary": "done", "score": 0.9, "extra": true}, time.Now())

	summary, ok := ctx.GetFacet("summary")
	require.True(t, ok)
	assert.Equal(t, "done", summary.Value)

	score, ok := ctx.GetFacet("score")
	require.True(t, ok)
	assert.Equal(t, 0.9, score.Value)

	_, ok = ctx.GetFacet("extra")
	assert.False(t, ok, "facets not declared as outputs are never created")
}

func TestUpdateFromNodeSingleFacetPassthrough(t *testing.T) {
	ctx := runcontext.New("run-1")
	node := fakeNode{id: "n1", outputFacets: []string{"report"}}
	payload := map[string]any{"title": "Q3", "total": 42.0}
	ctx.UpdateFromNode(node, payload, time.Now())

	report, ok := ctx.GetFacet("report")
	require.True(t, ok)
	assert.Equal(t, payload, report.Value)
}

func TestUpdateFromNodeNoMatchNoSingleFacetIsNoop(t *testing.T) {
	ctx := runcontext.New("run-1")
	node := fakeNode{id: "n1", outputFacets: []string{"a", "b"}}
	ctx.UpdateFromNode(node, map[string]any{"c": 1}, time.Now())

	_, ok := ctx.GetFacet("a")
	assert.False(t, ok)
	_, ok = ctx.GetFacet("b")
	assert.False(t, ok)
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	ctx := runcontext.New("run-1")
	ctx.UpdateFacet("tags", []any{"x", "y"}, runcontext.Provenance{NodeID: "n1", Timestamp: time.Now()})

	snap := ctx.Snapshot()
	tags := snap.Facets["tags"].Value.([]any)
	tags[0] = "mutated"

	f, _ := ctx.GetFacet("tags")
	live := f.Value.([]any)
	assert.Equal(t, "x", live[0], "mutating a snapshot value must never affect the live store")
}

func TestClarificationQuestionAndAnswer(t *testing.T) {
	ctx := runcontext.New("run-1")
	ctx.RecordClarificationQuestion("req-1", "n1", "which region?", time.Now())
	assert.Equal(t, 1, ctx.ClarificationCount(true))

	err := ctx.RecordClarificationAnswer("req-1", "us-east", false, time.Now())
	require.NoError(t, err)

	snap := ctx.Snapshot()
	require.Len(t, snap.Clarifications, 1)
	assert.True(t, snap.Clarifications[0].Answered)
	assert.Equal(t, "us-east", snap.Clarifications[0].Answer)
}

func TestClarificationAnswerUnknownRequestErrors(t *testing.T) {
	ctx := runcontext.New("run-1")
	err := ctx.RecordClarificationAnswer("missing", "x", false, time.Now())
	assert.Error(t, err)
}

func TestClarificationCountExcludesDenied(t *testing.T) {
	ctx := runcontext.New("run-1")
	ctx.RecordClarificationQuestion("req-1", "n1", "q1", time.Now())
	ctx.RecordClarificationQuestion("req-2", "n1", "q2", time.Now())
	require.NoError(t, ctx.RecordClarificationAnswer("req-1", "", true, time.Now()))
	require.NoError(t, ctx.RecordClarificationAnswer("req-2", "yes", false, time.Now()))

	assert.Equal(t, 2, ctx.ClarificationCount(true))
	assert.Equal(t, 1, ctx.ClarificationCount(false))
}

func TestComposeFinalOutputFacetsMode(t *testing.T) {
	ctx := runcontext.New("run-1")
	ctx.UpdateFacet("a", 1.0, runcontext.Provenance{NodeID: "n1", Timestamp: time.Now()})
	contract := envelope.OutputContract{Mode: envelope.OutputContractFacets, Facets: []string{"a", "missing"}}

	out := ctx.ComposeFinalOutput(contract, nil)
	assert.Equal(t, map[string]any{"a": 1.0}, out)
}

func TestComposeFinalOutputJSONSchemaModeProjectsIntersection(t *testing.T) {
	ctx := runcontext.New("run-1")
	ctx.UpdateFacet("total", 42.0, runcontext.Provenance{NodeID: "n1", Timestamp: time.Now()})
	contract := envelope.OutputContract{
		Mode: envelope.OutputContractJSONSchema,
		Schema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"total": map[string]any{"type": "number"}},
		},
	}

	out := ctx.ComposeFinalOutput(contract, nil)
	assert.Equal(t, map[string]any{"total": 42.0}, out)
}

func TestComposeFinalOutputJSONSchemaModeFallsBackToLastNode(t *testing.T) {
	ctx := runcontext.New("run-1")
	ctx.UpdateFacet("report", map[string]any{"x": 1.0}, runcontext.Provenance{NodeID: "n1", Timestamp: time.Now()})
	contract := envelope.OutputContract{
		Mode: envelope.OutputContractJSONSchema,
		Schema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"unrelated": map[string]any{"type": "string"}},
		},
	}

	out := ctx.ComposeFinalOutput(contract, fakePlan{name: "report", ok: true})
	assert.Equal(t, map[string]any{"report": map[string]any{"x": 1.0}}, out)
}

func TestComposeFinalOutputFreeformIsAlwaysEmpty(t *testing.T) {
	ctx := runcontext.New("run-1")
	ctx.UpdateFacet("a", 1.0, runcontext.Provenance{NodeID: "n1", Timestamp: time.Now()})
	out := ctx.ComposeFinalOutput(envelope.OutputContract{Mode: envelope.OutputContractFreeform}, nil)
	assert.Equal(t, map[string]any{}, out)
}
