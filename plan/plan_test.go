package plan_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexrun/orchestrator/capability"
	"github.com/flexrun/orchestrator/envelope"
	"github.com/flexrun/orchestrator/facet"
	"github.com/flexrun/orchestrator/plan"
	"github.com/flexrun/orchestrator/planner"
	"github.com/flexrun/orchestrator/runpolicy"
)

func baseCatalog() *facet.Catalog {
	return facet.NewCatalog([]facet.Descriptor{
		{Name: "topic", Direction: facet.DirectionInput},
		{Name: "variants", Direction: facet.DirectionOutput, SchemaFragment: map[string]any{"type": "array"}},
	})
}

func baseRegistry() *capability.InMemoryRegistry {
	return capability.NewInMemoryRegistry([]capability.Record{
		{
			CapabilityID: "writer.v1",
			Kind:         capability.KindExecution,
			AgentType:    capability.AgentTypeAI,
			InputFacets:  []string{"topic"},
			OutputFacets: []string{"variants"},
		},
	})
}

func TestBuildAssignsSequentialSanitizedIDs(t *testing.T) {
	req := plan.BuildRequest{
		RunID:    "run-1",
		Envelope: envelope.Envelope{Objective: "write", Inputs: map[string]any{"topic": "go"}},
		Registry: baseRegistry(),
		Catalog:  baseCatalog(),
		Draft: planner.PlannerDraft{
			Nodes: []planner.DraftNode{
				{Kind: "execution", CapabilityID: "writer.v1"},
			},
		},
	}
	p, err := plan.Build(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, p.Nodes, 2) // execution node + injected fallback node
	assert.Equal(t, "writer_v1_1", p.Nodes[0].ID)
}

func TestBuildRejectsUnknownExecutionCapability(t *testing.T) {
	req := plan.BuildRequest{
		RunID:    "run-1",
		Envelope: envelope.Envelope{Objective: "write"},
		Registry: baseRegistry(),
		Catalog:  baseCatalog(),
		Draft: planner.PlannerDraft{
			Nodes: []planner.DraftNode{{Kind: "execution", CapabilityID: "unknown.v1"}},
		},
	}
	_, err := plan.Build(context.Background(), req)
	require.Error(t, err)
	var notFound *capability.ErrCapabilityNotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestBuildTracksMissingInputFacets(t *testing.T) {
	req := plan.BuildRequest{
		RunID:    "run-1",
		Envelope: envelope.Envelope{Objective: "write"}, // no "topic" input
		Registry: baseRegistry(),
		Catalog:  baseCatalog(),
		Draft: planner.PlannerDraft{
			Nodes: []planner.DraftNode{{Kind: "execution", CapabilityID: "writer.v1"}},
		},
	}
	p, err := plan.Build(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []string{"topic"}, p.Nodes[0].MissingFacets)
}

func TestBuildInjectsFallbackNodeWhenAbsent(t *testing.T) {
	req := plan.BuildRequest{
		RunID:    "run-1",
		Envelope: envelope.Envelope{Objective: "write", Inputs: map[string]any{"topic": "go"}},
		Registry: baseRegistry(),
		Catalog:  baseCatalog(),
		Draft: planner.PlannerDraft{
			Nodes: []planner.DraftNode{{Kind: "execution", CapabilityID: "writer.v1"}},
		},
	}
	p, err := plan.Build(context.Background(), req)
	require.NoError(t, err)
	last := p.Nodes[len(p.Nodes)-1]
	assert.Equal(t, "fallback", last.Kind)
	assert.Equal(t, "hitl", last.FallbackTarget)
}

func TestBuildDoesNotInjectFallbackNodeWhenPresent(t *testing.T) {
	req := plan.BuildRequest{
		RunID:    "run-1",
		Envelope: envelope.Envelope{Objective: "write", Inputs: map[string]any{"topic": "go"}},
		Registry: baseRegistry(),
		Catalog:  baseCatalog(),
		Draft: planner.PlannerDraft{
			Nodes: []planner.DraftNode{
				{Kind: "execution", CapabilityID: "writer.v1"},
				{Kind: "fallback"},
			},
		},
	}
	p, err := plan.Build(context.Background(), req)
	require.NoError(t, err)
	fallbackCount := 0
	for _, n := range p.Nodes {
		if n.Kind == "fallback" {
			fallbackCount++
		}
	}
	assert.Equal(t, 1, fallbackCount)
}

func TestBuildInjectsBranchNodesFromDraftBranchRequests(t *testing.T) {
	req := plan.BuildRequest{
		RunID:    "run-1",
		Envelope: envelope.Envelope{Objective: "write", Inputs: map[string]any{"topic": "go"}},
		Registry: baseRegistry(),
		Catalog:  baseCatalog(),
		Draft: planner.PlannerDraft{
			Nodes:          []planner.DraftNode{{Kind: "execution", CapabilityID: "writer.v1"}},
			BranchRequests: []string{"variant-a", "variant-b"},
		},
	}
	p, err := plan.Build(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "branch", p.Nodes[0].Kind)
	assert.Equal(t, "branch", p.Nodes[1].Kind)
	assert.Equal(t, "execution", p.Nodes[2].Kind)
}

func TestBuildInjectsBranchNodesFromLegacyEnvelopePolicy(t *testing.T) {
	req := plan.BuildRequest{
		RunID: "run-1",
		Envelope: envelope.Envelope{
			Objective: "write",
			Inputs:    map[string]any{"topic": "go"},
			Policies:  envelope.RawPolicies{"branchVariants": []any{"a", "b", "c"}},
		},
		Registry: baseRegistry(),
		Catalog:  baseCatalog(),
		Draft: planner.PlannerDraft{
			Nodes: []planner.DraftNode{{Kind: "execution", CapabilityID: "writer.v1"}},
		},
	}
	p, err := plan.Build(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "branch", p.Nodes[0].Kind)
	assert.Equal(t, "branch", p.Nodes[2].Kind)
}

func TestBuildInjectsNormalizationNodeWhenSchemaNotSubset(t *testing.T) {
	req := plan.BuildRequest{
		RunID: "run-1",
		Envelope: envelope.Envelope{
			Objective: "write",
			Inputs:    map[string]any{"topic": "go"},
			OutputContract: envelope.OutputContract{
				Mode: envelope.OutputContractJSONSchema,
				Schema: map[string]any{
					"type":     "object",
					"required": []string{"variants", "summary"},
				},
			},
		},
		Registry: baseRegistry(),
		Catalog:  baseCatalog(),
		Draft: planner.PlannerDraft{
			Nodes: []planner.DraftNode{{Kind: "execution", CapabilityID: "writer.v1"}},
		},
	}
	p, err := plan.Build(context.Background(), req)
	require.NoError(t, err)
	found := false
	for _, n := range p.Nodes {
		if n.Kind == "transformation" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestBuildComputesPlanVersion(t *testing.T) {
	req := plan.BuildRequest{
		RunID:    "run-1",
		Envelope: envelope.Envelope{Objective: "write", Inputs: map[string]any{"topic": "go"}},
		Registry: baseRegistry(),
		Catalog:  baseCatalog(),
		Policies: runpolicy.Canonical{},
		Draft: planner.PlannerDraft{
			Nodes: []planner.DraftNode{{Kind: "execution", CapabilityID: "writer.v1"}},
		},
	}
	p, err := plan.Build(context.Background(), req)
	require.NoError(t, err)
	// 1 base + 0 branches + 1 derived (fallback) + 0 transformation
	assert.Equal(t, 2, p.Version)
}

func TestBuildEdgesFormSequentialChainAndRoutingEdges(t *testing.T) {
	req := plan.BuildRequest{
		RunID:    "run-1",
		Envelope: envelope.Envelope{Objective: "route", Inputs: map[string]any{"topic": "go"}},
		Registry: baseRegistry(),
		Catalog:  baseCatalog(),
		Draft: planner.PlannerDraft{
			Nodes: []planner.DraftNode{
				{
					Kind: "routing",
					Routing: &planner.DraftRouting{
						Routes: []planner.DraftRoute{{To: "node-success", Condition: "facets.routeTarget == \"success\""}},
						ElseTo: "node-fallback",
					},
				},
				{Kind: "execution", CapabilityID: "writer.v1"},
			},
		},
	}
	p, err := plan.Build(context.Background(), req)
	require.NoError(t, err)

	var routeEdge, elseEdge bool
	for _, e := range p.Edges {
		if e.Reason == "route" && e.To == "node-success" {
			routeEdge = true
		}
		if e.Reason == "else" && e.To == "node-fallback" {
			elseEdge = true
		}
	}
	assert.True(t, routeEdge)
	assert.True(t, elseEdge)
}

func TestIsSchemaSubsetReflexive(t *testing.T) {
	schema := map[string]any{
		"type":       "object",
		"required":   []string{"a", "b"},
		"properties": map[string]any{"a": map[string]any{"type": "string"}},
	}
	assert.True(t, plan.IsSchemaSubset(schema, schema))
}

func TestIsSchemaSubsetFailsOnMissingRequired(t *testing.T) {
	source := map[string]any{"type": "object", "required": []string{"a"}}
	target := map[string]any{"type": "object", "required": []string{"a", "b"}}
	assert.False(t, plan.IsSchemaSubset(source, target))
}

func TestIsSchemaSubsetChecksItemBounds(t *testing.T) {
	source := map[string]any{"type": "array", "minItems": 1.0}
	target := map[string]any{"type": "array", "minItems": 2.0}
	assert.False(t, plan.IsSchemaSubset(source, target))

	source2 := map[string]any{"type": "array", "minItems": 3.0}
	target2 := map[string]any{"type": "array", "minItems": 2.0}
	assert.True(t, plan.IsSchemaSubset(source2, target2))
}
