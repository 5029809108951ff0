package runpolicy_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexrun/orchestrator/condition"
	"github.com/flexrun/orchestrator/runpolicy"
)

func catalogWithStage() *condition.Catalog {
	return condition.NewCatalog([]condition.Variable{
		{Path: "metadata.plannerStage", Type: condition.TypeString},
		{Path: "metadata.runContextSnapshot.facets.status.value", Type: condition.TypeString},
	})
}

func TestNormalizeVariantCountLegacy(t *testing.T) {
	raw := map[string]any{"variantCount": 3.0}
	canon, err := runpolicy.Normalize(raw, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, canon.Planner.Topology.VariantCount)
	assert.Contains(t, canon.LegacyFields, "variantCount")
}

func TestNormalizeReplanAfterLegacyDirectives(t *testing.T) {
	raw := map[string]any{
		"replanAfter": []any{
			map[string]any{"capability": "writer.v1"},
			map[string]any{"node": "node_2"},
		},
	}
	canon, err := runpolicy.Normalize(raw, nil)
	require.NoError(t, err)
	require.Len(t, canon.Runtime, 2)
	assert.Equal(t, "legacy_capability_writer_v1", canon.Runtime[0].ID)
	assert.Equal(t, "writer.v1", canon.Runtime[0].Trigger.Selector.CapabilityID)
	assert.Equal(t, runpolicy.ActionReplan, canon.Runtime[0].Action.Type)
	assert.Equal(t, "legacy_node_node_2", canon.Runtime[1].ID)
	assert.Contains(t, canon.LegacyFields, "replanAfter")
}

func TestNormalizeStageDirectiveBuildsCondition(t *testing.T) {
	raw := map[string]any{
		"policyTriggers": []any{map[string]any{"stage": "draft"}},
	}
	canon, err := runpolicy.Normalize(raw, catalogWithStage())
	require.NoError(t, err)
	require.Len(t, canon.Runtime, 1)
	assert.Equal(t, "metadata.plannerStage == 'draft'", canon.Runtime[0].Trigger.Canonical)
}

func TestNormalizeCanonicalRuntimeWithDSL(t *testing.T) {
	raw := map[string]any{
		"runtime": []any{
			map[string]any{
				"id":      "p1",
				"enabled": true,
				"trigger": map[string]any{
					"kind": "onNodeComplete",
					"selector": map[string]any{
						"capabilityId": "writer.v1",
					},
					"dsl": "metadata.plannerStage == 'ready'",
				},
				"action": map[string]any{"type": "replan"},
			},
		},
	}
	canon, err := runpolicy.Normalize(raw, catalogWithStage())
	require.NoError(t, err)
	require.Len(t, canon.Runtime, 1)
	assert.Equal(t, "metadata.plannerStage == 'ready'", canon.Runtime[0].Trigger.Canonical)
}

func TestNormalizeInvalidDSLRaisesPolicyValidationError(t *testing.T) {
	raw := map[string]any{
		"runtime": []any{
			map[string]any{
				"id": "p1",
				"trigger": map[string]any{
					"kind": "onNodeComplete",
					"dsl":  "&&&",
				},
			},
		},
	}
	_, err := runpolicy.Normalize(raw, catalogWithStage())
	require.Error(t, err)
	var valErr *runpolicy.PolicyValidationError
	assert.ErrorAs(t, err, &valErr)
}

func TestEvaluateRuntimeEffectSkipsDisabled(t *testing.T) {
	policies := []runpolicy.RuntimePolicy{
		{ID: "p1", Enabled: false, Trigger: runpolicy.Trigger{Kind: runpolicy.TriggerOnNodeComplete}, Action: runpolicy.Action{Type: runpolicy.ActionReplan}},
		{ID: "p2", Enabled: true, Trigger: runpolicy.Trigger{Kind: runpolicy.TriggerOnNodeComplete}, Action: runpolicy.Action{Type: runpolicy.ActionReplan}},
	}
	effect, err := runpolicy.EvaluateRuntimeEffect(policies, runpolicy.NodeView{NodeID: "n1"})
	require.NoError(t, err)
	assert.Equal(t, runpolicy.EffectReplan, effect.Kind)
	assert.Equal(t, "p2", effect.Policy.ID)
}

func TestEvaluateRuntimeEffectConditionMustMatch(t *testing.T) {
	catalog := catalogWithStage()
	result, err := condition.ParseDsl("metadata.plannerStage == 'ready'", catalog)
	require.NoError(t, err)

	policies := []runpolicy.RuntimePolicy{
		{
			ID:      "p1",
			Enabled: true,
			Trigger: runpolicy.Trigger{Kind: runpolicy.TriggerOnNodeComplete, JSONLogic: result.JSONLogic},
			Action:  runpolicy.Action{Type: runpolicy.ActionReplan},
		},
	}

	noMatch, err := runpolicy.EvaluateRuntimeEffect(policies, runpolicy.NodeView{
		Projection: map[string]any{"metadata": map[string]any{"plannerStage": "draft"}},
	})
	require.NoError(t, err)
	assert.Equal(t, runpolicy.EffectNone, noMatch.Kind)

	match, err := runpolicy.EvaluateRuntimeEffect(policies, runpolicy.NodeView{
		Projection: map[string]any{"metadata": map[string]any{"plannerStage": "ready"}},
	})
	require.NoError(t, err)
	assert.Equal(t, runpolicy.EffectReplan, match.Kind)
}

func TestEvaluateRunStartEffectIsSeparateFromNodeComplete(t *testing.T) {
	policies := []runpolicy.RuntimePolicy{
		{ID: "p1", Enabled: true, Trigger: runpolicy.Trigger{Kind: runpolicy.TriggerOnStart}, Action: runpolicy.Action{Type: runpolicy.ActionFail}},
	}
	nodeComplete, err := runpolicy.EvaluateRuntimeEffect(policies, runpolicy.NodeView{})
	require.NoError(t, err)
	assert.Equal(t, runpolicy.EffectNone, nodeComplete.Kind)

	start, err := runpolicy.EvaluateRunStartEffect(policies, runpolicy.NodeView{})
	require.NoError(t, err)
	assert.Equal(t, runpolicy.EffectAction, start.Kind)
}
