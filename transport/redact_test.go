package transport_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flexrun/orchestrator/persistence"
	"github.com/flexrun/orchestrator/transport"
)

func TestRedactMasksMatchingKeysRecursively(t *testing.T) {
	in := map[string]any{
		"summary": "fine to show",
		"apiKey":  "sk-live-12345",
		"nested": map[string]any{
			"Authorization": "Bearer abc123",
			"count":         3,
		},
		"items": []any{
			map[string]any{"password": "hunter2", "name": "x"},
		},
	}

	out, ok := transport.Redact(in).(map[string]any)
	require.True(t, ok)
	require.Equal(t, "fine to show", out["summary"])
	require.Equal(t, "[REDACTED]", out["apiKey"])

	nested, ok := out["nested"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "[REDACTED]", nested["Authorization"])
	require.Equal(t, 3, nested["count"])

	items, ok := out["items"].([]any)
	require.True(t, ok)
	require.Len(t, items, 1)
	item, ok := items[0].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "[REDACTED]", item["password"])
	require.Equal(t, "x", item["name"])

	// The input is untouched.
	require.Equal(t, "sk-live-12345", in["apiKey"])
}

func TestRedactDebugCoversAllMapFields(t *testing.T) {
	debug := persistence.Debug{
		Run: persistence.RunRecord{
			Metadata: map[string]any{"clientSecret": "s3cr3t"},
		},
		Plan: persistence.PlanSnapshot{
			Facets:       map[string]any{"token": "t1"},
			PlanMetadata: map[string]any{"bearer": "b1"},
			PendingState: map[string]any{"credential": "c1"},
			NodeStates: []persistence.NodeState{
				{NodeID: "node_1", Output: map[string]any{"apiKey": "k1", "summary": "ok"}},
			},
		},
		Output: persistence.RunOutput{
			FinalOutput:          map[string]any{"password": "p1"},
			ProvisionalOutput:    map[string]any{"secret": "p2"},
			GoalConditionResults: []map[string]any{{"token": "t2", "satisfied": true}},
		},
	}

	redacted := transport.RedactDebug(debug)
	require.Equal(t, "[REDACTED]", redacted.Run.Metadata["clientSecret"])
	require.Equal(t, "[REDACTED]", redacted.Plan.Facets["token"])
	require.Equal(t, "[REDACTED]", redacted.Plan.PlanMetadata["bearer"])
	require.Equal(t, "[REDACTED]", redacted.Plan.PendingState["credential"])
	require.Equal(t, "[REDACTED]", redacted.Plan.NodeStates[0].Output["apiKey"])
	require.Equal(t, "ok", redacted.Plan.NodeStates[0].Output["summary"])
	require.Equal(t, "[REDACTED]", redacted.Output.FinalOutput["password"])
	require.Equal(t, "[REDACTED]", redacted.Output.ProvisionalOutput["secret"])
	require.Equal(t, "[REDACTED]", redacted.Output.GoalConditionResults[0]["token"])
	require.Equal(t, true, redacted.Output.GoalConditionResults[0]["satisfied"])

	// The source debug struct's nested maps are untouched.
	require.Equal(t, "s3cr3t", debug.Run.Metadata["clientSecret"])
}
