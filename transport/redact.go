// Package transport holds reference HTTP-facing helpers for cmd/flexrund:
// the SSE encoder lives in transport/sse, and this file implements the
// debug-view redaction rule spec.md section 6 describes for the debug
// endpoint.
package transport

import (
	"regexp"

	"github.com/flexrun/orchestrator/persistence"
)

// secretKeyPattern matches map keys a debug view must never echo back
// verbatim, per spec.md section 6.
var secretKeyPattern = regexp.MustCompile(`(?i)(token|secret|apikey|api_key|authorization|password|bearer|credential)`)

const redactedPlaceholder = "[REDACTED]"

// Redact returns a deep copy of v with every map value whose key matches
// secretKeyPattern replaced by a placeholder. Values are walked
// recursively through nested maps and slices; anything else is returned
// unchanged (by reference for types Redact does not need to copy, since
// the result is serialized immediately and not mutated further).
func Redact(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			if secretKeyPattern.MatchString(k) {
				out[k] = redactedPlaceholder
				continue
			}
			out[k] = Redact(v)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Redact(item)
		}
		return out
	case []map[string]any:
		out := make([]map[string]any, len(val))
		for i, item := range val {
			out[i], _ = Redact(item).(map[string]any)
		}
		return out
	default:
		return v
	}
}

func redactMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	r, _ := Redact(m).(map[string]any)
	return r
}

func redactMapSlice(ms []map[string]any) []map[string]any {
	if ms == nil {
		return nil
	}
	r, _ := Redact(ms).([]map[string]any)
	return r
}

// RedactDebug returns a copy of d with every facet/metadata/output map
// passed through Redact, matching spec.md section 6's rule that a debug
// view must not echo back tokens, secrets, or credentials a capability
// happened to place in run state.
func RedactDebug(d persistence.Debug) persistence.Debug {
	d.Run.Metadata = redactMap(d.Run.Metadata)
	d.Plan.Facets = redactMap(d.Plan.Facets)
	d.Plan.PlanMetadata = redactMap(d.Plan.PlanMetadata)
	d.Plan.PendingState = redactMap(d.Plan.PendingState)
	if d.Plan.NodeStates != nil {
		states := make([]persistence.NodeState, len(d.Plan.NodeStates))
		copy(states, d.Plan.NodeStates)
		for i, ns := range states {
			ns.Output = redactMap(ns.Output)
			states[i] = ns
		}
		d.Plan.NodeStates = states
	}
	d.Output.FinalOutput = redactMap(d.Output.FinalOutput)
	d.Output.ProvisionalOutput = redactMap(d.Output.ProvisionalOutput)
	d.Output.GoalConditionResults = redactMapSlice(d.Output.GoalConditionResults)
	return d
}
