// Package planner defines the Planner service boundary (spec.md component
// C6): given an envelope, canonical policies, optional graph state, and a
// registry snapshot, return a validated PlannerDraft. Grounded on
// runtime/agent/planner/planner.go's Planner interface shape (a narrow
// request/result contract the runtime calls at decision points), adapted
// from a multi-turn tool-calling contract to a single-shot plan-draft
// contract: the Flex orchestrator asks the planner for a whole draft once
// per planning phase, not once per tool call.
package planner

import (
	"context"
	"fmt"

	"github.com/flexrun/orchestrator/envelope"
	"github.com/flexrun/orchestrator/runpolicy"
)

type (
	// GraphContext carries state from a prior plan when the coordinator is
	// requesting a re-plan (spec.md section 4.7: "rebuild plan with
	// graphContext").
	GraphContext struct {
		PreviousVersion   int
		CompletedNodeIDs  []string
		Facets            map[string]any
		ReplanReason      string
		PolicyTriggeredID string
	}

	// RegistrySnapshot is the capability catalog view handed to the
	// planner so it can reference real capability ids.
	RegistrySnapshot struct {
		Capabilities []CapabilitySummary
	}

	// CapabilitySummary is the planner-facing projection of a
	// capability.Record.
	CapabilitySummary struct {
		CapabilityID string
		Kind         string
		AgentType    string
		Summary      string
		InputFacets  []string
		OutputFacets []string
	}

	// PlanRequest is the input to a single planner call.
	PlanRequest struct {
		Envelope  envelope.Envelope
		Policies  runpolicy.Canonical
		Registry  RegistrySnapshot
		Graph     *GraphContext
		RequestID string
	}

	// DraftNode is one node in a PlannerDraft, before the Plan Builder
	// assigns ids, compiles contracts, or injects structural nodes.
	DraftNode struct {
		Kind           string         `json:"kind"`
		CapabilityID   string         `json:"capabilityId"`
		Label          string         `json:"label"`
		Stage          string         `json:"stage"`
		InputFacets    []string       `json:"inputFacets"`
		OutputFacets   []string       `json:"outputFacets"`
		Rationale      []string       `json:"rationale"`
		Routing        *DraftRouting  `json:"routing,omitempty"`
		OutputOverride map[string]any `json:"outputOverride,omitempty"`
	}

	// DraftRouting is a draft node's routing table, carried through
	// verbatim to the built plan.
	DraftRouting struct {
		Routes []DraftRoute `json:"routes"`
		ElseTo string       `json:"elseTo,omitempty"`
	}

	// DraftRoute is one conditional branch of a routing node.
	DraftRoute struct {
		To        string `json:"to"`
		Condition string `json:"condition"`
		Label     string `json:"label,omitempty"`
	}

	// PlannerDraft is the planner's proposed plan, validated before the
	// Plan Builder consumes it.
	PlannerDraft struct {
		Nodes          []DraftNode    `json:"nodes"`
		BranchRequests []string       `json:"branchRequests,omitempty"`
		ScenarioHints  map[string]any `json:"scenarioHints,omitempty"`
	}

	// Planner is the C6 interface. Implementations typically wrap an LLM
	// client (Anthropic, OpenAI, Bedrock — see the planner/anthropic,
	// planner/openai, planner/bedrock adapters) and must never leak
	// provider response shapes past the adapter boundary.
	Planner interface {
		Plan(ctx context.Context, req PlanRequest) (PlannerDraft, error)
	}
)

// ValidationError reports a structurally invalid PlannerDraft, raised
// before the Plan Builder ever sees it (spec.md section 7: "Planner draft
// rejection: plan_rejected emitted").
type ValidationError struct {
	Reasons []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("planner: invalid draft: %v", e.Reasons)
}

// ValidateDraft performs the structural checks every adapter's response
// must pass before the coordinator accepts it as a plan draft: at least
// one node, every node has a kind, and execution-kind nodes declare a
// capability id (full capability-existence checking happens later, in the
// Plan Builder, which has registry access).
func ValidateDraft(draft PlannerDraft) error {
	var reasons []string
	if len(draft.Nodes) == 0 {
		reasons = append(reasons, "draft must contain at least one node")
	}
	for i, n := range draft.Nodes {
		if n.Kind == "" {
			reasons = append(reasons, fmt.Sprintf("node[%d]: kind is required", i))
		}
		if n.Kind == "execution" && n.CapabilityID == "" {
			reasons = append(reasons, fmt.Sprintf("node[%d]: execution node requires a capabilityId", i))
		}
	}
	if len(reasons) > 0 {
		return &ValidationError{Reasons: reasons}
	}
	return nil
}
