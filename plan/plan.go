// Package plan implements the Plan Builder (spec.md component C7):
// assembling a PlannerDraft into a FlexPlan — assigning node ids,
// compiling facet contracts, injecting branch/normalization/fallback
// nodes, and computing the plan version. Grounded on
// runtime/agents/runtime/workflow.go's node-id/attempt bookkeeping style
// (sequential, sanitized, index-suffixed ids) and agents/codegen's general
// "assemble a graph from a declarative draft" shape, adapted here from
// compile-time code generation to a runtime graph-assembly algorithm.
package plan

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/flexrun/orchestrator/capability"
	"github.com/flexrun/orchestrator/envelope"
	"github.com/flexrun/orchestrator/facet"
	"github.com/flexrun/orchestrator/planner"
	"github.com/flexrun/orchestrator/runpolicy"
)

type (
	// Edge is one sequential or routing connection between plan nodes.
	Edge struct {
		From      string
		To        string
		Reason    string // "sequence", "route", or "else"
		Condition string // set for "route" edges
	}

	// Node is one assembled node of a FlexPlan.
	Node struct {
		ID             string
		Kind           string
		CapabilityID   string
		Label          string
		Stage          string
		InputFacets    []string
		OutputFacets   []string
		MissingFacets  []string
		Contract       *facet.Contract
		Rationale      []string
		Routing        *planner.DraftRouting
		FallbackTarget string // set to "hitl" on the injected fallback node
	}

	// FlexPlan is the Plan Builder's output: the assembled node graph the
	// Execution Engine walks in order.
	FlexPlan struct {
		RunID         string
		Version       int
		Nodes         []Node
		Edges         []Edge
		ScenarioHints map[string]any
	}

	// BuildRequest is the input to Build (spec.md section 4.5:
	// "{envelope, canonicalPolicies, capabilitySnapshot, plannerDraft,
	// graphContext?}").
	BuildRequest struct {
		RunID    string
		Envelope envelope.Envelope
		Policies runpolicy.Canonical
		Registry capability.Registry
		Draft    planner.PlannerDraft
		Graph    *planner.GraphContext
		Catalog  *facet.Catalog
	}
)

var idSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_]+`)

func sanitizeBase(s string) string {
	s = idSanitizer.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if s == "" {
		return "node"
	}
	return strings.ToLower(s)
}

func baseFor(n planner.DraftNode) string {
	switch {
	case n.CapabilityID != "":
		return sanitizeBase(n.CapabilityID)
	case n.Stage != "":
		return sanitizeBase(n.Stage)
	case n.Label != "":
		return sanitizeBase(n.Label)
	default:
		return sanitizeBase(n.Kind)
	}
}

// Build assembles a FlexPlan from a validated PlannerDraft.
func Build(ctx context.Context, req BuildRequest) (*FlexPlan, error) {
	hints := deriveScenarioHints(req)

	available := map[string]struct{}{}
	for k := range req.Envelope.Inputs {
		available[k] = struct{}{}
	}

	nodes := make([]Node, 0, len(req.Draft.Nodes))
	for i, dn := range req.Draft.Nodes {
		var rec capability.Record
		var hasRec bool
		if dn.CapabilityID != "" {
			r, ok, err := req.Registry.Lookup(ctx, dn.CapabilityID)
			if err != nil {
				return nil, fmt.Errorf("plan: lookup capability %q: %w", dn.CapabilityID, err)
			}
			if !ok && dn.Kind == "execution" {
				return nil, &capability.ErrCapabilityNotFound{CapabilityID: dn.CapabilityID}
			}
			rec, hasRec = r, ok
		}

		inputFacets := unionFacets(recFacets(hasRec, rec.InputFacets), dn.InputFacets)
		outputFacets := unionFacets(recFacets(hasRec, rec.OutputFacets), dn.OutputFacets)

		var missing []string
		for _, f := range inputFacets {
			if _, ok := available[f]; !ok {
				missing = append(missing, f)
			}
		}

		compiled := req.Catalog.Compile(inputFacets, outputFacets)
		contract := resolveOutputContract(dn, rec, hasRec, compiled.Contract, req.Envelope, req.Catalog)

		id := fmt.Sprintf("%s_%d", baseFor(dn), i+1)
		node := Node{
			ID:            id,
			Kind:          dn.Kind,
			CapabilityID:  dn.CapabilityID,
			Label:         dn.Label,
			Stage:         dn.Stage,
			InputFacets:   inputFacets,
			OutputFacets:  outputFacets,
			MissingFacets: missing,
			Contract:      contract,
			Rationale:     dn.Rationale,
			Routing:       dn.Routing,
		}
		nodes = append(nodes, node)

		for _, f := range outputFacets {
			available[f] = struct{}{}
		}
	}

	branchCount := injectBranchNodes(&nodes, req)
	normalizationAdded := injectNormalizationNode(&nodes, req)
	injectFallbackNode(&nodes)

	edges := buildEdges(nodes)

	hasTransformation := 0
	for _, n := range nodes {
		if n.Kind == "transformation" {
			hasTransformation = 1
			break
		}
	}
	derived := 1 // the fallback node is always derived
	if normalizationAdded {
		derived++
	}
	version := 1 + branchCount + derived + hasTransformation
	if req.Graph != nil && version <= req.Graph.PreviousVersion {
		version = req.Graph.PreviousVersion + 1
	}

	return &FlexPlan{
		RunID:         req.RunID,
		Version:       version,
		Nodes:         nodes,
		Edges:         edges,
		ScenarioHints: hints,
	}, nil
}

// LastNodeSingleOutputFacet satisfies runcontext.LastNodeOutputFacet: it
// names the last non-fallback node's output facet when that node
// declares exactly one, used as ComposeFinalOutput's json_schema
// fallback rule (spec.md section 4.3).
func (p *FlexPlan) LastNodeSingleOutputFacet() (string, bool) {
	for i := len(p.Nodes) - 1; i >= 0; i-- {
		n := p.Nodes[i]
		if n.Kind == "fallback" {
			continue
		}
		if len(n.OutputFacets) == 1 {
			return n.OutputFacets[0], true
		}
		return "", false
	}
	return "", false
}

func recFacets(hasRec bool, facets []string) []string {
	if !hasRec {
		return nil
	}
	return facets
}

func unionFacets(a, b []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(a)+len(b))
	for _, f := range append(append([]string{}, a...), b...) {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

// resolveOutputContract applies the precedence from spec.md section 4.5:
// capability output contract > compiled facet contract > freeform default,
// overridden for transformation nodes by the envelope's own output
// contract.
func resolveOutputContract(dn planner.DraftNode, rec capability.Record, hasRec bool, compiled *facet.Contract, env envelope.Envelope, catalog *facet.Catalog) *facet.Contract {
	if dn.Kind == "transformation" {
		return envelopeOutputContract(env, catalog)
	}
	if hasRec && rec.OutputContract != nil {
		return &facet.Contract{Schema: rec.OutputContract}
	}
	if compiled != nil && len(compiled.Provenance) > 0 {
		return compiled
	}
	return &facet.Contract{Schema: map[string]any{
		"type":        "freeform",
		"description": "Produce output consistent with downstream expectations.",
	}}
}

func envelopeOutputContract(env envelope.Envelope, catalog *facet.Catalog) *facet.Contract {
	switch env.OutputContract.Mode {
	case envelope.OutputContractJSONSchema:
		return &facet.Contract{Schema: env.OutputContract.Schema}
	case envelope.OutputContractFacets:
		result := catalog.Compile(nil, env.OutputContract.Facets)
		return result.Contract
	default:
		return &facet.Contract{Schema: map[string]any{
			"type":        "freeform",
			"description": env.OutputContract.Instructions,
		}}
	}
}

// injectBranchNodes inserts branch nodes before the first execution node,
// sourced from the planner's branchRequests or, failing that, from the
// envelope's legacy branchVariants|variantStrategies|preExecutionBranches
// policy fields (spec.md section 4.5 step 4).
func injectBranchNodes(nodes *[]Node, req BuildRequest) int {
	requests := req.Draft.BranchRequests
	if len(requests) == 0 {
		requests = legacyBranchRequests(req.Envelope.Policies)
	}
	if len(requests) == 0 {
		return 0
	}

	insertAt := len(*nodes)
	for i, n := range *nodes {
		if n.Kind == "execution" {
			insertAt = i
			break
		}
	}

	branches := make([]Node, 0, len(requests))
	for i, label := range requests {
		branches = append(branches, Node{
			ID:    fmt.Sprintf("branch_%d", i+1),
			Kind:  "branch",
			Label: label,
		})
	}

	merged := make([]Node, 0, len(*nodes)+len(branches))
	merged = append(merged, (*nodes)[:insertAt]...)
	merged = append(merged, branches...)
	merged = append(merged, (*nodes)[insertAt:]...)
	*nodes = merged
	return len(branches)
}

func legacyBranchRequests(policies envelope.RawPolicies) []string {
	for _, key := range []string{"branchVariants", "variantStrategies", "preExecutionBranches"} {
		v, ok := policies[key]
		if !ok {
			continue
		}
		list, ok := v.([]any)
		if !ok {
			continue
		}
		var out []string
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return nil
}

// injectNormalizationNode appends a transformation node when the final
// output contract is json_schema and the last execution node's output
// schema is not a structural subset of it (spec.md section 4.5 step 4).
func injectNormalizationNode(nodes *[]Node, req BuildRequest) bool {
	if req.Envelope.OutputContract.Mode != envelope.OutputContractJSONSchema {
		return false
	}
	var last *Node
	for i := range *nodes {
		if (*nodes)[i].Kind == "execution" {
			last = &(*nodes)[i]
		}
	}
	if last == nil || last.Contract == nil {
		return false
	}
	if IsSchemaSubset(last.Contract.Schema, req.Envelope.OutputContract.Schema) {
		return false
	}
	*nodes = append(*nodes, Node{
		ID:       fmt.Sprintf("normalize_%d", len(*nodes)+1),
		Kind:     "transformation",
		Contract: &facet.Contract{Schema: req.Envelope.OutputContract.Schema},
	})
	return true
}

// injectFallbackNode appends a fallback node if the draft declared none
// (spec.md section 4.5 step 4).
func injectFallbackNode(nodes *[]Node) {
	for _, n := range *nodes {
		if n.Kind == "fallback" {
			return
		}
	}
	*nodes = append(*nodes, Node{
		ID:   fmt.Sprintf("fallback_%d", len(*nodes)+1),
		Kind: "fallback",
		Contract: &facet.Contract{Schema: map[string]any{
			"type":        "freeform",
			"description": "Document HITL escalation decision and context.",
		}},
		FallbackTarget: "hitl",
	})
}

// buildEdges builds the sequential chain plus explicit routing edges
// (spec.md section 4.5 step 5).
func buildEdges(nodes []Node) []Edge {
	var edges []Edge
	for i := 0; i+1 < len(nodes); i++ {
		edges = append(edges, Edge{From: nodes[i].ID, To: nodes[i+1].ID, Reason: "sequence"})
	}
	for _, n := range nodes {
		if n.Routing == nil {
			continue
		}
		for _, route := range n.Routing.Routes {
			edges = append(edges, Edge{From: n.ID, To: route.To, Reason: "route", Condition: route.Condition})
		}
		if n.Routing.ElseTo != "" {
			edges = append(edges, Edge{From: n.ID, To: n.Routing.ElseTo, Reason: "else"})
		}
	}
	return edges
}

// IsSchemaSubset implements spec.md section 4.5.1's recursive subset rule:
// true iff every declared constraint of target is satisfied by source —
// if target.type is set it matches; every key in target.required appears
// in source.required; every target.properties[k] has a corresponding,
// itself-subset source.properties[k]; array items are a subset; and
// target's minItems/maxItems bounds are at least as tight as source's.
func IsSchemaSubset(source, target map[string]any) bool {
	if source == nil || target == nil {
		return source == nil && target == nil
	}
	if tt, ok := target["type"]; ok {
		if st, ok := source["type"]; !ok || st != tt {
			return false
		}
	}
	for _, req := range stringList(target["required"]) {
		if !containsString(stringList(source["required"]), req) {
			return false
		}
	}
	targetProps, _ := target["properties"].(map[string]any)
	sourceProps, _ := source["properties"].(map[string]any)
	for k, tv := range targetProps {
		tvMap, ok := tv.(map[string]any)
		if !ok {
			continue
		}
		sv, ok := sourceProps[k]
		if !ok {
			return false
		}
		svMap, ok := sv.(map[string]any)
		if !ok {
			return false
		}
		if !IsSchemaSubset(svMap, tvMap) {
			return false
		}
	}
	if tItems, ok := target["items"].(map[string]any); ok {
		sItems, ok := source["items"].(map[string]any)
		if !ok || !IsSchemaSubset(sItems, tItems) {
			return false
		}
	}
	if !boundAtLeastAsTight(source["minItems"], target["minItems"], true) {
		return false
	}
	if !boundAtLeastAsTight(source["maxItems"], target["maxItems"], false) {
		return false
	}
	return true
}

// boundAtLeastAsTight reports whether target's bound is at least as tight
// as source's: for a lower bound (floor, min) target must be >= source;
// for an upper bound (ceiling, max) target must be <= source. Absent
// target bounds impose no constraint.
func boundAtLeastAsTight(source, target any, floor bool) bool {
	tv, ok := asFloat(target)
	if !ok {
		return true
	}
	sv, ok := asFloat(source)
	if !ok {
		sv = 0
	}
	if floor {
		return tv >= sv
	}
	return tv <= sv
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

func stringList(v any) []string {
	list, ok := v.([]any)
	if !ok {
		if s, ok := v.([]string); ok {
			return s
		}
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// deriveScenarioHints builds the scenario-hints map (spec.md section 4.5
// step 1: "channel, platform, formats, variant count, tags"), merging the
// draft's own hints over envelope-derived ones.
func deriveScenarioHints(req BuildRequest) map[string]any {
	hints := map[string]any{}
	for _, key := range []string{"channel", "platform", "formats", "tags"} {
		if v, ok := req.Envelope.Inputs[key]; ok {
			hints[key] = v
		}
	}
	if req.Policies.Planner.Topology.VariantCount > 0 {
		hints["variantCount"] = req.Policies.Planner.Topology.VariantCount
	}
	for k, v := range req.Draft.ScenarioHints {
		hints[k] = v
	}
	return hints
}
