// Package exec implements the Execution Engine (spec.md component C8): the
// per-node scheduler that walks a FlexPlan in order, dispatching routing,
// human-assigned, and capability-invoking nodes, enforcing post-conditions
// and runtime policies, and gating completion on goal conditions. Grounded
// on runtime/agents/runtime/workflow.go's runLoop -- a sequential per-item
// dispatch loop that persists state and publishes events between every
// step -- generalized here from a flat tool-call loop over a single agent
// to a topological node-kind dispatch loop over a FlexPlan.
package exec

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/flexrun/orchestrator/capability"
	"github.com/flexrun/orchestrator/condition"
	"github.com/flexrun/orchestrator/envelope"
	"github.com/flexrun/orchestrator/facet"
	"github.com/flexrun/orchestrator/flexerr"
	"github.com/flexrun/orchestrator/plan"
	"github.com/flexrun/orchestrator/runcontext"
	"github.com/flexrun/orchestrator/runpolicy"
)

// triggerOnPostConditionFailed is the onPostConditionFailed trigger kind
// (spec.md section 4.6.1). It lives here rather than in package runpolicy
// because post-condition matching is an Execution Engine concern: the
// Normalizer only canonicalizes trigger conditions, it never interprets
// trigger kinds.
const triggerOnPostConditionFailed runpolicy.TriggerKind = "onPostConditionFailed"

type (
	// EventType discriminates a node-level event the Execution Engine
	// emits during dispatch. These are the node-scoped subset of spec.md
	// section 4.7's exhaustive event list -- the Run Coordinator owns
	// run-scoped events (start, plan_*, complete, hitl_*) and enriches
	// every event with timestamp/runId/planVersion before it reaches the
	// sink.
	EventType string

	// Event is one node-level occurrence raised by Execute.
	Event struct {
		Type    EventType
		NodeID  string
		Payload map[string]any
	}

	// Emitter publishes Execute's node-level events. A nil Emitter is
	// valid: events are simply dropped, which keeps the engine usable in
	// tests without a sink.
	Emitter interface {
		Emit(ctx context.Context, evt Event) error
	}

	// NodeUpdate is one node's persisted state transition.
	NodeUpdate struct {
		Status      string
		Output      map[string]any
		Err         string
		StartedAt   time.Time
		CompletedAt time.Time
	}

	// Recorder persists per-node state transitions (spec.md section 4.8's
	// markNode). A nil Recorder is valid for the same reason as Emitter.
	Recorder interface {
		MarkNode(ctx context.Context, runID, nodeID string, update NodeUpdate) error
	}

	// RunState is the Execution Engine's resumable bookkeeping for one
	// run: which nodes are already settled, and how many times each
	// post-condition retry key has been attempted. The Run Coordinator
	// persists and rehydrates this across replans and process restarts.
	RunState struct {
		CompletedNodeIDs map[string]bool
		SkippedNodeIDs   map[string]bool
		PolicyAttempts   map[string]int
		BufferedEmits    []Event
	}

	// ExecuteRequest is the input to Engine.Execute.
	ExecuteRequest struct {
		RunID      string
		Plan       *plan.FlexPlan
		Envelope   envelope.Envelope
		Policies   runpolicy.Canonical
		RunContext *runcontext.Context
		State      *RunState
		Emit       Emitter
		Record     Recorder
	}

	// Engine is the Execution Engine. It is stateless across runs: all
	// per-run state lives in ExecuteRequest.RunContext and
	// ExecuteRequest.State.
	Engine struct {
		Registry capability.Registry
		Runtime  capability.Runtime
		// Now is overridable for deterministic tests; defaults to
		// time.Now.
		Now func() time.Time
	}

	planNodeAdapter struct{ node *plan.Node }

	postConditionFailure struct {
		Condition envelope.FacetCondition
	}

	// postConditionResult reports one post-condition's pass/fail outcome
	// for a single capability invocation, surfaced on both the
	// policy_triggered retry event and the node's eventual node_complete
	// event (spec.md section 4.6.1).
	postConditionResult struct {
		Path      string `json:"path"`
		Satisfied bool   `json:"satisfied"`
	}

	postConditionOutcome int
)

const (
	EventNodeStart         EventType = "node_start"
	EventNodeComplete      EventType = "node_complete"
	EventNodeAwaitingHuman EventType = "node_awaiting_human"
	EventPolicyTriggered   EventType = "policy_triggered"
)

const (
	outcomeRetry postConditionOutcome = iota
	outcomeAccept
)

// NewRunState returns an empty, ready-to-use RunState.
func NewRunState() *RunState {
	return &RunState{
		CompletedNodeIDs: map[string]bool{},
		SkippedNodeIDs:   map[string]bool{},
		PolicyAttempts:   map[string]int{},
	}
}

// New builds an Execution Engine over registry (capability lookups) and
// runtime (capability invocation).
func New(registry capability.Registry, runtime capability.Runtime) *Engine {
	return &Engine{Registry: registry, Runtime: runtime, Now: time.Now}
}

func (a planNodeAdapter) ID() string             { return a.node.ID }
func (a planNodeAdapter) CapabilityID() string   { return a.node.CapabilityID }
func (a planNodeAdapter) OutputFacets() []string { return a.node.OutputFacets }

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Execute walks req.Plan's nodes in order (skipping nodes already
// completed or skipped in req.State), dispatching each by kind per
// spec.md section 4.6. On success it returns the composed and validated
// final output. On a control-flow signal it returns one of flexerr's
// error types (ReplanRequestedError, HitlPauseError,
// AwaitingHumanInputError, RuntimePolicyFailureError,
// GoalConditionFailedError, FlexValidationError); the caller (the Run
// Coordinator) is expected to type-switch on the returned error.
func (e *Engine) Execute(ctx context.Context, req ExecuteRequest) (map[string]any, error) {
	state := req.State
	if state == nil {
		state = NewRunState()
	}
	req.State = state

	p := req.Plan
	skipUntil := ""

	for i := range p.Nodes {
		node := &p.Nodes[i]

		arrivedViaRoute := false
		if skipUntil != "" {
			if node.ID == skipUntil {
				skipUntil = ""
				arrivedViaRoute = true
			} else {
				if !state.SkippedNodeIDs[node.ID] {
					state.SkippedNodeIDs[node.ID] = true
					if err := e.markNode(ctx, req, node.ID, NodeUpdate{Status: "skipped"}); err != nil {
						return nil, err
					}
				}
				continue
			}
		}

		if state.CompletedNodeIDs[node.ID] || state.SkippedNodeIDs[node.ID] {
			continue
		}

		// The fallback node is the plan's standing escalation target, not
		// a normal step: the Plan Builder appends it to every plan whether
		// or not anything routes there. Reaching it by plain sequential
		// fallthrough only pauses the run when the caller asked for HITL
		// approval before completion; otherwise it's a no-op tail and the
		// run proceeds to goal evaluation. A routing node's elseTo/route
		// target still dispatches it unconditionally.
		if node.Kind == "fallback" && !arrivedViaRoute && !req.Envelope.Constraints.RequiresHitlApproval {
			state.SkippedNodeIDs[node.ID] = true
			if err := e.markNode(ctx, req, node.ID, NodeUpdate{Status: "skipped"}); err != nil {
				return nil, err
			}
			continue
		}

		if err := e.emit(ctx, req, Event{Type: EventNodeStart, NodeID: node.ID}); err != nil {
			return nil, err
		}
		if err := e.markNode(ctx, req, node.ID, NodeUpdate{Status: "running", StartedAt: e.now()}); err != nil {
			return nil, err
		}

		switch node.Kind {
		case "routing":
			target, err := e.dispatchRouting(ctx, req, node)
			if err != nil {
				return nil, err
			}
			state.CompletedNodeIDs[node.ID] = true
			if target != "" {
				ahead := false
				for _, later := range p.Nodes[i+1:] {
					if later.ID == target {
						ahead = true
						break
					}
				}
				if !ahead {
					// Reaching a target at or before this node would mean
					// executing backward in plan order.
					return nil, &flexerr.ReplanRequestedError{Reason: "routing_backward_target", NodeID: node.ID}
				}
				skipUntil = target
			}
			continue
		case "fallback":
			if err := e.markNode(ctx, req, node.ID, NodeUpdate{Status: "awaiting_hitl"}); err != nil {
				return nil, err
			}
			return nil, &flexerr.HitlPauseError{
				RequestID: fmt.Sprintf("%s:%s", req.RunID, node.ID),
				NodeID:    node.ID,
				Reason:    "fallback escalation",
			}
		}

		if human, capID, assignedTo := e.humanAssignment(ctx, node); human {
			if err := e.emit(ctx, req, Event{Type: EventNodeAwaitingHuman, NodeID: node.ID}); err != nil {
				return nil, err
			}
			if err := e.markNode(ctx, req, node.ID, NodeUpdate{Status: "awaiting_human"}); err != nil {
				return nil, err
			}
			return nil, &flexerr.AwaitingHumanInputError{NodeID: node.ID, CapabilityID: capID, AssignedTo: assignedTo}
		}

		output, pcResults, err := e.dispatchCapability(ctx, req, node, state)
		if err != nil {
			return nil, err
		}

		req.RunContext.UpdateFromNode(planNodeAdapter{node}, output, e.now())

		if err := e.evaluateOnNodeComplete(req, node, state); err != nil {
			return nil, err
		}

		if err := e.validateOutput(node, output); err != nil {
			return nil, err
		}

		state.CompletedNodeIDs[node.ID] = true
		if err := e.markNode(ctx, req, node.ID, NodeUpdate{Status: "completed", Output: output, CompletedAt: e.now()}); err != nil {
			return nil, err
		}
		completePayload := map[string]any{"output": output}
		if len(pcResults) > 0 {
			completePayload["postConditionResults"] = pcResults
		}
		if err := e.emit(ctx, req, Event{Type: EventNodeComplete, NodeID: node.ID, Payload: completePayload}); err != nil {
			return nil, err
		}
	}

	if err := e.evaluateGoalConditions(req); err != nil {
		return nil, err
	}

	final := req.RunContext.ComposeFinalOutput(req.Envelope.OutputContract, p)
	if err := e.validateFinalOutput(req.Envelope.OutputContract, final); err != nil {
		return nil, err
	}
	return final, nil
}

func (e *Engine) emit(ctx context.Context, req ExecuteRequest, evt Event) error {
	if req.Emit == nil {
		return nil
	}
	return req.Emit.Emit(ctx, evt)
}

func (e *Engine) markNode(ctx context.Context, req ExecuteRequest, nodeID string, update NodeUpdate) error {
	if req.Record == nil {
		return nil
	}
	return req.Record.MarkNode(ctx, req.RunID, nodeID, update)
}

// dispatchRouting evaluates a routing node's routes in order and returns
// the selected target id, or raises ReplanRequestedError when no route
// matches and no elseTo is set (spec.md section 4.6).
func (e *Engine) dispatchRouting(ctx context.Context, req ExecuteRequest, node *plan.Node) (string, error) {
	payload := conditionPayload(req.RunContext)

	var target, resolution string
	if node.Routing != nil {
		for _, route := range node.Routing.Routes {
			matched, err := evaluateRouteCondition(route.Condition, payload)
			if err != nil {
				return "", &flexerr.FlexValidationError{Stage: "routing_condition", NodeID: node.ID, Errors: []string{err.Error()}}
			}
			if matched {
				target, resolution = route.To, "match"
				break
			}
		}
		if resolution == "" && node.Routing.ElseTo != "" {
			target, resolution = node.Routing.ElseTo, "else"
		}
	}

	if resolution == "" {
		_ = e.markNode(ctx, req, node.ID, NodeUpdate{Status: "completed", CompletedAt: e.now()})
		_ = e.emit(ctx, req, Event{Type: EventNodeComplete, NodeID: node.ID, Payload: map[string]any{
			"routingResult": map[string]any{"resolution": "replan"},
		}})
		return "", &flexerr.ReplanRequestedError{Reason: "routing_no_match", NodeID: node.ID}
	}

	if err := e.markNode(ctx, req, node.ID, NodeUpdate{Status: "completed", CompletedAt: e.now()}); err != nil {
		return "", err
	}
	if err := e.emit(ctx, req, Event{Type: EventNodeComplete, NodeID: node.ID, Payload: map[string]any{
		"routingResult": map[string]any{"selectedTarget": target, "resolution": resolution},
	}}); err != nil {
		return "", err
	}
	return target, nil
}

func evaluateRouteCondition(expr string, payload map[string]any) (bool, error) {
	if strings.TrimSpace(expr) == "" {
		return false, nil
	}
	parsed, err := condition.ParseDsl(expr, nil)
	if err != nil {
		return false, err
	}
	result, err := condition.EvaluateCondition(parsed.JSONLogic, payload)
	if err != nil {
		return false, err
	}
	return result.Result, nil
}

// conditionPayload builds the {metadata.runContextSnapshot, node.metadata,
// facets} payload routing and runtime-policy conditions evaluate against
// (spec.md section 4.6). node.metadata is always empty: FlexPlan nodes do
// not carry arbitrary planner metadata beyond what Node already exposes as
// typed fields.
func conditionPayload(rc *runcontext.Context) map[string]any {
	snap := rc.Snapshot()
	facets := map[string]any{}
	for name, f := range snap.Facets {
		facets[name] = f.Value
	}
	return map[string]any{
		"metadata": map[string]any{"runContextSnapshot": facets},
		"node":     map[string]any{"metadata": map[string]any{}},
		"facets":   facets,
	}
}

// humanAssignment reports whether node's capability is agentType=human.
func (e *Engine) humanAssignment(ctx context.Context, node *plan.Node) (human bool, capabilityID, assignedTo string) {
	if node.CapabilityID == "" {
		return false, "", ""
	}
	rec, ok, err := e.Registry.Lookup(ctx, node.CapabilityID)
	if err != nil || !ok || rec.AgentType != capability.AgentTypeHuman {
		return false, node.CapabilityID, ""
	}
	if v, ok := rec.AssignmentDefaults["assignedTo"].(string); ok {
		assignedTo = v
	}
	return true, node.CapabilityID, assignedTo
}

// dispatchCapability invokes node's capability, retrying under
// post-condition guidance per spec.md section 4.6.1 until the output
// passes, the retry budget is exhausted, or a runtime policy terminates
// the attempt. The returned postConditionResult slice reflects the
// accepted invocation's post-condition outcomes, for the caller's
// node_complete event.
func (e *Engine) dispatchCapability(ctx context.Context, req ExecuteRequest, node *plan.Node, state *RunState) (map[string]any, []postConditionResult, error) {
	var guidance []string
	for {
		invReq := e.buildInvokeRequest(req, node, guidance)
		result, err := e.Runtime.Invoke(ctx, invReq)
		if err != nil {
			return nil, nil, err
		}
		output := result.Output

		results, failure, err := e.checkPostConditions(ctx, node, output)
		if err != nil {
			return nil, nil, err
		}
		if failure == nil {
			return output, results, nil
		}

		outcome, nextGuidance, err := e.handlePostConditionFailure(req, node, *failure, results, state)
		if err != nil {
			return nil, nil, err
		}
		if outcome == outcomeAccept {
			return output, results, nil
		}
		guidance = append(guidance, nextGuidance)
	}
}

func (e *Engine) buildInvokeRequest(req ExecuteRequest, node *plan.Node, guidance []string) capability.InvokeRequest {
	snap := req.RunContext.Snapshot()
	inputs := map[string]any{}
	for _, f := range node.InputFacets {
		if fv, ok := snap.Facets[f]; ok {
			inputs[f] = fv.Value
		}
	}

	instructions := append([]string{}, req.Envelope.SpecialInstructions...)
	instructions = append(instructions, node.Rationale...)
	instructions = append(instructions, guidance...)

	var contractSchema map[string]any
	if node.Contract != nil {
		contractSchema = node.Contract.Schema
	}

	facets := map[string]any{}
	for _, f := range node.InputFacets {
		facets[f] = "input"
	}
	for _, f := range node.OutputFacets {
		facets[f] = "output"
	}

	return capability.InvokeRequest{
		RunID:        req.RunID,
		NodeID:       node.ID,
		CapabilityID: node.CapabilityID,
		Objective:    req.Envelope.Objective,
		Instructions: instructions,
		Inputs:       inputs,
		Policies:     req.Policies.ToRaw(),
		Contract:     contractSchema,
		Facets:       facets,
		Metadata: map[string]any{
			"stage": node.Stage,
			"label": node.Label,
		},
	}
}

// checkPostConditions evaluates every one of a capability's declared
// post-conditions against the facet snippet located by each condition's
// path within output (spec.md section 4.6.1), returning a result per
// condition plus the first failing one, if any.
func (e *Engine) checkPostConditions(ctx context.Context, node *plan.Node, output map[string]any) ([]postConditionResult, *postConditionFailure, error) {
	if node.CapabilityID == "" {
		return nil, nil, nil
	}
	rec, ok, err := e.Registry.Lookup(ctx, node.CapabilityID)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, nil
	}
	var results []postConditionResult
	var failure *postConditionFailure
	for _, pc := range rec.PostConditions {
		snippet, found := output[pc.Facet]
		if !found {
			snippet = output
		}
		value, _ := resolveJSONPointer(snippet, pc.Path)

		logic, err := resolveLogic(pc.JSONLogic, pc.DSL)
		if err != nil {
			return nil, nil, err
		}
		result, err := condition.EvaluateCondition(logic, map[string]any{"value": value})
		if err != nil {
			return nil, nil, err
		}
		results = append(results, postConditionResult{Path: pc.Path, Satisfied: result.Result})
		if !result.Result && failure == nil {
			pcCopy := pc
			failure = &postConditionFailure{Condition: pcCopy}
		}
	}
	return results, failure, nil
}

// handlePostConditionFailure implements spec.md section 4.6.1's retry and
// policy-action resolution for one failed post-condition.
func (e *Engine) handlePostConditionFailure(req ExecuteRequest, node *plan.Node, failure postConditionFailure, results []postConditionResult, state *RunState) (postConditionOutcome, string, error) {
	policy, maxRetries, found := findPostConditionPolicy(req.Policies, node.CapabilityID)
	if !found {
		return 0, "", &flexerr.RuntimePolicyFailureError{
			Message: fmt.Sprintf("post-condition failed at node %q path %q with no matching runtime policy", node.ID, failure.Condition.Path),
		}
	}

	key := node.ID + "|" + failure.Condition.Path
	attempts := state.PolicyAttempts[key]
	if attempts < maxRetries {
		state.PolicyAttempts[key] = attempts + 1
		state.BufferedEmits = append(state.BufferedEmits, Event{
			Type:   EventPolicyTriggered,
			NodeID: node.ID,
			Payload: map[string]any{
				"policyId":             policy.ID,
				"reason":               "post_condition_failed",
				"maxRetries":           maxRetries,
				"postConditionResults": results,
			},
		})
		return outcomeRetry, fmt.Sprintf("Previous post-condition failures: %s", failure.Condition.Path), nil
	}

	switch policy.Action.Type {
	case runpolicy.ActionReplan:
		return 0, "", &flexerr.ReplanRequestedError{Reason: "post_condition_failed", NodeID: node.ID}
	case runpolicy.ActionFail:
		return 0, "", &flexerr.RuntimePolicyFailureError{PolicyID: policy.ID, Message: policy.Action.Rationale}
	case runpolicy.ActionEmit:
		state.BufferedEmits = append(state.BufferedEmits, Event{
			Type:   EventPolicyTriggered,
			NodeID: node.ID,
			Payload: map[string]any{
				"policyId": policy.ID,
				"reason":   "post_condition_failed",
				"path":     failure.Condition.Path,
			},
		})
		return outcomeAccept, "", nil
	default:
		return 0, "", &flexerr.RuntimePolicyFailureError{PolicyID: policy.ID, Message: fmt.Sprintf("unknown action type %q", policy.Action.Type)}
	}
}

func findPostConditionPolicy(policies runpolicy.Canonical, capabilityID string) (runpolicy.RuntimePolicy, int, bool) {
	for _, p := range policies.Runtime {
		if !p.Enabled || p.Trigger.Kind != triggerOnPostConditionFailed {
			continue
		}
		if p.Trigger.Selector.CapabilityID != "" && p.Trigger.Selector.CapabilityID != capabilityID {
			continue
		}
		return p, p.Action.MaxRetries, true
	}
	return runpolicy.RuntimePolicy{}, 0, false
}

// evaluateOnNodeComplete applies the Policy Normalizer's onNodeComplete
// matching to the just-completed node (spec.md section 4.6.2).
func (e *Engine) evaluateOnNodeComplete(req ExecuteRequest, node *plan.Node, state *RunState) error {
	view := runpolicy.NodeView{
		CapabilityID: node.CapabilityID,
		NodeID:       node.ID,
		Kind:         node.Kind,
		Projection:   conditionPayload(req.RunContext),
	}
	effect, err := runpolicy.EvaluateRuntimeEffect(req.Policies.Runtime, view)
	if err != nil {
		return err
	}
	switch effect.Kind {
	case runpolicy.EffectReplan:
		return &flexerr.ReplanRequestedError{Reason: "runtime_policy", NodeID: node.ID}
	case runpolicy.EffectAction:
		switch effect.Policy.Action.Type {
		case runpolicy.ActionFail:
			return &flexerr.RuntimePolicyFailureError{PolicyID: effect.Policy.ID, Message: effect.Policy.Action.Rationale}
		case runpolicy.ActionEmit:
			state.BufferedEmits = append(state.BufferedEmits, Event{
				Type:    EventPolicyTriggered,
				NodeID:  node.ID,
				Payload: map[string]any{"policyId": effect.Policy.ID, "reason": "on_node_complete"},
			})
		}
	}
	return nil
}

// validateOutput validates a node's output against its compiled contract,
// unless the contract is the freeform default sentinel (spec.md section
// 4.6: "if json_schema").
func (e *Engine) validateOutput(node *plan.Node, output map[string]any) error {
	if node.Contract == nil || node.Contract.Schema == nil {
		return nil
	}
	if t, _ := node.Contract.Schema["type"].(string); t == "freeform" {
		return nil
	}
	if err := facet.ValidateJSONSchema(node.Contract.Schema, output); err != nil {
		return &flexerr.FlexValidationError{Stage: "node_output", NodeID: node.ID, Errors: []string{err.Error()}}
	}
	return nil
}

// evaluateGoalConditions implements spec.md section 4.6.3: after the plan
// finishes, every envelope.goal_condition is evaluated against the Run
// Context snapshot.
func (e *Engine) evaluateGoalConditions(req ExecuteRequest) error {
	if len(req.Envelope.GoalCondition) == 0 {
		return nil
	}
	snap := req.RunContext.Snapshot()

	var results, failed []flexerr.GoalConditionResult
	for _, gc := range req.Envelope.GoalCondition {
		result := flexerr.GoalConditionResult{Facet: gc.Facet, Path: gc.Path, Expression: gc.Canonical}

		f, ok := snap.Facets[gc.Facet]
		if !ok {
			result.Error = fmt.Sprintf("facet %q not present", gc.Facet)
			results = append(results, result)
			failed = append(failed, result)
			continue
		}
		value, resolved := resolveJSONPointer(f.Value, gc.Path)
		if !resolved {
			result.Error = fmt.Sprintf("path %q not resolvable on facet %q", gc.Path, gc.Facet)
			results = append(results, result)
			failed = append(failed, result)
			continue
		}

		logic, err := resolveLogic(gc.JSONLogic, gc.DSL)
		if err != nil {
			result.Error = err.Error()
			results = append(results, result)
			failed = append(failed, result)
			continue
		}
		evalResult, err := condition.EvaluateCondition(logic, map[string]any{"value": value})
		if err != nil {
			result.Error = err.Error()
			results = append(results, result)
			failed = append(failed, result)
			continue
		}

		result.Satisfied = evalResult.Result
		result.ObservedValue = value
		results = append(results, result)
		if !evalResult.Result {
			failed = append(failed, result)
		}
	}

	if len(failed) > 0 {
		return &flexerr.GoalConditionFailedError{
			Results:           results,
			Failed:            failed,
			ProvisionalOutput: req.RunContext.ComposeFinalOutput(req.Envelope.OutputContract, req.Plan),
		}
	}
	return nil
}

func (e *Engine) validateFinalOutput(contract envelope.OutputContract, output map[string]any) error {
	if contract.Mode != envelope.OutputContractJSONSchema || contract.Schema == nil {
		return nil
	}
	if err := facet.ValidateJSONSchema(contract.Schema, output); err != nil {
		return &flexerr.FlexValidationError{Stage: "final_output", Errors: []string{err.Error()}}
	}
	return nil
}

// resolveLogic prefers a precompiled JSON-Logic document, falling back to
// parsing dsl when absent. A nil catalog is passed to ParseDsl: by the
// time a condition reaches the Execution Engine it has already been
// validated once during envelope/policy normalization.
func resolveLogic(logic any, dsl string) (any, error) {
	if logic != nil {
		return logic, nil
	}
	if dsl == "" {
		return nil, nil
	}
	parsed, err := condition.ParseDsl(dsl, nil)
	if err != nil {
		return nil, err
	}
	return parsed.JSONLogic, nil
}

// resolveJSONPointer walks a JSON-Pointer-style path ("/a/b/0") into data.
// An empty or "/" pointer returns data itself.
func resolveJSONPointer(data any, pointer string) (any, bool) {
	if pointer == "" || pointer == "/" {
		return data, true
	}
	segments := strings.Split(strings.TrimPrefix(pointer, "/"), "/")
	cur := data
	for _, seg := range segments {
		switch v := cur.(type) {
		case map[string]any:
			val, ok := v[seg]
			if !ok {
				return nil, false
			}
			cur = val
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			cur = v[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}
