// Package runpolicy implements the Policy Normalizer (spec.md component
// C4): folding legacy and canonical envelope.policies shapes into a single
// canonical RuntimePolicy set, canonicalizing runtime conditions through
// package condition, and evaluating onNodeComplete/onStart effects.
// Grounded on features/policy/basic/engine.go's Options/New/Decide
// constructor-and-decision shape, generalized here from tool-call
// allow/deny filtering to replan-trigger evaluation. Named runpolicy
// (rather than policy) because the teacher's own runtime/agent/policy
// package already owns a different concern (tool-call policy) that this
// layer does not reuse (see DESIGN.md).
package runpolicy

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/flexrun/orchestrator/condition"
)

type (
	// TriggerKind discriminates a RuntimePolicy's trigger.
	TriggerKind string

	// ActionType discriminates a RuntimePolicy's action.
	ActionType string

	// Selector narrows which nodes a trigger applies to.
	Selector struct {
		CapabilityID string
		NodeID       string
		Kind         string
	}

	// Trigger is the condition under which a RuntimePolicy fires.
	Trigger struct {
		Kind      TriggerKind
		Selector  Selector
		DSL       string // authoritative when present
		JSONLogic any    // kept as-is when DSL is absent
		Canonical string
		Warnings  []string
		Variables []string
	}

	// Action is what a RuntimePolicy does when its trigger fires.
	Action struct {
		Type       ActionType
		Rationale  string
		MaxRetries int
	}

	// RuntimePolicy is one canonical runtime policy entry.
	RuntimePolicy struct {
		ID      string
		Enabled bool
		Trigger Trigger
		Action  Action
	}

	// PlannerPolicy carries planner-facing topology hints folded from
	// legacy fields (currently just variantCount).
	PlannerPolicy struct {
		Topology struct {
			VariantCount int
		}
	}

	// Canonical is the normalized output of Normalize.
	Canonical struct {
		Planner      PlannerPolicy
		Runtime      []RuntimePolicy
		LegacyNotes  []string
		LegacyFields []string
	}

	// PolicyValidationError reports a DSL condition that failed to parse
	// during normalization.
	PolicyValidationError struct {
		PolicyID string
		Err      error
	}
)

const (
	TriggerOnNodeComplete TriggerKind = "onNodeComplete"
	TriggerOnStart        TriggerKind = "onStart"
)

const (
	ActionReplan ActionType = "replan"
	ActionFail   ActionType = "fail"
	ActionEmit   ActionType = "emit"
)

func (e *PolicyValidationError) Error() string {
	return fmt.Sprintf("runpolicy: policy %q: %v", e.PolicyID, e.Err)
}

func (e *PolicyValidationError) Unwrap() error { return e.Err }

var idSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_]+`)

func sanitizeID(s string) string {
	s = idSanitizer.ReplaceAllString(s, "_")
	return strings.Trim(s, "_")
}

// ToRaw re-serializes a Canonical policy set back into the canonical
// {planner, runtime} map shape Normalize accepts, so a persisted
// canonicalPolicies document can be fed back through Normalize without
// re-triggering legacy folding (spec.md Testable Property 6: normalizer
// idempotence).
func (c *Canonical) ToRaw() map[string]any {
	runtime := make([]any, 0, len(c.Runtime))
	for _, p := range c.Runtime {
		trigger := map[string]any{
			"kind": string(p.Trigger.Kind),
			"selector": map[string]any{
				"capabilityId": p.Trigger.Selector.CapabilityID,
				"nodeId":       p.Trigger.Selector.NodeID,
				"kind":         p.Trigger.Selector.Kind,
			},
		}
		if p.Trigger.DSL != "" {
			trigger["dsl"] = p.Trigger.DSL
		} else if p.Trigger.JSONLogic != nil {
			trigger["jsonLogic"] = p.Trigger.JSONLogic
		}
		runtime = append(runtime, map[string]any{
			"id":      p.ID,
			"enabled": p.Enabled,
			"trigger": trigger,
			"action": map[string]any{
				"type":       string(p.Action.Type),
				"rationale":  p.Action.Rationale,
				"maxRetries": float64(p.Action.MaxRetries),
			},
		})
	}
	return map[string]any{
		"planner": map[string]any{
			"topology": map[string]any{"variantCount": float64(c.Planner.Topology.VariantCount)},
		},
		"runtime": runtime,
	}
}

// Normalize folds envelope.policies (canonical or legacy shaped) into a
// Canonical policy set, running every condition through the Condition
// Engine for canonicalization (spec.md section 4.4).
func Normalize(raw map[string]any, catalog *condition.Catalog) (*Canonical, error) {
	out := &Canonical{}

	if variantCount, ok := numericField(raw, "variantCount"); ok {
		out.Planner.Topology.VariantCount = int(variantCount)
		out.LegacyFields = append(out.LegacyFields, "variantCount")
		out.LegacyNotes = append(out.LegacyNotes, "variantCount folded into planner.topology.variantCount")
	}

	if plannerRaw, ok := raw["planner"].(map[string]any); ok {
		if vc, ok := numericField(plannerRaw, "variantCount"); ok {
			out.Planner.Topology.VariantCount = int(vc)
		} else if topo, ok := plannerRaw["topology"].(map[string]any); ok {
			if vc, ok := numericField(topo, "variantCount"); ok {
				out.Planner.Topology.VariantCount = int(vc)
			}
		}
	}

	if runtimeRaw, ok := raw["runtime"].([]any); ok {
		for _, item := range runtimeRaw {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			policy, err := canonicalizePolicy(m, catalog)
			if err != nil {
				return nil, err
			}
			out.Runtime = append(out.Runtime, *policy)
		}
	}

	legacy, err := foldLegacyDirectives(raw)
	if err != nil {
		return nil, err
	}
	out.Runtime = append(out.Runtime, legacy.policies...)
	out.LegacyFields = append(out.LegacyFields, legacy.fields...)
	out.LegacyNotes = append(out.LegacyNotes, legacy.notes...)

	return out, nil
}

func numericField(m map[string]any, key string) (float64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

func canonicalizePolicy(m map[string]any, catalog *condition.Catalog) (*RuntimePolicy, error) {
	id, _ := m["id"].(string)
	enabled := true
	if v, ok := m["enabled"].(bool); ok {
		enabled = v
	}

	trigRaw, _ := m["trigger"].(map[string]any)
	kind, _ := trigRaw["kind"].(string)
	selRaw, _ := trigRaw["selector"].(map[string]any)
	selector := Selector{
		CapabilityID: stringField(selRaw, "capabilityId"),
		NodeID:       stringField(selRaw, "nodeId"),
		Kind:         stringField(selRaw, "kind"),
	}

	trigger := Trigger{Kind: TriggerKind(kind), Selector: selector}
	if dsl, ok := trigRaw["dsl"].(string); ok && dsl != "" {
		result, err := condition.ParseDsl(dsl, catalog)
		if err != nil {
			return nil, &PolicyValidationError{PolicyID: id, Err: err}
		}
		trigger.DSL = dsl
		trigger.JSONLogic = result.JSONLogic
		trigger.Canonical = result.Canonical
		trigger.Warnings = result.Warnings
		trigger.Variables = result.Variables
	} else if logic, ok := trigRaw["jsonLogic"]; ok {
		trigger.JSONLogic = logic
		if canon, err := condition.ToDsl(logic, catalog); err == nil {
			trigger.Canonical = canon
		} else {
			trigger.Warnings = append(trigger.Warnings, fmt.Sprintf("could not canonicalize jsonLogic: %v", err))
		}
	}

	actionRaw, _ := m["action"].(map[string]any)
	action := Action{Type: ActionType(stringField(actionRaw, "type")), Rationale: stringField(actionRaw, "rationale")}
	if maxRetries, ok := numericField(actionRaw, "maxRetries"); ok {
		action.MaxRetries = int(maxRetries)
	}

	return &RuntimePolicy{ID: id, Enabled: enabled, Trigger: trigger, Action: action}, nil
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

type legacyResult struct {
	policies []RuntimePolicy
	fields   []string
	notes    []string
}

// foldLegacyDirectives coerces replanAfter / replan.after /
// triggerReplanAfter / policyTriggers into generated onNodeComplete
// replan policies (spec.md section 4.4).
func foldLegacyDirectives(raw map[string]any) (*legacyResult, error) {
	res := &legacyResult{}

	collect := func(fieldName string, directives []any) {
		if len(directives) == 0 {
			return
		}
		res.fields = append(res.fields, fieldName)
		res.notes = append(res.notes, fmt.Sprintf("%s folded into generated onNodeComplete replan policies", fieldName))
		for _, d := range directives {
			policy := legacyDirectiveToPolicy(d)
			if policy != nil {
				res.policies = append(res.policies, *policy)
			}
		}
	}

	collect("replanAfter", asList(raw["replanAfter"]))
	if replanRaw, ok := raw["replan"].(map[string]any); ok {
		collect("replan.after", asList(replanRaw["after"]))
	}
	collect("triggerReplanAfter", asList(raw["triggerReplanAfter"]))
	collect("policyTriggers", asList(raw["policyTriggers"]))

	return res, nil
}

func asList(v any) []any {
	switch t := v.(type) {
	case []any:
		return t
	case string:
		return []any{t}
	default:
		return nil
	}
}

// legacyDirectiveToPolicy coerces one legacy directive item into a runtime
// policy. Directive kinds: capability -> selector.capabilityId, node ->
// selector.nodeId, kind -> selector.kind, stage -> condition
// metadata.plannerStage == <value>.
func legacyDirectiveToPolicy(d any) *RuntimePolicy {
	var kind, value string
	switch t := d.(type) {
	case string:
		kind, value = "capability", t
	case map[string]any:
		for _, k := range []string{"capability", "node", "kind", "stage"} {
			if v, ok := t[k].(string); ok && v != "" {
				kind, value = k, v
				break
			}
		}
	default:
		return nil
	}
	if kind == "" {
		return nil
	}

	id := fmt.Sprintf("legacy_%s_%s", kind, sanitizeID(value))
	selector := Selector{}
	var dsl string
	switch kind {
	case "capability":
		selector.CapabilityID = value
	case "node":
		selector.NodeID = value
	case "kind":
		selector.Kind = value
	case "stage":
		dsl = fmt.Sprintf("metadata.plannerStage == '%s'", value)
	}

	trigger := Trigger{Kind: TriggerOnNodeComplete, Selector: selector}
	if dsl != "" {
		trigger.DSL = dsl
		trigger.Canonical = dsl
		trigger.JSONLogic = map[string]any{"==": []any{map[string]any{"var": "metadata.plannerStage"}, value}}
	}

	return &RuntimePolicy{
		ID:      id,
		Enabled: true,
		Trigger: trigger,
		Action:  Action{Type: ActionReplan},
	}
}

// NodeView is the minimal node/context projection evaluateRuntimeEffect
// and evaluateRunStartEffect need.
type NodeView struct {
	CapabilityID string
	NodeID       string
	Kind         string
	Projection   map[string]any // metadata.plannerStage, metadata.runContextSnapshot.facets.*.value, etc.
}

// EffectKind discriminates an evaluated effect.
type EffectKind string

const (
	EffectReplan EffectKind = "replan"
	EffectAction EffectKind = "action"
	EffectNone   EffectKind = "none"
)

// Effect is the outcome of evaluating a trigger set against a node.
type Effect struct {
	Kind    EffectKind
	Trigger Trigger
	Policy  RuntimePolicy
}

// EvaluateRuntimeEffect walks runtime[], skipping enabled:false, and
// returns the first match on an onNodeComplete trigger whose selector
// matches node and whose condition (if any) evaluates true against
// node.Projection.
func EvaluateRuntimeEffect(policies []RuntimePolicy, node NodeView) (Effect, error) {
	return evaluateEffect(policies, node, TriggerOnNodeComplete)
}

// EvaluateRunStartEffect applies the same matching logic to onStart
// triggers. The coordinator does not call it.
func EvaluateRunStartEffect(policies []RuntimePolicy, node NodeView) (Effect, error) {
	return evaluateEffect(policies, node, TriggerOnStart)
}

func evaluateEffect(policies []RuntimePolicy, node NodeView, kind TriggerKind) (Effect, error) {
	for _, p := range policies {
		if !p.Enabled || p.Trigger.Kind != kind {
			continue
		}
		if !selectorMatches(p.Trigger.Selector, node) {
			continue
		}
		matched := true
		if p.Trigger.JSONLogic != nil {
			result, err := condition.EvaluateCondition(p.Trigger.JSONLogic, node.Projection)
			if err != nil {
				return Effect{}, fmt.Errorf("runpolicy: evaluating policy %q: %w", p.ID, err)
			}
			matched = result.Result
		}
		if !matched {
			continue
		}
		if p.Action.Type == ActionReplan {
			return Effect{Kind: EffectReplan, Trigger: p.Trigger, Policy: p}, nil
		}
		return Effect{Kind: EffectAction, Trigger: p.Trigger, Policy: p}, nil
	}
	return Effect{Kind: EffectNone}, nil
}

func selectorMatches(s Selector, node NodeView) bool {
	if s.CapabilityID != "" && s.CapabilityID != node.CapabilityID {
		return false
	}
	if s.NodeID != "" && s.NodeID != node.NodeID {
		return false
	}
	if s.Kind != "" && s.Kind != node.Kind {
		return false
	}
	return true
}
