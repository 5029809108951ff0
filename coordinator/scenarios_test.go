package coordinator_test

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flexrun/orchestrator/capability"
	"github.com/flexrun/orchestrator/coordinator"
	"github.com/flexrun/orchestrator/envelope"
	eventmemory "github.com/flexrun/orchestrator/event/memory"
	"github.com/flexrun/orchestrator/hitl"
	"github.com/flexrun/orchestrator/persistence"
	persistmemory "github.com/flexrun/orchestrator/persistence/memory"
	"github.com/flexrun/orchestrator/planner"
)

// funcPlanner adapts a plain function to planner.Planner so each scenario
// can script its own draft sequence without a mocking framework.
type funcPlanner struct {
	plan func(ctx context.Context, req planner.PlanRequest) (planner.PlannerDraft, error)
}

func (f *funcPlanner) Plan(ctx context.Context, req planner.PlanRequest) (planner.PlannerDraft, error) {
	return f.plan(ctx, req)
}

// fakeRuntime invokes capabilities by id via a caller-supplied table.
type fakeRuntime struct {
	invoke func(ctx context.Context, req capability.InvokeRequest) (capability.InvokeResult, error)
}

func (f *fakeRuntime) Invoke(ctx context.Context, req capability.InvokeRequest) (capability.InvokeResult, error) {
	return f.invoke(ctx, req)
}

// testHarness bundles one scenario's in-memory backends and a
// deterministic clock/id generator, so assertions can inspect persisted
// state and emitted events directly.
type testHarness struct {
	store  *persistmemory.Store
	sink   *eventmemory.Sink
	hitl   *hitl.InMemoryService
	coord  *coordinator.Coordinator
	clock  time.Time
	nextID int
}

func newHarness(t *testing.T, registry capability.Registry, runtime capability.Runtime, pl planner.Planner) *testHarness {
	t.Helper()
	h := &testHarness{
		store: persistmemory.New(),
		sink:  eventmemory.New(),
		hitl:  hitl.NewInMemoryService(),
		clock: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	coord, err := coordinator.New(coordinator.Options{
		Registry: registry,
		Runtime:  runtime,
		Planner:  pl,
		Store:    h.store,
		Sink:     h.sink,
		Hitl:     h.hitl,
		Now: func() time.Time {
			h.clock = h.clock.Add(time.Second)
			return h.clock
		},
		IDGenerator: func() string {
			h.nextID++
			return "run-" + itoa(h.nextID)
		},
	})
	require.NoError(t, err)
	h.coord = coord
	return h
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func singleNodeDraft(capabilityID string, outputFacets []string) planner.PlannerDraft {
	return planner.PlannerDraft{
		Nodes: []planner.DraftNode{
			{Kind: "execution", CapabilityID: capabilityID, OutputFacets: outputFacets},
		},
	}
}

// S1: a plain sequential plan with no routing node reaches completed, and
// the auto-injected fallback node is skipped rather than pausing the run
// (spec.md section 8 S1; this is also the fallback-node reachability fix's
// primary regression test).
func TestScenarioHappyPathCompletes(t *testing.T) {
	registry := capability.NewInMemoryRegistry([]capability.Record{
		{CapabilityID: "draft", AgentType: capability.AgentTypeAI, OutputFacets: []string{"summary"}},
	})
	runtime := &fakeRuntime{invoke: func(_ context.Context, req capability.InvokeRequest) (capability.InvokeResult, error) {
		return capability.InvokeResult{Output: map[string]any{"summary": "done"}}, nil
	}}
	pl := &funcPlanner{plan: func(_ context.Context, _ planner.PlanRequest) (planner.PlannerDraft, error) {
		return singleNodeDraft("draft", []string{"summary"}), nil
	}}

	h := newHarness(t, registry, runtime, pl)
	env := envelope.Envelope{
		Objective:      "summarize the thread",
		OutputContract: envelope.OutputContract{Mode: envelope.OutputContractFacets, Facets: []string{"summary"}},
	}

	result, err := h.coord.Accept(context.Background(), env, coordinator.AcceptOptions{})
	require.NoError(t, err)
	require.Equal(t, persistence.StatusCompleted, result.Status)
	require.Equal(t, "done", result.Output["summary"])

	var sawComplete bool
	for _, evt := range h.sink.Events() {
		if evt.Type == "complete" {
			sawComplete = true
		}
	}
	require.True(t, sawComplete, "expected a complete event")

	state, ok, err := h.store.LoadFlexRunDebug(context.Background(), result.RunID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, persistence.StatusCompleted, state.Run.Status)
}

// S2: a node's output fails its capability's declared output contract,
// which fails the run without ever reaching a goal-condition or replan
// path (spec.md section 7: malformed node output -> validation_error ->
// terminal failed run).
func TestScenarioNodeOutputValidationFailureFailsRun(t *testing.T) {
	registry := capability.NewInMemoryRegistry([]capability.Record{
		{
			CapabilityID: "draft",
			AgentType:    capability.AgentTypeAI,
			OutputFacets: []string{"summary"},
			OutputContract: map[string]any{
				"type":       "object",
				"properties": map[string]any{"summary": map[string]any{"type": "string"}},
				"required":   []any{"summary"},
			},
		},
	})
	runtime := &fakeRuntime{invoke: func(_ context.Context, req capability.InvokeRequest) (capability.InvokeResult, error) {
		// Wrong type: the declared contract requires a string.
		return capability.InvokeResult{Output: map[string]any{"summary": 12345}}, nil
	}}
	pl := &funcPlanner{plan: func(_ context.Context, _ planner.PlanRequest) (planner.PlannerDraft, error) {
		return singleNodeDraft("draft", []string{"summary"}), nil
	}}

	h := newHarness(t, registry, runtime, pl)
	env := envelope.Envelope{
		Objective:      "summarize the thread",
		OutputContract: envelope.OutputContract{Mode: envelope.OutputContractFacets, Facets: []string{"summary"}},
	}

	result, err := h.coord.Accept(context.Background(), env, coordinator.AcceptOptions{})
	require.NoError(t, err)
	require.Equal(t, persistence.StatusFailed, result.Status)
	require.Error(t, result.Err)

	var sawValidationError bool
	for _, evt := range h.sink.Events() {
		if evt.Type == "validation_error" {
			sawValidationError = true
			require.Equal(t, "node_output", evt.Payload["stage"])
		}
	}
	require.True(t, sawValidationError)
}

// S3: envelope.Constraints.RequiresHitlApproval routes the plan through
// its fallback node even with no routing node, pausing the run as
// awaiting_hitl; resuming with a non-denied answer then drives the run to
// completion (spec.md section 8 S3).
func TestScenarioRequiresHitlApprovalPausesThenResumes(t *testing.T) {
	registry := capability.NewInMemoryRegistry([]capability.Record{
		{CapabilityID: "draft", AgentType: capability.AgentTypeAI, OutputFacets: []string{"summary"}},
	})
	runtime := &fakeRuntime{invoke: func(_ context.Context, req capability.InvokeRequest) (capability.InvokeResult, error) {
		return capability.InvokeResult{Output: map[string]any{"summary": "done"}}, nil
	}}
	pl := &funcPlanner{plan: func(_ context.Context, _ planner.PlanRequest) (planner.PlannerDraft, error) {
		return singleNodeDraft("draft", []string{"summary"}), nil
	}}

	h := newHarness(t, registry, runtime, pl)
	env := envelope.Envelope{
		Objective:      "summarize the thread",
		OutputContract: envelope.OutputContract{Mode: envelope.OutputContractFacets, Facets: []string{"summary"}},
		Constraints:    envelope.Constraints{RequiresHitlApproval: true},
	}

	paused, err := h.coord.Accept(context.Background(), env, coordinator.AcceptOptions{})
	require.NoError(t, err)
	require.Equal(t, persistence.StatusAwaitingHitl, paused.Status)

	pending, err := h.hitl.ListPending(context.Background(), hitl.PendingFilter{})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, paused.RunID, pending[0].RunID)

	// Resume must address the same run, with RequiresHitlApproval left
	// set: AcceptOptions.ResumeRunID, not a re-sent flag, drives the
	// continuation.
	resumeEnv := env
	resumeEnv.Constraints.ResumeRunID = paused.RunID

	done, err := h.coord.Accept(context.Background(), resumeEnv, coordinator.AcceptOptions{ResumeAnswer: "approved", ResolvedBy: "operator-1"})
	require.NoError(t, err)
	require.Equal(t, persistence.StatusCompleted, done.Status)
	require.Equal(t, "done", done.Output["summary"])

	var sawResolved bool
	for _, evt := range h.sink.Events() {
		if evt.Type == "hitl_resolved" {
			sawResolved = true
		}
	}
	require.True(t, sawResolved)
}

// S4: a routing node dispatches based on a facet an earlier execution node
// just produced, skipping the untaken branch entirely (spec.md section 8
// S4).
func TestScenarioRoutingNodeSkipsUntakenBranch(t *testing.T) {
	registry := capability.NewInMemoryRegistry([]capability.Record{
		{CapabilityID: "classify", AgentType: capability.AgentTypeAI, OutputFacets: []string{"category"}},
		{CapabilityID: "slow_path", AgentType: capability.AgentTypeAI, OutputFacets: []string{"summary"}},
		{CapabilityID: "fast_path", AgentType: capability.AgentTypeAI, OutputFacets: []string{"summary"}},
	})
	var slowPathCalled, fastPathCalled bool
	runtime := &fakeRuntime{invoke: func(_ context.Context, req capability.InvokeRequest) (capability.InvokeResult, error) {
		switch req.CapabilityID {
		case "classify":
			return capability.InvokeResult{Output: map[string]any{"category": "urgent"}}, nil
		case "slow_path":
			slowPathCalled = true
			return capability.InvokeResult{Output: map[string]any{"summary": "slow"}}, nil
		case "fast_path":
			fastPathCalled = true
			return capability.InvokeResult{Output: map[string]any{"summary": "fast"}}, nil
		}
		t.Fatalf("unexpected capability %q", req.CapabilityID)
		return capability.InvokeResult{}, nil
	}}
	pl := &funcPlanner{plan: func(_ context.Context, _ planner.PlanRequest) (planner.PlannerDraft, error) {
		return planner.PlannerDraft{
			Nodes: []planner.DraftNode{
				{Kind: "execution", CapabilityID: "classify", OutputFacets: []string{"category"}},
				{
					Kind: "routing",
					Routing: &planner.DraftRouting{
						Routes: []planner.DraftRoute{{To: "fast_path_4", Condition: "facets.category == 'urgent'"}},
						ElseTo: "slow_path_3",
					},
				},
				{Kind: "execution", CapabilityID: "slow_path", OutputFacets: []string{"summary"}},
				{Kind: "execution", CapabilityID: "fast_path", OutputFacets: []string{"summary"}},
			},
		}, nil
	}}

	h := newHarness(t, registry, runtime, pl)
	env := envelope.Envelope{
		Objective:      "triage and respond",
		OutputContract: envelope.OutputContract{Mode: envelope.OutputContractFacets, Facets: []string{"summary"}},
	}

	result, err := h.coord.Accept(context.Background(), env, coordinator.AcceptOptions{})
	require.NoError(t, err)
	require.Equal(t, persistence.StatusCompleted, result.Status)
	require.Equal(t, "fast", result.Output["summary"])
	require.True(t, fastPathCalled)
	require.False(t, slowPathCalled, "the unmatched branch must not be invoked")
}

// S5: a failing post-condition retries with runtime-policy guidance,
// emitting policy_triggered on every retry attempt (not only once the
// retry budget is exhausted), then succeeds once the capability's output
// satisfies the condition (spec.md section 4.6.1, section 8 S5).
func TestScenarioPostConditionRetryEmitsEventsThenSucceeds(t *testing.T) {
	registry := capability.NewInMemoryRegistry([]capability.Record{
		{
			CapabilityID: "validate",
			AgentType:    capability.AgentTypeAI,
			OutputFacets: []string{"summary"},
			PostConditions: []envelope.FacetCondition{
				{Facet: "summary", Path: "/length", DSL: "value > 5"},
			},
		},
	})
	attempt := 0
	runtime := &fakeRuntime{invoke: func(_ context.Context, req capability.InvokeRequest) (capability.InvokeResult, error) {
		attempt++
		if attempt < 3 {
			return capability.InvokeResult{Output: map[string]any{"summary": map[string]any{"length": 1.0}}}, nil
		}
		return capability.InvokeResult{Output: map[string]any{"summary": map[string]any{"length": 10.0}}}, nil
	}}
	pl := &funcPlanner{plan: func(_ context.Context, _ planner.PlanRequest) (planner.PlannerDraft, error) {
		return singleNodeDraft("validate", []string{"summary"}), nil
	}}

	h := newHarness(t, registry, runtime, pl)
	env := envelope.Envelope{
		Objective:      "produce a long enough summary",
		OutputContract: envelope.OutputContract{Mode: envelope.OutputContractFacets, Facets: []string{"summary"}},
		Policies: envelope.RawPolicies{
			"runtime": []any{
				map[string]any{
					"id":      "retry-validate",
					"enabled": true,
					"trigger": map[string]any{
						"kind":     "onPostConditionFailed",
						"selector": map[string]any{"capabilityId": "validate"},
					},
					"action": map[string]any{"type": "fail", "maxRetries": float64(2)},
				},
			},
		},
	}

	result, err := h.coord.Accept(context.Background(), env, coordinator.AcceptOptions{})
	require.NoError(t, err)
	require.Equal(t, persistence.StatusCompleted, result.Status)
	require.Equal(t, 3, attempt)

	var retryEvents int
	for _, evt := range h.sink.Events() {
		if evt.Type != "policy_triggered" {
			continue
		}
		retryEvents++
		require.Equal(t, "post_condition_failed", evt.Payload["reason"])
		require.Equal(t, 2, evt.Payload["maxRetries"])
		// The in-memory sink never serializes through JSON, so the results
		// slice keeps exec's own unexported element type; inspect its shape
		// via reflection rather than asserting a concrete type.
		rv := reflect.ValueOf(evt.Payload["postConditionResults"])
		require.Equal(t, reflect.Slice, rv.Kind())
		require.Greater(t, rv.Len(), 0)
	}
	require.Equal(t, 2, retryEvents, "one policy_triggered event per retry attempt")
}

// S6: a goal condition fails against the first plan's output, triggering a
// re-plan; the second plan's output satisfies the goal condition and the
// run completes (spec.md section 4.6.3, section 8 S6).
func TestScenarioGoalConditionFailureReplansThenCompletes(t *testing.T) {
	registry := capability.NewInMemoryRegistry([]capability.Record{
		{CapabilityID: "draft", AgentType: capability.AgentTypeAI, OutputFacets: []string{"summary"}},
		{CapabilityID: "rewrite", AgentType: capability.AgentTypeAI, OutputFacets: []string{"summary"}},
	})
	runtime := &fakeRuntime{invoke: func(_ context.Context, req capability.InvokeRequest) (capability.InvokeResult, error) {
		switch req.CapabilityID {
		case "draft":
			return capability.InvokeResult{Output: map[string]any{"summary": "too short"}}, nil
		case "rewrite":
			return capability.InvokeResult{Output: map[string]any{"summary": "long enough"}}, nil
		}
		t.Fatalf("unexpected capability %q", req.CapabilityID)
		return capability.InvokeResult{}, nil
	}}
	calls := 0
	pl := &funcPlanner{plan: func(_ context.Context, req planner.PlanRequest) (planner.PlannerDraft, error) {
		calls++
		if req.Graph == nil {
			return singleNodeDraft("draft", []string{"summary"}), nil
		}
		return singleNodeDraft("rewrite", []string{"summary"}), nil
	}}

	h := newHarness(t, registry, runtime, pl)
	env := envelope.Envelope{
		Objective:      "produce a long enough summary",
		OutputContract: envelope.OutputContract{Mode: envelope.OutputContractFacets, Facets: []string{"summary"}},
		GoalCondition: []envelope.FacetCondition{
			{Facet: "summary", Path: "", DSL: "value == 'long enough'"},
		},
	}

	result, err := h.coord.Accept(context.Background(), env, coordinator.AcceptOptions{})
	require.NoError(t, err)
	require.Equal(t, persistence.StatusCompleted, result.Status)
	require.Equal(t, "long enough", result.Output["summary"])
	require.Equal(t, 2, calls, "the planner must be asked again after the goal condition fails")

	var sawGoalFailed, sawPlanUpdated bool
	for _, evt := range h.sink.Events() {
		switch evt.Type {
		case "goal_condition_failed":
			sawGoalFailed = true
		case "plan_updated":
			sawPlanUpdated = true
		}
	}
	require.True(t, sawGoalFailed)
	require.True(t, sawPlanUpdated)
}
