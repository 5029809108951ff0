// Package coordinator implements the Run Coordinator (spec.md component
// C9): the top-level state machine that accepts an Envelope, resolves or
// resumes a run, drives the Planner/Plan Builder/Execution Engine cycle to
// a terminal or paused state, and persists and streams every transition
// along the way.
//
// Grounded on agents/runtime/runtime/runtime.go's Runtime type: a registry
// of backend dependencies (engine, stores, hooks, stream) with a single
// Run/StartRun entry point that starts a workflow execution and folds its
// result into a caller-facing RunOutput. The Run Coordinator generalizes
// that shape from "one agent, one workflow per conversation turn" to "one
// flex run, one workflow hosting the planner-build-execute cycle across
// any number of replans," and replaces the teacher's interrupt.Pause/
// ResumeRequest signal machinery (runtime/agent/interrupt/controller.go)
// with flexerr's synchronous control-flow errors: a flex run suspends by
// returning from its workflow invocation entirely rather than blocking on
// a signal channel, so resumption is a fresh Accept call that rehydrates
// persisted state instead of a signal delivered to a still-running
// workflow.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flexrun/orchestrator/capability"
	"github.com/flexrun/orchestrator/envelope"
	"github.com/flexrun/orchestrator/event"
	"github.com/flexrun/orchestrator/exec"
	"github.com/flexrun/orchestrator/facet"
	"github.com/flexrun/orchestrator/flexerr"
	"github.com/flexrun/orchestrator/hitl"
	"github.com/flexrun/orchestrator/persistence"
	"github.com/flexrun/orchestrator/plan"
	"github.com/flexrun/orchestrator/planner"
	"github.com/flexrun/orchestrator/runcontext"
	"github.com/flexrun/orchestrator/runpolicy"
	"github.com/flexrun/orchestrator/runtime/engine"
	"github.com/flexrun/orchestrator/runtime/engine/local"
)

// workflowName is the logical workflow registered with engine.Engine; one
// invocation hosts one Accept call's planner-build-execute cycle, from its
// current plan version through to the next pause or terminal state.
const workflowName = "flexrun.run"

// defaultMaxPlannerAttempts bounds planner attempts, the first try
// included, per planning phase
// (spec.md section 4.7: "request initial plan with <=2 planner attempts").
const defaultMaxPlannerAttempts = 2

// defaultMaxReplans bounds replan cycles within a single Accept call so a
// misbehaving policy or planner cannot loop forever without ever pausing
// or terminating.
const defaultMaxReplans = 25

type (
	// Options configures a Coordinator. Registry, Runtime, Planner, Store,
	// Sink, and Hitl are required; the rest have sane defaults.
	Options struct {
		Registry capability.Registry
		Runtime  capability.Runtime
		Planner  planner.Planner
		Store    persistence.Store
		Sink     event.Sink
		Hitl     hitl.Service
		Catalog  *facet.Catalog

		// Engine hosts the run's workflow invocation. Defaults to
		// runtime/engine/local.New() when nil, which is sufficient for
		// single-process deployments and tests; production deployments
		// supply a runtime/engine/temporal.Engine for durability.
		Engine engine.Engine
		// TaskQueue names the queue workflow executions start on.
		// Defaults to "flexrun".
		TaskQueue string

		// MaxPlannerAttempts bounds planner attempts per planning phase,
		// the first try included.
		// Defaults to defaultMaxPlannerAttempts.
		MaxPlannerAttempts int
		// MaxReplans bounds replan cycles within one Accept call. Defaults
		// to defaultMaxReplans.
		MaxReplans int

		// IDGenerator produces new run ids. Defaults to uuid.NewString.
		IDGenerator func() string
		// Now is overridable for deterministic tests; defaults to time.Now.
		Now func() time.Time
	}

	// AcceptOptions carries resume-time inputs the caller supplies when
	// continuing a paused run.
	AcceptOptions struct {
		// ResumeSubmission is the structured answer required to continue
		// a run paused at an awaiting_human node.
		ResumeSubmission map[string]any
		// ResumeAnswer is the free-text HITL clarification answer.
		ResumeAnswer string
		// ResumeDenied marks the HITL resolution as a denial rather than
		// a substantive answer.
		ResumeDenied bool
		// ResolvedBy identifies who supplied the resume resolution.
		ResolvedBy string
	}

	// Result is Accept's caller-facing outcome.
	Result struct {
		RunID       string
		Status      persistence.Status
		PlanVersion int
		Output      map[string]any
		// Err is set when Status is StatusFailed; it is reported in the
		// Result rather than as Accept's returned error because a failed
		// run is a legitimate, non-exceptional business outcome of an
		// otherwise-successful Accept call.
		Err error
	}

	// Coordinator is the Run Coordinator. Stateless across calls: all
	// per-run state is loaded from and written back to Store.
	Coordinator struct {
		registry capability.Registry
		runtime  capability.Runtime
		planner  planner.Planner
		store    persistence.Store
		sink     event.Sink
		hitlSvc  hitl.Service
		catalog  *facet.Catalog

		engine             engine.Engine
		taskQueue          string
		maxPlannerAttempts int
		maxReplans         int
		idGen              func() string
		now                func() time.Time

		execEngine *exec.Engine
	}

	// runJob is the input handed to the hosted workflow invocation.
	runJob struct {
		RunID      string
		Envelope   envelope.Envelope
		Policies   runpolicy.Canonical
		RunContext *runcontext.Context
		State      *exec.RunState
		Graph      *planner.GraphContext
		Tracker    *hitl.ResolutionTracker
		// PlanVersion is the most recently persisted plan version, 0 if
		// no plan has been built yet for this run.
		PlanVersion int
	}

	// outcome is the hosted workflow's return value: pauses and terminal
	// run states are reported here with a nil workflow error, since a
	// pause is a normal termination of this invocation, not a workflow
	// failure.
	outcome struct {
		Status      persistence.Status
		Output      map[string]any
		Err         error
		PlanVersion int
	}
)

// New constructs a Coordinator and registers its hosted workflow with
// opts.Engine (or a new local.New() engine when Engine is nil).
func New(opts Options) (*Coordinator, error) {
	if opts.Registry == nil || opts.Runtime == nil {
		return nil, fmt.Errorf("coordinator: registry and runtime are required")
	}
	if opts.Planner == nil {
		return nil, fmt.Errorf("coordinator: planner is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("coordinator: store is required")
	}
	if opts.Sink == nil {
		return nil, fmt.Errorf("coordinator: event sink is required")
	}
	if opts.Hitl == nil {
		return nil, fmt.Errorf("coordinator: hitl service is required")
	}

	eng := opts.Engine
	if eng == nil {
		eng = local.New()
	}
	taskQueue := opts.TaskQueue
	if taskQueue == "" {
		taskQueue = "flexrun"
	}
	maxPlannerAttempts := opts.MaxPlannerAttempts
	if maxPlannerAttempts <= 0 {
		maxPlannerAttempts = defaultMaxPlannerAttempts
	}
	maxReplans := opts.MaxReplans
	if maxReplans <= 0 {
		maxReplans = defaultMaxReplans
	}
	idGen := opts.IDGenerator
	if idGen == nil {
		idGen = uuid.NewString
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	c := &Coordinator{
		registry:           opts.Registry,
		runtime:            opts.Runtime,
		planner:            opts.Planner,
		store:              opts.Store,
		sink:               opts.Sink,
		hitlSvc:            opts.Hitl,
		catalog:            opts.Catalog,
		engine:             eng,
		taskQueue:          taskQueue,
		maxPlannerAttempts: maxPlannerAttempts,
		maxReplans:         maxReplans,
		idGen:              idGen,
		now:                now,
		execEngine:         exec.New(opts.Registry, opts.Runtime),
	}
	c.execEngine.Now = now

	if err := eng.RegisterWorkflow(context.Background(), engine.WorkflowDefinition{
		Name:      workflowName,
		TaskQueue: taskQueue,
		Handler:   c.workflowFunc,
	}); err != nil {
		return nil, fmt.Errorf("coordinator: register workflow: %w", err)
	}
	return c, nil
}

// Accept implements spec.md section 4.7's accept(envelope, opts) entry
// point: resolve the run id, branch into the resume or new-run path, and
// drive the run to its next pause or terminal state.
func (c *Coordinator) Accept(ctx context.Context, env envelope.Envelope, opts AcceptOptions) (Result, error) {
	if err := env.Validate(); err != nil {
		return Result{}, err
	}

	runID, existing, err := c.resolveRun(ctx, env)
	if err != nil {
		return Result{}, err
	}

	if existing != nil {
		switch existing.Status {
		case persistence.StatusAwaitingHitl, persistence.StatusAwaitingHuman:
			return c.resume(ctx, *existing, env, opts)
		case persistence.StatusPending, persistence.StatusRunning:
			return Result{}, fmt.Errorf("coordinator: run %q is already in progress", runID)
		case persistence.StatusCompleted, persistence.StatusFailed, persistence.StatusCancelled:
			out, _, err := c.store.LoadRunOutput(ctx, runID)
			if err != nil {
				return Result{}, err
			}
			return Result{RunID: runID, Status: existing.Status, PlanVersion: existing.PlanVersion, Output: out.FinalOutput}, nil
		}
	}

	return c.start(ctx, runID, env)
}

// resolveRun implements spec.md section 4.7's run id resolution order:
// explicit metadata.runId, then resumeRunId, then a threadId lookup,
// finally generating a fresh id.
func (c *Coordinator) resolveRun(ctx context.Context, env envelope.Envelope) (string, *persistence.RunRecord, error) {
	runID := env.Metadata.RunID
	if runID == "" {
		runID = env.Constraints.ResumeRunID
	}
	if runID == "" {
		threadID := env.Constraints.ResumeThreadID
		if threadID == "" {
			threadID = env.Constraints.ThreadID
		}
		if threadID == "" {
			threadID = env.Metadata.ThreadID
		}
		if threadID != "" {
			rec, ok, err := c.store.FindFlexRunByThreadID(ctx, threadID)
			if err != nil {
				return "", nil, fmt.Errorf("coordinator: lookup run by thread id: %w", err)
			}
			if ok {
				return rec.RunID, &rec, nil
			}
		}
	}
	if runID == "" {
		runID = c.idGen()
		return runID, nil, nil
	}

	rec, ok, err := c.store.LoadFlexRun(ctx, runID)
	if err != nil {
		return "", nil, fmt.Errorf("coordinator: load run %q: %w", runID, err)
	}
	if !ok {
		return runID, nil, nil
	}
	return runID, &rec, nil
}

// start implements the NEW path of spec.md section 4.7: persist a pending
// run record, emit start, request an initial plan, and drive it.
func (c *Coordinator) start(ctx context.Context, runID string, env envelope.Envelope) (Result, error) {
	now := c.now()
	record := persistence.RunRecord{
		RunID:     runID,
		ThreadID:  firstNonEmpty(env.Constraints.ThreadID, env.Metadata.ThreadID),
		ClientID:  env.Metadata.ClientID,
		Status:    persistence.StatusPending,
		StartedAt: now,
		UpdatedAt: now,
		Metadata:  map[string]any{"correlationId": env.Metadata.CorrelationID},
	}
	if err := c.store.CreateOrUpdateRun(ctx, record); err != nil {
		return Result{}, fmt.Errorf("coordinator: persist pending run: %w", err)
	}
	if err := c.emitRun(ctx, runID, 0, event.TypeStart, nil); err != nil {
		return Result{}, err
	}

	policies, err := runpolicy.Normalize(env.Policies, nil)
	if err != nil {
		c.failRun(ctx, runID, 0, err)
		return Result{RunID: runID, Status: persistence.StatusFailed, Err: err}, nil
	}

	job := &runJob{
		RunID:      runID,
		Envelope:   env,
		Policies:   *policies,
		RunContext: runcontext.New(runID),
		State:      exec.NewRunState(),
		Tracker:    hitl.NewResolutionTracker(),
	}
	return c.drive(ctx, runID, job)
}

// resume implements the RESUME path of spec.md section 4.7: reject on
// plan-version mismatch, rehydrate the plan and run context from the
// latest snapshot, validate resumeSubmission when required, and drive the
// engine until the next terminal or paused state.
func (c *Coordinator) resume(ctx context.Context, record persistence.RunRecord, env envelope.Envelope, opts AcceptOptions) (Result, error) {
	if record.Status == persistence.StatusAwaitingHuman && opts.ResumeSubmission == nil && !opts.ResumeDenied {
		return Result{}, fmt.Errorf("coordinator: run %q is awaiting human input; resumeSubmission is required", record.RunID)
	}

	snapshot, ok, err := c.store.LoadPlanSnapshot(ctx, record.RunID, 0)
	if err != nil {
		return Result{}, fmt.Errorf("coordinator: load plan snapshot: %w", err)
	}
	if !ok {
		return Result{}, fmt.Errorf("coordinator: run %q has no plan snapshot to resume from", record.RunID)
	}
	if snapshot.Version != record.PlanVersion {
		return Result{}, fmt.Errorf("coordinator: run %q plan version mismatch: run is at %d, latest snapshot is %d", record.RunID, record.PlanVersion, snapshot.Version)
	}

	policies, err := runpolicy.Normalize(env.Policies, nil)
	if err != nil {
		c.failRun(ctx, record.RunID, snapshot.Version, err)
		return Result{RunID: record.RunID, Status: persistence.StatusFailed, Err: err}, nil
	}

	rc := restoreRunContext(record.RunID, snapshot.Facets, c.now())
	state, err := restoreRunState(snapshot.PendingState)
	if err != nil {
		return Result{}, fmt.Errorf("coordinator: restore run state: %w", err)
	}

	job := &runJob{
		RunID:       record.RunID,
		Envelope:    env,
		Policies:    *policies,
		RunContext:  rc,
		State:       state,
		Tracker:     hitl.NewResolutionTracker(),
		PlanVersion: snapshot.Version,
	}

	fp, err := deserializePlan(snapshot.PlanMetadata)
	if err != nil {
		return Result{}, fmt.Errorf("coordinator: restore plan: %w", err)
	}

	if err := c.applyResumeResolution(ctx, record, env, opts, job, fp); err != nil {
		return Result{}, err
	}

	if err := c.store.UpdateStatus(ctx, record.RunID, persistence.StatusRunning); err != nil {
		return Result{}, fmt.Errorf("coordinator: persist running status: %w", err)
	}
	return c.driveWithPlan(ctx, record.RunID, job, fp)
}

// applyResumeResolution records the caller-supplied resumeSubmission (for
// an awaiting_human node) or HITL answer (for an awaiting_hitl request)
// against the rehydrated run context, so the next Execute call picks up
// where the paused node left off.
func (c *Coordinator) applyResumeResolution(ctx context.Context, record persistence.RunRecord, env envelope.Envelope, opts AcceptOptions, job *runJob, fp *plan.FlexPlan) error {
	switch record.Status {
	case persistence.StatusAwaitingHuman:
		awaitingNodeID, _ := record.Metadata["awaitingNodeId"].(string)
		node := lastAwaitingNode(fp, awaitingNodeID)
		if node != nil {
			job.RunContext.UpdateFromNode(planNodeView{node}, opts.ResumeSubmission, c.now())
			job.State.CompletedNodeIDs[node.ID] = true
		}
		return nil
	case persistence.StatusAwaitingHitl:
		req, ok, err := c.pendingHitlRequest(ctx, record.RunID)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		resolved, err := c.hitlSvc.Resolve(ctx, req.ID, hitl.Resolution{
			Answer:     opts.ResumeAnswer,
			Denied:     opts.ResumeDenied,
			Submission: opts.ResumeSubmission,
			ResolvedBy: opts.ResolvedBy,
		})
		if err != nil {
			return fmt.Errorf("coordinator: resolve hitl request: %w", err)
		}
		job.RunContext.RecordClarificationQuestion(req.ID, req.NodeID, req.OperatorPrompt, req.CreatedAt)
		if err := job.RunContext.RecordClarificationAnswer(req.ID, resolved.Resolution.Answer, resolved.Resolution.Denied, c.now()); err != nil {
			return err
		}
		if !resolved.Resolution.Denied {
			job.State.CompletedNodeIDs[req.NodeID] = true
		}
		if job.Tracker.MarkEmitted(req.ID) {
			if err := c.emitRun(ctx, record.RunID, record.PlanVersion, event.TypeHitlResolved, map[string]any{
				"requestId": req.ID, "nodeId": req.NodeID, "denied": resolved.Resolution.Denied,
			}); err != nil {
				return err
			}
		}
		return nil
	}
	return nil
}

// pendingHitlRequest finds the single pending HITL request raised for
// runID, if any.
func (c *Coordinator) pendingHitlRequest(ctx context.Context, runID string) (hitl.Request, bool, error) {
	pending, err := c.hitlSvc.ListPending(ctx, hitl.PendingFilter{})
	if err != nil {
		return hitl.Request{}, false, err
	}
	for _, req := range pending {
		if req.RunID == runID {
			return req, true, nil
		}
	}
	return hitl.Request{}, false, nil
}

// drive requests an initial plan for a brand-new run and hands off to
// driveWithPlan.
func (c *Coordinator) drive(ctx context.Context, runID string, job *runJob) (Result, error) {
	draft, err := c.requestPlan(ctx, runID, 0, job.Envelope, job.Policies, job.Graph)
	if err != nil {
		c.failRun(ctx, runID, 0, err)
		return Result{RunID: runID, Status: persistence.StatusFailed, Err: err}, nil
	}

	fp, err := plan.Build(ctx, plan.BuildRequest{
		RunID:    runID,
		Envelope: job.Envelope,
		Policies: job.Policies,
		Registry: c.registry,
		Draft:    draft,
		Graph:    job.Graph,
		Catalog:  c.catalog,
	})
	if err != nil {
		c.failRun(ctx, runID, 0, err)
		return Result{RunID: runID, Status: persistence.StatusFailed, Err: err}, nil
	}

	if err := c.persistPlan(ctx, runID, fp, job, event.TypePlanGenerated); err != nil {
		return Result{}, err
	}
	if err := c.store.UpdateStatus(ctx, runID, persistence.StatusRunning); err != nil {
		return Result{}, fmt.Errorf("coordinator: persist running status: %w", err)
	}
	return c.driveWithPlan(ctx, runID, job, fp)
}

// driveWithPlan hosts the planner-build-execute cycle as a single engine
// workflow invocation (spec.md section 4.7's main loop), starting from an
// already-built plan.
func (c *Coordinator) driveWithPlan(ctx context.Context, runID string, job *runJob, fp *plan.FlexPlan) (Result, error) {
	handle, err := c.engine.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:        fmt.Sprintf("%s/%d", runID, c.now().UnixNano()),
		Workflow:  workflowName,
		TaskQueue: c.taskQueue,
		Input:     &workflowInput{job: job, plan: fp},
	})
	if err != nil {
		return Result{}, fmt.Errorf("coordinator: start workflow: %w", err)
	}

	var out *outcome
	if err := handle.Wait(ctx, &out); err != nil {
		return Result{}, fmt.Errorf("coordinator: workflow execution: %w", err)
	}
	return Result{RunID: runID, Status: out.Status, PlanVersion: out.PlanVersion, Output: out.Output, Err: out.Err}, nil
}

// workflowInput bundles driveWithPlan's arguments for the hosted
// workflow. Carried as a raw pointer rather than serialized: the local
// engine backend runs in-process, and a durable backend's codec is
// responsible for any marshaling this struct requires.
type workflowInput struct {
	job  *runJob
	plan *plan.FlexPlan
}

// workflowFunc is the engine.WorkflowFunc hosting one Accept call's
// planner-build-execute cycle. Every control-flow and terminal signal is
// folded into the returned outcome, since pausing is this invocation's
// normal conclusion, not a workflow failure; only a failed persistence
// write or event emission is returned as an error.
func (c *Coordinator) workflowFunc(wctx engine.WorkflowContext, input any) (any, error) {
	in := input.(*workflowInput)
	return c.runLoop(wctx.Context(), in.job, in.plan)
}

// runLoop repeatedly executes in.plan, replanning on
// ReplanRequestedError/GoalConditionFailedError, until the run reaches a
// pause (HITL or human) or a terminal state (completed or failed).
func (c *Coordinator) runLoop(ctx context.Context, job *runJob, fp *plan.FlexPlan) (*outcome, error) {
	for attempt := 0; ; attempt++ {
		if attempt >= c.maxReplans {
			err := &flexerr.RuntimePolicyFailureError{Message: "replan budget exhausted"}
			c.failRun(ctx, job.RunID, fp.Version, err)
			return &outcome{Status: persistence.StatusFailed, Err: err, PlanVersion: fp.Version}, nil
		}

		emitter := &nodeEmitter{c: c, runID: job.RunID, planVersion: fp.Version}
		output, err := c.execEngine.Execute(ctx, exec.ExecuteRequest{
			RunID:      job.RunID,
			Plan:       fp,
			Envelope:   job.Envelope,
			Policies:   job.Policies,
			RunContext: job.RunContext,
			State:      job.State,
			Emit:       emitter,
			Record:     &nodeRecorder{c: c},
		})
		if derr := c.drainBufferedEmits(ctx, job.State, emitter); derr != nil {
			return nil, derr
		}

		switch e := err.(type) {
		case nil:
			if perr := c.store.RecordResult(ctx, job.RunID, output, nil); perr != nil {
				return nil, perr
			}
			if perr := c.store.UpdateStatus(ctx, job.RunID, persistence.StatusCompleted); perr != nil {
				return nil, perr
			}
			if perr := c.emitRun(ctx, job.RunID, fp.Version, event.TypeComplete, map[string]any{"status": "completed", "output": output}); perr != nil {
				return nil, perr
			}
			return &outcome{Status: persistence.StatusCompleted, Output: output, PlanVersion: fp.Version}, nil

		case *flexerr.ReplanRequestedError:
			next, rerr := c.replan(ctx, job, fp, e.Reason, e.NodeID, nil)
			if rerr != nil {
				c.failRun(ctx, job.RunID, fp.Version, rerr)
				return &outcome{Status: persistence.StatusFailed, Err: rerr, PlanVersion: fp.Version}, nil
			}
			fp = next
			continue

		case *flexerr.GoalConditionFailedError:
			if perr := c.emitRun(ctx, job.RunID, fp.Version, event.TypeGoalConditionFailed, map[string]any{
				"failed":            e.Failed,
				"provisionalOutput": e.ProvisionalOutput,
			}); perr != nil {
				return nil, perr
			}
			if perr := c.store.RecordPendingResult(ctx, job.RunID, e.ProvisionalOutput); perr != nil {
				return nil, perr
			}
			next, rerr := c.replan(ctx, job, fp, "goal_condition_failed", "", e.Failed)
			if rerr != nil {
				c.failRun(ctx, job.RunID, fp.Version, rerr)
				return &outcome{Status: persistence.StatusFailed, Err: rerr, PlanVersion: fp.Version}, nil
			}
			fp = next
			continue

		case *flexerr.HitlPauseError:
			if perr := c.pause(ctx, job, fp.Version, e.RequestID, e.NodeID, e.Reason); perr != nil {
				return nil, perr
			}
			return &outcome{Status: persistence.StatusAwaitingHitl, PlanVersion: fp.Version}, nil

		case *flexerr.RunPausedError:
			requestID := fmt.Sprintf("%s:pause", job.RunID)
			if perr := c.pause(ctx, job, fp.Version, requestID, "", e.Reason); perr != nil {
				return nil, perr
			}
			return &outcome{Status: persistence.StatusAwaitingHitl, PlanVersion: fp.Version}, nil

		case *flexerr.AwaitingHumanInputError:
			if perr := c.store.UpdateStatus(ctx, job.RunID, persistence.StatusAwaitingHuman); perr != nil {
				return nil, perr
			}
			if perr := c.mergeRunMetadata(ctx, job.RunID, map[string]any{"awaitingNodeId": e.NodeID}); perr != nil {
				return nil, perr
			}
			if perr := c.emitRun(ctx, job.RunID, fp.Version, event.TypeNodeAwaitingHuman, map[string]any{
				"nodeId": e.NodeID, "capabilityId": e.CapabilityID, "assignedTo": e.AssignedTo,
			}); perr != nil {
				return nil, perr
			}
			return &outcome{Status: persistence.StatusAwaitingHuman, PlanVersion: fp.Version}, nil

		case *flexerr.RuntimePolicyFailureError, *flexerr.FlexValidationError:
			c.failRun(ctx, job.RunID, fp.Version, err)
			return &outcome{Status: persistence.StatusFailed, Err: err, PlanVersion: fp.Version}, nil

		default:
			c.failRun(ctx, job.RunID, fp.Version, err)
			return &outcome{Status: persistence.StatusFailed, Err: err, PlanVersion: fp.Version}, nil
		}
	}
}

// drainBufferedEmits forwards and clears the node-level events the
// Execution Engine buffered during this Execute call instead of emitting
// directly (runtime-policy "emit" actions), since only the coordinator
// knows the enriched runId/planVersion envelope they need.
func (c *Coordinator) drainBufferedEmits(ctx context.Context, state *exec.RunState, emitter *nodeEmitter) error {
	for _, evt := range state.BufferedEmits {
		if err := emitter.Emit(ctx, evt); err != nil {
			return err
		}
	}
	state.BufferedEmits = nil
	return nil
}

// replan implements spec.md section 4.7's re-plan step: emit
// policy_triggered, build a GraphContext from the run's current progress,
// request a fresh draft, rebuild the plan, persist the bumped-version
// snapshot, and emit plan_updated.
func (c *Coordinator) replan(ctx context.Context, job *runJob, fp *plan.FlexPlan, reason, policyNodeID string, _ []flexerr.GoalConditionResult) (*plan.FlexPlan, error) {
	if err := c.emitRun(ctx, job.RunID, fp.Version, event.TypePolicyTriggered, map[string]any{"reason": reason, "nodeId": policyNodeID}); err != nil {
		return nil, err
	}

	snap := job.RunContext.Snapshot()
	facets := map[string]any{}
	for name, f := range snap.Facets {
		facets[name] = f.Value
	}
	completed := make([]string, 0, len(job.State.CompletedNodeIDs))
	for id, ok := range job.State.CompletedNodeIDs {
		if ok {
			completed = append(completed, id)
		}
	}
	job.Graph = &planner.GraphContext{
		PreviousVersion:   fp.Version,
		CompletedNodeIDs:  completed,
		Facets:            facets,
		ReplanReason:      reason,
		PolicyTriggeredID: policyNodeID,
	}

	draft, err := c.requestPlan(ctx, job.RunID, fp.Version, job.Envelope, job.Policies, job.Graph)
	if err != nil {
		return nil, err
	}
	next, err := plan.Build(ctx, plan.BuildRequest{
		RunID:    job.RunID,
		Envelope: job.Envelope,
		Policies: job.Policies,
		Registry: c.registry,
		Draft:    draft,
		Graph:    job.Graph,
		Catalog:  c.catalog,
	})
	if err != nil {
		return nil, err
	}

	if err := c.persistPlan(ctx, job.RunID, next, job, event.TypePlanUpdated); err != nil {
		return nil, err
	}
	return next, nil
}

// pause persists a run as awaiting_hitl, creates (or reuses) the pending
// HITL request, and emits hitl_request.
func (c *Coordinator) pause(ctx context.Context, job *runJob, planVersion int, requestID, nodeID, reason string) error {
	if err := c.store.UpdateStatus(ctx, job.RunID, persistence.StatusAwaitingHitl); err != nil {
		return err
	}
	if _, err := c.hitlSvc.CreateRequest(ctx, hitl.Request{
		ID:             requestID,
		RunID:          job.RunID,
		NodeID:         nodeID,
		OperatorPrompt: reason,
	}); err != nil {
		return fmt.Errorf("coordinator: create hitl request: %w", err)
	}
	return c.emitRun(ctx, job.RunID, planVersion, event.TypeHitlRequest, map[string]any{
		"requestId": requestID, "nodeId": nodeID, "reason": reason,
	})
}

// failRun persists a run as failed and emits validation_error/complete
// events describing the terminal error.
func (c *Coordinator) failRun(ctx context.Context, runID string, planVersion int, err error) {
	_ = c.store.UpdateStatus(ctx, runID, persistence.StatusFailed)
	if verr, ok := err.(*flexerr.FlexValidationError); ok {
		_ = c.emitRun(ctx, runID, planVersion, event.TypeValidationError, map[string]any{"stage": verr.Stage, "nodeId": verr.NodeID, "errors": verr.Errors})
	}
	_ = c.emitRun(ctx, runID, planVersion, event.TypeComplete, map[string]any{"status": "failed", "error": err.Error()})
}

// requestPlan asks the planner for a draft, making up to
// maxPlannerAttempts attempts in total on a transport error, a timeout
// (each call is bounded by planner.DefaultTimeout) or a
// structurally invalid draft (spec.md section 4.7), emitting plan_requested before each
// attempt and plan_rejected after a failed one.
func (c *Coordinator) requestPlan(ctx context.Context, runID string, planVersion int, env envelope.Envelope, policies runpolicy.Canonical, graph *planner.GraphContext) (planner.PlannerDraft, error) {
	snapshot, err := c.registrySnapshot(ctx)
	if err != nil {
		return planner.PlannerDraft{}, err
	}

	var lastErr error
	for i := 0; i < c.maxPlannerAttempts; i++ {
		if err := c.emitRun(ctx, runID, planVersion, event.TypePlanRequested, map[string]any{"attempt": i + 1}); err != nil {
			return planner.PlannerDraft{}, err
		}
		draft, err := planner.WithTimeout(ctx, planner.DefaultTimeout, func(ctx context.Context) (planner.PlannerDraft, error) {
			return c.planner.Plan(ctx, planner.PlanRequest{
				Envelope:  env,
				Policies:  policies,
				Registry:  snapshot,
				Graph:     graph,
				RequestID: fmt.Sprintf("%s-%d", env.Metadata.CorrelationID, i),
			})
		})
		if err != nil {
			lastErr = err
			if perr := c.emitRun(ctx, runID, planVersion, event.TypePlanRejected, map[string]any{"attempt": i + 1, "reason": err.Error()}); perr != nil {
				return planner.PlannerDraft{}, perr
			}
			continue
		}
		if err := planner.ValidateDraft(draft); err != nil {
			lastErr = err
			if perr := c.emitRun(ctx, runID, planVersion, event.TypePlanRejected, map[string]any{"attempt": i + 1, "reason": err.Error()}); perr != nil {
				return planner.PlannerDraft{}, perr
			}
			continue
		}
		return draft, nil
	}
	return planner.PlannerDraft{}, lastErr
}

func (c *Coordinator) registrySnapshot(ctx context.Context) (planner.RegistrySnapshot, error) {
	records, err := c.registry.Snapshot(ctx)
	if err != nil {
		return planner.RegistrySnapshot{}, fmt.Errorf("coordinator: snapshot registry: %w", err)
	}
	caps := make([]planner.CapabilitySummary, 0, len(records))
	for _, rec := range records {
		if rec.StatusField == capability.StatusInactive {
			continue
		}
		caps = append(caps, planner.CapabilitySummary{
			CapabilityID: rec.CapabilityID,
			Kind:         string(rec.Kind),
			AgentType:    string(rec.AgentType),
			Summary:      rec.Summary,
			InputFacets:  rec.InputFacets,
			OutputFacets: rec.OutputFacets,
		})
	}
	return planner.RegistrySnapshot{Capabilities: caps}, nil
}

// persistPlan serializes fp into a versioned snapshot alongside the run
// context and execution state, updates the run record's plan version, and
// emits eventType (plan_generated or plan_updated).
func (c *Coordinator) persistPlan(ctx context.Context, runID string, fp *plan.FlexPlan, job *runJob, eventType event.Type) error {
	planDoc, err := serializePlan(fp)
	if err != nil {
		return fmt.Errorf("coordinator: serialize plan: %w", err)
	}
	stateDoc, err := serializeRunState(job.State)
	if err != nil {
		return fmt.Errorf("coordinator: serialize run state: %w", err)
	}

	snap := job.RunContext.Snapshot()
	facets := map[string]any{}
	for name, f := range snap.Facets {
		facets[name] = f.Value
	}

	edges := make([]persistence.EdgeSnapshot, 0, len(fp.Edges))
	for _, e := range fp.Edges {
		edges = append(edges, persistence.EdgeSnapshot{From: e.From, To: e.To, Reason: e.Reason, Condition: e.Condition})
	}

	if err := c.store.SavePlanSnapshot(ctx, persistence.PlanSnapshot{
		RunID:        runID,
		Version:      fp.Version,
		Facets:       facets,
		Edges:        edges,
		PlanMetadata: planDoc,
		PendingState: stateDoc,
		CreatedAt:    c.now(),
	}); err != nil {
		return fmt.Errorf("coordinator: save plan snapshot: %w", err)
	}
	record, ok, err := c.store.LoadFlexRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("coordinator: reload run %q: %w", runID, err)
	}
	if !ok {
		return fmt.Errorf("coordinator: bump plan version: no run %q", runID)
	}
	record.PlanVersion = fp.Version
	record.UpdatedAt = c.now()
	if err := c.store.CreateOrUpdateRun(ctx, record); err != nil {
		return fmt.Errorf("coordinator: bump plan version: %w", err)
	}
	job.PlanVersion = fp.Version
	return c.emitRun(ctx, runID, fp.Version, eventType, map[string]any{"version": fp.Version, "nodeCount": len(fp.Nodes)})
}

// mergeRunMetadata loads runID's record, merges updates into its Metadata
// map, and writes it back, preserving every other field (CreateOrUpdateRun
// is a full upsert, not a partial patch).
func (c *Coordinator) mergeRunMetadata(ctx context.Context, runID string, updates map[string]any) error {
	record, ok, err := c.store.LoadFlexRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("coordinator: reload run %q: %w", runID, err)
	}
	if !ok {
		return fmt.Errorf("coordinator: merge metadata: no run %q", runID)
	}
	if record.Metadata == nil {
		record.Metadata = map[string]any{}
	}
	for k, v := range updates {
		record.Metadata[k] = v
	}
	record.UpdatedAt = c.now()
	return c.store.CreateOrUpdateRun(ctx, record)
}

// emitRun enriches evt with timestamp, runId, and planVersion before
// forwarding it to the configured event.Sink (spec.md section 4.7: "the
// coordinator enriches every event with timestamp/runId/planVersion").
func (c *Coordinator) emitRun(ctx context.Context, runID string, planVersion int, typ event.Type, payload map[string]any) error {
	return c.sink.Send(ctx, event.Event{
		Timestamp:   c.now(),
		RunID:       runID,
		PlanVersion: planVersion,
		Type:        typ,
		Payload:     payload,
	})
}

// nodeEmitter adapts exec.Emitter to the Run Coordinator's enriched
// event.Sink, filling in runId/planVersion the Execution Engine does not
// itself track.
type nodeEmitter struct {
	c           *Coordinator
	runID       string
	planVersion int
}

func (n *nodeEmitter) Emit(ctx context.Context, evt exec.Event) error {
	return n.c.sink.Send(ctx, event.Event{
		Timestamp:   n.c.now(),
		RunID:       n.runID,
		NodeID:      evt.NodeID,
		PlanVersion: n.planVersion,
		Type:        event.Type(evt.Type),
		Payload:     evt.Payload,
	})
}

// nodeRecorder adapts exec.Recorder to persistence.Store.MarkNode.
type nodeRecorder struct{ c *Coordinator }

func (r *nodeRecorder) MarkNode(ctx context.Context, runID, nodeID string, update exec.NodeUpdate) error {
	return r.c.store.MarkNode(ctx, runID, nodeID, persistence.NodeUpdate{
		Status:      update.Status,
		Output:      update.Output,
		Error:       update.Err,
		StartedAt:   timePtr(update.StartedAt),
		CompletedAt: timePtr(update.CompletedAt),
	})
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// serializePlan round-trips fp through JSON into a plain map, the shape
// persistence.PlanSnapshot.PlanMetadata expects.
func serializePlan(fp *plan.FlexPlan) (map[string]any, error) {
	raw, err := json.Marshal(fp)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// deserializePlan reverses serializePlan.
func deserializePlan(m map[string]any) (*plan.FlexPlan, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var fp plan.FlexPlan
	if err := json.Unmarshal(raw, &fp); err != nil {
		return nil, err
	}
	return &fp, nil
}

// serializeRunState round-trips state through JSON for storage in
// PlanSnapshot.PendingState.
func serializeRunState(state *exec.RunState) (map[string]any, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// restoreRunState reverses serializeRunState, returning an empty state
// when pending is nil (a run paused before any node bookkeeping existed).
func restoreRunState(pending map[string]any) (*exec.RunState, error) {
	if pending == nil {
		return exec.NewRunState(), nil
	}
	raw, err := json.Marshal(pending)
	if err != nil {
		return nil, err
	}
	state := exec.NewRunState()
	if err := json.Unmarshal(raw, state); err != nil {
		return nil, err
	}
	if state.CompletedNodeIDs == nil {
		state.CompletedNodeIDs = map[string]bool{}
	}
	if state.SkippedNodeIDs == nil {
		state.SkippedNodeIDs = map[string]bool{}
	}
	if state.PolicyAttempts == nil {
		state.PolicyAttempts = map[string]int{}
	}
	return state, nil
}

// restoreRunContext rebuilds a run context from a persisted facet
// snapshot, collapsing each facet's provenance chain to a single
// "resumed" entry: the individual contributions that produced the value
// were already recorded (and discarded) by the run that paused.
func restoreRunContext(runID string, facets map[string]any, at time.Time) *runcontext.Context {
	rc := runcontext.New(runID)
	for name, value := range facets {
		rc.UpdateFacet(name, value, runcontext.Provenance{NodeID: "resume", Timestamp: at})
	}
	return rc
}

// planNodeView adapts a *plan.Node to runcontext.Node for
// applyResumeResolution's UpdateFromNode call.
type planNodeView struct{ node *plan.Node }

func (v planNodeView) ID() string             { return v.node.ID }
func (v planNodeView) CapabilityID() string   { return v.node.CapabilityID }
func (v planNodeView) OutputFacets() []string { return v.node.OutputFacets }

// lastAwaitingNode returns the node a resumeSubmission is routed to: the
// node whose id is nodeID (the awaitingNodeId recorded in the run
// metadata when the run paused), or the plan's last node when nodeID is
// empty or matches no node. The node's kind is not checked.
func lastAwaitingNode(fp *plan.FlexPlan, nodeID string) *plan.Node {
	if fp == nil {
		return nil
	}
	if nodeID != "" {
		for i := range fp.Nodes {
			if fp.Nodes[i].ID == nodeID {
				return &fp.Nodes[i]
			}
		}
	}
	if len(fp.Nodes) == 0 {
		return nil
	}
	return &fp.Nodes[len(fp.Nodes)-1]
}
