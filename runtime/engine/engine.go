// Package engine defines the workflow-engine abstraction the execution
// engine (component C8) runs node dispatch on top of. A flex run's plan
// graph is itself modeled as a single workflow: one FlexPlan execution is
// one WorkflowFunc invocation, and each node dispatch (capability call,
// HITL wait, routing decision) is an activity or signal scheduled through
// the WorkflowContext. This lets the orchestrator swap between a
// single-process backend (local) and a durable, replay-safe backend
// (temporal) without touching node-dispatch code.
//
// Grounded on goa-ai's runtime/agent/engine/engine.go core abstraction.
// The retrieval pack's inmem adapter references additional types
// (RunStatus, ChildWorkflowRequest/Handle, ErrWorkflowNotFound, a
// RunTimeout field) that do not exist in this core interface file --
// evidence the pack captured two different revisions of the engine
// package. This package follows the core interface as written; the
// run-status query and child-workflow extensions are not needed for a
// flex run (a run has exactly one workflow execution, no children), so
// they are intentionally not carried over. See DESIGN.md.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/flexrun/orchestrator/telemetry"
)

// ErrWorkflowAlreadyStarted is returned by StartWorkflow when req.ID
// already names a running execution. The local backend's workflow ID
// space is process-local (always a fresh error); the Temporal backend
// maps serviceerror.WorkflowExecutionAlreadyStarted onto it so the
// coordinator can tell "resume by signaling the existing run" apart from
// an unrelated start failure without importing a Temporal-specific type.
var ErrWorkflowAlreadyStarted = errors.New("engine: workflow already started")

type (
	// Engine abstracts workflow registration and execution so backends
	// (local, Temporal) can be swapped without touching the execution
	// engine's dispatch logic.
	Engine interface {
		// RegisterWorkflow registers a workflow definition. Called once
		// during startup before any workflow is started.
		RegisterWorkflow(ctx context.Context, def WorkflowDefinition) error

		// RegisterActivity registers an activity definition. Called once
		// during startup before any workflow is started.
		RegisterActivity(ctx context.Context, def ActivityDefinition) error

		// StartWorkflow launches a new workflow execution and returns a
		// handle for interacting with it. req.ID must be unique.
		StartWorkflow(ctx context.Context, req WorkflowStartRequest) (WorkflowHandle, error)
	}

	// WorkflowDefinition binds a workflow handler to a logical name and
	// default queue.
	WorkflowDefinition struct {
		Name      string
		TaskQueue string
		Handler   WorkflowFunc
	}

	// WorkflowFunc is the run-execution entry point: it receives a
	// WorkflowContext and the run's FlexPlan (as input) and drives node
	// dispatch to completion. Must be deterministic on replay-capable
	// backends: no direct I/O, no system clock, no randomness outside
	// ExecuteActivity/SignalChannel.
	WorkflowFunc func(ctx WorkflowContext, input any) (any, error)

	// WorkflowContext exposes engine operations to a running workflow.
	// Bound to a single execution; must not be shared across goroutines.
	WorkflowContext interface {
		// Context returns the Go context for the workflow. On
		// replay-aware backends this is a special context; use it for
		// activity execution and cancellation propagation.
		Context() context.Context

		// WorkflowID returns the identifier passed to StartWorkflow.
		WorkflowID() string

		// RunID returns the engine-assigned run identifier.
		RunID() string

		// ExecuteActivity schedules an activity and blocks for its
		// result, decoding it into result.
		ExecuteActivity(ctx context.Context, req ActivityRequest, result any) error

		// ExecuteActivityAsync schedules an activity without blocking,
		// returning a Future resolved later via Future.Get.
		ExecuteActivityAsync(ctx context.Context, req ActivityRequest) (Future, error)

		// SignalChannel returns the channel for the given signal name
		// (e.g. "hitl.resolution", "run.cancel").
		SignalChannel(name string) SignalChannel

		// Logger returns a logger scoped to this workflow execution.
		Logger() telemetry.Logger

		// Metrics returns a metrics recorder scoped to this workflow.
		Metrics() telemetry.Metrics

		// Tracer returns a tracer for spans within the workflow.
		Tracer() telemetry.Tracer

		// Now returns the current time in a replay-deterministic manner.
		Now() time.Time
	}

	// Future represents a pending activity result.
	Future interface {
		// Get blocks until the activity completes, decoding its result
		// into result. Safe to call more than once.
		Get(ctx context.Context, result any) error

		// IsReady reports whether Get will not block.
		IsReady() bool
	}

	// ActivityDefinition registers an activity handler.
	ActivityDefinition struct {
		Name    string
		Handler ActivityFunc
		Options ActivityOptions
	}

	// ActivityFunc handles an activity invocation. Unlike workflows,
	// activities may perform side effects (capability calls, HITL
	// submission, persistence writes).
	ActivityFunc func(ctx context.Context, input any) (any, error)

	// ActivityOptions configures retry/timeout behavior for an activity.
	ActivityOptions struct {
		Queue       string
		RetryPolicy RetryPolicy
		Timeout     time.Duration
	}

	// WorkflowStartRequest describes how to launch a workflow execution.
	WorkflowStartRequest struct {
		ID               string
		Workflow         string
		TaskQueue        string
		Input            any
		Memo             map[string]any
		SearchAttributes map[string]any
		RetryPolicy      RetryPolicy
	}

	// ActivityRequest contains the info needed to schedule an activity.
	ActivityRequest struct {
		Name        string
		Input       any
		Queue       string
		RetryPolicy RetryPolicy
		Timeout     time.Duration
	}

	// WorkflowHandle lets callers interact with a running workflow.
	WorkflowHandle interface {
		// Wait blocks until the workflow completes, decoding its result
		// into result.
		Wait(ctx context.Context, result any) error

		// Signal sends an asynchronous message to the workflow.
		Signal(ctx context.Context, name string, payload any) error

		// Cancel requests cancellation of the workflow.
		Cancel(ctx context.Context) error
	}

	// RetryPolicy defines retry semantics shared by workflows and
	// activities. Zero-valued fields mean the engine uses its defaults.
	RetryPolicy struct {
		MaxAttempts        int
		InitialInterval    time.Duration
		BackoffCoefficient float64
	}

	// SignalChannel exposes signal delivery in an engine-agnostic way.
	SignalChannel interface {
		// Receive blocks until a signal is delivered, decoding it into
		// dest.
		Receive(ctx context.Context, dest any) error

		// ReceiveAsync attempts a non-blocking receive, reporting
		// whether a value was written into dest.
		ReceiveAsync(dest any) bool
	}
)
