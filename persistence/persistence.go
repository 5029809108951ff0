// Package persistence defines the append-only checkpoint boundary spec.md
// section 4.8 describes: run records, versioned plan snapshots, per-node
// state, final/pending outputs, and run-context snapshots, sufficient for
// the Run Coordinator to resume a run deterministically after a restart.
//
// Grounded on features/run/mongo/store.go's Store-wraps-a-typed-Client
// layering (a thin domain-shaped Store delegating to a narrower storage
// Client interface) and features/runlog/mongo's append-only log pattern,
// generalized from a single session-metadata document to the five
// `flexRuns`/`flexPlanSnapshots`/`flexRunOutputs`/`flexPlanNodes`/
// `flexPendingHumanTasks`-shaped collections spec.md's interface contract
// implies.
package persistence

import (
	"context"
	"time"
)

// Status is a run's lifecycle state (spec.md section 3:
// "pending → running → (awaiting_hitl | awaiting_human | completed |
// failed | cancelled)").
type Status string

const (
	StatusPending      Status = "pending"
	StatusRunning      Status = "running"
	StatusAwaitingHitl Status = "awaiting_hitl"
	StatusAwaitingHuman Status = "awaiting_human"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

type (
	// RunRecord is the top-level row tracking one flex run.
	RunRecord struct {
		RunID       string
		ThreadID    string
		ClientID    string
		Status      Status
		PlanVersion int
		StartedAt   time.Time
		UpdatedAt   time.Time
		Metadata    map[string]any
	}

	// NodeState is one node's persisted status within a plan snapshot,
	// mirroring exec.RunState's bookkeeping (completed/skipped/awaiting
	// nodes) in a form a restarted coordinator can reload.
	NodeState struct {
		NodeID      string
		Status      string
		Output      map[string]any
		Error       string
		StartedAt   time.Time
		CompletedAt time.Time
	}

	// PlanSnapshot is one versioned plan write: the plan's node states
	// plus enough context (facets, schema hash, edges, planner metadata,
	// pending state) to resume without re-planning.
	PlanSnapshot struct {
		RunID         string
		Version       int
		NodeStates    []NodeState
		Facets        map[string]any
		SchemaHash    string
		Edges         []EdgeSnapshot
		PlanMetadata  map[string]any
		PendingState  map[string]any
		CreatedAt     time.Time
	}

	// EdgeSnapshot is a persisted plan edge.
	EdgeSnapshot struct {
		From      string
		To        string
		Reason    string
		Condition string
	}

	// NodeUpdate is the partial node state markNode persists.
	NodeUpdate struct {
		Status      string
		Context     map[string]any
		Output      map[string]any
		Error       string
		StartedAt   *time.Time
		CompletedAt *time.Time
	}

	// RunOutput is a run's recorded result, final or provisional.
	RunOutput struct {
		RunID                string
		FinalOutput          map[string]any
		ProvisionalOutput    map[string]any
		GoalConditionResults []map[string]any
		RecordedAt           time.Time
	}

	// Debug is the redacted-view-ready aggregate loadFlexRunDebug returns:
	// the run record, its latest plan snapshot, and its output, assembled
	// so the transport layer can apply section 6's redaction regex before
	// serving it.
	Debug struct {
		Run    RunRecord
		Plan   PlanSnapshot
		Output RunOutput
	}

	// HumanTask is one pending human-assigned or HITL-escalation task
	// surfaced by ListPendingHumanTasks.
	HumanTask struct {
		RunID      string
		NodeID     string
		AssignedTo string
		Role       string
		Status     string
		CreatedAt  time.Time
	}

	// PendingTaskFilter narrows ListPendingHumanTasks. The memory and mongo
	// stores match Status only: node states record no assignee or role, so
	// AssignedTo and Role do not narrow the result.
	PendingTaskFilter struct {
		AssignedTo string
		Role       string
		Status     string
	}
)

// Store is the persistence boundary the Run Coordinator depends on. Any
// backing store satisfying this contract's semantics (crash-safe writes,
// unique (runId, version) plan snapshots) is acceptable.
type Store interface {
	CreateOrUpdateRun(ctx context.Context, record RunRecord) error
	UpdateStatus(ctx context.Context, runID string, status Status) error
	SaveRunContext(ctx context.Context, runID string, snapshot map[string]any) error
	SavePlanSnapshot(ctx context.Context, snapshot PlanSnapshot) error
	MarkNode(ctx context.Context, runID, nodeID string, update NodeUpdate) error
	RecordResult(ctx context.Context, runID string, finalOutput map[string]any, goalConditionResults []map[string]any) error
	RecordPendingResult(ctx context.Context, runID string, provisionalOutput map[string]any) error

	LoadFlexRun(ctx context.Context, runID string) (RunRecord, bool, error)
	FindFlexRunByThreadID(ctx context.Context, threadID string) (RunRecord, bool, error)
	LoadPlanSnapshot(ctx context.Context, runID string, version int) (PlanSnapshot, bool, error)
	LoadRunOutput(ctx context.Context, runID string) (RunOutput, bool, error)
	LoadFlexRunDebug(ctx context.Context, runID string) (Debug, bool, error)
	ListPendingHumanTasks(ctx context.Context, filter PendingTaskFilter) ([]HumanTask, error)
}
