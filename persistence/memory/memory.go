// Package memory is an in-process persistence.Store for tests and local
// development, following the same mutex-guarded-map shape as
// capability.InMemoryRegistry and hitl.InMemoryService: no durability
// across process restarts, safe for concurrent use.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flexrun/orchestrator/persistence"
)

// Store is an in-memory persistence.Store.
type Store struct {
	mu sync.Mutex

	runs        map[string]persistence.RunRecord
	threadIndex map[string]string // threadID -> runID
	contexts    map[string]map[string]any
	snapshots   map[string][]persistence.PlanSnapshot // runID -> snapshots ordered by version
	outputs     map[string]persistence.RunOutput
	nodes       map[string]map[string]persistence.NodeState // runID -> nodeID -> state
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		runs:        make(map[string]persistence.RunRecord),
		threadIndex: make(map[string]string),
		contexts:    make(map[string]map[string]any),
		snapshots:   make(map[string][]persistence.PlanSnapshot),
		outputs:     make(map[string]persistence.RunOutput),
		nodes:       make(map[string]map[string]persistence.NodeState),
	}
}

// CreateOrUpdateRun upserts record. An unset StartedAt is kept from the
// existing record or stamped with the current time; UpdatedAt is always
// stamped.
func (s *Store) CreateOrUpdateRun(_ context.Context, record persistence.RunRecord) error {
	if record.RunID == "" {
		return fmt.Errorf("persistence: run id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	existing, ok := s.runs[record.RunID]
	if ok && record.StartedAt.IsZero() {
		record.StartedAt = existing.StartedAt
	} else if record.StartedAt.IsZero() {
		record.StartedAt = now
	}
	record.UpdatedAt = now
	s.runs[record.RunID] = record
	if record.ThreadID != "" {
		s.threadIndex[record.ThreadID] = record.RunID
	}
	return nil
}

// UpdateStatus transitions runID's status, touching UpdatedAt.
func (s *Store) UpdateStatus(_ context.Context, runID string, status persistence.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("persistence: no run %q", runID)
	}
	run.Status = status
	run.UpdatedAt = time.Now().UTC()
	s.runs[runID] = run
	return nil
}

// SaveRunContext stores a full run-context facet snapshot for runID.
func (s *Store) SaveRunContext(_ context.Context, runID string, snapshot map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contexts[runID] = cloneMap(snapshot)
	return nil
}

// SavePlanSnapshot appends snapshot. (runID, Version) must be unique.
func (s *Store) SavePlanSnapshot(_ context.Context, snapshot persistence.PlanSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.snapshots[snapshot.RunID] {
		if existing.Version == snapshot.Version {
			return fmt.Errorf("persistence: plan snapshot run %q version %d already exists", snapshot.RunID, snapshot.Version)
		}
	}
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = time.Now().UTC()
	}
	s.snapshots[snapshot.RunID] = append(s.snapshots[snapshot.RunID], snapshot)
	return nil
}

// MarkNode applies update to runID's nodeID node state.
func (s *Store) MarkNode(_ context.Context, runID, nodeID string, update persistence.NodeUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byNode, ok := s.nodes[runID]
	if !ok {
		byNode = make(map[string]persistence.NodeState)
		s.nodes[runID] = byNode
	}
	state := byNode[nodeID]
	state.NodeID = nodeID
	if update.Status != "" {
		state.Status = update.Status
	}
	if update.Output != nil {
		state.Output = cloneMap(update.Output)
	}
	if update.Error != "" {
		state.Error = update.Error
	}
	if update.StartedAt != nil {
		state.StartedAt = *update.StartedAt
	}
	if update.CompletedAt != nil {
		state.CompletedAt = *update.CompletedAt
	}
	byNode[nodeID] = state
	return nil
}

// RecordResult stores a run's final output and goal-condition results.
func (s *Store) RecordResult(_ context.Context, runID string, finalOutput map[string]any, goalConditionResults []map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.outputs[runID]
	out.RunID = runID
	out.FinalOutput = cloneMap(finalOutput)
	out.GoalConditionResults = goalConditionResults
	out.RecordedAt = time.Now().UTC()
	s.outputs[runID] = out
	return nil
}

// RecordPendingResult stores a run's provisional output (e.g. ahead of a
// goal-condition-triggered re-plan).
func (s *Store) RecordPendingResult(_ context.Context, runID string, provisionalOutput map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.outputs[runID]
	out.RunID = runID
	out.ProvisionalOutput = cloneMap(provisionalOutput)
	out.RecordedAt = time.Now().UTC()
	s.outputs[runID] = out
	return nil
}

// LoadFlexRun returns the run record for runID, if known.
func (s *Store) LoadFlexRun(_ context.Context, runID string) (persistence.RunRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	return run, ok, nil
}

// FindFlexRunByThreadID resolves a run by its thread id.
func (s *Store) FindFlexRunByThreadID(_ context.Context, threadID string) (persistence.RunRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	runID, ok := s.threadIndex[threadID]
	if !ok {
		return persistence.RunRecord{}, false, nil
	}
	run, ok := s.runs[runID]
	return run, ok, nil
}

// LoadPlanSnapshot returns the snapshot for (runID, version). version == 0
// means "the latest snapshot for runID".
func (s *Store) LoadPlanSnapshot(_ context.Context, runID string, version int) (persistence.PlanSnapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snaps := s.snapshots[runID]
	if len(snaps) == 0 {
		return persistence.PlanSnapshot{}, false, nil
	}
	if version == 0 {
		return snaps[len(snaps)-1], true, nil
	}
	for _, snap := range snaps {
		if snap.Version == version {
			return snap, true, nil
		}
	}
	return persistence.PlanSnapshot{}, false, nil
}

// LoadRunOutput returns runID's recorded output, if any.
func (s *Store) LoadRunOutput(_ context.Context, runID string) (persistence.RunOutput, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out, ok := s.outputs[runID]
	return out, ok, nil
}

// LoadFlexRunDebug assembles the run record, latest plan snapshot, and
// output for runID into one aggregate.
func (s *Store) LoadFlexRunDebug(ctx context.Context, runID string) (persistence.Debug, bool, error) {
	run, ok, err := s.LoadFlexRun(ctx, runID)
	if err != nil || !ok {
		return persistence.Debug{}, ok, err
	}
	plan, _, err := s.LoadPlanSnapshot(ctx, runID, 0)
	if err != nil {
		return persistence.Debug{}, false, err
	}
	output, _, err := s.LoadRunOutput(ctx, runID)
	if err != nil {
		return persistence.Debug{}, false, err
	}
	return persistence.Debug{Run: run, Plan: plan, Output: output}, true, nil
}

// ListPendingHumanTasks returns every node across every run currently in
// an awaiting_human or awaiting_hitl state, narrowed to filter.Status when
// set. filter.AssignedTo and filter.Role are not matched.
func (s *Store) ListPendingHumanTasks(_ context.Context, filter persistence.PendingTaskFilter) ([]persistence.HumanTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []persistence.HumanTask
	for runID, byNode := range s.nodes {
		for nodeID, state := range byNode {
			if state.Status != "awaiting_human" && state.Status != "awaiting_hitl" {
				continue
			}
			if filter.Status != "" && state.Status != filter.Status {
				continue
			}
			out = append(out, persistence.HumanTask{
				RunID:     runID,
				NodeID:    nodeID,
				Status:    state.Status,
				CreatedAt: state.StartedAt,
			})
		}
	}
	return out, nil
}

func cloneMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
