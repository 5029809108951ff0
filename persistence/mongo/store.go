// Package mongo implements persistence.Store on top of MongoDB, grounded
// on features/run/mongo/store.go's thin Store-wraps-Client layering.
package mongo

import (
	"context"
	"errors"

	clientsmongo "github.com/flexrun/orchestrator/persistence/mongo/clients/mongo"

	"github.com/flexrun/orchestrator/persistence"
)

// Options configures the Mongo-backed persistence.Store.
type Options struct {
	Client clientsmongo.Client
}

// Store implements persistence.Store by delegating to a Mongo client.
type Store struct {
	client clientsmongo.Client
}

// NewStore builds a Store using the provided client.
func NewStore(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: opts.Client}, nil
}

// NewStoreFromMongo instantiates the Store by constructing the underlying
// client from raw Mongo options.
func NewStoreFromMongo(opts clientsmongo.Options) (*Store, error) {
	client, err := clientsmongo.New(opts)
	if err != nil {
		return nil, err
	}
	return NewStore(Options{Client: client})
}

func (s *Store) CreateOrUpdateRun(ctx context.Context, record persistence.RunRecord) error {
	return s.client.UpsertRun(ctx, record)
}

func (s *Store) UpdateStatus(ctx context.Context, runID string, status persistence.Status) error {
	run, ok, err := s.client.LoadRun(ctx, runID)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("persistence: no run " + runID)
	}
	run.Status = status
	return s.client.UpsertRun(ctx, run)
}

func (s *Store) SaveRunContext(ctx context.Context, runID string, snapshot map[string]any) error {
	return s.client.SaveRunContext(ctx, runID, snapshot)
}

func (s *Store) SavePlanSnapshot(ctx context.Context, snapshot persistence.PlanSnapshot) error {
	return s.client.InsertPlanSnapshot(ctx, snapshot)
}

func (s *Store) MarkNode(ctx context.Context, runID, nodeID string, update persistence.NodeUpdate) error {
	return s.client.UpsertNodeState(ctx, runID, nodeID, update)
}

func (s *Store) RecordResult(ctx context.Context, runID string, finalOutput map[string]any, goalConditionResults []map[string]any) error {
	return s.client.UpsertOutput(ctx, persistence.RunOutput{RunID: runID, FinalOutput: finalOutput, GoalConditionResults: goalConditionResults})
}

func (s *Store) RecordPendingResult(ctx context.Context, runID string, provisionalOutput map[string]any) error {
	return s.client.UpsertOutput(ctx, persistence.RunOutput{RunID: runID, ProvisionalOutput: provisionalOutput})
}

func (s *Store) LoadFlexRun(ctx context.Context, runID string) (persistence.RunRecord, bool, error) {
	return s.client.LoadRun(ctx, runID)
}

func (s *Store) FindFlexRunByThreadID(ctx context.Context, threadID string) (persistence.RunRecord, bool, error) {
	return s.client.FindRunByThreadID(ctx, threadID)
}

func (s *Store) LoadPlanSnapshot(ctx context.Context, runID string, version int) (persistence.PlanSnapshot, bool, error) {
	if version == 0 {
		return s.client.LatestPlanSnapshot(ctx, runID)
	}
	return s.client.PlanSnapshotByVersion(ctx, runID, version)
}

func (s *Store) LoadRunOutput(ctx context.Context, runID string) (persistence.RunOutput, bool, error) {
	return s.client.LoadOutput(ctx, runID)
}

func (s *Store) LoadFlexRunDebug(ctx context.Context, runID string) (persistence.Debug, bool, error) {
	run, ok, err := s.client.LoadRun(ctx, runID)
	if err != nil || !ok {
		return persistence.Debug{}, ok, err
	}
	plan, _, err := s.client.LatestPlanSnapshot(ctx, runID)
	if err != nil {
		return persistence.Debug{}, false, err
	}
	output, _, err := s.client.LoadOutput(ctx, runID)
	if err != nil {
		return persistence.Debug{}, false, err
	}
	return persistence.Debug{Run: run, Plan: plan, Output: output}, true, nil
}

func (s *Store) ListPendingHumanTasks(ctx context.Context, filter persistence.PendingTaskFilter) ([]persistence.HumanTask, error) {
	return s.client.PendingNodes(ctx, filter)
}
