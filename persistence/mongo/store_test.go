package mongo_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	clientsmongo "github.com/flexrun/orchestrator/persistence/mongo/clients/mongo"

	"github.com/flexrun/orchestrator/persistence"
	flexmongo "github.com/flexrun/orchestrator/persistence/mongo"
)

type fakeClient struct {
	runs      map[string]persistence.RunRecord
	snapshots map[string][]persistence.PlanSnapshot
	outputs   map[string]persistence.RunOutput
	nodes     map[string]persistence.NodeUpdate
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		runs:      make(map[string]persistence.RunRecord),
		snapshots: make(map[string][]persistence.PlanSnapshot),
		outputs:   make(map[string]persistence.RunOutput),
		nodes:     make(map[string]persistence.NodeUpdate),
	}
}

func (c *fakeClient) Name() string                        { return "fake" }
func (c *fakeClient) Ping(context.Context) error           { return nil }
func (c *fakeClient) UpsertRun(_ context.Context, run persistence.RunRecord) error {
	c.runs[run.RunID] = run
	return nil
}
func (c *fakeClient) LoadRun(_ context.Context, runID string) (persistence.RunRecord, bool, error) {
	r, ok := c.runs[runID]
	return r, ok, nil
}
func (c *fakeClient) FindRunByThreadID(_ context.Context, threadID string) (persistence.RunRecord, bool, error) {
	for _, r := range c.runs {
		if r.ThreadID == threadID {
			return r, true, nil
		}
	}
	return persistence.RunRecord{}, false, nil
}
func (c *fakeClient) SaveRunContext(context.Context, string, map[string]any) error { return nil }
func (c *fakeClient) InsertPlanSnapshot(_ context.Context, snap persistence.PlanSnapshot) error {
	c.snapshots[snap.RunID] = append(c.snapshots[snap.RunID], snap)
	return nil
}
func (c *fakeClient) LatestPlanSnapshot(_ context.Context, runID string) (persistence.PlanSnapshot, bool, error) {
	snaps := c.snapshots[runID]
	if len(snaps) == 0 {
		return persistence.PlanSnapshot{}, false, nil
	}
	return snaps[len(snaps)-1], true, nil
}
func (c *fakeClient) PlanSnapshotByVersion(_ context.Context, runID string, version int) (persistence.PlanSnapshot, bool, error) {
	for _, s := range c.snapshots[runID] {
		if s.Version == version {
			return s, true, nil
		}
	}
	return persistence.PlanSnapshot{}, false, nil
}
func (c *fakeClient) UpsertNodeState(_ context.Context, runID, nodeID string, update persistence.NodeUpdate) error {
	c.nodes[runID+"|"+nodeID] = update
	return nil
}
func (c *fakeClient) PendingNodes(context.Context, persistence.PendingTaskFilter) ([]persistence.HumanTask, error) {
	return nil, nil
}
func (c *fakeClient) UpsertOutput(_ context.Context, out persistence.RunOutput) error {
	c.outputs[out.RunID] = out
	return nil
}
func (c *fakeClient) LoadOutput(_ context.Context, runID string) (persistence.RunOutput, bool, error) {
	o, ok := c.outputs[runID]
	return o, ok, nil
}

var _ clientsmongo.Client = (*fakeClient)(nil)

func TestNewStoreRequiresClient(t *testing.T) {
	_, err := flexmongo.NewStore(flexmongo.Options{})
	require.Error(t, err)
}

func TestCreateOrUpdateRunDelegatesToClient(t *testing.T) {
	fake := newFakeClient()
	store, err := flexmongo.NewStore(flexmongo.Options{Client: fake})
	require.NoError(t, err)

	require.NoError(t, store.CreateOrUpdateRun(context.Background(), persistence.RunRecord{RunID: "run-1"}))
	_, ok := fake.runs["run-1"]
	assert.True(t, ok)
}

func TestUpdateStatusRequiresExistingRun(t *testing.T) {
	fake := newFakeClient()
	store, err := flexmongo.NewStore(flexmongo.Options{Client: fake})
	require.NoError(t, err)

	err = store.UpdateStatus(context.Background(), "missing", persistence.StatusRunning)
	require.Error(t, err)
}

func TestLoadPlanSnapshotZeroVersionUsesLatest(t *testing.T) {
	fake := newFakeClient()
	store, err := flexmongo.NewStore(flexmongo.Options{Client: fake})
	require.NoError(t, err)

	require.NoError(t, store.SavePlanSnapshot(context.Background(), persistence.PlanSnapshot{RunID: "run-1", Version: 1}))
	require.NoError(t, store.SavePlanSnapshot(context.Background(), persistence.PlanSnapshot{RunID: "run-1", Version: 2}))

	latest, ok, err := store.LoadPlanSnapshot(context.Background(), "run-1", 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, latest.Version)
}

func TestLoadFlexRunDebugAssemblesAggregate(t *testing.T) {
	fake := newFakeClient()
	store, err := flexmongo.NewStore(flexmongo.Options{Client: fake})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.CreateOrUpdateRun(ctx, persistence.RunRecord{RunID: "run-1"}))
	require.NoError(t, store.SavePlanSnapshot(ctx, persistence.PlanSnapshot{RunID: "run-1", Version: 1}))
	require.NoError(t, store.RecordResult(ctx, "run-1", map[string]any{"summary": "final"}, nil))

	debug, ok, err := store.LoadFlexRunDebug(ctx, "run-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "final", debug.Output.FinalOutput["summary"])
}
