// Package mongo implements the low-level MongoDB client backing the flex
// run persistence store, grounded on features/run/mongo/clients/mongo and
// features/runlog/mongo/clients/mongo's layering: a narrow collection
// wrapper interface (testable without a live server), index setup on
// construction, and context-timeout-wrapped operations. Adapted to the
// mongo-driver/v2 API the rest of the module depends on (the teacher's
// Mongo clients predate v2 and import the v1 package paths).
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"github.com/flexrun/orchestrator/persistence"
)

const (
	defaultRunsCollection      = "flex_runs"
	defaultSnapshotsCollection = "flex_plan_snapshots"
	defaultNodesCollection     = "flex_plan_nodes"
	defaultOutputsCollection   = "flex_run_outputs"
	defaultOpTimeout           = 5 * time.Second
	clientName                 = "flexrun-mongo"
)

// Client exposes the Mongo-backed operations persistence.Store delegates
// to. It maps close to persistence.Store itself; Store adds only
// validation and default-value stamping shared with the in-memory backend.
type Client interface {
	health.Pinger

	UpsertRun(ctx context.Context, run persistence.RunRecord) error
	LoadRun(ctx context.Context, runID string) (persistence.RunRecord, bool, error)
	FindRunByThreadID(ctx context.Context, threadID string) (persistence.RunRecord, bool, error)

	SaveRunContext(ctx context.Context, runID string, snapshot map[string]any) error

	InsertPlanSnapshot(ctx context.Context, snapshot persistence.PlanSnapshot) error
	LatestPlanSnapshot(ctx context.Context, runID string) (persistence.PlanSnapshot, bool, error)
	PlanSnapshotByVersion(ctx context.Context, runID string, version int) (persistence.PlanSnapshot, bool, error)

	UpsertNodeState(ctx context.Context, runID, nodeID string, update persistence.NodeUpdate) error
	PendingNodes(ctx context.Context, filter persistence.PendingTaskFilter) ([]persistence.HumanTask, error)

	UpsertOutput(ctx context.Context, out persistence.RunOutput) error
	LoadOutput(ctx context.Context, runID string) (persistence.RunOutput, bool, error)
}

// Options configures the Mongo client.
type Options struct {
	Client      *mongodriver.Client
	Database    string
	Timeout     time.Duration
	Collections CollectionNames
}

// CollectionNames overrides the default collection names, primarily for
// tests running against a shared database.
type CollectionNames struct {
	Runs      string
	Snapshots string
	Nodes     string
	Outputs   string
}

type client struct {
	mongo     *mongodriver.Client
	runs      *mongodriver.Collection
	snapshots *mongodriver.Collection
	nodes     *mongodriver.Collection
	outputs   *mongodriver.Collection
	timeout   time.Duration
}

// New returns a Client backed by MongoDB, ensuring required indexes exist.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	names := opts.Collections
	if names.Runs == "" {
		names.Runs = defaultRunsCollection
	}
	if names.Snapshots == "" {
		names.Snapshots = defaultSnapshotsCollection
	}
	if names.Nodes == "" {
		names.Nodes = defaultNodesCollection
	}
	if names.Outputs == "" {
		names.Outputs = defaultOutputsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}

	db := opts.Client.Database(opts.Database)
	c := &client{
		mongo:     opts.Client,
		runs:      db.Collection(names.Runs),
		snapshots: db.Collection(names.Snapshots),
		nodes:     db.Collection(names.Nodes),
		outputs:   db.Collection(names.Outputs),
		timeout:   timeout,
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := c.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *client) Name() string { return clientName }

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *client) ensureIndexes(ctx context.Context) error {
	if _, err := c.runs.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "run_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "thread_id", Value: 1}}, Options: options.Index().SetSparse(true)},
	}); err != nil {
		return fmt.Errorf("ensure run indexes: %w", err)
	}
	if _, err := c.snapshots.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "run_id", Value: 1}, {Key: "version", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return fmt.Errorf("ensure snapshot index: %w", err)
	}
	if _, err := c.nodes.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "run_id", Value: 1}, {Key: "node_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return fmt.Errorf("ensure node index: %w", err)
	}
	if _, err := c.outputs.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "run_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return fmt.Errorf("ensure output index: %w", err)
	}
	return nil
}

type runDocument struct {
	RunID       string         `bson:"run_id"`
	ThreadID    string         `bson:"thread_id,omitempty"`
	ClientID    string         `bson:"client_id,omitempty"`
	Status      string         `bson:"status"`
	PlanVersion int            `bson:"plan_version"`
	StartedAt   time.Time      `bson:"started_at"`
	UpdatedAt   time.Time      `bson:"updated_at"`
	Metadata    map[string]any `bson:"metadata,omitempty"`
	Context     map[string]any `bson:"context,omitempty"`
}

func fromRun(r persistence.RunRecord) runDocument {
	return runDocument{
		RunID:       r.RunID,
		ThreadID:    r.ThreadID,
		ClientID:    r.ClientID,
		Status:      string(r.Status),
		PlanVersion: r.PlanVersion,
		StartedAt:   r.StartedAt.UTC(),
		UpdatedAt:   r.UpdatedAt.UTC(),
		Metadata:    r.Metadata,
	}
}

func (d runDocument) toRun() persistence.RunRecord {
	return persistence.RunRecord{
		RunID:       d.RunID,
		ThreadID:    d.ThreadID,
		ClientID:    d.ClientID,
		Status:      persistence.Status(d.Status),
		PlanVersion: d.PlanVersion,
		StartedAt:   d.StartedAt,
		UpdatedAt:   d.UpdatedAt,
		Metadata:    d.Metadata,
	}
}

func (c *client) UpsertRun(ctx context.Context, run persistence.RunRecord) error {
	if run.RunID == "" {
		return errors.New("run id is required")
	}
	now := time.Now().UTC()
	keepStarted := run.StartedAt.IsZero()
	if keepStarted {
		run.StartedAt = now
	}
	run.UpdatedAt = now
	raw, err := bson.Marshal(fromRun(run))
	if err != nil {
		return err
	}
	var set bson.M
	if err := bson.Unmarshal(raw, &set); err != nil {
		return err
	}
	update := bson.M{"$set": set}
	if keepStarted {
		// A field may appear in only one update operator; an existing run
		// keeps its original started_at.
		delete(set, "started_at")
		update["$setOnInsert"] = bson.M{"started_at": run.StartedAt}
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"run_id": run.RunID}
	_, err = c.runs.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	return err
}

func (c *client) LoadRun(ctx context.Context, runID string) (persistence.RunRecord, bool, error) {
	if runID == "" {
		return persistence.RunRecord{}, false, errors.New("run id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc runDocument
	if err := c.runs.FindOne(ctx, bson.M{"run_id": runID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return persistence.RunRecord{}, false, nil
		}
		return persistence.RunRecord{}, false, err
	}
	return doc.toRun(), true, nil
}

func (c *client) FindRunByThreadID(ctx context.Context, threadID string) (persistence.RunRecord, bool, error) {
	if threadID == "" {
		return persistence.RunRecord{}, false, errors.New("thread id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc runDocument
	if err := c.runs.FindOne(ctx, bson.M{"thread_id": threadID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return persistence.RunRecord{}, false, nil
		}
		return persistence.RunRecord{}, false, err
	}
	return doc.toRun(), true, nil
}

func (c *client) SaveRunContext(ctx context.Context, runID string, snapshot map[string]any) error {
	if runID == "" {
		return errors.New("run id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.runs.UpdateOne(ctx,
		bson.M{"run_id": runID},
		bson.M{"$set": bson.M{"context": snapshot, "updated_at": time.Now().UTC()}},
		options.UpdateOne().SetUpsert(true))
	return err
}

type nodeStateDocument struct {
	NodeID      string         `bson:"node_id"`
	Status      string         `bson:"status"`
	Output      map[string]any `bson:"output,omitempty"`
	Error       string         `bson:"error,omitempty"`
	StartedAt   time.Time      `bson:"started_at,omitempty"`
	CompletedAt time.Time      `bson:"completed_at,omitempty"`
}

func fromNodeState(s persistence.NodeState) nodeStateDocument {
	return nodeStateDocument{
		NodeID: s.NodeID, Status: s.Status, Output: s.Output, Error: s.Error,
		StartedAt: s.StartedAt, CompletedAt: s.CompletedAt,
	}
}

func (d nodeStateDocument) toNodeState() persistence.NodeState {
	return persistence.NodeState{
		NodeID: d.NodeID, Status: d.Status, Output: d.Output, Error: d.Error,
		StartedAt: d.StartedAt, CompletedAt: d.CompletedAt,
	}
}

type edgeDocument struct {
	From      string `bson:"from"`
	To        string `bson:"to"`
	Reason    string `bson:"reason,omitempty"`
	Condition string `bson:"condition,omitempty"`
}

type snapshotDocument struct {
	RunID        string              `bson:"run_id"`
	Version      int                 `bson:"version"`
	NodeStates   []nodeStateDocument `bson:"node_states"`
	Facets       map[string]any      `bson:"facets,omitempty"`
	SchemaHash   string              `bson:"schema_hash,omitempty"`
	Edges        []edgeDocument      `bson:"edges,omitempty"`
	PlanMetadata map[string]any      `bson:"plan_metadata,omitempty"`
	PendingState map[string]any      `bson:"pending_state,omitempty"`
	CreatedAt    time.Time           `bson:"created_at"`
}

func fromSnapshot(s persistence.PlanSnapshot) snapshotDocument {
	nodeStates := make([]nodeStateDocument, len(s.NodeStates))
	for i, n := range s.NodeStates {
		nodeStates[i] = fromNodeState(n)
	}
	edges := make([]edgeDocument, len(s.Edges))
	for i, e := range s.Edges {
		edges[i] = edgeDocument{From: e.From, To: e.To, Reason: e.Reason, Condition: e.Condition}
	}
	createdAt := s.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return snapshotDocument{
		RunID: s.RunID, Version: s.Version, NodeStates: nodeStates, Facets: s.Facets,
		SchemaHash: s.SchemaHash, Edges: edges, PlanMetadata: s.PlanMetadata,
		PendingState: s.PendingState, CreatedAt: createdAt,
	}
}

func (d snapshotDocument) toSnapshot() persistence.PlanSnapshot {
	nodeStates := make([]persistence.NodeState, len(d.NodeStates))
	for i, n := range d.NodeStates {
		nodeStates[i] = n.toNodeState()
	}
	edges := make([]persistence.EdgeSnapshot, len(d.Edges))
	for i, e := range d.Edges {
		edges[i] = persistence.EdgeSnapshot{From: e.From, To: e.To, Reason: e.Reason, Condition: e.Condition}
	}
	return persistence.PlanSnapshot{
		RunID: d.RunID, Version: d.Version, NodeStates: nodeStates, Facets: d.Facets,
		SchemaHash: d.SchemaHash, Edges: edges, PlanMetadata: d.PlanMetadata,
		PendingState: d.PendingState, CreatedAt: d.CreatedAt,
	}
}

func (c *client) InsertPlanSnapshot(ctx context.Context, snapshot persistence.PlanSnapshot) error {
	if snapshot.RunID == "" {
		return errors.New("run id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.snapshots.InsertOne(ctx, fromSnapshot(snapshot))
	if mongodriver.IsDuplicateKeyError(err) {
		return fmt.Errorf("persistence: plan snapshot run %q version %d already exists", snapshot.RunID, snapshot.Version)
	}
	return err
}

func (c *client) LatestPlanSnapshot(ctx context.Context, runID string) (persistence.PlanSnapshot, bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc snapshotDocument
	opts := options.FindOne().SetSort(bson.D{{Key: "version", Value: -1}})
	if err := c.snapshots.FindOne(ctx, bson.M{"run_id": runID}, opts).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return persistence.PlanSnapshot{}, false, nil
		}
		return persistence.PlanSnapshot{}, false, err
	}
	return doc.toSnapshot(), true, nil
}

func (c *client) PlanSnapshotByVersion(ctx context.Context, runID string, version int) (persistence.PlanSnapshot, bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc snapshotDocument
	if err := c.snapshots.FindOne(ctx, bson.M{"run_id": runID, "version": version}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return persistence.PlanSnapshot{}, false, nil
		}
		return persistence.PlanSnapshot{}, false, err
	}
	return doc.toSnapshot(), true, nil
}

func (c *client) UpsertNodeState(ctx context.Context, runID, nodeID string, update persistence.NodeUpdate) error {
	if runID == "" || nodeID == "" {
		return errors.New("run id and node id are required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	set := bson.M{}
	if update.Status != "" {
		set["status"] = update.Status
	}
	if update.Output != nil {
		set["output"] = update.Output
	}
	if update.Error != "" {
		set["error"] = update.Error
	}
	if update.StartedAt != nil {
		set["started_at"] = update.StartedAt.UTC()
	}
	if update.CompletedAt != nil {
		set["completed_at"] = update.CompletedAt.UTC()
	}
	_, err := c.nodes.UpdateOne(ctx,
		bson.M{"run_id": runID, "node_id": nodeID},
		bson.M{"$set": set, "$setOnInsert": bson.M{"run_id": runID, "node_id": nodeID}},
		options.UpdateOne().SetUpsert(true))
	return err
}

func (c *client) PendingNodes(ctx context.Context, filter persistence.PendingTaskFilter) ([]persistence.HumanTask, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	query := bson.M{"status": bson.M{"$in": []string{"awaiting_human", "awaiting_hitl"}}}
	if filter.Status != "" {
		query["status"] = filter.Status
	}
	cursor, err := c.nodes.Find(ctx, query)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	var out []persistence.HumanTask
	for cursor.Next(ctx) {
		var doc struct {
			RunID     string    `bson:"run_id"`
			NodeID    string    `bson:"node_id"`
			Status    string    `bson:"status"`
			StartedAt time.Time `bson:"started_at"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, persistence.HumanTask{RunID: doc.RunID, NodeID: doc.NodeID, Status: doc.Status, CreatedAt: doc.StartedAt})
	}
	return out, cursor.Err()
}

type outputDocument struct {
	RunID                string           `bson:"run_id"`
	FinalOutput          map[string]any   `bson:"final_output,omitempty"`
	ProvisionalOutput    map[string]any   `bson:"provisional_output,omitempty"`
	GoalConditionResults []map[string]any `bson:"goal_condition_results,omitempty"`
	RecordedAt           time.Time        `bson:"recorded_at"`
}

func (c *client) UpsertOutput(ctx context.Context, out persistence.RunOutput) error {
	if out.RunID == "" {
		return errors.New("run id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	set := bson.M{"recorded_at": time.Now().UTC()}
	if out.FinalOutput != nil {
		set["final_output"] = out.FinalOutput
	}
	if out.ProvisionalOutput != nil {
		set["provisional_output"] = out.ProvisionalOutput
	}
	if out.GoalConditionResults != nil {
		set["goal_condition_results"] = out.GoalConditionResults
	}
	_, err := c.outputs.UpdateOne(ctx,
		bson.M{"run_id": out.RunID},
		bson.M{"$set": set, "$setOnInsert": bson.M{"run_id": out.RunID}},
		options.UpdateOne().SetUpsert(true))
	return err
}

func (c *client) LoadOutput(ctx context.Context, runID string) (persistence.RunOutput, bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc outputDocument
	if err := c.outputs.FindOne(ctx, bson.M{"run_id": runID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return persistence.RunOutput{}, false, nil
		}
		return persistence.RunOutput{}, false, err
	}
	return persistence.RunOutput{
		RunID: doc.RunID, FinalOutput: doc.FinalOutput, ProvisionalOutput: doc.ProvisionalOutput,
		GoalConditionResults: doc.GoalConditionResults, RecordedAt: doc.RecordedAt,
	}, true, nil
}
