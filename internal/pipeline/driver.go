package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/canonica-labs/zoql/internal/ast"
	"github.com/canonica-labs/zoql/internal/changestream"
	"github.com/canonica-labs/zoql/internal/costmodel"
	"github.com/canonica-labs/zoql/internal/dataflow"
	"github.com/canonica-labs/zoql/internal/engineerr"
	"github.com/canonica-labs/zoql/internal/observability"
	"github.com/canonica-labs/zoql/internal/planner"
	"github.com/canonica-labs/zoql/internal/schema"
	"github.com/canonica-labs/zoql/internal/tablesource"
)

// SourceFactory lazily constructs the Source backing one replicated
// table, called at most once per table over a Driver's lifetime (§3
// Lifecycle: "A Table source is created lazily the first time any query
// references the table and lives for the lifetime of the driver").
type SourceFactory func(table string) (tablesource.Source, error)

// Pipeline is one subscribed query's compiled operator tree.
type Pipeline struct {
	Hash            string
	Query           *ast.Query
	Operator        dataflow.Operator
	HydrationTimeMs float64
}

// Driver owns every query pipeline and table source for one client
// group (§4.5). It is not safe for concurrent use from more than one
// goroutine at a time — the engine's scheduling model is single-threaded
// cooperative (§5).
type Driver struct {
	snapshotter   Snapshotter
	sourceFactory SourceFactory
	replicaSchema schema.Database
	model         costmodel.Model
	logger        observability.EventLogger
	budget        Budget
	yieldEvery    int

	mu            sync.Mutex
	clientSchema  schema.Database
	version       Version
	sources       map[string]tablesource.Source
	pipelines     map[string]*Pipeline
}

// NewDriver constructs a Driver. logger may be nil (treated as
// observability.NoopLogger).
func NewDriver(snapshotter Snapshotter, sourceFactory SourceFactory, replicaSchema schema.Database, model costmodel.Model, logger observability.EventLogger) *Driver {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Driver{
		snapshotter:   snapshotter,
		sourceFactory: sourceFactory,
		replicaSchema: replicaSchema,
		model:         model,
		logger:        logger,
		yieldEvery:    250,
	}
}

// Init initializes the snapshotter to head, validates clientSchema is a
// subset of what is replicated, and records the replica version (§4.5).
func (d *Driver) Init(ctx context.Context, clientSchema schema.Database) error {
	if err := validateSubset(clientSchema, d.replicaSchema); err != nil {
		return err
	}
	if err := d.snapshotter.Init(ctx); err != nil {
		return fmt.Errorf("pipeline: snapshotter init: %w", err)
	}
	v, err := d.snapshotter.Current(ctx)
	if err != nil {
		return fmt.Errorf("pipeline: snapshotter current: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.clientSchema = clientSchema
	d.version = v
	if d.sources == nil {
		d.sources = make(map[string]tablesource.Source)
	}
	d.pipelines = make(map[string]*Pipeline)
	return nil
}

// Reset destroys every operator tree and reinitializes against
// clientSchema — called on schema change or a forced ResetPipelines
// (§4.5). Table sources survive a Reset; only pipelines are rebuilt.
func (d *Driver) Reset(ctx context.Context, clientSchema schema.Database) error {
	d.mu.Lock()
	d.pipelines = make(map[string]*Pipeline)
	d.mu.Unlock()
	return d.Init(ctx, clientSchema)
}

// Source implements dataflow.Registry, lazily constructing the backing
// Source on first reference to table.
func (d *Driver) Source(table string) (tablesource.Source, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if src, ok := d.sources[table]; ok {
		return src, true
	}
	src, err := d.sourceFactory(table)
	if err != nil {
		return nil, false
	}
	d.sources[table] = src
	return src, true
}

// AddQuery compiles and plans q, registers it under hash, and returns a
// lazy iterator over its hydration rows (§4.5). If hash is already
// registered, AddQuery is idempotent and returns an iterator with no
// rows.
func (d *Driver) AddQuery(ctx context.Context, hash string, q *ast.Query, timer Timer) (*HydrateIter, error) {
	d.mu.Lock()
	if _, exists := d.pipelines[hash]; exists {
		d.mu.Unlock()
		return &HydrateIter{inner: emptyRowIter{}}, nil
	}
	d.mu.Unlock()

	sink := &debugSink{logger: d.logger, queryHash: hash}
	planned, err := planner.Plan(ctx, d.replicaSchema, q, d.model, sink)
	if err != nil {
		return nil, fmt.Errorf("pipeline: plan query %s: %w", hash, err)
	}

	op, err := dataflow.Build(d.replicaSchema, d, planned)
	if err != nil {
		return nil, fmt.Errorf("pipeline: build query %s: %w", hash, err)
	}

	p := &Pipeline{Hash: hash, Query: planned, Operator: op}

	d.mu.Lock()
	d.pipelines[hash] = p
	d.mu.Unlock()

	return &HydrateIter{
		pipeline: p,
		inner:    op.Fetch(ctx, nil),
		streamer: changestream.NewStreamer(hash),
		driver:   d,
		timer:    timer,
	}, nil
}

// RemoveQuery destroys hash's operator tree. No rows are emitted.
func (d *Driver) RemoveQuery(hash string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.pipelines, hash)
}

// SetBudget overrides the advance time budget (§4.6); the zero value
// uses MinBudget.
func (d *Driver) SetBudget(b Budget) {
	d.budget = b
}

// GetRow is a direct passthrough to the underlying table source (§4.5).
func (d *Driver) GetRow(ctx context.Context, table string, key tablesource.Key) (tablesource.Row, bool, error) {
	src, ok := d.Source(table)
	if !ok {
		return nil, false, nil
	}
	return src.GetRow(ctx, key)
}

func (d *Driver) pipelinesSnapshot() []*Pipeline {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Pipeline, 0, len(d.pipelines))
	for _, p := range d.pipelines {
		out = append(out, p)
	}
	return out
}

func validateSubset(client, replica schema.Database) error {
	for table, ct := range client {
		rt, ok := replica[table]
		if !ok {
			return engineerr.NewSchemaMismatch(table, "", "table not replicated")
		}
		for col, cc := range ct.Columns {
			rc, ok := rt.Columns[col]
			if !ok {
				return engineerr.NewSchemaMismatch(table, col, "column not replicated")
			}
			if rc.Type != cc.Type {
				return engineerr.NewSchemaMismatch(table, col, fmt.Sprintf("replicated type %s incompatible with client type %s", rc.Type, cc.Type))
			}
		}
	}
	return nil
}

// debugSink adapts planner.DebugSink to observability.EventLogger,
// tagging each recorded attempt with the owning query's hash (§4.3:
// "Record a plan-complete event per attempt").
type debugSink struct {
	logger    observability.EventLogger
	queryHash string
}

func (s *debugSink) Record(a planner.Attempt) {
	_ = s.logger.LogEvent(context.Background(), observability.Event{
		Kind:        observability.EventPlanComplete,
		QueryHash:   s.queryHash,
		Attempt:     a.Number,
		TotalCost:   a.Cost,
		FlipPattern: a.Flips,
	})
}

type emptyRowIter struct{}

func (emptyRowIter) Next(context.Context) (*tablesource.Item, error) { return nil, nil }
func (emptyRowIter) Close() error                                    { return nil }
