// Package registry is the provider façade over the graph store and the
// search index. It is the only package the serving layer talks to.
//
// Every mutation commits one relational transaction and then propagates the
// change to the search index. Index failures after a commit never fail the
// operation: the affected ids are marked dirty and picked up by the
// reconciliation sweeper or by an explicit Reconcile.
package registry

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/liliang-cn/sqregistry/pkg/backend"
	"github.com/liliang-cn/sqregistry/pkg/core"
	"github.com/liliang-cn/sqregistry/pkg/graph"
	"github.com/liliang-cn/sqregistry/pkg/model"
	"github.com/liliang-cn/sqregistry/pkg/pool"
	"github.com/liliang-cn/sqregistry/pkg/search"
)

// Registry implements Provider
type Registry struct {
	cfg     core.Config
	pool    *pool.Pool
	graph   *graph.GraphStore
	index   *search.Indexer
	source  graphSource
	sweeper *search.Sweeper
	logger  core.Logger
	metrics *core.Metrics
	tracer  trace.Tracer

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

var _ Provider = (*Registry)(nil)

type options struct {
	logger        core.Logger
	metrics       *core.Metrics
	tracer        trace.Tracer
	searchOptions []search.Option
}

// Option configures Open
type Option func(*options)

// WithLogger sets the logger shared by every component
func WithLogger(l core.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics sets the metrics collectors
func WithMetrics(m *core.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithTracer overrides the tracer taken from the global provider
func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithSearchOptions passes options through to the search indexer
func WithSearchOptions(opts ...search.Option) Option {
	return func(o *options) { o.searchOptions = append(o.searchOptions, opts...) }
}

// Open connects to the configured backend, creates the schema, opens the
// search index and starts the reconciliation sweeper. An empty index is
// rebuilt from the store.
func Open(ctx context.Context, cfg core.Config, opts ...Option) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = core.NopLogger()
	}
	if o.metrics == nil {
		o.metrics = core.NewMetrics("sqregistry")
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer("github.com/liliang-cn/sqregistry/registry")
	}
	logger := o.logger.With("backend", cfg.Backend.Kind)

	db, dialect, err := backend.Open(ctx, cfg.Backend, int(cfg.Graph.StatementTimeout/time.Millisecond))
	if err != nil {
		return nil, err
	}
	p := pool.New(db, cfg.Pool,
		pool.WithLogger(logger),
		pool.WithMetrics(o.metrics),
		pool.WithClassifier(backend.Classify),
	)

	g := graph.NewGraphStore(p, dialect, cfg.Graph, graph.Options{
		Retry:   cfg.Retry,
		Breaker: cfg.Breaker,
		Logger:  logger,
		Metrics: o.metrics,
	})
	if err := g.InitGraphSchema(ctx); err != nil {
		_ = p.Close()
		return nil, err
	}

	searchOpts := append([]search.Option{search.WithLogger(logger), search.WithMetrics(o.metrics)}, o.searchOptions...)
	index, err := search.New(cfg.Search, searchOpts...)
	if err != nil {
		_ = p.Close()
		return nil, err
	}

	r := &Registry{
		cfg:     cfg,
		pool:    p,
		graph:   g,
		index:   index,
		source:  graphSource{g: g},
		logger:  logger,
		metrics: o.metrics,
		tracer:  o.tracer,
	}

	if n, err := index.Count(); err == nil && n == 0 {
		if _, err := r.index.Rebuild(ctx, r.source); err != nil {
			_ = r.Close()
			return nil, err
		}
	}

	r.sweeper = search.NewSweeper(index, r.source, cfg.Search.SweepInterval)
	r.sweeper.Start(context.WithoutCancel(ctx))

	logger.Info("registry opened",
		"recursive_traversal", dialect.SupportsRecursive() && !cfg.Graph.ForceIterative,
		"pool_size", cfg.Pool.MaxSize,
		"async_index", cfg.Search.Async,
	)
	return r, nil
}

// Metrics returns the collectors of this registry
func (r *Registry) Metrics() *core.Metrics {
	return r.metrics
}

// Graph returns the underlying graph store
func (r *Registry) Graph() *graph.GraphStore {
	return r.graph
}

// Indexer returns the search indexer
func (r *Registry) Indexer() *search.Indexer {
	return r.index
}

// Health pings the backend
func (r *Registry) Health(ctx context.Context) error {
	return r.pool.Health(ctx)
}

// begin starts the span of one provider operation; the returned func records
// the outcome and must be deferred with a pointer to the named error.
func (r *Registry) begin(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(*error)) {
	ctx, span := r.tracer.Start(ctx, "registry."+op, trace.WithAttributes(attrs...))
	started := time.Now()
	return ctx, func(errp *error) {
		if err := *errp; err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.SetAttributes(attribute.String("error.kind", core.KindOf(err).String()))
		}
		r.metrics.Observe(op, started, *errp)
		span.End()
	}
}

func (r *Registry) guard(op string) error {
	if r.closed.Load() {
		return core.E(op, core.KindFatal, core.ErrStoreClosed)
	}
	return nil
}

// refresh re-syncs the index records of ids from the store. Failures are
// already recorded as dirty ids by the indexer; here they only annotate the
// span.
func (r *Registry) refresh(ctx context.Context, ids ...uuid.UUID) {
	if len(ids) == 0 {
		return
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = id.String()
	}
	if err := r.index.Refresh(ctx, r.source, keys...); err != nil {
		trace.SpanFromContext(ctx).AddEvent("index update deferred",
			trace.WithAttributes(attribute.Int("ids", len(keys)), attribute.String("error", err.Error())))
	}
}

// CreateEntity inserts a new entity at version 1 and indexes it
func (r *Registry) CreateEntity(ctx context.Context, in EntityInput) (e *model.Entity, err error) {
	ctx, done := r.begin(ctx, "create_entity", attribute.String("entity.type", string(in.Type)))
	defer done(&err)
	if err = r.guard("create_entity"); err != nil {
		return nil, err
	}
	e, err = r.graph.CreateEntity(ctx, in)
	if err != nil {
		return nil, err
	}
	r.refresh(ctx, e.ID)
	return e, nil
}

// GetEntity retrieves an entity by ID
func (r *Registry) GetEntity(ctx context.Context, id uuid.UUID) (e *model.Entity, err error) {
	ctx, done := r.begin(ctx, "get_entity", attribute.String("entity.id", id.String()))
	defer done(&err)
	if err = r.guard("get_entity"); err != nil {
		return nil, err
	}
	return r.graph.GetEntity(ctx, id)
}

// GetEntityByQualifiedName retrieves an entity by its qualified name
func (r *Registry) GetEntityByQualifiedName(ctx context.Context, name string) (e *model.Entity, err error) {
	ctx, done := r.begin(ctx, "get_entity_by_qualified_name", attribute.String("entity.qualified_name", name))
	defer done(&err)
	if err = r.guard("get_entity_by_qualified_name"); err != nil {
		return nil, err
	}
	return r.graph.GetEntityByQualifiedName(ctx, name)
}

// GetEntities retrieves entities by ID in order, skipping missing ones
func (r *Registry) GetEntities(ctx context.Context, ids []uuid.UUID) (out []*model.Entity, err error) {
	ctx, done := r.begin(ctx, "get_entities", attribute.Int("ids", len(ids)))
	defer done(&err)
	if err = r.guard("get_entities"); err != nil {
		return nil, err
	}
	return r.graph.GetEntities(ctx, ids)
}

// GetEntryPoints returns every project
func (r *Registry) GetEntryPoints(ctx context.Context) (out []*model.Entity, err error) {
	ctx, done := r.begin(ctx, "get_entry_points")
	defer done(&err)
	if err = r.guard("get_entry_points"); err != nil {
		return nil, err
	}
	return r.graph.EntryPoints(ctx)
}

// UpdateEntity replaces attributes under an optimistic version check
func (r *Registry) UpdateEntity(ctx context.Context, id uuid.UUID, attrs map[string]any, expectedVersion int64) (e *model.Entity, err error) {
	ctx, done := r.begin(ctx, "update_entity",
		attribute.String("entity.id", id.String()),
		attribute.Int64("entity.expected_version", expectedVersion))
	defer done(&err)
	if err = r.guard("update_entity"); err != nil {
		return nil, err
	}
	e, err = r.graph.UpdateEntity(ctx, id, attrs, expectedVersion)
	if err != nil {
		return nil, err
	}
	r.refresh(ctx, id)
	return e, nil
}

// DeleteEntity removes an entity, cascading to incident edges when allowed.
// Its index record is removed and entities it contained are re-indexed.
func (r *Registry) DeleteEntity(ctx context.Context, id uuid.UUID, cascade bool) (err error) {
	ctx, done := r.begin(ctx, "delete_entity",
		attribute.String("entity.id", id.String()),
		attribute.Bool("cascade", cascade))
	defer done(&err)
	if err = r.guard("delete_entity"); err != nil {
		return err
	}
	res, err := r.graph.DeleteEntity(ctx, id, cascade)
	if err != nil {
		return err
	}

	stale := []uuid.UUID{id}
	for _, e := range res.Edges {
		if e.Type == model.EdgeContains && e.From == id && e.To != id {
			stale = append(stale, e.To)
		}
	}
	r.refresh(ctx, stale...)
	return nil
}

// NewProject creates a project and indexes it
func (r *Registry) NewProject(ctx context.Context, def Definition) (*model.Entity, error) {
	return r.define(ctx, "new_project", func(ctx context.Context) (*model.Entity, error) {
		return r.graph.NewProject(ctx, def)
	})
}

// NewSource creates a source inside project in one transaction
func (r *Registry) NewSource(ctx context.Context, project uuid.UUID, def Definition) (*model.Entity, error) {
	return r.define(ctx, "new_source", func(ctx context.Context) (*model.Entity, error) {
		return r.graph.NewSource(ctx, project, def)
	}, attribute.String("project.id", project.String()))
}

// NewAnchor creates an anchor inside project, consuming source when set
func (r *Registry) NewAnchor(ctx context.Context, project, source uuid.UUID, def Definition) (*model.Entity, error) {
	return r.define(ctx, "new_anchor", func(ctx context.Context) (*model.Entity, error) {
		return r.graph.NewAnchor(ctx, project, source, def)
	}, attribute.String("project.id", project.String()), attribute.String("source.id", source.String()))
}

// NewAnchorFeature creates a feature inside project and anchor that consumes
// the anchor's sources
func (r *Registry) NewAnchorFeature(ctx context.Context, project, anchor uuid.UUID, def Definition) (*model.Entity, error) {
	return r.define(ctx, "new_anchor_feature", func(ctx context.Context) (*model.Entity, error) {
		return r.graph.NewAnchorFeature(ctx, project, anchor, def)
	}, attribute.String("project.id", project.String()), attribute.String("anchor.id", anchor.String()))
}

// NewDerivedFeature creates a feature inside project that consumes inputs
func (r *Registry) NewDerivedFeature(ctx context.Context, project uuid.UUID, inputs []uuid.UUID, def Definition) (*model.Entity, error) {
	return r.define(ctx, "new_derived_feature", func(ctx context.Context) (*model.Entity, error) {
		return r.graph.NewDerivedFeature(ctx, project, inputs, def)
	}, attribute.String("project.id", project.String()), attribute.Int("inputs", len(inputs)))
}

// define runs one typed creation and indexes the new entity. Its scopes are
// read back from the committed containment edges.
func (r *Registry) define(ctx context.Context, op string, create func(context.Context) (*model.Entity, error), attrs ...attribute.KeyValue) (e *model.Entity, err error) {
	ctx, done := r.begin(ctx, op, attrs...)
	defer done(&err)
	if err = r.guard(op); err != nil {
		return nil, err
	}
	e, err = create(ctx)
	if err != nil {
		return nil, err
	}
	r.refresh(ctx, e.ID)
	return e, nil
}

// CreateEdge inserts a directed edge. A contains edge re-indexes its child.
func (r *Registry) CreateEdge(ctx context.Context, edge model.Edge) (out *model.Edge, err error) {
	ctx, done := r.begin(ctx, "create_edge",
		attribute.String("edge.from", edge.From.String()),
		attribute.String("edge.to", edge.To.String()),
		attribute.String("edge.type", string(edge.Type)))
	defer done(&err)
	if err = r.guard("create_edge"); err != nil {
		return nil, err
	}
	out, err = r.graph.CreateEdge(ctx, edge)
	if err != nil {
		return nil, err
	}
	if edge.Type == model.EdgeContains {
		r.refresh(ctx, edge.To)
	}
	return out, nil
}

// DeleteEdge removes one edge. A contains edge re-indexes its child.
func (r *Registry) DeleteEdge(ctx context.Context, from, to uuid.UUID, edgeType model.EdgeType) (err error) {
	ctx, done := r.begin(ctx, "delete_edge",
		attribute.String("edge.from", from.String()),
		attribute.String("edge.to", to.String()),
		attribute.String("edge.type", string(edgeType)))
	defer done(&err)
	if err = r.guard("delete_edge"); err != nil {
		return err
	}
	if err = r.graph.DeleteEdge(ctx, from, to, edgeType); err != nil {
		return err
	}
	if edgeType == model.EdgeContains {
		r.refresh(ctx, to)
	}
	return nil
}

// GetEdges returns the edges incident to an entity
func (r *Registry) GetEdges(ctx context.Context, id uuid.UUID, dir model.Direction) (out []*model.Edge, err error) {
	ctx, done := r.begin(ctx, "get_edges", attribute.String("entity.id", id.String()), attribute.String("direction", string(dir)))
	defer done(&err)
	if err = r.guard("get_edges"); err != nil {
		return nil, err
	}
	return r.graph.GetEdges(ctx, id, dir)
}

// GetNeighbors returns entities reachable within opts.Depth hops
func (r *Registry) GetNeighbors(ctx context.Context, id uuid.UUID, opts TraversalOptions) (out []*model.Entity, err error) {
	ctx, done := r.begin(ctx, "get_neighbors",
		attribute.String("entity.id", id.String()),
		attribute.String("direction", string(opts.Direction)),
		attribute.Int("depth", opts.Depth))
	defer done(&err)
	if err = r.guard("get_neighbors"); err != nil {
		return nil, err
	}
	out, err = r.graph.Neighbors(ctx, id, opts)
	if err == nil {
		trace.SpanFromContext(ctx).SetAttributes(attribute.Int("results.count", len(out)))
	}
	return out, err
}

// GetChildren returns the entities a project or anchor contains
func (r *Registry) GetChildren(ctx context.Context, id uuid.UUID, types []model.EntityType) (out []*model.Entity, err error) {
	ctx, done := r.begin(ctx, "get_children", attribute.String("entity.id", id.String()))
	defer done(&err)
	if err = r.guard("get_children"); err != nil {
		return nil, err
	}
	return r.graph.Children(ctx, id, types)
}

// GetLineage returns the upstream and downstream subgraph of an entity
func (r *Registry) GetLineage(ctx context.Context, id uuid.UUID, depth int) (sub *model.Subgraph, err error) {
	ctx, done := r.begin(ctx, "get_lineage", attribute.String("entity.id", id.String()), attribute.Int("depth", depth))
	defer done(&err)
	if err = r.guard("get_lineage"); err != nil {
		return nil, err
	}
	return r.graph.Lineage(ctx, id, depth)
}

// GetProject returns a project and everything it contains
func (r *Registry) GetProject(ctx context.Context, id uuid.UUID) (sub *model.Subgraph, err error) {
	ctx, done := r.begin(ctx, "get_project", attribute.String("entity.id", id.String()))
	defer done(&err)
	if err = r.guard("get_project"); err != nil {
		return nil, err
	}
	return r.graph.Project(ctx, id)
}

// Search ranks entities by relevance using the index only, then hydrates
// them from the store. Hits whose entity no longer exists are dropped and
// marked for reconciliation.
func (r *Registry) Search(ctx context.Context, q SearchQuery) (out []*model.Entity, err error) {
	ctx, done := r.begin(ctx, "search",
		attribute.String("query.text", q.Text),
		attribute.Int("query.limit", q.Limit),
		attribute.Int("query.offset", q.Offset))
	defer done(&err)
	if err = r.guard("search"); err != nil {
		return nil, err
	}
	res, err := r.index.Search(ctx, q)
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, 0, len(res.Hits))
	for _, h := range res.Hits {
		id, perr := uuid.Parse(h.ID)
		if perr != nil {
			r.index.MarkDirty(h.ID)
			continue
		}
		ids = append(ids, id)
	}
	out, err = r.graph.GetEntities(ctx, ids)
	if err != nil {
		return nil, err
	}
	if len(out) < len(ids) {
		found := make(map[uuid.UUID]struct{}, len(out))
		for _, e := range out {
			found[e.ID] = struct{}{}
		}
		for _, id := range ids {
			if _, ok := found[id]; !ok {
				r.index.MarkDirty(id.String())
			}
		}
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.Int("results.count", len(out)))
	return out, nil
}

// Stats computes graph statistics
func (r *Registry) Stats(ctx context.Context) (s *Statistics, err error) {
	ctx, done := r.begin(ctx, "stats")
	defer done(&err)
	if err = r.guard("stats"); err != nil {
		return nil, err
	}
	return r.graph.Statistics(ctx)
}

// Export writes a snapshot of the graph
func (r *Registry) Export(ctx context.Context, w io.Writer, format ExportFormat) (err error) {
	ctx, done := r.begin(ctx, "export", attribute.String("format", string(format)))
	defer done(&err)
	if err = r.guard("export"); err != nil {
		return err
	}
	return r.graph.Export(ctx, w, format)
}

// Import loads a snapshot in one transaction and rebuilds the index
func (r *Registry) Import(ctx context.Context, rd io.Reader, format ExportFormat, replace bool) (res *LoadResult, err error) {
	ctx, done := r.begin(ctx, "import", attribute.String("format", string(format)), attribute.Bool("replace", replace))
	defer done(&err)
	if err = r.guard("import"); err != nil {
		return nil, err
	}
	res, err = r.graph.Import(ctx, rd, format, replace)
	if err != nil {
		return nil, err
	}
	if _, rerr := r.index.Rebuild(ctx, r.source); rerr != nil {
		r.logger.Error("index rebuild after import failed", "error", rerr)
	}
	return res, nil
}

// ReindexAll rebuilds the search index from the store and swaps it in
func (r *Registry) ReindexAll(ctx context.Context) (n int, err error) {
	ctx, done := r.begin(ctx, "reindex_all")
	defer done(&err)
	if err = r.guard("reindex_all"); err != nil {
		return 0, err
	}
	return r.index.Rebuild(ctx, r.source)
}

// Reconcile re-syncs every dirty id from the store
func (r *Registry) Reconcile(ctx context.Context) (n int, err error) {
	ctx, done := r.begin(ctx, "reconcile")
	defer done(&err)
	if err = r.guard("reconcile"); err != nil {
		return 0, err
	}
	return r.index.Reconcile(ctx, r.source)
}

// Flush waits for queued index updates to be applied
func (r *Registry) Flush(ctx context.Context) error {
	return r.index.Flush(ctx)
}

// Close stops the sweeper, drains the index queue and closes the pool
func (r *Registry) Close() error {
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		if r.sweeper != nil {
			r.sweeper.Stop()
		}
		var errs []error
		if err := r.index.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close index: %w", err))
		}
		if err := r.pool.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pool: %w", err))
		}
		if len(errs) > 0 {
			r.closeErr = core.E("close", core.KindFatal, fmt.Errorf("%v", errs))
		}
		r.logger.Info("registry closed")
	})
	return r.closeErr
}
