// Package graph stores the registry graph in relational tables and owns the
// transaction boundaries of every mutation.
package graph

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/liliang-cn/sqregistry/internal/encoding"
	"github.com/liliang-cn/sqregistry/pkg/backend"
	"github.com/liliang-cn/sqregistry/pkg/core"
	"github.com/liliang-cn/sqregistry/pkg/model"
	"github.com/liliang-cn/sqregistry/pkg/pool"
)

// GraphStore provides entity and edge operations over one backend dialect
type GraphStore struct {
	pool    *pool.Pool
	dialect backend.Dialect
	cfg     core.GraphConfig
	retry   core.RetryConfig
	breaker *gobreaker.CircuitBreaker
	logger  core.Logger
	metrics *core.Metrics
	clock   func() time.Time
}

// Options configures a GraphStore
type Options struct {
	Retry   core.RetryConfig
	Breaker core.BreakerConfig
	Logger  core.Logger
	Metrics *core.Metrics
	Clock   func() time.Time
}

// NewGraphStore creates a graph store over a pool and its dialect
func NewGraphStore(p *pool.Pool, d backend.Dialect, cfg core.GraphConfig, opts Options) *GraphStore {
	if opts.Logger == nil {
		opts.Logger = core.NopLogger()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = core.DefaultConfig().Retry
	}
	return &GraphStore{
		pool:    p,
		dialect: d,
		cfg:     cfg,
		retry:   opts.Retry,
		breaker: newBreaker(opts.Breaker, opts.Logger, opts.Metrics),
		logger:  opts.Logger,
		metrics: opts.Metrics,
		clock:   opts.Clock,
	}
}

// Dialect returns the active backend dialect
func (g *GraphStore) Dialect() backend.Dialect {
	return g.dialect
}

// InitGraphSchema creates the registry tables if they don't exist
func (g *GraphStore) InitGraphSchema(ctx context.Context) error {
	return g.dialect.InitSchema(ctx, g.pool.DB())
}

// EntityInput describes an entity to create. A zero ID is generated.
type EntityInput struct {
	ID         uuid.UUID
	Type       model.EntityType
	Attributes map[string]any
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func validateEntity(op string, t model.EntityType, attrs map[string]any) error {
	if !t.Valid() {
		return core.Errorf(op, core.KindInvalid, "invalid entity type %q", t)
	}
	if err := encoding.ValidateAttributes(attrs); err != nil {
		return core.E(op, core.KindInvalid, err)
	}
	return nil
}

// CreateEntity inserts a new entity at version 1
func (g *GraphStore) CreateEntity(ctx context.Context, in EntityInput) (*model.Entity, error) {
	const op = "create_entity"
	entity, attrs, err := g.prepareEntity(op, in)
	if err != nil {
		return nil, err
	}
	err = g.withTx(ctx, op, func(ctx context.Context, tx *sql.Tx) error {
		return g.insertEntity(ctx, tx, op, entity, attrs)
	})
	if err != nil {
		return nil, err
	}
	return entity, nil
}

// prepareEntity validates in and returns the version 1 entity with its
// encoded attributes.
func (g *GraphStore) prepareEntity(op string, in EntityInput) (*model.Entity, string, error) {
	if err := validateEntity(op, in.Type, in.Attributes); err != nil {
		return nil, "", err
	}
	attrs, err := encoding.EncodeAttributes(in.Attributes)
	if err != nil {
		return nil, "", core.E(op, core.KindInvalid, err)
	}
	id := in.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	now := g.now()
	entity := &model.Entity{
		ID:         id,
		Type:       in.Type,
		Attributes: in.Attributes,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if entity.Attributes == nil {
		entity.Attributes = map[string]any{}
	}
	return entity, attrs, nil
}

func (g *GraphStore) insertEntity(ctx context.Context, tx *sql.Tx, op string, e *model.Entity, attrs string) error {
	_, err := g.exec(ctx, tx, op, g.dialect.Statements().InsertEntity,
		e.ID.String(),
		string(e.Type),
		nullString(e.Name()),
		nullString(e.QualifiedName()),
		attrs,
		e.Version,
		e.CreatedAt.UnixMicro(),
		e.UpdatedAt.UnixMicro(),
	)
	if core.KindOf(err) == core.KindConflict {
		return core.E(op, core.KindConflict, fmt.Errorf("entity %s or qualified name %q already exists: %w", e.ID, e.QualifiedName(), err))
	}
	return err
}

// GetEntity retrieves an entity by ID
func (g *GraphStore) GetEntity(ctx context.Context, id uuid.UUID) (*model.Entity, error) {
	const op = "get_entity"
	var entity *model.Entity
	err := g.withConn(ctx, op, func(ctx context.Context, q querier) error {
		var err error
		entity, err = g.getEntity(ctx, q, op, id)
		return err
	})
	return entity, err
}

func (g *GraphStore) getEntity(ctx context.Context, q querier, op string, id uuid.UUID) (*model.Entity, error) {
	var row entityRow
	err := g.queryRow(ctx, q, op, g.dialect.Statements().SelectEntity, []any{id.String()}, row.dest()...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.Errorf(op, core.KindNotFound, "entity not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	return row.entity(op)
}

// GetEntityByQualifiedName retrieves an entity by its unique qualified name
func (g *GraphStore) GetEntityByQualifiedName(ctx context.Context, name string) (*model.Entity, error) {
	const op = "get_entity_by_qualified_name"
	var entity *model.Entity
	err := g.withConn(ctx, op, func(ctx context.Context, q querier) error {
		var row entityRow
		err := g.queryRow(ctx, q, op, g.dialect.Statements().SelectByQualifiedName, []any{name}, row.dest()...)
		if errors.Is(err, sql.ErrNoRows) {
			return core.Errorf(op, core.KindNotFound, "entity not found: %q", name)
		}
		if err != nil {
			return err
		}
		entity, err = row.entity(op)
		return err
	})
	return entity, err
}

// EntitiesByType returns every entity of type t, oldest first
func (g *GraphStore) EntitiesByType(ctx context.Context, t model.EntityType) ([]*model.Entity, error) {
	const op = "entities_by_type"
	var out []*model.Entity
	err := g.withConn(ctx, op, func(ctx context.Context, q querier) error {
		out = out[:0]
		return g.query(ctx, q, op, g.dialect.Statements().SelectByType, []any{string(t)}, func(rows *sql.Rows) error {
			e, err := scanEntity(op, rows)
			if err != nil {
				return err
			}
			out = append(out, e)
			return nil
		})
	})
	return out, err
}

// UpdateEntity replaces the attributes of an entity when its stored version
// equals expectedVersion, incrementing the version.
func (g *GraphStore) UpdateEntity(ctx context.Context, id uuid.UUID, attrs map[string]any, expectedVersion int64) (*model.Entity, error) {
	const op = "update_entity"
	if err := encoding.ValidateAttributes(attrs); err != nil {
		return nil, core.E(op, core.KindInvalid, err)
	}
	encoded, err := encoding.EncodeAttributes(attrs)
	if err != nil {
		return nil, core.E(op, core.KindInvalid, err)
	}
	probe := model.Entity{Attributes: attrs}

	var entity *model.Entity
	err = g.withTx(ctx, op, func(ctx context.Context, tx *sql.Tx) error {
		now := g.now()
		res, err := g.exec(ctx, tx, op, g.dialect.Statements().UpdateEntity,
			nullString(probe.Name()),
			nullString(probe.QualifiedName()),
			encoded,
			now.UnixMicro(),
			id.String(),
			expectedVersion,
		)
		if core.KindOf(err) == core.KindConflict {
			return core.E(op, core.KindConflict, fmt.Errorf("qualified name %q already exists: %w", probe.QualifiedName(), err))
		}
		if err != nil {
			return err
		}

		if rowsAffected(res) == 0 {
			var stored int64
			err := g.queryRow(ctx, tx, op, g.dialect.Statements().SelectVersion, []any{id.String()}, &stored)
			if errors.Is(err, sql.ErrNoRows) {
				return core.Errorf(op, core.KindNotFound, "entity not found: %s", id)
			}
			if err != nil {
				return err
			}
			return core.Errorf(op, core.KindConflict, "version mismatch for %s: expected %d, stored %d", id, expectedVersion, stored)
		}

		entity, err = g.getEntity(ctx, tx, op, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entity, nil
}

// DeleteResult reports what a delete removed.
type DeleteResult struct {
	Entity *model.Entity
	Edges  []*model.Edge
}

// DeleteEntity removes an entity. When incident edges exist the delete
// cascades only if both the configured policy and cascade allow it; otherwise
// it fails with a constraint violation and nothing changes. The entity row is
// locked first so no edge can attach to it between reading and deleting its
// edges.
func (g *GraphStore) DeleteEntity(ctx context.Context, id uuid.UUID, cascade bool) (*DeleteResult, error) {
	const op = "delete_entity"
	allowed := cascade && g.cfg.AllowCascade
	stmts := g.dialect.Statements()

	var result *DeleteResult
	err := g.withTx(ctx, op, func(ctx context.Context, tx *sql.Tx) error {
		var locked string
		err := g.queryRow(ctx, tx, op, stmts.LockEntity, []any{id.String()}, &locked)
		if errors.Is(err, sql.ErrNoRows) {
			return core.Errorf(op, core.KindNotFound, "entity not found: %s", id)
		}
		if err != nil {
			return err
		}
		entity, err := g.getEntity(ctx, tx, op, id)
		if err != nil {
			return err
		}

		var edges []*model.Edge
		if allowed {
			if edges, err = g.incidentEdges(ctx, tx, op, id); err != nil {
				return err
			}
			if len(edges) > 0 {
				if _, err := g.exec(ctx, tx, op, stmts.DeleteIncidentEdges, id.String(), id.String()); err != nil {
					return err
				}
			}
		} else {
			var n int64
			if err := g.queryRow(ctx, tx, op, stmts.CountIncidentEdges, []any{id.String(), id.String()}, &n); err != nil {
				return err
			}
			if n > 0 {
				return core.Errorf(op, core.KindConstraint, "entity %s has %d incident edges", id, n)
			}
		}

		res, err := g.exec(ctx, tx, op, stmts.DeleteEntity, id.String())
		if core.KindOf(err) == core.KindConstraint {
			return core.E(op, core.KindConstraint, fmt.Errorf("entity %s is still referenced: %w", id, err))
		}
		if err != nil {
			return err
		}
		if rowsAffected(res) == 0 {
			return core.Errorf(op, core.KindNotFound, "entity not found: %s", id)
		}
		result = &DeleteResult{Entity: entity, Edges: edges}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// CreateEdge inserts a directed edge between two existing entities
func (g *GraphStore) CreateEdge(ctx context.Context, edge model.Edge) (*model.Edge, error) {
	const op = "create_edge"
	if !edge.Type.Valid() {
		return nil, core.Errorf(op, core.KindInvalid, "invalid edge type %q", edge.Type)
	}
	if edge.From == uuid.Nil || edge.To == uuid.Nil {
		return nil, core.Errorf(op, core.KindInvalid, "invalid edge: missing entity IDs")
	}
	if err := encoding.ValidateAttributes(edge.Attributes); err != nil {
		return nil, core.E(op, core.KindInvalid, err)
	}
	attrs, err := encoding.EncodeAttributes(edge.Attributes)
	if err != nil {
		return nil, core.E(op, core.KindInvalid, err)
	}

	err = g.withTx(ctx, op, func(ctx context.Context, tx *sql.Tx) error {
		types, err := g.entityTypes(ctx, tx, op, []string{edge.From.String(), edge.To.String()})
		if err != nil {
			return err
		}
		for _, id := range []uuid.UUID{edge.From, edge.To} {
			if _, ok := types[id.String()]; !ok {
				return core.Errorf(op, core.KindNotFound, "entity not found: %s", id)
			}
		}
		if g.cfg.StrictEdgeTypes {
			from, to := types[edge.From.String()], types[edge.To.String()]
			if !edge.Type.Validate(from, to) {
				return core.Errorf(op, core.KindConstraint, "edge %s is not allowed from %s to %s", edge.Type, from, to)
			}
		}

		return g.insertEdge(ctx, tx, op, edge, attrs)
	})
	if err != nil {
		return nil, err
	}
	out := edge
	if out.Attributes == nil {
		out.Attributes = map[string]any{}
	}
	return &out, nil
}

func (g *GraphStore) insertEdge(ctx context.Context, tx *sql.Tx, op string, edge model.Edge, attrs string) error {
	_, err := g.exec(ctx, tx, op, g.dialect.Statements().InsertEdge,
		edge.From.String(), edge.To.String(), string(edge.Type), attrs, g.now().UnixMicro())
	switch core.KindOf(err) {
	case core.KindConflict:
		return core.E(op, core.KindConflict, fmt.Errorf("edge %s -[%s]-> %s already exists: %w", edge.From, edge.Type, edge.To, err))
	case core.KindConstraint:
		// An endpoint vanished between the check and the insert.
		return core.WithKind(op, core.KindNotFound, fmt.Errorf("edge endpoint not found: %w", err))
	}
	return err
}

// DeleteEdge removes exactly one edge. A missing edge is an error.
func (g *GraphStore) DeleteEdge(ctx context.Context, from, to uuid.UUID, edgeType model.EdgeType) error {
	const op = "delete_edge"
	return g.withTx(ctx, op, func(ctx context.Context, tx *sql.Tx) error {
		res, err := g.exec(ctx, tx, op, g.dialect.Statements().DeleteEdge, from.String(), to.String(), string(edgeType))
		if err != nil {
			return err
		}
		if rowsAffected(res) == 0 {
			return core.Errorf(op, core.KindNotFound, "edge not found: %s -[%s]-> %s", from, edgeType, to)
		}
		return nil
	})
}

// GetEdges retrieves the edges incident to an entity in the given direction
func (g *GraphStore) GetEdges(ctx context.Context, id uuid.UUID, dir model.Direction) ([]*model.Edge, error) {
	const op = "get_edges"
	var out []*model.Edge
	err := g.withConn(ctx, op, func(ctx context.Context, q querier) error {
		edges, err := g.incidentEdges(ctx, q, op, id)
		if err != nil {
			return err
		}
		out = out[:0]
		for _, e := range edges {
			switch {
			case dir == model.DirectionOut && e.From != id:
			case dir == model.DirectionIn && e.To != id:
			default:
				out = append(out, e)
			}
		}
		return nil
	})
	return out, err
}

func (g *GraphStore) incidentEdges(ctx context.Context, q querier, op string, id uuid.UUID) ([]*model.Edge, error) {
	var edges []*model.Edge
	err := g.query(ctx, q, op, g.dialect.Statements().SelectIncidentEdges, []any{id.String(), id.String()}, func(rows *sql.Rows) error {
		e, err := scanEdge(rows)
		if err != nil {
			return err
		}
		edges = append(edges, e)
		return nil
	})
	return edges, err
}

func (g *GraphStore) entityTypes(ctx context.Context, q querier, op string, ids []string) (map[string]model.EntityType, error) {
	query, args, err := g.dialect.SelectTypesIn(ids)
	if err != nil {
		return nil, err
	}
	types := make(map[string]model.EntityType, len(ids))
	err = g.query(ctx, q, op, query, args, func(rows *sql.Rows) error {
		var id, t string
		if err := rows.Scan(&id, &t); err != nil {
			return err
		}
		types[id] = model.EntityType(t)
		return nil
	})
	return types, err
}

// entityRow holds the scanned columns of an entity
type entityRow struct {
	id, typ, attrs       string
	version              int64
	createdAt, updatedAt int64
}

func (r *entityRow) dest() []any {
	return []any{&r.id, &r.typ, &r.attrs, &r.version, &r.createdAt, &r.updatedAt}
}

func (r *entityRow) entity(op string) (*model.Entity, error) {
	id, err := uuid.Parse(r.id)
	if err != nil {
		return nil, core.E(op, core.KindFatal, fmt.Errorf("invalid stored id %q: %w", r.id, err))
	}
	attrs, err := encoding.DecodeAttributes(r.attrs)
	if err != nil {
		return nil, core.E(op, core.KindFatal, err)
	}
	return &model.Entity{
		ID:         id,
		Type:       model.EntityType(r.typ),
		Attributes: attrs,
		Version:    r.version,
		CreatedAt:  time.UnixMicro(r.createdAt).UTC(),
		UpdatedAt:  time.UnixMicro(r.updatedAt).UTC(),
	}, nil
}

func scanEntity(op string, rows *sql.Rows) (*model.Entity, error) {
	var row entityRow
	if err := rows.Scan(row.dest()...); err != nil {
		return nil, err
	}
	return row.entity(op)
}

func scanEdge(rows *sql.Rows) (*model.Edge, error) {
	var from, to, typ, attrs string
	if err := rows.Scan(&from, &to, &typ, &attrs); err != nil {
		return nil, err
	}
	var e model.Edge
	var err error
	if e.From, err = uuid.Parse(from); err != nil {
		return nil, core.E("scan_edge", core.KindFatal, err)
	}
	if e.To, err = uuid.Parse(to); err != nil {
		return nil, core.E("scan_edge", core.KindFatal, err)
	}
	e.Type = model.EdgeType(typ)
	if e.Attributes, err = encoding.DecodeAttributes(attrs); err != nil {
		return nil, core.E("scan_edge", core.KindFatal, err)
	}
	return &e, nil
}
