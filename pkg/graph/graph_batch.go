package graph

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/liliang-cn/sqregistry/internal/encoding"
	"github.com/liliang-cn/sqregistry/pkg/core"
	"github.com/liliang-cn/sqregistry/pkg/model"
)

// EntryPoints returns every project, oldest first
func (g *GraphStore) EntryPoints(ctx context.Context) ([]*model.Entity, error) {
	return g.EntitiesByType(ctx, model.EntityProject)
}

// ListEntities returns up to limit entities with an id greater than after,
// ordered by id. Pass uuid.Nil to start from the beginning.
func (g *GraphStore) ListEntities(ctx context.Context, after uuid.UUID, limit int) ([]*model.Entity, error) {
	const op = "list_entities"
	if limit <= 0 {
		return nil, core.Errorf(op, core.KindInvalid, "limit must be positive, got %d", limit)
	}
	cursor := ""
	if after != uuid.Nil {
		cursor = after.String()
	}
	query, args := g.dialect.PageEntities(cursor, limit)

	var out []*model.Entity
	err := g.withConn(ctx, op, func(ctx context.Context, q querier) error {
		out = out[:0]
		return g.query(ctx, q, op, query, args, func(rows *sql.Rows) error {
			e, err := scanEntity(op, rows)
			if err != nil {
				return err
			}
			out = append(out, e)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// EachEntity pages through every entity in id order, calling fn once per page.
func (g *GraphStore) EachEntity(ctx context.Context, pageSize int, fn func([]*model.Entity) error) error {
	after := uuid.Nil
	for {
		page, err := g.ListEntities(ctx, after, pageSize)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		if err := fn(page); err != nil {
			return err
		}
		if len(page) < pageSize {
			return nil
		}
		after = page[len(page)-1].ID
	}
}

// AllEdges returns every edge ordered by endpoints and type
func (g *GraphStore) AllEdges(ctx context.Context) ([]*model.Edge, error) {
	const op = "all_edges"
	out := []*model.Edge{}
	err := g.withConn(ctx, op, func(ctx context.Context, q querier) error {
		out = out[:0]
		return g.query(ctx, q, op, g.dialect.Statements().SelectAllEdges, nil, func(rows *sql.Rows) error {
			e, err := scanEdge(rows)
			if err != nil {
				return err
			}
			out = append(out, e)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// LoadResult reports what a bulk load wrote
type LoadResult struct {
	Entities int
	Edges    int
}

// Load writes entities and edges in a single transaction. With replace set,
// every existing row is removed first. Entities keep their stored version and
// timestamps; zero timestamps take the current time.
func (g *GraphStore) Load(ctx context.Context, entities []*model.Entity, edges []*model.Edge, replace bool) (*LoadResult, error) {
	const op = "load_data"
	stmts := g.dialect.Statements()

	type encodedEntity struct {
		e     *model.Entity
		attrs string
	}
	rows := make([]encodedEntity, 0, len(entities))
	for i, e := range entities {
		if e == nil || e.ID == uuid.Nil {
			return nil, core.Errorf(op, core.KindInvalid, "entity %d: missing id", i)
		}
		if err := validateEntity(op, e.Type, e.Attributes); err != nil {
			return nil, err
		}
		attrs, err := encoding.EncodeAttributes(e.Attributes)
		if err != nil {
			return nil, core.E(op, core.KindInvalid, err)
		}
		rows = append(rows, encodedEntity{e: e, attrs: attrs})
	}
	edgeAttrs := make([]string, len(edges))
	for i, e := range edges {
		if e == nil || !e.Type.Valid() || e.From == uuid.Nil || e.To == uuid.Nil {
			return nil, core.Errorf(op, core.KindInvalid, "edge %d: invalid", i)
		}
		attrs, err := encoding.EncodeAttributes(e.Attributes)
		if err != nil {
			return nil, core.E(op, core.KindInvalid, err)
		}
		edgeAttrs[i] = attrs
	}

	err := g.withTx(ctx, op, func(ctx context.Context, tx *sql.Tx) error {
		if replace {
			if _, err := g.exec(ctx, tx, op, stmts.DeleteAllEdges); err != nil {
				return err
			}
			if _, err := g.exec(ctx, tx, op, stmts.DeleteAllEntities); err != nil {
				return err
			}
		}

		now := g.now()
		for _, r := range rows {
			created, updated := r.e.CreatedAt, r.e.UpdatedAt
			if created.IsZero() {
				created = now
			}
			if updated.IsZero() {
				updated = created
			}
			version := r.e.Version
			if version < 1 {
				version = 1
			}
			_, err := g.exec(ctx, tx, op, stmts.InsertEntity,
				r.e.ID.String(),
				string(r.e.Type),
				nullString(r.e.Name()),
				nullString(r.e.QualifiedName()),
				r.attrs,
				version,
				created.UnixMicro(),
				updated.UnixMicro(),
			)
			if core.KindOf(err) == core.KindConflict {
				return core.E(op, core.KindConflict, fmt.Errorf("entity %s already exists: %w", r.e.ID, err))
			}
			if err != nil {
				return err
			}
		}

		for i, e := range edges {
			_, err := g.exec(ctx, tx, op, stmts.InsertEdge,
				e.From.String(), e.To.String(), string(e.Type), edgeAttrs[i], now.UnixMicro())
			switch core.KindOf(err) {
			case core.KindConflict:
				return core.E(op, core.KindConflict, fmt.Errorf("edge %s -[%s]-> %s already exists: %w", e.From, e.Type, e.To, err))
			case core.KindConstraint:
				return core.WithKind(op, core.KindNotFound, fmt.Errorf("edge %s -[%s]-> %s: endpoint not found: %w", e.From, e.Type, e.To, err))
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &LoadResult{Entities: len(rows), Edges: len(edges)}, nil
}
