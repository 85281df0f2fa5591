package graph

import (
	"context"
	"database/sql"
	"slices"

	"github.com/google/uuid"

	"github.com/liliang-cn/sqregistry/internal/encoding"
	"github.com/liliang-cn/sqregistry/pkg/core"
	"github.com/liliang-cn/sqregistry/pkg/model"
)

// Definition describes an entity created by one of the typed operations.
// A zero ID is generated.
type Definition struct {
	ID         uuid.UUID
	Attributes map[string]any
}

// linker checks the entities a new one attaches to and returns the edges
// that place it in the graph.
type linker func(ctx context.Context, tx *sql.Tx, id uuid.UUID) ([]model.Edge, error)

// NewProject creates a project.
func (g *GraphStore) NewProject(ctx context.Context, def Definition) (*model.Entity, error) {
	return g.createLinked(ctx, "new_project", model.EntityProject, def, nil)
}

// NewSource creates a source contained in project.
func (g *GraphStore) NewSource(ctx context.Context, project uuid.UUID, def Definition) (*model.Entity, error) {
	const op = "new_source"
	return g.createLinked(ctx, op, model.EntitySource, def, func(ctx context.Context, tx *sql.Tx, id uuid.UUID) ([]model.Edge, error) {
		if err := g.expectTypes(ctx, tx, op, []uuid.UUID{project}, model.EntityProject); err != nil {
			return nil, err
		}
		return []model.Edge{{From: project, To: id, Type: model.EdgeContains}}, nil
	})
}

// NewAnchor creates an anchor contained in project. A non-zero source is
// consumed by the anchor.
func (g *GraphStore) NewAnchor(ctx context.Context, project, source uuid.UUID, def Definition) (*model.Entity, error) {
	const op = "new_anchor"
	return g.createLinked(ctx, op, model.EntityAnchor, def, func(ctx context.Context, tx *sql.Tx, id uuid.UUID) ([]model.Edge, error) {
		if err := g.expectTypes(ctx, tx, op, []uuid.UUID{project}, model.EntityProject); err != nil {
			return nil, err
		}
		edges := []model.Edge{{From: project, To: id, Type: model.EdgeContains}}
		if source != uuid.Nil {
			if err := g.expectTypes(ctx, tx, op, []uuid.UUID{source}, model.EntitySource); err != nil {
				return nil, err
			}
			edges = append(edges, model.Edge{From: id, To: source, Type: model.EdgeConsumes})
		}
		return edges, nil
	})
}

// NewAnchorFeature creates a feature contained in both project and anchor.
// The feature consumes every source the anchor consumes.
func (g *GraphStore) NewAnchorFeature(ctx context.Context, project, anchor uuid.UUID, def Definition) (*model.Entity, error) {
	const op = "new_anchor_feature"
	return g.createLinked(ctx, op, model.EntityAnchorFeature, def, func(ctx context.Context, tx *sql.Tx, id uuid.UUID) ([]model.Edge, error) {
		if err := g.expectTypes(ctx, tx, op, []uuid.UUID{project}, model.EntityProject); err != nil {
			return nil, err
		}
		if err := g.expectTypes(ctx, tx, op, []uuid.UUID{anchor}, model.EntityAnchor); err != nil {
			return nil, err
		}
		edges := []model.Edge{
			{From: project, To: id, Type: model.EdgeContains},
			{From: anchor, To: id, Type: model.EdgeContains},
		}
		incident, err := g.incidentEdges(ctx, tx, op, anchor)
		if err != nil {
			return nil, err
		}
		for _, e := range incident {
			if e.From == anchor && e.Type == model.EdgeConsumes {
				edges = append(edges, model.Edge{From: id, To: e.To, Type: model.EdgeConsumes})
			}
		}
		return edges, nil
	})
}

// NewDerivedFeature creates a feature contained in project that consumes
// inputs, which must be anchor or derived features.
func (g *GraphStore) NewDerivedFeature(ctx context.Context, project uuid.UUID, inputs []uuid.UUID, def Definition) (*model.Entity, error) {
	const op = "new_derived_feature"
	return g.createLinked(ctx, op, model.EntityDerivedFeature, def, func(ctx context.Context, tx *sql.Tx, id uuid.UUID) ([]model.Edge, error) {
		if err := g.expectTypes(ctx, tx, op, []uuid.UUID{project}, model.EntityProject); err != nil {
			return nil, err
		}
		edges := []model.Edge{{From: project, To: id, Type: model.EdgeContains}}
		seen := make(map[uuid.UUID]struct{}, len(inputs))
		unique := make([]uuid.UUID, 0, len(inputs))
		for _, in := range inputs {
			if _, ok := seen[in]; ok {
				continue
			}
			seen[in] = struct{}{}
			unique = append(unique, in)
			edges = append(edges, model.Edge{From: id, To: in, Type: model.EdgeConsumes})
		}
		if len(unique) > 0 {
			if err := g.expectTypes(ctx, tx, op, unique, model.EntityAnchorFeature, model.EntityDerivedFeature); err != nil {
				return nil, err
			}
		}
		return edges, nil
	})
}

// createLinked inserts the entity and the edges returned by link in one
// transaction. Every edge is stored together with its reflection, so the
// relationship reads the same from both endpoints.
func (g *GraphStore) createLinked(ctx context.Context, op string, t model.EntityType, def Definition, link linker) (*model.Entity, error) {
	entity, attrs, err := g.prepareEntity(op, EntityInput{ID: def.ID, Type: t, Attributes: def.Attributes})
	if err != nil {
		return nil, err
	}
	empty, err := encoding.EncodeAttributes(nil)
	if err != nil {
		return nil, core.E(op, core.KindInvalid, err)
	}

	err = g.withTx(ctx, op, func(ctx context.Context, tx *sql.Tx) error {
		var edges []model.Edge
		if link != nil {
			var err error
			if edges, err = link(ctx, tx, entity.ID); err != nil {
				return err
			}
		}
		if err := g.insertEntity(ctx, tx, op, entity, attrs); err != nil {
			return err
		}
		for _, e := range edges {
			if err := g.insertEdge(ctx, tx, op, e, empty); err != nil {
				return err
			}
			if err := g.insertEdge(ctx, tx, op, e.Reflect(), empty); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entity, nil
}

// expectTypes fails with not found when an id is missing and with a
// constraint violation when its type is not one of allowed.
func (g *GraphStore) expectTypes(ctx context.Context, q querier, op string, ids []uuid.UUID, allowed ...model.EntityType) error {
	keys := make([]string, len(ids))
	for i, id := range ids {
		if id == uuid.Nil {
			return core.Errorf(op, core.KindInvalid, "missing entity id")
		}
		keys[i] = id.String()
	}
	types, err := g.entityTypes(ctx, q, op, keys)
	if err != nil {
		return err
	}
	for _, id := range ids {
		t, ok := types[id.String()]
		if !ok {
			return core.Errorf(op, core.KindNotFound, "entity not found: %s", id)
		}
		if !slices.Contains(allowed, t) {
			return core.Errorf(op, core.KindConstraint, "entity %s is a %s, want %v", id, t, allowed)
		}
	}
	return nil
}
