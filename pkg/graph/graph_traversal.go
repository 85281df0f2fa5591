package graph

import (
	"context"
	"database/sql"
	"errors"
	"sort"

	"github.com/google/uuid"

	"github.com/liliang-cn/sqregistry/pkg/core"
	"github.com/liliang-cn/sqregistry/pkg/model"
)

// TraversalOptions defines options for graph traversal
type TraversalOptions struct {
	Direction model.Direction
	EdgeTypes []model.EdgeType
	// Depth is the number of hops, at least 1. Values above the configured
	// maximum are capped.
	Depth int
}

// Neighbors returns every entity reachable from id within opts.Depth hops,
// excluding id itself, ordered by hop distance and then id. Each entity
// appears once however many paths lead to it.
func (g *GraphStore) Neighbors(ctx context.Context, id uuid.UUID, opts TraversalOptions) ([]*model.Entity, error) {
	ids, err := g.Reachable(ctx, id, opts)
	if err != nil {
		return nil, err
	}
	return g.GetEntities(ctx, ids)
}

// Reachable is Neighbors without hydration.
func (g *GraphStore) Reachable(ctx context.Context, id uuid.UUID, opts TraversalOptions) ([]uuid.UUID, error) {
	const op = "get_neighbors"
	if opts.Depth < 1 {
		return nil, core.Errorf(op, core.KindInvalid, "depth must be at least 1, got %d", opts.Depth)
	}
	if opts.Depth > g.cfg.MaxDepth {
		g.logger.Debug("traversal depth capped", "requested", opts.Depth, "max", g.cfg.MaxDepth)
		opts.Depth = g.cfg.MaxDepth
	}
	if opts.Direction == "" {
		opts.Direction = model.DirectionOut
	}
	switch opts.Direction {
	case model.DirectionOut, model.DirectionIn, model.DirectionBoth:
	default:
		return nil, core.Errorf(op, core.KindInvalid, "invalid direction %q", opts.Direction)
	}
	for _, t := range opts.EdgeTypes {
		if !t.Valid() {
			return nil, core.Errorf(op, core.KindInvalid, "invalid edge type %q", t)
		}
	}

	tctx, cancel := context.WithTimeout(ctx, g.cfg.TraversalTimeout)
	defer cancel()

	var ids []string
	err := g.withConn(tctx, op, func(tctx context.Context, q querier) error {
		if _, err := g.getEntity(tctx, q, op, id); err != nil {
			return err
		}
		var err error
		if g.dialect.SupportsRecursive() && !g.cfg.ForceIterative {
			ids, err = g.expandRecursive(tctx, q, op, id.String(), opts)
		} else {
			ids, err = g.expandIterative(tctx, q, op, id.String(), opts)
		}
		return err
	})
	if err != nil {
		if ctx.Err() == nil && errors.Is(tctx.Err(), context.DeadlineExceeded) {
			return nil, core.E(op, core.KindTimeout, core.ErrTraversalTimeout)
		}
		return nil, err
	}
	return parseIDs(op, ids)
}

// expandRecursive pushes the whole bounded traversal down as one query.
func (g *GraphStore) expandRecursive(ctx context.Context, q querier, op, start string, opts TraversalOptions) ([]string, error) {
	query, args, err := g.dialect.Reachable(start, opts.Direction, opts.EdgeTypes, opts.Depth)
	if err != nil {
		return nil, err
	}
	var ids []string
	err = g.query(ctx, q, op, query, args, func(rows *sql.Rows) error {
		var id string
		if err := rows.Scan(&id); err != nil {
			return err
		}
		ids = append(ids, id)
		return nil
	})
	return ids, err
}

// expandIterative runs one query per level. Direction and edge-type filters
// are part of each step query, so work is bounded by the visited frontier.
func (g *GraphStore) expandIterative(ctx context.Context, q querier, op, start string, opts TraversalOptions) ([]string, error) {
	visited := map[string]struct{}{start: {}}
	frontier := []string{start}
	var ids []string

	chunk := g.dialect.MaxParams()/2 - len(opts.EdgeTypes)
	for level := 1; level <= opts.Depth && len(frontier) > 0; level++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		next := map[string]struct{}{}
		for lo := 0; lo < len(frontier); lo += chunk {
			hi := min(lo+chunk, len(frontier))
			part := frontier[lo:hi]
			inPart := make(map[string]struct{}, len(part))
			for _, id := range part {
				inPart[id] = struct{}{}
			}

			query, args, err := g.dialect.Step(part, opts.Direction, opts.EdgeTypes)
			if err != nil {
				return nil, err
			}
			err = g.query(ctx, q, op, query, args, func(rows *sql.Rows) error {
				var from, to string
				if err := rows.Scan(&from, &to); err != nil {
					return err
				}
				_, fromIn := inPart[from]
				_, toIn := inPart[to]
				if fromIn && opts.Direction != model.DirectionIn {
					next[to] = struct{}{}
				}
				if toIn && opts.Direction != model.DirectionOut {
					next[from] = struct{}{}
				}
				return nil
			})
			if err != nil {
				return nil, err
			}
		}

		frontier = frontier[:0:0]
		for id := range next {
			if _, seen := visited[id]; seen {
				continue
			}
			visited[id] = struct{}{}
			frontier = append(frontier, id)
		}
		sort.Strings(frontier)
		ids = append(ids, frontier...)
	}
	return ids, nil
}

// GetEntities hydrates ids in order, skipping ids that no longer exist.
func (g *GraphStore) GetEntities(ctx context.Context, ids []uuid.UUID) ([]*model.Entity, error) {
	const op = "get_entities"
	if len(ids) == 0 {
		return []*model.Entity{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = id.String()
	}

	byID := make(map[uuid.UUID]*model.Entity, len(ids))
	err := g.withConn(ctx, op, func(ctx context.Context, q querier) error {
		chunk := g.dialect.MaxParams()
		for lo := 0; lo < len(keys); lo += chunk {
			query, args, err := g.dialect.SelectEntitiesIn(keys[lo:min(lo+chunk, len(keys))])
			if err != nil {
				return err
			}
			err = g.query(ctx, q, op, query, args, func(rows *sql.Rows) error {
				e, err := scanEntity(op, rows)
				if err != nil {
					return err
				}
				byID[e.ID] = e
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]*model.Entity, 0, len(ids))
	seen := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if e, ok := byID[id]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

// Children returns the entities a container holds through contains edges,
// optionally restricted to types.
func (g *GraphStore) Children(ctx context.Context, id uuid.UUID, types []model.EntityType) ([]*model.Entity, error) {
	const op = "get_children"
	parent, err := g.GetEntity(ctx, id)
	if err != nil {
		return nil, err
	}
	if !parent.Type.IsContainer() {
		return nil, core.Errorf(op, core.KindInvalid, "entity %s of type %s cannot contain children", id, parent.Type)
	}
	children, err := g.Neighbors(ctx, id, TraversalOptions{
		Direction: model.DirectionOut,
		EdgeTypes: []model.EdgeType{model.EdgeContains},
		Depth:     1,
	})
	if err != nil {
		return nil, err
	}
	if len(types) == 0 {
		return children, nil
	}
	allowed := make(map[model.EntityType]struct{}, len(types))
	for _, t := range types {
		allowed[t] = struct{}{}
	}
	out := children[:0]
	for _, c := range children {
		if _, ok := allowed[c.Type]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// Lineage returns the entity, everything connected to it through consumes and
// produces edges within depth hops, and the edges among them.
func (g *GraphStore) Lineage(ctx context.Context, id uuid.UUID, depth int) (*model.Subgraph, error) {
	ids, err := g.Reachable(ctx, id, TraversalOptions{
		Direction: model.DirectionBoth,
		EdgeTypes: []model.EdgeType{model.EdgeConsumes, model.EdgeProduces},
		Depth:     depth,
	})
	if err != nil {
		return nil, err
	}
	return g.subgraph(ctx, append([]uuid.UUID{id}, ids...), model.EdgeConsumes, model.EdgeProduces)
}

// Project returns a project, every entity it contains, and the edges among
// that set.
func (g *GraphStore) Project(ctx context.Context, id uuid.UUID) (*model.Subgraph, error) {
	const op = "get_project"
	project, err := g.GetEntity(ctx, id)
	if err != nil {
		return nil, err
	}
	if !project.Type.IsEntryPoint() {
		return nil, core.Errorf(op, core.KindInvalid, "entity %s is a %s, not a project", id, project.Type)
	}
	ids, err := g.Reachable(ctx, id, TraversalOptions{
		Direction: model.DirectionOut,
		EdgeTypes: []model.EdgeType{model.EdgeContains},
		Depth:     1,
	})
	if err != nil {
		return nil, err
	}
	return g.subgraph(ctx, append([]uuid.UUID{id}, ids...))
}

// subgraph hydrates ids and collects edges whose endpoints are both in ids,
// restricted to types when given.
func (g *GraphStore) subgraph(ctx context.Context, ids []uuid.UUID, types ...model.EdgeType) (*model.Subgraph, error) {
	const op = "subgraph"
	entities, err := g.GetEntities(ctx, ids)
	if err != nil {
		return nil, err
	}
	members := make(map[uuid.UUID]struct{}, len(entities))
	keys := make([]string, 0, len(entities))
	for _, e := range entities {
		members[e.ID] = struct{}{}
		keys = append(keys, e.ID.String())
	}
	allowed := make(map[model.EdgeType]struct{}, len(types))
	for _, t := range types {
		allowed[t] = struct{}{}
	}

	edges := []*model.Edge{}
	err = g.withConn(ctx, op, func(ctx context.Context, q querier) error {
		edges = edges[:0]
		chunk := g.dialect.MaxParams()
		for lo := 0; lo < len(keys); lo += chunk {
			query, args, err := g.dialect.SelectEdgesFrom(keys[lo:min(lo+chunk, len(keys))])
			if err != nil {
				return err
			}
			err = g.query(ctx, q, op, query, args, func(rows *sql.Rows) error {
				e, err := scanEdge(rows)
				if err != nil {
					return err
				}
				if _, ok := members[e.To]; !ok {
					return nil
				}
				if len(allowed) > 0 {
					if _, ok := allowed[e.Type]; !ok {
						return nil
					}
				}
				edges = append(edges, e)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &model.Subgraph{Entities: entities, Edges: edges}, nil
}

// Containers returns the ids of entities that contain id.
func (g *GraphStore) Containers(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	const op = "get_containers"
	var ids []string
	err := g.withConn(ctx, op, func(ctx context.Context, q querier) error {
		ids = ids[:0]
		return g.query(ctx, q, op, g.dialect.Statements().SelectContainers,
			[]any{id.String(), string(model.EdgeContains)}, func(rows *sql.Rows) error {
				var from string
				if err := rows.Scan(&from); err != nil {
					return err
				}
				ids = append(ids, from)
				return nil
			})
	})
	if err != nil {
		return nil, err
	}
	return parseIDs(op, ids)
}

// ContainersOf returns the containers of each id in one pass.
func (g *GraphStore) ContainersOf(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID][]uuid.UUID, error) {
	const op = "get_containers"
	out := make(map[uuid.UUID][]uuid.UUID, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = id.String()
	}
	err := g.withConn(ctx, op, func(ctx context.Context, q querier) error {
		clear(out)
		chunk := g.dialect.MaxParams() - 1
		for lo := 0; lo < len(keys); lo += chunk {
			query, args, err := g.dialect.SelectContainersIn(keys[lo:min(lo+chunk, len(keys))])
			if err != nil {
				return err
			}
			err = g.query(ctx, q, op, query, args, func(rows *sql.Rows) error {
				var from, to string
				if err := rows.Scan(&from, &to); err != nil {
					return err
				}
				parent, err := uuid.Parse(from)
				if err != nil {
					return core.E(op, core.KindFatal, err)
				}
				child, err := uuid.Parse(to)
				if err != nil {
					return core.E(op, core.KindFatal, err)
				}
				out[child] = append(out[child], parent)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, parents := range out {
		sort.Slice(parents, func(i, j int) bool { return parents[i].String() < parents[j].String() })
	}
	return out, nil
}

func parseIDs(op string, raw []string) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, core.E(op, core.KindFatal, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
