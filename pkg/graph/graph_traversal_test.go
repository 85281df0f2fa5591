package graph

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liliang-cn/sqregistry/pkg/core"
	"github.com/liliang-cn/sqregistry/pkg/model"
)

func ids(entities []*model.Entity) []uuid.UUID {
	out := make([]uuid.UUID, len(entities))
	for i, e := range entities {
		out[i] = e.ID
	}
	return out
}

func TestNeighborsChain(t *testing.T) {
	g := setupTestGraph(t)
	ctx := context.Background()

	// A -contains-> B -contains-> C -contains-> D
	a := mustEntity(t, g, model.EntityProject, "A")
	b := mustEntity(t, g, model.EntityAnchor, "B")
	c := mustEntity(t, g, model.EntityAnchor, "C")
	d := mustEntity(t, g, model.EntityAnchorFeature, "D")
	mustEdge(t, g, a, model.EdgeContains, b)
	mustEdge(t, g, b, model.EdgeContains, c)
	mustEdge(t, g, c, model.EdgeContains, d)

	for _, iterative := range []bool{false, true} {
		store := withGraphConfig(g, func(c *core.GraphConfig) { c.ForceIterative = iterative })
		t.Run(fmt.Sprintf("iterative=%v", iterative), func(t *testing.T) {
			got, err := store.Neighbors(ctx, a.ID, TraversalOptions{
				Direction: model.DirectionOut,
				EdgeTypes: []model.EdgeType{model.EdgeContains},
				Depth:     2,
			})
			require.NoError(t, err)
			assert.Equal(t, []uuid.UUID{b.ID, c.ID}, ids(got))

			got, err = store.Neighbors(ctx, a.ID, TraversalOptions{Direction: model.DirectionOut, Depth: 1})
			require.NoError(t, err)
			assert.Equal(t, []uuid.UUID{b.ID}, ids(got))

			got, err = store.Neighbors(ctx, d.ID, TraversalOptions{Direction: model.DirectionIn, Depth: 3})
			require.NoError(t, err)
			assert.Equal(t, []uuid.UUID{c.ID, b.ID, a.ID}, ids(got))

			got, err = store.Neighbors(ctx, a.ID, TraversalOptions{
				Direction: model.DirectionOut,
				EdgeTypes: []model.EdgeType{model.EdgeConsumes},
				Depth:     3,
			})
			require.NoError(t, err)
			assert.Empty(t, got)
		})
	}
}

func TestNeighborsValidation(t *testing.T) {
	g := setupTestGraph(t, func(c *core.GraphConfig) { c.MaxDepth = 2 })
	ctx := context.Background()
	a := mustEntity(t, g, model.EntityProject, "A")
	b := mustEntity(t, g, model.EntityAnchor, "B")
	c := mustEntity(t, g, model.EntityAnchor, "C")
	d := mustEntity(t, g, model.EntityAnchorFeature, "D")
	mustEdge(t, g, a, model.EdgeContains, b)
	mustEdge(t, g, b, model.EdgeContains, c)
	mustEdge(t, g, c, model.EdgeContains, d)

	_, err := g.Neighbors(ctx, a.ID, TraversalOptions{Depth: 0})
	assert.ErrorIs(t, err, core.ErrInvalid)

	_, err = g.Neighbors(ctx, a.ID, TraversalOptions{Depth: 1, Direction: "sideways"})
	assert.ErrorIs(t, err, core.ErrInvalid)

	_, err = g.Neighbors(ctx, a.ID, TraversalOptions{Depth: 1, EdgeTypes: []model.EdgeType{"likes"}})
	assert.ErrorIs(t, err, core.ErrInvalid)

	_, err = g.Neighbors(ctx, uuid.New(), TraversalOptions{Depth: 1})
	assert.ErrorIs(t, err, core.ErrNotFound)

	got, err := g.Neighbors(ctx, a.ID, TraversalOptions{Depth: 10})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{b.ID, c.ID}, ids(got), "depth is capped at the configured maximum")
}

func TestRecursiveMatchesIterative(t *testing.T) {
	g := setupTestGraph(t)
	ctx := context.Background()

	// Diamonds, a cycle and mixed edge types.
	n := make([]*model.Entity, 8)
	for i := range n {
		n[i] = mustEntity(t, g, model.EntityDerivedFeature, fmt.Sprintf("n%d", i))
	}
	links := []struct {
		from, to int
		typ      model.EdgeType
	}{
		{0, 1, model.EdgeConsumes},
		{0, 2, model.EdgeConsumes},
		{1, 3, model.EdgeConsumes},
		{2, 3, model.EdgeConsumes},
		{3, 4, model.EdgeProduces},
		{4, 0, model.EdgeConsumes},
		{4, 5, model.EdgeContains},
		{5, 6, model.EdgeConsumes},
		{7, 6, model.EdgeProduces},
	}
	for _, l := range links {
		mustEdge(t, g, n[l.from], l.typ, n[l.to])
	}

	recursive := withGraphConfig(g, func(c *core.GraphConfig) { c.ForceIterative = false })
	iterative := withGraphConfig(g, func(c *core.GraphConfig) { c.ForceIterative = true })
	require.True(t, recursive.Dialect().SupportsRecursive())

	filters := [][]model.EdgeType{
		nil,
		{model.EdgeConsumes},
		{model.EdgeConsumes, model.EdgeProduces},
	}
	for _, start := range n {
		for _, dir := range []model.Direction{model.DirectionOut, model.DirectionIn, model.DirectionBoth} {
			for _, types := range filters {
				for depth := 1; depth <= 4; depth++ {
					opts := TraversalOptions{Direction: dir, EdgeTypes: types, Depth: depth}
					want, err := recursive.Reachable(ctx, start.ID, opts)
					require.NoError(t, err)
					got, err := iterative.Reachable(ctx, start.ID, opts)
					require.NoError(t, err)
					assert.Equal(t, want, got, "start=%s dir=%s types=%v depth=%d", start.Name(), dir, types, depth)
					assert.NotContains(t, got, start.ID)
				}
			}
		}
	}
}

func TestTraversalTimeout(t *testing.T) {
	g := setupTestGraph(t)
	ctx := context.Background()
	a := mustEntity(t, g, model.EntityProject, "A")

	slow := withGraphConfig(g, func(c *core.GraphConfig) { c.TraversalTimeout = time.Nanosecond })
	_, err := slow.Neighbors(ctx, a.ID, TraversalOptions{Depth: 2})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrTraversalTimeout)
	assert.ErrorIs(t, err, core.ErrTimeout)
}

func TestChildren(t *testing.T) {
	g := setupTestGraph(t)
	ctx := context.Background()
	p := mustEntity(t, g, model.EntityProject, "p")
	s := mustEntity(t, g, model.EntitySource, "s")
	a := mustEntity(t, g, model.EntityAnchor, "a")
	f := mustEntity(t, g, model.EntityAnchorFeature, "f")
	mustEdge(t, g, p, model.EdgeContains, s)
	mustEdge(t, g, p, model.EdgeContains, a)
	mustEdge(t, g, a, model.EdgeContains, f)
	mustEdge(t, g, s, model.EdgeBelongsTo, p)

	all, err := g.Children(ctx, p.ID, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{s.ID, a.ID}, ids(all))

	anchors, err := g.Children(ctx, p.ID, []model.EntityType{model.EntityAnchor})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{a.ID}, ids(anchors))

	features, err := g.Children(ctx, a.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{f.ID}, ids(features))

	_, err = g.Children(ctx, s.ID, nil)
	assert.ErrorIs(t, err, core.ErrInvalid)

	containers, err := g.Containers(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{a.ID}, containers)

	byChild, err := g.ContainersOf(ctx, []uuid.UUID{s.ID, f.ID, p.ID})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{p.ID}, byChild[s.ID])
	assert.Equal(t, []uuid.UUID{a.ID}, byChild[f.ID])
	assert.Empty(t, byChild[p.ID])
}

func TestLineage(t *testing.T) {
	g := setupTestGraph(t)
	ctx := context.Background()
	p := mustEntity(t, g, model.EntityProject, "p")
	s := mustEntity(t, g, model.EntitySource, "s")
	f := mustEntity(t, g, model.EntityAnchorFeature, "f")
	d1 := mustEntity(t, g, model.EntityDerivedFeature, "d1")
	d2 := mustEntity(t, g, model.EntityDerivedFeature, "d2")
	mustEdge(t, g, p, model.EdgeContains, f)
	mustEdge(t, g, f, model.EdgeConsumes, s)
	mustEdge(t, g, s, model.EdgeProduces, f)
	mustEdge(t, g, d1, model.EdgeConsumes, f)
	mustEdge(t, g, d2, model.EdgeConsumes, d1)

	lineage, err := g.Lineage(ctx, d1.ID, 2)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{d1.ID, f.ID, d2.ID, s.ID}, ids(lineage.Entities))
	assert.Len(t, lineage.Edges, 4)
	for _, e := range lineage.Edges {
		assert.NotEqual(t, model.EdgeContains, e.Type)
	}

	shallow, err := g.Lineage(ctx, d1.ID, 1)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{d1.ID, f.ID, d2.ID}, ids(shallow.Entities))
}

func TestProject(t *testing.T) {
	g := setupTestGraph(t)
	ctx := context.Background()
	p := mustEntity(t, g, model.EntityProject, "p")
	s := mustEntity(t, g, model.EntitySource, "s")
	a := mustEntity(t, g, model.EntityAnchor, "a")
	f := mustEntity(t, g, model.EntityAnchorFeature, "f")
	other := mustEntity(t, g, model.EntityProject, "other")
	mustEdge(t, g, p, model.EdgeContains, s)
	mustEdge(t, g, p, model.EdgeContains, a)
	mustEdge(t, g, a, model.EdgeContains, f)
	mustEdge(t, g, a, model.EdgeConsumes, s)
	mustEdge(t, g, other, model.EdgeContains, s)

	sub, err := g.Project(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, sub.Entities[0].ID)
	assert.ElementsMatch(t, []uuid.UUID{p.ID, s.ID, a.ID}, ids(sub.Entities))
	assert.Len(t, sub.Edges, 3)

	_, err = g.Project(ctx, a.ID)
	assert.ErrorIs(t, err, core.ErrInvalid)
}

func TestGetEntitiesSkipsMissing(t *testing.T) {
	g := setupTestGraph(t)
	ctx := context.Background()
	a := mustEntity(t, g, model.EntitySource, "a")
	b := mustEntity(t, g, model.EntitySource, "b")

	got, err := g.GetEntities(ctx, []uuid.UUID{b.ID, uuid.New(), a.ID, b.ID})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{b.ID, a.ID}, ids(got))

	got, err = g.GetEntities(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}
