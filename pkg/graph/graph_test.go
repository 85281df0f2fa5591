package graph

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liliang-cn/sqregistry/pkg/backend"
	"github.com/liliang-cn/sqregistry/pkg/core"
	"github.com/liliang-cn/sqregistry/pkg/model"
	"github.com/liliang-cn/sqregistry/pkg/pool"
)

func setupTestGraph(t *testing.T, mutate ...func(*core.GraphConfig)) *GraphStore {
	t.Helper()
	ctx := context.Background()
	cfg := core.DefaultConfig()

	db, dialect, err := backend.Open(ctx, core.BackendConfig{
		Kind: "sqlite",
		DSN:  filepath.Join(t.TempDir(), "registry.db"),
	}, 5000)
	require.NoError(t, err)

	p := pool.New(db, cfg.Pool, pool.WithClassifier(backend.Classify))
	t.Cleanup(func() { _ = p.Close() })

	gcfg := cfg.Graph
	for _, m := range mutate {
		m(&gcfg)
	}
	g := NewGraphStore(p, dialect, gcfg, Options{Retry: cfg.Retry})
	require.NoError(t, g.InitGraphSchema(ctx))
	return g
}

// withGraphConfig returns a store sharing g's pool with a different config.
func withGraphConfig(g *GraphStore, mutate func(*core.GraphConfig)) *GraphStore {
	cfg := g.cfg
	mutate(&cfg)
	return NewGraphStore(g.pool, g.dialect, cfg, Options{Retry: g.retry})
}

func mustEntity(t *testing.T, g *GraphStore, typ model.EntityType, qn string) *model.Entity {
	t.Helper()
	e, err := g.CreateEntity(context.Background(), EntityInput{
		Type:       typ,
		Attributes: map[string]any{model.AttrName: qn, model.AttrQualifiedName: qn},
	})
	require.NoError(t, err)
	return e
}

func mustEdge(t *testing.T, g *GraphStore, from *model.Entity, typ model.EdgeType, to *model.Entity) {
	t.Helper()
	_, err := g.CreateEdge(context.Background(), model.Edge{From: from.ID, To: to.ID, Type: typ})
	require.NoError(t, err)
}

func TestEntityRoundTrip(t *testing.T) {
	g := setupTestGraph(t)
	ctx := context.Background()

	created, err := g.CreateEntity(ctx, EntityInput{
		Type: model.EntityAnchor,
		Attributes: map[string]any{
			"name":          "trips",
			"qualifiedName": "nyc__trips",
			"owner":         "data-eng",
			"tags":          []any{"a", "b"},
		},
	})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, created.ID)
	assert.Equal(t, int64(1), created.Version)

	got, err := g.GetEntity(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, model.EntityAnchor, got.Type)
	assert.Equal(t, created.Attributes, got.Attributes)
	assert.Equal(t, int64(1), got.Version)
	assert.True(t, created.CreatedAt.Equal(got.CreatedAt))
	assert.True(t, created.UpdatedAt.Equal(got.UpdatedAt))

	byName, err := g.GetEntityByQualifiedName(ctx, "nyc__trips")
	require.NoError(t, err)
	assert.Equal(t, created.ID, byName.ID)
}

func TestCreateEntityWithExplicitID(t *testing.T) {
	g := setupTestGraph(t)
	ctx := context.Background()
	id := uuid.New()

	e, err := g.CreateEntity(ctx, EntityInput{ID: id, Type: model.EntitySource})
	require.NoError(t, err)
	assert.Equal(t, id, e.ID)
	assert.Empty(t, e.Attributes)

	_, err = g.CreateEntity(ctx, EntityInput{ID: id, Type: model.EntitySource})
	assert.ErrorIs(t, err, core.ErrConflict)
}

func TestCreateEntityValidation(t *testing.T) {
	g := setupTestGraph(t)
	ctx := context.Background()

	_, err := g.CreateEntity(ctx, EntityInput{Type: "bogus"})
	assert.ErrorIs(t, err, core.ErrInvalid)

	_, err = g.CreateEntity(ctx, EntityInput{Type: model.EntityUnknown})
	assert.ErrorIs(t, err, core.ErrInvalid)

	_, err = g.CreateEntity(ctx, EntityInput{Type: model.EntitySource, Attributes: map[string]any{"": "x"}})
	assert.ErrorIs(t, err, core.ErrInvalid)
}

func TestDuplicateQualifiedName(t *testing.T) {
	g := setupTestGraph(t)
	ctx := context.Background()

	mustEntity(t, g, model.EntitySource, "dup")
	_, err := g.CreateEntity(ctx, EntityInput{
		Type:       model.EntitySource,
		Attributes: map[string]any{model.AttrQualifiedName: "dup"},
	})
	assert.ErrorIs(t, err, core.ErrConflict)

	// Entities without a qualified name never collide.
	_, err = g.CreateEntity(ctx, EntityInput{Type: model.EntitySource})
	require.NoError(t, err)
	_, err = g.CreateEntity(ctx, EntityInput{Type: model.EntitySource})
	require.NoError(t, err)
}

func TestGetEntityNotFound(t *testing.T) {
	g := setupTestGraph(t)
	ctx := context.Background()

	_, err := g.GetEntity(ctx, uuid.New())
	assert.ErrorIs(t, err, core.ErrNotFound)

	_, err = g.GetEntityByQualifiedName(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestUpdateEntityOptimisticVersion(t *testing.T) {
	g := setupTestGraph(t)
	ctx := context.Background()
	e := mustEntity(t, g, model.EntityAnchor, "a")

	updated, err := g.UpdateEntity(ctx, e.ID, map[string]any{"qualifiedName": "a", "description": "v2"}, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)
	assert.Equal(t, "v2", updated.Attributes["description"])
	assert.True(t, e.CreatedAt.Equal(updated.CreatedAt))

	_, err = g.UpdateEntity(ctx, e.ID, map[string]any{"description": "stale"}, 1)
	assert.ErrorIs(t, err, core.ErrConflict)

	got, err := g.GetEntity(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Attributes["description"])

	_, err = g.UpdateEntity(ctx, uuid.New(), map[string]any{}, 1)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestConcurrentUpdatesOneWins(t *testing.T) {
	g := setupTestGraph(t)
	ctx := context.Background()
	e := mustEntity(t, g, model.EntityAnchor, "contended")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = g.UpdateEntity(ctx, e.ID, map[string]any{"writer": float64(i)}, 1)
		}(i)
	}
	wg.Wait()

	var ok, conflict int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case core.KindOf(err) == core.KindConflict:
			conflict++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, conflict)

	got, err := g.GetEntity(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
}

func TestEntitiesByTypeAndEntryPoints(t *testing.T) {
	g := setupTestGraph(t)
	ctx := context.Background()
	p1 := mustEntity(t, g, model.EntityProject, "p1")
	p2 := mustEntity(t, g, model.EntityProject, "p2")
	mustEntity(t, g, model.EntitySource, "s")

	projects, err := g.EntryPoints(ctx)
	require.NoError(t, err)
	require.Len(t, projects, 2)
	assert.ElementsMatch(t, []uuid.UUID{p1.ID, p2.ID}, []uuid.UUID{projects[0].ID, projects[1].ID})

	sources, err := g.EntitiesByType(ctx, model.EntitySource)
	require.NoError(t, err)
	assert.Len(t, sources, 1)
}

func TestCreateEdge(t *testing.T) {
	g := setupTestGraph(t)
	ctx := context.Background()
	p := mustEntity(t, g, model.EntityProject, "p")
	s := mustEntity(t, g, model.EntitySource, "s")

	edge, err := g.CreateEdge(ctx, model.Edge{From: p.ID, To: s.ID, Type: model.EdgeContains})
	require.NoError(t, err)
	assert.NotNil(t, edge.Attributes)

	t.Run("Duplicate", func(t *testing.T) {
		_, err := g.CreateEdge(ctx, model.Edge{From: p.ID, To: s.ID, Type: model.EdgeContains})
		assert.ErrorIs(t, err, core.ErrConflict)
	})

	t.Run("SamePairOtherType", func(t *testing.T) {
		_, err := g.CreateEdge(ctx, model.Edge{From: p.ID, To: s.ID, Type: model.EdgeConsumes})
		require.NoError(t, err)
	})

	t.Run("MissingEndpoint", func(t *testing.T) {
		_, err := g.CreateEdge(ctx, model.Edge{From: p.ID, To: uuid.New(), Type: model.EdgeContains})
		assert.ErrorIs(t, err, core.ErrNotFound)
	})

	t.Run("InvalidType", func(t *testing.T) {
		_, err := g.CreateEdge(ctx, model.Edge{From: p.ID, To: s.ID, Type: "likes"})
		assert.ErrorIs(t, err, core.ErrInvalid)
	})

	out, err := g.GetEdges(ctx, p.ID, model.DirectionOut)
	require.NoError(t, err)
	assert.Len(t, out, 2)
	in, err := g.GetEdges(ctx, p.ID, model.DirectionIn)
	require.NoError(t, err)
	assert.Empty(t, in)
	both, err := g.GetEdges(ctx, s.ID, model.DirectionBoth)
	require.NoError(t, err)
	assert.Len(t, both, 2)
}

func TestStrictEdgeTypes(t *testing.T) {
	g := setupTestGraph(t, func(c *core.GraphConfig) { c.StrictEdgeTypes = true })
	ctx := context.Background()
	p := mustEntity(t, g, model.EntityProject, "p")
	s := mustEntity(t, g, model.EntitySource, "s")

	_, err := g.CreateEdge(ctx, model.Edge{From: p.ID, To: s.ID, Type: model.EdgeContains})
	require.NoError(t, err)

	_, err = g.CreateEdge(ctx, model.Edge{From: s.ID, To: p.ID, Type: model.EdgeContains})
	assert.ErrorIs(t, err, core.ErrConstraint)
}

func TestDeleteEdge(t *testing.T) {
	g := setupTestGraph(t)
	ctx := context.Background()
	a := mustEntity(t, g, model.EntityAnchor, "a")
	f := mustEntity(t, g, model.EntityAnchorFeature, "f")
	mustEdge(t, g, a, model.EdgeContains, f)

	require.NoError(t, g.DeleteEdge(ctx, a.ID, f.ID, model.EdgeContains))
	err := g.DeleteEdge(ctx, a.ID, f.ID, model.EdgeContains)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestDeleteEntityCascade(t *testing.T) {
	g := setupTestGraph(t)
	ctx := context.Background()
	p := mustEntity(t, g, model.EntityProject, "p")
	a := mustEntity(t, g, model.EntityAnchor, "a")
	f := mustEntity(t, g, model.EntityAnchorFeature, "f")
	mustEdge(t, g, p, model.EdgeContains, a)
	mustEdge(t, g, a, model.EdgeContains, f)

	_, err := g.DeleteEntity(ctx, a.ID, false)
	assert.ErrorIs(t, err, core.ErrConstraint)
	_, err = g.GetEntity(ctx, a.ID)
	require.NoError(t, err, "rejected delete must leave the entity in place")

	res, err := g.DeleteEntity(ctx, a.ID, true)
	require.NoError(t, err)
	assert.Equal(t, a.ID, res.Entity.ID)
	assert.Len(t, res.Edges, 2)

	_, err = g.GetEntity(ctx, a.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)

	edges, err := g.AllEdges(ctx)
	require.NoError(t, err)
	assert.Empty(t, edges, "no edge may reference a deleted entity")

	_, err = g.DeleteEntity(ctx, a.ID, true)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestDeleteEntityCascadeDisallowed(t *testing.T) {
	g := setupTestGraph(t, func(c *core.GraphConfig) { c.AllowCascade = false })
	ctx := context.Background()
	p := mustEntity(t, g, model.EntityProject, "p")
	s := mustEntity(t, g, model.EntitySource, "s")
	mustEdge(t, g, p, model.EdgeContains, s)

	_, err := g.DeleteEntity(ctx, s.ID, true)
	assert.ErrorIs(t, err, core.ErrConstraint)

	edges, err := g.AllEdges(ctx)
	require.NoError(t, err)
	assert.Len(t, edges, 1)

	lone := mustEntity(t, g, model.EntitySource, "lone")
	_, err = g.DeleteEntity(ctx, lone.ID, false)
	require.NoError(t, err)
}

func TestCascadeDeleteIsAtomicForReaders(t *testing.T) {
	g := setupTestGraph(t)
	ctx := context.Background()
	p := mustEntity(t, g, model.EntityProject, "p")
	for i := 0; i < 20; i++ {
		child := mustEntity(t, g, model.EntitySource, fmt.Sprintf("s%d", i))
		mustEdge(t, g, p, model.EdgeContains, child)
	}

	var (
		wg         sync.WaitGroup
		sawGone    atomic.Bool
		violations atomic.Int64
	)
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			_, err := g.GetEntity(ctx, p.ID)
			if !errors.Is(err, core.ErrNotFound) {
				continue
			}
			sawGone.Store(true)
			// Once the entity is gone none of its edges may be visible.
			edges, err := g.GetEdges(ctx, p.ID, model.DirectionBoth)
			if err != nil || len(edges) > 0 {
				violations.Add(1)
			}
		}
	}()

	res, err := g.DeleteEntity(ctx, p.ID, true)
	require.NoError(t, err)
	assert.Len(t, res.Edges, 20)
	require.Eventually(t, sawGone.Load, time.Second, time.Millisecond)
	close(stop)
	wg.Wait()
	assert.Zero(t, violations.Load())
}

func TestConcurrentEdgeAndDeleteLeaveNoDanglingEdge(t *testing.T) {
	g := setupTestGraph(t)
	ctx := context.Background()

	for round := 0; round < 10; round++ {
		p := mustEntity(t, g, model.EntityProject, fmt.Sprintf("p%d", round))
		s := mustEntity(t, g, model.EntitySource, fmt.Sprintf("s%d", round))

		var wg sync.WaitGroup
		var edgeErr, deleteErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, edgeErr = g.CreateEdge(ctx, model.Edge{From: p.ID, To: s.ID, Type: model.EdgeContains})
		}()
		go func() {
			defer wg.Done()
			_, deleteErr = g.DeleteEntity(ctx, p.ID, false)
		}()
		wg.Wait()

		switch {
		case edgeErr == nil:
			assert.ErrorIs(t, deleteErr, core.ErrConstraint, "round %d", round)
		case deleteErr == nil:
			assert.ErrorIs(t, edgeErr, core.ErrNotFound, "round %d", round)
		default:
			t.Fatalf("round %d: both failed: %v / %v", round, edgeErr, deleteErr)
		}
	}

	edges, err := g.AllEdges(ctx)
	require.NoError(t, err)
	for _, e := range edges {
		_, err := g.GetEntity(ctx, e.From)
		assert.NoError(t, err, "edge source %s", e.From)
		_, err = g.GetEntity(ctx, e.To)
		assert.NoError(t, err, "edge target %s", e.To)
	}
}

func TestFailedCascadeRollsBack(t *testing.T) {
	g := setupTestGraph(t)
	ctx := context.Background()
	p := mustEntity(t, g, model.EntityProject, "p")
	a := mustEntity(t, g, model.EntityAnchor, "a")
	f := mustEntity(t, g, model.EntityAnchorFeature, "f")
	mustEdge(t, g, p, model.EdgeContains, a)
	mustEdge(t, g, a, model.EdgeContains, f)

	// The entity row delete fails after the incident edges are gone.
	_, err := g.pool.DB().ExecContext(ctx, fmt.Sprintf(`CREATE TRIGGER keep_anchor BEFORE DELETE ON entities
		WHEN OLD.id = '%s' BEGIN SELECT RAISE(ABORT, 'anchor is pinned'); END`, a.ID))
	require.NoError(t, err)

	_, err = g.DeleteEntity(ctx, a.ID, true)
	assert.ErrorIs(t, err, core.ErrConstraint)

	_, err = g.GetEntity(ctx, a.ID)
	require.NoError(t, err)
	edges, err := g.AllEdges(ctx)
	require.NoError(t, err)
	assert.Len(t, edges, 2, "the cascade must roll back with the failed delete")
}

func TestStatementTimeout(t *testing.T) {
	g := setupTestGraph(t)
	ctx := context.Background()
	e := mustEntity(t, g, model.EntitySource, "s")

	slow := withGraphConfig(g, func(c *core.GraphConfig) { c.StatementTimeout = time.Nanosecond })
	_, err := slow.GetEntity(ctx, e.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrStatementTimeout)
	assert.ErrorIs(t, err, core.ErrTimeout)
}

func TestCancelledContextLeavesNoWrite(t *testing.T) {
	g := setupTestGraph(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.CreateEntity(ctx, EntityInput{Type: model.EntitySource, Attributes: map[string]any{"qualifiedName": "ghost"}})
	require.Error(t, err)

	_, err = g.GetEntityByQualifiedName(context.Background(), "ghost")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestStatistics(t *testing.T) {
	g := setupTestGraph(t)
	ctx := context.Background()

	stats, err := g.Statistics(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.EntityCount)

	p := mustEntity(t, g, model.EntityProject, "p")
	s := mustEntity(t, g, model.EntitySource, "s")
	mustEntity(t, g, model.EntitySource, "island")
	mustEdge(t, g, p, model.EdgeContains, s)

	stats, err = g.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.EntityCount)
	assert.Equal(t, 1, stats.EdgeCount)
	assert.Equal(t, 2, stats.ConnectedComponents)
	assert.Equal(t, 2, stats.EntitiesByType[string(model.EntitySource)])
	assert.InDelta(t, 2.0/3.0, stats.AverageDegree, 1e-9)
	assert.InDelta(t, 1.0/6.0, stats.Density, 1e-9)
}
