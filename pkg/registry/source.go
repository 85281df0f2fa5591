package registry

import (
	"context"

	"github.com/google/uuid"

	"github.com/liliang-cn/sqregistry/pkg/graph"
	"github.com/liliang-cn/sqregistry/pkg/model"
	"github.com/liliang-cn/sqregistry/pkg/search"
)

// graphSource reads search records from the graph store.
type graphSource struct {
	g *graph.GraphStore
}

var _ search.Source = graphSource{}

func (s graphSource) Scan(ctx context.Context, pageSize int, fn func([]model.SearchRecord) error) error {
	return s.g.EachEntity(ctx, pageSize, func(page []*model.Entity) error {
		recs, err := s.records(ctx, page)
		if err != nil {
			return err
		}
		return fn(recs)
	})
}

func (s graphSource) Lookup(ctx context.Context, ids []string) (map[string]model.SearchRecord, error) {
	parsed := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if u, err := uuid.Parse(id); err == nil {
			parsed = append(parsed, u)
		}
	}
	entities, err := s.g.GetEntities(ctx, parsed)
	if err != nil {
		return nil, err
	}
	recs, err := s.records(ctx, entities)
	if err != nil {
		return nil, err
	}
	out := make(map[string]model.SearchRecord, len(recs))
	for _, r := range recs {
		out[r.ID] = r
	}
	return out, nil
}

func (s graphSource) records(ctx context.Context, entities []*model.Entity) ([]model.SearchRecord, error) {
	ids := make([]uuid.UUID, len(entities))
	for i, e := range entities {
		ids[i] = e.ID
	}
	containers, err := s.g.ContainersOf(ctx, ids)
	if err != nil {
		return nil, err
	}
	recs := make([]model.SearchRecord, len(entities))
	for i, e := range entities {
		recs[i] = search.RecordOf(e, containers[e.ID])
	}
	return recs, nil
}
