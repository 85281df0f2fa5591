package graph

import (
	"context"
	"database/sql"

	"github.com/liliang-cn/sqregistry/pkg/model"
)

// GraphStatistics represents overall graph statistics
type GraphStatistics struct {
	EntityCount         int            `json:"entity_count"`
	EdgeCount           int            `json:"edge_count"`
	EntitiesByType      map[string]int `json:"entities_by_type"`
	AverageDegree       float64        `json:"average_degree"`
	Density             float64        `json:"density"`
	ConnectedComponents int            `json:"connected_components"`
}

// Statistics computes statistics about the graph. Components are weakly
// connected: edge direction is ignored.
func (g *GraphStore) Statistics(ctx context.Context) (*GraphStatistics, error) {
	const op = "stats"
	stmts := g.dialect.Statements()
	stats := &GraphStatistics{EntitiesByType: map[string]int{}}

	var adj map[string][]string
	err := g.withConn(ctx, op, func(ctx context.Context, q querier) error {
		if err := g.queryRow(ctx, q, op, stmts.CountEntities, nil, &stats.EntityCount); err != nil {
			return err
		}
		if err := g.queryRow(ctx, q, op, stmts.CountEdges, nil, &stats.EdgeCount); err != nil {
			return err
		}

		adj = make(map[string][]string, stats.EntityCount)
		return g.query(ctx, q, op, stmts.SelectEdgePairs, nil, func(rows *sql.Rows) error {
			var u, v string
			if err := rows.Scan(&u, &v); err != nil {
				return err
			}
			adj[u] = append(adj[u], v)
			adj[v] = append(adj[v], u)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if stats.EntityCount == 0 {
		return stats, nil
	}

	stats.AverageDegree = 2.0 * float64(stats.EdgeCount) / float64(stats.EntityCount)
	maxEdges := float64(stats.EntityCount) * float64(stats.EntityCount-1)
	if maxEdges > 0 {
		stats.Density = float64(stats.EdgeCount) / maxEdges
	}

	visited := make(map[string]bool, stats.EntityCount)
	err = g.EachEntity(ctx, 500, func(page []*model.Entity) error {
		for _, e := range page {
			stats.EntitiesByType[string(e.Type)]++
			id := e.ID.String()
			if visited[id] {
				continue
			}
			stats.ConnectedComponents++
			visited[id] = true
			queue := []string{id}
			for len(queue) > 0 {
				curr := queue[0]
				queue = queue[1:]
				for _, next := range adj[curr] {
					if !visited[next] {
						visited[next] = true
						queue = append(queue, next)
					}
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}
