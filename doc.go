// Package sqregistry is a feature metadata registry that stores a typed
// entity graph in a relational database and keeps a full-text index in step
// with it.
//
// The same graph runs on SQLite, PostgreSQL, MySQL or SQL Server. The engine
// is picked by configuration and nothing above the backend package knows
// which one is active.
//
// # Quick Start
//
//	import (
//	    "context"
//
//	    "github.com/liliang-cn/sqregistry/pkg/core"
//	    "github.com/liliang-cn/sqregistry/pkg/model"
//	    "github.com/liliang-cn/sqregistry/pkg/registry"
//	)
//
//	func main() {
//	    ctx := context.Background()
//	    cfg := core.DefaultConfig()
//	    cfg.Backend.DSN = "registry.db"
//
//	    reg, err := registry.Open(ctx, cfg)
//	    if err != nil {
//	        panic(err)
//	    }
//	    defer reg.Close()
//
//	    project, _ := reg.CreateEntity(ctx, registry.EntityInput{
//	        Type:       model.EntityProject,
//	        Attributes: map[string]any{"name": "nyc", "qualifiedName": "nyc"},
//	    })
//	    anchor, _ := reg.CreateEntity(ctx, registry.EntityInput{
//	        Type:       model.EntityAnchor,
//	        Attributes: map[string]any{"name": "trips", "qualifiedName": "nyc__trips"},
//	    })
//	    _, _ = reg.CreateEdge(ctx, model.Edge{From: project.ID, To: anchor.ID, Type: model.EdgeContains})
//
//	    hits, _ := reg.Search(ctx, registry.SearchQuery{Text: "trips", Scope: project.ID.String()})
//	    _ = hits
//	}
//
// # Packages
//
//   - pkg/registry: the Provider façade and Open
//   - pkg/graph: transactions, CRUD, traversal, lineage, snapshots
//   - pkg/search: bleve index, async propagation, reconciliation
//   - pkg/backend: dialects for the four engines
//   - pkg/pool: bounded connection leases
//   - pkg/core: errors, config, logging, metrics, retry
package sqregistry
