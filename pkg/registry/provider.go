package registry

import (
	"context"
	"io"

	"github.com/google/uuid"

	"github.com/liliang-cn/sqregistry/pkg/graph"
	"github.com/liliang-cn/sqregistry/pkg/model"
	"github.com/liliang-cn/sqregistry/pkg/search"
)

type (
	// EntityInput describes an entity to create
	EntityInput = graph.EntityInput
	// Definition describes an entity created with its containment edges
	Definition = graph.Definition
	// TraversalOptions bounds a neighbor traversal
	TraversalOptions = graph.TraversalOptions
	// SearchQuery describes a full-text query
	SearchQuery = search.Query
	// Statistics summarizes the graph
	Statistics = graph.GraphStatistics
	// LoadResult reports what an import wrote
	LoadResult = graph.LoadResult
	// ExportFormat selects a snapshot format
	ExportFormat = graph.ExportFormat
)

// Provider is the registry contract consumed by the serving layer. Every
// error it returns carries a core.Kind.
type Provider interface {
	CreateEntity(ctx context.Context, in EntityInput) (*model.Entity, error)
	GetEntity(ctx context.Context, id uuid.UUID) (*model.Entity, error)
	GetEntityByQualifiedName(ctx context.Context, name string) (*model.Entity, error)
	GetEntities(ctx context.Context, ids []uuid.UUID) ([]*model.Entity, error)
	GetEntryPoints(ctx context.Context) ([]*model.Entity, error)
	UpdateEntity(ctx context.Context, id uuid.UUID, attrs map[string]any, expectedVersion int64) (*model.Entity, error)
	DeleteEntity(ctx context.Context, id uuid.UUID, cascade bool) error

	NewProject(ctx context.Context, def Definition) (*model.Entity, error)
	NewSource(ctx context.Context, project uuid.UUID, def Definition) (*model.Entity, error)
	NewAnchor(ctx context.Context, project, source uuid.UUID, def Definition) (*model.Entity, error)
	NewAnchorFeature(ctx context.Context, project, anchor uuid.UUID, def Definition) (*model.Entity, error)
	NewDerivedFeature(ctx context.Context, project uuid.UUID, inputs []uuid.UUID, def Definition) (*model.Entity, error)

	CreateEdge(ctx context.Context, edge model.Edge) (*model.Edge, error)
	DeleteEdge(ctx context.Context, from, to uuid.UUID, edgeType model.EdgeType) error
	GetEdges(ctx context.Context, id uuid.UUID, dir model.Direction) ([]*model.Edge, error)

	GetNeighbors(ctx context.Context, id uuid.UUID, opts TraversalOptions) ([]*model.Entity, error)
	GetChildren(ctx context.Context, id uuid.UUID, types []model.EntityType) ([]*model.Entity, error)
	GetLineage(ctx context.Context, id uuid.UUID, depth int) (*model.Subgraph, error)
	GetProject(ctx context.Context, id uuid.UUID) (*model.Subgraph, error)

	Search(ctx context.Context, q SearchQuery) ([]*model.Entity, error)
	Stats(ctx context.Context) (*Statistics, error)

	Export(ctx context.Context, w io.Writer, format ExportFormat) error
	Import(ctx context.Context, r io.Reader, format ExportFormat, replace bool) (*LoadResult, error)

	ReindexAll(ctx context.Context) (int, error)
	Reconcile(ctx context.Context) (int, error)
	Close() error
}
