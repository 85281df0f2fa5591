// Package search keeps a full-text index of registry entities.
//
// The index is a derived projection: the relational store is authoritative
// and every record can be rebuilt from it. Writes are serialized through one
// writer; searches run concurrently with writes and with a rebuild, observing
// either the old or the new state of a record.
package search

import (
	"context"

	"github.com/google/uuid"

	"github.com/liliang-cn/sqregistry/internal/encoding"
	"github.com/liliang-cn/sqregistry/pkg/model"
)

// OpKind selects what an Op does to the index
type OpKind int

const (
	OpUpsert OpKind = iota
	OpRemove
)

func (k OpKind) String() string {
	if k == OpRemove {
		return "remove"
	}
	return "upsert"
}

// Op is one index mutation. Remove only needs Record.ID.
type Op struct {
	Kind   OpKind
	Record model.SearchRecord
}

// Upsert builds an upsert op for rec
func Upsert(rec model.SearchRecord) Op { return Op{Kind: OpUpsert, Record: rec} }

// Remove builds a remove op for id
func Remove(id string) Op { return Op{Kind: OpRemove, Record: model.SearchRecord{ID: id}} }

// Query describes a search request
type Query struct {
	// Text is matched against name, qualified name, id and attribute text.
	// Empty text matches every record.
	Text  string
	Types []model.EntityType
	// Scope restricts results to records contained by this entity id.
	Scope  string
	Limit  int
	Offset int
}

// Hit is one ranked result
type Hit struct {
	ID    string
	Score float64
}

// Result is a page of ranked hits
type Result struct {
	Hits  []Hit
	Total uint64
}

// IDs returns the hit ids in rank order
func (r *Result) IDs() []string {
	out := make([]string, len(r.Hits))
	for i, h := range r.Hits {
		out[i] = h.ID
	}
	return out
}

// Index is the interface for a full-text index.
type Index interface {
	// Apply writes ops in order as one batch.
	Apply(ops []Op) error
	// Search returns ranked hits for q.
	Search(ctx context.Context, q Query) (*Result, error)
	// Count returns the number of indexed records.
	Count() (uint64, error)
	// Close closes the index.
	Close() error
}

// Destroyer is implemented by indexes that own on-disk state which must be
// removed once the index is retired.
type Destroyer interface {
	Destroy() error
}

// Source reads search records from the authoritative store.
type Source interface {
	// Scan streams every record in pages of at most pageSize.
	Scan(ctx context.Context, pageSize int, fn func([]model.SearchRecord) error) error
	// Lookup returns the current record of each id that still exists.
	Lookup(ctx context.Context, ids []string) (map[string]model.SearchRecord, error)
}

// RecordOf projects an entity and its containers into a search record.
func RecordOf(e *model.Entity, containers []uuid.UUID) model.SearchRecord {
	scopes := make([]string, len(containers))
	for i, c := range containers {
		scopes[i] = c.String()
	}
	return model.SearchRecord{
		ID:            e.ID.String(),
		Type:          string(e.Type),
		Name:          e.Name(),
		QualifiedName: e.QualifiedName(),
		Scopes:        scopes,
		Text:          encoding.FlattenText(e.Attributes),
	}
}
