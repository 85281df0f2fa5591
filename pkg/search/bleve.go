package search

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/lang/en"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
)

const (
	fieldID            = "id"
	fieldType          = "type"
	fieldName          = "name"
	fieldQualifiedName = "qualifiedName"
	fieldScopes        = "scopes"
	fieldText          = "text"

	generationPrefix = "gen-"
	defaultLimit     = 20
)

// BleveIndex is an Index backed by bleve, either in memory or in one
// generation directory on disk.
type BleveIndex struct {
	idx  bleve.Index
	path string
}

var _ Index = (*BleveIndex)(nil)

func buildMapping() mapping.IndexMapping {
	keyword := func() *mapping.FieldMapping {
		fm := bleve.NewKeywordFieldMapping()
		fm.Store = false
		fm.IncludeInAll = false
		return fm
	}
	text := func() *mapping.FieldMapping {
		fm := bleve.NewTextFieldMapping()
		fm.Analyzer = en.AnalyzerName
		fm.Store = false
		fm.IncludeInAll = false
		return fm
	}

	doc := bleve.NewDocumentStaticMapping()
	doc.AddFieldMappingsAt(fieldID, keyword())
	doc.AddFieldMappingsAt(fieldType, keyword())
	doc.AddFieldMappingsAt(fieldName, text())
	doc.AddFieldMappingsAt(fieldQualifiedName, keyword())
	doc.AddFieldMappingsAt(fieldScopes, keyword())
	doc.AddFieldMappingsAt(fieldText, text())

	im := bleve.NewIndexMapping()
	im.DefaultMapping = doc
	im.DefaultAnalyzer = en.AnalyzerName
	return im
}

// NewMemoryIndex creates an empty in-memory index
func NewMemoryIndex() (*BleveIndex, error) {
	idx, err := bleve.NewMemOnly(buildMapping())
	if err != nil {
		return nil, fmt.Errorf("failed to create memory index: %w", err)
	}
	return &BleveIndex{idx: idx}, nil
}

// NewDiskIndex creates a fresh generation under root
func NewDiskIndex(root string) (*BleveIndex, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create index root: %w", err)
	}
	path := filepath.Join(root, fmt.Sprintf("%s%020d", generationPrefix, time.Now().UnixNano()))
	idx, err := bleve.New(path, buildMapping())
	if err != nil {
		return nil, fmt.Errorf("failed to create index %s: %w", path, err)
	}
	return &BleveIndex{idx: idx, path: path}, nil
}

// OpenDiskIndex opens the newest generation under root, removing older ones.
// A fresh generation is created when none can be opened.
func OpenDiskIndex(root string) (*BleveIndex, error) {
	entries, err := os.ReadDir(root)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read index root: %w", err)
	}
	var gens []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), generationPrefix) {
			gens = append(gens, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(gens)))

	var opened *BleveIndex
	for _, name := range gens {
		path := filepath.Join(root, name)
		if opened == nil {
			if idx, err := bleve.Open(path); err == nil {
				opened = &BleveIndex{idx: idx, path: path}
				continue
			}
		}
		_ = os.RemoveAll(path)
	}
	if opened != nil {
		return opened, nil
	}
	return NewDiskIndex(root)
}

// Path returns the generation directory, or "" for a memory index
func (b *BleveIndex) Path() string {
	return b.path
}

func document(op Op) map[string]any {
	r := op.Record
	scopes := r.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	return map[string]any{
		fieldID:            r.ID,
		fieldType:          r.Type,
		fieldName:          r.Name,
		fieldQualifiedName: r.QualifiedName,
		fieldScopes:        scopes,
		fieldText:          r.Text,
	}
}

// Apply writes ops in order as one batch
func (b *BleveIndex) Apply(ops []Op) error {
	if len(ops) == 0 {
		return nil
	}
	batch := b.idx.NewBatch()
	for _, op := range ops {
		if op.Record.ID == "" {
			return fmt.Errorf("index op %s: missing id", op.Kind)
		}
		switch op.Kind {
		case OpRemove:
			batch.Delete(op.Record.ID)
		default:
			if err := batch.Index(op.Record.ID, document(op)); err != nil {
				return fmt.Errorf("failed to index %s: %w", op.Record.ID, err)
			}
		}
	}
	return b.idx.Batch(batch)
}

func buildQuery(q Query) query.Query {
	var must []query.Query

	if text := strings.TrimSpace(q.Text); text != "" {
		name := bleve.NewMatchQuery(text)
		name.SetField(fieldName)
		name.SetBoost(3)

		exact := bleve.NewTermQuery(text)
		exact.SetField(fieldQualifiedName)
		exact.SetBoost(5)

		id := bleve.NewTermQuery(strings.ToLower(text))
		id.SetField(fieldID)
		id.SetBoost(5)

		body := bleve.NewMatchQuery(text)
		body.SetField(fieldText)

		must = append(must, bleve.NewDisjunctionQuery(name, exact, id, body))
	}

	if len(q.Types) > 0 {
		types := make([]query.Query, 0, len(q.Types))
		for _, t := range q.Types {
			tq := bleve.NewTermQuery(string(t))
			tq.SetField(fieldType)
			types = append(types, tq)
		}
		must = append(must, bleve.NewDisjunctionQuery(types...))
	}

	if q.Scope != "" {
		sq := bleve.NewTermQuery(q.Scope)
		sq.SetField(fieldScopes)
		must = append(must, sq)
	}

	switch len(must) {
	case 0:
		return bleve.NewMatchAllQuery()
	case 1:
		return must[0]
	}
	return bleve.NewConjunctionQuery(must...)
}

// Search returns ranked hits for q, ties broken by id
func (b *BleveIndex) Search(ctx context.Context, q Query) (*Result, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	req := bleve.NewSearchRequestOptions(buildQuery(q), limit, max(q.Offset, 0), false)
	req.SortBy([]string{"-_score", "_id"})

	res, err := b.idx.SearchInContext(ctx, req)
	if err != nil {
		return nil, err
	}
	out := &Result{Hits: make([]Hit, 0, len(res.Hits)), Total: res.Total}
	for _, h := range res.Hits {
		out.Hits = append(out.Hits, Hit{ID: h.ID, Score: h.Score})
	}
	return out, nil
}

// Count returns the number of indexed records
func (b *BleveIndex) Count() (uint64, error) {
	return b.idx.DocCount()
}

// Close closes the index
func (b *BleveIndex) Close() error {
	return b.idx.Close()
}

// Destroy closes the index and removes its directory
func (b *BleveIndex) Destroy() error {
	err := b.idx.Close()
	if b.path != "" {
		if rerr := os.RemoveAll(b.path); rerr != nil && err == nil {
			err = rerr
		}
	}
	return err
}
