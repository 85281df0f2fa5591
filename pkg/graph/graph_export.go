package graph

import (
	"bufio"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/liliang-cn/sqregistry/internal/encoding"
	"github.com/liliang-cn/sqregistry/pkg/core"
	"github.com/liliang-cn/sqregistry/pkg/model"
)

// SnapshotFormat is the format tag written into snapshot metadata
const SnapshotFormat = "sqregistry-v1"

// Snapshot is the portable form of the whole graph
type Snapshot struct {
	Entities []*model.Entity `json:"entities"`
	Edges    []*model.Edge   `json:"edges"`
	Metadata SnapshotMeta    `json:"metadata"`
}

// SnapshotMeta describes a snapshot
type SnapshotMeta struct {
	Format      string    `json:"format"`
	EntityCount int       `json:"entity_count"`
	EdgeCount   int       `json:"edge_count"`
	ExportedAt  time.Time `json:"exported_at"`
}

// Snapshot reads every entity and edge.
func (g *GraphStore) Snapshot(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{Entities: []*model.Entity{}}
	err := g.EachEntity(ctx, 500, func(page []*model.Entity) error {
		snap.Entities = append(snap.Entities, page...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if snap.Edges, err = g.AllEdges(ctx); err != nil {
		return nil, err
	}
	snap.Metadata = SnapshotMeta{
		Format:      SnapshotFormat,
		EntityCount: len(snap.Entities),
		EdgeCount:   len(snap.Edges),
		ExportedAt:  g.now(),
	}
	return snap, nil
}

// ExportJSON exports the graph to JSON format
func (g *GraphStore) ExportJSON(ctx context.Context, writer io.Writer) error {
	snap, err := g.Snapshot(ctx)
	if err != nil {
		return err
	}
	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(snap); err != nil {
		return core.E("export", core.KindFatal, fmt.Errorf("failed to encode JSON: %w", err))
	}
	return nil
}

// ImportJSON loads a JSON snapshot in one transaction
func (g *GraphStore) ImportJSON(ctx context.Context, reader io.Reader, replace bool) (*LoadResult, error) {
	var snap Snapshot
	decoder := json.NewDecoder(reader)
	decoder.UseNumber()
	if err := decoder.Decode(&snap); err != nil {
		return nil, core.E("import", core.KindInvalid, fmt.Errorf("failed to decode JSON: %w", err))
	}
	if snap.Metadata.Format != "" && snap.Metadata.Format != SnapshotFormat {
		return nil, core.Errorf("import", core.KindInvalid, "unsupported snapshot format %q", snap.Metadata.Format)
	}
	for _, e := range snap.Entities {
		if e != nil {
			e.Attributes = normalizeNumbers(e.Attributes)
		}
	}
	for _, e := range snap.Edges {
		if e != nil {
			e.Attributes = normalizeNumbers(e.Attributes)
		}
	}
	return g.Load(ctx, snap.Entities, snap.Edges, replace)
}

// normalizeNumbers turns json.Number values into float64 so attributes
// compare equal to freshly decoded ones.
func normalizeNumbers(m map[string]any) map[string]any {
	for k, v := range m {
		m[k] = normalizeValue(v)
	}
	return m
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return t.String()
		}
		return f
	case map[string]any:
		return normalizeNumbers(t)
	case []any:
		for i := range t {
			t[i] = normalizeValue(t[i])
		}
		return t
	}
	return v
}

// GraphML export/import structures

// GraphMLDocument represents a GraphML document
type GraphMLDocument struct {
	XMLName xml.Name     `xml:"graphml"`
	XMLNS   string       `xml:"xmlns,attr"`
	Keys    []GraphMLKey `xml:"key"`
	Graph   GraphMLGraph `xml:"graph"`
}

// GraphMLKey represents a GraphML key definition
type GraphMLKey struct {
	ID       string `xml:"id,attr"`
	For      string `xml:"for,attr"`
	AttrName string `xml:"attr.name,attr"`
	AttrType string `xml:"attr.type,attr"`
}

// GraphMLGraph represents a GraphML graph
type GraphMLGraph struct {
	ID          string        `xml:"id,attr"`
	EdgeDefault string        `xml:"edgedefault,attr"`
	Nodes       []GraphMLNode `xml:"node"`
	Edges       []GraphMLEdge `xml:"edge"`
}

// GraphMLNode represents a GraphML node
type GraphMLNode struct {
	ID   string        `xml:"id,attr"`
	Data []GraphMLData `xml:"data"`
}

// GraphMLEdge represents a GraphML edge
type GraphMLEdge struct {
	Source string        `xml:"source,attr"`
	Target string        `xml:"target,attr"`
	Data   []GraphMLData `xml:"data"`
}

// GraphMLData represents GraphML data
type GraphMLData struct {
	Key   string `xml:"key,attr"`
	Value string `xml:",chardata"`
}

var graphMLKeys = []GraphMLKey{
	{ID: "d0", For: "node", AttrName: "type", AttrType: "string"},
	{ID: "d1", For: "node", AttrName: "attributes", AttrType: "string"},
	{ID: "d2", For: "node", AttrName: "version", AttrType: "long"},
	{ID: "d3", For: "edge", AttrName: "type", AttrType: "string"},
	{ID: "d4", For: "edge", AttrName: "attributes", AttrType: "string"},
}

// ExportGraphML exports the graph to GraphML format. Attributes are carried
// as JSON strings.
func (g *GraphStore) ExportGraphML(ctx context.Context, writer io.Writer) error {
	snap, err := g.Snapshot(ctx)
	if err != nil {
		return err
	}

	doc := GraphMLDocument{
		XMLNS: "http://graphml.graphdrawing.org/xmlns",
		Keys:  graphMLKeys,
		Graph: GraphMLGraph{
			ID:          "registry",
			EdgeDefault: "directed",
			Nodes:       make([]GraphMLNode, 0, len(snap.Entities)),
			Edges:       make([]GraphMLEdge, 0, len(snap.Edges)),
		},
	}

	for _, e := range snap.Entities {
		attrs, err := encoding.EncodeAttributes(e.Attributes)
		if err != nil {
			return core.E("export", core.KindFatal, err)
		}
		doc.Graph.Nodes = append(doc.Graph.Nodes, GraphMLNode{
			ID: e.ID.String(),
			Data: []GraphMLData{
				{Key: "d0", Value: string(e.Type)},
				{Key: "d1", Value: attrs},
				{Key: "d2", Value: strconv.FormatInt(e.Version, 10)},
			},
		})
	}
	for _, e := range snap.Edges {
		attrs, err := encoding.EncodeAttributes(e.Attributes)
		if err != nil {
			return core.E("export", core.KindFatal, err)
		}
		doc.Graph.Edges = append(doc.Graph.Edges, GraphMLEdge{
			Source: e.From.String(),
			Target: e.To.String(),
			Data: []GraphMLData{
				{Key: "d3", Value: string(e.Type)},
				{Key: "d4", Value: attrs},
			},
		})
	}

	if _, err := io.WriteString(writer, xml.Header); err != nil {
		return core.E("export", core.KindFatal, err)
	}
	encoder := xml.NewEncoder(writer)
	encoder.Indent("", "  ")
	if err := encoder.Encode(doc); err != nil {
		return core.E("export", core.KindFatal, fmt.Errorf("failed to encode GraphML: %w", err))
	}
	return nil
}

// ImportGraphML loads a GraphML document written by ExportGraphML
func (g *GraphStore) ImportGraphML(ctx context.Context, reader io.Reader, replace bool) (*LoadResult, error) {
	const op = "import"
	var doc GraphMLDocument
	if err := xml.NewDecoder(reader).Decode(&doc); err != nil {
		return nil, core.E(op, core.KindInvalid, fmt.Errorf("failed to decode GraphML: %w", err))
	}

	keyMap := make(map[string]string, len(doc.Keys))
	for _, key := range doc.Keys {
		keyMap[key.For+"/"+key.ID] = key.AttrName
	}

	entities := make([]*model.Entity, 0, len(doc.Graph.Nodes))
	for _, n := range doc.Graph.Nodes {
		id, err := uuid.Parse(n.ID)
		if err != nil {
			return nil, core.E(op, core.KindInvalid, fmt.Errorf("node %q: %w", n.ID, err))
		}
		e := &model.Entity{ID: id, Version: 1}
		for _, d := range n.Data {
			switch keyMap["node/"+d.Key] {
			case "type":
				e.Type = model.EntityType(d.Value)
			case "attributes":
				if e.Attributes, err = encoding.DecodeAttributes(d.Value); err != nil {
					return nil, core.E(op, core.KindInvalid, fmt.Errorf("node %s: %w", id, err))
				}
			case "version":
				if e.Version, err = strconv.ParseInt(d.Value, 10, 64); err != nil {
					return nil, core.E(op, core.KindInvalid, fmt.Errorf("node %s: %w", id, err))
				}
			}
		}
		entities = append(entities, e)
	}

	edges := make([]*model.Edge, 0, len(doc.Graph.Edges))
	for _, ge := range doc.Graph.Edges {
		from, err := uuid.Parse(ge.Source)
		if err != nil {
			return nil, core.E(op, core.KindInvalid, fmt.Errorf("edge source %q: %w", ge.Source, err))
		}
		to, err := uuid.Parse(ge.Target)
		if err != nil {
			return nil, core.E(op, core.KindInvalid, fmt.Errorf("edge target %q: %w", ge.Target, err))
		}
		e := &model.Edge{From: from, To: to}
		for _, d := range ge.Data {
			switch keyMap["edge/"+d.Key] {
			case "type":
				e.Type = model.EdgeType(d.Value)
			case "attributes":
				if e.Attributes, err = encoding.DecodeAttributes(d.Value); err != nil {
					return nil, core.E(op, core.KindInvalid, err)
				}
			}
		}
		edges = append(edges, e)
	}
	return g.Load(ctx, entities, edges, replace)
}

// ExportFormat represents supported export formats
type ExportFormat string

const (
	FormatJSON    ExportFormat = "json"
	FormatGraphML ExportFormat = "graphml"
)

// ParseExportFormat parses a format name
func ParseExportFormat(s string) (ExportFormat, error) {
	switch f := ExportFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatJSON, FormatGraphML:
		return f, nil
	case "":
		return FormatJSON, nil
	}
	return "", core.Errorf("export", core.KindInvalid, "unsupported format %q", s)
}

// Export exports the graph in the specified format
func (g *GraphStore) Export(ctx context.Context, writer io.Writer, format ExportFormat) error {
	switch format {
	case FormatJSON, "":
		return g.ExportJSON(ctx, writer)
	case FormatGraphML:
		return g.ExportGraphML(ctx, writer)
	default:
		return core.Errorf("export", core.KindInvalid, "unsupported export format: %s", format)
	}
}

// Import loads a snapshot in the specified format. An empty format is
// detected from the input.
func (g *GraphStore) Import(ctx context.Context, reader io.Reader, format ExportFormat, replace bool) (*LoadResult, error) {
	br := bufio.NewReader(reader)
	if format == "" {
		var err error
		if format, err = DetectFormat(br); err != nil {
			return nil, err
		}
	}
	switch format {
	case FormatJSON:
		return g.ImportJSON(ctx, br, replace)
	case FormatGraphML:
		return g.ImportGraphML(ctx, br, replace)
	default:
		return nil, core.Errorf("import", core.KindInvalid, "unsupported import format: %s", format)
	}
}

// DetectFormat peeks at the input to detect its format without consuming it
func DetectFormat(reader *bufio.Reader) (ExportFormat, error) {
	buf, err := reader.Peek(512)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return "", core.E("import", core.KindInvalid, fmt.Errorf("failed to read: %w", err))
	}
	content := strings.TrimSpace(string(buf))
	switch {
	case strings.HasPrefix(content, "{"):
		return FormatJSON, nil
	case strings.HasPrefix(content, "<?xml"), strings.HasPrefix(content, "<graphml"):
		if strings.Contains(content, "graphml") {
			return FormatGraphML, nil
		}
	}
	return "", core.Errorf("import", core.KindInvalid, "unable to detect format")
}
