// Package model defines the registry graph: entities, typed directed edges
// and the derived search projection.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EntityType is the closed set of entity kinds stored in the registry.
type EntityType string

const (
	EntityUnknown        EntityType = "unknown"
	EntityProject        EntityType = "project"
	EntitySource         EntityType = "source"
	EntityAnchor         EntityType = "anchor"
	EntityAnchorFeature  EntityType = "anchor_feature"
	EntityDerivedFeature EntityType = "derived_feature"
)

var entityTypes = []EntityType{
	EntityProject,
	EntitySource,
	EntityAnchor,
	EntityAnchorFeature,
	EntityDerivedFeature,
}

// EntityTypes returns every storable entity type.
func EntityTypes() []EntityType {
	out := make([]EntityType, len(entityTypes))
	copy(out, entityTypes)
	return out
}

// ParseEntityType accepts the canonical name or common aliases such as
// "anchor-feature" and "AnchorFeature".
func ParseEntityType(s string) (EntityType, error) {
	norm := strings.ToLower(strings.NewReplacer("-", "", "_", "", " ", "").Replace(s))
	for _, t := range entityTypes {
		if strings.ReplaceAll(string(t), "_", "") == norm {
			return t, nil
		}
	}
	return EntityUnknown, fmt.Errorf("unknown entity type %q", s)
}

// Valid reports whether t may be stored.
func (t EntityType) Valid() bool {
	for _, v := range entityTypes {
		if v == t {
			return true
		}
	}
	return false
}

// IsEntryPoint reports whether entities of this type are top-level containers.
func (t EntityType) IsEntryPoint() bool {
	return t == EntityProject
}

// IsContainer reports whether entities of this type may contain children.
func (t EntityType) IsContainer() bool {
	return t == EntityProject || t == EntityAnchor
}

// EdgeType is the closed set of relationship kinds.
type EdgeType string

const (
	EdgeBelongsTo EdgeType = "belongs_to"
	EdgeContains  EdgeType = "contains"
	EdgeConsumes  EdgeType = "consumes"
	EdgeProduces  EdgeType = "produces"
)

var edgeTypes = []EdgeType{EdgeBelongsTo, EdgeContains, EdgeConsumes, EdgeProduces}

// EdgeTypes returns every edge type.
func EdgeTypes() []EdgeType {
	out := make([]EdgeType, len(edgeTypes))
	copy(out, edgeTypes)
	return out
}

// ParseEdgeType accepts the canonical name or a case/separator variant.
func ParseEdgeType(s string) (EdgeType, error) {
	norm := strings.ToLower(strings.NewReplacer("-", "", "_", "", " ", "").Replace(s))
	for _, t := range edgeTypes {
		if strings.ReplaceAll(string(t), "_", "") == norm {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown edge type %q", s)
}

// Valid reports whether t is a known edge type.
func (t EdgeType) Valid() bool {
	for _, v := range edgeTypes {
		if v == t {
			return true
		}
	}
	return false
}

// Reflection returns the edge type that describes the same relationship in
// the opposite direction.
func (t EdgeType) Reflection() EdgeType {
	switch t {
	case EdgeBelongsTo:
		return EdgeContains
	case EdgeContains:
		return EdgeBelongsTo
	case EdgeConsumes:
		return EdgeProduces
	case EdgeProduces:
		return EdgeConsumes
	}
	return t
}

// IsDownstream reports whether following t moves away from the data origin.
func (t EdgeType) IsDownstream() bool {
	return t == EdgeContains || t == EdgeProduces
}

type edgeTriple struct {
	from, to EntityType
	edge     EdgeType
}

var allowedEdges = map[edgeTriple]struct{}{
	{EntityProject, EntitySource, EdgeContains}:                {},
	{EntityProject, EntityAnchor, EdgeContains}:                {},
	{EntityProject, EntityAnchorFeature, EdgeContains}:         {},
	{EntityProject, EntityDerivedFeature, EdgeContains}:        {},
	{EntitySource, EntityProject, EdgeBelongsTo}:               {},
	{EntitySource, EntityAnchor, EdgeProduces}:                 {},
	{EntitySource, EntityAnchorFeature, EdgeProduces}:          {},
	{EntityAnchor, EntityProject, EdgeBelongsTo}:               {},
	{EntityAnchor, EntitySource, EdgeConsumes}:                 {},
	{EntityAnchor, EntityAnchorFeature, EdgeContains}:          {},
	{EntityAnchorFeature, EntityProject, EdgeBelongsTo}:        {},
	{EntityAnchorFeature, EntitySource, EdgeConsumes}:          {},
	{EntityAnchorFeature, EntityAnchor, EdgeBelongsTo}:         {},
	{EntityAnchorFeature, EntityDerivedFeature, EdgeProduces}:  {},
	{EntityDerivedFeature, EntityProject, EdgeBelongsTo}:       {},
	{EntityDerivedFeature, EntityAnchorFeature, EdgeConsumes}:  {},
	{EntityDerivedFeature, EntityDerivedFeature, EdgeProduces}: {},
	{EntityDerivedFeature, EntityDerivedFeature, EdgeConsumes}: {},
}

// Validate reports whether an edge of type t may connect from to to.
func (t EdgeType) Validate(from, to EntityType) bool {
	_, ok := allowedEdges[edgeTriple{from, to, t}]
	return ok
}

// Direction selects which incident edges a traversal step follows.
type Direction string

const (
	DirectionOut  Direction = "out"
	DirectionIn   Direction = "in"
	DirectionBoth Direction = "both"
)

// ParseDirection maps "in", "out" and "both" ("" means out).
func ParseDirection(s string) (Direction, error) {
	switch Direction(strings.ToLower(s)) {
	case DirectionOut, "":
		return DirectionOut, nil
	case DirectionIn:
		return DirectionIn, nil
	case DirectionBoth:
		return DirectionBoth, nil
	}
	return "", fmt.Errorf("invalid direction %q (use 'in', 'out', or 'both')", s)
}

// Attribute keys with a dedicated column.
const (
	AttrName          = "name"
	AttrQualifiedName = "qualifiedName"
)

// Entity is a node in the registry graph.
type Entity struct {
	ID         uuid.UUID      `json:"id"`
	Type       EntityType     `json:"type"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Version    int64          `json:"version"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Name returns the "name" attribute when it is a string.
func (e *Entity) Name() string {
	return stringAttr(e.Attributes, AttrName)
}

// QualifiedName returns the "qualifiedName" attribute when it is a string.
func (e *Entity) QualifiedName() string {
	return stringAttr(e.Attributes, AttrQualifiedName)
}

func stringAttr(attrs map[string]any, key string) string {
	if attrs == nil {
		return ""
	}
	s, _ := attrs[key].(string)
	return s
}

// Edge is a directed, typed relationship between two entities.
type Edge struct {
	From       uuid.UUID      `json:"from"`
	To         uuid.UUID      `json:"to"`
	Type       EdgeType       `json:"type"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Reflect returns the same relationship seen from the other endpoint.
func (e Edge) Reflect() Edge {
	return Edge{From: e.To, To: e.From, Type: e.Type.Reflection(), Attributes: e.Attributes}
}

// Subgraph is a set of entities and the edges among them.
type Subgraph struct {
	Entities []*Entity `json:"entities"`
	Edges    []*Edge   `json:"edges"`
}

// SearchRecord is the index-only projection of an entity.
type SearchRecord struct {
	ID            string   `json:"id"`
	Type          string   `json:"type"`
	Name          string   `json:"name"`
	QualifiedName string   `json:"qualifiedName"`
	Scopes        []string `json:"scopes"`
	Text          string   `json:"text"`
}
