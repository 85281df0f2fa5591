package backend

import (
	"fmt"
	"strings"

	"github.com/liliang-cn/sqregistry/pkg/model"
)

const entityColumns = "id, type, attributes, version, created_at, updated_at"

const edgeColumns = "from_id, to_id, type, attributes"

// Statements is the fixed statement set of the graph store, rebound to the
// dialect's placeholder style.
type Statements struct {
	InsertEntity          string
	SelectEntity          string
	SelectByQualifiedName string
	SelectByType          string
	SelectVersion         string
	LockEntity            string
	UpdateEntity          string
	DeleteEntity          string
	CountEntities         string

	InsertEdge          string
	DeleteEdge          string
	CountIncidentEdges  string
	SelectIncidentEdges string
	DeleteIncidentEdges string
	SelectContainers    string
	CountEdges          string
	SelectEdgePairs     string
	SelectAllEdges      string

	DeleteAllEdges    string
	DeleteAllEntities string
}

func newStatements(d Dialect) *Statements {
	r := d.Rebind
	return &Statements{
		InsertEntity: r(`INSERT INTO entities (id, type, name, qualified_name, attributes, version, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		SelectEntity:          r(`SELECT ` + entityColumns + ` FROM entities WHERE id = ?`),
		SelectByQualifiedName: r(`SELECT ` + entityColumns + ` FROM entities WHERE qualified_name = ?`),
		SelectByType:          r(`SELECT ` + entityColumns + ` FROM entities WHERE type = ? ORDER BY created_at, id`),
		SelectVersion:         r(`SELECT version FROM entities WHERE id = ?`),
		LockEntity:            r(lockEntity(d.kind)),
		UpdateEntity: r(`UPDATE entities
			SET name = ?, qualified_name = ?, attributes = ?, version = version + 1, updated_at = ?
			WHERE id = ? AND version = ?`),
		DeleteEntity:  r(`DELETE FROM entities WHERE id = ?`),
		CountEntities: `SELECT COUNT(*) FROM entities`,

		InsertEdge:          r(`INSERT INTO edges (from_id, to_id, type, attributes, created_at) VALUES (?, ?, ?, ?, ?)`),
		DeleteEdge:          r(`DELETE FROM edges WHERE from_id = ? AND to_id = ? AND type = ?`),
		CountIncidentEdges:  r(`SELECT COUNT(*) FROM edges WHERE from_id = ? OR to_id = ?`),
		SelectIncidentEdges: r(`SELECT ` + edgeColumns + ` FROM edges WHERE from_id = ? OR to_id = ?`),
		DeleteIncidentEdges: r(`DELETE FROM edges WHERE from_id = ? OR to_id = ?`),
		SelectContainers:    r(`SELECT from_id FROM edges WHERE to_id = ? AND type = ? ORDER BY from_id`),
		CountEdges:          `SELECT COUNT(*) FROM edges`,
		SelectEdgePairs:     `SELECT from_id, to_id FROM edges`,
		SelectAllEdges:      `SELECT ` + edgeColumns + ` FROM edges ORDER BY from_id, to_id, type`,

		DeleteAllEdges:    `DELETE FROM edges`,
		DeleteAllEntities: `DELETE FROM entities`,
	}
}

// lockEntity selects one entity row and holds a write lock on it until the
// transaction ends. Edge inserts that reference the row wait on it through
// their foreign key check.
func lockEntity(k Kind) string {
	switch k {
	case Postgres, MySQL:
		return `SELECT id FROM entities WHERE id = ? FOR UPDATE`
	case MSSQL:
		return `SELECT id FROM entities WITH (XLOCK, ROWLOCK) WHERE id = ?`
	default:
		// SQLite write transactions begin immediate and exclude each other.
		return `SELECT id FROM entities WHERE id = ?`
	}
}

// Schema returns the idempotent DDL of the dialect.
func (d Dialect) Schema() []string {
	switch d.kind {
	case Postgres:
		return postgresSchema()
	case MySQL:
		return mysqlSchema()
	case MSSQL:
		return mssqlSchema()
	default:
		return sqliteSchema()
	}
}

// SelectEntitiesIn returns a query for entities whose id is in ids.
func (d Dialect) SelectEntitiesIn(ids []string) (string, []any, error) {
	return d.In(`SELECT `+entityColumns+` FROM entities WHERE id IN (?)`, ids)
}

// SelectTypesIn returns a query for the (id, type) of entities in ids.
func (d Dialect) SelectTypesIn(ids []string) (string, []any, error) {
	return d.In(`SELECT id, type FROM entities WHERE id IN (?)`, ids)
}

// SelectEdgesFrom returns a query for edges leaving any of ids.
func (d Dialect) SelectEdgesFrom(ids []string) (string, []any, error) {
	return d.In(`SELECT `+edgeColumns+` FROM edges WHERE from_id IN (?)`, ids)
}

// SelectContainersIn returns a query for (container, child) pairs of the
// given children.
func (d Dialect) SelectContainersIn(children []string) (string, []any, error) {
	return d.In(`SELECT from_id, to_id FROM edges WHERE to_id IN (?) AND type = ?`, children, string(model.EdgeContains))
}

// PageEntities returns a keyset page of entities ordered by id.
func (d Dialect) PageEntities(after string, limit int) (string, []any) {
	if d.kind == MSSQL {
		return d.Rebind(fmt.Sprintf(`SELECT TOP (%d) %s FROM entities WHERE id > ? ORDER BY id`, limit, entityColumns)), []any{after}
	}
	return d.Rebind(fmt.Sprintf(`SELECT %s FROM entities WHERE id > ? ORDER BY id LIMIT %d`, entityColumns, limit)), []any{after}
}

func edgeTypeStrings(types []model.EdgeType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

// Step returns the query for one frontier expansion: every (from_id, to_id)
// pair leaving the frontier in dir, restricted to types when non-empty.
func (d Dialect) Step(frontier []string, dir model.Direction, types []model.EdgeType) (string, []any, error) {
	var b strings.Builder
	args := []any{}
	b.WriteString(`SELECT from_id, to_id FROM edges WHERE `)
	switch dir {
	case model.DirectionIn:
		b.WriteString(`to_id IN (?)`)
		args = append(args, frontier)
	case model.DirectionBoth:
		b.WriteString(`(from_id IN (?) OR to_id IN (?))`)
		args = append(args, frontier, frontier)
	default:
		b.WriteString(`from_id IN (?)`)
		args = append(args, frontier)
	}
	if len(types) > 0 {
		b.WriteString(` AND type IN (?)`)
		args = append(args, edgeTypeStrings(types))
	}
	return d.In(b.String(), args...)
}

// Reachable returns a single recursive query yielding every entity reachable
// from start within depth hops, excluding start, ordered by hop distance and
// then id. Only valid when SupportsRecursive is true.
func (d Dialect) Reachable(start string, dir model.Direction, types []model.EdgeType, depth int) (string, []any, error) {
	var join, next string
	switch dir {
	case model.DirectionIn:
		join = `e.to_id = r.id`
		next = `e.from_id`
	case model.DirectionBoth:
		join = `(e.from_id = r.id OR e.to_id = r.id)`
		next = `CASE WHEN e.from_id = r.id THEN e.to_id ELSE e.from_id END`
	default:
		join = `e.from_id = r.id`
		next = `e.to_id`
	}

	args := []any{start}
	filter := ""
	if len(types) > 0 {
		filter = ` AND e.type IN (?)`
		args = append(args, edgeTypeStrings(types))
	}
	args = append(args, depth, start)

	var q string
	switch d.kind {
	case MSSQL:
		// T-SQL has no RECURSIVE keyword and requires UNION ALL in the
		// recursive member; the depth bound keeps the row set finite.
		q = `WITH reach (id, depth) AS (
			SELECT CAST(? AS NVARCHAR(36)), 0
			UNION ALL
			SELECT ` + next + `, r.depth + 1 FROM reach r JOIN edges e ON ` + join + filter + `
			WHERE r.depth < ?
		)
		SELECT id FROM reach WHERE id <> ? GROUP BY id ORDER BY MIN(depth), id`
	case Postgres:
		q = `WITH RECURSIVE reach (id, depth) AS (
			SELECT CAST(? AS VARCHAR(36)), 0
			UNION
			SELECT ` + next + `, r.depth + 1 FROM reach r JOIN edges e ON ` + join + filter + `
			WHERE r.depth < ?
		)
		SELECT id FROM reach WHERE id <> ? GROUP BY id ORDER BY MIN(depth), id`
	default:
		q = `WITH RECURSIVE reach (id, depth) AS (
			SELECT ?, 0
			UNION
			SELECT ` + next + `, r.depth + 1 FROM reach r JOIN edges e ON ` + join + filter + `
			WHERE r.depth < ?
		)
		SELECT id FROM reach WHERE id <> ? GROUP BY id ORDER BY MIN(depth), id`
	}
	return d.In(q, args...)
}
