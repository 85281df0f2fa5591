package backend

import (
	"errors"
	"fmt"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/liliang-cn/sqregistry/pkg/core"
)

// sqliteDSN adds the pragmas the store depends on unless the caller set them.
//
// foreign_keys enforces the no-dangling-edge constraint, busy_timeout makes
// writers queue instead of failing, and _txlock=immediate takes the write lock
// at BEGIN so optimistic updates serialize cleanly.
func sqliteDSN(dsn string, busyTimeoutMs int) string {
	if busyTimeoutMs <= 0 {
		busyTimeoutMs = 5000
	}
	params := []string{}
	if !strings.Contains(dsn, "foreign_keys") {
		params = append(params, "_pragma=foreign_keys(1)")
	}
	if !strings.Contains(dsn, "busy_timeout") {
		params = append(params, fmt.Sprintf("_pragma=busy_timeout(%d)", busyTimeoutMs))
	}
	if !strings.Contains(dsn, "journal_mode") && !strings.Contains(dsn, ":memory:") {
		params = append(params, "_pragma=journal_mode(WAL)")
	}
	if !strings.Contains(dsn, "_txlock") {
		params = append(params, "_txlock=immediate")
	}
	if len(params) == 0 {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(params, "&")
}

func sqliteSchema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS entities (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			name TEXT,
			qualified_name TEXT UNIQUE,
			attributes TEXT NOT NULL,
			version INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS edges (
			from_id TEXT NOT NULL REFERENCES entities(id),
			to_id TEXT NOT NULL REFERENCES entities(id),
			type TEXT NOT NULL,
			attributes TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (from_id, to_id, type)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_edges_to ON edges(to_id, type)`,
		`CREATE INDEX IF NOT EXISTS idx_entities_type ON entities(type)`,
	}
}

func classifySQLite(err error) (core.Kind, bool) {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return core.KindUnknown, false
	}
	code := se.Code()
	switch code {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return core.KindConflict, true
	case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
		return core.KindConstraint, true
	}
	switch code & 0xff {
	case sqlite3.SQLITE_CONSTRAINT:
		msg := se.Error()
		if strings.Contains(msg, "UNIQUE") || strings.Contains(msg, "PRIMARY KEY") {
			return core.KindConflict, true
		}
		return core.KindConstraint, true
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_PROTOCOL:
		return core.KindTransient, true
	case sqlite3.SQLITE_INTERRUPT:
		return core.KindTimeout, true
	case sqlite3.SQLITE_FULL, sqlite3.SQLITE_IOERR, sqlite3.SQLITE_CANTOPEN:
		return core.KindTransient, true
	}
	return core.KindFatal, true
}
