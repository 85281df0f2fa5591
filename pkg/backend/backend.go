// Package backend translates the graph store's statement set into
// engine-native SQL and classifies driver errors.
//
// The set of engines is closed: SQLite, PostgreSQL and MySQL form the
// ANSI-SQL family, SQL Server is the networked tabular-SQL engine. Exactly
// one Dialect is active per store.
package backend

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/liliang-cn/sqregistry/pkg/core"
)

// Kind names a supported engine.
type Kind string

const (
	SQLite   Kind = "sqlite"
	Postgres Kind = "postgres"
	MySQL    Kind = "mysql"
	MSSQL    Kind = "mssql"
)

// Kinds lists the supported engines.
func Kinds() []Kind {
	return []Kind{SQLite, Postgres, MySQL, MSSQL}
}

// ParseKind maps a configured backend name, accepting common aliases.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	case "mysql", "mariadb":
		return MySQL, nil
	case "mssql", "sqlserver", "azuresql":
		return MSSQL, nil
	}
	return "", core.Errorf("backend", core.KindInvalid, "unsupported backend %q", s)
}

// Dialect is the active engine adapter.
type Dialect struct {
	kind  Kind
	stmts *Statements
}

// For returns the dialect of kind.
func For(kind Kind) (Dialect, error) {
	switch kind {
	case SQLite, Postgres, MySQL, MSSQL:
	default:
		return Dialect{}, core.Errorf("backend", core.KindInvalid, "unsupported backend %q", kind)
	}
	d := Dialect{kind: kind}
	d.stmts = newStatements(d)
	return d, nil
}

// Kind returns the engine of the dialect
func (d Dialect) Kind() Kind {
	return d.kind
}

// DriverName is the database/sql driver registered for the engine.
func (d Dialect) DriverName() string {
	switch d.kind {
	case Postgres:
		return "pgx"
	case MySQL:
		return "mysql"
	case MSSQL:
		return "sqlserver"
	default:
		return "sqlite"
	}
}

// BindType is the sqlx placeholder style of the engine.
func (d Dialect) BindType() int {
	switch d.kind {
	case Postgres:
		return sqlx.DOLLAR
	case MSSQL:
		return sqlx.AT
	default:
		return sqlx.QUESTION
	}
}

// Rebind converts a query written with ? placeholders.
func (d Dialect) Rebind(query string) string {
	return sqlx.Rebind(d.BindType(), query)
}

// In expands slice arguments into IN lists and rebinds the result.
func (d Dialect) In(query string, args ...any) (string, []any, error) {
	q, a, err := sqlx.In(query, args...)
	if err != nil {
		return "", nil, core.E("bind", core.KindInvalid, err)
	}
	return d.Rebind(q), a, nil
}

// SupportsRecursive reports whether bounded traversal can be pushed down as a
// recursive common table expression.
func (d Dialect) SupportsRecursive() bool {
	// MySQL gained WITH RECURSIVE only in 8.0; 5.7 deployments stay iterative.
	return d.kind != MySQL
}

// MaxParams bounds the number of bind parameters in one statement.
func (d Dialect) MaxParams() int {
	switch d.kind {
	case MSSQL:
		return 2000
	case SQLite:
		return 900
	default:
		return 10000
	}
}

// TxOptions is the isolation requested for write transactions. Every engine
// runs at read-committed or stronger.
func (d Dialect) TxOptions() *sql.TxOptions {
	if d.kind == SQLite {
		// SQLite transactions are serializable; the driver rejects explicit levels.
		return nil
	}
	return &sql.TxOptions{Isolation: sql.LevelReadCommitted}
}

// Statements returns the prepared statement text of the dialect.
func (d Dialect) Statements() *Statements {
	return d.stmts
}

// Wrap classifies err and attaches op.
func (d Dialect) Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return core.E(op, Classify(err), err)
}

// Open validates the DSN for the engine and opens a database handle.
func Open(ctx context.Context, cfg core.BackendConfig, busyTimeoutMs int) (*sql.DB, Dialect, error) {
	kind, err := ParseKind(cfg.Kind)
	if err != nil {
		return nil, Dialect{}, err
	}
	d, err := For(kind)
	if err != nil {
		return nil, Dialect{}, err
	}

	var db *sql.DB
	switch kind {
	case SQLite:
		db, err = sql.Open(d.DriverName(), sqliteDSN(cfg.DSN, busyTimeoutMs))
	case Postgres:
		db, err = openPostgres(cfg.DSN)
	case MySQL:
		db, err = openMySQL(cfg.DSN)
	case MSSQL:
		db, err = openMSSQL(cfg.DSN)
	}
	if err != nil {
		return nil, Dialect{}, core.E("open", core.KindInvalid, fmt.Errorf("failed to open %s database: %w", kind, err))
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, Dialect{}, core.E("open", Classify(err), fmt.Errorf("failed to connect to %s: %w", kind, err))
	}
	return db, d, nil
}

// InitSchema creates the registry tables if they do not exist.
func (d Dialect) InitSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range d.Schema() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return d.Wrap("init_schema", fmt.Errorf("failed to create schema: %w", err))
		}
	}
	return nil
}
