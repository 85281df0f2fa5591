package backend

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	mssql "github.com/microsoft/go-mssqldb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liliang-cn/sqregistry/pkg/core"
	"github.com/liliang-cn/sqregistry/pkg/model"
)

func mustDialect(t *testing.T, k Kind) Dialect {
	t.Helper()
	d, err := For(k)
	require.NoError(t, err)
	return d
}

func TestParseKind(t *testing.T) {
	for in, want := range map[string]Kind{
		"sqlite": SQLite, "SQLite3": SQLite,
		"postgresql": Postgres, "pgx": Postgres,
		"mariadb": MySQL, "sqlserver": MSSQL, "mssql": MSSQL,
	} {
		got, err := ParseKind(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseKind("oracle")
	assert.ErrorIs(t, err, core.ErrInvalid)
	_, err = For(Kind("oracle"))
	assert.ErrorIs(t, err, core.ErrInvalid)
}

func TestRebind(t *testing.T) {
	q := `SELECT 1 FROM edges WHERE from_id = ? AND to_id = ?`
	assert.Equal(t, q, mustDialect(t, SQLite).Rebind(q))
	assert.Equal(t, q, mustDialect(t, MySQL).Rebind(q))
	assert.Equal(t, `SELECT 1 FROM edges WHERE from_id = $1 AND to_id = $2`, mustDialect(t, Postgres).Rebind(q))
	assert.Equal(t, `SELECT 1 FROM edges WHERE from_id = @p1 AND to_id = @p2`, mustDialect(t, MSSQL).Rebind(q))

	assert.Contains(t, mustDialect(t, Postgres).Statements().UpdateEntity, "$6")
	assert.Contains(t, mustDialect(t, MSSQL).Statements().InsertEdge, "@p5")
}

func TestLockEntity(t *testing.T) {
	assert.Equal(t, `SELECT id FROM entities WHERE id = $1 FOR UPDATE`, mustDialect(t, Postgres).Statements().LockEntity)
	assert.Equal(t, `SELECT id FROM entities WHERE id = ? FOR UPDATE`, mustDialect(t, MySQL).Statements().LockEntity)
	assert.Equal(t, `SELECT id FROM entities WITH (XLOCK, ROWLOCK) WHERE id = @p1`, mustDialect(t, MSSQL).Statements().LockEntity)
	assert.NotContains(t, mustDialect(t, SQLite).Statements().LockEntity, "FOR UPDATE")
}

func TestStep(t *testing.T) {
	d := mustDialect(t, Postgres)
	q, args, err := d.Step([]string{"a", "b"}, model.DirectionOut, []model.EdgeType{model.EdgeContains})
	require.NoError(t, err)
	assert.Equal(t, `SELECT from_id, to_id FROM edges WHERE from_id IN ($1, $2) AND type IN ($3)`, q)
	assert.Equal(t, []any{"a", "b", "contains"}, args)

	q, args, err = d.Step([]string{"a"}, model.DirectionBoth, nil)
	require.NoError(t, err)
	assert.Equal(t, `SELECT from_id, to_id FROM edges WHERE (from_id IN ($1) OR to_id IN ($2))`, q)
	assert.Len(t, args, 2)

	q, _, err = mustDialect(t, MySQL).Step([]string{"a"}, model.DirectionIn, nil)
	require.NoError(t, err)
	assert.Equal(t, `SELECT from_id, to_id FROM edges WHERE to_id IN (?)`, q)

	_, _, err = d.Step(nil, model.DirectionOut, nil)
	assert.ErrorIs(t, err, core.ErrInvalid)
}

func TestReachable(t *testing.T) {
	types := []model.EdgeType{model.EdgeContains, model.EdgeProduces}

	q, args, err := mustDialect(t, SQLite).Reachable("a", model.DirectionOut, types, 3)
	require.NoError(t, err)
	assert.Contains(t, q, "WITH RECURSIVE")
	assert.Contains(t, q, "e.type IN (?, ?)")
	assert.Equal(t, []any{"a", "contains", "produces", 3, "a"}, args)

	q, _, err = mustDialect(t, Postgres).Reachable("a", model.DirectionBoth, nil, 2)
	require.NoError(t, err)
	assert.Contains(t, q, "CAST($1 AS VARCHAR(36))")
	assert.Contains(t, q, "CASE WHEN e.from_id = r.id THEN e.to_id ELSE e.from_id END")
	assert.Contains(t, q, "r.depth < $2")

	q, _, err = mustDialect(t, MSSQL).Reachable("a", model.DirectionIn, types, 2)
	require.NoError(t, err)
	assert.NotContains(t, q, "RECURSIVE")
	assert.Contains(t, q, "UNION ALL")
	assert.Contains(t, q, "@p5")

	assert.False(t, mustDialect(t, MySQL).SupportsRecursive())
	assert.True(t, mustDialect(t, MSSQL).SupportsRecursive())
}

func TestPageEntities(t *testing.T) {
	q, args := mustDialect(t, MSSQL).PageEntities("", 10)
	assert.True(t, strings.HasPrefix(q, "SELECT TOP (10)"))
	assert.Equal(t, []any{""}, args)

	q, _ = mustDialect(t, Postgres).PageEntities("x", 5)
	assert.Contains(t, q, "id > $1 ORDER BY id LIMIT 5")
}

func TestSchema(t *testing.T) {
	for _, k := range Kinds() {
		d := mustDialect(t, k)
		ddl := strings.Join(d.Schema(), "\n")
		assert.Contains(t, ddl, "entities", k)
		assert.Contains(t, ddl, "PRIMARY KEY (from_id, to_id, type)", k)
		assert.NotContains(t, strings.ToUpper(ddl), "ON DELETE CASCADE", k)
	}
	assert.Contains(t, strings.Join(mustDialect(t, MSSQL).Schema(), "\n"), "WHERE qualified_name IS NOT NULL")
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want core.Kind
	}{
		{"no rows", sql.ErrNoRows, core.KindNotFound},
		{"deadline", context.DeadlineExceeded, core.KindTimeout},
		{"bad conn", fmt.Errorf("exec: %w", driver.ErrBadConn), core.KindTransient},
		{"conn done", sql.ErrConnDone, core.KindTransient},
		{"classified", core.E("x", core.KindConflict, errors.New("dup")), core.KindConflict},

		{"pg unique", &pgconn.PgError{Code: "23505"}, core.KindConflict},
		{"pg fk", &pgconn.PgError{Code: "23503"}, core.KindConstraint},
		{"pg serialization", &pgconn.PgError{Code: "40001"}, core.KindTransient},
		{"pg deadlock", &pgconn.PgError{Code: "40P01"}, core.KindTransient},
		{"pg conn", &pgconn.PgError{Code: "08006"}, core.KindTransient},
		{"pg auth", &pgconn.PgError{Code: "28P01"}, core.KindFatal},
		{"pg missing table", &pgconn.PgError{Code: "42P01"}, core.KindFatal},
		{"pg cancel", &pgconn.PgError{Code: "57014"}, core.KindTimeout},

		{"mysql dup", &mysql.MySQLError{Number: 1062}, core.KindConflict},
		{"mysql fk child", &mysql.MySQLError{Number: 1452}, core.KindConstraint},
		{"mysql fk parent", &mysql.MySQLError{Number: 1451}, core.KindConstraint},
		{"mysql deadlock", &mysql.MySQLError{Number: 1213}, core.KindTransient},
		{"mysql lock wait", &mysql.MySQLError{Number: 1205}, core.KindTransient},
		{"mysql denied", &mysql.MySQLError{Number: 1045}, core.KindFatal},
		{"mysql invalid conn", mysql.ErrInvalidConn, core.KindTransient},

		{"mssql pk", mssql.Error{Number: 2627}, core.KindConflict},
		{"mssql unique index", mssql.Error{Number: 2601}, core.KindConflict},
		{"mssql fk", mssql.Error{Number: 547}, core.KindConstraint},
		{"mssql deadlock", mssql.Error{Number: 1205}, core.KindTransient},
		{"mssql login", mssql.Error{Number: 18456}, core.KindFatal},
		{"mssql invalid object", mssql.Error{Number: 208}, core.KindFatal},

		{"unknown", errors.New("mystery"), core.KindFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
			assert.Equal(t, tt.want, Classify(fmt.Errorf("wrapped: %w", tt.err)))
		})
	}
}

func TestSQLiteDSN(t *testing.T) {
	dsn := sqliteDSN("registry.db", 2000)
	assert.Contains(t, dsn, "registry.db?")
	assert.Contains(t, dsn, "_pragma=foreign_keys(1)")
	assert.Contains(t, dsn, "_pragma=busy_timeout(2000)")
	assert.Contains(t, dsn, "_txlock=immediate")

	custom := sqliteDSN("r.db?_pragma=busy_timeout(10)&_txlock=deferred", 0)
	assert.NotContains(t, custom, "busy_timeout(5000)")
	assert.NotContains(t, custom, "_txlock=immediate")
}

func TestOpenSQLiteAndClassifyConstraints(t *testing.T) {
	ctx := context.Background()
	cfg := core.BackendConfig{Kind: "sqlite", DSN: filepath.Join(t.TempDir(), "b.db")}
	db, d, err := Open(ctx, cfg, 1000)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, d.InitSchema(ctx, db))
	require.NoError(t, d.InitSchema(ctx, db))

	s := d.Statements()
	_, err = db.ExecContext(ctx, s.InsertEntity, "a", "project", nil, "qa", "{}", 1, 0, 0)
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, s.InsertEntity, "a", "project", nil, nil, "{}", 1, 0, 0)
	assert.Equal(t, core.KindConflict, Classify(err))

	_, err = db.ExecContext(ctx, s.InsertEntity, "b", "project", nil, "qa", "{}", 1, 0, 0)
	assert.Equal(t, core.KindConflict, Classify(err))

	_, err = db.ExecContext(ctx, s.InsertEdge, "a", "missing", "contains", "{}", 0)
	assert.Equal(t, core.KindConstraint, Classify(err))
}
