package backend

import (
	"database/sql"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/liliang-cn/sqregistry/pkg/core"
)

func openPostgres(dsn string) (*sql.DB, error) {
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	return stdlib.OpenDB(*cfg), nil
}

func postgresSchema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS entities (
			id VARCHAR(36) PRIMARY KEY,
			type VARCHAR(64) NOT NULL,
			name TEXT,
			qualified_name TEXT UNIQUE,
			attributes TEXT NOT NULL,
			version BIGINT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS edges (
			from_id VARCHAR(36) NOT NULL REFERENCES entities(id),
			to_id VARCHAR(36) NOT NULL REFERENCES entities(id),
			type VARCHAR(64) NOT NULL,
			attributes TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			PRIMARY KEY (from_id, to_id, type)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_edges_to ON edges(to_id, type)`,
		`CREATE INDEX IF NOT EXISTS idx_entities_type ON entities(type)`,
	}
}

func classifyPostgres(err error) (core.Kind, bool) {
	var pe *pgconn.PgError
	if !errors.As(err, &pe) {
		if pgconn.SafeToRetry(err) {
			return core.KindTransient, true
		}
		if pgconn.Timeout(err) {
			return core.KindTimeout, true
		}
		return core.KindUnknown, false
	}
	switch pe.Code {
	case "23505":
		return core.KindConflict, true
	case "23503", "23514", "23P01":
		return core.KindConstraint, true
	case "40001", "40P01", "55P03", "53300", "57P01", "57P02", "57P03":
		return core.KindTransient, true
	case "57014":
		return core.KindTimeout, true
	}
	switch {
	case strings.HasPrefix(pe.Code, "08"):
		return core.KindTransient, true
	case strings.HasPrefix(pe.Code, "23"):
		return core.KindConstraint, true
	case strings.HasPrefix(pe.Code, "22"):
		return core.KindInvalid, true
	}
	return core.KindFatal, true
}
