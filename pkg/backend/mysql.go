package backend

import (
	"database/sql"
	"errors"

	"github.com/go-sql-driver/mysql"

	"github.com/liliang-cn/sqregistry/pkg/core"
)

func openMySQL(dsn string) (*sql.DB, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, err
	}
	return sql.OpenDB(connector), nil
}

// MySQL has no CREATE INDEX IF NOT EXISTS; secondary keys are declared inline.
func mysqlSchema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS entities (
			id VARCHAR(36) NOT NULL PRIMARY KEY,
			type VARCHAR(64) NOT NULL,
			name VARCHAR(512) NULL,
			qualified_name VARCHAR(512) NULL,
			attributes LONGTEXT NOT NULL,
			version BIGINT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			UNIQUE KEY ux_entities_qualified_name (qualified_name),
			KEY idx_entities_type (type)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS edges (
			from_id VARCHAR(36) NOT NULL,
			to_id VARCHAR(36) NOT NULL,
			type VARCHAR(64) NOT NULL,
			attributes LONGTEXT NOT NULL,
			created_at BIGINT NOT NULL,
			PRIMARY KEY (from_id, to_id, type),
			KEY idx_edges_to (to_id, type),
			CONSTRAINT fk_edges_from FOREIGN KEY (from_id) REFERENCES entities(id),
			CONSTRAINT fk_edges_to FOREIGN KEY (to_id) REFERENCES entities(id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	}
}

func classifyMySQL(err error) (core.Kind, bool) {
	if errors.Is(err, mysql.ErrInvalidConn) {
		return core.KindTransient, true
	}
	var me *mysql.MySQLError
	if !errors.As(err, &me) {
		return core.KindUnknown, false
	}
	switch me.Number {
	case 1062, 1586:
		return core.KindConflict, true
	case 1216, 1217, 1451, 1452:
		return core.KindConstraint, true
	case 1205, 1213, 1040, 1053, 2006, 2013, 1927:
		return core.KindTransient, true
	case 3024:
		return core.KindTimeout, true
	case 1366, 1406:
		return core.KindInvalid, true
	}
	return core.KindFatal, true
}
