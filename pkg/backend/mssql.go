package backend

import (
	"database/sql"
	"errors"

	mssql "github.com/microsoft/go-mssqldb"

	"github.com/liliang-cn/sqregistry/pkg/core"
)

func openMSSQL(dsn string) (*sql.DB, error) {
	connector, err := mssql.NewConnector(dsn)
	if err != nil {
		return nil, err
	}
	return sql.OpenDB(connector), nil
}

// SQL Server allows a single NULL under a UNIQUE constraint, so qualified
// names use a filtered unique index instead.
func mssqlSchema() []string {
	return []string{
		`IF OBJECT_ID(N'dbo.entities', N'U') IS NULL
		CREATE TABLE entities (
			id NVARCHAR(36) NOT NULL PRIMARY KEY,
			type NVARCHAR(64) NOT NULL,
			name NVARCHAR(512) NULL,
			qualified_name NVARCHAR(450) NULL,
			attributes NVARCHAR(MAX) NOT NULL,
			version BIGINT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE name = N'ux_entities_qualified_name')
		CREATE UNIQUE INDEX ux_entities_qualified_name ON entities(qualified_name) WHERE qualified_name IS NOT NULL`,
		`IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE name = N'idx_entities_type')
		CREATE INDEX idx_entities_type ON entities(type)`,
		`IF OBJECT_ID(N'dbo.edges', N'U') IS NULL
		CREATE TABLE edges (
			from_id NVARCHAR(36) NOT NULL,
			to_id NVARCHAR(36) NOT NULL,
			type NVARCHAR(64) NOT NULL,
			attributes NVARCHAR(MAX) NOT NULL,
			created_at BIGINT NOT NULL,
			CONSTRAINT pk_edges PRIMARY KEY (from_id, to_id, type),
			CONSTRAINT fk_edges_from FOREIGN KEY (from_id) REFERENCES entities(id),
			CONSTRAINT fk_edges_to FOREIGN KEY (to_id) REFERENCES entities(id)
		)`,
		`IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE name = N'idx_edges_to')
		CREATE INDEX idx_edges_to ON edges(to_id, type)`,
	}
}

func classifyMSSQL(err error) (core.Kind, bool) {
	var me mssql.Error
	if !errors.As(err, &me) {
		return core.KindUnknown, false
	}
	switch me.Number {
	case 2601, 2627:
		return core.KindConflict, true
	case 547:
		return core.KindConstraint, true
	case 1205, 1222, 233, 64, 10053, 10054, 10060, 10928, 10929, 40197, 40501, 40613, 49918, 49919, 49920:
		return core.KindTransient, true
	case -2:
		return core.KindTimeout, true
	case 8152, 2628:
		return core.KindInvalid, true
	}
	return core.KindFatal, true
}
