package clickhouse

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/ekaya-inc/ekaya-query-engine/pkg/adapters/datasource"
)

// CatalogReader reads system.tables and system.columns. ClickHouse has no
// foreign keys; the primary key is the table's sorting key prefix.
type CatalogReader struct {
	db       *sql.DB
	database string
}

func NewCatalogReader(db *sql.DB, database string) *CatalogReader {
	return &CatalogReader{db: db, database: database}
}

func (r *CatalogReader) ListTables(ctx context.Context, includeViews bool) ([]datasource.TableMetadata, error) {
	const query = `
		SELECT database, name, engine IN ('View', 'MaterializedView', 'LiveView') AS is_view
		FROM system.tables
		WHERE database = if(? = '', currentDatabase(), ?)
		  AND is_temporary = 0
		  AND (? OR engine NOT IN ('View', 'MaterializedView', 'LiveView'))
		  AND NOT startsWith(name, '.inner')
		ORDER BY name
	`

	rows, err := r.db.QueryContext(ctx, query, r.database, r.database, includeViews)
	if err != nil {
		return nil, fmt.Errorf("query tables: %w", err)
	}
	defer rows.Close()

	var tables []datasource.TableMetadata
	for rows.Next() {
		var t datasource.TableMetadata
		var isView uint8
		if err := rows.Scan(&t.SchemaName, &t.TableName, &isView); err != nil {
			return nil, fmt.Errorf("scan table: %w", err)
		}
		t.IsView = isView == 1
		tables = append(tables, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tables: %w", err)
	}
	return tables, nil
}

func (r *CatalogReader) DescribeTable(ctx context.Context, table datasource.TableMetadata) (*datasource.TableDescription, error) {
	const query = `
		SELECT name, type, position, default_kind, default_expression, is_in_primary_key
		FROM system.columns
		WHERE database = ? AND table = ?
		ORDER BY position
	`

	rows, err := r.db.QueryContext(ctx, query, table.SchemaName, table.TableName)
	if err != nil {
		return nil, fmt.Errorf("query columns of %s: %w", table.TableName, err)
	}
	defer rows.Close()

	desc := &datasource.TableDescription{}
	for rows.Next() {
		var c datasource.ColumnMetadata
		var position uint64
		var defaultKind, defaultExpr string
		var inPK uint8
		if err := rows.Scan(&c.ColumnName, &c.DataType, &position, &defaultKind, &defaultExpr, &inPK); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		c.OrdinalPosition = int(position)
		c.IsNullable = strings.HasPrefix(c.DataType, "Nullable(")
		if defaultKind != "" && defaultExpr != "" {
			expr := defaultExpr
			c.DefaultValue = &expr
		}
		if inPK == 1 {
			c.IsPrimaryKey = true
			desc.PrimaryKey = append(desc.PrimaryKey, c.ColumnName)
		}
		desc.Columns = append(desc.Columns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns: %w", err)
	}
	return desc, nil
}

var _ datasource.CatalogReader = (*CatalogReader)(nil)
