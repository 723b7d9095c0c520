package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/ekaya-inc/ekaya-query-engine/pkg/adapters/datasource"
)

// CatalogReader reads information_schema for one database.
type CatalogReader struct {
	db     *sql.DB
	schema string
}

func NewCatalogReader(db *sql.DB, schemaName string) *CatalogReader {
	return &CatalogReader{db: db, schema: schemaName}
}

func (r *CatalogReader) ListTables(ctx context.Context, includeViews bool) ([]datasource.TableMetadata, error) {
	const query = `
		SELECT TABLE_SCHEMA, TABLE_NAME, TABLE_TYPE = 'VIEW'
		FROM information_schema.TABLES
		WHERE TABLE_SCHEMA = ?
		  AND (TABLE_TYPE = 'BASE TABLE' OR (? AND TABLE_TYPE = 'VIEW'))
		ORDER BY TABLE_NAME
	`

	rows, err := r.db.QueryContext(ctx, query, r.schema, includeViews)
	if err != nil {
		return nil, fmt.Errorf("query tables: %w", err)
	}
	defer rows.Close()

	var tables []datasource.TableMetadata
	for rows.Next() {
		var t datasource.TableMetadata
		if err := rows.Scan(&t.SchemaName, &t.TableName, &t.IsView); err != nil {
			return nil, fmt.Errorf("scan table: %w", err)
		}
		tables = append(tables, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tables: %w", err)
	}
	return tables, nil
}

func (r *CatalogReader) DescribeTable(ctx context.Context, table datasource.TableMetadata) (*datasource.TableDescription, error) {
	// COLUMN_TYPE keeps lengths, unsigned and enum labels: tinyint(1), enum('a','b').
	const columnsQuery = `
		SELECT COLUMN_NAME, COLUMN_TYPE, IS_NULLABLE = 'YES', COLUMN_KEY = 'PRI',
		       EXTRA LIKE '%auto_increment%', ORDINAL_POSITION, COLUMN_DEFAULT,
		       COALESCE(CHARACTER_MAXIMUM_LENGTH, 0), COALESCE(NUMERIC_PRECISION, 0), COALESCE(NUMERIC_SCALE, 0)
		FROM information_schema.COLUMNS
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?
		ORDER BY ORDINAL_POSITION
	`

	rows, err := r.db.QueryContext(ctx, columnsQuery, table.SchemaName, table.TableName)
	if err != nil {
		return nil, fmt.Errorf("query columns: %w", err)
	}
	defer rows.Close()

	desc := &datasource.TableDescription{}
	for rows.Next() {
		var c datasource.ColumnMetadata
		var def sql.NullString
		var length int64
		if err := rows.Scan(&c.ColumnName, &c.DataType, &c.IsNullable, &c.IsPrimaryKey,
			&c.IsAutoIncrement, &c.OrdinalPosition, &def, &length, &c.Precision, &c.Scale); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		// longtext reports 4294967295
		if length < 1<<24 {
			c.Length = int(length)
		}
		if strings.HasPrefix(c.DataType, "tinyint(1)") {
			c.Precision, c.Scale = 0, 0
		}
		if def.Valid {
			c.DefaultValue = &def.String
		}
		if c.IsPrimaryKey {
			desc.PrimaryKey = append(desc.PrimaryKey, c.ColumnName)
		}
		desc.Columns = append(desc.Columns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns: %w", err)
	}

	fks, err := r.foreignKeys(ctx, table)
	if err != nil {
		return nil, err
	}
	desc.ForeignKeys = fks
	return desc, nil
}

func (r *CatalogReader) foreignKeys(ctx context.Context, table datasource.TableMetadata) ([]datasource.ForeignKeyMetadata, error) {
	const query = `
		SELECT CONSTRAINT_NAME, COLUMN_NAME, REFERENCED_TABLE_SCHEMA, REFERENCED_TABLE_NAME, REFERENCED_COLUMN_NAME
		FROM information_schema.KEY_COLUMN_USAGE
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ? AND REFERENCED_TABLE_NAME IS NOT NULL
		ORDER BY CONSTRAINT_NAME, ORDINAL_POSITION
	`

	rows, err := r.db.QueryContext(ctx, query, table.SchemaName, table.TableName)
	if err != nil {
		return nil, fmt.Errorf("query foreign keys: %w", err)
	}
	defer rows.Close()

	var fks []datasource.ForeignKeyMetadata
	for rows.Next() {
		var fk datasource.ForeignKeyMetadata
		if err := rows.Scan(&fk.ConstraintName, &fk.SourceColumn, &fk.TargetSchema, &fk.TargetTable, &fk.TargetColumn); err != nil {
			return nil, fmt.Errorf("scan foreign key: %w", err)
		}
		fks = append(fks, fk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate foreign keys: %w", err)
	}
	return fks, nil
}

var _ datasource.CatalogReader = (*CatalogReader)(nil)
