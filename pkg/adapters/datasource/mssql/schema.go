package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/ekaya-inc/ekaya-query-engine/pkg/adapters/datasource"
)

// CatalogReader reads sys.objects, sys.columns and sys.foreign_keys.
type CatalogReader struct {
	db     *sql.DB
	schema string
}

// NewCatalogReader limits discovery to schemaName when it is set.
func NewCatalogReader(db *sql.DB, schemaName string) *CatalogReader {
	return &CatalogReader{db: db, schema: schemaName}
}

// collect runs query and scans every row with scan.
func collect[T any](ctx context.Context, db *sql.DB, what, query string, scan func(*sql.Rows) (T, error), args ...any) ([]T, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", what, err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", what, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", what, err)
	}
	return out, nil
}

// objectArgs resolves a table through OBJECT_ID so bracketed names work.
func objectArgs(t datasource.TableMetadata) []any {
	return []any{sql.Named("schema", t.SchemaName), sql.Named("table", t.TableName)}
}

const listTablesSQL = `
SET NOCOUNT ON;
SELECT SCHEMA_NAME(o.schema_id), o.name, CAST(CASE o.type WHEN 'V' THEN 1 ELSE 0 END AS bit)
FROM sys.objects o
WHERE o.is_ms_shipped = 0
  AND (o.type = 'U' OR (@views = 1 AND o.type = 'V'))
  AND (@schema = N'' OR SCHEMA_NAME(o.schema_id) = @schema)
ORDER BY 1, 2`

func (r *CatalogReader) ListTables(ctx context.Context, includeViews bool) ([]datasource.TableMetadata, error) {
	return collect(ctx, r.db, "tables", listTablesSQL, func(rows *sql.Rows) (datasource.TableMetadata, error) {
		var t datasource.TableMetadata
		err := rows.Scan(&t.SchemaName, &t.TableName, &t.IsView)
		return t, err
	}, sql.Named("views", includeViews), sql.Named("schema", r.schema))
}

const columnsSQL = `
SET NOCOUNT ON;
SELECT c.name, tp.name, c.max_length, c.precision, c.scale,
       c.is_nullable, c.is_identity, c.column_id,
       CAST(CASE WHEN EXISTS (
           SELECT 1 FROM sys.index_columns ic
           JOIN sys.indexes i ON i.object_id = ic.object_id AND i.index_id = ic.index_id
           WHERE i.is_primary_key = 1 AND ic.object_id = c.object_id AND ic.column_id = c.column_id
       ) THEN 1 ELSE 0 END AS bit),
       OBJECT_DEFINITION(c.default_object_id)
FROM sys.columns c
JOIN sys.types tp ON tp.user_type_id = c.user_type_id
WHERE c.object_id = OBJECT_ID(QUOTENAME(@schema) + N'.' + QUOTENAME(@table))
ORDER BY c.column_id`

const foreignKeysSQL = `
SET NOCOUNT ON;
SELECT fk.name,
       COL_NAME(fkc.parent_object_id, fkc.parent_column_id),
       SCHEMA_NAME(rt.schema_id), rt.name,
       COL_NAME(fkc.referenced_object_id, fkc.referenced_column_id)
FROM sys.foreign_keys fk
JOIN sys.foreign_key_columns fkc ON fkc.constraint_object_id = fk.object_id
JOIN sys.tables rt ON rt.object_id = fk.referenced_object_id
WHERE fk.parent_object_id = OBJECT_ID(QUOTENAME(@schema) + N'.' + QUOTENAME(@table))
ORDER BY fk.name, fkc.constraint_column_id`

func (r *CatalogReader) DescribeTable(ctx context.Context, table datasource.TableMetadata) (*datasource.TableDescription, error) {
	columns, err := collect(ctx, r.db, "columns", columnsSQL, scanColumn, objectArgs(table)...)
	if err != nil {
		return nil, err
	}
	fks, err := collect(ctx, r.db, "foreign keys", foreignKeysSQL, func(rows *sql.Rows) (datasource.ForeignKeyMetadata, error) {
		var fk datasource.ForeignKeyMetadata
		err := rows.Scan(&fk.ConstraintName, &fk.SourceColumn, &fk.TargetSchema, &fk.TargetTable, &fk.TargetColumn)
		return fk, err
	}, objectArgs(table)...)
	if err != nil {
		return nil, err
	}

	desc := &datasource.TableDescription{Columns: columns, ForeignKeys: fks}
	for _, c := range columns {
		if c.IsPrimaryKey {
			desc.PrimaryKey = append(desc.PrimaryKey, c.ColumnName)
		}
	}
	return desc, nil
}

func scanColumn(rows *sql.Rows) (datasource.ColumnMetadata, error) {
	var (
		c                datasource.ColumnMetadata
		typeName         string
		maxLength        int
		precision, scale int
		def              sql.NullString
	)
	if err := rows.Scan(&c.ColumnName, &typeName, &maxLength, &precision, &scale,
		&c.IsNullable, &c.IsAutoIncrement, &c.OrdinalPosition, &c.IsPrimaryKey, &def); err != nil {
		return c, err
	}
	c.DataType, c.Length = nativeType(typeName, maxLength)
	if def.Valid {
		c.DefaultValue = &def.String
	}
	switch strings.ToLower(typeName) {
	case "decimal", "numeric":
		c.Precision, c.Scale = precision, scale
	}
	return c, nil
}

// nativeType spells a sys.types name with its declared length. max_length
// counts bytes, so national types are halved; -1 is (max).
func nativeType(typeName string, maxLength int) (string, int) {
	width := maxLength
	switch strings.ToLower(typeName) {
	case "nvarchar", "nchar":
		width = maxLength / 2
	case "varchar", "char", "varbinary", "binary":
	default:
		return typeName, 0
	}
	if maxLength == -1 {
		return typeName + "(max)", 0
	}
	return fmt.Sprintf("%s(%d)", typeName, width), width
}

var _ datasource.CatalogReader = (*CatalogReader)(nil)
