package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-query-engine/pkg/adapters/datasource"
)

// querier is the part of pgxpool.Pool the catalog reader uses.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// CatalogReader discovers tables through information_schema and keys through
// pg_index. An empty schema reads every non-system schema.
type CatalogReader struct {
	pool   querier
	schema string
}

func NewCatalogReader(pool querier, schemaName string) *CatalogReader {
	return &CatalogReader{pool: pool, schema: schemaName}
}

func collect[T any](ctx context.Context, q querier, what string, fn pgx.RowToFunc[T], sql string, args ...any) ([]T, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", what, err)
	}
	out, err := pgx.CollectRows(rows, fn)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", what, err)
	}
	return out, nil
}

const listTablesSQL = `
SELECT table_schema, table_name, table_type = 'VIEW'
FROM information_schema.tables
WHERE (table_type = 'BASE TABLE' OR ($1::boolean AND table_type = 'VIEW'))
  AND table_schema NOT IN ('pg_catalog', 'information_schema', 'pg_toast', 'crdb_internal', 'pg_extension')
  AND ($2::text = '' OR table_schema = $2::text)
ORDER BY 1, 2`

func (r *CatalogReader) ListTables(ctx context.Context, includeViews bool) ([]datasource.TableMetadata, error) {
	return collect(ctx, r.pool, "tables", pgx.RowToStructByPos[datasource.TableMetadata],
		listTablesSQL, includeViews, r.schema)
}

// Arrays and enums report ARRAY / USER-DEFINED; udt_name carries _int4 or the
// enum's type name.
const columnsSQL = `
SELECT column_name,
       CASE WHEN data_type IN ('ARRAY', 'USER-DEFINED') THEN udt_name ELSE data_type END,
       is_nullable = 'YES',
       ordinal_position::int,
       column_default,
       is_identity = 'YES' OR COALESCE(column_default, '') LIKE 'nextval(%',
       COALESCE(character_maximum_length, 0)::int,
       COALESCE(numeric_precision, 0)::int,
       COALESCE(numeric_scale, 0)::int
FROM information_schema.columns
WHERE table_schema = $1 AND table_name = $2
ORDER BY ordinal_position`

func scanColumn(row pgx.CollectableRow) (datasource.ColumnMetadata, error) {
	var c datasource.ColumnMetadata
	err := row.Scan(&c.ColumnName, &c.DataType, &c.IsNullable, &c.OrdinalPosition,
		&c.DefaultValue, &c.IsAutoIncrement, &c.Length, &c.Precision, &c.Scale)
	return c, err
}

// indisprimary also catches keys that ORMs create as unique indexes first.
const primaryKeySQL = `
SELECT a.attname
FROM pg_index ix
JOIN pg_class t ON t.oid = ix.indrelid
JOIN pg_namespace n ON n.oid = t.relnamespace
JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = ANY(ix.indkey)
WHERE ix.indisprimary AND n.nspname = $1 AND t.relname = $2
ORDER BY array_position(ix.indkey, a.attnum)`

const foreignKeysSQL = `
SELECT tc.constraint_name, kcu.column_name, ccu.table_schema, ccu.table_name, ccu.column_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON kcu.constraint_name = tc.constraint_name AND kcu.table_schema = tc.table_schema
JOIN information_schema.constraint_column_usage ccu
  ON ccu.constraint_name = tc.constraint_name AND ccu.table_schema = tc.table_schema
WHERE tc.constraint_type = 'FOREIGN KEY' AND tc.table_schema = $1 AND tc.table_name = $2
ORDER BY tc.constraint_name`

func (r *CatalogReader) DescribeTable(ctx context.Context, table datasource.TableMetadata) (*datasource.TableDescription, error) {
	name := qualifiedName(table.SchemaName, table.TableName)
	columns, err := collect(ctx, r.pool, "columns of "+name, scanColumn,
		columnsSQL, table.SchemaName, table.TableName)
	if err != nil {
		return nil, err
	}
	pk, err := collect(ctx, r.pool, "primary key of "+name, pgx.RowTo[string],
		primaryKeySQL, table.SchemaName, table.TableName)
	if err != nil {
		return nil, err
	}
	fks, err := collect(ctx, r.pool, "foreign keys of "+name, pgx.RowToStructByPos[datasource.ForeignKeyMetadata],
		foreignKeysSQL, table.SchemaName, table.TableName)
	if err != nil {
		return nil, err
	}
	return &datasource.TableDescription{Columns: columns, PrimaryKey: pk, ForeignKeys: fks}, nil
}

var _ datasource.CatalogReader = (*CatalogReader)(nil)
