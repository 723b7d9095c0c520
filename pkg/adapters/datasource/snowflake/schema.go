package snowflake

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ekaya-inc/ekaya-query-engine/pkg/adapters/datasource"
)

// CatalogReader reads INFORMATION_SCHEMA for columns and SHOW ... KEYS for
// constraints, which Snowflake does not expose as column lists elsewhere.
type CatalogReader struct {
	db       *sql.DB
	database string
	schema   string
}

func NewCatalogReader(db *sql.DB, database, schemaName string) *CatalogReader {
	return &CatalogReader{db: db, database: database, schema: schemaName}
}

func (r *CatalogReader) ListTables(ctx context.Context, includeViews bool) ([]datasource.TableMetadata, error) {
	const query = `
		SELECT TABLE_SCHEMA, TABLE_NAME, TABLE_TYPE = 'VIEW'
		FROM INFORMATION_SCHEMA.TABLES
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
	columns, err := r.columns(ctx, table)
	if err != nil {
		return nil, err
	}
	desc := &datasource.TableDescription{Columns: columns}
	if table.IsView {
		return desc, nil
	}

	pkRows, err := r.show(ctx, "SHOW PRIMARY KEYS IN TABLE "+r.qualified(table))
	if err != nil {
		return nil, fmt.Errorf("show primary keys: %w", err)
	}
	sort.SliceStable(pkRows, func(i, j int) bool {
		return atoi(pkRows[i]["key_sequence"]) < atoi(pkRows[j]["key_sequence"])
	})
	for _, row := range pkRows {
		desc.PrimaryKey = append(desc.PrimaryKey, row["column_name"])
	}

	fkRows, err := r.show(ctx, "SHOW IMPORTED KEYS IN TABLE "+r.qualified(table))
	if err != nil {
		return nil, fmt.Errorf("show imported keys: %w", err)
	}
	for _, row := range fkRows {
		desc.ForeignKeys = append(desc.ForeignKeys, datasource.ForeignKeyMetadata{
			ConstraintName: row["fk_name"],
			SourceColumn:   row["fk_column_name"],
			TargetSchema:   row["pk_schema_name"],
			TargetTable:    row["pk_table_name"],
			TargetColumn:   row["pk_column_name"],
		})
	}
	return desc, nil
}

func (r *CatalogReader) columns(ctx context.Context, table datasource.TableMetadata) ([]datasource.ColumnMetadata, error) {
	const query = `
		SELECT COLUMN_NAME, DATA_TYPE, IS_NULLABLE = 'YES', ORDINAL_POSITION, COLUMN_DEFAULT,
		       IS_IDENTITY = 'YES',
		       COALESCE(CHARACTER_MAXIMUM_LENGTH, 0), COALESCE(NUMERIC_PRECISION, 0), COALESCE(NUMERIC_SCALE, 0)
		FROM INFORMATION_SCHEMA.COLUMNS
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?
		ORDER BY ORDINAL_POSITION
	`

	rows, err := r.db.QueryContext(ctx, query, table.SchemaName, table.TableName)
	if err != nil {
		return nil, fmt.Errorf("query columns of %s: %w", table.TableName, err)
	}
	defer rows.Close()

	var columns []datasource.ColumnMetadata
	for rows.Next() {
		var c datasource.ColumnMetadata
		var def sql.NullString
		if err := rows.Scan(&c.ColumnName, &c.DataType, &c.IsNullable, &c.OrdinalPosition, &def,
			&c.IsAutoIncrement, &c.Length, &c.Precision, &c.Scale); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		if def.Valid {
			c.DefaultValue = &def.String
		}
		// NUMBER reports precision and scale separately; fold them back so
		// NUMBER(38,0) maps to an integer.
		if strings.EqualFold(c.DataType, "NUMBER") && c.Precision > 0 {
			c.DataType = fmt.Sprintf("%s(%d,%d)", c.DataType, c.Precision, c.Scale)
		}
		columns = append(columns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns: %w", err)
	}
	return columns, nil
}

func (r *CatalogReader) qualified(table datasource.TableMetadata) string {
	parts := []string{table.SchemaName, table.TableName}
	if r.database != "" {
		parts = append([]string{r.database}, parts...)
	}
	for i, p := range parts {
		parts[i] = `"` + strings.ReplaceAll(p, `"`, `""`) + `"`
	}
	return strings.Join(parts, ".")
}

// show runs a SHOW command and returns each row keyed by column name.
func (r *CatalogReader) show(ctx context.Context, query string) ([]map[string]string, error) {
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []map[string]string
	for rows.Next() {
		values := make([]sql.NullString, len(names))
		dest := make([]any, len(names))
		for i := range values {
			dest[i] = &values[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		row := make(map[string]string, len(names))
		for i, name := range names {
			row[strings.ToLower(name)] = values[i].String
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

var _ datasource.CatalogReader = (*CatalogReader)(nil)
