package bigquery

import (
	"context"
	"fmt"

	"github.com/spf13/cast"

	"github.com/ekaya-inc/ekaya-query-engine/pkg/adapters/datasource"
)

// CatalogReader reads the dataset's INFORMATION_SCHEMA views. Primary and
// foreign keys are informational (unenforced) in BigQuery but still declared.
type CatalogReader struct {
	query   queryFunc
	project string
	dataset string
}

func NewCatalogReader(query queryFunc, project, dataset string) *CatalogReader {
	return &CatalogReader{query: query, project: project, dataset: dataset}
}

func (r *CatalogReader) view(name string) string {
	return "`" + r.project + "." + r.dataset + "`.INFORMATION_SCHEMA." + name
}

func (r *CatalogReader) ListTables(ctx context.Context, includeViews bool) ([]datasource.TableMetadata, error) {
	query := `SELECT table_schema, table_name, table_type FROM ` + r.view("TABLES") + `
		WHERE table_type IN ('BASE TABLE', 'VIEW', 'MATERIALIZED VIEW')
		ORDER BY table_name`

	rows, err := r.query(ctx, query, nil)
	if err != nil {
		return nil, fmt.Errorf("query tables: %w", err)
	}
	var tables []datasource.TableMetadata
	for _, row := range rows {
		isView := cast.ToString(row["table_type"]) != "BASE TABLE"
		if isView && !includeViews {
			continue
		}
		tables = append(tables, datasource.TableMetadata{
			SchemaName: cast.ToString(row["table_schema"]),
			TableName:  cast.ToString(row["table_name"]),
			IsView:     isView,
		})
	}
	return tables, nil
}

func (r *CatalogReader) DescribeTable(ctx context.Context, table datasource.TableMetadata) (*datasource.TableDescription, error) {
	query := `SELECT column_name, data_type, is_nullable, ordinal_position, column_default
		FROM ` + r.view("COLUMNS") + `
		WHERE table_name = ?
		ORDER BY ordinal_position`

	rows, err := r.query(ctx, query, []any{table.TableName})
	if err != nil {
		return nil, fmt.Errorf("query columns of %s: %w", table.TableName, err)
	}
	desc := &datasource.TableDescription{}
	for _, row := range rows {
		c := datasource.ColumnMetadata{
			ColumnName:      cast.ToString(row["column_name"]),
			DataType:        cast.ToString(row["data_type"]),
			IsNullable:      cast.ToString(row["is_nullable"]) == "YES",
			OrdinalPosition: cast.ToInt(row["ordinal_position"]),
		}
		if def := cast.ToString(row["column_default"]); def != "" && def != "NULL" {
			c.DefaultValue = &def
		}
		desc.Columns = append(desc.Columns, c)
	}
	if table.IsView {
		return desc, nil
	}

	keys, err := r.keys(ctx, table)
	if err != nil {
		return nil, err
	}
	for _, row := range keys {
		switch cast.ToString(row["constraint_type"]) {
		case "PRIMARY KEY":
			desc.PrimaryKey = append(desc.PrimaryKey, cast.ToString(row["column_name"]))
		case "FOREIGN KEY":
			desc.ForeignKeys = append(desc.ForeignKeys, datasource.ForeignKeyMetadata{
				ConstraintName: cast.ToString(row["constraint_name"]),
				SourceColumn:   cast.ToString(row["column_name"]),
				TargetSchema:   cast.ToString(row["target_schema"]),
				TargetTable:    cast.ToString(row["target_table"]),
				TargetColumn:   cast.ToString(row["target_column"]),
			})
		}
	}
	return desc, nil
}

func (r *CatalogReader) keys(ctx context.Context, table datasource.TableMetadata) ([]map[string]any, error) {
	query := `SELECT tc.constraint_name, tc.constraint_type, kcu.column_name,
			ccu.table_schema AS target_schema, ccu.table_name AS target_table, ccu.column_name AS target_column
		FROM ` + r.view("TABLE_CONSTRAINTS") + ` tc
		JOIN ` + r.view("KEY_COLUMN_USAGE") + ` kcu
			ON kcu.constraint_name = tc.constraint_name AND kcu.table_name = tc.table_name
		LEFT JOIN ` + r.view("CONSTRAINT_COLUMN_USAGE") + ` ccu
			ON tc.constraint_type = 'FOREIGN KEY' AND ccu.constraint_name = tc.constraint_name
		WHERE tc.table_name = ?
		ORDER BY tc.constraint_name, kcu.ordinal_position`

	rows, err := r.query(ctx, query, []any{table.TableName})
	if err != nil {
		return nil, fmt.Errorf("query constraints of %s: %w", table.TableName, err)
	}
	out := make([]map[string]any, len(rows))
	for i, row := range rows {
		out[i] = row
	}
	return out, nil
}

var _ datasource.CatalogReader = (*CatalogReader)(nil)
