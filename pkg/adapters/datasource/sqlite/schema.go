package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ekaya-inc/ekaya-query-engine/pkg/adapters/datasource"
)

// CatalogReader reads sqlite_master and the table_info pragmas.
type CatalogReader struct {
	db *sql.DB
}

func NewCatalogReader(db *sql.DB) *CatalogReader {
	return &CatalogReader{db: db}
}

func (r *CatalogReader) ListTables(ctx context.Context, includeViews bool) ([]datasource.TableMetadata, error) {
	const query = `
		SELECT name, type = 'view'
		FROM sqlite_master
		WHERE (type = 'table' OR (? AND type = 'view'))
		  AND name NOT LIKE 'sqlite_%'
		ORDER BY name
	`

	rows, err := r.db.QueryContext(ctx, query, includeViews)
	if err != nil {
		return nil, fmt.Errorf("query tables: %w", err)
	}
	defer rows.Close()

	var tables []datasource.TableMetadata
	for rows.Next() {
		var t datasource.TableMetadata
		if err := rows.Scan(&t.TableName, &t.IsView); err != nil {
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
	const columnsQuery = `SELECT cid, name, type, "notnull", dflt_value, pk FROM pragma_table_info(?) ORDER BY cid`

	rows, err := r.db.QueryContext(ctx, columnsQuery, table.TableName)
	if err != nil {
		return nil, fmt.Errorf("query columns: %w", err)
	}
	defer rows.Close()

	type pkColumn struct {
		name string
		pos  int
	}
	var pks []pkColumn
	desc := &datasource.TableDescription{}
	for rows.Next() {
		var c datasource.ColumnMetadata
		var notNull bool
		var def sql.NullString
		var pkPos int
		if err := rows.Scan(&c.OrdinalPosition, &c.ColumnName, &c.DataType, &notNull, &def, &pkPos); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		c.IsNullable = !notNull && pkPos == 0
		if def.Valid {
			c.DefaultValue = &def.String
		}
		if pkPos > 0 {
			c.IsPrimaryKey = true
			pks = append(pks, pkColumn{name: c.ColumnName, pos: pkPos})
		}
		desc.Columns = append(desc.Columns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns: %w", err)
	}

	sort.Slice(pks, func(i, j int) bool { return pks[i].pos < pks[j].pos })
	for _, pk := range pks {
		desc.PrimaryKey = append(desc.PrimaryKey, pk.name)
	}
	// A lone INTEGER PRIMARY KEY aliases the rowid.
	if len(pks) == 1 {
		for i := range desc.Columns {
			c := &desc.Columns[i]
			if c.ColumnName == pks[0].name && strings.EqualFold(c.DataType, "integer") {
				c.IsAutoIncrement = true
			}
		}
	}

	fks, err := r.foreignKeys(ctx, table)
	if err != nil {
		return nil, err
	}
	desc.ForeignKeys = fks
	return desc, nil
}

func (r *CatalogReader) foreignKeys(ctx context.Context, table datasource.TableMetadata) ([]datasource.ForeignKeyMetadata, error) {
	const query = `SELECT id, "table", "from", "to" FROM pragma_foreign_key_list(?) ORDER BY id, seq`

	rows, err := r.db.QueryContext(ctx, query, table.TableName)
	if err != nil {
		return nil, fmt.Errorf("query foreign keys: %w", err)
	}
	defer rows.Close()

	var fks []datasource.ForeignKeyMetadata
	for rows.Next() {
		var id int
		var fk datasource.ForeignKeyMetadata
		var to sql.NullString
		if err := rows.Scan(&id, &fk.TargetTable, &fk.SourceColumn, &to); err != nil {
			return nil, fmt.Errorf("scan foreign key: %w", err)
		}
		fk.ConstraintName = fmt.Sprintf("%s_fk_%d", table.TableName, id)
		fk.TargetColumn = to.String
		fks = append(fks, fk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate foreign keys: %w", err)
	}

	// REFERENCES t without a column targets t's primary key.
	for i := range fks {
		if fks[i].TargetColumn == "" {
			pk, err := r.primaryKey(ctx, fks[i].TargetTable)
			if err != nil {
				return nil, err
			}
			fks[i].TargetColumn = pk
		}
	}
	return fks, nil
}

func (r *CatalogReader) primaryKey(ctx context.Context, table string) (string, error) {
	var name string
	err := r.db.QueryRowContext(ctx,
		`SELECT name FROM pragma_table_info(?) WHERE pk = 1`, table).Scan(&name)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("query primary key of %s: %w", table, err)
	}
	return name, nil
}

var _ datasource.CatalogReader = (*CatalogReader)(nil)
