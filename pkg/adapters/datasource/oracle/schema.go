package oracle

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/ekaya-inc/ekaya-query-engine/pkg/adapters/datasource"
)

// CatalogReader reads the ALL_* dictionary views for one owner.
type CatalogReader struct {
	db    *sql.DB
	owner string
}

func NewCatalogReader(db *sql.DB, owner string) *CatalogReader {
	return &CatalogReader{db: db, owner: owner}
}

func (r *CatalogReader) ListTables(ctx context.Context, includeViews bool) ([]datasource.TableMetadata, error) {
	const query = `
		SELECT OWNER, TABLE_NAME, 0 AS IS_VIEW FROM ALL_TABLES
		WHERE OWNER = :1 AND NESTED = 'NO' AND SECONDARY = 'N' AND TABLE_NAME NOT LIKE 'BIN$%'
		UNION ALL
		SELECT OWNER, VIEW_NAME, 1 FROM ALL_VIEWS
		WHERE OWNER = :2 AND :3 = 1
		ORDER BY 2
	`

	views := 0
	if includeViews {
		views = 1
	}
	rows, err := r.db.QueryContext(ctx, query, r.owner, r.owner, views)
	if err != nil {
		return nil, fmt.Errorf("query tables: %w", err)
	}
	defer rows.Close()

	var tables []datasource.TableMetadata
	for rows.Next() {
		var t datasource.TableMetadata
		var isView int
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
	columns, err := r.columns(ctx, table)
	if err != nil {
		return nil, err
	}
	pk, err := r.primaryKey(ctx, table)
	if err != nil {
		return nil, err
	}
	fks, err := r.foreignKeys(ctx, table)
	if err != nil {
		return nil, err
	}
	return &datasource.TableDescription{Columns: columns, PrimaryKey: pk, ForeignKeys: fks}, nil
}

func (r *CatalogReader) columns(ctx context.Context, table datasource.TableMetadata) ([]datasource.ColumnMetadata, error) {
	const query = `
		SELECT COLUMN_NAME, DATA_TYPE, CHAR_LENGTH, DATA_PRECISION, DATA_SCALE,
		       NULLABLE, COLUMN_ID, IDENTITY_COLUMN
		FROM ALL_TAB_COLUMNS
		WHERE OWNER = :1 AND TABLE_NAME = :2
		ORDER BY COLUMN_ID
	`

	rows, err := r.db.QueryContext(ctx, query, table.SchemaName, table.TableName)
	if err != nil {
		return nil, fmt.Errorf("query columns of %s.%s: %w", table.SchemaName, table.TableName, err)
	}
	defer rows.Close()

	var columns []datasource.ColumnMetadata
	for rows.Next() {
		var c datasource.ColumnMetadata
		var length, precision, scale sql.NullInt64
		var nullable, identity string
		if err := rows.Scan(&c.ColumnName, &c.DataType, &length, &precision, &scale,
			&nullable, &c.OrdinalPosition, &identity); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		c.IsNullable = nullable == "Y"
		c.IsAutoIncrement = identity == "YES"
		c.Length = int(length.Int64)
		c.Precision, c.Scale = int(precision.Int64), int(scale.Int64)
		c.DataType = nativeType(c.DataType, c.Precision, c.Scale, precision.Valid)
		columns = append(columns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns: %w", err)
	}
	return columns, nil
}

// nativeType appends precision to NUMBER so NUMBER(10,0) maps to an integer.
// A bare NUMBER has no precision and stays a float.
func nativeType(dataType string, precision, scale int, hasPrecision bool) string {
	if !hasPrecision || !strings.EqualFold(dataType, "NUMBER") {
		return dataType
	}
	return dataType + "(" + strconv.Itoa(precision) + "," + strconv.Itoa(scale) + ")"
}

func (r *CatalogReader) primaryKey(ctx context.Context, table datasource.TableMetadata) ([]string, error) {
	const query = `
		SELECT cc.COLUMN_NAME
		FROM ALL_CONSTRAINTS c
		JOIN ALL_CONS_COLUMNS cc ON cc.OWNER = c.OWNER AND cc.CONSTRAINT_NAME = c.CONSTRAINT_NAME
		WHERE c.CONSTRAINT_TYPE = 'P' AND c.OWNER = :1 AND c.TABLE_NAME = :2
		ORDER BY cc.POSITION
	`

	rows, err := r.db.QueryContext(ctx, query, table.SchemaName, table.TableName)
	if err != nil {
		return nil, fmt.Errorf("query primary key: %w", err)
	}
	defer rows.Close()

	var pk []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan primary key: %w", err)
		}
		pk = append(pk, name)
	}
	return pk, rows.Err()
}

func (r *CatalogReader) foreignKeys(ctx context.Context, table datasource.TableMetadata) ([]datasource.ForeignKeyMetadata, error) {
	const query = `
		SELECT c.CONSTRAINT_NAME, cc.COLUMN_NAME, rc.OWNER, rc.TABLE_NAME, rcc.COLUMN_NAME
		FROM ALL_CONSTRAINTS c
		JOIN ALL_CONS_COLUMNS cc ON cc.OWNER = c.OWNER AND cc.CONSTRAINT_NAME = c.CONSTRAINT_NAME
		JOIN ALL_CONSTRAINTS rc ON rc.OWNER = c.R_OWNER AND rc.CONSTRAINT_NAME = c.R_CONSTRAINT_NAME
		JOIN ALL_CONS_COLUMNS rcc ON rcc.OWNER = rc.OWNER AND rcc.CONSTRAINT_NAME = rc.CONSTRAINT_NAME
		     AND rcc.POSITION = cc.POSITION
		WHERE c.CONSTRAINT_TYPE = 'R' AND c.OWNER = :1 AND c.TABLE_NAME = :2
		ORDER BY c.CONSTRAINT_NAME, cc.POSITION
	`

	rows, err := r.db.QueryContext(ctx, query, table.SchemaName, table.TableName)
	if err != nil {
		return nil, fmt.Errorf("query foreign keys: %w", err)
	}
	defer rows.Close()

	var fks []datasource.ForeignKeyMetadata
	for rows.Next() {
		var fk datasource.ForeignKeyMetadata
		if err := rows.Scan(&fk.ConstraintName, &fk.SourceColumn,
			&fk.TargetSchema, &fk.TargetTable, &fk.TargetColumn); err != nil {
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
