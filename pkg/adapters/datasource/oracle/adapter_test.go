package oracle

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-query-engine/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/models"
)

func TestBuildURL(t *testing.T) {
	cfg := models.ConnectionConfig{
		Engine:   models.EngineOracle,
		Name:     "FREEPDB1",
		User:     "app",
		Password: "p@ss",
		Timezone: "UTC",
	}
	got := buildURL(cfg, datasource.Endpoint{Host: "db.internal", Port: 1521}, 10*time.Second)

	assert.Contains(t, got, "oracle://app:")
	assert.Contains(t, got, "@db.internal:1521/FREEPDB1")
	assert.Contains(t, got, "TIMEZONE=UTC")
	assert.Contains(t, got, "TIMEOUT=10")

	cfg.Extra = "sid=ORCL"
	got = buildURL(cfg, datasource.Endpoint{Host: "db.internal", Port: 1521}, 0)
	assert.Contains(t, got, "SID=ORCL")
	assert.NotContains(t, got, "FREEPDB1")
}

func TestOwner(t *testing.T) {
	assert.Equal(t, "APP", owner(models.ConnectionConfig{User: "app"}))
	assert.Equal(t, "Sales", owner(models.ConnectionConfig{User: "app", Schema: "Sales"}))
}

func TestNativeType(t *testing.T) {
	assert.Equal(t, "NUMBER(10,0)", nativeType("NUMBER", 10, 0, true))
	assert.Equal(t, "NUMBER", nativeType("NUMBER", 0, 0, false))
	assert.Equal(t, "VARCHAR2", nativeType("VARCHAR2", 0, 0, false))
}

func TestCatalogReader(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()
	reader := NewCatalogReader(db, "APP")

	mock.ExpectQuery(`FROM ALL_TABLES`).
		WithArgs("APP", "APP", 0).
		WillReturnRows(sqlmock.NewRows([]string{"OWNER", "TABLE_NAME", "IS_VIEW"}).
			AddRow("APP", "ORDERS", 0))

	tables, err := reader.ListTables(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, []datasource.TableMetadata{{SchemaName: "APP", TableName: "ORDERS"}}, tables)

	mock.ExpectQuery(`FROM ALL_TAB_COLUMNS`).
		WithArgs("APP", "ORDERS").
		WillReturnRows(sqlmock.NewRows([]string{
			"COLUMN_NAME", "DATA_TYPE", "CHAR_LENGTH", "DATA_PRECISION", "DATA_SCALE",
			"NULLABLE", "COLUMN_ID", "IDENTITY_COLUMN",
		}).
			AddRow("ID", "NUMBER", 0, 10, 0, "N", 1, "YES").
			AddRow("CUSTOMER_ID", "NUMBER", 0, 10, 0, "Y", 2, "NO").
			AddRow("NOTE", "VARCHAR2", 200, nil, nil, "Y", 3, "NO"))
	mock.ExpectQuery(`CONSTRAINT_TYPE = 'P'`).
		WithArgs("APP", "ORDERS").
		WillReturnRows(sqlmock.NewRows([]string{"COLUMN_NAME"}).AddRow("ID"))
	mock.ExpectQuery(`CONSTRAINT_TYPE = 'R'`).
		WithArgs("APP", "ORDERS").
		WillReturnRows(sqlmock.NewRows([]string{"CONSTRAINT_NAME", "COLUMN_NAME", "OWNER", "TABLE_NAME", "COLUMN_NAME"}).
			AddRow("FK_ORDERS_CUSTOMERS", "CUSTOMER_ID", "APP", "CUSTOMERS", "ID"))

	desc, err := reader.DescribeTable(ctx, tables[0])
	require.NoError(t, err)
	require.Len(t, desc.Columns, 3)
	assert.Equal(t, "NUMBER(10,0)", desc.Columns[0].DataType)
	assert.True(t, desc.Columns[0].IsAutoIncrement)
	assert.False(t, desc.Columns[0].IsNullable)
	assert.Equal(t, "VARCHAR2", desc.Columns[2].DataType)
	assert.Equal(t, 200, desc.Columns[2].Length)
	assert.Equal(t, []string{"ID"}, desc.PrimaryKey)
	require.Len(t, desc.ForeignKeys, 1)
	assert.Equal(t, "CUSTOMERS", desc.ForeignKeys[0].TargetTable)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRegistration(t *testing.T) {
	assert.True(t, datasource.IsRegistered(models.EngineOracle))
}
