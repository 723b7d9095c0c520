package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-query-engine/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/models"
)

func TestBuildOptions(t *testing.T) {
	tests := []struct {
		name  string
		extra string
		check func(t *testing.T, o *clickhouse.Options)
	}{
		{
			name: "plain",
			check: func(t *testing.T, o *clickhouse.Options) {
				assert.Nil(t, o.TLS)
				assert.Equal(t, clickhouse.Native, o.Protocol)
				assert.Nil(t, o.Compression)
			},
		},
		{
			name:  "secure with skip verify",
			extra: "secure=true&skip_verify=1",
			check: func(t *testing.T, o *clickhouse.Options) {
				require.NotNil(t, o.TLS)
				assert.True(t, o.TLS.InsecureSkipVerify)
			},
		},
		{
			name:  "http with compression and settings",
			extra: "protocol=http&compress=true&max_execution_time=60",
			check: func(t *testing.T, o *clickhouse.Options) {
				assert.Equal(t, clickhouse.HTTP, o.Protocol)
				require.NotNil(t, o.Compression)
				assert.Equal(t, clickhouse.CompressionLZ4, o.Compression.Method)
				assert.Equal(t, "60", o.Settings["max_execution_time"])
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := models.ConnectionConfig{Engine: models.EngineClickHouse, Name: "events", User: "default", Extra: tt.extra}
			o := buildOptions(cfg, datasource.Endpoint{Host: "ch.internal", Port: 9000}, 5*time.Second, 4)
			assert.Equal(t, []string{"ch.internal:9000"}, o.Addr)
			assert.Equal(t, "events", o.Auth.Database)
			assert.Equal(t, 4, o.MaxOpenConns)
			tt.check(t, o)
		})
	}
}

func TestCatalogReader(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()
	reader := NewCatalogReader(db, "events")

	mock.ExpectQuery(`FROM system.tables`).
		WithArgs("events", "events", true).
		WillReturnRows(sqlmock.NewRows([]string{"database", "name", "is_view"}).
			AddRow("events", "hits", 0).
			AddRow("events", "daily_hits", 1))
	tables, err := reader.ListTables(ctx, true)
	require.NoError(t, err)
	require.Len(t, tables, 2)
	assert.True(t, tables[1].IsView)

	mock.ExpectQuery(`FROM system.columns`).
		WithArgs("events", "hits").
		WillReturnRows(sqlmock.NewRows([]string{"name", "type", "position", "default_kind", "default_expression", "is_in_primary_key"}).
			AddRow("site_id", "UInt32", 1, "", "", 1).
			AddRow("ts", "DateTime64(3)", 2, "DEFAULT", "now64()", 1).
			AddRow("referrer", "Nullable(String)", 3, "", "", 0).
			AddRow("kind", "Enum8('view' = 1, 'click' = 2)", 4, "", "", 0))

	desc, err := reader.DescribeTable(ctx, tables[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"site_id", "ts"}, desc.PrimaryKey)
	require.Len(t, desc.Columns, 4)
	require.NotNil(t, desc.Columns[1].DefaultValue)
	assert.Equal(t, "now64()", *desc.Columns[1].DefaultValue)
	assert.True(t, desc.Columns[2].IsNullable)
	assert.False(t, desc.Columns[0].IsNullable)
	assert.Empty(t, desc.ForeignKeys)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRegistration(t *testing.T) {
	assert.True(t, datasource.IsRegistered(models.EngineClickHouse))
}
