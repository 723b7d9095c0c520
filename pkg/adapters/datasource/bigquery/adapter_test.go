package bigquery

import (
	"context"
	"errors"
	"strings"
	"testing"

	"cloud.google.com/go/bigquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ekaya-inc/ekaya-query-engine/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/models"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/queryset"
)

func TestFromConnectionConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     models.ConnectionConfig
		want    Settings
		wantErr string
		options int
	}{
		{
			name: "application default credentials",
			cfg:  models.ConnectionConfig{Engine: models.EngineBigQuery, Host: "acme-prod", Name: "sales", Extra: "location=EU"},
			want: Settings{ProjectID: "acme-prod", Dataset: "sales", Location: "EU"},
		},
		{
			name:    "service account json",
			cfg:     models.ConnectionConfig{Engine: models.EngineBigQuery, Host: "acme-prod", Name: "sales", Password: `{"type":"service_account"}`},
			want:    Settings{ProjectID: "acme-prod", Dataset: "sales", CredentialsJSON: `{"type":"service_account"}`},
			options: 1,
		},
		{
			name:    "emulator",
			cfg:     models.ConnectionConfig{Engine: models.EngineBigQuery, Name: "sales", Extra: "project=test&endpoint=http://localhost:9050"},
			want:    Settings{ProjectID: "test", Dataset: "sales", Endpoint: "http://localhost:9050"},
			options: 2,
		},
		{
			name:    "missing project",
			cfg:     models.ConnectionConfig{Engine: models.EngineBigQuery, Name: "sales"},
			wantErr: "project id is required",
		},
		{
			name:    "password is not json",
			cfg:     models.ConnectionConfig{Engine: models.EngineBigQuery, Host: "p", Name: "sales", Password: "hunter2"},
			wantErr: "service account JSON",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FromConnectionConfig(tt.cfg)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Len(t, got.ClientOptions(), tt.options)
		})
	}
}

type recordedQuery struct {
	query string
	args  []any
}

func fakeQuery(calls *[]recordedQuery, results map[string][]queryset.Row) queryFunc {
	return func(_ context.Context, query string, args []any) ([]queryset.Row, error) {
		*calls = append(*calls, recordedQuery{query: query, args: args})
		for marker, rows := range results {
			if strings.Contains(query, marker) {
				return rows, nil
			}
		}
		return nil, errors.New("unexpected query")
	}
}

func TestCatalogReader(t *testing.T) {
	var calls []recordedQuery
	query := fakeQuery(&calls, map[string][]queryset.Row{
		"INFORMATION_SCHEMA.TABLES": {
			{"table_schema": "sales", "table_name": "orders", "table_type": "BASE TABLE"},
			{"table_schema": "sales", "table_name": "daily", "table_type": "VIEW"},
		},
		"INFORMATION_SCHEMA.COLUMNS": {
			{"column_name": "id", "data_type": "INT64", "is_nullable": "NO", "ordinal_position": int64(1), "column_default": "NULL"},
			{"column_name": "customer_id", "data_type": "INT64", "is_nullable": "YES", "ordinal_position": int64(2), "column_default": nil},
			{"column_name": "tags", "data_type": "ARRAY<STRING>", "is_nullable": "NO", "ordinal_position": int64(3), "column_default": nil},
		},
		"INFORMATION_SCHEMA.TABLE_CONSTRAINTS": {
			{"constraint_name": "orders.pk$", "constraint_type": "PRIMARY KEY", "column_name": "id"},
			{"constraint_name": "fk_customer", "constraint_type": "FOREIGN KEY", "column_name": "customer_id",
				"target_schema": "sales", "target_table": "customers", "target_column": "id"},
		},
	})
	reader := NewCatalogReader(query, "acme-prod", "sales")
	ctx := context.Background()

	tables, err := reader.ListTables(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, []datasource.TableMetadata{{SchemaName: "sales", TableName: "orders"}}, tables)
	assert.Contains(t, calls[0].query, "`acme-prod.sales`.INFORMATION_SCHEMA.TABLES")

	desc, err := reader.DescribeTable(ctx, tables[0])
	require.NoError(t, err)
	require.Len(t, desc.Columns, 3)
	assert.Nil(t, desc.Columns[0].DefaultValue)
	assert.False(t, desc.Columns[0].IsNullable)
	assert.Equal(t, 3, desc.Columns[2].OrdinalPosition)
	assert.Equal(t, []string{"id"}, desc.PrimaryKey)
	require.Len(t, desc.ForeignKeys, 1)
	assert.Equal(t, "customers", desc.ForeignKeys[0].TargetTable)
	assert.Equal(t, []any{"orders"}, calls[1].args)
}

func TestRunner_WrapsErrors(t *testing.T) {
	r := &Runner{
		query: func(context.Context, string, []any) ([]queryset.Row, error) {
			return nil, errors.New("Syntax error: Unexpected keyword")
		},
		logger: zaptest.NewLogger(t),
	}

	_, err := r.Query(context.Background(), "SELECT * FROM `orders` WHERE `id` = ?", 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrQueryFailed)
	var qe *apperrors.QueryError
	require.ErrorAs(t, err, &qe)
	assert.Contains(t, qe.Query, "SELECT")
}

func TestNormalize(t *testing.T) {
	v := normalize([]bigquery.Value{int64(1), map[string]bigquery.Value{"a": "b"}})
	assert.Equal(t, []any{int64(1), map[string]any{"a": "b"}}, v)
}

func TestRegistration(t *testing.T) {
	assert.True(t, datasource.IsRegistered(models.EngineBigQuery))
}
