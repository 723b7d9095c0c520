package postgres

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-query-engine/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/models"
)

func TestBuildConnectionString(t *testing.T) {
	tests := []struct {
		name     string
		cfg      models.ConnectionConfig
		endpoint datasource.Endpoint
		check    func(t *testing.T, u *url.URL)
	}{
		{
			name:     "defaults to sslmode require",
			cfg:      models.ConnectionConfig{Engine: models.EnginePostgres, Name: "sales", User: "app", Password: "pw"},
			endpoint: datasource.Endpoint{Host: "db.internal", Port: 5432},
			check: func(t *testing.T, u *url.URL) {
				assert.Equal(t, "db.internal:5432", u.Host)
				assert.Equal(t, "/sales", u.Path)
				assert.Equal(t, "require", u.Query().Get("sslmode"))
			},
		},
		{
			name:     "escapes special characters in password",
			cfg:      models.ConnectionConfig{Engine: models.EnginePostgres, Name: "sales", User: "app", Password: "p@ss/w#rd?"},
			endpoint: datasource.Endpoint{Host: "localhost", Port: 5432},
			check: func(t *testing.T, u *url.URL) {
				pw, ok := u.User.Password()
				require.True(t, ok)
				assert.Equal(t, "p@ss/w#rd?", pw)
				assert.Equal(t, "localhost:5432", u.Host)
			},
		},
		{
			name: "extra params, schema and timezone",
			cfg: models.ConnectionConfig{
				Engine: models.EnginePostgres, Name: "sales", User: "app",
				Extra: "sslmode=disable&application_name=reports", Schema: "billing", Timezone: "UTC",
			},
			endpoint: datasource.Endpoint{Host: "127.0.0.1", Port: 40123},
			check: func(t *testing.T, u *url.URL) {
				q := u.Query()
				assert.Equal(t, "disable", q.Get("sslmode"))
				assert.Equal(t, "reports", q.Get("application_name"))
				assert.Equal(t, "billing", q.Get("search_path"))
				assert.Equal(t, "UTC", q.Get("timezone"))
				assert.Equal(t, "127.0.0.1:40123", u.Host, "tunnel endpoint replaces the configured host")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := url.Parse(buildConnectionString(tt.cfg, tt.endpoint))
			require.NoError(t, err)
			assert.Equal(t, "postgresql", u.Scheme)
			tt.check(t, u)
		})
	}
}

func TestRegistration(t *testing.T) {
	assert.True(t, datasource.IsRegistered(models.EnginePostgres))
	assert.True(t, datasource.IsRegistered(models.EngineCockroach))
}
