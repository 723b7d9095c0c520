package postgres

import (
	"github.com/ekaya-inc/ekaya-query-engine/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/models"
)

func init() {
	datasource.Register(datasource.AdapterRegistration{
		Info: datasource.AdapterInfo{
			Engine:      models.EnginePostgres,
			DisplayName: "PostgreSQL",
			Description: "Connect to PostgreSQL 12+, Aurora PostgreSQL, Supabase",
			DefaultPort: models.EnginePostgres.DefaultPort(),
		},
		Open: Open,
	})
	datasource.Register(datasource.AdapterRegistration{
		Info: datasource.AdapterInfo{
			Engine:      models.EngineCockroach,
			DisplayName: "CockroachDB",
			Description: "Connect to CockroachDB over the PostgreSQL wire protocol",
			DefaultPort: models.EngineCockroach.DefaultPort(),
		},
		Open: Open,
	})
}
