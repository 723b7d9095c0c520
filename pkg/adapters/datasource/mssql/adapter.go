package mssql

import (
	"context"

	_ "github.com/microsoft/go-mssqldb"         // SQL Server driver
	_ "github.com/microsoft/go-mssqldb/azuread" // Azure AD support

	"github.com/ekaya-inc/ekaya-query-engine/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/models"
)

// Open connects to SQL Server with SQL or Azure AD service principal
// authentication.
func Open(ctx context.Context, cfg models.ConnectionConfig, opts datasource.OpenOptions) (datasource.Handle, error) {
	c, err := FromConnectionConfig(cfg, opts.Endpoint)
	if err != nil {
		return nil, err
	}

	db, err := datasource.OpenSQLDB(ctx, c.DriverName(), c.ConnectionString(), opts)
	if err != nil {
		return nil, err
	}

	handle, err := datasource.NewSQLHandle(db, cfg.Engine, NewCatalogReader(db, cfg.Schema), opts)
	if err != nil {
		db.Close()
		return nil, err
	}
	return handle, nil
}

func init() {
	datasource.Register(datasource.AdapterRegistration{
		Info: datasource.AdapterInfo{
			Engine:      models.EngineMSSQL,
			DisplayName: "Microsoft SQL Server",
			Description: "Connect to SQL Server 2019+, Azure SQL Database",
			DefaultPort: models.EngineMSSQL.DefaultPort(),
		},
		Open: Open,
	})
}
