package mysql

import (
	"context"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/ekaya-inc/ekaya-query-engine/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/models"
)

// buildConfig maps a ConnectionConfig onto the driver config. Extra
// parameters become connection attributes; schema overrides the database
// name used for discovery only.
func buildConfig(cfg models.ConnectionConfig, endpoint datasource.Endpoint, timeout time.Duration) (*mysql.Config, error) {
	c := mysql.NewConfig()
	c.User = cfg.User
	c.Passwd = cfg.Password
	c.Net = "tcp"
	c.Addr = fmt.Sprintf("%s:%d", endpoint.Host, endpoint.Port)
	c.DBName = cfg.Name
	c.ParseTime = true
	c.Timeout = timeout

	if cfg.Timezone != "" {
		loc, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("invalid timezone %q: %w", cfg.Timezone, err)
		}
		c.Loc = loc
	}

	extra := cfg.ExtraParams()
	if tls := extra.Get("tls"); tls != "" {
		c.TLSConfig = tls
		extra.Del("tls")
	}
	if len(extra) > 0 {
		c.Params = make(map[string]string, len(extra))
		for k := range extra {
			c.Params[k] = extra.Get(k)
		}
	}
	return c, nil
}

// Open connects to MySQL or MariaDB.
func Open(ctx context.Context, cfg models.ConnectionConfig, opts datasource.OpenOptions) (datasource.Handle, error) {
	mc, err := buildConfig(cfg, opts.Endpoint, opts.ConnectTimeout)
	if err != nil {
		return nil, err
	}
	connector, err := mysql.NewConnector(mc)
	if err != nil {
		return nil, fmt.Errorf("mysql connector: %w", err)
	}

	db, err := datasource.OpenSQLConnector(ctx, connector, opts)
	if err != nil {
		return nil, err
	}

	schema := cfg.Schema
	if schema == "" {
		schema = cfg.Name
	}
	handle, err := datasource.NewSQLHandle(db, cfg.Engine, NewCatalogReader(db, schema), opts)
	if err != nil {
		db.Close()
		return nil, err
	}
	return handle, nil
}

func init() {
	datasource.Register(datasource.AdapterRegistration{
		Info: datasource.AdapterInfo{
			Engine:      models.EngineMySQL,
			DisplayName: "MySQL",
			Description: "Connect to MySQL 5.7+, Aurora MySQL",
			DefaultPort: models.EngineMySQL.DefaultPort(),
		},
		Open: Open,
	})
	datasource.Register(datasource.AdapterRegistration{
		Info: datasource.AdapterInfo{
			Engine:      models.EngineMariaDB,
			DisplayName: "MariaDB",
			Description: "Connect to MariaDB 10.5+",
			DefaultPort: models.EngineMariaDB.DefaultPort(),
		},
		Open: Open,
	})
}
