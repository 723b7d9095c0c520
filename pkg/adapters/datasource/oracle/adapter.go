package oracle

import (
	"context"
	"strconv"
	"strings"
	"time"

	go_ora "github.com/sijms/go-ora/v2"

	"github.com/ekaya-inc/ekaya-query-engine/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/models"
)

// buildURL returns a go-ora connection URL. The database name is the service
// name; extra parameters become URL options (SID, SSL, TRACE FILE, ...).
func buildURL(cfg models.ConnectionConfig, endpoint datasource.Endpoint, timeout time.Duration) string {
	options := make(map[string]string)
	for key, values := range cfg.ExtraParams() {
		if len(values) > 0 {
			options[strings.ToUpper(key)] = values[0]
		}
	}
	if _, ok := options["CONNECTION TIMEOUT"]; !ok && timeout > 0 {
		options["CONNECTION TIMEOUT"] = strconv.Itoa(int(timeout.Seconds()))
	}
	if cfg.Timezone != "" {
		options["TIMEZONE"] = cfg.Timezone
	}

	service := cfg.Name
	if _, ok := options["SID"]; ok {
		service = ""
	}
	return go_ora.BuildUrl(endpoint.Host, endpoint.Port, service, cfg.User, cfg.Password, options)
}

// owner is the schema whose tables are reflected. Oracle folds unquoted
// identifiers to upper case, so the login user is the default owner.
func owner(cfg models.ConnectionConfig) string {
	if cfg.Schema != "" {
		return cfg.Schema
	}
	return strings.ToUpper(cfg.User)
}

// Open connects with the pure-Go go-ora driver.
func Open(ctx context.Context, cfg models.ConnectionConfig, opts datasource.OpenOptions) (datasource.Handle, error) {
	db, err := datasource.OpenSQLDB(ctx, "oracle", buildURL(cfg, opts.Endpoint, opts.ConnectTimeout), opts)
	if err != nil {
		return nil, err
	}
	handle, err := datasource.NewSQLHandle(db, cfg.Engine, NewCatalogReader(db, owner(cfg)), opts)
	if err != nil {
		db.Close()
		return nil, err
	}
	return handle, nil
}

func init() {
	datasource.Register(datasource.AdapterRegistration{
		Info: datasource.AdapterInfo{
			Engine:      models.EngineOracle,
			DisplayName: "Oracle Database",
			Description: "Connect to Oracle 12c+ by service name or SID",
			DefaultPort: models.EngineOracle.DefaultPort(),
		},
		Open: Open,
	})
}
