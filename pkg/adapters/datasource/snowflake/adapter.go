package snowflake

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/snowflakedb/gosnowflake"

	"github.com/ekaya-inc/ekaya-query-engine/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/models"
)

const (
	DefaultSchema = "PUBLIC"
	application   = "ekaya-query-engine"
)

// accountFromHost accepts either an account identifier (myorg-myaccount) or
// the full myorg-myaccount.snowflakecomputing.com host.
func accountFromHost(host string) string {
	host = strings.TrimSuffix(strings.ToLower(host), ".snowflakecomputing.com")
	return strings.TrimSuffix(host, ".privatelink")
}

// buildConfig maps a connection config onto gosnowflake.Config. The database
// name is the Snowflake database. Extra keys warehouse, role and authenticator
// are typed options; everything else becomes a session parameter.
func buildConfig(cfg models.ConnectionConfig, endpoint datasource.Endpoint, timeout time.Duration) (*gosnowflake.Config, error) {
	c := &gosnowflake.Config{
		Account:      accountFromHost(cfg.Host),
		User:         cfg.User,
		Password:     cfg.Password,
		Database:     cfg.Name,
		Schema:       cfg.Schema,
		Application:  application,
		LoginTimeout: timeout,
		Params:       make(map[string]*string),
	}
	if c.Schema == "" {
		c.Schema = DefaultSchema
	}
	// Tunnelled connections reach the account through the local forward.
	if endpoint.Host != "" && !strings.EqualFold(endpoint.Host, cfg.Host) {
		c.Host = endpoint.Host
		c.Port = endpoint.Port
	}

	for key, values := range cfg.ExtraParams() {
		if len(values) == 0 {
			continue
		}
		value := values[0]
		switch strings.ToLower(key) {
		case "warehouse":
			c.Warehouse = value
		case "role":
			c.Role = value
		case "region":
			c.Region = value
		case "authenticator":
			switch strings.ToLower(value) {
			case "snowflake":
				c.Authenticator = gosnowflake.AuthTypeSnowflake
			case "externalbrowser":
				c.Authenticator = gosnowflake.AuthTypeExternalBrowser
			case "oauth":
				c.Authenticator = gosnowflake.AuthTypeOAuth
				c.Token = cfg.Password
			default:
				return nil, fmt.Errorf("unsupported snowflake authenticator %q", value)
			}
		default:
			v := value
			c.Params[key] = &v
		}
	}
	if cfg.Timezone != "" {
		tz := cfg.Timezone
		c.Params["timezone"] = &tz
	}
	if c.Account == "" {
		return nil, fmt.Errorf("snowflake account is required in host")
	}
	return c, nil
}

// Open connects to a Snowflake account.
func Open(ctx context.Context, cfg models.ConnectionConfig, opts datasource.OpenOptions) (datasource.Handle, error) {
	sfConfig, err := buildConfig(cfg, opts.Endpoint, opts.ConnectTimeout)
	if err != nil {
		return nil, err
	}
	connector := gosnowflake.NewConnector(gosnowflake.SnowflakeDriver{}, *sfConfig)
	db, err := datasource.OpenSQLConnector(ctx, connector, opts)
	if err != nil {
		return nil, err
	}
	handle, err := datasource.NewSQLHandle(db, cfg.Engine, NewCatalogReader(db, sfConfig.Database, sfConfig.Schema), opts)
	if err != nil {
		db.Close()
		return nil, err
	}
	return handle, nil
}

func init() {
	datasource.Register(datasource.AdapterRegistration{
		Info: datasource.AdapterInfo{
			Engine:      models.EngineSnowflake,
			DisplayName: "Snowflake",
			Description: "Connect to a Snowflake warehouse",
			DefaultPort: models.EngineSnowflake.DefaultPort(),
		},
		Open: Open,
	})
}
