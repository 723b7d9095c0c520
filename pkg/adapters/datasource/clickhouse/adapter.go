package clickhouse

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/spf13/cast"

	"github.com/ekaya-inc/ekaya-query-engine/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/models"
)

// buildOptions maps a connection config onto clickhouse.Options. Extra keys
// secure, skip_verify, protocol and compress are driver options; the rest are
// passed as server settings.
func buildOptions(cfg models.ConnectionConfig, endpoint datasource.Endpoint, timeout time.Duration, poolSize int) *clickhouse.Options {
	opts := &clickhouse.Options{
		Addr: []string{net.JoinHostPort(endpoint.Host, strconv.Itoa(endpoint.Port))},
		Auth: clickhouse.Auth{
			Database: cfg.Name,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings:        clickhouse.Settings{},
		DialTimeout:     timeout,
		ConnMaxLifetime: time.Hour,
	}
	if poolSize > 0 {
		opts.MaxOpenConns = poolSize
		opts.MaxIdleConns = poolSize
	}

	var tlsConfig *tls.Config
	for key, values := range cfg.ExtraParams() {
		if len(values) == 0 {
			continue
		}
		value := values[0]
		switch strings.ToLower(key) {
		case "secure":
			if cast.ToBool(value) && tlsConfig == nil {
				tlsConfig = &tls.Config{}
			}
		case "skip_verify":
			if cast.ToBool(value) {
				if tlsConfig == nil {
					tlsConfig = &tls.Config{}
				}
				tlsConfig.InsecureSkipVerify = true
			}
		case "protocol":
			if strings.EqualFold(value, "http") {
				opts.Protocol = clickhouse.HTTP
			}
		case "compress":
			if cast.ToBool(value) {
				opts.Compression = &clickhouse.Compression{Method: clickhouse.CompressionLZ4}
			}
		default:
			opts.Settings[key] = value
		}
	}
	opts.TLS = tlsConfig
	if cfg.Timezone != "" {
		opts.Settings["session_timezone"] = cfg.Timezone
	}
	return opts
}

// Open connects through the clickhouse-go database/sql interface.
func Open(ctx context.Context, cfg models.ConnectionConfig, opts datasource.OpenOptions) (datasource.Handle, error) {
	db := clickhouse.OpenDB(buildOptions(cfg, opts.Endpoint, opts.ConnectTimeout, opts.PoolSize))
	if err := datasource.PrepareSQLDB(ctx, db, opts); err != nil {
		db.Close()
		return nil, err
	}
	handle, err := datasource.NewSQLHandle(db, cfg.Engine, NewCatalogReader(db, cfg.Name), opts)
	if err != nil {
		db.Close()
		return nil, err
	}
	return handle, nil
}

func init() {
	datasource.Register(datasource.AdapterRegistration{
		Info: datasource.AdapterInfo{
			Engine:      models.EngineClickHouse,
			DisplayName: "ClickHouse",
			Description: "Connect to ClickHouse over the native protocol",
			DefaultPort: models.EngineClickHouse.DefaultPort(),
		},
		Open: Open,
	})
}
