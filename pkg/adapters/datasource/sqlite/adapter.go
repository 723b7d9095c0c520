package sqlite

import (
	"context"
	"net/url"
	"strings"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/ekaya-inc/ekaya-query-engine/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/models"
)

// buildDSN turns the configured file name into a modernc DSN. Extra
// parameters are passed through, so pragmas can be set with
// _pragma=busy_timeout(5000).
func buildDSN(cfg models.ConnectionConfig) string {
	params := cfg.ExtraParams()
	if !hasPragma(params, "foreign_keys") {
		params.Add("_pragma", "foreign_keys(1)")
	}
	path := strings.TrimPrefix(cfg.Name, "file:")
	return "file:" + path + "?" + params.Encode()
}

func hasPragma(params url.Values, name string) bool {
	for _, p := range params["_pragma"] {
		if strings.HasPrefix(strings.ToLower(p), name) {
			return true
		}
	}
	return false
}

// Open opens a SQLite database file. Host, port and tunnels do not apply.
func Open(ctx context.Context, cfg models.ConnectionConfig, opts datasource.OpenOptions) (datasource.Handle, error) {
	db, err := datasource.OpenSQLDB(ctx, "sqlite", buildDSN(cfg), opts)
	if err != nil {
		return nil, err
	}
	handle, err := datasource.NewSQLHandle(db, cfg.Engine, NewCatalogReader(db), opts)
	if err != nil {
		db.Close()
		return nil, err
	}
	return handle, nil
}

func init() {
	datasource.Register(datasource.AdapterRegistration{
		Info: datasource.AdapterInfo{
			Engine:      models.EngineSQLite,
			DisplayName: "SQLite",
			Description: "Open a local SQLite 3 database file",
		},
		Open: Open,
	})
}
