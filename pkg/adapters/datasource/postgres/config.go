package postgres

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/ekaya-inc/ekaya-query-engine/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/models"
)

// DefaultSSLMode returns the default SSL mode.
func DefaultSSLMode() string {
	return "require"
}

// buildConnectionString builds a PostgreSQL URL with proper escaping.
// All user-provided fields are URL-escaped so that passwords containing
// @, /, # or ? do not break URL parsing. Extra parameters are passed through
// to pgx; schema and timezone become search_path and timezone.
func buildConnectionString(cfg models.ConnectionConfig, endpoint datasource.Endpoint) string {
	params := cfg.ExtraParams()
	if params.Get("sslmode") == "" {
		params.Set("sslmode", DefaultSSLMode())
	}
	if cfg.Schema != "" {
		params.Set("search_path", cfg.Schema)
	}
	if cfg.Timezone != "" {
		params.Set("timezone", cfg.Timezone)
	}

	u := url.URL{
		Scheme:   "postgresql",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     endpoint.Host + ":" + strconv.Itoa(endpoint.Port),
		Path:     "/" + cfg.Name,
		RawQuery: params.Encode(),
	}
	if cfg.User == "" {
		u.User = nil
	}
	return u.String()
}

// qualifiedName is schema.table for log and error messages.
func qualifiedName(schemaName, tableName string) string {
	if schemaName == "" {
		return tableName
	}
	return fmt.Sprintf("%s.%s", schemaName, tableName)
}
