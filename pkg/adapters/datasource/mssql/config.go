package mssql

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/ekaya-inc/ekaya-query-engine/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/models"
)

// Auth methods selected with auth_method in the extra parameters.
const (
	AuthSQL              = "sql"
	AuthServicePrincipal = "service_principal"
)

// Config contains SQL Server-specific connection options derived from a
// ConnectionConfig.
type Config struct {
	Host     string
	Port     int
	Database string

	AuthMethod string

	// SQL Authentication fields
	Username string
	Password string

	// Service Principal (Azure AD) fields
	TenantID     string
	ClientID     string
	ClientSecret string

	Encrypt                bool
	TrustServerCertificate bool
	ConnectionTimeout      int

	// Params are passed through to the driver unchanged.
	Params url.Values
}

// DefaultConnectionTimeout returns the default connection timeout in seconds.
func DefaultConnectionTimeout() int {
	return 30
}

// driverKeys are consumed by FromConnectionConfig and not passed through.
var driverKeys = []string{"auth_method", "tenant_id", "client_id", "client_secret", "encrypt", "trust_server_certificate", "connection_timeout"}

// FromConnectionConfig builds a Config for endpoint. The auth method is
// auto-detected: client_id selects service_principal, otherwise SQL auth.
func FromConnectionConfig(cfg models.ConnectionConfig, endpoint datasource.Endpoint) (*Config, error) {
	extra := cfg.ExtraParams()
	c := &Config{
		Host:              endpoint.Host,
		Port:              endpoint.Port,
		Database:          cfg.Name,
		Username:          cfg.User,
		Password:          cfg.Password,
		Encrypt:           true,
		ConnectionTimeout: DefaultConnectionTimeout(),
		TenantID:          extra.Get("tenant_id"),
		ClientID:          extra.Get("client_id"),
		ClientSecret:      extra.Get("client_secret"),
		Params:            url.Values{},
	}

	if v := extra.Get("encrypt"); v != "" {
		// Support string values: "true", "false", "strict"
		c.Encrypt = v == "true" || v == "strict"
	}
	c.TrustServerCertificate = extra.Get("trust_server_certificate") == "true"
	if v := extra.Get("connection_timeout"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid connection_timeout %q", v)
		}
		c.ConnectionTimeout = n
	}

	c.AuthMethod = extra.Get("auth_method")
	if c.AuthMethod == "" {
		if c.ClientID != "" {
			c.AuthMethod = AuthServicePrincipal
		} else {
			c.AuthMethod = AuthSQL
		}
	}

	for key, values := range extra {
		if !isDriverKey(key) {
			c.Params[key] = values
		}
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func isDriverKey(key string) bool {
	for _, k := range driverKeys {
		if strings.EqualFold(k, key) {
			return true
		}
	}
	return false
}

// Validate checks if the config has all required fields for the selected auth method.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Database == "" {
		return fmt.Errorf("database is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}

	switch c.AuthMethod {
	case AuthSQL:
		if c.Username == "" {
			return fmt.Errorf("username is required for SQL authentication")
		}
	case AuthServicePrincipal:
		if c.TenantID == "" {
			return fmt.Errorf("tenant_id is required for service principal")
		}
		if c.ClientID == "" {
			return fmt.Errorf("client_id is required for service principal")
		}
		if c.ClientSecret == "" {
			return fmt.Errorf("client_secret is required for service principal")
		}
	default:
		return fmt.Errorf("invalid auth method: %s (must be sql or service_principal)", c.AuthMethod)
	}

	return nil
}

// DriverName is the database/sql driver for the auth method.
func (c *Config) DriverName() string {
	if c.AuthMethod == AuthServicePrincipal {
		return "azuresql"
	}
	return "sqlserver"
}

// ConnectionString builds the sqlserver:// URL for the auth method.
func (c *Config) ConnectionString() string {
	query := url.Values{}
	for k, v := range c.Params {
		query[k] = v
	}
	query.Set("database", c.Database)

	if c.Encrypt {
		query.Set("encrypt", "true")
	} else {
		query.Set("encrypt", "false")
	}
	if c.TrustServerCertificate {
		query.Set("TrustServerCertificate", "true")
	}
	if c.ConnectionTimeout > 0 {
		query.Set("connection timeout", strconv.Itoa(c.ConnectionTimeout))
	}

	u := url.URL{
		Scheme: "sqlserver",
		Host:   c.Host + ":" + strconv.Itoa(c.Port),
	}
	switch c.AuthMethod {
	case AuthServicePrincipal:
		query.Set("fedauth", "ActiveDirectoryServicePrincipal")
		query.Set("user id", c.ClientID)
		query.Set("password", c.ClientSecret)
		query.Set("tenant id", c.TenantID)
	default:
		u.User = url.UserPassword(c.Username, c.Password)
	}
	u.RawQuery = query.Encode()
	return u.String()
}
