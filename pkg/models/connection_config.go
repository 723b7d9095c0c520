package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
)

// Engine identifies the kind of database behind a ConnectionConfig.
type Engine string

const (
	EnginePostgres   Engine = "postgresql"
	EngineCockroach  Engine = "cockroachdb"
	EngineMySQL      Engine = "mysql"
	EngineMariaDB    Engine = "mariadb"
	EngineOracle     Engine = "oracle"
	EngineMSSQL      Engine = "mssql"
	EngineBigQuery   Engine = "bigquery"
	EngineSnowflake  Engine = "snowflake"
	EngineClickHouse Engine = "clickhouse"
	EngineSQLite     Engine = "sqlite"
	EngineMongo      Engine = "mongo"
)

var knownEngines = []Engine{
	EnginePostgres, EngineCockroach, EngineMySQL, EngineMariaDB, EngineOracle, EngineMSSQL,
	EngineBigQuery, EngineSnowflake, EngineClickHouse, EngineSQLite, EngineMongo,
}

// Backend selects which Queryset implementation serves a table.
type Backend string

const (
	BackendSQL      Backend = "sql"
	BackendDocument Backend = "document"
)

// KnownEngines returns every engine this module can connect to.
func KnownEngines() []Engine {
	return slices.Clone(knownEngines)
}

func (e Engine) Valid() bool {
	return slices.Contains(knownEngines, e)
}

func (e Engine) Backend() Backend {
	if e == EngineMongo {
		return BackendDocument
	}
	return BackendSQL
}

// DefaultPort returns the engine's conventional port, or 0 for engines that are
// not reached over host:port.
func (e Engine) DefaultPort() int {
	switch e {
	case EnginePostgres:
		return 5432
	case EngineCockroach:
		return 26257
	case EngineMySQL, EngineMariaDB:
		return 3306
	case EngineOracle:
		return 1521
	case EngineMSSQL:
		return 1433
	case EngineClickHouse:
		return 9000
	case EngineMongo:
		return 27017
	case EngineSnowflake:
		return 443
	}
	return 0
}

// ConnectionConfig describes a target database. It is treated as immutable once
// handed to the connection manager.
type ConnectionConfig struct {
	Engine              Engine   `json:"engine" yaml:"engine"`
	Name                string   `json:"name" yaml:"name"`
	Host                string   `json:"host,omitempty" yaml:"host"`
	Port                int      `json:"port,omitempty" yaml:"port"`
	User                string   `json:"user,omitempty" yaml:"user"`
	Password            string   `json:"-" yaml:"password"`
	Extra               string   `json:"extra,omitempty" yaml:"extra"`
	Schema              string   `json:"schema,omitempty" yaml:"schema"`
	Timezone            string   `json:"timezone,omitempty" yaml:"timezone"`
	Connections         int      `json:"connections,omitempty" yaml:"connections"`
	ConnectionsOverflow int      `json:"connections_overflow,omitempty" yaml:"connections_overflow"`
	Only                []string `json:"only,omitempty" yaml:"only"`
	Except              []string `json:"except,omitempty" yaml:"except"`
	SSHHost             string   `json:"ssh_host,omitempty" yaml:"ssh_host"`
	SSHPort             int      `json:"ssh_port,omitempty" yaml:"ssh_port"`
	SSHUser             string   `json:"ssh_user,omitempty" yaml:"ssh_user"`
	SSHPrivateKey       string   `json:"-" yaml:"ssh_private_key"`
}

// Validate checks the fields every engine needs.
func (c ConnectionConfig) Validate() error {
	if c.Engine == "" {
		return fmt.Errorf("engine is required")
	}
	if !c.Engine.Valid() {
		return fmt.Errorf("unsupported engine %q", c.Engine)
	}
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.Connections < 0 || c.ConnectionsOverflow < 0 {
		return fmt.Errorf("pool sizes must not be negative")
	}
	if c.Extra != "" {
		if _, err := url.ParseQuery(c.Extra); err != nil {
			return fmt.Errorf("invalid extra parameters: %w", err)
		}
	}
	if c.HasTunnel() {
		if c.SSHUser == "" {
			return fmt.Errorf("ssh_user is required when ssh_host is set")
		}
		if c.SSHPrivateKey == "" {
			return fmt.Errorf("ssh_private_key is required when ssh_host is set")
		}
		if c.Host == "" {
			return fmt.Errorf("host is required when tunnelling")
		}
	}
	return nil
}

// HasTunnel reports whether the database must be reached through SSH.
func (c ConnectionConfig) HasTunnel() bool {
	return c.SSHHost != ""
}

// EffectivePort returns Port or the engine default.
func (c ConnectionConfig) EffectivePort() int {
	if c.Port != 0 {
		return c.Port
	}
	return c.Engine.DefaultPort()
}

// EffectiveSSHPort returns SSHPort or 22.
func (c ConnectionConfig) EffectiveSSHPort() int {
	if c.SSHPort != 0 {
		return c.SSHPort
	}
	return 22
}

// ExtraParams parses Extra as a URL query string. Invalid input yields an empty set;
// Validate reports it.
func (c ConnectionConfig) ExtraParams() url.Values {
	values, err := url.ParseQuery(c.Extra)
	if err != nil {
		return url.Values{}
	}
	return values
}

// PoolSize returns the maximum number of open native connections.
func (c ConnectionConfig) PoolSize(defaultSize, defaultOverflow int) int {
	size := c.Connections
	if size == 0 {
		size = defaultSize
	}
	overflow := c.ConnectionsOverflow
	if overflow == 0 {
		overflow = defaultOverflow
	}
	return size + overflow
}

// ShortName is the human-readable prefix of cache file names.
func (c ConnectionConfig) ShortName() string {
	return string(c.Engine) + "_" + c.Name
}

// Target describes the endpoint for logs and errors; it never contains secrets.
func (c ConnectionConfig) Target() string {
	if c.Host == "" {
		return c.Name
	}
	return c.Host + ":" + strconv.Itoa(c.EffectivePort()) + "/" + c.Name
}

// IncludesTable applies the only/except lists. An empty only list allows every
// table; except always wins.
func (c ConnectionConfig) IncludesTable(name string) bool {
	if slices.Contains(c.Except, name) {
		return false
	}
	if len(c.Only) == 0 {
		return true
	}
	return slices.Contains(c.Only, name)
}

// identity lists the fields that decide whether two configs reach the same
// database as the same principal. Table filters are excluded.
type identity struct {
	Engine        Engine `json:"engine"`
	Host          string `json:"host"`
	Port          int    `json:"port"`
	Name          string `json:"name"`
	User          string `json:"user"`
	Password      string `json:"password"`
	Extra         string `json:"extra"`
	Schema        string `json:"schema"`
	Timezone      string `json:"timezone"`
	SSHHost       string `json:"ssh_host"`
	SSHPort       int    `json:"ssh_port"`
	SSHUser       string `json:"ssh_user"`
	SSHPrivateKey string `json:"ssh_private_key"`
}

// Fingerprint is a stable SHA-256 over the identity fields, used as the registry
// and cache key.
func (c ConnectionConfig) Fingerprint() string {
	return hashJSON(identity{
		Engine:        c.Engine,
		Host:          c.Host,
		Port:          c.Port,
		Name:          c.Name,
		User:          c.User,
		Password:      c.Password,
		Extra:         c.Extra,
		Schema:        c.Schema,
		Timezone:      c.Timezone,
		SSHHost:       c.SSHHost,
		SSHPort:       c.SSHPort,
		SSHUser:       c.SSHUser,
		SSHPrivateKey: c.SSHPrivateKey,
	})
}

// ParamsHash covers only the table filters. Order inside each list is ignored.
func (c ConnectionConfig) ParamsHash() string {
	return hashJSON(struct {
		Only   []string `json:"only"`
		Except []string `json:"except"`
	}{Only: sortedCopy(c.Only), Except: sortedCopy(c.Except)})
}

func sortedCopy(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := slices.Clone(in)
	slices.Sort(out)
	return out
}

// CacheKey identifies a cached schema dump.
func (c ConnectionConfig) CacheKey() string {
	return c.Fingerprint() + "_" + c.ParamsHash()[:8]
}

func hashJSON(v any) string {
	// Marshalling a struct of strings and ints cannot fail.
	data, _ := json.Marshal(v)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// String omits credentials.
func (c ConnectionConfig) String() string {
	var b strings.Builder
	b.WriteString(string(c.Engine))
	b.WriteString("://")
	if c.User != "" {
		b.WriteString(c.User)
		b.WriteString("@")
	}
	b.WriteString(c.Target())
	if c.HasTunnel() {
		b.WriteString(" via ssh ")
		b.WriteString(c.SSHHost)
	}
	return b.String()
}
