package config

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/ekaya-inc/ekaya-query-engine/pkg/crypto"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/models"
)

const (
	CacheBackendFile  = "file"
	CacheBackendRedis = "redis"
)

// Config holds all configuration for ekaya-query-engine.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"3480"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	Version  string `yaml:"-"` // Set at load time, not from config

	Cache      CacheConfig      `yaml:"cache"`
	Reflection ReflectionConfig `yaml:"reflection"`
	Datasource DatasourceConfig `yaml:"datasource"`
	Tunnel     TunnelConfig     `yaml:"tunnel"`
	Overrides  OverridesConfig  `yaml:"overrides"`

	// Connections are acquired at startup so their schemas are warm.
	// Passwords and SSH keys may be sealed ("enc:...") with CredentialsKey.
	Connections []models.ConnectionConfig `yaml:"connections"`

	CredentialsKey string `yaml:"-" env:"CREDENTIALS_KEY"` // Secret - not in YAML
}

// CacheConfig selects where reflected schemas are dumped.
type CacheConfig struct {
	Backend string `yaml:"backend" env:"CACHE_BACKEND" env-default:"file"`
	Dir     string `yaml:"dir" env:"CACHE_DIR" env-default:".cache/schemas"`

	RedisAddr     string        `yaml:"redis_addr" env:"REDIS_ADDR" env-default:"localhost:6379"`
	RedisPassword string        `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	RedisDB       int           `yaml:"redis_db" env:"REDIS_DB" env-default:"0"`
	RedisPrefix   string        `yaml:"redis_prefix" env:"REDIS_PREFIX" env-default:"ekaya:schema:"`
	RedisTTL      time.Duration `yaml:"redis_ttl" env:"REDIS_TTL" env-default:"24h"`
}

// ReflectionConfig bounds schema discovery.
type ReflectionConfig struct {
	IncludeViews bool `yaml:"include_views" env:"REFLECTION_INCLUDE_VIEWS" env-default:"false"`
	// MaxDocuments and BatchSize bound document sampling per collection.
	MaxDocuments int64 `yaml:"max_documents" env:"REFLECTION_MAX_DOCUMENTS" env-default:"1000"`
	BatchSize    int32 `yaml:"batch_size" env:"REFLECTION_BATCH_SIZE" env-default:"100"`
	// Workers caps how many connections initialize at once.
	Workers int64 `yaml:"workers" env:"REFLECTION_WORKERS" env-default:"4"`
}

// DatasourceConfig holds datasource connection management settings.
type DatasourceConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout" env:"DATASOURCE_CONNECT_TIMEOUT" env-default:"10s"`
	PoolSize       int           `yaml:"pool_size" env:"DATASOURCE_POOL_SIZE" env-default:"5"`
	PoolOverflow   int           `yaml:"pool_overflow" env:"DATASOURCE_POOL_OVERFLOW" env-default:"10"`
	// IdleTTL disposes connections unused for this long. Zero keeps them.
	IdleTTL        time.Duration `yaml:"idle_ttl" env:"DATASOURCE_IDLE_TTL" env-default:"0s"`
	CountThreshold int64         `yaml:"count_threshold" env:"DATASOURCE_COUNT_THRESHOLD" env-default:"10000"`
	// PromoteFirstColumn gives keyless tables their first column as primary key.
	PromoteFirstColumn bool `yaml:"promote_first_column" env:"DATASOURCE_PROMOTE_FIRST_COLUMN" env-default:"true"`
}

// TunnelConfig tunes the SSH tunnel watchdog.
type TunnelConfig struct {
	WatchdogInterval time.Duration `yaml:"watchdog_interval" env:"TUNNEL_WATCHDOG_INTERVAL" env-default:"15s"`
	ProbeTimeout     time.Duration `yaml:"probe_timeout" env:"TUNNEL_PROBE_TIMEOUT" env-default:"5s"`
	MaxFailures      int           `yaml:"max_failures" env:"TUNNEL_MAX_FAILURES" env-default:"3"`
}

// OverridesConfig locates the relationship override store.
type OverridesConfig struct {
	Path string `yaml:"path" env:"OVERRIDES_PATH" env-default:"overrides.db"`
}

// Load reads configuration from config.yaml with environment variable overrides.
// The version parameter is injected at build time and set on the returned Config.
func Load(version string) (*Config, error) {
	return LoadFile("config.yaml", version)
}

// LoadFile is Load with an explicit path.
func LoadFile(path, version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if err := cleanenv.ReadConfig(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if err := cfg.revealSecrets(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// revealSecrets opens sealed connection secrets in place.
func (c *Config) revealSecrets() error {
	var sc *crypto.SecretCipher
	for i := range c.Connections {
		conn := &c.Connections[i]
		for _, field := range []*string{&conn.Password, &conn.SSHPrivateKey} {
			if !crypto.IsSealed(*field) {
				continue
			}
			if sc == nil {
				if c.CredentialsKey == "" {
					return fmt.Errorf("connections[%d] (%s) has sealed secrets but CREDENTIALS_KEY is not set", i, conn.Name)
				}
				var err error
				if sc, err = crypto.NewSecretCipher(c.CredentialsKey); err != nil {
					return err
				}
			}
			plain, err := sc.Reveal(*field)
			if err != nil {
				return fmt.Errorf("connections[%d] (%s): %w", i, conn.Name, err)
			}
			*field = plain
		}
	}
	return nil
}

// Validate checks values cleanenv cannot express as tags.
func (c *Config) Validate() error {
	switch c.Cache.Backend {
	case CacheBackendFile:
		if c.Cache.Dir == "" {
			return fmt.Errorf("cache.dir is required for the file backend")
		}
	case CacheBackendRedis:
		if c.Cache.RedisAddr == "" {
			return fmt.Errorf("cache.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown cache backend %q (want %s or %s)", c.Cache.Backend, CacheBackendFile, CacheBackendRedis)
	}

	if c.Datasource.PoolSize < 0 || c.Datasource.PoolOverflow < 0 {
		return fmt.Errorf("datasource pool sizes must not be negative")
	}
	if c.Datasource.CountThreshold < 0 {
		return fmt.Errorf("datasource.count_threshold must not be negative")
	}
	if c.Reflection.BatchSize <= 0 || c.Reflection.MaxDocuments <= 0 {
		return fmt.Errorf("reflection batch_size and max_documents must be positive")
	}

	for i, conn := range c.Connections {
		if err := conn.Validate(); err != nil {
			return fmt.Errorf("connections[%d] (%s): %w", i, conn.Name, err)
		}
	}
	return nil
}
