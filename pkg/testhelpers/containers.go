// Package testhelpers starts disposable datasources for integration tests.
// Each container is started once per test binary and shared.
package testhelpers

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ekaya-inc/ekaya-query-engine/pkg/models"
)

const (
	PostgresImage = "postgres:16-alpine"
	MySQLImage    = "mysql:8.4"
	MongoImage    = "mongo:7"
	RedisImage    = "redis:7-alpine"

	testUser     = "engine"
	testPassword = "engine_pw"
	testDatabase = "library"
)

type shared[T any] struct {
	once  sync.Once
	value T
	err   error
}

func (s *shared[T]) get(t *testing.T, what string, start func(context.Context) (T, error)) T {
	t.Helper()
	if testing.Short() {
		t.Skipf("%s needs Docker; skipped in short mode", what)
	}
	s.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		s.value, s.err = start(ctx)
	})
	if s.err != nil {
		t.Fatalf("start %s: %v", what, s.err)
	}
	return s.value
}

// Endpoint is where a started container listens on the host.
type Endpoint struct {
	Container testcontainers.Container
	Host      string
	Port      int
}

func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, fmt.Sprint(e.Port))
}

func startContainer(ctx context.Context, req testcontainers.ContainerRequest, port string) (Endpoint, error) {
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return Endpoint{}, fmt.Errorf("failed to start %s: %w", req.Image, err)
	}
	host, err := c.Host(ctx)
	if err != nil {
		return Endpoint{}, fmt.Errorf("failed to get host of %s: %w", req.Image, err)
	}
	mapped, err := c.MappedPort(ctx, nat.Port(port))
	if err != nil {
		return Endpoint{}, fmt.Errorf("failed to map port %s of %s: %w", port, req.Image, err)
	}
	return Endpoint{Container: c, Host: host, Port: mapped.Int()}, nil
}

func (e Endpoint) connection(engine models.Engine) models.ConnectionConfig {
	return models.ConnectionConfig{
		Engine:   engine,
		Name:     testDatabase,
		Host:     e.Host,
		Port:     e.Port,
		User:     testUser,
		Password: testPassword,
	}
}

// TestDB is a PostgreSQL container plus a pool for seeding fixtures.
type TestDB struct {
	Endpoint
	Pool *pgxpool.Pool
}

func (db *TestDB) Config() models.ConnectionConfig {
	cfg := db.connection(models.EnginePostgres)
	cfg.Extra = "sslmode=disable"
	return cfg
}

var postgresC shared[*TestDB]

func GetTestDB(t *testing.T) *TestDB {
	return postgresC.get(t, "postgres", func(ctx context.Context) (*TestDB, error) {
		ep, err := startContainer(ctx, testcontainers.ContainerRequest{
			Image:        PostgresImage,
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_DB":       testDatabase,
				"POSTGRES_USER":     testUser,
				"POSTGRES_PASSWORD": testPassword,
			},
			// initdb restarts the server once before it is really up
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		}, "5432")
		if err != nil {
			return nil, err
		}
		dsn := fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable", testUser, testPassword, ep.Addr(), testDatabase)
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to create pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to ping postgres: %w", err)
		}
		return &TestDB{Endpoint: ep, Pool: pool}, nil
	})
}

// TestMySQL is a MySQL container. Seed it through the adapter's own handle
// or a database/sql connection opened by the test.
type TestMySQL struct {
	Endpoint
}

func (m *TestMySQL) Config() models.ConnectionConfig {
	return m.connection(models.EngineMySQL)
}

var mysqlC shared[*TestMySQL]

func GetTestMySQL(t *testing.T) *TestMySQL {
	return mysqlC.get(t, "mysql", func(ctx context.Context) (*TestMySQL, error) {
		ep, err := startContainer(ctx, testcontainers.ContainerRequest{
			Image:        MySQLImage,
			ExposedPorts: []string{"3306/tcp"},
			Env: map[string]string{
				"MYSQL_DATABASE":      testDatabase,
				"MYSQL_USER":          testUser,
				"MYSQL_PASSWORD":      testPassword,
				"MYSQL_ROOT_PASSWORD": testPassword,
			},
			// the init server runs with --skip-networking
			WaitingFor: wait.ForListeningPort("3306/tcp").
				WithStartupTimeout(2 * time.Minute),
		}, "3306")
		if err != nil {
			return nil, err
		}
		return &TestMySQL{Endpoint: ep}, nil
	})
}

// TestMongo is a standalone mongod without auth.
type TestMongo struct {
	Endpoint
}

func (m *TestMongo) Config() models.ConnectionConfig {
	cfg := m.connection(models.EngineMongo)
	cfg.User, cfg.Password = "", ""
	return cfg
}

var mongoC shared[*TestMongo]

func GetTestMongo(t *testing.T) *TestMongo {
	return mongoC.get(t, "mongo", func(ctx context.Context) (*TestMongo, error) {
		ep, err := startContainer(ctx, testcontainers.ContainerRequest{
			Image:        MongoImage,
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor: wait.ForLog("Waiting for connections").
				WithStartupTimeout(60 * time.Second),
		}, "27017")
		if err != nil {
			return nil, err
		}
		return &TestMongo{Endpoint: ep}, nil
	})
}

// TestRedis backs the shared metadata cache.
type TestRedis struct {
	Endpoint
	Client *redis.Client
}

var redisC shared[*TestRedis]

func GetTestRedis(t *testing.T) *TestRedis {
	return redisC.get(t, "redis", func(ctx context.Context) (*TestRedis, error) {
		ep, err := startContainer(ctx, testcontainers.ContainerRequest{
			Image:        RedisImage,
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor: wait.ForLog("Ready to accept connections").
				WithStartupTimeout(30 * time.Second),
		}, "6379")
		if err != nil {
			return nil, err
		}
		client := redis.NewClient(&redis.Options{Addr: ep.Addr()})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to ping redis: %w", err)
		}
		return &TestRedis{Endpoint: ep, Client: client}, nil
	})
}
