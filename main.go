package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-query-engine/pkg/adapters/datasource"
	_ "github.com/ekaya-inc/ekaya-query-engine/pkg/adapters/datasource/all"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/config"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/crypto"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/handlers"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/logging"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/middleware"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/queryset"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/repositories"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/schemacache"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/tunnel"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "seal" {
		if err := seal(os.Stdin, os.Stdout); err != nil {
			log.Fatalf("seal: %v", err)
		}
		return
	}

	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.NewLogger(cfg.Env)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Server failed", zap.String("error", logging.SanitizeError(err)))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Configuration loaded",
		zap.String("env", cfg.Env),
		zap.String("version", cfg.Version),
		zap.String("cache_backend", cfg.Cache.Backend),
		zap.String("overrides_path", cfg.Overrides.Path),
		zap.Int("preloaded_connections", len(cfg.Connections)))

	store, err := openCacheStore(ctx, cfg.Cache)
	if err != nil {
		return err
	}
	if closer, ok := store.(io.Closer); ok {
		defer closer.Close()
	}

	overrides, err := repositories.OpenRelationshipOverrideRepository(ctx, cfg.Overrides.Path)
	if err != nil {
		return err
	}
	defer overrides.Close()

	manager := datasource.NewConnectionManager(managerConfig(cfg), datasource.ConnectionManagerDeps{
		Cache:     schemacache.New(store, logger),
		Overrides: overrides,
	}, logger)
	defer manager.Close()

	preload(ctx, manager, cfg, logger)

	mux := http.NewServeMux()
	handlers.NewHealthHandler(cfg, manager, logger).RegisterRoutes(mux)
	handlers.NewConnectionsHandler(manager, logger).RegisterRoutes(mux)
	handlers.NewOverridesHandler(overrides, manager, logger).RegisterRoutes(mux)

	server := &http.Server{
		Addr:              net.JoinHostPort(cfg.BindAddr, cfg.Port),
		Handler:           middleware.Recover(logger)(middleware.RequestLogger(logger)(mux)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting ekaya-query-engine", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func openCacheStore(ctx context.Context, cfg config.CacheConfig) (schemacache.Store, error) {
	if cfg.Backend == config.CacheBackendRedis {
		return schemacache.NewRedisStore(ctx, schemacache.RedisOptions{
			Addr:     config.ResolveHostForDocker(cfg.RedisAddr),
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
			TTL:      cfg.RedisTTL,
		})
	}
	return schemacache.NewFileStore(cfg.Dir)
}

func managerConfig(cfg *config.Config) datasource.ConnectionManagerConfig {
	reflection := datasource.DefaultReflectionOptions()
	reflection.IncludeViews = cfg.Reflection.IncludeViews
	reflection.MaxDocuments = cfg.Reflection.MaxDocuments
	reflection.BatchSize = cfg.Reflection.BatchSize
	reflection.SkipKeylessTables = !cfg.Datasource.PromoteFirstColumn

	query := queryset.DefaultOptions()
	query.CountThreshold = cfg.Datasource.CountThreshold

	return datasource.ConnectionManagerConfig{
		ConnectTimeout:     cfg.Datasource.ConnectTimeout,
		PoolSize:           cfg.Datasource.PoolSize,
		PoolOverflow:       cfg.Datasource.PoolOverflow,
		IdleTTL:            cfg.Datasource.IdleTTL,
		MaxConcurrentInits: cfg.Reflection.Workers,
		Reflection:         reflection,
		Query:              query,
		Tunnel: tunnel.Config{
			WatchdogInterval: cfg.Tunnel.WatchdogInterval,
			ProbeTimeout:     cfg.Tunnel.ProbeTimeout,
			MaxFailures:      cfg.Tunnel.MaxFailures,
		},
	}
}

// preload acquires configured connections in the background. Failures are
// logged; a later request retries.
func preload(ctx context.Context, manager *datasource.ConnectionManager, cfg *config.Config, logger *zap.Logger) {
	for _, conn := range cfg.Connections {
		go func() {
			if _, err := manager.Acquire(ctx, conn); err != nil {
				logger.Warn("Failed to preload connection",
					zap.String("engine", string(conn.Engine)),
					zap.String("target", conn.Target()),
					zap.String("error", logging.SanitizeError(err)))
			}
		}()
	}
}

// seal prints a sealed copy of the secret read from in, for use in the
// connections section of config.yaml.
func seal(in io.Reader, out io.Writer) error {
	sc, err := crypto.NewSecretCipher(os.Getenv("CREDENTIALS_KEY"))
	if err != nil {
		return err
	}
	secret, err := io.ReadAll(in)
	if err != nil {
		return err
	}
	sealed, err := sc.Seal(strings.TrimRight(string(secret), "\r\n"))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, sealed)
	return err
}
