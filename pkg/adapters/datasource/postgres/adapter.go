package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/ekaya-inc/ekaya-query-engine/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/models"
)

// Open connects a pgx pool and exposes it as a datasource handle. The catalog
// reader talks to the pool directly; querysets go through database/sql on the
// same pool.
func Open(ctx context.Context, cfg models.ConnectionConfig, opts datasource.OpenOptions) (datasource.Handle, error) {
	poolCfg, err := pgxpool.ParseConfig(buildConnectionString(cfg, opts.Endpoint))
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if opts.PoolSize > 0 {
		poolCfg.MaxConns = int32(opts.PoolSize)
	}
	if opts.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = opts.ConnectTimeout
	}
	if cfg.Engine == models.EngineCockroach {
		// CockroachDB invalidates cached statements on schema changes.
		poolCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeDescribeExec
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	if err := datasource.PrepareSQLDB(ctx, db, opts); err != nil {
		db.Close()
		pool.Close()
		return nil, err
	}
	// Idle connections belong to the pgx pool.
	db.SetMaxIdleConns(0)

	reader := NewCatalogReader(pool, cfg.Schema)
	handle, err := datasource.NewSQLHandle(db, cfg.Engine, reader, opts)
	if err != nil {
		db.Close()
		pool.Close()
		return nil, err
	}
	handle.OnClose(func() error {
		pool.Close()
		return nil
	})
	return handle, nil
}
