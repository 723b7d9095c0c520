package datasource

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-query-engine/pkg/logging"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/retry"
)

// DefaultConnectTimeout bounds opening and pinging a native pool.
const DefaultConnectTimeout = 15 * time.Second

// OpenSQLDB opens a database/sql pool for a registered driver name and
// verifies it with a ping.
func OpenSQLDB(ctx context.Context, driverName, dsn string, opts OpenOptions) (*sql.DB, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driverName, err)
	}
	if err := PrepareSQLDB(ctx, db, opts); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// OpenSQLConnector is OpenSQLDB for drivers configured through a Connector.
func OpenSQLConnector(ctx context.Context, connector driver.Connector, opts OpenOptions) (*sql.DB, error) {
	db := sql.OpenDB(connector)
	if err := PrepareSQLDB(ctx, db, opts); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// PrepareSQLDB applies pool sizing and pings with a short retry window to ride
// out listeners that are still binding.
func PrepareSQLDB(ctx context.Context, db *sql.DB, opts OpenOptions) error {
	if opts.PoolSize > 0 {
		db.SetMaxOpenConns(opts.PoolSize)
		db.SetMaxIdleConns(opts.PoolSize)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)

	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := retry.DoIfRetryable(pingCtx, retry.DefaultConfig(), func() error {
		return db.PingContext(pingCtx)
	})
	if err != nil {
		if opts.Logger != nil {
			opts.Logger.Warn("Ping failed", zap.String("error", logging.SanitizeError(err)))
		}
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}
