package datasource

import (
	"context"
	"database/sql"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-query-engine/pkg/models"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/queryset"
)

// SQLHandle wraps a *sql.DB to implement Handle and queryset.SQLSource.
type SQLHandle struct {
	db        *sql.DB
	engine    models.Engine
	runner    queryset.SQLRunner
	reflector Reflector
	closers   []func() error
}

// NewSQLHandle wires a pool, its catalog reader and the engine dialect.
func NewSQLHandle(db *sql.DB, engine models.Engine, reader CatalogReader, opts OpenOptions) (*SQLHandle, error) {
	d, err := queryset.DialectFor(engine)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLHandle{
		db:        db,
		engine:    engine,
		runner:    queryset.NewDBRunner(db, d, logger),
		reflector: NewRelationalReflector(reader, engine, opts.Mapper, opts.Reflection, logger),
	}, nil
}

// OnClose registers cleanup that runs after the pool is closed.
func (h *SQLHandle) OnClose(fn func() error) {
	h.closers = append(h.closers, fn)
}

// Ping verifies the connection is alive
func (h *SQLHandle) Ping(ctx context.Context) error {
	return h.db.PingContext(ctx)
}

// Close closes all connections in the pool
func (h *SQLHandle) Close() error {
	err := h.db.Close()
	for _, fn := range h.closers {
		if cerr := fn(); err == nil {
			err = cerr
		}
	}
	return err
}

func (h *SQLHandle) Engine() models.Engine { return h.engine }

func (h *SQLHandle) Runner() queryset.SQLRunner { return h.runner }

func (h *SQLHandle) Reflect(ctx context.Context, req ReflectRequest) (*models.MappedSchema, error) {
	return h.reflector.Reflect(ctx, req)
}

// DB returns the underlying *sql.DB
func (h *SQLHandle) DB() *sql.DB {
	return h.db
}

var (
	_ Handle             = (*SQLHandle)(nil)
	_ queryset.SQLSource = (*SQLHandle)(nil)
)
