package datasource

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-query-engine/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/models"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/queryset"
)

// Connection is an initialized database: a native handle, an optional SSH
// tunnel and the published schema. There is at most one per fingerprint.
// Published schemas are replaced wholesale, never mutated.
type Connection struct {
	fingerprint string
	config      models.ConnectionConfig
	manager     *ConnectionManager
	logger      *zap.Logger

	handle Handle
	tunnel Forwarder

	base  atomic.Pointer[models.MappedSchema]
	live  atomic.Pointer[models.MappedSchema]
	draft atomic.Pointer[models.MappedSchema]

	usable   atomic.Bool
	failed   atomic.Bool
	lastUsed atomic.Int64

	createdAt   time.Time
	connectTime time.Duration
	reflectTime time.Duration
	memoryDelta int64
	fromCache   bool

	reflectMu sync.Mutex
	closeOnce sync.Once
}

func (c *Connection) Fingerprint() string { return c.fingerprint }

func (c *Connection) Config() models.ConnectionConfig { return c.config }

func (c *Connection) Engine() models.Engine { return c.config.Engine }

// Handle returns the native handle.
func (c *Connection) Handle() Handle { return c.handle }

// Schema returns the live schema with published relationship overrides.
func (c *Connection) Schema() *models.MappedSchema { return c.live.Load() }

// DraftSchema returns the live schema with draft overrides applied on top.
func (c *Connection) DraftSchema() *models.MappedSchema { return c.draft.Load() }

// Usable is false once the tunnel has failed or the connection was disposed.
func (c *Connection) Usable() bool { return c.usable.Load() }

// LastUsed reports when the connection was last acquired or queried.
func (c *Connection) LastUsed() time.Time {
	return time.Unix(0, c.lastUsed.Load())
}

func (c *Connection) touch() {
	c.lastUsed.Store(time.Now().UnixNano())
}

// Queryset returns a queryset over a table of the live schema.
func (c *Connection) Queryset(table string) (queryset.Queryset, error) {
	return c.queryset(c.Schema(), table)
}

// DraftQueryset is Queryset over the draft schema.
func (c *Connection) DraftQueryset(table string) (queryset.Queryset, error) {
	return c.queryset(c.DraftSchema(), table)
}

func (c *Connection) queryset(schema *models.MappedSchema, name string) (queryset.Queryset, error) {
	if !c.Usable() {
		return nil, fmt.Errorf("%s: %w", c.config.Target(), apperrors.ErrConnectionUnusable)
	}
	t, ok := schema.Table(name)
	if !ok {
		return nil, fmt.Errorf("table %q: %w", name, apperrors.ErrNotFound)
	}
	c.touch()

	opts := c.manager.queryOptions()
	opts.Logger = c.logger
	return queryset.New(c.handle, t, opts)
}

// ReflectMissing reflects tables that the table filters allow but that are
// absent from the published schema, then republishes. It returns the number
// of tables added.
func (c *Connection) ReflectMissing(ctx context.Context) (int, error) {
	c.reflectMu.Lock()
	defer c.reflectMu.Unlock()

	if !c.Usable() {
		return 0, fmt.Errorf("%s: %w", c.config.Target(), apperrors.ErrConnectionUnusable)
	}

	base := c.base.Load()
	next, err := c.handle.Reflect(ctx, ReflectRequest{Config: c.config, Previous: base})
	if err != nil {
		return 0, err
	}

	added := len(next.Tables) - len(base.Tables)
	c.manager.cache.Dump(ctx, c.config, next)
	c.manager.publish(ctx, c, next)

	c.logger.Info("Reflected missing tables", zap.Int("added", added))
	return added, nil
}

func (c *Connection) close() error {
	var err error
	c.closeOnce.Do(func() {
		c.usable.Store(false)
		if c.handle != nil {
			err = c.handle.Close()
		}
		if c.tunnel != nil {
			err = errors.Join(err, c.tunnel.Close())
		}
		c.logger.Info("Connection closed")
	})
	return err
}

// ConnectionStatus is a snapshot of an active connection.
type ConnectionStatus struct {
	Fingerprint      string        `json:"fingerprint"`
	Engine           models.Engine `json:"engine"`
	Name             string        `json:"name"`
	Target           string        `json:"target"`
	Usable           bool          `json:"usable"`
	Tables           int           `json:"tables"`
	Skipped          int           `json:"skipped"`
	FromCache        bool          `json:"from_cache"`
	Tunnel           string        `json:"tunnel,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	LastUsed         time.Time     `json:"last_used"`
	ConnectMillis    int64         `json:"connect_ms"`
	ReflectMillis    int64         `json:"reflect_ms"`
	MemoryDeltaBytes int64         `json:"memory_delta_bytes"`
}

func (c *Connection) Status() ConnectionStatus {
	s := ConnectionStatus{
		Fingerprint:      c.fingerprint,
		Engine:           c.config.Engine,
		Name:             c.config.Name,
		Target:           c.config.Target(),
		Usable:           c.Usable(),
		FromCache:        c.fromCache,
		CreatedAt:        c.createdAt,
		LastUsed:         c.LastUsed(),
		ConnectMillis:    c.connectTime.Milliseconds(),
		ReflectMillis:    c.reflectTime.Milliseconds(),
		MemoryDeltaBytes: c.memoryDelta,
	}
	if schema := c.Schema(); schema != nil {
		s.Tables = len(schema.Tables)
		s.Skipped = len(schema.Skipped)
	}
	if c.tunnel != nil {
		s.Tunnel = string(c.tunnel.Status())
	}
	return s
}

// PendingConnection tracks an initialization in progress. Concurrent
// acquirers of the same fingerprint wait on it.
type PendingConnection struct {
	fingerprint string
	config      models.ConnectionConfig
	startedAt   time.Time
	progress    Progress

	done chan struct{}
	conn *Connection
	err  error
}

func newPendingConnection(fingerprint string, cfg models.ConnectionConfig) *PendingConnection {
	return &PendingConnection{
		fingerprint: fingerprint,
		config:      cfg,
		startedAt:   time.Now(),
		done:        make(chan struct{}),
	}
}

// Wait blocks until initialization finishes or ctx is done. Cancelling ctx
// does not abort the initialization for other waiters.
func (p *PendingConnection) Wait(ctx context.Context) (*Connection, error) {
	select {
	case <-p.done:
		return p.conn, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PendingStatus is a snapshot of a pending initialization.
type PendingStatus struct {
	Fingerprint     string        `json:"fingerprint"`
	Engine          models.Engine `json:"engine"`
	Name            string        `json:"name"`
	StartedAt       time.Time     `json:"started_at"`
	TablesProcessed int64         `json:"tables_processed"`
	TablesTotal     int64         `json:"tables_total"`
}

func (p *PendingConnection) Status() PendingStatus {
	processed, total := p.progress.Snapshot()
	return PendingStatus{
		Fingerprint:     p.fingerprint,
		Engine:          p.config.Engine,
		Name:            p.config.Name,
		StartedAt:       p.startedAt,
		TablesProcessed: processed,
		TablesTotal:     total,
	}
}
