package datasource

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/ekaya-inc/ekaya-query-engine/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/config"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/dbtypes"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/logging"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/models"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/queryset"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/schemacache"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/tunnel"
)

const (
	DefaultReapInterval       = 1 * time.Minute
	DefaultPoolSize           = 5
	DefaultPoolOverflow       = 10
	DefaultMaxConcurrentInits = 4
)

// ConnectionManagerConfig holds configuration for the connection manager
type ConnectionManagerConfig struct {
	ConnectTimeout time.Duration
	PoolSize       int
	PoolOverflow   int
	// IdleTTL disposes connections unused for this long. Zero keeps them.
	IdleTTL            time.Duration
	ReapInterval       time.Duration
	MaxConcurrentInits int64
	Reflection         ReflectionOptions
	Tunnel             tunnel.Config
	Query              queryset.Options
}

// OverrideSource supplies relationship overrides per fingerprint.
type OverrideSource interface {
	List(ctx context.Context, fingerprint string, draft bool) ([]*models.RelationshipOverride, error)
}

// ConnectionManagerDeps are the collaborators of the manager. Only Factory is
// required.
type ConnectionManagerDeps struct {
	Factory   HandleFactory
	Cache     *schemacache.Cache
	Overrides OverrideSource
	Mapper    *dbtypes.Mapper
	// Tunnels defaults to SSH port forwarding.
	Tunnels TunnelOpener
}

// Forwarder is a local port forward to a datasource behind a bastion.
type Forwarder interface {
	LocalPort() int
	Status() tunnel.Status
	Close() error
}

// TunnelOpener starts a Forwarder. onFailure fires once if it dies, which
// may happen before the connection using it is ready.
type TunnelOpener func(ctx context.Context, cfg tunnel.Config, logger *zap.Logger, onFailure func(error)) (Forwarder, error)

func openSSHTunnel(ctx context.Context, cfg tunnel.Config, logger *zap.Logger, onFailure func(error)) (Forwarder, error) {
	t, err := tunnel.Open(ctx, cfg, logger, onFailure)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// ConnectionManager owns every Connection, keyed by configuration
// fingerprint. Concurrent Acquire calls for the same fingerprint share a
// single initialization.
type ConnectionManager struct {
	cfg       ConnectionManagerConfig
	factory   HandleFactory
	cache     *schemacache.Cache
	overrides OverrideSource
	mapper    *dbtypes.Mapper
	tunnels   TunnelOpener
	sem       *semaphore.Weighted
	logger    *zap.Logger

	mu      sync.RWMutex
	active  map[string]*Connection
	pending map[string]*PendingConnection
	stopped bool

	ctx      context.Context
	cancel   context.CancelFunc
	reapNow  chan struct{}
	stopChan chan struct{}
	inits    sync.WaitGroup
}

// NewConnectionManager creates a connection manager.
// Starts a background reaper that runs until Close() is called.
func NewConnectionManager(cfg ConnectionManagerConfig, deps ConnectionManagerDeps, logger *zap.Logger) *ConnectionManager {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.PoolOverflow < 0 {
		cfg.PoolOverflow = 0
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = DefaultReapInterval
	}
	if cfg.MaxConcurrentInits <= 0 {
		cfg.MaxConcurrentInits = DefaultMaxConcurrentInits
	}
	if cfg.Reflection.MaxDocuments <= 0 {
		cfg.Reflection.MaxDocuments = DefaultMaxDocuments
	}
	if cfg.Reflection.BatchSize <= 0 {
		cfg.Reflection.BatchSize = DefaultBatchSize
	}
	if cfg.Query.CountThreshold <= 0 {
		cfg.Query.CountThreshold = queryset.DefaultCountThreshold
	}
	if deps.Factory == nil {
		deps.Factory = NewHandleFactory()
	}
	if deps.Mapper == nil {
		deps.Mapper = dbtypes.NewMapper(logger)
	}
	if deps.Tunnels == nil {
		deps.Tunnels = openSSHTunnel
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &ConnectionManager{
		cfg:       cfg,
		factory:   deps.Factory,
		cache:     deps.Cache,
		overrides: deps.Overrides,
		mapper:    deps.Mapper,
		tunnels:   deps.Tunnels,
		sem:       semaphore.NewWeighted(cfg.MaxConcurrentInits),
		logger:    logger.Named("connection-manager"),
		active:    make(map[string]*Connection),
		pending:   make(map[string]*PendingConnection),
		ctx:       ctx,
		cancel:    cancel,
		reapNow:   make(chan struct{}, 1),
		stopChan:  make(chan struct{}),
	}
	if m.cache == nil {
		m.cache = schemacache.New(noopStore{}, logger)
	}

	go m.reapLoop()
	return m
}

// Acquire returns the Connection for cfg, initializing it when needed.
func (m *ConnectionManager) Acquire(ctx context.Context, cfg models.ConnectionConfig) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, apperrors.NewValidationError("config", "%s", err.Error())
	}
	fingerprint := cfg.Fingerprint()

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil, fmt.Errorf("connection manager closed: %w", apperrors.ErrConnectionFailed)
	}

	if conn, ok := m.active[fingerprint]; ok {
		if conn.Usable() {
			conn.touch()
			m.mu.Unlock()
			return conn, nil
		}
		delete(m.active, fingerprint)
		go m.teardown(conn)
	}

	pending, ok := m.pending[fingerprint]
	if !ok {
		pending = newPendingConnection(fingerprint, cfg)
		m.pending[fingerprint] = pending
		m.inits.Add(1)
		go m.initialize(pending)
	}
	m.mu.Unlock()

	return pending.Wait(ctx)
}

// initialize runs on the manager's context so that a waiter giving up does
// not abort the work for the others.
func (m *ConnectionManager) initialize(p *PendingConnection) {
	defer m.inits.Done()

	var conn *Connection
	err := m.sem.Acquire(m.ctx, 1)
	if err == nil {
		conn, err = m.connect(m.ctx, p)
		m.sem.Release(1)
	}

	m.mu.Lock()
	delete(m.pending, p.fingerprint)
	if err == nil && m.stopped {
		err = fmt.Errorf("connection manager closed: %w", apperrors.ErrConnectionFailed)
		go m.teardown(conn)
		conn = nil
	}
	if err == nil {
		m.active[p.fingerprint] = conn
	}
	p.conn, p.err = conn, err
	close(p.done)
	m.mu.Unlock()
}

func (m *ConnectionManager) connect(ctx context.Context, p *PendingConnection) (*Connection, error) {
	cfg := p.config
	logger := m.logger.With(
		zap.String("engine", string(cfg.Engine)),
		zap.String("target", cfg.Target()),
		zap.String("fingerprint", p.fingerprint[:12]))

	var memBefore runtime.MemStats
	runtime.ReadMemStats(&memBefore)
	start := time.Now()

	conn := &Connection{
		fingerprint: p.fingerprint,
		config:      cfg,
		manager:     m,
		logger:      logger,
		createdAt:   start,
	}
	fail := func(err error) (*Connection, error) {
		conn.close()
		var connErr *apperrors.ConnectionError
		if errors.As(err, &connErr) {
			return nil, err
		}
		return nil, &apperrors.ConnectionError{Engine: string(cfg.Engine), Target: cfg.Target(), Err: err}
	}

	endpoint := Endpoint{Host: config.ResolveHostForDocker(cfg.Host), Port: cfg.EffectivePort()}
	if cfg.HasTunnel() {
		tcfg := m.cfg.Tunnel
		tcfg.SSHHost = config.ResolveHostForDocker(cfg.SSHHost)
		tcfg.SSHPort = cfg.EffectiveSSHPort()
		tcfg.SSHUser = cfg.SSHUser
		tcfg.PrivateKey = cfg.SSHPrivateKey
		tcfg.RemoteHost = cfg.Host
		tcfg.RemotePort = cfg.EffectivePort()

		tun, err := m.tunnels(ctx, tcfg, logger, func(err error) { m.markUnusable(conn, err) })
		if err != nil {
			return fail(err)
		}
		conn.tunnel = tun
		endpoint = Endpoint{Host: "127.0.0.1", Port: tun.LocalPort()}
	}

	openCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	handle, err := m.factory.Open(openCtx, cfg, OpenOptions{
		Endpoint:       endpoint,
		PoolSize:       cfg.PoolSize(m.cfg.PoolSize, m.cfg.PoolOverflow),
		ConnectTimeout: m.cfg.ConnectTimeout,
		Mapper:         m.mapper,
		Reflection:     m.cfg.Reflection,
		Logger:         logger,
	})
	cancel()
	if err != nil {
		logger.Error("Failed to open connection", zap.String("error", logging.SanitizeError(err)))
		return fail(err)
	}
	conn.handle = handle
	conn.connectTime = time.Since(start)

	reflectStart := time.Now()
	schema, hit := m.cache.Load(ctx, cfg)
	if !hit {
		schema, err = handle.Reflect(ctx, ReflectRequest{Config: cfg, Progress: &p.progress})
		if err != nil {
			logger.Error("Failed to reflect schema", zap.String("error", logging.SanitizeError(err)))
			return fail(err)
		}
		m.cache.Dump(ctx, cfg, schema)
	}
	conn.fromCache = hit
	conn.reflectTime = time.Since(reflectStart)

	m.publish(ctx, conn, schema)

	var memAfter runtime.MemStats
	runtime.ReadMemStats(&memAfter)
	conn.memoryDelta = int64(memAfter.HeapAlloc) - int64(memBefore.HeapAlloc)

	conn.usable.Store(true)
	if conn.failed.Load() {
		logger.Error("Tunnel failed before the connection was ready")
		return fail(fmt.Errorf("tunnel failed during initialization: %w", apperrors.ErrConnectionUnusable))
	}
	conn.touch()

	logger.Info("Connection ready",
		zap.Int("tables", len(schema.Tables)),
		zap.Int("skipped", len(schema.Skipped)),
		zap.Bool("from_cache", hit),
		zap.Bool("tunnel", conn.tunnel != nil),
		zap.Duration("connect", conn.connectTime),
		zap.Duration("reflect", conn.reflectTime),
		zap.Int64("memory_delta_bytes", conn.memoryDelta))
	return conn, nil
}

// publish applies relationship overrides and swaps in the new schemas.
func (m *ConnectionManager) publish(ctx context.Context, c *Connection, base *models.MappedSchema) {
	live, draft := base, base
	if m.overrides != nil {
		if overrides, err := m.overrides.List(ctx, c.fingerprint, false); err != nil {
			c.logger.Warn("Failed to load relationship overrides", zap.String("error", logging.SanitizeError(err)))
		} else {
			live = base.WithOverrides(overrides)
		}
		draft = live
		if overrides, err := m.overrides.List(ctx, c.fingerprint, true); err != nil {
			c.logger.Warn("Failed to load draft overrides", zap.String("error", logging.SanitizeError(err)))
		} else {
			draft = live.WithOverrides(overrides)
		}
	}

	c.base.Store(base)
	c.live.Store(live)
	c.draft.Store(draft)
}

// RefreshOverrides republishes the schemas of an active connection after its
// relationship overrides changed.
func (m *ConnectionManager) RefreshOverrides(ctx context.Context, fingerprint string) error {
	conn, ok := m.Get(fingerprint)
	if !ok {
		return fmt.Errorf("connection %s: %w", fingerprint, apperrors.ErrNotFound)
	}
	conn.reflectMu.Lock()
	defer conn.reflectMu.Unlock()
	m.publish(ctx, conn, conn.base.Load())
	return nil
}

// Check pings an active connection's native handle. A failed ping marks the
// connection unusable so the reaper replaces it on the next acquire.
func (m *ConnectionManager) Check(ctx context.Context, fingerprint string) error {
	conn, ok := m.Get(fingerprint)
	if !ok {
		return fmt.Errorf("connection %s: %w", fingerprint, apperrors.ErrNotFound)
	}
	if !conn.Usable() {
		return fmt.Errorf("connection %s: %w", fingerprint, apperrors.ErrConnectionUnusable)
	}
	pingCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()
	if err := conn.handle.Ping(pingCtx); err != nil {
		m.markUnusable(conn, err)
		return &apperrors.ConnectionError{Engine: string(conn.config.Engine), Target: conn.config.Target(), Err: err}
	}
	conn.touch()
	return nil
}

// Get returns an active connection without initializing one.
func (m *ConnectionManager) Get(fingerprint string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.active[fingerprint]
	return conn, ok
}

// Dispose closes and forgets the connection with the given fingerprint. A
// pending initialization is awaited first.
func (m *ConnectionManager) Dispose(ctx context.Context, fingerprint string) error {
	m.mu.Lock()
	pending, isPending := m.pending[fingerprint]
	m.mu.Unlock()
	if isPending {
		if _, err := pending.Wait(ctx); err != nil && ctx.Err() != nil {
			return err
		}
	}

	m.mu.Lock()
	conn, ok := m.active[fingerprint]
	if ok {
		delete(m.active, fingerprint)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("connection %s: %w", fingerprint, apperrors.ErrNotFound)
	}
	m.logger.Info("Disposing connection",
		zap.String("engine", string(conn.config.Engine)),
		zap.String("target", conn.config.Target()))
	return conn.close()
}

// Reload drops the cached schema and the active connection for cfg, then
// acquires it again.
func (m *ConnectionManager) Reload(ctx context.Context, cfg models.ConnectionConfig) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, apperrors.NewValidationError("config", "%s", err.Error())
	}
	_ = m.cache.Invalidate(ctx, cfg)
	if err := m.Dispose(ctx, cfg.Fingerprint()); err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		m.logger.Warn("Failed to dispose connection during reload", zap.String("error", logging.SanitizeError(err)))
	}
	return m.Acquire(ctx, cfg)
}

// ManagerStatus is a snapshot of the registry.
type ManagerStatus struct {
	Active  []ConnectionStatus `json:"active"`
	Pending []PendingStatus    `json:"pending"`
}

// Status returns active and pending records sorted by name.
func (m *ConnectionManager) Status() ManagerStatus {
	m.mu.RLock()
	status := ManagerStatus{
		Active:  make([]ConnectionStatus, 0, len(m.active)),
		Pending: make([]PendingStatus, 0, len(m.pending)),
	}
	for _, c := range m.active {
		status.Active = append(status.Active, c.Status())
	}
	for _, p := range m.pending {
		status.Pending = append(status.Pending, p.Status())
	}
	m.mu.RUnlock()

	sort.Slice(status.Active, func(i, j int) bool { return status.Active[i].Name < status.Active[j].Name })
	sort.Slice(status.Pending, func(i, j int) bool { return status.Pending[i].Name < status.Pending[j].Name })
	return status
}

// ListAdapters returns the engines the factory can open.
func (m *ConnectionManager) ListAdapters() []AdapterInfo {
	return m.factory.ListAdapters()
}

func (m *ConnectionManager) queryOptions() queryset.Options {
	return m.cfg.Query
}

// markUnusable records the failure even before the connection is ready;
// connect checks failed after setting usable.
func (m *ConnectionManager) markUnusable(c *Connection, err error) {
	c.failed.Store(true)
	if !c.usable.Swap(false) {
		return
	}
	c.logger.Warn("Connection marked unusable", zap.String("error", logging.SanitizeError(err)))
	select {
	case m.reapNow <- struct{}{}:
	default:
	}
}

func (m *ConnectionManager) teardown(c *Connection) {
	if err := c.close(); err != nil {
		c.logger.Warn("Error closing connection", zap.String("error", logging.SanitizeError(err)))
	}
}

// reapLoop removes unusable and idle connections until Close is called.
func (m *ConnectionManager) reapLoop() {
	ticker := time.NewTicker(m.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-m.reapNow:
		case <-m.stopChan:
			return
		}
		m.reap()
	}
}

func (m *ConnectionManager) reap() {
	now := time.Now()
	var expired []*Connection

	m.mu.Lock()
	for fp, c := range m.active {
		idle := m.cfg.IdleTTL > 0 && now.Sub(c.LastUsed()) > m.cfg.IdleTTL
		if !c.Usable() || idle {
			expired = append(expired, c)
			delete(m.active, fp)
		}
	}
	remaining := len(m.active)
	m.mu.Unlock()

	for _, c := range expired {
		m.teardown(c)
	}
	if len(expired) > 0 {
		m.logger.Info("Reaped connections",
			zap.Int("count", len(expired)),
			zap.Int("remaining", remaining))
	}
}

// Close closes all connections and stops the reaper.
// This method is idempotent and safe to call multiple times.
func (m *ConnectionManager) Close() error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	close(m.stopChan)
	m.cancel()

	conns := make([]*Connection, 0, len(m.active))
	for _, c := range m.active {
		conns = append(conns, c)
	}
	m.active = make(map[string]*Connection)
	m.mu.Unlock()

	m.inits.Wait()

	var g errgroup.Group
	for _, c := range conns {
		g.Go(c.close)
	}
	err := g.Wait()
	m.logger.Info("Connection manager closed", zap.Int("closed", len(conns)))
	return err
}

// noopStore is the cache store used when caching is disabled.
type noopStore struct{}

func (noopStore) Get(context.Context, string) ([]byte, error) { return nil, apperrors.ErrNotFound }
func (noopStore) Put(context.Context, string, []byte) error    { return nil }
func (noopStore) Delete(context.Context, string) error         { return nil }
