package datasource

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-query-engine/pkg/dbtypes"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/models"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/queryset"
)

// Handle is an open native connection to one database. Relational handles
// also implement queryset.SQLSource; document handles implement
// queryset.DocumentSource.
type Handle interface {
	PoolConnector
	queryset.Source
	Reflector
}

// Reflector discovers the schema behind a handle.
type Reflector interface {
	Reflect(ctx context.Context, req ReflectRequest) (*models.MappedSchema, error)
}

// CatalogReader reads one engine's system catalog. RelationalReflector turns
// its output into canonical tables.
type CatalogReader interface {
	ListTables(ctx context.Context, includeViews bool) ([]TableMetadata, error)
	DescribeTable(ctx context.Context, table TableMetadata) (*TableDescription, error)
}

// ReflectRequest scopes one reflection run.
type ReflectRequest struct {
	Config models.ConnectionConfig
	// Previous tables are kept as-is unless Force is set.
	Previous *models.MappedSchema
	Force    bool
	Progress *Progress
}

// ReflectionOptions tune schema discovery.
type ReflectionOptions struct {
	IncludeViews bool
	// MaxDocuments and BatchSize bound document sampling per collection.
	MaxDocuments int64
	BatchSize    int32
	// SkipKeylessTables drops tables without a primary key instead of
	// promoting their first column to a synthetic key.
	SkipKeylessTables bool
}

// Document sampling defaults.
const (
	DefaultMaxDocuments int64 = 1000
	DefaultBatchSize    int32 = 100
)

// DefaultReflectionOptions returns the defaults used when nothing is configured.
func DefaultReflectionOptions() ReflectionOptions {
	return ReflectionOptions{
		MaxDocuments: DefaultMaxDocuments,
		BatchSize:    DefaultBatchSize,
	}
}

// Endpoint is where the native driver should connect. With an SSH tunnel it
// points at the local forwarded port.
type Endpoint struct {
	Host string
	Port int
}

// OpenOptions carries everything an adapter needs to open a handle.
type OpenOptions struct {
	Endpoint       Endpoint
	PoolSize       int
	ConnectTimeout time.Duration
	Mapper         *dbtypes.Mapper
	Reflection     ReflectionOptions
	Logger         *zap.Logger
}

// Progress counts reflected tables. It is read without locks while a
// reflection runs.
type Progress struct {
	processed atomic.Int64
	total     atomic.Int64
}

func (p *Progress) SetTotal(n int) {
	if p != nil {
		p.total.Store(int64(n))
	}
}

func (p *Progress) Advance() {
	if p != nil {
		p.processed.Add(1)
	}
}

// Snapshot returns processed and total counts.
func (p *Progress) Snapshot() (processed, total int64) {
	if p == nil {
		return 0, 0
	}
	return p.processed.Load(), p.total.Load()
}
