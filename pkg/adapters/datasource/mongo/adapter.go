package mongo

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cast"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-query-engine/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/logging"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/models"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/queryset"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/retry"
)

const appName = "ekaya-query-engine"

// buildURI returns the connection string. Extra parameters are passed through
// as URI options; srv=true switches to a mongodb+srv seed list, which cannot
// be tunnelled.
func buildURI(cfg models.ConnectionConfig, endpoint datasource.Endpoint) string {
	params := cfg.ExtraParams()
	srv := cast.ToBool(params.Get("srv")) && !cfg.HasTunnel()
	params.Del("srv")
	if cfg.User != "" && params.Get("authSource") == "" {
		params.Set("authSource", "admin")
	}

	u := url.URL{Scheme: "mongodb", Path: "/" + cfg.Name}
	if srv {
		u.Scheme = "mongodb+srv"
		u.Host = endpoint.Host
	} else {
		u.Host = net.JoinHostPort(endpoint.Host, strconv.Itoa(endpoint.Port))
		if cfg.HasTunnel() && params.Get("directConnection") == "" {
			params.Set("directConnection", "true")
		}
	}
	if cfg.User != "" {
		u.User = url.UserPassword(cfg.User, cfg.Password)
	}
	u.RawQuery = params.Encode()
	return u.String()
}

// Handle is a connected MongoDB client scoped to one database.
type Handle struct {
	client    *mongo.Client
	store     *Store
	reflector *Reflector
}

func (h *Handle) Engine() models.Engine { return models.EngineMongo }

func (h *Handle) Documents() queryset.DocumentStore { return h.store }

func (h *Handle) Reflect(ctx context.Context, req datasource.ReflectRequest) (*models.MappedSchema, error) {
	return h.reflector.Reflect(ctx, req)
}

func (h *Handle) Ping(ctx context.Context) error {
	return h.client.Ping(ctx, readpref.Primary())
}

func (h *Handle) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return h.client.Disconnect(ctx)
}

// Open connects to MongoDB and pings the primary.
func Open(ctx context.Context, cfg models.ConnectionConfig, opts datasource.OpenOptions) (datasource.Handle, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = datasource.DefaultConnectTimeout
	}

	uri := buildURI(cfg, opts.Endpoint)
	clientOpts := options.Client().
		ApplyURI(uri).
		SetAppName(appName).
		SetConnectTimeout(timeout).
		SetServerSelectionTimeout(timeout)
	if opts.PoolSize > 0 {
		clientOpts.SetMaxPoolSize(uint64(opts.PoolSize))
	}

	client, err := mongo.Connect(clientOpts)
	if err != nil {
		logger.Error("Failed to create mongo client",
			zap.String("uri", logging.SanitizeConnectionString(uri)),
			zap.String("error", logging.SanitizeError(err)))
		return nil, fmt.Errorf("connect: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err = retry.DoIfRetryable(pingCtx, retry.DefaultConfig(), func() error {
		return client.Ping(pingCtx, readpref.Primary())
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping: %w", err)
	}

	db := client.Database(cfg.Name)
	return &Handle{
		client:    client,
		store:     NewStore(db),
		reflector: NewReflector(&databaseSampler{db: db}, cfg.Name, opts.Mapper, opts.Reflection, logger),
	}, nil
}

func init() {
	datasource.Register(datasource.AdapterRegistration{
		Info: datasource.AdapterInfo{
			Engine:      models.EngineMongo,
			DisplayName: "MongoDB",
			Description: "Connect to a MongoDB database; fields are inferred by sampling",
			DefaultPort: models.EngineMongo.DefaultPort(),
		},
		Open: Open,
	})
}

var (
	_ datasource.Handle       = (*Handle)(nil)
	_ queryset.DocumentSource = (*Handle)(nil)
)
