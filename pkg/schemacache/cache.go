package schemacache

import (
	"context"
	"errors"
	"time"

	"github.com/gosimple/slug"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-query-engine/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/logging"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/models"
)

const (
	dumpExt       = ".dump"
	slugBaseLimit = 50
)

// Cache stores reflected schemas keyed by connection fingerprint and table
// filters. Failures never propagate to callers: a failed write is logged and a
// missing or unreadable entry is a miss.
type Cache struct {
	store  Store
	logger *zap.Logger
}

func New(store Store, logger *zap.Logger) *Cache {
	return &Cache{
		store:  store,
		logger: logger.Named("schema-cache"),
	}
}

// Path is the dump name for cfg: a readable slug of the short name followed by
// the fingerprint and the first 8 hex digits of the params hash.
func Path(cfg models.ConnectionConfig) string {
	name := slug.Make(cfg.ShortName())
	if limit := slugBaseLimit + len(cfg.Engine); len(name) > limit {
		name = name[:limit]
	}
	return name + "_" + cfg.Fingerprint() + "_" + cfg.ParamsHash()[:8] + dumpExt
}

func (c *Cache) Path(cfg models.ConnectionConfig) string {
	return Path(cfg)
}

// Dump writes schema for cfg. Errors are logged.
func (c *Cache) Dump(ctx context.Context, cfg models.ConnectionConfig, schema *models.MappedSchema) {
	start := time.Now()
	name := Path(cfg)

	data, err := Encode(schema)
	if err != nil {
		c.logger.Error("Failed to encode schema",
			zap.String("entry", name),
			zap.String("error", logging.SanitizeError(err)))
		return
	}
	if err := c.store.Put(ctx, name, data); err != nil {
		c.logger.Error("Failed to write schema cache",
			zap.String("entry", name),
			zap.String("error", logging.SanitizeError(err)))
		return
	}

	c.logger.Info("Schema cached",
		zap.String("entry", name),
		zap.Int("tables", len(schema.Tables)),
		zap.Int("bytes", len(data)),
		zap.Duration("elapsed", time.Since(start)))
}

// Load returns the cached schema for cfg, or false on a miss.
func (c *Cache) Load(ctx context.Context, cfg models.ConnectionConfig) (*models.MappedSchema, bool) {
	name := Path(cfg)

	data, err := c.store.Get(ctx, name)
	if errors.Is(err, apperrors.ErrNotFound) {
		c.logger.Debug("Schema cache miss", zap.String("entry", name))
		return nil, false
	}
	if err != nil {
		c.logger.Warn("Failed to read schema cache",
			zap.String("entry", name),
			zap.String("error", logging.SanitizeError(err)))
		return nil, false
	}

	schema, err := Decode(data)
	if err != nil {
		c.logger.Warn("Discarding corrupt schema cache",
			zap.String("entry", name),
			zap.Error(err))
		return nil, false
	}

	c.logger.Debug("Schema cache hit",
		zap.String("entry", name),
		zap.Int("tables", len(schema.Tables)))
	return schema, true
}

// Invalidate removes the entry for cfg.
func (c *Cache) Invalidate(ctx context.Context, cfg models.ConnectionConfig) error {
	name := Path(cfg)
	if err := c.store.Delete(ctx, name); err != nil {
		c.logger.Warn("Failed to invalidate schema cache",
			zap.String("entry", name),
			zap.String("error", logging.SanitizeError(err)))
		return err
	}
	c.logger.Info("Schema cache invalidated", zap.String("entry", name))
	return nil
}
