package mongo

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-query-engine/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/dbtypes"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/logging"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/models"
)

const idField = "_id"

// sampler lists collections and streams documents in batches.
type sampler interface {
	Collections(ctx context.Context) ([]string, error)
	Sample(ctx context.Context, collection string, limit int64, batchSize int32, fn func(batch []bson.M) error) error
}

type databaseSampler struct {
	db *mongo.Database
}

func (s *databaseSampler) Collections(ctx context.Context) ([]string, error) {
	return s.db.ListCollectionNames(ctx, bson.D{{Key: "type", Value: "collection"}})
}

func (s *databaseSampler) Sample(ctx context.Context, collection string, limit int64, batchSize int32, fn func([]bson.M) error) error {
	opts := options.Find().SetLimit(limit).SetBatchSize(batchSize)
	cursor, err := s.db.Collection(collection).Find(ctx, bson.D{}, opts)
	if err != nil {
		return err
	}
	defer cursor.Close(ctx)

	batch := make([]bson.M, 0, batchSize)
	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return err
		}
		batch = append(batch, doc)
		if len(batch) == int(batchSize) {
			if err := fn(batch); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := cursor.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		return fn(batch)
	}
	return nil
}

// Reflector infers collection fields from sampled documents.
type Reflector struct {
	sampler  sampler
	database string
	mapper   *dbtypes.Mapper
	opts     datasource.ReflectionOptions
	logger   *zap.Logger
}

func NewReflector(s sampler, database string, mapper *dbtypes.Mapper, opts datasource.ReflectionOptions, logger *zap.Logger) *Reflector {
	if mapper == nil {
		mapper = dbtypes.NewMapper(logger)
	}
	defaults := datasource.DefaultReflectionOptions()
	if opts.MaxDocuments <= 0 {
		opts.MaxDocuments = defaults.MaxDocuments
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaults.BatchSize
	}
	return &Reflector{
		sampler:  s,
		database: database,
		mapper:   mapper,
		opts:     opts,
		logger:   logger.Named("reflector").With(zap.String("engine", string(models.EngineMongo))),
	}
}

func (r *Reflector) Reflect(ctx context.Context, req datasource.ReflectRequest) (*models.MappedSchema, error) {
	start := time.Now()

	names, err := r.sampler.Collections(ctx)
	if err != nil {
		r.logger.Error("Failed to list collections", zap.String("error", logging.SanitizeError(err)))
		return nil, fmt.Errorf("list collections: %w", err)
	}
	sort.Strings(names)

	schema := models.NewMappedSchema()
	var todo []string
	for _, name := range names {
		if strings.HasPrefix(name, "system.") || !req.Config.IncludesTable(name) {
			continue
		}
		if prev, ok := req.Previous.Table(name); ok && !req.Force {
			schema.Tables[name] = prev.Clone()
			continue
		}
		todo = append(todo, name)
	}
	req.Progress.SetTotal(len(todo))

	for _, name := range todo {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		table, err := r.reflectCollection(ctx, name)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			tableErr := &apperrors.TableError{Table: name, Err: err}
			r.logger.Warn("Skipping collection",
				zap.String("collection", name),
				zap.String("error", logging.SanitizeError(err)))
			schema.Skipped[name] = tableErr.Error()
		} else {
			schema.Tables[name] = table
		}
		req.Progress.Advance()
	}

	r.logger.Info("Schema reflected",
		zap.Int("collections", len(schema.Tables)),
		zap.Int("skipped", len(schema.Skipped)),
		zap.Duration("elapsed", time.Since(start)))
	return schema, nil
}

// fieldStats accumulates what was observed for one field.
type fieldStats struct {
	order    int
	types    map[string]bool
	seen     int64
	hasNulls bool
}

func (r *Reflector) reflectCollection(ctx context.Context, name string) (*models.Table, error) {
	fields := make(map[string]*fieldStats)
	var docs int64

	err := r.sampler.Sample(ctx, name, r.opts.MaxDocuments, r.opts.BatchSize, func(batch []bson.M) error {
		for _, doc := range batch {
			docs++
			for key, value := range doc {
				stats, ok := fields[key]
				if !ok {
					stats = &fieldStats{order: len(fields), types: make(map[string]bool)}
					fields[key] = stats
				}
				stats.seen++
				if value == nil {
					stats.hasNulls = true
					continue
				}
				stats.types[bsonKind(value)] = true
			}
		}
		runtime.Gosched()
		return ctx.Err()
	})
	if err != nil {
		return nil, err
	}

	table := &models.Table{
		Name:       name,
		Schema:     r.database,
		Backend:    models.BackendDocument,
		PrimaryKey: []string{idField},
	}
	table.Columns = append(table.Columns, r.column(name, idField, fields[idField], docs))
	for _, key := range orderedKeys(fields) {
		if key == idField {
			continue
		}
		table.Columns = append(table.Columns, r.column(name, key, fields[key], docs))
	}
	return table, nil
}

func orderedKeys(fields map[string]*fieldStats) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return fields[keys[i]].order < fields[keys[j]].order })
	return keys
}

func (r *Reflector) column(collection, name string, stats *fieldStats, docs int64) *models.Column {
	col := &models.Column{Name: name}
	if name == idField {
		col.PrimaryKey = true
	}
	if stats == nil {
		// Empty collections still expose an ObjectID key.
		stats = &fieldStats{types: map[string]bool{"objectid": true}}
	}
	col.Nullable = name != idField && (stats.hasNulls || stats.seen < docs)

	observed := make([]string, 0, len(stats.types))
	for kind := range stats.types {
		observed = append(observed, kind)
	}
	sort.Strings(observed)

	switch len(observed) {
	case 0:
		col.Type = dbtypes.Char
		col.NativeType = "null"
	case 1:
		col.NativeType = observed[0]
		col.Type = r.mapper.ToCanonical(string(models.EngineMongo), observed[0])
		if observed[0] == "objectid" {
			col.Params.Subtype = "object_id"
		}
	default:
		col.Type = dbtypes.JSON
		col.NativeType = "mixed"
		col.Params.Mixed = true
		col.Params.ObservedTypes = observed
		r.logger.Info("Field has mixed types, using json",
			zap.String("collection", collection),
			zap.String("field", name),
			zap.Strings("observed", observed))
	}
	return col
}

// bsonKind names a decoded BSON value with a native type the mapper knows.
func bsonKind(v any) string {
	switch v.(type) {
	case int32, int64, int:
		return "int64"
	case string:
		return "string"
	case float64, float32:
		return "double"
	case bson.Decimal128:
		return "decimal"
	case bool:
		return "bool"
	case bson.DateTime, time.Time:
		return "datetime"
	case bson.D, bson.M, map[string]any:
		return "object"
	case bson.A, []any:
		return "array"
	case bson.ObjectID:
		return "objectid"
	}
	return "text"
}
