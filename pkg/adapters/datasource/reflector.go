package datasource

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-query-engine/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/dbtypes"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/logging"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/models"
)

// RelationalReflector builds a MappedSchema from a CatalogReader. A table that
// fails to describe is recorded in the schema's skip list and reflection
// continues.
type RelationalReflector struct {
	reader CatalogReader
	engine models.Engine
	mapper *dbtypes.Mapper
	opts   ReflectionOptions
	logger *zap.Logger
}

func NewRelationalReflector(reader CatalogReader, engine models.Engine, mapper *dbtypes.Mapper, opts ReflectionOptions, logger *zap.Logger) *RelationalReflector {
	if mapper == nil {
		mapper = dbtypes.NewMapper(logger)
	}
	return &RelationalReflector{
		reader: reader,
		engine: engine,
		mapper: mapper,
		opts:   opts,
		logger: logger.Named("reflector").With(zap.String("engine", string(engine))),
	}
}

func (r *RelationalReflector) Reflect(ctx context.Context, req ReflectRequest) (*models.MappedSchema, error) {
	start := time.Now()

	listed, err := r.reader.ListTables(ctx, r.opts.IncludeViews)
	if err != nil {
		r.logger.Error("Failed to list tables", zap.String("error", logging.SanitizeError(err)))
		return nil, fmt.Errorf("list tables: %w", err)
	}

	schema := models.NewMappedSchema()
	var todo []TableMetadata
	for _, t := range listed {
		if !req.Config.IncludesTable(t.TableName) {
			continue
		}
		if prev, ok := req.Previous.Table(t.TableName); ok && !req.Force {
			schema.Tables[t.TableName] = prev.Clone()
			continue
		}
		todo = append(todo, t)
	}
	req.Progress.SetTotal(len(todo))

	for _, meta := range todo {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		table, err := r.reflectTable(ctx, meta)
		if err != nil {
			tableErr := &apperrors.TableError{Table: meta.TableName, Err: err}
			r.logger.Warn("Skipping table",
				zap.String("table", meta.TableName),
				zap.String("error", logging.SanitizeError(err)))
			schema.Skipped[meta.TableName] = tableErr.Error()
		} else {
			schema.Tables[table.Name] = table
		}

		req.Progress.Advance()
		runtime.Gosched()
	}

	r.linkRelationships(schema)

	r.logger.Info("Schema reflected",
		zap.Int("tables", len(schema.Tables)),
		zap.Int("reflected", len(todo)-len(schema.Skipped)),
		zap.Int("skipped", len(schema.Skipped)),
		zap.Duration("elapsed", time.Since(start)))
	return schema, nil
}

func (r *RelationalReflector) reflectTable(ctx context.Context, meta TableMetadata) (*models.Table, error) {
	desc, err := r.reader.DescribeTable(ctx, meta)
	if err != nil {
		return nil, err
	}
	if len(desc.Columns) == 0 {
		return nil, fmt.Errorf("no columns")
	}

	pk := make(map[string]bool, len(desc.PrimaryKey))
	for _, name := range desc.PrimaryKey {
		pk[name] = true
	}
	fks := make(map[string]ForeignKeyMetadata, len(desc.ForeignKeys))
	for _, fk := range desc.ForeignKeys {
		fks[fk.SourceColumn] = fk
	}

	table := &models.Table{
		Name:    meta.TableName,
		Schema:  meta.SchemaName,
		Backend: models.BackendSQL,
		IsView:  meta.IsView,
	}
	for _, c := range desc.Columns {
		col := r.column(c)
		if pk[c.ColumnName] || c.IsPrimaryKey {
			col.PrimaryKey = true
			table.PrimaryKey = append(table.PrimaryKey, c.ColumnName)
		}
		if fk, ok := fks[c.ColumnName]; ok {
			col.ForeignKey = &models.ForeignKeyRef{Table: fk.TargetTable, Column: fk.TargetColumn}
			col.Params.ValueType = col.Type
			col.Params.RelatedTable = fk.TargetTable
			col.Type = dbtypes.ForeignKey
		}
		table.Columns = append(table.Columns, col)
	}

	if len(table.PrimaryKey) == 0 {
		if r.opts.SkipKeylessTables {
			return nil, fmt.Errorf("no primary key")
		}
		first := table.Columns[0]
		first.PrimaryKey = true
		table.PrimaryKey = []string{first.Name}
		table.AutoPK = true
		r.logger.Info("Promoted first column to primary key",
			zap.String("table", table.Name),
			zap.String("column", first.Name))
	}
	return table, nil
}

func (r *RelationalReflector) column(c ColumnMetadata) *models.Column {
	native := dbtypes.ParseNative(c.DataType)
	col := &models.Column{
		Name:          c.ColumnName,
		Type:          r.mapper.ToCanonical(string(r.engine), c.DataType),
		NativeType:    c.DataType,
		Nullable:      c.IsNullable,
		AutoIncrement: c.IsAutoIncrement,
		Default:       c.DefaultValue,
		Params: models.ColumnParams{
			Length:    c.Length,
			Precision: c.Precision,
			Scale:     c.Scale,
		},
	}
	if col.Params.Length == 0 {
		col.Params.Length = native.Length()
	}
	if col.Params.Precision == 0 && col.Type != dbtypes.Select {
		if p, s, ok := native.PrecisionScale(); ok {
			col.Params.Precision, col.Params.Scale = p, s
		}
	}
	if col.Type == dbtypes.Select {
		col.Params.Choices = enumChoices(c.DataType)
	}
	return col
}

// enumChoices reads the labels of enum('a','b') or Enum8('a' = 1, 'b' = 2),
// keeping their case.
func enumChoices(raw string) []string {
	open := strings.IndexByte(raw, '(')
	closing := strings.LastIndexByte(raw, ')')
	if open < 0 || closing <= open {
		return nil
	}
	var choices []string
	for _, part := range strings.Split(raw[open+1:closing], ",") {
		if eq := strings.LastIndexByte(part, '='); eq >= 0 {
			part = part[:eq]
		}
		if label := strings.Trim(strings.TrimSpace(part), "'\""); label != "" {
			choices = append(choices, label)
		}
	}
	return choices
}

// linkRelationships rebuilds foreign-key relationships in both directions.
// Only links whose two ends are both reflected are kept.
func (r *RelationalReflector) linkRelationships(schema *models.MappedSchema) {
	for _, t := range schema.Tables {
		t.Relationships = nil
	}

	for _, name := range schema.TableNames() {
		t := schema.Tables[name]
		for _, c := range t.Columns {
			if c.ForeignKey == nil {
				continue
			}
			related, ok := schema.Tables[c.ForeignKey.Table]
			if !ok {
				continue
			}
			r.addRelationship(t, &models.Relationship{
				Name:          models.RelationshipName(c.Name, related.Name, c.ForeignKey.Column),
				Direction:     models.ManyToOne,
				LocalColumn:   c.Name,
				RelatedTable:  related.Name,
				RelatedColumn: c.ForeignKey.Column,
			})
			r.addRelationship(related, &models.Relationship{
				Name:          models.RelationshipName(c.ForeignKey.Column, t.Name, c.Name),
				Direction:     models.OneToMany,
				LocalColumn:   c.ForeignKey.Column,
				RelatedTable:  t.Name,
				RelatedColumn: c.Name,
			})
		}
	}
}

func (r *RelationalReflector) addRelationship(t *models.Table, rel *models.Relationship) {
	if _, clash := t.Column(rel.Name); clash {
		renamed := rel.Name + "_relation"
		r.logger.Warn("Relationship name collides with a column, renaming",
			zap.String("table", t.Name),
			zap.String("name", rel.Name),
			zap.String("renamed", renamed))
		rel.Name = renamed
	}
	if _, dup := t.Relationship(rel.Name); dup {
		return
	}
	t.Relationships = append(t.Relationships, rel)
}
