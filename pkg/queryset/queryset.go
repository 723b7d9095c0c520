// Package queryset provides immutable query builders over reflected tables.
// The relational and document implementations share the Queryset interface
// and are selected by the table's backend.
package queryset

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-query-engine/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/filters"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/models"
)

// DefaultCountThreshold is the catalog estimate at or above which Count
// returns the estimate instead of running an exact count.
const DefaultCountThreshold int64 = 10000

// Row is one result row keyed by column name.
type Row map[string]any

// CountResult is the outcome of Count.
type CountResult struct {
	Count       int64 `json:"count"`
	Approximate bool  `json:"approximate"`
}

// AggregateFunc names a scalar aggregate.
type AggregateFunc string

const (
	AggCount AggregateFunc = "count"
	AggSum   AggregateFunc = "sum"
	AggMin   AggregateFunc = "min"
	AggMax   AggregateFunc = "max"
	AggAvg   AggregateFunc = "avg"
)

func (f AggregateFunc) valid() bool {
	switch f {
	case AggCount, AggSum, AggMin, AggMax, AggAvg:
		return true
	}
	return false
}

// Bucket is a date transform applied to a grouping column.
type Bucket string

const (
	BucketNone    Bucket = ""
	BucketDay     Bucket = "day"
	BucketWeek    Bucket = "week"
	BucketMonth   Bucket = "month"
	BucketQuarter Bucket = "quarter"
	BucketYear    Bucket = "year"
)

func (b Bucket) valid() bool {
	switch b {
	case BucketNone, BucketDay, BucketWeek, BucketMonth, BucketQuarter, BucketYear:
		return true
	}
	return false
}

// GroupSpec describes a grouped aggregate. XLookups[i] buckets XColumns[i];
// missing entries mean no bucketing.
type GroupSpec struct {
	XColumns []string
	XLookups []Bucket
	YFunc    AggregateFunc
	YColumn  string
}

// GroupRow is one group: the grouping keys and the aggregated value.
type GroupRow struct {
	Keys  Row `json:"keys"`
	Value any `json:"value"`
}

// Queryset is an immutable query description over one table or collection.
// Builder methods return a new Queryset and never modify the receiver.
type Queryset interface {
	Table() *models.Table
	Filter(predicates ...*filters.Predicate) Queryset
	Search(term string) Queryset
	// OrderBy appends orderings; a leading "-" sorts descending.
	OrderBy(columns ...string) Queryset
	Offset(n int) Queryset
	Limit(n int) Queryset

	Count(ctx context.Context) (CountResult, error)
	All(ctx context.Context) ([]Row, error)
	Aggregate(ctx context.Context, fn AggregateFunc, column string) (any, error)
	Group(ctx context.Context, spec GroupSpec) ([]GroupRow, error)
}

// Source is the live handle a queryset executes against.
type Source interface {
	Engine() models.Engine
}

// SQLSource executes rendered SQL.
type SQLSource interface {
	Source
	Runner() SQLRunner
}

// DocumentSource executes document queries.
type DocumentSource interface {
	Source
	Documents() DocumentStore
}

// Options tunes query behavior.
type Options struct {
	CountThreshold int64
	// IncludeAutoPKNulls keeps rows whose promoted primary key is NULL on
	// tables without a declared primary key. They are excluded by default.
	IncludeAutoPKNulls bool
	Logger       *zap.Logger
}

// DefaultOptions returns the defaults.
func DefaultOptions() Options {
	return Options{CountThreshold: DefaultCountThreshold}
}

// New returns the queryset implementation for the table's backend.
func New(src Source, table *models.Table, opts Options) (Queryset, error) {
	if table == nil {
		return nil, fmt.Errorf("queryset: nil table")
	}
	if opts.CountThreshold <= 0 {
		opts.CountThreshold = DefaultCountThreshold
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	opts.Logger = opts.Logger.Named("queryset")

	base := state{table: table, opts: opts}

	switch table.Backend {
	case models.BackendDocument:
		ds, ok := src.(DocumentSource)
		if !ok {
			return nil, fmt.Errorf("queryset: %s source cannot serve document table %q", src.Engine(), table.Name)
		}
		return &documentQueryset{state: base, store: ds.Documents()}, nil
	default:
		ss, ok := src.(SQLSource)
		if !ok {
			return nil, fmt.Errorf("queryset: %s source cannot serve relational table %q", src.Engine(), table.Name)
		}
		d, err := DialectFor(src.Engine())
		if err != nil {
			return nil, err
		}
		return &sqlQueryset{state: base, dialect: d, runner: ss.Runner()}, nil
	}
}

type ordering struct {
	column string
	desc   bool
}

// state is the builder state shared by both implementations. Slices are
// copied before append so clones never share backing arrays.
type state struct {
	table      *models.Table
	opts       Options
	predicates []*filters.Predicate
	search     string
	orderings  []ordering
	offset     int
	limit      int
}

func (s state) withPredicates(preds []*filters.Predicate) state {
	out := s
	out.predicates = slices.Clone(s.predicates)
	for _, p := range preds {
		if p != nil {
			out.predicates = append(out.predicates, p)
		}
	}
	return out
}

func (s state) withOrdering(columns []string) state {
	out := s
	out.orderings = slices.Clone(s.orderings)
	for _, c := range columns {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if name, ok := strings.CutPrefix(c, "-"); ok {
			out.orderings = append(out.orderings, ordering{column: name, desc: true})
			continue
		}
		out.orderings = append(out.orderings, ordering{column: strings.TrimPrefix(c, "+")})
	}
	return out
}

// filtered reports whether a user predicate or search term is present.
func (s state) filtered() bool {
	return len(s.predicates) > 0 || s.search != ""
}

func (s state) column(name string) (*models.Column, error) {
	c, ok := s.table.Column(name)
	if !ok {
		return nil, apperrors.NewValidationError(name, "unknown column on %s", s.table.Name)
	}
	return c, nil
}

func (s state) validate() error {
	for _, p := range s.predicates {
		if _, err := s.column(p.Column); err != nil {
			return err
		}
	}
	for _, o := range s.orderings {
		if _, err := s.column(o.column); err != nil {
			return err
		}
	}
	if s.offset < 0 {
		return apperrors.NewValidationError("offset", "must not be negative")
	}
	if s.limit < 0 {
		return apperrors.NewValidationError("limit", "must not be negative")
	}
	return nil
}

// listOrdering returns the orderings for list queries with the primary key
// appended when no ordering covers it.
func (s state) listOrdering() []ordering {
	out := slices.Clone(s.orderings)
	for _, pk := range s.table.PrimaryKey {
		covered := false
		for _, o := range out {
			if o.column == pk {
				covered = true
				break
			}
		}
		if !covered {
			out = append(out, ordering{column: pk})
		}
	}
	return out
}

// autoPKColumn returns the promoted key column when list filtering applies.
func (s state) autoPKColumn() string {
	if s.opts.IncludeAutoPKNulls || !s.table.AutoPK || len(s.table.PrimaryKey) == 0 {
		return ""
	}
	return s.table.PrimaryKey[0]
}

// searchColumns returns the columns a search term is matched against.
func (s state) searchColumns() []*models.Column {
	var out []*models.Column
	for _, c := range s.table.Columns {
		if c.Type.Searchable() {
			out = append(out, c)
		}
	}
	return out
}

// searchKey coerces the term to the primary key's type, if it parses.
func (s state) searchKey() (*models.Column, any, bool) {
	pk := s.table.PrimaryKeyColumn()
	if pk == nil {
		return nil, nil, false
	}
	v, err := filters.FieldFor(pk.ValueType(), pk.Params.Subtype).Clean(s.search)
	if err != nil {
		return nil, nil, false
	}
	return pk, v, true
}

func (s state) validateAggregate(fn AggregateFunc, column string) (*models.Column, error) {
	if !fn.valid() {
		return nil, apperrors.NewValidationError("func", "unsupported aggregate %q", fn)
	}
	if column == "" {
		if fn != AggCount {
			return nil, apperrors.NewValidationError("column", "%s requires a column", fn)
		}
		return nil, nil
	}
	c, err := s.column(column)
	if err != nil {
		return nil, err
	}
	if (fn == AggSum || fn == AggAvg) && !c.ValueType().IsNumeric() {
		return nil, apperrors.NewValidationError(column, "%s requires a numeric column, got %s", fn, c.Type)
	}
	return c, nil
}

type groupKey struct {
	column *models.Column
	bucket Bucket
	alias  string
}

func (s state) validateGroup(spec GroupSpec) ([]groupKey, *models.Column, error) {
	if len(spec.XColumns) == 0 {
		return nil, nil, apperrors.NewValidationError("x", "at least one grouping column is required")
	}
	if len(spec.XLookups) > len(spec.XColumns) {
		return nil, nil, apperrors.NewValidationError("x_lookups", "more lookups than grouping columns")
	}
	keys := make([]groupKey, 0, len(spec.XColumns))
	for i, name := range spec.XColumns {
		c, err := s.column(name)
		if err != nil {
			return nil, nil, err
		}
		var b Bucket
		if i < len(spec.XLookups) {
			b = spec.XLookups[i]
		}
		if !b.valid() {
			return nil, nil, apperrors.NewValidationError(name, "unknown lookup %q", b)
		}
		if b != BucketNone && !c.Type.IsTemporal() {
			return nil, nil, apperrors.NewValidationError(name, "lookup %q requires a date column, got %s", b, c.Type)
		}
		alias := name
		if b != BucketNone {
			alias = name + "__" + string(b)
		}
		keys = append(keys, groupKey{column: c, bucket: b, alias: alias})
	}
	y, err := s.validateAggregate(spec.YFunc, spec.YColumn)
	if err != nil {
		return nil, nil, err
	}
	return keys, y, nil
}
