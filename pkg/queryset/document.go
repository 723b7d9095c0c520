package queryset

import (
	"context"
	"regexp"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-query-engine/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/filters"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/logging"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/models"
)

// FindOptions carries sort and pagination for DocumentStore.Find.
type FindOptions struct {
	Sort  bson.D
	Skip  int64
	Limit int64
}

// DocumentStore is the subset of collection operations the document queryset needs.
type DocumentStore interface {
	Find(ctx context.Context, collection string, filter bson.D, opts FindOptions) ([]bson.M, error)
	CountDocuments(ctx context.Context, collection string, filter bson.D) (int64, error)
	EstimatedDocumentCount(ctx context.Context, collection string) (int64, error)
	Aggregate(ctx context.Context, collection string, pipeline bson.A) ([]bson.M, error)
}

type documentQueryset struct {
	state
	store DocumentStore
}

func (q *documentQueryset) with(s state) *documentQueryset {
	return &documentQueryset{state: s, store: q.store}
}

func (q *documentQueryset) Table() *models.Table { return q.table }

func (q *documentQueryset) Filter(predicates ...*filters.Predicate) Queryset {
	return q.with(q.withPredicates(predicates))
}

func (q *documentQueryset) Search(term string) Queryset {
	s := q.state
	s.search = strings.TrimSpace(term)
	return q.with(s)
}

func (q *documentQueryset) OrderBy(columns ...string) Queryset {
	return q.with(q.withOrdering(columns))
}

func (q *documentQueryset) Offset(n int) Queryset {
	s := q.state
	s.offset = n
	return q.with(s)
}

func (q *documentQueryset) Limit(n int) Queryset {
	s := q.state
	s.limit = n
	return q.with(s)
}

// value converts a coerced filter value into its stored BSON form.
func (q *documentQueryset) value(c *models.Column, v any) (any, error) {
	if c.Params.Subtype != "object_id" {
		return v, nil
	}
	s, _ := v.(string)
	id, err := bson.ObjectIDFromHex(s)
	if err != nil {
		return nil, apperrors.NewValidationError(c.Name, "%q is not an object id", s)
	}
	return id, nil
}

func ciRegex(pattern string) bson.Regex {
	return bson.Regex{Pattern: pattern, Options: "i"}
}

func (q *documentQueryset) predicate(p *filters.Predicate) (bson.D, error) {
	c, err := q.column(p.Column)
	if err != nil {
		return nil, err
	}

	var cond any
	switch p.Lookup {
	case filters.Exact:
		v, err := q.value(c, p.Value)
		if err != nil {
			return nil, err
		}
		cond = bson.D{{Key: "$eq", Value: v}}
	case filters.GT, filters.GTE, filters.LT, filters.LTE:
		cond = bson.D{{Key: "$" + string(p.Lookup), Value: p.Value}}
	case filters.In:
		values, _ := p.Value.([]any)
		list := make(bson.A, 0, len(values))
		for _, v := range values {
			cv, err := q.value(c, v)
			if err != nil {
				return nil, err
			}
			list = append(list, cv)
		}
		cond = bson.D{{Key: "$in", Value: list}}
	case filters.IContains, filters.JSONIContains:
		cond = ciRegex(regexp.QuoteMeta(p.Text))
	case filters.StartsWith:
		cond = bson.Regex{Pattern: "^" + regexp.QuoteMeta(p.Text)}
	case filters.EndsWith:
		cond = bson.Regex{Pattern: regexp.QuoteMeta(p.Text) + "$"}
	case filters.IsNull:
		if v, _ := p.Value.(bool); v {
			cond = bson.D{{Key: "$eq", Value: nil}}
		} else {
			cond = bson.D{{Key: "$ne", Value: nil}}
		}
	case filters.IsEmpty:
		if v, _ := p.Value.(bool); v {
			cond = bson.D{{Key: "$in", Value: bson.A{nil, ""}}}
		} else {
			cond = bson.D{{Key: "$nin", Value: bson.A{nil, ""}}}
		}
	case filters.CoveredBy:
		s, _ := p.Value.(string)
		var geometry bson.M
		if err := bson.UnmarshalExtJSON([]byte(s), false, &geometry); err != nil {
			return nil, apperrors.NewValidationError(p.Column, "coveredby expects a GeoJSON geometry")
		}
		cond = bson.D{{Key: "$geoWithin", Value: bson.D{{Key: "$geometry", Value: geometry}}}}
	default:
		return nil, apperrors.NewValidationError(p.Column, "unsupported lookup %q", p.Lookup)
	}

	expr := bson.D{{Key: p.Column, Value: cond}}
	if p.Exclude {
		return bson.D{{Key: "$nor", Value: bson.A{expr}}}, nil
	}
	return expr, nil
}

func (q *documentQueryset) searchFilter() bson.D {
	var terms bson.A
	re := ciRegex(regexp.QuoteMeta(q.state.search))
	for _, c := range q.searchColumns() {
		terms = append(terms, bson.D{{Key: c.Name, Value: re}})
	}
	if pk, v, ok := q.searchKey(); ok {
		if cv, err := q.value(pk, v); err == nil {
			terms = append(terms, bson.D{{Key: pk.Name, Value: cv}})
		}
	}
	if len(terms) == 0 {
		// Matches nothing.
		return bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: bson.A{}}}}}
	}
	return bson.D{{Key: "$or", Value: terms}}
}

func (q *documentQueryset) filter() (bson.D, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	var clauses bson.A
	for _, p := range q.predicates {
		expr, err := q.predicate(p)
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, expr)
	}
	if q.state.search != "" {
		clauses = append(clauses, q.searchFilter())
	}
	if len(clauses) == 0 {
		return bson.D{}, nil
	}
	return bson.D{{Key: "$and", Value: clauses}}, nil
}

func (q *documentQueryset) All(ctx context.Context) ([]Row, error) {
	filter, err := q.filter()
	if err != nil {
		return nil, err
	}
	sort := bson.D{}
	for _, o := range q.listOrdering() {
		dir := 1
		if o.desc {
			dir = -1
		}
		sort = append(sort, bson.E{Key: o.column, Value: dir})
	}

	docs, err := q.store.Find(ctx, q.table.Name, filter, FindOptions{
		Sort:  sort,
		Skip:  int64(q.offset),
		Limit: int64(q.limit),
	})
	if err != nil {
		return nil, q.fail("find", err)
	}
	out := make([]Row, len(docs))
	for i, d := range docs {
		out[i] = Row(normalizeMap(d))
	}
	return out, nil
}

func (q *documentQueryset) fail(op string, err error) error {
	q.opts.Logger.Error("Document query failed",
		zap.String("collection", q.table.Name),
		zap.String("op", op),
		zap.String("error", logging.SanitizeError(err)))
	return &apperrors.QueryError{Query: op + " " + q.table.Name, Err: err}
}

func (q *documentQueryset) Count(ctx context.Context) (CountResult, error) {
	if err := q.validate(); err != nil {
		return CountResult{}, err
	}
	if !q.filtered() {
		n, err := q.store.EstimatedDocumentCount(ctx, q.table.Name)
		if err == nil && n >= q.opts.CountThreshold {
			return CountResult{Count: n, Approximate: true}, nil
		}
		if err != nil {
			q.opts.Logger.Debug("Estimated count unavailable, using exact count",
				zap.String("collection", q.table.Name),
				zap.String("error", logging.SanitizeError(err)))
		}
	}
	filter, err := q.filter()
	if err != nil {
		return CountResult{}, err
	}
	n, err := q.store.CountDocuments(ctx, q.table.Name, filter)
	if err != nil {
		return CountResult{}, q.fail("count", err)
	}
	return CountResult{Count: n}, nil
}

func accumulator(fn AggregateFunc, column string) bson.D {
	if fn == AggCount {
		return bson.D{{Key: "$sum", Value: 1}}
	}
	return bson.D{{Key: "$" + string(fn), Value: "$" + column}}
}

// countMatch restricts a column count to documents where the column is set.
func countMatch(fn AggregateFunc, column string, filter bson.D) bson.D {
	if fn != AggCount || column == "" {
		return filter
	}
	present := bson.D{{Key: column, Value: bson.D{{Key: "$ne", Value: nil}}}}
	if len(filter) == 0 {
		return present
	}
	return bson.D{{Key: "$and", Value: bson.A{filter, present}}}
}

func (q *documentQueryset) Aggregate(ctx context.Context, fn AggregateFunc, column string) (any, error) {
	if _, err := q.validateAggregate(fn, column); err != nil {
		return nil, err
	}
	filter, err := q.filter()
	if err != nil {
		return nil, err
	}
	pipeline := bson.A{
		bson.D{{Key: "$match", Value: countMatch(fn, column, filter)}},
		bson.D{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: nil},
			{Key: "value", Value: accumulator(fn, column)},
		}}},
	}
	docs, err := q.store.Aggregate(ctx, q.table.Name, pipeline)
	if err != nil {
		return nil, q.fail("aggregate", err)
	}
	if len(docs) == 0 {
		if fn == AggCount {
			return int64(0), nil
		}
		return nil, nil
	}
	return normalizeDocumentValue(docs[0]["value"]), nil
}

func (q *documentQueryset) Group(ctx context.Context, spec GroupSpec) ([]GroupRow, error) {
	keys, _, err := q.validateGroup(spec)
	if err != nil {
		return nil, err
	}
	filter, err := q.filter()
	if err != nil {
		return nil, err
	}

	id := bson.D{}
	for _, k := range keys {
		var expr any = "$" + k.column.Name
		if k.bucket != BucketNone {
			trunc := bson.D{
				{Key: "date", Value: "$" + k.column.Name},
				{Key: "unit", Value: string(k.bucket)},
			}
			if k.bucket == BucketWeek {
				trunc = append(trunc, bson.E{Key: "startOfWeek", Value: "monday"})
			}
			expr = bson.D{{Key: "$dateTrunc", Value: trunc}}
		}
		id = append(id, bson.E{Key: k.alias, Value: expr})
	}

	pipeline := bson.A{
		bson.D{{Key: "$match", Value: countMatch(spec.YFunc, spec.YColumn, filter)}},
		bson.D{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: id},
			{Key: "value", Value: accumulator(spec.YFunc, spec.YColumn)},
		}}},
		bson.D{{Key: "$sort", Value: bson.D{{Key: "_id", Value: 1}}}},
	}
	docs, err := q.store.Aggregate(ctx, q.table.Name, pipeline)
	if err != nil {
		return nil, q.fail("group", err)
	}

	out := make([]GroupRow, 0, len(docs))
	for _, d := range docs {
		idDoc, _ := normalizeDocumentValue(d["_id"]).(map[string]any)
		g := GroupRow{Keys: make(Row, len(keys)), Value: normalizeDocumentValue(d["value"])}
		for _, k := range keys {
			g.Keys[k.alias] = idDoc[k.alias]
		}
		out = append(out, g)
	}
	return out, nil
}

func normalizeMap(m bson.M) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalizeDocumentValue(v)
	}
	return out
}

// normalizeDocumentValue converts driver types into plain Go values.
func normalizeDocumentValue(v any) any {
	switch t := v.(type) {
	case bson.ObjectID:
		return t.Hex()
	case bson.DateTime:
		return t.Time().UTC()
	case time.Time:
		return t.UTC()
	case bson.Binary:
		return NormalizeValue(t.Data)
	case []byte:
		return NormalizeValue(t)
	case bson.Decimal128:
		return t.String()
	case bson.M:
		return normalizeMap(t)
	case map[string]any:
		return normalizeMap(bson.M(t))
	case bson.D:
		out := make(map[string]any, len(t))
		for _, e := range t {
			out[e.Key] = normalizeDocumentValue(e.Value)
		}
		return out
	case bson.A:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalizeDocumentValue(e)
		}
		return out
	case []any:
		return normalizeDocumentValue(bson.A(t))
	}
	return v
}
