package queryset

import (
	"context"
	"strings"

	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-query-engine/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/filters"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/logging"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/models"
)

// SQLRunner executes one parameterized statement and returns its rows.
type SQLRunner interface {
	Query(ctx context.Context, query string, args ...any) ([]Row, error)
}

type sqlQueryset struct {
	state
	dialect *Dialect
	runner  SQLRunner
}

func (q *sqlQueryset) with(s state) *sqlQueryset {
	return &sqlQueryset{state: s, dialect: q.dialect, runner: q.runner}
}

func (q *sqlQueryset) Table() *models.Table { return q.table }

func (q *sqlQueryset) Filter(predicates ...*filters.Predicate) Queryset {
	return q.with(q.withPredicates(predicates))
}

func (q *sqlQueryset) Search(term string) Queryset {
	s := q.state
	s.search = strings.TrimSpace(term)
	return q.with(s)
}

func (q *sqlQueryset) OrderBy(columns ...string) Queryset {
	return q.with(q.withOrdering(columns))
}

func (q *sqlQueryset) Offset(n int) Queryset {
	s := q.state
	s.offset = n
	return q.with(s)
}

func (q *sqlQueryset) Limit(n int) Queryset {
	s := q.state
	s.limit = n
	return q.with(s)
}

// sqlBuilder accumulates bind arguments while a statement is rendered.
type sqlBuilder struct {
	d    *Dialect
	args []any
}

func (b *sqlBuilder) bind(v any) string {
	b.args = append(b.args, v)
	return b.d.placeholder(len(b.args))
}

func (b *sqlBuilder) col(name string) string { return b.d.quote(name) }

// ciLike renders a case-insensitive LIKE of expr against a bound pattern.
func (b *sqlBuilder) ciLike(expr, pattern string) string {
	if b.d.ilike {
		return expr + " ILIKE " + b.bind(pattern) + b.escapeClause()
	}
	return "LOWER(" + expr + ") LIKE LOWER(" + b.bind(pattern) + ")" + b.escapeClause()
}

func (b *sqlBuilder) like(expr, pattern string) string {
	return expr + " LIKE " + b.bind(pattern) + b.escapeClause()
}

func (b *sqlBuilder) escapeClause() string {
	if !b.d.escapeClause {
		return ""
	}
	return " ESCAPE '" + string(b.d.escape) + "'"
}

// pattern re-escapes a predicate pattern for dialects with another escape
// character or extra pattern syntax.
func (b *sqlBuilder) pattern(p *filters.Predicate) string {
	if b.d.escape == filters.PatternEscape && len(b.d.likeSpecial) == 0 {
		return p.Pattern
	}
	v := filters.EscapeLike(p.Text, b.d.escape, b.d.likeSpecial...)
	switch p.Lookup {
	case filters.StartsWith:
		return v + "%"
	case filters.EndsWith:
		return "%" + v
	}
	return "%" + v + "%"
}

func (b *sqlBuilder) predicate(p *filters.Predicate) (string, error) {
	col := b.col(p.Column)
	var expr string

	switch p.Lookup {
	case filters.Exact:
		expr = col + " = " + b.bind(p.Value)
	case filters.GT:
		expr = col + " > " + b.bind(p.Value)
	case filters.GTE:
		expr = col + " >= " + b.bind(p.Value)
	case filters.LT:
		expr = col + " < " + b.bind(p.Value)
	case filters.LTE:
		expr = col + " <= " + b.bind(p.Value)
	case filters.In:
		values, _ := p.Value.([]any)
		marks := make([]string, len(values))
		for i, v := range values {
			marks[i] = b.bind(v)
		}
		expr = col + " IN (" + strings.Join(marks, ", ") + ")"
	case filters.IContains:
		expr = b.ciLike(col, b.pattern(p))
	case filters.StartsWith, filters.EndsWith:
		expr = b.like(col, b.pattern(p))
	case filters.JSONIContains:
		expr = b.ciLike(b.d.textCast(col, p.ColumnType), b.pattern(p))
	case filters.IsNull:
		if v, _ := p.Value.(bool); v {
			expr = col + " IS NULL"
		} else {
			expr = col + " IS NOT NULL"
		}
	case filters.IsEmpty:
		if v, _ := p.Value.(bool); v {
			expr = "(" + col + " IS NULL OR " + b.d.isEmpty(col) + ")"
		} else {
			expr = "(" + col + " IS NOT NULL AND NOT (" + b.d.isEmpty(col) + "))"
		}
	case filters.CoveredBy:
		if b.d.coveredBy == nil {
			return "", apperrors.NewValidationError(p.Column, "coveredby is not supported on %s", b.d.Engine)
		}
		expr = b.d.coveredBy(col, b.bind(p.Value))
	default:
		return "", apperrors.NewValidationError(p.Column, "unsupported lookup %q", p.Lookup)
	}

	if p.Exclude {
		expr = "NOT (" + expr + ")"
	}
	return expr, nil
}

func (b *sqlBuilder) search(s state) string {
	var terms []string
	pattern := "%" + filters.EscapeLike(s.search, b.d.escape, b.d.likeSpecial...) + "%"
	for _, c := range s.searchColumns() {
		expr := b.col(c.Name)
		if !c.Type.IsTextual() {
			expr = b.d.textCast(expr, c.Type)
		}
		terms = append(terms, b.ciLike(expr, pattern))
	}
	if pk, v, ok := s.searchKey(); ok {
		terms = append(terms, b.col(pk.Name)+" = "+b.bind(v))
	}
	if len(terms) == 0 {
		return "1 = 0"
	}
	return "(" + strings.Join(terms, " OR ") + ")"
}

// where renders the conjunction of predicates, search and the auto-PK guard.
func (b *sqlBuilder) where(s state) (string, error) {
	var clauses []string
	for _, p := range s.predicates {
		expr, err := b.predicate(p)
		if err != nil {
			return "", err
		}
		clauses = append(clauses, expr)
	}
	if s.search != "" {
		clauses = append(clauses, b.search(s))
	}
	if pk := s.autoPKColumn(); pk != "" {
		clauses = append(clauses, b.col(pk)+" IS NOT NULL")
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), nil
}

func (b *sqlBuilder) orderBy(orderings []ordering) string {
	if len(orderings) == 0 {
		return ""
	}
	parts := make([]string, len(orderings))
	for i, o := range orderings {
		parts[i] = b.col(o.column)
		if o.desc {
			parts[i] += " DESC"
		} else {
			parts[i] += " ASC"
		}
	}
	return " ORDER BY " + strings.Join(parts, ", ")
}

func (q *sqlQueryset) builder() *sqlBuilder { return &sqlBuilder{d: q.dialect} }

func (q *sqlQueryset) selectSQL() (string, []any, error) {
	if err := q.validate(); err != nil {
		return "", nil, err
	}
	b := q.builder()
	cols := make([]string, len(q.table.Columns))
	for i, c := range q.table.Columns {
		cols[i] = b.col(c.Name)
	}
	where, err := b.where(q.state)
	if err != nil {
		return "", nil, err
	}
	query := "SELECT " + strings.Join(cols, ", ") + " FROM " + q.dialect.tableRef(q.table) +
		where + b.orderBy(q.listOrdering()) + q.dialect.paginate(q.limit, q.offset)
	return query, b.args, nil
}

func (q *sqlQueryset) All(ctx context.Context) ([]Row, error) {
	query, args, err := q.selectSQL()
	if err != nil {
		return nil, err
	}
	return q.runner.Query(ctx, query, args...)
}

func (q *sqlQueryset) countSQL() (string, []any, error) {
	if err := q.validate(); err != nil {
		return "", nil, err
	}
	b := q.builder()
	where, err := b.where(q.state)
	if err != nil {
		return "", nil, err
	}
	return "SELECT COUNT(*) AS " + b.col("count") + " FROM " + q.dialect.tableRef(q.table) + where, b.args, nil
}

// Count returns the number of rows matching the queryset, ignoring offset and
// limit. Without filters or search the catalog estimate is used when it is at
// least the configured threshold.
func (q *sqlQueryset) Count(ctx context.Context) (CountResult, error) {
	if err := q.validate(); err != nil {
		return CountResult{}, err
	}
	if !q.filtered() && q.dialect.estimate != nil {
		if n, ok := q.estimate(ctx); ok && n >= q.opts.CountThreshold {
			return CountResult{Count: n, Approximate: true}, nil
		}
	}

	query, args, err := q.countSQL()
	if err != nil {
		return CountResult{}, err
	}
	rows, err := q.runner.Query(ctx, query, args...)
	if err != nil {
		return CountResult{}, err
	}
	n, err := firstInt(rows)
	if err != nil {
		return CountResult{}, &apperrors.QueryError{Query: logging.SanitizeQuery(query), Err: err}
	}
	return CountResult{Count: n}, nil
}

func (q *sqlQueryset) estimate(ctx context.Context) (int64, bool) {
	b := q.builder()
	query := q.dialect.estimate(q.table, b.bind)
	rows, err := q.runner.Query(ctx, query, b.args...)
	if err != nil {
		q.opts.Logger.Debug("Row estimate unavailable, using exact count",
			zap.String("table", q.table.Name),
			zap.String("error", logging.SanitizeError(err)))
		return 0, false
	}
	n, err := firstInt(rows)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func firstValue(rows []Row) (any, bool) {
	if len(rows) == 0 {
		return nil, false
	}
	for _, v := range rows[0] {
		return v, true
	}
	return nil, false
}

func firstInt(rows []Row) (int64, error) {
	v, ok := firstValue(rows)
	if !ok || v == nil {
		return 0, apperrors.ErrNotFound
	}
	return cast.ToInt64E(v)
}

func aggregateExpr(b *sqlBuilder, fn AggregateFunc, column string) string {
	if column == "" {
		return "COUNT(*)"
	}
	return strings.ToUpper(string(fn)) + "(" + b.col(column) + ")"
}

// Aggregate computes fn over column for the filtered rows. Pagination and
// ordering do not apply.
func (q *sqlQueryset) Aggregate(ctx context.Context, fn AggregateFunc, column string) (any, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	if _, err := q.validateAggregate(fn, column); err != nil {
		return nil, err
	}
	b := q.builder()
	where, err := b.where(q.state)
	if err != nil {
		return nil, err
	}
	query := "SELECT " + aggregateExpr(b, fn, column) + " AS " + b.col("value") + " FROM " + q.dialect.tableRef(q.table) + where
	rows, err := q.runner.Query(ctx, query, b.args...)
	if err != nil {
		return nil, err
	}
	v, _ := firstValue(rows)
	return v, nil
}

// Group computes the grouped aggregate. Pagination and ordering do not apply;
// groups are ordered by their keys.
func (q *sqlQueryset) Group(ctx context.Context, spec GroupSpec) ([]GroupRow, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	keys, _, err := q.validateGroup(spec)
	if err != nil {
		return nil, err
	}

	b := q.builder()
	selects := make([]string, 0, len(keys)+1)
	exprs := make([]string, 0, len(keys))
	for _, k := range keys {
		expr := b.col(k.column.Name)
		if k.bucket != BucketNone {
			expr = q.dialect.dateTrunc(expr, k.bucket, k.column.Type)
		}
		exprs = append(exprs, expr)
		selects = append(selects, expr+" AS "+b.col(k.alias))
	}
	selects = append(selects, aggregateExpr(b, spec.YFunc, spec.YColumn)+" AS "+b.col("value"))

	where, err := b.where(q.state)
	if err != nil {
		return nil, err
	}
	query := "SELECT " + strings.Join(selects, ", ") + " FROM " + q.dialect.tableRef(q.table) + where +
		" GROUP BY " + strings.Join(exprs, ", ") + " ORDER BY " + strings.Join(exprs, ", ")

	rows, err := q.runner.Query(ctx, query, b.args...)
	if err != nil {
		return nil, err
	}
	out := make([]GroupRow, 0, len(rows))
	for _, r := range rows {
		g := GroupRow{Keys: make(Row, len(keys)), Value: r["value"]}
		for _, k := range keys {
			g.Keys[k.alias] = r[k.alias]
		}
		out = append(out, g)
	}
	return out, nil
}
