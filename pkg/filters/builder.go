package filters

import (
	"net/url"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-query-engine/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/dbtypes"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/models"
)

const (
	lookupSeparator = "__"
	excludePrefix   = "exclude__"
)

// Predicate is a validated, backend-neutral comparison on one column.
type Predicate struct {
	Column     string
	ColumnType dbtypes.CanonicalType
	Lookup     Lookup
	Exclude    bool
	// Value is the coerced value: a scalar, []any for In, or bool for
	// IsNull and IsEmpty.
	Value any
	// Pattern is the LIKE pattern for pattern lookups, escaped with PatternEscape.
	Pattern string
	// Text is the coerced string before pattern wrapping.
	Text string
}

// Builder turns (column, lookup, value) triples into predicates.
type Builder struct {
	logger *zap.Logger
}

func NewBuilder(logger *zap.Logger) *Builder {
	return &Builder{logger: logger.Named("filters")}
}

// Build validates and coerces raw for the lookup on column. An unknown lookup,
// or one outside the column's default set, yields a nil predicate and no error.
func (b *Builder) Build(column *models.Column, lookup Lookup, exclude bool, raw string) (*Predicate, error) {
	def, ok := vocabulary[lookup]
	if !ok {
		b.logger.Debug("Ignoring unknown lookup",
			zap.String("column", column.Name),
			zap.String("lookup", string(lookup)))
		return nil, nil
	}
	desc := Describe(column)
	if !desc.Accepts(lookup) {
		b.logger.Debug("Ignoring lookup not supported by column type",
			zap.String("column", column.Name),
			zap.String("type", string(column.Type)),
			zap.String("lookup", string(lookup)))
		return nil, nil
	}

	field := def.field
	if field == nil {
		field = desc.Field
	}

	p := &Predicate{
		Column:     column.Name,
		ColumnType: column.Type,
		Lookup:     lookup,
		Exclude:    exclude,
	}

	parts := def.pre(raw)
	if def.multi {
		if len(parts) == 0 {
			return nil, apperrors.NewValidationError(column.Name, "%s requires at least one value", lookup)
		}
		values := make([]any, 0, len(parts))
		for _, part := range parts {
			v, err := field.Clean(part)
			if err != nil {
				return nil, apperrors.NewValidationError(column.Name, "%s", err.Error())
			}
			values = append(values, v)
		}
		p.Value = values
		return p, nil
	}

	v, err := field.Clean(parts[0])
	if err != nil {
		return nil, apperrors.NewValidationError(column.Name, "%s", err.Error())
	}
	p.Value = v
	if def.post != nil {
		s, _ := v.(string)
		p.Text = s
		p.Pattern = def.post(s)
	}
	return p, nil
}

// ParseKey splits a query key such as "exclude__price__gte" into its column,
// lookup and exclusion flag. A key without a known lookup suffix is an exact
// match on the whole key.
func ParseKey(key string) (column string, lookup Lookup, exclude bool) {
	if rest, ok := strings.CutPrefix(key, excludePrefix); ok {
		key = rest
		exclude = true
	}
	if i := strings.LastIndex(key, lookupSeparator); i > 0 {
		candidate := Lookup(key[i+len(lookupSeparator):])
		if _, ok := vocabulary[candidate]; ok {
			return key[:i], candidate, exclude
		}
	}
	return key, Exact, exclude
}

// FromQuery builds predicates for every query key that names a column of the
// table. Keys naming unknown columns are ignored. Keys are processed in sorted
// order so the result is deterministic.
func (b *Builder) FromQuery(table *models.Table, values url.Values) ([]*Predicate, error) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []*Predicate
	for _, key := range keys {
		name, lookup, exclude := ParseKey(key)
		column, ok := table.Column(name)
		if !ok {
			continue
		}
		for _, raw := range values[key] {
			p, err := b.Build(column, lookup, exclude, raw)
			if err != nil {
				return nil, err
			}
			if p != nil {
				out = append(out, p)
			}
		}
	}
	return out, nil
}
