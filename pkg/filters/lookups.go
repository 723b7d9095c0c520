package filters

import (
	"slices"
	"strings"

	"github.com/ekaya-inc/ekaya-query-engine/pkg/dbtypes"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/models"
)

// Lookup is a named comparison operator of the filter vocabulary.
type Lookup string

const (
	Exact         Lookup = "exact"
	GT            Lookup = "gt"
	GTE           Lookup = "gte"
	LT            Lookup = "lt"
	LTE           Lookup = "lte"
	IContains     Lookup = "icontains"
	In            Lookup = "in"
	StartsWith    Lookup = "startswith"
	EndsWith      Lookup = "endswith"
	IsNull        Lookup = "isnull"
	IsEmpty       Lookup = "isempty"
	JSONIContains Lookup = "json_icontains"
	CoveredBy     Lookup = "coveredby"
)

// PatternEscape escapes %, _ and itself inside LIKE patterns built by the
// post-processors.
const PatternEscape = '!'

type lookupDef struct {
	// pre splits the raw value into the parts that get coerced.
	pre func(raw string) []string
	// field overrides the column's own field class.
	field Field
	// post turns the coerced string into a LIKE pattern.
	post func(value string) string
	// multi keeps the coerced parts as a list.
	multi bool
}

func single(raw string) []string { return []string{raw} }

func splitComma(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

var vocabulary = map[Lookup]lookupDef{
	Exact:         {pre: single},
	GT:            {pre: single},
	GTE:           {pre: single},
	LT:            {pre: single},
	LTE:           {pre: single},
	IContains:     {pre: single, field: charField{}, post: func(v string) string { return "%" + EscapeLike(v, PatternEscape) + "%" }},
	In:            {pre: splitComma, multi: true},
	StartsWith:    {pre: single, field: charField{}, post: func(v string) string { return EscapeLike(v, PatternEscape) + "%" }},
	EndsWith:      {pre: single, field: charField{}, post: func(v string) string { return "%" + EscapeLike(v, PatternEscape) }},
	IsNull:        {pre: single, field: booleanField{}},
	IsEmpty:       {pre: single, field: booleanField{}},
	JSONIContains: {pre: single, field: charField{}, post: func(v string) string { return "%" + EscapeLike(v, PatternEscape) + "%" }},
	CoveredBy:     {pre: single, field: geometryField{}},
}

// EscapeLike escapes LIKE wildcards in value with the given escape character.
// extra lists engine-specific pattern characters, such as '[' on SQL Server.
func EscapeLike(value string, escape rune, extra ...rune) string {
	var b strings.Builder
	for _, r := range value {
		if r == '%' || r == '_' || r == escape || slices.Contains(extra, r) {
			b.WriteRune(escape)
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Vocabulary lists every lookup name in a stable order.
func Vocabulary() []Lookup {
	return []Lookup{Exact, GT, GTE, LT, LTE, IContains, In, StartsWith, EndsWith, IsNull, IsEmpty, JSONIContains, CoveredBy}
}

var (
	textLookups     = []Lookup{Exact, IContains, In, StartsWith, EndsWith, IsNull, IsEmpty}
	orderedLookups  = []Lookup{Exact, GT, GTE, LT, LTE, In, IsNull}
	booleanLookups  = []Lookup{Exact, IsNull}
	jsonLookups     = []Lookup{JSONIContains, IsNull}
	geometryLookups = []Lookup{CoveredBy, IsNull}
	keyLookups      = []Lookup{Exact, In, IsNull}
	binaryLookups   = []Lookup{IsNull}
)

// DefaultLookups returns the lookups a column of the given type accepts.
func DefaultLookups(t dbtypes.CanonicalType, subtype string) []Lookup {
	var set []Lookup
	switch t {
	case dbtypes.Char, dbtypes.Text:
		set = textLookups
	case dbtypes.Integer, dbtypes.Float, dbtypes.Date, dbtypes.DateTime, dbtypes.Timestamp:
		set = orderedLookups
	case dbtypes.Boolean:
		set = booleanLookups
	case dbtypes.JSON:
		set = jsonLookups
	case dbtypes.Geometry:
		set = geometryLookups
	case dbtypes.UUID, dbtypes.Select, dbtypes.ForeignKey:
		set = keyLookups
	case dbtypes.Binary:
		if subtype == "object_id" {
			set = keyLookups
		} else {
			set = binaryLookups
		}
	default:
		set = textLookups
	}
	return slices.Clone(set)
}

// FieldDescriptor is the filter surface of one column, built once per table.
type FieldDescriptor struct {
	Column  *models.Column
	Field   Field
	Lookups []Lookup
}

// Accepts reports whether lookup is part of the column's default set.
func (d FieldDescriptor) Accepts(lookup Lookup) bool {
	return slices.Contains(d.Lookups, lookup)
}

// Describe builds the descriptor of a column.
func Describe(column *models.Column) FieldDescriptor {
	return FieldDescriptor{
		Column:  column,
		Field:   FieldFor(column.ValueType(), column.Params.Subtype),
		Lookups: DefaultLookups(column.Type, column.Params.Subtype),
	}
}

// DescribeTable builds descriptors for every column of a table in order.
func DescribeTable(table *models.Table) []FieldDescriptor {
	out := make([]FieldDescriptor, len(table.Columns))
	for i, c := range table.Columns {
		out[i] = Describe(c)
	}
	return out
}
