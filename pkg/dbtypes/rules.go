package dbtypes

import "strings"

// Rule maps a native type family onto a canonical type.
//
// Rules are evaluated in order. Forward resolution keeps the LAST matching rule,
// so a narrower family (integer) listed after its parent (numeric) wins, and
// dialect overrides appended after the defaults win over both. Reverse
// resolution keeps the FIRST rule whose canonical type matches.
type Rule struct {
	// Native is the family matched with NativeType.Is. Empty means the rule is
	// reverse-only unless Match is set.
	Native string
	// Match replaces the family check when set.
	Match     func(NativeType) bool
	Canonical CanonicalType
	// Construct is the native type emitted by reverse lookup before dialect renames.
	Construct string
}

func (r Rule) matches(n NativeType) bool {
	if r.Match != nil {
		return r.Match(n)
	}
	if r.Native == "" {
		return false
	}
	return n.Is(r.Native)
}

var defaultRules = []Rule{
	{Native: "string", Canonical: Char, Construct: "varchar"},
	{Native: "text", Canonical: Text, Construct: "text"},
	{Native: "numeric", Canonical: Float, Construct: "float"},
	{Native: "integer", Canonical: Integer, Construct: "integer"},
	{Native: "boolean", Canonical: Boolean, Construct: "boolean"},
	{Native: "date", Canonical: Date, Construct: "date"},
	{Native: "datetime", Canonical: DateTime, Construct: "datetime"},
	{Native: "timestamptz", Canonical: Timestamp, Construct: "timestamptz"},
	{Native: "time", Canonical: Char, Construct: "time"},
	{Native: "interval", Canonical: Char, Construct: "interval"},
	{Native: "json", Canonical: JSON, Construct: "json"},
	{Native: "binary", Canonical: Binary, Construct: "binary"},
	{Native: "uuid", Canonical: UUID, Construct: "uuid"},
	{Native: "geometry", Canonical: Geometry, Construct: "geometry"},
	{Native: "enum", Canonical: Select, Construct: "varchar"},
	{Match: func(n NativeType) bool { return n.Array }, Canonical: JSON, Construct: "json"},
	{Canonical: ForeignKey, Construct: "integer"},
}

func nameIs(names ...string) func(NativeType) bool {
	return func(n NativeType) bool {
		for _, name := range names {
			if n.Name == name {
				return true
			}
		}
		return false
	}
}

// wholeNumber matches NUMBER(p) and NUMBER(p,0) as declared by Oracle and Snowflake.
func wholeNumber(n NativeType) bool {
	if n.Name != "number" && n.Name != "numeric" && n.Name != "decimal" {
		return false
	}
	_, scale, ok := n.PrecisionScale()
	return ok && scale == 0
}

var dialectRules = map[string][]Rule{
	"postgresql": {
		{Match: nameIs("bit varying", "varbit"), Canonical: Char},
		{Match: func(n NativeType) bool { return n.Name == "bit" && n.Length() > 1 }, Canonical: Char},
	},
	"mysql": {
		{Match: func(n NativeType) bool { return n.Name == "tinyint" && n.Length() == 1 }, Canonical: Boolean},
		{Match: nameIs("timestamp"), Canonical: Timestamp},
		{Match: func(n NativeType) bool { return n.Name == "bit" && n.Length() > 1 }, Canonical: Binary},
	},
	"mssql": {
		{Match: func(n NativeType) bool {
			return (n.Name == "varchar" || n.Name == "nvarchar") && len(n.Args) == 1 && n.Args[0] == "max"
		}, Canonical: Text},
		{Match: nameIs("timestamp", "rowversion"), Canonical: Binary},
		{Match: nameIs("hierarchyid", "sql_variant"), Canonical: Text},
	},
	"oracle": {
		{Match: wholeNumber, Canonical: Integer},
		{Match: nameIs("date"), Canonical: DateTime},
		{Match: nameIs("rowid", "urowid"), Canonical: Char},
	},
	"sqlite": {
		{Match: nameIs(""), Canonical: Text},
	},
	"snowflake": {
		{Match: wholeNumber, Canonical: Integer},
	},
	"clickhouse": {
		{Match: nameIs("string"), Canonical: Text},
		{Match: nameIs("ipv4", "ipv6"), Canonical: Char},
	},
	"bigquery": {
		{Match: nameIs("timestamp"), Canonical: Timestamp},
		{Match: func(n NativeType) bool { return strings.HasPrefix(n.Name, "struct<") }, Canonical: JSON},
	},
	"mongo": {
		{Match: nameIs("objectid"), Canonical: Binary},
	},
}

// dialectConstructs renames generic constructs into each engine's spelling.
var dialectConstructs = map[string]map[string]string{
	"postgresql": {
		"float": "double precision", "datetime": "timestamp", "binary": "bytea",
		"json": "jsonb",
	},
	"mysql": {
		"varchar": "varchar(255)", "float": "double", "boolean": "tinyint(1)",
		"timestamptz": "timestamp", "binary": "longblob", "uuid": "char(36)",
	},
	"mssql": {
		"varchar": "nvarchar(255)", "text": "nvarchar(max)", "integer": "int",
		"boolean": "bit", "datetime": "datetime2", "timestamptz": "datetimeoffset",
		"json": "nvarchar(max)", "binary": "varbinary(max)", "uuid": "uniqueidentifier",
	},
	"oracle": {
		"varchar": "varchar2(255)", "text": "clob", "integer": "number(10)",
		"float": "binary_double", "boolean": "number(1)", "datetime": "timestamp",
		"timestamptz": "timestamp with time zone", "json": "clob", "binary": "blob",
		"uuid": "raw(16)", "geometry": "sdo_geometry",
	},
	"sqlite": {
		"float": "real", "binary": "blob",
	},
	"snowflake": {
		"integer": "number(38,0)", "datetime": "timestamp_ntz",
		"timestamptz": "timestamp_tz", "json": "variant", "geometry": "geography",
	},
	"clickhouse": {
		"varchar": "fixedstring(255)", "text": "string", "integer": "int64",
		"float": "float64", "boolean": "bool", "timestamptz": "datetime64(3)",
		"binary": "string",
	},
	"bigquery": {
		"varchar": "string", "text": "string", "integer": "int64", "float": "float64",
		"boolean": "bool", "timestamptz": "timestamp", "binary": "bytes",
		"uuid": "string", "geometry": "geography",
	},
}

var dialectAliases = map[string]string{
	"postgres":    "postgresql",
	"cockroachdb": "postgresql",
	"mariadb":     "mysql",
	"sqlserver":   "mssql",
}

func normalizeDialect(engine string) string {
	engine = strings.ToLower(engine)
	if alias, ok := dialectAliases[engine]; ok {
		return alias
	}
	return engine
}

// RulesFor returns the ordered rule list for an engine: defaults first, then the
// engine's overrides.
func RulesFor(engine string) []Rule {
	overrides := dialectRules[normalizeDialect(engine)]
	rules := make([]Rule, 0, len(defaultRules)+len(overrides))
	rules = append(rules, defaultRules...)
	return append(rules, overrides...)
}
