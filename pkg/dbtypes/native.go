package dbtypes

import (
	"strconv"
	"strings"
)

// NativeType is a parsed engine-native column type such as "varchar(255)" or
// "Nullable(DateTime64(3))".
type NativeType struct {
	Raw   string
	Name  string
	Args  []string
	Array bool
}

var wrapperPrefixes = []string{"nullable(", "lowcardinality("}

// ParseNative normalizes a native type string. Names are lower-cased, ClickHouse
// wrappers are removed and arguments are split off the name.
func ParseNative(raw string) NativeType {
	n := NativeType{Raw: raw}
	s := strings.ToLower(strings.TrimSpace(raw))

	for unwrapped := true; unwrapped; {
		unwrapped = false
		for _, prefix := range wrapperPrefixes {
			if strings.HasPrefix(s, prefix) && strings.HasSuffix(s, ")") {
				s = strings.TrimSpace(s[len(prefix) : len(s)-1])
				unwrapped = true
			}
		}
	}

	switch {
	case strings.HasSuffix(s, "[]"):
		n.Array = true
		s = strings.TrimSuffix(s, "[]")
	case strings.HasPrefix(s, "array(") && strings.HasSuffix(s, ")"):
		n.Array = true
		s = s[len("array(") : len(s)-1]
	case strings.HasPrefix(s, "array<") && strings.HasSuffix(s, ">"):
		n.Array = true
		s = s[len("array<") : len(s)-1]
	case len(s) > 1 && s[0] == '_':
		// postgres udt names for arrays: _int4, _text
		n.Array = true
		s = s[1:]
	}

	if open := strings.IndexByte(s, '('); open >= 0 {
		if closing := strings.LastIndexByte(s, ')'); closing > open {
			for _, arg := range strings.Split(s[open+1:closing], ",") {
				if arg = strings.Trim(strings.TrimSpace(arg), "'\""); arg != "" {
					n.Args = append(n.Args, arg)
				}
			}
			s = s[:open] + " " + s[closing+1:]
		}
	}

	for _, modifier := range []string{"unsigned", "zerofill", "signed"} {
		s = strings.ReplaceAll(s, " "+modifier, " ")
	}

	n.Name = strings.Join(strings.Fields(s), " ")
	return n
}

// Length returns the declared length, or 0 when none was given.
func (n NativeType) Length() int {
	if len(n.Args) != 1 {
		return 0
	}
	v, err := strconv.Atoi(n.Args[0])
	if err != nil {
		return 0
	}
	return v
}

// PrecisionScale returns numeric precision and scale. ok is false when the type
// declared no numeric arguments.
func (n NativeType) PrecisionScale() (precision, scale int, ok bool) {
	if len(n.Args) == 0 || len(n.Args) > 2 {
		return 0, 0, false
	}
	p, err := strconv.Atoi(n.Args[0])
	if err != nil {
		return 0, 0, false
	}
	if len(n.Args) == 2 {
		s, err := strconv.Atoi(n.Args[1])
		if err != nil {
			return 0, 0, false
		}
		return p, s, true
	}
	return p, 0, true
}

// Is reports whether the type is the named family or one of its descendants.
func (n NativeType) Is(family string) bool {
	name := n.Name
	for depth := 0; name != "" && depth < 8; depth++ {
		if name == family {
			return true
		}
		name = families[name]
	}
	return false
}

// families maps a native type name to its parent. Roots map to "".
var families = map[string]string{
	"string":            "",
	"varchar":           "string",
	"character varying": "string",
	"char":              "string",
	"character":         "string",
	"bpchar":            "string",
	"nchar":             "string",
	"nvarchar":          "string",
	"varchar2":          "string",
	"nvarchar2":         "string",
	"fixedstring":       "string",
	"name":              "string",
	"sysname":           "string",
	"text":              "string",
	"ntext":             "text",
	"tinytext":          "text",
	"mediumtext":        "text",
	"longtext":          "text",
	"citext":            "text",
	"clob":              "text",
	"nclob":             "text",
	"long":              "text",
	"xml":               "text",
	"tsvector":          "text",

	"numeric":          "",
	"decimal":          "numeric",
	"number":           "numeric",
	"bignumeric":       "numeric",
	"money":            "numeric",
	"smallmoney":       "numeric",
	"float":            "numeric",
	"real":             "float",
	"double":           "float",
	"double precision": "float",
	"float4":           "float",
	"float8":           "float",
	"float32":          "float",
	"float64":          "float",
	"binary_float":     "float",
	"binary_double":    "float",
	"integer":          "numeric",
	"int":              "integer",
	"int2":             "integer",
	"int4":             "integer",
	"int8":             "integer",
	"smallint":         "integer",
	"tinyint":          "integer",
	"mediumint":        "integer",
	"bigint":           "integer",
	"serial":           "integer",
	"smallserial":      "integer",
	"bigserial":        "integer",
	"int16":            "integer",
	"int32":            "integer",
	"int64":            "integer",
	"int128":           "integer",
	"uint8":            "integer",
	"uint16":           "integer",
	"uint32":           "integer",
	"uint64":           "integer",
	"year":             "integer",

	"boolean": "",
	"bool":    "boolean",
	"bit":     "boolean",

	"date":   "",
	"date32": "date",

	"datetime":                       "",
	"datetime2":                      "datetime",
	"smalldatetime":                  "datetime",
	"datetime64":                     "datetime",
	"timestamp":                      "datetime",
	"timestamp without time zone":    "timestamp",
	"timestamp_ntz":                  "timestamp",
	"timestamptz":                    "timestamp",
	"timestamp with time zone":       "timestamptz",
	"timestamp with local time zone": "timestamptz",
	"timestamp_tz":                   "timestamptz",
	"timestamp_ltz":                  "timestamptz",
	"datetimeoffset":                 "timestamptz",

	"time":                   "",
	"time without time zone": "time",
	"time with time zone":    "time",
	"timetz":                 "time",
	"interval":               "",

	"json":    "",
	"jsonb":   "json",
	"variant": "json",
	"object":  "json",
	"array":   "json",
	"struct":  "json",
	"record":  "json",
	"map":     "json",
	"tuple":   "json",
	"hstore":  "json",

	"binary":     "",
	"varbinary":  "binary",
	"bytea":      "binary",
	"blob":       "binary",
	"tinyblob":   "binary",
	"mediumblob": "binary",
	"longblob":   "binary",
	"image":      "binary",
	"raw":        "binary",
	"long raw":   "binary",
	"bytes":      "binary",
	"rowversion": "binary",

	"uuid":             "",
	"uniqueidentifier": "uuid",

	"geometry":           "",
	"geography":          "geometry",
	"point":              "geometry",
	"linestring":         "geometry",
	"polygon":            "geometry",
	"multipoint":         "geometry",
	"multilinestring":    "geometry",
	"multipolygon":       "geometry",
	"geometrycollection": "geometry",
	"sdo_geometry":       "geometry",

	"enum":   "",
	"enum8":  "enum",
	"enum16": "enum",
	"set":    "enum",
}
