package dbtypes

import (
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Mapper resolves native types to canonical types and back. It is safe for
// concurrent use; the only mutable state is the set of fallbacks already logged.
type Mapper struct {
	logger *zap.Logger

	mu     sync.Mutex
	warned map[string]struct{}
}

// NewMapper creates a Mapper that reports unknown native types through logger.
func NewMapper(logger *zap.Logger) *Mapper {
	return &Mapper{
		logger: logger.Named("dbtypes"),
		warned: make(map[string]struct{}),
	}
}

// ToCanonical resolves a native type string for the given engine. It never fails:
// a type no rule recognizes resolves to Fallback and is logged once.
func (m *Mapper) ToCanonical(engine, raw string) CanonicalType {
	native := ParseNative(raw)

	resolved := CanonicalType("")
	for _, rule := range RulesFor(engine) {
		if rule.matches(native) {
			resolved = rule.Canonical
		}
	}
	if resolved != "" {
		return resolved
	}

	m.warnOnce(engine, native)
	return Fallback
}

func (m *Mapper) warnOnce(engine string, native NativeType) {
	key := normalizeDialect(engine) + "|" + native.Name

	m.mu.Lock()
	_, seen := m.warned[key]
	if !seen {
		m.warned[key] = struct{}{}
	}
	m.mu.Unlock()

	if !seen {
		m.logger.Warn("Unknown native type, using fallback",
			zap.String("engine", engine),
			zap.String("native_type", native.Raw),
			zap.String("fallback", string(Fallback)),
		)
	}
}

// ToNative returns the native type an engine would declare for a canonical type.
// Every canonical type resolves; unknown input resolves as Fallback.
func (m *Mapper) ToNative(engine string, canonical CanonicalType) string {
	if !canonical.Valid() {
		canonical = Fallback
	}

	construct := ""
	for _, rule := range RulesFor(engine) {
		if rule.Canonical == canonical && rule.Construct != "" {
			construct = rule.Construct
			break
		}
	}

	if renamed, ok := dialectConstructs[normalizeDialect(engine)][construct]; ok {
		return renamed
	}
	return construct
}

var castTemplate = "CAST({column} AS {type})"

var convertTemplates = map[string]map[CanonicalType]string{
	"": {
		Char: castTemplate, Text: castTemplate, Integer: castTemplate, Float: castTemplate,
		Boolean: castTemplate, Date: castTemplate, DateTime: castTemplate,
		Timestamp: castTemplate, UUID: castTemplate, Select: castTemplate, JSON: castTemplate,
	},
	"postgresql": {
		Char: "{column}::{type}", Text: "{column}::{type}", Integer: "{column}::{type}",
		Float: "{column}::{type}", Boolean: "{column}::{type}", Date: "{column}::{type}",
		DateTime: "{column}::{type}", Timestamp: "{column}::{type}", UUID: "{column}::{type}",
		Select: "{column}::{type}", JSON: "to_jsonb({column})",
		Geometry: "ST_GeomFromText({column})",
	},
	"mssql": {
		Geometry: "geometry::STGeomFromText({column}, 0)",
	},
	"oracle": {
		JSON: "TO_CLOB({column})",
	},
	"clickhouse": {
		JSON: "toJSONString({column})",
	},
}

// ConvertExpression renders the expression that casts column into canonical
// during an in-place type change. ok is false when the engine has no conversion
// for that type.
func (m *Mapper) ConvertExpression(engine string, canonical CanonicalType, column string) (string, bool) {
	dialect := normalizeDialect(engine)

	tmpl, ok := convertTemplates[dialect][canonical]
	if !ok {
		tmpl, ok = convertTemplates[""][canonical]
	}
	if !ok {
		return "", false
	}

	r := strings.NewReplacer("{column}", column, "{type}", m.ToNative(engine, canonical))
	return r.Replace(tmpl), true
}
