// Package dbtypes maps engine-native column types onto the small canonical type
// vocabulary shared by the reflector, the filter engine and the querysets.
package dbtypes

// CanonicalType is the engine-independent semantic type of a column.
type CanonicalType string

const (
	Char       CanonicalType = "char"
	Text       CanonicalType = "text"
	Integer    CanonicalType = "integer"
	Float      CanonicalType = "float"
	Boolean    CanonicalType = "boolean"
	Date       CanonicalType = "date"
	DateTime   CanonicalType = "datetime"
	Timestamp  CanonicalType = "timestamp"
	JSON       CanonicalType = "json"
	Binary     CanonicalType = "binary"
	UUID       CanonicalType = "uuid"
	Geometry   CanonicalType = "geometry"
	ForeignKey CanonicalType = "foreign_key"
	Select     CanonicalType = "select"
)

// Fallback is used for every native type no rule recognizes.
const Fallback = Char

var allCanonical = []CanonicalType{
	Char, Text, Integer, Float, Boolean, Date, DateTime, Timestamp,
	JSON, Binary, UUID, Geometry, ForeignKey, Select,
}

// All returns every canonical type in declaration order.
func All() []CanonicalType {
	out := make([]CanonicalType, len(allCanonical))
	copy(out, allCanonical)
	return out
}

// Valid reports whether c is part of the canonical vocabulary.
func (c CanonicalType) Valid() bool {
	for _, t := range allCanonical {
		if t == c {
			return true
		}
	}
	return false
}

func (c CanonicalType) IsTextual() bool {
	return c == Char || c == Text
}

func (c CanonicalType) IsNumeric() bool {
	return c == Integer || c == Float
}

// IsTemporal reports whether date bucketing applies to the type.
func (c CanonicalType) IsTemporal() bool {
	return c == Date || c == DateTime || c == Timestamp
}

// Searchable reports whether free-text search should scan columns of this type.
func (c CanonicalType) Searchable() bool {
	return c.IsTextual() || c == JSON || c == UUID || c == Select
}
