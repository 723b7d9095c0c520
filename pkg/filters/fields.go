package filters

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cast"

	"github.com/ekaya-inc/ekaya-query-engine/pkg/dbtypes"
)

// Field coerces a raw query-string value into a typed value.
type Field interface {
	Clean(raw string) (any, error)
	Kind() string
}

type charField struct{}

func (charField) Kind() string { return "char" }

func (charField) Clean(raw string) (any, error) { return raw, nil }

type integerField struct{}

func (integerField) Kind() string { return "integer" }

func (integerField) Clean(raw string) (any, error) {
	s := strings.TrimSpace(raw)
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return v, nil
	}
	f, err := cast.ToFloat64E(s)
	if err != nil || f != float64(int64(f)) {
		return nil, fmt.Errorf("%q is not a whole number", raw)
	}
	return int64(f), nil
}

type floatField struct{}

func (floatField) Kind() string { return "float" }

func (floatField) Clean(raw string) (any, error) {
	f, err := cast.ToFloat64E(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%q is not a number", raw)
	}
	return f, nil
}

type booleanField struct{}

func (booleanField) Kind() string { return "boolean" }

func (booleanField) Clean(raw string) (any, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "yes", "y", "on":
		return true, nil
	case "no", "n", "off":
		return false, nil
	}
	b, err := cast.ToBoolE(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%q is not a boolean", raw)
	}
	return b, nil
}

type dateField struct{}

func (dateField) Kind() string { return "date" }

func (dateField) Clean(raw string) (any, error) {
	t, err := cast.ToTimeE(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%q is not a date", raw)
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
}

type dateTimeField struct{}

func (dateTimeField) Kind() string { return "datetime" }

func (dateTimeField) Clean(raw string) (any, error) {
	t, err := cast.ToTimeE(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%q is not a date/time", raw)
	}
	return t.UTC(), nil
}

type uuidField struct{}

func (uuidField) Kind() string { return "uuid" }

func (uuidField) Clean(raw string) (any, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%q is not a UUID", raw)
	}
	return id.String(), nil
}

// objectIDField accepts the 24-character hex form of a Mongo ObjectID.
type objectIDField struct{}

func (objectIDField) Kind() string { return "object_id" }

func (objectIDField) Clean(raw string) (any, error) {
	s := strings.TrimSpace(raw)
	if len(s) != 24 {
		return nil, fmt.Errorf("%q is not an object id", raw)
	}
	if _, err := hex.DecodeString(s); err != nil {
		return nil, fmt.Errorf("%q is not an object id", raw)
	}
	return strings.ToLower(s), nil
}

// geometryField accepts WKT or GeoJSON text; the database validates the shape.
type geometryField struct{}

func (geometryField) Kind() string { return "geometry" }

func (geometryField) Clean(raw string) (any, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, fmt.Errorf("geometry must not be empty")
	}
	return s, nil
}

// FieldFor returns the field class that coerces values of a canonical type.
func FieldFor(t dbtypes.CanonicalType, subtype string) Field {
	switch t {
	case dbtypes.Integer:
		return integerField{}
	case dbtypes.Float:
		return floatField{}
	case dbtypes.Boolean:
		return booleanField{}
	case dbtypes.Date:
		return dateField{}
	case dbtypes.DateTime, dbtypes.Timestamp:
		return dateTimeField{}
	case dbtypes.UUID:
		return uuidField{}
	case dbtypes.Geometry:
		return geometryField{}
	case dbtypes.Binary:
		if subtype == "object_id" {
			return objectIDField{}
		}
	}
	return charField{}
}
