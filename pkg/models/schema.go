package models

import (
	"slices"
	"sort"
	"time"

	"github.com/ekaya-inc/ekaya-query-engine/pkg/dbtypes"
)

// MappedSchema is the reflected metadata of one connection. A published schema
// is never mutated; changes produce a new value that replaces it.
type MappedSchema struct {
	Tables      map[string]*Table `json:"tables"`
	ReflectedAt time.Time         `json:"reflected_at"`
	// Skipped lists tables that could not be reflected, with the reason.
	Skipped map[string]string `json:"skipped,omitempty"`
}

// NewMappedSchema returns an empty schema stamped with the current time.
func NewMappedSchema() *MappedSchema {
	return &MappedSchema{
		Tables:      make(map[string]*Table),
		ReflectedAt: time.Now().UTC(),
		Skipped:     make(map[string]string),
	}
}

// Table returns the named table.
func (s *MappedSchema) Table(name string) (*Table, bool) {
	if s == nil {
		return nil, false
	}
	t, ok := s.Tables[name]
	return t, ok
}

// TableNames returns table names in sorted order.
func (s *MappedSchema) TableNames() []string {
	if s == nil {
		return nil
	}
	names := make([]string, 0, len(s.Tables))
	for name := range s.Tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone returns a deep copy that can be modified before publishing.
func (s *MappedSchema) Clone() *MappedSchema {
	if s == nil {
		return nil
	}
	out := &MappedSchema{
		Tables:      make(map[string]*Table, len(s.Tables)),
		ReflectedAt: s.ReflectedAt,
		Skipped:     make(map[string]string, len(s.Skipped)),
	}
	for name, t := range s.Tables {
		out.Tables[name] = t.Clone()
	}
	for name, reason := range s.Skipped {
		out.Skipped[name] = reason
	}
	return out
}

// Table is a reflected table or collection.
type Table struct {
	Name          string          `json:"name"`
	Schema        string          `json:"schema,omitempty"`
	Backend       Backend         `json:"backend"`
	Columns       []*Column       `json:"columns"`
	PrimaryKey    []string        `json:"primary_key"`
	AutoPK        bool            `json:"auto_pk"`
	IsView        bool            `json:"is_view,omitempty"`
	Relationships []*Relationship `json:"relationships,omitempty"`
}

// Column returns the named column.
func (t *Table) Column(name string) (*Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return nil, false
}

// PrimaryKeyColumn returns the first primary-key column.
func (t *Table) PrimaryKeyColumn() *Column {
	if len(t.PrimaryKey) == 0 {
		return nil
	}
	c, _ := t.Column(t.PrimaryKey[0])
	return c
}

// ColumnNames returns column names in declaration order.
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// Relationship returns the named relationship.
func (t *Table) Relationship(name string) (*Relationship, bool) {
	for _, r := range t.Relationships {
		if r.Name == name {
			return r, true
		}
	}
	return nil, false
}

func (t *Table) Clone() *Table {
	out := *t
	out.Columns = make([]*Column, len(t.Columns))
	for i, c := range t.Columns {
		out.Columns[i] = c.Clone()
	}
	out.PrimaryKey = slices.Clone(t.PrimaryKey)
	out.Relationships = make([]*Relationship, len(t.Relationships))
	for i, r := range t.Relationships {
		rel := *r
		out.Relationships[i] = &rel
	}
	return &out
}

// Column is a reflected column or document field.
type Column struct {
	Name          string                `json:"name"`
	Type          dbtypes.CanonicalType `json:"type"`
	NativeType    string                `json:"native_type,omitempty"`
	Nullable      bool                  `json:"nullable"`
	PrimaryKey    bool                  `json:"primary_key"`
	AutoIncrement bool                  `json:"autoincrement,omitempty"`
	Default       *string               `json:"default,omitempty"`
	ForeignKey    *ForeignKeyRef        `json:"foreign_key,omitempty"`
	Params        ColumnParams          `json:"params"`
}

// ValueType is the canonical type used to coerce filter values. Foreign keys
// coerce like the column they store.
func (c *Column) ValueType() dbtypes.CanonicalType {
	if c.Type == dbtypes.ForeignKey && c.Params.ValueType != "" {
		return c.Params.ValueType
	}
	return c.Type
}

func (c *Column) Clone() *Column {
	out := *c
	if c.Default != nil {
		d := *c.Default
		out.Default = &d
	}
	if c.ForeignKey != nil {
		fk := *c.ForeignKey
		out.ForeignKey = &fk
	}
	out.Params.ObservedTypes = slices.Clone(c.Params.ObservedTypes)
	out.Params.Choices = slices.Clone(c.Params.Choices)
	return &out
}

// ColumnParams holds backend-specific details.
type ColumnParams struct {
	Length    int `json:"length,omitempty"`
	Precision int `json:"precision,omitempty"`
	Scale     int `json:"scale,omitempty"`
	// Subtype refines the canonical type, e.g. "object_id" for Mongo ids.
	Subtype string `json:"type,omitempty"`
	// Mixed is set for document fields whose values disagreed on type.
	Mixed         bool                  `json:"mixed,omitempty"`
	ObservedTypes []string              `json:"observed_types,omitempty"`
	ValueType     dbtypes.CanonicalType `json:"value_type,omitempty"`
	Choices       []string              `json:"choices,omitempty"`
	RelatedTable  string                `json:"related_model,omitempty"`
}

// ForeignKeyRef points at the column a foreign key references.
type ForeignKeyRef struct {
	Table  string `json:"table"`
	Column string `json:"column"`
}
