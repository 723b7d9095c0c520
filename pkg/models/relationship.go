package models

import (
	"time"

	"github.com/google/uuid"
)

// RelationshipDirection is the cardinality of a relationship seen from its table.
type RelationshipDirection string

const (
	ManyToOne RelationshipDirection = "many_to_one"
	OneToMany RelationshipDirection = "one_to_many"
)

// Relationship links a local column to a column of another table.
type Relationship struct {
	Name          string                `json:"name"`
	Direction     RelationshipDirection `json:"direction"`
	LocalColumn   string                `json:"local_column"`
	RelatedTable  string                `json:"related_table"`
	RelatedColumn string                `json:"related_column"`
	Overridden    bool                  `json:"overridden,omitempty"`
}

// RelationshipName builds the synthetic name of a foreign-key relationship.
func RelationshipName(parentColumn, relatedTable, relatedColumn string) string {
	return parentColumn + "__to__" + relatedTable + "__" + relatedColumn
}

// RelationshipOverride is a user-supplied relationship that replaces, adds or
// hides a reflected one. Overrides are stored per connection fingerprint and
// draft flag.
type RelationshipOverride struct {
	ID            uuid.UUID             `json:"id"`
	Fingerprint   string                `json:"-"`
	Draft         bool                  `json:"draft"`
	Table         string                `json:"table"`
	Name          string                `json:"name"`
	Direction     RelationshipDirection `json:"direction"`
	LocalColumn   string                `json:"local_column"`
	RelatedTable  string                `json:"related_table"`
	RelatedColumn string                `json:"related_column"`
	Hidden        bool                  `json:"hidden"`
	CreatedAt     time.Time             `json:"created_at"`
	UpdatedAt     time.Time             `json:"updated_at"`
}

// WithOverrides returns a copy of s with overrides applied. Overrides naming a
// table that is not in the schema are ignored.
func (s *MappedSchema) WithOverrides(overrides []*RelationshipOverride) *MappedSchema {
	if len(overrides) == 0 {
		return s
	}

	out := s.Clone()
	for _, o := range overrides {
		t, ok := out.Tables[o.Table]
		if !ok {
			continue
		}

		kept := t.Relationships[:0]
		for _, r := range t.Relationships {
			if r.Name != o.Name {
				kept = append(kept, r)
			}
		}
		t.Relationships = kept

		if o.Hidden {
			continue
		}
		direction := o.Direction
		if direction == "" {
			direction = ManyToOne
		}
		t.Relationships = append(t.Relationships, &Relationship{
			Name:          o.Name,
			Direction:     direction,
			LocalColumn:   o.LocalColumn,
			RelatedTable:  o.RelatedTable,
			RelatedColumn: o.RelatedColumn,
			Overridden:    true,
		})
	}
	return out
}
