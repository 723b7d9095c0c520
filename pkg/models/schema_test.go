package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-query-engine/pkg/dbtypes"
)

func ordersTable() *Table {
	def := "0"
	return &Table{
		Name:       "orders",
		PrimaryKey: []string{"id"},
		Columns: []*Column{
			{Name: "id", Type: dbtypes.Integer, PrimaryKey: true},
			{Name: "total", Type: dbtypes.Float, Default: &def, Params: ColumnParams{Precision: 10, Scale: 2}},
			{Name: "status", Type: dbtypes.Select, Params: ColumnParams{Choices: []string{"Open", "Closed"}}},
		},
		Relationships: []*Relationship{{Name: "r1", Direction: ManyToOne}},
	}
}

func TestMappedSchema_TableNamesSorted(t *testing.T) {
	s := NewMappedSchema()
	s.Tables["b"] = &Table{Name: "b"}
	s.Tables["a"] = &Table{Name: "a"}
	s.Tables["c"] = &Table{Name: "c"}

	assert.Equal(t, []string{"a", "b", "c"}, s.TableNames())
	assert.False(t, s.ReflectedAt.IsZero())
}

func TestMappedSchema_NilSafeLookup(t *testing.T) {
	var s *MappedSchema
	_, ok := s.Table("orders")
	assert.False(t, ok)
}

func TestMappedSchema_CloneIsDeep(t *testing.T) {
	s := NewMappedSchema()
	s.Tables["orders"] = ordersTable()
	s.Skipped["logs"] = "no columns"

	c := s.Clone()
	orders, _ := c.Table("orders")
	orders.Columns[1].Params.Precision = 99
	*orders.Columns[1].Default = "1"
	orders.Columns[2].Params.Choices[0] = "changed"
	orders.Relationships[0].Name = "renamed"
	orders.PrimaryKey[0] = "other"
	c.Skipped["logs"] = "changed"

	original, _ := s.Table("orders")
	assert.Equal(t, 10, original.Columns[1].Params.Precision)
	assert.Equal(t, "0", *original.Columns[1].Default)
	assert.Equal(t, "Open", original.Columns[2].Params.Choices[0])
	assert.Equal(t, "r1", original.Relationships[0].Name)
	assert.Equal(t, "id", original.PrimaryKey[0])
	assert.Equal(t, "no columns", s.Skipped["logs"])
}

func TestTable_Lookups(t *testing.T) {
	orders := ordersTable()

	col, ok := orders.Column("total")
	require.True(t, ok)
	assert.Equal(t, dbtypes.Float, col.ValueType())

	_, ok = orders.Column("missing")
	assert.False(t, ok)

	assert.Equal(t, "id", orders.PrimaryKeyColumn().Name)
	assert.Equal(t, []string{"id", "total", "status"}, orders.ColumnNames())

	_, ok = orders.Relationship("r1")
	assert.True(t, ok)
}

func TestRelationshipName(t *testing.T) {
	assert.Equal(t, "customer_id__to__customers__id", RelationshipName("customer_id", "customers", "id"))
}

func TestMappedSchema_WithOverrides(t *testing.T) {
	schema := NewMappedSchema()
	schema.Tables["orders"] = &Table{
		Name:       "orders",
		PrimaryKey: []string{"id"},
		Columns: []*Column{
			{Name: "id", Type: dbtypes.Integer, PrimaryKey: true},
			{Name: "customer_id", Type: dbtypes.ForeignKey, Params: ColumnParams{ValueType: dbtypes.Integer}},
		},
		Relationships: []*Relationship{{
			Name:          RelationshipName("customer_id", "customers", "id"),
			Direction:     ManyToOne,
			LocalColumn:   "customer_id",
			RelatedTable:  "customers",
			RelatedColumn: "id",
		}},
	}

	out := schema.WithOverrides([]*RelationshipOverride{
		{Table: "orders", Name: "customer_id__to__customers__id", Hidden: true},
		{Table: "orders", Name: "buyer", LocalColumn: "customer_id", RelatedTable: "users", RelatedColumn: "id"},
		{Table: "missing", Name: "ignored"},
	})

	orders, _ := out.Table("orders")
	require.Len(t, orders.Relationships, 1)
	assert.Equal(t, "buyer", orders.Relationships[0].Name)
	assert.Equal(t, ManyToOne, orders.Relationships[0].Direction)
	assert.True(t, orders.Relationships[0].Overridden)

	original, _ := schema.Table("orders")
	assert.Len(t, original.Relationships, 1, "the published schema must stay untouched")
	assert.Equal(t, dbtypes.Integer, orders.Columns[1].ValueType())
}
