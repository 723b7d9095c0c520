package datasource

// TableMetadata is a table or view listed by a catalog reader.
type TableMetadata struct {
	SchemaName string
	TableName  string
	IsView     bool
}

// ColumnMetadata represents a discovered database column.
type ColumnMetadata struct {
	ColumnName      string
	DataType        string
	IsNullable      bool
	IsPrimaryKey    bool
	IsAutoIncrement bool
	OrdinalPosition int
	DefaultValue    *string
	Length          int
	Precision       int
	Scale           int
}

// ForeignKeyMetadata represents a discovered foreign key constraint.
type ForeignKeyMetadata struct {
	ConstraintName string
	SourceColumn   string
	TargetSchema   string
	TargetTable    string
	TargetColumn   string
}

// TableDescription is everything a catalog reader knows about one table.
type TableDescription struct {
	Columns     []ColumnMetadata
	PrimaryKey  []string
	ForeignKeys []ForeignKeyMetadata
}
