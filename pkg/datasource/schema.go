package datasource

import "strings"

// DataType is the closed cross-source type set the core reasons about.
// Native type strings are normalized into this set; unmapped natives
// become TypeUnknown, never TypeString.
type DataType string

const (
	TypeString    DataType = "string"
	TypeInteger   DataType = "integer"
	TypeFloat     DataType = "float"
	TypeDecimal   DataType = "decimal"
	TypeBoolean   DataType = "boolean"
	TypeDate      DataType = "date"
	TypeDatetime  DataType = "datetime"
	TypeTime      DataType = "time"
	TypeTimestamp DataType = "timestamp"
	TypeBinary    DataType = "binary"
	TypeJSON      DataType = "json"
	TypeArray     DataType = "array"
	TypeMap       DataType = "map"
	TypeStruct    DataType = "struct"
	TypeUnknown   DataType = "unknown"
)

// IsValid checks if the data type is a member of the normalized set.
func (t DataType) IsValid() bool {
	switch t {
	case TypeString, TypeInteger, TypeFloat, TypeDecimal, TypeBoolean,
		TypeDate, TypeDatetime, TypeTime, TypeTimestamp, TypeBinary,
		TypeJSON, TypeArray, TypeMap, TypeStruct, TypeUnknown:
		return true
	default:
		return false
	}
}

// TableType classifies a table-like entity across source kinds.
type TableType string

const (
	TableTypeTable      TableType = "table"
	TableTypeView       TableType = "view"
	TableTypeExternal   TableType = "external"
	TableTypeObject     TableType = "object"
	TableTypeCollection TableType = "collection"
	TableTypeFile       TableType = "file"
)

// Column carries both the source-native type string and its normalized
// kind. Children is populated for struct-kind columns inferred from
// nested documents.
type Column struct {
	Name       string   `json:"name"`
	NativeType string   `json:"native_type"`
	DataType   DataType `json:"data_type"`
	Nullable   bool     `json:"nullable"`
	Children   []Column `json:"children,omitempty"`
}

// Table is a table, view, collection, object, or file. NativePath is the
// source-specific fully qualified identifier, used verbatim when
// addressing the entity.
type Table struct {
	Name       string    `json:"name"`
	NativePath string    `json:"native_path"`
	TableType  TableType `json:"table_type"`
	Columns    []Column  `json:"columns"`
	RowCount   int64     `json:"row_count,omitempty"`
	Comment    string    `json:"comment,omitempty"`
}

// Schema is one namespace of tables.
type Schema struct {
	Name   string  `json:"name"`
	Tables []Table `json:"tables"`
}

// Catalog is the top level of the three-level hierarchy.
type Catalog struct {
	Name    string   `json:"name"`
	Schemas []Schema `json:"schemas"`
}

// SchemaResponse is the full normalized structure of a source, frozen
// once returned by GetSchema.
type SchemaResponse struct {
	SourceType SourceType `json:"source_type"`
	Catalogs   []Catalog  `json:"catalogs"`
}

// Tables flattens the hierarchy into a single table list.
func (r *SchemaResponse) Tables() []Table {
	var tables []Table
	for _, c := range r.Catalogs {
		for _, s := range c.Schemas {
			tables = append(tables, s.Tables...)
		}
	}
	return tables
}

// FindTable locates a table whose NativePath or Name matches the given
// name case-insensitively. Returns nil on miss.
func (r *SchemaResponse) FindTable(name string) *Table {
	lower := strings.ToLower(name)
	for ci := range r.Catalogs {
		for si := range r.Catalogs[ci].Schemas {
			tables := r.Catalogs[ci].Schemas[si].Tables
			for ti := range tables {
				t := &tables[ti]
				if strings.ToLower(t.NativePath) == lower || strings.ToLower(t.Name) == lower {
					return t
				}
			}
		}
	}
	return nil
}
