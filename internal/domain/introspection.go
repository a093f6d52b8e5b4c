package domain

import "time"

type Database struct {
	Name string `json:"name"`
}

type Schema struct {
	Database string `json:"database"`
	Name     string `json:"name"`
}

type Table struct {
	Database string `json:"database"`
	Schema   string `json:"schema"`
	Name     string `json:"name"`
	Type     string `json:"type"`               // BASE TABLE, EXTERNAL, ...
	RowCount *int64 `json:"rowCount,omitempty"` // when the catalog tracks it
	Comment  string `json:"comment,omitempty"`
}

type Column struct {
	Database     string `json:"database"`
	Schema       string `json:"schema"`
	Table        string `json:"table"`
	Name         string `json:"name"`
	DataType     string `json:"dataType"`
	Nullable     bool   `json:"nullable"`
	Ordinal      int    `json:"ordinal"`
	Default      string `json:"default,omitempty"`
	IsPrimaryKey bool   `json:"isPrimaryKey,omitempty"`
	Comment      string `json:"comment,omitempty"`
}

// View is kept apart from Table: views are not a table subtype here.
type View struct {
	Database   string `json:"database"`
	Schema     string `json:"schema"`
	Name       string `json:"name"`
	Definition string `json:"definition,omitempty"`
}

type Index struct {
	Database string   `json:"database"`
	Schema   string   `json:"schema"`
	Table    string   `json:"table"`
	Name     string   `json:"name"`
	Columns  []string `json:"columns"`
	Unique   bool     `json:"unique"`
}

type ForeignKey struct {
	Database         string `json:"database"`
	Schema           string `json:"schema"`
	Table            string `json:"table"`
	Column           string `json:"column"`
	ReferencedSchema string `json:"referencedSchema"`
	ReferencedTable  string `json:"referencedTable"`
	ReferencedColumn string `json:"referencedColumn"`
}

type ColumnStatistics struct {
	Column        string `json:"column"`
	DistinctCount *int64 `json:"distinctCount,omitempty"`
	NullCount     *int64 `json:"nullCount,omitempty"`
	Min           any    `json:"min,omitempty"`
	Max           any    `json:"max,omitempty"`
	SampleValues  []any  `json:"sampleValues,omitempty"`
}

// TableStatistics is keyed by (Database, Schema, Table).
type TableStatistics struct {
	Database string             `json:"database"`
	Schema   string             `json:"schema"`
	Table    string             `json:"table"`
	RowCount *int64             `json:"rowCount,omitempty"`
	Columns  []ColumnStatistics `json:"columns"`
}

// IntrospectionResult is the aggregate metadata tree of one data source.
type IntrospectionResult struct {
	DataSourceName string            `json:"dataSourceName"`
	DataSourceType DataSourceType    `json:"dataSourceType"`
	Databases      []Database        `json:"databases"`
	Schemas        []Schema          `json:"schemas"`
	Tables         []Table           `json:"tables"`
	Columns        []Column          `json:"columns"`
	Views          []View            `json:"views"`
	Indexes        []Index           `json:"indexes,omitempty"`
	ForeignKeys    []ForeignKey      `json:"foreignKeys,omitempty"`
	Statistics     []TableStatistics `json:"statistics,omitempty"`
	IntrospectedAt time.Time         `json:"introspectedAt"`
}
