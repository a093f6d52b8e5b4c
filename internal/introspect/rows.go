package introspect

import (
	"fmt"
	"strconv"
	"strings"

	"sqlgateway/internal/domain"
)

// Catalog queries alias their columns to lowercase names; some engines
// (Snowflake) upper-case them anyway, so lookups ignore case.

func field(row domain.Row, key string) (any, bool) {
	if v, ok := row[key]; ok {
		return v, true
	}
	for k, v := range row {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}

func str(row domain.Row, key string) string {
	v, ok := field(row, key)
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprint(s)
	}
}

func int64Ptr(row domain.Row, key string) *int64 {
	v, ok := field(row, key)
	if !ok || v == nil {
		return nil
	}
	var n int64
	switch x := v.(type) {
	case int64:
		n = x
	case int:
		n = int64(x)
	case int32:
		n = int64(x)
	case float64:
		n = int64(x)
	case string:
		parsed, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return nil
		}
		n = int64(parsed)
	default:
		parsed, err := strconv.ParseInt(fmt.Sprint(x), 10, 64)
		if err != nil {
			return nil
		}
		n = parsed
	}
	return &n
}

func intVal(row domain.Row, key string) int {
	if p := int64Ptr(row, key); p != nil {
		return int(*p)
	}
	return 0
}

func boolVal(row domain.Row, key string) bool {
	v, ok := field(row, key)
	if !ok || v == nil {
		return false
	}
	switch x := v.(type) {
	case bool:
		return x
	case int64:
		return x != 0
	case int:
		return x != 0
	case float64:
		return x != 0
	}
	switch strings.ToUpper(strings.TrimSpace(fmt.Sprint(v))) {
	case "YES", "Y", "TRUE", "T", "1":
		return true
	}
	return false
}

func equalFold(a, b string) bool {
	return strings.EqualFold(a, b)
}

func databasesFrom(res *domain.QueryResult) []domain.Database {
	out := make([]domain.Database, 0, len(res.Rows))
	for _, r := range res.Rows {
		out = append(out, domain.Database{Name: str(r, "database_name")})
	}
	return out
}

func schemasFrom(res *domain.QueryResult, database string) []domain.Schema {
	out := make([]domain.Schema, 0, len(res.Rows))
	for _, r := range res.Rows {
		db := str(r, "database_name")
		if db == "" {
			db = database
		}
		out = append(out, domain.Schema{Database: db, Name: str(r, "schema_name")})
	}
	return out
}

func tablesFrom(res *domain.QueryResult, database string) []domain.Table {
	out := make([]domain.Table, 0, len(res.Rows))
	for _, r := range res.Rows {
		db := str(r, "database_name")
		if db == "" {
			db = database
		}
		out = append(out, domain.Table{
			Database: db,
			Schema:   str(r, "schema_name"),
			Name:     str(r, "table_name"),
			Type:     str(r, "table_type"),
			RowCount: int64Ptr(r, "row_count"),
			Comment:  str(r, "comment"),
		})
	}
	return out
}

func columnsFrom(res *domain.QueryResult, database string) []domain.Column {
	out := make([]domain.Column, 0, len(res.Rows))
	for _, r := range res.Rows {
		db := str(r, "database_name")
		if db == "" {
			db = database
		}
		out = append(out, domain.Column{
			Database:     db,
			Schema:       str(r, "schema_name"),
			Table:        str(r, "table_name"),
			Name:         str(r, "column_name"),
			DataType:     str(r, "data_type"),
			Nullable:     boolVal(r, "is_nullable"),
			Ordinal:      intVal(r, "ordinal_position"),
			Default:      str(r, "column_default"),
			IsPrimaryKey: boolVal(r, "is_primary_key"),
			Comment:      str(r, "comment"),
		})
	}
	return out
}

func viewsFrom(res *domain.QueryResult, database string) []domain.View {
	out := make([]domain.View, 0, len(res.Rows))
	for _, r := range res.Rows {
		db := str(r, "database_name")
		if db == "" {
			db = database
		}
		out = append(out, domain.View{
			Database:   db,
			Schema:     str(r, "schema_name"),
			Name:       str(r, "view_name"),
			Definition: str(r, "view_definition"),
		})
	}
	return out
}

func indexesFrom(res *domain.QueryResult, database string) []domain.Index {
	out := make([]domain.Index, 0, len(res.Rows))
	for _, r := range res.Rows {
		db := str(r, "database_name")
		if db == "" {
			db = database
		}
		var cols []string
		for _, c := range strings.Split(str(r, "column_names"), ",") {
			if c = strings.TrimSpace(c); c != "" {
				cols = append(cols, c)
			}
		}
		out = append(out, domain.Index{
			Database: db,
			Schema:   str(r, "schema_name"),
			Table:    str(r, "table_name"),
			Name:     str(r, "index_name"),
			Columns:  cols,
			Unique:   boolVal(r, "is_unique"),
		})
	}
	return out
}

func foreignKeysFrom(res *domain.QueryResult, database string) []domain.ForeignKey {
	out := make([]domain.ForeignKey, 0, len(res.Rows))
	for _, r := range res.Rows {
		db := str(r, "database_name")
		if db == "" {
			db = database
		}
		out = append(out, domain.ForeignKey{
			Database:         db,
			Schema:           str(r, "schema_name"),
			Table:            str(r, "table_name"),
			Column:           str(r, "column_name"),
			ReferencedSchema: str(r, "referenced_schema"),
			ReferencedTable:  str(r, "referenced_table"),
			ReferencedColumn: str(r, "referenced_column"),
		})
	}
	return out
}
