package dbclient

import (
	"database/sql"
	"math/big"
	"strconv"
	"strings"
	"time"

	"sqlgateway/internal/domain"
)

// Normalized field type names.
const (
	TypeInteger   = "integer"
	TypeDecimal   = "decimal"
	TypeFloat     = "float"
	TypeBoolean   = "boolean"
	TypeString    = "string"
	TypeDate      = "date"
	TypeTime      = "time"
	TypeTimestamp = "timestamp"
	TypeBinary    = "binary"
	TypeJSON      = "json"
	TypeArray     = "array"
	TypeStruct    = "struct"
)

var typeNames = map[string]string{
	"INT": TypeInteger, "INTEGER": TypeInteger, "BIGINT": TypeInteger, "SMALLINT": TypeInteger,
	"TINYINT": TypeInteger, "MEDIUMINT": TypeInteger, "INT2": TypeInteger, "INT4": TypeInteger,
	"INT8": TypeInteger, "INT64": TypeInteger, "SERIAL": TypeInteger, "BIGSERIAL": TypeInteger,
	"HUGEINT": TypeInteger, "UBIGINT": TypeInteger, "UINTEGER": TypeInteger, "USMALLINT": TypeInteger,
	"UTINYINT": TypeInteger, "YEAR": TypeInteger,

	"DECIMAL": TypeDecimal, "NUMERIC": TypeDecimal, "NUMBER": TypeDecimal, "FIXED": TypeDecimal,
	"MONEY": TypeDecimal, "SMALLMONEY": TypeDecimal, "BIGNUMERIC": TypeDecimal, "DEC": TypeDecimal,

	"FLOAT": TypeFloat, "FLOAT4": TypeFloat, "FLOAT8": TypeFloat, "FLOAT64": TypeFloat,
	"DOUBLE": TypeFloat, "REAL": TypeFloat, "DOUBLE PRECISION": TypeFloat,

	"BOOL": TypeBoolean, "BOOLEAN": TypeBoolean, "BIT": TypeBoolean,

	"VARCHAR": TypeString, "CHAR": TypeString, "TEXT": TypeString, "STRING": TypeString,
	"NVARCHAR": TypeString, "NCHAR": TypeString, "NTEXT": TypeString, "BPCHAR": TypeString,
	"CHARACTER": TypeString, "CHARACTER VARYING": TypeString, "UUID": TypeString,
	"UNIQUEIDENTIFIER": TypeString, "NAME": TypeString, "CITEXT": TypeString, "ENUM": TypeString,
	"TINYTEXT": TypeString, "MEDIUMTEXT": TypeString, "LONGTEXT": TypeString, "XML": TypeString,

	"DATE": TypeDate,

	"TIME": TypeTime, "TIMETZ": TypeTime, "TIME WITH TIME ZONE": TypeTime,

	"TIMESTAMP": TypeTimestamp, "TIMESTAMPTZ": TypeTimestamp, "DATETIME": TypeTimestamp,
	"DATETIME2": TypeTimestamp, "SMALLDATETIME": TypeTimestamp, "DATETIMEOFFSET": TypeTimestamp,
	"TIMESTAMP_NTZ": TypeTimestamp, "TIMESTAMP_LTZ": TypeTimestamp, "TIMESTAMP_TZ": TypeTimestamp,
	"TIMESTAMP WITH TIME ZONE": TypeTimestamp, "TIMESTAMP WITHOUT TIME ZONE": TypeTimestamp,

	"BYTEA": TypeBinary, "BLOB": TypeBinary, "BINARY": TypeBinary, "VARBINARY": TypeBinary,
	"BYTES": TypeBinary, "IMAGE": TypeBinary, "LONGBLOB": TypeBinary, "MEDIUMBLOB": TypeBinary,
	"TINYBLOB": TypeBinary,

	"JSON": TypeJSON, "JSONB": TypeJSON, "VARIANT": TypeJSON, "OBJECT": TypeJSON, "MAP": TypeJSON,

	"ARRAY": TypeArray, "LIST": TypeArray,

	"STRUCT": TypeStruct, "RECORD": TypeStruct,
}

// normalizeType maps a driver type name to the gateway vocabulary, falling
// back to the lowercased driver name.
func normalizeType(dbType string) string {
	t := strings.ToUpper(strings.TrimSpace(dbType))
	switch {
	case strings.HasPrefix(t, "_"), strings.HasSuffix(t, "[]"), strings.HasPrefix(t, "ARRAY"):
		return TypeArray // "_int4" is a pg array
	case strings.HasPrefix(t, "STRUCT"):
		return TypeStruct
	}
	t = strings.TrimSuffix(strings.TrimPrefix(t, "UNSIGNED "), " UNSIGNED")
	if i := strings.IndexByte(t, '('); i >= 0 {
		t = strings.TrimSpace(t[:i])
	}
	if n, ok := typeNames[t]; ok {
		return n
	}
	return strings.ToLower(strings.TrimSpace(dbType))
}

func isNumericType(normalized string) bool {
	switch normalized {
	case TypeInteger, TypeDecimal, TypeFloat:
		return true
	}
	return false
}

// column is what the row scanner needs to know about one result column.
type column struct {
	name    string
	numeric bool
	scale   int64 // -1 when unknown
}

func columnsFromTypes(types []*sql.ColumnType) ([]column, []domain.FieldMetadata) {
	cols := make([]column, len(types))
	fields := make([]domain.FieldMetadata, len(types))
	for i, ct := range types {
		norm := normalizeType(ct.DatabaseTypeName())
		f := domain.FieldMetadata{Name: ct.Name(), Type: norm}
		if nullable, ok := ct.Nullable(); ok {
			f.Nullable = nullable
		} else {
			f.Nullable = true
		}
		if l, ok := ct.Length(); ok {
			f.Length = &l
		}
		scale := int64(-1)
		if p, s, ok := ct.DecimalSize(); ok {
			f.Precision = &p
			f.Scale = &s
			scale = s
		}
		fields[i] = f
		cols[i] = column{name: ct.Name(), numeric: isNumericType(norm), scale: scale}
	}
	return cols, fields
}

// normalizeValue converts a driver value to the shape returned to callers.
func normalizeValue(v any, col column) any {
	switch val := v.(type) {
	case nil:
		return nil
	case []byte:
		if col.numeric {
			return parseNumeric(string(val), col.scale)
		}
		return string(val)
	case string:
		if col.numeric {
			return parseNumeric(val, col.scale)
		}
		return val
	case time.Time:
		return val.Format(time.RFC3339)
	case *big.Rat:
		f, _ := val.Float64()
		return f
	case *big.Int:
		if val.IsInt64() {
			return val.Int64()
		}
		return val.String()
	default:
		return val
	}
}

// parseNumeric turns a decimal string into int64 (or *big.Int past int64)
// when it is integral and the column has no fractional scale, otherwise
// float64. Strings that do not parse are returned unchanged.
func parseNumeric(s string, scale int64) any {
	s = strings.TrimSpace(s)
	if scale <= 0 && !strings.ContainsAny(s, ".eE") {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
		// Beyond int64, such as NUMBER(38,0) or DECIMAL(38,0).
		if n, ok := new(big.Int).SetString(s, 10); ok {
			return n
		}
		return s
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return s
	}
	return f
}
