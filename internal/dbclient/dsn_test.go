package dbclient

import (
	"database/sql"
	"math/big"
	"net/url"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sqlgateway/internal/domain"
)

// ─────────────────────────────────────────────────────────────
// Placeholders
// ─────────────────────────────────────────────────────────────

func TestNamedParams_BigQueryStyle(t *testing.T) {
	stmt, named := namedParams("SELECT * FROM t WHERE id = ?", []any{1})
	assert.Equal(t, "SELECT * FROM t WHERE id = @param0", stmt)
	assert.Equal(t, []sql.NamedArg{sql.Named("param0", 1)}, named)
}

func TestPlaceholders_SkipLiteralsAndComments(t *testing.T) {
	query := `SELECT '?', "a?b", x -- what?
FROM t /* ? */ WHERE a = ? AND b = 'it''s ?' AND c = ?`
	stmt, args := dollarParams(query, []any{1, 2})
	assert.Equal(t, `SELECT '?', "a?b", x -- what?
FROM t /* ? */ WHERE a = $1 AND b = 'it''s ?' AND c = $2`, stmt)
	assert.Equal(t, []any{1, 2}, args)
}

func TestDollarParams_SkipsPostgresQuoting(t *testing.T) {
	query := `SELECT $$ ? $$, $fn$ body ? $fn$, E'it\'s ?', e'\\', col$x FROM t WHERE a = ? AND b = $1`
	stmt, _ := dollarParams(query, []any{1})
	assert.Equal(t, `SELECT $$ ? $$, $fn$ body ? $fn$, E'it\'s ?', e'\\', col$x FROM t WHERE a = $1 AND b = $1`, stmt)
}

func TestNamedParams_IgnoresPostgresQuoting(t *testing.T) {
	stmt, named := namedParams(`SELECT $$, ? FROM t`, []any{"v"})
	assert.Equal(t, `SELECT $$, @param0 FROM t`, stmt)
	assert.Len(t, named, 1)
}

func TestDollarParams_NoParamsLeavesOperators(t *testing.T) {
	stmt, _ := dollarParams(`SELECT doc ? 'key' FROM docs`, nil)
	assert.Equal(t, `SELECT doc ? 'key' FROM docs`, stmt)
}

func TestSQLNamedParams(t *testing.T) {
	stmt, args := sqlNamedParams("SELECT ? + ?", []any{1, "x"})
	assert.Equal(t, "SELECT @param0 + @param1", stmt)
	assert.Equal(t, []any{sql.Named("param0", 1), sql.Named("param1", "x")}, args)
}

// ─────────────────────────────────────────────────────────────
// DSN builders
// ─────────────────────────────────────────────────────────────

func TestBuildPostgresDSN(t *testing.T) {
	dsn := buildPostgresDSN(domain.PostgresCredentials{
		Host: "db.internal", Database: "app", Username: "gw", Password: "p w'd",
		SSL: true, ConnectionTimeout: 2500,
	}, 5432)
	assert.Equal(t, `host=db.internal port=5432 user=gw password='p w\'d' dbname=app sslmode=require connect_timeout=3`, dsn)
}

func TestBuildRedshiftDSN_DefaultPort(t *testing.T) {
	dsn := buildPostgresDSN(domain.PostgresCredentials{Host: "rs", Database: "dev", Username: "u", Password: "p"}, 5439)
	assert.Contains(t, dsn, "port=5439")
	assert.Contains(t, dsn, "sslmode=disable")
}

func TestPostgresCacheKey_IncludesPort(t *testing.T) {
	c := domain.PostgresCredentials{Host: "db.internal", Database: "app", Username: "gw"}
	other := c
	other.Port = 6432
	explicitDefault := c
	explicitDefault.Port = 5432

	assert.NotEqual(t, postgresCacheKey(domain.DataSourcePostgreSQL, c, 5432), postgresCacheKey(domain.DataSourcePostgreSQL, other, 5432))
	assert.Equal(t, postgresCacheKey(domain.DataSourcePostgreSQL, c, 5432), postgresCacheKey(domain.DataSourcePostgreSQL, explicitDefault, 5432))
}

func TestBuildMySQLDSN(t *testing.T) {
	dsn := buildMySQLDSN(domain.MySQLCredentials{Host: "mysql", Database: "shop", Username: "u", Password: "p"})
	assert.True(t, strings.HasPrefix(dsn, "u:p@tcp(mysql:3306)/shop"), dsn)
	assert.Contains(t, dsn, "charset=utf8mb4")
}

func TestBuildSQLServerDSN(t *testing.T) {
	dsn := buildSQLServerDSN(domain.SQLServerCredentials{
		Server: "mssql", Port: 1433, Database: "sales", Username: "svc", Password: "p", Domain: "CORP",
	})
	u, err := url.Parse(dsn)
	require.NoError(t, err)
	assert.Equal(t, "sqlserver", u.Scheme)
	assert.Equal(t, `CORP\svc`, u.User.Username())
	assert.Equal(t, "mssql:1433", u.Host)
	assert.Equal(t, "sales", u.Query().Get("database"))
	assert.Equal(t, "true", u.Query().Get("encrypt"))
}

func TestBuildMotherDuckDSN(t *testing.T) {
	dsn := buildMotherDuckDSN(domain.MotherDuckCredentials{Token: "tok", DefaultDatabase: "my_db", SaaSMode: true})
	assert.Equal(t, "md:my_db?motherduck_token=tok&saas_mode=true", dsn)
}

func TestBuildSnowflakeDSN(t *testing.T) {
	dsn, err := buildSnowflakeDSN(snowflakeCreds())
	require.NoError(t, err)
	assert.Contains(t, dsn, "acme")
	assert.Contains(t, dsn, "warehouse=wh")
}

func TestBuildSQLiteDSN(t *testing.T) {
	assert.Equal(t, ":memory:", buildSQLiteDSN(":memory:"))
	assert.Equal(t, "file:/tmp/a.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", buildSQLiteDSN("/tmp/a.db"))
}

// ─────────────────────────────────────────────────────────────
// Type and value normalization
// ─────────────────────────────────────────────────────────────

func TestNormalizeType(t *testing.T) {
	cases := map[string]string{
		"INT4":              TypeInteger,
		"bigint unsigned":   TypeInteger,
		"NUMERIC(10,2)":     TypeDecimal,
		"varchar(255)":      TypeString,
		"TIMESTAMP_NTZ":     TypeTimestamp,
		"_int4":             TypeArray,
		"ARRAY<STRING>":     TypeArray,
		"STRUCT<a INT64>":   TypeStruct,
		"jsonb":             TypeJSON,
		"GEOGRAPHY":         "geography",
		"double precision":  TypeFloat,
		"character varying": TypeString,
	}
	for in, want := range cases {
		assert.Equal(t, want, normalizeType(in), in)
	}
}

func TestParseNumeric(t *testing.T) {
	assert.Equal(t, int64(42), parseNumeric("42", 0))
	assert.Equal(t, int64(42), parseNumeric("42", -1))
	assert.Equal(t, 1.5, parseNumeric("1.500", 3))
	assert.Equal(t, 3.0, parseNumeric("3", 2))
	assert.Equal(t, "NaN-ish", parseNumeric("NaN-ish", 0))
	huge, _ := new(big.Int).SetString("99999999999999999999", 10)
	assert.Equal(t, huge, parseNumeric("99999999999999999999", 0))
	assert.Equal(t, new(big.Int).Neg(huge), parseNumeric("-99999999999999999999", 0))
}

func TestBigQueryValue(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	schema := bigquery.Schema{
		{Name: "tags", Type: bigquery.StringFieldType, Repeated: true},
		{Name: "owner", Type: bigquery.RecordFieldType, Schema: bigquery.Schema{
			{Name: "name", Type: bigquery.StringFieldType},
			{Name: "since", Type: bigquery.TimestampFieldType},
		}},
		{Name: "price", Type: bigquery.NumericFieldType, Required: true},
	}

	assert.Equal(t, []any{"a", "b"}, bigQueryValue([]bigquery.Value{"a", "b"}, schema[0]))
	assert.Equal(t, map[string]any{"name": "ada", "since": "2024-03-01T12:00:00Z"},
		bigQueryValue([]bigquery.Value{"ada", ts}, schema[1]))
	assert.Equal(t, 2.25, bigQueryValue(big.NewRat(9, 4), schema[2]))

	fields := bigQueryFields(schema)
	assert.Equal(t, TypeArray, fields[0].Type)
	assert.Equal(t, TypeStruct, fields[1].Type)
	assert.Equal(t, TypeDecimal, fields[2].Type)
	assert.False(t, fields[2].Nullable)
	assert.True(t, fields[0].Nullable)
}
