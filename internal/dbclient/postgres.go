package dbclient

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"sqlgateway/internal/domain"
	"sqlgateway/internal/introspect"
)

// postgresAdapter serves PostgreSQL (pgx) and Redshift (lib/pq). Bounded
// reads go through a server-side cursor so unbounded results are never
// materialized.
type postgresAdapter struct {
	*sqlCore
	driverName  string
	defaultPort int
	catalog     introspect.CatalogQueries
	introOpts   []introspect.Option
}

func newPostgresAdapter(logger *zap.Logger, introOpts []introspect.Option) *postgresAdapter {
	core := newSQLCore(domain.DataSourcePostgreSQL, logger)
	core.rewrite = dollarParams
	core.run = cursorRun(true, "SET LOCAL")
	core.newCanceller = backendCanceller
	return &postgresAdapter{
		sqlCore:     core,
		driverName:  "pgx",
		defaultPort: 5432,
		catalog:     postgresCatalog,
		introOpts:   introOpts,
	}
}

// newRedshiftAdapter shares the PostgreSQL wire path. Redshift rejects
// READ ONLY transactions and SET LOCAL, so the timeout is a session setting.
func newRedshiftAdapter(logger *zap.Logger, introOpts []introspect.Option) *postgresAdapter {
	core := newSQLCore(domain.DataSourceRedshift, logger)
	core.rewrite = dollarParams
	core.run = cursorRun(false, "SET")
	core.newCanceller = backendCanceller
	return &postgresAdapter{
		sqlCore:     core,
		driverName:  "postgres",
		defaultPort: 5439,
		catalog:     redshiftCatalog,
		introOpts:   introOpts,
	}
}

func (a *postgresAdapter) Initialize(ctx context.Context, creds domain.Credentials) (err error) {
	if err := a.beginInit(); err != nil {
		return err
	}
	defer a.endInit(&err)

	c, err := credentialsAs[domain.PostgresCredentials](a.engine, creds)
	if err != nil {
		return err
	}
	dsn := buildPostgresDSN(c, a.defaultPort)
	db, err := openDB(ctx, a.engine, a.driverName, dsn)
	if err != nil {
		return err
	}
	key := postgresCacheKey(a.engine, c, a.defaultPort)
	intro := introspect.NewCached(key, a, a.catalog, postgresDialect(), a.introOpts...)
	if err := a.attach(db, nil, intro); err != nil {
		return err
	}
	a.logger.Info("connected", zap.String("host", c.Host), zap.String("database", c.Database))
	return nil
}

// buildPostgresDSN constructs a keyword/value connection string understood by
// both pgx and lib/pq.
// postgresCacheKey identifies one server and database for the introspection
// cache.
func postgresCacheKey(engine domain.DataSourceType, c domain.PostgresCredentials, defaultPort int) string {
	port := c.Port
	if port == 0 {
		port = defaultPort
	}
	return fingerprint(string(engine), c.Host, strconv.Itoa(port), c.Database, c.Username)
}

func buildPostgresDSN(c domain.PostgresCredentials, defaultPort int) string {
	port := c.Port
	if port == 0 {
		port = defaultPort
	}
	sslMode := "disable"
	if c.SSL {
		sslMode = "require"
	}
	parts := []string{
		"host=" + quoteDSNValue(c.Host),
		fmt.Sprintf("port=%d", port),
		"user=" + quoteDSNValue(c.Username),
		"password=" + quoteDSNValue(c.Password),
		"dbname=" + quoteDSNValue(c.Database),
		"sslmode=" + sslMode,
	}
	if c.ConnectionTimeout > 0 {
		secs := (c.ConnectionTimeout + 999) / 1000
		parts = append(parts, fmt.Sprintf("connect_timeout=%d", secs))
	}
	return strings.Join(parts, " ")
}

func quoteDSNValue(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

// isCursorable reports whether stmt can be wrapped in DECLARE ... CURSOR.
func isCursorable(stmt string) bool {
	q := strings.ToUpper(strings.TrimSpace(stmt))
	for _, prefix := range []string{"SELECT", "WITH", "VALUES", "TABLE", "("} {
		if strings.HasPrefix(q, prefix) {
			return true
		}
	}
	return false
}

// cursorRun declares a server-side cursor inside a transaction and fetches
// it in batches of min(maxRows+1, 1000) until the limit or the end.
// Statements that cannot be declared as a cursor are streamed instead.
func cursorRun(readOnly bool, setTimeout string) runFunc {
	return func(ctx context.Context, conn dbConn, stmt string, args []any, opts domain.QueryOptions, track func(*sql.Rows)) (*domain.QueryResult, error) {
		if !isCursorable(stmt) {
			return streamRows(ctx, conn, stmt, args, opts, track)
		}

		tx, err := conn.BeginTx(ctx, &sql.TxOptions{ReadOnly: readOnly})
		if err != nil {
			return nil, fmt.Errorf("begin: %w", err)
		}
		defer tx.Rollback()

		timeoutSQL := fmt.Sprintf("%s statement_timeout = %d", setTimeout, opts.EffectiveTimeout().Milliseconds())
		if _, err := tx.ExecContext(ctx, timeoutSQL); err != nil {
			return nil, fmt.Errorf("statement timeout: %w", err)
		}

		name := "gw_" + strings.ReplaceAll(uuid.NewString(), "-", "")
		if _, err := tx.ExecContext(ctx, "DECLARE "+name+" NO SCROLL CURSOR FOR "+stmt, args...); err != nil {
			return nil, err
		}

		limit := opts.FetchLimit()
		batch := opts.BatchSize()
		out := make([]domain.Row, 0)
		var fields []domain.FieldMetadata
		for {
			n := batch
			if limit > 0 && limit-len(out) < n {
				n = limit - len(out)
			}
			rows, err := tx.QueryContext(ctx, fmt.Sprintf("FETCH FORWARD %d FROM %s", n, name))
			if err != nil {
				return nil, err
			}
			if track != nil {
				track(rows)
			}
			page, f, err := scanRows(rows, 0)
			rows.Close()
			if err != nil {
				return nil, err
			}
			if fields == nil {
				fields = f
			}
			out = append(out, page...)
			if len(page) < n || (limit > 0 && len(out) >= limit) {
				break
			}
		}
		if _, err := tx.ExecContext(ctx, "CLOSE "+name); err != nil {
			return nil, fmt.Errorf("close cursor: %w", err)
		}
		return domain.NewQueryResult(out, fields, opts.MaxRows), nil
	}
}

// backendCanceller pins the run to one backend and cancels it with
// pg_cancel_backend from another connection.
func backendCanceller(c *sqlCore) canceller {
	return &sessionCanceller{
		core:  c,
		idSQL: "SELECT pg_backend_pid()",
		cancelSQL: func(pid int64) (string, []any) {
			return "SELECT pg_cancel_backend($1)", []any{pid}
		},
	}
}

func postgresDialect() introspect.Dialect {
	d := introspect.ANSIDialect()
	d.TextType = "TEXT"
	// Cross-database references are not allowed; the catalog only covers
	// the connected database.
	d.TableRef = func(_, schema, table string) string {
		if schema == "" {
			return d.QuoteIdent(table)
		}
		return d.QuoteIdent(schema) + "." + d.QuoteIdent(table)
	}
	return d
}

const pgSystemSchemas = `('pg_catalog', 'information_schema', 'pg_toast')`

var postgresCatalog = introspect.CatalogQueries{
	Databases: `SELECT datname AS database_name FROM pg_database
		WHERE NOT datistemplate AND datallowconn ORDER BY datname`,

	Schemas: `SELECT current_database() AS database_name, nspname AS schema_name
		FROM pg_namespace
		WHERE nspname NOT IN ` + pgSystemSchemas + ` AND nspname NOT LIKE 'pg_temp_%' AND nspname NOT LIKE 'pg_toast_temp_%'
		ORDER BY nspname`,

	Tables: `SELECT current_database() AS database_name, n.nspname AS schema_name, c.relname AS table_name,
			CASE c.relkind WHEN 'r' THEN 'BASE TABLE' WHEN 'p' THEN 'PARTITIONED TABLE'
				WHEN 'f' THEN 'FOREIGN TABLE' WHEN 'm' THEN 'MATERIALIZED VIEW' END AS table_type,
			c.reltuples::bigint AS row_count,
			obj_description(c.oid, 'pg_class') AS comment
		FROM pg_class c JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE c.relkind IN ('r', 'p', 'f', 'm') AND n.nspname NOT IN ` + pgSystemSchemas + `
		ORDER BY n.nspname, c.relname`,

	Columns: `SELECT current_database() AS database_name, n.nspname AS schema_name, c.relname AS table_name,
			a.attname AS column_name, format_type(a.atttypid, a.atttypmod) AS data_type,
			NOT a.attnotnull AS is_nullable, a.attnum AS ordinal_position,
			pg_get_expr(d.adbin, d.adrelid) AS column_default,
			COALESCE(pk.indisprimary, false) AS is_primary_key,
			col_description(c.oid, a.attnum) AS comment
		FROM pg_attribute a
		JOIN pg_class c ON c.oid = a.attrelid
		JOIN pg_namespace n ON n.oid = c.relnamespace
		LEFT JOIN pg_attrdef d ON d.adrelid = a.attrelid AND d.adnum = a.attnum
		LEFT JOIN pg_index pk ON pk.indrelid = c.oid AND pk.indisprimary AND a.attnum = ANY(pk.indkey)
		WHERE a.attnum > 0 AND NOT a.attisdropped
			AND c.relkind IN ('r', 'p', 'f', 'm', 'v') AND n.nspname NOT IN ` + pgSystemSchemas + `
		ORDER BY n.nspname, c.relname, a.attnum`,

	Views: `SELECT current_database() AS database_name, schemaname AS schema_name,
			viewname AS view_name, definition AS view_definition
		FROM pg_views WHERE schemaname NOT IN ` + pgSystemSchemas + `
		ORDER BY schemaname, viewname`,

	Indexes: `SELECT current_database() AS database_name, n.nspname AS schema_name, t.relname AS table_name,
			i.relname AS index_name, ix.indisunique AS is_unique,
			string_agg(a.attname, ',' ORDER BY k.ord) AS column_names
		FROM pg_index ix
		JOIN pg_class i ON i.oid = ix.indexrelid
		JOIN pg_class t ON t.oid = ix.indrelid
		JOIN pg_namespace n ON n.oid = t.relnamespace
		CROSS JOIN LATERAL unnest(ix.indkey) WITH ORDINALITY AS k(attnum, ord)
		JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = k.attnum
		WHERE n.nspname NOT IN ` + pgSystemSchemas + `
		GROUP BY n.nspname, t.relname, i.relname, ix.indisunique`,

	ForeignKeys: `SELECT current_database() AS database_name, tc.table_schema AS schema_name, tc.table_name,
			kcu.column_name, ccu.table_schema AS referenced_schema,
			ccu.table_name AS referenced_table, ccu.column_name AS referenced_column
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
		JOIN information_schema.constraint_column_usage ccu
			ON ccu.constraint_name = tc.constraint_name AND ccu.table_schema = tc.table_schema
		WHERE tc.constraint_type = 'FOREIGN KEY'`,
}

const redshiftSystemSchemas = `('pg_catalog', 'information_schema', 'pg_internal', 'pg_automv')`

var redshiftCatalog = introspect.CatalogQueries{
	Databases: `SELECT database_name FROM svv_redshift_databases ORDER BY database_name`,

	Schemas: `SELECT database_name, schema_name FROM svv_all_schemas
		WHERE database_name = current_database() AND schema_name NOT IN ` + redshiftSystemSchemas + `
		ORDER BY schema_name`,

	Tables: `SELECT t.database_name, t.schema_name, t.table_name, t.table_type,
			ti.tbl_rows::bigint AS row_count, t.remarks AS comment
		FROM svv_all_tables t
		LEFT JOIN svv_table_info ti ON ti."schema" = t.schema_name AND ti."table" = t.table_name
		WHERE t.database_name = current_database() AND t.table_type <> 'VIEW'
			AND t.schema_name NOT IN ` + redshiftSystemSchemas + `
		ORDER BY t.schema_name, t.table_name`,

	Columns: `SELECT database_name, schema_name, table_name, column_name, data_type, is_nullable,
			ordinal_position, column_default, remarks AS comment
		FROM svv_all_columns
		WHERE database_name = current_database() AND schema_name NOT IN ` + redshiftSystemSchemas + `
		ORDER BY schema_name, table_name, ordinal_position`,

	Views: `SELECT current_database() AS database_name, schemaname AS schema_name,
			viewname AS view_name, definition AS view_definition
		FROM pg_views WHERE schemaname NOT IN ` + redshiftSystemSchemas + `
		ORDER BY schemaname, viewname`,
}
