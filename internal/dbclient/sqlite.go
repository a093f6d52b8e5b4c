package dbclient

import (
	"context"
	"strings"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"sqlgateway/internal/domain"
	"sqlgateway/internal/introspect"
)

// sqliteAdapter serves a local database file. Every object lives in the
// "main" database and schema.
type sqliteAdapter struct {
	*sqlCore
	introOpts []introspect.Option
}

func newSQLiteAdapter(logger *zap.Logger, introOpts []introspect.Option) *sqliteAdapter {
	return &sqliteAdapter{
		sqlCore:   newSQLCore(domain.DataSourceSQLite, logger),
		introOpts: introOpts,
	}
}

func (a *sqliteAdapter) Initialize(ctx context.Context, creds domain.Credentials) (err error) {
	if err := a.beginInit(); err != nil {
		return err
	}
	defer a.endInit(&err)

	c, err := credentialsAs[domain.SQLiteCredentials](a.engine, creds)
	if err != nil {
		return err
	}
	db, err := openDB(ctx, a.engine, "sqlite", buildSQLiteDSN(c.Path))
	if err != nil {
		return err
	}
	// An in-memory database exists per connection.
	if isMemoryPath(c.Path) {
		db.SetMaxOpenConns(1)
		db.SetConnMaxLifetime(0)
	}
	intro := introspect.NewCached(fingerprint(string(a.engine), c.Path), a, sqliteCatalog, sqliteDialect(), a.introOpts...)
	if err := a.attach(db, nil, intro); err != nil {
		return err
	}
	a.logger.Info("connected", zap.String("path", c.Path))
	return nil
}

func isMemoryPath(p string) bool {
	return p == ":memory:" || strings.HasPrefix(p, "file::memory:")
}

// buildSQLiteDSN opens files in WAL mode with a busy timeout.
func buildSQLiteDSN(path string) string {
	if isMemoryPath(path) {
		return path
	}
	return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

func sqliteDialect() introspect.Dialect {
	d := introspect.ANSIDialect()
	d.TextType = "TEXT"
	d.TableRef = func(_, schema, table string) string {
		if schema == "" {
			return d.QuoteIdent(table)
		}
		return d.QuoteIdent(schema) + "." + d.QuoteIdent(table)
	}
	return d
}

const sqliteUserTables = `m.type = 'table' AND m.name NOT LIKE 'sqlite_%'`

var sqliteCatalog = introspect.CatalogQueries{
	Databases: `SELECT 'main' AS database_name`,

	Schemas: `SELECT 'main' AS database_name, 'main' AS schema_name`,

	Tables: `SELECT 'main' AS database_name, 'main' AS schema_name, m.name AS table_name,
			'BASE TABLE' AS table_type
		FROM sqlite_master m WHERE ` + sqliteUserTables + ` ORDER BY m.name`,

	Columns: `SELECT 'main' AS database_name, 'main' AS schema_name, m.name AS table_name,
			p.name AS column_name, p.type AS data_type,
			CASE WHEN p."notnull" = 0 AND p.pk = 0 THEN 'YES' ELSE 'NO' END AS is_nullable,
			p.cid + 1 AS ordinal_position, p.dflt_value AS column_default,
			p.pk > 0 AS is_primary_key
		FROM sqlite_master m, pragma_table_info(m.name) p
		WHERE ` + sqliteUserTables + ` ORDER BY m.name, p.cid`,

	Views: `SELECT 'main' AS database_name, 'main' AS schema_name, m.name AS view_name,
			m.sql AS view_definition
		FROM sqlite_master m WHERE m.type = 'view' ORDER BY m.name`,

	Indexes: `SELECT 'main' AS database_name, 'main' AS schema_name, m.name AS table_name,
			il.name AS index_name, il."unique" AS is_unique,
			(SELECT group_concat(ii.name, ',') FROM pragma_index_info(il.name) ii) AS column_names
		FROM sqlite_master m, pragma_index_list(m.name) il
		WHERE ` + sqliteUserTables + ` ORDER BY m.name, il.name`,

	ForeignKeys: `SELECT 'main' AS database_name, 'main' AS schema_name, m.name AS table_name,
			fk."from" AS column_name, 'main' AS referenced_schema,
			fk."table" AS referenced_table, fk."to" AS referenced_column
		FROM sqlite_master m, pragma_foreign_key_list(m.name) fk
		WHERE ` + sqliteUserTables + ` ORDER BY m.name, fk.id, fk.seq`,
}
