package dbclient

import (
	"context"
	"net/url"

	_ "github.com/duckdb/duckdb-go/v2"
	"go.uber.org/zap"

	"sqlgateway/internal/domain"
	"sqlgateway/internal/introspect"
)

// motherDuckAdapter reaches MotherDuck through the embedded DuckDB engine.
// DuckDB has no statement timeout, so the timeout is a race.
type motherDuckAdapter struct {
	*sqlCore
	introOpts []introspect.Option
}

func newMotherDuckAdapter(logger *zap.Logger, introOpts []introspect.Option) *motherDuckAdapter {
	core := newSQLCore(domain.DataSourceMotherDuck, logger)
	core.raceTimeout = true
	return &motherDuckAdapter{sqlCore: core, introOpts: introOpts}
}

func (a *motherDuckAdapter) Initialize(ctx context.Context, creds domain.Credentials) (err error) {
	if err := a.beginInit(); err != nil {
		return err
	}
	defer a.endInit(&err)

	c, err := credentialsAs[domain.MotherDuckCredentials](a.engine, creds)
	if err != nil {
		return err
	}
	db, err := openDB(ctx, a.engine, "duckdb", buildMotherDuckDSN(c))
	if err != nil {
		return err
	}
	key := fingerprint(string(a.engine), c.DefaultDatabase, c.Token)
	intro := introspect.NewCached(key, a, duckdbCatalog, introspect.ANSIDialect(), a.introOpts...)
	if err := a.attach(db, nil, intro); err != nil {
		return err
	}
	a.logger.Info("connected", zap.String("database", c.DefaultDatabase), zap.Bool("saasMode", c.SaaSMode))
	return nil
}

// buildMotherDuckDSN returns md:<database>?motherduck_token=...
func buildMotherDuckDSN(c domain.MotherDuckCredentials) string {
	q := url.Values{}
	q.Set("motherduck_token", c.Token)
	if c.SaaSMode {
		q.Set("saas_mode", "true")
	}
	if c.AttachMode != "" {
		q.Set("attach_mode", c.AttachMode)
	}
	return "md:" + c.DefaultDatabase + "?" + q.Encode()
}

var duckdbCatalog = introspect.CatalogQueries{
	Databases: `SELECT database_name FROM duckdb_databases()
		WHERE NOT internal ORDER BY database_name`,

	Schemas: `SELECT database_name, schema_name FROM duckdb_schemas()
		WHERE NOT internal AND schema_name NOT IN ('information_schema', 'pg_catalog')
		ORDER BY database_name, schema_name`,

	Tables: `SELECT database_name, schema_name, table_name, 'BASE TABLE' AS table_type,
			estimated_size AS row_count, comment
		FROM duckdb_tables() WHERE NOT internal
		ORDER BY database_name, schema_name, table_name`,

	Columns: `SELECT database_name, schema_name, table_name, column_name, data_type,
			is_nullable, column_index AS ordinal_position, column_default, comment
		FROM duckdb_columns() WHERE NOT internal
		ORDER BY database_name, schema_name, table_name, column_index`,

	Views: `SELECT database_name, schema_name, view_name, sql AS view_definition
		FROM duckdb_views() WHERE NOT internal
		ORDER BY database_name, schema_name, view_name`,
}
