package dbclient

import (
	"context"
	"database/sql"
	"strconv"
	"strings"

	dbsql "github.com/databricks/databricks-sql-go"
	"go.uber.org/zap"

	"sqlgateway/internal/domain"
	"sqlgateway/internal/introspect"
)

// databricksAdapter talks Spark SQL over HTTP. Metadata comes from the Unity
// Catalog system information_schema in one batch pass.
type databricksAdapter struct {
	*sqlCore
	introOpts []introspect.Option
}

func newDatabricksAdapter(logger *zap.Logger, introOpts []introspect.Option) *databricksAdapter {
	return &databricksAdapter{
		sqlCore:   newSQLCore(domain.DataSourceDatabricks, logger),
		introOpts: introOpts,
	}
}

func (a *databricksAdapter) Initialize(ctx context.Context, creds domain.Credentials) (err error) {
	if err := a.beginInit(); err != nil {
		return err
	}
	defer a.endInit(&err)

	c, err := credentialsAs[domain.DatabricksCredentials](a.engine, creds)
	if err != nil {
		return err
	}
	connector, err := dbsql.NewConnector(databricksOptions(c)...)
	if err != nil {
		return &domain.ConnectionError{DataSource: a.engine, Cause: err}
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)

	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		db.Close()
		return &domain.ConnectionError{DataSource: a.engine, Cause: err}
	}

	key := fingerprint(string(a.engine), c.ServerHostname, strconv.Itoa(c.Port), c.HTTPPath, c.Catalog)
	intro := introspect.NewCached(key, a, databricksCatalog, databricksDialect(), a.introOpts...)
	if err := a.attach(db, nil, intro); err != nil {
		return err
	}
	a.logger.Info("connected", zap.String("host", c.ServerHostname), zap.String("catalog", c.Catalog))
	return nil
}

func databricksOptions(c domain.DatabricksCredentials) []dbsql.ConnOption {
	port := c.Port
	if port == 0 {
		port = 443
	}
	opts := []dbsql.ConnOption{
		dbsql.WithServerHostname(c.ServerHostname),
		dbsql.WithPort(port),
		dbsql.WithHTTPPath(c.HTTPPath),
		dbsql.WithAccessToken(c.AccessToken),
	}
	if c.Catalog != "" || c.Schema != "" {
		opts = append(opts, dbsql.WithInitialNamespace(c.Catalog, c.Schema))
	}
	return opts
}

func databricksDialect() introspect.Dialect {
	return introspect.Dialect{
		QuoteIdent: func(s string) string { return "`" + strings.ReplaceAll(s, "`", "``") + "`" },
		TextType:   "STRING",
	}
}

var databricksCatalog = introspect.CatalogQueries{
	Databases: `SELECT catalog_name AS database_name FROM system.information_schema.catalogs
		WHERE catalog_name <> 'system' ORDER BY catalog_name`,

	Schemas: `SELECT catalog_name AS database_name, schema_name
		FROM system.information_schema.schemata
		WHERE schema_name <> 'information_schema' AND catalog_name <> 'system'
		ORDER BY catalog_name, schema_name`,

	Tables: `SELECT table_catalog AS database_name, table_schema AS schema_name, table_name,
			table_type, comment
		FROM system.information_schema.tables
		WHERE table_schema <> 'information_schema' AND table_catalog <> 'system' AND table_type <> 'VIEW'
		ORDER BY table_catalog, table_schema, table_name`,

	Columns: `SELECT table_catalog AS database_name, table_schema AS schema_name, table_name,
			column_name, full_data_type AS data_type, is_nullable, ordinal_position,
			column_default, comment
		FROM system.information_schema.columns
		WHERE table_schema <> 'information_schema' AND table_catalog <> 'system'
		ORDER BY table_catalog, table_schema, table_name, ordinal_position`,

	Views: `SELECT table_catalog AS database_name, table_schema AS schema_name,
			table_name AS view_name, view_definition
		FROM system.information_schema.views
		WHERE table_schema <> 'information_schema' AND table_catalog <> 'system'
		ORDER BY table_catalog, table_schema, table_name`,
}
