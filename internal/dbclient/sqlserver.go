package dbclient

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	_ "github.com/microsoft/go-mssqldb"
	"go.uber.org/zap"

	"sqlgateway/internal/domain"
	"sqlgateway/internal/introspect"
)

// sqlServerAdapter binds ? params as @param0, @param1, ... named arguments.
// The driver pools connections, so overlapping queries on one adapter are safe.
type sqlServerAdapter struct {
	*sqlCore
	introOpts []introspect.Option
}

func newSQLServerAdapter(logger *zap.Logger, introOpts []introspect.Option) *sqlServerAdapter {
	core := newSQLCore(domain.DataSourceSQLServer, logger)
	core.rewrite = sqlNamedParams
	return &sqlServerAdapter{sqlCore: core, introOpts: introOpts}
}

func (a *sqlServerAdapter) Initialize(ctx context.Context, creds domain.Credentials) (err error) {
	if err := a.beginInit(); err != nil {
		return err
	}
	defer a.endInit(&err)

	c, err := credentialsAs[domain.SQLServerCredentials](a.engine, creds)
	if err != nil {
		return err
	}
	db, err := openDB(ctx, a.engine, "sqlserver", buildSQLServerDSN(c))
	if err != nil {
		return err
	}
	intro := introspect.NewDirect(a, sqlServerScoped(), sqlServerDialect(), a.introOpts...)
	if err := a.attach(db, nil, intro); err != nil {
		return err
	}
	a.logger.Info("connected", zap.String("server", c.Server), zap.String("database", c.Database))
	return nil
}

// buildSQLServerDSN constructs a sqlserver:// URL. A domain turns the login
// into DOMAIN\user, which the driver authenticates with NTLM.
func buildSQLServerDSN(c domain.SQLServerCredentials) string {
	user := c.Username
	if c.Domain != "" {
		user = c.Domain + `\` + c.Username
	}
	host := c.Server
	if c.Port > 0 {
		host += ":" + strconv.Itoa(c.Port)
	}
	q := url.Values{}
	q.Set("database", c.Database)
	encrypt := true
	if c.Encrypt != nil {
		encrypt = *c.Encrypt
	}
	q.Set("encrypt", strconv.FormatBool(encrypt))
	if c.TrustServerCertificate {
		q.Set("TrustServerCertificate", "true")
	}
	u := &url.URL{
		Scheme:   "sqlserver",
		User:     url.UserPassword(user, c.Password),
		Host:     host,
		RawQuery: q.Encode(),
	}
	if c.Instance != "" {
		u.Path = c.Instance
	}
	return u.String()
}

func sqlServerQuote(s string) string {
	return "[" + strings.ReplaceAll(s, "]", "]]") + "]"
}

func sqlServerDialect() introspect.Dialect {
	return introspect.Dialect{
		QuoteIdent: sqlServerQuote,
		TextType:   "NVARCHAR(4000)",
		Limit: func(selectList, from string, n int) string {
			return fmt.Sprintf("SELECT TOP %d %s FROM %s", n, selectList, from)
		},
	}
}

// sqlServerScoped reads each database through its own INFORMATION_SCHEMA.
func sqlServerScoped() introspect.ScopedQueries {
	const system = `('sys', 'INFORMATION_SCHEMA', 'guest')`
	return introspect.ScopedQueries{
		Databases: `SELECT name AS database_name FROM sys.databases
			WHERE database_id > 4 AND state = 0 ORDER BY name`,

		Schemas: func(database string) (string, []any) {
			return `SELECT CATALOG_NAME AS database_name, SCHEMA_NAME AS schema_name
				FROM ` + sqlServerQuote(database) + `.INFORMATION_SCHEMA.SCHEMATA
				WHERE SCHEMA_NAME NOT IN ` + system + ` AND SCHEMA_NAME NOT LIKE 'db[_]%'
				ORDER BY SCHEMA_NAME`, nil
		},

		Tables: func(database, schema string) (string, []any) {
			f := newFilter("TABLE_TYPE = 'BASE TABLE'", "TABLE_SCHEMA NOT IN "+system)
			f.eq("TABLE_SCHEMA", schema)
			return `SELECT TABLE_CATALOG AS database_name, TABLE_SCHEMA AS schema_name,
					TABLE_NAME AS table_name, TABLE_TYPE AS table_type
				FROM ` + sqlServerQuote(database) + `.INFORMATION_SCHEMA.TABLES` + f.where() + `
				ORDER BY TABLE_SCHEMA, TABLE_NAME`, f.args
		},

		Columns: func(database, schema, table string) (string, []any) {
			db := sqlServerQuote(database)
			f := newFilter("c.TABLE_SCHEMA NOT IN " + system)
			f.eq("c.TABLE_SCHEMA", schema)
			f.eq("c.TABLE_NAME", table)
			return `SELECT c.TABLE_CATALOG AS database_name, c.TABLE_SCHEMA AS schema_name,
					c.TABLE_NAME AS table_name, c.COLUMN_NAME AS column_name, c.DATA_TYPE AS data_type,
					c.IS_NULLABLE AS is_nullable, c.ORDINAL_POSITION AS ordinal_position,
					c.COLUMN_DEFAULT AS column_default,
					CASE WHEN pk.COLUMN_NAME IS NULL THEN 0 ELSE 1 END AS is_primary_key
				FROM ` + db + `.INFORMATION_SCHEMA.COLUMNS c
				LEFT JOIN (
					SELECT k.TABLE_SCHEMA, k.TABLE_NAME, k.COLUMN_NAME
					FROM ` + db + `.INFORMATION_SCHEMA.TABLE_CONSTRAINTS t
					JOIN ` + db + `.INFORMATION_SCHEMA.KEY_COLUMN_USAGE k
						ON k.CONSTRAINT_NAME = t.CONSTRAINT_NAME AND k.TABLE_SCHEMA = t.TABLE_SCHEMA
					WHERE t.CONSTRAINT_TYPE = 'PRIMARY KEY'
				) pk ON pk.TABLE_SCHEMA = c.TABLE_SCHEMA AND pk.TABLE_NAME = c.TABLE_NAME AND pk.COLUMN_NAME = c.COLUMN_NAME` +
				f.where() + `
				ORDER BY c.TABLE_SCHEMA, c.TABLE_NAME, c.ORDINAL_POSITION`, f.args
		},

		Views: func(database, schema string) (string, []any) {
			f := newFilter("TABLE_SCHEMA NOT IN " + system)
			f.eq("TABLE_SCHEMA", schema)
			return `SELECT TABLE_CATALOG AS database_name, TABLE_SCHEMA AS schema_name,
					TABLE_NAME AS view_name, VIEW_DEFINITION AS view_definition
				FROM ` + sqlServerQuote(database) + `.INFORMATION_SCHEMA.VIEWS` + f.where() + `
				ORDER BY TABLE_SCHEMA, TABLE_NAME`, f.args
		},
	}
}
