package dbclient

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"sqlgateway/internal/domain"
	"sqlgateway/internal/introspect"
)

// mysqlAdapter has no usable per-statement timeout, so the timeout is a race
// whose loser gets its context cancelled, and cancellation kills the query on
// the server by connection id.
type mysqlAdapter struct {
	*sqlCore
	introOpts []introspect.Option
}

func newMySQLAdapter(logger *zap.Logger, introOpts []introspect.Option) *mysqlAdapter {
	core := newSQLCore(domain.DataSourceMySQL, logger)
	core.raceTimeout = true
	core.newCanceller = func(c *sqlCore) canceller {
		return &sessionCanceller{
			core:  c,
			idSQL: "SELECT CONNECTION_ID()",
			cancelSQL: func(id int64) (string, []any) {
				return fmt.Sprintf("KILL QUERY %d", id), nil
			},
		}
	}
	return &mysqlAdapter{sqlCore: core, introOpts: introOpts}
}

func (a *mysqlAdapter) Initialize(ctx context.Context, creds domain.Credentials) (err error) {
	if err := a.beginInit(); err != nil {
		return err
	}
	defer a.endInit(&err)

	c, err := credentialsAs[domain.MySQLCredentials](a.engine, creds)
	if err != nil {
		return err
	}
	db, err := openDB(ctx, a.engine, "mysql", buildMySQLDSN(c))
	if err != nil {
		return err
	}
	intro := introspect.NewDirect(a, mysqlScoped(c.Database), mysqlDialect(), a.introOpts...)
	if err := a.attach(db, nil, intro); err != nil {
		return err
	}
	a.logger.Info("connected", zap.String("host", c.Host), zap.String("database", c.Database))
	return nil
}

// buildMySQLDSN constructs a MySQL DSN from credentials.
func buildMySQLDSN(c domain.MySQLCredentials) string {
	port := c.Port
	if port == 0 {
		port = 3306
	}
	charset := c.Charset
	if charset == "" {
		charset = "utf8mb4"
	}
	cfg := mysql.NewConfig()
	cfg.User = c.Username
	cfg.Passwd = c.Password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(c.Host, strconv.Itoa(port))
	cfg.DBName = c.Database
	cfg.Params = map[string]string{"charset": charset}
	if c.SSL {
		cfg.TLSConfig = "true"
	}
	return cfg.FormatDSN()
}

func mysqlDialect() introspect.Dialect {
	quote := func(s string) string { return "`" + strings.ReplaceAll(s, "`", "``") + "`" }
	return introspect.Dialect{
		QuoteIdent: quote,
		// A MySQL database is its only schema level.
		TableRef: func(database, schema, table string) string {
			db := database
			if db == "" {
				db = schema
			}
			if db == "" {
				return quote(table)
			}
			return quote(db) + "." + quote(table)
		},
		TextType: "CHAR",
	}
}

const mysqlSystemSchemas = `('mysql', 'information_schema', 'performance_schema', 'sys')`

// mysqlScoped treats database and schema as the same level; whichever is set
// selects it, and the connected database is used when neither is.
func mysqlScoped(defaultDB string) introspect.ScopedQueries {
	pick := func(database, schema string) string {
		switch {
		case database != "":
			return database
		case schema != "":
			return schema
		}
		return defaultDB
	}
	return introspect.ScopedQueries{
		Databases: `SELECT SCHEMA_NAME AS database_name FROM information_schema.SCHEMATA
			WHERE SCHEMA_NAME NOT IN ` + mysqlSystemSchemas + ` ORDER BY SCHEMA_NAME`,

		Schemas: func(database string) (string, []any) {
			return `SELECT SCHEMA_NAME AS database_name, SCHEMA_NAME AS schema_name
				FROM information_schema.SCHEMATA WHERE SCHEMA_NAME = ?`, []any{database}
		},

		Tables: func(database, schema string) (string, []any) {
			return `SELECT TABLE_SCHEMA AS database_name, TABLE_SCHEMA AS schema_name, TABLE_NAME AS table_name,
					TABLE_TYPE AS table_type, TABLE_ROWS AS row_count, TABLE_COMMENT AS comment
				FROM information_schema.TABLES
				WHERE TABLE_SCHEMA = ? AND TABLE_TYPE <> 'VIEW'
				ORDER BY TABLE_NAME`, []any{pick(database, schema)}
		},

		Columns: func(database, schema, table string) (string, []any) {
			f := newFilter()
			f.eq("TABLE_SCHEMA", pick(database, schema))
			f.eq("TABLE_NAME", table)
			return `SELECT TABLE_SCHEMA AS database_name, TABLE_SCHEMA AS schema_name, TABLE_NAME AS table_name,
					COLUMN_NAME AS column_name, COLUMN_TYPE AS data_type, IS_NULLABLE AS is_nullable,
					ORDINAL_POSITION AS ordinal_position, COLUMN_DEFAULT AS column_default,
					COLUMN_KEY = 'PRI' AS is_primary_key, COLUMN_COMMENT AS comment
				FROM information_schema.COLUMNS` + f.where() + `
				ORDER BY TABLE_NAME, ORDINAL_POSITION`, f.args
		},

		Views: func(database, schema string) (string, []any) {
			return `SELECT TABLE_SCHEMA AS database_name, TABLE_SCHEMA AS schema_name,
					TABLE_NAME AS view_name, VIEW_DEFINITION AS view_definition
				FROM information_schema.VIEWS WHERE TABLE_SCHEMA = ?
				ORDER BY TABLE_NAME`, []any{pick(database, schema)}
		},
	}
}
