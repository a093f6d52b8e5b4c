package dbclient

import (
	"context"
	"database/sql"
	"strconv"

	"github.com/snowflakedb/gosnowflake"
	"go.uber.org/zap"

	"sqlgateway/internal/domain"
	"sqlgateway/internal/introspect"
)

// snowflakeSessionTimeout is the server-side backstop. The per-query timeout
// is the context deadline, which the driver turns into a server cancel.
const snowflakeSessionTimeout = 3600

// snowflakeAdapter borrows its connection from the factory's WarmPool, so
// repeated adapters for the same credentials reuse one warm session.
type snowflakeAdapter struct {
	*sqlCore
	pool       *WarmPool
	driverName string
	introOpts  []introspect.Option
}

func newSnowflakeAdapter(pool *WarmPool, logger *zap.Logger, introOpts []introspect.Option) *snowflakeAdapter {
	return &snowflakeAdapter{
		sqlCore:    newSQLCore(domain.DataSourceSnowflake, logger),
		pool:       pool,
		driverName: "snowflake",
		introOpts:  introOpts,
	}
}

func (a *snowflakeAdapter) Initialize(ctx context.Context, creds domain.Credentials) (err error) {
	if err := a.beginInit(); err != nil {
		return err
	}
	defer a.endInit(&err)

	c, err := credentialsAs[domain.SnowflakeCredentials](a.engine, creds)
	if err != nil {
		return err
	}
	dsn, err := buildSnowflakeDSN(c)
	if err != nil {
		return &domain.ValidationError{Field: "credentials", Message: err.Error()}
	}
	db, release, err := a.pool.Acquire(ctx, dsn, func(ctx context.Context) (*sql.DB, error) {
		return openDB(ctx, a.engine, a.driverName, dsn)
	})
	if err != nil {
		return err
	}
	intro := introspect.NewDirect(a, snowflakeScoped(), introspect.ANSIDialect(), a.introOpts...)
	if err := a.attach(db, release, intro); err != nil {
		return err
	}
	a.logger.Info("connected",
		zap.String("account", c.AccountID),
		zap.String("warehouse", c.WarehouseID),
		zap.String("database", c.DefaultDatabase))
	return nil
}

func buildSnowflakeDSN(c domain.SnowflakeCredentials) (string, error) {
	timeout := strconv.Itoa(snowflakeSessionTimeout)
	cfg := &gosnowflake.Config{
		Account:   c.AccountID,
		User:      c.Username,
		Password:  c.Password,
		Database:  c.DefaultDatabase,
		Schema:    c.DefaultSchema,
		Warehouse: c.WarehouseID,
		Role:      c.Role,
		Params: map[string]*string{
			"STATEMENT_TIMEOUT_IN_SECONDS": &timeout,
		},
	}
	return gosnowflake.DSN(cfg)
}

// snowflakeScoped reads every database through its own INFORMATION_SCHEMA.
func snowflakeScoped() introspect.ScopedQueries {
	q := introspect.ANSIDialect().QuoteIdent
	return introspect.ScopedQueries{
		Databases: `SELECT DATABASE_NAME AS "database_name" FROM INFORMATION_SCHEMA.DATABASES ORDER BY 1`,

		Schemas: func(database string) (string, []any) {
			return `SELECT CATALOG_NAME AS "database_name", SCHEMA_NAME AS "schema_name"
				FROM ` + q(database) + `.INFORMATION_SCHEMA.SCHEMATA
				WHERE SCHEMA_NAME <> 'INFORMATION_SCHEMA' ORDER BY 2`, nil
		},

		Tables: func(database, schema string) (string, []any) {
			f := newFilter("TABLE_SCHEMA <> 'INFORMATION_SCHEMA'", "TABLE_TYPE <> 'VIEW'")
			f.eq("TABLE_SCHEMA", schema)
			return `SELECT TABLE_CATALOG AS "database_name", TABLE_SCHEMA AS "schema_name",
					TABLE_NAME AS "table_name", TABLE_TYPE AS "table_type",
					ROW_COUNT AS "row_count", COMMENT AS "comment"
				FROM ` + q(database) + `.INFORMATION_SCHEMA.TABLES` + f.where() + `
				ORDER BY 2, 3`, f.args
		},

		Columns: func(database, schema, table string) (string, []any) {
			f := newFilter("TABLE_SCHEMA <> 'INFORMATION_SCHEMA'")
			f.eq("TABLE_SCHEMA", schema)
			f.eq("TABLE_NAME", table)
			return `SELECT TABLE_CATALOG AS "database_name", TABLE_SCHEMA AS "schema_name",
					TABLE_NAME AS "table_name", COLUMN_NAME AS "column_name", DATA_TYPE AS "data_type",
					IS_NULLABLE AS "is_nullable", ORDINAL_POSITION AS "ordinal_position",
					COLUMN_DEFAULT AS "column_default", COMMENT AS "comment"
				FROM ` + q(database) + `.INFORMATION_SCHEMA.COLUMNS` + f.where() + `
				ORDER BY 2, 3, 7`, f.args
		},

		Views: func(database, schema string) (string, []any) {
			f := newFilter("TABLE_SCHEMA <> 'INFORMATION_SCHEMA'")
			f.eq("TABLE_SCHEMA", schema)
			return `SELECT TABLE_CATALOG AS "database_name", TABLE_SCHEMA AS "schema_name",
					TABLE_NAME AS "view_name", VIEW_DEFINITION AS "view_definition"
				FROM ` + q(database) + `.INFORMATION_SCHEMA.VIEWS` + f.where() + `
				ORDER BY 2, 3`, f.args
		},
	}
}
