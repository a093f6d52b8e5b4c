package introspect

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"sqlgateway/internal/domain"
)

// ScopedQueries render one catalog statement per call. A nil renderer means
// the engine has no such catalog and the call returns an empty list.
type ScopedQueries struct {
	// Databases lists databases with one statement. ListDatabases, when set,
	// is used instead for engines whose top level is not reachable from SQL.
	Databases     string
	ListDatabases func(ctx context.Context) ([]domain.Database, error)

	Schemas func(database string) (string, []any)
	Tables  func(database, schema string) (string, []any)
	Columns func(database, schema, table string) (string, []any)
	Views   func(database, schema string) (string, []any)
}

// Direct queries the catalog on every call. Calls without a database fan out
// over GetDatabases; a database that fails is logged and skipped.
type Direct struct {
	q       Querier
	queries ScopedQueries
	dialect Dialect
	logger  *zap.Logger
}

func NewDirect(q Querier, queries ScopedQueries, dialect Dialect, opts ...Option) *Direct {
	o := buildOptions(opts)
	return &Direct{q: q, queries: queries, dialect: dialect, logger: o.logger}
}

func (d *Direct) GetDatabases(ctx context.Context) ([]domain.Database, error) {
	if d.queries.ListDatabases != nil {
		return d.queries.ListDatabases(ctx)
	}
	if d.queries.Databases == "" {
		return []domain.Database{}, nil
	}
	res, err := d.q.Query(ctx, d.queries.Databases, nil, metadataOptions())
	if err != nil {
		return nil, err
	}
	return databasesFrom(res), nil
}

// eachDatabase runs fn for database, or for every database when it is empty.
func (d *Direct) eachDatabase(ctx context.Context, database, scope string, fn func(db string) error) error {
	if database != "" {
		return fn(database)
	}
	dbs, err := d.GetDatabases(ctx)
	if err != nil {
		return err
	}
	for _, db := range dbs {
		if err := fn(db.Name); err != nil {
			if errors.Is(err, domain.ErrNotConnected) || ctx.Err() != nil {
				return err
			}
			d.logger.Warn("introspection sub-fetch failed",
				zap.Error(&domain.IntrospectionWarning{Scope: scope + " in " + db.Name, Cause: err}))
		}
	}
	return nil
}

func (d *Direct) GetSchemas(ctx context.Context, database string) ([]domain.Schema, error) {
	out := []domain.Schema{}
	if d.queries.Schemas == nil {
		return out, nil
	}
	err := d.eachDatabase(ctx, database, "schemas", func(db string) error {
		sql, params := d.queries.Schemas(db)
		res, err := d.q.Query(ctx, sql, params, metadataOptions())
		if err != nil {
			return err
		}
		out = append(out, schemasFrom(res, db)...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (d *Direct) GetTables(ctx context.Context, database, schema string) ([]domain.Table, error) {
	out := []domain.Table{}
	if d.queries.Tables == nil {
		return out, nil
	}
	err := d.eachDatabase(ctx, database, "tables", func(db string) error {
		sql, params := d.queries.Tables(db, schema)
		res, err := d.q.Query(ctx, sql, params, metadataOptions())
		if err != nil {
			return err
		}
		out = append(out, tablesFrom(res, db)...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (d *Direct) GetColumns(ctx context.Context, database, schema, table string) ([]domain.Column, error) {
	out := []domain.Column{}
	if d.queries.Columns == nil {
		return out, nil
	}
	err := d.eachDatabase(ctx, database, "columns", func(db string) error {
		sql, params := d.queries.Columns(db, schema, table)
		res, err := d.q.Query(ctx, sql, params, metadataOptions())
		if err != nil {
			return err
		}
		out = append(out, columnsFrom(res, db)...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (d *Direct) GetViews(ctx context.Context, database, schema string) ([]domain.View, error) {
	out := []domain.View{}
	if d.queries.Views == nil {
		return out, nil
	}
	err := d.eachDatabase(ctx, database, "views", func(db string) error {
		sql, params := d.queries.Views(db, schema)
		res, err := d.q.Query(ctx, sql, params, metadataOptions())
		if err != nil {
			return err
		}
		out = append(out, viewsFrom(res, db)...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (d *Direct) GetTableStatistics(ctx context.Context, database, schema, table string) (*domain.TableStatistics, error) {
	cols, err := d.GetColumns(ctx, database, schema, table)
	if err != nil {
		return nil, err
	}
	return collectStatistics(ctx, d.q, d.dialect, d.logger, database, schema, table, cols), nil
}
