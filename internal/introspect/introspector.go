// Package introspect reads database metadata (databases, schemas, tables,
// columns, views and statistics) through an adapter's query path.
//
// Two strategies exist. Cached issues a fixed handful of catalog queries in
// one pass, keeps the snapshot for a TTL and answers every get* call from it.
// Direct issues one scoped catalog query per call, recursing over databases
// when none is given.
package introspect

import (
	"context"
	"time"

	"sqlgateway/internal/domain"
)

// DefaultTTL is how long a cached metadata snapshot stays valid.
const DefaultTTL = 5 * time.Minute

// metadataTimeout bounds each catalog query.
const metadataTimeout = 60 * time.Second

// Querier is the part of an adapter introspectors need.
type Querier interface {
	Query(ctx context.Context, sql string, params []any, opts domain.QueryOptions) (*domain.QueryResult, error)
}

// Introspector is exposed by every adapter.
type Introspector interface {
	GetDatabases(ctx context.Context) ([]domain.Database, error)
	GetSchemas(ctx context.Context, database string) ([]domain.Schema, error)
	GetTables(ctx context.Context, database, schema string) ([]domain.Table, error)
	GetColumns(ctx context.Context, database, schema, table string) ([]domain.Column, error)
	GetViews(ctx context.Context, database, schema string) ([]domain.View, error)
	GetTableStatistics(ctx context.Context, database, schema, table string) (*domain.TableStatistics, error)
}

// RelationIntrospector is implemented where the catalog exposes indexes and
// foreign keys.
type RelationIntrospector interface {
	GetIndexes(ctx context.Context, database, schema string) ([]domain.Index, error)
	GetForeignKeys(ctx context.Context, database, schema string) ([]domain.ForeignKey, error)
}

// Refresher drops cached metadata so the next read re-fetches everything.
type Refresher interface {
	Refresh(ctx context.Context) error
}

func metadataOptions() domain.QueryOptions {
	return domain.QueryOptions{Timeout: metadataTimeout}
}

func matches(filter, value string) bool {
	return filter == "" || equalFold(filter, value)
}
