package service_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"sqlgateway/internal/dbclient"
	"sqlgateway/internal/domain"
	"sqlgateway/internal/introspect"
)

// fakeFactory hands out fakeAdapters and remembers them.
type fakeFactory struct {
	mu       sync.Mutex
	adapters []*fakeAdapter
	// initErrs are returned by successive Initialize calls, then nil.
	initErrs []error
	// block, when set, is waited on by every Query.
	block chan struct{}
}

func (f *fakeFactory) NewAdapter(t domain.DataSourceType) (dbclient.Adapter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := &fakeAdapter{typ: t, block: f.block}
	if len(f.initErrs) > 0 {
		a.initErr = f.initErrs[0]
		f.initErrs = f.initErrs[1:]
	}
	f.adapters = append(f.adapters, a)
	return a, nil
}

func (f *fakeFactory) built() []*fakeAdapter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeAdapter(nil), f.adapters...)
}

type fakeAdapter struct {
	typ     domain.DataSourceType
	initErr error
	block   chan struct{}

	inits   atomic.Int32
	queries atomic.Int32
	closes  atomic.Int32
}

func (a *fakeAdapter) Type() domain.DataSourceType { return a.typ }

func (a *fakeAdapter) Initialize(context.Context, domain.Credentials) error {
	a.inits.Add(1)
	return a.initErr
}

func (a *fakeAdapter) Query(ctx context.Context, sql string, _ []any, _ domain.QueryOptions) (*domain.QueryResult, error) {
	a.queries.Add(1)
	if a.block != nil {
		select {
		case <-a.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return domain.NewQueryResult([]domain.Row{{"sql": sql}}, []domain.FieldMetadata{{Name: "sql", Type: "string"}}, 0), nil
}

func (a *fakeAdapter) TestConnection(context.Context) bool { return a.closes.Load() == 0 }

func (a *fakeAdapter) Introspector() introspect.Introspector { return fakeIntrospector{} }

func (a *fakeAdapter) Close() error {
	a.closes.Add(1)
	return nil
}

// fakeIntrospector serves two databases; "broken" fails on schemas.
type fakeIntrospector struct{}

func (fakeIntrospector) GetDatabases(context.Context) ([]domain.Database, error) {
	return []domain.Database{{Name: "analytics"}, {Name: "broken"}}, nil
}

func (fakeIntrospector) GetSchemas(_ context.Context, db string) ([]domain.Schema, error) {
	if db == "broken" {
		return nil, errors.New("permission denied")
	}
	return []domain.Schema{{Database: db, Name: "public"}, {Database: db, Name: "staging"}}, nil
}

func (fakeIntrospector) GetTables(_ context.Context, db, _ string) ([]domain.Table, error) {
	return []domain.Table{
		{Database: db, Schema: "public", Name: "orders"},
		{Database: db, Schema: "public", Name: "customers"},
		{Database: db, Schema: "staging", Name: "raw_orders"},
	}, nil
}

func (fakeIntrospector) GetColumns(_ context.Context, db, _, _ string) ([]domain.Column, error) {
	return []domain.Column{
		{Database: db, Schema: "public", Table: "orders", Name: "id"},
		{Database: db, Schema: "public", Table: "customers", Name: "id"},
		{Database: db, Schema: "staging", Table: "raw_orders", Name: "payload"},
	}, nil
}

func (fakeIntrospector) GetViews(context.Context, string, string) ([]domain.View, error) {
	return nil, nil
}

func (fakeIntrospector) GetTableStatistics(_ context.Context, db, schema, table string) (*domain.TableStatistics, error) {
	n := int64(10)
	return &domain.TableStatistics{Database: db, Schema: schema, Table: table, RowCount: &n}, nil
}

func pgConfig(name string) domain.DataSourceConfig {
	return domain.DataSourceConfig{
		Name: name,
		Type: domain.DataSourcePostgreSQL,
		Credentials: domain.PostgresCredentials{
			Host: "db.internal", Database: "app", Username: "gw", Password: "secret",
		},
	}
}
