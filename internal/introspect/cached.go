package introspect

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"sqlgateway/internal/domain"
)

// CatalogQueries are the fixed metadata statements of a batch pass. Each must
// alias its columns to the names the row mappers read (database_name,
// schema_name, table_name, ...). An empty statement means the engine has no
// such catalog and the collection stays empty.
type CatalogQueries struct {
	Databases   string
	Schemas     string
	Tables      string
	Columns     string
	Views       string
	Indexes     string
	ForeignKeys string
}

type options struct {
	cache  SnapshotCache
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time
}

type Option func(*options)

// WithCache replaces the default process-local cache.
func WithCache(c SnapshotCache) Option {
	return func(o *options) {
		if c != nil {
			o.cache = c
		}
	}
}

func WithTTL(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.ttl = d
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock overrides time.Now for freshness checks.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{ttl: DefaultTTL, logger: zap.NewNop(), now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	if o.cache == nil {
		o.cache = NewMemoryCache()
	}
	return o
}

// Cached answers every get* call from one snapshot fetched in a single
// batch pass and kept for the TTL. Expiry triggers a full re-fetch.
type Cached struct {
	key     string
	q       Querier
	queries CatalogQueries
	dialect Dialect
	options

	group singleflight.Group
}

// NewCached builds a batch introspector. key identifies the data source in the
// snapshot cache and must be unique per set of credentials.
func NewCached(key string, q Querier, queries CatalogQueries, dialect Dialect, opts ...Option) *Cached {
	return &Cached{
		key:     key,
		q:       q,
		queries: queries,
		dialect: dialect,
		options: buildOptions(opts),
	}
}

func (c *Cached) fresh(s *Snapshot) bool {
	return s != nil && c.now().Sub(s.LastFetched) < c.ttl
}

func (c *Cached) snapshot(ctx context.Context) (*Snapshot, error) {
	if s, ok := c.cache.Get(ctx, c.key); ok && c.fresh(s) {
		return s, nil
	}
	v, err, _ := c.group.Do(c.key, func() (any, error) {
		if s, ok := c.cache.Get(ctx, c.key); ok && c.fresh(s) {
			return s, nil
		}
		s, complete, err := c.fetch(ctx)
		if err != nil {
			return nil, err
		}
		if complete {
			if err := c.cache.Set(ctx, c.key, s, c.ttl); err != nil {
				c.logger.Warn("cache introspection snapshot", zap.String("key", c.key), zap.Error(err))
			}
		}
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

// fetch runs the catalog statements. A failing statement leaves its
// collection empty and marks the snapshot incomplete so it is not cached;
// only a disconnected adapter aborts the pass.
func (c *Cached) fetch(ctx context.Context) (*Snapshot, bool, error) {
	snap := &Snapshot{}
	complete := true

	run := func(scope, sql string, apply func(*domain.QueryResult)) error {
		if sql == "" {
			return nil
		}
		res, err := c.q.Query(ctx, sql, nil, metadataOptions())
		if err != nil {
			if errors.Is(err, domain.ErrNotConnected) || ctx.Err() != nil {
				return err
			}
			complete = false
			c.logger.Warn("introspection sub-fetch failed",
				zap.String("key", c.key),
				zap.Error(&domain.IntrospectionWarning{Scope: scope, Cause: err}))
			return nil
		}
		apply(res)
		return nil
	}

	steps := []struct {
		scope string
		sql   string
		apply func(*domain.QueryResult)
	}{
		{"databases", c.queries.Databases, func(r *domain.QueryResult) { snap.Databases = databasesFrom(r) }},
		{"schemas", c.queries.Schemas, func(r *domain.QueryResult) { snap.Schemas = schemasFrom(r, "") }},
		{"tables", c.queries.Tables, func(r *domain.QueryResult) { snap.Tables = tablesFrom(r, "") }},
		{"columns", c.queries.Columns, func(r *domain.QueryResult) { snap.Columns = columnsFrom(r, "") }},
		{"views", c.queries.Views, func(r *domain.QueryResult) { snap.Views = viewsFrom(r, "") }},
		{"indexes", c.queries.Indexes, func(r *domain.QueryResult) { snap.Indexes = indexesFrom(r, "") }},
		{"foreign keys", c.queries.ForeignKeys, func(r *domain.QueryResult) { snap.ForeignKeys = foreignKeysFrom(r, "") }},
	}
	for _, s := range steps {
		if err := run(s.scope, s.sql, s.apply); err != nil {
			return nil, false, err
		}
	}
	snap.LastFetched = c.now()
	return snap, complete, nil
}

// Refresh drops the cached snapshot.
func (c *Cached) Refresh(ctx context.Context) error {
	return c.cache.Delete(ctx, c.key)
}

func (c *Cached) GetDatabases(ctx context.Context) ([]domain.Database, error) {
	s, err := c.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return append([]domain.Database(nil), s.Databases...), nil
}

func (c *Cached) GetSchemas(ctx context.Context, database string) ([]domain.Schema, error) {
	s, err := c.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	out := []domain.Schema{}
	for _, sc := range s.Schemas {
		if matches(database, sc.Database) {
			out = append(out, sc)
		}
	}
	return out, nil
}

func (c *Cached) GetTables(ctx context.Context, database, schema string) ([]domain.Table, error) {
	s, err := c.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	out := []domain.Table{}
	for _, t := range s.Tables {
		if matches(database, t.Database) && matches(schema, t.Schema) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (c *Cached) GetColumns(ctx context.Context, database, schema, table string) ([]domain.Column, error) {
	s, err := c.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	out := []domain.Column{}
	for _, col := range s.Columns {
		if matches(database, col.Database) && matches(schema, col.Schema) && matches(table, col.Table) {
			out = append(out, col)
		}
	}
	return out, nil
}

func (c *Cached) GetViews(ctx context.Context, database, schema string) ([]domain.View, error) {
	s, err := c.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	out := []domain.View{}
	for _, v := range s.Views {
		if matches(database, v.Database) && matches(schema, v.Schema) {
			out = append(out, v)
		}
	}
	return out, nil
}

func (c *Cached) GetIndexes(ctx context.Context, database, schema string) ([]domain.Index, error) {
	s, err := c.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	out := []domain.Index{}
	for _, ix := range s.Indexes {
		if matches(database, ix.Database) && matches(schema, ix.Schema) {
			out = append(out, ix)
		}
	}
	return out, nil
}

func (c *Cached) GetForeignKeys(ctx context.Context, database, schema string) ([]domain.ForeignKey, error) {
	s, err := c.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	out := []domain.ForeignKey{}
	for _, fk := range s.ForeignKeys {
		if matches(database, fk.Database) && matches(schema, fk.Schema) {
			out = append(out, fk)
		}
	}
	return out, nil
}

// GetTableStatistics reads the column list from the snapshot and then runs
// the statistics queries against the table itself.
func (c *Cached) GetTableStatistics(ctx context.Context, database, schema, table string) (*domain.TableStatistics, error) {
	cols, err := c.GetColumns(ctx, database, schema, table)
	if err != nil {
		return nil, err
	}
	return collectStatistics(ctx, c.q, c.dialect, c.logger, database, schema, table, cols), nil
}
