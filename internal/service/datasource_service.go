package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"sqlgateway/internal/cancellation"
	"sqlgateway/internal/dbclient"
	"sqlgateway/internal/domain"
	"sqlgateway/internal/introspect"
	"sqlgateway/internal/ratelimit"
)

// ─────────────────────────────────────────────────────────────
// DataSourceService
// ─────────────────────────────────────────────────────────────

// AdapterFactory builds unconnected adapters. *dbclient.Factory implements it.
type AdapterFactory interface {
	NewAdapter(t domain.DataSourceType) (dbclient.Adapter, error)
}

// introspectionParallelism bounds concurrent per-database and per-table
// metadata calls in GetFullIntrospection.
const introspectionParallelism = 4

// Option configures DataSourceService and WorkflowRegistry.
type Option func(*options)

type options struct {
	logger  *zap.Logger
	emitter EventEmitter
	limiter *ratelimit.Limiter
	limits  ratelimit.Limits
	now     func() time.Time
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithEmitter(e EventEmitter) Option {
	return func(o *options) {
		if e != nil {
			o.emitter = e
		}
	}
}

// WithRateLimit admits every query through l under the SQL execution resource.
func WithRateLimit(l *ratelimit.Limiter, limits ratelimit.Limits) Option {
	return func(o *options) {
		o.limiter = l
		o.limits = limits
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: zap.NewNop(), emitter: nopEmitter{}, now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// runQuery sends a query through the limiter when one is configured. Limiter
// rejections carry the statement like adapter errors do.
func (o *options) runQuery(ctx context.Context, a dbclient.Adapter, sql string, params []any, opts domain.QueryOptions) (*domain.QueryResult, error) {
	if o.limiter == nil {
		return a.Query(ctx, sql, params, opts)
	}
	res, err := ratelimit.Run(ctx, o.limiter, ratelimit.SQLExecution, o.limits, func(ctx context.Context) (*domain.QueryResult, error) {
		return a.Query(ctx, sql, params, opts)
	})
	if err != nil {
		return nil, domain.WrapQueryError(sql, err)
	}
	return res, nil
}

type sourceEntry struct {
	cfg domain.DataSourceConfig

	mu      sync.Mutex
	adapter dbclient.Adapter // nil until the first successful initialize
}

// DataSourceService holds named data sources and dispatches calls to their
// adapters. Adapters are initialized on first use; a failed initialization
// is returned to the caller and retried on the next call.
type DataSourceService struct {
	factory AdapterFactory
	options

	mu      sync.RWMutex
	sources map[string]*sourceEntry
	// fileNames are the names registered by the last LoadFile.
	fileNames map[string]struct{}
}

func NewDataSourceService(factory AdapterFactory, opts ...Option) *DataSourceService {
	return &DataSourceService{
		factory:   factory,
		options:   buildOptions(opts),
		sources:   make(map[string]*sourceEntry),
		fileNames: make(map[string]struct{}),
	}
}

// Register validates cfg and maps its name to it. A replaced data source is
// not closed: its adapter, if connected, is returned for the caller to close.
func (s *DataSourceService) Register(cfg domain.DataSourceConfig) (replaced dbclient.Adapter, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	prev := s.sources[cfg.Name]
	s.sources[cfg.Name] = &sourceEntry{cfg: cfg}
	s.mu.Unlock()

	s.logger.Info("data source registered", zap.String("datasource", cfg.Name), zap.String("type", string(cfg.Type)))
	s.emitter.Emit(context.Background(), EventDataSourceRegistered, cfg.Name)
	if prev == nil {
		return nil, nil
	}
	prev.mu.Lock()
	defer prev.mu.Unlock()
	return prev.adapter, nil
}

// Names returns the registered names in order.
func (s *DataSourceService) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.sources))
	for n := range s.sources {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Config returns the registered configuration of name.
func (s *DataSourceService) Config(name string) (domain.DataSourceConfig, error) {
	e, err := s.entry(name)
	if err != nil {
		return domain.DataSourceConfig{}, err
	}
	return e.cfg, nil
}

func (s *DataSourceService) entry(name string) (*sourceEntry, error) {
	s.mu.RLock()
	e, ok := s.sources[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownDataSource, name)
	}
	return e, nil
}

// Adapter returns the initialized adapter of name, connecting it if needed.
func (s *DataSourceService) Adapter(ctx context.Context, name string) (dbclient.Adapter, error) {
	e, err := s.entry(name)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.adapter != nil {
		return e.adapter, nil
	}
	a, err := s.factory.NewAdapter(e.cfg.Type)
	if err != nil {
		return nil, err
	}
	start := s.now()
	if err := a.Initialize(ctx, e.cfg.Credentials); err != nil {
		a.Close()
		s.logger.Warn("data source initialization failed", zap.String("datasource", name), zap.Error(err))
		return nil, err
	}
	s.logger.Info("data source connected",
		zap.String("datasource", name),
		zap.Duration("elapsed", s.now().Sub(start)))
	e.adapter = a
	return a, nil
}

// Query runs sql on the named data source.
func (s *DataSourceService) Query(ctx context.Context, name, sql string, params []any, opts domain.QueryOptions) (*domain.QueryResult, error) {
	a, err := s.Adapter(ctx, name)
	if err != nil {
		return nil, err
	}
	return s.runQuery(ctx, a, sql, params, opts)
}

// CreateCancellableQuery plans sql on the named data source. The query is
// not run until Execute; it is not rate limited.
func (s *DataSourceService) CreateCancellableQuery(ctx context.Context, name, sql string, params []any, opts domain.QueryOptions) (*cancellation.Query, error) {
	a, err := s.Adapter(ctx, name)
	if err != nil {
		return nil, err
	}
	ca, ok := a.(dbclient.CancellableAdapter)
	if !ok || !ca.IsQueryCancellable() {
		return nil, &domain.ValidationError{Field: "datasource", Message: fmt.Sprintf("%s queries cannot be cancelled", a.Type())}
	}
	return ca.CreateCancellableQuery(sql, params, opts), nil
}

// TestDataSource reports whether the data source answers. Initialization
// failures are returned as errors; a connected adapter that fails its check
// yields false.
func (s *DataSourceService) TestDataSource(ctx context.Context, name string) (bool, error) {
	a, err := s.Adapter(ctx, name)
	if err != nil {
		return false, err
	}
	return a.TestConnection(ctx), nil
}

func (s *DataSourceService) introspector(ctx context.Context, name string) (introspect.Introspector, error) {
	a, err := s.Adapter(ctx, name)
	if err != nil {
		return nil, err
	}
	return a.Introspector(), nil
}

func (s *DataSourceService) GetDatabases(ctx context.Context, name string) ([]domain.Database, error) {
	in, err := s.introspector(ctx, name)
	if err != nil {
		return nil, err
	}
	return in.GetDatabases(ctx)
}

func (s *DataSourceService) GetSchemas(ctx context.Context, name, database string) ([]domain.Schema, error) {
	in, err := s.introspector(ctx, name)
	if err != nil {
		return nil, err
	}
	return in.GetSchemas(ctx, database)
}

func (s *DataSourceService) GetTables(ctx context.Context, name, database, schema string) ([]domain.Table, error) {
	in, err := s.introspector(ctx, name)
	if err != nil {
		return nil, err
	}
	return in.GetTables(ctx, database, schema)
}

func (s *DataSourceService) GetColumns(ctx context.Context, name, database, schema, table string) ([]domain.Column, error) {
	in, err := s.introspector(ctx, name)
	if err != nil {
		return nil, err
	}
	return in.GetColumns(ctx, database, schema, table)
}

func (s *DataSourceService) GetViews(ctx context.Context, name, database, schema string) ([]domain.View, error) {
	in, err := s.introspector(ctx, name)
	if err != nil {
		return nil, err
	}
	return in.GetViews(ctx, database, schema)
}

func (s *DataSourceService) GetTableStatistics(ctx context.Context, name, database, schema, table string) (*domain.TableStatistics, error) {
	in, err := s.introspector(ctx, name)
	if err != nil {
		return nil, err
	}
	return in.GetTableStatistics(ctx, database, schema, table)
}

// RefreshIntrospection drops cached metadata of name, when its engine caches.
func (s *DataSourceService) RefreshIntrospection(ctx context.Context, name string) error {
	in, err := s.introspector(ctx, name)
	if err != nil {
		return err
	}
	if r, ok := in.(introspect.Refresher); ok {
		return r.Refresh(ctx)
	}
	return nil
}

// IntrospectionOptions are allow-lists; empty means everything.
type IntrospectionOptions struct {
	Databases         []string `json:"databases,omitempty"`
	Schemas           []string `json:"schemas,omitempty"`
	Tables            []string `json:"tables,omitempty"`
	IncludeStatistics bool     `json:"includeStatistics,omitempty"`
}

func allowed(list []string, v string) bool {
	if len(list) == 0 {
		return true
	}
	return slices.ContainsFunc(list, func(s string) bool { return strings.EqualFold(s, v) })
}

// databaseTree is the metadata of one database.
type databaseTree struct {
	schemas     []domain.Schema
	tables      []domain.Table
	columns     []domain.Column
	views       []domain.View
	indexes     []domain.Index
	foreignKeys []domain.ForeignKey
}

// GetFullIntrospection assembles the metadata tree of name, restricted to
// the allow-lists in opts. A database whose metadata cannot be read is
// logged and left out; a failing database listing fails the call.
func (s *DataSourceService) GetFullIntrospection(ctx context.Context, name string, opts IntrospectionOptions) (*domain.IntrospectionResult, error) {
	e, err := s.entry(name)
	if err != nil {
		return nil, err
	}
	in, err := s.introspector(ctx, name)
	if err != nil {
		return nil, err
	}
	all, err := in.GetDatabases(ctx)
	if err != nil {
		return nil, err
	}
	dbs := make([]domain.Database, 0, len(all))
	for _, db := range all {
		if allowed(opts.Databases, db.Name) {
			dbs = append(dbs, db)
		}
	}

	trees := make([]*databaseTree, len(dbs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(introspectionParallelism)
	for i, db := range dbs {
		g.Go(func() error {
			t, err := s.databaseTree(gctx, in, db.Name, opts)
			if err != nil {
				if errors.Is(err, domain.ErrNotConnected) || gctx.Err() != nil {
					return err
				}
				s.logger.Warn("introspection sub-fetch failed",
					zap.String("datasource", name),
					zap.Error(&domain.IntrospectionWarning{Scope: db.Name, Cause: err}))
				return nil
			}
			trees[i] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := &domain.IntrospectionResult{
		DataSourceName: name,
		DataSourceType: e.cfg.Type,
		Databases:      dbs,
		Schemas:        []domain.Schema{},
		Tables:         []domain.Table{},
		Columns:        []domain.Column{},
		Views:          []domain.View{},
		IntrospectedAt: s.now().UTC(),
	}
	for _, t := range trees {
		if t == nil {
			continue
		}
		out.Schemas = append(out.Schemas, t.schemas...)
		out.Tables = append(out.Tables, t.tables...)
		out.Columns = append(out.Columns, t.columns...)
		out.Views = append(out.Views, t.views...)
		out.Indexes = append(out.Indexes, t.indexes...)
		out.ForeignKeys = append(out.ForeignKeys, t.foreignKeys...)
	}

	if opts.IncludeStatistics {
		out.Statistics = s.statistics(ctx, in, out.Tables)
	}
	return out, nil
}

func (s *DataSourceService) databaseTree(ctx context.Context, in introspect.Introspector, database string, opts IntrospectionOptions) (*databaseTree, error) {
	t := &databaseTree{}

	schemas, err := in.GetSchemas(ctx, database)
	if err != nil {
		return nil, err
	}
	for _, sc := range schemas {
		if allowed(opts.Schemas, sc.Name) {
			t.schemas = append(t.schemas, sc)
		}
	}

	tables, err := in.GetTables(ctx, database, "")
	if err != nil {
		return nil, err
	}
	kept := make(map[string]bool)
	key := func(schema, table string) string { return strings.ToLower(schema + "\x00" + table) }
	for _, tb := range tables {
		if allowed(opts.Schemas, tb.Schema) && allowed(opts.Tables, tb.Name) {
			t.tables = append(t.tables, tb)
			kept[key(tb.Schema, tb.Name)] = true
		}
	}

	columns, err := in.GetColumns(ctx, database, "", "")
	if err != nil {
		return nil, err
	}
	for _, c := range columns {
		if kept[key(c.Schema, c.Table)] {
			t.columns = append(t.columns, c)
		}
	}

	views, err := in.GetViews(ctx, database, "")
	if err != nil {
		return nil, err
	}
	for _, v := range views {
		if allowed(opts.Schemas, v.Schema) && allowed(opts.Tables, v.Name) {
			t.views = append(t.views, v)
		}
	}

	if rel, ok := in.(introspect.RelationIntrospector); ok {
		indexes, err := rel.GetIndexes(ctx, database, "")
		if err != nil {
			return nil, err
		}
		for _, ix := range indexes {
			if kept[key(ix.Schema, ix.Table)] {
				t.indexes = append(t.indexes, ix)
			}
		}
		fks, err := rel.GetForeignKeys(ctx, database, "")
		if err != nil {
			return nil, err
		}
		for _, fk := range fks {
			if kept[key(fk.Schema, fk.Table)] {
				t.foreignKeys = append(t.foreignKeys, fk)
			}
		}
	}
	return t, nil
}

// statistics collects per-table statistics; a table that fails is skipped.
func (s *DataSourceService) statistics(ctx context.Context, in introspect.Introspector, tables []domain.Table) []domain.TableStatistics {
	stats := make([]*domain.TableStatistics, len(tables))
	var g errgroup.Group
	g.SetLimit(introspectionParallelism)
	for i, tb := range tables {
		g.Go(func() error {
			st, err := in.GetTableStatistics(ctx, tb.Database, tb.Schema, tb.Name)
			if err != nil {
				s.logger.Warn("table statistics skipped",
					zap.Error(&domain.IntrospectionWarning{Scope: tb.Database + "." + tb.Schema + "." + tb.Name, Cause: err}))
				return nil
			}
			stats[i] = st
			return nil
		})
	}
	g.Wait()

	out := make([]domain.TableStatistics, 0, len(stats))
	for _, st := range stats {
		if st != nil {
			out = append(out, *st)
		}
	}
	return out
}

// Close unregisters name and closes its adapter. Closing an unknown name
// returns ErrUnknownDataSource.
func (s *DataSourceService) Close(name string) error {
	s.mu.Lock()
	e, ok := s.sources[name]
	delete(s.sources, name)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", domain.ErrUnknownDataSource, name)
	}
	err := closeEntry(e)
	s.logger.Info("data source closed", zap.String("datasource", name))
	s.emitter.Emit(context.Background(), EventDataSourceClosed, name)
	return err
}

// CloseAll unregisters and closes every data source.
func (s *DataSourceService) CloseAll() error {
	s.mu.Lock()
	entries := s.sources
	s.sources = make(map[string]*sourceEntry)
	s.fileNames = make(map[string]struct{})
	s.mu.Unlock()

	var errs []error
	for name, e := range entries {
		if err := closeEntry(e); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func closeEntry(e *sourceEntry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.adapter == nil {
		return nil
	}
	err := e.adapter.Close()
	e.adapter = nil
	return err
}
