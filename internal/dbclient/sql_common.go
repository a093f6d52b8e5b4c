package dbclient

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"sqlgateway/internal/cancellation"
	"sqlgateway/internal/domain"
	"sqlgateway/internal/introspect"
)

type lifecycle int

const (
	stateNew lifecycle = iota
	stateConnecting
	stateConnected
	stateClosed
)

// claimInit moves a new adapter to connecting. An adapter initializes once;
// any other state fails with domain.ErrAlreadyInitialized.
func claimInit(mu *sync.RWMutex, state *lifecycle, engine domain.DataSourceType) error {
	mu.Lock()
	defer mu.Unlock()
	if *state != stateNew {
		return fmt.Errorf("%w: %s", domain.ErrAlreadyInitialized, engine)
	}
	*state = stateConnecting
	return nil
}

// finishInit returns an adapter whose Initialize failed to new, so the
// failure leaves nothing half connected.
func finishInit(mu *sync.RWMutex, state *lifecycle, errp *error) {
	if *errp == nil {
		return
	}
	mu.Lock()
	if *state == stateConnecting {
		*state = stateNew
	}
	mu.Unlock()
}

// pingTimeout bounds connection checks.
const pingTimeout = 10 * time.Second

// dbConn is satisfied by *sql.DB and *sql.Conn.
type dbConn interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// runFunc executes one rewritten statement. track, when non-nil, receives
// every *sql.Rows the run opens so a canceller can close it.
type runFunc func(ctx context.Context, conn dbConn, stmt string, args []any, opts domain.QueryOptions, track func(*sql.Rows)) (*domain.QueryResult, error)

// canceller runs one statement in a way that can be stopped from outside.
type canceller interface {
	cancellation.Strategy
	run(ctx context.Context, db *sql.DB, stmt string, args []any, opts domain.QueryOptions) (*domain.QueryResult, error)
}

// sqlCore is the shared implementation for every engine reached through
// database/sql. Engines supply how to run a statement, how to rewrite
// placeholders and how to stop a running statement.
type sqlCore struct {
	engine domain.DataSourceType
	logger *zap.Logger

	rewrite      func(query string, params []any) (string, []any)
	run          runFunc
	raceTimeout  bool
	newCanceller func(c *sqlCore) canceller

	mu      sync.RWMutex
	state   lifecycle
	db      *sql.DB
	release func() error
	intro   introspect.Introspector
}

func newSQLCore(engine domain.DataSourceType, logger *zap.Logger) *sqlCore {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &sqlCore{
		engine: engine,
		logger: logger.With(zap.String("engine", string(engine))),
		run:    streamRows,
	}
	c.newCanceller = func(c *sqlCore) canceller { return &streamCanceller{core: c} }
	return c
}

func (c *sqlCore) Type() domain.DataSourceType { return c.engine }

// openDB opens and pings a database/sql handle with the shared pool
// settings.
func openDB(ctx context.Context, engine domain.DataSourceType, driverName, dsn string) (*sql.DB, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, &domain.ConnectionError{DataSource: engine, Cause: fmt.Errorf("open %s: %w", driverName, err)}
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(10 * time.Minute)

	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		db.Close()
		return nil, &domain.ConnectionError{DataSource: engine, Cause: err}
	}
	return db, nil
}

func (c *sqlCore) beginInit() error { return claimInit(&c.mu, &c.state, c.engine) }

func (c *sqlCore) endInit(errp *error) { finishInit(&c.mu, &c.state, errp) }

// attach moves a connecting adapter to connected. release, when set, hands
// the handle back to its owner on Close instead of closing it. If the
// adapter was closed while connecting, the handle is given back and
// domain.ErrNotConnected is returned.
func (c *sqlCore) attach(db *sql.DB, release func() error, intro introspect.Introspector) error {
	c.mu.Lock()
	if c.state != stateConnecting {
		c.mu.Unlock()
		if release != nil {
			release()
		} else {
			db.Close()
		}
		return domain.ErrNotConnected
	}
	defer c.mu.Unlock()
	c.db = db
	c.release = release
	c.intro = intro
	c.state = stateConnected
	return nil
}

func (c *sqlCore) connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state == stateConnected
}

// handle returns the live handle without touching the network.
func (c *sqlCore) handle() (*sql.DB, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state != stateConnected || c.db == nil {
		return nil, domain.ErrNotConnected
	}
	return c.db, nil
}

func (c *sqlCore) prepare(query string, params []any) (string, []any) {
	if c.rewrite == nil {
		return query, params
	}
	return c.rewrite(query, params)
}

func (c *sqlCore) Query(ctx context.Context, query string, params []any, opts domain.QueryOptions) (*domain.QueryResult, error) {
	db, err := c.handle()
	if err != nil {
		return nil, err
	}
	stmt, args := c.prepare(query, params)
	start := time.Now()
	res, err := c.execute(ctx, query, opts.EffectiveTimeout(), func(ctx context.Context) (*domain.QueryResult, error) {
		return c.run(ctx, db, stmt, args, opts, nil)
	})
	if err != nil {
		c.logger.Debug("query failed", zap.Duration("elapsed", time.Since(start)), zap.Error(err))
		return nil, err
	}
	c.logger.Debug("query",
		zap.Int("rows", res.RowCount),
		zap.Bool("hasMoreRows", res.HasMoreRows),
		zap.Duration("elapsed", time.Since(start)))
	return res, nil
}

func (c *sqlCore) execute(ctx context.Context, query string, timeout time.Duration, fn func(ctx context.Context) (*domain.QueryResult, error)) (*domain.QueryResult, error) {
	return withTimeout(ctx, query, timeout, c.raceTimeout, fn)
}

// withTimeout enforces the timeout, either by racing a timer (engines without
// a usable native timeout) or through the context deadline the driver honours.
func withTimeout(ctx context.Context, query string, timeout time.Duration, race bool, fn func(ctx context.Context) (*domain.QueryResult, error)) (*domain.QueryResult, error) {
	var (
		res *domain.QueryResult
		err error
	)
	if race {
		res, err = cancellation.Race(ctx, timeout, fn)
		if err == domain.ErrQueryTimeout {
			err = &domain.QueryTimeoutError{SQL: query, Timeout: timeout.String()}
		}
	} else {
		tctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		res, err = fn(tctx)
		if err != nil && errors.Is(tctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = &domain.QueryTimeoutError{SQL: query, Timeout: timeout.String()}
		}
	}
	if err != nil {
		return nil, domain.WrapQueryError(query, err)
	}
	return res, nil
}

// TestConnection never fails; any error reads as false.
func (c *sqlCore) TestConnection(ctx context.Context) bool {
	db, err := c.handle()
	if err != nil {
		return false
	}
	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		c.logger.Debug("connection test failed", zap.Error(err))
		return false
	}
	return true
}

func (c *sqlCore) Introspector() introspect.Introspector {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.intro == nil {
		return disconnected{}
	}
	return c.intro
}

// Close is idempotent. It is also valid on an adapter that never connected.
func (c *sqlCore) Close() error {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = stateClosed
	db, release := c.db, c.release
	c.db, c.release = nil, nil
	c.mu.Unlock()

	if release != nil {
		return release()
	}
	if db != nil {
		return db.Close()
	}
	return nil
}

func (c *sqlCore) IsQueryCancellable() bool { return true }

// CreateCancellableQuery plans query for execution under the engine's cancel
// strategy. The query times out after opts' effective timeout unless the
// caller reconfigures it with OnTimeout.
func (c *sqlCore) CreateCancellableQuery(query string, params []any, opts domain.QueryOptions) *cancellation.Query {
	stmt, args := c.prepare(query, params)
	cc := c.newCanceller(c)
	exec := func(ctx context.Context) (*domain.QueryResult, error) {
		db, err := c.handle()
		if err != nil {
			return nil, err
		}
		res, err := cc.run(ctx, db, stmt, args, opts)
		if err != nil {
			return nil, domain.WrapQueryError(query, err)
		}
		return res, nil
	}
	return cancellation.NewQuery(query, exec, cc).OnTimeout(opts.EffectiveTimeout())
}

// streamRows runs stmt and reads rows until the fetch limit, closing the
// stream as soon as the extra row is seen.
func streamRows(ctx context.Context, conn dbConn, stmt string, args []any, opts domain.QueryOptions, track func(*sql.Rows)) (*domain.QueryResult, error) {
	rows, err := conn.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if track != nil {
		track(rows)
	}

	out, fields, err := scanRows(rows, opts.FetchLimit())
	if err != nil {
		return nil, err
	}
	return domain.NewQueryResult(out, fields, opts.MaxRows), nil
}

// scanRows reads at most limit rows (all when limit is 0).
func scanRows(rows *sql.Rows, limit int) ([]domain.Row, []domain.FieldMetadata, error) {
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, nil, fmt.Errorf("columns: %w", err)
	}
	cols, fields := columnsFromTypes(types)

	out := make([]domain.Row, 0)
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, fmt.Errorf("scan row: %w", err)
		}
		row := make(domain.Row, len(cols))
		for i, v := range values {
			row[cols[i].name] = normalizeValue(v, cols[i])
			values[i] = nil
		}
		out = append(out, row)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate: %w", err)
	}
	return out, fields, nil
}

// streamCanceller stops a run by closing its live result stream.
type streamCanceller struct {
	core *sqlCore

	mu   sync.Mutex
	rows []*sql.Rows
}

func (s *streamCanceller) track(r *sql.Rows) {
	s.mu.Lock()
	s.rows = append(s.rows, r)
	s.mu.Unlock()
}

func (s *streamCanceller) run(ctx context.Context, db *sql.DB, stmt string, args []any, opts domain.QueryOptions) (*domain.QueryResult, error) {
	return s.core.run(ctx, db, stmt, args, opts, s.track)
}

func (s *streamCanceller) Cancel(context.Context) error {
	s.mu.Lock()
	rows := s.rows
	s.rows = nil
	s.mu.Unlock()
	var errs []error
	for _, r := range rows {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// sessionCanceller pins a run to one connection, records the server side
// session id first and cancels by issuing cancelSQL for that id from a
// different connection.
type sessionCanceller struct {
	core      *sqlCore
	idSQL     string
	cancelSQL func(id int64) (string, []any)

	mu sync.Mutex
	db *sql.DB
	id int64
}

func (s *sessionCanceller) run(ctx context.Context, db *sql.DB, stmt string, args []any, opts domain.QueryOptions) (*domain.QueryResult, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	var id int64
	if err := conn.QueryRowContext(ctx, s.idSQL).Scan(&id); err != nil {
		return nil, fmt.Errorf("session id: %w", err)
	}
	s.mu.Lock()
	s.db, s.id = db, id
	s.mu.Unlock()

	return s.core.run(ctx, conn, stmt, args, opts, nil)
}

func (s *sessionCanceller) Cancel(ctx context.Context) error {
	s.mu.Lock()
	db, id := s.db, s.id
	s.mu.Unlock()
	if db == nil {
		return nil
	}
	stmt, args := s.cancelSQL(id)
	_, err := db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("cancel session %d: %w", id, err)
	}
	return nil
}

// disconnected is the introspector of an adapter that is not connected.
type disconnected struct{}

func (disconnected) GetDatabases(context.Context) ([]domain.Database, error) {
	return nil, domain.ErrNotConnected
}
func (disconnected) GetSchemas(context.Context, string) ([]domain.Schema, error) {
	return nil, domain.ErrNotConnected
}
func (disconnected) GetTables(context.Context, string, string) ([]domain.Table, error) {
	return nil, domain.ErrNotConnected
}
func (disconnected) GetColumns(context.Context, string, string, string) ([]domain.Column, error) {
	return nil, domain.ErrNotConnected
}
func (disconnected) GetViews(context.Context, string, string) ([]domain.View, error) {
	return nil, domain.ErrNotConnected
}
func (disconnected) GetTableStatistics(context.Context, string, string, string) (*domain.TableStatistics, error) {
	return nil, domain.ErrNotConnected
}
