package cancellation

import (
	"context"
	"errors"
	"sync"
	"time"

	"sqlgateway/internal/domain"
)

// teardownTimeout bounds a single driver teardown action.
const teardownTimeout = 10 * time.Second

// Strategy is the driver specific action that stops work already sent to an
// engine: destroy a stream, send a backend cancel, abort a job, kill a connection.
type Strategy interface {
	Cancel(ctx context.Context) error
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc func(ctx context.Context) error

func (f StrategyFunc) Cancel(ctx context.Context) error { return f(ctx) }

// NoopStrategy relies on context cancellation alone.
var NoopStrategy Strategy = StrategyFunc(func(context.Context) error { return nil })

// ExecFunc performs one execution. It must honour ctx cancellation.
type ExecFunc func(ctx context.Context) (*domain.QueryResult, error)

type queryState int

const (
	stateIdle queryState = iota
	stateRunning
	stateFinished
)

// Query is a planned execution that can be cancelled before, during or after
// it runs. Cancel before Execute means the exec func is never called; cancel
// during Execute runs the strategy and discards any partial result; cancel
// after a successful Execute does nothing.
type Query struct {
	sql      string
	exec     ExecFunc
	strategy Strategy
	ctrl     *Controller
	onError  func(error)

	mu       sync.Mutex
	state    queryState
	timeout  time.Duration
	timedOut bool
}

// NewQuery plans sql for execution through exec, torn down by strategy.
func NewQuery(sql string, exec ExecFunc, strategy Strategy) *Query {
	if strategy == nil {
		strategy = NoopStrategy
	}
	return &Query{
		sql:      sql,
		exec:     exec,
		strategy: strategy,
		ctrl:     NewController(),
	}
}

// OnTimeout makes Execute race against a timer of d that cancels the query.
func (q *Query) OnTimeout(d time.Duration) *Query {
	q.mu.Lock()
	q.timeout = d
	q.mu.Unlock()
	return q
}

// OnTeardownError registers a hook for strategy failures. Teardown failures do
// not change the result of Execute, which is already a cancellation.
func (q *Query) OnTeardownError(fn func(error)) *Query {
	q.mu.Lock()
	q.onError = fn
	q.mu.Unlock()
	return q
}

// SQL returns the planned statement.
func (q *Query) SQL() string { return q.sql }

// Cancelled reports whether Cancel (or a timeout) has fired.
func (q *Query) Cancelled() bool { return q.ctrl.Cancelled() }

// Cancel is idempotent.
func (q *Query) Cancel() {
	q.cancel(false)
}

func (q *Query) cancel(timedOut bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state == stateFinished || q.ctrl.Cancelled() {
		return
	}
	q.timedOut = timedOut
	q.ctrl.Cancel()
}

func (q *Query) cancellationError() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return &domain.QueryCancellationError{SQL: q.sql, Timeout: q.timedOut}
}

// Execute runs the planned statement.
func (q *Query) Execute(ctx context.Context) (*domain.QueryResult, error) {
	q.mu.Lock()
	if q.ctrl.Cancelled() {
		q.mu.Unlock()
		return nil, q.cancellationError()
	}
	if q.state == stateRunning {
		q.mu.Unlock()
		return nil, errors.New("query is already executing")
	}
	q.state = stateRunning
	timeout := q.timeout
	onError := q.onError
	q.mu.Unlock()

	runCtx, stop := q.ctrl.Context(ctx)
	defer stop()

	unregister := q.ctrl.OnCancellation(func() { q.teardown(onError) })
	defer unregister()

	if timeout > 0 {
		timer := time.AfterFunc(timeout, func() { q.cancel(true) })
		defer timer.Stop()
	}

	type outcome struct {
		res *domain.QueryResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := q.exec(runCtx)
		done <- outcome{res: res, err: err}
	}()

	select {
	case o := <-done:
		q.mu.Lock()
		defer q.mu.Unlock()
		if q.ctrl.Cancelled() {
			return nil, &domain.QueryCancellationError{SQL: q.sql, Timeout: q.timedOut}
		}
		q.state = stateFinished
		return o.res, o.err
	case <-q.ctrl.Done():
		return nil, q.cancellationError()
	case <-ctx.Done():
		q.cancel(errors.Is(ctx.Err(), context.DeadlineExceeded))
		return nil, q.cancellationError()
	}
}

func (q *Query) teardown(onError func(error)) {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if err := q.strategy.Cancel(ctx); err != nil && onError != nil {
		onError(err)
	}
}
