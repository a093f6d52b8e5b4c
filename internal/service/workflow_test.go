package service_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sqlgateway/internal/domain"
	"sqlgateway/internal/secret"
	"sqlgateway/internal/service"
)

// countingResolver resolves every id to a PostgreSQL config named after it.
type countingResolver struct {
	calls atomic.Int32
	err   error
}

func (r *countingResolver) Resolve(_ context.Context, id string) (domain.DataSourceConfig, error) {
	r.calls.Add(1)
	if r.err != nil {
		return domain.DataSourceConfig{}, r.err
	}
	return pgConfig(id), nil
}

var _ secret.CredentialResolver = (*countingResolver)(nil)

// ─────────────────────────────────────────────────────────────
// Registry
// ─────────────────────────────────────────────────────────────

func TestWorkflowRegistry_GetOrCreateReuses(t *testing.T) {
	r := service.NewWorkflowRegistry(&fakeFactory{}, &countingResolver{})

	a := r.GetOrCreate("run-1")
	b := r.GetOrCreate("run-1")
	c := r.GetOrCreate("run-2")
	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
	assert.Equal(t, "run-1", a.ID())
	assert.Equal(t, 2, r.Len())
}

func TestWorkflowRegistry_ReleaseClosesAdapters(t *testing.T) {
	f := &fakeFactory{}
	em := &service.MockEmitter{}
	r := service.NewWorkflowRegistry(f, &countingResolver{}, service.WithEmitter(em))
	ctx := context.Background()

	m := r.GetOrCreate("run-1")
	_, err := m.GetDataSource(ctx, "ds-1")
	require.NoError(t, err)
	_, err = m.GetDataSource(ctx, "ds-2")
	require.NoError(t, err)

	require.NoError(t, r.Release(ctx, "run-1"))
	assert.Zero(t, r.Len())
	for _, a := range f.built() {
		assert.EqualValues(t, 1, a.closes.Load())
	}
	assert.Equal(t, []string{service.EventWorkflowReleased}, em.Names())

	_, err = m.GetDataSource(ctx, "ds-1")
	assert.ErrorIs(t, err, service.ErrWorkflowClosed)
	assert.NoError(t, r.Release(ctx, "run-1"), "unknown id is a no-op")
}

func TestWorkflowRegistry_CleanupUsesLastUse(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}
	r := service.NewWorkflowRegistry(&fakeFactory{}, &countingResolver{}, service.WithClock(clock))
	ctx := context.Background()

	r.GetOrCreate("idle")
	busy := r.GetOrCreate("busy")

	advance(20 * time.Minute)
	_, err := busy.Query(ctx, "ds", "SELECT 1", nil, domain.QueryOptions{})
	require.NoError(t, err)
	advance(20 * time.Minute)

	assert.Equal(t, 1, r.CleanupOldManagers(ctx, 30*time.Minute))
	assert.Equal(t, 1, r.Len())
	assert.Same(t, busy, r.GetOrCreate("busy"))
}

// manualClock is a settable clock for sweep tests.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestWorkflowRegistry_SweepSparesWorkflowTouchedAfterScan(t *testing.T) {
	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	f := &fakeFactory{}
	r := service.NewWorkflowRegistry(f, &countingResolver{}, service.WithClock(clock.Now))
	ctx := context.Background()

	m := r.GetOrCreate("run-1")
	_, err := m.Query(ctx, "ds", "SELECT 1", nil, domain.QueryOptions{})
	require.NoError(t, err)

	// The sweep computes its cutoff and picks run-1 as idle...
	clock.Advance(time.Hour)
	cutoff := clock.Now().Add(-30 * time.Minute)
	// ...then the workflow resumes before the release step.
	resumed := r.GetOrCreate("run-1")
	require.Same(t, m, resumed)

	assert.Nil(t, r.ReleaseIfStale("run-1", cutoff))
	assert.Equal(t, 1, r.Len())

	_, err = resumed.Query(ctx, "ds", "SELECT 2", nil, domain.QueryOptions{})
	require.NoError(t, err)
	assert.Zero(t, f.built()[0].closes.Load())
}

func TestWorkflowRegistry_SweepKeepsWorkflowWithQueryInFlight(t *testing.T) {
	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	f := &fakeFactory{block: make(chan struct{})}
	r := service.NewWorkflowRegistry(f, &countingResolver{}, service.WithClock(clock.Now))
	ctx := context.Background()

	m := r.GetOrCreate("run-1")
	done := make(chan error, 1)
	go func() {
		_, err := m.Query(ctx, "ds", "SELECT pg_sleep(600)", nil, domain.QueryOptions{})
		done <- err
	}()
	require.Eventually(t, func() bool {
		b := f.built()
		return len(b) == 1 && b[0].queries.Load() == 1
	}, time.Second, 5*time.Millisecond)

	clock.Advance(time.Hour)
	assert.Zero(t, r.CleanupOldManagers(ctx, 30*time.Minute))
	assert.Equal(t, 1, r.Len())

	close(f.block)
	require.NoError(t, <-done)
	assert.Equal(t, 1, r.CleanupOldManagers(ctx, 30*time.Minute))
	assert.Zero(t, r.Len())
	assert.EqualValues(t, 1, f.built()[0].closes.Load())
}

func TestWorkflowRegistry_StartSweeper(t *testing.T) {
	r := service.NewWorkflowRegistry(&fakeFactory{}, &countingResolver{})

	_, err := r.StartSweeper("not a schedule", time.Minute)
	assert.Error(t, err)

	stop, err := r.StartSweeper("@every 1h", time.Minute)
	require.NoError(t, err)
	stop()
}

// ─────────────────────────────────────────────────────────────
// Connections
// ─────────────────────────────────────────────────────────────

func TestWorkflowConnections_ConcurrentFirstUseConnectsOnce(t *testing.T) {
	f := &fakeFactory{}
	res := &countingResolver{}
	r := service.NewWorkflowRegistry(f, res)
	m := r.GetOrCreate("run-1")

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Query(context.Background(), "ds-1", "SELECT 1", nil, domain.QueryOptions{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Len(t, f.built(), 1)
	assert.EqualValues(t, 8, f.built()[0].queries.Load())
	assert.LessOrEqual(t, res.calls.Load(), int32(8))
}

func TestWorkflowConnections_ResolverFailure(t *testing.T) {
	boom := errors.New("vault unavailable")
	f := &fakeFactory{}
	r := service.NewWorkflowRegistry(f, &countingResolver{err: boom})

	_, err := r.GetOrCreate("run-1").GetDataSource(context.Background(), "ds-1")
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, f.built())
}

func TestWorkflowConnections_CloseAllWaitsForQueries(t *testing.T) {
	f := &fakeFactory{block: make(chan struct{})}
	r := service.NewWorkflowRegistry(f, &countingResolver{})
	m := r.GetOrCreate("run-1")
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := m.Query(ctx, "ds-1", "SELECT pg_sleep(1)", nil, domain.QueryOptions{})
		done <- err
	}()
	require.Eventually(t, func() bool {
		b := f.built()
		return len(b) == 1 && b[0].queries.Load() == 1
	}, time.Second, 5*time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- m.CloseAll(ctx) }()

	select {
	case <-closed:
		t.Fatal("CloseAll returned while a query was running")
	case <-time.After(50 * time.Millisecond):
	}

	_, err := m.Query(ctx, "ds-1", "SELECT 1", nil, domain.QueryOptions{})
	assert.ErrorIs(t, err, service.ErrWorkflowClosed)

	close(f.block)
	require.NoError(t, <-done)
	require.NoError(t, <-closed)
	assert.EqualValues(t, 1, f.built()[0].closes.Load())
}
