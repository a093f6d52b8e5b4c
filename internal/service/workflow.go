package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"sqlgateway/internal/dbclient"
	"sqlgateway/internal/domain"
	"sqlgateway/internal/secret"
)

// ErrWorkflowClosed is returned by a WorkflowConnections that was released.
var ErrWorkflowClosed = errors.New("workflow connections closed")

// ── WorkflowRegistry ──────────────────────────────────────

// WorkflowRegistry owns one WorkflowConnections per workflow run. Whoever
// owns the run lifetime releases it; the sweeper reclaims runs that were
// never released.
type WorkflowRegistry struct {
	factory  AdapterFactory
	resolver secret.CredentialResolver
	options

	mu       sync.Mutex
	managers map[string]*WorkflowConnections
}

func NewWorkflowRegistry(factory AdapterFactory, resolver secret.CredentialResolver, opts ...Option) *WorkflowRegistry {
	return &WorkflowRegistry{
		factory:  factory,
		resolver: resolver,
		options:  buildOptions(opts),
		managers: make(map[string]*WorkflowConnections),
	}
}

// GetOrCreate returns the connections of workflowID, creating them on first use.
func (r *WorkflowRegistry) GetOrCreate(workflowID string) *WorkflowConnections {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.managers[workflowID]; ok {
		m.touch()
		return m
	}
	now := r.now()
	m := &WorkflowConnections{
		id:       workflowID,
		registry: r,
		created:  now,
		lastUsed: now,
		adapters: make(map[string]dbclient.Adapter),
	}
	r.managers[workflowID] = m
	r.logger.Debug("workflow connections created", zap.String("workflow", workflowID))
	return m
}

// Len reports how many workflows hold connections.
func (r *WorkflowRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.managers)
}

// Release closes and forgets the connections of workflowID. Unknown ids are
// a no-op.
func (r *WorkflowRegistry) Release(ctx context.Context, workflowID string) error {
	r.mu.Lock()
	m, ok := r.managers[workflowID]
	delete(r.managers, workflowID)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	err := m.CloseAll(ctx)
	r.emitter.Emit(ctx, EventWorkflowReleased, workflowID)
	return err
}

// CleanupOldManagers releases every workflow unused for longer than maxAge
// and returns how many were released. Workflows with queries in flight are
// kept.
func (r *WorkflowRegistry) CleanupOldManagers(ctx context.Context, maxAge time.Duration) int {
	cutoff := r.now().Add(-maxAge)
	r.mu.Lock()
	var candidates []string
	for id, m := range r.managers {
		if m.LastUsed().Before(cutoff) {
			candidates = append(candidates, id)
		}
	}
	r.mu.Unlock()

	released := 0
	for _, id := range candidates {
		m := r.releaseIfStale(id, cutoff)
		if m == nil {
			continue
		}
		released++
		if err := m.CloseAll(ctx); err != nil {
			r.logger.Warn("release stale workflow", zap.String("workflow", id), zap.Error(err))
		}
		r.emitter.Emit(ctx, EventWorkflowReleased, id)
	}
	if released > 0 {
		r.logger.Info("stale workflows released", zap.Int("count", released), zap.Duration("maxAge", maxAge))
	}
	return released
}

// releaseIfStale forgets workflowID when it is still idle since before
// cutoff. The check and the removal share r.mu with GetOrCreate, so a
// workflow touched after the sweep picked it survives. The caller closes
// the returned connections.
func (r *WorkflowRegistry) releaseIfStale(workflowID string, cutoff time.Time) *WorkflowConnections {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.managers[workflowID]
	if !ok || !m.LastUsed().Before(cutoff) || m.running.Running() > 0 {
		return nil
	}
	delete(r.managers, workflowID)
	return m
}

// StartSweeper runs CleanupOldManagers on a cron schedule. The returned stop
// waits for a running sweep to finish.
func (r *WorkflowRegistry) StartSweeper(schedule string, maxAge time.Duration) (stop func(), err error) {
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		r.CleanupOldManagers(ctx, maxAge)
	}); err != nil {
		return nil, fmt.Errorf("workflow sweep schedule %q: %w", schedule, err)
	}
	c.Start()
	r.logger.Info("workflow sweeper started", zap.String("schedule", schedule), zap.Duration("maxAge", maxAge))
	return func() { <-c.Stop().Done() }, nil
}

// CloseAll releases every workflow.
func (r *WorkflowRegistry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	ids := make([]string, 0, len(r.managers))
	for id := range r.managers {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := r.Release(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ── WorkflowConnections ───────────────────────────────────

// WorkflowConnections caches one adapter per data source id for a single
// workflow run.
type WorkflowConnections struct {
	id       string
	registry *WorkflowRegistry
	created  time.Time

	group   singleflight.Group
	running runningGuard

	mu       sync.Mutex
	lastUsed time.Time
	closed   bool
	adapters map[string]dbclient.Adapter
}

func (m *WorkflowConnections) ID() string         { return m.id }
func (m *WorkflowConnections) Created() time.Time { return m.created }

func (m *WorkflowConnections) LastUsed() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastUsed
}

func (m *WorkflowConnections) touch() {
	m.mu.Lock()
	m.lastUsed = m.registry.now()
	m.mu.Unlock()
}

// GetDataSource returns the adapter for dataSourceID, resolving credentials
// and connecting on first use. Concurrent first calls share one connect.
func (m *WorkflowConnections) GetDataSource(ctx context.Context, dataSourceID string) (dbclient.Adapter, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrWorkflowClosed
	}
	m.lastUsed = m.registry.now()
	if a, ok := m.adapters[dataSourceID]; ok {
		m.mu.Unlock()
		return a, nil
	}
	m.mu.Unlock()

	v, err, _ := m.group.Do(dataSourceID, func() (any, error) {
		return m.connect(ctx, dataSourceID)
	})
	if err != nil {
		return nil, err
	}
	return v.(dbclient.Adapter), nil
}

func (m *WorkflowConnections) connect(ctx context.Context, dataSourceID string) (dbclient.Adapter, error) {
	m.mu.Lock()
	if a, ok := m.adapters[dataSourceID]; ok {
		m.mu.Unlock()
		return a, nil
	}
	m.mu.Unlock()

	r := m.registry
	cfg, err := r.resolver.Resolve(ctx, dataSourceID)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a, err := r.factory.NewAdapter(cfg.Type)
	if err != nil {
		return nil, err
	}
	if err := a.Initialize(ctx, cfg.Credentials); err != nil {
		a.Close()
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		a.Close()
		return nil, ErrWorkflowClosed
	}
	m.adapters[dataSourceID] = a
	r.logger.Info("workflow data source connected",
		zap.String("workflow", m.id),
		zap.String("datasource", cfg.Name),
		zap.String("type", string(cfg.Type)))
	return a, nil
}

// Query runs sql on dataSourceID. CloseAll waits for queries in flight.
func (m *WorkflowConnections) Query(ctx context.Context, dataSourceID, sql string, params []any, opts domain.QueryOptions) (*domain.QueryResult, error) {
	token := uuid.NewString()
	if !m.running.TryLock(token) {
		return nil, ErrWorkflowClosed
	}
	defer m.running.Unlock(token)

	a, err := m.GetDataSource(ctx, dataSourceID)
	if err != nil {
		return nil, err
	}
	return m.registry.runQuery(ctx, a, sql, params, opts)
}

// CloseAll stops admitting queries, waits for those in flight until ctx is
// done, then closes every adapter and clears the cache.
func (m *WorkflowConnections) CloseAll(ctx context.Context) error {
	m.running.Close()
	if !m.running.WaitAll(ctx) {
		m.registry.logger.Warn("closing workflow with queries in flight",
			zap.String("workflow", m.id), zap.Int("running", m.running.Running()))
	}

	m.mu.Lock()
	m.closed = true
	adapters := m.adapters
	m.adapters = make(map[string]dbclient.Adapter)
	m.mu.Unlock()

	var errs []error
	for id, a := range adapters {
		if err := a.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
