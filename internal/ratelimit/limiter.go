// Package ratelimit provides admission control keyed by resource name.
//
// Every resource enforces three ceilings at once: concurrently running tasks,
// admissions in the last second and admissions in the last minute. Tasks that
// cannot be admitted wait in FIFO order up to the queue timeout and are then
// rejected with domain.ErrQueueTimeout; they are never dropped silently and
// never run past a ceiling.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"sqlgateway/internal/domain"
)

// SQLExecution is the resource name shared by every SQL call site.
const SQLExecution = "sql-execution"

// Limits are the ceilings of one resource. Zero means unlimited.
type Limits struct {
	MaxConcurrent int           `json:"maxConcurrent"`
	MaxPerSecond  int           `json:"maxPerSecond"`
	MaxPerMinute  int           `json:"maxPerMinute"`
	QueueTimeout  time.Duration `json:"queueTimeout"`
}

// DefaultSQLLimits are the limits used for SQLExecution unless configured.
func DefaultSQLLimits() Limits {
	return Limits{
		MaxConcurrent: 5,
		MaxPerSecond:  10,
		MaxPerMinute:  100,
		QueueTimeout:  90 * time.Second,
	}
}

// Stats is a point-in-time view of one resource.
type Stats struct {
	InFlight     int `json:"inFlight"`
	Queued       int `json:"queued"`
	LastSecond   int `json:"lastSecond"`
	LastMinute   int `json:"lastMinute"`
	TotalAdmits  int `json:"totalAdmits"`
	TotalRejects int `json:"totalRejects"`
}

// Limiter holds one resource per name. Call sites that use the same name share
// the same ceilings.
type Limiter struct {
	mu        sync.Mutex
	resources map[string]*resource
	logger    *zap.Logger
	now       func() time.Time
}

func New(logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{
		resources: make(map[string]*resource),
		logger:    logger,
		now:       time.Now,
	}
}

// Configure sets the limits of a resource. Waiting tasks are re-evaluated.
func (l *Limiter) Configure(key string, limits Limits) {
	r := l.resource(key, limits)
	r.mu.Lock()
	r.limits = limits
	r.wakeHeadLocked()
	r.mu.Unlock()
}

// Do admits fn under key and returns its error unchanged. limits apply the
// first time key is seen; use Configure to change them afterwards.
func (l *Limiter) Do(ctx context.Context, key string, limits Limits, fn func(ctx context.Context) error) error {
	r := l.resource(key, limits)
	if err := r.acquire(ctx); err != nil {
		if err == domain.ErrQueueTimeout {
			l.logger.Warn("rate limit queue timeout",
				zap.String("resource", key),
				zap.Duration("queueTimeout", r.queueTimeout()))
		}
		return err
	}
	defer r.release()
	return fn(ctx)
}

// Run is Do for work that produces a value.
func Run[T any](ctx context.Context, l *Limiter, key string, limits Limits, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := l.Do(ctx, key, limits, func(ctx context.Context) error {
		v, err := fn(ctx)
		out = v
		return err
	})
	return out, err
}

// Stats reports the state of key. Unknown keys report zeros.
func (l *Limiter) Stats(key string) Stats {
	l.mu.Lock()
	r, ok := l.resources[key]
	l.mu.Unlock()
	if !ok {
		return Stats{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	r.pruneLocked(now)
	return Stats{
		InFlight:     r.inFlight,
		Queued:       len(r.queue),
		LastSecond:   len(r.second),
		LastMinute:   len(r.minute),
		TotalAdmits:  r.admits,
		TotalRejects: r.rejects,
	}
}

func (l *Limiter) resource(key string, limits Limits) *resource {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.resources[key]
	if !ok {
		r = &resource{limits: limits, now: l.now}
		l.resources[key] = r
	}
	return r
}
