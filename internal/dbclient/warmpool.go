package dbclient

import (
	"context"
	"database/sql"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

const (
	// DefaultIdleTimeout is how long a released warm connection stays open.
	DefaultIdleTimeout = 5 * time.Minute
	// DefaultPoolSize caps the number of distinct warm connections.
	DefaultPoolSize = 16
)

type warmEntry struct {
	db       *sql.DB
	lastUsed time.Time
	inUse    int
	evicted  bool // dropped from the LRU while in use; closed on last release
}

// WarmPool keeps connections open across adapter lifetimes, keyed by a
// fingerprint of their DSN. Entries are reclaimed by Sweep once idle past the
// idle timeout, or when the LRU overflows.
type WarmPool struct {
	mu     sync.Mutex
	lru    *lru.Cache[string, *warmEntry]
	idle   time.Duration
	now    func() time.Time
	logger *zap.Logger
}

func NewWarmPool(size int, idle time.Duration, logger *zap.Logger) *WarmPool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &WarmPool{idle: idle, now: time.Now, logger: logger}
	// lru.NewWithEvict only fails on a non-positive size.
	p.lru, _ = lru.NewWithEvict[string, *warmEntry](size, p.onEvict)
	return p
}

// onEvict runs with p.mu held.
func (p *WarmPool) onEvict(key string, e *warmEntry) {
	if e.inUse > 0 {
		e.evicted = true
		return
	}
	p.closeEntry(key, e)
}

func (p *WarmPool) closeEntry(key string, e *warmEntry) {
	if err := e.db.Close(); err != nil {
		p.logger.Warn("close warm connection", zap.String("fingerprint", key[:12]), zap.Error(err))
		return
	}
	p.logger.Debug("warm connection closed", zap.String("fingerprint", key[:12]))
}

// Acquire returns the warm handle for dsn, opening one when none exists. The
// returned release func must be called exactly once; later calls are no-ops.
func (p *WarmPool) Acquire(ctx context.Context, dsn string, open func(ctx context.Context) (*sql.DB, error)) (*sql.DB, func() error, error) {
	key := fingerprint(dsn)

	p.mu.Lock()
	if e, ok := p.lru.Get(key); ok {
		e.inUse++
		e.lastUsed = p.now()
		p.mu.Unlock()
		p.logger.Debug("warm connection reused", zap.String("fingerprint", key[:12]))
		return e.db, p.releaser(key, e), nil
	}
	p.mu.Unlock()

	db, err := open(ctx)
	if err != nil {
		return nil, nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.lru.Get(key); ok {
		// Another caller opened the same target meanwhile.
		db.Close()
		e.inUse++
		e.lastUsed = p.now()
		return e.db, p.releaser(key, e), nil
	}
	e := &warmEntry{db: db, lastUsed: p.now(), inUse: 1}
	p.lru.Add(key, e)
	return db, p.releaser(key, e), nil
}

func (p *WarmPool) releaser(key string, e *warmEntry) func() error {
	var once sync.Once
	return func() error {
		once.Do(func() {
			p.mu.Lock()
			e.inUse--
			e.lastUsed = p.now()
			if e.evicted && e.inUse == 0 {
				p.closeEntry(key, e)
			}
			p.mu.Unlock()
		})
		p.Sweep()
		return nil
	}
}

// Sweep closes connections that nobody uses and that have been idle for at
// least the idle timeout. It returns how many were closed.
func (p *WarmPool) Sweep() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	n := 0
	for _, key := range p.lru.Keys() {
		e, ok := p.lru.Peek(key)
		if !ok || e.inUse > 0 || now.Sub(e.lastUsed) < p.idle {
			continue
		}
		p.lru.Remove(key)
		n++
	}
	return n
}

// Len reports the number of pooled connections.
func (p *WarmPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lru.Len()
}

// Close closes every idle connection and marks busy ones for closing on release.
func (p *WarmPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lru.Purge()
	return nil
}
