package service

import (
	"context"
	"sync"
)

// ExportedRunningGuard is an exported alias so _test packages can test the guard.
type ExportedRunningGuard = runningGuard

// ─────────────────────────────────────────────────────────────
// runningGuard
// ─────────────────────────────────────────────────────────────

// runningGuard admits uniquely identified work until it is closed, and lets a
// closer wait for the admitted work to drain.
type runningGuard struct {
	mu      sync.Mutex
	running map[string]struct{}
	closed  bool
	wg      sync.WaitGroup
}

// TryLock marks id as running. It fails when id is already running or the
// guard is closed.
func (g *runningGuard) TryLock(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	if g.running == nil {
		g.running = make(map[string]struct{})
	}
	if _, ok := g.running[id]; ok {
		return false
	}
	g.running[id] = struct{}{}
	g.wg.Add(1)
	return true
}

// Unlock must follow a successful TryLock.
func (g *runningGuard) Unlock(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.running[id]; !ok {
		return
	}
	delete(g.running, id)
	g.wg.Done()
}

// Close stops admitting new work.
func (g *runningGuard) Close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
}

// Running reports how many ids are admitted.
func (g *runningGuard) Running() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.running)
}

// WaitAll blocks until all admitted work completes or ctx is done. It
// reports whether the work drained.
func (g *runningGuard) WaitAll(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
