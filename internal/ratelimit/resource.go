package ratelimit

import (
	"context"
	"sync"
	"time"

	"sqlgateway/internal/domain"
)

type waiter struct {
	ready chan struct{}
}

// resource is the admission state of one key. Check and reserve happen under
// mu with no suspension in between.
type resource struct {
	mu     sync.Mutex
	limits Limits
	now    func() time.Time

	inFlight int
	second   []time.Time // admissions within the last second
	minute   []time.Time // admissions within the last minute
	queue    []*waiter

	admits  int
	rejects int
}

func (r *resource) queueTimeout() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.limits.QueueTimeout
}

func (r *resource) acquire(ctx context.Context) error {
	r.mu.Lock()
	w := &waiter{ready: make(chan struct{}, 1)}
	r.queue = append(r.queue, w)

	var deadline <-chan time.Time
	if qt := r.limits.QueueTimeout; qt > 0 {
		t := time.NewTimer(qt)
		defer t.Stop()
		deadline = t.C
	}

	for {
		var retry time.Duration
		if r.queue[0] == w {
			wait, ok := r.tryReserveLocked(r.now())
			if ok {
				r.queue = r.queue[1:]
				r.admits++
				r.wakeHeadLocked()
				r.mu.Unlock()
				return nil
			}
			retry = wait
		}
		r.mu.Unlock()

		var retryTimer *time.Timer
		var retryC <-chan time.Time
		if retry > 0 {
			retryTimer = time.NewTimer(retry)
			retryC = retryTimer.C
		}

		var err error
		select {
		case <-w.ready:
		case <-retryC:
		case <-deadline:
			err = domain.ErrQueueTimeout
		case <-ctx.Done():
			err = ctx.Err()
		}
		if retryTimer != nil {
			retryTimer.Stop()
		}

		r.mu.Lock()
		if err != nil {
			r.removeLocked(w)
			r.rejects++
			r.wakeHeadLocked()
			r.mu.Unlock()
			return err
		}
	}
}

func (r *resource) release() {
	r.mu.Lock()
	r.inFlight--
	r.wakeHeadLocked()
	r.mu.Unlock()
}

// tryReserveLocked admits one task if every ceiling allows it. Otherwise it
// returns how long until a rate window frees a slot (zero when only the
// concurrency ceiling is in the way; a release wakes the queue then).
func (r *resource) tryReserveLocked(now time.Time) (time.Duration, bool) {
	r.pruneLocked(now)

	var wait time.Duration
	blocked := false
	if r.limits.MaxConcurrent > 0 && r.inFlight >= r.limits.MaxConcurrent {
		blocked = true
	}
	if r.limits.MaxPerSecond > 0 && len(r.second) >= r.limits.MaxPerSecond {
		blocked = true
		wait = maxDuration(wait, r.second[0].Add(time.Second).Sub(now))
	}
	if r.limits.MaxPerMinute > 0 && len(r.minute) >= r.limits.MaxPerMinute {
		blocked = true
		wait = maxDuration(wait, r.minute[0].Add(time.Minute).Sub(now))
	}
	if blocked {
		return wait, false
	}

	r.inFlight++
	r.second = append(r.second, now)
	r.minute = append(r.minute, now)
	return 0, true
}

func (r *resource) pruneLocked(now time.Time) {
	r.second = dropBefore(r.second, now.Add(-time.Second))
	r.minute = dropBefore(r.minute, now.Add(-time.Minute))
}

func (r *resource) removeLocked(w *waiter) {
	for i, q := range r.queue {
		if q == w {
			r.queue = append(r.queue[:i], r.queue[i+1:]...)
			return
		}
	}
}

func (r *resource) wakeHeadLocked() {
	if len(r.queue) == 0 {
		return
	}
	select {
	case r.queue[0].ready <- struct{}{}:
	default:
	}
}

func dropBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}

func maxDuration(a, b time.Duration) time.Duration {
	if b > a {
		return b
	}
	return a
}
