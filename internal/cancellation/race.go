package cancellation

import (
	"context"
	"time"

	"sqlgateway/internal/domain"
)

// Race runs fn and a timer of d side by side. Whichever settles first wins;
// when the timer wins, fn's context is cancelled so the losing query does not
// keep running server side, and domain.ErrQueryTimeout is returned.
func Race[T any](ctx context.Context, d time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		v   T
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := fn(runCtx)
		done <- outcome{v: v, err: err}
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()

	var zero T
	select {
	case o := <-done:
		return o.v, o.err
	case <-timer.C:
		cancel()
		return zero, domain.ErrQueryTimeout
	case <-ctx.Done():
		cancel()
		return zero, ctx.Err()
	}
}
