// Package cancellation turns "stop this in-flight query" into driver specific
// teardown actions and enforces timeouts by racing executions against a timer.
package cancellation

import (
	"context"
	"sync"
)

// Controller is a one-shot cancellation signal with registered callbacks.
type Controller struct {
	mu        sync.Mutex
	cancelled bool
	done      chan struct{}
	callbacks []func()
}

func NewController() *Controller {
	return &Controller{done: make(chan struct{})}
}

// Cancel fires the signal. Callbacks run once, in registration order, on the
// first call; later calls do nothing.
func (c *Controller) Cancel() {
	c.mu.Lock()
	if c.cancelled {
		c.mu.Unlock()
		return
	}
	c.cancelled = true
	close(c.done)
	cbs := c.callbacks
	c.callbacks = nil
	c.mu.Unlock()

	for _, cb := range cbs {
		cb()
	}
}

// OnCancellation registers cb. If the controller is already cancelled cb runs
// immediately. The returned func unregisters cb.
func (c *Controller) OnCancellation(cb func()) (unregister func()) {
	c.mu.Lock()
	if c.cancelled {
		c.mu.Unlock()
		cb()
		return func() {}
	}
	c.callbacks = append(c.callbacks, cb)
	idx := len(c.callbacks) - 1
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if idx < len(c.callbacks) {
			c.callbacks[idx] = func() {}
		}
	}
}

func (c *Controller) Cancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

// Done is closed once Cancel has been called.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Context derives a context that is cancelled together with the controller.
func (c *Controller) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	unregister := c.OnCancellation(cancel)
	return ctx, func() {
		unregister()
		cancel()
	}
}
