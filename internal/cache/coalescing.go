package cache

import (
	"context"
	"sync"
	"time"
)

// flight is a single in-flight operation that multiple callers may wait on.
// val and err are written before done is closed.
type flight[V any] struct {
	done chan struct{}
	val  V
	err  error
}

// Coalescer collapses concurrent identical operations into one execution per
// key: the first caller runs fn, later callers attach to the pending result.
// Used by the entity cache to guarantee at most one outstanding fetch per
// entity type, and by the sync controller to serialize concurrent pushes.
type Coalescer[V any] struct {
	mu       sync.Mutex
	inFlight map[string]*flight[V]
	timeout  time.Duration
}

// NewCoalescer creates a Coalescer. timeout bounds how long any caller waits
// for a shared result.
func NewCoalescer[V any](timeout time.Duration) *Coalescer[V] {
	return &Coalescer[V]{
		inFlight: make(map[string]*flight[V]),
		timeout:  timeout,
	}
}

// GetOrDo executes fn for key unless an execution is already in flight, in
// which case the caller waits for its result. coalesced reports whether this
// caller attached to another caller's execution. fn runs to completion even
// if every waiter's context expires; late results are discarded by callers.
func (c *Coalescer[V]) GetOrDo(ctx context.Context, key string, fn func() (V, error)) (val V, coalesced bool, err error) {
	c.mu.Lock()
	if f, ok := c.inFlight[key]; ok {
		c.mu.Unlock()
		val, err = c.wait(ctx, f)
		return val, true, err
	}

	f := &flight[V]{done: make(chan struct{})}
	c.inFlight[key] = f
	c.mu.Unlock()

	go func() {
		f.val, f.err = fn()
		c.mu.Lock()
		delete(c.inFlight, key)
		c.mu.Unlock()
		close(f.done)
	}()

	val, err = c.wait(ctx, f)
	return val, false, err
}

// wait blocks until the flight completes or the caller's deadline expires.
func (c *Coalescer[V]) wait(ctx context.Context, f *flight[V]) (V, error) {
	waitCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	select {
	case <-f.done:
		return f.val, f.err
	case <-waitCtx.Done():
		var zero V
		return zero, waitCtx.Err()
	}
}
