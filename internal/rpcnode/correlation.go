package rpcnode

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Correlation tracks in-flight outbound RPCs awaiting a matching
// inbound frame on the same event name (spec.md §4.5 "Outbound RPC ...
// use event-name correlation", §9 design note: "a mapping from
// event-name string to a single waiter ... a one-shot completion sink
// with a deadline timer"; a late arrival after timeout must not leak
// memory or double-complete).
type Correlation struct {
	mu      sync.Mutex
	waiters map[string]chan Frame
}

// NewCorrelation creates an empty correlation table.
func NewCorrelation() *Correlation {
	return &Correlation{waiters: make(map[string]chan Frame)}
}

// Await registers eventName and blocks until Complete is called for
// it, ctx is cancelled, or timeout elapses. The registration is removed
// before Await returns either way, so a late Complete call for the
// same name is a harmless no-op (spec.md §5 "A late-arriving response
// whose event-name is no longer registered is dropped silently").
func (c *Correlation) Await(ctx context.Context, eventName string, timeout time.Duration) (Frame, error) {
	ch := make(chan Frame, 1)

	c.mu.Lock()
	c.waiters[eventName] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.waiters, eventName)
		c.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case f := <-ch:
		return f, nil
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case <-timer.C:
		return Frame{}, fmt.Errorf("rpcnode: no response for event %q within %s", eventName, timeout)
	}
}

// Complete delivers f to the awaiter registered for f's event name, if
// any. Returns true if an awaiter was found and signalled.
func (c *Correlation) Complete(f Frame) bool {
	c.mu.Lock()
	ch, ok := c.waiters[f.EventName]
	if ok {
		delete(c.waiters, f.EventName)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	select {
	case ch <- f:
		return true
	default:
		return false
	}
}

// Len reports the number of currently outstanding awaiters (metrics /
// test helper).
func (c *Correlation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}
