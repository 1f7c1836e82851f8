// Package admission tracks how many connections a single worker process is
// currently handling and answers whether it may take on more.
//
// The counter is strictly per process. Workers never coordinate with each
// other; each one enforces its own share of the total budget.
package admission

import "sync/atomic"

// Counter is an in-flight connection counter.
//
// The admission check built on top of it is advisory: Saturated is read
// before accept, and Increment happens after accept returns, so concurrent
// accepts may overshoot the threshold by the number of accepts in flight.
//
// The zero value is ready to use. A Counter must not be copied after first use.
type Counter struct {
	n atomic.Int64
}

// Increment records a newly accepted connection and returns the new count.
// It must be called before the connection's handler is started.
func (c *Counter) Increment() int64 {
	return c.n.Add(1)
}

// Decrement records that a connection's handler finished and returns the new
// count. It must be called exactly once per Increment, typically deferred.
func (c *Counter) Decrement() int64 {
	n := c.n.Add(-1)
	if n < 0 {
		// Unmatched Decrement. Keep the invariant 0 <= count.
		c.n.CompareAndSwap(n, 0)
		return 0
	}
	return n
}

// Count returns a snapshot of the current count.
func (c *Counter) Count() int64 {
	return c.n.Load()
}

// Saturated reports whether the count is above threshold.
func (c *Counter) Saturated(threshold int) bool {
	return c.Count() > int64(threshold)
}

// Acquire increments the counter and returns a release function that
// decrements it. The release function is idempotent, so it is safe to both
// defer it and call it on an early path.
func (c *Counter) Acquire() (release func()) {
	c.Increment()

	var once atomic.Bool
	return func() {
		if once.CompareAndSwap(false, true) {
			c.Decrement()
		}
	}
}
