package ratelimiter

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter throttles how fast a worker pulls new connections off the
// shared listening socket.
//
// It wraps a token bucket from golang.org/x/time/rate:
//   - acceptsPerSecond tokens are added every second
//   - each accepted connection consumes one token
//   - burst bounds how many accepts may happen back to back
//
// A nil *RateLimiter is valid and never throttles, so callers can keep a
// single code path whether or not throttling is configured.
//
// Thread safety:
// All methods are safe for concurrent use.
type RateLimiter struct {
	limiter *rate.Limiter
}

// New creates a RateLimiter allowing acceptsPerSecond sustained accepts with
// the given burst.
//
// acceptsPerSecond == 0 disables throttling and returns nil. A zero burst is
// raised to 1, since a bucket that holds no tokens would never admit anything.
func New(acceptsPerSecond float64, burst int) *RateLimiter {
	if acceptsPerSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}

	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(acceptsPerSecond), burst),
	}
}

// Allow reports whether an accept may proceed right now, consuming a token if
// so.
func (r *RateLimiter) Allow() bool {
	if r == nil {
		return true
	}
	return r.limiter.Allow()
}

// Wait blocks until an accept may proceed or ctx is done.
//
// Returns the context error if ctx was cancelled first.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if r == nil {
		return ctx.Err()
	}
	return r.limiter.Wait(ctx)
}

// Limit returns the configured sustained rate, or 0 when unlimited.
func (r *RateLimiter) Limit() float64 {
	if r == nil {
		return 0
	}
	return float64(r.limiter.Limit())
}

// Burst returns the bucket capacity, or 0 when unlimited.
func (r *RateLimiter) Burst() int {
	if r == nil {
		return 0
	}
	return r.limiter.Burst()
}

// Tokens returns the number of tokens currently available. Mostly useful in
// tests and debug logs.
func (r *RateLimiter) Tokens() float64 {
	if r == nil {
		return 0
	}
	return r.limiter.Tokens()
}
