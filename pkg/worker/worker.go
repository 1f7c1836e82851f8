package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/marmos91/prefork/internal/logger"
	"github.com/marmos91/prefork/internal/ratelimiter"
	"github.com/marmos91/prefork/pkg/admission"
)

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// Config holds the per-process limits of a Worker.
type Config struct {
	// ID identifies the worker in logs. 0 means the single-process mode.
	ID int

	// MaxConnections is the admission threshold: once more than this many
	// handlers are running, the worker stops accepting until the count
	// drops back to or below it. Must be >= 1.
	MaxConnections int

	// SleepTimer is how long the worker backs off when saturated before it
	// checks the counter again. Must be > 0.
	SleepTimer time.Duration

	// AcceptRate optionally caps accepts per second for this worker.
	// 0 means unlimited.
	AcceptRate float64

	// AcceptBurst is the token bucket size used with AcceptRate.
	AcceptBurst int
}

func (c *Config) validate() error {
	if c.MaxConnections < 1 {
		return fmt.Errorf("invalid MaxConnections %d: must be >= 1", c.MaxConnections)
	}
	if c.SleepTimer <= 0 {
		return fmt.Errorf("invalid SleepTimer %v: must be > 0", c.SleepTimer)
	}
	if c.AcceptRate < 0 {
		return fmt.Errorf("invalid AcceptRate %v: must be >= 0", c.AcceptRate)
	}
	return nil
}

// Worker runs the accept-dispatch loop for one process.
//
// Thread safety:
// Serve must be called once. ActiveConnections and Throttled are safe to call
// concurrently with Serve.
type Worker struct {
	config   Config
	listener net.Listener
	handler  Handler

	// conns counts handlers in flight. Incremented before the handler
	// goroutine starts, decremented when it ends.
	conns admission.Counter

	// throttled counts backpressure sleeps.
	throttled atomic.Int64

	limiter *ratelimiter.RateLimiter

	// errLog keeps a failing accept() from flooding the log.
	errLog *catrate.Limiter
}

// New creates a Worker serving ln with h.
//
// Panics if ln or h is nil, or if config is invalid (programmer error).
func New(config Config, ln net.Listener, h Handler) *Worker {
	if ln == nil {
		panic("worker: listener cannot be nil")
	}
	if h == nil {
		panic("worker: handler cannot be nil")
	}
	if err := config.validate(); err != nil {
		panic(fmt.Sprintf("invalid worker config: %v", err))
	}

	return &Worker{
		config:   config,
		listener: ln,
		handler:  h,
		limiter:  ratelimiter.New(config.AcceptRate, config.AcceptBurst),
		errLog: catrate.NewLimiter(map[time.Duration]int{
			time.Second: 5,
			time.Minute: 60,
		}),
	}
}

// Serve runs the accept-dispatch loop.
//
// In a worker process ctx is never cancelled and Serve only ends when the
// process is killed. When ctx is cancelled the listener is closed, Serve
// returns nil and in-flight handlers are left to finish on their own; there
// is no drain.
//
// A failed accept is logged and retried after a short backoff. Serve returns
// an error only if the listener is closed out from under it.
func (w *Worker) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		if err := w.listener.Close(); err != nil {
			logger.Debug("Error closing listener: %v", err)
		}
	})
	defer stop()

	logger.Info("Worker %d accepting on %s (max_connections=%d sleep_timer=%v accept_rate=%v accept_burst=%d)",
		w.config.ID, w.listener.Addr(), w.config.MaxConnections, w.config.SleepTimer,
		w.limiter.Limit(), w.limiter.Burst())

	var backoff time.Duration
	for {
		if w.conns.Saturated(w.config.MaxConnections) {
			w.throttled.Add(1)
			logger.Debug("Worker %d saturated (active: %d > %d), pausing accepts for %v",
				w.config.ID, w.conns.Count(), w.config.MaxConnections, w.config.SleepTimer)

			if !sleep(ctx, w.config.SleepTimer) {
				return nil
			}
			continue
		}

		if !w.limiter.Allow() {
			logger.Debug("Worker %d accept rate exceeded (%.2f tokens), waiting",
				w.config.ID, w.limiter.Tokens())
			if err := w.limiter.Wait(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				logger.Debug("Worker %d accept throttle: %v", w.config.ID, err)
			}
		}

		conn, err := w.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("worker %d: listener closed: %w", w.config.ID, err)
			}

			if backoff == 0 {
				backoff = minAcceptBackoff
			} else {
				backoff = min(backoff*2, maxAcceptBackoff)
			}
			w.logAcceptError(err, backoff)

			if !sleep(ctx, backoff) {
				return nil
			}
			continue
		}
		backoff = 0

		w.dispatch(ctx, conn)
	}
}

// dispatch counts conn and serves it on its own goroutine. The count is
// released, and conn closed, however the handler ends.
func (w *Worker) dispatch(ctx context.Context, conn net.Conn) {
	release := w.conns.Acquire()
	remote := conn.RemoteAddr()
	debugEnabled := logger.Enabled(logger.LevelDebug)

	if debugEnabled {
		logger.Debug("Worker %d accepted connection from %s (active: %d)",
			w.config.ID, remote, w.conns.Count())
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Worker %d handler panic for %s: %v\n%s",
					w.config.ID, remote, r, debug.Stack())
			}
			if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				logger.Debug("Error closing connection from %s: %v", remote, err)
			}
			release()

			if debugEnabled {
				logger.Debug("Worker %d connection from %s closed (active: %d)",
					w.config.ID, remote, w.conns.Count())
			}
		}()

		if err := w.handler.ServeConn(ctx, conn); err != nil {
			logger.Debug("Worker %d handler error for %s: %v", w.config.ID, remote, err)
		}
	}()
}

func (w *Worker) logAcceptError(err error, retry time.Duration) {
	if _, ok := w.errLog.Allow(acceptErrorCategory(err)); !ok {
		return
	}
	logger.Warn("Worker %d accept error: %v; retrying in %v", w.config.ID, err, retry)
}

// acceptErrorCategory groups accept errors for log throttling: by errno when
// there is one (EMFILE, ENFILE, ECONNABORTED, ...), otherwise by type.
func acceptErrorCategory(err error) any {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return fmt.Sprintf("%T", err)
}

// ActiveConnections returns the number of handlers currently running.
func (w *Worker) ActiveConnections() int64 {
	return w.conns.Count()
}

// Throttled returns how many times the worker has paused accepting because
// it was saturated.
func (w *Worker) Throttled() int64 {
	return w.throttled.Load()
}

// sleep waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
