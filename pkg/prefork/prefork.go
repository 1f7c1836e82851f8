// Package prefork is the entry point of a prefork server: one listening
// socket served by several worker processes, each bounding its own number of
// in-flight connections.
//
// The host program calls Run (or Main) the same way in every process. The
// first invocation becomes the parent; it binds the socket and re-executes
// itself once per worker. Re-executed copies detect that they are workers
// and serve the inherited socket instead.
//
// Example usage:
//
//	func main() {
//	    cfg, err := config.Load("")
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    prefork.Main(prefork.Options{
//	        Config:  cfg,
//	        Handler: worker.HandlerFunc(serve),
//	    })
//	}
package prefork

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/marmos91/prefork/internal/logger"
	"github.com/marmos91/prefork/pkg/config"
	"github.com/marmos91/prefork/pkg/listener"
	"github.com/marmos91/prefork/pkg/pidfile"
	"github.com/marmos91/prefork/pkg/privilege"
	"github.com/marmos91/prefork/pkg/supervisor"
	"github.com/marmos91/prefork/pkg/worker"
)

// ErrNoHandler is returned by Run when Options.Handler is nil.
var ErrNoHandler = errors.New("prefork: no connection handler")

// Hooks are optional lifecycle callbacks.
//
// Init, ParentStarted and Started are best effort: errors and panics are
// logged and otherwise ignored. Exit is called with the error that aborts the
// run.
type Hooks struct {
	// Init runs once in the parent (or single) process before the socket is
	// bound.
	Init func() error

	// Exit receives the fatal error before Main exits.
	Exit func(err error)

	// ParentStarted runs in the parent once every worker has been spawned.
	ParentStarted func() error

	// Started runs in each serving process (every worker, or the single
	// process) before it starts accepting.
	Started func() error
}

// Options configures Run.
type Options struct {
	// Config is the server configuration. Nil uses config.GetDefaultConfig().
	Config *config.Config

	// Handler serves each accepted connection. Required.
	Handler worker.Handler

	// Hooks are the lifecycle callbacks.
	Hooks Hooks

	// Spawner starts worker processes. Nil re-executes the running binary.
	Spawner supervisor.Spawner
}

// inheritedListener returns the socket a worker inherited from its parent.
// Replaced in tests.
var inheritedListener = func() *os.File {
	return os.NewFile(supervisor.ListenerFD, "inherited-listener")
}

// IsChild reports whether the current process is a spawned worker.
func IsChild() bool {
	return os.Getenv(supervisor.EnvChild) == "1"
}

// Run runs the current process in the role it was started in: parent,
// worker or, when a single process is configured, both at once.
//
// In the parent, Run returns once a termination signal (or ctx cancellation)
// has been forwarded to every worker. A worker and a single process serve
// until ctx is cancelled; Main passes a context that never is, so they run
// until killed.
//
// Fatal errors are passed to Hooks.Exit and returned.
func Run(ctx context.Context, opts Options) error {
	err := run(ctx, opts)
	if err != nil && opts.Hooks.Exit != nil {
		opts.Hooks.Exit(err)
	}
	return err
}

// Main calls Run and exits the process with status 1 if it fails. The error
// is reported through Hooks.Exit when set, and logged otherwise.
func Main(opts Options) {
	if err := runAndReport(context.Background(), opts); err != nil {
		os.Exit(1)
	}
}

// runAndReport reports a fatal error on exactly one channel.
func runAndReport(ctx context.Context, opts Options) error {
	err := Run(ctx, opts)
	if err != nil && opts.Hooks.Exit == nil {
		logger.Error("%v", err)
	}
	return err
}

func run(ctx context.Context, opts Options) error {
	if opts.Handler == nil {
		return ErrNoHandler
	}

	cfg := opts.Config
	if cfg == nil {
		cfg = config.GetDefaultConfig()
	}
	if err := logger.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output); err != nil {
		return err
	}

	if IsChild() {
		return runWorker(ctx, cfg, opts)
	}

	callHook("init", opts.Hooks.Init)

	if cfg.Server.PreforkProcessNumber <= 1 {
		return runSingle(ctx, cfg, opts)
	}
	return runParent(ctx, cfg, opts)
}

// runSingle serves from the current process: listen, drop privileges, write
// the PID file, serve.
func runSingle(ctx context.Context, cfg *config.Config, opts Options) error {
	logger.SetProcess("single", 0)
	s := &cfg.Server

	ln, err := listener.Listen(s.Host, s.Port)
	if err != nil {
		return err
	}
	defer ln.Close()

	if err := privilege.Drop(s.User, s.Group); err != nil {
		return fmt.Errorf("failed to drop privileges: %w", err)
	}

	release, err := writePidFile(s)
	if err != nil {
		return err
	}
	defer release()

	logger.Info("Serving on %s (port %d) from a single process", ln.Addr(), ln.Port())
	callHook("started", opts.Hooks.Started)

	return worker.New(workerConfig(s, 0), ln, opts.Handler).Serve(ctx)
}

// runParent binds the socket, writes the PID file, drops privileges and
// hands over to the supervisor.
func runParent(ctx context.Context, cfg *config.Config, opts Options) error {
	logger.SetProcess("parent", 0)
	s := &cfg.Server

	ln, err := listener.Listen(s.Host, s.Port)
	if err != nil {
		return err
	}

	release, err := writePidFile(s)
	if err != nil {
		_ = ln.Close()
		return err
	}
	defer release()

	if err := privilege.Drop(s.User, s.Group); err != nil {
		_ = ln.Close()
		return fmt.Errorf("failed to drop privileges: %w", err)
	}

	spawner := opts.Spawner
	if spawner == nil {
		spawner = &supervisor.ExecSpawner{}
	}

	logger.Info("Listening on %s (port %d), spawning %d workers (%d connections each)",
		ln.Addr(), ln.Port(), s.PreforkProcessNumber, s.ThreadNumberPerProcess)

	sup := supervisor.New(supervisor.Config{
		Processes: s.PreforkProcessNumber,
		OnRunning: func() { callHook("parent-started", opts.Hooks.ParentStarted) },
	}, ln, spawner)

	return sup.Run(ctx)
}

// runWorker serves the socket inherited from the parent.
func runWorker(ctx context.Context, cfg *config.Config, opts Options) error {
	id, err := strconv.Atoi(os.Getenv(supervisor.EnvWorkerID))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", supervisor.EnvWorkerID, err)
	}
	logger.SetProcess("worker", id)

	ln, err := listener.FromFile(inheritedListener())
	if err != nil {
		return err
	}
	defer ln.Close()

	callHook("started", opts.Hooks.Started)

	return worker.New(workerConfig(&cfg.Server, id), ln, opts.Handler).Serve(ctx)
}

// writePidFile takes the PID file lock if configured, then writes the PID.
// The returned function releases the lock.
func writePidFile(s *config.ServerConfig) (func(), error) {
	release := func() {}

	if s.PidLock {
		lock, err := pidfile.Acquire(s.PidFile)
		if err != nil {
			return nil, err
		}
		release = func() {
			if err := lock.Release(); err != nil {
				logger.Debug("Failed to release pid file lock: %v", err)
			}
		}
	}

	if err := pidfile.Write(s.PidFile, os.Getpid()); err != nil {
		release()
		return nil, err
	}
	return release, nil
}

func workerConfig(s *config.ServerConfig, id int) worker.Config {
	return worker.Config{
		ID:             id,
		MaxConnections: s.ThreadNumberPerProcess,
		SleepTimer:     s.SleepTimer,
		AcceptRate:     s.AcceptRate,
		AcceptBurst:    s.AcceptBurst,
	}
}

// callHook runs a best-effort hook. Errors and panics are logged and dropped.
func callHook(name string, fn func() error) {
	if fn == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Warn("%s hook panicked: %v", name, r)
		}
	}()

	if err := fn(); err != nil {
		logger.Warn("%s hook failed: %v", name, err)
	}
}
