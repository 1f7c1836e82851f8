// Package supervisor owns the worker processes of a prefork server.
//
// The parent process binds the listening socket, hands it to Processes
// spawned workers, then sits idle until SIGTERM or SIGINT. On either signal
// it forwards SIGTERM to every worker and returns. SIGCHLD is ignored so the
// kernel reaps workers as they exit; the supervisor never waits on them.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/marmos91/prefork/internal/logger"
)

// Listener is the parent's reference to the shared listening socket.
type Listener interface {
	File() *os.File
	Close() error
}

// Config configures a Supervisor.
type Config struct {
	// Processes is the number of workers to spawn. Must be >= 1.
	Processes int

	// OnRunning, if set, is called once every worker has been spawned and
	// before the supervisor starts waiting for a signal.
	OnRunning func()
}

// Supervisor spawns and terminates worker processes.
//
// Lifecycle:
//  1. New() with the bound listener and a Spawner
//  2. Run() spawns the workers, closes the parent's listener and blocks
//  3. SIGTERM, SIGINT or ctx cancellation sends SIGTERM to every worker
//  4. Run() returns
//
// Thread safety:
// Run must be called once. State and Workers may be called concurrently.
type Supervisor struct {
	config   Config
	listener Listener
	spawner  Spawner

	state atomic.Int32

	mu      sync.Mutex
	workers []Process

	// Replaced in tests: ignoring SIGCHLD for the whole test binary breaks
	// os/exec Wait.
	notify     func(c chan<- os.Signal, sig ...os.Signal)
	stopNotify func(c chan<- os.Signal)
	ignore     func(sig ...os.Signal)
}

// New creates a Supervisor.
//
// Panics if ln or sp is nil, or if config.Processes < 1 (programmer error).
func New(config Config, ln Listener, sp Spawner) *Supervisor {
	if ln == nil {
		panic("supervisor: listener cannot be nil")
	}
	if sp == nil {
		panic("supervisor: spawner cannot be nil")
	}
	if config.Processes < 1 {
		panic(fmt.Sprintf("supervisor: invalid process count %d", config.Processes))
	}

	return &Supervisor{
		config:     config,
		listener:   ln,
		spawner:    sp,
		notify:     signal.Notify,
		stopNotify: signal.Stop,
		ignore:     signal.Ignore,
	}
}

// Run spawns the workers and blocks until a termination signal arrives or
// ctx is cancelled, both of which are handled the same way.
//
// The listener must already be bound, and any PID file and privilege drop
// done, before Run is called.
//
// Returns an error only if a worker could not be spawned. Workers spawned
// before the failure are sent SIGTERM first.
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(Initializing), int32(ListenerBound)) {
		panic("supervisor: Run called more than once")
	}

	// Pdeathsig is tied to the spawning thread, not the process.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	workers, err := s.spawn()
	if cerr := s.listener.Close(); cerr != nil {
		logger.Debug("Error closing parent listener: %v", cerr)
	}
	if err != nil {
		s.shutdown(workers)
		s.setState(Terminated)
		return err
	}
	s.setState(ChildrenForked)

	if s.config.OnRunning != nil {
		s.config.OnRunning()
	}

	s.ignore(syscall.SIGCHLD)
	sigs := make(chan os.Signal, 1)
	s.notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	defer s.stopNotify(sigs)

	s.setState(Running)
	logger.Info("Supervisor running with %d worker(s)", len(workers))

	select {
	case sig := <-sigs:
		logger.Info("Received %v, shutting down workers", sig)
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down workers")
	}

	s.setState(ShuttingDown)
	s.shutdown(workers)
	s.setState(Terminated)

	return nil
}

func (s *Supervisor) spawn() ([]Process, error) {
	f := s.listener.File()

	for id := 1; id <= s.config.Processes; id++ {
		p, err := s.spawner.Spawn(id, f)
		if err != nil {
			return s.Workers(), fmt.Errorf("failed to spawn worker %d of %d: %w",
				id, s.config.Processes, err)
		}

		s.mu.Lock()
		s.workers = append(s.workers, p)
		s.mu.Unlock()

		logger.Debug("Spawned worker %d (pid %d)", id, p.PID())
	}

	return s.Workers(), nil
}

// shutdown sends SIGTERM to every worker. Delivery failures, typically a
// worker that already exited, are ignored.
func (s *Supervisor) shutdown(workers []Process) {
	s.ignore(syscall.SIGCHLD)

	for _, p := range workers {
		if err := p.Signal(syscall.SIGTERM); err != nil {
			logger.Debug("Failed to signal worker pid %d: %v", p.PID(), err)
		}
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

func (s *Supervisor) setState(state State) {
	s.state.Store(int32(state))
	logger.Debug("Supervisor state: %s", state)
}

// Workers returns the workers spawned so far.
func (s *Supervisor) Workers() []Process {
	s.mu.Lock()
	defer s.mu.Unlock()

	workers := make([]Process, len(s.workers))
	copy(workers, s.workers)
	return workers
}
