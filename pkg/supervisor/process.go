package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
)

const (
	// EnvChild marks a re-executed worker process.
	EnvChild = "PREFORK_CHILD"

	// EnvWorkerID carries the 1-based index of a worker process.
	EnvWorkerID = "PREFORK_WORKER_ID"

	// ListenerFD is the descriptor number under which a worker inherits the
	// listening socket (the first of exec.Cmd.ExtraFiles).
	ListenerFD = 3
)

// Process is a handle on a spawned worker process.
type Process interface {
	PID() int
	Signal(os.Signal) error
}

// Spawner starts worker processes.
type Spawner interface {
	// Spawn starts worker id with ln inherited as ListenerFD.
	Spawn(id int, ln *os.File) (Process, error)
}

// ExecSpawner starts workers by re-executing a binary, by default the
// running one with its own arguments.
type ExecSpawner struct {
	// Path of the binary. Empty means os.Executable().
	Path string

	// Args passed to the binary. Nil means os.Args[1:].
	Args []string

	// Env is the base environment. Nil means os.Environ().
	Env []string

	// Stdout and Stderr of the worker. Nil means the parent's.
	Stdout *os.File
	Stderr *os.File
}

type execProcess struct {
	*os.Process
}

func (p execProcess) PID() int {
	return p.Pid
}

// Spawn implements Spawner.
func (s *ExecSpawner) Spawn(id int, ln *os.File) (Process, error) {
	path := s.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to locate executable: %w", err)
		}
		path = exe
	}

	args := s.Args
	if args == nil {
		args = os.Args[1:]
	}

	env := s.Env
	if env == nil {
		env = os.Environ()
	}

	cmd := exec.Command(path, args...)
	cmd.Env = append(env[:len(env):len(env)],
		EnvChild+"=1",
		EnvWorkerID+"="+strconv.Itoa(id),
	)
	cmd.ExtraFiles = []*os.File{ln}
	cmd.Stdout = orFile(s.Stdout, os.Stdout)
	cmd.Stderr = orFile(s.Stderr, os.Stderr)
	cmd.SysProcAttr = sysProcAttr()

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker %d: %w", id, err)
	}

	return execProcess{cmd.Process}, nil
}

func orFile(f, fallback *os.File) *os.File {
	if f != nil {
		return f
	}
	return fallback
}
