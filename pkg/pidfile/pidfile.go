// Package pidfile writes and reads the file holding the PID of the process
// that operators signal to stop the server.
package pidfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
	"github.com/google/renameio/v2"
)

// FileMode is the permission of written PID files.
const FileMode = 0o644

// ErrLocked is returned by Lock when another process holds the lock.
var ErrLocked = errors.New("pid file locked by another process")

// Write atomically replaces path with pid followed by a newline.
func Write(path string, pid int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create pid file directory: %w", err)
	}
	if err := renameio.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), FileMode); err != nil {
		return fmt.Errorf("failed to write pid file %s: %w", path, err)
	}
	return nil
}

// Read returns the PID stored in path.
func Read(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read pid file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid file %s: %q", path, strings.TrimSpace(string(data)))
	}
	return pid, nil
}

// Lock is an exclusive advisory lock on "<pid file>.lock". It is held for the
// lifetime of the parent so two servers cannot share one PID file.
type Lock struct {
	l *flock.Flock
}

// LockPath returns the lock file used for the PID file at path.
func LockPath(path string) string {
	return path + ".lock"
}

// Acquire takes the lock for the PID file at path without blocking.
// Returns ErrLocked if it is held elsewhere.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create pid file directory: %w", err)
	}

	l := flock.New(LockPath(path))

	locked, err := l.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%s: %w", LockPath(path), ErrLocked)
	}

	return &Lock{l: l}, nil
}

// Release drops the lock. The lock file itself is left in place.
func (l *Lock) Release() error {
	return l.l.Unlock()
}
