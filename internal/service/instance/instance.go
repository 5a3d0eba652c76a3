// Package instance keeps a second arrival daemon from running against the same state.
package instance

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mitchellh/go-ps"

	"github.com/oshokin/arrival-alarm/internal/config"
)

// ErrAlreadyRunning is returned when the pid file names a live daemon.
var ErrAlreadyRunning = errors.New("another daemon instance is running")

// Guard holds the pid file of the running daemon.
type Guard struct {
	path string
	pid  int
}

// finder looks up a process by pid; nil means no such process.
type finder func(pid int) (ps.Process, error)

// Acquire claims the pid file at path. A file left by a dead process, or by a
// process running another executable, is taken over.
func Acquire(path string) (*Guard, error) {
	return acquire(path, os.Getpid(), ps.FindProcess)
}

func acquire(path string, self int, find finder) (*Guard, error) {
	path = filepath.Clean(path)

	owner, err := readPID(path)
	if err != nil {
		return nil, err
	}

	if owner > 0 && owner != self {
		running, err := sameExecutable(owner, self, find)
		if err != nil {
			return nil, err
		}

		if running {
			return nil, fmt.Errorf("%w: pid %d (%s)", ErrAlreadyRunning, owner, path)
		}
	}

	data := []byte(strconv.Itoa(self) + "\n")
	if err = os.WriteFile(path, data, config.DefaultFilePermissions); err != nil {
		return nil, fmt.Errorf("write pid file: %w", err)
	}

	return &Guard{path: path, pid: self}, nil
}

// Release removes the pid file if it still names this process.
func (g *Guard) Release() error {
	if g == nil {
		return nil
	}

	owner, err := readPID(g.path)
	if err != nil || owner != g.pid {
		return err
	}

	if err = os.Remove(g.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove pid file: %w", err)
	}

	return nil
}

// readPID returns 0 when the file is missing or holds garbage.
func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)

	switch {
	case errors.Is(err, os.ErrNotExist):
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("read pid file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, nil
	}

	return pid, nil
}

// sameExecutable reports whether pid is alive and runs the same executable as self.
func sameExecutable(pid, self int, find finder) (bool, error) {
	other, err := find(pid)
	if err != nil {
		return false, fmt.Errorf("find process %d: %w", pid, err)
	}

	if other == nil {
		return false, nil
	}

	current, err := find(self)
	if err != nil {
		return false, fmt.Errorf("find process %d: %w", self, err)
	}

	// Without our own entry there is nothing to compare, assume the owner is a daemon.
	if current == nil {
		return true, nil
	}

	return other.Executable() == current.Executable(), nil
}
