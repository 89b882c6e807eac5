package daemon

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// PidFile is the single-instance guard: a file holding the pid of the
// running daemon.
type PidFile struct {
	path string
}

// AcquirePidFile claims path for this process.
//
// An existing file whose pid still belongs to a live process means another
// instance is running. A leftover file from a dead process is replaced.
func AcquirePidFile(path string) (*PidFile, error) {
	if raw, err := os.ReadFile(path); err == nil {
		pid, perr := strconv.Atoi(strings.TrimSpace(string(raw)))
		if perr == nil && pidAlive(pid) {
			return nil, fmt.Errorf("already running with pid %d", pid)
		}
		// Stale pidfile from a dead process.
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("remove stale pidfile: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("create pidfile: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("write pidfile: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("close pidfile: %w", err)
	}
	return &PidFile{path: path}, nil
}

// Release removes the guard file.
func (p *PidFile) Release() error {
	return os.Remove(p.path)
}

// pidAlive reports whether a process with the given pid exists.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
