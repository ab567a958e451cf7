package gateway

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/clawdis/clawdis/pkg/models"
)

// LockFile is the singleton lock filename under the state dir. It holds one
// line: "<pid> <port>".
const LockFile = "gateway.lock"

// LockHandle is an acquired gateway lock.
type LockHandle struct {
	path     string
	released bool
}

// Release removes the lock file. Releasing twice is a no-op.
func (h *LockHandle) Release() error {
	if h == nil || h.released {
		return nil
	}
	h.released = true
	err := os.Remove(h.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// AcquireLock refuses to start a second gateway against the same state dir.
// A lock whose owning process is gone is treated as stale and replaced.
func AcquireLock(stateDir string, port int) (*LockHandle, error) {
	path := filepath.Join(stateDir, LockFile)
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, err
	}

	for tries := 0; tries < 2; tries++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			line := fmt.Sprintf("%d %d\n", os.Getpid(), port)
			if _, werr := f.WriteString(line); werr != nil {
				_ = f.Close()
				_ = os.Remove(path)
				return nil, werr
			}
			if cerr := f.Close(); cerr != nil {
				_ = os.Remove(path)
				return nil, cerr
			}
			return &LockHandle{path: path}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, err
		}

		pid, lockedPort, rerr := ReadLock(stateDir)
		if rerr == nil && processAlive(pid) {
			return nil, models.NewError(models.ErrConflict,
				"gateway already running (pid %d, port %d)", pid, lockedPort)
		}
		// Stale or unreadable lock: remove and retry once.
		_ = os.Remove(path)
	}
	return nil, models.NewError(models.ErrUnavailable, "could not acquire gateway lock")
}

// ReadLock parses the lock file into its pid and port.
func ReadLock(stateDir string) (pid, port int, err error) {
	data, err := os.ReadFile(filepath.Join(stateDir, LockFile))
	if err != nil {
		return 0, 0, err
	}
	fields := strings.Fields(strings.TrimSpace(string(data)))
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("malformed gateway lock")
	}
	if pid, err = strconv.Atoi(fields[0]); err != nil {
		return 0, 0, fmt.Errorf("malformed gateway lock pid: %w", err)
	}
	if port, err = strconv.Atoi(fields[1]); err != nil {
		return 0, 0, fmt.Errorf("malformed gateway lock port: %w", err)
	}
	return pid, port, nil
}

// processAlive probes a pid with signal 0.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
