// Package daemon implements the process-level plumbing that isn't part of
// any one message-processing component: the PID file that refuses a second
// instance, and the control FIFO that feeds reset/notify commands into the
// dispatch loop.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrAlreadyRunning is returned by AcquirePIDFile when another live process
// holds the same PID file.
type ErrAlreadyRunning struct {
	PID int
}

func (e *ErrAlreadyRunning) Error() string {
	return fmt.Sprintf("another instance is running (PID %d)", e.PID)
}

// AcquirePIDFile refuses to start if path names a live process, removes a
// stale file (the named process is gone), and writes the current PID.
// Ported from `_check_pid_file` / `_write_pid_file` in the original daemon.
func AcquirePIDFile(path string) error {
	if data, err := os.ReadFile(path); err == nil {
		pidStr := strings.TrimSpace(string(data))
		pid, perr := strconv.Atoi(pidStr)
		if perr == nil {
			if processAlive(pid) {
				return &ErrAlreadyRunning{PID: pid}
			}
		}
		// Stale or unparseable: remove and proceed.
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("daemon: remove stale pid file: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("daemon: create pid dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("daemon: write pid file: %w", err)
	}
	return nil
}

// ReleasePIDFile removes path, ignoring a missing file. Called on shutdown.
func ReleasePIDFile(path string) {
	_ = os.Remove(path)
}

// processAlive reports whether pid names a running process, matching
// Python's `os.kill(pid, 0)` liveness probe.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	if err == syscall.ESRCH {
		return false
	}
	// EPERM means the process exists but we can't signal it — still alive.
	return err == syscall.EPERM
}
