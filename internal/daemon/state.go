// Package daemon implements the persistent background process: machine
// identity and presence, the loopback control API short-lived CLI
// invocations attach to, session process supervision, and self-update
// detection.
package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// State is the daemon's discovery record. Short-lived CLI invocations
// read it to find and authenticate against the control API.
type State struct {
	PID       int    `json:"pid"`
	Port      int    `json:"port"`
	Token     string `json:"token"`
	Version   string `json:"version"`
	StartedAt int64  `json:"startedAt"`
}

// ErrNotRunning reports a missing or stale state file.
var ErrNotRunning = errors.New("daemon not running")

// WriteState persists the state file atomically.
func WriteState(path string, st *State) error {
	raw, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal daemon state: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write daemon state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename daemon state: %w", err)
	}
	return nil
}

// ReadState loads the state file and verifies the recorded process is
// still alive. A dead PID reads as ErrNotRunning.
func ReadState(path string) (*State, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotRunning
		}
		return nil, fmt.Errorf("read daemon state: %w", err)
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("parse daemon state: %w", err)
	}
	if !processAlive(st.PID) {
		return nil, ErrNotRunning
	}
	return &st, nil
}

// RemoveState deletes the state file.
func RemoveState(path string) {
	os.Remove(path)
}

// Lock is the single-instance guard: a file holding the owner's PID.
type Lock struct {
	path string
}

// AcquireLock takes the single-instance lock. A lock held by a dead
// process is broken; a live owner fails the acquire.
func AcquireLock(path string) (*Lock, error) {
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return &Lock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("acquire daemon lock: %w", err)
		}

		raw, rerr := os.ReadFile(path)
		if rerr != nil {
			return nil, fmt.Errorf("read daemon lock: %w", rerr)
		}
		pid, perr := strconv.Atoi(strings.TrimSpace(string(raw)))
		if perr == nil && pid > 0 && processAlive(pid) {
			return nil, fmt.Errorf("another daemon is running (pid %d)", pid)
		}
		// Stale lock from a crashed daemon.
		os.Remove(path)
	}
	return nil, errors.New("acquire daemon lock: retry exhausted")
}

// Release drops the lock.
func (l *Lock) Release() {
	os.Remove(l.path)
}

// processAlive probes a PID with signal 0.
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
