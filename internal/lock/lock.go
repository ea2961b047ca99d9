package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"
)

var ErrLocked = errors.New("another run is in progress")

type Entry struct {
	Pid       int    `yaml:"pid" json:"pid"`
	Command   string `yaml:"command" json:"command"`
	RunID     string `yaml:"run_id" json:"run_id"`
	StartedAt string `yaml:"started_at" json:"started_at"`
}

func readLock(path string) (*Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var entry Entry
	if err := yaml.Unmarshal(data, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// createLock writes the entry only if no lock file exists yet.
func createLock(path string, entry *Entry) error {
	data, err := yaml.Marshal(entry)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	if err == syscall.ESRCH {
		return false
	}
	// EPERM: the process exists but belongs to someone else
	return true
}

// Holder returns the entry of a live lock holder, or nil when the lock is free
// or stale.
func Holder(lockPath string) (*Entry, error) {
	existing, err := readLock(lockPath)
	if err != nil || existing == nil {
		return nil, err
	}
	if !isProcessAlive(existing.Pid) {
		return nil, nil
	}
	return existing, nil
}

// Acquire takes the run lock. Returns a release function which should be
// called (deferred) when work is done; releasing twice is harmless.
func Acquire(lockPath, command, runID string) (func() error, error) {
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	entry := &Entry{
		Pid:       os.Getpid(),
		Command:   command,
		RunID:     runID,
		StartedAt: time.Now().Format(time.RFC3339),
	}

	for attempt := 0; ; attempt++ {
		err := createLock(lockPath, entry)
		if err == nil {
			break
		}
		if !os.IsExist(err) || attempt > 0 {
			return nil, err
		}

		existing, rerr := readLock(lockPath)
		if rerr != nil {
			return nil, rerr
		}
		if existing != nil && isProcessAlive(existing.Pid) {
			return nil, fmt.Errorf("%w: %s held by pid %d (started %s)", ErrLocked, existing.Command, existing.Pid, existing.StartedAt)
		}
		// stale lock from a dead process
		if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}

	release := func() error {
		current, err := readLock(lockPath)
		if err != nil {
			return err
		}
		if current == nil || current.Pid != entry.Pid || current.RunID != entry.RunID {
			return nil
		}
		if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}

	return release, nil
}
