package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// pidFilePermissions matches the standard config file permissions (owner rw, group/other r).
const pidFilePermissions = 0o644

// pidDirPermissions matches the standard directory permissions (owner rwx, group/other rx).
const pidDirPermissions = 0o755

// errWatchRunning is returned when another watch process holds the lock.
var errWatchRunning = errors.New("another watch is already running")

// watchPIDPath returns the lock file for watch, next to the local index.
func watchPIDPath(indexPath string) string {
	return filepath.Join(filepath.Dir(indexPath), "watch.pid")
}

// writePIDFile writes the current process ID to path and acquires an exclusive
// flock. Returns a cleanup function that removes the file and releases the
// lock. If the lock cannot be acquired, another watch is already running.
func writePIDFile(path string) (cleanup func(), err error) {
	if path == "" {
		return nil, errors.New("PID file path is empty")
	}

	dir := filepath.Dir(path)
	if mkdirErr := os.MkdirAll(dir, pidDirPermissions); mkdirErr != nil {
		return nil, fmt.Errorf("creating PID file directory: %w", mkdirErr)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, pidFilePermissions)
	if err != nil {
		return nil, fmt.Errorf("opening PID file: %w", err)
	}

	// Non-blocking: fail at once if another process holds the lock.
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()

		if pid, readErr := readPIDFile(path); readErr == nil {
			return nil, fmt.Errorf("%w (PID %d, lock %s)", errWatchRunning, pid, path)
		}

		return nil, fmt.Errorf("%w (could not lock %s)", errWatchRunning, path)
	}

	if err := f.Truncate(0); err != nil {
		f.Close()

		return nil, fmt.Errorf("truncating PID file: %w", err)
	}

	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		f.Close()

		return nil, fmt.Errorf("writing PID file: %w", err)
	}

	// Sync to disk so readers see the PID immediately.
	if err := f.Sync(); err != nil {
		f.Close()

		return nil, fmt.Errorf("syncing PID file: %w", err)
	}

	return func() {
		os.Remove(path)
		f.Close()
	}, nil
}

// readPIDFile reads the PID from the given file path. Returns 0 and an error
// if the file does not exist or contains invalid content.
func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in %s: %w", path, err)
	}

	return pid, nil
}
