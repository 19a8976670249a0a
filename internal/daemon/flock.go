package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// ErrLockHeld is returned when another daemon already owns the data directory.
var ErrLockHeld = errors.New("daemon lock held by another process")

// FileLock holds an exclusive file lock that auto-releases on process death.
// The OS releases the lock automatically when the process exits (even SIGKILL).
type FileLock struct {
	lock *flock.Flock
}

// AcquireLock tries to get an exclusive non-blocking lock on the lock file.
func AcquireLock(path string) (*FileLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create lock file directory: %w", err)
	}
	l := flock.New(path)
	ok, err := l.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return &FileLock{lock: l}, nil
}

// LockPath returns the path to the lock file.
func (l *FileLock) LockPath() string {
	return l.lock.Path()
}

// Release releases the lock and removes the lock file.
// Safe to call multiple times; subsequent calls are no-ops.
func (l *FileLock) Release() error {
	if l == nil || !l.lock.Locked() {
		return nil
	}
	err := l.lock.Unlock()
	_ = os.Remove(l.lock.Path())
	return err
}

// IsLocked checks if the lock file is currently held by another process.
func IsLocked(path string) bool {
	if _, err := os.Stat(path); err != nil {
		return false
	}
	lk := flock.New(path)
	ok, err := lk.TryLock()
	if err != nil {
		return false
	}
	if ok {
		_ = lk.Unlock()
		return false
	}
	return true
}
