package daemon

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestAcquireLock(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "test.lock")

	lock1, err := AcquireLock(lockPath)
	if err != nil {
		t.Fatalf("failed to acquire lock: %v", err)
	}
	defer func() { _ = lock1.Release() }()

	if _, err := os.Stat(lockPath); os.IsNotExist(err) {
		t.Fatal("lock file was not created")
	}
	if !IsLocked(lockPath) {
		t.Fatal("expected IsLocked to report the held lock")
	}

	_, err = AcquireLock(lockPath)
	if !errors.Is(err, ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld, got: %v", err)
	}
}

func TestReleaseLock(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "nested", "test.lock")

	lock, err := AcquireLock(lockPath)
	if err != nil {
		t.Fatalf("failed to acquire lock: %v", err)
	}
	if lock.LockPath() != lockPath {
		t.Fatalf("LockPath = %q, want %q", lock.LockPath(), lockPath)
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("failed to release lock: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("second release should be a no-op: %v", err)
	}
	if _, err := os.Stat(lockPath); !os.IsNotExist(err) {
		t.Fatal("lock file was not removed after release")
	}
	if IsLocked(lockPath) {
		t.Fatal("IsLocked reported a released lock")
	}

	lock2, err := AcquireLock(lockPath)
	if err != nil {
		t.Fatalf("failed to re-acquire lock: %v", err)
	}
	_ = lock2.Release()
}
