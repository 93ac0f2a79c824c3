package status

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/Iron-Ham/orchard/internal/errors"
)

// FileLock provides cross-process mutual exclusion using flock(2).
// It protects a plan's snapshot file when multiple orchard processes
// share the same state directory.
type FileLock struct {
	path string
	file *os.File
}

// NewFileLock creates a FileLock for the given lock file path.
// Call Lock/LockShared/Unlock to acquire and release.
func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// Lock acquires an exclusive lock, polling with backoff until the timeout
// elapses. It returns ErrLockTimeout once the bound is exceeded so callers
// surface a typed error instead of blocking indefinitely.
func (fl *FileLock) Lock(timeout time.Duration) error {
	return fl.acquire(syscall.LOCK_EX, timeout)
}

// LockShared acquires a shared lock for readers, with the same bounded
// acquisition behavior as Lock. Multiple readers may hold it concurrently.
func (fl *FileLock) LockShared(timeout time.Duration) error {
	return fl.acquire(syscall.LOCK_SH, timeout)
}

// acquire opens the lock file and polls flock with exponential backoff.
func (fl *FileLock) acquire(how int, timeout time.Duration) error {
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}

	deadline := time.Now().Add(timeout)
	backoff := 5 * time.Millisecond

	for {
		err = syscall.Flock(int(f.Fd()), how|syscall.LOCK_NB)
		if err == nil {
			fl.file = f
			return nil
		}
		if err != syscall.EWOULDBLOCK {
			_ = f.Close()
			return fmt.Errorf("flock: %w", err)
		}
		if time.Now().Add(backoff).After(deadline) {
			_ = f.Close()
			return fmt.Errorf("%w: %s held after %s", errors.ErrLockTimeout, fl.path, timeout)
		}
		time.Sleep(backoff)
		if backoff < 100*time.Millisecond {
			backoff *= 2
		}
	}
}

// TryLock attempts to acquire the exclusive lock without blocking.
// Returns true if the lock was acquired, false if it is held elsewhere.
func (fl *FileLock) TryLock() (bool, error) {
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return false, fmt.Errorf("open lock file: %w", err)
	}

	err = syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if err != nil {
		_ = f.Close()
		if err == syscall.EWOULDBLOCK {
			return false, nil
		}
		return false, fmt.Errorf("flock: %w", err)
	}

	fl.file = f
	return true, nil
}

// Unlock releases the lock and closes the lock file.
func (fl *FileLock) Unlock() error {
	if fl.file == nil {
		return nil
	}

	if err := syscall.Flock(int(fl.file.Fd()), syscall.LOCK_UN); err != nil {
		_ = fl.file.Close()
		fl.file = nil
		return fmt.Errorf("funlock: %w", err)
	}

	err := fl.file.Close()
	fl.file = nil
	return err
}
