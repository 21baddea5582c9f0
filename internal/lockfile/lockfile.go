// Package lockfile implements cross-process advisory file locking for the
// shared log tree. Writers lock the file they append to; readers never lock.
// The platform primitive is POSIX flock on unix and LockFileEx on Windows.
package lockfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/toutatis-dev/huddle/internal/backoff"
)

// ErrBusy reports that another holder owns the lock right now.
var ErrBusy = errors.New("file lock busy")

// ErrTimeout reports that the lock could not be acquired before the deadline.
var ErrTimeout = errors.New("file lock timeout")

// DefaultTimeout bounds a single acquisition, retries included.
const DefaultTimeout = 2 * time.Second

// maxAttempts bounds the retry loop inside the timeout window.
const maxAttempts = 20

// Handle is an acquired exclusive lock over an open file.
type Handle struct {
	file     *os.File
	path     string
	attempts int
}

// File exposes the locked descriptor for writing.
func (h *Handle) File() *os.File { return h.file }

// Path returns the locked file's path.
func (h *Handle) Path() string { return h.path }

// Attempts reports how many acquisition attempts were made, busy retries
// included. Callers feed this into contention metrics.
func (h *Handle) Attempts() int { return h.attempts }

// Release unlocks and closes the file. Writers must flush and fsync before
// calling Release so the bytes are durable when the next holder reads them.
func (h *Handle) Release() error {
	if h == nil || h.file == nil {
		return nil
	}
	unlockErr := unlock(h.file)
	closeErr := h.file.Close()
	h.file = nil
	if unlockErr != nil {
		return fmt.Errorf("unlock %s: %w", h.path, unlockErr)
	}
	return closeErr
}

// AcquireAppend opens path in append mode, creating it if needed, and takes
// an exclusive advisory lock on it.
func AcquireAppend(ctx context.Context, path string, timeout time.Duration) (*Handle, error) {
	return Acquire(ctx, path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644, timeout)
}

// Acquire opens path with the given flags and takes an exclusive advisory
// lock, retrying with backoff while the lock is busy. A non-positive timeout
// uses DefaultTimeout. Busy locks and transient OS errors are retried up to
// the attempt cap; anything else fails immediately.
func Acquire(ctx context.Context, path string, flag int, perm os.FileMode, timeout time.Duration) (*Handle, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := backoff.Retry(ctx, backoff.LockPolicy(), maxAttempts, func(attempt int) (*os.File, error) {
		file, openErr := os.OpenFile(path, flag, perm)
		if openErr != nil {
			if isTransient(openErr) {
				return nil, openErr
			}
			return nil, backoff.Permanent(openErr)
		}
		if lockErr := tryLock(file); lockErr != nil {
			file.Close()
			if isTransient(lockErr) {
				return nil, lockErr
			}
			return nil, backoff.Permanent(lockErr)
		}
		return file, nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		if errors.Is(err, backoff.ErrAttemptsExhausted) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("acquire lock on %s after %d attempts: %w", path, result.Attempts, ErrTimeout)
		}
		return nil, fmt.Errorf("acquire lock on %s: %w", path, err)
	}

	return &Handle{file: result.Value, path: path, attempts: result.Attempts}, nil
}

// Probe verifies the advisory locking primitive works under dir by locking
// and releasing a scratch file. Startup treats a probe failure as fatal
// because every append depends on the primitive.
func Probe(dir string) error {
	path := filepath.Join(dir, ".lock_probe")
	handle, err := Acquire(context.Background(), path, os.O_CREATE|os.O_RDWR, 0o644, DefaultTimeout)
	if err != nil {
		return fmt.Errorf("lock probe: %w", err)
	}
	if err := handle.Release(); err != nil {
		return fmt.Errorf("lock probe release: %w", err)
	}
	os.Remove(path)
	return nil
}

// isTransient reports whether err is worth another attempt. Lock contention
// and interruptible descriptor pressure qualify; permission and missing-path
// errors do not.
func isTransient(err error) bool {
	if errors.Is(err, ErrBusy) {
		return true
	}
	switch {
	case errors.Is(err, syscall.EINTR),
		errors.Is(err, syscall.EAGAIN),
		errors.Is(err, syscall.ENFILE),
		errors.Is(err, syscall.EMFILE):
		return true
	}
	return false
}
