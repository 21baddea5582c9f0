//go:build windows

package lockfile

import (
	"errors"
	"os"

	"golang.org/x/sys/windows"
)

// tryLock takes a non-blocking exclusive LockFileEx range over the first
// byte of file. Appends go through the same descriptor, so the one-byte
// range is enough to serialize writers.
func tryLock(file *os.File) error {
	handle := windows.Handle(file.Fd())
	overlapped := &windows.Overlapped{}

	err := windows.LockFileEx(handle, windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY, 0, 1, 0, overlapped)
	if err == nil {
		return nil
	}
	if errors.Is(err, windows.ERROR_LOCK_VIOLATION) {
		return ErrBusy
	}
	return err
}

func unlock(file *os.File) error {
	handle := windows.Handle(file.Fd())
	overlapped := &windows.Overlapped{}
	return windows.UnlockFileEx(handle, 0, 1, 0, overlapped)
}
