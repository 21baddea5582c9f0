//go:build unix

package lockfile

import (
	"errors"
	"os"
	"syscall"
)

// tryLock takes a non-blocking exclusive flock on file. flock locks follow
// the open file description, so two opens of the same path conflict even
// within one process.
func tryLock(file *os.File) error {
	err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if err == nil {
		return nil
	}
	if errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.EAGAIN) {
		return ErrBusy
	}
	return err
}

func unlock(file *os.File) error {
	return syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
}
