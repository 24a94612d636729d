//go:build unix

package gbptree

import (
	"os"

	"golang.org/x/sys/unix"
)

// File locking keeps two processes from writing the same page file.
// Writable opens take an exclusive advisory lock, read-only opens a
// shared one; both fail fast instead of blocking.

func lockPageFile(f *os.File, readOnly bool) error {
	how := unix.LOCK_EX | unix.LOCK_NB
	if readOnly {
		how = unix.LOCK_SH | unix.LOCK_NB
	}
	if err := unix.Flock(int(f.Fd()), how); err != nil {
		if err == unix.EWOULDBLOCK {
			return NewError(ErrBusy)
		}
		return WrapError(ErrInvalid, err)
	}
	return nil
}

func unlockPageFile(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
