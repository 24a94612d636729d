//go:build windows

package gbptree

import (
	"os"

	"golang.org/x/sys/windows"
)

// File locking keeps two processes from writing the same page file.
// Writable opens take an exclusive lock on the whole file, read-only
// opens a shared one; both fail fast instead of blocking.

func lockPageFile(f *os.File, readOnly bool) error {
	flags := uint32(windows.LOCKFILE_FAIL_IMMEDIATELY)
	if !readOnly {
		flags |= windows.LOCKFILE_EXCLUSIVE_LOCK
	}
	ol := new(windows.Overlapped)
	err := windows.LockFileEx(windows.Handle(f.Fd()), flags, 0, ^uint32(0), ^uint32(0), ol)
	if err != nil {
		if err == windows.ERROR_LOCK_VIOLATION {
			return NewError(ErrBusy)
		}
		return WrapError(ErrInvalid, err)
	}
	return nil
}

func unlockPageFile(f *os.File) error {
	ol := new(windows.Overlapped)
	return windows.UnlockFileEx(windows.Handle(f.Fd()), 0, ^uint32(0), ^uint32(0), ol)
}
