//go:build linux

package mmap

import (
	"syscall"
	"unsafe"
)

// tryMremap resizes the mapping in place with the Linux mremap syscall,
// letting the kernel move it if the adjacent address space is taken.
func (m *Map) tryMremap(newSize int) ([]byte, error) {
	const mremapMaymove = 1

	newAddr, _, errno := syscall.Syscall6(
		syscall.SYS_MREMAP,
		uintptr(unsafe.Pointer(&m.data[0])),
		uintptr(m.size),
		uintptr(newSize),
		mremapMaymove,
		0, 0)

	if errno != 0 {
		return nil, errno
	}

	return unsafe.Slice((*byte)(unsafe.Pointer(newAddr)), newSize), nil
}
