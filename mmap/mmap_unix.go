//go:build unix

package mmap

import (
	"golang.org/x/sys/unix"
)

// New maps length bytes of fd starting at offset. The offset must be
// page-aligned.
func New(fd int, offset int64, length int, writable bool) (*Map, error) {
	if length <= 0 {
		return nil, ErrInvalidSize
	}

	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}

	data, err := unix.Mmap(fd, offset, length, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, &Error{Op: "mmap", Err: err}
	}

	return &Map{
		data:     data,
		fd:       fd,
		size:     int64(length),
		writable: writable,
	}, nil
}

// Sync flushes all mapped pages to disk and waits for completion.
func (m *Map) Sync() error {
	if m.data == nil {
		return ErrNotMapped
	}
	return unix.Msync(m.data, unix.MS_SYNC)
}

// SyncRange flushes one range to disk. The offset must be aligned to
// the system page size or msync rejects it.
func (m *Map) SyncRange(offset, length int64) error {
	if m.data == nil {
		return ErrNotMapped
	}
	if offset < 0 || length < 0 || offset+length > m.size {
		return ErrInvalidRange
	}
	return unix.Msync(m.data[offset:offset+length], unix.MS_SYNC)
}

// Close releases the mapping. Closing an already closed Map is a no-op.
func (m *Map) Close() error {
	if m.data == nil {
		return nil
	}

	err := unix.Munmap(m.data)
	m.data = nil
	m.size = 0
	return err
}

// Remap resizes the mapping after the file has been resized. Linux
// moves the mapping with mremap; elsewhere it is unmapped and mapped
// again. Either way previously returned slices are invalid afterwards.
func (m *Map) Remap(newSize int64) error {
	if m.data == nil {
		return ErrNotMapped
	}

	if newSize <= 0 {
		return ErrInvalidSize
	}

	if newSize == m.size {
		return nil
	}

	newData, err := m.tryMremap(int(newSize))
	if err == nil {
		m.data = newData
		m.size = newSize
		return nil
	}

	prot := unix.PROT_READ
	if m.writable {
		prot |= unix.PROT_WRITE
	}

	if err := unix.Munmap(m.data); err != nil {
		return &Error{Op: "munmap for remap", Err: err}
	}

	newData, err = unix.Mmap(m.fd, 0, int(newSize), prot, unix.MAP_SHARED)
	if err != nil {
		m.data = nil
		m.size = 0
		return &Error{Op: "mmap for remap", Err: err}
	}

	m.data = newData
	m.size = newSize
	return nil
}

// Advise passes an access-pattern hint to the kernel.
func (m *Map) Advise(advice int) error {
	if m.data == nil {
		return ErrNotMapped
	}
	return unix.Madvise(m.data, advice)
}

// AdviseSequential hints that pages will be read front to back.
func (m *Map) AdviseSequential() error {
	return m.Advise(unix.MADV_SEQUENTIAL)
}

// AdviseRandom hints that pages will be accessed in no particular order.
func (m *Map) AdviseRandom() error {
	return m.Advise(unix.MADV_RANDOM)
}
