//go:build windows

package mmap

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

// New maps length bytes of the file handle fd starting at offset.
func New(fd int, offset int64, length int, writable bool) (*Map, error) {
	if length <= 0 {
		return nil, ErrInvalidSize
	}

	handle := windows.Handle(fd)

	prot := uint32(windows.PAGE_READONLY)
	access := uint32(windows.FILE_MAP_READ)
	if writable {
		prot = windows.PAGE_READWRITE
		access = windows.FILE_MAP_WRITE
	}

	maxSizeHigh := uint32(uint64(length) >> 32)
	maxSizeLow := uint32(length)

	mapping, err := windows.CreateFileMapping(handle, nil, prot, maxSizeHigh, maxSizeLow, nil)
	if err != nil {
		return nil, &Error{Op: "CreateFileMapping", Err: err}
	}

	offsetHigh := uint32(uint64(offset) >> 32)
	offsetLow := uint32(offset)

	addr, err := windows.MapViewOfFile(mapping, access, offsetHigh, offsetLow, uintptr(length))
	if err != nil {
		windows.CloseHandle(mapping)
		return nil, &Error{Op: "MapViewOfFile", Err: err}
	}

	return &Map{
		data:     unsafe.Slice((*byte)(unsafe.Pointer(addr)), length),
		fd:       fd,
		size:     int64(length),
		writable: writable,
		handle:   uintptr(handle),
		mapping:  uintptr(mapping),
	}, nil
}

// Sync flushes all mapped pages to disk.
func (m *Map) Sync() error {
	if m.data == nil {
		return ErrNotMapped
	}
	return windows.FlushViewOfFile(uintptr(unsafe.Pointer(&m.data[0])), uintptr(m.size))
}

// SyncRange flushes one range to disk.
func (m *Map) SyncRange(offset, length int64) error {
	if m.data == nil {
		return ErrNotMapped
	}
	if offset < 0 || length < 0 || offset+length > m.size {
		return ErrInvalidRange
	}
	return windows.FlushViewOfFile(uintptr(unsafe.Pointer(&m.data[offset])), uintptr(length))
}

// Close releases the view and the mapping object. Closing an already
// closed Map is a no-op.
func (m *Map) Close() error {
	if m.data == nil {
		return nil
	}

	addr := uintptr(unsafe.Pointer(&m.data[0]))

	if err := windows.UnmapViewOfFile(addr); err != nil {
		return &Error{Op: "UnmapViewOfFile", Err: err}
	}

	if m.mapping != 0 {
		windows.CloseHandle(windows.Handle(m.mapping))
		m.mapping = 0
	}

	m.data = nil
	m.size = 0
	return nil
}

// Remap resizes the mapping after the file has been resized. Windows
// has no mremap, so the view and mapping object are recreated.
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

	addr := uintptr(unsafe.Pointer(&m.data[0]))
	if err := windows.UnmapViewOfFile(addr); err != nil {
		return &Error{Op: "UnmapViewOfFile for remap", Err: err}
	}

	if m.mapping != 0 {
		windows.CloseHandle(windows.Handle(m.mapping))
	}

	prot := uint32(windows.PAGE_READONLY)
	access := uint32(windows.FILE_MAP_READ)
	if m.writable {
		prot = windows.PAGE_READWRITE
		access = windows.FILE_MAP_WRITE
	}

	maxSizeHigh := uint32(uint64(newSize) >> 32)
	maxSizeLow := uint32(newSize)

	mapping, err := windows.CreateFileMapping(windows.Handle(m.handle), nil, prot, maxSizeHigh, maxSizeLow, nil)
	if err != nil {
		m.data = nil
		m.size = 0
		m.mapping = 0
		return &Error{Op: "CreateFileMapping for remap", Err: err}
	}

	newAddr, err := windows.MapViewOfFile(mapping, access, 0, 0, uintptr(newSize))
	if err != nil {
		windows.CloseHandle(mapping)
		m.data = nil
		m.size = 0
		m.mapping = 0
		return &Error{Op: "MapViewOfFile for remap", Err: err}
	}

	m.data = unsafe.Slice((*byte)(unsafe.Pointer(newAddr)), newSize)
	m.size = newSize
	m.mapping = uintptr(mapping)
	return nil
}

// Advise is a no-op, Windows has no madvise.
func (m *Map) Advise(advice int) error {
	if m.data == nil {
		return ErrNotMapped
	}
	return nil
}

// AdviseSequential hints that pages will be read front to back.
func (m *Map) AdviseSequential() error {
	return m.Advise(0)
}

// AdviseRandom hints that pages will be accessed in no particular order.
func (m *Map) AdviseRandom() error {
	return m.Advise(0)
}
