// Package mmap maps the page file into memory so pages can be read and
// written in place. It wraps the platform mapping primitives behind one
// growable Map type.
package mmap

// Map is a shared, file-backed memory mapping.
type Map struct {
	data     []byte
	fd       int
	size     int64
	writable bool
	// Windows keeps a mapping object alongside the view; zero on unix.
	handle  uintptr
	mapping uintptr
}

// Data returns the mapped byte slice. The slice is invalidated by Remap
// and Close.
func (m *Map) Data() []byte {
	return m.data
}

// Size returns the current mapped size.
func (m *Map) Size() int64 {
	return m.size
}

// Error carries the mapping operation that failed.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return "mmap: " + e.Op + ": " + e.Err.Error()
	}
	return "mmap: " + e.Op
}

func (e *Error) Unwrap() error {
	return e.Err
}

var (
	ErrInvalidSize  = &Error{Op: "invalid size"}
	ErrInvalidRange = &Error{Op: "invalid range"}
	ErrNotMapped    = &Error{Op: "not mapped"}
)
