//go:build unix && !linux

package mmap

import "errors"

// tryMremap always fails off Linux so Remap falls back to munmap+mmap.
func (m *Map) tryMremap(newSize int) ([]byte, error) {
	return nil, errors.New("mremap not available")
}
