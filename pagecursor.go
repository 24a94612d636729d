package gbptree

import (
	"errors"
	"fmt"
)

// PageCursor is a bounds-checked window over a single page buffer.
// Reads and writes go through an explicit offset; out-of-bounds access
// records a fault and reads back zeroes instead of panicking, so a
// corrupted offset cannot take the process down. Callers check the
// fault channel after a read sequence via CheckAndClearFault.
type PageCursor struct {
	data   []byte
	id     uint64
	offset int
	fault  string
}

// NewPageCursor wraps a page buffer. The id is used in fault messages only.
func NewPageCursor(data []byte, id uint64) *PageCursor {
	return &PageCursor{data: data, id: id}
}

// Reset points the cursor at a different page buffer and clears all state.
func (c *PageCursor) Reset(data []byte, id uint64) {
	c.data = data
	c.id = id
	c.offset = 0
	c.fault = ""
}

// ID returns the page id this cursor is positioned on.
func (c *PageCursor) ID() uint64 { return c.id }

// Size returns the page size in bytes.
func (c *PageCursor) Size() int { return len(c.data) }

// SetOffset positions the cursor. The offset may be temporarily out of
// range; the fault is raised on access, not on positioning.
func (c *PageCursor) SetOffset(offset int) { c.offset = offset }

// GetOffset returns the current cursor offset.
func (c *PageCursor) GetOffset() int { return c.offset }

func (c *PageCursor) outOfBounds(offset, size int) {
	if c.fault == "" {
		c.fault = fmt.Sprintf("out of bounds access on page %d: offset=%d size=%d pageSize=%d",
			c.id, offset, size, len(c.data))
	}
}

func (c *PageCursor) inBounds(offset, size int) bool {
	if offset < 0 || size < 0 || offset+size > len(c.data) {
		c.outOfBounds(offset, size)
		return false
	}
	return true
}

// GetByte reads one byte at the cursor and advances it.
func (c *PageCursor) GetByte() byte {
	v := c.GetByteAt(c.offset)
	c.offset++
	return v
}

// PutByte writes one byte at the cursor and advances it.
func (c *PageCursor) PutByte(v byte) {
	c.PutByteAt(c.offset, v)
	c.offset++
}

// GetUint16 reads a little-endian uint16 at the cursor and advances it.
func (c *PageCursor) GetUint16() uint16 {
	v := c.GetUint16At(c.offset)
	c.offset += 2
	return v
}

// PutUint16 writes a little-endian uint16 at the cursor and advances it.
func (c *PageCursor) PutUint16(v uint16) {
	c.PutUint16At(c.offset, v)
	c.offset += 2
}

// GetUint32 reads a little-endian uint32 at the cursor and advances it.
func (c *PageCursor) GetUint32() uint32 {
	v := c.GetUint32At(c.offset)
	c.offset += 4
	return v
}

// PutUint32 writes a little-endian uint32 at the cursor and advances it.
func (c *PageCursor) PutUint32(v uint32) {
	c.PutUint32At(c.offset, v)
	c.offset += 4
}

// GetUint64 reads a little-endian uint64 at the cursor and advances it.
func (c *PageCursor) GetUint64() uint64 {
	v := c.GetUint64At(c.offset)
	c.offset += 8
	return v
}

// PutUint64 writes a little-endian uint64 at the cursor and advances it.
func (c *PageCursor) PutUint64(v uint64) {
	c.PutUint64At(c.offset, v)
	c.offset += 8
}

// GetByteAt reads one byte at an absolute offset without moving the cursor.
func (c *PageCursor) GetByteAt(offset int) byte {
	if !c.inBounds(offset, 1) {
		return 0
	}
	return c.data[offset]
}

// PutByteAt writes one byte at an absolute offset without moving the cursor.
func (c *PageCursor) PutByteAt(offset int, v byte) {
	if !c.inBounds(offset, 1) {
		return
	}
	c.data[offset] = v
}

// GetUint16At reads a uint16 at an absolute offset.
func (c *PageCursor) GetUint16At(offset int) uint16 {
	if !c.inBounds(offset, 2) {
		return 0
	}
	return getUint16LE(c.data[offset:])
}

// PutUint16At writes a uint16 at an absolute offset.
func (c *PageCursor) PutUint16At(offset int, v uint16) {
	if !c.inBounds(offset, 2) {
		return
	}
	putUint16LE(c.data[offset:], v)
}

// GetUint32At reads a uint32 at an absolute offset.
func (c *PageCursor) GetUint32At(offset int) uint32 {
	if !c.inBounds(offset, 4) {
		return 0
	}
	return getUint32LE(c.data[offset:])
}

// PutUint32At writes a uint32 at an absolute offset.
func (c *PageCursor) PutUint32At(offset int, v uint32) {
	if !c.inBounds(offset, 4) {
		return
	}
	putUint32LE(c.data[offset:], v)
}

// GetUint64At reads a uint64 at an absolute offset.
func (c *PageCursor) GetUint64At(offset int) uint64 {
	if !c.inBounds(offset, 8) {
		return 0
	}
	return getUint64LE(c.data[offset:])
}

// PutUint64At writes a uint64 at an absolute offset.
func (c *PageCursor) PutUint64At(offset int, v uint64) {
	if !c.inBounds(offset, 8) {
		return
	}
	putUint64LE(c.data[offset:], v)
}

// GetBytes reads len(into) bytes at the cursor and advances it.
func (c *PageCursor) GetBytes(into []byte) {
	if !c.inBounds(c.offset, len(into)) {
		for i := range into {
			into[i] = 0
		}
		c.offset += len(into)
		return
	}
	copy(into, c.data[c.offset:])
	c.offset += len(into)
}

// PutBytes writes src at the cursor and advances it.
func (c *PageCursor) PutBytes(src []byte) {
	if !c.inBounds(c.offset, len(src)) {
		c.offset += len(src)
		return
	}
	copy(c.data[c.offset:], src)
	c.offset += len(src)
}

// ZeroBytes zero-fills n bytes starting at an absolute offset.
func (c *PageCursor) ZeroBytes(offset, n int) {
	if n <= 0 || !c.inBounds(offset, n) {
		return
	}
	b := c.data[offset : offset+n]
	for i := range b {
		b[i] = 0
	}
}

// ShiftBytes moves length bytes at srcOffset by delta, handling overlap.
func (c *PageCursor) ShiftBytes(srcOffset, length, delta int) {
	if length <= 0 {
		return
	}
	if !c.inBounds(srcOffset, length) || !c.inBounds(srcOffset+delta, length) {
		return
	}
	copy(c.data[srcOffset+delta:srcOffset+delta+length], c.data[srcOffset:srcOffset+length])
}

// CopyTo copies n bytes from srcOffset in this page to dstOffset in the
// target page. Source and target may be the same cursor.
func (c *PageCursor) CopyTo(srcOffset int, target *PageCursor, dstOffset, n int) {
	if n <= 0 {
		return
	}
	if !c.inBounds(srcOffset, n) || !target.inBounds(dstOffset, n) {
		return
	}
	copy(target.data[dstOffset:dstOffset+n], c.data[srcOffset:srcOffset+n])
}

// SetFault records a validation fault on the cursor. The first fault
// sticks until checked.
func (c *PageCursor) SetFault(msg string) {
	if c.fault == "" {
		c.fault = msg
	}
}

// Fault returns the pending fault message, or "" if none.
func (c *PageCursor) Fault() string { return c.fault }

// CheckAndClearFault converts a pending fault into an ErrCorrupted error
// and clears it. Returns nil when no fault is pending.
func (c *PageCursor) CheckAndClearFault() error {
	if c.fault == "" {
		return nil
	}
	msg := c.fault
	c.fault = ""
	return WrapError(ErrCorrupted, errors.New(msg))
}
