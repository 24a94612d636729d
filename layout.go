package gbptree

import "bytes"

// Layout defines how keys and values of a tree are sized, serialized
// and ordered. The node format never inspects key or value bytes
// itself; everything type-specific goes through the layout.
//
// Implementations must be stateless or safe for concurrent use, since
// readers share one layout instance.
type Layout[K, V any] interface {
	// KeySize returns the serialized size of key in bytes.
	KeySize(key K) int

	// ValueSize returns the serialized size of value in bytes.
	ValueSize(value V) int

	// WriteKey serializes key at the cursor.
	WriteKey(c *PageCursor, key K)

	// WriteValue serializes value at the cursor.
	WriteValue(c *PageCursor, value V)

	// ReadKey deserializes a key of known size at the cursor.
	ReadKey(c *PageCursor, keySize int) K

	// ReadValue deserializes a value of known size at the cursor.
	ReadValue(c *PageCursor, valueSize int) V

	// Compare orders two keys; negative means a sorts before b.
	Compare(a, b K) int

	// MinimalSplitter returns the shortest key s with left < s <= right.
	// Used to keep promoted separators small on leaf splits.
	MinimalSplitter(left, right K) K

	// Identifier distinguishes layouts on disk; checked on open.
	Identifier() uint64

	// MajorVersion breaks compatibility when bumped.
	MajorVersion() int

	// MinorVersion tracks compatible layout changes.
	MinorVersion() int
}

// BytesLayout stores raw byte slices ordered lexicographically.
type BytesLayout struct{}

// BytesLayoutIdentifier tags BytesLayout trees on disk
const BytesLayoutIdentifier uint64 = 0x62797465736C6179 // "byteslay"

func (BytesLayout) KeySize(key []byte) int { return len(key) }

func (BytesLayout) ValueSize(value []byte) int { return len(value) }

func (BytesLayout) WriteKey(c *PageCursor, key []byte) {
	c.PutBytes(key)
}

func (BytesLayout) WriteValue(c *PageCursor, value []byte) {
	c.PutBytes(value)
}

func (BytesLayout) ReadKey(c *PageCursor, keySize int) []byte {
	key := make([]byte, keySize)
	c.GetBytes(key)
	return key
}

func (BytesLayout) ReadValue(c *PageCursor, valueSize int) []byte {
	value := make([]byte, valueSize)
	c.GetBytes(value)
	return value
}

func (BytesLayout) Compare(a, b []byte) int { return bytes.Compare(a, b) }

// MinimalSplitter returns the shortest prefix of right that still sorts
// strictly after left.
func (BytesLayout) MinimalSplitter(left, right []byte) []byte {
	n := len(left)
	if len(right) < n {
		n = len(right)
	}
	i := 0
	for i < n && left[i] == right[i] {
		i++
	}
	end := i + 1
	if end > len(right) {
		end = len(right)
	}
	splitter := make([]byte, end)
	copy(splitter, right[:end])
	return splitter
}

func (BytesLayout) Identifier() uint64 { return BytesLayoutIdentifier }

func (BytesLayout) MajorVersion() int { return 1 }

func (BytesLayout) MinorVersion() int { return 0 }
