// Package intmap provides a fast hash map for integer keys.
// Uses fibonacci hashing for better distribution of sequential keys.
package intmap

// Map is a fast hash map from int to int.
// Uses open addressing with linear probing and fibonacci hashing.
type Map struct {
	buckets []bucket
	count   int
	mask    uint64
}

type bucket struct {
	key   int
	value int
	used  bool // Needed because key=0 might be valid
}

// Fibonacci hash constant: 2^64 / golden ratio
const fibHash64 = 11400714819323198485

// hash computes a fast hash using fibonacci hashing
func (m *Map) hash(key int) uint64 {
	return uint64(key) * fibHash64
}

// New creates a map with room for capacity entries before growing.
func New(capacity int) *Map {
	size := 16
	for size*3/4 < capacity {
		size *= 2
	}
	return &Map{
		buckets: make([]bucket, size),
		mask:    uint64(size - 1),
	}
}

// Get returns the value for the given key and whether it was present.
func (m *Map) Get(key int) (int, bool) {
	if len(m.buckets) == 0 {
		return 0, false
	}
	h := m.hash(key)
	idx := h & m.mask
	for {
		b := &m.buckets[idx]
		if !b.used {
			return 0, false
		}
		if b.key == key {
			return b.value, true
		}
		idx = (idx + 1) & m.mask
	}
}

// Put stores a key-value pair.
func (m *Map) Put(key, value int) {
	if len(m.buckets) == 0 {
		m.buckets = make([]bucket, 16)
		m.mask = 15
	} else if m.count >= len(m.buckets)*3/4 {
		m.grow()
	}

	h := m.hash(key)
	idx := h & m.mask
	for {
		b := &m.buckets[idx]
		if !b.used {
			b.key = key
			b.value = value
			b.used = true
			m.count++
			return
		}
		if b.key == key {
			b.value = value
			return
		}
		idx = (idx + 1) & m.mask
	}
}

// grow doubles the hash table size
func (m *Map) grow() {
	oldBuckets := m.buckets
	newSize := len(oldBuckets) * 2
	m.buckets = make([]bucket, newSize)
	m.mask = uint64(newSize - 1)
	m.count = 0

	for i := range oldBuckets {
		if oldBuckets[i].used {
			m.Put(oldBuckets[i].key, oldBuckets[i].value)
		}
	}
}

// Reset removes all entries but keeps the backing array.
func (m *Map) Reset() {
	clear(m.buckets)
	m.count = 0
}

// Len returns the number of entries.
func (m *Map) Len() int {
	return m.count
}
