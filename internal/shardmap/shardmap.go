// Package shardmap provides a mutex-sharded hash map for concurrent use.
// Sharding spreads lock contention across independent buckets so readers
// and writers on different keys rarely block each other.
package shardmap

import "sync"

// Map is a concurrent map sharded over several locked Go maps. The
// hash function decides the shard; it only needs to spread keys, not
// be cryptographic.
type Map[K comparable, V any] struct {
	shards []shard[K, V]
	hash   func(K) uint64
	mask   uint64
}

type shard[K comparable, V any] struct {
	mu sync.RWMutex
	m  map[K]V
}

// New creates a map with the given shard count, rounded up to a power
// of two, using hash to place keys.
func New[K comparable, V any](shards int, hash func(K) uint64) *Map[K, V] {
	size := 1
	for size < shards {
		size *= 2
	}
	m := &Map[K, V]{
		shards: make([]shard[K, V], size),
		hash:   hash,
		mask:   uint64(size - 1),
	}
	for i := range m.shards {
		m.shards[i].m = make(map[K]V)
	}
	return m
}

func (m *Map[K, V]) shardFor(key K) *shard[K, V] {
	return &m.shards[m.hash(key)&m.mask]
}

// Get returns the value for key and whether it was present.
func (m *Map[K, V]) Get(key K) (V, bool) {
	s := m.shardFor(key)
	s.mu.RLock()
	v, ok := s.m[key]
	s.mu.RUnlock()
	return v, ok
}

// Set stores a key-value pair.
func (m *Map[K, V]) Set(key K, value V) {
	s := m.shardFor(key)
	s.mu.Lock()
	s.m[key] = value
	s.mu.Unlock()
}

// Del removes key and reports whether it was present.
func (m *Map[K, V]) Del(key K) bool {
	s := m.shardFor(key)
	s.mu.Lock()
	_, ok := s.m[key]
	delete(s.m, key)
	s.mu.Unlock()
	return ok
}

// Update applies fn to the current value for key (or the zero value if
// absent) and stores the result, all under the shard lock.
func (m *Map[K, V]) Update(key K, fn func(V, bool) V) {
	s := m.shardFor(key)
	s.mu.Lock()
	old, ok := s.m[key]
	s.m[key] = fn(old, ok)
	s.mu.Unlock()
}

// UpdatePresent applies fn to the value for key only when the key is
// present, storing the result under the shard lock. It reports whether
// the key was found.
func (m *Map[K, V]) UpdatePresent(key K, fn func(V) V) bool {
	s := m.shardFor(key)
	s.mu.Lock()
	old, ok := s.m[key]
	if ok {
		s.m[key] = fn(old)
	}
	s.mu.Unlock()
	return ok
}

// Len returns the total number of entries across all shards.
func (m *Map[K, V]) Len() int {
	n := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.RLock()
		n += len(s.m)
		s.mu.RUnlock()
	}
	return n
}

// Do calls fn for every entry. Each shard is locked for reading while
// its entries are visited; fn must not call back into the same map.
// Returning false stops the iteration.
func (m *Map[K, V]) Do(fn func(K, V) bool) {
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.RLock()
		for k, v := range s.m {
			if !fn(k, v) {
				s.mu.RUnlock()
				return
			}
		}
		s.mu.RUnlock()
	}
}

// Clear removes all entries.
func (m *Map[K, V]) Clear() {
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		clear(s.m)
		s.mu.Unlock()
	}
}
