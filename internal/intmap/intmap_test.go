package intmap

import (
	"math/rand"
	"testing"
)

// Test basic functionality
func TestMap(t *testing.T) {
	m := New(0)

	// Test empty map
	if _, ok := m.Get(1); ok {
		t.Error("Expected miss for empty map")
	}

	// Test put and get
	m.Put(1, 100)
	m.Put(2, 200)

	if v, ok := m.Get(1); !ok || v != 100 {
		t.Error("Get(1) failed")
	}
	if v, ok := m.Get(2); !ok || v != 200 {
		t.Error("Get(2) failed")
	}
	if _, ok := m.Get(3); ok {
		t.Error("Get(3) should miss")
	}

	// Test update
	m.Put(1, 300)
	if v, _ := m.Get(1); v != 300 {
		t.Error("Update failed")
	}

	// Test len
	if m.Len() != 2 {
		t.Errorf("Expected len=2, got %d", m.Len())
	}

	// Test reset
	m.Reset()
	if m.Len() != 0 {
		t.Error("Reset failed")
	}
	if _, ok := m.Get(1); ok {
		t.Error("Get after reset should miss")
	}
}

// Test with many entries to trigger growth
func TestMapGrowth(t *testing.T) {
	m := New(16)

	n := 10000
	for i := 0; i < n; i++ {
		m.Put(i, i*10)
	}

	if m.Len() != n {
		t.Errorf("Expected len=%d, got %d", n, m.Len())
	}

	// Verify all values
	for i := 0; i < n; i++ {
		v, ok := m.Get(i)
		if !ok || v != i*10 {
			t.Errorf("Get(%d) failed", i)
		}
	}
}

// Test with key=0
func TestMapZeroKey(t *testing.T) {
	m := New(4)

	m.Put(0, 999)

	if v, ok := m.Get(0); !ok || v != 999 {
		t.Error("Zero key failed")
	}
	if m.Len() != 1 {
		t.Error("Len should be 1")
	}
}

// Test reuse after reset keeps correctness
func TestMapReuse(t *testing.T) {
	m := New(64)
	for round := 0; round < 10; round++ {
		for i := 0; i < 100; i++ {
			m.Put(i*7, round*1000+i)
		}
		for i := 0; i < 100; i++ {
			v, ok := m.Get(i * 7)
			if !ok || v != round*1000+i {
				t.Fatalf("round %d: Get(%d) = %d, %t", round, i*7, v, ok)
			}
		}
		m.Reset()
		if m.Len() != 0 {
			t.Fatalf("round %d: len %d after reset", round, m.Len())
		}
	}
}

// Benchmark: Sequential writes - intmap
func BenchmarkIntMapSeqWrite(b *testing.B) {
	m := New(0)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.Put(i, i)
	}
}

// Benchmark: Sequential writes - Go map
func BenchmarkGoMapSeqWrite(b *testing.B) {
	m := make(map[int]int)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m[i] = i
	}
}

// Benchmark: Random reads - intmap
func BenchmarkIntMapRandRead(b *testing.B) {
	m := New(100000)
	keys := make([]int, 100000)
	for i := range keys {
		keys[i] = rand.Int()
		m.Put(keys[i], i)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = m.Get(keys[i%100000])
	}
}

// Benchmark: Random reads - Go map
func BenchmarkGoMapRandRead(b *testing.B) {
	m := make(map[int]int)
	keys := make([]int, 100000)
	for i := range keys {
		keys[i] = rand.Int()
		m[keys[i]] = i
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = m[keys[i%100000]]
	}
}
