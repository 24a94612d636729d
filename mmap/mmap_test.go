package mmap

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestNew(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.dat")

	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}

	data := []byte("hello world test data for mmap")
	if _, err := f.Write(data); err != nil {
		f.Close()
		t.Fatal(err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		t.Fatal(err)
	}

	m, err := New(int(f.Fd()), 0, len(data), false)
	if err != nil {
		f.Close()
		t.Fatal(err)
	}
	defer m.Close()
	f.Close()

	if !bytes.Equal(m.Data(), data) {
		t.Errorf("mmap data mismatch: got %q, want %q", m.Data(), data)
	}

	if m.Size() != int64(len(data)) {
		t.Errorf("size mismatch: got %d, want %d", m.Size(), len(data))
	}
}

func TestWritable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.dat")

	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}

	initial := make([]byte, 4096)
	copy(initial, []byte("initial"))
	if _, err := f.Write(initial); err != nil {
		f.Close()
		t.Fatal(err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		t.Fatal(err)
	}

	m, err := New(int(f.Fd()), 0, len(initial), true)
	if err != nil {
		f.Close()
		t.Fatal(err)
	}

	copy(m.Data(), []byte("modified"))

	if err := m.Sync(); err != nil {
		m.Close()
		f.Close()
		t.Fatal(err)
	}

	m.Close()
	f.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.HasPrefix(data, []byte("modified")) {
		t.Errorf("expected modified data, got %q", data[:20])
	}
}

func TestRemap(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.dat")

	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	initialSize := 4096
	if err := f.Truncate(int64(initialSize)); err != nil {
		t.Fatal(err)
	}

	m, err := New(int(f.Fd()), 0, initialSize, true)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	copy(m.Data(), []byte("test data"))

	newSize := 8192
	if err := f.Truncate(int64(newSize)); err != nil {
		t.Fatal(err)
	}

	if err := m.Remap(int64(newSize)); err != nil {
		t.Fatal(err)
	}

	if m.Size() != int64(newSize) {
		t.Errorf("size after remap: got %d, want %d", m.Size(), newSize)
	}

	if !bytes.HasPrefix(m.Data(), []byte("test data")) {
		t.Errorf("data corrupted after remap")
	}

	copy(m.Data()[initialSize:], []byte("new region"))
	if err := m.Sync(); err != nil {
		t.Fatal(err)
	}
}

func TestSyncRange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.dat")

	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	size := 4096
	if err := f.Truncate(int64(size)); err != nil {
		t.Fatal(err)
	}

	m, err := New(int(f.Fd()), 0, size, true)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	copy(m.Data()[100:], []byte("test"))

	if err := m.SyncRange(0, int64(size)); err != nil {
		t.Fatal(err)
	}

	if err := m.SyncRange(0, int64(size)+1); err != ErrInvalidRange {
		t.Errorf("expected ErrInvalidRange past the end, got %v", err)
	}
}

func TestClose(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.dat")

	data := []byte("close test")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	m, err := New(int(f.Fd()), 0, len(data), false)
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Close(); err != nil {
		t.Fatal(err)
	}

	if m.Data() != nil {
		t.Error("data should be nil after close")
	}

	// Double close should be safe.
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestInvalidSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.dat")

	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	_, err = New(int(f.Fd()), 0, 0, false)
	if err != ErrInvalidSize {
		t.Errorf("expected ErrInvalidSize for size 0, got %v", err)
	}

	_, err = New(int(f.Fd()), 0, -1, false)
	if err != ErrInvalidSize {
		t.Errorf("expected ErrInvalidSize for size -1, got %v", err)
	}
}

func TestAdvise(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.dat")

	data := make([]byte, 4096)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	m, err := New(int(f.Fd()), 0, len(data), false)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	// May be no-ops on some platforms but must not error.
	if err := m.AdviseSequential(); err != nil {
		t.Errorf("AdviseSequential failed: %v", err)
	}
	if err := m.AdviseRandom(); err != nil {
		t.Errorf("AdviseRandom failed: %v", err)
	}
}
