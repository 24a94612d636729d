package tests

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/calluna-db/gbptree"
)

// TestCheckpointReopenScenarios tests data integrity across checkpoint
// and reopen.
func TestCheckpointReopenScenarios(t *testing.T) {
	t.Run("BasicWriteCheckpointReopen", testBasicWriteCheckpointReopen)
	t.Run("CloseImpliesCheckpoint", testCloseImpliesCheckpoint)
	t.Run("MultipleCheckpointsReopen", testMultipleCheckpointsReopen)
	t.Run("DeleteThenReopen", testDeleteThenReopen)
	t.Run("UpdateThenReopen", testUpdateThenReopen)
	t.Run("EmptyReopen", testEmptyReopen)
	t.Run("ReopenPreservesIterationOrder", testReopenPreservesIterationOrder)
	t.Run("ReadOnlyReopen", testReadOnlyReopen)
}

func openTestTree(t *testing.T, path string, opts ...gbptree.Option) *gbptree.Tree[[]byte, []byte] {
	t.Helper()
	opts = append([]gbptree.Option{gbptree.WithPageSize(512), gbptree.WithNoSync()}, opts...)
	tr, err := gbptree.Open[[]byte, []byte](path, gbptree.BytesLayout{}, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return tr
}

func numKey(i int) []byte {
	return []byte(fmt.Sprintf("key-%06d", i))
}

func testBasicWriteCheckpointReopen(t *testing.T) {
	path := t.TempDir() + "/tree.db"

	// Write some data
	{
		tr := openTestTree(t, path)
		w, err := tr.Writer()
		if err != nil {
			t.Fatal(err)
		}
		for i := 0; i < 100; i++ {
			val := []byte{byte(i), byte(i + 1), byte(i + 2)}
			if err := w.Put(numKey(i), val); err != nil {
				t.Fatalf("Put failed: %v", err)
			}
		}
		w.Close()
		if err := tr.Checkpoint(); err != nil {
			t.Fatalf("Checkpoint failed: %v", err)
		}
		if err := tr.Close(); err != nil {
			t.Fatal(err)
		}
	}

	// Reopen and verify
	{
		tr := openTestTree(t, path)
		defer tr.Close()

		for i := 0; i < 100; i++ {
			expected := []byte{byte(i), byte(i + 1), byte(i + 2)}
			val, ok, err := tr.Get(numKey(i))
			if err != nil {
				t.Fatalf("Get key %d failed: %v", i, err)
			}
			if !ok {
				t.Fatalf("Key %d missing after reopen", i)
			}
			if !bytes.Equal(val, expected) {
				t.Errorf("Key %d: got %v, want %v", i, val, expected)
			}
		}
	}
}

func testCloseImpliesCheckpoint(t *testing.T) {
	path := t.TempDir() + "/tree.db"

	// Write without an explicit checkpoint; Close must settle the state.
	{
		tr := openTestTree(t, path)
		w, err := tr.Writer()
		if err != nil {
			t.Fatal(err)
		}
		for i := 0; i < 50; i++ {
			if err := w.Put(numKey(i), []byte("v")); err != nil {
				t.Fatalf("Put failed: %v", err)
			}
		}
		w.Close()
		if err := tr.Close(); err != nil {
			t.Fatal(err)
		}
	}

	{
		tr := openTestTree(t, path)
		defer tr.Close()
		for i := 0; i < 50; i++ {
			if _, ok, err := tr.Get(numKey(i)); err != nil || !ok {
				t.Fatalf("Key %d after close-only shutdown: ok=%t err=%v", i, ok, err)
			}
		}
	}
}

func testMultipleCheckpointsReopen(t *testing.T) {
	path := t.TempDir() + "/tree.db"

	{
		tr := openTestTree(t, path)
		for batch := 0; batch < 3; batch++ {
			w, err := tr.Writer()
			if err != nil {
				t.Fatal(err)
			}
			for i := batch * 100; i < (batch+1)*100; i++ {
				if err := w.Put(numKey(i), []byte(fmt.Sprintf("batch-%d", batch))); err != nil {
					t.Fatalf("batch %d Put(%d): %v", batch, i, err)
				}
			}
			w.Close()
			if err := tr.Checkpoint(); err != nil {
				t.Fatalf("batch %d Checkpoint: %v", batch, err)
			}
		}
		if err := tr.Close(); err != nil {
			t.Fatal(err)
		}
	}

	{
		tr := openTestTree(t, path)
		defer tr.Close()
		for i := 0; i < 300; i++ {
			expected := []byte(fmt.Sprintf("batch-%d", i/100))
			val, ok, err := tr.Get(numKey(i))
			if err != nil || !ok {
				t.Fatalf("Key %d: ok=%t err=%v", i, ok, err)
			}
			if !bytes.Equal(val, expected) {
				t.Errorf("Key %d: got %q, want %q", i, val, expected)
			}
		}
	}
}

func testDeleteThenReopen(t *testing.T) {
	path := t.TempDir() + "/tree.db"

	{
		tr := openTestTree(t, path)
		w, err := tr.Writer()
		if err != nil {
			t.Fatal(err)
		}
		for i := 0; i < 200; i++ {
			if err := w.Put(numKey(i), []byte("value")); err != nil {
				t.Fatalf("Put(%d): %v", i, err)
			}
		}
		// Delete the odd keys
		for i := 1; i < 200; i += 2 {
			if _, ok, err := w.Remove(numKey(i)); err != nil || !ok {
				t.Fatalf("Remove(%d): ok=%t err=%v", i, ok, err)
			}
		}
		w.Close()
		if err := tr.Close(); err != nil {
			t.Fatal(err)
		}
	}

	{
		tr := openTestTree(t, path)
		defer tr.Close()
		for i := 0; i < 200; i++ {
			_, ok, err := tr.Get(numKey(i))
			if err != nil {
				t.Fatalf("Get(%d): %v", i, err)
			}
			if want := i%2 == 0; ok != want {
				t.Errorf("Key %d present=%t after reopen, want %t", i, ok, want)
			}
		}
	}
}

func testUpdateThenReopen(t *testing.T) {
	path := t.TempDir() + "/tree.db"

	{
		tr := openTestTree(t, path)
		w, err := tr.Writer()
		if err != nil {
			t.Fatal(err)
		}
		for i := 0; i < 100; i++ {
			if err := w.Put(numKey(i), []byte("first")); err != nil {
				t.Fatalf("Put(%d): %v", i, err)
			}
		}
		// Overwrite with values of a different size
		for i := 0; i < 100; i++ {
			if err := w.Put(numKey(i), []byte(fmt.Sprintf("second-version-%d", i))); err != nil {
				t.Fatalf("update Put(%d): %v", i, err)
			}
		}
		w.Close()
		if err := tr.Close(); err != nil {
			t.Fatal(err)
		}
	}

	{
		tr := openTestTree(t, path)
		defer tr.Close()
		for i := 0; i < 100; i++ {
			expected := []byte(fmt.Sprintf("second-version-%d", i))
			val, ok, err := tr.Get(numKey(i))
			if err != nil || !ok {
				t.Fatalf("Get(%d): ok=%t err=%v", i, ok, err)
			}
			if !bytes.Equal(val, expected) {
				t.Errorf("Key %d: got %q, want %q", i, val, expected)
			}
		}
	}
}

func testEmptyReopen(t *testing.T) {
	path := t.TempDir() + "/tree.db"

	{
		tr := openTestTree(t, path)
		if err := tr.Close(); err != nil {
			t.Fatal(err)
		}
	}

	{
		tr := openTestTree(t, path)
		defer tr.Close()

		if _, ok, err := tr.Get([]byte("anything")); err != nil || ok {
			t.Fatalf("Get on empty reopened tree: ok=%t err=%v", ok, err)
		}
		s, err := tr.SeekAll()
		if err != nil {
			t.Fatal(err)
		}
		defer s.Close()
		if s.Next() {
			t.Fatalf("empty reopened tree yielded key %q", s.Key())
		}
		if err := s.Err(); err != nil {
			t.Fatal(err)
		}
	}
}

func testReopenPreservesIterationOrder(t *testing.T) {
	path := t.TempDir() + "/tree.db"
	const n = 500

	{
		tr := openTestTree(t, path)
		w, err := tr.Writer()
		if err != nil {
			t.Fatal(err)
		}
		// Insert in a scattered order
		for i := 0; i < n; i++ {
			j := (i * 269) % n // 269 is coprime with 500
			if err := w.Put(numKey(j), []byte{byte(j)}); err != nil {
				t.Fatalf("Put(%d): %v", j, err)
			}
		}
		w.Close()
		if err := tr.Close(); err != nil {
			t.Fatal(err)
		}
	}

	{
		tr := openTestTree(t, path)
		defer tr.Close()

		s, err := tr.SeekAll()
		if err != nil {
			t.Fatal(err)
		}
		defer s.Close()
		i := 0
		for s.Next() {
			if want := numKey(i); !bytes.Equal(s.Key(), want) {
				t.Fatalf("scan position %d: got %q, want %q", i, s.Key(), want)
			}
			i++
		}
		if err := s.Err(); err != nil {
			t.Fatal(err)
		}
		if i != n {
			t.Fatalf("scan yielded %d keys, want %d", i, n)
		}
	}
}

func testReadOnlyReopen(t *testing.T) {
	path := t.TempDir() + "/tree.db"

	{
		tr := openTestTree(t, path)
		w, err := tr.Writer()
		if err != nil {
			t.Fatal(err)
		}
		for i := 0; i < 100; i++ {
			if err := w.Put(numKey(i), []byte("ro")); err != nil {
				t.Fatalf("Put(%d): %v", i, err)
			}
		}
		w.Close()
		if err := tr.Close(); err != nil {
			t.Fatal(err)
		}
	}

	{
		tr := openTestTree(t, path, gbptree.WithReadOnly())
		defer tr.Close()

		if !tr.ReadOnly() {
			t.Fatal("tree not read-only")
		}
		for i := 0; i < 100; i++ {
			if _, ok, err := tr.Get(numKey(i)); err != nil || !ok {
				t.Fatalf("read-only Get(%d): ok=%t err=%v", i, ok, err)
			}
		}
		if _, err := tr.Writer(); gbptree.Code(err) != gbptree.ErrReadOnly {
			t.Fatalf("Writer on read-only tree: %v", err)
		}
	}
}
