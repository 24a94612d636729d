package gbptree

import (
	"bytes"
	"testing"
)

func newTestOffloadStore(t *testing.T, pageSize int) (*pageOffloadStore[[]byte, []byte], *pager) {
	t.Helper()
	p := newTestPager(t, pageSize)
	return newOffloadStore[[]byte, []byte](p, BytesLayout{}), p
}

func TestOffloadKeyValueRoundTrip(t *testing.T) {
	s, _ := newTestOffloadStore(t, 512)
	key := bytes.Repeat([]byte{0xAA}, 100)
	value := bytes.Repeat([]byte{0xBB}, 200)

	id, err := s.WriteKeyValue(key, value, 1, 2)
	if err != nil {
		t.Fatalf("WriteKeyValue failed: %v", err)
	}

	gotKey, err := s.ReadKey(id)
	if err != nil || !bytes.Equal(gotKey, key) {
		t.Fatalf("ReadKey = %d bytes (%v), want the stored key", len(gotKey), err)
	}
	gotValue, err := s.ReadValue(id)
	if err != nil || !bytes.Equal(gotValue, value) {
		t.Fatalf("ReadValue = %d bytes (%v), want the stored value", len(gotValue), err)
	}
	gotKey, gotValue, err = s.ReadKeyValue(id)
	if err != nil || !bytes.Equal(gotKey, key) || !bytes.Equal(gotValue, value) {
		t.Fatalf("ReadKeyValue = %d+%d bytes (%v)", len(gotKey), len(gotValue), err)
	}
}

func TestOffloadKeyOnlyRecord(t *testing.T) {
	s, _ := newTestOffloadStore(t, 512)
	key := bytes.Repeat([]byte{0xCC}, 300)

	id, err := s.WriteKey(key, 1, 2)
	if err != nil {
		t.Fatalf("WriteKey failed: %v", err)
	}
	gotKey, err := s.ReadKey(id)
	if err != nil || !bytes.Equal(gotKey, key) {
		t.Fatalf("ReadKey = %d bytes (%v), want the stored key", len(gotKey), err)
	}
	gotValue, err := s.ReadValue(id)
	if err != nil || len(gotValue) != 0 {
		t.Fatalf("ReadValue of a key-only record = %d bytes (%v), want none", len(gotValue), err)
	}
}

func TestOffloadPayloadCap(t *testing.T) {
	s, _ := newTestOffloadStore(t, 512)
	maxPayload := 512 - OffloadPageHeaderSize

	key := bytes.Repeat([]byte{1}, 200)
	if _, err := s.WriteKeyValue(key, make([]byte, maxPayload-len(key)), 1, 2); err != nil {
		t.Fatalf("payload at the cap rejected: %v", err)
	}
	if _, err := s.WriteKeyValue(key, make([]byte, maxPayload-len(key)+1), 1, 2); Code(err) != ErrKeyValueTooLarge {
		t.Fatalf("payload past the cap = %v, want too-large", err)
	}
	if _, err := s.WriteKey(make([]byte, maxPayload+1), 1, 2); Code(err) != ErrKeyValueTooLarge {
		t.Fatalf("key past the cap = %v, want too-large", err)
	}
}

func TestOffloadFreeRecyclesPage(t *testing.T) {
	s, p := newTestOffloadStore(t, 512)
	id, err := s.WriteKeyValue([]byte("key"), []byte("value"), 1, 2)
	if err != nil {
		t.Fatalf("WriteKeyValue failed: %v", err)
	}
	if err := s.Free(id, 1, 2); err != nil {
		t.Fatalf("Free failed: %v", err)
	}

	// Once generation 2 is stable, the record page is the next allocation.
	reused, err := p.allocate(2, 3)
	if err != nil {
		t.Fatalf("allocate failed: %v", err)
	}
	if reused != id {
		t.Fatalf("allocate = page %d, want freed record page %d", reused, id)
	}
}

func TestOffloadFreeValidatesTarget(t *testing.T) {
	s, p := newTestOffloadStore(t, 512)

	// A plain allocated page carries no offload header.
	id, err := p.allocate(1, 2)
	if err != nil {
		t.Fatalf("allocate failed: %v", err)
	}
	if err := s.Free(id, 1, 2); !IsCorrupted(err) {
		t.Fatalf("Free of a non-record page = %v, want corrupted", err)
	}
	if _, err := s.ReadKey(id); !IsCorrupted(err) {
		t.Fatalf("ReadKey of a non-record page = %v, want corrupted", err)
	}
}

func TestOffloadRejectsCorruptHeader(t *testing.T) {
	s, p := newTestOffloadStore(t, 512)
	id, err := s.WriteKeyValue([]byte("key"), []byte("value"), 1, 2)
	if err != nil {
		t.Fatalf("WriteKeyValue failed: %v", err)
	}
	page, err := p.page(id)
	if err != nil {
		t.Fatalf("page failed: %v", err)
	}
	c := NewPageCursor(page, id)

	c.PutUint32At(offloadPosKeySize, 0)
	if _, err := s.ReadKey(id); !IsCorrupted(err) {
		t.Fatalf("zero key size accepted: %v", err)
	}

	c.PutUint32At(offloadPosKeySize, uint32(s.maxPayload))
	if _, _, err := s.ReadKeyValue(id); !IsCorrupted(err) {
		t.Fatalf("oversized payload claim accepted: %v", err)
	}
}

func TestOffloadRecordsAreIndependent(t *testing.T) {
	s, _ := newTestOffloadStore(t, 512)
	first, err := s.WriteKeyValue([]byte("first"), []byte("1"), 1, 2)
	if err != nil {
		t.Fatalf("WriteKeyValue failed: %v", err)
	}
	second, err := s.WriteKeyValue([]byte("second"), []byte("2"), 1, 2)
	if err != nil {
		t.Fatalf("WriteKeyValue failed: %v", err)
	}
	if first == second {
		t.Fatalf("two records share page %d", first)
	}

	if err := s.Free(first, 1, 2); err != nil {
		t.Fatalf("Free failed: %v", err)
	}
	key, value, err := s.ReadKeyValue(second)
	if err != nil || !bytes.Equal(key, []byte("second")) || !bytes.Equal(value, []byte("2")) {
		t.Fatalf("surviving record = %q/%q (%v)", key, value, err)
	}
}
