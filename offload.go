package gbptree

import (
	"fmt"
)

// OffloadStore keeps keys and values that are too large to inline in a
// tree node. The node stores only the returned id; reads resolve it
// back into the record. Writes and frees take the current generations
// so page reuse can be deferred the same way tree pages defer it.
type OffloadStore[K, V any] interface {
	// WriteKey stores a key alone, as internal nodes do.
	WriteKey(key K, stableGen, unstableGen uint64) (uint64, error)

	// WriteKeyValue stores a key together with its value.
	WriteKeyValue(key K, value V, stableGen, unstableGen uint64) (uint64, error)

	// ReadKey reads back the key of record id.
	ReadKey(id uint64) (K, error)

	// ReadValue reads back the value of record id.
	ReadValue(id uint64) (V, error)

	// ReadKeyValue reads back both parts of record id.
	ReadKeyValue(id uint64) (K, V, error)

	// Free releases record id for reuse once unstableGen becomes stable.
	Free(id, stableGen, unstableGen uint64) error
}

// Offload page layout. One record per page, the page id doubles as the
// record id.
//
//	offset 0   nodeType   byte (offload)
//	       1   next       uint64 (reserved for chained records, NoNode)
//	       9   keySize    uint32
//	       13  valueSize  uint32
//	       17  key bytes, then value bytes
const (
	offloadPosNodeType  = 0
	offloadPosNext      = 1
	offloadPosKeySize   = 9
	offloadPosValueSize = 13
)

// pageOffloadStore is the store used by the tree: each record occupies
// one page of the same file the tree lives in.
type pageOffloadStore[K, V any] struct {
	pager      *pager
	layout     Layout[K, V]
	maxPayload int
}

func newOffloadStore[K, V any](p *pager, layout Layout[K, V]) *pageOffloadStore[K, V] {
	return &pageOffloadStore[K, V]{
		pager:      p,
		layout:     layout,
		maxPayload: p.pageSize - OffloadPageHeaderSize,
	}
}

func (s *pageOffloadStore[K, V]) WriteKey(key K, stableGen, unstableGen uint64) (uint64, error) {
	var zero V
	return s.write(key, zero, s.layout.KeySize(key), 0, stableGen, unstableGen)
}

func (s *pageOffloadStore[K, V]) WriteKeyValue(key K, value V, stableGen, unstableGen uint64) (uint64, error) {
	return s.write(key, value, s.layout.KeySize(key), s.layout.ValueSize(value), stableGen, unstableGen)
}

func (s *pageOffloadStore[K, V]) write(key K, value V, keySize, valueSize int, stableGen, unstableGen uint64) (uint64, error) {
	if keySize+valueSize > s.maxPayload {
		return 0, WrapError(ErrKeyValueTooLarge,
			fmt.Errorf("%d+%d bytes exceed offload payload cap %d", keySize, valueSize, s.maxPayload))
	}
	id, err := s.pager.allocate(stableGen, unstableGen)
	if err != nil {
		return 0, err
	}
	page, err := s.pager.page(id)
	if err != nil {
		return 0, err
	}
	c := NewPageCursor(page, id)
	c.PutByteAt(offloadPosNodeType, byte(NodeTypeOffload))
	c.PutUint64At(offloadPosNext, NoNode)
	c.PutUint32At(offloadPosKeySize, uint32(keySize))
	c.PutUint32At(offloadPosValueSize, uint32(valueSize))
	c.SetOffset(OffloadPageHeaderSize)
	s.layout.WriteKey(c, key)
	if valueSize > 0 {
		s.layout.WriteValue(c, value)
	}
	if err := c.CheckAndClearFault(); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *pageOffloadStore[K, V]) ReadKey(id uint64) (K, error) {
	var zero K
	c, keySize, _, err := s.open(id)
	if err != nil {
		return zero, err
	}
	c.SetOffset(OffloadPageHeaderSize)
	key := s.layout.ReadKey(c, keySize)
	if err := c.CheckAndClearFault(); err != nil {
		return zero, err
	}
	return key, nil
}

func (s *pageOffloadStore[K, V]) ReadValue(id uint64) (V, error) {
	var zero V
	c, keySize, valueSize, err := s.open(id)
	if err != nil {
		return zero, err
	}
	c.SetOffset(OffloadPageHeaderSize + keySize)
	value := s.layout.ReadValue(c, valueSize)
	if err := c.CheckAndClearFault(); err != nil {
		return zero, err
	}
	return value, nil
}

func (s *pageOffloadStore[K, V]) ReadKeyValue(id uint64) (K, V, error) {
	var zeroK K
	var zeroV V
	c, keySize, valueSize, err := s.open(id)
	if err != nil {
		return zeroK, zeroV, err
	}
	c.SetOffset(OffloadPageHeaderSize)
	key := s.layout.ReadKey(c, keySize)
	value := s.layout.ReadValue(c, valueSize)
	if err := c.CheckAndClearFault(); err != nil {
		return zeroK, zeroV, err
	}
	return key, value, nil
}

func (s *pageOffloadStore[K, V]) Free(id, stableGen, unstableGen uint64) error {
	// Validate before freeing so a stale id cannot push a live page
	// onto the free list.
	if _, _, _, err := s.open(id); err != nil {
		return err
	}
	return s.pager.free(id, stableGen, unstableGen)
}

// open fetches the record page and validates its header.
func (s *pageOffloadStore[K, V]) open(id uint64) (*PageCursor, int, int, error) {
	page, err := s.pager.page(id)
	if err != nil {
		return nil, 0, 0, err
	}
	c := NewPageCursor(page, id)
	if typ := NodeType(c.GetByteAt(offloadPosNodeType)); typ != NodeTypeOffload {
		return nil, 0, 0, WrapError(ErrCorrupted,
			fmt.Errorf("page %d is no offload page, type=%d", id, typ))
	}
	keySize := int(c.GetUint32At(offloadPosKeySize))
	valueSize := int(c.GetUint32At(offloadPosValueSize))
	if keySize == 0 || keySize+valueSize > s.maxPayload {
		return nil, 0, 0, WrapError(ErrCorrupted,
			fmt.Errorf("offload page %d claims %d+%d payload bytes, cap is %d",
				id, keySize, valueSize, s.maxPayload))
	}
	return c, keySize, valueSize, nil
}
