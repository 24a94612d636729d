package gbptree

import (
	"fmt"
)

// Seeker iterates leaf entries in ascending key order, following the
// right-sibling chain across leaves. It must not be used concurrently
// with an open Writer; entries written after the Seeker was created
// may or may not be observed.
//
//	s, err := tree.Seek(from, to)
//	for s.Next() {
//		use(s.Key(), s.Value())
//	}
//	err = s.Err()
type Seeker[K, V any] struct {
	t        *Tree[K, V]
	to       K
	bounded  bool
	cursor   *PageCursor
	pos      int
	keyCount int
	key      K
	value    V
	err      error
	done     bool
}

// Seek returns a Seeker over the key range [from, to).
func (t *Tree[K, V]) Seek(from, to K) (*Seeker[K, V], error) {
	s, err := t.seekFrom(from)
	if err != nil {
		return nil, err
	}
	s.to = to
	s.bounded = true
	return s, nil
}

// SeekAll returns a Seeker over every entry in the tree.
func (t *Tree[K, V]) SeekAll() (*Seeker[K, V], error) {
	state, err := t.snapshotState()
	if err != nil {
		return nil, err
	}
	id := state.rootID
	for depth := 0; depth < maxDescent; depth++ {
		c, err := t.fetchNode(id)
		if err != nil {
			return nil, err
		}
		if t.node.IsLeaf(c) {
			return &Seeker[K, V]{t: t, cursor: c, keyCount: t.node.KeyCount(c)}, nil
		}
		id = t.node.ChildAt(c, 0)
		if id == NoNode {
			return nil, WrapError(ErrCorrupted,
				fmt.Errorf("page %d has no child at pos 0", c.ID()))
		}
	}
	return nil, WrapError(ErrCorrupted, fmt.Errorf("descent exceeded %d levels", maxDescent))
}

// seekFrom descends to the leaf covering from and positions before the
// first key not sorting below it.
func (t *Tree[K, V]) seekFrom(from K) (*Seeker[K, V], error) {
	state, err := t.snapshotState()
	if err != nil {
		return nil, err
	}
	id := state.rootID
	for depth := 0; depth < maxDescent; depth++ {
		c, err := t.fetchNode(id)
		if err != nil {
			return nil, err
		}
		keyCount := t.node.KeyCount(c)
		if t.node.IsLeaf(c) {
			pos, _, err := t.node.Search(c, TreeNodeLeaf, from, keyCount)
			if err != nil {
				return nil, err
			}
			return &Seeker[K, V]{t: t, cursor: c, pos: pos, keyCount: keyCount}, nil
		}
		pos, exact, err := t.node.Search(c, TreeNodeInternal, from, keyCount)
		if err != nil {
			return nil, err
		}
		if exact {
			pos++
		}
		id = t.node.ChildAt(c, pos)
		if id == NoNode {
			return nil, WrapError(ErrCorrupted,
				fmt.Errorf("page %d has no child at pos %d", c.ID(), pos))
		}
	}
	return nil, WrapError(ErrCorrupted, fmt.Errorf("descent exceeded %d levels", maxDescent))
}

// Next advances to the next entry. It returns false at the end of the
// range or on error; Err tells the two apart.
func (s *Seeker[K, V]) Next() bool {
	if s.done || s.err != nil {
		return false
	}
	t := s.t
	for {
		if s.pos >= s.keyCount {
			next := t.node.RightSibling(s.cursor)
			if err := s.cursor.CheckAndClearFault(); err != nil {
				s.err = err
				return false
			}
			if next == NoNode {
				s.done = true
				return false
			}
			if next == s.cursor.ID() {
				s.err = WrapError(ErrCorrupted,
					fmt.Errorf("page %d is its own right sibling", next))
				return false
			}
			c, err := t.fetchNode(next)
			if err != nil {
				s.err = err
				return false
			}
			s.cursor = c
			s.pos = 0
			s.keyCount = t.node.KeyCount(c)
			continue
		}
		key, err := t.node.KeyAt(s.cursor, s.pos, TreeNodeLeaf)
		if err != nil {
			s.err = err
			return false
		}
		if s.bounded && t.layout.Compare(key, s.to) >= 0 {
			s.done = true
			return false
		}
		value, err := t.node.ValueAt(s.cursor, s.pos)
		if err != nil {
			s.err = err
			return false
		}
		s.key = key
		s.value = value
		s.pos++
		return true
	}
}

// Key returns the key of the current entry.
func (s *Seeker[K, V]) Key() K { return s.key }

// Value returns the value of the current entry.
func (s *Seeker[K, V]) Value() V { return s.value }

// Err returns the error that stopped iteration, if any.
func (s *Seeker[K, V]) Err() error { return s.err }

// Close ends the iteration early.
func (s *Seeker[K, V]) Close() error {
	s.done = true
	return s.err
}
