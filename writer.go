package gbptree

import (
	"fmt"

	"go.uber.org/zap"
)

// Writer mutates the tree. Only one can be open at a time; Writer()
// blocks until the previous one closes. All methods must run on the
// goroutine holding the writer, and readers stay away until Close.
type Writer[K, V any] struct {
	t        *Tree[K, V]
	stable   uint64
	unstable uint64
	released bool
}

// descentFrame remembers one internal node passed on the way down and
// which child slot the descent took.
type descentFrame struct {
	id       uint64
	childPos int
}

// Writer opens the single write latch. The first writer after a clean
// checkpoint marks the file dirty, so a crash is detectable on the
// next open.
func (t *Tree[K, V]) Writer() (*Writer[K, V], error) {
	if t.pager.readOnly {
		return nil, NewError(ErrReadOnly)
	}
	t.writerMu.Lock()
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		t.writerMu.Unlock()
		return nil, NewError(ErrClosed)
	}
	if t.state.clean {
		s := t.state
		s.txid++
		s.clean = false
		if err := t.writeStateLocked(s); err != nil {
			t.mu.Unlock()
			t.writerMu.Unlock()
			return nil, err
		}
	}
	w := &Writer[K, V]{
		t:        t,
		stable:   t.state.stableGen,
		unstable: t.state.unstableGen,
	}
	t.mu.Unlock()
	return w, nil
}

// Close releases the write latch. The writes stay in memory until the
// next Checkpoint.
func (w *Writer[K, V]) Close() error {
	if w.released {
		return nil
	}
	w.released = true
	w.t.writerMu.Unlock()
	return nil
}

// Put inserts key with value, overwriting any existing value.
func (w *Writer[K, V]) Put(key K, value V) error {
	return w.merge(key, value, nil)
}

// Merge inserts key with value; when key already exists the stored
// value is replaced by merger(existing, value) instead.
func (w *Writer[K, V]) Merge(key K, value V, merger func(existing, incoming V) V) error {
	if merger == nil {
		merger = func(_, incoming V) V { return incoming }
	}
	return w.merge(key, value, merger)
}

func (w *Writer[K, V]) merge(key K, value V, merger func(existing, incoming V) V) error {
	t := w.t
	if w.released {
		return NewError(ErrClosed)
	}
	if t.layout.KeySize(key) == 0 {
		return NewError(ErrEmptyKey)
	}
	if err := t.node.ValidateKeyValueSize(key, value); err != nil {
		return err
	}
	if err := t.pager.reserveSlack(); err != nil {
		return err
	}
	leaf, stack, err := w.descendToLeaf(key)
	if err != nil {
		return err
	}
	return w.insertInLeaf(leaf, stack, key, value, merger)
}

// Remove deletes key and returns the removed value, if any.
func (w *Writer[K, V]) Remove(key K) (V, bool, error) {
	var zero V
	t := w.t
	if w.released {
		return zero, false, NewError(ErrClosed)
	}
	if err := t.pager.reserveSlack(); err != nil {
		return zero, false, err
	}
	leaf, stack, err := w.descendToLeaf(key)
	if err != nil {
		return zero, false, err
	}
	keyCount := t.node.KeyCount(leaf)
	pos, exact, err := t.node.Search(leaf, TreeNodeLeaf, key, keyCount)
	if err != nil || !exact {
		return zero, false, err
	}
	value, err := t.node.ValueAt(leaf, pos)
	if err != nil {
		return zero, false, err
	}
	if err := t.node.RemoveKeyValueAt(leaf, pos, keyCount, w.stable, w.unstable); err != nil {
		return zero, false, err
	}
	keyCount--
	t.node.SetKeyCount(leaf, keyCount)
	t.node.SetGeneration(leaf, w.unstable)
	if err := leaf.CheckAndClearFault(); err != nil {
		return zero, false, err
	}
	if len(stack) > 0 && t.node.LeafUnderflow(leaf, keyCount) {
		if err := w.fixUnderflow(stack, leaf.ID()); err != nil {
			return zero, false, err
		}
	}
	return value, true, nil
}

// descendToLeaf walks from the root to the leaf covering key, recording
// the internal nodes passed.
func (w *Writer[K, V]) descendToLeaf(key K) (*PageCursor, []descentFrame, error) {
	t := w.t
	t.mu.RLock()
	id := t.state.rootID
	t.mu.RUnlock()
	var stack []descentFrame
	for depth := 0; depth < maxDescent; depth++ {
		c, err := t.fetchNode(id)
		if err != nil {
			return nil, nil, err
		}
		if t.node.IsLeaf(c) {
			return c, stack, nil
		}
		keyCount := t.node.KeyCount(c)
		pos, exact, err := t.node.Search(c, TreeNodeInternal, key, keyCount)
		if err != nil {
			return nil, nil, err
		}
		if exact {
			pos++
		}
		child := t.node.ChildAt(c, pos)
		if child == NoNode {
			return nil, nil, WrapError(ErrCorrupted,
				fmt.Errorf("page %d has no child at pos %d", id, pos))
		}
		stack = append(stack, descentFrame{id: id, childPos: pos})
		id = child
	}
	return nil, nil, WrapError(ErrCorrupted, fmt.Errorf("descent exceeded %d levels", maxDescent))
}

// fetchNode returns a cursor over the tree node page id.
func (t *Tree[K, V]) fetchNode(id uint64) (*PageCursor, error) {
	page, err := t.pager.page(id)
	if err != nil {
		return nil, err
	}
	c := NewPageCursor(page, id)
	if PageNodeType(c) != NodeTypeTreeNode {
		return nil, WrapError(ErrCorrupted,
			fmt.Errorf("page %d is no tree node, type=%d", id, PageNodeType(c)))
	}
	keyCount := t.node.KeyCount(c)
	if keyCount > t.node.MaxKeyCount() {
		return nil, WrapError(ErrCorrupted,
			fmt.Errorf("page %d claims %d keys, cap is %d", id, keyCount, t.node.MaxKeyCount()))
	}
	return c, nil
}

// reload re-fetches the cursor's page after a possible file growth.
func (t *Tree[K, V]) reload(c *PageCursor) error {
	page, err := t.pager.page(c.ID())
	if err != nil {
		return err
	}
	c.Reset(page, c.ID())
	return nil
}

// allocNode allocates a page and returns a cursor over it. Growing the
// file can move the mapping, so cursors the caller still needs are
// re-fetched.
func (w *Writer[K, V]) allocNode(live ...*PageCursor) (*PageCursor, error) {
	t := w.t
	id, err := t.pager.allocate(w.stable, w.unstable)
	if err != nil {
		return nil, err
	}
	for _, c := range live {
		if err := t.reload(c); err != nil {
			return nil, err
		}
	}
	page, err := t.pager.page(id)
	if err != nil {
		return nil, err
	}
	return NewPageCursor(page, id), nil
}

func (w *Writer[K, V]) insertInLeaf(leaf *PageCursor, stack []descentFrame, key K, value V, merger func(existing, incoming V) V) error {
	t := w.t
	keyCount := t.node.KeyCount(leaf)
	pos, exact, err := t.node.Search(leaf, TreeNodeLeaf, key, keyCount)
	if err != nil {
		return err
	}
	if exact {
		if merger != nil {
			existing, err := t.node.ValueAt(leaf, pos)
			if err != nil {
				return err
			}
			value = merger(existing, value)
			if err := t.node.ValidateKeyValueSize(key, value); err != nil {
				return err
			}
		}
		ok, err := t.node.SetValueAt(leaf, value, pos, keyCount)
		if err != nil {
			return err
		}
		if ok {
			t.node.SetGeneration(leaf, w.unstable)
			return leaf.CheckAndClearFault()
		}
		// New value has a different size: replace the whole entry.
		if err := t.node.RemoveKeyValueAt(leaf, pos, keyCount, w.stable, w.unstable); err != nil {
			return err
		}
		keyCount--
		t.node.SetKeyCount(leaf, keyCount)
	}

	overflow := t.node.LeafOverflow(leaf, keyCount, key, value)
	if overflow == OverflowNoNeedDefrag {
		if err := t.node.DefragmentLeaf(leaf); err != nil {
			return err
		}
		overflow = OverflowNo
	}
	if overflow == OverflowNo {
		if err := t.node.InsertKeyValueAt(leaf, key, value, pos, keyCount, w.stable, w.unstable); err != nil {
			return err
		}
		t.node.SetKeyCount(leaf, keyCount+1)
		t.node.SetGeneration(leaf, w.unstable)
		return leaf.CheckAndClearFault()
	}
	return w.splitLeaf(leaf, stack, pos, key, value, keyCount)
}

// splitLeaf splits an overflowing leaf around the pending insert and
// promotes the splitter into the parent.
func (w *Writer[K, V]) splitLeaf(leaf *PageCursor, stack []descentFrame, insertPos int, key K, value V, keyCount int) error {
	t := w.t
	right, err := w.allocNode(leaf)
	if err != nil {
		return err
	}
	t.node.InitializeLeaf(right, w.unstable)

	splitPos, splitter, err := t.node.FindSplitter(leaf, keyCount, insertPos, key, value, t.splitRatio)
	if err != nil {
		return err
	}
	if err := t.node.DoSplitLeaf(leaf, right, insertPos, key, value, keyCount, splitPos, w.stable, w.unstable); err != nil {
		return err
	}
	t.node.SetGeneration(leaf, w.unstable)
	if err := w.linkNewRightSibling(leaf, right); err != nil {
		return err
	}
	return w.promote(stack, len(stack)-1, splitter, leaf.ID(), right.ID())
}

// linkNewRightSibling splices right into the sibling chain after left.
func (w *Writer[K, V]) linkNewRightSibling(left, right *PageCursor) error {
	t := w.t
	oldRight := t.node.RightSibling(left)
	t.node.SetRightSibling(left, right.ID())
	t.node.SetLeftSibling(right, left.ID())
	t.node.SetRightSibling(right, oldRight)
	if err := left.CheckAndClearFault(); err != nil {
		return err
	}
	if err := right.CheckAndClearFault(); err != nil {
		return err
	}
	if oldRight == NoNode {
		return nil
	}
	c, err := t.fetchNode(oldRight)
	if err != nil {
		return err
	}
	t.node.SetLeftSibling(c, right.ID())
	return c.CheckAndClearFault()
}

// promote inserts splitter into the parent at stack[level] after the
// child there split into leftID and rightID. With no parent left, the
// tree grows a new root.
func (w *Writer[K, V]) promote(stack []descentFrame, level int, splitter K, leftID, rightID uint64) error {
	t := w.t
	if level < 0 {
		root, err := w.allocNode()
		if err != nil {
			return err
		}
		t.node.InitializeInternal(root, w.unstable)
		t.node.SetChildAt(root, leftID, 0)
		if err := t.node.InsertKeyAndRightChildAt(root, splitter, rightID, 0, 0, w.stable, w.unstable); err != nil {
			return err
		}
		t.node.SetKeyCount(root, 1)
		if err := root.CheckAndClearFault(); err != nil {
			return err
		}
		t.setRoot(root.ID())
		t.logger.Debug("tree grew a level", zap.Uint64("newRoot", root.ID()))
		return nil
	}
	if err := t.pager.reserveSlack(); err != nil {
		return err
	}
	parent, err := t.fetchNode(stack[level].id)
	if err != nil {
		return err
	}
	keyCount := t.node.KeyCount(parent)
	return w.insertInInternal(parent, stack, level, stack[level].childPos, keyCount, splitter, rightID)
}

// insertInInternal inserts key with rightChild at insertPos into the
// internal node at stack[level], splitting upward on overflow.
func (w *Writer[K, V]) insertInInternal(parent *PageCursor, stack []descentFrame, level, insertPos, keyCount int, key K, rightChild uint64) error {
	t := w.t
	overflow := t.node.InternalOverflow(parent, keyCount, key)
	if overflow == OverflowNoNeedDefrag {
		if err := t.node.DefragmentInternal(parent); err != nil {
			return err
		}
		overflow = OverflowNo
	}
	if overflow == OverflowNo {
		if err := t.node.InsertKeyAndRightChildAt(parent, key, rightChild, insertPos, keyCount, w.stable, w.unstable); err != nil {
			return err
		}
		t.node.SetKeyCount(parent, keyCount+1)
		t.node.SetGeneration(parent, w.unstable)
		return parent.CheckAndClearFault()
	}

	right, err := w.allocNode(parent)
	if err != nil {
		return err
	}
	t.node.InitializeInternal(right, w.unstable)
	promoted, err := t.node.DoSplitInternal(parent, right, insertPos, key, rightChild, keyCount, t.splitRatio, w.stable, w.unstable)
	if err != nil {
		return err
	}
	t.node.SetGeneration(parent, w.unstable)
	if err := w.linkNewRightSibling(parent, right); err != nil {
		return err
	}
	return w.promote(stack, level-1, promoted, parent.ID(), right.ID())
}

// fixUnderflow rebalances or merges an underflowing leaf with a sibling
// under the same parent. Best effort: a leaf with no workable sibling
// stays as it is.
func (w *Writer[K, V]) fixUnderflow(stack []descentFrame, leafID uint64) error {
	t := w.t
	if err := t.pager.reserveSlack(); err != nil {
		return err
	}
	level := len(stack) - 1
	parent, err := t.fetchNode(stack[level].id)
	if err != nil {
		return err
	}
	leaf, err := t.fetchNode(leafID)
	if err != nil {
		return err
	}
	parentKeyCount := t.node.KeyCount(parent)
	childPos := stack[level].childPos
	keyCount := t.node.KeyCount(leaf)

	if childPos > 0 {
		left, err := t.fetchNode(t.node.ChildAt(parent, childPos-1))
		if err != nil {
			return err
		}
		leftKeyCount := t.node.KeyCount(left)
		keysToMove := t.node.CanRebalanceLeaves(left, leaf, leftKeyCount, keyCount)
		if keysToMove > 0 {
			return w.rebalanceLeaves(parent, stack, level, left, leaf, childPos, leftKeyCount, keyCount, keysToMove)
		}
		if keysToMove == -1 {
			return w.mergeLeaves(parent, left, leaf, childPos-1, leftKeyCount, keyCount, parentKeyCount, stack)
		}
		return nil
	}
	if childPos < parentKeyCount {
		right, err := t.fetchNode(t.node.ChildAt(parent, childPos+1))
		if err != nil {
			return err
		}
		rightKeyCount := t.node.KeyCount(right)
		if t.node.CanMergeLeaves(leaf, right, keyCount, rightKeyCount) {
			return w.mergeLeaves(parent, leaf, right, childPos, keyCount, rightKeyCount, parentKeyCount, stack)
		}
	}
	return nil
}

// rebalanceLeaves shifts trailing entries of left into the underflowed
// right leaf and refreshes the separator between them.
func (w *Writer[K, V]) rebalanceLeaves(parent *PageCursor, stack []descentFrame, level int, left, right *PageCursor, childPos, leftKeyCount, rightKeyCount, keysToMove int) error {
	t := w.t
	if err := t.node.MoveKeyValuesFromLeftToRight(left, right, leftKeyCount, rightKeyCount, keysToMove); err != nil {
		return err
	}
	t.node.SetGeneration(left, w.unstable)
	t.node.SetGeneration(right, w.unstable)
	if err := left.CheckAndClearFault(); err != nil {
		return err
	}
	if err := right.CheckAndClearFault(); err != nil {
		return err
	}
	lastLeft, err := t.node.KeyAt(left, leftKeyCount-keysToMove-1, TreeNodeLeaf)
	if err != nil {
		return err
	}
	firstRight, err := t.node.KeyAt(right, 0, TreeNodeLeaf)
	if err != nil {
		return err
	}
	separator := t.layout.MinimalSplitter(lastLeft, firstRight)
	return w.replaceSeparator(parent, stack, level, childPos-1, separator)
}

// mergeLeaves copies the left leaf into the right one, unlinks and
// frees the left page and drops the separator from the parent.
func (w *Writer[K, V]) mergeLeaves(parent, left, right *PageCursor, separatorPos, leftKeyCount, rightKeyCount, parentKeyCount int, stack []descentFrame) error {
	t := w.t
	if err := t.node.CopyKeyValuesFromLeftToRight(left, right, leftKeyCount, rightKeyCount); err != nil {
		return err
	}
	t.node.SetGeneration(right, w.unstable)

	// Unlink left from the sibling chain.
	leftLeft := t.node.LeftSibling(left)
	t.node.SetLeftSibling(right, leftLeft)
	if err := right.CheckAndClearFault(); err != nil {
		return err
	}
	if leftLeft != NoNode {
		c, err := t.fetchNode(leftLeft)
		if err != nil {
			return err
		}
		t.node.SetRightSibling(c, right.ID())
		if err := c.CheckAndClearFault(); err != nil {
			return err
		}
	}

	if err := t.node.RemoveKeyAndLeftChildAt(parent, separatorPos, parentKeyCount, w.stable, w.unstable); err != nil {
		return err
	}
	t.node.SetKeyCount(parent, parentKeyCount-1)
	t.node.SetGeneration(parent, w.unstable)
	if err := parent.CheckAndClearFault(); err != nil {
		return err
	}
	if err := t.pager.free(left.ID(), w.stable, w.unstable); err != nil {
		return err
	}
	if len(stack) == 1 {
		return w.shrinkRoot()
	}
	return nil
}

// replaceSeparator swaps the parent key at keyPos for separator. When
// the sizes differ the key is reinserted, which can split the parent.
func (w *Writer[K, V]) replaceSeparator(parent *PageCursor, stack []descentFrame, level, keyPos int, separator K) error {
	t := w.t
	parentKeyCount := t.node.KeyCount(parent)
	ok, err := t.node.SetKeyAtInternal(parent, separator, keyPos, parentKeyCount)
	if err != nil {
		return err
	}
	if ok {
		t.node.SetGeneration(parent, w.unstable)
		return parent.CheckAndClearFault()
	}
	rightChild := t.node.ChildAt(parent, keyPos+1)
	if err := t.node.RemoveKeyAndRightChildAt(parent, keyPos, parentKeyCount, w.stable, w.unstable); err != nil {
		return err
	}
	parentKeyCount--
	t.node.SetKeyCount(parent, parentKeyCount)
	return w.insertInInternal(parent, stack, level, keyPos, parentKeyCount, separator, rightChild)
}

// shrinkRoot collapses empty internal roots onto their only child.
func (w *Writer[K, V]) shrinkRoot() error {
	t := w.t
	for {
		t.mu.RLock()
		rootID := t.state.rootID
		t.mu.RUnlock()
		root, err := t.fetchNode(rootID)
		if err != nil {
			return err
		}
		if t.node.IsLeaf(root) || t.node.KeyCount(root) > 0 {
			return nil
		}
		newRoot := t.node.ChildAt(root, 0)
		if newRoot == NoNode {
			return WrapError(ErrCorrupted, fmt.Errorf("empty root %d has no child", rootID))
		}
		if err := t.pager.free(rootID, w.stable, w.unstable); err != nil {
			return err
		}
		t.setRoot(newRoot)
		t.logger.Debug("tree shrank a level", zap.Uint64("newRoot", newRoot))
	}
}
