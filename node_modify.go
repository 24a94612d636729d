package gbptree

import (
	"sync"

	"github.com/calluna-db/gbptree/internal/intmap"
)

// Offset array slot helpers. Slots are fixed-size records packed from
// baseOffset; opening or closing a slot shifts the tail of the array.

func insertSlotsAt(c *PageCursor, pos, numberOfSlots, totalSlotCount, baseOffset, slotSize int) {
	from := baseOffset + pos*slotSize
	length := (totalSlotCount - pos) * slotSize
	c.ShiftBytes(from, length, numberOfSlots*slotSize)
}

func removeSlotAt(c *PageCursor, pos, totalSlotCount, baseOffset, slotSize int) {
	from := baseOffset + (pos+1)*slotSize
	length := (totalSlotCount - pos - 1) * slotSize
	c.ShiftBytes(from, length, -slotSize)
}

// InsertKeyValueAt writes a new entry into a leaf at pos, shifting the
// offset array. The caller must have verified fit via LeafOverflow.
func (t *TreeNode[K, V]) InsertKeyValueAt(c *PageCursor, key K, value V, pos, keyCount int, stableGen, unstableGen uint64) error {
	keySize := t.layout.KeySize(key)
	valueSize := t.layout.ValueSize(value)
	if t.canInline(keySize + valueSize) {
		overhead := getOverhead(keySize, valueSize, false)
		newAllocOffset := t.AllocOffset(c) - (overhead + keySize + valueSize)
		if newAllocOffset < t.keyPosOffsetLeaf(keyCount+1) {
			return invariantf("page %d: inserting %d+%d bytes at pos %d would overlap offset array",
				c.ID(), keySize, valueSize, pos)
		}
		c.SetOffset(newAllocOffset)
		putKeyValueSize(c, keySize, valueSize)
		t.layout.WriteKey(c, key)
		t.layout.WriteValue(c, value)
		t.setAllocOffset(c, newAllocOffset)
		insertSlotsAt(c, pos, 1, keyCount, t.keyPosOffsetLeaf(0), OffsetSize)
		c.PutUint16At(t.keyPosOffsetLeaf(pos), uint16(newAllocOffset))
		return c.CheckAndClearFault()
	}

	if t.offload == nil {
		return WrapError(ErrKeyValueTooLarge, nil)
	}
	id, err := t.offload.WriteKeyValue(key, value, stableGen, unstableGen)
	if err != nil {
		return err
	}
	newAllocOffset := t.AllocOffset(c) - getOverhead(0, 0, true)
	if newAllocOffset < t.keyPosOffsetLeaf(keyCount+1) {
		return invariantf("page %d: inserting offload marker at pos %d would overlap offset array",
			c.ID(), pos)
	}
	c.SetOffset(newAllocOffset)
	putOffloadMarker(c)
	putOffloadID(c, id)
	t.setAllocOffset(c, newAllocOffset)
	insertSlotsAt(c, pos, 1, keyCount, t.keyPosOffsetLeaf(0), OffsetSize)
	c.PutUint16At(t.keyPosOffsetLeaf(pos), uint16(newAllocOffset))
	return c.CheckAndClearFault()
}

// InsertKeyAndRightChildAt writes a new key into an internal node at
// pos with child as its right child. The caller must have verified fit
// via InternalOverflow.
func (t *TreeNode[K, V]) InsertKeyAndRightChildAt(c *PageCursor, key K, child uint64, pos, keyCount int, stableGen, unstableGen uint64) error {
	keySize := t.layout.KeySize(key)
	var newAllocOffset int
	if t.canInline(keySize) {
		overhead := getOverhead(keySize, 0, false)
		newAllocOffset = t.AllocOffset(c) - (overhead + keySize)
		if newAllocOffset < t.keyPosOffsetInternal(keyCount+1) {
			return invariantf("page %d: inserting %d byte key at pos %d would overlap offset array",
				c.ID(), keySize, pos)
		}
		c.SetOffset(newAllocOffset)
		putKeyValueSize(c, keySize, 0)
		t.layout.WriteKey(c, key)
	} else {
		if t.offload == nil {
			return WrapError(ErrKeyValueTooLarge, nil)
		}
		id, err := t.offload.WriteKey(key, stableGen, unstableGen)
		if err != nil {
			return err
		}
		newAllocOffset = t.AllocOffset(c) - getOverhead(0, 0, true)
		if newAllocOffset < t.keyPosOffsetInternal(keyCount+1) {
			return invariantf("page %d: inserting offload key at pos %d would overlap offset array",
				c.ID(), pos)
		}
		c.SetOffset(newAllocOffset)
		putOffloadMarker(c)
		putOffloadID(c, id)
	}
	t.setAllocOffset(c, newAllocOffset)
	insertSlotsAt(c, pos, 1, keyCount, t.keyPosOffsetInternal(0), keyChildEntrySize)
	c.PutUint16At(t.keyPosOffsetInternal(pos), uint16(newAllocOffset))
	t.SetChildAt(c, child, pos+1)
	return c.CheckAndClearFault()
}

// RemoveKeyValueAt tombstones the leaf entry at pos and closes its
// offset slot. Offloaded records are freed right away; page reuse is
// deferred by generation, so concurrent readers stay safe.
func (t *TreeNode[K, V]) RemoveKeyValueAt(c *PageCursor, pos, keyCount int, stableGen, unstableGen uint64) error {
	if !t.placeAtEntry(c, pos, TreeNodeLeaf) {
		return c.CheckAndClearFault()
	}
	entryOffset := c.GetOffset()
	word := readKeyValueSize(c)
	keySize := extractKeySize(word)
	valueSize := extractValueSize(word)
	offload := extractOffload(word)
	if offload {
		if t.offload == nil {
			return corruptedAt(c.ID(), pos, 0, 0, t.keyValueSizeCap, false)
		}
		if err := t.offload.Free(readOffloadID(c), stableGen, unstableGen); err != nil {
			return err
		}
	}
	c.SetOffset(entryOffset)
	putTombstone(c)
	t.setDeadSpace(c, t.DeadSpace(c)+keySize+valueSize+getOverhead(keySize, valueSize, offload))
	removeSlotAt(c, pos, keyCount, t.keyPosOffsetLeaf(0), OffsetSize)
	return c.CheckAndClearFault()
}

// RemoveKeyAndRightChildAt tombstones the key at keyPos in an internal
// node and closes its slot together with the child to its right.
func (t *TreeNode[K, V]) RemoveKeyAndRightChildAt(c *PageCursor, keyPos, keyCount int, stableGen, unstableGen uint64) error {
	if err := t.removeInternalKey(c, keyPos, stableGen, unstableGen); err != nil {
		return err
	}
	removeSlotAt(c, keyPos, keyCount, t.keyPosOffsetInternal(0), keyChildEntrySize)
	c.ZeroBytes(t.keyPosOffsetInternal(keyCount-1), OffsetSize+SizePageReference)
	return c.CheckAndClearFault()
}

// RemoveKeyAndLeftChildAt tombstones the key at keyPos in an internal
// node and closes its slot together with the child to its left. The
// last child slides into the vacated position.
func (t *TreeNode[K, V]) RemoveKeyAndLeftChildAt(c *PageCursor, keyPos, keyCount int, stableGen, unstableGen uint64) error {
	if err := t.removeInternalKey(c, keyPos, stableGen, unstableGen); err != nil {
		return err
	}
	removeSlotAt(c, keyPos, keyCount, t.childOffset(0), keyChildEntrySize)
	c.CopyTo(t.childOffset(keyCount), c, t.childOffset(keyCount-1), SizePageReference)
	c.ZeroBytes(t.keyPosOffsetInternal(keyCount-1), OffsetSize+SizePageReference)
	return c.CheckAndClearFault()
}

func (t *TreeNode[K, V]) removeInternalKey(c *PageCursor, keyPos int, stableGen, unstableGen uint64) error {
	if !t.placeAtEntry(c, keyPos, TreeNodeInternal) {
		return c.CheckAndClearFault()
	}
	entryOffset := c.GetOffset()
	word := readKeyValueSize(c)
	keySize := extractKeySize(word)
	offload := extractOffload(word)
	if offload {
		if t.offload == nil {
			return corruptedAt(c.ID(), keyPos, 0, 0, t.keyValueSizeCap, false)
		}
		if err := t.offload.Free(readOffloadID(c), stableGen, unstableGen); err != nil {
			return err
		}
	}
	c.SetOffset(entryOffset)
	putTombstone(c)
	t.setDeadSpace(c, t.DeadSpace(c)+keySize+getOverhead(keySize, 0, offload))
	return nil
}

// SetKeyAtInternal overwrites the key at pos in place. Returns false
// without writing when the encoded sizes differ; the caller then has to
// remove and reinsert.
func (t *TreeNode[K, V]) SetKeyAtInternal(c *PageCursor, key K, pos, keyCount int) (bool, error) {
	if !t.placeAtEntry(c, pos, TreeNodeInternal) {
		return false, c.CheckAndClearFault()
	}
	oldKeySize, _, offload, err := t.readEntrySizes(c, pos)
	if err != nil {
		return false, err
	}
	if offload || t.layout.KeySize(key) != oldKeySize {
		return false, nil
	}
	t.layout.WriteKey(c, key)
	if err := c.CheckAndClearFault(); err != nil {
		return false, err
	}
	return true, nil
}

// SetValueAt overwrites the value at pos in place. Returns false
// without writing when the encoded sizes differ.
func (t *TreeNode[K, V]) SetValueAt(c *PageCursor, value V, pos, keyCount int) (bool, error) {
	if !t.placeAtEntry(c, pos, TreeNodeLeaf) {
		return false, c.CheckAndClearFault()
	}
	keySize, oldValueSize, offload, err := t.readEntrySizes(c, pos)
	if err != nil {
		return false, err
	}
	if offload || t.layout.ValueSize(value) != oldValueSize {
		return false, nil
	}
	c.SetOffset(c.GetOffset() + keySize)
	t.layout.WriteValue(c, value)
	if err := c.CheckAndClearFault(); err != nil {
		return false, err
	}
	return true, nil
}

// defragState carries the scratch of one defragmentation pass.
type defragState struct {
	offsets []int
	sizes   []int
	remap   *intmap.Map
}

var defragPool = sync.Pool{
	New: func() any {
		return &defragState{remap: intmap.New(64)}
	},
}

// DefragmentLeaf compacts the entry area of a leaf, reclaiming all
// dead space.
func (t *TreeNode[K, V]) DefragmentLeaf(c *PageCursor) error {
	return t.doDefragment(c, TreeNodeLeaf, t.KeyCount(c))
}

// DefragmentInternal compacts the entry area of an internal node.
func (t *TreeNode[K, V]) DefragmentInternal(c *PageCursor) error {
	return t.doDefragment(c, TreeNodeInternal, t.KeyCount(c))
}

// doDefragment walks the entry area physically, packs all live entries
// against the page end preserving their physical order, zeroes the
// reclaimed gap and rewrites the offset array through the old-to-new
// offset mapping. keyCount is explicit: mid-split the header count
// lags behind the live entries.
func (t *TreeNode[K, V]) doDefragment(c *PageCursor, kind TreeNodeType, keyCount int) error {
	state := defragPool.Get().(*defragState)
	defer defragPool.Put(state)
	offsets := state.offsets[:0]
	sizes := state.sizes[:0]

	// Record live blocks in physical order. Tombstoned entries keep
	// readable size prefixes, so the walk can hop over them.
	prevAllocOffset := t.AllocOffset(c)
	currentOffset := prevAllocOffset
	for currentOffset < t.pageSize {
		c.SetOffset(currentOffset)
		word := readKeyValueSize(c)
		prefixLen := c.GetOffset() - currentOffset
		var entrySize int
		if extractOffload(word) {
			entrySize = prefixLen + SizeOffloadID
		} else {
			entrySize = prefixLen + extractKeySize(word) + extractValueSize(word)
		}
		if !extractTombstone(word) {
			if len(offsets) == keyCount {
				state.offsets, state.sizes = offsets, sizes
				return invariantf("page %d: defragment found more live entries than key count %d",
					c.ID(), keyCount)
			}
			offsets = append(offsets, currentOffset)
			sizes = append(sizes, entrySize)
		}
		currentOffset += entrySize
	}
	state.offsets, state.sizes = offsets, sizes
	if len(offsets) != keyCount {
		return invariantf("page %d: defragment found %d live entries, key count is %d",
			c.ID(), len(offsets), keyCount)
	}

	// Compact right. Walking from the physically rightmost block keeps
	// every move rightward, so blocks never overwrite each other.
	remap := state.remap
	remap.Reset()
	targetOffset := t.pageSize
	for i := len(offsets) - 1; i >= 0; i-- {
		targetOffset -= sizes[i]
		if offsets[i] != targetOffset {
			c.CopyTo(offsets[i], c, targetOffset, sizes[i])
		}
		remap.Put(offsets[i], targetOffset)
	}
	t.setAllocOffset(c, targetOffset)
	c.ZeroBytes(prevAllocOffset, targetOffset-prevAllocOffset)

	// Point the offset array at the new locations.
	for pos := 0; pos < keyCount; pos++ {
		slot := t.keyPosOffset(pos, kind)
		oldOffset := int(c.GetUint16At(slot))
		newOffset, ok := remap.Get(oldOffset)
		if !ok {
			return invariantf("page %d: defragment has no remapping for offset %d at pos %d",
				c.ID(), oldOffset, pos)
		}
		c.PutUint16At(slot, uint16(newOffset))
	}
	t.setDeadSpace(c, 0)
	return c.CheckAndClearFault()
}

// splitPosInLeaf searches greedily for the split position whose left
// side lands closest to ratio of the total space. It walks positions
// accumulating entry footprints, with the new entry injected at
// insertPos, and keeps advancing while the distance to the target
// shrinks or the remainder still cannot fit the right node.
func (t *TreeNode[K, V]) splitPosInLeaf(c *PageCursor, insertPos int, newKey K, newValue V, keyCountAfterInsert int, ratioToKeepInLeftOnSplit float64) (int, error) {
	targetLeftSpace := int(float64(t.totalSpace) * ratioToKeepInLeftOnSplit)
	spaceOfNewKeyValue := t.totalSpaceOfKeyValue(newKey, newValue)
	totalSpaceIncludingNewKeyValue := t.totalActiveSpace(c, keyCountAfterInsert-1, TreeNodeLeaf) + spaceOfNewKeyValue
	if totalSpaceIncludingNewKeyValue > t.totalSpace*2 {
		return 0, invariantf("page %d: keys take %d bytes, too much for two nodes of %d",
			c.ID(), totalSpaceIncludingNewKeyValue, t.totalSpace)
	}

	splitPos := 0
	currentPos := 0
	accumulatedLeftSpace := 0
	currentDelta := targetLeftSpace
	prevDelta := 0
	includedNew := false
	prevPosPossible := false
	thisPosPossible := false

	for {
		prevPosPossible = thisPosPossible

		var space int
		if currentPos == insertPos && !includedNew {
			space = spaceOfNewKeyValue
			includedNew = true
			currentPos--
		} else {
			space = t.totalSpaceOfKeyValueAt(c, currentPos)
		}
		accumulatedLeftSpace += space
		prevDelta = currentDelta
		currentDelta = abs(accumulatedLeftSpace - targetLeftSpace)
		currentPos++
		splitPos++
		thisPosPossible = totalSpaceIncludingNewKeyValue-accumulatedLeftSpace <= t.totalSpace

		if (currentDelta < prevDelta && splitPos < keyCountAfterInsert && accumulatedLeftSpace <= t.totalSpace) || !thisPosPossible {
			continue
		}
		break
	}
	if prevPosPossible {
		// Stepping back one divides the space more equally.
		splitPos--
	}
	if splitPos < 1 || splitPos >= keyCountAfterInsert {
		return 0, invariantf("page %d: leaf split position %d outside [1, %d)",
			c.ID(), splitPos, keyCountAfterInsert)
	}
	return splitPos, nil
}

// splitPosInternal mirrors splitPosInLeaf for internal nodes. The
// accumulation starts at the leftmost child slot and the possibility
// checks are strict, since the promoted key needs its own room.
func (t *TreeNode[K, V]) splitPosInternal(c *PageCursor, insertPos int, newKey K, keyCountAfterInsert int, ratioToKeepInLeftOnSplit float64) (int, error) {
	targetLeftSpace := int(float64(t.totalSpace) * ratioToKeepInLeftOnSplit)
	spaceOfNewKeyChild := t.totalSpaceOfKeyChild(newKey)
	totalSpaceIncludingNewKey := t.totalActiveSpace(c, keyCountAfterInsert-1, TreeNodeInternal) + spaceOfNewKeyChild
	if totalSpaceIncludingNewKey > t.totalSpace*2 {
		return 0, invariantf("page %d: keys take %d bytes, too much for two nodes of %d",
			c.ID(), totalSpaceIncludingNewKey, t.totalSpace)
	}

	splitPos := 0
	currentPos := 0
	accumulatedLeftSpace := SizePageReference
	currentDelta := abs(accumulatedLeftSpace - targetLeftSpace)
	prevDelta := 0
	includedNew := false
	prevPosPossible := false
	thisPosPossible := false

	for {
		prevPosPossible = thisPosPossible

		var space int
		if currentPos == insertPos && !includedNew {
			space = spaceOfNewKeyChild
			includedNew = true
			currentPos--
		} else {
			space = t.totalSpaceOfKeyChildAt(c, currentPos)
		}
		accumulatedLeftSpace += space
		prevDelta = currentDelta
		currentDelta = abs(accumulatedLeftSpace - targetLeftSpace)
		currentPos++
		splitPos++
		thisPosPossible = totalSpaceIncludingNewKey-accumulatedLeftSpace < t.totalSpace

		if (currentDelta < prevDelta && splitPos < keyCountAfterInsert && accumulatedLeftSpace < t.totalSpace) || !thisPosPossible {
			continue
		}
		break
	}
	if prevPosPossible {
		splitPos--
	}
	if splitPos < 1 || splitPos >= keyCountAfterInsert {
		return 0, invariantf("page %d: internal split position %d outside [1, %d)",
			c.ID(), splitPos, keyCountAfterInsert)
	}
	return splitPos, nil
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// FindSplitter computes the leaf split position for inserting newKey at
// insertPos and returns it together with the minimal splitter key to
// promote into the parent.
func (t *TreeNode[K, V]) FindSplitter(c *PageCursor, keyCount, insertPos int, newKey K, newValue V, ratioToKeepInLeftOnSplit float64) (int, K, error) {
	var zero K
	keyCountAfterInsert := keyCount + 1
	splitPos, err := t.splitPosInLeaf(c, insertPos, newKey, newValue, keyCountAfterInsert, ratioToKeepInLeftOnSplit)
	if err != nil {
		return 0, zero, err
	}

	var leftInSplit, rightInSplit K
	if splitPos == insertPos {
		leftInSplit, err = t.KeyAt(c, splitPos-1, TreeNodeLeaf)
		if err != nil {
			return 0, zero, err
		}
		rightInSplit = newKey
	} else {
		rightPos := splitPos
		if insertPos < splitPos {
			rightPos = splitPos - 1
		}
		rightInSplit, err = t.KeyAt(c, rightPos, TreeNodeLeaf)
		if err != nil {
			return 0, zero, err
		}
		if rightPos == insertPos {
			leftInSplit = newKey
		} else {
			leftInSplit, err = t.KeyAt(c, rightPos-1, TreeNodeLeaf)
			if err != nil {
				return 0, zero, err
			}
		}
	}
	return splitPos, t.layout.MinimalSplitter(leftInSplit, rightInSplit), nil
}

// DoSplitLeaf distributes the entries of an overflowing leaf between
// left and right at splitPos and performs the pending insert on the
// correct side. Sibling links are the tree layer's business.
func (t *TreeNode[K, V]) DoSplitLeaf(left, right *PageCursor, insertPos int, newKey K, newValue V, keyCount, splitPos int, stableGen, unstableGen uint64) error {
	keyCountAfterInsert := keyCount + 1
	rightKeyCount := keyCountAfterInsert - splitPos

	if insertPos < splitPos {
		// v-------v
		// before  _,_,X,_,_,_,_
		// insert  _,_,^,X,_,_,_,_
		// split         ^
		if err := t.moveKeysAndValues(left, splitPos-1, right, 0, rightKeyCount); err != nil {
			return err
		}
		if err := t.DefragmentLeaf(left); err != nil {
			return err
		}
		if err := t.InsertKeyValueAt(left, newKey, newValue, insertPos, splitPos-1, stableGen, unstableGen); err != nil {
			return err
		}
	} else {
		// v---v
		// before  _,_,_,_,_,X,_,_
		// insert  _,_,_,_,_,_,X,_,_
		// split         ^
		copyCount := keyCount - splitPos
		if err := t.moveKeysAndValues(left, splitPos, right, 0, copyCount); err != nil {
			return err
		}
		if err := t.DefragmentLeaf(left); err != nil {
			return err
		}
		if err := t.InsertKeyValueAt(right, newKey, newValue, insertPos-splitPos, copyCount, stableGen, unstableGen); err != nil {
			return err
		}
	}
	t.SetKeyCount(left, splitPos)
	t.SetKeyCount(right, rightKeyCount)
	return nil
}

// DoSplitInternal distributes the keys of an overflowing internal node
// between left and right, inserts newKey with its right child on the
// correct side and returns the key promoted to the parent.
func (t *TreeNode[K, V]) DoSplitInternal(left, right *PageCursor, insertPos int, newKey K, newRightChild uint64, keyCount int, ratioToKeepInLeftOnSplit float64, stableGen, unstableGen uint64) (K, error) {
	var zero K
	keyCountAfterInsert := keyCount + 1
	splitPos, err := t.splitPosInternal(left, insertPos, newKey, keyCountAfterInsert, ratioToKeepInLeftOnSplit)
	if err != nil {
		return zero, err
	}
	rightKeyCount := keyCountAfterInsert - splitPos - 1

	var splitter K
	if splitPos == insertPos {
		splitter = newKey
	} else {
		splitterPos := splitPos
		if insertPos < splitPos {
			splitterPos = splitPos - 1
		}
		splitter, err = t.KeyAt(left, splitterPos, TreeNodeInternal)
		if err != nil {
			return zero, err
		}
	}

	switch {
	case insertPos < splitPos:
		// v-------v
		// before key    _,_,_,_,_,_,_,_,_,_
		// before child -,-,-,-,-,-,-,-,-,-,-
		// insert key    _,_,X,_,_,_,_,_,_,_,_
		// insert child -,-,-,x,-,-,-,-,-,-,-,-
		// split key           ^
		if err := t.moveKeysAndChildren(left, splitPos, right, 0, rightKeyCount, true); err != nil {
			return zero, err
		}
		// The rightmost key left behind moves up to the parent.
		if err := t.RemoveKeyAndRightChildAt(left, splitPos-1, splitPos, stableGen, unstableGen); err != nil {
			return zero, err
		}
		if err := t.doDefragment(left, TreeNodeInternal, splitPos-1); err != nil {
			return zero, err
		}
		if err := t.InsertKeyAndRightChildAt(left, newKey, newRightChild, insertPos, splitPos-1, stableGen, unstableGen); err != nil {
			return zero, err
		}
	case insertPos == splitPos:
		if err := t.moveKeysAndChildren(left, splitPos, right, 0, rightKeyCount, false); err != nil {
			return zero, err
		}
		if err := t.doDefragment(left, TreeNodeInternal, splitPos); err != nil {
			return zero, err
		}
		t.SetChildAt(right, newRightChild, 0)
	default: // insertPos > splitPos
		copyFrom := splitPos + 1
		copyCount := keyCount - copyFrom
		if err := t.moveKeysAndChildren(left, copyFrom, right, 0, copyCount, true); err != nil {
			return zero, err
		}
		if err := t.RemoveKeyAndRightChildAt(left, splitPos, splitPos+1, stableGen, unstableGen); err != nil {
			return zero, err
		}
		if err := t.doDefragment(left, TreeNodeInternal, splitPos); err != nil {
			return zero, err
		}
		if err := t.InsertKeyAndRightChildAt(right, newKey, newRightChild, insertPos-copyFrom, copyCount, stableGen, unstableGen); err != nil {
			return zero, err
		}
	}
	t.SetKeyCount(left, splitPos)
	t.SetKeyCount(right, rightKeyCount)
	return splitter, nil
}

// moveKeysAndValues moves count entries from fromPos in one leaf to
// toPos in another, tombstoning the sources. Updates the target alloc
// offset and the source dead space and key count.
func (t *TreeNode[K, V]) moveKeysAndValues(from *PageCursor, fromPos int, to *PageCursor, toPos, count int) error {
	firstAllocOffset := t.AllocOffset(to)
	toAllocOffset := firstAllocOffset
	for i := 0; i < count; i++ {
		toAllocOffset = t.moveRawKeyValue(from, fromPos+i, to, toAllocOffset)
		to.PutUint16At(t.keyPosOffsetLeaf(toPos+i), uint16(toAllocOffset))
	}
	t.setAllocOffset(to, toAllocOffset)
	t.setDeadSpace(from, t.DeadSpace(from)+firstAllocOffset-toAllocOffset)
	t.SetKeyCount(from, fromPos)
	if err := from.CheckAndClearFault(); err != nil {
		return err
	}
	return to.CheckAndClearFault()
}

// moveRawKeyValue copies one entry's prefix and payload bytes verbatim
// into the target alloc area and tombstones the source.
func (t *TreeNode[K, V]) moveRawKeyValue(from *PageCursor, fromPos int, to *PageCursor, toAllocOffset int) int {
	if !t.placeAtEntry(from, fromPos, TreeNodeLeaf) {
		return toAllocOffset
	}
	fromKeyOffset := from.GetOffset()
	word := readKeyValueSize(from)
	keySize := extractKeySize(word)
	valueSize := extractValueSize(word)
	offload := extractOffload(word)
	toCopy := getOverhead(keySize, valueSize, offload) + keySize + valueSize
	newAllocOffset := toAllocOffset - toCopy
	from.CopyTo(fromKeyOffset, to, newAllocOffset, toCopy)
	from.SetOffset(fromKeyOffset)
	putTombstone(from)
	return newAllocOffset
}

// copyKeysAndValues copies count entries without touching the source,
// used when merging where the whole source page gets freed after.
func (t *TreeNode[K, V]) copyKeysAndValues(from *PageCursor, fromPos int, to *PageCursor, toPos, count int) error {
	toAllocOffset := t.AllocOffset(to)
	for i := 0; i < count; i++ {
		toAllocOffset = t.copyRawKeyValue(from, fromPos+i, to, toAllocOffset)
		to.PutUint16At(t.keyPosOffsetLeaf(toPos+i), uint16(toAllocOffset))
	}
	t.setAllocOffset(to, toAllocOffset)
	if err := from.CheckAndClearFault(); err != nil {
		return err
	}
	return to.CheckAndClearFault()
}

func (t *TreeNode[K, V]) copyRawKeyValue(from *PageCursor, fromPos int, to *PageCursor, toAllocOffset int) int {
	if !t.placeAtEntry(from, fromPos, TreeNodeLeaf) {
		return toAllocOffset
	}
	fromKeyOffset := from.GetOffset()
	word := readKeyValueSize(from)
	keySize := extractKeySize(word)
	valueSize := extractValueSize(word)
	offload := extractOffload(word)
	toCopy := getOverhead(keySize, valueSize, offload) + keySize + valueSize
	newAllocOffset := toAllocOffset - toCopy
	from.CopyTo(fromKeyOffset, to, newAllocOffset, toCopy)
	return newAllocOffset
}

// moveKeysAndChildren moves count keys plus their children from one
// internal node to the start of another. The child block including the
// interleaved slots goes over in one bulk copy; the per-key transfers
// then rewrite the slots with real target offsets. The source key
// count is the caller's to settle once the split is complete.
func (t *TreeNode[K, V]) moveKeysAndChildren(from *PageCursor, fromPos int, to *PageCursor, toPos, count int, includeLeftMostChild bool) error {
	if count == 0 && !includeLeftMostChild {
		return nil
	}
	childFromOffset := t.childOffset(fromPos + 1)
	targetOffset := t.childOffset(1)
	if includeLeftMostChild {
		childFromOffset = t.childOffset(fromPos)
		targetOffset = t.childOffset(0)
	}
	childToOffset := t.childOffset(fromPos+count) + SizePageReference
	lengthInBytes := childToOffset - childFromOffset
	from.CopyTo(childFromOffset, to, targetOffset, lengthInBytes)

	firstAllocOffset := t.AllocOffset(to)
	toAllocOffset := firstAllocOffset
	for i := 0; i < count; i++ {
		toAllocOffset = t.transferRawKey(from, fromPos+i, to, toAllocOffset)
		to.PutUint16At(t.keyPosOffsetInternal(toPos+i), uint16(toAllocOffset))
	}
	t.setAllocOffset(to, toAllocOffset)
	t.setDeadSpace(from, t.DeadSpace(from)+firstAllocOffset-toAllocOffset)
	from.ZeroBytes(childFromOffset, lengthInBytes)
	if err := from.CheckAndClearFault(); err != nil {
		return err
	}
	return to.CheckAndClearFault()
}

func (t *TreeNode[K, V]) transferRawKey(from *PageCursor, fromPos int, to *PageCursor, toAllocOffset int) int {
	if !t.placeAtEntry(from, fromPos, TreeNodeInternal) {
		return toAllocOffset
	}
	fromKeyOffset := from.GetOffset()
	word := readKeyValueSize(from)
	keySize := extractKeySize(word)
	offload := extractOffload(word)
	toCopy := getOverhead(keySize, 0, offload) + keySize
	newAllocOffset := toAllocOffset - toCopy
	from.CopyTo(fromKeyOffset, to, newAllocOffset, toCopy)
	from.SetOffset(fromKeyOffset)
	putTombstone(from)
	return newAllocOffset
}

// MoveKeyValuesFromLeftToRight moves the trailing numberOfKeysToMove
// entries of the left leaf to the front of the right leaf, rebalancing
// them. CanRebalanceLeaves decides the count.
func (t *TreeNode[K, V]) MoveKeyValuesFromLeftToRight(left, right *PageCursor, leftKeyCount, rightKeyCount, numberOfKeysToMove int) error {
	if err := t.DefragmentLeaf(right); err != nil {
		return err
	}
	insertSlotsAt(right, 0, numberOfKeysToMove, rightKeyCount, t.keyPosOffsetLeaf(0), OffsetSize)
	if err := t.moveKeysAndValues(left, leftKeyCount-numberOfKeysToMove, right, 0, numberOfKeysToMove); err != nil {
		return err
	}
	t.SetKeyCount(right, rightKeyCount+numberOfKeysToMove)
	return nil
}

// CopyKeyValuesFromLeftToRight copies all left entries to the front of
// the right leaf when merging. The left page is untouched; the caller
// unlinks and frees it.
func (t *TreeNode[K, V]) CopyKeyValuesFromLeftToRight(left, right *PageCursor, leftKeyCount, rightKeyCount int) error {
	if err := t.DefragmentLeaf(right); err != nil {
		return err
	}
	insertSlotsAt(right, 0, leftKeyCount, rightKeyCount, t.keyPosOffsetLeaf(0), OffsetSize)
	if err := t.copyKeysAndValues(left, 0, right, 0, leftKeyCount); err != nil {
		return err
	}
	t.SetKeyCount(right, rightKeyCount+leftKeyCount)
	return nil
}
