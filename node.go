package gbptree

import "fmt"

// Dynamic-size node layout. A page is a fixed header, an offset array
// growing left-to-right and an entry area growing right-to-left:
//
//	offset 0   nodeType      byte
//	       1   treeNodeType  byte (leaf/internal)
//	       2   generation    uint32
//	       6   keyCount      uint32
//	      10   rightSibling  uint64
//	      18   leftSibling   uint64
//	      26   successor     uint64
//	      34   allocOffset   uint16
//	      36   deadSpace     uint16
//	      38   offset array...          ...entry area   pageSize
//
// Leaf offset arrays hold 2-byte entry offsets. Internal nodes
// interleave 8-byte child references with the offsets:
//
//	child0 | offset0 | child1 | offset1 | ... | offsetN-1 | childN
//
// allocOffset is the high-water mark of the entry area and only moves
// left on insert; removes tombstone the entry and account the bytes in
// deadSpace until a defragmentation reclaims them.
const (
	bytePosNodeType     = 0
	bytePosTreeNodeType = 1
	bytePosGeneration   = 2
	bytePosKeyCount     = 6
	bytePosRightSibling = 10
	bytePosLeftSibling  = 18
	bytePosSuccessor    = 26
	bytePosAllocOffset  = 34
	bytePosDeadSpace    = 36
)

// keyChildEntrySize is one interleaved offset+child pair in internal nodes
const keyChildEntrySize = OffsetSize + SizePageReference

// minimumInlineSizeCap is the smallest inline entry cap a page size must allow
const minimumInlineSizeCap = 8

// Overflow classifies whether a prospective insert fits a node.
type Overflow uint8

const (
	// OverflowNo means the entry fits the free alloc space as is
	OverflowNo Overflow = iota

	// OverflowNoNeedDefrag means the entry fits only after defragmentation
	OverflowNoNeedDefrag

	// OverflowYes means the node must split
	OverflowYes
)

func (o Overflow) String() string {
	switch o {
	case OverflowNo:
		return "no"
	case OverflowNoNeedDefrag:
		return "noNeedDefrag"
	case OverflowYes:
		return "yes"
	}
	return fmt.Sprintf("overflow(%d)", uint8(o))
}

// TreeNode implements the dynamic-size node format for one page size
// and layout. It holds no per-page state; every operation takes a
// PageCursor over the page it works on, so one TreeNode serves all
// pages of a tree.
type TreeNode[K, V any] struct {
	pageSize              int
	totalSpace            int
	halfSpace             int
	maxKeyCount           int
	inlineKeyValueSizeCap int
	keyValueSizeCap       int
	layout                Layout[K, V]
	offload               OffloadStore[K, V]
}

// NewTreeNode validates the page size and derives the format capacities.
// A nil offload store disables offloading; entries are then capped at
// the inline limit.
func NewTreeNode[K, V any](pageSize int, layout Layout[K, V], offload OffloadStore[K, V]) (*TreeNode[K, V], error) {
	if pageSize < MinPageSize {
		return nil, WrapError(ErrPageSizeTooSmall,
			fmt.Errorf("page size %d below minimum %d", pageSize, MinPageSize))
	}
	if pageSize > MaxPageSize {
		return nil, WrapError(ErrPageSizeTooLarge,
			fmt.Errorf("page size %d above maximum %d", pageSize, MaxPageSize))
	}
	inlineCap := inlineKeyValueSizeCap(pageSize)
	if inlineCap < minimumInlineSizeCap {
		return nil, WrapError(ErrPageSizeTooSmall,
			fmt.Errorf("page size %d gives inline entry cap %d, minimum is %d",
				pageSize, inlineCap, minimumInlineSizeCap))
	}
	kvCap := inlineCap
	if offload != nil {
		kvCap = keyValueSizeCapFromPageSize(pageSize)
	}
	totalSpace := pageSize - HeaderLengthDynamic
	return &TreeNode[K, V]{
		pageSize:              pageSize,
		totalSpace:            totalSpace,
		halfSpace:             totalSpace / 2,
		maxKeyCount:           totalSpace / (OffsetSize + MinSizeKeyValueSize),
		inlineKeyValueSizeCap: inlineCap,
		keyValueSizeCap:       kvCap,
		layout:                layout,
		offload:               offload,
	}, nil
}

// inlineKeyValueSizeCap bounds the key+value total stored inside a node.
// Half the usable page must fit one entry with its worst-case prefix and
// offset slot, so a node never holds fewer than two entries.
func inlineKeyValueSizeCap(pageSize int) int {
	halfUsable := (pageSize - HeaderLengthDynamic) / 2
	cap := halfUsable - (OffsetSize + MaxSizeKeyValueSize)
	if cap > MaxTwoByteKeySize {
		cap = MaxTwoByteKeySize
	}
	return cap
}

// keyValueSizeCapFromPageSize bounds the key+value total including
// offloaded entries, which must fit one offload record page.
func keyValueSizeCapFromPageSize(pageSize int) int {
	cap := pageSize - OffloadPageHeaderSize
	if cap > FixedMaxKeyValueSizeCap {
		cap = FixedMaxKeyValueSizeCap
	}
	return cap
}

// PageSize returns the page size this format was built for.
func (t *TreeNode[K, V]) PageSize() int { return t.pageSize }

// TotalSpace returns the usable space of a page past the header.
func (t *TreeNode[K, V]) TotalSpace() int { return t.totalSpace }

// InlineKeyValueSizeCap returns the largest key+value total kept inline.
func (t *TreeNode[K, V]) InlineKeyValueSizeCap() int { return t.inlineKeyValueSizeCap }

// KeyValueSizeCap returns the largest key+value total the tree accepts.
func (t *TreeNode[K, V]) KeyValueSizeCap() int { return t.keyValueSizeCap }

// MaxKeyCount returns the theoretical per-node key count upper bound,
// used to sanity-check key counts read from disk.
func (t *TreeNode[K, V]) MaxKeyCount() int { return t.maxKeyCount }

// ValidateKeyValueSize rejects entries beyond the size cap.
func (t *TreeNode[K, V]) ValidateKeyValueSize(key K, value V) error {
	keySize := t.layout.KeySize(key)
	valueSize := t.layout.ValueSize(value)
	if keySize+valueSize > t.keyValueSizeCap {
		return WrapError(ErrKeyValueTooLarge,
			fmt.Errorf("key size %d plus value size %d exceeds cap %d",
				keySize, valueSize, t.keyValueSizeCap))
	}
	return nil
}

// canInline reports whether an entry of this total size stays in the node.
func (t *TreeNode[K, V]) canInline(keyValueSize int) bool {
	return keyValueSize <= t.inlineKeyValueSizeCap
}

// PageNodeType reads what kind of page the cursor is on.
func PageNodeType(c *PageCursor) NodeType {
	return NodeType(c.GetByteAt(bytePosNodeType))
}

// InitializeLeaf writes a fresh leaf header over the page.
func (t *TreeNode[K, V]) InitializeLeaf(c *PageCursor, generation uint64) {
	t.initialize(c, TreeNodeLeaf, generation)
}

// InitializeInternal writes a fresh internal node header over the page.
func (t *TreeNode[K, V]) InitializeInternal(c *PageCursor, generation uint64) {
	t.initialize(c, TreeNodeInternal, generation)
}

func (t *TreeNode[K, V]) initialize(c *PageCursor, kind TreeNodeType, generation uint64) {
	c.PutByteAt(bytePosNodeType, byte(NodeTypeTreeNode))
	c.PutByteAt(bytePosTreeNodeType, byte(kind))
	t.SetGeneration(c, generation)
	t.SetKeyCount(c, 0)
	t.SetRightSibling(c, NoNode)
	t.SetLeftSibling(c, NoNode)
	t.SetSuccessor(c, NoNode)
	t.setAllocOffset(c, t.pageSize)
	t.setDeadSpace(c, 0)
}

// TreeNodeTypeOf returns whether the page is a leaf or an internal node.
func (t *TreeNode[K, V]) TreeNodeTypeOf(c *PageCursor) TreeNodeType {
	return TreeNodeType(c.GetByteAt(bytePosTreeNodeType))
}

// IsLeaf reports whether the page is a leaf.
func (t *TreeNode[K, V]) IsLeaf(c *PageCursor) bool {
	return t.TreeNodeTypeOf(c) == TreeNodeLeaf
}

// IsInternal reports whether the page is an internal node.
func (t *TreeNode[K, V]) IsInternal(c *PageCursor) bool {
	return t.TreeNodeTypeOf(c) == TreeNodeInternal
}

// KeyCount reads the number of keys in the node.
func (t *TreeNode[K, V]) KeyCount(c *PageCursor) int {
	return int(c.GetUint32At(bytePosKeyCount))
}

// SetKeyCount writes the number of keys in the node.
func (t *TreeNode[K, V]) SetKeyCount(c *PageCursor, keyCount int) {
	c.PutUint32At(bytePosKeyCount, uint32(keyCount))
}

// Generation reads the node generation.
func (t *TreeNode[K, V]) Generation(c *PageCursor) uint64 {
	return uint64(c.GetUint32At(bytePosGeneration))
}

// SetGeneration writes the node generation.
func (t *TreeNode[K, V]) SetGeneration(c *PageCursor, generation uint64) {
	c.PutUint32At(bytePosGeneration, uint32(generation))
}

// RightSibling reads the right sibling reference, NoNode if none.
func (t *TreeNode[K, V]) RightSibling(c *PageCursor) uint64 {
	return c.GetUint64At(bytePosRightSibling)
}

// SetRightSibling writes the right sibling reference.
func (t *TreeNode[K, V]) SetRightSibling(c *PageCursor, sibling uint64) {
	c.PutUint64At(bytePosRightSibling, sibling)
}

// LeftSibling reads the left sibling reference, NoNode if none.
func (t *TreeNode[K, V]) LeftSibling(c *PageCursor) uint64 {
	return c.GetUint64At(bytePosLeftSibling)
}

// SetLeftSibling writes the left sibling reference.
func (t *TreeNode[K, V]) SetLeftSibling(c *PageCursor, sibling uint64) {
	c.PutUint64At(bytePosLeftSibling, sibling)
}

// Successor reads the successor reference, NoNode if none.
func (t *TreeNode[K, V]) Successor(c *PageCursor) uint64 {
	return c.GetUint64At(bytePosSuccessor)
}

// SetSuccessor writes the successor reference.
func (t *TreeNode[K, V]) SetSuccessor(c *PageCursor, successor uint64) {
	c.PutUint64At(bytePosSuccessor, successor)
}

// AllocOffset reads the entry area high-water mark.
func (t *TreeNode[K, V]) AllocOffset(c *PageCursor) int {
	return int(c.GetUint16At(bytePosAllocOffset))
}

func (t *TreeNode[K, V]) setAllocOffset(c *PageCursor, allocOffset int) {
	c.PutUint16At(bytePosAllocOffset, uint16(allocOffset))
}

// DeadSpace reads the tombstoned byte count of the entry area.
func (t *TreeNode[K, V]) DeadSpace(c *PageCursor) int {
	return int(c.GetUint16At(bytePosDeadSpace))
}

func (t *TreeNode[K, V]) setDeadSpace(c *PageCursor, deadSpace int) {
	c.PutUint16At(bytePosDeadSpace, uint16(deadSpace))
}

// Offset array geometry

func (t *TreeNode[K, V]) keyPosOffsetLeaf(pos int) int {
	return HeaderLengthDynamic + pos*OffsetSize
}

func (t *TreeNode[K, V]) keyPosOffsetInternal(pos int) int {
	return HeaderLengthDynamic + SizePageReference + pos*keyChildEntrySize
}

func (t *TreeNode[K, V]) keyPosOffset(pos int, kind TreeNodeType) int {
	if kind == TreeNodeLeaf {
		return t.keyPosOffsetLeaf(pos)
	}
	return t.keyPosOffsetInternal(pos)
}

// childOffset returns where child reference number pos lives.
func (t *TreeNode[K, V]) childOffset(pos int) int {
	return HeaderLengthDynamic + pos*keyChildEntrySize
}

// endOfOffsetArray returns the first byte past the offset array, the
// lower bound allocOffset may never cross.
func (t *TreeNode[K, V]) endOfOffsetArray(keyCount int, kind TreeNodeType) int {
	if kind == TreeNodeLeaf {
		return t.keyPosOffsetLeaf(keyCount)
	}
	return t.keyPosOffsetInternal(keyCount)
}

// ChildAt reads the child reference at pos. Child references are opaque
// 8-byte values owned by the tree layer.
func (t *TreeNode[K, V]) ChildAt(c *PageCursor, pos int) uint64 {
	return c.GetUint64At(t.childOffset(pos))
}

// SetChildAt overwrites the child reference at pos.
func (t *TreeNode[K, V]) SetChildAt(c *PageCursor, child uint64, pos int) {
	c.PutUint64At(t.childOffset(pos), child)
}

// placeAtEntry resolves the offset slot at pos and positions the cursor
// at the entry's size prefix. Returns false after recording a fault when
// the stored offset is outside the valid entry area.
func (t *TreeNode[K, V]) placeAtEntry(c *PageCursor, pos int, kind TreeNodeType) bool {
	entryOffset := int(c.GetUint16At(t.keyPosOffset(pos, kind)))
	if entryOffset < HeaderLengthDynamic || entryOffset >= t.pageSize {
		c.SetFault(fmt.Sprintf(
			"page %d: entry offset %d at pos %d outside valid range [%d, %d)",
			c.ID(), entryOffset, pos, HeaderLengthDynamic, t.pageSize))
		return false
	}
	c.SetOffset(entryOffset)
	return true
}

// readEntrySizes decodes and validates the size prefix at the cursor.
// Tombstoned or out-of-cap sizes behind a live slot mean corruption.
func (t *TreeNode[K, V]) readEntrySizes(c *PageCursor, pos int) (keySize, valueSize int, offload bool, err error) {
	word := readKeyValueSize(c)
	if extractOffload(word) {
		if extractTombstone(word) {
			return 0, 0, true, corruptedAt(c.ID(), pos, 0, 0, t.keyValueSizeCap, true)
		}
		return 0, 0, true, nil
	}
	keySize = extractKeySize(word)
	valueSize = extractValueSize(word)
	if extractTombstone(word) || keySize == 0 || keySize+valueSize > t.inlineKeyValueSizeCap {
		return 0, 0, false, corruptedAt(c.ID(), pos, keySize, valueSize,
			t.inlineKeyValueSizeCap, extractTombstone(word))
	}
	return keySize, valueSize, false, nil
}

// KeyAt reads the key at pos, resolving offloaded keys through the
// offload store.
func (t *TreeNode[K, V]) KeyAt(c *PageCursor, pos int, kind TreeNodeType) (K, error) {
	var zero K
	if !t.placeAtEntry(c, pos, kind) {
		return zero, c.CheckAndClearFault()
	}
	keySize, _, offload, err := t.readEntrySizes(c, pos)
	if err != nil {
		return zero, err
	}
	if offload {
		if t.offload == nil {
			return zero, corruptedAt(c.ID(), pos, 0, 0, t.keyValueSizeCap, false)
		}
		return t.offload.ReadKey(readOffloadID(c))
	}
	key := t.layout.ReadKey(c, keySize)
	if err := c.CheckAndClearFault(); err != nil {
		return zero, err
	}
	return key, nil
}

// ValueAt reads the value at pos in a leaf.
func (t *TreeNode[K, V]) ValueAt(c *PageCursor, pos int) (V, error) {
	var zero V
	if !t.placeAtEntry(c, pos, TreeNodeLeaf) {
		return zero, c.CheckAndClearFault()
	}
	keySize, valueSize, offload, err := t.readEntrySizes(c, pos)
	if err != nil {
		return zero, err
	}
	if offload {
		if t.offload == nil {
			return zero, corruptedAt(c.ID(), pos, 0, 0, t.keyValueSizeCap, false)
		}
		return t.offload.ReadValue(readOffloadID(c))
	}
	c.SetOffset(c.GetOffset() + keySize)
	value := t.layout.ReadValue(c, valueSize)
	if err := c.CheckAndClearFault(); err != nil {
		return zero, err
	}
	return value, nil
}

// KeyValueAt reads both key and value at pos in a leaf.
func (t *TreeNode[K, V]) KeyValueAt(c *PageCursor, pos int) (K, V, error) {
	var zeroK K
	var zeroV V
	if !t.placeAtEntry(c, pos, TreeNodeLeaf) {
		return zeroK, zeroV, c.CheckAndClearFault()
	}
	keySize, valueSize, offload, err := t.readEntrySizes(c, pos)
	if err != nil {
		return zeroK, zeroV, err
	}
	if offload {
		if t.offload == nil {
			return zeroK, zeroV, corruptedAt(c.ID(), pos, 0, 0, t.keyValueSizeCap, false)
		}
		return t.offload.ReadKeyValue(readOffloadID(c))
	}
	key := t.layout.ReadKey(c, keySize)
	value := t.layout.ReadValue(c, valueSize)
	if err := c.CheckAndClearFault(); err != nil {
		return zeroK, zeroV, err
	}
	return key, value, nil
}

// OffloadIDAt returns the offload id of the entry at pos, or 0 when the
// entry is inline.
func (t *TreeNode[K, V]) OffloadIDAt(c *PageCursor, pos int, kind TreeNodeType) uint64 {
	if !t.placeAtEntry(c, pos, kind) {
		c.CheckAndClearFault()
		return 0
	}
	word := readKeyValueSize(c)
	if !extractOffload(word) || extractTombstone(word) {
		return 0
	}
	return readOffloadID(c)
}

// Search binary-searches the node and returns the position of the
// first key not sorting before key, plus whether it matches exactly.
// In an internal node a non-exact position doubles as the child index
// to descend into; an exact hit descends one child further right, since
// a separator always belongs to its right subtree.
func (t *TreeNode[K, V]) Search(c *PageCursor, kind TreeNodeType, key K, keyCount int) (int, bool, error) {
	low, high := 0, keyCount
	for low < high {
		mid := int(uint(low+high) >> 1)
		midKey, err := t.KeyAt(c, mid, kind)
		if err != nil {
			return 0, false, err
		}
		if t.layout.Compare(midKey, key) < 0 {
			low = mid + 1
		} else {
			high = mid
		}
	}
	if low < keyCount {
		lowKey, err := t.KeyAt(c, low, kind)
		if err != nil {
			return 0, false, err
		}
		if t.layout.Compare(lowKey, key) == 0 {
			return low, true, nil
		}
	}
	return low, false, nil
}

// Space accounting

// allocSpace is the contiguous free gap between the offset array and
// the entry area.
func (t *TreeNode[K, V]) allocSpace(c *PageCursor, keyCount int, kind TreeNodeType) int {
	return t.AllocOffset(c) - t.endOfOffsetArray(keyCount, kind)
}

// totalActiveSpace derives the live entry footprint from the space identity.
func (t *TreeNode[K, V]) totalActiveSpace(c *PageCursor, keyCount int, kind TreeNodeType) int {
	return t.totalSpace - t.DeadSpace(c) - t.allocSpace(c, keyCount, kind)
}

// totalSpaceOfKeyValue is the full leaf footprint of a prospective
// entry: offset slot, size prefix and payload, or the offload marker.
func (t *TreeNode[K, V]) totalSpaceOfKeyValue(key K, value V) int {
	keySize := t.layout.KeySize(key)
	valueSize := t.layout.ValueSize(value)
	if t.canInline(keySize + valueSize) {
		return OffsetSize + getOverhead(keySize, valueSize, false) + keySize + valueSize
	}
	return OffsetSize + getOverhead(0, 0, true)
}

// totalSpaceOfKeyChild is the full internal-node footprint of a
// prospective key and its child slot.
func (t *TreeNode[K, V]) totalSpaceOfKeyChild(key K) int {
	keySize := t.layout.KeySize(key)
	if t.canInline(keySize) {
		return keyChildEntrySize + getOverhead(keySize, 0, false) + keySize
	}
	return keyChildEntrySize + getOverhead(0, 0, true)
}

// totalSpaceOfKeyValueAt reads the footprint of the existing entry at pos.
func (t *TreeNode[K, V]) totalSpaceOfKeyValueAt(c *PageCursor, pos int) int {
	if !t.placeAtEntry(c, pos, TreeNodeLeaf) {
		return 0
	}
	word := readKeyValueSize(c)
	if extractOffload(word) {
		return OffsetSize + getOverhead(0, 0, true)
	}
	keySize := extractKeySize(word)
	valueSize := extractValueSize(word)
	return OffsetSize + getOverhead(keySize, valueSize, false) + keySize + valueSize
}

// totalSpaceOfKeyChildAt reads the footprint of the existing key at pos
// in an internal node, including its child slot.
func (t *TreeNode[K, V]) totalSpaceOfKeyChildAt(c *PageCursor, pos int) int {
	if !t.placeAtEntry(c, pos, TreeNodeInternal) {
		return 0
	}
	word := readKeyValueSize(c)
	if extractOffload(word) {
		return keyChildEntrySize + getOverhead(0, 0, true)
	}
	keySize := extractKeySize(word)
	return keyChildEntrySize + getOverhead(keySize, 0, false) + keySize
}

// AvailableSpace returns free plus reclaimable space of the node.
func (t *TreeNode[K, V]) AvailableSpace(c *PageCursor, keyCount int) int {
	kind := t.TreeNodeTypeOf(c)
	return t.allocSpace(c, keyCount, kind) + t.DeadSpace(c)
}

// LeafOverflow classifies whether a leaf can take one more entry.
func (t *TreeNode[K, V]) LeafOverflow(c *PageCursor, keyCount int, key K, value V) Overflow {
	neededSpace := t.totalSpaceOfKeyValue(key, value)
	return t.overflow(c, keyCount, TreeNodeLeaf, neededSpace)
}

// InternalOverflow classifies whether an internal node can take one
// more key and child.
func (t *TreeNode[K, V]) InternalOverflow(c *PageCursor, keyCount int, key K) Overflow {
	neededSpace := t.totalSpaceOfKeyChild(key)
	return t.overflow(c, keyCount, TreeNodeInternal, neededSpace)
}

func (t *TreeNode[K, V]) overflow(c *PageCursor, keyCount int, kind TreeNodeType, neededSpace int) Overflow {
	allocSpace := t.allocSpace(c, keyCount, kind)
	if neededSpace <= allocSpace {
		return OverflowNo
	}
	if neededSpace <= allocSpace+t.DeadSpace(c) {
		return OverflowNoNeedDefrag
	}
	return OverflowYes
}

// LeafUnderflowThreshold returns the free-space bound above which a
// leaf counts as underflowing.
func (t *TreeNode[K, V]) LeafUnderflowThreshold() int {
	return t.halfSpace
}

// LeafUnderflow reports whether a leaf has emptied below half use.
func (t *TreeNode[K, V]) LeafUnderflow(c *PageCursor, keyCount int) bool {
	return t.AvailableSpace(c, keyCount) > t.halfSpace
}

// CanMergeLeaves reports whether two sibling leaves fit in one node.
func (t *TreeNode[K, V]) CanMergeLeaves(left, right *PageCursor, leftKeyCount, rightKeyCount int) bool {
	leftActive := t.totalActiveSpace(left, leftKeyCount, TreeNodeLeaf)
	rightActive := t.totalActiveSpace(right, rightKeyCount, TreeNodeLeaf)
	return leftActive+rightActive <= t.totalSpace
}

// CanRebalanceLeaves returns how many trailing keys to move from the
// left leaf to the right one to balance them: -1 when the leaves should
// merge instead, 0 when rebalancing cannot help.
func (t *TreeNode[K, V]) CanRebalanceLeaves(left, right *PageCursor, leftKeyCount, rightKeyCount int) int {
	leftActive := t.totalActiveSpace(left, leftKeyCount, TreeNodeLeaf)
	rightActive := t.totalActiveSpace(right, rightKeyCount, TreeNodeLeaf)
	if leftActive+rightActive <= t.totalSpace {
		return -1
	}
	if leftActive <= rightActive || leftKeyCount == 0 {
		return 0
	}

	// Move trailing left entries while the imbalance keeps shrinking.
	keysToMove := 0
	lastChunkSize := 0
	prevDelta := leftActive - rightActive
	currentDelta := prevDelta
	for {
		keysToMove++
		lastChunkSize = t.totalSpaceOfKeyValueAt(left, leftKeyCount-keysToMove)
		leftActive -= lastChunkSize
		rightActive += lastChunkSize
		prevDelta = currentDelta
		currentDelta = leftActive - rightActive
		if currentDelta < 0 {
			currentDelta = -currentDelta
		}
		if currentDelta >= prevDelta || keysToMove >= leftKeyCount {
			break
		}
	}
	keysToMove--
	leftActive += lastChunkSize
	rightActive -= lastChunkSize

	if leftActive > t.halfSpace && rightActive > t.halfSpace {
		return keysToMove
	}
	return 0
}
