package gbptree

import (
	"fmt"
	"math"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ConsistencyVisitor receives the findings of a ConsistencyCheck. When
// the check runs with more than one worker the methods are called from
// multiple goroutines, so implementations have to be safe for
// concurrent use.
type ConsistencyVisitor interface {
	// NodeMetaInconsistency reports broken space bookkeeping, an
	// unreadable page, or a node that is structurally out of place.
	NodeMetaInconsistency(id uint64, problem string)
	// KeyOrderInconsistency reports a key that breaks the sort order
	// or falls outside the range its parent separators allow.
	KeyOrderInconsistency(id uint64, pos int, problem string)
	// SiblingInconsistency reports a sibling chain that does not link
	// back correctly.
	SiblingInconsistency(id uint64, problem string)
}

// LoggingConsistencyVisitor logs every finding and counts them.
type LoggingConsistencyVisitor struct {
	Logger *zap.Logger

	count atomic.Int64
}

func (v *LoggingConsistencyVisitor) NodeMetaInconsistency(id uint64, problem string) {
	v.count.Add(1)
	v.Logger.Warn("node meta inconsistency",
		zap.Uint64("page", id),
		zap.String("problem", problem))
}

func (v *LoggingConsistencyVisitor) KeyOrderInconsistency(id uint64, pos int, problem string) {
	v.count.Add(1)
	v.Logger.Warn("key order inconsistency",
		zap.Uint64("page", id),
		zap.Int("pos", pos),
		zap.String("problem", problem))
}

func (v *LoggingConsistencyVisitor) SiblingInconsistency(id uint64, problem string) {
	v.count.Add(1)
	v.Logger.Warn("sibling inconsistency",
		zap.Uint64("page", id),
		zap.String("problem", problem))
}

// Count returns the number of findings reported so far.
func (v *LoggingConsistencyVisitor) Count() int64 {
	return v.count.Load()
}

// ConsistencyCheck walks the whole tree and reports every problem it
// finds to the visitor: per-node space bookkeeping, key ordering
// against the parent separators, sibling chain reciprocity and leaf
// depth uniformity. A nil visitor logs findings through the tree's
// logger. The subtrees under the root are checked by up to numThreads
// workers.
//
// The check holds the writer latch, so it blocks writers and
// checkpoints for its duration but runs fine next to readers. It
// returns an error only when it cannot run at all; findings go to the
// visitor.
func (t *Tree[K, V]) ConsistencyCheck(visitor ConsistencyVisitor, numThreads int) error {
	t.writerMu.Lock()
	defer t.writerMu.Unlock()

	state, err := t.snapshotState()
	if err != nil {
		return err
	}
	if visitor == nil {
		visitor = &LoggingConsistencyVisitor{Logger: t.logger}
	}
	if numThreads < 1 {
		numThreads = 1
	}

	ck := &checker[K, V]{t: t, visitor: visitor, unstableGen: state.unstableGen}
	ck.leafDepth.Store(-1)

	root, err := t.fetchNode(state.rootID)
	if err != nil {
		visitor.NodeMetaInconsistency(state.rootID, err.Error())
		return nil
	}
	if t.node.IsLeaf(root) {
		ck.checkNode(root, TreeNodeLeaf, nil, nil, 0)
		return nil
	}
	keys := ck.checkNode(root, TreeNodeInternal, nil, nil, 0)
	if keys == nil {
		return nil
	}

	g := new(errgroup.Group)
	g.SetLimit(numThreads)
	for i := 0; i <= len(keys); i++ {
		childID := t.node.ChildAt(root, i)
		if err := root.CheckAndClearFault(); err != nil {
			visitor.NodeMetaInconsistency(state.rootID, err.Error())
			break
		}
		if childID == NoNode {
			visitor.NodeMetaInconsistency(state.rootID,
				fmt.Sprintf("missing child at pos %d", i))
			continue
		}
		var lower, upper *K
		if i > 0 {
			lower = &keys[i-1]
		}
		if i < len(keys) {
			upper = &keys[i]
		}
		g.Go(func() error {
			ck.checkSubtree(childID, lower, upper, 1)
			return nil
		})
	}
	return g.Wait()
}

type checker[K, V any] struct {
	t           *Tree[K, V]
	visitor     ConsistencyVisitor
	unstableGen uint64
	leafDepth   atomic.Int64
}

func (ck *checker[K, V]) checkSubtree(id uint64, lower, upper *K, depth int) {
	t := ck.t
	if depth >= maxDescent {
		ck.visitor.NodeMetaInconsistency(id,
			fmt.Sprintf("descent exceeded %d levels", maxDescent))
		return
	}
	c, err := t.fetchNode(id)
	if err != nil {
		ck.visitor.NodeMetaInconsistency(id, err.Error())
		return
	}
	if t.node.IsLeaf(c) {
		ck.checkNode(c, TreeNodeLeaf, lower, upper, depth)
		return
	}
	keys := ck.checkNode(c, TreeNodeInternal, lower, upper, depth)
	if keys == nil {
		return
	}
	for i := 0; i <= len(keys); i++ {
		childID := t.node.ChildAt(c, i)
		if err := c.CheckAndClearFault(); err != nil {
			ck.visitor.NodeMetaInconsistency(id, err.Error())
			return
		}
		switch childID {
		case NoNode:
			ck.visitor.NodeMetaInconsistency(id,
				fmt.Sprintf("missing child at pos %d", i))
			continue
		case id:
			ck.visitor.NodeMetaInconsistency(id,
				fmt.Sprintf("child at pos %d points back to its parent", i))
			continue
		}
		var childLower, childUpper *K
		if i > 0 {
			childLower = &keys[i-1]
		} else {
			childLower = lower
		}
		if i < len(keys) {
			childUpper = &keys[i]
		} else {
			childUpper = upper
		}
		ck.checkSubtree(childID, childLower, childUpper, depth+1)
	}
}

// checkNode runs the single-node checks and returns the node's keys for
// descending into children, or nil when the node is too broken to walk
// further.
func (ck *checker[K, V]) checkNode(c *PageCursor, kind TreeNodeType, lower, upper *K, depth int) []K {
	t := ck.t
	id := c.ID()
	keyCount := t.node.KeyCount(c)

	if problem := t.node.CheckMetaConsistency(c, keyCount, kind); problem != "" {
		ck.visitor.NodeMetaInconsistency(id, problem)
	}
	// Generation values are stored truncated to 32 bits, so this
	// comparison is only meaningful before the live generation outgrows
	// them.
	if gen := t.node.Generation(c); ck.unstableGen <= math.MaxUint32 && gen > ck.unstableGen {
		ck.visitor.NodeMetaInconsistency(id,
			fmt.Sprintf("node generation %d is ahead of unstable generation %d", gen, ck.unstableGen))
	}
	if succ := t.node.Successor(c); succ != NoNode {
		ck.visitor.NodeMetaInconsistency(id,
			fmt.Sprintf("node has unexpected successor %d", succ))
	}
	if err := c.CheckAndClearFault(); err != nil {
		ck.visitor.NodeMetaInconsistency(id, err.Error())
		return nil
	}

	if kind == TreeNodeLeaf {
		if prev := ck.leafDepth.Swap(int64(depth)); prev != -1 && prev != int64(depth) {
			ck.visitor.NodeMetaInconsistency(id,
				fmt.Sprintf("leaf at depth %d, other leaves at depth %d", depth, prev))
		}
	}

	if !t.node.reasonableKeyCount(keyCount) {
		ck.visitor.NodeMetaInconsistency(id,
			fmt.Sprintf("unreasonable key count %d", keyCount))
		return nil
	}

	keys := make([]K, keyCount)
	for pos := 0; pos < keyCount; pos++ {
		key, err := t.node.KeyAt(c, pos, kind)
		if err != nil {
			ck.visitor.NodeMetaInconsistency(id,
				fmt.Sprintf("key at pos %d unreadable: %v", pos, err))
			return nil
		}
		keys[pos] = key
		if pos > 0 && t.layout.Compare(keys[pos-1], key) >= 0 {
			ck.visitor.KeyOrderInconsistency(id, pos,
				"key does not sort after its left neighbour")
		}
		if lower != nil && t.layout.Compare(key, *lower) < 0 {
			ck.visitor.KeyOrderInconsistency(id, pos,
				"key sorts below the separator range inherited from the parent")
		}
		if upper != nil && t.layout.Compare(key, *upper) >= 0 {
			ck.visitor.KeyOrderInconsistency(id, pos,
				"key sorts above the separator range inherited from the parent")
		}
	}

	ck.checkSiblings(c, kind)
	return keys
}

// checkSiblings verifies that the right neighbour points back at this
// node. Checking one direction per node covers every link in the chain
// exactly once.
func (ck *checker[K, V]) checkSiblings(c *PageCursor, kind TreeNodeType) {
	t := ck.t
	id := c.ID()
	right := t.node.RightSibling(c)
	if err := c.CheckAndClearFault(); err != nil {
		ck.visitor.NodeMetaInconsistency(id, err.Error())
		return
	}
	if right == NoNode {
		return
	}
	if right == id {
		ck.visitor.SiblingInconsistency(id, "node is its own right sibling")
		return
	}
	rc, err := t.fetchNode(right)
	if err != nil {
		ck.visitor.SiblingInconsistency(id,
			fmt.Sprintf("right sibling %d unreadable: %v", right, err))
		return
	}
	if t.node.IsLeaf(rc) != (kind == TreeNodeLeaf) {
		ck.visitor.SiblingInconsistency(id,
			fmt.Sprintf("right sibling %d is a node of a different level", right))
		return
	}
	if back := t.node.LeftSibling(rc); back != id {
		ck.visitor.SiblingInconsistency(id,
			fmt.Sprintf("right sibling %d points back to %d", right, back))
	}
	_ = rc.CheckAndClearFault()
}
