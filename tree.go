package gbptree

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// maxDescent bounds root-to-leaf walks. A tree this deep cannot arise
// from splits, so running past it means a reference cycle on disk.
const maxDescent = 64

// Tree is a generation-aware B+tree with dynamically sized entries,
// stored in a single memory-mapped page file. Keys and values go
// through a Layout; entries too large to inline in a node spill into
// an offload store in the same file.
//
// Reads may run concurrently with each other. A Writer needs the tree
// to itself: the caller keeps readers away while one is open, mutation
// happens in place.
type Tree[K, V any] struct {
	logger  *zap.Logger
	path    string
	layout  Layout[K, V]
	pager   *pager
	node    *TreeNode[K, V]
	offload *pageOffloadStore[K, V]

	splitRatio float64

	// writerMu serializes writers and checkpoints against each other.
	writerMu sync.Mutex

	// mu guards the in-memory state copy and the closed flag.
	mu          sync.RWMutex
	state       treeState
	stateTarget uint64
	closed      bool
}

type treeOptions struct {
	pageSize   int
	logger     *zap.Logger
	readOnly   bool
	noSync     bool
	splitRatio float64
}

// Option configures Open.
type Option func(*treeOptions)

// WithPageSize sets the page size for a new file. Opening an existing
// file with a different explicit page size fails.
func WithPageSize(pageSize int) Option {
	return func(o *treeOptions) { o.pageSize = pageSize }
}

// WithLogger routes tree logging through l. Logging is off by default.
func WithLogger(l *zap.Logger) Option {
	return func(o *treeOptions) { o.logger = l }
}

// WithReadOnly opens the file for reading only, taking a shared lock.
func WithReadOnly() Option {
	return func(o *treeOptions) { o.readOnly = true }
}

// WithNoSync skips all fsyncs. Faster, no durability; meant for tests
// and rebuildable data.
func WithNoSync() Option {
	return func(o *treeOptions) { o.noSync = true }
}

// WithSplitRatio sets the share of used space a split keeps in the left
// node, in (0, 1). Values near 1 suit ascending insert orders.
func WithSplitRatio(ratio float64) Option {
	return func(o *treeOptions) { o.splitRatio = ratio }
}

// Open opens the tree file at path, creating it if missing. The layout
// must match the one the file was created with.
func Open[K, V any](path string, layout Layout[K, V], opts ...Option) (*Tree[K, V], error) {
	o := treeOptions{
		logger:     zap.NewNop(),
		splitRatio: 0.5,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.splitRatio <= 0 || o.splitRatio >= 1 {
		return nil, WrapError(ErrInvalid, fmt.Errorf("split ratio %v outside (0, 1)", o.splitRatio))
	}

	p, hdr, err := openPager(path, o.pageSize, o.readOnly, o.noSync)
	if err != nil {
		return nil, err
	}

	offload := newOffloadStore(p, layout)
	node, err := NewTreeNode(p.pageSize, layout, offload)
	if err != nil {
		p.close()
		return nil, err
	}

	t := &Tree[K, V]{
		logger:     o.logger,
		path:       path,
		layout:     layout,
		pager:      p,
		node:       node,
		offload:    offload,
		splitRatio: o.splitRatio,
	}

	if hdr == nil {
		if err := t.initializeFile(); err != nil {
			p.close()
			return nil, err
		}
		t.logger.Info("created tree file",
			zap.String("path", path),
			zap.Int("pageSize", p.pageSize),
			zap.Uint64("layout", layout.Identifier()))
		return t, nil
	}

	if hdr.layoutIdentifier != layout.Identifier() {
		p.close()
		return nil, WrapError(ErrLayoutMismatch,
			fmt.Errorf("file holds layout %#x, opened with %#x", hdr.layoutIdentifier, layout.Identifier()))
	}
	if hdr.layoutMajor != uint32(layout.MajorVersion()) || hdr.layoutMinor != uint32(layout.MinorVersion()) {
		p.close()
		return nil, WrapError(ErrLayoutMismatch,
			fmt.Errorf("file holds layout version %d.%d, opened with %d.%d",
				hdr.layoutMajor, hdr.layoutMinor, layout.MajorVersion(), layout.MinorVersion()))
	}

	pageA, err := p.page(StatePageA)
	if err != nil {
		p.close()
		return nil, err
	}
	pageB, err := p.page(StatePageB)
	if err != nil {
		p.close()
		return nil, err
	}
	state, target, err := pickState(pageA, pageB)
	if err != nil {
		p.close()
		return nil, err
	}
	t.state = state
	t.stateTarget = target
	p.loadState(state)

	if !state.clean {
		t.logger.Warn("tree file was not shut down cleanly, last checkpoint state restored",
			zap.String("path", path),
			zap.Uint64("txid", state.txid))
	}
	t.logger.Info("opened tree file",
		zap.String("path", path),
		zap.Int("pageSize", p.pageSize),
		zap.Uint64("txid", state.txid),
		zap.Uint64("root", state.rootID),
		zap.Uint64("stableGeneration", state.stableGen),
		zap.Uint64("unstableGeneration", state.unstableGen))
	return t, nil
}

// initializeFile lays out a fresh file: header page, both state pages,
// the first free-list page and an empty root leaf.
func (t *Tree[K, V]) initializeFile() error {
	p := t.pager
	headerPage, err := p.page(HeaderPageID)
	if err != nil {
		return err
	}
	writeHeaderPage(headerPage, headerInfo{
		pageSize:         p.pageSize,
		layoutIdentifier: t.layout.Identifier(),
		layoutMajor:      uint32(t.layout.MajorVersion()),
		layoutMinor:      uint32(t.layout.MinorVersion()),
	})

	flID, err := p.allocate(InitialStableGeneration, InitialUnstableGeneration)
	if err != nil {
		return err
	}
	if err := p.initFreelist(flID); err != nil {
		return err
	}

	rootID, err := p.allocate(InitialStableGeneration, InitialUnstableGeneration)
	if err != nil {
		return err
	}
	rootPage, err := p.page(rootID)
	if err != nil {
		return err
	}
	rootCursor := NewPageCursor(rootPage, rootID)
	t.node.InitializeLeaf(rootCursor, InitialUnstableGeneration)
	if err := rootCursor.CheckAndClearFault(); err != nil {
		return err
	}

	state := treeState{
		txid:        1,
		rootID:      rootID,
		stableGen:   InitialStableGeneration,
		unstableGen: InitialUnstableGeneration,
		clean:       true,
	}
	p.fillState(&state)

	pageA, err := p.page(StatePageA)
	if err != nil {
		return err
	}
	pageB, err := p.page(StatePageB)
	if err != nil {
		return err
	}
	writeState(pageA, StatePageA, state)
	writeState(pageB, StatePageB, state)
	if err := p.sync(); err != nil {
		return err
	}

	t.state = state
	t.stateTarget = StatePageB
	return nil
}

// writeStateLocked persists s to the shadow state page, makes it the
// current state and flips the shadow target. Callers hold t.mu.
func (t *Tree[K, V]) writeStateLocked(s treeState) error {
	page, err := t.pager.page(t.stateTarget)
	if err != nil {
		return err
	}
	writeState(page, t.stateTarget, s)
	if err := t.pager.syncPage(t.stateTarget); err != nil {
		return err
	}
	t.state = s
	if t.stateTarget == StatePageA {
		t.stateTarget = StatePageB
	} else {
		t.stateTarget = StatePageA
	}
	return nil
}

// setRoot swaps the in-memory root reference. Durable at the next
// checkpoint.
func (t *Tree[K, V]) setRoot(rootID uint64) {
	t.mu.Lock()
	t.state.rootID = rootID
	t.mu.Unlock()
}

// snapshotState reads the current state under the read lock.
func (t *Tree[K, V]) snapshotState() (treeState, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return treeState{}, NewError(ErrClosed)
	}
	return t.state, nil
}

// Path returns the page file path.
func (t *Tree[K, V]) Path() string { return t.path }

// PageSize returns the page size of the file.
func (t *Tree[K, V]) PageSize() int { return t.pager.pageSize }

// ReadOnly reports whether the tree was opened read-only.
func (t *Tree[K, V]) ReadOnly() bool { return t.pager.readOnly }

// KeyValueSizeCap returns the largest key+value total the tree accepts.
func (t *Tree[K, V]) KeyValueSizeCap() int { return t.node.KeyValueSizeCap() }

// InlineKeyValueSizeCap returns the largest key+value total stored
// inside a node; anything between this and KeyValueSizeCap offloads.
func (t *Tree[K, V]) InlineKeyValueSizeCap() int { return t.node.InlineKeyValueSizeCap() }

// Get looks up key and reports whether it was found.
func (t *Tree[K, V]) Get(key K) (V, bool, error) {
	var zero V
	state, err := t.snapshotState()
	if err != nil {
		return zero, false, err
	}
	id := state.rootID
	for depth := 0; depth < maxDescent; depth++ {
		page, err := t.pager.page(id)
		if err != nil {
			return zero, false, err
		}
		c := NewPageCursor(page, id)
		if PageNodeType(c) != NodeTypeTreeNode {
			return zero, false, WrapError(ErrCorrupted,
				fmt.Errorf("page %d in descent is no tree node, type=%d", id, PageNodeType(c)))
		}
		keyCount := t.node.KeyCount(c)
		if keyCount > t.node.MaxKeyCount() {
			return zero, false, WrapError(ErrCorrupted,
				fmt.Errorf("page %d claims %d keys, cap is %d", id, keyCount, t.node.MaxKeyCount()))
		}
		if t.node.IsLeaf(c) {
			pos, exact, err := t.node.Search(c, TreeNodeLeaf, key, keyCount)
			if err != nil || !exact {
				return zero, false, err
			}
			value, err := t.node.ValueAt(c, pos)
			if err != nil {
				return zero, false, err
			}
			return value, true, nil
		}
		pos, exact, err := t.node.Search(c, TreeNodeInternal, key, keyCount)
		if err != nil {
			return zero, false, err
		}
		if exact {
			pos++
		}
		id = t.node.ChildAt(c, pos)
		if id == NoNode {
			return zero, false, WrapError(ErrCorrupted,
				fmt.Errorf("page %d has no child at pos %d", c.ID(), pos))
		}
	}
	return zero, false, WrapError(ErrCorrupted, fmt.Errorf("descent exceeded %d levels", maxDescent))
}

// Checkpoint makes everything written so far durable: data pages are
// flushed, the generation pair advances so far-freed pages become
// reusable, and the new state lands on the shadow state page. Blocks
// until no writer is open; do not call it with an open Writer on the
// same goroutine.
func (t *Tree[K, V]) Checkpoint() error {
	t.writerMu.Lock()
	defer t.writerMu.Unlock()
	return t.checkpointLocked()
}

func (t *Tree[K, V]) checkpointLocked() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return NewError(ErrClosed)
	}
	if t.pager.readOnly || t.state.clean {
		return nil
	}
	if err := t.pager.sync(); err != nil {
		return err
	}
	s := t.state
	s.txid++
	s.stableGen = s.unstableGen
	s.unstableGen++
	s.clean = true
	t.pager.fillState(&s)
	if err := t.writeStateLocked(s); err != nil {
		return err
	}
	t.logger.Debug("checkpoint",
		zap.Uint64("txid", s.txid),
		zap.Uint64("root", s.rootID),
		zap.Uint64("stableGeneration", s.stableGen),
		zap.Uint64("unstableGeneration", s.unstableGen),
		zap.Int64("fileSize", t.pager.fileSize()))
	return nil
}

// Close checkpoints outstanding writes and releases the file. Closing
// a closed tree is a no-op.
func (t *Tree[K, V]) Close() error {
	t.writerMu.Lock()
	defer t.writerMu.Unlock()
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return nil
	}
	err := t.checkpointLocked()
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	if closeErr := t.pager.close(); err == nil {
		err = closeErr
	}
	t.logger.Info("closed tree file", zap.String("path", t.path))
	return err
}
