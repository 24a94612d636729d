package gbptree

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/calluna-db/gbptree/mmap"
)

// Free-list page layout. Freed page ids queue up in FIFO order across a
// chain of dedicated pages; the queue positions live in the state page.
// Pages are appended with the unstable generation current at free time
// and handed out again only once a checkpoint has made that generation
// stable, so no reader of the current epoch and no rolled-back state
// can still reach a reused page through the free list.
//
//	offset 0   nodeType  byte (freeList)
//	       1   next      uint64 (following chain page, NoNode at the tail)
//	       9   entries   [generation uint64][pageID uint64] each
const (
	freelistPosNodeType  = 0
	freelistPosNext      = 1
	freelistHeaderLength = 9
	freelistEntrySize    = 16
)

// growPages is how many pages the file grows by at a time.
const growPages = 64

// allocSlack is how many pages of mapped headroom reserveSlack keeps.
// It must exceed the pages one node-level call can allocate internally
// (an offload record plus a free-list chain page, with margin).
const allocSlack = 16

// pager owns the page file: it maps the file into memory, hands out
// page buffers by id, grows the file on demand and runs the free-list
// queue. Allocation and freeing must happen under the tree's writer
// latch; page reads may run concurrently with each other but not with
// file growth.
type pager struct {
	path     string
	file     *os.File
	m        *mmap.Map
	pageSize int
	growStep int64
	readOnly bool
	noSync   bool

	// mapVersion increments on every remap. Cached page slices are
	// invalid once it moves.
	mapVersion atomic.Uint64

	mu     sync.Mutex
	lastID uint64

	freelistWriteID  uint64
	freelistWritePos uint32
	freelistReadID   uint64
	freelistReadPos  uint32
}

// openPager opens or creates the page file. A nil headerInfo comes back
// for a freshly created (or empty) file; the caller must then write the
// header page, the state pages and the first free-list page before
// anything else touches the file.
func openPager(path string, pageSize int, readOnly, noSync bool) (*pager, *headerInfo, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}
	created := false
	f, err := os.OpenFile(path, flag, 0644)
	if err != nil {
		if readOnly || !os.IsNotExist(err) {
			return nil, nil, errors.Wrap(err, "open page file")
		}
		f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
		if err != nil {
			return nil, nil, errors.Wrap(err, "create page file")
		}
		created = true
	}
	if err := lockPageFile(f, readOnly); err != nil {
		f.Close()
		return nil, nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		closePageFile(f)
		return nil, nil, errors.Wrap(err, "stat page file")
	}
	if fi.Size() == 0 {
		if readOnly {
			closePageFile(f)
			return nil, nil, WrapError(ErrInvalid, fmt.Errorf("cannot initialize %s read-only", path))
		}
		created = true
	}

	var hdr *headerInfo
	if !created {
		buf := make([]byte, MinPageSize)
		if _, err := f.ReadAt(buf, 0); err != nil {
			closePageFile(f)
			return nil, nil, WrapError(ErrInvalid, errors.Wrap(err, "read header page"))
		}
		h, err := readHeaderPage(buf)
		if err != nil {
			closePageFile(f)
			return nil, nil, err
		}
		if pageSize != 0 && pageSize != h.pageSize {
			closePageFile(f)
			return nil, nil, WrapError(ErrInvalid,
				fmt.Errorf("file has page size %d, open requested %d", h.pageSize, pageSize))
		}
		pageSize = h.pageSize
		hdr = &h
	} else if pageSize == 0 {
		pageSize = DefaultPageSize
	}

	p := &pager{
		path:     path,
		file:     f,
		pageSize: pageSize,
		growStep: int64(growPages) * int64(pageSize),
		readOnly: readOnly,
		noSync:   noSync,
	}
	size := fi.Size()
	if created {
		// Pages 0..2 are the header and state pages; allocation starts
		// after them.
		p.lastID = StatePageB
		size = p.growStep
		if err := f.Truncate(size); err != nil {
			closePageFile(f)
			return nil, nil, errors.Wrap(err, "size new page file")
		}
	}
	m, err := mmap.New(int(f.Fd()), 0, int(size), !readOnly)
	if err != nil {
		closePageFile(f)
		return nil, nil, errors.Wrap(err, "map page file")
	}
	m.AdviseRandom()
	p.m = m
	return p, hdr, nil
}

func closePageFile(f *os.File) {
	unlockPageFile(f)
	f.Close()
}

// page returns the mapped buffer of one page. The slice stays valid
// until the next file growth.
func (p *pager) page(id uint64) ([]byte, error) {
	if id == NoNode {
		return nil, WrapError(ErrPageNotFound, fmt.Errorf("reference to no node"))
	}
	offset := int64(id) * int64(p.pageSize)
	data := p.m.Data()
	end := offset + int64(p.pageSize)
	if offset < 0 || end > int64(len(data)) {
		return nil, WrapError(ErrPageNotFound,
			fmt.Errorf("page %d outside mapped file of %d pages", id, p.numPages()))
	}
	return data[offset:end:end], nil
}

func (p *pager) numPages() uint64 {
	return uint64(p.m.Size()) / uint64(p.pageSize)
}

// fileSize returns the current page file size in bytes.
func (p *pager) fileSize() int64 {
	return p.m.Size()
}

// allocate returns a writable page id: the oldest free-list entry whose
// generation has become stable, or a fresh page off the end of the
// file. Free-list pages come back zeroed.
func (p *pager) allocate(stableGen, unstableGen uint64) (uint64, error) {
	if p.readOnly {
		return 0, NewError(ErrReadOnly)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok, err := p.popFreeLocked(stableGen, unstableGen)
	if err != nil {
		return 0, err
	}
	if ok {
		page, err := p.page(id)
		if err != nil {
			return 0, err
		}
		clear(page)
		return id, nil
	}
	return p.extendLocked()
}

// free queues a page for reuse once unstableGen has become stable. The
// page content is left alone; the committed tree may still reference it
// until the next checkpoint.
func (p *pager) free(id, stableGen, unstableGen uint64) error {
	if p.readOnly {
		return NewError(ErrReadOnly)
	}
	if id < MinPageID {
		return invariantf("refusing to free reserved page %d", id)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.appendFreeLocked(id, unstableGen)
}

func (p *pager) appendFreeLocked(id, generation uint64) error {
	if int(p.freelistWritePos) >= p.entriesPerFreelistPage() {
		// Write page full: chain a fresh page. Always a file extension,
		// popping the queue from in here would recurse.
		newID, err := p.extendLocked()
		if err != nil {
			return err
		}
		newPage, err := p.page(newID)
		if err != nil {
			return err
		}
		nc := NewPageCursor(newPage, newID)
		nc.PutByteAt(freelistPosNodeType, byte(NodeTypeFreeList))
		nc.PutUint64At(freelistPosNext, NoNode)
		oldPage, err := p.page(p.freelistWriteID)
		if err != nil {
			return err
		}
		NewPageCursor(oldPage, p.freelistWriteID).PutUint64At(freelistPosNext, newID)
		p.freelistWriteID = newID
		p.freelistWritePos = 0
	}
	page, err := p.page(p.freelistWriteID)
	if err != nil {
		return err
	}
	c := NewPageCursor(page, p.freelistWriteID)
	entryOffset := freelistHeaderLength + int(p.freelistWritePos)*freelistEntrySize
	c.PutUint64At(entryOffset, generation)
	c.PutUint64At(entryOffset+8, id)
	p.freelistWritePos++
	return c.CheckAndClearFault()
}

// popFreeLocked takes the queue head when its generation is stable.
// Entries append in generation order, so a too-young head means the
// whole queue is too young.
func (p *pager) popFreeLocked(stableGen, unstableGen uint64) (uint64, bool, error) {
	for {
		if p.freelistReadID == p.freelistWriteID && p.freelistReadPos == p.freelistWritePos {
			return 0, false, nil
		}
		if int(p.freelistReadPos) >= p.entriesPerFreelistPage() {
			// Read page drained: follow the chain and recycle the
			// drained page itself through the queue.
			page, err := p.page(p.freelistReadID)
			if err != nil {
				return 0, false, err
			}
			next := NewPageCursor(page, p.freelistReadID).GetUint64At(freelistPosNext)
			if next == NoNode {
				return 0, false, WrapError(ErrCorrupted,
					fmt.Errorf("free-list chain broken at page %d", p.freelistReadID))
			}
			drained := p.freelistReadID
			p.freelistReadID = next
			p.freelistReadPos = 0
			if err := p.appendFreeLocked(drained, unstableGen); err != nil {
				return 0, false, err
			}
			continue
		}
		page, err := p.page(p.freelistReadID)
		if err != nil {
			return 0, false, err
		}
		c := NewPageCursor(page, p.freelistReadID)
		entryOffset := freelistHeaderLength + int(p.freelistReadPos)*freelistEntrySize
		generation := c.GetUint64At(entryOffset)
		id := c.GetUint64At(entryOffset + 8)
		if generation > stableGen {
			return 0, false, nil
		}
		p.freelistReadPos++
		return id, true, nil
	}
}

func (p *pager) entriesPerFreelistPage() int {
	return (p.pageSize - freelistHeaderLength) / freelistEntrySize
}

// freelistDepth walks the queue and counts entries waiting for reuse.
func (p *pager) freelistDepth() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	depth := 0
	id := p.freelistReadID
	pos := int(p.freelistReadPos)
	for {
		if id == p.freelistWriteID {
			depth += int(p.freelistWritePos) - pos
			return depth, nil
		}
		depth += p.entriesPerFreelistPage() - pos
		page, err := p.page(id)
		if err != nil {
			return 0, err
		}
		next := NewPageCursor(page, id).GetUint64At(freelistPosNext)
		if next == NoNode {
			return 0, WrapError(ErrCorrupted, fmt.Errorf("free-list chain broken at page %d", id))
		}
		id = next
		pos = 0
	}
}

// initFreelist writes the first free-list page of a fresh file and
// points both queue ends at it.
func (p *pager) initFreelist(id uint64) error {
	page, err := p.page(id)
	if err != nil {
		return err
	}
	c := NewPageCursor(page, id)
	c.ZeroBytes(0, p.pageSize)
	c.PutByteAt(freelistPosNodeType, byte(NodeTypeFreeList))
	c.PutUint64At(freelistPosNext, NoNode)
	p.freelistWriteID = id
	p.freelistWritePos = 0
	p.freelistReadID = id
	p.freelistReadPos = 0
	if id > p.lastID {
		p.lastID = id
	}
	return c.CheckAndClearFault()
}

func (p *pager) extendLocked() (uint64, error) {
	id := p.lastID + 1
	if err := p.ensureCapacityLocked(id); err != nil {
		return 0, err
	}
	p.lastID = id
	return id, nil
}

// reserveSlack grows the file while no page slice is in use, so that
// the next few allocations stay inside the mapped capacity. Node code
// runs against raw page slices; a remap under its feet would leave
// them dangling. Callers re-fetch any cursor they hold afterwards.
func (p *pager) reserveSlack() error {
	if p.readOnly {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ensureCapacityLocked(p.lastID + allocSlack)
}

func (p *pager) ensureCapacityLocked(id uint64) error {
	needed := (int64(id) + 1) * int64(p.pageSize)
	if needed <= p.m.Size() {
		return nil
	}
	newSize := ((needed + p.growStep - 1) / p.growStep) * p.growStep
	if err := p.file.Truncate(newSize); err != nil {
		return errors.Wrap(err, "grow page file")
	}
	if err := p.m.Remap(newSize); err != nil {
		return errors.Wrap(err, "remap grown page file")
	}
	p.mapVersion.Add(1)
	return nil
}

// loadState adopts the allocation and free-list positions of a state copy.
func (p *pager) loadState(s treeState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastID = s.lastID
	p.freelistWriteID = s.freelistWriteID
	p.freelistWritePos = s.freelistWritePos
	p.freelistReadID = s.freelistReadID
	p.freelistReadPos = s.freelistReadPos
}

// fillState copies the allocation and free-list positions into a state copy.
func (p *pager) fillState(s *treeState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s.lastID = p.lastID
	s.freelistWriteID = p.freelistWriteID
	s.freelistWritePos = p.freelistWritePos
	s.freelistReadID = p.freelistReadID
	s.freelistReadPos = p.freelistReadPos
}

// sync flushes all mapped pages to disk.
func (p *pager) sync() error {
	if p.noSync || p.readOnly {
		return nil
	}
	if err := p.m.Sync(); err != nil {
		return errors.Wrap(err, "sync page file")
	}
	return nil
}

// syncPage flushes one page, widening the range to the system page
// boundaries msync requires.
func (p *pager) syncPage(id uint64) error {
	if p.noSync || p.readOnly {
		return nil
	}
	offset := int64(id) * int64(p.pageSize)
	length := int64(p.pageSize)
	align := int64(os.Getpagesize())
	aligned := offset &^ (align - 1)
	length += offset - aligned
	if rem := length % align; rem != 0 {
		length += align - rem
	}
	if aligned+length > p.m.Size() {
		length = p.m.Size() - aligned
	}
	if err := p.m.SyncRange(aligned, length); err != nil {
		return errors.Wrapf(err, "sync page %d", id)
	}
	return nil
}

// close unmaps and closes the page file, releasing the file lock.
func (p *pager) close() error {
	var firstErr error
	if p.m != nil {
		if err := p.m.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrap(err, "unmap page file")
		}
		p.m = nil
	}
	if p.file != nil {
		if err := unlockPageFile(p.file); err != nil && firstErr == nil {
			firstErr = errors.Wrap(err, "unlock page file")
		}
		if err := p.file.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrap(err, "close page file")
		}
		p.file = nil
	}
	return firstErr
}
