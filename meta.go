package gbptree

import (
	"fmt"
	"hash/crc32"
)

// File metadata pages. Page 0 is the header page, written once at
// creation and never touched again: it records the format identity,
// the page size and the layout the file was built with, so a file can
// be interpreted before any mutable state is trusted. Pages 1 and 2
// each hold a full copy of the mutable tree state; checkpoints
// alternate between them, so one valid copy survives a torn write and
// open picks the valid copy with the newest transaction id.
//
// Header page layout (little-endian):
//
//	offset 0   nodeType         byte (meta)
//	       1   magicAndVersion  uint64
//	       9   pageSize         uint32
//	      13   layoutIdentifier uint64
//	      21   layoutMajor      uint32
//	      25   layoutMinor      uint32
//	      29   checksum         uint32 (CRC32-C over bytes 0..29)
//
// State page layout (little-endian):
//
//	offset 0   nodeType           byte (state)
//	       1   txid               uint64
//	       9   rootID             uint64
//	      17   stableGeneration   uint64
//	      25   unstableGeneration uint64
//	      33   lastID             uint64
//	      41   freelistWriteID    uint64
//	      49   freelistWritePos   uint32
//	      53   freelistReadID     uint64
//	      61   freelistReadPos    uint32
//	      65   clean              byte
//	      66   checksum           uint32 (CRC32-C over bytes 0..66)
const (
	headerPosNodeType = 0
	headerPosMagic    = 1
	headerPosPageSize = 9
	headerPosLayoutID = 13
	headerPosMajor    = 21
	headerPosMinor    = 25
	headerPosChecksum = 29

	headerLength = headerPosChecksum + 4

	statePosNodeType         = 0
	statePosTxid             = 1
	statePosRootID           = 9
	statePosStableGen        = 17
	statePosUnstableGen      = 25
	statePosLastID           = 33
	statePosFreelistWriteID  = 41
	statePosFreelistWritePos = 49
	statePosFreelistReadID   = 53
	statePosFreelistReadPos  = 61
	statePosClean            = 65
	statePosChecksum         = 66

	stateLength = statePosChecksum + 4
)

var metaChecksumTable = crc32.MakeTable(crc32.Castagnoli)

// headerInfo is the immutable file identity from the header page.
type headerInfo struct {
	pageSize         int
	layoutIdentifier uint64
	layoutMajor      uint32
	layoutMinor      uint32
}

// writeHeaderPage serializes the file identity into the header page.
func writeHeaderPage(page []byte, h headerInfo) {
	c := NewPageCursor(page, HeaderPageID)
	c.PutByteAt(headerPosNodeType, byte(NodeTypeMeta))
	c.PutUint64At(headerPosMagic, FormatMagic)
	c.PutUint32At(headerPosPageSize, uint32(h.pageSize))
	c.PutUint64At(headerPosLayoutID, h.layoutIdentifier)
	c.PutUint32At(headerPosMajor, h.layoutMajor)
	c.PutUint32At(headerPosMinor, h.layoutMinor)
	c.PutUint32At(headerPosChecksum, crc32.Checksum(page[:headerPosChecksum], metaChecksumTable))
	c.ZeroBytes(headerLength, len(page)-headerLength)
}

// readHeaderPage deserializes and validates the file identity. Only the
// first headerLength bytes of the page are looked at, so a prefix read
// of MinPageSize bytes is enough to call it.
func readHeaderPage(page []byte) (headerInfo, error) {
	var h headerInfo
	c := NewPageCursor(page, HeaderPageID)
	if NodeType(c.GetByteAt(headerPosNodeType)) != NodeTypeMeta {
		return h, WrapError(ErrInvalid, fmt.Errorf("not a gbptree file"))
	}
	magicAndVersion := c.GetUint64At(headerPosMagic)
	if magicAndVersion>>8 != Magic {
		return h, WrapError(ErrInvalid, fmt.Errorf("bad magic %#x", magicAndVersion>>8))
	}
	if version := byte(magicAndVersion); version != FormatVersion {
		return h, WrapError(ErrVersionMismatch,
			fmt.Errorf("file format version %d, this build reads version %d", version, FormatVersion))
	}
	if sum := crc32.Checksum(page[:headerPosChecksum], metaChecksumTable); sum != c.GetUint32At(headerPosChecksum) {
		return h, WrapError(ErrInvalid, fmt.Errorf("header page checksum mismatch"))
	}
	h.pageSize = int(c.GetUint32At(headerPosPageSize))
	if h.pageSize < MinPageSize || h.pageSize > MaxPageSize {
		return h, WrapError(ErrInvalid, fmt.Errorf("header page records page size %d", h.pageSize))
	}
	h.layoutIdentifier = c.GetUint64At(headerPosLayoutID)
	h.layoutMajor = c.GetUint32At(headerPosMajor)
	h.layoutMinor = c.GetUint32At(headerPosMinor)
	return h, nil
}

// treeState is the mutable durable state of a tree, one copy per state page.
type treeState struct {
	txid             uint64
	rootID           uint64
	stableGen        uint64
	unstableGen      uint64
	lastID           uint64
	freelistWriteID  uint64
	freelistWritePos uint32
	freelistReadID   uint64
	freelistReadPos  uint32
	clean            bool
}

// writeState serializes the state into a state page with its checksum.
func writeState(page []byte, id uint64, s treeState) {
	c := NewPageCursor(page, id)
	c.PutByteAt(statePosNodeType, byte(NodeTypeState))
	c.PutUint64At(statePosTxid, s.txid)
	c.PutUint64At(statePosRootID, s.rootID)
	c.PutUint64At(statePosStableGen, s.stableGen)
	c.PutUint64At(statePosUnstableGen, s.unstableGen)
	c.PutUint64At(statePosLastID, s.lastID)
	c.PutUint64At(statePosFreelistWriteID, s.freelistWriteID)
	c.PutUint32At(statePosFreelistWritePos, s.freelistWritePos)
	c.PutUint64At(statePosFreelistReadID, s.freelistReadID)
	c.PutUint32At(statePosFreelistReadPos, s.freelistReadPos)
	clean := byte(0)
	if s.clean {
		clean = 1
	}
	c.PutByteAt(statePosClean, clean)
	c.PutUint32At(statePosChecksum, crc32.Checksum(page[:statePosChecksum], metaChecksumTable))
	c.ZeroBytes(stateLength, len(page)-stateLength)
}

// readState deserializes and validates one state page copy.
func readState(page []byte, id uint64) (treeState, error) {
	var s treeState
	c := NewPageCursor(page, id)
	if NodeType(c.GetByteAt(statePosNodeType)) != NodeTypeState {
		return s, WrapError(ErrInvalid, fmt.Errorf("page %d is not a state page", id))
	}
	if sum := crc32.Checksum(page[:statePosChecksum], metaChecksumTable); sum != c.GetUint32At(statePosChecksum) {
		return s, WrapError(ErrInvalid, fmt.Errorf("state page %d checksum mismatch", id))
	}
	s.txid = c.GetUint64At(statePosTxid)
	s.rootID = c.GetUint64At(statePosRootID)
	s.stableGen = c.GetUint64At(statePosStableGen)
	s.unstableGen = c.GetUint64At(statePosUnstableGen)
	s.lastID = c.GetUint64At(statePosLastID)
	s.freelistWriteID = c.GetUint64At(statePosFreelistWriteID)
	s.freelistWritePos = c.GetUint32At(statePosFreelistWritePos)
	s.freelistReadID = c.GetUint64At(statePosFreelistReadID)
	s.freelistReadPos = c.GetUint32At(statePosFreelistReadPos)
	s.clean = c.GetByteAt(statePosClean) != 0
	return s, nil
}

// pickState chooses the newest valid state copy and returns it together
// with the page id the next checkpoint must overwrite.
func pickState(pageA, pageB []byte) (treeState, uint64, error) {
	stateA, errA := readState(pageA, StatePageA)
	stateB, errB := readState(pageB, StatePageB)
	switch {
	case errA == nil && errB == nil:
		if stateA.txid >= stateB.txid {
			return stateA, StatePageB, nil
		}
		return stateB, StatePageA, nil
	case errA == nil:
		return stateA, StatePageB, nil
	case errB == nil:
		return stateB, StatePageA, nil
	default:
		return treeState{}, 0, WrapError(ErrInvalid,
			fmt.Errorf("no valid state page: page A: %v, page B: %v", errA, errB))
	}
}
