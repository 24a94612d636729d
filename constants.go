package gbptree

// File format identification
const (
	// Magic is a 56-bit prime that identifies gbptree files
	Magic uint64 = 0x67B9D1E5A3F021

	// FormatVersion is the on-disk page format version
	FormatVersion = 1

	// FormatMagic combines magic and version for state page validation
	FormatMagic = (Magic << 8) + FormatVersion
)

// Page size constraints
const (
	// MinPageSize is the minimum allowed page size (128 bytes)
	MinPageSize = 128

	// MaxPageSize is the maximum allowed page size (64KB)
	MaxPageSize = 65536

	// DefaultPageSize is the default page size (8KB)
	DefaultPageSize = 8192
)

// Node header sizes
const (
	// BaseHeaderLength is the header shared by every tree node
	// (node type, leaf/internal, generation, key count, siblings, successor)
	BaseHeaderLength = 34

	// HeaderLengthDynamic adds the dynamic-format fields
	// (alloc offset, dead space) to the base header
	HeaderLengthDynamic = BaseHeaderLength + 2 + 2
)

// Entry encoding sizes
const (
	// OffsetSize is the size of one offset array slot
	OffsetSize = 2

	// SizePageReference is the size of a child page reference
	SizePageReference = 8

	// SizeOffloadID is the size of an offload record id
	SizeOffloadID = 8

	// MinSizeKeyValueSize is the smallest possible entry size prefix
	// (one key byte, no value byte, plus the offset slot)
	MinSizeKeyValueSize = 2

	// MaxSizeKeyValueSize is the largest possible entry size prefix
	// (two key bytes and two value bytes)
	MaxSizeKeyValueSize = 4
)

// Size prefix capacity limits
const (
	// MaxOneByteKeySize is the largest key size encodable in one prefix byte
	MaxOneByteKeySize = 0x0F

	// MaxTwoByteKeySize is the largest key size encodable in two prefix bytes
	MaxTwoByteKeySize = 0x0FFF

	// MaxOneByteValueSize is the largest value size encodable in one prefix byte
	MaxOneByteValueSize = 0x7F

	// MaxTwoByteValueSize is the largest value size encodable in two prefix bytes
	MaxTwoByteValueSize = 0x7FFF
)

// Offload record limits
const (
	// OffloadPageHeaderSize is the header of an offload record page
	// (node type, next pointer, key size, value size)
	OffloadPageHeaderSize = 1 + 8 + 4 + 4

	// FixedMaxKeyValueSizeCap caps the total key+value size regardless
	// of page size, so offload records fit one 8KB page
	FixedMaxKeyValueSizeCap = 8192 - OffloadPageHeaderSize
)

// Generation constants
const (
	// MinGeneration is the lowest valid generation number
	MinGeneration uint64 = 1

	// InitialStableGeneration is the stable generation of a new tree
	InitialStableGeneration = MinGeneration

	// InitialUnstableGeneration is the unstable generation of a new tree
	InitialUnstableGeneration = MinGeneration + 1
)

// NoNode marks an absent page reference (no sibling, no successor, no root)
const NoNode uint64 = 0xFFFFFFFFFFFFFFFF

// NodeType identifies what a page holds
type NodeType byte

const (
	// NodeTypeTreeNode is a leaf or internal tree node
	NodeTypeTreeNode NodeType = 1

	// NodeTypeFreeList is a page on the free-list chain
	NodeTypeFreeList NodeType = 2

	// NodeTypeOffload is an offload record page
	NodeTypeOffload NodeType = 3

	// NodeTypeState is a tree state page
	NodeTypeState NodeType = 4

	// NodeTypeMeta is the write-once file header page
	NodeTypeMeta NodeType = 5
)

// TreeNodeType distinguishes leaves from internal nodes
type TreeNodeType byte

const (
	// TreeNodeLeaf holds keys and values
	TreeNodeLeaf TreeNodeType = 0

	// TreeNodeInternal holds keys and child references
	TreeNodeInternal TreeNodeType = 1
)

// Reserved page ids
const (
	// HeaderPageID is the page id of the write-once file header
	HeaderPageID uint64 = 0

	// StatePageA is the page id of the first state page
	StatePageA uint64 = 1

	// StatePageB is the page id of the second state page
	StatePageB uint64 = 2

	// MinPageID is the first page id available to tree nodes
	MinPageID uint64 = 3
)
