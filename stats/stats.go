// Package stats persists index statistics samples in a generation-aware
// B+tree, fronted by an in-memory cache. All reads and updates hit the
// cache; the tree is only brought up to date on Checkpoint, so its
// on-disk content is stale between checkpoints by design.
package stats

import (
	"fmt"

	"github.com/calluna-db/gbptree"
)

// Statistics is one index's statistics sample. The zero value means "no
// statistics recorded".
type Statistics struct {
	SampleUniqueValues int64
	SampleSize         int64
	UpdatesCount       int64
	IndexSize          int64
}

// Empty is the sample reported for indexes without statistics.
var Empty = Statistics{}

// Layout stores int64 index ids against fixed-size 32-byte samples.
type Layout struct{}

// LayoutIdentifier tags statistics trees on disk.
const LayoutIdentifier uint64 = 0x7374617473 // "stats"

const (
	keySize   = 8
	valueSize = 32
)

func (Layout) KeySize(key int64) int { return keySize }

func (Layout) ValueSize(value Statistics) int { return valueSize }

func (Layout) WriteKey(c *gbptree.PageCursor, key int64) {
	c.PutUint64(uint64(key))
}

func (Layout) WriteValue(c *gbptree.PageCursor, value Statistics) {
	c.PutUint64(uint64(value.SampleUniqueValues))
	c.PutUint64(uint64(value.SampleSize))
	c.PutUint64(uint64(value.UpdatesCount))
	c.PutUint64(uint64(value.IndexSize))
}

func (Layout) ReadKey(c *gbptree.PageCursor, size int) int64 {
	if size != keySize {
		c.SetFault(fmt.Sprintf("statistics key has size %d, want %d", size, keySize))
		return 0
	}
	return int64(c.GetUint64())
}

func (Layout) ReadValue(c *gbptree.PageCursor, size int) Statistics {
	if size != valueSize {
		c.SetFault(fmt.Sprintf("statistics value has size %d, want %d", size, valueSize))
		return Statistics{}
	}
	return Statistics{
		SampleUniqueValues: int64(c.GetUint64()),
		SampleSize:         int64(c.GetUint64()),
		UpdatesCount:       int64(c.GetUint64()),
		IndexSize:          int64(c.GetUint64()),
	}
}

func (Layout) Compare(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// MinimalSplitter on fixed-size keys cannot shorten anything, so the
// right key itself is the splitter.
func (Layout) MinimalSplitter(left, right int64) int64 { return right }

func (Layout) Identifier() uint64 { return LayoutIdentifier }

func (Layout) MajorVersion() int { return 1 }

func (Layout) MinorVersion() int { return 0 }
