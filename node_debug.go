package gbptree

import (
	"fmt"
	"strings"
)

// Node-local diagnostics: meta consistency checking and page dumps.
// Nothing here mutates the page, and nothing returns an error; problems
// come back as text so callers can report as many as they find instead
// of stopping at the first.

// reasonableKeyCount filters key counts that cannot come from a healthy
// header before walking with them would run off the page.
func (t *TreeNode[K, V]) reasonableKeyCount(keyCount int) bool {
	return keyCount >= 0 && keyCount <= t.maxKeyCount
}

// CheckMetaConsistency verifies the space bookkeeping of one node page:
// the offset array may not overlap the entry area, the active, dead and
// free regions must sum to the usable page space, no live entry may sit
// below allocOffset, and allocOffset itself must point at an entry
// prefix. Returns an empty string when everything holds, otherwise a
// description of every violated rule.
func (t *TreeNode[K, V]) CheckMetaConsistency(c *PageCursor, keyCount int, kind TreeNodeType) string {
	// TotalSpace  |----------------------------------------|
	// ActiveSpace |-----------|   +    |---------|  + |----|
	// DeadSpace                                  |----|
	// AllocSpace              |--------|
	// AllocOffset                      v
	//     [Header][OffsetArray]........[_________,XXXX,____] (_ = live entry, X = dead entry)
	var problems []string

	allocOffset := t.AllocOffset(c)
	offsetArrayEnd := t.endOfOffsetArray(keyCount, kind)
	if allocOffset < offsetArrayEnd {
		// Walking the entry area from here would read the offset array
		// as size prefixes, so this is where the checking stops.
		problems = append(problems, fmt.Sprintf(
			"offset array overlaps entry area, offsetArrayEnd=%d, allocOffset=%d",
			offsetArrayEnd, allocOffset))
		return t.metaProblems(c.ID(), problems)
	}

	// An unreasonable key count would send the space walks out of
	// bounds, so these checks only run when it passes the smell test.
	if t.reasonableKeyCount(keyCount) {
		activeSpace := t.totalActiveSpaceRaw(c, keyCount, kind)
		deadSpace := t.DeadSpace(c)
		allocSpace := t.allocSpace(c, keyCount, kind)
		if activeSpace+deadSpace+allocSpace != t.totalSpace {
			problems = append(problems, fmt.Sprintf(
				"space areas do not sum to total space, activeSpace=%d, deadSpace=%d, allocSpace=%d, totalSpace=%d",
				activeSpace, deadSpace, allocSpace, t.totalSpace))
		}

		lowestOffset := t.lowestActiveKeyOffset(c, keyCount, kind)
		if lowestOffset < allocOffset {
			problems = append(problems, fmt.Sprintf(
				"live entry below allocOffset, allocOffset=%d, lowestActiveKeyOffset=%d",
				allocOffset, lowestOffset))
		}
	}

	if allocOffset >= 0 && allocOffset < t.pageSize {
		c.SetOffset(allocOffset)
		if word := readKeyValueSize(c); word == 0 {
			problems = append(problems, fmt.Sprintf(
				"allocOffset misplaced, it should point at an entry prefix, allocOffset=%d",
				allocOffset))
		}
		c.CheckAndClearFault()
	}

	return t.metaProblems(c.ID(), problems)
}

func (t *TreeNode[K, V]) metaProblems(pageID uint64, problems []string) string {
	if len(problems) == 0 {
		return ""
	}
	return fmt.Sprintf("meta data for tree node is inconsistent, id=%d: %s",
		pageID, strings.Join(problems, ", "))
}

// totalActiveSpaceRaw computes the live footprint by walking the actual
// page bytes rather than trusting the dead-space counter it is there to
// verify.
func (t *TreeNode[K, V]) totalActiveSpaceRaw(c *PageCursor, keyCount int, kind TreeNodeType) int {
	offsetArraySize := t.endOfOffsetArray(keyCount, kind) - HeaderLengthDynamic

	liveSize := 0
	nextOffset := t.AllocOffset(c)
	for nextOffset < t.pageSize {
		c.SetOffset(nextOffset)
		word := readKeyValueSize(c)
		keySize := extractKeySize(word)
		valueSize := extractValueSize(word)
		offload := extractOffload(word)
		if !extractTombstone(word) {
			liveSize += getOverhead(keySize, valueSize, offload) + keySize + valueSize
		}
		if offload {
			nextOffset = c.GetOffset() + SizeOffloadID
		} else {
			nextOffset = c.GetOffset() + keySize + valueSize
		}
	}
	c.CheckAndClearFault()
	return offsetArraySize + liveSize
}

// lowestActiveKeyOffset returns the smallest entry offset the offset
// array points at.
func (t *TreeNode[K, V]) lowestActiveKeyOffset(c *PageCursor, keyCount int, kind TreeNodeType) int {
	lowest := t.pageSize
	for pos := 0; pos < keyCount; pos++ {
		entryOffset := int(c.GetUint16At(t.keyPosOffset(pos, kind)))
		if entryOffset < lowest {
			lowest = entryOffset
		}
	}
	return lowest
}

// AsString dumps a node page for debugging: header summary, offset
// array (with child references interleaved for internal nodes), the
// free gap and every entry in physical order, live and dead.
//
//	{7} [allocOffset=8150 deadSpace=0] /2\ 8150 /3\  v58>8092|[0...]  8150|_|_|4|6|key1|value1
func (t *TreeNode[K, V]) AsString(c *PageCursor, includeValue, includeAllocSpace bool) string {
	kind := t.TreeNodeTypeOf(c)
	allocOffset := t.AllocOffset(c)
	deadSpace := t.DeadSpace(c)

	var sb strings.Builder
	fmt.Fprintf(&sb, "{%d} [allocOffset=%d deadSpace=%d] ", c.ID(), allocOffset, deadSpace)
	sb.WriteString(t.offsetArrayString(c, kind))
	sb.WriteString(" ")
	if includeAllocSpace {
		sb.WriteString(t.allocSpaceString(c, allocOffset, kind))
	}
	sb.WriteString(" ")
	sb.WriteString(t.entryAreaString(c, allocOffset, kind, includeValue))
	c.CheckAndClearFault()
	return sb.String()
}

func (t *TreeNode[K, V]) offsetArrayString(c *PageCursor, kind TreeNodeType) string {
	keyCount := t.KeyCount(c)
	var parts []string
	for pos := 0; pos < keyCount; pos++ {
		if kind == TreeNodeInternal {
			parts = append(parts, fmt.Sprintf("/%d\\", t.ChildAt(c, pos)))
		}
		parts = append(parts, fmt.Sprintf("%d", c.GetUint16At(t.keyPosOffset(pos, kind))))
	}
	if kind == TreeNodeInternal {
		parts = append(parts, fmt.Sprintf("/%d\\", t.ChildAt(c, keyCount)))
	}
	return strings.Join(parts, " ")
}

func (t *TreeNode[K, V]) allocSpaceString(c *PageCursor, allocOffset int, kind TreeNodeType) string {
	offsetArrayEnd := t.endOfOffsetArray(t.KeyCount(c), kind)
	gap := allocOffset - offsetArrayEnd
	if gap < 0 {
		return fmt.Sprintf("v%d>%d|<overlap>", offsetArrayEnd, gap)
	}
	bytes := make([]byte, gap)
	c.SetOffset(offsetArrayEnd)
	c.GetBytes(bytes)
	for _, b := range bytes {
		if b != 0 {
			return fmt.Sprintf("v%d>%d|%v", offsetArrayEnd, gap, bytes)
		}
	}
	return fmt.Sprintf("v%d>%d|[0...]", offsetArrayEnd, gap)
}

// entryAreaString walks entries physically from allocOffset, including
// tombstoned ones, which makes it the dump to read when the offset
// array itself is in doubt.
func (t *TreeNode[K, V]) entryAreaString(c *PageCursor, allocOffset int, kind TreeNodeType, includeValue bool) string {
	var entries []string
	nextOffset := allocOffset
	for nextOffset < t.pageSize {
		c.SetOffset(nextOffset)
		var parts []string
		parts = append(parts, fmt.Sprintf("%d", nextOffset))
		word := readKeyValueSize(c)
		keySize := extractKeySize(word)
		valueSize := 0
		if kind == TreeNodeLeaf {
			valueSize = extractValueSize(word)
		}
		if extractTombstone(word) {
			parts = append(parts, "T")
		} else {
			parts = append(parts, "_")
		}
		if extractOffload(word) {
			parts = append(parts, "O")
			parts = append(parts, fmt.Sprintf("%d", readOffloadID(c)))
			nextOffset = c.GetOffset()
		} else {
			parts = append(parts, "_")
			key := t.layout.ReadKey(c, keySize)
			parts = append(parts, fmt.Sprintf("%d", keySize))
			if kind == TreeNodeLeaf && includeValue {
				value := t.layout.ReadValue(c, valueSize)
				parts = append(parts, fmt.Sprintf("%d", valueSize))
				parts = append(parts, formatEntry(key))
				parts = append(parts, formatEntry(value))
			} else {
				parts = append(parts, formatEntry(key))
			}
			nextOffset = c.GetOffset()
			if kind == TreeNodeLeaf && !includeValue {
				nextOffset += valueSize
			}
		}
		entries = append(entries, strings.Join(parts, "|"))
	}
	return strings.Join(entries, " ")
}

// formatEntry prints keys and values compactly; byte slices as hex,
// everything else through the default verb.
func formatEntry(v any) string {
	if b, ok := v.([]byte); ok {
		return fmt.Sprintf("%x", b)
	}
	return fmt.Sprintf("%v", v)
}
