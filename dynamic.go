package gbptree

// Entry size prefix encoding. Every entry in the entry area starts with
// a 1-4 byte prefix describing the key and value sizes:
//
//	first byte: [T|O|V|A|k3..k0]
//	  T  tombstone, entry is logically deleted but sizes stay readable
//	  O  offloaded, an 8-byte offload id follows instead of sizes+payload
//	  V  value size bytes follow the key size bytes
//	  A  one more key size byte follows (key size bits 4..11)
//	  k  key size bits 0..3
//	key size:   1 byte up to 15, 2 bytes up to 4095
//	value size: [A|v6..v0], optional second byte holds bits 7..14,
//	            so 1 byte up to 127, 2 bytes up to 32767
//
// readKeyValueSize packs everything into one word so callers can branch
// on tombstone/offload without re-reading the page.
const (
	flagTombstone         = 0x80
	flagOffload           = 0x40
	flagHasValueSize      = 0x20
	flagAdditionalKeyByte = 0x10
	maskKeyLowNibble      = 0x0F

	flagAdditionalValueByte = 0x80
	maskValueLowBits        = 0x7F

	shiftKeyHighBits   = 4
	shiftValueHighBits = 7
)

// Packed size word layout
const (
	flagReadTombstone = uint64(1) << 63
	flagReadOffload   = uint64(1) << 62
	shiftKeySize      = 24
	maskSizeBits      = uint64(1)<<shiftKeySize - 1
)

// putKeyValueSize writes the size prefix for an inline entry and leaves
// the cursor at the first key byte.
func putKeyValueSize(c *PageCursor, keySize, valueSize int) {
	first := byte(keySize & maskKeyLowNibble)
	additionalKeyByte := keySize > MaxOneByteKeySize
	hasValue := valueSize > 0
	if additionalKeyByte {
		first |= flagAdditionalKeyByte
	}
	if hasValue {
		first |= flagHasValueSize
	}
	c.PutByte(first)
	if additionalKeyByte {
		c.PutByte(byte(keySize >> shiftKeyHighBits))
	}
	if hasValue {
		vfirst := byte(valueSize & maskValueLowBits)
		additionalValueByte := valueSize > MaxOneByteValueSize
		if additionalValueByte {
			vfirst |= flagAdditionalValueByte
		}
		c.PutByte(vfirst)
		if additionalValueByte {
			c.PutByte(byte(valueSize >> shiftValueHighBits))
		}
	}
}

// readKeyValueSize decodes the prefix at the cursor into a packed word
// and leaves the cursor just past the prefix. For offloaded entries the
// cursor ends up at the offload id and the word carries no sizes.
func readKeyValueSize(c *PageCursor) uint64 {
	first := c.GetByte()
	var word uint64
	if first&flagTombstone != 0 {
		word |= flagReadTombstone
	}
	if first&flagOffload != 0 {
		return word | flagReadOffload
	}
	keySize := uint64(first & maskKeyLowNibble)
	if first&flagAdditionalKeyByte != 0 {
		keySize |= uint64(c.GetByte()) << shiftKeyHighBits
	}
	var valueSize uint64
	if first&flagHasValueSize != 0 {
		vfirst := c.GetByte()
		valueSize = uint64(vfirst & maskValueLowBits)
		if vfirst&flagAdditionalValueByte != 0 {
			valueSize |= uint64(c.GetByte()) << shiftValueHighBits
		}
	}
	return word | keySize<<shiftKeySize | valueSize
}

func extractKeySize(word uint64) int {
	return int(word >> shiftKeySize & maskSizeBits)
}

func extractValueSize(word uint64) int {
	return int(word & maskSizeBits)
}

func extractTombstone(word uint64) bool {
	return word&flagReadTombstone != 0
}

func extractOffload(word uint64) bool {
	return word&flagReadOffload != 0
}

// putTombstone marks the entry whose prefix starts at the cursor offset.
// The cursor does not move.
func putTombstone(c *PageCursor) {
	offset := c.GetOffset()
	c.PutByteAt(offset, c.GetByteAt(offset)|flagTombstone)
}

// putOffloadMarker writes the offload flag byte and advances the cursor
// to where the offload id goes.
func putOffloadMarker(c *PageCursor) {
	c.PutByte(flagOffload)
}

// putOffloadID writes the 8-byte offload id at the cursor.
func putOffloadID(c *PageCursor, id uint64) {
	c.PutUint64(id)
}

// readOffloadID reads the 8-byte offload id at the cursor.
func readOffloadID(c *PageCursor) uint64 {
	return c.GetUint64()
}

// getOverhead returns the exact prefix byte count for an entry.
func getOverhead(keySize, valueSize int, offload bool) int {
	if offload {
		return 1 + SizeOffloadID
	}
	overhead := 1
	if keySize > MaxOneByteKeySize {
		overhead = 2
	}
	if valueSize > MaxOneByteValueSize {
		return overhead + 2
	}
	if valueSize > 0 {
		return overhead + 1
	}
	return overhead
}
