package gbptree

import "encoding/binary"

// All in-page integers are little-endian. The binary.LittleEndian calls
// compile to single loads/stores on little-endian hosts, so no unsafe
// fast path is needed.

func putUint64LE(b []byte, v uint64) {
	binary.LittleEndian.PutUint64(b, v)
}

func putUint32LE(b []byte, v uint32) {
	binary.LittleEndian.PutUint32(b, v)
}

func putUint16LE(b []byte, v uint16) {
	binary.LittleEndian.PutUint16(b, v)
}

func getUint64LE(b []byte) uint64 {
	return binary.LittleEndian.Uint64(b)
}

func getUint32LE(b []byte) uint32 {
	return binary.LittleEndian.Uint32(b)
}

func getUint16LE(b []byte) uint16 {
	return binary.LittleEndian.Uint16(b)
}
