package benchmarks

import (
	"encoding/binary"
	"fmt"
	"runtime"
	"testing"

	"github.com/tecbot/gorocksdb"
)

func newRocksWriteOpts() *gorocksdb.WriteOptions {
	wo := gorocksdb.NewDefaultWriteOptions()
	wo.DisableWAL(true) // Disable WAL for fair comparison (others don't sync either)
	return wo
}

// BenchmarkWriteOps benchmarks write operations on pre-populated databases.
// Opens the writer once, then measures pure Put performance on existing
// keys with same-size values.
func BenchmarkWriteOps(b *testing.B) {
	sizes := []int{10_000, 100_000, 1_000_000}

	for _, size := range sizes {
		sizeName := formatWriteSize(size)

		// Sequential Put (updates to existing keys)
		b.Run(fmt.Sprintf("SeqPut_%s/gbptree", sizeName), func(b *testing.B) {
			benchSeqPutTree(b, size)
		})
		b.Run(fmt.Sprintf("SeqPut_%s/mdbx", sizeName), func(b *testing.B) {
			benchSeqPutMdbx(b, size)
		})
		b.Run(fmt.Sprintf("SeqPut_%s/bolt", sizeName), func(b *testing.B) {
			benchSeqPutBolt(b, size)
		})
		b.Run(fmt.Sprintf("SeqPut_%s/rocksdb", sizeName), func(b *testing.B) {
			benchSeqPutRocksDB(b, size)
		})

		// Random Put (updates to random existing keys)
		b.Run(fmt.Sprintf("RandPut_%s/gbptree", sizeName), func(b *testing.B) {
			benchRandPutTree(b, size)
		})
		b.Run(fmt.Sprintf("RandPut_%s/mdbx", sizeName), func(b *testing.B) {
			benchRandPutMdbx(b, size)
		})
		b.Run(fmt.Sprintf("RandPut_%s/bolt", sizeName), func(b *testing.B) {
			benchRandPutBolt(b, size)
		})
		b.Run(fmt.Sprintf("RandPut_%s/rocksdb", sizeName), func(b *testing.B) {
			benchRandPutRocksDB(b, size)
		})
	}
}

func formatWriteSize(n int) string {
	switch {
	case n >= 1_000_000:
		return fmt.Sprintf("%dM", n/1_000_000)
	case n >= 1_000:
		return fmt.Sprintf("%dk", n/1_000)
	default:
		return fmt.Sprintf("%d", n)
	}
}

// ============ Sequential Put (updates existing keys) ============

func benchSeqPutTree(b *testing.B, numKeys int) {
	tr, _ := getCachedTreeDB(b, numKeys)

	key := make([]byte, 8)
	val := make([]byte, 32)

	// Open the writer once before timing
	w, err := tr.Writer()
	if err != nil {
		b.Fatal(err)
	}
	defer w.Close()

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		binary.BigEndian.PutUint64(key, uint64(i%numKeys))
		binary.BigEndian.PutUint64(val, uint64(i))
		w.Put(key, val)
	}
}

func benchSeqPutMdbx(b *testing.B, numKeys int) {
	env := getCachedMdbxDB(b, numKeys)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	key := make([]byte, 8)
	val := make([]byte, 32)

	// Open transaction and DBI once before timing
	txn, err := env.BeginTxn(nil, 0)
	if err != nil {
		b.Fatal(err)
	}
	defer txn.Abort()

	dbi, err := txn.OpenDBI("bench", 0, nil, nil)
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		binary.BigEndian.PutUint64(key, uint64(i%numKeys))
		binary.BigEndian.PutUint64(val, uint64(i))
		txn.Put(dbi, key, val, 0)
	}
}

func benchSeqPutBolt(b *testing.B, numKeys int) {
	db := getCachedBoltDB(b, numKeys)

	key := make([]byte, 8)
	val := make([]byte, 32)

	// Open write transaction once before timing
	tx, err := db.Begin(true)
	if err != nil {
		b.Fatal(err)
	}
	defer tx.Rollback()

	bucket := tx.Bucket([]byte("bench"))
	if bucket == nil {
		b.Fatal("bucket not found")
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		binary.BigEndian.PutUint64(key, uint64(i%numKeys))
		binary.BigEndian.PutUint64(val, uint64(i))
		bucket.Put(key, val)
	}
}

func benchSeqPutRocksDB(b *testing.B, numKeys int) {
	db := getCachedRocksDB(b, numKeys)

	wo := newRocksWriteOpts()
	defer wo.Destroy()

	key := make([]byte, 8)
	val := make([]byte, 32)

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		binary.BigEndian.PutUint64(key, uint64(i%numKeys))
		binary.BigEndian.PutUint64(val, uint64(i))
		db.Put(wo, key, val)
	}
}

// ============ Random Put (updates random existing keys) ============

func benchRandPutTree(b *testing.B, numKeys int) {
	tr, _ := getCachedTreeDB(b, numKeys)

	key := make([]byte, 8)
	val := make([]byte, 32)

	order := randomOrder(numKeys)

	// Open the writer once before timing
	w, err := tr.Writer()
	if err != nil {
		b.Fatal(err)
	}
	defer w.Close()

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		j := order[i%numKeys]
		binary.BigEndian.PutUint64(key, uint64(j))
		binary.BigEndian.PutUint64(val, uint64(i))
		w.Put(key, val)
	}
}

func benchRandPutMdbx(b *testing.B, numKeys int) {
	env := getCachedMdbxDB(b, numKeys)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	key := make([]byte, 8)
	val := make([]byte, 32)

	order := randomOrder(numKeys)

	// Open transaction and DBI once before timing
	txn, err := env.BeginTxn(nil, 0)
	if err != nil {
		b.Fatal(err)
	}
	defer txn.Abort()

	dbi, err := txn.OpenDBI("bench", 0, nil, nil)
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		j := order[i%numKeys]
		binary.BigEndian.PutUint64(key, uint64(j))
		binary.BigEndian.PutUint64(val, uint64(i))
		txn.Put(dbi, key, val, 0)
	}
}

func benchRandPutBolt(b *testing.B, numKeys int) {
	db := getCachedBoltDB(b, numKeys)

	key := make([]byte, 8)
	val := make([]byte, 32)

	order := randomOrder(numKeys)

	// Open write transaction once before timing
	tx, err := db.Begin(true)
	if err != nil {
		b.Fatal(err)
	}
	defer tx.Rollback()

	bucket := tx.Bucket([]byte("bench"))
	if bucket == nil {
		b.Fatal("bucket not found")
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		j := order[i%numKeys]
		binary.BigEndian.PutUint64(key, uint64(j))
		binary.BigEndian.PutUint64(val, uint64(i))
		bucket.Put(key, val)
	}
}

func benchRandPutRocksDB(b *testing.B, numKeys int) {
	db := getCachedRocksDB(b, numKeys)

	wo := newRocksWriteOpts()
	defer wo.Destroy()

	key := make([]byte, 8)
	val := make([]byte, 32)

	order := randomOrder(numKeys)

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		j := order[i%numKeys]
		binary.BigEndian.PutUint64(key, uint64(j))
		binary.BigEndian.PutUint64(val, uint64(i))
		db.Put(wo, key, val)
	}
}
