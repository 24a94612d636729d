package benchmarks

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"

	mdbxgo "github.com/erigontech/mdbx-go/mdbx"
	"github.com/tecbot/gorocksdb"
	bolt "go.etcd.io/bbolt"

	"github.com/calluna-db/gbptree"
)

// Cached benchmark database directory
const benchCacheDir = "testdata/benchdb"

// benchPageSize is the page size the tree databases are built with.
const benchPageSize = 4096

var (
	cacheMu     sync.Mutex
	treeDBs     = make(map[string]*gbptree.Tree[[]byte, []byte])
	mdbxEnvs    = make(map[string]*mdbxgo.Env)
	boltDBs     = make(map[string]*bolt.DB)
	rocksDBs    = make(map[string]*gorocksdb.DB)
	sampleCache = make(map[string][][]byte)
)

// getCachedTreeDB returns a cached gbptree database with size sequential
// entries, creating it if needed. The file lives in
// testdata/benchdb/plain_<size>_gbptree.db across benchmark runs.
func getCachedTreeDB(b *testing.B, size int) (*gbptree.Tree[[]byte, []byte], [][]byte) {
	cacheMu.Lock()
	defer cacheMu.Unlock()

	key := fmt.Sprintf("tree_%d", size)
	path := filepath.Join(benchCacheDir, fmt.Sprintf("plain_%d_gbptree.db", size))

	if tr, ok := treeDBs[key]; ok {
		return tr, sampleCache[key]
	}
	if err := os.MkdirAll(benchCacheDir, 0755); err != nil {
		b.Fatal(err)
	}
	exists := fileExists(path)

	tr, err := gbptree.Open[[]byte, []byte](path, gbptree.BytesLayout{},
		gbptree.WithPageSize(benchPageSize), gbptree.WithNoSync())
	if err != nil {
		b.Fatal(err)
	}

	if !exists {
		b.Logf("Creating cached gbptree DB with %d keys...", size)
		populateTreeDB(b, tr, size)
	} else {
		b.Logf("Using cached gbptree DB with %d keys", size)
	}

	samples := collectSampleKeys(b, tr, size)
	treeDBs[key] = tr
	sampleCache[key] = samples
	return tr, samples
}

// getCachedMdbxDB returns a cached mdbx database, creating it if needed.
func getCachedMdbxDB(b *testing.B, size int) *mdbxgo.Env {
	cacheMu.Lock()
	defer cacheMu.Unlock()

	key := fmt.Sprintf("mdbx_%d", size)
	path := filepath.Join(benchCacheDir, fmt.Sprintf("plain_%d_mdbx.db", size))

	if env, ok := mdbxEnvs[key]; ok {
		return env
	}
	if err := os.MkdirAll(benchCacheDir, 0755); err != nil {
		b.Fatal(err)
	}
	exists := fileExists(path)

	runtime.LockOSThread()
	env, err := mdbxgo.NewEnv(mdbxgo.Label("bench"))
	if err != nil {
		b.Fatal(err)
	}
	env.SetOption(mdbxgo.OptMaxDB, 10)
	env.SetGeometry(-1, -1, 1<<32, -1, -1, benchPageSize)
	if err := env.Open(path, mdbxgo.NoSubdir|mdbxgo.NoMetaSync|mdbxgo.WriteMap, 0644); err != nil {
		b.Fatal(err)
	}
	runtime.UnlockOSThread()

	if !exists {
		b.Logf("Creating cached mdbx DB with %d keys...", size)
		populateMdbxDB(b, env, size)
	} else {
		b.Logf("Using cached mdbx DB with %d keys", size)
	}

	mdbxEnvs[key] = env
	return env
}

// getCachedBoltDB returns a cached BoltDB database, creating it if needed.
func getCachedBoltDB(b *testing.B, size int) *bolt.DB {
	cacheMu.Lock()
	defer cacheMu.Unlock()

	key := fmt.Sprintf("bolt_%d", size)
	path := filepath.Join(benchCacheDir, fmt.Sprintf("plain_%d_bolt.db", size))

	if db, ok := boltDBs[key]; ok {
		return db
	}
	if err := os.MkdirAll(benchCacheDir, 0755); err != nil {
		b.Fatal(err)
	}
	exists := fileExists(path)

	db, err := bolt.Open(path, 0644, &bolt.Options{
		NoSync:         true,
		NoFreelistSync: true,
	})
	if err != nil {
		b.Fatal(err)
	}

	if !exists {
		b.Logf("Creating cached BoltDB with %d keys...", size)
		populateBoltDB(b, db, size)
	} else {
		b.Logf("Using cached BoltDB with %d keys", size)
	}

	boltDBs[key] = db
	return db
}

// getCachedRocksDB returns a cached RocksDB database, creating it if needed.
func getCachedRocksDB(b *testing.B, size int) *gorocksdb.DB {
	cacheMu.Lock()
	defer cacheMu.Unlock()

	key := fmt.Sprintf("rocks_%d", size)
	path := filepath.Join(benchCacheDir, fmt.Sprintf("plain_%d_rocks.db", size))

	if db, ok := rocksDBs[key]; ok {
		return db
	}
	if err := os.MkdirAll(benchCacheDir, 0755); err != nil {
		b.Fatal(err)
	}
	exists := fileExists(path)

	opts := gorocksdb.NewDefaultOptions()
	opts.SetCreateIfMissing(true)
	opts.SetWriteBufferSize(64 * 1024 * 1024)
	opts.SetMaxWriteBufferNumber(3)
	opts.SetTargetFileSizeBase(64 * 1024 * 1024)

	db, err := gorocksdb.OpenDb(opts, path)
	if err != nil {
		b.Fatal(err)
	}

	if !exists {
		b.Logf("Creating cached RocksDB with %d keys...", size)
		populateRocksDB(b, db, size)
	} else {
		b.Logf("Using cached RocksDB with %d keys", size)
	}

	rocksDBs[key] = db
	return db
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func populateTreeDB(b *testing.B, tr *gbptree.Tree[[]byte, []byte], numKeys int) {
	batchSize := 100_000
	key := make([]byte, 8)
	val := make([]byte, 32)

	w, err := tr.Writer()
	if err != nil {
		b.Fatal(err)
	}
	for i := 0; i < numKeys; i++ {
		binary.BigEndian.PutUint64(key, uint64(i))
		binary.BigEndian.PutUint64(val, uint64(i))

		if err := w.Put(key, val); err != nil {
			b.Fatal(err)
		}

		if (i+1)%batchSize == 0 {
			w.Close()
			if err := tr.Checkpoint(); err != nil {
				b.Fatal(err)
			}
			if w, err = tr.Writer(); err != nil {
				b.Fatal(err)
			}
		}
	}
	w.Close()
	if err := tr.Checkpoint(); err != nil {
		b.Fatal(err)
	}
}

func populateMdbxDB(b *testing.B, env *mdbxgo.Env, numKeys int) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	txn, err := env.BeginTxn(nil, 0)
	if err != nil {
		b.Fatal(err)
	}
	dbi, err := txn.OpenDBI("bench", mdbxgo.Create, nil, nil)
	if err != nil {
		b.Fatal(err)
	}

	batchSize := 100_000
	key := make([]byte, 8)
	val := make([]byte, 32)

	for i := 0; i < numKeys; i++ {
		binary.BigEndian.PutUint64(key, uint64(i))
		binary.BigEndian.PutUint64(val, uint64(i))

		if err := txn.Put(dbi, key, val, mdbxgo.Upsert); err != nil {
			b.Fatal(err)
		}

		if (i+1)%batchSize == 0 {
			if _, err := txn.Commit(); err != nil {
				b.Fatal(err)
			}
			txn, err = env.BeginTxn(nil, 0)
			if err != nil {
				b.Fatal(err)
			}
		}
	}

	if _, err := txn.Commit(); err != nil {
		b.Fatal(err)
	}
}

func populateBoltDB(b *testing.B, db *bolt.DB, numKeys int) {
	batchSize := 100_000
	key := make([]byte, 8)
	val := make([]byte, 32)

	for written := 0; written < numKeys; {
		batchEnd := written + batchSize
		if batchEnd > numKeys {
			batchEnd = numKeys
		}
		err := db.Update(func(tx *bolt.Tx) error {
			bucket, err := tx.CreateBucketIfNotExists([]byte("bench"))
			if err != nil {
				return err
			}
			for i := written; i < batchEnd; i++ {
				binary.BigEndian.PutUint64(key, uint64(i))
				binary.BigEndian.PutUint64(val, uint64(i))
				if err := bucket.Put(key, val); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			b.Fatal(err)
		}
		written = batchEnd
	}
}

func populateRocksDB(b *testing.B, db *gorocksdb.DB, numKeys int) {
	wo := gorocksdb.NewDefaultWriteOptions()
	defer wo.Destroy()

	key := make([]byte, 8)
	val := make([]byte, 32)

	batch := gorocksdb.NewWriteBatch()
	defer batch.Destroy()

	batchSize := 100_000

	for i := 0; i < numKeys; i++ {
		binary.BigEndian.PutUint64(key, uint64(i))
		binary.BigEndian.PutUint64(val, uint64(i))

		batch.Put(key, val)

		if (i+1)%batchSize == 0 {
			if err := db.Write(wo, batch); err != nil {
				b.Fatal(err)
			}
			batch.Clear()
		}
	}

	if batch.Count() > 0 {
		if err := db.Write(wo, batch); err != nil {
			b.Fatal(err)
		}
	}
}

// collectSampleKeys walks the tree and keeps every 1000th key for the
// random-read benchmarks.
func collectSampleKeys(b *testing.B, tr *gbptree.Tree[[]byte, []byte], numKeys int) [][]byte {
	s, err := tr.SeekAll()
	if err != nil {
		b.Fatal(err)
	}
	defer s.Close()

	samples := make([][]byte, 0, numKeys/1000+1)
	i := 0
	for s.Next() {
		if i%1000 == 0 {
			keyCopy := make([]byte, len(s.Key()))
			copy(keyCopy, s.Key())
			samples = append(samples, keyCopy)
		}
		i++
	}
	if err := s.Err(); err != nil {
		b.Fatal(err)
	}
	return samples
}

// CleanupBenchCache closes all cached databases.
// Call this in TestMain or after benchmarks complete.
func CleanupBenchCache() {
	cacheMu.Lock()
	defer cacheMu.Unlock()

	for _, tr := range treeDBs {
		tr.Close()
	}
	for _, env := range mdbxEnvs {
		env.Close()
	}
	for _, db := range boltDBs {
		db.Close()
	}
	for _, db := range rocksDBs {
		db.Close()
	}
	treeDBs = make(map[string]*gbptree.Tree[[]byte, []byte])
	mdbxEnvs = make(map[string]*mdbxgo.Env)
	boltDBs = make(map[string]*bolt.DB)
	rocksDBs = make(map[string]*gorocksdb.DB)
	sampleCache = make(map[string][][]byte)
}

// DeleteBenchCache removes all cached database files.
func DeleteBenchCache() error {
	return os.RemoveAll(benchCacheDir)
}
