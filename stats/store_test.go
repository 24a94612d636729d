package stats

import (
	"path/filepath"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/calluna-db/gbptree"
)

func testLogger() *zap.Logger { return zap.NewNop() }

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := Open(path, nil, gbptree.WithPageSize(4096), gbptree.WithNoSync())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestLayoutRoundTrip(t *testing.T) {
	l := Layout{}
	c := gbptree.NewPageCursor(make([]byte, 128), 1)

	want := Statistics{
		SampleUniqueValues: 1000,
		SampleSize:         2000,
		UpdatesCount:       -3,
		IndexSize:          1 << 40,
	}
	l.WriteKey(c, -42)
	l.WriteValue(c, want)

	c.SetOffset(0)
	key := l.ReadKey(c, 8)
	got := l.ReadValue(c, 32)
	if err := c.CheckAndClearFault(); err != nil {
		t.Fatalf("fault: %v", err)
	}
	if key != -42 {
		t.Errorf("key = %d, want -42", key)
	}
	if got != want {
		t.Errorf("value = %+v, want %+v", got, want)
	}
}

func TestLayoutRejectsWrongSizes(t *testing.T) {
	l := Layout{}
	c := gbptree.NewPageCursor(make([]byte, 128), 1)

	l.ReadKey(c, 4)
	if err := c.CheckAndClearFault(); err == nil {
		t.Error("ReadKey with size 4 should fault")
	}
	l.ReadValue(c, 16)
	if err := c.CheckAndClearFault(); err == nil {
		t.Error("ReadValue with size 16 should fault")
	}
}

func TestLayoutCompare(t *testing.T) {
	l := Layout{}
	if l.Compare(-5, 3) >= 0 {
		t.Error("-5 should sort before 3")
	}
	if l.Compare(7, 7) != 0 {
		t.Error("equal ids should compare 0")
	}
	if l.Compare(9, 2) <= 0 {
		t.Error("9 should sort after 2")
	}
}

func TestStoreSampleLifecycle(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "stats.db"))
	defer s.Close()

	if got := s.IndexSample(1); got != Empty {
		t.Fatalf("sample of unknown index = %+v, want Empty", got)
	}

	want := Statistics{SampleUniqueValues: 10, SampleSize: 100, IndexSize: 1000}
	s.ReplaceStats(1, want)
	if got := s.IndexSample(1); got != want {
		t.Fatalf("sample = %+v, want %+v", got, want)
	}

	s.RemoveIndex(1)
	if got := s.IndexSample(1); got != Empty {
		t.Fatalf("sample after remove = %+v, want Empty", got)
	}
}

func TestStoreIncrementIndexUpdates(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "stats.db"))
	defer s.Close()

	// Counting only starts once the index has a sample.
	s.IncrementIndexUpdates(7, 5)
	if got := s.IndexSample(7); got != Empty {
		t.Fatalf("increment on unknown index created %+v", got)
	}

	s.ReplaceStats(7, Statistics{SampleSize: 1})
	s.IncrementIndexUpdates(7, 5)
	s.IncrementIndexUpdates(7, 2)
	if got := s.IndexSample(7).UpdatesCount; got != 7 {
		t.Fatalf("UpdatesCount = %d, want 7", got)
	}
}

func TestStoreVisit(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "stats.db"))
	defer s.Close()

	for id := int64(0); id < 50; id++ {
		s.ReplaceStats(id, Statistics{IndexSize: id})
	}
	seen := make(map[int64]Statistics)
	s.Visit(func(id int64, stats Statistics) bool {
		seen[id] = stats
		return true
	})
	if len(seen) != 50 {
		t.Fatalf("visited %d indexes, want 50", len(seen))
	}
	for id, stats := range seen {
		if stats.IndexSize != id {
			t.Errorf("index %d has IndexSize %d", id, stats.IndexSize)
		}
	}

	count := 0
	s.Visit(func(int64, Statistics) bool {
		count++
		return false
	})
	if count != 1 {
		t.Errorf("visit after stop called fn %d times, want 1", count)
	}
}

func TestStorePersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.db")

	s := openTestStore(t, path)
	for id := int64(1); id <= 200; id++ {
		s.ReplaceStats(id, Statistics{
			SampleUniqueValues: id,
			SampleSize:         id * 2,
			UpdatesCount:       id * 3,
			IndexSize:          id * 4,
		})
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s = openTestStore(t, path)
	defer s.Close()
	if got := s.Len(); got != 200 {
		t.Fatalf("Len after reopen = %d, want 200", got)
	}
	for id := int64(1); id <= 200; id++ {
		got := s.IndexSample(id)
		if got.SampleUniqueValues != id || got.IndexSize != id*4 {
			t.Fatalf("index %d restored as %+v", id, got)
		}
	}
}

func TestStoreRemovalSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.db")

	s := openTestStore(t, path)
	s.ReplaceStats(1, Statistics{IndexSize: 1})
	s.ReplaceStats(2, Statistics{IndexSize: 2})
	if err := s.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	s.RemoveIndex(1)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s = openTestStore(t, path)
	defer s.Close()
	if got := s.IndexSample(1); got != Empty {
		t.Fatalf("removed index restored as %+v", got)
	}
	if got := s.IndexSample(2); got.IndexSize != 2 {
		t.Fatalf("surviving index restored as %+v", got)
	}
}

func TestStoreStaleBetweenCheckpoints(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.db")

	s := openTestStore(t, path)
	s.ReplaceStats(1, Statistics{IndexSize: 1})
	if err := s.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	// Mutations after the checkpoint live only in the cache. Closing the
	// tree directly skips the store checkpoint, like a crash would.
	s.ReplaceStats(2, Statistics{IndexSize: 2})
	if err := s.tree.Close(); err != nil {
		t.Fatalf("tree close: %v", err)
	}

	s = openTestStore(t, path)
	defer s.Close()
	if got := s.IndexSample(1); got.IndexSize != 1 {
		t.Fatalf("checkpointed index restored as %+v", got)
	}
	if got := s.IndexSample(2); got != Empty {
		t.Fatalf("uncheckpointed index survived as %+v", got)
	}
}

func TestStoreConcurrentIncrements(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "stats.db"))
	defer s.Close()

	const indexes = 8
	for id := int64(0); id < indexes; id++ {
		s.ReplaceStats(id, Statistics{})
	}

	var wg sync.WaitGroup
	workers := 4
	perWorker := int64(500)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := int64(0); i < perWorker; i++ {
				s.IncrementIndexUpdates(i%indexes, 1)
			}
		}()
	}
	wg.Wait()

	var total int64
	for id := int64(0); id < indexes; id++ {
		total += s.IndexSample(id).UpdatesCount
	}
	if want := int64(workers) * perWorker; total != want {
		t.Fatalf("increments lost under concurrency: %d, want %d", total, want)
	}
}

func TestStoreConsistencyCheck(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "stats.db"))
	defer s.Close()

	for id := int64(0); id < 1000; id++ {
		s.ReplaceStats(id, Statistics{SampleSize: id})
	}
	if err := s.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	visitor := &gbptree.LoggingConsistencyVisitor{Logger: testLogger()}
	if err := s.ConsistencyCheck(visitor, 2); err != nil {
		t.Fatalf("ConsistencyCheck: %v", err)
	}
	if n := visitor.Count(); n != 0 {
		t.Fatalf("consistency check found %d problems", n)
	}
}
