package tests

import (
	"fmt"
	"os"
	"sync"
	"testing"
)

// countingVisitor collects consistency findings so a failing test can
// print them. ConsistencyCheck may call it from several goroutines.
type countingVisitor struct {
	t *testing.T

	mu       sync.Mutex
	problems []string
}

func newCountingVisitor(t *testing.T) *countingVisitor {
	return &countingVisitor{t: t}
}

func (v *countingVisitor) add(problem string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.problems = append(v.problems, problem)
	v.t.Logf("consistency: %s", problem)
}

func (v *countingVisitor) NodeMetaInconsistency(id uint64, problem string) {
	v.add(fmt.Sprintf("page %d: %s", id, problem))
}

func (v *countingVisitor) KeyOrderInconsistency(id uint64, pos int, problem string) {
	v.add(fmt.Sprintf("page %d pos %d: %s", id, pos, problem))
}

func (v *countingVisitor) SiblingInconsistency(id uint64, problem string) {
	v.add(fmt.Sprintf("page %d: %s", id, problem))
}

func (v *countingVisitor) count() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.problems)
}

// copyFile snapshots src into dst. With an open tree the copy reads
// through the page cache, so it sees everything written so far even
// with sync disabled.
func copyFile(t *testing.T, src, dst string) {
	t.Helper()
	data, err := os.ReadFile(src)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dst, data, 0644); err != nil {
		t.Fatal(err)
	}
}
