// Package memtable provides the sorted in-memory write buffer that
// backs one bucket until it is flushed into a level-0 data file.
package memtable

import (
	"bytes"
	"fmt"
	"iter"
	"sync"

	"github.com/google/btree"

	"github.com/hupe1980/lakego/model"
)

// DefaultDegree is the branching factor of the backing B-tree.
const DefaultDegree = 32

// recordOverhead approximates the bookkeeping bytes per buffered
// record beyond its key and values.
const recordOverhead = 48

func less(a, b model.Record) bool {
	if c := bytes.Compare(a.Key, b.Key); c != 0 {
		return c < 0
	}
	return a.Sequence < b.Sequence
}

// Table is a size-tracked write buffer ordered by (key asc, sequence
// asc), the order data files are written in. Records with empty keys
// keep arrival order through their sequence numbers.
//
// A Table is safe for concurrent use. Once frozen it only serves reads;
// flushing freezes the buffer so late writers fail loudly instead of
// losing records into an already-written file.
type Table struct {
	mu     sync.RWMutex
	tree   *btree.BTreeG[model.Record]
	size   int64
	frozen bool
}

// New returns an empty write buffer.
func New() *Table {
	return &Table{tree: btree.NewG(DefaultDegree, less)}
}

// Add buffers a record. Re-adding the same (key, sequence) replaces the
// previous record without growing the row count.
func (t *Table) Add(r model.Record) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.frozen {
		return fmt.Errorf("memtable is frozen")
	}
	if prev, replaced := t.tree.ReplaceOrInsert(r); replaced {
		t.size -= recordSize(prev)
	}
	t.size += recordSize(r)
	return nil
}

// Len returns the number of buffered records.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.tree.Len()
}

// Size returns the approximate buffered bytes.
func (t *Table) Size() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.size
}

// Freeze makes the buffer read-only. Freezing twice is fine.
func (t *Table) Freeze() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.frozen = true
}

// Frozen reports whether the buffer is read-only.
func (t *Table) Frozen() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.frozen
}

// Records iterates the buffer in (key asc, sequence asc) order. The
// buffer is locked for reading until iteration stops; do not Add from
// inside the loop.
func (t *Table) Records() iter.Seq[model.Record] {
	return func(yield func(model.Record) bool) {
		t.mu.RLock()
		defer t.mu.RUnlock()

		t.tree.Ascend(func(r model.Record) bool {
			return yield(r)
		})
	}
}

func recordSize(r model.Record) int64 {
	n := int64(recordOverhead + len(r.Key))
	for _, v := range r.Row {
		n += int64(v.Size())
	}
	return n
}
