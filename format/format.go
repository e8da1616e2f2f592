// Package format defines the boundary between the table engine and the
// encoding of data files. The engine writes and reads records through
// factories registered here and never assumes an encoding; rowbin is the
// built-in block-based row format.
package format

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/lakego/blobstore"
	"github.com/hupe1980/lakego/meta"
	"github.com/hupe1980/lakego/model"
)

// WriteStats summarizes a finished data file. The flush path turns it
// into the file's manifest metadata.
type WriteStats struct {
	RowCount    uint64
	MinKey      []byte
	MaxKey      []byte
	MinSequence uint64
	MaxSequence uint64
	ColumnStats []meta.ColumnStats
	// Size is the total bytes written, including format framing.
	Size int64
}

// RecordWriter writes records into one data file.
type RecordWriter interface {
	// Write appends a record. Primary-key tables must supply records in
	// (key asc, sequence asc) order; append-only tables write in
	// arrival order.
	Write(r model.Record) error
	// Close flushes all buffered data and returns the file stats.
	Close() (*WriteStats, error)
}

// RecordReader iterates the records of one data file in storage order.
type RecordReader interface {
	// Next returns the next selected record. io.EOF after the last one.
	Next() (model.Record, error)
	Close() error
}

// ReadContext carries everything a reader needs to open a data file.
type ReadContext struct {
	Blob     blobstore.Blob
	FileSize int64
	// Selection restricts the read to these row positions (0-based file
	// order). nil selects all rows. Deletion vectors reach the reader by
	// subtracting deleted positions from the selection.
	Selection *roaring.Bitmap
	// MinKey/MaxKey bound the returned keys (inclusive). nil means
	// unbounded on that side.
	MinKey, MaxKey []byte
}

// WriterFactory creates record writers.
type WriterFactory interface {
	Name() string
	NewWriter(w io.Writer, schema *model.Schema) (RecordWriter, error)
}

// ReaderFactory creates record readers.
type ReaderFactory interface {
	Name() string
	NewReader(ctx context.Context, rc ReadContext) (RecordReader, error)
}

// Format is a named file format. Name doubles as the data file
// extension.
type Format interface {
	WriterFactory
	ReaderFactory
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Format)
)

// Register makes a format available by name. It panics if the name is
// already taken; formats register from init.
func Register(f Format) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, dup := registry[f.Name()]; dup {
		panic(fmt.Sprintf("format: Register called twice for %q", f.Name()))
	}
	registry[f.Name()] = f
}

// ByName returns the format registered under name.
func ByName(name string) (Format, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	f, ok := registry[name]
	return f, ok
}
