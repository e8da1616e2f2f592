package manifest

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/hupe1980/lakego/meta"
	"github.com/hupe1980/lakego/model"
)

// PartitionBucket identifies one bucket of one partition.
type PartitionBucket struct {
	Partition model.Partition
	Bucket    uint32
}

// String implements fmt.Stringer for log output.
func (pb PartitionBucket) String() string {
	return fmt.Sprintf("%s/bucket-%d", pb.Partition, pb.Bucket)
}

type bucketKey struct {
	partition string
	bucket    uint32
}

// FileSet is the live data-file set of one snapshot, reconstructed by
// replaying ADD/DELETE entries across the snapshot's manifests.
//
// The set is immutable after construction and safe for concurrent reads.
type FileSet struct {
	files    map[string]meta.DataFileMeta
	order    []string
	byBucket map[bucketKey][]string
	parts    map[string]model.Partition
}

// FileSet replays the given manifests in list order and returns the live
// file set. Replay is strict: an ADD for a file that is already live or a
// DELETE for a file that is not fails with ErrCorrupt. A DELETE followed
// by an ADD of the same path is legal and replaces the descriptor; that is
// how a commit attaches a deletion vector to an existing file.
func (s *Store) FileSet(ctx context.Context, manifests []meta.ManifestFileMeta) (*FileSet, error) {
	fs := &FileSet{
		files: make(map[string]meta.DataFileMeta),
	}
	pos := make(map[string]int)

	for _, fm := range manifests {
		for e, err := range s.Entries(ctx, fm) {
			if err != nil {
				return nil, err
			}
			path := e.File.Path
			switch e.Kind {
			case meta.EntryAdd:
				if _, live := fs.files[path]; live {
					return nil, fmt.Errorf("manifest %s: %w: ADD for live file %s", fm.Path, ErrCorrupt, path)
				}
				// A replaced descriptor takes the position of its new ADD.
				if i, ok := pos[path]; ok {
					fs.order[i] = ""
				}
				pos[path] = len(fs.order)
				fs.order = append(fs.order, path)
				fs.files[path] = e.File
			case meta.EntryDelete:
				if _, live := fs.files[path]; !live {
					return nil, fmt.Errorf("manifest %s: %w: DELETE for non-live file %s", fm.Path, ErrCorrupt, path)
				}
				delete(fs.files, path)
			default:
				return nil, fmt.Errorf("manifest %s: %w: unknown entry kind %d", fm.Path, ErrCorrupt, uint8(e.Kind))
			}
		}
	}

	fs.index()
	return fs, nil
}

// index compacts the replay order to live files and builds the grouped
// views. Called once, after replay.
func (fs *FileSet) index() {
	fs.byBucket = make(map[bucketKey][]string)
	fs.parts = make(map[string]model.Partition)

	live := fs.order[:0]
	for _, p := range fs.order {
		f, ok := fs.files[p]
		if p == "" || !ok {
			continue
		}
		live = append(live, p)
		bk := bucketKey{partition: f.Partition.Key(), bucket: f.Bucket}
		fs.byBucket[bk] = append(fs.byBucket[bk], p)
		if _, ok := fs.parts[bk.partition]; !ok {
			fs.parts[bk.partition] = f.Partition
		}
	}
	fs.order = live
}

// Len returns the number of live files.
func (fs *FileSet) Len() int {
	return len(fs.files)
}

// Contains reports whether path is live.
func (fs *FileSet) Contains(path string) bool {
	_, ok := fs.files[path]
	return ok
}

// File returns the descriptor of a live file.
func (fs *FileSet) File(path string) (meta.DataFileMeta, bool) {
	f, ok := fs.files[path]
	return f, ok
}

// Files returns all live files in the order their ADD entries appeared.
func (fs *FileSet) Files() []meta.DataFileMeta {
	out := make([]meta.DataFileMeta, 0, len(fs.order))
	for _, p := range fs.order {
		out = append(out, fs.files[p])
	}
	return out
}

// Bucket returns the live files of one (partition, bucket) in ADD order.
func (fs *FileSet) Bucket(part model.Partition, bucket uint32) []meta.DataFileMeta {
	paths := fs.byBucket[bucketKey{partition: part.Key(), bucket: bucket}]
	if len(paths) == 0 {
		return nil
	}
	out := make([]meta.DataFileMeta, len(paths))
	for i, p := range paths {
		out[i] = fs.files[p]
	}
	return out
}

// Buckets returns the (partition, bucket) pairs holding live files,
// sorted by partition key then bucket number.
func (fs *FileSet) Buckets() []PartitionBucket {
	keys := make([]bucketKey, 0, len(fs.byBucket))
	for k := range fs.byBucket {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b bucketKey) int {
		if c := strings.Compare(a.partition, b.partition); c != 0 {
			return c
		}
		return cmp.Compare(a.bucket, b.bucket)
	})

	out := make([]PartitionBucket, len(keys))
	for i, k := range keys {
		out[i] = PartitionBucket{Partition: fs.parts[k.partition], Bucket: k.bucket}
	}
	return out
}

// Partitions returns the partitions holding live files, sorted by key.
func (fs *FileSet) Partitions() []model.Partition {
	keys := make([]string, 0, len(fs.parts))
	for k := range fs.parts {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	out := make([]model.Partition, len(keys))
	for i, k := range keys {
		out[i] = fs.parts[k]
	}
	return out
}
