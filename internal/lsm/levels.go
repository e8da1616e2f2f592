package lsm

import (
	"bytes"
	"cmp"
	"fmt"
	"slices"

	"github.com/hupe1980/lakego/meta"
)

// Levels is an immutable view of one bucket's live data files grouped
// by level. Construct it with NewLevels; the zero value is an empty
// bucket.
type Levels struct {
	levels [][]meta.DataFileMeta
	count  int
	size   int64
}

// NewLevels groups files by level and validates the structure: above
// level 0 the files of a level must be non-overlapping by key range.
// Violations return ErrCorrupt.
func NewLevels(files []meta.DataFileMeta) (Levels, error) {
	var l Levels
	if len(files) == 0 {
		return l, nil
	}

	maxLevel := 0
	for i := range files {
		f := &files[i]
		if f.Level < 0 {
			return Levels{}, fmt.Errorf("file %s has level %d: %w", f.Path, f.Level, ErrCorrupt)
		}
		maxLevel = max(maxLevel, f.Level)
	}

	l.levels = make([][]meta.DataFileMeta, maxLevel+1)
	for _, f := range files {
		l.levels[f.Level] = append(l.levels[f.Level], f)
		l.count++
		l.size += f.FileSize
	}

	for level, fs := range l.levels {
		if err := orderLevel(level, fs); err != nil {
			return Levels{}, err
		}
	}
	return l, nil
}

// orderLevel sorts the files of one level in place and checks the
// non-overlap invariant above level 0. Files without key bounds belong
// to append-only tables and carry no overlap obligation.
func orderLevel(level int, files []meta.DataFileMeta) error {
	keyed := 0
	for i := range files {
		if len(files[i].MinKey) > 0 {
			keyed++
		}
	}

	if level == 0 || keyed == 0 {
		// Overlap is legal here. Order by age so iteration is stable.
		slices.SortFunc(files, func(a, b meta.DataFileMeta) int {
			if c := cmp.Compare(a.MinSequence, b.MinSequence); c != 0 {
				return c
			}
			return cmp.Compare(a.Path, b.Path)
		})
		return nil
	}
	if keyed != len(files) {
		return fmt.Errorf("level %d mixes keyed and keyless files: %w", level, ErrCorrupt)
	}

	slices.SortFunc(files, func(a, b meta.DataFileMeta) int {
		if c := bytes.Compare(a.MinKey, b.MinKey); c != 0 {
			return c
		}
		return cmp.Compare(a.Path, b.Path)
	})
	for i := 1; i < len(files); i++ {
		prev, cur := &files[i-1], &files[i]
		if bytes.Compare(prev.MaxKey, cur.MinKey) >= 0 {
			return fmt.Errorf("level %d files %s and %s overlap: %w", level, prev.Path, cur.Path, ErrCorrupt)
		}
	}
	return nil
}

// Len returns the number of live files.
func (l Levels) Len() int { return l.count }

// Size returns the total bytes across all live files.
func (l Levels) Size() int64 { return l.size }

// MaxLevel returns the highest level holding at least one file, 0 for
// an empty bucket.
func (l Levels) MaxLevel() int {
	for i := len(l.levels) - 1; i >= 0; i-- {
		if len(l.levels[i]) > 0 {
			return i
		}
	}
	return 0
}

// Level returns the files of one level in sorted order. Callers must
// not mutate the returned slice.
func (l Levels) Level(n int) []meta.DataFileMeta {
	if n < 0 || n >= len(l.levels) {
		return nil
	}
	return l.levels[n]
}

// LevelSize returns the total bytes of one level.
func (l Levels) LevelSize(n int) int64 {
	var size int64
	for i := range l.Level(n) {
		size += l.levels[n][i].FileSize
	}
	return size
}

// All returns every live file, level 0 first. The slice is the
// caller's to keep.
func (l Levels) All() []meta.DataFileMeta {
	out := make([]meta.DataFileMeta, 0, l.count)
	for _, fs := range l.levels {
		out = append(out, fs...)
	}
	return out
}

// Overlapping returns the files whose key range intersects [min, max],
// level 0 first. Nil bounds are unbounded on that side; files without
// key bounds always match.
func (l Levels) Overlapping(min, max []byte) []meta.DataFileMeta {
	var out []meta.DataFileMeta
	for _, fs := range l.levels {
		for i := range fs {
			if fs[i].OverlapsRange(min, max) {
				out = append(out, fs[i])
			}
		}
	}
	return out
}
