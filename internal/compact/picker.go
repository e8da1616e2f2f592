package compact

import (
	"bytes"
	"slices"

	"github.com/hupe1980/lakego/internal/lsm"
	"github.com/hupe1980/lakego/meta"
)

// Default picker thresholds.
const (
	// DefaultLevel0FileCount is the number of level-0 files tolerated
	// before a minor compaction triggers.
	DefaultLevel0FileCount = 4
	// DefaultSizeRatio is the size of a level relative to the next one
	// tolerated before the level is pushed down.
	DefaultSizeRatio = 1.0
	// DefaultMaxLevel is the level full compactions rewrite into.
	DefaultMaxLevel = 5
)

// Plan is one unit of compaction work: rewrite Inputs into sorted,
// non-overlapping files at TargetLevel.
type Plan struct {
	// Inputs are the live files to rewrite. They are closed under key
	// overlap at the target level, so the outputs cannot collide with a
	// file the plan leaves in place.
	Inputs []meta.DataFileMeta

	// TargetLevel is the level the outputs are assigned.
	TargetLevel int

	// DropDelete is set when the inputs cover every live file of the
	// bucket. Only then may tombstones become absence; a partial rewrite
	// must keep them, or rows buried in untouched files would resurface.
	DropDelete bool
}

// Picker decides what a bucket should compact next.
type Picker interface {
	// Pick proposes a minor compaction, or nil when the bucket needs
	// none.
	Pick(levels lsm.Levels) *Plan

	// PickFull proposes rewriting the whole bucket into the deepest
	// level, or nil when the bucket is already a single fully-compacted
	// file.
	PickFull(levels lsm.Levels) *Plan
}

// LeveledOptions parameterizes the leveled picker.
type LeveledOptions struct {
	// Level0FileCount triggers a compaction of level 0 when more files
	// than this have accumulated there.
	Level0FileCount int

	// SizeRatio triggers a compaction of level n into n+1 when
	// size(n) / size(n+1) exceeds it.
	SizeRatio float64

	// MaxLevel bounds the tree depth; no plan targets a deeper level.
	MaxLevel int
}

// DefaultLeveledOptions returns the default thresholds.
func DefaultLeveledOptions() LeveledOptions {
	return LeveledOptions{
		Level0FileCount: DefaultLevel0FileCount,
		SizeRatio:       DefaultSizeRatio,
		MaxLevel:        DefaultMaxLevel,
	}
}

// Leveled is the default Picker. Level 0 compacts when too many files
// pile up; a deeper level compacts into the next one when it outgrows
// it by SizeRatio. Levels count as outgrown most first, so the worst
// imbalance is fixed before milder ones.
type Leveled struct {
	opts LeveledOptions
}

// NewLeveled returns a leveled picker. Zero or negative option fields
// fall back to the defaults.
func NewLeveled(opts LeveledOptions) *Leveled {
	def := DefaultLeveledOptions()
	if opts.Level0FileCount <= 0 {
		opts.Level0FileCount = def.Level0FileCount
	}
	if opts.SizeRatio <= 0 {
		opts.SizeRatio = def.SizeRatio
	}
	if opts.MaxLevel <= 0 {
		opts.MaxLevel = def.MaxLevel
	}
	return &Leveled{opts: opts}
}

var _ Picker = (*Leveled)(nil)

// Pick implements Picker.
func (p *Leveled) Pick(levels lsm.Levels) *Plan {
	if levels.Len() == 0 {
		return nil
	}

	if l0 := levels.Level(0); len(l0) > p.opts.Level0FileCount {
		return p.plan(levels, slices.Clone(l0), 1)
	}

	// Deeper levels compact by size pressure. Score every level against
	// the one below it and fix the worst offender.
	bestLevel, bestScore := 0, p.opts.SizeRatio
	for n := 1; n < p.opts.MaxLevel; n++ {
		files := levels.Level(n)
		if len(files) == 0 {
			continue
		}
		below := levels.LevelSize(n + 1)
		if below == 0 {
			// Nothing to merge with; pushing a single sorted file down
			// would churn forever without reclaiming anything.
			if len(files) >= 2 {
				return p.plan(levels, slices.Clone(files), n+1)
			}
			continue
		}
		if score := float64(levels.LevelSize(n)) / float64(below); score > bestScore {
			bestLevel, bestScore = n, score
		}
	}
	if bestLevel > 0 {
		return p.plan(levels, slices.Clone(levels.Level(bestLevel)), bestLevel+1)
	}
	return nil
}

// PickFull implements Picker: everything into the deepest level.
func (p *Leveled) PickFull(levels lsm.Levels) *Plan {
	if levels.Len() == 0 {
		return nil
	}
	target := max(p.opts.MaxLevel, levels.MaxLevel())

	all := levels.All()
	if len(all) == 1 && all[0].Level == target && all[0].DeleteVector == nil {
		// Already one fully-compacted file; a rewrite would only copy it.
		return nil
	}
	return &Plan{Inputs: all, TargetLevel: target, DropDelete: true}
}

// plan closes the inputs over the target level and finalizes the plan.
func (p *Leveled) plan(levels lsm.Levels, inputs []meta.DataFileMeta, target int) *Plan {
	inputs = overlapClosure(inputs, levels.Level(target))
	if len(inputs) < 2 {
		return nil
	}
	return &Plan{
		Inputs:      inputs,
		TargetLevel: target,
		DropDelete:  len(inputs) == levels.Len(),
	}
}

// PlanFiles builds a plan around caller-chosen files, resolved against
// the bucket's live set. Named files no longer live are skipped; the
// rest are closed under key overlap across all levels, so the plan
// stays valid however stale the caller's listing was. Returns nil when
// fewer than two files remain and no deletion vector makes a
// single-file rewrite worthwhile.
func PlanFiles(levels lsm.Levels, paths []string) *Plan {
	live := make(map[string]meta.DataFileMeta, levels.Len())
	for _, f := range levels.All() {
		live[f.Path] = f
	}

	var inputs []meta.DataFileMeta
	for _, path := range paths {
		if f, ok := live[path]; ok {
			inputs = append(inputs, f)
			delete(live, path) // dedupe repeated names
		}
	}
	if len(inputs) == 0 {
		return nil
	}

	inputs = overlapClosure(inputs, levels.All())
	if len(inputs) < 2 && inputs[0].DeleteVector == nil {
		return nil
	}

	target := 1
	for i := range inputs {
		target = max(target, inputs[i].Level)
	}
	return &Plan{
		Inputs:      inputs,
		TargetLevel: target,
		DropDelete:  len(inputs) == levels.Len(),
	}
}

// overlapClosure extends inputs with every candidate whose key range
// intersects the union span of the set, iterating until the span stops
// growing. Keyless files span everything.
func overlapClosure(inputs, candidates []meta.DataFileMeta) []meta.DataFileMeta {
	in := make(map[string]bool, len(inputs))
	for i := range inputs {
		in[inputs[i].Path] = true
	}

	for {
		min, max := keySpan(inputs)
		grew := false
		for i := range candidates {
			c := &candidates[i]
			if in[c.Path] || !c.OverlapsRange(min, max) {
				continue
			}
			in[c.Path] = true
			inputs = append(inputs, *c)
			grew = true
		}
		if !grew {
			return inputs
		}
	}
}

// keySpan returns the union key range of the files. Any keyless file
// makes the span unbounded (nil, nil).
func keySpan(files []meta.DataFileMeta) (min, max []byte) {
	for i := range files {
		f := &files[i]
		if len(f.MinKey) == 0 {
			return nil, nil
		}
		if min == nil || bytes.Compare(f.MinKey, min) < 0 {
			min = f.MinKey
		}
		if max == nil || bytes.Compare(f.MaxKey, max) > 0 {
			max = f.MaxKey
		}
	}
	return min, max
}
