package compact

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/lakego/internal/lsm"
	"github.com/hupe1980/lakego/meta"
)

func levelFile(path string, level int, minKey, maxKey string, size int64) meta.DataFileMeta {
	return meta.DataFileMeta{
		Path:     path,
		Level:    level,
		MinKey:   []byte(minKey),
		MaxKey:   []byte(maxKey),
		RowCount: 10,
		FileSize: size,
	}
}

func mkLevels(t *testing.T, files ...meta.DataFileMeta) lsm.Levels {
	t.Helper()

	levels, err := lsm.NewLevels(files)
	require.NoError(t, err)
	return levels
}

func planPaths(p *Plan) []string {
	if p == nil {
		return nil
	}
	out := make([]string, len(p.Inputs))
	for i := range p.Inputs {
		out[i] = p.Inputs[i].Path
	}
	return out
}

func TestLeveledPickEmptyBucket(t *testing.T) {
	p := NewLeveled(DefaultLeveledOptions())

	assert.Nil(t, p.Pick(lsm.Levels{}))
	assert.Nil(t, p.PickFull(lsm.Levels{}))
}

func TestLeveledPickLevelZeroTrigger(t *testing.T) {
	p := NewLeveled(LeveledOptions{Level0FileCount: 2})

	below := mkLevels(t,
		levelFile("data/a", 0, "b", "d", 100),
		levelFile("data/b", 0, "c", "e", 100),
	)
	assert.Nil(t, p.Pick(below), "two files are within the threshold")

	over := mkLevels(t,
		levelFile("data/a", 0, "b", "d", 100),
		levelFile("data/b", 0, "c", "e", 100),
		levelFile("data/c", 0, "a", "f", 100),
	)
	plan := p.Pick(over)
	require.NotNil(t, plan)
	assert.Equal(t, 1, plan.TargetLevel)
	assert.ElementsMatch(t, []string{"data/a", "data/b", "data/c"}, planPaths(plan))
	assert.True(t, plan.DropDelete, "inputs cover the whole bucket")
}

func TestLeveledPickPullsOverlappingTargetFiles(t *testing.T) {
	p := NewLeveled(LeveledOptions{Level0FileCount: 1})

	levels := mkLevels(t,
		levelFile("data/l0-a", 0, "b", "f", 100),
		levelFile("data/l0-b", 0, "c", "g", 100),
		levelFile("data/l1-in", 1, "a", "c", 100),
		levelFile("data/l1-out", 1, "x", "z", 100),
	)

	plan := p.Pick(levels)
	require.NotNil(t, plan)
	assert.Equal(t, 1, plan.TargetLevel)
	assert.ElementsMatch(t, []string{"data/l0-a", "data/l0-b", "data/l1-in"}, planPaths(plan))
	assert.False(t, plan.DropDelete, "data/l1-out stays live, tombstones must survive")
}

func TestLeveledPickSizeRatio(t *testing.T) {
	p := NewLeveled(LeveledOptions{Level0FileCount: 10, SizeRatio: 1.0})

	balanced := mkLevels(t,
		levelFile("data/l1", 1, "a", "m", 100),
		levelFile("data/l2", 2, "a", "z", 400),
	)
	assert.Nil(t, p.Pick(balanced))

	top := mkLevels(t,
		levelFile("data/l1-a", 1, "a", "m", 300),
		levelFile("data/l1-b", 1, "n", "z", 300),
		levelFile("data/l2", 2, "a", "z", 400),
	)
	plan := p.Pick(top)
	require.NotNil(t, plan)
	assert.Equal(t, 2, plan.TargetLevel)
	assert.ElementsMatch(t, []string{"data/l1-a", "data/l1-b", "data/l2"}, planPaths(plan))
	assert.True(t, plan.DropDelete)
}

func TestLeveledPickFixesWorstImbalanceFirst(t *testing.T) {
	p := NewLeveled(LeveledOptions{Level0FileCount: 10, SizeRatio: 1.0})

	// Level 2 outgrew level 3 worse than level 1 outgrew level 2.
	levels := mkLevels(t,
		levelFile("data/l1-a", 1, "a", "c", 150),
		levelFile("data/l1-b", 1, "d", "f", 150),
		levelFile("data/l2-a", 2, "a", "c", 400),
		levelFile("data/l2-b", 2, "d", "f", 400),
		levelFile("data/l3", 3, "a", "f", 100),
	)

	plan := p.Pick(levels)
	require.NotNil(t, plan)
	assert.Equal(t, 3, plan.TargetLevel)
	assert.ElementsMatch(t, []string{"data/l2-a", "data/l2-b", "data/l3"}, planPaths(plan))
}

func TestLeveledPickIntoEmptyLevel(t *testing.T) {
	p := NewLeveled(LeveledOptions{Level0FileCount: 10})

	lone := mkLevels(t, levelFile("data/l1", 1, "a", "m", 100))
	assert.Nil(t, p.Pick(lone), "a single sorted file has nothing to merge with")

	pair := mkLevels(t,
		levelFile("data/l1-a", 1, "a", "m", 100),
		levelFile("data/l1-b", 1, "n", "z", 100),
	)
	plan := p.Pick(pair)
	require.NotNil(t, plan)
	assert.Equal(t, 2, plan.TargetLevel)
	assert.ElementsMatch(t, []string{"data/l1-a", "data/l1-b"}, planPaths(plan))
}

func TestLeveledPickFull(t *testing.T) {
	p := NewLeveled(DefaultLeveledOptions())

	levels := mkLevels(t,
		levelFile("data/l0", 0, "b", "f", 100),
		levelFile("data/l1", 1, "a", "c", 100),
		levelFile("data/l2", 2, "a", "z", 400),
	)

	plan := p.PickFull(levels)
	require.NotNil(t, plan)
	assert.Equal(t, DefaultMaxLevel, plan.TargetLevel)
	assert.Len(t, plan.Inputs, 3)
	assert.True(t, plan.DropDelete)
}

func TestLeveledPickFullCompactedBucket(t *testing.T) {
	p := NewLeveled(DefaultLeveledOptions())

	done := mkLevels(t, levelFile("data/final", DefaultMaxLevel, "a", "z", 400))
	assert.Nil(t, p.PickFull(done), "a single file at the deepest level is fully compacted")

	withDV := levelFile("data/final", DefaultMaxLevel, "a", "z", 400)
	withDV.DeleteVector = &meta.DeletionVectorRef{Path: "index/dv-1", Length: 16, Cardinality: 3}
	plan := p.PickFull(mkLevels(t, withDV))
	require.NotNil(t, plan, "a deletion vector is worth materializing")
	assert.True(t, plan.DropDelete)
}

func TestPlanFiles(t *testing.T) {
	levels := mkLevels(t,
		levelFile("data/a", 0, "a", "c", 100),
		levelFile("data/b", 0, "b", "d", 100),
		levelFile("data/c", 1, "x", "z", 100),
	)

	plan := PlanFiles(levels, []string{"data/a", "data/b"})
	require.NotNil(t, plan)
	assert.Equal(t, 1, plan.TargetLevel)
	assert.ElementsMatch(t, []string{"data/a", "data/b"}, planPaths(plan))
	assert.False(t, plan.DropDelete)
}

func TestPlanFilesClosesOverKeyOverlap(t *testing.T) {
	// data/far only overlaps once data/pull has grown the span.
	levels := mkLevels(t,
		levelFile("data/seed", 1, "b", "d", 100),
		levelFile("data/pull", 0, "c", "m", 100),
		levelFile("data/far", 1, "e", "g", 100),
		levelFile("data/out", 1, "x", "z", 100),
	)

	plan := PlanFiles(levels, []string{"data/seed"})
	require.NotNil(t, plan)
	assert.ElementsMatch(t, []string{"data/seed", "data/pull", "data/far"}, planPaths(plan))
	assert.Equal(t, 1, plan.TargetLevel)
}

func TestPlanFilesSkipsStaleNames(t *testing.T) {
	levels := mkLevels(t,
		levelFile("data/a", 0, "a", "c", 100),
		levelFile("data/b", 0, "b", "d", 100),
	)

	plan := PlanFiles(levels, []string{"data/gone", "data/a", "data/b"})
	require.NotNil(t, plan)
	assert.ElementsMatch(t, []string{"data/a", "data/b"}, planPaths(plan))

	assert.Nil(t, PlanFiles(levels, []string{"data/gone"}))
	assert.Nil(t, PlanFiles(levels, nil))
}

func TestPlanFilesSingleFile(t *testing.T) {
	plain := levelFile("data/a", 2, "a", "c", 100)
	assert.Nil(t, PlanFiles(mkLevels(t, plain), []string{"data/a"}),
		"rewriting one file with nothing to merge is a pure copy")

	withDV := plain
	withDV.DeleteVector = &meta.DeletionVectorRef{Path: "index/dv-1", Length: 16, Cardinality: 3}
	plan := PlanFiles(mkLevels(t, withDV), []string{"data/a"})
	require.NotNil(t, plan)
	assert.Equal(t, 2, plan.TargetLevel)
	assert.True(t, plan.DropDelete)
}
