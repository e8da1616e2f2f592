package merge

import (
	"fmt"

	"github.com/hupe1980/lakego/model"
)

// partialUpdate accumulates non-null fields across versions; later
// non-null values overwrite earlier ones. A delete resets the
// accumulator unless ignoreDelete is set, in which case the delete has
// no effect at all.
type partialUpdate struct {
	ignoreDelete bool

	acc     model.Row
	key     []byte
	seq     uint64
	seen    bool
	seeded  bool
	tomb    model.Record
	hasTomb bool
}

func (p *partialUpdate) Reset([]byte) {
	for i := range p.acc {
		p.acc[i] = model.Null()
	}
	p.key = nil
	p.seq = 0
	p.seen = false
	p.seeded = false
	p.tomb = model.Record{}
	p.hasTomb = false
}

func (p *partialUpdate) Add(r model.Record) error {
	if len(r.Row) != len(p.acc) {
		return fmt.Errorf("merge: record has %d fields, expected %d", len(r.Row), len(p.acc))
	}
	p.seen = true
	p.key = r.Key
	p.seq = r.Sequence

	if r.Kind == model.KindDelete {
		if p.ignoreDelete {
			return nil
		}
		for i := range p.acc {
			p.acc[i] = model.Null()
		}
		p.seeded = false
		p.tomb = r
		p.hasTomb = true
		return nil
	}

	p.seeded = true
	for i, v := range r.Row {
		if !v.IsNull() {
			p.acc[i] = v
		}
	}
	return nil
}

func (p *partialUpdate) Result() (model.Record, bool, error) {
	switch {
	case !p.seen:
		return model.Record{}, false, nil
	case p.seeded:
		return model.Record{
			Key:      p.key,
			Sequence: p.seq,
			Kind:     model.KindInsert,
			Row:      p.acc.Clone(),
		}, true, nil
	case p.hasTomb:
		// Only deletes survive; keep the tombstone so older levels
		// stay retracted.
		return p.tomb, true, nil
	default:
		// Deletes arrived but were ignored.
		return model.Record{}, false, nil
	}
}
