package merge

import "github.com/hupe1980/lakego/model"

// deduplicate keeps the latest version of a key verbatim.
type deduplicate struct {
	last model.Record
	seen bool
}

func (d *deduplicate) Reset([]byte) {
	d.last = model.Record{}
	d.seen = false
}

func (d *deduplicate) Add(r model.Record) error {
	d.last = r
	d.seen = true
	return nil
}

func (d *deduplicate) Result() (model.Record, bool, error) {
	if !d.seen {
		return model.Record{}, false, nil
	}
	return d.last, true, nil
}

// firstRow keeps the earliest version of a key and ignores the rest.
type firstRow struct {
	first model.Record
	seen  bool
}

func (f *firstRow) Reset([]byte) {
	f.first = model.Record{}
	f.seen = false
}

func (f *firstRow) Add(r model.Record) error {
	if !f.seen {
		f.first = r
		f.seen = true
	}
	return nil
}

func (f *firstRow) Result() (model.Record, bool, error) {
	if !f.seen {
		return model.Record{}, false, nil
	}
	return f.first, true, nil
}
