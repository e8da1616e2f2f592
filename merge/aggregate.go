package merge

import (
	"fmt"

	"github.com/hupe1980/lakego/model"
)

// Aggregator names accepted in Config.Aggregators.
//
// Every aggregator is associative over its own results, so a value
// materialized by compaction re-enters a later merge as the oldest
// version and the outcome matches merging the raw history. count relies
// on sources writing partial counts (typically 1 per row) and summing
// them; counting arrivals instead would double-count after compaction.
const (
	AggSum          = "sum"
	AggMin          = "min"
	AggMax          = "max"
	AggCount        = "count"
	AggLastNonNull  = "last_non_null"
	AggFirstNonNull = "first_non_null"
	AggBoolAnd      = "bool_and"
	AggBoolOr       = "bool_or"
)

// aggregate applies one aggregator per field across versions. Deletes
// reset all aggregators unless ignoreDelete is set.
type aggregate struct {
	ignoreDelete bool
	aggs         []aggregator

	key     []byte
	seq     uint64
	seen    bool
	seeded  bool
	tomb    model.Record
	hasTomb bool
}

func (a *aggregate) Reset([]byte) {
	for _, g := range a.aggs {
		g.reset()
	}
	a.key = nil
	a.seq = 0
	a.seen = false
	a.seeded = false
	a.tomb = model.Record{}
	a.hasTomb = false
}

func (a *aggregate) Add(r model.Record) error {
	if len(r.Row) != len(a.aggs) {
		return fmt.Errorf("merge: record has %d fields, expected %d", len(r.Row), len(a.aggs))
	}
	a.seen = true
	a.key = r.Key
	a.seq = r.Sequence

	if r.Kind == model.KindDelete {
		if a.ignoreDelete {
			return nil
		}
		for _, g := range a.aggs {
			g.reset()
		}
		a.seeded = false
		a.tomb = r
		a.hasTomb = true
		return nil
	}

	a.seeded = true
	for i, v := range r.Row {
		if err := a.aggs[i].add(v); err != nil {
			return err
		}
	}
	return nil
}

func (a *aggregate) Result() (model.Record, bool, error) {
	switch {
	case !a.seen:
		return model.Record{}, false, nil
	case a.seeded:
		row := make(model.Row, len(a.aggs))
		for i, g := range a.aggs {
			row[i] = g.result()
		}
		return model.Record{
			Key:      a.key,
			Sequence: a.seq,
			Kind:     model.KindInsert,
			Row:      row,
		}, true, nil
	case a.hasTomb:
		return a.tomb, true, nil
	default:
		return model.Record{}, false, nil
	}
}

// aggregator folds the values of one field. Null inputs never change
// state.
type aggregator interface {
	reset()
	add(v model.Value) error
	result() model.Value
}

// resolveAggregators maps every schema field to an aggregator maker.
// Key fields always keep their latest value; configuring them is an
// error.
func resolveAggregators(cfg Config, schema *model.Schema) ([]func() aggregator, error) {
	keySet := make(map[string]struct{}, len(schema.KeyFields))
	for _, k := range schema.KeyFields {
		keySet[k] = struct{}{}
	}
	for name := range cfg.Aggregators {
		if schema.FieldIndex(name) < 0 {
			return nil, fmt.Errorf("merge: aggregator for unknown field %q", name)
		}
		if _, isKey := keySet[name]; isKey {
			return nil, fmt.Errorf("merge: aggregator configured for key field %q", name)
		}
	}

	def := cfg.DefaultAggregator
	if def == "" {
		def = AggLastNonNull
	}
	if !validAggregatorName(def) {
		return nil, fmt.Errorf("merge: unknown default aggregator %q", def)
	}

	makers := make([]func() aggregator, len(schema.Fields))
	for i, f := range schema.Fields {
		name := def
		if _, isKey := keySet[f.Name]; isKey {
			name = AggLastNonNull
		} else if n, ok := cfg.Aggregators[f.Name]; ok {
			name = n
		}
		mk, err := newAggregator(name, f.Type)
		if err != nil {
			return nil, fmt.Errorf("merge: field %q: %w", f.Name, err)
		}
		makers[i] = mk
	}
	return makers, nil
}

func validAggregatorName(name string) bool {
	switch name {
	case AggSum, AggMin, AggMax, AggCount, AggLastNonNull, AggFirstNonNull, AggBoolAnd, AggBoolOr:
		return true
	}
	return false
}

func newAggregator(name string, typ model.ValueType) (func() aggregator, error) {
	switch name {
	case AggLastNonNull:
		return func() aggregator { return &lastNonNull{} }, nil
	case AggFirstNonNull:
		return func() aggregator { return &firstNonNull{} }, nil
	case AggMin:
		return func() aggregator { return &minMax{typ: typ, keepMin: true} }, nil
	case AggMax:
		return func() aggregator { return &minMax{typ: typ} }, nil
	case AggSum, AggCount:
		switch typ {
		case model.TypeInt64:
			return func() aggregator { return &sumInt{} }, nil
		case model.TypeFloat64:
			if name == AggCount {
				return nil, fmt.Errorf("aggregator %s requires an int64 field, got %s", name, typ)
			}
			return func() aggregator { return &sumFloat{} }, nil
		default:
			return nil, fmt.Errorf("aggregator %s does not support type %s", name, typ)
		}
	case AggBoolAnd, AggBoolOr:
		if typ != model.TypeBool {
			return nil, fmt.Errorf("aggregator %s requires a bool field, got %s", name, typ)
		}
		or := name == AggBoolOr
		return func() aggregator { return &boolFold{or: or} }, nil
	default:
		return nil, fmt.Errorf("unknown aggregator %q", name)
	}
}

type lastNonNull struct {
	v model.Value
}

func (a *lastNonNull) reset() { a.v = model.Null() }

func (a *lastNonNull) add(v model.Value) error {
	if !v.IsNull() {
		a.v = v
	}
	return nil
}

func (a *lastNonNull) result() model.Value { return a.v }

type firstNonNull struct {
	v   model.Value
	set bool
}

func (a *firstNonNull) reset() { a.v, a.set = model.Null(), false }

func (a *firstNonNull) add(v model.Value) error {
	if !a.set && !v.IsNull() {
		a.v, a.set = v, true
	}
	return nil
}

func (a *firstNonNull) result() model.Value { return a.v }

type minMax struct {
	typ     model.ValueType
	keepMin bool
	v       model.Value
	set     bool
}

func (a *minMax) reset() { a.v, a.set = model.Null(), false }

func (a *minMax) add(v model.Value) error {
	if v.IsNull() {
		return nil
	}
	if v.Type() != a.typ {
		return fmt.Errorf("merge: min/max: got %s, want %s", v.Type(), a.typ)
	}
	if !a.set {
		a.v, a.set = v, true
		return nil
	}
	c := model.CompareValues(v, a.v)
	if (a.keepMin && c < 0) || (!a.keepMin && c > 0) {
		a.v = v
	}
	return nil
}

func (a *minMax) result() model.Value { return a.v }

type sumInt struct {
	n   int64
	set bool
}

func (a *sumInt) reset() { a.n, a.set = 0, false }

func (a *sumInt) add(v model.Value) error {
	if v.IsNull() {
		return nil
	}
	if v.Type() != model.TypeInt64 {
		return fmt.Errorf("merge: sum: got %s, want int64", v.Type())
	}
	a.n += v.AsInt64()
	a.set = true
	return nil
}

func (a *sumInt) result() model.Value {
	if !a.set {
		return model.Null()
	}
	return model.Int64(a.n)
}

type sumFloat struct {
	f   float64
	set bool
}

func (a *sumFloat) reset() { a.f, a.set = 0, false }

func (a *sumFloat) add(v model.Value) error {
	if v.IsNull() {
		return nil
	}
	if v.Type() != model.TypeFloat64 {
		return fmt.Errorf("merge: sum: got %s, want float64", v.Type())
	}
	a.f += v.AsFloat64()
	a.set = true
	return nil
}

func (a *sumFloat) result() model.Value {
	if !a.set {
		return model.Null()
	}
	return model.Float64(a.f)
}

type boolFold struct {
	or  bool
	v   bool
	set bool
}

func (a *boolFold) reset() { a.v, a.set = false, false }

func (a *boolFold) add(v model.Value) error {
	if v.IsNull() {
		return nil
	}
	if v.Type() != model.TypeBool {
		return fmt.Errorf("merge: bool fold: got %s, want bool", v.Type())
	}
	b := v.AsBool()
	if !a.set {
		a.v, a.set = b, true
		return nil
	}
	if a.or {
		a.v = a.v || b
	} else {
		a.v = a.v && b
	}
	return nil
}

func (a *boolFold) result() model.Value {
	if !a.set {
		return model.Null()
	}
	return model.Bool(a.v)
}
