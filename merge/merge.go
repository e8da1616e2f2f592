// Package merge implements the engines that collapse multiple versions
// of a primary key into one record.
//
// A Func consumes the versions of one key oldest-first and yields the
// surviving record. The survivor can be a delete: compactions that do
// not reach the deepest level must keep tombstones, or rows buried in
// older levels would resurface. Scans (and full compactions) wrap the
// engine in DropDelete to turn trailing deletes into absence.
//
// The same engine instance drives merge-on-read and compaction
// rewrites, so a key collapses identically whether it is merged lazily
// at query time or materialized eagerly.
package merge

import (
	"fmt"

	"github.com/hupe1980/lakego/model"
)

// Engine names accepted in table configuration.
const (
	EngineDeduplicate   = "deduplicate"
	EngineFirstRow      = "first-row"
	EnginePartialUpdate = "partial-update"
	EngineAggregate     = "aggregate"
)

// Func collapses the versions of one key.
//
// Callers drive it as Reset, one Add per version in ascending sequence
// order, then Result. Records passed to Add must stay valid until
// Result returns; engines do not copy them.
type Func interface {
	// Reset starts a new key, discarding all prior state.
	Reset(key []byte)
	// Add feeds the next version, oldest first.
	Add(r model.Record) error
	// Result returns the surviving record. ok is false when nothing
	// survives for the key, not even a tombstone.
	Result() (model.Record, bool, error)
}

// Config selects and parameterizes a merge engine. The zero value means
// deduplicate.
type Config struct {
	// Engine is one of the Engine* names. Empty selects deduplicate.
	Engine string `json:"engine,omitempty" yaml:"engine,omitempty"`

	// IgnoreDelete makes partial-update and aggregate keep their
	// accumulator when a delete arrives instead of resetting it.
	IgnoreDelete bool `json:"ignore_delete,omitempty" yaml:"ignore_delete,omitempty"`

	// Aggregators maps field names to aggregator names for the
	// aggregate engine.
	Aggregators map[string]string `json:"aggregators,omitempty" yaml:"aggregators,omitempty"`

	// DefaultAggregator applies to fields absent from Aggregators.
	// Empty means last_non_null.
	DefaultAggregator string `json:"default_aggregator,omitempty" yaml:"default_aggregator,omitempty"`
}

// Factory creates fresh engine instances. Engines are stateful and not
// safe for concurrent use; every reader and every rewrite gets its own.
type Factory func() Func

// NewFactory validates the configuration against the schema and returns
// a factory for it. All configuration errors surface here, before any
// I/O happens.
func NewFactory(cfg Config, schema *model.Schema) (Factory, error) {
	if schema == nil {
		return nil, fmt.Errorf("merge: nil schema")
	}
	if !schema.HasPrimaryKey() {
		return nil, fmt.Errorf("merge: table has no primary key")
	}

	engine := cfg.Engine
	if engine == "" {
		engine = EngineDeduplicate
	}
	if engine != EngineAggregate {
		if len(cfg.Aggregators) > 0 || cfg.DefaultAggregator != "" {
			return nil, fmt.Errorf("merge: aggregators configured for engine %q", engine)
		}
	}
	if cfg.IgnoreDelete && engine != EnginePartialUpdate && engine != EngineAggregate {
		return nil, fmt.Errorf("merge: ignore_delete does not apply to engine %q", engine)
	}

	switch engine {
	case EngineDeduplicate:
		return func() Func { return &deduplicate{} }, nil
	case EngineFirstRow:
		return func() Func { return &firstRow{} }, nil
	case EnginePartialUpdate:
		fieldCount := len(schema.Fields)
		ignore := cfg.IgnoreDelete
		return func() Func {
			return &partialUpdate{
				ignoreDelete: ignore,
				acc:          make(model.Row, fieldCount),
			}
		}, nil
	case EngineAggregate:
		makers, err := resolveAggregators(cfg, schema)
		if err != nil {
			return nil, err
		}
		ignore := cfg.IgnoreDelete
		return func() Func {
			aggs := make([]aggregator, len(makers))
			for i, mk := range makers {
				aggs[i] = mk()
			}
			return &aggregate{ignoreDelete: ignore, aggs: aggs}
		}, nil
	default:
		return nil, fmt.Errorf("merge: unknown engine %q", engine)
	}
}

// DropDelete wraps an engine so that a surviving delete becomes
// absence. This is the merged view scans consume.
func DropDelete(f Func) Func {
	return &dropDelete{inner: f}
}

type dropDelete struct {
	inner Func
}

func (d *dropDelete) Reset(key []byte) { d.inner.Reset(key) }

func (d *dropDelete) Add(r model.Record) error { return d.inner.Add(r) }

func (d *dropDelete) Result() (model.Record, bool, error) {
	rec, ok, err := d.inner.Result()
	if err != nil || !ok {
		return model.Record{}, false, err
	}
	if rec.Kind == model.KindDelete {
		return model.Record{}, false, nil
	}
	return rec, true, nil
}
