package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/hupe1980/lakego"
	"github.com/hupe1980/lakego/blobstore"
	"github.com/hupe1980/lakego/blobstore/s3"
	"github.com/hupe1980/lakego/model"
)

// Config is the lakectl YAML configuration. Every field has a flag
// override; durations are Go duration strings ("1h", "168h").
type Config struct {
	Table   TableConfig   `yaml:"table"`
	Log     LogConfig     `yaml:"log"`
	Expire  ExpireConfig  `yaml:"expire"`
	Cleanup CleanupConfig `yaml:"cleanup"`
}

type TableConfig struct {
	// Path is a local directory or an s3://bucket/prefix URI.
	Path string `yaml:"path"`
}

type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type ExpireConfig struct {
	RetainMin int    `yaml:"retain_min"`
	RetainMax int    `yaml:"retain_max"`
	MaxAge    string `yaml:"max_age"`
}

type CleanupConfig struct {
	GracePeriod string `yaml:"grace_period"`
}

func defaultConfig() Config {
	return Config{
		Log:    LogConfig{Level: "info"},
		Expire: ExpireConfig{RetainMin: 10, MaxAge: "1h"},
	}
}

// loadConfig reads the YAML file at path. A missing file is not an
// error; the defaults apply and flags can fill in the rest.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

func (c ExpireConfig) policy() (lakego.ExpirePolicy, error) {
	policy := lakego.ExpirePolicy{RetainMin: c.RetainMin, RetainMax: c.RetainMax}
	if c.MaxAge != "" {
		d, err := time.ParseDuration(c.MaxAge)
		if err != nil {
			return policy, fmt.Errorf("expire.max_age: %w", err)
		}
		policy.MaxAge = d
	}
	return policy, nil
}

func (c CleanupConfig) policy() (lakego.CleanupPolicy, error) {
	var policy lakego.CleanupPolicy
	if c.GracePeriod != "" {
		d, err := time.ParseDuration(c.GracePeriod)
		if err != nil {
			return policy, fmt.Errorf("cleanup.grace_period: %w", err)
		}
		policy.GracePeriod = d
	}
	return policy, nil
}

func newLogger(cfg LogConfig) (*lakego.Logger, error) {
	var level slog.Level
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("log.level: %w", err)
		}
	}
	if cfg.JSON {
		return lakego.NewJSONLogger(level), nil
	}
	return lakego.NewTextLogger(level), nil
}

// newStore resolves a table path to a blob store. s3:// URIs use the
// ambient AWS configuration; everything else is a local directory.
func newStore(ctx context.Context, path string) (blobstore.BlobStore, error) {
	if rest, ok := strings.CutPrefix(path, "s3://"); ok {
		bucket, prefix, _ := strings.Cut(rest, "/")
		if bucket == "" {
			return nil, fmt.Errorf("s3 path %q: missing bucket", path)
		}
		return s3.NewFromDefaultConfig(ctx, bucket, prefix)
	}
	return blobstore.NewLocalStore(path)
}

// parsePartition turns "region=eu,dt=2024-01-01" into a typed partition
// tuple using the table schema.
func parsePartition(schema *model.Schema, s string) (model.Partition, error) {
	var part model.Partition
	for _, kv := range strings.Split(s, ",") {
		name, raw, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("partition %q: want name=value", kv)
		}
		idx := schema.FieldIndex(name)
		if idx < 0 {
			return nil, fmt.Errorf("partition field %q not in schema", name)
		}
		value, err := parseValue(schema.Fields[idx].Type, raw)
		if err != nil {
			return nil, fmt.Errorf("partition field %q: %w", name, err)
		}
		part = append(part, model.PartitionField{Name: name, Value: value})
	}
	return part, nil
}

func parseValue(typ model.ValueType, raw string) (model.Value, error) {
	switch typ {
	case model.TypeString:
		return model.String(raw), nil
	case model.TypeInt64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return model.Value{}, err
		}
		return model.Int64(n), nil
	case model.TypeFloat64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return model.Value{}, err
		}
		return model.Float64(f), nil
	case model.TypeBool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return model.Value{}, err
		}
		return model.Bool(b), nil
	default:
		return model.Value{}, fmt.Errorf("unsupported partition type %s", typ)
	}
}
