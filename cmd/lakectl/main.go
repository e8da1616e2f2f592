// Command lakectl runs maintenance against a lakego table: manual
// compaction, snapshot expiration, orphan file cleanup and history
// inspection. It exits 0 on success and non-zero with a message on any
// failure.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hupe1980/lakego"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "compact":
		err = compactCmd(ctx, os.Args[2:])
	case "expire":
		err = expireCmd(ctx, os.Args[2:])
	case "cleanup":
		err = cleanupCmd(ctx, os.Args[2:])
	case "snapshots":
		err = snapshotsCmd(ctx, os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "lakectl: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`lakectl - maintenance for lakego tables

Usage:
  lakectl <command> [options]

Commands:
  compact     Rewrite buckets and fold delete markers away
  expire      Truncate old snapshots and delete their exclusive files
  cleanup     Delete orphan files no snapshot references
  snapshots   List the retained snapshot chain
  help        Show this help

Common options:
  -table      Table path: local directory or s3://bucket/prefix
  -config     YAML config file (flags override it)

Examples:
  lakectl compact -table ./warehouse/events -full
  lakectl expire -table s3://lake/events -retain-min 10 -max-age 168h
  lakectl cleanup -config lakectl.yaml -grace 48h
  lakectl snapshots -table ./warehouse/events`)
}

// commonFlags holds the flags every subcommand shares.
type commonFlags struct {
	config string
	table  string
}

func registerCommon(fs *flag.FlagSet) *commonFlags {
	c := &commonFlags{}
	fs.StringVar(&c.config, "config", "", "YAML config file")
	fs.StringVar(&c.table, "table", "", "table path: local directory or s3://bucket/prefix")
	return c
}

// open loads the config and opens the table it points at. Background
// compaction stays off; lakectl runs maintenance explicitly.
func (c *commonFlags) open(ctx context.Context) (*lakego.Table, Config, error) {
	cfg, err := loadConfig(c.config)
	if err != nil {
		return nil, cfg, err
	}

	path := c.table
	if path == "" {
		path = cfg.Table.Path
	}
	if path == "" {
		return nil, cfg, errors.New("no table path: pass -table or set table.path in the config")
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, cfg, err
	}
	store, err := newStore(ctx, path)
	if err != nil {
		return nil, cfg, err
	}

	tbl, err := lakego.Open(ctx, store,
		lakego.WithBackgroundCompaction(false),
		lakego.WithLogger(logger.WithTable(path)),
	)
	if err != nil {
		return nil, cfg, fmt.Errorf("open %s: %w", path, err)
	}
	return tbl, cfg, nil
}

// flagWasSet reports whether the named flag appeared on the command
// line, distinguishing "explicit zero" from "not given".
func flagWasSet(fs *flag.FlagSet, name string) bool {
	set := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

func compactCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("compact", flag.ExitOnError)
	common := registerCommon(fs)
	full := fs.Bool("full", false, "rewrite selected buckets completely, dropping delete markers")
	partition := fs.String("partition", "", "only this partition, e.g. region=eu,dt=2024-01-01")
	bucket := fs.Int("bucket", -1, "only this bucket (-1 for all)")
	fs.Parse(args)

	tbl, _, err := common.open(ctx)
	if err != nil {
		return err
	}
	defer tbl.Close()

	req := lakego.CompactRequest{Full: *full}
	if *partition != "" {
		req.Partition, err = parsePartition(tbl.Schema(), *partition)
		if err != nil {
			return err
		}
	}
	if *bucket >= 0 {
		req.Buckets = []uint32{uint32(*bucket)}
	}

	if err := tbl.Compact(ctx, req); err != nil {
		return err
	}
	fmt.Println("compaction complete")
	return nil
}

func expireCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("expire", flag.ExitOnError)
	common := registerCommon(fs)
	retainMin := fs.Int("retain-min", 0, "always keep at least this many snapshots")
	retainMax := fs.Int("retain-max", 0, "cap the chain at this many snapshots")
	maxAge := fs.Duration("max-age", 0, "expire snapshots older than this")
	fs.Parse(args)

	tbl, cfg, err := common.open(ctx)
	if err != nil {
		return err
	}
	defer tbl.Close()

	policy, err := cfg.Expire.policy()
	if err != nil {
		return err
	}
	if flagWasSet(fs, "retain-min") {
		policy.RetainMin = *retainMin
	}
	if flagWasSet(fs, "retain-max") {
		policy.RetainMax = *retainMax
	}
	if flagWasSet(fs, "max-age") {
		policy.MaxAge = *maxAge
	}

	res, err := tbl.ExpireSnapshots(ctx, policy)
	if err != nil {
		return err
	}
	if len(res.Expired) == 0 {
		fmt.Println("nothing to expire")
		return nil
	}
	fmt.Printf("expired %d snapshots (%d..%d): deleted %d data files, %d manifests, %d lists\n",
		len(res.Expired), res.Expired[0], res.Expired[len(res.Expired)-1],
		res.DataFiles, res.Manifests, res.Lists)
	return nil
}

func cleanupCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("cleanup", flag.ExitOnError)
	common := registerCommon(fs)
	grace := fs.Duration("grace", 0, "protect files younger than this (default 24h)")
	verbose := fs.Bool("v", false, "print every deleted file")
	fs.Parse(args)

	tbl, cfg, err := common.open(ctx)
	if err != nil {
		return err
	}
	defer tbl.Close()

	policy, err := cfg.Cleanup.policy()
	if err != nil {
		return err
	}
	if flagWasSet(fs, "grace") {
		policy.GracePeriod = *grace
	}

	res, err := tbl.Cleanup(ctx, policy)
	if err != nil {
		return err
	}
	if *verbose {
		for _, name := range res.Deleted {
			fmt.Println(name)
		}
	}
	fmt.Printf("deleted %d orphan files\n", len(res.Deleted))
	return nil
}

func snapshotsCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("snapshots", flag.ExitOnError)
	common := registerCommon(fs)
	limit := fs.Int("limit", 0, "show at most this many entries (0 for all)")
	fs.Parse(args)

	tbl, _, err := common.open(ctx)
	if err != nil {
		return err
	}
	defer tbl.Close()

	snaps, err := tbl.Snapshots(ctx)
	if err != nil {
		return err
	}
	if len(snaps) == 0 {
		fmt.Println("no snapshots")
		return nil
	}

	fmt.Printf("%-8s %-10s %-25s %s\n", "ID", "KIND", "TIME", "COMMIT")
	for i, snap := range snaps {
		if *limit > 0 && i == *limit {
			break
		}
		fmt.Printf("%-8d %-10s %-25s %s\n",
			snap.ID, snap.Kind, snap.Time.Format(time.RFC3339), snap.CommitID)
	}
	return nil
}
