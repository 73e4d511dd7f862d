package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/colinrgodsey/msacache/pkg/chainmap"
	"github.com/colinrgodsey/msacache/pkg/config"
	"github.com/colinrgodsey/msacache/pkg/fasta"
	"github.com/colinrgodsey/msacache/pkg/janitor"
	"github.com/colinrgodsey/msacache/pkg/msacache"
	"github.com/colinrgodsey/msacache/pkg/proxy"
	"github.com/colinrgodsey/msacache/pkg/storage"
	"github.com/colinrgodsey/msacache/pkg/telemetry"
)

var errChainsFailed = errors.New("one or more chains failed")

// logOutput is where logs go; tests swap it out.
var logOutput io.Writer = os.Stderr

type rootOptions struct {
	v          *viper.Viper
	configPath string
	strict     bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{v: viper.New()}

	root := &cobra.Command{
		Use:          "msacache",
		Short:        "Fetch and store precomputed MSAs in a remote cache",
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "path to config file (default ./msacache.yaml if present)")
	pf.BoolVar(&opts.strict, "strict", false, "exit non-zero when any chain fails")
	pf.String("bucket", config.DefaultBucket, "cache bucket")
	pf.String("params", "", "MSA generation parameters mixed into every cache key")
	pf.String("backend", config.BackendGCS, "remote store: gcs, reapi, local or null")
	pf.String("target", "", "reapi: grpc://host:port of the cache")
	pf.String("local-dir", "", "local: root directory of the cache")
	pf.String("local-tier-dir", "", "keep a read-through copy of archives in this directory")
	pf.Int64("local-tier-max-mb", 0, "prune the local tier to this size after each run (0 = unbounded)")
	pf.Int("concurrency", 1, "chains processed at once")
	pf.Bool("keep-archives", false, "keep <chain_id>.zip after store")
	pf.String("log-level", "info", "debug, info, warn or error")

	for key, flag := range map[string]string{
		"cache.bucket":              "bucket",
		"cache.msa_gen_params":      "params",
		"cache.concurrency":         "concurrency",
		"cache.keep_archives":       "keep-archives",
		"backend.type":              "backend",
		"backend.target":            "target",
		"backend.local_dir":         "local-dir",
		"backend.local_tier_dir":    "local-tier-dir",
		"backend.local_tier_max_mb": "local-tier-max-mb",
		"log_level":                 "log-level",
	} {
		if err := opts.v.BindPFlag(key, pf.Lookup(flag)); err != nil {
			panic(err)
		}
	}

	root.AddCommand(newPreloadCmd(opts), newStoreCmd(opts), newKeyCmd(opts))
	return root
}

func newPreloadCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "preload <input_fasta> <msa_output_dir>",
		Short: "Download cached MSAs for every chain of the input",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd.Context(), func(ctx context.Context, c *msacache.Client) (*msacache.Report, error) {
				return c.Preload(ctx, args[0], args[1])
			})
		},
	}
}

func newStoreCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "store <msa_output_dir>",
		Short: "Upload computed MSAs that are not cached yet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd.Context(), func(ctx context.Context, c *msacache.Client) (*msacache.Report, error) {
				return c.Store(ctx, args[0])
			})
		},
	}
}

func newKeyCmd(opts *rootOptions) *cobra.Command {
	var fastaPath string
	cmd := &cobra.Command{
		Use:   "key [sequence...]",
		Short: "Print cache keys without touching the remote store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.v, opts.configPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, seq := range args {
				fmt.Fprintln(out, msacache.Key(seq, cfg.Cache.GenParams))
			}
			if fastaPath == "" {
				return nil
			}

			records, err := fasta.ParseFile(fastaPath)
			if err != nil {
				return err
			}
			m, err := chainmap.FromRecords(records)
			if err != nil {
				return err
			}
			for _, id := range m.IDs() {
				fmt.Fprintf(out, "%s\t%s\n", id, msacache.Key(m[id].Sequence, cfg.Cache.GenParams))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&fastaPath, "fasta", "", "print the key of every chain in this FASTA file")
	return cmd
}

type operation func(ctx context.Context, c *msacache.Client) (*msacache.Report, error)

func (o *rootOptions) run(ctx context.Context, op operation) (err error) {
	cfg, err := config.Load(o.v, o.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if _, err := telemetry.SetupLogging(logOutput, cfg.LogLevel, cfg.LogFormat); err != nil {
		return err
	}

	reg, shutdown, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		if serr := shutdown(context.WithoutCancel(ctx)); serr != nil {
			slog.Warn("telemetry shutdown failed", "error", serr)
		}
	}()

	store, err := storage.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", cfg.Backend.Type, err)
	}
	tiered, err := proxy.Wrap(cfg.Backend, cfg.Cache.Bucket, store)
	if err != nil {
		return fmt.Errorf("failed to open local tier: %w", err)
	}
	defer storage.Close(tiered)

	client := msacache.NewClient(cfg.Cache, tiered, telemetry.NewMetrics(reg))
	report, err := op(ctx, client)
	if err != nil {
		return err
	}

	if dir := cfg.Backend.LocalTierDir; dir != "" {
		stats, jerr := janitor.New(dir, cfg.Backend.LocalTierMaxMB<<20).Cleanup(ctx)
		if jerr != nil {
			slog.Warn("local tier cleanup failed", "error", jerr)
		} else if stats.Removed > 0 {
			slog.Info("pruned local tier", "removed", stats.Removed, "freed_bytes", stats.FreedBytes)
		}
	}

	slog.Info("done", "op", report.Op,
		"hit", report.Count(msacache.OutcomeHit),
		"miss", report.Count(msacache.OutcomeMiss),
		"uploaded", report.Count(msacache.OutcomeUploaded),
		"present", report.Count(msacache.OutcomePresent),
		"failed", len(report.Failed()),
	)
	if failed := report.Failed(); len(failed) > 0 && o.strict {
		return fmt.Errorf("%w: %v", errChainsFailed, failed)
	}
	return nil
}
