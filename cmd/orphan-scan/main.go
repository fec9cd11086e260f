// Command orphan-scan reconciles off-chain task metadata against the ledger
// and prints the report as JSON.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"taskbridge/cmd/internal/bootstrap"
	"taskbridge/config"
	"taskbridge/recon"
)

const (
	exitOK    = 0
	exitScan  = 1
	exitUsage = 2
)

type cliOptions struct {
	configPath string
	daysBack   int
	batchSize  int
	dryRun     bool
	noDryRun   bool
	cleanup    bool
	help       bool
}

type reconciler interface {
	ScanAndCleanup(ctx context.Context, opts recon.ScanOptions, doCleanup bool) (*recon.Report, error)
}

func parseFlags(args []string, stderr io.Writer) (cliOptions, *flag.FlagSet, error) {
	var opts cliOptions
	fs := flag.NewFlagSet("orphan-scan", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.configPath, "config", "./config.toml", "path to taskd configuration")
	fs.IntVar(&opts.daysBack, "days-back", -1, "only scan records created within this many days (0 scans everything; default from config)")
	fs.IntVar(&opts.batchSize, "batch-size", -1, "records validated per batch (default from config)")
	fs.BoolVar(&opts.dryRun, "dry-run", false, "report intended cleanup without writing")
	fs.BoolVar(&opts.noDryRun, "no-dry-run", false, "apply cleanup")
	fs.BoolVar(&opts.cleanup, "cleanup", false, "clean up orphans found by the scan")
	fs.BoolVar(&opts.help, "help", false, "show usage")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: orphan-scan [--config path] [--days-back n] [--batch-size n] [--dry-run|--no-dry-run] [--cleanup]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return opts, fs, err
	}
	if opts.dryRun && opts.noDryRun {
		return opts, fs, errors.New("--dry-run and --no-dry-run are mutually exclusive")
	}
	if fs.NArg() > 0 {
		return opts, fs, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return opts, fs, nil
}

// scanOptions overlays the flags on the configured defaults.
func (o cliOptions) scanOptions(defaults recon.ScanOptions) recon.ScanOptions {
	opts := defaults
	if o.daysBack >= 0 {
		opts.DaysBack = o.daysBack
	}
	if o.batchSize > 0 {
		opts.BatchSize = o.batchSize
	}
	switch {
	case o.dryRun:
		opts.DryRun = true
	case o.noDryRun:
		opts.DryRun = false
	}
	return opts
}

// execute runs one pass and writes the report. Per-record failures are part of
// the report; only a scan-level error is returned.
func execute(ctx context.Context, r reconciler, opts recon.ScanOptions, cleanup bool, stdout io.Writer) error {
	report, err := r.ScanAndCleanup(ctx, opts, cleanup)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cli, fs, err := parseFlags(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return exitOK
	}
	if err != nil {
		fmt.Fprintf(stderr, "orphan-scan: %v\n", err)
		fs.Usage()
		return exitUsage
	}
	if cli.help {
		fs.Usage()
		return exitOK
	}

	cfg, err := config.Load(cli.configPath)
	if err != nil {
		fmt.Fprintf(stderr, "orphan-scan: %v\n", err)
		return exitScan
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "orphan-scan: %v\n", err)
		return exitScan
	}
	logger := bootstrap.Logger(cfg, "orphan-scan")

	rt, err := bootstrap.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open runtime", "error", err)
		return exitScan
	}
	defer rt.Close()

	scanner, err := rt.Scanner(rt.LogAlert)
	if err != nil {
		logger.Error("failed to build scanner", "error", err)
		return exitScan
	}
	if err := execute(ctx, scanner, cli.scanOptions(rt.ScanOptions()), cli.cleanup, stdout); err != nil {
		logger.Error("orphan scan failed", "error", err)
		return exitScan
	}
	return exitOK
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
