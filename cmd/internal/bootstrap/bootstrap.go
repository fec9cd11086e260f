// Package bootstrap builds the components shared by taskd and orphan-scan
// from a loaded configuration.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"

	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"

	"taskbridge/config"
	"taskbridge/ledger"
	"taskbridge/metadata"
	"taskbridge/observability"
	"taskbridge/observability/logging"
	"taskbridge/recon"
	"taskbridge/validator"
)

// Runtime holds the store and ledger connections.
type Runtime struct {
	Config    *config.Config
	Logger    *slog.Logger
	Store     *metadata.Store
	RPC       *ethclient.Client
	Ledger    *ledger.Client
	Validator *validator.Validator
}

// Logger configures slog for service from the logging section.
func Logger(cfg *config.Config, service string) *slog.Logger {
	return logging.SetupWithOptions(logging.Options{
		Service:    service,
		Env:        cfg.Environment,
		Level:      logging.ParseLevel(cfg.Logging.Level),
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Writer:     os.Stdout,
	})
}

// Open connects the off-chain store and the ledger.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	store, err := metadata.Open(cfg.DatabaseDSN)
	if err != nil {
		return nil, err
	}
	rpc, err := ledger.Dial(ctx, cfg.Ledger.RPCURL, cfg.Ledger.ChainID)
	if err != nil {
		closeStore(store)
		return nil, err
	}
	client, err := ledger.NewClient(ledger.Config{
		RPC:            rpc,
		ChainID:        cfg.Ledger.ChainID,
		Contracts:      cfg.Ledger.Contracts(),
		PollInterval:   cfg.Ledger.PollInterval(),
		ConfirmTimeout: cfg.Ledger.ConfirmTimeout(),
	})
	if err != nil {
		rpc.Close()
		closeStore(store)
		return nil, err
	}
	v, err := validator.New(validator.Config{
		Reader:  client,
		Timeout: cfg.Validator.Timeout(),
		Logger:  logger,
		Metrics: observability.Validator(),
	})
	if err != nil {
		rpc.Close()
		closeStore(store)
		return nil, err
	}
	return &Runtime{
		Config:    cfg,
		Logger:    logger,
		Store:     store,
		RPC:       rpc,
		Ledger:    client,
		Validator: v,
	}, nil
}

// Scanner builds a reconciliation scanner paced by the recon section.
func (r *Runtime) Scanner(alert recon.AlertFunc) (*recon.Scanner, error) {
	var limiter *rate.Limiter
	if rps := r.Config.Recon.RequestsPerSecond; rps > 0 {
		burst := int(math.Ceil(rps))
		if burst < r.Config.Recon.Concurrency {
			burst = r.Config.Recon.Concurrency
		}
		limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	scanner, err := recon.NewScanner(recon.Config{
		Store:       r.Store,
		Validator:   r.Validator,
		ChainID:     r.Config.Ledger.ChainID,
		Concurrency: r.Config.Recon.Concurrency,
		BatchDelay:  r.Config.Recon.BatchDelay(),
		Limiter:     limiter,
		OutputDir:   r.Config.Recon.OutputDir,
		Alert:       alert,
		Logger:      r.Logger,
		Metrics:     observability.Recon(),
	})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: scanner: %w", err)
	}
	return scanner, nil
}

// ScanOptions returns the configured default scan options.
func (r *Runtime) ScanOptions() recon.ScanOptions {
	return recon.ScanOptions{
		DaysBack:  r.Config.Recon.DaysBack,
		BatchSize: r.Config.Recon.BatchSize,
		DryRun:    r.Config.Recon.DryRun,
	}
}

// LogAlert is an AlertFunc that logs each orphan as a warning.
func (r *Runtime) LogAlert(_ context.Context, orphan recon.OrphanRecord) error {
	r.Logger.Warn("orphaned task metadata",
		slog.String("task_id", orphan.TaskID),
		slog.String("reason", orphan.Reason),
		logging.MaskAddress("creator", orphan.Creator))
	return nil
}

// Close releases the store and RPC connections.
func (r *Runtime) Close() {
	if r == nil {
		return
	}
	if r.RPC != nil {
		r.RPC.Close()
	}
	closeStore(r.Store)
}

func closeStore(store *metadata.Store) {
	if store == nil {
		return
	}
	if sqlDB, err := store.DB().DB(); err == nil {
		_ = sqlDB.Close()
	}
}
