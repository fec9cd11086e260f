// Command taskd runs the taskbridge daemon: the HTTP surface, the retry queue,
// the daily reconciliation scan and the server wallet used for task creation.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"taskbridge/cmd/internal/bootstrap"
	"taskbridge/cmd/internal/passphrase"
	"taskbridge/config"
	"taskbridge/creation"
	"taskbridge/crypto"
	"taskbridge/gateway"
	"taskbridge/gateway/middleware"
	"taskbridge/netstate"
	"taskbridge/observability"
	telemetry "taskbridge/observability/otel"
	"taskbridge/recon"
	"taskbridge/retry"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.toml", "path to taskd configuration")
	flag.Parse()

	if err := run(cfgPath); err != nil {
		fmt.Fprintf(os.Stderr, "taskd: %v\n", err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := bootstrap.Logger(cfg, "taskd")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	key, err := loadSignerKey(cfg)
	if err != nil {
		return err
	}
	shutdownTelemetry, err := telemetry.Init(ctx, telemetryConfig(cfg, key.Address().Hex(), os.LookupEnv))
	if err != nil {
		return fmt.Errorf("initialise telemetry: %w", err)
	}
	defer func() {
		_ = shutdownTelemetry(context.Background())
	}()

	rt, err := bootstrap.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	registry, err := loadRegistry(cfg)
	if err != nil {
		return err
	}
	wallet, err := netstate.NewKeyedWallet(key, cfg.Ledger.ChainID, registry.Networks...)
	if err != nil {
		return err
	}
	machine, err := netstate.New(netstate.Config{
		Wallet:         wallet,
		SystemChainID:  cfg.Ledger.ChainID,
		Networks:       registry.Networks,
		ConfirmTimeout: cfg.Network.ConfirmTimeout(),
		Logger:         logger,
		Metrics:        observability.Network(),
	})
	if err != nil {
		return err
	}
	go machine.Watch(ctx)

	queue := retry.NewQueue(
		retry.WithBaseDelay(cfg.Retry.BaseDelay()),
		retry.WithMaxDelay(cfg.Retry.MaxDelay()),
		retry.WithTickInterval(cfg.Retry.TickInterval()),
		retry.WithLogger(logger),
		retry.WithMetrics(observability.RetryQueue()),
	)
	go func() {
		if err := queue.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("retry queue stopped", slog.String("error", err.Error()))
		}
	}()

	scanner, err := rt.Scanner(rt.LogAlert)
	if err != nil {
		return err
	}
	if cfg.Recon.Schedule {
		scheduler := recon.NewScheduler(recon.SchedulerConfig{
			Scanner:   scanner,
			Options:   rt.ScanOptions(),
			Cleanup:   cfg.Recon.Cleanup,
			RunHour:   cfg.Recon.RunHour,
			RunMinute: cfg.Recon.RunMinute,
			Location:  cfg.Recon.Location(),
			Logger:    logger,
		})
		go scheduler.Start(ctx)
	}

	maxReward, postingFee, err := cfg.Creation.Amounts()
	if err != nil {
		return err
	}
	saga, err := creation.New(creation.Config{
		Ledger:           rt.Ledger,
		Network:          machine,
		Signers:          wallet,
		Metadata:         rt.Store,
		Retry:            queue,
		MaxReward:        maxReward,
		PostingFee:       postingFee,
		RetryStep:        cfg.Creation.RetryStep(),
		MetadataAttempts: cfg.Creation.MetadataAttempts,
		Logger:           logger,
		Metrics:          observability.Creation(),
	})
	if err != nil {
		return err
	}

	limit := middleware.RateLimit{RatePerSecond: cfg.Gateway.RateLimitPerSecond, Burst: cfg.Gateway.RateLimitBurst}
	handler, err := gateway.New(gateway.Config{
		ChainID:      cfg.Ledger.ChainID,
		Store:        rt.Store,
		Validator:    rt.Validator,
		Reconciler:   scanner,
		Retry:        queue,
		Creator:      saga,
		Keys:         crypto.NewPubKeyCache(rt.Store),
		Network:      machine,
		Assets:       registry,
		ScanDefaults: rt.ScanOptions(),
		Authenticator: middleware.NewAuthenticator(middleware.AuthConfig{
			// Always enabled: an empty secret rejects every admin token.
			Enabled:    true,
			HMACSecret: cfg.AdminHMACSecret,
			Issuer:     cfg.Gateway.AdminIssuer,
			Audience:   cfg.Gateway.AdminAudience,
		}, logger),
		RateLimiter: middleware.NewRateLimiter(map[string]middleware.RateLimit{
			gateway.LimitTasks: limit,
			gateway.LimitKeys:  limit,
			gateway.LimitAdmin: limit,
		}, logger),
		Observability: middleware.NewObservability(middleware.ObservabilityConfig{LogRequests: true}, logger),
		CORS:          middleware.CORSConfig{AllowedOrigins: cfg.Gateway.AllowedOrigins},
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           handler,
		ReadHeaderTimeout: cfg.Gateway.ReadTimeout(),
		ReadTimeout:       cfg.Gateway.ReadTimeout(),
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("taskd listening",
			slog.String("address", listener.Addr().String()),
			slog.Uint64("chain_id", cfg.Ledger.ChainID),
			slog.String("signer", wallet.Address().Hex()))
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Gateway.ShutdownTimeout())
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", slog.String("error", err.Error()))
	}
	return nil
}

// telemetryConfig describes this daemon to the collector. The standard OTEL
// headers variable wins over the configured headers.
func telemetryConfig(cfg *config.Config, signer string, lookup func(string) (string, bool)) telemetry.Config {
	headers := cfg.Telemetry.Headers
	if raw, ok := lookup("OTEL_EXPORTER_OTLP_HEADERS"); ok {
		headers = raw
	}
	return telemetry.Config{
		ServiceName:    "taskd",
		Environment:    cfg.Environment,
		ChainID:        cfg.Ledger.ChainID,
		Signer:         signer,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		Headers:        telemetry.ParseHeaders(headers),
		Traces:         cfg.Telemetry.Traces,
		Metrics:        cfg.Telemetry.Metrics,
		SampleRatio:    cfg.Telemetry.SampleRatio,
		MetricInterval: cfg.Telemetry.MetricInterval(),
	}
}

// loadRegistry reads the network registry and makes sure the system chain is
// present so the wallet can start on it.
func loadRegistry(cfg *config.Config) (*config.Registry, error) {
	registry := &config.Registry{}
	if path := strings.TrimSpace(cfg.NetworksFile); path != "" {
		loaded, err := config.LoadNetworks(path)
		switch {
		case err == nil:
			registry = loaded
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, err
		}
	}
	if _, ok := registry.Network(cfg.Ledger.ChainID); !ok {
		registry.Networks = append(registry.Networks, netstate.Network{
			ChainID: cfg.Ledger.ChainID,
			Name:    "system",
			RPCURL:  cfg.Ledger.RPCURL,
		})
	}
	return registry, nil
}

func loadSignerKey(cfg *config.Config) (*crypto.PrivateKey, error) {
	var opts []passphrase.Option
	if strings.EqualFold(cfg.Environment, "dev") {
		opts = append(opts, passphrase.AllowEmpty())
	}
	pass, err := passphrase.NewSource(passphrase.DefaultEnvVar, opts...).Get()
	if err != nil {
		return nil, err
	}
	key, err := crypto.LoadFromKeystore(cfg.KeystorePath, pass)
	if err != nil {
		return nil, fmt.Errorf("load signer keystore %s: %w", cfg.KeystorePath, err)
	}
	return key, nil
}
