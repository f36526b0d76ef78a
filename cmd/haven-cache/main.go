// Command haven-cache runs the client-resident cache-and-sync engine for a
// decentralized video library: per-identity metadata stores reconciled
// against the ledger, plus a Range-capable cache of decrypted payloads.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"

	havencache "github.com/havenlabs/haven-cache"
	"github.com/havenlabs/haven-cache/decrypt"
	"github.com/havenlabs/haven-cache/ledger"
	"github.com/havenlabs/haven-cache/server"
	"github.com/havenlabs/haven-cache/telemetry"
)

var version = "dev"

type cli struct {
	Address     string `help:"Address to listen on." default:":8080" env:"HAVEN_ADDRESS"`
	Storage     string `help:"Storage directory for per-identity stores and cached bytes." default:"./haven-cache" env:"HAVEN_STORAGE"`
	LedgerURL   string `help:"Ledger indexer gateway base URL." required:"" env:"HAVEN_LEDGER_URL"`
	DecryptURL  string `help:"Threshold-decryption gateway base URL." required:"" env:"HAVEN_DECRYPT_URL"`
	Identity    string `help:"Identity to attach at startup (optional)." env:"HAVEN_IDENTITY"`
	MaxBytes    int64  `help:"Maximum cached content bytes per identity (0 disables eviction)." default:"0" env:"HAVEN_MAX_BYTES"`
	SyncEvery   time.Duration `help:"Background reconciliation interval (0 disables)." default:"5m" env:"HAVEN_SYNC_EVERY"`
	StaleAfter  time.Duration `help:"Staleness threshold for visibility-triggered refresh." default:"5m" env:"HAVEN_STALE_AFTER"`
	DecryptWait time.Duration `help:"Timeout for a single decrypt-and-fill." default:"2m" env:"HAVEN_DECRYPT_WAIT"`

	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info" env:"HAVEN_LOG_LEVEL"`
	LogFormat string `help:"Log format (console, text, json)." default:"console" env:"HAVEN_LOG_FORMAT"`

	OTLPEndpoint string `help:"OTLP gRPC endpoint for metrics push (optional)." env:"HAVEN_OTLP_ENDPOINT"`
	NoMetrics    bool   `help:"Disable the Prometheus /metrics endpoint." env:"HAVEN_NO_METRICS"`

	Version kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// A local .env overrides nothing already in the environment.
	_ = godotenv.Load()

	var flags cli
	kong.Parse(&flags,
		kong.Name("haven-cache"),
		kong.Description("Cache-and-sync engine for a decentralized video library."),
		kong.Vars{"version": version},
	)

	logger, err := buildLogger(flags.LogLevel, flags.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "haven-cache",
		ServiceVersion:   version,
		OTLPEndpoint:     flags.OTLPEndpoint,
		EnablePrometheus: !flags.NoMetrics,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		_ = shutdownMetrics(flushCtx)
	}()

	ledgerClient := ledger.NewHTTPClient(flags.LedgerURL)
	decryptor := decrypt.NewGateway(flags.DecryptURL)

	srv, err := server.New(server.Config{
		Address:         flags.Address,
		StoragePath:     flags.Storage,
		SyncInterval:    flags.SyncEvery,
		StaleAfter:      flags.StaleAfter,
		ContentMaxBytes: flags.MaxBytes,
		DecryptTimeout:  flags.DecryptWait,
		Logger:          logger,
	}, ledgerClient, decryptor)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	if flags.Identity != "" {
		if err := srv.Coordinator().Attach(ctx, flags.Identity); err != nil &&
			!errors.Is(err, havencache.ErrAttachAborted) {
			return fmt.Errorf("attaching %s: %w", flags.Identity, err)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("server started",
		"version", version,
		"address", srv.Address(),
		"storage", flags.Storage,
		"ledger_url", flags.LedgerURL,
	)

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func buildLogger(levelName, format string) (*slog.Logger, error) {
	var level slog.Level
	switch levelName {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", levelName)
	}

	var handler slog.Handler
	switch format {
	case "console":
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: level})
	case "text":
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}
