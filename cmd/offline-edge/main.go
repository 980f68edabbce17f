// Command offline-edge serves the Swaccha Andhra dashboard with offline
// support: manifest assets are precached, page requests are routed through
// the cache and failed writes are queued until the next sync.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/cenkalti/backoff/v5"
	"github.com/lmittmann/tint"
	"github.com/swaccha-ap/offline-edge/backend"
	"github.com/swaccha-ap/offline-edge/cachestore"
	"github.com/swaccha-ap/offline-edge/download"
	"github.com/swaccha-ap/offline-edge/manifest"
	"github.com/swaccha-ap/offline-edge/notify"
	"github.com/swaccha-ap/offline-edge/outbox"
	"github.com/swaccha-ap/offline-edge/registration"
	"github.com/swaccha-ap/offline-edge/router"
	"github.com/swaccha-ap/offline-edge/server"
	"github.com/swaccha-ap/offline-edge/telemetry"
)

type cli struct {
	Listen   string `help:"Address to listen on." default:":8080" env:"OFFLINE_EDGE_LISTEN"`
	Origin   string `help:"Origin the dashboard is served from." required:"" env:"OFFLINE_EDGE_ORIGIN"`
	DataDir  string `help:"Directory for the cache store and outbox." default:"./data" type:"path" env:"OFFLINE_EDGE_DATA_DIR"`
	Manifest string `help:"YAML manifest overriding the built-in asset list." type:"path" env:"OFFLINE_EDGE_MANIFEST"`
	Version  string `help:"Asset version; overrides the manifest's." env:"OFFLINE_EDGE_VERSION"`

	SkipWaiting bool `help:"Activate a new version as soon as it installs." default:"true" negatable:"" env:"OFFLINE_EDGE_SKIP_WAITING"`

	LogLevel  string `help:"Log level." default:"info" enum:"debug,info,warn,error" env:"OFFLINE_EDGE_LOG_LEVEL"`
	LogFormat string `help:"Log format." default:"text" enum:"text,json" env:"OFFLINE_EDGE_LOG_FORMAT"`

	Prometheus    bool          `help:"Serve Prometheus metrics on /_edge/metrics." env:"OFFLINE_EDGE_PROMETHEUS"`
	OTLPEndpoint  string        `name:"otlp-endpoint" help:"OTLP gRPC endpoint for metrics export." env:"OFFLINE_EDGE_OTLP_ENDPOINT"`
	FlushInterval time.Duration `help:"Metrics export interval." default:"10s" env:"OFFLINE_EDGE_FLUSH_INTERVAL"`

	NotifyURLs []string `name:"notify-url" help:"Shoutrrr URLs push notifications are sent to." sep:"," env:"OFFLINE_EDGE_NOTIFY_URLS"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var c cli
	kong.Parse(&c,
		kong.Name("offline-edge"),
		kong.Description("Offline-first edge for the Swaccha Andhra dashboard."),
		kong.UsageOnError(),
	)

	logger, err := newLogger(c.LogLevel, c.LogFormat)
	if err != nil {
		return err
	}

	origin, err := url.Parse(c.Origin)
	if err != nil {
		return fmt.Errorf("parsing origin: %w", err)
	}

	m, err := loadManifest(c.Manifest, c.Version)
	if err != nil {
		return err
	}

	// Handle shutdown signals
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if c.Prometheus || c.OTLPEndpoint != "" {
		shutdown, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
			ServiceVersion:   m.Version,
			OTLPEndpoint:     c.OTLPEndpoint,
			EnablePrometheus: c.Prometheus,
			FlushInterval:    c.FlushInterval,
		})
		if err != nil {
			return fmt.Errorf("initializing metrics: %w", err)
		}
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Warn("metrics shutdown failed", "error", err)
			}
		}()
	}

	if err := os.MkdirAll(c.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	fs, err := backend.NewFilesystem(filepath.Join(c.DataDir, "blobs"))
	if err != nil {
		return fmt.Errorf("creating filesystem backend: %w", err)
	}
	storage, err := cachestore.Open(filepath.Join(c.DataDir, "caches.db"),
		backend.NewInstrumented(fs, "filesystem"),
		cachestore.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("opening cache store: %w", err)
	}
	defer func() { _ = storage.Close() }()

	ob, err := outbox.Open(filepath.Join(c.DataDir, "outbox.db"),
		outbox.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("opening outbox: %w", err)
	}
	defer func() { _ = ob.Close() }()

	notifyOpts := []notify.Option{notify.WithLogger(logger)}
	if len(c.NotifyURLs) > 0 {
		d, err := notify.NewShoutrrrDisplayer(c.NotifyURLs...)
		if err != nil {
			return err
		}
		notifyOpts = append(notifyOpts, notify.WithDisplayer(d))
	}

	reg := registration.New(
		registration.WithLogger(logger),
		registration.WithOutbox(ob),
		registration.WithNotifier(notify.New(notifyOpts...)),
	)

	dl := download.New(download.WithLogger(logger))
	newWorker := func() (*router.Worker, error) {
		return router.New(m, origin, storage,
			router.WithLogger(logger),
			router.WithDownloader(dl),
			router.WithSkipWaiting(c.SkipWaiting),
		)
	}
	// Fail fast on a worker that can never be built.
	if _, err := newWorker(); err != nil {
		return fmt.Errorf("creating worker: %w", err)
	}

	srv, err := server.New(server.Config{
		Address:      c.Listen,
		Origin:       origin,
		Registration: reg,
		Outbox:       ob,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Control endpoints stay up while the first version installs; page
	// requests wait for it. Install is retried until the origin answers.
	go func() {
		retry := backoff.NewExponentialBackOff()
		retry.InitialInterval = time.Second
		retry.MaxInterval = 5 * time.Minute
		worker, err := reg.RegisterWithRetry(ctx, newWorker, retry)
		if err != nil {
			if ctx.Err() == nil {
				logger.Error("registering worker failed", "version", m.Version, "error", err)
			}
			return
		}
		logger.Info("worker registered", "version", m.Version, "cache", worker.CacheName())
	}()

	logger.Info("server started", "address", srv.Address(), "origin", origin.String(), "data_dir", c.DataDir)

	// Wait for shutdown or error
	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: lvl, TimeFormat: time.Kitchen})
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}

func loadManifest(path, version string) (*manifest.Manifest, error) {
	m := manifest.Default()
	if path != "" {
		loaded, err := manifest.Load(path)
		if err != nil {
			return nil, err
		}
		m = loaded
	}
	if version != "" {
		m.Version = version
		if err := m.Validate(); err != nil {
			return nil, err
		}
	}
	return m, nil
}
