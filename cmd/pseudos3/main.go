package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"pseudos3/internal/auth"
	"pseudos3/internal/config"
	"pseudos3/internal/core"
	"pseudos3/internal/metrics"
	"pseudos3/internal/storage"
	"pseudos3/internal/tracing"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// openStorage builds the object backend and metadata store selected by cfg.
func openStorage(ctx context.Context, cfg config.Config) (storage.Backend, storage.MetadataStore, error) {
	registry := storage.NewBucketRegistry()

	var (
		backend  storage.Backend
		dataRoot string
	)

	switch cfg.Backend {
	case "memory":
		backend = storage.NewMemoryBackend(registry)
	default:
		// Ensure data directory is absolute for easier debugging.
		abs, err := filepath.Abs(cfg.DataRoot)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to resolve data directory: %w", err)
		}
		if err := os.MkdirAll(abs, 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
		}

		disk, err := storage.NewLocalFileStorage(abs, registry)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open data directory: %w", err)
		}
		backend, dataRoot = disk, abs
	}

	switch cfg.Metadata {
	case "sqlite":
		path := cfg.SQLitePath
		if path == "" {
			path = filepath.Join(cfg.DataRoot, "metadata.db")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create metadata directory: %w", err)
		}
		store, err := storage.NewSQLiteMetadataStore(ctx, path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open metadata database: %w", err)
		}
		return backend, store, nil
	case "memory":
		return backend, storage.NewMemoryMetadataStore(), nil
	default:
		return backend, storage.NewJSONMetadataStore(dataRoot, registry), nil
	}
}

func serverOptions(cfg config.Config, backend storage.Backend, md storage.MetadataStore, m *metrics.Metrics) []core.ConfigOption {
	opts := []core.ConfigOption{
		core.WithDataDir(cfg.DataRoot),
		core.WithRegion(cfg.Region),
		core.WithBackend(backend),
		core.WithMetadataStore(md),
		core.WithOwner(cfg.Owner.ID, cfg.Owner.DisplayName),
		core.WithDateFormat(cfg.DateFormat),
		core.WithSignatureVerification(cfg.ValidateSignature),
		core.WithDomains(cfg.Domains...),
		core.WithMetrics(m),
	}

	if len(cfg.Credentials) > 0 {
		creds := make([]auth.Credential, 0, len(cfg.Credentials))
		for _, c := range cfg.Credentials {
			creds = append(creds, auth.Credential{AccessKeyID: c.AccessKey, SecretAccessKey: c.SecretKey})
		}
		opts = append(opts, core.WithCredentials(creds...))
	}

	return opts
}

// listen serves srv until ctx is done, then shuts it down.
func listen(ctx context.Context, eg *errgroup.Group, srv *http.Server, serve func() error) {
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	eg.Go(func() error {
		if err := serve(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
}

func Run(ctx context.Context, args []string) error {

	cfg, err := config.Parse("pseudos3", args)
	if err != nil {
		return err
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}

	handler := log.NewWithOptions(os.Stdout, log.Options{
		Level:           level,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
		ReportCaller:    level == log.DebugLevel,
	})

	slog.SetDefault(slog.New(handler))

	shutdownTracing, err := tracing.Init(ctx, tracing.Options{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			slog.Warn("Tracing shutdown failed", "err", err)
		}
	}()

	backend, md, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}

	m := metrics.New()

	server, err := core.NewServer(ctx, core.NewConfig(serverOptions(cfg, backend, md, m)...))
	if err != nil {
		return fmt.Errorf("failed to create pseudos3 server: %w", err)
	}

	defer server.Close()

	router := server.Handler()

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 20 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)

	listen(ctx, eg, httpServer, func() error {
		slog.Info("Starting pseudos3 HTTP server", "addr", cfg.Addr)
		return httpServer.ListenAndServe()
	})

	if cfg.HTTPS.CertFile != "" && cfg.HTTPS.KeyFile != "" {
		httpsServer := &http.Server{
			TLSConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			Addr:              cfg.HTTPS.Addr,
			Handler:           router,
			ReadHeaderTimeout: 20 * time.Second,
		}

		listen(ctx, eg, httpsServer, func() error {
			slog.Info("Starting pseudos3 HTTPS server", "addr", cfg.HTTPS.Addr)
			return httpsServer.ListenAndServeTLS(cfg.HTTPS.CertFile, cfg.HTTPS.KeyFile)
		})
	} else {
		slog.Debug("Skipping HTTPS service because no certificate was provided")
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", m.Handler())

		metricsServer := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		listen(ctx, eg, metricsServer, func() error {
			slog.Info("Starting metrics server", "addr", cfg.MetricsAddr)
			return metricsServer.ListenAndServe()
		})
	}

	slog.Info("pseudos3 started",
		"region", cfg.Region,
		"backend", cfg.Backend,
		"metadata", cfg.Metadata,
		"validate_signature", cfg.ValidateSignature,
	)
	return eg.Wait()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := Run(ctx, os.Args[1:]); err != nil {
		slog.Error("pseudos3 exited with error", "error", err)
		os.Exit(1)
	}
}
