// Package main runs the credential pool daemon.
//
// Configuration is read from KEYPOOL_* environment variables; nested keys use
// a double underscore, e.g. KEYPOOL_TIERS__BASIC__RATE_CAPACITY=10.
//
// The daemon serves:
//
//	/metrics  Prometheus collectors
//	/healthz  pool health as JSON, 503 when unhealthy
//	/stats    pool counts and usage summary as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/ahrav/keypool/internal/domain"
	"github.com/ahrav/keypool/internal/keypool"
	"github.com/ahrav/keypool/internal/keypool/configuration"
	"github.com/ahrav/keypool/internal/keypool/optimizer"
)

const shutdownTimeout = 15 * time.Second

var (
	importPath = flag.String("import", "", "File of newline-separated secrets to add at startup")
	importTier = flag.String("tier", "basic", "Tier applied to imported secrets")
	importOnly = flag.Bool("import-only", false, "Exit after the import instead of serving")
)

func main() {
	flag.Parse()

	cfg, err := configuration.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.Observability)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("keypoold exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *configuration.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	pool, err := keypool.Open(ctx, cfg, reg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := pool.Close(closeCtx); err != nil {
			logger.Warn("pool close incomplete", "error", err)
		}
	}()

	if *importPath != "" {
		if err := importFile(ctx, pool, *importPath, *importTier); err != nil {
			return err
		}
		if *importOnly {
			return nil
		}
	}

	pool.Start()

	srv := &http.Server{
		Addr:              cfg.Observability.ListenAddr,
		Handler:           routes(pool),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http listener started", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http listener failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	return nil
}

func importFile(ctx context.Context, pool *keypool.Pool, path, tier string) error {
	t, err := domain.ParseTier(tier)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open import file: %w", err)
	}
	defer f.Close()

	results, err := pool.Import(ctx, f, domain.AddSecretRequest{
		Tier:     t,
		Metadata: map[string]string{"source": "bulk_import"},
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	for _, r := range results {
		line := struct {
			Index       int    `json:"index"`
			ID          string `json:"id,omitempty"`
			Fingerprint string `json:"fingerprint"`
			Error       string `json:"error,omitempty"`
		}{Index: r.Index, ID: r.ID, Fingerprint: r.Fingerprint}
		if r.Err != nil {
			line.Error = r.Err.Error()
		}
		if err := enc.Encode(line); err != nil {
			return err
		}
	}
	return nil
}

func routes(pool *keypool.Pool) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", pool.Metrics().Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		h := pool.PoolHealth(r.Context())
		status := http.StatusOK
		if h.Status == optimizer.StatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, h)
	})
	mux.HandleFunc("GET /stats", func(w http.ResponseWriter, r *http.Request) {
		stats, err := pool.PoolStats(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, stats)
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newLogger(cfg configuration.ObservabilityConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
