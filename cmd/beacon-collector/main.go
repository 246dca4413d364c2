// Command beacon-collector is a reference backend for Beacon SDKs. It acks
// batches on the websocket endpoint, accepts HTTP fallback deliveries and
// exposes Prometheus metrics.
//
// Usage:
//
//	beacon-collector [--config path/to/config.yaml] [--env .env] [--reject code]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/snehjoshi/beacon/internal/collector"
	"github.com/snehjoshi/beacon/internal/config"
	"github.com/snehjoshi/beacon/internal/metrics"
	"github.com/snehjoshi/beacon/internal/types"
	"github.com/snehjoshi/beacon/internal/wire"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "beacon-collector: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to config file")
	envPath := flag.String("env", ".env", "optional dotenv file")
	reject := flag.String("reject", "", "reject every batch with this code (bad_request, user_limit_reached, connection_limit_reached)")
	flag.Parse()

	// ── 1. Environment and configuration ─────────────────────────────────────
	if err := godotenv.Load(*envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", *envPath, err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// ── 2. Structured logger ─────────────────────────────────────────────────
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	// ── 3. Server ────────────────────────────────────────────────────────────
	reg := metrics.New()
	opts := []collector.Option{collector.WithLogger(logger), collector.WithMetrics(reg)}
	if *reject != "" {
		code, err := parseCode(*reject)
		if err != nil {
			return err
		}
		opts = append(opts, collector.WithRejector(func(*types.Batch) wire.Code { return code }))
	}
	srv := collector.New(cfg.Collector, opts...)
	addr := fmt.Sprintf("%s:%d", cfg.Collector.Host, cfg.Collector.Port)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("beacon-collector ready", "addr", addr, "auth", cfg.Collector.APIKey != "")
		if err := srv.ListenAndServe(addr); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// ── 4. Dedicated metrics listener ────────────────────────────────────────
	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metricsSrv = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler:           reg.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			slog.Info("metrics server listening", "addr", metricsSrv.Addr)
			if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	// ── 5. Graceful shutdown ─────────────────────────────────────────────────
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Warn("server shutdown error", "err", err)
		}
		if metricsSrv != nil {
			if err := metricsSrv.Shutdown(shutCtx); err != nil {
				slog.Warn("metrics shutdown error", "err", err)
			}
		}
		return nil
	})

	err = g.Wait()
	s := srv.Snapshot()
	slog.Info("beacon-collector stopped", "batches", s.Batches, "events", s.Events, "rejected", s.Rejected)
	return err
}

func parseCode(s string) (wire.Code, error) {
	for _, c := range []wire.Code{wire.CodeBadRequest, wire.CodeUserLimitReached, wire.CodeConnectionLimitReached} {
		if c.String() == s {
			return c, nil
		}
	}
	return wire.CodeNone, fmt.Errorf("unknown reject code %q", s)
}
