// Command beacon-emit drives the Beacon SDK from the command line. It emits a
// stream of synthetic events at a fixed rate, which is useful for exercising a
// collector or broker end to end.
//
// Usage:
//
//	beacon-emit [--config config.yaml] [--count 100] [--rate 10ms] [--type realTime]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	jsoniter "github.com/json-iterator/go"

	"github.com/snehjoshi/beacon/pkg/beacon"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type sample struct {
	Seq    int       `json:"seq"`
	Host   string    `json:"host"`
	SentAt time.Time `json:"sent_at"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "beacon-emit: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to config file")
	envPath := flag.String("env", ".env", "optional dotenv file")
	count := flag.Int("count", 100, "number of events to emit (0 = until interrupted)")
	rate := flag.Duration("rate", 10*time.Millisecond, "delay between events")
	eventType := flag.String("type", beacon.TypeRealTime, "event type tag")
	category := flag.String("category", "", "on-wire category (defaults to type)")
	clientID := flag.String("client", "", "broker client id")
	userID := flag.String("user", "", "broker user id")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", *envPath, err)
	}
	cfg, err := beacon.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	life := beacon.NewManualLifecycle()
	tr, err := beacon.New(cfg,
		beacon.WithLogger(logger),
		beacon.WithSignals(beacon.NewManualReachability(true), beacon.NewManualPower(0), life),
	)
	if err != nil {
		return err
	}
	logger.Info("tracker started", "installation", tr.InstallationID())

	if cfg.Broker.Enabled && *clientID != "" {
		tr.ConfigureIdentifiers(beacon.Identifiers{ClientID: *clientID, UserID: *userID})
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		for sc := range tr.ConnectionStates() {
			logger.Info("connection state", "pipeline", sc.Pipeline, "state", sc.State)
		}
	}()

	host, _ := os.Hostname()
	ticker := time.NewTicker(*rate)
	defer ticker.Stop()

	sent := 0
loop:
	for *count == 0 || sent < *count {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
		}
		payload, err := json.Marshal(sample{Seq: sent, Host: host, SentAt: time.Now().UTC()})
		if err != nil {
			return err
		}
		if err := tr.TrackEvent(beacon.NewEvent(*eventType, *category, payload)); err != nil {
			return fmt.Errorf("track event %d: %w", sent, err)
		}
		sent++
	}

	// Backgrounding flushes whatever the outbox still holds.
	life.Emit(beacon.DidEnterBackground)
	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
	}

	logger.Info("emitted", "events", sent)
	return tr.StopTracking()
}
