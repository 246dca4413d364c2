// Package collector is a reference backend for Beacon pipelines. It accepts
// batches over the websocket endpoint and the HTTP fallback endpoint and
// acknowledges them.
//
// Routes:
//
//	GET  /health
//	GET  /events     websocket, binary batch frames in, binary ack frames out
//	POST /fallback   raw wire-encoded batch, optionally HMAC signed
//	GET  /api/stats
//	GET  /metrics
package collector

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/snehjoshi/beacon/internal/config"
	"github.com/snehjoshi/beacon/internal/metrics"
	"github.com/snehjoshi/beacon/internal/types"
	"github.com/snehjoshi/beacon/internal/wire"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Delivery is one batch received by the collector.
type Delivery struct {
	// Path is "socket" or "fallback".
	Path   string
	Batch  *types.Batch
	SentAt time.Time
}

// Rejector decides the ack for a batch. CodeNone accepts it.
type Rejector func(b *types.Batch) wire.Code

// Server wraps the stdlib HTTP server with collector route wiring.
type Server struct {
	inner *http.Server
	cfg   config.CollectorConfig

	logger   *slog.Logger
	metrics  *metrics.Registry
	reject   Rejector
	onBatch  func(Delivery)
	batches  atomic.Int64
	events   atomic.Int64
	rejected atomic.Int64
	started  time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

// WithMetrics mounts /metrics and records per-request samples.
func WithMetrics(r *metrics.Registry) Option { return func(s *Server) { s.metrics = r } }

// WithRejector makes the collector reject batches, e.g. to exercise client
// retry paths.
func WithRejector(fn Rejector) Option { return func(s *Server) { s.reject = fn } }

// WithSink is called for every accepted batch.
func WithSink(fn func(Delivery)) Option { return func(s *Server) { s.onBatch = fn } }

// New builds a Server. The caller is responsible for calling ListenAndServe
// and Shutdown.
func New(cfg config.CollectorConfig, opts ...Option) *Server {
	s := &Server{
		cfg:     cfg,
		logger:  slog.Default(),
		started: time.Now(),
	}
	for _, o := range opts {
		o(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.health)
	mux.HandleFunc("GET /events", s.serveEvents)
	mux.HandleFunc("POST /fallback", s.fallback)
	mux.HandleFunc("GET /api/stats", s.stats)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	rps := cfg.RateLimit
	if rps <= 0 {
		rps = 100
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 200
	}

	handler := chain(mux,
		MaxBodyMiddleware,
		LoggingMiddleware(s.logger, s.metrics),
		AuthMiddleware(cfg.APIKey),
		RateLimitMiddleware(rps, burst),
	)

	s.inner = &http.Server{
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler returns the composed http.Handler (useful for testing).
func (s *Server) Handler() http.Handler { return s.inner.Handler }

// ListenAndServe starts the server on addr. It returns when the server stops.
func (s *Server) ListenAndServe(addr string) error {
	s.inner.Addr = addr
	return s.inner.ListenAndServe()
}

// Shutdown gracefully stops the server, waiting up to ctx's deadline for
// in-flight requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}

// Stats is the /api/stats response body.
type Stats struct {
	Batches  int64 `json:"batches"`
	Events   int64 `json:"events"`
	Rejected int64 `json:"rejected"`
	UptimeS  int64 `json:"uptime_s"`
}

// Snapshot returns the current counters.
func (s *Server) Snapshot() Stats {
	return Stats{
		Batches:  s.batches.Load(),
		Events:   s.events.Load(),
		Rejected: s.rejected.Load(),
		UptimeS:  int64(time.Since(s.started).Seconds()),
	}
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Snapshot())
}

// accept applies the rejector and records the batch. It returns the ack to
// send back.
func (s *Server) accept(path string, b *types.Batch, sentAt time.Time) wire.Ack {
	if s.reject != nil {
		if code := s.reject(b); code != wire.CodeNone {
			s.rejected.Add(1)
			s.logger.Info("collector: batch rejected", "path", path, "guid", b.UUID, "code", code)
			return wire.Ack{GUID: b.UUID, Status: wire.StatusRejected, Code: code}
		}
	}
	s.batches.Add(1)
	s.events.Add(int64(len(b.Events)))
	s.logger.Debug("collector: batch accepted", "path", path, "guid", b.UUID, "events", len(b.Events))
	if s.onBatch != nil {
		s.onBatch(Delivery{Path: path, Batch: b, SentAt: sentAt})
	}
	return wire.Ack{GUID: b.UUID, Status: wire.StatusOK}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
