// Package metrics exposes Beacon's delivery diagnostics as Prometheus
// metrics on a private registry.
//
// Pipeline-scoped collectors carry a "pipeline" label (socket or broker).
// Components receive a *Pipeline handle; a nil handle records nothing, so
// tests and embedded hosts can skip metrics entirely.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/snehjoshi/beacon/internal/types"
)

// Drop reasons.
const (
	DropRetriesExhausted = "retries_exhausted"
	DropCacheCap         = "cache_cap"
	DropFallbackFailed   = "fallback_exhausted"
	DropBackpressure     = "backpressure"
)

// Registry holds every Beacon collector.
type Registry struct {
	reg *prometheus.Registry

	EventsStored     *prometheus.CounterVec
	BatchesForwarded *prometheus.CounterVec
	BatchSize        *prometheus.HistogramVec
	UnitsSent        *prometheus.CounterVec
	UnitsResent      *prometheus.CounterVec
	UnitsDropped     *prometheus.CounterVec
	Acks             *prometheus.CounterVec
	Rejections       *prometheus.CounterVec
	Reconnects       *prometheus.CounterVec
	ConnectionState  *prometheus.GaugeVec
	RetryCacheBytes  *prometheus.GaugeVec

	// Collector-side HTTP metrics.
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// New creates and registers every collector on a fresh registry.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		EventsStored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_events_stored_total",
			Help: "Events accepted into a pipeline, by event type",
		}, []string{"pipeline", "type"}),
		BatchesForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_batches_forwarded_total",
			Help: "Batches handed to the retry manager",
		}, []string{"pipeline", "kind"}),
		BatchSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "beacon_batch_events",
			Help:    "Number of events per forwarded batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}, []string{"pipeline"}),
		UnitsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_units_sent_total",
			Help: "Wire units written to the transport, including resends",
		}, []string{"pipeline"}),
		UnitsResent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_units_resent_total",
			Help: "Wire units re-sent by the sweep or broker escalation",
		}, []string{"pipeline", "path"}),
		UnitsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_units_dropped_total",
			Help: "Wire units permanently removed without an ack",
		}, []string{"pipeline", "reason"}),
		Acks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_acks_total",
			Help: "Positive acks that removed a unit from the retry cache",
		}, []string{"pipeline"}),
		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_rejections_total",
			Help: "Batches rejected by the backend, by code",
		}, []string{"pipeline", "code"}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_connect_attempts_total",
			Help: "Transport connect attempts, by result",
		}, []string{"pipeline", "result"}),
		ConnectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "beacon_connection_state",
			Help: "Current connection state (0 closed, 1 connecting, 2 connected, 3 closing, 4 failed)",
		}, []string{"pipeline"}),
		RetryCacheBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "beacon_retry_cache_bytes",
			Help: "Payload bytes held in the retry cache after the last mutation",
		}, []string{"pipeline"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_http_requests_total",
			Help: "Collector HTTP requests by method, path and status code",
		}, []string{"method", "path", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "beacon_http_request_duration_seconds",
			Help:    "Collector HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}

	r.reg.MustRegister(
		r.EventsStored,
		r.BatchesForwarded,
		r.BatchSize,
		r.UnitsSent,
		r.UnitsResent,
		r.UnitsDropped,
		r.Acks,
		r.Rejections,
		r.Reconnects,
		r.ConnectionState,
		r.RetryCacheBytes,
		r.HTTPRequests,
		r.HTTPDuration,
	)
	return r
}

// Gatherer exposes the underlying registry, mainly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Handler renders every collector in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// ObserveHTTP records one collector request.
func (r *Registry) ObserveHTTP(method, path string, status int, d time.Duration) {
	if r == nil {
		return
	}
	r.HTTPRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	r.HTTPDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

// Pipeline returns a handle whose methods label every sample with name.
func (r *Registry) Pipeline(name string) *Pipeline {
	if r == nil {
		return nil
	}
	return &Pipeline{r: r, name: name}
}

// Pipeline records samples for one pipeline. All methods accept a nil receiver.
type Pipeline struct {
	r    *Registry
	name string
}

func (p *Pipeline) EventStored(eventType string) {
	if p == nil {
		return
	}
	p.r.EventsStored.WithLabelValues(p.name, eventType).Inc()
}

func (p *Pipeline) BatchForwarded(kind types.EventKind, events int) {
	if p == nil {
		return
	}
	p.r.BatchesForwarded.WithLabelValues(p.name, kind.String()).Inc()
	p.r.BatchSize.WithLabelValues(p.name).Observe(float64(events))
}

func (p *Pipeline) UnitSent() {
	if p == nil {
		return
	}
	p.r.UnitsSent.WithLabelValues(p.name).Inc()
}

// UnitResent records a resend; path is "sweep", "broker" or "http".
func (p *Pipeline) UnitResent(path string) {
	if p == nil {
		return
	}
	p.r.UnitsResent.WithLabelValues(p.name, path).Inc()
}

func (p *Pipeline) UnitDropped(reason string) {
	if p == nil {
		return
	}
	p.r.UnitsDropped.WithLabelValues(p.name, reason).Inc()
}

func (p *Pipeline) Acked() {
	if p == nil {
		return
	}
	p.r.Acks.WithLabelValues(p.name).Inc()
}

func (p *Pipeline) Rejected(code string) {
	if p == nil {
		return
	}
	p.r.Rejections.WithLabelValues(p.name, code).Inc()
}

// ConnectAttempt records a connect result: "ok" or "error".
func (p *Pipeline) ConnectAttempt(result string) {
	if p == nil {
		return
	}
	p.r.Reconnects.WithLabelValues(p.name, result).Inc()
}

func (p *Pipeline) State(s types.ConnectionState) {
	if p == nil {
		return
	}
	p.r.ConnectionState.WithLabelValues(p.name).Set(float64(s))
}

func (p *Pipeline) CacheBytes(n int64) {
	if p == nil {
		return
	}
	p.r.RetryCacheBytes.WithLabelValues(p.name).Set(float64(n))
}
