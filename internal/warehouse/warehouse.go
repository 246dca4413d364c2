// Package warehouse is the entry point for host events. A Warehouser feeds
// one pipeline; a Router fans events out across the primary and secondary
// pipelines.
package warehouse

import (
	"errors"
	"log/slog"

	"github.com/snehjoshi/beacon/internal/metrics"
	"github.com/snehjoshi/beacon/internal/processor"
	"github.com/snehjoshi/beacon/internal/storage"
	"github.com/snehjoshi/beacon/internal/types"
)

var (
	// ErrStopped is returned by Store once the pipeline has been stopped.
	ErrStopped = errors.New("warehouse: pipeline stopped")
	// ErrBusy is returned by Store when the pipeline cannot queue more work
	// without blocking the caller. The event was not stored.
	ErrBusy = errors.New("warehouse: pipeline busy")
)

// Processor is the subset of *processor.Processor the warehouser drives.
type Processor interface {
	// Submit queues fn without blocking.
	Submit(fn func()) error
	SendInstantly(ev *types.Event) bool
	FlushType(eventType string)
	Stop()
}

// Observer records event sizes for batch sizing.
type Observer interface {
	Observe(ev *types.Event)
}

// Warehouser persists events into one pipeline's outbox.
type Warehouser struct {
	name    string
	store   storage.EventStore
	proc    Processor
	reg     Observer
	logger  *slog.Logger
	metrics *metrics.Pipeline
}

// Option configures a Warehouser.
type Option func(*Warehouser)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option { return func(w *Warehouser) { w.logger = l } }

// WithMetrics records stored events on p.
func WithMetrics(p *metrics.Pipeline) Option { return func(w *Warehouser) { w.metrics = p } }

// New creates a Warehouser for the named pipeline.
func New(name string, store storage.EventStore, proc Processor, reg Observer, opts ...Option) *Warehouser {
	w := &Warehouser{
		name:   name,
		store:  store,
		proc:   proc,
		reg:    reg,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Name returns the pipeline name.
func (w *Warehouser) Name() string { return w.name }

// Store queues ev on the pipeline's serial context and returns without
// waiting for persistence. It never blocks.
func (w *Warehouser) Store(ev *types.Event) error {
	if ev == nil {
		return nil
	}
	err := w.proc.Submit(func() { w.handle(ev) })
	switch {
	case err == nil:
		return nil
	case errors.Is(err, processor.ErrBusy):
		w.metrics.UnitDropped(metrics.DropBackpressure)
		w.logger.Warn("warehouse: pipeline busy, event rejected",
			"pipeline", w.name, "guid", ev.GUID, "type", ev.Type)
		return ErrBusy
	default:
		return ErrStopped
	}
}

// handle runs on the serial context.
func (w *Warehouser) handle(ev *types.Event) {
	switch ev.Type {
	case types.TypeInstant:
		if !w.proc.SendInstantly(ev) {
			w.logger.Debug("warehouse: instant event dropped, pipeline offline",
				"pipeline", w.name, "guid", ev.GUID)
		}
		return
	case types.TypeP0:
		if !w.persist(ev) {
			return
		}
		w.proc.FlushType(types.TypeP0)
		return
	}
	w.reg.Observe(ev)
	w.persist(ev)
}

func (w *Warehouser) persist(ev *types.Event) bool {
	if err := w.store.Insert(ev); err != nil {
		w.logger.Error("warehouse: persist event",
			"pipeline", w.name, "guid", ev.GUID, "type", ev.Type, "err", err)
		return false
	}
	w.metrics.EventStored(ev.Type)
	return true
}

// Stop stops the pipeline behind the warehouser.
func (w *Warehouser) Stop() { w.proc.Stop() }
