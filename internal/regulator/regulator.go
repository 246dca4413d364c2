// Package regulator sizes scheduled pulls from observed event sizes.
//
// A Regulator keeps a rolling count and byte total of every observed event.
// The counters are persisted in the settings table under a per-pipeline key
// so sizing survives restarts and one pipeline's traffic never skews the
// other's.
package regulator

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dustin/go-humanize"
	jsoniter "github.com/json-iterator/go"

	"github.com/snehjoshi/beacon/internal/storage"
	"github.com/snehjoshi/beacon/internal/types"
)

const (
	// DefaultAverageSize is assumed until the first event is observed.
	DefaultAverageSize int64 = 1024

	defaultFlushEvery = 50
	defaultWindow     = 10_000
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type counters struct {
	Count int64 `json:"count"`
	Bytes int64 `json:"bytes"`
}

// Regulator is safe for concurrent use.
type Regulator struct {
	settings   storage.Settings
	key        string
	flushEvery int
	window     int64
	logger     *slog.Logger

	mu      sync.Mutex
	c       counters
	unsaved int
}

// Option configures a Regulator.
type Option func(*Regulator)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option { return func(r *Regulator) { r.logger = l } }

// WithFlushEvery persists the counters every n observations.
func WithFlushEvery(n int) Option { return func(r *Regulator) { r.flushEvery = n } }

// WithWindow halves the counters once more than n events were observed, so
// recent traffic dominates the average.
func WithWindow(n int64) Option { return func(r *Regulator) { r.window = n } }

// New creates the regulator for pipeline and restores its counters.
// A missing or unreadable record starts from zero.
func New(settings storage.Settings, pipeline string, opts ...Option) *Regulator {
	r := &Regulator{
		settings:   settings,
		key:        "regulator." + pipeline,
		flushEvery: defaultFlushEvery,
		window:     defaultWindow,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}

	raw, err := settings.Get(r.key)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		r.logger.Warn("regulator: load counters", "pipeline", pipeline, "err", err)
	default:
		if err := json.Unmarshal(raw, &r.c); err != nil {
			r.logger.Warn("regulator: decode counters", "pipeline", pipeline, "err", err)
			r.c = counters{}
		}
	}
	return r
}

// Observe records the size of ev.
func (r *Regulator) Observe(ev *types.Event) {
	r.mu.Lock()
	r.c.Count++
	r.c.Bytes += int64(ev.Size())
	if r.window > 0 && r.c.Count > r.window {
		r.c.Count /= 2
		r.c.Bytes /= 2
	}
	r.unsaved++
	flush := r.flushEvery > 0 && r.unsaved >= r.flushEvery
	r.mu.Unlock()

	if flush {
		if err := r.Flush(); err != nil {
			r.logger.Warn("regulator: persist counters", "key", r.key, "err", err)
		}
	}
}

// AverageSize returns the mean observed event size in bytes.
func (r *Regulator) AverageSize() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.average()
}

func (r *Regulator) average() int64 {
	if r.c.Count == 0 {
		return DefaultAverageSize
	}
	avg := r.c.Bytes / r.c.Count
	if avg < 1 {
		avg = 1
	}
	return avg
}

// RegulatedNumberOfItemsPerBatch returns how many events to pull so their
// estimated total approximates expected bytes. The result is at least 1.
func (r *Regulator) RegulatedNumberOfItemsPerBatch(expected int64) int {
	r.mu.Lock()
	avg := r.average()
	r.mu.Unlock()

	n := expected / avg
	if n < 1 {
		n = 1
	}
	r.logger.Debug("regulator: sized pull",
		"key", r.key,
		"expected", humanize.IBytes(uint64(max(expected, 0))),
		"avg", humanize.IBytes(uint64(avg)),
		"items", n,
	)
	return int(n)
}

// Flush persists the counters now.
func (r *Regulator) Flush() error {
	r.mu.Lock()
	c := r.c
	r.unsaved = 0
	r.mu.Unlock()

	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("regulator: encode: %w", err)
	}
	if err := r.settings.Put(r.key, raw); err != nil {
		return fmt.Errorf("regulator: put %s: %w", r.key, err)
	}
	return nil
}

// Close persists any unsaved observations.
func (r *Regulator) Close() error {
	r.mu.Lock()
	dirty := r.unsaved > 0
	r.mu.Unlock()
	if !dirty {
		return nil
	}
	return r.Flush()
}
