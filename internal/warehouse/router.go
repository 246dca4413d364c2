package warehouse

import (
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/snehjoshi/beacon/internal/types"
)

// ErrNoSecondary is returned by StoreViaSecondary when no secondary pipeline
// is configured.
var ErrNoSecondary = errors.New("warehouse: secondary pipeline disabled")

// Sink accepts events for one pipeline. *Warehouser implements it.
type Sink interface {
	Store(ev *types.Event) error
	Stop()
}

// Transform converts an event into the secondary pipeline's form. It must
// not modify its argument.
type Transform func(ev *types.Event) *types.Event

// Mirror is the default Transform: a copy flagged as mirrored.
func Mirror(ev *types.Event) *types.Event {
	c := ev.Clone()
	c.IsMirrored = true
	return c
}

// Router stores every event in the primary pipeline and mirrors whitelisted
// categories into the secondary one.
type Router struct {
	primary   Sink
	secondary Sink
	whitelist map[string]struct{}
	transform Transform
	logger    *slog.Logger
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithTransform replaces Mirror.
func WithTransform(fn Transform) RouterOption { return func(r *Router) { r.transform = fn } }

// WithRouterLogger sets the logger. Defaults to slog.Default().
func WithRouterLogger(l *slog.Logger) RouterOption { return func(r *Router) { r.logger = l } }

// NewRouter creates a Router. A nil secondary disables mirroring. Whitelist
// entries match event categories case-insensitively.
func NewRouter(primary, secondary Sink, whitelist []string, opts ...RouterOption) *Router {
	r := &Router{
		primary:   primary,
		secondary: secondary,
		whitelist: make(map[string]struct{}, len(whitelist)),
		transform: Mirror,
		logger:    slog.Default(),
	}
	for _, w := range whitelist {
		r.whitelist[strings.ToLower(w)] = struct{}{}
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Mirrors reports whether ev would also be delivered through the secondary
// pipeline.
func (r *Router) Mirrors(ev *types.Event) bool {
	if ev == nil || r.secondary == nil {
		return false
	}
	_, ok := r.whitelist[strings.ToLower(ev.WireCategory())]
	return ok
}

// Store hands ev to the primary pipeline and, when it qualifies, a
// transformed copy to the secondary. The two pipelines fail independently:
// the primary's error is returned, the secondary's is logged.
func (r *Router) Store(ev *types.Event) error {
	if ev == nil {
		return nil
	}
	mirror := r.Mirrors(ev)
	err := r.primary.Store(ev)
	if mirror {
		if serr := r.secondary.Store(r.transform(ev)); serr != nil {
			r.logger.Warn("warehouse: mirror event", "guid", ev.GUID, "err", serr)
		}
	}
	return err
}

// StoreViaPrimary bypasses routing.
func (r *Router) StoreViaPrimary(ev *types.Event) error { return r.primary.Store(ev) }

// StoreViaSecondary bypasses routing and the whitelist.
func (r *Router) StoreViaSecondary(ev *types.Event) error {
	if r.secondary == nil {
		return ErrNoSecondary
	}
	if ev == nil {
		return nil
	}
	return r.secondary.Store(r.transform(ev))
}

// Stop stops both pipelines concurrently.
func (r *Router) Stop() {
	var wg sync.WaitGroup
	for _, s := range []Sink{r.primary, r.secondary} {
		if s == nil {
			continue
		}
		wg.Add(1)
		go func(s Sink) {
			defer wg.Done()
			s.Stop()
		}(s)
	}
	wg.Wait()
}
