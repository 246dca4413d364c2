// Package beacon is the Go SDK for Beacon event telemetry.
//
// # Quick start
//
//	cfg, err := beacon.LoadConfig("beacon.yaml")
//	t, err := beacon.New(cfg)
//	defer t.StopTracking()
//
//	t.TrackEvent(beacon.NewEvent(beacon.TypeRealTime, "User", payload))
//
// Events are persisted before TrackEvent returns control to the pipeline,
// batched per priority and delivered with bounded retries over the socket
// pipeline. When a broker is configured, whitelisted categories are mirrored
// into the broker pipeline as well.
//
// # Error handling
//
// New returns an *InitError when the config is invalid or the local store
// cannot be opened; nothing is left running in that case. The Track methods
// never block: they fail fast with ErrInvalidEvent, ErrBusy or ErrStopped.
// Delivery problems never surface as errors: they show up as connection
// state changes, logs and metrics.
package beacon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/snehjoshi/beacon/internal/metrics"
	"github.com/snehjoshi/beacon/internal/node"
	"github.com/snehjoshi/beacon/internal/signal"
	"github.com/snehjoshi/beacon/internal/storage/bolt"
	"github.com/snehjoshi/beacon/internal/warehouse"
)

// ErrStopped is returned by the Track methods after StopTracking.
var ErrStopped = errors.New("beacon: tracker stopped")

// ErrBusy is returned by the Track methods when the pipeline cannot accept
// more work without blocking the caller. The event was not stored.
var ErrBusy = warehouse.ErrBusy

// ErrInvalidEvent is returned for a nil event or one without a type.
var ErrInvalidEvent = errors.New("beacon: event needs a type")

// ErrNoSecondary is returned by TrackEventViaSecondary when no broker
// pipeline is configured.
var ErrNoSecondary = warehouse.ErrNoSecondary

// InitError reports why New could not build a Tracker.
type InitError struct {
	// Op is the initialization step: "config", "identity", "storage" or
	// "transport".
	Op  string
	Err error
}

func (e *InitError) Error() string { return fmt.Sprintf("beacon: init %s: %v", e.Op, e.Err) }
func (e *InitError) Unwrap() error { return e.Err }

// ─── Options ──────────────────────────────────────────────────────────────────

type options struct {
	logger    *slog.Logger
	reach     Reachability
	power     Power
	life      Lifecycle
	socket    SocketTransport
	broker    BrokerTransport
	fallback  FallbackSender
	transform warehouse.Transform
}

// Option configures a Tracker.
type Option func(*options)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithSignals supplies the device signal sources. Nil sources default to a
// reachable, foreground device whose battery is fed through ReportBattery.
func WithSignals(reach Reachability, power Power, life Lifecycle) Option {
	return func(o *options) {
		o.reach, o.power, o.life = reach, power, life
	}
}

// WithSocketTransport replaces the websocket client of the socket pipeline.
func WithSocketTransport(t SocketTransport) Option { return func(o *options) { o.socket = t } }

// WithBrokerTransport replaces the AMQP client of the broker pipeline.
func WithBrokerTransport(t BrokerTransport) Option { return func(o *options) { o.broker = t } }

// WithFallbackSender replaces the HTTP fallback sender of the broker pipeline.
func WithFallbackSender(s FallbackSender) Option { return func(o *options) { o.fallback = s } }

// WithTransform converts events mirrored into the broker pipeline.
func WithTransform(fn func(*Event) *Event) Option {
	return func(o *options) { o.transform = fn }
}

// ─── Tracker ──────────────────────────────────────────────────────────────────

// Tracker is the SDK entry point. It is safe for concurrent use.
type Tracker struct {
	cfg      *Config
	logger   *slog.Logger
	identity *node.Identity
	db       *bolt.DB
	hub      *signal.Hub
	battery  *signal.ManualPower
	metrics  *metrics.Registry

	pipelines []*pipeline
	socket    *pipeline
	broker    *pipeline
	router    *warehouse.Router

	ctx     context.Context
	cancel  context.CancelFunc
	stopped atomic.Bool
	stopMu  sync.Mutex
	stopErr error
	wg      sync.WaitGroup
}

// New validates cfg, opens the local store, builds the enabled pipelines and
// starts them. A nil cfg uses DefaultConfig.
func New(cfg *Config, opts ...Option) (*Tracker, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	o := options{logger: slog.Default()}
	for _, fn := range opts {
		fn(&o)
	}

	if err := cfg.Validate(); err != nil {
		return nil, &InitError{Op: "config", Err: err}
	}
	identity, err := node.Load(cfg.DataDir, cfg.InstallationID)
	if err != nil {
		return nil, &InitError{Op: "identity", Err: err}
	}
	db, err := bolt.Open(cfg.DataDir)
	if err != nil {
		return nil, &InitError{Op: "storage", Err: err}
	}

	t := &Tracker{
		cfg:      cfg,
		logger:   o.logger,
		identity: identity,
		db:       db,
		metrics:  metrics.New(),
	}
	power := o.power
	if power == nil {
		t.battery = signal.NewManualPower(cfg.Device.MinBatteryLevelPercent)
		power = t.battery
	}
	t.hub = signal.NewHub(o.reach, power, o.life)
	if err := t.build(o); err != nil {
		_ = db.Close()
		return nil, err
	}

	t.ctx, t.cancel = context.WithCancel(context.Background())
	for _, p := range t.pipelines {
		p.start(t.ctx)
	}
	t.hub.Start(t.ctx)

	t.logger.Info("beacon: tracking started",
		"installation_id", identity.ID(),
		"data_dir", cfg.DataDir,
		"socket", t.socket != nil,
		"broker", t.broker != nil,
	)
	return t, nil
}

func (t *Tracker) build(o options) error {
	if t.cfg.Socket.Enabled {
		p, err := t.newSocketPipeline(o)
		if err != nil {
			return err
		}
		t.socket = p
		t.pipelines = append(t.pipelines, p)
	}
	if t.cfg.Broker.Enabled {
		p, err := t.newBrokerPipeline(o)
		if err != nil {
			return err
		}
		t.broker = p
		t.pipelines = append(t.pipelines, p)
	}

	var ropts []warehouse.RouterOption
	ropts = append(ropts, warehouse.WithRouterLogger(t.logger))
	if o.transform != nil {
		ropts = append(ropts, warehouse.WithTransform(o.transform))
	}

	// The socket pipeline is primary when enabled. A broker-only setup routes
	// everything through the broker.
	switch {
	case t.socket != nil && t.broker != nil:
		t.router = warehouse.NewRouter(t.socket.warehouser, t.broker.warehouser, t.cfg.Broker.Whitelist, ropts...)
	case t.socket != nil:
		t.router = warehouse.NewRouter(t.socket.warehouser, nil, nil, ropts...)
	default:
		t.router = warehouse.NewRouter(t.broker.warehouser, nil, nil, ropts...)
	}
	return nil
}

// TrackEvent stores ev in the primary pipeline and mirrors it into the
// broker pipeline when its category is whitelisted.
func (t *Tracker) TrackEvent(ev *Event) error {
	if err := t.admit(ev); err != nil {
		return err
	}
	return t.mapErr(t.router.Store(ev))
}

// TrackEventViaPrimary stores ev in the primary pipeline only.
func (t *Tracker) TrackEventViaPrimary(ev *Event) error {
	if err := t.admit(ev); err != nil {
		return err
	}
	return t.mapErr(t.router.StoreViaPrimary(ev))
}

// TrackEventViaSecondary stores ev in the broker pipeline only, ignoring the
// whitelist.
func (t *Tracker) TrackEventViaSecondary(ev *Event) error {
	if err := t.admit(ev); err != nil {
		return err
	}
	return t.mapErr(t.router.StoreViaSecondary(ev))
}

func (t *Tracker) admit(ev *Event) error {
	if t.stopped.Load() {
		return ErrStopped
	}
	if ev == nil || ev.Type == "" {
		return ErrInvalidEvent
	}
	return nil
}

func (t *Tracker) mapErr(err error) error {
	if errors.Is(err, warehouse.ErrStopped) {
		return ErrStopped
	}
	return err
}

// ReportBattery feeds the built-in power source. Levels below
// Device.MinBatteryLevelPercent while not charging pause delivery. It is a
// no-op when a Power source was supplied through WithSignals.
func (t *Tracker) ReportBattery(levelPercent int, charging bool) {
	if t.battery != nil {
		t.battery.SetBattery(levelPercent, charging)
	}
}

// ConfigureIdentifiers supplies the broker session identifiers and connects
// the broker pipeline. It is a no-op without a broker pipeline.
func (t *Tracker) ConfigureIdentifiers(ids Identifiers) {
	if t.broker == nil {
		return
	}
	t.broker.manager.ConfigureIdentifiers(ids)
}

// RemoveIdentifiers clears the broker identifiers and stops the broker
// pipeline's delivery. Events tracked afterwards stay in its outbox.
func (t *Tracker) RemoveIdentifiers() {
	if t.broker == nil {
		return
	}
	t.broker.manager.RemoveIdentifiers()
}

// States returns the current connection state of every pipeline, keyed by
// pipeline name ("socket", "broker").
func (t *Tracker) States() map[string]ConnectionState {
	out := make(map[string]ConnectionState, len(t.pipelines))
	for _, p := range t.pipelines {
		out[p.name] = p.manager.State()
	}
	return out
}

// StateChange is one connection state notification.
type StateChange struct {
	Pipeline string
	State    ConnectionState
}

// ConnectionStates returns a stream of state changes across all pipelines.
// Intermediate states may be coalesced for slow readers. The channel is
// closed by StopTracking.
func (t *Tracker) ConnectionStates() <-chan StateChange {
	out := make(chan StateChange, 16)
	var wg sync.WaitGroup
	for _, p := range t.pipelines {
		watch := p.manager.ConnectionStates()
		wg.Add(1)
		go func(name string, watch <-chan ConnectionState) {
			defer wg.Done()
			for s := range watch {
				sc := StateChange{Pipeline: name, State: s}
				select {
				case out <- sc:
					continue
				default:
				}
				select {
				case out <- sc:
				case <-t.ctx.Done():
					return
				}
			}
		}(p.name, watch)
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		wg.Wait()
		close(out)
	}()
	return out
}

// MetricsHandler serves the SDK's Prometheus metrics.
func (t *Tracker) MetricsHandler() http.Handler { return t.metrics.Handler() }

// InstallationID returns this installation's stable identifier.
func (t *Tracker) InstallationID() string { return t.identity.ID().String() }

// StopTracking stops every pipeline, flushes regulator state and closes the
// local store. Events not yet delivered stay persisted for the next launch.
// It is idempotent.
func (t *Tracker) StopTracking() error {
	t.stopMu.Lock()
	defer t.stopMu.Unlock()
	if t.stopped.Swap(true) {
		return t.stopErr
	}

	t.router.Stop()

	var g errgroup.Group
	for _, p := range t.pipelines {
		g.Go(p.regulator.Close)
	}
	err := g.Wait()

	t.hub.Stop()
	t.cancel()
	t.wg.Wait()

	if cerr := t.db.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	t.stopErr = err
	t.logger.Info("beacon: tracking stopped")
	return err
}
