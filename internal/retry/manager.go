package retry

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/snehjoshi/beacon/internal/config"
	"github.com/snehjoshi/beacon/internal/metrics"
	"github.com/snehjoshi/beacon/internal/storage"
	"github.com/snehjoshi/beacon/internal/transport"
	"github.com/snehjoshi/beacon/internal/types"
	"github.com/snehjoshi/beacon/internal/wire"
)

// Manager owns one pipeline's connection lifecycle and retry cache.
//
// Usage:
//
//	m := retry.New(retry.NewSocket(ws), cache, hub, cfg.Retry)
//	m.Start(ctx)
//	defer m.StopTracking()
//	m.TrackBatch(req)
type Manager struct {
	strat   Strategy
	cache   storage.RequestStore
	sig     Signals
	cfg     config.RetryConfig
	logger  *slog.Logger
	metrics *metrics.Pipeline
	limiter *rate.Limiter

	state     *StateCell
	reachable atomic.Bool
	lowPower  atomic.Bool

	inbox    *mailbox
	quit     chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc

	listenersMu sync.Mutex
	listeners   map[uint64]func()
	nextID      uint64

	// Subscriptions released on shutdown.
	reachCh, powerCh <-chan bool
	lifeCh           <-chan types.LifecycleEvent

	// Owned by the loop goroutine.
	delayed      map[uint64]*time.Timer
	nextDelay    uint64
	connecting   bool
	connectGen   uint64
	sweepGen     uint64
	sweep        *time.Ticker
	keepAlive    *time.Ticker
	grace        *time.Timer
	connectRetry *time.Timer
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// WithMetrics records diagnostics on p.
func WithMetrics(p *metrics.Pipeline) Option { return func(m *Manager) { m.metrics = p } }

// New creates a Manager. Call Start to run it.
func New(strat Strategy, cache storage.RequestStore, sig Signals, cfg config.RetryConfig, opts ...Option) *Manager {
	every := rate.Inf
	if cfg.ConnectionRetryDuration > 0 {
		every = rate.Every(cfg.ConnectionRetryDuration)
	}
	m := &Manager{
		strat:     strat,
		cache:     cache,
		sig:       sig,
		cfg:       cfg,
		logger:    slog.Default(),
		limiter:   rate.NewLimiter(every, 1),
		state:     NewStateCell(),
		inbox:     newMailbox(),
		delayed:   make(map[uint64]*time.Timer),
		quit:      make(chan struct{}),
		listeners: make(map[uint64]func()),
	}
	for _, o := range opts {
		o(m)
	}
	m.logger = m.logger.With("pipeline", strat.Name())
	return m
}

// messages handled by the loop
type (
	trackMsg     struct{ req *types.Request }
	forceOpenMsg struct{}
	configureMsg struct{ ids Identifiers }
	removeIDsMsg struct{}
	connectMsg   struct {
		gen uint64
		err error
	}
	resendMsg struct {
		guid string
		gen  uint64
	}
	republishMsg   struct{ guid string }
	fallbackMsg    struct{ guid string }
	fallbackResult struct {
		guid string
		err  error
	}
	delayedMsg struct {
		id  uint64
		msg any
	}
)

// Start subscribes to the signal sources and launches the state machine.
// It establishes a connection right away when the device allows it.
func (m *Manager) Start(ctx context.Context) {
	if m.started.Swap(true) {
		return
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.reachable.Store(m.sig.IsAvailable())
	m.lowPower.Store(m.sig.IsLowOnPower())

	m.reachCh, m.powerCh, m.lifeCh = m.sig.Reachability(), m.sig.Power(), m.sig.Lifecycle()

	m.wg.Add(1)
	go m.run(m.reachCh, m.powerCh, m.lifeCh)
}

// TrackBatch hands a unit to the state machine. It never blocks.
func (m *Manager) TrackBatch(req *types.Request) {
	if !m.post(trackMsg{req: req}) {
		m.logger.Warn("retry: unit tracked after stop", "guid", req.GUID)
	}
}

// OpenConnectionForcefully asks for a connect attempt outside the normal
// retry cadence.
func (m *Manager) OpenConnectionForcefully() { m.post(forceOpenMsg{}) }

// ConfigureIdentifiers supplies broker identifiers and connects. It is a
// no-op for strategies that do not use identifiers.
func (m *Manager) ConfigureIdentifiers(ids Identifiers) { m.post(configureMsg{ids: ids}) }

// RemoveIdentifiers clears broker identifiers and stops tracking.
func (m *Manager) RemoveIdentifiers() {
	if m.post(removeIDsMsg{}) {
		m.wg.Wait()
	}
	m.StopTracking()
}

// StopTracking terminates the connection, cancels every timer and waits for
// the state machine to exit. It is idempotent.
func (m *Manager) StopTracking() {
	m.stopOnce.Do(func() {
		close(m.quit)
	})
	m.wg.Wait()
	if !m.started.Load() {
		m.state.Close()
	}
}

// CanForward reports reachable ∧ connected ∧ ¬lowPower. It is computed on
// every call.
func (m *Manager) CanForward() bool {
	return m.reachable.Load() && m.state.Get() == types.StateConnected && !m.lowPower.Load()
}

// State returns the current connection state.
func (m *Manager) State() types.ConnectionState { return m.state.Get() }

// ConnectionStates returns a channel of state changes.
func (m *Manager) ConnectionStates() <-chan types.ConnectionState { return m.state.Watch() }

// Name returns the strategy name.
func (m *Manager) Name() string { return m.strat.Name() }

// OnConnected registers a one-shot listener fired (on its own goroutine) the
// next time the pipeline can forward. cancel unregisters it.
func (m *Manager) OnConnected(fn func()) (cancel func()) {
	m.listenersMu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.listenersMu.Unlock()

	cancel = func() {
		m.listenersMu.Lock()
		delete(m.listeners, id)
		m.listenersMu.Unlock()
	}
	// Connected between the caller's check and the registration.
	if m.CanForward() {
		m.fireListeners()
	}
	return cancel
}

func (m *Manager) fireListeners() {
	m.listenersMu.Lock()
	fns := make([]func(), 0, len(m.listeners))
	for id, fn := range m.listeners {
		fns = append(fns, fn)
		delete(m.listeners, id)
	}
	m.listenersMu.Unlock()
	for _, fn := range fns {
		go fn()
	}
}

// post queues msg for the loop. It never blocks, so the loop may post to
// itself.
func (m *Manager) post(msg any) bool {
	select {
	case <-m.quit:
		return false
	default:
	}
	m.inbox.put(msg)
	return true
}

// after delivers msg to the loop once d has elapsed. Only the loop calls it;
// pending timers are stopped on shutdown.
func (m *Manager) after(d time.Duration, msg any) {
	if d <= 0 {
		m.post(msg)
		return
	}
	id := m.nextDelay
	m.nextDelay++
	m.delayed[id] = time.AfterFunc(d, func() { m.post(delayedMsg{id: id, msg: msg}) })
}

func (m *Manager) cancelDelayed() {
	for id, t := range m.delayed {
		t.Stop()
		delete(m.delayed, id)
	}
}

// ─── state machine goroutine ─────────────────────────────────────────────────

func (m *Manager) run(reach, power <-chan bool, life <-chan types.LifecycleEvent) {
	defer m.wg.Done()
	defer m.shutdown()

	events := m.strat.Events()
	if m.strat.KeepAlive() && m.cfg.KeepAliveInterval > 0 {
		m.keepAlive = time.NewTicker(m.cfg.KeepAliveInterval)
	}
	if m.reachable.Load() && !m.lowPower.Load() {
		m.establish(false)
	}

	for {
		select {
		case <-m.quit:
			return
		case <-m.ctx.Done():
			return

		case <-m.inbox.ready():
			for _, msg := range m.inbox.take() {
				if m.stopping() || m.handle(msg) {
					return
				}
			}

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			m.onTransport(ev)

		case v, ok := <-reach:
			if !ok {
				reach = nil
				continue
			}
			m.onReachability(v)

		case v, ok := <-power:
			if !ok {
				power = nil
				continue
			}
			m.onPower(v)

		case ev, ok := <-life:
			if !ok {
				life = nil
				continue
			}
			m.onLifecycle(ev)

		case <-tickerC(m.sweep):
			m.runSweep()

		case <-tickerC(m.keepAlive):
			m.onKeepAlive()

		case <-timerC(m.grace):
			m.grace = nil
			m.logger.Info("retry: grace window elapsed, terminating connection")
			m.terminate()

		case <-timerC(m.connectRetry):
			m.connectRetry = nil
			if m.reachable.Load() && !m.lowPower.Load() {
				m.establish(false)
			}
		}
	}
}

// handle processes one inbox message and reports whether the loop must exit.
func (m *Manager) handle(msg any) bool {
	switch msg := msg.(type) {
	case delayedMsg:
		if _, ok := m.delayed[msg.id]; !ok {
			return false
		}
		delete(m.delayed, msg.id)
		return m.handle(msg.msg)
	case trackMsg:
		m.track(msg.req)
	case forceOpenMsg:
		m.establish(true)
	case configureMsg:
		if id, ok := m.strat.(identifiable); ok {
			id.ConfigureIdentifiers(msg.ids)
			m.logger.Info("retry: identifiers configured", "client_id", msg.ids.ClientID)
			if m.reachable.Load() && !m.lowPower.Load() {
				m.establish(true)
			}
		}
	case removeIDsMsg:
		m.terminate()
		if id, ok := m.strat.(identifiable); ok {
			id.ClearIdentifiers()
		}
		return true
	case connectMsg:
		m.onConnectResult(msg)
	case resendMsg:
		m.resend(msg)
	case republishMsg:
		if rec := m.lookup(msg.guid); rec != nil {
			m.metrics.UnitResent("broker")
			m.track(rec)
		}
	case fallbackMsg:
		m.fallback(msg.guid)
	case fallbackResult:
		if msg.err == nil {
			m.removeFromCache(msg.guid)
			return false
		}
		m.logger.Warn("retry: fallback delivery failed", "guid", msg.guid, "err", msg.err)
		m.onSendFailure(msg.guid, msg.err)
	}
	return false
}

func (m *Manager) shutdown() {
	m.terminate()
	m.stopSweep()
	if m.keepAlive != nil {
		m.keepAlive.Stop()
		m.keepAlive = nil
	}
	m.cancelGrace()
	m.cancelConnectRetry()
	m.cancelDelayed()
	m.cancel()
	m.sig.Unsubscribe(m.reachCh, m.powerCh, m.lifeCh)
	m.state.Close()

	m.listenersMu.Lock()
	clear(m.listeners)
	m.listenersMu.Unlock()
	m.logger.Info("retry: stopped tracking")
}

// ─── connection lifecycle ────────────────────────────────────────────────────

func (m *Manager) setState(to types.ConnectionState) {
	from := m.state.Get()
	if from == to {
		return
	}
	if !types.ValidTransition(from, to) {
		m.logger.Warn("retry: invalid state transition", "from", from, "to", to)
		return
	}
	m.state.Set(to)
	m.metrics.State(to)
	m.logger.Debug("retry: state", "from", from, "to", to)
}

// establish starts at most one asynchronous connect. force skips the
// reconnect throttle.
func (m *Manager) establish(force bool) {
	if !m.strat.Connectable() {
		return
	}
	if m.connecting || m.state.Get() == types.StateConnected {
		return
	}
	if !m.reachable.Load() {
		return
	}
	if !force && !m.limiter.Allow() {
		m.armConnectRetry()
		return
	}
	m.cancelConnectRetry()

	m.connecting = true
	m.setState(types.StateConnecting)
	gen := m.connectGen
	ctx := m.ctx
	go func() {
		err := m.strat.Connect(ctx)
		m.post(connectMsg{gen: gen, err: err})
	}()
}

func (m *Manager) onConnectResult(r connectMsg) {
	if r.gen != m.connectGen {
		// Terminated while connecting.
		if r.err == nil {
			_ = m.strat.Disconnect()
		}
		return
	}
	m.connecting = false

	if r.err != nil {
		m.metrics.ConnectAttempt("error")
		m.logger.Warn("retry: connect failed", "err", r.err)
		m.setState(types.StateFailed)
		m.stopSweep()
		if m.reachable.Load() && !m.lowPower.Load() {
			m.armConnectRetry()
		}
		return
	}

	m.metrics.ConnectAttempt("ok")
	m.setState(types.StateConnected)
	m.startSweep()
	m.logger.Info("retry: connected")
	if m.CanForward() {
		m.fireListeners()
	}
}

// terminate disconnects the transport and stops the sweep.
func (m *Manager) terminate() {
	if !m.strat.Connectable() {
		return
	}
	m.cancelConnectRetry()
	m.stopSweep()

	switch m.state.Get() {
	case types.StateConnected:
		m.setState(types.StateClosing)
		if err := m.strat.Disconnect(); err != nil {
			m.logger.Warn("retry: disconnect", "err", err)
		}
		m.setState(types.StateClosed)
		m.logger.Info("retry: connection terminated")
	case types.StateConnecting:
		m.connectGen++
		m.connecting = false
		m.setState(types.StateClosed)
		_ = m.strat.Disconnect()
	case types.StateFailed:
		m.setState(types.StateClosed)
	}
}

// prepareForTerminating starts (or restarts) the grace countdown.
func (m *Manager) prepareForTerminating() {
	if m.cfg.ConnectionTerminationTimerWaitTime <= 0 {
		m.terminate()
		return
	}
	m.cancelGrace()
	m.grace = time.NewTimer(m.cfg.ConnectionTerminationTimerWaitTime)
}

func (m *Manager) cancelGrace() {
	if m.grace != nil {
		m.grace.Stop()
		m.grace = nil
	}
}

func (m *Manager) armConnectRetry() {
	if m.connectRetry != nil {
		return
	}
	d := m.cfg.ConnectionRetryDuration
	if d <= 0 {
		d = time.Second
	}
	m.connectRetry = time.NewTimer(d)
}

func (m *Manager) cancelConnectRetry() {
	if m.connectRetry != nil {
		m.connectRetry.Stop()
		m.connectRetry = nil
	}
}

// ─── inputs ──────────────────────────────────────────────────────────────────

func (m *Manager) onTransport(ev transport.Event) {
	switch ev.Kind {
	case transport.EventAck:
		m.onAck(ev.Ack)
	case transport.EventSendFailed:
		m.onSendFailure(ev.GUID, ev.Err)
	case transport.EventDisconnected, transport.EventCancelled:
		m.stopSweep()
		m.strat.Reset()
		if m.state.Get() != types.StateConnected {
			return
		}
		m.setState(types.StateClosed)
		m.logger.Warn("retry: connection lost", "kind", ev.Kind, "err", ev.Err)
		if ev.Kind == transport.EventDisconnected && m.reachable.Load() && !m.lowPower.Load() {
			m.armConnectRetry()
		}
	case transport.EventPong:
		m.logger.Debug("retry: pong")
	case transport.EventConnected:
		m.logger.Debug("retry: transport reports connected", "state", m.state.Get())
	case transport.EventError:
		m.logger.Warn("retry: transport error", "err", ev.Err)
	}
}

func (m *Manager) onAck(a wire.Ack) {
	if a.OK() {
		m.removeFromCache(a.GUID)
		return
	}
	m.metrics.Rejected(a.Code.String())
	if a.Code == wire.CodeConnectionLimitReached {
		m.logger.Warn("retry: connection limit reached, cycling connection", "guid", a.GUID)
		m.terminate()
		m.establish(true)
		return
	}
	m.logger.Warn("retry: batch rejected", "guid", a.GUID, "code", a.Code, "detail", a.Detail)
}

func (m *Manager) onReachability(available bool) {
	m.reachable.Store(available)
	m.logger.Info("retry: reachability changed", "available", available)
	if available {
		m.establish(false)
		return
	}
	m.terminate()
}

func (m *Manager) onPower(low bool) {
	m.lowPower.Store(low)
	snap := Snapshot{Reachable: m.reachable.Load(), Connected: m.state.Get() == types.StateConnected}
	switch m.strat.OnPower(low, snap) {
	case PowerEstablish:
		m.establish(false)
	case PowerTerminate:
		m.logger.Info("retry: device power critical, terminating connection")
		m.terminate()
	}
}

func (m *Manager) onLifecycle(ev types.LifecycleEvent) {
	switch ev {
	case types.WillResignActive:
		m.prepareForTerminating()
	case types.DidBecomeActive, types.WillEnterForeground:
		m.cancelGrace()
		if m.reachable.Load() && !m.lowPower.Load() {
			m.establish(false)
		}
	}
}

func (m *Manager) onKeepAlive() {
	if !m.reachable.Load() || m.lowPower.Load() {
		return
	}
	if m.connecting || m.state.Get() == types.StateConnected {
		return
	}
	m.strat.Reset()
	m.establish(false)
}

func (m *Manager) stopping() bool {
	select {
	case <-m.quit:
		return true
	case <-m.ctx.Done():
		return true
	default:
		return false
	}
}

// mailbox is an unbounded FIFO in front of the loop. put never blocks;
// ready fires whenever items are waiting.
type mailbox struct {
	mu     sync.Mutex
	items  []any
	signal chan struct{}
}

func newMailbox() *mailbox { return &mailbox{signal: make(chan struct{}, 1)} }

func (b *mailbox) put(v any) {
	b.mu.Lock()
	b.items = append(b.items, v)
	b.mu.Unlock()
	select {
	case b.signal <- struct{}{}:
	default:
	}
}

func (b *mailbox) ready() <-chan struct{} { return b.signal }

func (b *mailbox) take() []any {
	b.mu.Lock()
	defer b.mu.Unlock()
	items := b.items
	b.items = nil
	return items
}

func tickerC(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}
