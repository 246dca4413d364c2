// Package processor pulls events from a pipeline's outbox on scheduler ticks
// and lifecycle transitions and forwards them as batches.
package processor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/snehjoshi/beacon/internal/config"
	"github.com/snehjoshi/beacon/internal/storage"
	"github.com/snehjoshi/beacon/internal/types"
)

// Forwarder is the batch creator.
type Forwarder interface {
	Forward(events []*types.Event) bool
	CanForward() bool
	RequestForConnection()
	Stop()
}

// Regulator sizes bounded pulls.
type Regulator interface {
	RegulatedNumberOfItemsPerBatch(expected int64) int
}

// Scheduler is the priority cadence generator.
type Scheduler interface {
	Subscribe(fn func(types.Priority))
	Start(ctx context.Context)
	Stop()
}

var (
	// ErrStopped is returned by Submit once the processor is stopped.
	ErrStopped = errors.New("processor: stopped")
	// ErrBusy is returned by Submit while the serial queue is full.
	ErrBusy = errors.New("processor: serial queue full")
)

// ConnectionNotifier registers one-shot "can forward again" listeners.
type ConnectionNotifier interface {
	OnConnected(fn func()) (cancel func())
}

const (
	stateNotStarted int32 = iota
	stateRunning
	stateStopped
)

// Processor is one pipeline's batch processor.
type Processor struct {
	store     storage.EventStore
	fwd       Forwarder
	sched     Scheduler
	reg       Regulator
	notifier  ConnectionNotifier
	lifecycle <-chan types.LifecycleEvent
	cfg       config.BatchingConfig
	logger    *slog.Logger

	exec   *executor
	state  atomic.Int32
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Owned by the executor.
	launchFlushed  bool
	pendingConnect func()
}

// Option configures a Processor.
type Option func(*Processor)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option { return func(p *Processor) { p.logger = l } }

// WithLifecycle subscribes the processor to lifecycle events.
func WithLifecycle(ch <-chan types.LifecycleEvent) Option {
	return func(p *Processor) { p.lifecycle = ch }
}

// New creates a Processor. Call Start to run it.
func New(
	store storage.EventStore,
	fwd Forwarder,
	sched Scheduler,
	reg Regulator,
	notifier ConnectionNotifier,
	cfg config.BatchingConfig,
	opts ...Option,
) *Processor {
	p := &Processor{
		store:    store,
		fwd:      fwd,
		sched:    sched,
		reg:      reg,
		notifier: notifier,
		cfg:      cfg,
		logger:   slog.Default(),
		exec:     newExecutor(),

	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start subscribes to the scheduler and lifecycle source and arms the timers.
func (p *Processor) Start(ctx context.Context) {
	if !p.state.CompareAndSwap(stateNotStarted, stateRunning) {
		return
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.exec.start()

	p.sched.Subscribe(p.onTick)
	p.sched.Start(p.ctx)

	if p.lifecycle != nil {
		p.wg.Add(1)
		go p.watchLifecycle()
	}
}

// Submit queues fn on the pipeline's serial context without blocking. It
// fails with ErrBusy while the queue is full and ErrStopped after Stop.
func (p *Processor) Submit(fn func()) error { return p.exec.offer(fn) }

// Wait blocks until every task submitted before it has run.
func (p *Processor) Wait() {
	done := make(chan struct{})
	if !p.exec.submit(func() { close(done) }) {
		return
	}
	<-done
}

// Stop unregisters listeners, stops the scheduler and the lifecycle
// subscription, drains queued work and stops the batch creator.
func (p *Processor) Stop() {
	if !p.state.CompareAndSwap(stateRunning, stateStopped) {
		if p.state.CompareAndSwap(stateNotStarted, stateStopped) {
			p.fwd.Stop()
		}
		return
	}
	p.sched.Stop()
	p.exec.submit(func() {
		if p.pendingConnect != nil {
			p.pendingConnect()
			p.pendingConnect = nil
		}
	})
	p.cancel()
	p.wg.Wait()
	p.exec.stop()
	p.fwd.Stop()
	p.logger.Info("processor: stopped")
}

// ─── ticks ───────────────────────────────────────────────────────────────────

// onTick runs on the scheduler goroutine. It never blocks so Stop on the
// executor can always wait for the scheduler.
func (p *Processor) onTick(prio types.Priority) {
	if !p.exec.trySubmit(func() { p.handleTick(prio) }) {
		p.logger.Debug("processor: tick skipped, executor busy", "priority", prio.Identifier)
	}
}

func (p *Processor) handleTick(prio types.Priority) {
	if !p.fwd.CanForward() {
		return
	}
	if p.cfg.FlushOnAppLaunch && !p.launchFlushed {
		p.launchFlushed = true
		p.flushType(prio.Identifier)
		return
	}
	if prio.MaxBatchSize != nil && prio.MaxTimeBetweenTwoBatches != nil {
		n := p.reg.RegulatedNumberOfItemsPerBatch(*prio.MaxBatchSize)
		events, err := p.store.DeleteWhere(prio.Identifier, n)
		if err != nil {
			p.logger.Error("processor: pull", "priority", prio.Identifier, "err", err)
			return
		}
		p.forward(events)
		return
	}
	p.flushType(prio.Identifier)
}

// FlushType removes and forwards every persisted event of eventType. It
// must run on the serial context.
func (p *Processor) FlushType(eventType string) { p.flushType(eventType) }

func (p *Processor) flushType(eventType string) {
	if !p.fwd.CanForward() {
		return
	}
	events, err := p.store.DeleteWhere(eventType, 0)
	if err != nil {
		p.logger.Error("processor: flush", "type", eventType, "err", err)
		return
	}
	p.forward(events)
}

// forward hands events to the creator. Events the creator refuses are put
// back so nothing is lost between the availability check and the hand-off.
func (p *Processor) forward(events []*types.Event) {
	if len(events) == 0 {
		return
	}
	if p.fwd.Forward(events) {
		return
	}
	for _, ev := range events {
		if err := p.store.Insert(ev); err != nil {
			p.logger.Error("processor: restore event", "guid", ev.GUID, "err", err)
		}
	}
}

// SendInstantly forwards ev as a single-event batch, bypassing the outbox.
func (p *Processor) SendInstantly(ev *types.Event) bool {
	return p.fwd.Forward([]*types.Event{ev})
}

// ─── lifecycle ───────────────────────────────────────────────────────────────

func (p *Processor) watchLifecycle() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case ev, ok := <-p.lifecycle:
			if !ok {
				return
			}
			p.exec.submit(func() { p.handleLifecycle(ev) })
		}
	}
}

func (p *Processor) handleLifecycle(ev types.LifecycleEvent) {
	p.logger.Debug("processor: lifecycle", "event", ev)
	switch ev {
	case types.WillTerminate, types.DidEnterBackground:
		p.FlushAll()
	case types.WillResignActive:
		p.sched.Stop()
	case types.DidBecomeActive:
		if p.state.Load() == stateRunning {
			p.sched.Start(p.ctx)
		}
	case types.WillEnterForeground:
	}
}

// FlushAll forwards everything persisted, one batch per type. When the
// pipeline cannot forward it asks for a reconnect and retries once
// connected. It must run on the serial context.
func (p *Processor) FlushAll() {
	if !p.cfg.FlushOnBackground {
		return
	}
	n, err := p.store.Count()
	if err != nil {
		p.logger.Error("processor: count", "err", err)
		return
	}
	if n == 0 {
		return
	}

	if !p.fwd.CanForward() {
		if p.pendingConnect == nil {
			p.pendingConnect = p.notifier.OnConnected(func() {
				p.exec.submit(func() {
					p.pendingConnect = nil
					p.FlushAll()
				})
			})
		}
		p.fwd.RequestForConnection()
		return
	}

	events, err := p.store.DeleteAll()
	if err != nil {
		p.logger.Error("processor: flush all", "err", err)
		return
	}
	for _, group := range groupByType(events) {
		p.forward(group)
	}
	p.logger.Info("processor: flushed all", "events", len(events))
}

func groupByType(events []*types.Event) [][]*types.Event {
	idx := make(map[string]int)
	var groups [][]*types.Event
	for _, ev := range events {
		i, ok := idx[ev.Type]
		if !ok {
			i = len(groups)
			idx[ev.Type] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], ev)
	}
	return groups
}
