package signal

import (
	"context"
	"sync"

	"github.com/snehjoshi/beacon/internal/types"
)

const subscriberBuffer = 16

// Hub fans the three sources out to per-pipeline subscribers.
type Hub struct {
	reach Reachability
	power Power
	life  Lifecycle

	reachB *Broadcaster[bool]
	powerB *Broadcaster[bool]
	lifeB  *Broadcaster[types.LifecycleEvent]

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHub wraps the sources. Nil sources are replaced with manual ones that
// report a reachable, fully charged, foreground device.
func NewHub(reach Reachability, power Power, life Lifecycle) *Hub {
	if reach == nil {
		reach = NewManualReachability(true)
	}
	if power == nil {
		power = NewManualPower(0)
	}
	if life == nil {
		life = NewManualLifecycle()
	}
	return &Hub{
		reach:  reach,
		power:  power,
		life:   life,
		reachB: NewBroadcaster(reach.Updates()),
		powerB: NewBroadcaster(power.Updates()),
		lifeB:  NewBroadcaster(life.Updates()),
	}
}

func (h *Hub) IsAvailable() bool  { return h.reach.IsAvailable() }
func (h *Hub) IsLowOnPower() bool { return h.power.IsLowOnPower() }

// Reachability returns a new subscription to availability changes.
func (h *Hub) Reachability() <-chan bool { return h.reachB.Subscribe() }

// Power returns a new subscription to low-power changes.
func (h *Hub) Power() <-chan bool { return h.powerB.Subscribe() }

// Lifecycle returns a new subscription to lifecycle events.
func (h *Hub) Lifecycle() <-chan types.LifecycleEvent { return h.lifeB.Subscribe() }

// Unsubscribe releases subscriptions obtained from this hub. Nil channels are
// skipped.
func (h *Hub) Unsubscribe(reach, power <-chan bool, life <-chan types.LifecycleEvent) {
	h.reachB.Unsubscribe(reach)
	h.powerB.Unsubscribe(power)
	h.lifeB.Unsubscribe(life)
}

// Start runs the fan-out goroutines until ctx is done or Stop is called.
func (h *Hub) Start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)
	for _, run := range []func(context.Context){h.reachB.Run, h.powerB.Run, h.lifeB.Run} {
		h.wg.Add(1)
		go func(run func(context.Context)) {
			defer h.wg.Done()
			run(ctx)
		}(run)
	}
}

// Stop halts fan-out and closes every subscriber channel.
func (h *Hub) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
}

// Broadcaster copies every value from one source channel to each subscriber.
// Delivery never blocks: a subscriber that falls behind loses its oldest
// buffered value, so one stalled pipeline cannot hold back the other.
type Broadcaster[T any] struct {
	src <-chan T

	mu     sync.Mutex
	subs   []chan T
	closed bool
}

// NewBroadcaster wraps src.
func NewBroadcaster[T any](src <-chan T) *Broadcaster[T] {
	return &Broadcaster[T]{src: src}
}

// Subscribe returns a buffered channel receiving every later value. After Run
// returns, Subscribe yields a closed channel.
func (b *Broadcaster[T]) Subscribe() <-chan T {
	ch := make(chan T, subscriberBuffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

// Unsubscribe detaches ch and closes it. Unknown channels are ignored.
func (b *Broadcaster[T]) Unsubscribe(ch <-chan T) {
	if ch == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if (<-chan T)(sub) == ch {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			close(sub)
			return
		}
	}
}

// Run forwards values until ctx is done or src is closed, then closes every
// subscriber.
func (b *Broadcaster[T]) Run(ctx context.Context) {
	defer b.closeAll()
	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-b.src:
			if !ok {
				return
			}
			b.mu.Lock()
			for _, ch := range b.subs {
				offer(ch, v)
			}
			b.mu.Unlock()
		}
	}
}

// offer delivers v without blocking, evicting the oldest value when ch is
// full.
func offer[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func (b *Broadcaster[T]) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
