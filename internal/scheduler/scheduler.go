package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/snehjoshi/beacon/internal/types"
)

// Scheduler fires one callback per priority at that priority's cadence.
//
// Usage:
//
//	s := New(cfg.Priorities, cfg.Scheduler.Heartbeat)
//	s.Subscribe(func(p types.Priority) { ... })
//	s.Start(ctx)
//	defer s.Stop()
//
// Callbacks run on the scheduler goroutine, one at a time. Start and Stop may
// be called repeatedly; each Start re-arms every priority at now+interval.
type Scheduler struct {
	priorities []types.Priority
	fallback   time.Duration

	mu      sync.Mutex
	fn      func(types.Priority)
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a Scheduler. Priorities without MaxTimeBetweenTwoBatches tick
// at fallback.
func New(priorities []types.Priority, fallback time.Duration) *Scheduler {
	ps := make([]types.Priority, len(priorities))
	copy(ps, priorities)
	return &Scheduler{priorities: ps, fallback: fallback}
}

// Subscribe registers fn as the only subscriber, replacing any previous one.
func (s *Scheduler) Subscribe(fn func(types.Priority)) {
	s.mu.Lock()
	s.fn = fn
	s.mu.Unlock()
}

// Start launches the cadence goroutine. It is a no-op while already running.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	h := s.arm(time.Now())

	s.wg.Add(1)
	go s.run(runCtx, h)
}

// Stop cancels every timer and waits for the goroutine to exit. A callback
// already in progress completes first. Stop is idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
}

// Running reports whether timers are armed.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Interval returns the cadence used for p.
func (s *Scheduler) Interval(p types.Priority) time.Duration {
	if p.MaxTimeBetweenTwoBatches != nil && *p.MaxTimeBetweenTwoBatches > 0 {
		return *p.MaxTimeBetweenTwoBatches
	}
	return s.fallback
}

func (s *Scheduler) arm(now time.Time) *minHeap {
	h := make(minHeap, 0, len(s.priorities))
	for _, p := range s.priorities {
		iv := s.Interval(p)
		if iv <= 0 {
			continue
		}
		h = append(h, &item{priority: p, interval: iv, next: now.Add(iv)})
	}
	heap.Init(&h)
	return &h
}

// ─── cadence goroutine ───────────────────────────────────────────────────────

func (s *Scheduler) run(ctx context.Context, h *minHeap) {
	defer s.wg.Done()

	if h.Len() == 0 {
		<-ctx.Done()
		return
	}

	t := time.NewTimer(time.Until((*h)[0].next))
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			// Fire every priority that is due, earliest first.
			for h.Len() > 0 && !(*h)[0].next.After(now) {
				it := (*h)[0]
				s.fire(it.priority)
				it.next = it.next.Add(it.interval)
				if it.next.Before(now) {
					// Callback overran several periods; skip the missed ticks.
					it.next = now.Add(it.interval)
				}
				heap.Fix(h, it.heapIdx)
				if ctx.Err() != nil {
					return
				}
			}
			t.Reset(time.Until((*h)[0].next))
		}
	}
}

func (s *Scheduler) fire(p types.Priority) {
	s.mu.Lock()
	fn := s.fn
	s.mu.Unlock()
	if fn != nil {
		fn(p)
	}
}
