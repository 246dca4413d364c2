// Package signal provides the reachability, device power and app lifecycle
// sources a pipeline reacts to.
//
// Each source owns exactly one outbound channel. A Hub fans every source out
// to any number of subscribers so the two pipelines never share a channel.
package signal

import (
	"sync"
	"sync/atomic"

	"github.com/snehjoshi/beacon/internal/types"
)

// Reachability reports network availability.
type Reachability interface {
	IsAvailable() bool
	// Updates yields the new availability on every change.
	Updates() <-chan bool
}

// Power reports whether the device is power-critical.
type Power interface {
	IsLowOnPower() bool
	// Updates yields the new low-power flag on every change.
	Updates() <-chan bool
}

// Lifecycle reports application lifecycle transitions.
type Lifecycle interface {
	Updates() <-chan types.LifecycleEvent
}

// ─── manual sources ──────────────────────────────────────────────────────────

// ManualReachability is driven by the host application.
type ManualReachability struct {
	available atomic.Bool
	ch        chan bool
}

// NewManualReachability returns a source with the given initial availability.
func NewManualReachability(available bool) *ManualReachability {
	r := &ManualReachability{ch: make(chan bool, 1)}
	r.available.Store(available)
	return r
}

func (r *ManualReachability) IsAvailable() bool    { return r.available.Load() }
func (r *ManualReachability) Updates() <-chan bool { return r.ch }

// Set records the availability and notifies on change.
func (r *ManualReachability) Set(available bool) {
	if r.available.Swap(available) == available {
		return
	}
	sendLatest(r.ch, available)
}

// ManualPower derives the low-power flag from a battery level and charging
// state reported by the host.
type ManualPower struct {
	minLevel int

	mu       sync.Mutex
	level    int
	charging bool
	low      atomic.Bool
	ch       chan bool
}

// NewManualPower returns a source that treats levels below minLevelPercent as
// power-critical while not charging. The device starts at full charge.
func NewManualPower(minLevelPercent int) *ManualPower {
	return &ManualPower{minLevel: minLevelPercent, level: 100, ch: make(chan bool, 1)}
}

func (p *ManualPower) IsLowOnPower() bool   { return p.low.Load() }
func (p *ManualPower) Updates() <-chan bool { return p.ch }

// SetBattery records the battery state and notifies when the low-power flag
// flips.
func (p *ManualPower) SetBattery(levelPercent int, charging bool) {
	p.mu.Lock()
	p.level, p.charging = levelPercent, charging
	low := !charging && levelPercent < p.minLevel
	p.mu.Unlock()

	if p.low.Swap(low) == low {
		return
	}
	sendLatest(p.ch, low)
}

// ManualLifecycle is driven by the host application.
type ManualLifecycle struct {
	ch chan types.LifecycleEvent
}

// NewManualLifecycle returns a lifecycle source with a small buffer.
func NewManualLifecycle() *ManualLifecycle {
	return &ManualLifecycle{ch: make(chan types.LifecycleEvent, 16)}
}

func (l *ManualLifecycle) Updates() <-chan types.LifecycleEvent { return l.ch }

// Emit delivers ev. It blocks while the buffer is full.
func (l *ManualLifecycle) Emit(ev types.LifecycleEvent) { l.ch <- ev }

// sendLatest replaces any undelivered value in a 1-slot channel.
func sendLatest(ch chan bool, v bool) {
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
