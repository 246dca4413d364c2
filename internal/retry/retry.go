// Package retry implements the connection and retry state machine that sits
// between a pipeline's batch creator and its transport.
//
// One Manager type serves both pipelines. What differs between the socket
// and broker pipelines (how to connect, how to send, how to escalate a
// failed send, how to react to device power) lives in a Strategy.
//
// A Manager is a single-consumer state machine: every input (tracked units,
// transport events, reachability, power, lifecycle, timers, connect results)
// arrives on one goroutine, so cache mutation followed by a transport write
// is atomic relative to every other send on the same pipeline.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/snehjoshi/beacon/internal/transport"
	"github.com/snehjoshi/beacon/internal/types"
)

// ErrStopped is returned by operations attempted after StopTracking.
var ErrStopped = errors.New("retry: stopped")

// ErrNoFallback is returned by strategies without an HTTP fallback path.
var ErrNoFallback = errors.New("retry: no fallback configured")

// Identifiers select the broker session. They are supplied by the host once
// the user is known.
type Identifiers struct {
	ClientID string
	UserID   string
}

// Snapshot is the connection context handed to Strategy.OnPower.
type Snapshot struct {
	Reachable bool
	Connected bool
}

// PowerAction is a Strategy's reaction to a low-power change.
type PowerAction uint8

const (
	PowerNone PowerAction = iota
	PowerEstablish
	PowerTerminate
)

// EscalateAction is a Strategy's reaction to a failed send.
type EscalateAction uint8

const (
	// EscalateNone leaves the unit for the next sweep.
	EscalateNone EscalateAction = iota
	// EscalateRepublish re-sends through the same transport.
	EscalateRepublish
	// EscalateFallback sends through the HTTP fallback path.
	EscalateFallback
	// EscalateDrop removes the unit from the cache.
	EscalateDrop
)

// Escalation is the decision for one failed send.
type Escalation struct {
	Action EscalateAction
	Delay  time.Duration
}

// Strategy is the variant-specific half of a Manager.
type Strategy interface {
	// Name labels logs and metrics.
	Name() string

	// Connectable reports whether establish and terminate may act at all.
	Connectable() bool

	// Connect blocks until the transport is connected or ctx is done.
	Connect(ctx context.Context) error

	Disconnect() error

	// Send writes one unit. A nil error means the write was handed to the
	// transport, not that it was acknowledged.
	Send(ctx context.Context, req *types.Request) error

	// Events is the transport's notification stream. It lives as long as the
	// strategy and is never closed while the Manager runs.
	Events() <-chan transport.Event

	// Reset discards transport-level buffered state after a drop.
	Reset()

	// KeepAlive reports whether the Manager should run the periodic
	// reconnect check.
	KeepAlive() bool

	OnPower(lowPower bool, s Snapshot) PowerAction

	Escalate(req *types.Request) Escalation

	// Fallback delivers req through the escalation path. A nil error is
	// treated as an ack.
	Fallback(ctx context.Context, req *types.Request) error
}

// identifiable is implemented by strategies gated on Identifiers.
type identifiable interface {
	ConfigureIdentifiers(ids Identifiers)
	ClearIdentifiers()
}

// Signals is the per-pipeline view of the device signal sources.
// *signal.Hub satisfies it.
type Signals interface {
	IsAvailable() bool
	IsLowOnPower() bool
	Reachability() <-chan bool
	Power() <-chan bool
	Lifecycle() <-chan types.LifecycleEvent
	// Unsubscribe releases channels returned by the methods above.
	Unsubscribe(reach, power <-chan bool, life <-chan types.LifecycleEvent)
}
