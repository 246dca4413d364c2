package retry

import (
	"context"
	"sync"

	"github.com/snehjoshi/beacon/internal/config"
	"github.com/snehjoshi/beacon/internal/transport"
	"github.com/snehjoshi/beacon/internal/types"
)

// BrokerTransport is a publish/subscribe session whose acks arrive on the
// event stream. *amqp.Client satisfies it.
type BrokerTransport interface {
	Connect(ctx context.Context, clientID, userID string) error
	Publish(ctx context.Context, topic, guid string, payload []byte) error
	Disconnect() error
	Events() <-chan transport.Event
}

// FallbackSender delivers one unit over HTTP. *httpfallback.Sender
// satisfies it.
type FallbackSender interface {
	Send(ctx context.Context, guid string, payload []byte) error
}

// Broker is the Strategy of the secondary pipeline. It cannot connect until
// identifiers are configured.
type Broker struct {
	t        BrokerTransport
	fb       FallbackSender
	retry    config.Policy
	fallback config.Policy
	topic    string

	mu  sync.RWMutex
	ids *Identifiers
}

var _ Strategy = (*Broker)(nil)

// NewBroker wraps t. fb may be nil when no fallback URL is configured.
func NewBroker(t BrokerTransport, fb FallbackSender, cfg config.BrokerConfig) *Broker {
	fallback := cfg.HTTPFallback.Policy
	if fb == nil {
		fallback.Enabled = false
	}
	return &Broker{
		t:        t,
		fb:       fb,
		retry:    cfg.RetryPolicy,
		fallback: fallback,
		topic:    cfg.RoutingKey,
	}
}

func (b *Broker) Name() string                   { return "broker" }
func (b *Broker) Disconnect() error              { return b.t.Disconnect() }
func (b *Broker) Events() <-chan transport.Event { return b.t.Events() }
func (b *Broker) Reset()                         {}
func (b *Broker) KeepAlive() bool                { return false }

// ConfigureIdentifiers makes the strategy connectable.
func (b *Broker) ConfigureIdentifiers(ids Identifiers) {
	b.mu.Lock()
	b.ids = &ids
	b.mu.Unlock()
}

// ClearIdentifiers makes the strategy unconnectable again.
func (b *Broker) ClearIdentifiers() {
	b.mu.Lock()
	b.ids = nil
	b.mu.Unlock()
}

func (b *Broker) Connectable() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ids != nil
}

func (b *Broker) Connect(ctx context.Context) error {
	b.mu.RLock()
	ids := b.ids
	b.mu.RUnlock()
	if ids == nil {
		return ErrStopped
	}
	return b.t.Connect(ctx, ids.ClientID, ids.UserID)
}

func (b *Broker) Send(ctx context.Context, req *types.Request) error {
	topic := req.Topic
	if topic == "" {
		topic = b.topic
	}
	return b.t.Publish(ctx, topic, req.GUID, req.Payload)
}

// OnPower follows availability alone: reachable with healthy power
// establishes, anything else terminates.
func (b *Broker) OnPower(low bool, snap Snapshot) PowerAction {
	if snap.Reachable && !low {
		return PowerEstablish
	}
	return PowerTerminate
}

// Escalate spends the broker retry budget first, then the fallback budget.
// Both budgets count against retriesMade.
func (b *Broker) Escalate(req *types.Request) Escalation {
	brokerMax := 0
	if b.retry.Enabled {
		brokerMax = b.retry.MaxRetryCount
	}
	fallbackMax := 0
	if b.fallback.Enabled {
		fallbackMax = b.fallback.MaxRetryCount
	}

	switch {
	case req.RetriesMade < brokerMax:
		return Escalation{Action: EscalateRepublish, Delay: b.retry.Delay()}
	case req.RetriesMade < brokerMax+fallbackMax:
		return Escalation{Action: EscalateFallback, Delay: b.fallback.Delay()}
	case b.retry.Enabled && b.fallback.Enabled:
		return Escalation{Action: EscalateDrop}
	}
	return Escalation{Action: EscalateNone}
}

func (b *Broker) Fallback(ctx context.Context, req *types.Request) error {
	if b.fb == nil {
		return ErrNoFallback
	}
	return b.fb.Send(ctx, req.GUID, req.Payload)
}
