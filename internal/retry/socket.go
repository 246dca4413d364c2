package retry

import (
	"context"

	"github.com/snehjoshi/beacon/internal/transport"
	"github.com/snehjoshi/beacon/internal/types"
)

// SocketTransport is a single long-lived connection with one ack per write.
// *websocket.Client satisfies it.
type SocketTransport interface {
	Connect(ctx context.Context) error
	Write(ctx context.Context, payload []byte) error
	Disconnect() error
	Reset()
	Events() <-chan transport.Event
}

// Socket is the Strategy of the primary pipeline.
type Socket struct {
	t SocketTransport
}

var _ Strategy = (*Socket)(nil)

// NewSocket wraps t.
func NewSocket(t SocketTransport) *Socket { return &Socket{t: t} }

func (s *Socket) Name() string                      { return "socket" }
func (s *Socket) Connectable() bool                 { return true }
func (s *Socket) Connect(ctx context.Context) error { return s.t.Connect(ctx) }
func (s *Socket) Disconnect() error                 { return s.t.Disconnect() }
func (s *Socket) Events() <-chan transport.Event    { return s.t.Events() }
func (s *Socket) Reset()                            { s.t.Reset() }
func (s *Socket) KeepAlive() bool                   { return true }

func (s *Socket) Escalate(*types.Request) Escalation { return Escalation{Action: EscalateNone} }

func (s *Socket) Fallback(context.Context, *types.Request) error { return ErrNoFallback }

func (s *Socket) Send(ctx context.Context, req *types.Request) error {
	return s.t.Write(ctx, req.Payload)
}

// OnPower reacts to the transition relative to the current connection: a
// connected socket closes on low power, a disconnected one reopens when power
// recovers.
func (s *Socket) OnPower(low bool, snap Snapshot) PowerAction {
	switch {
	case low && snap.Connected:
		return PowerTerminate
	case !low && !snap.Connected:
		return PowerEstablish
	}
	return PowerNone
}
