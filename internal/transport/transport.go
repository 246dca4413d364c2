// Package transport defines the event stream shared by every Beacon
// transport. Concrete clients live in the websocket, amqp and httpfallback
// subpackages.
package transport

import (
	"errors"

	"github.com/snehjoshi/beacon/internal/wire"
)

// ErrNotConnected is returned by writes attempted without a live connection.
var ErrNotConnected = errors.New("transport: not connected")

// EventKind identifies a transport notification.
type EventKind uint8

const (
	// EventConnected is emitted after a connection was established by the
	// transport itself (e.g. a broker library reconnecting).
	EventConnected EventKind = iota
	// EventDisconnected reports that a live connection dropped.
	EventDisconnected
	// EventCancelled reports a disconnect the client asked for.
	EventCancelled
	// EventAck carries an application-level response to one unit.
	EventAck
	// EventSendFailed reports that a unit could not be delivered.
	EventSendFailed
	// EventPong is a keep-alive reply.
	EventPong
	// EventError is a transport error that did not end the connection.
	EventError
)

// String returns a human-readable representation of the kind.
func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventCancelled:
		return "cancelled"
	case EventAck:
		return "ack"
	case EventSendFailed:
		return "send_failed"
	case EventPong:
		return "pong"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one notification from a transport.
type Event struct {
	Kind EventKind
	// Ack is set for EventAck.
	Ack wire.Ack
	// GUID is the affected unit for EventSendFailed.
	GUID string
	Err  error
}

// Emit delivers ev on ch without blocking past done. It reports whether the
// event was delivered.
func Emit(ch chan<- Event, done <-chan struct{}, ev Event) bool {
	select {
	case ch <- ev:
		return true
	case <-done:
		return false
	}
}
