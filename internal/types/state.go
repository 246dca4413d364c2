package types

// ConnectionState is the lifecycle state of one pipeline's transport
// connection. It is written only by that pipeline's retry manager.
type ConnectionState uint8

const (
	StateClosed ConnectionState = iota
	StateConnecting
	StateConnected
	StateClosing
	StateFailed
)

// String returns a human-readable representation of the state.
func (s ConnectionState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ValidTransition reports whether from → to is a legal connection state change.
//
//	CLOSED ──► CONNECTING ──► CONNECTED ──► CLOSING ──► CLOSED
//	               │              │                       ▲
//	               ├──► FAILED ───┼───────────────────────┤
//	               └──────────────┴───────────────────────┘
//
// FAILED is terminal-ish: the next establish attempt moves it to CONNECTING.
func ValidTransition(from, to ConnectionState) bool {
	switch from {
	case StateClosed:
		return to == StateConnecting
	case StateConnecting:
		return to == StateConnected || to == StateFailed || to == StateClosed
	case StateConnected:
		return to == StateClosing || to == StateClosed
	case StateClosing:
		return to == StateClosed
	case StateFailed:
		return to == StateConnecting || to == StateClosed
	}
	return false
}
