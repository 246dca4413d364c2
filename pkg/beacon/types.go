package beacon

import (
	"github.com/snehjoshi/beacon/internal/config"
	"github.com/snehjoshi/beacon/internal/node"
	"github.com/snehjoshi/beacon/internal/retry"
	"github.com/snehjoshi/beacon/internal/signal"
	"github.com/snehjoshi/beacon/internal/types"
)

// Re-exported core types.
type (
	Config          = config.Config
	Event           = types.Event
	Priority        = types.Priority
	LifecycleEvent  = types.LifecycleEvent
	ConnectionState = types.ConnectionState
	Identifiers     = retry.Identifiers

	Reachability = signal.Reachability
	Power        = signal.Power
	Lifecycle    = signal.Lifecycle

	SocketTransport = retry.SocketTransport
	BrokerTransport = retry.BrokerTransport
	FallbackSender  = retry.FallbackSender
)

// Event type tags with special handling.
const (
	TypeInstant  = types.TypeInstant
	TypeP0       = types.TypeP0
	TypeInternal = types.TypeInternal
	TypeRealTime = types.TypeRealTime
)

// Lifecycle transitions reported by the host.
const (
	WillTerminate       = types.WillTerminate
	DidEnterBackground  = types.DidEnterBackground
	WillResignActive    = types.WillResignActive
	DidBecomeActive     = types.DidBecomeActive
	WillEnterForeground = types.WillEnterForeground
)

// DefaultConfig returns a config with production defaults.
func DefaultConfig() *Config { return config.Default() }

// LoadConfig reads a YAML config file over the defaults and applies BEACON_*
// environment overrides.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// NewEvent builds an event with a fresh time-ordered GUID. category is the
// on-wire category used for secondary-pipeline whitelisting; "" falls back to
// eventType.
func NewEvent(eventType, category string, payload []byte) *Event {
	return types.NewEvent(node.MustNewID(), eventType, category, payload)
}

// Manual signal sources for hosts that push device state themselves.
var (
	NewManualReachability = signal.NewManualReachability
	NewManualPower        = signal.NewManualPower
	NewManualLifecycle    = signal.NewManualLifecycle
)

// Connection states.
const (
	StateClosed     = types.StateClosed
	StateConnecting = types.StateConnecting
	StateConnected  = types.StateConnected
	StateClosing    = types.StateClosing
	StateFailed     = types.StateFailed
)
