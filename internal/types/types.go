// Package types contains the core domain types shared across all Beacon
// internal packages. It has zero imports of other Beacon packages so that the
// storage, codec and pipeline layers can all depend on it without cycles.
package types

import "time"

// Event type tags with special handling in the pipeline.
const (
	// TypeInstant events bypass persistence entirely and are written once.
	TypeInstant = "instant"
	// TypeP0 events are persisted and flushed immediately.
	TypeP0 = "p0"
	// TypeInternal events carry the SDK's own health telemetry.
	TypeInternal = "internal"
	// TypeRealTime is the default category for ordinary application events.
	TypeRealTime = "realTime"
)

// Event is one application-level occurrence.
//
// Events are immutable after creation. Payload encoding is owned by the host
// application; Beacon never inspects it.
type Event struct {
	// GUID is a ULID assigned by the generator.
	GUID string

	// Timestamp is when the host application recorded the event.
	Timestamp time.Time

	// Type is the priority category tag ("realTime", "instant", "p0", ...).
	Type string

	// IsMirrored marks the copy the router delivered through the secondary
	// pipeline.
	IsMirrored bool

	// Category is the on-wire category of the payload, e.g. "User". It is set
	// once at construction and used for whitelist decisions.
	Category string

	// Payload is the opaque serialized event.
	Payload []byte
}

// NewEvent builds an event stamped with the current time. category is the
// on-wire category used for whitelist decisions; pass "" to use eventType.
func NewEvent(guid, eventType, category string, payload []byte) *Event {
	return &Event{
		GUID:      guid,
		Timestamp: time.Now().UTC(),
		Type:      eventType,
		Category:  category,
		Payload:   payload,
	}
}

// WireCategory returns the on-wire category used for dual-dispatch decisions.
// Events built without an explicit category fall back to their Type.
func (e *Event) WireCategory() string {
	if e.Category != "" {
		return e.Category
	}
	return e.Type
}

// Size is the payload size in bytes, used by the size regulator.
func (e *Event) Size() int { return len(e.Payload) }

// Clone returns a copy of the event that shares the payload slice.
func (e *Event) Clone() *Event {
	c := *e
	return &c
}

// Batch is an ephemeral grouping of events created per scheduling tick or
// flush. It is never persisted as such.
type Batch struct {
	UUID   string
	Events []*Event
}

// EventKind classifies a wire unit for retry purposes.
type EventKind uint8

const (
	// KindRealtime covers every ordinary category.
	KindRealtime EventKind = iota
	// KindInstant units are fire-and-forget and never enter the retry cache.
	KindInstant
	// KindInternal units carry SDK health telemetry.
	KindInternal
)

// String returns a human-readable representation of the kind.
func (k EventKind) String() string {
	switch k {
	case KindRealtime:
		return "realtime"
	case KindInstant:
		return "instant"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// KindOf classifies an event type tag.
func KindOf(eventType string) EventKind {
	switch eventType {
	case TypeInstant:
		return KindInstant
	case TypeInternal:
		return KindInternal
	default:
		return KindRealtime
	}
}

// Request is the unit tracked by the retry manager: one serialized batch plus
// its retry metadata. It is persisted in the retry cache until it is acked or
// its retries are exhausted.
type Request struct {
	// GUID equals the batch UUID.
	GUID string `json:"guid"`

	// Payload is the serialized batch.
	Payload []byte `json:"payload"`

	Kind EventKind `json:"kind"`

	// RetriesMade counts resends after the first write.
	RetriesMade int `json:"retries_made"`

	// LastSentAt is refreshed before every write.
	LastSentAt time.Time `json:"last_sent_at"`

	EventCount int `json:"event_count"`

	// Topic is the broker routing key. Empty for socket units.
	Topic string `json:"topic,omitempty"`
}

// IsInstant reports whether the unit bypasses the retry cache.
func (r *Request) IsInstant() bool { return r.Kind == KindInstant }

// Clone returns a copy of the request that shares the payload slice.
func (r *Request) Clone() *Request {
	c := *r
	return &c
}

// Priority is a named event category with its own batching cadence and size
// thresholds. Priorities are supplied once at startup and never change.
type Priority struct {
	Order      int    `yaml:"order"`
	Identifier string `yaml:"identifier"`

	// MaxBatchSize bounds the bytes pulled per tick. Nil means every tick
	// flushes the whole category.
	MaxBatchSize *int64 `yaml:"max_batch_size"`

	// MaxTimeBetweenTwoBatches is the tick cadence. Nil means the scheduler's
	// fallback heartbeat is used.
	MaxTimeBetweenTwoBatches *time.Duration `yaml:"max_time_between_two_batches"`

	MaxCacheSize *int64 `yaml:"max_cache_size"`
}

// LifecycleEvent is an application lifecycle transition reported by the host.
type LifecycleEvent uint8

const (
	WillTerminate LifecycleEvent = iota
	DidEnterBackground
	WillResignActive
	DidBecomeActive
	WillEnterForeground
)

// String returns a human-readable representation of the lifecycle event.
func (l LifecycleEvent) String() string {
	switch l {
	case WillTerminate:
		return "will_terminate"
	case DidEnterBackground:
		return "did_enter_background"
	case WillResignActive:
		return "will_resign_active"
	case DidBecomeActive:
		return "did_become_active"
	case WillEnterForeground:
		return "will_enter_foreground"
	default:
		return "unknown"
	}
}
