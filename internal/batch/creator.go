// Package batch turns pulled events into wire units for the retry manager.
package batch

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/snehjoshi/beacon/internal/metrics"
	"github.com/snehjoshi/beacon/internal/types"
	"github.com/snehjoshi/beacon/internal/wire"
)

// RetryManager is the subset of *retry.Manager the creator drives.
type RetryManager interface {
	TrackBatch(req *types.Request)
	CanForward() bool
	OpenConnectionForcefully()
	StopTracking()
}

// Creator serializes batches and hands them to a RetryManager.
type Creator struct {
	rm          RetryManager
	topicPrefix string
	logger      *slog.Logger
	metrics     *metrics.Pipeline
}

// Option configures a Creator.
type Option func(*Creator)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option { return func(c *Creator) { c.logger = l } }

// WithMetrics records forwarded batches on p.
func WithMetrics(p *metrics.Pipeline) Option { return func(c *Creator) { c.metrics = p } }

// WithTopicPrefix stamps each unit with "<prefix>.<kind>" as its broker
// routing key.
func WithTopicPrefix(prefix string) Option { return func(c *Creator) { c.topicPrefix = prefix } }

// New creates a Creator in front of rm.
func New(rm RetryManager, opts ...Option) *Creator {
	c := &Creator{rm: rm, logger: slog.Default()}
	for _, o := range opts {
		o(c)
	}
	return c
}

// CanForward reports whether the retry manager accepts units right now.
func (c *Creator) CanForward() bool { return c.rm.CanForward() }

// Forward builds one batch from events and hands it off. It returns false,
// doing nothing, when forwarding is impossible or events is empty. A true
// result means hand-off, not delivery.
func (c *Creator) Forward(events []*types.Event) bool {
	if len(events) == 0 || !c.rm.CanForward() {
		return false
	}

	batch := &types.Batch{UUID: newBatchID(), Events: events}
	// Pulls are per type, so the first event classifies the whole batch.
	kind := types.KindOf(events[0].Type)

	req := &types.Request{
		GUID:       batch.UUID,
		Payload:    wire.MarshalBatch(batch, time.Now()),
		Kind:       kind,
		EventCount: len(events),
	}
	if c.topicPrefix != "" {
		req.Topic = c.topicPrefix + "." + kind.String()
	}

	c.rm.TrackBatch(req)
	c.metrics.BatchForwarded(kind, len(events))
	c.logger.Debug("batch: forwarded", "guid", req.GUID, "events", len(events), "kind", kind)
	return true
}

// RequestForConnection asks the retry manager for an immediate reconnect.
func (c *Creator) RequestForConnection() { c.rm.OpenConnectionForcefully() }

// Stop stops the retry manager.
func (c *Creator) Stop() { c.rm.StopTracking() }

// newBatchID returns a time-ordered UUIDv7 so the retry cache iterates
// oldest first.
func newBatchID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
