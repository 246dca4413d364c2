package retry

import (
	"context"
	"errors"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/snehjoshi/beacon/internal/metrics"
	"github.com/snehjoshi/beacon/internal/storage"
	"github.com/snehjoshi/beacon/internal/types"
)

// track runs the cache lifecycle for req and then writes it. The cache is
// updated before the write so a crash mid-send leaves the unit retryable.
func (m *Manager) track(req *types.Request) {
	if req.IsInstant() {
		m.write(req)
		return
	}
	rec := m.addToCache(req)
	if rec == nil {
		return
	}
	m.write(rec)
}

// addToCache inserts a new unit, or bumps an existing one, and returns the
// record to send. It returns nil when the unit was dropped because its
// retries are exhausted.
func (m *Manager) addToCache(req *types.Request) *types.Request {
	now := time.Now().UTC()

	existing, err := m.cache.FetchOne(req.GUID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		rec := req.Clone()
		rec.LastSentAt = now
		if err := m.cache.Insert(rec); err != nil {
			m.logger.Error("retry: cache insert", "guid", rec.GUID, "err", err)
			return rec
		}
		m.enforceCap(rec.GUID)
		return rec
	case err != nil:
		m.logger.Error("retry: cache lookup", "guid", req.GUID, "err", err)
		return req
	}

	if existing.RetriesMade >= m.cfg.MaxRetriesPerBatch {
		if _, err := m.cache.DeleteOne(existing.GUID); err != nil {
			m.logger.Error("retry: cache delete", "guid", existing.GUID, "err", err)
		}
		m.metrics.UnitDropped(metrics.DropRetriesExhausted)
		m.logger.Warn("retry: retries exhausted, dropping unit",
			"guid", existing.GUID,
			"retries", existing.RetriesMade,
			"events", existing.EventCount,
		)
		return nil
	}

	existing.RetriesMade++
	existing.LastSentAt = now
	if err := m.cache.Update(existing); err != nil {
		m.logger.Error("retry: cache update", "guid", existing.GUID, "err", err)
	}
	return existing
}

// enforceCap evicts the oldest units once the cache exceeds its byte cap.
func (m *Manager) enforceCap(current string) {
	if m.cfg.MaxRetryCacheSize <= 0 {
		return
	}
	evicted, err := m.cache.EvictOldest(m.cfg.MaxRetryCacheSize)
	if err != nil {
		m.logger.Error("retry: cache eviction", "err", err)
		return
	}
	for _, rec := range evicted {
		m.metrics.UnitDropped(metrics.DropCacheCap)
		m.logger.Warn("retry: cache over capacity, evicted unit",
			"guid", rec.GUID,
			"size", humanize.IBytes(uint64(len(rec.Payload))),
			"cap", humanize.IBytes(uint64(m.cfg.MaxRetryCacheSize)),
			"current", rec.GUID == current,
		)
	}
}

// removeFromCache handles a positive ack. Acking an absent unit is a no-op.
func (m *Manager) removeFromCache(guid string) {
	existed, err := m.cache.DeleteOne(guid)
	if err != nil {
		m.logger.Error("retry: cache delete", "guid", guid, "err", err)
		return
	}
	if existed {
		m.metrics.Acked()
		m.logger.Debug("retry: unit acked", "guid", guid)
	}
}

func (m *Manager) lookup(guid string) *types.Request {
	rec, err := m.cache.FetchOne(guid)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			m.logger.Error("retry: cache lookup", "guid", guid, "err", err)
		}
		return nil
	}
	return rec
}

// write hands rec to the transport when connected. Disconnected units stay
// cached for the sweep after the next connect.
func (m *Manager) write(rec *types.Request) {
	if m.state.Get() != types.StateConnected {
		if rec.IsInstant() {
			m.logger.Debug("retry: instant unit dropped while disconnected", "guid", rec.GUID)
		}
		return
	}
	if err := m.strat.Send(m.ctx, rec); err != nil {
		m.logger.Warn("retry: write failed", "guid", rec.GUID, "err", err)
		m.onSendFailure(rec.GUID, err)
		return
	}
	m.metrics.UnitSent()
}

// onSendFailure consults the strategy's escalation policy.
func (m *Manager) onSendFailure(guid string, cause error) {
	rec := m.lookup(guid)
	if rec == nil {
		return
	}
	esc := m.strat.Escalate(rec)
	switch esc.Action {
	case EscalateRepublish:
		m.after(esc.Delay, republishMsg{guid: guid})
	case EscalateFallback:
		m.after(esc.Delay, fallbackMsg{guid: guid})
	case EscalateDrop:
		if _, err := m.cache.DeleteOne(guid); err != nil {
			m.logger.Error("retry: cache delete", "guid", guid, "err", err)
			return
		}
		m.metrics.UnitDropped(metrics.DropFallbackFailed)
		m.logger.Warn("retry: escalation budget exhausted, dropping unit",
			"guid", guid, "retries", rec.RetriesMade, "err", cause)
	}
}

// fallback bumps the unit and delivers it through the strategy's fallback
// path on its own goroutine.
func (m *Manager) fallback(guid string) {
	rec := m.lookup(guid)
	if rec == nil {
		return
	}
	rec = m.addToCache(rec)
	if rec == nil {
		return
	}
	m.metrics.UnitResent("http")
	ctx := m.ctx
	go func(rec *types.Request) {
		err := m.strat.Fallback(ctx, rec)
		if errors.Is(err, context.Canceled) {
			return
		}
		m.post(fallbackResult{guid: rec.GUID, err: err})
	}(rec)
}
