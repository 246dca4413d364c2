package retry

import (
	"time"

	"github.com/snehjoshi/beacon/internal/types"
)

func (m *Manager) startSweep() {
	m.stopSweep()
	if m.cfg.MaxRequestAckTimeout <= 0 {
		return
	}
	m.sweep = time.NewTicker(m.cfg.MaxRequestAckTimeout)
}

// stopSweep cancels the ticker and invalidates staggered resends already
// scheduled.
func (m *Manager) stopSweep() {
	if m.sweep != nil {
		m.sweep.Stop()
		m.sweep = nil
	}
	m.sweepGen++
}

// runSweep re-sends every unit whose last send is older than the ack
// timeout. Resends are spread over half the timeout so a burst of stale
// units does not flood the transport.
func (m *Manager) runSweep() {
	if m.state.Get() != types.StateConnected {
		return
	}
	recs, err := m.cache.FetchAll()
	if err != nil {
		m.logger.Error("retry: sweep fetch", "err", err)
		return
	}

	var size int64
	timeout := m.cfg.MaxRequestAckTimeout
	now := time.Now().UTC()
	var stale []*types.Request
	for _, rec := range recs {
		size += int64(len(rec.Payload))
		if now.Sub(rec.LastSentAt) >= timeout {
			stale = append(stale, rec)
		}
	}
	m.metrics.CacheBytes(size)
	if len(stale) == 0 {
		return
	}

	coef := timeout / time.Duration(2*len(stale))
	m.logger.Info("retry: resending stale units", "count", len(stale), "stagger", coef)
	gen := m.sweepGen
	for i, rec := range stale {
		msg := resendMsg{guid: rec.GUID, gen: gen}
		if i == 0 {
			m.resend(msg)
			continue
		}
		m.after(time.Duration(i)*coef, msg)
	}
}

func (m *Manager) resend(msg resendMsg) {
	if msg.gen != m.sweepGen || m.state.Get() != types.StateConnected {
		return
	}
	rec := m.lookup(msg.guid)
	if rec == nil {
		return
	}
	m.metrics.UnitResent("sweep")
	m.track(rec)
}
