package signal

import (
	"context"
	"log/slog"
	"net"
	"sync/atomic"
	"time"
)

// Probe is a Reachability source for hosts without an OS connectivity
// callback. It dials addr every interval and reports whether the dial
// succeeded.
type Probe struct {
	addr     string
	interval time.Duration
	timeout  time.Duration
	dial     func(ctx context.Context, network, addr string) (net.Conn, error)
	logger   *slog.Logger

	available atomic.Bool
	ch        chan bool
}

// NewProbe returns a probe that starts out reachable.
func NewProbe(addr string, interval time.Duration) *Probe {
	d := &net.Dialer{}
	p := &Probe{
		addr:     addr,
		interval: interval,
		timeout:  3 * time.Second,
		dial:     d.DialContext,
		logger:   slog.Default(),
		ch:       make(chan bool, 1),
	}
	p.available.Store(true)
	return p
}

func (p *Probe) IsAvailable() bool    { return p.available.Load() }
func (p *Probe) Updates() <-chan bool { return p.ch }

// Run probes until ctx is done.
func (p *Probe) Run(ctx context.Context) {
	t := time.NewTicker(p.interval)
	defer t.Stop()
	p.check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.check(ctx)
		}
	}
}

func (p *Probe) check(ctx context.Context) {
	dctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	conn, err := p.dial(dctx, "tcp", p.addr)
	ok := err == nil
	if ok {
		_ = conn.Close()
	}
	if p.available.Swap(ok) != ok {
		p.logger.Info("signal: reachability changed", "addr", p.addr, "available", ok, "err", err)
		sendLatest(p.ch, ok)
	}
}
