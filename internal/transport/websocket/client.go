// Package websocket is the socket transport: one long-lived gorilla
// websocket connection per pipeline.
//
// Frames sent to the backend are binary wire-encoded batches. The backend
// answers each batch with one binary wire-encoded Ack frame. Ping frames
// every PingInterval keep the connection alive; a missing pong within
// PongWait ends it.
package websocket

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"github.com/snehjoshi/beacon/internal/config"
	"github.com/snehjoshi/beacon/internal/transport"
	"github.com/snehjoshi/beacon/internal/wire"
)

const (
	// HeaderAPIKey carries the API key on the upgrade request.
	HeaderAPIKey = "X-Api-Key"
	// HeaderInstallation carries the installation ID on the upgrade request.
	HeaderInstallation = "X-Beacon-Installation"
)

const (
	defaultPingInterval = 20 * time.Second
	defaultPongWait     = 60 * time.Second
	defaultWriteWait    = 10 * time.Second
	defaultDialTimeout  = 10 * time.Second

	maxFrameBytes = 1 << 20
	eventBuffer   = 256
)

// Client implements retry.SocketTransport.
type Client struct {
	cfg    config.SocketConfig
	dialer *gorillaws.Dialer
	header http.Header
	logger *slog.Logger
	events chan transport.Event

	mu   sync.Mutex
	sess *session
}

// session is one live connection and its goroutines.
type session struct {
	conn *gorillaws.Conn
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
	wmu  sync.Mutex
}

func (s *session) close() {
	s.once.Do(func() { close(s.done) })
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option { return func(c *Client) { c.logger = l } }

// WithHeader adds h to every upgrade request.
func WithHeader(h http.Header) Option {
	return func(c *Client) {
		for k, vs := range h {
			for _, v := range vs {
				c.header.Add(k, v)
			}
		}
	}
}

// New creates a disconnected Client.
func New(cfg config.SocketConfig, opts ...Option) *Client {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = defaultPongWait
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = defaultWriteWait
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	c := &Client{
		cfg: cfg,
		dialer: &gorillaws.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.DialTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
		header: make(http.Header),
		logger: slog.Default(),
		events: make(chan transport.Event, eventBuffer),
	}
	if cfg.APIKey != "" {
		c.header.Set(HeaderAPIKey, cfg.APIKey)
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Events returns the notification stream. It is never closed.
func (c *Client) Events() <-chan transport.Event { return c.events }

// IsConnected reports whether a connection is live.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess != nil
}

// Connect dials the backend. It is a no-op while already connected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.sess != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	conn, resp, err := c.dialer.DialContext(dialCtx, c.cfg.URL, c.header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("websocket: dial %s: %s: %w", c.cfg.URL, resp.Status, err)
		}
		return fmt.Errorf("websocket: dial %s: %w", c.cfg.URL, err)
	}
	conn.SetReadLimit(maxFrameBytes)

	s := &session{conn: conn, done: make(chan struct{})}
	c.mu.Lock()
	if c.sess != nil {
		// Lost a race with another Connect.
		c.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	c.sess = s
	c.mu.Unlock()

	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		transport.Emit(c.events, s.done, transport.Event{Kind: transport.EventPong})
		return nil
	})

	s.wg.Add(2)
	go c.readLoop(s)
	go c.pingLoop(s)

	c.logger.Info("websocket: connected", "url", c.cfg.URL)
	return nil
}

// Write sends one binary frame.
func (c *Client) Write(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s == nil {
		return transport.ErrNotConnected
	}

	deadline := time.Now().Add(c.cfg.WriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()
	_ = s.conn.SetWriteDeadline(deadline)
	if err := s.conn.WriteMessage(gorillaws.BinaryMessage, payload); err != nil {
		return fmt.Errorf("websocket: write: %w", err)
	}
	return nil
}

// Disconnect closes the connection with a normal close frame. It emits no
// event.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	s := c.sess
	c.sess = nil
	c.mu.Unlock()
	if s == nil {
		return nil
	}

	s.close()
	s.wmu.Lock()
	_ = s.conn.WriteControl(gorillaws.CloseMessage,
		gorillaws.FormatCloseMessage(gorillaws.CloseNormalClosure, ""),
		time.Now().Add(c.cfg.WriteWait))
	s.wmu.Unlock()
	err := s.conn.Close()
	s.wg.Wait()
	c.logger.Info("websocket: disconnected", "url", c.cfg.URL)
	return err
}

// Reset drops any half-open connection so the next Connect starts clean.
func (c *Client) Reset() {
	c.mu.Lock()
	s := c.sess
	c.sess = nil
	c.mu.Unlock()
	if s == nil {
		return
	}
	s.close()
	_ = s.conn.Close()
	s.wg.Wait()
}

func (c *Client) readLoop(s *session) {
	defer s.wg.Done()
	for {
		typ, raw, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			c.drop(s)
			select {
			case c.events <- transport.Event{Kind: transport.EventDisconnected, Err: err}:
			default:
				c.logger.Warn("websocket: event buffer full, disconnect not reported", "err", err)
			}
			return
		}
		if typ != gorillaws.BinaryMessage {
			continue
		}
		ack, err := wire.UnmarshalAck(raw)
		if err != nil {
			c.logger.Warn("websocket: bad ack frame", "bytes", len(raw), "err", err)
			transport.Emit(c.events, s.done, transport.Event{Kind: transport.EventError, Err: err})
			continue
		}
		transport.Emit(c.events, s.done, transport.Event{Kind: transport.EventAck, Ack: ack})
	}
}

func (c *Client) pingLoop(s *session) {
	defer s.wg.Done()
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.wmu.Lock()
			err := s.conn.WriteControl(gorillaws.PingMessage, nil, time.Now().Add(c.cfg.WriteWait))
			s.wmu.Unlock()
			if err != nil {
				c.logger.Debug("websocket: ping failed", "err", err)
				// The read side notices the dead connection.
				_ = s.conn.Close()
				return
			}
		}
	}
}

// drop forgets s after an unexpected failure.
func (c *Client) drop(s *session) {
	c.mu.Lock()
	if c.sess == s {
		c.sess = nil
	}
	c.mu.Unlock()
	s.close()
	_ = s.conn.Close()
}
