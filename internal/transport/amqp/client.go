// Package amqp is the broker transport: batches are published to a topic
// exchange with publisher confirms, and the backend answers on a reply
// queue owned by the client.
//
// Topology per session:
//
//	exchange  <cfg.Exchange>              topic, durable
//	queue     beacon.acks.<client>.<user> exclusive, auto-delete
//
// Reply messages carry a JSON-encoded wire.Ack.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/snehjoshi/beacon/internal/config"
	"github.com/snehjoshi/beacon/internal/transport"
	"github.com/snehjoshi/beacon/internal/wire"
)

// ContentType is the media type of published batches.
const ContentType = "application/x-protobuf"

const (
	replyPrefix  = "beacon.acks."
	dialTimeout  = 10 * time.Second
	eventBuffer  = 256
	confirmDepth = 256
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrNack is carried by EventSendFailed when the broker refused a publish.
var ErrNack = errors.New("amqp: publish not confirmed")

var errAckNoGUID = errors.New("amqp: ack without guid")

// Client implements retry.BrokerTransport.
type Client struct {
	cfg    config.BrokerConfig
	logger *slog.Logger
	events chan transport.Event

	mu   sync.Mutex
	sess *session
}

type session struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	reply string
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup

	// pmu serializes publishes so sequence numbers match pending entries.
	pmu     sync.Mutex
	pending map[uint64]string
}

func (s *session) close() { s.once.Do(func() { close(s.done) }) }

func (s *session) take(tag uint64) (string, bool) {
	s.pmu.Lock()
	defer s.pmu.Unlock()
	guid, ok := s.pending[tag]
	delete(s.pending, tag)
	return guid, ok
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option { return func(c *Client) { c.logger = l } }

// New creates a disconnected Client.
func New(cfg config.BrokerConfig, opts ...Option) *Client {
	c := &Client{
		cfg:    cfg,
		logger: slog.Default(),
		events: make(chan transport.Event, eventBuffer),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Events returns the notification stream. It is never closed.
func (c *Client) Events() <-chan transport.Event { return c.events }

// IsConnected reports whether a session is live.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess != nil
}

// ReplyQueue names the ack queue of one client/user pair.
func ReplyQueue(clientID, userID string) string {
	return replyPrefix + sanitize(clientID) + "." + sanitize(userID)
}

func sanitize(s string) string {
	if s == "" {
		return "anonymous"
	}
	return strings.NewReplacer(".", "_", "#", "_", "*", "_", " ", "_").Replace(s)
}

// Connect opens a connection and channel, declares the topology and starts
// consuming acks.
func (c *Client) Connect(ctx context.Context, clientID, userID string) error {
	c.mu.Lock()
	if c.sess != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	conn, err := amqp.DialConfig(c.cfg.URL, amqp.Config{
		Dial:       amqp.DefaultDial(dialTimeout),
		Properties: amqp.Table{"connection_name": "beacon-" + clientID},
	})
	if err != nil {
		return fmt.Errorf("amqp: dial: %w", err)
	}

	s, err := c.setup(conn, ReplyQueue(clientID, userID))
	if err != nil {
		_ = conn.Close()
		return err
	}

	c.mu.Lock()
	if c.sess != nil {
		c.mu.Unlock()
		s.close()
		_ = conn.Close()
		s.wg.Wait()
		return nil
	}
	c.sess = s
	c.mu.Unlock()

	c.logger.Info("amqp: connected", "exchange", c.cfg.Exchange, "reply_queue", s.reply)
	return nil
}

func (c *Client) setup(conn *amqp.Connection, reply string) (*session, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("amqp: open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("amqp: enable confirms: %w", err)
	}
	if err := ch.ExchangeDeclare(c.cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("amqp: declare exchange %s: %w", c.cfg.Exchange, err)
	}
	if _, err := ch.QueueDeclare(reply, false, true, true, false, nil); err != nil {
		return nil, fmt.Errorf("amqp: declare reply queue %s: %w", reply, err)
	}
	deliveries, err := ch.Consume(reply, "", true, true, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("amqp: consume %s: %w", reply, err)
	}

	s := &session{
		conn:    conn,
		ch:      ch,
		reply:   reply,
		done:    make(chan struct{}),
		pending: make(map[uint64]string),
	}
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, confirmDepth))
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	s.wg.Add(3)
	go c.confirmLoop(s, confirms)
	go c.ackLoop(s, deliveries)
	go c.watchClose(s, closed)
	return s, nil
}

// Publish sends one unit to the exchange under topic.
func (c *Client) Publish(ctx context.Context, topic, guid string, payload []byte) error {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s == nil {
		return transport.ErrNotConnected
	}
	if topic == "" {
		topic = c.cfg.RoutingKey
	}

	s.pmu.Lock()
	defer s.pmu.Unlock()
	seq := s.ch.GetNextPublishSeqNo()
	s.pending[seq] = guid
	if err := s.ch.PublishWithContext(ctx, c.cfg.Exchange, topic, false, false, publishing(guid, s.reply, payload)); err != nil {
		delete(s.pending, seq)
		return fmt.Errorf("amqp: publish %s: %w", guid, err)
	}
	return nil
}

func publishing(guid, replyTo string, payload []byte) amqp.Publishing {
	return amqp.Publishing{
		ContentType:   ContentType,
		DeliveryMode:  amqp.Persistent,
		MessageId:     guid,
		CorrelationId: guid,
		ReplyTo:       replyTo,
		Timestamp:     time.Now().UTC(),
		Body:          payload,
	}
}

// Disconnect closes the session. It emits no event.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	s := c.sess
	c.sess = nil
	c.mu.Unlock()
	if s == nil {
		return nil
	}
	s.close()
	err := s.conn.Close()
	s.wg.Wait()
	if errors.Is(err, amqp.ErrClosed) {
		err = nil
	}
	c.logger.Info("amqp: disconnected")
	return err
}

func (c *Client) confirmLoop(s *session, confirms <-chan amqp.Confirmation) {
	defer s.wg.Done()
	for conf := range confirms {
		if conf.Ack {
			s.take(conf.DeliveryTag)
			continue
		}
		guid, ok := s.take(conf.DeliveryTag)
		if !ok {
			continue
		}
		c.logger.Warn("amqp: publish nacked", "guid", guid)
		transport.Emit(c.events, s.done, transport.Event{Kind: transport.EventSendFailed, GUID: guid, Err: ErrNack})
	}
}

func (c *Client) ackLoop(s *session, deliveries <-chan amqp.Delivery) {
	defer s.wg.Done()
	for d := range deliveries {
		ack, err := decodeAck(d)
		if err != nil {
			c.logger.Warn("amqp: bad ack message", "message_id", d.MessageId, "err", err)
			continue
		}
		transport.Emit(c.events, s.done, transport.Event{Kind: transport.EventAck, Ack: ack})
	}
}

// decodeAck reads a JSON ack. A missing guid falls back to the
// correlation id.
func decodeAck(d amqp.Delivery) (wire.Ack, error) {
	var ack wire.Ack
	if err := json.Unmarshal(d.Body, &ack); err != nil {
		return wire.Ack{}, fmt.Errorf("amqp: decode ack: %w", err)
	}
	if ack.GUID == "" {
		ack.GUID = d.CorrelationId
	}
	if ack.GUID == "" {
		return wire.Ack{}, errAckNoGUID
	}
	return ack, nil
}

func (c *Client) watchClose(s *session, closed <-chan *amqp.Error) {
	defer s.wg.Done()
	select {
	case <-s.done:
		return
	case amqpErr, ok := <-closed:
		if !ok || amqpErr == nil {
			return
		}
		c.mu.Lock()
		if c.sess == s {
			c.sess = nil
		}
		c.mu.Unlock()
		s.close()
		c.logger.Warn("amqp: connection lost", "code", amqpErr.Code, "reason", amqpErr.Reason)
		select {
		case c.events <- transport.Event{Kind: transport.EventDisconnected, Err: amqpErr}:
		default:
			c.logger.Warn("amqp: event buffer full, disconnect not reported")
		}
	}
}
