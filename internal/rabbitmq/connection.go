package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/queuegate/broker"
)

// channel is the subset of *amqp.Channel the driver uses
type channel interface {
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	ExchangeDeclarePassive(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	Nack(tag uint64, multiple, requeue bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Tx() error
	TxCommit() error
	TxRollback() error
	Close() error
	IsClosed() bool
}

// link is the subset of *amqp.Connection the driver uses
type link interface {
	channel() (channel, error)
	Close() error
	IsClosed() bool
}

type amqpLink struct {
	conn *amqp.Connection
}

func (l amqpLink) channel() (channel, error) {
	ch, err := l.conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (l amqpLink) Close() error {
	return l.conn.Close()
}

func (l amqpLink) IsClosed() bool {
	return l.conn.IsClosed()
}

// ConnectionFactory dials one RabbitMQ endpoint
type ConnectionFactory struct {
	url         string
	dialTimeout time.Duration
	logger      *slog.Logger
	dial        func(url string) (link, error)

	// browses hold fetched messages unacknowledged, so one browse per queue
	locks   broker.BrowseLocks
	mu      sync.Mutex
	limited map[string]bool
}

// Option configures the ConnectionFactory
type Option func(*ConnectionFactory)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(f *ConnectionFactory) {
		f.logger = logger
	}
}

// WithDialTimeout bounds how long CreateConnection waits for the broker
func WithDialTimeout(timeout time.Duration) Option {
	return func(f *ConnectionFactory) {
		f.dialTimeout = timeout
	}
}

// WithDeliveryLimitedQueues names queues that count deliveries, such as
// quorum queues with x-delivery-limit. Browsing them is refused.
func WithDeliveryLimitedQueues(names ...string) Option {
	return func(f *ConnectionFactory) {
		for _, name := range names {
			f.limited[name] = true
		}
	}
}

// NewConnectionFactory creates a factory for an amqp:// or amqps:// URL
func NewConnectionFactory(rawURL string, options ...Option) (*ConnectionFactory, error) {
	if _, err := amqp.ParseURI(rawURL); err != nil {
		return nil, fmt.Errorf("rabbitmq: invalid uri %s: %w", SanitizeURL(rawURL), err)
	}

	f := &ConnectionFactory{
		url:         rawURL,
		dialTimeout: 30 * time.Second,
		logger:      slog.Default(),
		limited:     make(map[string]bool),
		dial: func(url string) (link, error) {
			conn, err := amqp.Dial(url)
			if err != nil {
				return nil, err
			}
			return amqpLink{conn: conn}, nil
		},
	}
	for _, opt := range options {
		opt(f)
	}
	return f, nil
}

// URL returns the sanitized endpoint URL
func (f *ConnectionFactory) URL() string {
	return SanitizeURL(f.url)
}

// CreateConnection dials the broker, giving up after the dial timeout or
// when ctx is done.
func (f *ConnectionFactory) CreateConnection(ctx context.Context) (broker.Connection, error) {
	connCtx, cancel := context.WithTimeout(ctx, f.dialTimeout)
	defer cancel()

	connChan := make(chan link, 1)
	errChan := make(chan error, 1)

	go func() {
		l, err := f.dial(f.url)
		if err != nil {
			errChan <- err
			return
		}
		select {
		case connChan <- l:
		case <-connCtx.Done():
			l.Close()
		}
	}()

	select {
	case l := <-connChan:
		f.logger.Debug("connected to RabbitMQ", "url", SanitizeURL(f.url))
		return &Connection{factory: f, link: l, url: f.url, logger: f.logger}, nil

	case err := <-errChan:
		return nil, &broker.ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(f.url),
			Err:       err,
			Timestamp: time.Now(),
		}

	case <-connCtx.Done():
		return nil, &broker.ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(f.url),
			Err:       ErrConnectionTimeout,
			Timestamp: time.Now(),
		}
	}
}

func (f *ConnectionFactory) deliveryLimited(queue string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.limited[queue]
}

func (f *ConnectionFactory) markDeliveryLimited(queue string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.limited[queue] {
		f.limited[queue] = true
		f.logger.Warn("queue counts deliveries, refusing further browses", "queue", queue)
	}
}

// Connection is an open AMQP connection
type Connection struct {
	factory *ConnectionFactory
	link    link
	url     string
	logger  *slog.Logger
	mu      sync.Mutex
	closed  bool
}

// Start implements broker.Connection. AMQP connections deliver as soon as
// they are open.
func (c *Connection) Start(ctx context.Context) error {
	if c.IsClosed() {
		return broker.ErrConnectionClosed
	}
	return nil
}

// CreateSession opens a channel. Transacted sessions put the channel in
// transaction mode.
func (c *Connection) CreateSession(ctx context.Context, mode broker.SessionMode) (broker.Session, error) {
	ch, err := c.openChannel()
	if err != nil {
		return nil, err
	}
	if mode.Transacted {
		if err := ch.Tx(); err != nil {
			ch.Close()
			return nil, channelError("select tx", c.url, err)
		}
	}
	return &Session{conn: c, ch: ch, mode: mode, logger: c.logger}, nil
}

// Close closes the connection and every channel on it
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.link.Close()
}

// IsClosed implements broker.Closable
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed || c.link.IsClosed()
}

func (c *Connection) openChannel() (channel, error) {
	if c.IsClosed() {
		return nil, &broker.ConnectionError{
			Op:        "open channel",
			URL:       SanitizeURL(c.url),
			Err:       broker.ErrConnectionClosed,
			Timestamp: time.Now(),
		}
	}
	ch, err := c.link.channel()
	if err != nil {
		return nil, &broker.ConnectionError{
			Op:        "open channel",
			URL:       SanitizeURL(c.url),
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return ch, nil
}
