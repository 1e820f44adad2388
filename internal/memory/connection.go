package memory

import (
	"context"
	"log/slog"
	"sync"

	"github.com/glimte/queuegate/broker"
)

// ConnectionFactory creates connections to one in-process broker.
type ConnectionFactory struct {
	broker *Broker
	logger *slog.Logger
}

// Option configures the connection factory
type Option func(*ConnectionFactory)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(f *ConnectionFactory) {
		f.logger = logger
	}
}

// WithBroker makes the factory connect to an existing broker.
func WithBroker(b *Broker) Option {
	return func(f *ConnectionFactory) {
		f.broker = b
	}
}

// NewConnectionFactory creates a factory for a vm:// URI.
func NewConnectionFactory(uri string, options ...Option) (*ConnectionFactory, error) {
	name, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}

	f := &ConnectionFactory{logger: slog.Default()}
	for _, opt := range options {
		opt(f)
	}
	if f.broker == nil {
		f.broker = NewBroker(name)
	}
	return f, nil
}

// Broker returns the broker behind the factory.
func (f *ConnectionFactory) Broker() *Broker {
	return f.broker
}

// CreateConnection implements broker.ConnectionFactory.
func (f *ConnectionFactory) CreateConnection(ctx context.Context) (broker.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Connection{broker: f.broker, logger: f.logger}, nil
}

// Connection is a connection to an in-process broker.
type Connection struct {
	broker   *Broker
	logger   *slog.Logger
	mu       sync.Mutex
	started  bool
	closed   bool
	sessions []*Session
}

// Start implements broker.Connection.
func (c *Connection) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return broker.ErrConnectionClosed
	}
	c.started = true
	return nil
}

// CreateSession implements broker.Connection.
func (c *Connection) CreateSession(ctx context.Context, mode broker.SessionMode) (broker.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, broker.ErrConnectionClosed
	}
	s := &Session{conn: c, mode: mode}
	c.sessions = append(c.sessions, s)
	return s, nil
}

// Close closes the connection and every session it opened.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sessions := c.sessions
	c.sessions = nil
	c.mu.Unlock()

	for _, s := range sessions {
		_ = s.Close()
	}
	return nil
}

// IsClosed implements broker.Closable.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// forget drops a closed session so a long-lived connection does not
// keep every session it ever opened.
func (c *Connection) forget(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, open := range c.sessions {
		if open == s {
			c.sessions = append(c.sessions[:i], c.sessions[i+1:]...)
			return
		}
	}
}

func (c *Connection) openSessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

func (c *Connection) isStarted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}
