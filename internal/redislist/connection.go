package redislist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/glimte/queuegate/broker"
)

// DefaultKeyPrefix is prepended to queue names to form list keys
const DefaultKeyPrefix = "queuegate:"

// ConnectionFactory shares one Redis client between its connections
type ConnectionFactory struct {
	client    *redis.Client
	addr      string
	keyPrefix string
	logger    *slog.Logger
}

// Option configures the ConnectionFactory
type Option func(*ConnectionFactory)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(f *ConnectionFactory) {
		f.logger = logger
	}
}

// WithKeyPrefix sets the prefix of list keys
func WithKeyPrefix(prefix string) Option {
	return func(f *ConnectionFactory) {
		f.keyPrefix = prefix
	}
}

// NewConnectionFactory creates a factory for a redis:// or rediss:// URL
func NewConnectionFactory(uri string, options ...Option) (*ConnectionFactory, error) {
	if !strings.HasPrefix(uri, "redis://") && !strings.HasPrefix(uri, "rediss://") {
		return nil, fmt.Errorf("%w: %q", broker.ErrUnsupportedScheme, uri)
	}
	opts, err := redis.ParseURL(uri)
	if err != nil {
		return nil, fmt.Errorf("redislist: invalid uri: %w", err)
	}

	f := &ConnectionFactory{
		addr:      opts.Addr,
		keyPrefix: DefaultKeyPrefix,
		logger:    slog.Default(),
	}
	for _, opt := range options {
		opt(f)
	}
	f.client = redis.NewClient(opts)
	return f, nil
}

// URL returns the server address without credentials
func (f *ConnectionFactory) URL() string {
	return "redis://" + f.addr
}

// Key returns the list key of queue
func (f *ConnectionFactory) Key(queue string) string {
	return f.keyPrefix + queue
}

// CreateConnection checks the server answers and returns a connection on
// the shared client
func (f *ConnectionFactory) CreateConnection(ctx context.Context) (broker.Connection, error) {
	if err := f.client.Ping(ctx).Err(); err != nil {
		return nil, f.wrap("ping", err)
	}
	return &Connection{factory: f}, nil
}

// Close closes the shared client
func (f *ConnectionFactory) Close() error {
	return f.client.Close()
}

// wrap marks everything but server error replies as infrastructure failures
func (f *ConnectionFactory) wrap(op string, err error) error {
	var replyErr redis.Error
	if errors.As(err, &replyErr) {
		return fmt.Errorf("redislist: %s: %w", op, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &broker.ConnectionError{
		Op:        op,
		URL:       f.URL(),
		Err:       err,
		Timestamp: time.Now(),
	}
}

// Connection is a handle on the shared client
type Connection struct {
	factory *ConnectionFactory
	mu      sync.Mutex
	closed  bool
}

// Start implements broker.Connection
func (c *Connection) Start(ctx context.Context) error {
	if c.IsClosed() {
		return broker.ErrConnectionClosed
	}
	return nil
}

// CreateSession implements broker.Connection
func (c *Connection) CreateSession(ctx context.Context, mode broker.SessionMode) (broker.Session, error) {
	if c.IsClosed() {
		return nil, broker.ErrConnectionClosed
	}
	return &Session{conn: c, factory: c.factory, mode: mode}, nil
}

// Close implements broker.Connection. The shared client stays open.
func (c *Connection) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// IsClosed implements broker.Closable
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
