package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/queuegate/broker"
	"github.com/glimte/queuegate/registry"
)

// Browser lists the messages pending on endpoint queues.
type Browser struct {
	resolver    DestinationResolver
	logger      *slog.Logger
	maxMessages int
}

// BrowserOption configures the browser
type BrowserOption func(*Browser)

// WithBrowserResolver sets the destination resolver
func WithBrowserResolver(r DestinationResolver) BrowserOption {
	return func(b *Browser) {
		b.resolver = r
	}
}

// WithBrowserLogger sets the logger
func WithBrowserLogger(logger *slog.Logger) BrowserOption {
	return func(b *Browser) {
		b.logger = logger
	}
}

// WithMaxMessages stops enumeration after n messages. Zero means no limit.
func WithMaxMessages(n int) BrowserOption {
	return func(b *Browser) {
		b.maxMessages = n
	}
}

// NewBrowser creates a browse engine
func NewBrowser(options ...BrowserOption) *Browser {
	b := &Browser{
		resolver: DynamicDestinationResolver{},
		logger:   slog.Default(),
	}
	for _, opt := range options {
		opt(b)
	}
	return b
}

// Browse returns the messages pending on queueName in broker order without
// consuming them. A destination that is not a queue yields an empty result.
func (b *Browser) Browse(ctx context.Context, ep *registry.Endpoint, queueName, selector string) ([]*broker.Message, error) {
	fail := func(op string, index int, cause error) error {
		return &broker.BrowseError{
			Endpoint:  ep.Name,
			Queue:     queueName,
			Op:        op,
			Index:     index,
			Err:       cause,
			Timestamp: time.Now(),
		}
	}

	conn, err := ep.Factory.CreateConnection(ctx)
	if err != nil {
		return nil, fail("acquire connection", -1, err)
	}
	defer b.release("connection", ep.Name, queueName, conn.Close)

	if err := conn.Start(ctx); err != nil {
		return nil, fail("start connection", -1, err)
	}

	session, err := conn.CreateSession(ctx, broker.BrowseMode)
	if err != nil {
		return nil, fail("open session", -1, err)
	}
	defer b.release("session", ep.Name, queueName, session.Close)

	dest, err := b.resolver.ResolveDestinationName(ctx, session, queueName, false)
	if err != nil {
		return nil, fail("resolve destination", -1, err)
	}

	queue, ok := broker.IsQueue(dest)
	if !ok {
		b.logger.Warn("only queues can be browsed",
			"endpoint", ep.Name,
			"destination", dest.DestinationName(),
			"type", fmt.Sprintf("%T", dest))
		return []*broker.Message{}, nil
	}

	cursor, err := session.CreateBrowser(ctx, queue, selector)
	if err != nil {
		return nil, fail("open cursor", -1, err)
	}
	defer b.release("cursor", ep.Name, queueName, cursor.Close)

	messages := []*broker.Message{}
	for {
		if b.maxMessages > 0 && len(messages) >= b.maxMessages {
			b.logger.Debug("browse limit reached", "endpoint", ep.Name, "queue", queueName, "limit", b.maxMessages)
			break
		}

		more, err := cursor.HasNext(ctx)
		if err != nil {
			return nil, fail("enumerate", len(messages), err)
		}
		if !more {
			break
		}

		msg, err := cursor.Next(ctx)
		if err != nil {
			return nil, fail("enumerate", len(messages), err)
		}
		if msg == nil {
			return nil, fail("enumerate", len(messages), broker.ErrCorruptEnumeration)
		}
		messages = append(messages, msg)
	}

	b.logger.Debug("queue browsed", "endpoint", ep.Name, "queue", queueName, "messages", len(messages))
	return messages, nil
}

// release closes a browse resource. Failures are logged and never replace
// the result of the browse.
func (b *Browser) release(what, endpoint, queue string, closeFn func() error) {
	if err := closeFn(); err != nil {
		b.logger.Warn("failed to release browse resource",
			"resource", what,
			"endpoint", endpoint,
			"queue", queue,
			"error", err)
	}
}
