package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/queuegate/broker"
	"github.com/glimte/queuegate/registry"
)

// Publisher sends text messages to an endpoint's default destination.
type Publisher struct {
	resolver DestinationResolver
	logger   *slog.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithPublisherResolver sets the destination resolver
func WithPublisherResolver(r DestinationResolver) PublisherOption {
	return func(p *Publisher) {
		p.resolver = r
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a publish engine
func NewPublisher(options ...PublisherOption) *Publisher {
	p := &Publisher{
		resolver: DynamicDestinationResolver{},
		logger:   slog.Default(),
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// Publish sends payload with headers to the endpoint's default destination
// and returns the message id assigned on send.
func (p *Publisher) Publish(ctx context.Context, ep *registry.Endpoint, payload string, headers broker.Headers) (string, error) {
	fail := func(op string, cause error) error {
		return &broker.PublishError{
			Endpoint:    ep.Name,
			Destination: ep.DefaultDestination,
			Op:          op,
			Err:         cause,
			Timestamp:   time.Now(),
		}
	}

	if ep.Pool == nil {
		return "", fail("borrow session", broker.ErrPoolClosed)
	}

	var (
		msg    *broker.OutboundMessage
		failed string
	)
	err := ep.Pool.Execute(ctx, func(session broker.Session) error {
		dest, err := p.resolver.ResolveDestinationName(ctx, session, ep.DefaultDestination, false)
		if err != nil {
			failed = "resolve destination"
			return err
		}

		m := session.CreateTextMessage(payload)
		if err := m.ApplyHeaders(headers); err != nil {
			failed = "apply headers"
			return err
		}

		if err := session.Send(ctx, dest, m); err != nil {
			failed = "send"
			return err
		}
		msg = m
		return nil
	})
	if err != nil {
		if failed == "" {
			failed = "borrow session"
			if msg != nil {
				failed = "commit"
			}
		}
		return "", fail(failed, err)
	}

	id := msg.MessageID()
	if id == "" {
		return "", fail("read message id", broker.ErrMessageIDUnavailable)
	}

	p.logger.Debug("message published",
		"endpoint", ep.Name,
		"destination", ep.DefaultDestination,
		"messageId", id,
		"headers", len(headers))
	return id, nil
}
