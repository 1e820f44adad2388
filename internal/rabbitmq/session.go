package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/queuegate/broker"
	"github.com/glimte/queuegate/internal/selector"
)

const (
	// maxHeaderKeyLength is the AMQP short string limit
	maxHeaderKeyLength = 255
	// deliveryCountHeader is set by queues that count delivery attempts
	deliveryCountHeader = "x-delivery-count"
)

// Session is a channel on an AMQP connection
type Session struct {
	conn   *Connection
	ch     channel
	mode   broker.SessionMode
	logger *slog.Logger
}

// CreateQueue probes the broker for name. A missing queue that exists as an
// exchange resolves to a topic destination.
func (s *Session) CreateQueue(ctx context.Context, name string) (broker.Destination, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty queue name", broker.ErrUnresolvableDestination)
	}

	_, err := s.inspectQueue(name)
	if err == nil {
		return broker.QueueDestination(name), nil
	}
	if !isNotFound(err) {
		return nil, err
	}

	exists, err := s.exchangeExists(name)
	if err != nil {
		return nil, err
	}
	if exists {
		return broker.TopicDestination(name), nil
	}
	return nil, fmt.Errorf("%w: no queue or exchange named %q", broker.ErrUnresolvableDestination, name)
}

// CreateTopic resolves name to an existing exchange
func (s *Session) CreateTopic(ctx context.Context, name string) (broker.Destination, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty exchange name", broker.ErrUnresolvableDestination)
	}
	exists, err := s.exchangeExists(name)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: no exchange named %q", broker.ErrUnresolvableDestination, name)
	}
	return broker.TopicDestination(name), nil
}

// CreateBrowser opens a cursor over q. The number of messages the cursor
// expects is taken from the queue depth when it is opened. Only one cursor
// per queue is open on a factory at a time; further cursors wait for it.
// Queues known to count deliveries are refused with broker.ErrBrowseRefused.
func (s *Session) CreateBrowser(ctx context.Context, q broker.Queue, sel string) (broker.Browser, error) {
	compiled, err := selector.Compile(sel)
	if err != nil {
		return nil, err
	}
	if s.ch.IsClosed() {
		return nil, channelError("open cursor", s.conn.url, ErrChannelClosed)
	}

	name := q.QueueName()
	factory := s.conn.factory
	if factory.deliveryLimited(name) {
		return nil, fmt.Errorf("%w: %s", broker.ErrBrowseRefused, name)
	}

	release, err := factory.locks.Acquire(ctx, name)
	if err != nil {
		return nil, err
	}
	info, err := s.inspectQueue(name)
	if err != nil {
		release()
		return nil, err
	}
	return &Browser{
		session:  s,
		queue:    name,
		selector: compiled,
		claimed:  info.Messages,
		release:  release,
	}, nil
}

// CreateTextMessage creates a message whose properties must fit in an AMQP
// header table.
func (s *Session) CreateTextMessage(text string) *broker.OutboundMessage {
	return broker.NewTextMessage(text, validateHeader)
}

func validateHeader(key string, value any) error {
	if len(key) > maxHeaderKeyLength {
		return fmt.Errorf("header name longer than %d bytes", maxHeaderKeyLength)
	}
	return amqp.Table{key: value}.Validate()
}

// Send publishes msg. Queues are addressed through the default exchange,
// topics by publishing to the exchange itself.
func (s *Session) Send(ctx context.Context, dest broker.Destination, msg *broker.OutboundMessage) error {
	exchange, key := "", dest.DestinationName()
	if _, ok := broker.IsQueue(dest); !ok {
		exchange, key = dest.DestinationName(), ""
	}

	id := "ID:" + uuid.New().String()
	now := time.Now()

	err := s.ch.PublishWithContext(ctx, exchange, key, false, false, amqp.Publishing{
		Headers:      amqp.Table(msg.PropertyMap()),
		ContentType:  "text/plain",
		DeliveryMode: amqp.Persistent,
		MessageId:    id,
		Timestamp:    now,
		Body:         []byte(msg.Text()),
	})
	if err != nil {
		return channelError("publish", s.conn.url, err)
	}

	msg.MarkSent(id, now)
	return nil
}

// Commit commits the channel transaction
func (s *Session) Commit(ctx context.Context) error {
	if !s.mode.Transacted {
		return nil
	}
	if err := s.ch.TxCommit(); err != nil {
		return channelError("commit", s.conn.url, err)
	}
	return nil
}

// Rollback rolls back the channel transaction
func (s *Session) Rollback(ctx context.Context) error {
	if !s.mode.Transacted {
		return nil
	}
	if err := s.ch.TxRollback(); err != nil {
		return channelError("rollback", s.conn.url, err)
	}
	return nil
}

// Close closes the channel
func (s *Session) Close() error {
	if err := s.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return err
	}
	return nil
}

// IsClosed implements broker.Closable
func (s *Session) IsClosed() bool {
	return s.ch.IsClosed() || s.conn.IsClosed()
}

// inspectQueue runs a passive declare on a throwaway channel, since the
// broker closes the channel when the queue does not exist.
func (s *Session) inspectQueue(name string) (amqp.Queue, error) {
	ch, err := s.conn.openChannel()
	if err != nil {
		return amqp.Queue{}, err
	}
	defer ch.Close()

	q, err := ch.QueueDeclarePassive(name, false, false, false, false, nil)
	if err != nil {
		if isNotFound(err) {
			return amqp.Queue{}, err
		}
		return amqp.Queue{}, channelError("inspect queue", s.conn.url, err)
	}
	return q, nil
}

func (s *Session) exchangeExists(name string) (bool, error) {
	ch, err := s.conn.openChannel()
	if err != nil {
		return false, err
	}
	defer ch.Close()

	err = ch.ExchangeDeclarePassive(name, amqp.ExchangeDirect, false, false, false, false, nil)
	switch {
	case err == nil:
		return true, nil
	case isNotFound(err):
		return false, nil
	default:
		return false, channelError("inspect exchange", s.conn.url, err)
	}
}

// Browser fetches messages without acknowledging them and requeues them
// all on Close.
type Browser struct {
	session  *Session
	queue    string
	selector *selector.Selector
	claimed  int
	fetched  int
	lastTag  uint64
	next     *broker.Message
	pending  bool
	closed   bool
	release  func()
}

// HasNext implements broker.Browser. When the broker hands out nothing
// while the cursor still expects messages, HasNext reports true and the
// following Next returns a nil message.
func (b *Browser) HasNext(ctx context.Context) (bool, error) {
	if b.closed {
		return false, broker.ErrSessionClosed
	}
	if b.pending {
		return true, nil
	}

	for b.fetched < b.claimed {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		d, ok, err := b.session.ch.Get(b.queue, false)
		if err != nil {
			return false, channelError("get", b.session.conn.url, err)
		}
		if !ok {
			b.fetched = b.claimed
			b.next, b.pending = nil, true
			return true, nil
		}

		b.fetched++
		b.lastTag = d.DeliveryTag
		if _, counted := d.Headers[deliveryCountHeader]; counted {
			// every further browse would bring the message closer to its limit
			b.session.conn.factory.markDeliveryLimited(b.queue)
			return false, fmt.Errorf("%w: %s carries %s", broker.ErrBrowseRefused, b.queue, deliveryCountHeader)
		}
		if remaining := b.fetched + int(d.MessageCount); remaining < b.claimed {
			b.claimed = remaining
		}

		msg := fromDelivery(d, b.queue, b.fetched-1)
		match, err := b.selector.Matches(msg)
		if err != nil {
			return false, err
		}
		if match {
			b.next, b.pending = msg, true
			return true, nil
		}
	}
	return false, nil
}

// Next implements broker.Browser
func (b *Browser) Next(ctx context.Context) (*broker.Message, error) {
	if !b.pending {
		if ok, err := b.HasNext(ctx); err != nil || !ok {
			return nil, err
		}
	}
	msg := b.next
	b.next, b.pending = nil, false
	return msg, nil
}

// Close requeues every fetched message and lets the next cursor over the
// queue open
func (b *Browser) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	defer b.release()
	if b.lastTag == 0 {
		return nil
	}

	if err := b.session.ch.Nack(b.lastTag, true, true); err != nil {
		return channelError("requeue", b.session.conn.url, err)
	}
	if b.session.mode.Transacted {
		if err := b.session.ch.TxCommit(); err != nil {
			return channelError("commit requeue", b.session.conn.url, err)
		}
	}
	return nil
}

// fromDelivery converts d, found at position in queue. Messages published
// without a message id get one derived from their position and body.
func fromDelivery(d amqp.Delivery, queue string, position int) *broker.Message {
	props := make(map[string]any, len(d.Headers))
	for k, v := range d.Headers {
		props[k] = broker.NormalizeValue(v)
	}
	id := d.MessageId
	if id == "" {
		id = broker.DerivedMessageID(queue, position, d.Body)
	}
	return &broker.Message{
		ID:          id,
		Timestamp:   d.Timestamp,
		Redelivered: d.Redelivered,
		Properties:  props,
		Body:        d.Body,
	}
}
