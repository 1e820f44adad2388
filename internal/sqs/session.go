package sqs

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/glimte/queuegate/broker"
	"github.com/glimte/queuegate/internal/selector"
)

const (
	receiveBatchSize = 10
	// maxIdleReceives is how many receives in a row may return nothing new
	// before a cursor gives up on the remaining claimed messages
	maxIdleReceives = 3
)

// queue is a resolved SQS queue
type queue struct {
	name string
	url  string
}

func (q queue) DestinationName() string { return q.name }
func (q queue) QueueName() string       { return q.name }

// Session issues SQS API calls
type Session struct {
	conn    *Connection
	factory *ConnectionFactory
	closed  bool
}

// CreateQueue resolves name to its queue URL
func (s *Session) CreateQueue(ctx context.Context, name string) (broker.Destination, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("%w: empty queue name", broker.ErrUnresolvableDestination)
	}
	queueURL, err := s.factory.resolveQueueURL(ctx, name)
	if err != nil {
		return nil, err
	}
	return queue{name: name, url: queueURL}, nil
}

// CreateTopic implements broker.Session. SQS has no topics.
func (s *Session) CreateTopic(ctx context.Context, name string) (broker.Destination, error) {
	return nil, fmt.Errorf("%w: sqs has no topics", broker.ErrInvalidDestination)
}

// CreateBrowser opens a cursor over q. Queues with a redrive policy are
// refused with broker.ErrBrowseRefused: every receive raises the receive
// count, and enough browses would move messages to the dead-letter queue.
// Only one cursor per queue is open on a factory at a time.
func (s *Session) CreateBrowser(ctx context.Context, q broker.Queue, sel string) (broker.Browser, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	compiled, err := selector.Compile(sel)
	if err != nil {
		return nil, err
	}
	queueURL, err := s.queueURL(ctx, q)
	if err != nil {
		return nil, err
	}

	release, err := s.factory.locks.Acquire(ctx, queueURL)
	if err != nil {
		return nil, err
	}

	out, err := s.factory.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl: aws.String(queueURL),
		AttributeNames: []types.QueueAttributeName{
			types.QueueAttributeNameApproximateNumberOfMessages,
			types.QueueAttributeNameRedrivePolicy,
		},
	})
	if err != nil {
		release()
		return nil, s.factory.wrap("get queue attributes", err)
	}
	if policy := out.Attributes[string(types.QueueAttributeNameRedrivePolicy)]; policy != "" {
		release()
		return nil, fmt.Errorf("%w: %s has redrive policy %s", broker.ErrBrowseRefused, q.QueueName(), policy)
	}
	claimed, _ := strconv.Atoi(out.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessages)])

	return &Browser{
		factory:  s.factory,
		queueURL: queueURL,
		selector: compiled,
		claimed:  claimed,
		seen:     make(map[string]bool),
		release:  release,
	}, nil
}

// CreateTextMessage creates a message whose properties must be valid SQS
// message attributes
func (s *Session) CreateTextMessage(text string) *broker.OutboundMessage {
	return broker.NewTextMessage(text, validateAttribute)
}

// Send sends msg and stamps the id SQS assigned to it
func (s *Session) Send(ctx context.Context, dest broker.Destination, msg *broker.OutboundMessage) error {
	if err := s.check(); err != nil {
		return err
	}
	q, ok := broker.IsQueue(dest)
	if !ok {
		return fmt.Errorf("%w: %s", broker.ErrInvalidDestination, dest.DestinationName())
	}

	props := msg.Properties()
	if len(props) > MaxAttributes {
		return fmt.Errorf("%w: %d message attributes, sqs accepts %d",
			broker.ErrHeaderConversionFailed, len(props), MaxAttributes)
	}
	attrs := make(map[string]types.MessageAttributeValue, len(props))
	for _, p := range props {
		attr, err := toAttribute(p.Value)
		if err != nil {
			return &broker.HeaderError{Key: p.Key, Err: fmt.Errorf("%w: %v", broker.ErrHeaderConversionFailed, err)}
		}
		attrs[p.Key] = attr
	}

	queueURL, err := s.queueURL(ctx, q)
	if err != nil {
		return err
	}

	out, err := s.factory.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:          aws.String(queueURL),
		MessageBody:       aws.String(msg.Text()),
		MessageAttributes: attrs,
	})
	if err != nil {
		return s.factory.wrap("send message", err)
	}

	msg.MarkSent(aws.ToString(out.MessageId), time.Now())
	return nil
}

// Commit implements broker.Session
func (s *Session) Commit(ctx context.Context) error {
	return s.check()
}

// Rollback implements broker.Session. Sends cannot be taken back.
func (s *Session) Rollback(ctx context.Context) error {
	return s.check()
}

// Close implements broker.Session
func (s *Session) Close() error {
	s.closed = true
	return nil
}

// IsClosed implements broker.Closable
func (s *Session) IsClosed() bool {
	return s.closed || s.conn.IsClosed()
}

func (s *Session) check() error {
	if s.IsClosed() {
		return broker.ErrSessionClosed
	}
	return nil
}

func (s *Session) queueURL(ctx context.Context, q broker.Queue) (string, error) {
	if resolved, ok := q.(queue); ok {
		return resolved.url, nil
	}
	return s.factory.resolveQueueURL(ctx, q.QueueName())
}

// Browser receives with a zero visibility timeout and skips messages it has
// already seen
type Browser struct {
	factory  *ConnectionFactory
	queueURL string
	selector *selector.Selector
	claimed  int
	seen     map[string]bool
	buffer   []*broker.Message
	idle     int
	done     bool
	next     *broker.Message
	closed   bool
	release  func()
}

// HasNext implements broker.Browser
func (b *Browser) HasNext(ctx context.Context) (bool, error) {
	if b.closed {
		return false, broker.ErrSessionClosed
	}
	if b.next != nil {
		return true, nil
	}

	for {
		for len(b.buffer) > 0 {
			msg := b.buffer[0]
			b.buffer = b.buffer[1:]
			match, err := b.selector.Matches(msg)
			if err != nil {
				return false, err
			}
			if match {
				b.next = msg
				return true, nil
			}
		}

		if b.done || len(b.seen) >= b.claimed {
			b.done = true
			return false, nil
		}
		if err := b.receive(ctx); err != nil {
			return false, err
		}
	}
}

func (b *Browser) receive(ctx context.Context) error {
	out, err := b.factory.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(b.queueURL),
		MaxNumberOfMessages:   receiveBatchSize,
		VisibilityTimeout:     0,
		WaitTimeSeconds:       0,
		MessageAttributeNames: []string{"All"},
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameSentTimestamp,
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		return b.factory.wrap("receive message", err)
	}

	fresh := 0
	for _, m := range out.Messages {
		id := aws.ToString(m.MessageId)
		if b.seen[id] {
			continue
		}
		b.seen[id] = true
		fresh++
		b.buffer = append(b.buffer, fromMessage(m))
	}

	if fresh == 0 {
		b.idle++
		if b.idle >= maxIdleReceives {
			b.factory.logger.Debug("browse stopped short of the reported depth",
				"queueUrl", b.queueURL, "claimed", b.claimed, "seen", len(b.seen))
			b.done = true
		}
		return nil
	}
	b.idle = 0
	return nil
}

// Next implements broker.Browser
func (b *Browser) Next(ctx context.Context) (*broker.Message, error) {
	if b.next == nil {
		if ok, err := b.HasNext(ctx); err != nil || !ok {
			return nil, err
		}
	}
	msg := b.next
	b.next = nil
	return msg, nil
}

// Close implements broker.Browser
func (b *Browser) Close() error {
	if !b.closed {
		b.closed = true
		b.release()
	}
	b.buffer = nil
	return nil
}

func fromMessage(m types.Message) *broker.Message {
	props := make(map[string]any, len(m.MessageAttributes))
	for k, v := range m.MessageAttributes {
		props[k] = fromAttribute(v)
	}

	msg := &broker.Message{
		ID:         aws.ToString(m.MessageId),
		Properties: props,
		Body:       []byte(aws.ToString(m.Body)),
	}
	if sent, err := strconv.ParseInt(m.Attributes[string(types.MessageSystemAttributeNameSentTimestamp)], 10, 64); err == nil {
		msg.Timestamp = time.UnixMilli(sent)
	}
	if count, err := strconv.Atoi(m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]); err == nil {
		msg.Redelivered = count > 1
	}
	return msg
}
