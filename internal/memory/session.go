package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/glimte/queuegate/broker"
	"github.com/glimte/queuegate/internal/selector"
)

type pendingSend struct {
	queue string
	msg   *broker.Message
}

// Session is a session on an in-process broker.
type Session struct {
	conn    *Connection
	mode    broker.SessionMode
	mu      sync.Mutex
	pending []pendingSend
	closed  bool
}

// CreateQueue implements broker.Session. Unknown names become queues.
func (s *Session) CreateQueue(ctx context.Context, name string) (broker.Destination, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("%w: empty queue name", broker.ErrUnresolvableDestination)
	}
	if s.conn.broker.isTopic(name) {
		return broker.TopicDestination(name), nil
	}
	s.conn.broker.ensureQueue(name)
	return broker.QueueDestination(name), nil
}

// CreateTopic implements broker.Session.
func (s *Session) CreateTopic(ctx context.Context, name string) (broker.Destination, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("%w: empty topic name", broker.ErrUnresolvableDestination)
	}
	s.conn.broker.DeclareTopic(name)
	return broker.TopicDestination(name), nil
}

// CreateBrowser implements broker.Session.
func (s *Session) CreateBrowser(ctx context.Context, q broker.Queue, sel string) (broker.Browser, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	compiled, err := selector.Compile(sel)
	if err != nil {
		return nil, err
	}

	var msgs []*broker.Message
	if s.conn.isStarted() {
		msgs = s.conn.broker.snapshot(q.QueueName())
	}
	return &Browser{messages: msgs, selector: compiled}, nil
}

// CreateTextMessage implements broker.Session.
func (s *Session) CreateTextMessage(text string) *broker.OutboundMessage {
	return broker.NewTextMessage(text, nil)
}

// Send implements broker.Session.
func (s *Session) Send(ctx context.Context, dest broker.Destination, msg *broker.OutboundMessage) error {
	if err := s.check(); err != nil {
		return err
	}
	q, ok := broker.IsQueue(dest)
	if !ok {
		// topics have no subscribers in this broker
		return fmt.Errorf("%w: %s", broker.ErrInvalidDestination, dest.DestinationName())
	}

	stored := newMessage(msg)
	msg.MarkSent(stored.ID, stored.Timestamp)

	if s.mode.Transacted {
		s.mu.Lock()
		s.pending = append(s.pending, pendingSend{queue: q.QueueName(), msg: stored})
		s.mu.Unlock()
		return nil
	}
	s.conn.broker.enqueue(q.QueueName(), stored)
	return nil
}

// Commit makes buffered sends visible.
func (s *Session) Commit(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, p := range pending {
		s.conn.broker.enqueue(p.queue, p.msg)
	}
	return nil
}

// Rollback drops buffered sends.
func (s *Session) Rollback(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	s.mu.Lock()
	s.pending = nil
	s.mu.Unlock()
	return nil
}

// Close discards uncommitted sends.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.pending = nil
	s.mu.Unlock()

	s.conn.forget(s)
	return nil
}

// IsClosed implements broker.Closable.
func (s *Session) IsClosed() bool {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	return closed || s.conn.IsClosed()
}

func (s *Session) check() error {
	if s.IsClosed() {
		return broker.ErrSessionClosed
	}
	return nil
}

// Browser enumerates a snapshot of a queue.
type Browser struct {
	messages []*broker.Message
	selector *selector.Selector
	pos      int
	next     *broker.Message
	closed   bool
}

// HasNext implements broker.Browser.
func (b *Browser) HasNext(ctx context.Context) (bool, error) {
	if b.closed {
		return false, broker.ErrSessionClosed
	}
	if b.next != nil {
		return true, nil
	}
	for b.pos < len(b.messages) {
		m := b.messages[b.pos]
		b.pos++
		ok, err := b.selector.Matches(m)
		if err != nil {
			return false, err
		}
		if ok {
			b.next = m
			return true, nil
		}
	}
	return false, nil
}

// Next implements broker.Browser.
func (b *Browser) Next(ctx context.Context) (*broker.Message, error) {
	if b.next == nil {
		if ok, err := b.HasNext(ctx); err != nil || !ok {
			return nil, err
		}
	}
	m := b.next
	b.next = nil
	return cloneMessage(m), nil
}

// Close implements broker.Browser.
func (b *Browser) Close() error {
	b.closed = true
	b.messages = nil
	return nil
}
