package redislist

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/glimte/queuegate/broker"
	"github.com/glimte/queuegate/internal/selector"
)

const pageSize = 100

type pendingPush struct {
	key   string
	entry []byte
}

// Session reads and writes lists. Transacted sessions buffer pushes and
// write them in one MULTI/EXEC on Commit.
type Session struct {
	conn    *Connection
	factory *ConnectionFactory
	mode    broker.SessionMode
	mu      sync.Mutex
	pending []pendingPush
	closed  bool
}

// CreateQueue checks the type of the key behind name. A missing key is a
// queue nobody has pushed to yet.
func (s *Session) CreateQueue(ctx context.Context, name string) (broker.Destination, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("%w: empty queue name", broker.ErrUnresolvableDestination)
	}

	kind, err := s.factory.client.Type(ctx, s.factory.Key(name)).Result()
	if err != nil {
		return nil, s.factory.wrap("type", err)
	}
	switch kind {
	case "list", "none":
		return broker.QueueDestination(name), nil
	default:
		return broker.TopicDestination(name), nil
	}
}

// CreateTopic implements broker.Session. Lists have no topics.
func (s *Session) CreateTopic(ctx context.Context, name string) (broker.Destination, error) {
	return nil, fmt.Errorf("%w: redis lists have no topics", broker.ErrInvalidDestination)
}

// CreateBrowser opens a cursor over q. The list length at open time is the
// number of entries the cursor expects.
func (s *Session) CreateBrowser(ctx context.Context, q broker.Queue, sel string) (broker.Browser, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	compiled, err := selector.Compile(sel)
	if err != nil {
		return nil, err
	}

	key := s.factory.Key(q.QueueName())
	length, err := s.factory.client.LLen(ctx, key).Result()
	if err != nil {
		return nil, s.factory.wrap("llen", err)
	}
	return &Browser{
		client:   s.factory.client,
		factory:  s.factory,
		key:      key,
		selector: compiled,
		claimed:  length,
	}, nil
}

// CreateTextMessage implements broker.Session
func (s *Session) CreateTextMessage(text string) *broker.OutboundMessage {
	return broker.NewTextMessage(text, nil)
}

// Send stamps msg and pushes it, or buffers it on transacted sessions
func (s *Session) Send(ctx context.Context, dest broker.Destination, msg *broker.OutboundMessage) error {
	if err := s.check(); err != nil {
		return err
	}
	q, ok := broker.IsQueue(dest)
	if !ok {
		return fmt.Errorf("%w: %s", broker.ErrInvalidDestination, dest.DestinationName())
	}

	id := "ID:" + uuid.New().String()
	now := time.Now().UTC()
	entry, err := encode(msg, id, now)
	if err != nil {
		return fmt.Errorf("redislist: encode message: %w", err)
	}
	key := s.factory.Key(q.QueueName())

	if s.mode.Transacted {
		s.mu.Lock()
		s.pending = append(s.pending, pendingPush{key: key, entry: entry})
		s.mu.Unlock()
	} else if err := s.factory.client.RPush(ctx, key, entry).Err(); err != nil {
		return s.factory.wrap("rpush", err)
	}

	msg.MarkSent(id, now)
	return nil
}

// Commit pushes the buffered messages atomically
func (s *Session) Commit(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	if len(pending) == 0 {
		return nil
	}

	_, err := s.factory.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, p := range pending {
			pipe.RPush(ctx, p.key, p.entry)
		}
		return nil
	})
	if err != nil {
		return s.factory.wrap("exec", err)
	}
	return nil
}

// Rollback drops the buffered messages
func (s *Session) Rollback(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	s.mu.Lock()
	s.pending = nil
	s.mu.Unlock()
	return nil
}

// Close discards uncommitted sends
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.pending = nil
	return nil
}

// IsClosed implements broker.Closable
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

// Browser pages through a list with LRANGE
type Browser struct {
	client   *redis.Client
	factory  *ConnectionFactory
	key      string
	selector *selector.Selector
	claimed  int64
	pos      int64
	page     []string
	next     *broker.Message
	pending  bool
	closed   bool
}

// HasNext implements broker.Browser. A page shorter than the length the
// cursor was opened with reports one more entry, which Next returns as nil.
func (b *Browser) HasNext(ctx context.Context) (bool, error) {
	if b.closed {
		return false, broker.ErrSessionClosed
	}
	if b.pending {
		return true, nil
	}

	for {
		if len(b.page) == 0 {
			if b.pos >= b.claimed {
				return false, nil
			}
			stop := b.pos + pageSize - 1
			if stop >= b.claimed {
				stop = b.claimed - 1
			}
			page, err := b.client.LRange(ctx, b.key, b.pos, stop).Result()
			if err != nil {
				return false, b.factory.wrap("lrange", err)
			}
			if len(page) == 0 {
				b.pos = b.claimed
				b.next, b.pending = nil, true
				return true, nil
			}
			b.page = page
		}

		raw := b.page[0]
		b.page = b.page[1:]
		msg := decode(raw, b.key, b.pos)
		b.pos++

		match, err := b.selector.Matches(msg)
		if err != nil {
			return false, err
		}
		if match {
			b.next, b.pending = msg, true
			return true, nil
		}
	}
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

// Close implements broker.Browser
func (b *Browser) Close() error {
	b.closed = true
	b.page = nil
	return nil
}
