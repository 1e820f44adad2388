package engine

import (
	"context"
	"errors"

	"github.com/stretchr/testify/mock"

	"github.com/glimte/queuegate/broker"
)

// recorder collects lifecycle events of fake broker resources.
type recorder struct {
	events []string
}

func (r *recorder) add(e string) { r.events = append(r.events, e) }

type fakeFactory struct {
	rec  *recorder
	conn *fakeConnection
	err  error
}

func (f *fakeFactory) CreateConnection(ctx context.Context) (broker.Connection, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.rec.add("open connection")
	return f.conn, nil
}

type fakeConnection struct {
	rec        *recorder
	session    *fakeSession
	startErr   error
	sessionErr error
	closeErr   error
	mode       broker.SessionMode
}

func (c *fakeConnection) Start(ctx context.Context) error {
	c.rec.add("start connection")
	return c.startErr
}

func (c *fakeConnection) CreateSession(ctx context.Context, mode broker.SessionMode) (broker.Session, error) {
	if c.sessionErr != nil {
		return nil, c.sessionErr
	}
	c.mode = mode
	c.rec.add("open session")
	return c.session, nil
}

func (c *fakeConnection) Close() error {
	c.rec.add("close connection")
	return c.closeErr
}

type fakeSession struct {
	rec        *recorder
	dest       broker.Destination
	resolveErr error
	cursor     *fakeCursor
	cursorErr  error
	selector   string
	sendErr    error
	sendID     string
	closeErr   error
	sent       []*broker.OutboundMessage
	validator  broker.PropertyValidator
}

func (s *fakeSession) CreateQueue(ctx context.Context, name string) (broker.Destination, error) {
	if s.resolveErr != nil {
		return nil, s.resolveErr
	}
	if s.dest != nil {
		return s.dest, nil
	}
	return broker.QueueDestination(name), nil
}

func (s *fakeSession) CreateTopic(ctx context.Context, name string) (broker.Destination, error) {
	return broker.TopicDestination(name), nil
}

func (s *fakeSession) CreateBrowser(ctx context.Context, q broker.Queue, selector string) (broker.Browser, error) {
	if s.cursorErr != nil {
		return nil, s.cursorErr
	}
	s.selector = selector
	s.rec.add("open cursor")
	return s.cursor, nil
}

func (s *fakeSession) CreateTextMessage(text string) *broker.OutboundMessage {
	return broker.NewTextMessage(text, s.validator)
}

func (s *fakeSession) Send(ctx context.Context, dest broker.Destination, msg *broker.OutboundMessage) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, msg)
	if s.sendID != "" {
		msg.MarkSent(s.sendID, msg.Timestamp())
	}
	return nil
}

func (s *fakeSession) Commit(ctx context.Context) error   { return nil }
func (s *fakeSession) Rollback(ctx context.Context) error { return nil }

func (s *fakeSession) Close() error {
	s.rec.add("close session")
	return s.closeErr
}

// fakeCursor reports claimed elements and delivers items; a nil item is a
// null entry.
type fakeCursor struct {
	rec     *recorder
	items   []*broker.Message
	claimed int
	pos     int
	nextErr error
}

func (c *fakeCursor) HasNext(ctx context.Context) (bool, error) {
	claimed := c.claimed
	if claimed == 0 {
		claimed = len(c.items)
	}
	return c.pos < claimed, nil
}

func (c *fakeCursor) Next(ctx context.Context) (*broker.Message, error) {
	if c.nextErr != nil {
		return nil, c.nextErr
	}
	defer func() { c.pos++ }()
	if c.pos >= len(c.items) {
		return nil, nil
	}
	return c.items[c.pos], nil
}

func (c *fakeCursor) Close() error {
	c.rec.add("close cursor")
	return nil
}

func newFakeChain(items ...*broker.Message) (*recorder, *fakeFactory) {
	rec := &recorder{}
	cursor := &fakeCursor{rec: rec, items: items}
	session := &fakeSession{rec: rec, cursor: cursor}
	conn := &fakeConnection{rec: rec, session: session}
	return rec, &fakeFactory{rec: rec, conn: conn}
}

// mockPool is a broker.SessionPool driven by testify/mock.
type mockPool struct {
	mock.Mock
	session broker.Session
}

func (m *mockPool) Execute(ctx context.Context, fn func(broker.Session) error) error {
	args := m.Called(ctx)
	if err := args.Error(0); err != nil {
		return err
	}
	return fn(m.session)
}

func (m *mockPool) Close() error {
	args := m.Called()
	return args.Error(0)
}

var errBoom = errors.New("boom")
