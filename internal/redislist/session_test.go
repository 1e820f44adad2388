package redislist

import (
	"context"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/queuegate/broker"
	"github.com/glimte/queuegate/internal/logging"
)

func newTestFactory(t *testing.T) (*ConnectionFactory, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	f, err := NewConnectionFactory("redis://"+mr.Addr()+"/0", WithLogger(logging.Nop()))
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f, mr
}

func openSession(t *testing.T, f *ConnectionFactory, mode broker.SessionMode) broker.Session {
	t.Helper()
	conn, err := f.CreateConnection(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	s, err := conn.CreateSession(context.Background(), mode)
	require.NoError(t, err)
	return s
}

func browse(t *testing.T, s broker.Session, queue, sel string) ([]*broker.Message, error) {
	t.Helper()
	ctx := context.Background()
	cursor, err := s.CreateBrowser(ctx, broker.QueueDestination(queue), sel)
	if err != nil {
		return nil, err
	}
	defer cursor.Close()

	var out []*broker.Message
	for {
		ok, err := cursor.HasNext(ctx)
		if err != nil || !ok {
			return out, err
		}
		msg, err := cursor.Next(ctx)
		if err != nil {
			return out, err
		}
		out = append(out, msg)
	}
}

func TestNewConnectionFactory(t *testing.T) {
	_, err := NewConnectionFactory("amqp://localhost")
	assert.ErrorIs(t, err, broker.ErrUnsupportedScheme)

	f, err := NewConnectionFactory("redis://localhost:6379/2", WithKeyPrefix("q:"))
	require.NoError(t, err)
	assert.Equal(t, "q:orders", f.Key("orders"))
	require.NoError(t, f.Close())
}

func TestUnreachableServer(t *testing.T) {
	f, mr := newTestFactory(t)
	mr.Close()

	_, err := f.CreateConnection(context.Background())
	assert.ErrorIs(t, err, broker.ErrBrokerUnreachable)
}

func TestCreateQueue(t *testing.T) {
	ctx := context.Background()
	f, mr := newTestFactory(t)
	s := openSession(t, f, broker.BrowseMode)

	mr.Lpush(f.Key("orders"), "x")
	mr.Set(f.Key("config"), "value")

	dest, err := s.CreateQueue(ctx, "orders")
	require.NoError(t, err)
	_, ok := broker.IsQueue(dest)
	assert.True(t, ok)

	dest, err = s.CreateQueue(ctx, "fresh")
	require.NoError(t, err)
	_, ok = broker.IsQueue(dest)
	assert.True(t, ok)

	dest, err = s.CreateQueue(ctx, "config")
	require.NoError(t, err)
	_, ok = broker.IsQueue(dest)
	assert.False(t, ok)

	_, err = s.CreateQueue(ctx, "")
	assert.ErrorIs(t, err, broker.ErrUnresolvableDestination)

	_, err = s.CreateTopic(ctx, "events")
	assert.ErrorIs(t, err, broker.ErrInvalidDestination)
}

func TestSendAndBrowse(t *testing.T) {
	ctx := context.Background()
	f, mr := newTestFactory(t)

	producer := openSession(t, f, broker.SessionMode{Transacted: true})
	var ids []string
	for i := 0; i < 3; i++ {
		msg := producer.CreateTextMessage("payload")
		require.NoError(t, msg.ApplyHeaders(broker.Headers{{Key: "n", Value: i}, {Key: "tenant", Value: "acme"}}))
		require.NoError(t, producer.Send(ctx, broker.QueueDestination("orders"), msg))
		assert.True(t, strings.HasPrefix(msg.MessageID(), "ID:"))
		ids = append(ids, msg.MessageID())
	}

	assert.False(t, mr.Exists(f.Key("orders")), "sends are not visible before commit")
	require.NoError(t, producer.Commit(ctx))

	reader := openSession(t, f, broker.BrowseMode)
	for round := 0; round < 2; round++ {
		msgs, err := browse(t, reader, "orders", "")
		require.NoError(t, err)
		require.Len(t, msgs, 3)
		for i, m := range msgs {
			assert.Equal(t, ids[i], m.ID)
			assert.Equal(t, int64(i), m.Properties["n"])
			assert.Equal(t, []byte("payload"), m.Body)
		}
	}

	list, err := mr.List(f.Key("orders"))
	require.NoError(t, err)
	assert.Len(t, list, 3)

	msgs, err := browse(t, reader, "orders", `n >= 1 && tenant == "acme"`)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestRollback(t *testing.T) {
	ctx := context.Background()
	f, mr := newTestFactory(t)
	s := openSession(t, f, broker.SessionMode{Transacted: true})

	require.NoError(t, s.Send(ctx, broker.QueueDestination("orders"), s.CreateTextMessage("x")))
	require.NoError(t, s.Rollback(ctx))
	require.NoError(t, s.Commit(ctx))
	assert.False(t, mr.Exists(f.Key("orders")))
}

func TestUntransactedSendIsImmediate(t *testing.T) {
	ctx := context.Background()
	f, mr := newTestFactory(t)
	s := openSession(t, f, broker.SessionMode{})

	require.NoError(t, s.Send(ctx, broker.QueueDestination("orders"), s.CreateTextMessage("x")))
	list, err := mr.List(f.Key("orders"))
	require.NoError(t, err)
	assert.Len(t, list, 1)

	err = s.Send(ctx, broker.TopicDestination("orders"), s.CreateTextMessage("x"))
	assert.ErrorIs(t, err, broker.ErrInvalidDestination)
}

func TestForeignEntries(t *testing.T) {
	f, mr := newTestFactory(t)
	mr.Push(f.Key("orders"), "not json", "not json", `{"other":"shape"}`)
	s := openSession(t, f, broker.BrowseMode)

	msgs, err := browse(t, s, "orders", "")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, []byte("not json"), msgs[0].Body)

	seen := map[string]bool{}
	for _, m := range msgs {
		assert.True(t, strings.HasPrefix(m.ID, "ID:"))
		seen[m.ID] = true
	}
	assert.Len(t, seen, 3, "identical entries at different positions get distinct ids")

	again, err := browse(t, s, "orders", "")
	require.NoError(t, err)
	require.Len(t, again, 3)
	for i := range msgs {
		assert.Equal(t, msgs[i].ID, again[i].ID)
	}
}

func TestListShrinksWhileBrowsing(t *testing.T) {
	ctx := context.Background()
	f, mr := newTestFactory(t)
	producer := openSession(t, f, broker.SessionMode{})
	for i := 0; i < 2; i++ {
		require.NoError(t, producer.Send(ctx, broker.QueueDestination("orders"), producer.CreateTextMessage("x")))
	}

	s := openSession(t, f, broker.BrowseMode)
	cursor, err := s.CreateBrowser(ctx, broker.QueueDestination("orders"), "")
	require.NoError(t, err)
	defer cursor.Close()

	// a consumer takes everything after the cursor was opened
	mr.Del(f.Key("orders"))

	ok, err := cursor.HasNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	msg, err := cursor.Next(ctx)
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestClosedSession(t *testing.T) {
	ctx := context.Background()
	f, _ := newTestFactory(t)
	s := openSession(t, f, broker.SessionMode{Transacted: true})
	require.NoError(t, s.Close())

	_, err := s.CreateQueue(ctx, "orders")
	assert.ErrorIs(t, err, broker.ErrSessionClosed)
	assert.True(t, s.(broker.Closable).IsClosed())
}
