package rabbitmq

import (
	"context"
	"strings"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/queuegate/broker"
)

func openSession(t *testing.T, b *fakeBroker, mode broker.SessionMode) *Session {
	t.Helper()
	conn, err := newFakeFactory(b).CreateConnection(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	s, err := conn.CreateSession(context.Background(), mode)
	require.NoError(t, err)
	return s.(*Session)
}

func delivery(id string, headers amqp.Table) amqp.Delivery {
	return amqp.Delivery{MessageId: id, Headers: headers, Body: []byte("body-" + id), Timestamp: time.Unix(1700000000, 0)}
}

func browseAll(t *testing.T, s *Session, queue, sel string) ([]*broker.Message, error) {
	t.Helper()
	ctx := context.Background()
	cursor, err := s.CreateBrowser(ctx, broker.QueueDestination(queue), sel)
	require.NoError(t, err)
	defer cursor.Close()

	var out []*broker.Message
	for {
		ok, err := cursor.HasNext(ctx)
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		msg, err := cursor.Next(ctx)
		if err != nil {
			return out, err
		}
		out = append(out, msg)
	}
}

func TestCreateQueue(t *testing.T) {
	ctx := context.Background()
	b := newFakeBroker()
	b.put("orders")
	b.exchanges["events"] = true
	s := openSession(t, b, broker.BrowseMode)

	t.Run("existing queue", func(t *testing.T) {
		dest, err := s.CreateQueue(ctx, "orders")
		require.NoError(t, err)
		q, ok := broker.IsQueue(dest)
		require.True(t, ok)
		assert.Equal(t, "orders", q.QueueName())
	})

	t.Run("exchange resolves to a non-queue destination", func(t *testing.T) {
		dest, err := s.CreateQueue(ctx, "events")
		require.NoError(t, err)
		_, ok := broker.IsQueue(dest)
		assert.False(t, ok)
		assert.Equal(t, "events", dest.DestinationName())
	})

	t.Run("unknown name is unresolvable", func(t *testing.T) {
		_, err := s.CreateQueue(ctx, "nope")
		assert.ErrorIs(t, err, broker.ErrUnresolvableDestination)
	})

	t.Run("empty name is unresolvable", func(t *testing.T) {
		_, err := s.CreateQueue(ctx, "")
		assert.ErrorIs(t, err, broker.ErrUnresolvableDestination)
	})

	t.Run("topic", func(t *testing.T) {
		dest, err := s.CreateTopic(ctx, "events")
		require.NoError(t, err)
		assert.Equal(t, broker.TopicDestination("events"), dest)

		_, err = s.CreateTopic(ctx, "orders")
		assert.ErrorIs(t, err, broker.ErrUnresolvableDestination)
	})

	t.Run("probes do not break the session channel", func(t *testing.T) {
		assert.False(t, s.IsClosed())
	})
}

func TestBrowser(t *testing.T) {
	t.Run("enumerates in order and requeues", func(t *testing.T) {
		b := newFakeBroker()
		b.put("orders", delivery("ID:1", nil), delivery("ID:2", nil), delivery("ID:3", nil))
		s := openSession(t, b, broker.BrowseMode)

		msgs, err := browseAll(t, s, "orders", "")
		require.NoError(t, err)
		require.Len(t, msgs, 3)
		assert.Equal(t, "ID:1", msgs[0].ID)
		assert.Equal(t, "ID:3", msgs[2].ID)
		assert.Equal(t, []byte("body-ID:2"), msgs[1].Body)

		assert.Equal(t, []uint64{3}, b.nacks)
		assert.Equal(t, 1, b.commits)

		again, err := browseAll(t, s, "orders", "")
		require.NoError(t, err)
		assert.Len(t, again, 3)
	})

	t.Run("empty queue fetches nothing", func(t *testing.T) {
		b := newFakeBroker()
		b.put("orders")
		s := openSession(t, b, broker.BrowseMode)

		msgs, err := browseAll(t, s, "orders", "")
		require.NoError(t, err)
		assert.Empty(t, msgs)
		assert.Empty(t, b.nacks)
	})

	t.Run("selector filters client side", func(t *testing.T) {
		b := newFakeBroker()
		b.put("orders",
			delivery("ID:1", amqp.Table{"priority": int32(1)}),
			delivery("ID:2", amqp.Table{"priority": int32(7)}),
		)
		s := openSession(t, b, broker.SessionMode{})

		msgs, err := browseAll(t, s, "orders", "priority > 4")
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, "ID:2", msgs[0].ID)
		assert.Equal(t, int64(7), msgs[0].Properties["priority"])
		assert.Equal(t, []uint64{2}, b.nacks)
		assert.Zero(t, b.commits)
	})

	t.Run("invalid selector", func(t *testing.T) {
		b := newFakeBroker()
		b.put("orders")
		s := openSession(t, b, broker.BrowseMode)

		_, err := s.CreateBrowser(context.Background(), broker.QueueDestination("orders"), "priority >")
		assert.ErrorIs(t, err, broker.ErrInvalidSelector)
	})

	t.Run("claimed message missing yields a nil entry", func(t *testing.T) {
		b := newFakeBroker()
		b.put("orders", delivery("ID:1", nil), delivery("ID:2", nil))
		b.dropAfter = 1
		s := openSession(t, b, broker.BrowseMode)

		ctx := context.Background()
		cursor, err := s.CreateBrowser(ctx, broker.QueueDestination("orders"), "")
		require.NoError(t, err)
		defer cursor.Close()

		ok, err := cursor.HasNext(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		first, err := cursor.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, "ID:1", first.ID)

		ok, err = cursor.HasNext(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		second, err := cursor.Next(ctx)
		require.NoError(t, err)
		assert.Nil(t, second)

		ok, err = cursor.HasNext(ctx)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("get failure", func(t *testing.T) {
		b := newFakeBroker()
		b.put("orders", delivery("ID:1", nil))
		b.getErr = amqp.ErrClosed
		s := openSession(t, b, broker.BrowseMode)

		_, err := browseAll(t, s, "orders", "")
		assert.True(t, broker.IsInfrastructure(err))
	})

	t.Run("closed cursor", func(t *testing.T) {
		b := newFakeBroker()
		b.put("orders", delivery("ID:1", nil))
		s := openSession(t, b, broker.BrowseMode)

		cursor, err := s.CreateBrowser(context.Background(), broker.QueueDestination("orders"), "")
		require.NoError(t, err)
		require.NoError(t, cursor.Close())
		require.NoError(t, cursor.Close())
		_, err = cursor.HasNext(context.Background())
		assert.ErrorIs(t, err, broker.ErrSessionClosed)
	})
}

func TestBrowserSerializesPerQueue(t *testing.T) {
	ctx := context.Background()
	b := newFakeBroker()
	b.put("orders", delivery("ID:1", nil))
	b.put("audit", delivery("ID:2", nil))

	f := newFakeFactory(b)
	conn, err := f.CreateConnection(ctx)
	require.NoError(t, err)
	defer conn.Close()
	open := func() *Session {
		s, err := conn.CreateSession(ctx, broker.BrowseMode)
		require.NoError(t, err)
		return s.(*Session)
	}
	first, second := open(), open()

	cursor, err := first.CreateBrowser(ctx, broker.QueueDestination("orders"), "")
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err = second.CreateBrowser(waitCtx, broker.QueueDestination("orders"), "")
	assert.ErrorIs(t, err, context.DeadlineExceeded, "a second cursor over the same queue waits")

	other, err := second.CreateBrowser(ctx, broker.QueueDestination("audit"), "")
	require.NoError(t, err, "other queues do not wait")
	require.NoError(t, other.Close())

	done := make(chan []*broker.Message)
	go func() {
		msgs, _ := browseAll(t, second, "orders", "")
		done <- msgs
	}()
	ok, err := cursor.HasNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, cursor.Close())

	select {
	case msgs := <-done:
		require.Len(t, msgs, 1)
		assert.Equal(t, "ID:1", msgs[0].ID)
	case <-time.After(time.Second):
		t.Fatal("waiting browse never opened")
	}
}

func TestBrowserRefusesDeliveryLimitedQueues(t *testing.T) {
	ctx := context.Background()

	t.Run("configured queue is refused before fetching", func(t *testing.T) {
		b := newFakeBroker()
		b.put("orders", delivery("ID:1", nil))
		f := newFakeFactory(b)
		WithDeliveryLimitedQueues("orders")(f)

		conn, err := f.CreateConnection(ctx)
		require.NoError(t, err)
		defer conn.Close()
		s, err := conn.CreateSession(ctx, broker.BrowseMode)
		require.NoError(t, err)

		_, err = s.CreateBrowser(ctx, broker.QueueDestination("orders"), "")
		assert.ErrorIs(t, err, broker.ErrBrowseRefused)
		assert.Zero(t, b.handedOut)
	})

	t.Run("delivery count header stops the browse", func(t *testing.T) {
		b := newFakeBroker()
		b.put("orders",
			delivery("ID:1", amqp.Table{deliveryCountHeader: int64(1)}),
			delivery("ID:2", nil),
		)
		s := openSession(t, b, broker.BrowseMode)

		_, err := browseAll(t, s, "orders", "")
		assert.ErrorIs(t, err, broker.ErrBrowseRefused)
		assert.Equal(t, []uint64{1}, b.nacks, "the fetched message is requeued")
		assert.Equal(t, 1, b.handedOut)

		_, err = s.CreateBrowser(ctx, broker.QueueDestination("orders"), "")
		assert.ErrorIs(t, err, broker.ErrBrowseRefused)
		assert.Equal(t, 1, b.handedOut, "later browses fetch nothing")
	})
}

func TestSend(t *testing.T) {
	ctx := context.Background()

	t.Run("publishes through the default exchange", func(t *testing.T) {
		b := newFakeBroker()
		b.put("orders")
		s := openSession(t, b, broker.SessionMode{Transacted: true})

		msg := s.CreateTextMessage("hello")
		require.NoError(t, msg.ApplyHeaders(broker.Headers{{Key: "X-Tenant", Value: "acme"}, {Key: "attempt", Value: 2}}))
		require.NoError(t, s.Send(ctx, broker.QueueDestination("orders"), msg))
		require.NoError(t, s.Commit(ctx))

		require.Len(t, b.published, 1)
		pub := b.published[0]
		assert.Equal(t, "/orders", b.keys[0])
		assert.Equal(t, []byte("hello"), pub.Body)
		assert.Equal(t, "acme", pub.Headers["X-Tenant"])
		assert.Equal(t, int64(2), pub.Headers["attempt"])
		assert.True(t, strings.HasPrefix(pub.MessageId, "ID:"))
		assert.Equal(t, pub.MessageId, msg.MessageID())
		assert.Equal(t, amqp.Persistent, pub.DeliveryMode)
		assert.Equal(t, 1, b.commits)
	})

	t.Run("topics publish to the exchange", func(t *testing.T) {
		b := newFakeBroker()
		s := openSession(t, b, broker.SessionMode{})

		msg := s.CreateTextMessage("hello")
		require.NoError(t, s.Send(ctx, broker.TopicDestination("events"), msg))
		assert.Equal(t, "events/", b.keys[0])
		require.NoError(t, s.Commit(ctx))
		require.NoError(t, s.Rollback(ctx))
		assert.Zero(t, b.commits)
		assert.Zero(t, b.rollbacks)
	})

	t.Run("long header name is rejected", func(t *testing.T) {
		b := newFakeBroker()
		s := openSession(t, b, broker.SessionMode{})

		msg := s.CreateTextMessage("hello")
		err := msg.ApplyHeaders(broker.Headers{{Key: strings.Repeat("k", 256), Value: "v"}})
		assert.ErrorIs(t, err, broker.ErrHeaderConversionFailed)
		assert.Empty(t, msg.Properties())
	})

	t.Run("closed channel", func(t *testing.T) {
		b := newFakeBroker()
		s := openSession(t, b, broker.SessionMode{Transacted: true})
		require.NoError(t, s.Close())

		err := s.Send(ctx, broker.QueueDestination("orders"), s.CreateTextMessage("x"))
		assert.True(t, broker.IsInfrastructure(err))
		assert.True(t, s.IsClosed())
		assert.Empty(t, b.published)
	})
}

func TestDeclareTopology(t *testing.T) {
	b := newFakeBroker()
	tm := NewTopologyManager(newFakeFactory(b))

	require.NoError(t, tm.DeclareTopology(context.Background(), DefaultDestinationTopology("testqueue")))
	_, ok := b.queues["testqueue"]
	assert.True(t, ok)
}

func TestFromDelivery(t *testing.T) {
	msg := fromDelivery(amqp.Delivery{
		MessageId:   "ID:9",
		Redelivered: true,
		Headers:     amqp.Table{"n": int16(3), "s": "x"},
		Body:        []byte("b"),
	}, "orders", 0)
	assert.Equal(t, "ID:9", msg.ID)
	assert.True(t, msg.Redelivered)
	assert.Equal(t, int64(3), msg.Properties["n"])
	assert.Equal(t, "x", msg.Properties["s"])

	t.Run("missing message id is derived", func(t *testing.T) {
		anon := amqp.Delivery{Body: []byte("b")}
		first := fromDelivery(anon, "orders", 4)
		assert.NotEmpty(t, first.ID)
		assert.Equal(t, first.ID, fromDelivery(anon, "orders", 4).ID)
		assert.NotEqual(t, first.ID, fromDelivery(anon, "orders", 5).ID)
	})
}
