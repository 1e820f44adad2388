package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/queuegate"
	"github.com/glimte/queuegate/broker"
	"github.com/glimte/queuegate/health"
	"github.com/glimte/queuegate/internal/logging"
	"github.com/glimte/queuegate/internal/memory"
	"github.com/glimte/queuegate/internal/pool"
	"github.com/glimte/queuegate/registry"
)

const messagesPath = "/connectionfactories/testCF/destinations/queues/testqueue/messages"

type downFactory struct{}

func (downFactory) CreateConnection(ctx context.Context) (broker.Connection, error) {
	return nil, &broker.ConnectionError{Op: "dial", URL: "amqp://down", Err: errors.New("connection refused")}
}

func newTestServer(t *testing.T) (*Server, *memory.ConnectionFactory) {
	t.Helper()

	factory, err := memory.NewConnectionFactory("vm://testCF?broker.persistent=false")
	require.NoError(t, err)
	p, err := pool.New(factory, pool.WithLogger(logging.Nop()))
	require.NoError(t, err)

	downPool, err := pool.New(downFactory{}, pool.WithLogger(logging.Nop()))
	require.NoError(t, err)

	reg, err := registry.New(
		&registry.Endpoint{
			Name:               "testCF",
			URI:                "vm://testCF",
			Factory:            factory,
			Pool:               p,
			DefaultDestination: "testqueue",
			SessionMode:        broker.SessionMode{Transacted: true},
		},
		&registry.Endpoint{
			Name:               "down",
			URI:                "amqp://down",
			Factory:            downFactory{},
			Pool:               downPool,
			DefaultDestination: "testqueue",
		},
	)
	require.NoError(t, err)

	gw := queuegate.New(reg, queuegate.WithLogger(logging.Nop()))
	t.Cleanup(func() { _ = gw.Close() })

	srv := NewServer(gw,
		WithLogger(logging.Nop()),
		WithHealth(health.NewHandler(health.ForRegistry(reg, logging.Nop()), time.Second)),
	)
	return srv, factory
}

func do(t *testing.T, h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestSendThenList(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := do(t, srv, httptest.NewRequest(http.MethodGet, messagesPath, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "nothing_pending", decodeError(t, rec).Code)

	req := httptest.NewRequest(http.MethodPost, messagesPath, strings.NewReader("messageToQueue"))
	req.Header.Set("X-amiga-jms-header1", "value1")
	rec = do(t, srv, req)
	require.Equal(t, http.StatusOK, rec.Code)
	id := rec.Body.String()
	assert.NotEmpty(t, id)
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))

	rec = do(t, srv, httptest.NewRequest(http.MethodGet, messagesPath, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var ids []string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ids))
	assert.Equal(t, []string{id}, ids)
}

func TestPrefixedHeadersBecomeProperties(t *testing.T) {
	srv, factory := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, messagesPath, strings.NewReader("body"))
	req.Header.Set("X-Region", "eu")
	req.Header.Set("Accept", "text/plain")
	rec := do(t, srv, req)
	require.Equal(t, http.StatusOK, rec.Code)

	q := url.Values{"selector": {`headers["X-Region"] == "eu"`}}
	rec = do(t, srv, httptest.NewRequest(http.MethodGet, messagesPath+"?"+q.Encode(), nil))
	require.Equal(t, http.StatusOK, rec.Code)

	q = url.Values{"selector": {`"Accept" in headers`}}
	rec = do(t, srv, httptest.NewRequest(http.MethodGet, messagesPath+"?"+q.Encode(), nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	assert.Equal(t, 1, factory.Broker().Depth("testqueue"))
}

func TestMessageHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("X-B", "2")
	h.Set("X-A", "1")
	h.Add("X-A", "ignored")
	h.Set("Content-Type", "text/plain")

	s := &Server{headerPrefix: "x-"}
	assert.Equal(t, broker.Headers{{Key: "X-A", Value: "1"}, {Key: "X-B", Value: "2"}}, s.messageHeaders(h))

	s = &Server{}
	assert.Len(t, s.messageHeaders(h), 3)
}

func TestUnknownEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	path := "/connectionfactories/missing/destinations/queues/testqueue/messages"

	for _, method := range []string{http.MethodGet, http.MethodPost} {
		t.Run(method, func(t *testing.T) {
			rec := do(t, srv, httptest.NewRequest(method, path, strings.NewReader("x")))
			assert.Equal(t, http.StatusNotFound, rec.Code)
			assert.Equal(t, "endpoint_unknown", decodeError(t, rec).Code)
		})
	}
}

func TestBrokerDownIsRetryable(t *testing.T) {
	srv, _ := newTestServer(t)
	path := "/connectionfactories/down/destinations/queues/testqueue/messages"

	rec := do(t, srv, httptest.NewRequest(http.MethodGet, path, nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, retryAfterSeconds, rec.Header().Get("Retry-After"))
	assert.Equal(t, "unavailable", decodeError(t, rec).Code)
}

func TestInvalidSelector(t *testing.T) {
	srv, _ := newTestServer(t)
	q := url.Values{"selector": {"headers[["}}
	rec := do(t, srv, httptest.NewRequest(http.MethodGet, messagesPath+"?"+q.Encode(), nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_selector", decodeError(t, rec).Code)
}

func TestBodyTooLarge(t *testing.T) {
	srv, factory := newTestServer(t)
	WithMaxBodyBytes(4)(srv)

	rec := do(t, srv, httptest.NewRequest(http.MethodPost, messagesPath, strings.NewReader("too long")))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, 0, factory.Broker().Depth("testqueue"))
}

func TestWriteFailure(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"header", &broker.HeaderError{Key: "k", Err: broker.ErrHeaderConversionFailed}, http.StatusBadRequest, "header_conversion_failed"},
		{"destination", fmt.Errorf("resolve: %w", broker.ErrUnresolvableDestination), http.StatusNotFound, "unresolvable_destination"},
		{"refused", &broker.BrowseError{Queue: "q", Op: "open cursor", Index: -1, Err: fmt.Errorf("rabbitmq: %w", broker.ErrBrowseRefused)}, http.StatusConflict, "browse_refused"},
		{"exhausted", broker.ErrPoolExhausted, http.StatusServiceUnavailable, "unavailable"},
		{"corrupt", broker.ErrCorruptEnumeration, http.StatusInternalServerError, "internal"},
	}

	s := &Server{logger: logging.Nop()}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			s.writeFailure(rec, tt.err)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, decodeError(t, rec).Code)
		})
	}
}

func TestEndpointsAndHealth(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := do(t, srv, httptest.NewRequest(http.MethodGet, "/connectionfactories", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var names []string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &names))
	assert.Equal(t, []string{"down", "testCF"}, names)

	rec = do(t, srv, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var overall health.OverallHealth
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &overall))
	assert.Equal(t, health.StatusHealthy, overall.Checks["endpoint_testCF"].Status)
	assert.Equal(t, health.StatusUnhealthy, overall.Checks["endpoint_down"].Status)
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx, "127.0.0.1:0") }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
