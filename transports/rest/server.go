// Package rest exposes the gateway over HTTP.
//
//	GET  /connectionfactories
//	GET  /connectionfactories/{cf}/destinations/queues/{queue}/messages[?selector=]
//	POST /connectionfactories/{cf}/destinations/queues/{queue}/messages
//	GET  /health
//
// On POST the request body is the message text and every request header
// carrying the configured prefix becomes a message property.
package rest

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/glimte/queuegate"
)

const (
	DefaultHeaderPrefix = "X-"
	DefaultMaxBodyBytes = 1 << 20
	retryAfterSeconds   = "5"
)

// Server serves the gateway HTTP API.
type Server struct {
	gateway      *queuegate.Gateway
	health       http.Handler
	headerPrefix string
	maxBodyBytes int64
	logger       *slog.Logger
	handler      http.Handler
}

// Option configures the server
type Option func(*Server)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithHeaderPrefix sets which request headers become message properties
func WithHeaderPrefix(prefix string) Option {
	return func(s *Server) {
		s.headerPrefix = prefix
	}
}

// WithHealth mounts h on GET /health
func WithHealth(h http.Handler) Option {
	return func(s *Server) {
		s.health = h
	}
}

// WithMaxBodyBytes bounds the size of a POSTed message
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		s.maxBodyBytes = n
	}
}

// NewServer creates the HTTP API over gw
func NewServer(gw *queuegate.Gateway, options ...Option) *Server {
	s := &Server{
		gateway:      gw,
		headerPrefix: DefaultHeaderPrefix,
		maxBodyBytes: DefaultMaxBodyBytes,
		logger:       slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)
	s.handler = s.withRequestLog(mux)
	return s
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /connectionfactories", s.handleEndpoints)
	mux.HandleFunc("GET /connectionfactories/{cf}/destinations/queues/{queue}/messages", s.handleListPending)
	mux.HandleFunc("POST /connectionfactories/{cf}/destinations/queues/{queue}/messages", s.handleSend)
	if s.health != nil {
		mux.Handle("GET /health", s.health)
	}
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http api listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.logger.Info("http api shutting down")
	return srv.Shutdown(shutdownCtx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start))
	})
}
