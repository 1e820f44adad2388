package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/glimte/queuegate/broker"
	"github.com/glimte/queuegate/internal/reliability"
)

// SessionPool manages a bounded pool of sessions over a shared connection.
type SessionPool struct {
	factory        broker.ConnectionFactory
	mode           broker.SessionMode
	sessions       chan *PooledSession
	freed          chan struct{}
	maxSize        int
	acquireTimeout time.Duration
	logger         *slog.Logger
	breaker        *reliability.CircuitBreaker

	mu          sync.Mutex
	conn        broker.Connection
	closed      bool
	activeCount int
}

// PooledSession wraps a session with pool metadata
type PooledSession struct {
	broker.Session
	lastUsed time.Time
	id       string
}

// ID returns the pool-local identifier of the session.
func (s *PooledSession) ID() string {
	return s.id
}

// Option configures the session pool
type Option func(*SessionPool)

// WithMaxSize sets the maximum number of live sessions
func WithMaxSize(size int) Option {
	return func(p *SessionPool) {
		p.maxSize = size
	}
}

// WithAcquireTimeout sets how long Get waits for a free session
func WithAcquireTimeout(timeout time.Duration) Option {
	return func(p *SessionPool) {
		p.acquireTimeout = timeout
	}
}

// WithSessionMode sets the mode pooled sessions are opened with
func WithSessionMode(mode broker.SessionMode) Option {
	return func(p *SessionPool) {
		p.mode = mode
	}
}

// WithCircuitBreaker guards connection attempts with cb
func WithCircuitBreaker(cb *reliability.CircuitBreaker) Option {
	return func(p *SessionPool) {
		p.breaker = cb
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(p *SessionPool) {
		p.logger = logger
	}
}

// New creates a session pool. No connection is opened until the first Get.
func New(factory broker.ConnectionFactory, options ...Option) (*SessionPool, error) {
	if factory == nil {
		return nil, errors.New("pool: connection factory is required")
	}

	p := &SessionPool{
		factory:        factory,
		mode:           broker.SessionMode{Transacted: true, AckMode: broker.AutoAcknowledge},
		maxSize:        5,
		acquireTimeout: 5 * time.Second,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	if p.maxSize < 1 {
		return nil, fmt.Errorf("pool: max size must be at least 1, got %d", p.maxSize)
	}
	if p.acquireTimeout <= 0 {
		return nil, fmt.Errorf("pool: acquire timeout must be positive, got %s", p.acquireTimeout)
	}

	p.sessions = make(chan *PooledSession, p.maxSize)
	p.freed = make(chan struct{}, p.maxSize)
	return p, nil
}

// Get borrows a session from the pool
func (p *SessionPool) Get(ctx context.Context) (*PooledSession, error) {
	if p.isClosed() {
		return nil, broker.ErrPoolClosed
	}

	select {
	case s := <-p.sessions:
		return p.validate(ctx, s)
	default:
	}

	// No idle session, create one if under max
	if p.reserve() {
		return p.create(ctx)
	}

	timer := time.NewTimer(p.acquireTimeout)
	defer timer.Stop()

	for {
		select {
		case s := <-p.sessions:
			return p.validate(ctx, s)
		case <-p.freed:
			// a discarded session gave its slot back
			if p.reserve() {
				return p.create(ctx)
			}
		case <-ctx.Done():
			return nil, fmt.Errorf("pool: get session: %w", ctx.Err())
		case <-timer.C:
			return nil, fmt.Errorf("%w: %d sessions in use after %s", broker.ErrPoolExhausted, p.maxSize, p.acquireTimeout)
		}
	}
}

// reserve takes a slot in activeCount when the pool is below max size.
func (p *SessionPool) reserve() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.activeCount < p.maxSize {
		p.activeCount++
		return true
	}
	return false
}

// Put returns a session to the pool. Broken sessions are dropped.
func (p *SessionPool) Put(s *PooledSession) {
	if s == nil {
		return
	}

	if p.isClosed() || sessionBroken(s) {
		p.discard(s)
		return
	}

	s.lastUsed = time.Now()

	select {
	case p.sessions <- s:
	default:
		p.discard(s)
	}
}

// Execute runs fn with a pooled session. A transacted session is committed
// when fn succeeds and rolled back when it fails.
func (p *SessionPool) Execute(ctx context.Context, fn func(broker.Session) error) error {
	s, err := p.Get(ctx)
	if err != nil {
		return err
	}

	var execErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				execErr = fmt.Errorf("pool: panic in session execution: %v", r)
			}
		}()
		execErr = fn(s.Session)
	}()

	if p.mode.Transacted {
		if execErr != nil {
			if rbErr := s.Rollback(ctx); rbErr != nil {
				p.logger.Warn("rollback failed", "session", s.id, "error", rbErr)
				p.discard(s)
				return execErr
			}
		} else if err := s.Commit(ctx); err != nil {
			p.discard(s)
			return fmt.Errorf("pool: commit: %w", err)
		}
	}

	p.Put(s)
	return execErr
}

// Close closes idle sessions and the shared connection. Sessions still on
// loan are closed when they are returned.
func (p *SessionPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()

	var errs []error
drain:
	for {
		select {
		case s := <-p.sessions:
			if err := s.Close(); err != nil {
				errs = append(errs, err)
			}
		default:
			break drain
		}
	}

	if conn != nil {
		if err := conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Size returns the number of live sessions, idle or on loan.
func (p *SessionPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.activeCount
}

// Capacity returns the maximum pool size
func (p *SessionPool) Capacity() int {
	return p.maxSize
}

// Idle returns the number of sessions waiting in the pool
func (p *SessionPool) Idle() int {
	return len(p.sessions)
}

func (p *SessionPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// validate replaces a broken idle session with a fresh one.
func (p *SessionPool) validate(ctx context.Context, s *PooledSession) (*PooledSession, error) {
	if !sessionBroken(s) {
		s.lastUsed = time.Now()
		return s, nil
	}
	_ = s.Close()
	// the slot stays counted; create takes it over
	return p.create(ctx)
}

// create opens a new session. The caller has already reserved a slot in
// activeCount; the slot is released again on failure.
func (p *SessionPool) create(ctx context.Context) (*PooledSession, error) {
	if err := ctx.Err(); err != nil {
		p.release()
		return nil, fmt.Errorf("pool: create session: %w", err)
	}

	conn, err := p.connection(ctx)
	if err != nil {
		p.release()
		return nil, err
	}

	s, err := conn.CreateSession(ctx, p.mode)
	if err != nil {
		p.release()
		return nil, fmt.Errorf("pool: create session: %w", err)
	}

	ps := &PooledSession{
		Session:  s,
		lastUsed: time.Now(),
		id:       uuid.New().String(),
	}
	p.logger.Debug("pooled session created", "session", ps.id)
	return ps, nil
}

// connection returns the shared connection, reconnecting when it broke.
func (p *SessionPool) connection(ctx context.Context) (broker.Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, broker.ErrPoolClosed
	}

	if p.conn != nil {
		if c, ok := p.conn.(broker.Closable); !ok || !c.IsClosed() {
			return p.conn, nil
		}
		p.logger.Warn("pooled connection lost, reconnecting")
		_ = p.conn.Close()
		p.conn = nil
	}

	var conn broker.Connection
	dial := func() error {
		c, err := p.factory.CreateConnection(ctx)
		if err != nil {
			return err
		}
		if err := c.Start(ctx); err != nil {
			_ = c.Close()
			return err
		}
		conn = c
		return nil
	}

	var err error
	if p.breaker != nil {
		err = p.breaker.Execute(ctx, dial)
	} else {
		err = dial()
	}
	if err != nil {
		return nil, err
	}
	p.conn = conn
	return conn, nil
}

func (p *SessionPool) discard(s *PooledSession) {
	if err := s.Close(); err != nil {
		p.logger.Debug("closing discarded session failed", "session", s.id, "error", err)
	}
	p.release()
}

func (p *SessionPool) release() {
	p.mu.Lock()
	if p.activeCount > 0 {
		p.activeCount--
	}
	p.mu.Unlock()

	select {
	case p.freed <- struct{}{}:
	default:
	}
}

func sessionBroken(s *PooledSession) bool {
	c, ok := s.Session.(broker.Closable)
	return ok && c.IsClosed()
}
