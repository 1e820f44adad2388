package broker

import (
	"context"
	"sync"
)

// BrowseLocks serializes browses per queue. Drivers whose cursors hold
// messages while enumerating use it so that two browses of one queue in
// this process never see each other's held messages.
type BrowseLocks struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// Acquire blocks until no other browse of queue is open or ctx is done.
// The returned release func is safe to call more than once.
func (l *BrowseLocks) Acquire(ctx context.Context, queue string) (release func(), err error) {
	lock := l.lock(queue)
	select {
	case lock <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() { <-lock })
	}, nil
}

func (l *BrowseLocks) lock(queue string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.locks == nil {
		l.locks = make(map[string]chan struct{})
	}
	lock, ok := l.locks[queue]
	if !ok {
		lock = make(chan struct{}, 1)
		l.locks[queue] = lock
	}
	return lock
}
