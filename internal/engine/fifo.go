package engine

import (
	"context"
	"sync"
)

// fifoLock is a mutual-exclusion lock that grants ownership in strict
// arrival order. sync.Mutex makes no fairness promise, and generation
// requests must not overtake ones that arrived earlier.
type fifoLock struct {
	mu      sync.Mutex
	held    bool
	waiters []chan struct{}
}

// Acquire blocks until the caller owns the lock or ctx is done.
func (l *fifoLock) Acquire(ctx context.Context) error {
	l.mu.Lock()
	if !l.held {
		l.held = true
		l.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	l.waiters = append(l.waiters, ch)
	l.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		for i, w := range l.waiters {
			if w == ch {
				l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
				l.mu.Unlock()
				return ctx.Err()
			}
		}
		l.mu.Unlock()
		// Ownership was handed over concurrently with cancellation;
		// pass the lock straight to the next waiter.
		l.Release()
		return ctx.Err()
	}
}

// Release hands the lock to the oldest waiter, or frees it.
func (l *fifoLock) Release() {
	l.mu.Lock()
	if len(l.waiters) > 0 {
		ch := l.waiters[0]
		l.waiters = l.waiters[1:]
		l.mu.Unlock()
		close(ch)
		return
	}
	l.held = false
	l.mu.Unlock()
}
