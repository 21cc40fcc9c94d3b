package openfactura

import (
	"context"
	"sync"
)

// ConcurrencyLimiter caps in-flight gateway calls.
type ConcurrencyLimiter struct {
	slots chan struct{}

	mu       sync.Mutex
	active   int
	waiting  int
	acquired int64
}

// NewConcurrencyLimiter creates a limiter with max slots.
func NewConcurrencyLimiter(max int) *ConcurrencyLimiter {
	if max <= 0 {
		max = 20
	}
	return &ConcurrencyLimiter{slots: make(chan struct{}, max)}
}

// Acquire blocks until a slot is free or ctx is done.
func (l *ConcurrencyLimiter) Acquire(ctx context.Context) error {
	l.mu.Lock()
	l.waiting++
	l.mu.Unlock()

	select {
	case l.slots <- struct{}{}:
		l.mu.Lock()
		l.waiting--
		l.active++
		l.acquired++
		l.mu.Unlock()
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		l.waiting--
		l.mu.Unlock()
		return ctx.Err()
	}
}

// Release frees a slot taken by Acquire.
func (l *ConcurrencyLimiter) Release() {
	<-l.slots
	l.mu.Lock()
	l.active--
	l.mu.Unlock()
}

// LimiterStats is a snapshot of the limiter.
type LimiterStats struct {
	Max      int
	Active   int
	Waiting  int
	Acquired int64
}

// Stats returns a snapshot of the limiter.
func (l *ConcurrencyLimiter) Stats() LimiterStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return LimiterStats{Max: cap(l.slots), Active: l.active, Waiting: l.waiting, Acquired: l.acquired}
}
