// Package memory is the single-replica Locker used when Redis is not configured.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
)

// Locker keeps lock tokens in a TTL cache.
type Locker struct {
	mu    sync.Mutex
	locks *gocache.Cache
}

func NewLocker() *Locker {
	return &Locker{locks: gocache.New(gocache.NoExpiration, time.Minute)}
}

func (l *Locker) TryLock(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	if key == "" {
		return "", false, errors.New("lock key is empty")
	}
	if ttl <= 0 {
		return "", false, errors.New("lock ttl must be positive")
	}

	token := uuid.NewString()
	if err := l.locks.Add(key, token, ttl); err != nil {
		// held and not expired
		return "", false, nil
	}
	return token, true, nil
}

func (l *Locker) Release(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if current, ok := l.locks.Get(key); ok && current == token {
		l.locks.Delete(key)
	}
	return nil
}
