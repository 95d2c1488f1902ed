package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// AccountLocker serializes reconciliation over one account. Two concurrent
// runs against the same account would race each other's instrument pool;
// the second caller gets ErrAccountBusy instead.
type AccountLocker interface {
	Acquire(ctx context.Context, accountID string) (release func(), err error)
}

// MemoryLocker is the single-process locker.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]bool)}
}

func (l *MemoryLocker) Acquire(ctx context.Context, accountID string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[accountID] {
		return nil, ErrAccountBusy
	}
	l.held[accountID] = true
	return func() {
		l.mu.Lock()
		delete(l.held, accountID)
		l.mu.Unlock()
	}, nil
}

// RedisLocker coordinates runs across processes with a redis lease.
type RedisLocker struct {
	client *redislock.Client
	ttl    time.Duration
}

func NewRedisLocker(rdb redis.UniversalClient, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisLocker{client: redislock.New(rdb), ttl: ttl}
}

func (l *RedisLocker) Acquire(ctx context.Context, accountID string) (func(), error) {
	lock, err := l.client.Obtain(ctx, "concilia:recon:"+accountID, l.ttl, nil)
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) {
			return nil, ErrAccountBusy
		}
		return nil, err
	}
	return func() { _ = lock.Release(context.Background()) }, nil
}
