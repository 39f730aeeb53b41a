package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key prefix for propagation run locks.
const runLockKeyPrefix = "chainalert:lock:"

// RunLocker serializes propagation per reporter across instances.
type RunLocker interface {
	// Acquire returns false without error when the lock is already held.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// RedisRunLocker is the production implementation for distributed
// deployments where multiple instances share intake traffic.
type RedisRunLocker struct {
	client *redis.Client
}

func NewRedisRunLocker(client *redis.Client) *RedisRunLocker {
	return &RedisRunLocker{client: client}
}

// Acquire takes the lock with SETNX; the TTL guarantees a crashed holder
// eventually frees it.
func (l *RedisRunLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, runLockKeyPrefix+key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	return ok, nil
}

func (l *RedisRunLocker) Release(ctx context.Context, key string) error {
	return l.client.Del(ctx, runLockKeyPrefix+key).Err()
}

// InMemoryRunLocker serializes within one process. Used in tests and
// single-instance deployments without Redis.
type InMemoryRunLocker struct {
	mu   sync.Mutex
	held map[string]time.Time
}

func NewInMemoryRunLocker() *InMemoryRunLocker {
	return &InMemoryRunLocker{held: make(map[string]time.Time)}
}

func (l *InMemoryRunLocker) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if expiry, ok := l.held[key]; ok && time.Now().Before(expiry) {
		return false, nil
	}
	l.held[key] = time.Now().Add(ttl)
	return true, nil
}

func (l *InMemoryRunLocker) Release(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
	return nil
}

// NoopRunLocker always grants the lock. Only for wiring paths where
// concurrency control is handled elsewhere.
type NoopRunLocker struct{}

func (NoopRunLocker) Acquire(context.Context, string, time.Duration) (bool, error) { return true, nil }
func (NoopRunLocker) Release(context.Context, string) error                        { return nil }
