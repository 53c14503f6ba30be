// Package locks provides short-TTL distributed mutual exclusion on top of
// the key-value store's atomic create-if-absent primitive.
package locks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// TTLs are release valves against crashed workers, not correctness
// mechanisms; the dedup guards stay idempotent under duplicate fires.
const (
	NotificationLockTTL = 60 * time.Second
	CreateLockTTL       = 30 * time.Second
)

// Locker is an atomic create-if-absent lock with expiry. Acquire returns
// true when the caller owns the key until TTL or explicit Release.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// NotificationKey builds the dispatch lock key for a phone+cart pair.
func NotificationKey(phoneNumber, cartUUID string) string {
	return fmt.Sprintf("lock:abandoned_cart:%s:%s", phoneNumber, cartUUID)
}

// CreateKey builds the cart-creation lock key guarding duplicate
// concurrent webhook deliveries for the same session.
func CreateKey(projectUUID, orderFormID, phoneNumber string) string {
	return fmt.Sprintf("lock:cart_create:%s:%s:%s", projectUUID, orderFormID, phoneNumber)
}

// RedisLocker implements Locker with SET NX EX.
type RedisLocker struct {
	client *redis.Client
}

// NewRedisLocker connects to redis and verifies the connection.
func NewRedisLocker(addr, password string, db int) (*RedisLocker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisLocker{client: client}, nil
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return l.client.SetNX(ctx, key, "1", ttl).Result()
}

func (l *RedisLocker) Release(ctx context.Context, key string) error {
	return l.client.Del(ctx, key).Err()
}

func (l *RedisLocker) Close() error {
	return l.client.Close()
}

// MemoryLocker is the in-process Locker used for tests and single-node
// runs. Expired entries are reclaimed lazily on the next Acquire.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]time.Time
	clock func() time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		held:  make(map[string]time.Time),
		clock: time.Now,
	}
}

// NewMemoryLockerWithClock injects a clock so TTL expiry is deterministic
// in tests.
func NewMemoryLockerWithClock(clock func() time.Time) *MemoryLocker {
	return &MemoryLocker{
		held:  make(map[string]time.Time),
		clock: clock,
	}
}

func (l *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if expiry, exists := l.held[key]; exists && now.Before(expiry) {
		return false, nil
	}

	l.held[key] = now.Add(ttl)
	return true, nil
}

func (l *MemoryLocker) Release(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.held, key)
	return nil
}
