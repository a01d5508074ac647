// Package lock provides short leases that keep two reconciler passes from
// working on the same job at the same time.
package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lease is a held lock. Release is safe to call more than once.
type Lease interface {
	Release(ctx context.Context) error
}

// Locker hands out leases keyed by name. TryAcquire returns ok=false when
// somebody else holds the key.
type Locker interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (lease Lease, ok bool, err error)
}

// releaseScript deletes the key only if it still carries our token, so an
// expired lease never removes a successor's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker with SET NX PX.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisLocker namespaces keys under prefix.
func NewRedisLocker(client redis.UniversalClient, prefix string) *RedisLocker {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "shopimage:lease"
	}
	return &RedisLocker{client: client, prefix: prefix}
}

func (l *RedisLocker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lease, bool, error) {
	if ttl <= 0 {
		return nil, false, errors.New("lock: ttl must be positive")
	}
	fullKey := l.prefix + ":" + key
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("lock: acquire %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &redisLease{client: l.client, key: fullKey, token: token}, true, nil
}

type redisLease struct {
	client redis.UniversalClient
	key    string
	token  string
	once   sync.Once
	err    error
}

func (r *redisLease) Release(ctx context.Context) error {
	r.once.Do(func() {
		if err := releaseScript.Run(ctx, r.client, []string{r.key}, r.token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			r.err = fmt.Errorf("lock: release: %w", err)
		}
	})
	return r.err
}

// MemoryLocker implements Locker inside one process.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]memoryEntry
	now   func() time.Time
	clock uint64
}

type memoryEntry struct {
	token   uint64
	expires time.Time
}

// NewMemoryLocker returns an empty in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: map[string]memoryEntry{}, now: time.Now}
}

func (m *MemoryLocker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lease, bool, error) {
	if ttl <= 0 {
		return nil, false, errors.New("lock: ttl must be positive")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if entry, ok := m.held[key]; ok && now.Before(entry.expires) {
		return nil, false, nil
	}
	m.clock++
	m.held[key] = memoryEntry{token: m.clock, expires: now.Add(ttl)}
	return &memoryLease{locker: m, key: key, token: m.clock}, true, nil
}

type memoryLease struct {
	locker *MemoryLocker
	key    string
	token  uint64
}

func (l *memoryLease) Release(ctx context.Context) error {
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()
	if entry, ok := l.locker.held[l.key]; ok && entry.token == l.token {
		delete(l.locker.held, l.key)
	}
	return nil
}

var (
	_ Locker = (*RedisLocker)(nil)
	_ Locker = (*MemoryLocker)(nil)
)
