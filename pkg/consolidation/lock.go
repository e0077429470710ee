package consolidation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/orchestra/tiermem/pkg/memory"
)

// Locker guarantees a single consolidation runner. Locks expire on their own
// so a crashed runner cannot block later runs forever.
type Locker interface {
	// Acquire takes key for token. It reports false when someone else holds it.
	Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error)

	// Release frees key if token still holds it.
	Release(ctx context.Context, key, token string) error
}

// LocalLocker is an in-process Locker.
type LocalLocker struct {
	mu    sync.Mutex
	held  map[string]localLock
	clock memory.Clock
}

type localLock struct {
	token string
	until time.Time
}

// NewLocalLocker creates a LocalLocker reading time from clock.
func NewLocalLocker(clock memory.Clock) *LocalLocker {
	if clock == nil {
		clock = memory.SystemClock
	}
	return &LocalLocker{held: make(map[string]localLock), clock: clock}
}

func (l *LocalLocker) Acquire(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if cur, ok := l.held[key]; ok && now.Before(cur.until) {
		return false, nil
	}
	l.held[key] = localLock{token: token, until: now.Add(ttl)}
	return true, nil
}

func (l *LocalLocker) Release(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.held[key]; ok && cur.token == token {
		delete(l.held, key)
	}
	return nil
}

// releaseScript deletes the key only while it still holds the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker shares the lock between processes through SET NX PX.
type RedisLocker struct {
	client redis.Cmdable
}

// NewRedisLocker creates a RedisLocker.
func NewRedisLocker(client redis.Cmdable) *RedisLocker {
	return &RedisLocker{client: client}
}

func (l *RedisLocker) Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire consolidation lock: %w", err)
	}
	return ok, nil
}

func (l *RedisLocker) Release(ctx context.Context, key, token string) error {
	if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil {
		return fmt.Errorf("release consolidation lock: %w", err)
	}
	return nil
}

var (
	_ Locker = (*LocalLocker)(nil)
	_ Locker = (*RedisLocker)(nil)
)
