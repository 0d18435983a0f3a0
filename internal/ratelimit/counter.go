package ratelimit

import (
	"context"
	"sync"
	"time"

	r "github.com/redis/go-redis/v9"
)

// CounterStore is the shared counter backing the limiter. Incr must be a
// single atomic increment-and-read; check-then-increment would leave a race
// window between concurrent request handlers.
type CounterStore interface {
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// RedisCounter counts in Redis so multiple replicas share one window.
type RedisCounter struct {
	rdb *r.Client
}

func NewRedisCounter(rdb *r.Client) *RedisCounter { return &RedisCounter{rdb: rdb} }

func (c *RedisCounter) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := c.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// MemoryCounter is the single-replica fallback. Windows are short-lived and
// loss-tolerant, so losing them on restart is acceptable.
type MemoryCounter struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	now     func() time.Time
}

type memEntry struct {
	count     int64
	expiresAt time.Time
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{entries: make(map[string]*memEntry), now: time.Now}
}

func (c *MemoryCounter) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	e, ok := c.entries[key]
	if !ok || now.After(e.expiresAt) {
		e = &memEntry{expiresAt: now.Add(ttl)}
		c.entries[key] = e
		c.sweepLocked(now)
	}
	e.count++
	return e.count, nil
}

// sweepLocked drops expired windows; called on new-window creation so the
// map stays bounded by the set of active keys.
func (c *MemoryCounter) sweepLocked(now time.Time) {
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
		}
	}
}
