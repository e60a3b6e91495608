// Package ratelimit provides fixed-window counters keyed by caller-chosen
// strings. Both limiters satisfy auth.Throttle.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"stockroom.app/internal/auth"
)

var (
	_ auth.Throttle = (*RedisLimiter)(nil)
	_ auth.Throttle = (*MemoryLimiter)(nil)
)

// ErrCapacity is returned by MemoryLimiter when it tracks too many live keys.
var ErrCapacity = errors.New("rate limiter capacity exceeded")

// Decision describes one counted attempt.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

func decide(count int64, limit int, resetAt time.Time) Decision {
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: count <= int64(limit), Limit: limit, Remaining: remaining, ResetAt: resetAt}
}

var allowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

// RedisLimiter counts attempts in Redis so limits hold across replicas.
type RedisLimiter struct {
	rdb    redis.Scripter
	prefix string
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewRedisLimiter(rdb redis.Scripter, prefix string, limit int, window time.Duration) *RedisLimiter {
	if window <= 0 {
		window = time.Second
	}
	return &RedisLimiter{rdb: rdb, prefix: prefix, limit: limit, window: window, now: time.Now}
}

func (r *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	d, err := r.Take(ctx, key)
	return d.Allowed, err
}

// Take counts one attempt for key. A non-positive limit disables limiting.
func (r *RedisLimiter) Take(ctx context.Context, key string) (Decision, error) {
	if r.limit <= 0 {
		return Decision{Allowed: true, Limit: r.limit}, nil
	}
	res, err := allowScript.Run(ctx, r.rdb, []string{r.prefix + key}, r.window.Milliseconds()).Result()
	if err != nil {
		return Decision{}, err
	}
	values, ok := res.([]any)
	if !ok || len(values) < 2 {
		return Decision{}, errors.New("unexpected redis rate limit response")
	}
	current, ok := values[0].(int64)
	if !ok {
		return Decision{}, errors.New("invalid redis counter response")
	}
	resetAt := r.now()
	if ttl, _ := values[1].(int64); ttl > 0 {
		resetAt = resetAt.Add(time.Duration(ttl) * time.Millisecond)
	}
	return decide(current, r.limit, resetAt), nil
}

type bucket struct {
	count     int64
	windowEnd time.Time
}

// MemoryLimiter is the single-process fallback used when Redis is not configured.
type MemoryLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	maxKeys int
	now     func() time.Time
	data    map[string]*bucket
}

type MemoryOption func(*MemoryLimiter)

func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryLimiter) { m.now = now }
}

func WithMaxKeys(n int) MemoryOption {
	return func(m *MemoryLimiter) {
		if n > 0 {
			m.maxKeys = n
		}
	}
}

func NewMemoryLimiter(limit int, window time.Duration, opts ...MemoryOption) *MemoryLimiter {
	if window <= 0 {
		window = time.Second
	}
	m := &MemoryLimiter{
		limit:   limit,
		window:  window,
		maxKeys: 10000,
		now:     time.Now,
		data:    make(map[string]*bucket),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemoryLimiter) Allow(ctx context.Context, key string) (bool, error) {
	d, err := m.Take(ctx, key)
	return d.Allowed, err
}

func (m *MemoryLimiter) Take(_ context.Context, key string) (Decision, error) {
	if m.limit <= 0 {
		return Decision{Allowed: true, Limit: m.limit}, nil
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.data[key]
	if ok && !now.Before(b.windowEnd) {
		delete(m.data, key)
		ok = false
	}
	if !ok {
		if len(m.data) >= m.maxKeys {
			m.gc(now)
		}
		if len(m.data) >= m.maxKeys {
			return Decision{}, ErrCapacity
		}
		b = &bucket{windowEnd: now.Add(m.window)}
		m.data[key] = b
	}
	if b.count <= int64(m.limit) {
		b.count++
	}
	return decide(b.count, m.limit, b.windowEnd), nil
}

func (m *MemoryLimiter) gc(now time.Time) {
	for key, b := range m.data {
		if !now.Before(b.windowEnd) {
			delete(m.data, key)
		}
	}
}
