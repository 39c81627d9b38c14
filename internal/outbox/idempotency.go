package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
)

const DefaultIdempotencyTTL = 10 * time.Minute

// Idempotency guards against processing the same id twice at once. A consumer
// checks InProgress, adds the id before working and removes it when done.
// Marks expire after a TTL so a crashed consumer cannot block an id forever.
type Idempotency interface {
	InProgress(ctx context.Context, id string) (bool, error)
	// AddMessage marks id; it reports false when id was already marked.
	AddMessage(ctx context.Context, id string) (bool, error)
	RemoveMessage(ctx context.Context, id string) error
}

type MemoryIdempotency struct {
	mu     sync.Mutex
	marks  map[string]time.Time
	ttl    time.Duration
	clock  clock.Clock
	lastGC time.Time
}

func NewMemoryIdempotency(ttl time.Duration, clk clock.Clock) *MemoryIdempotency {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryIdempotency{marks: make(map[string]time.Time), ttl: ttl, clock: clk}
}

func (m *MemoryIdempotency) InProgress(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	exp, ok := m.marks[id]
	return ok && now.Before(exp), nil
}

func (m *MemoryIdempotency) AddMessage(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	m.gcLocked(now)
	if exp, ok := m.marks[id]; ok && now.Before(exp) {
		return false, nil
	}
	m.marks[id] = now.Add(m.ttl)
	return true, nil
}

func (m *MemoryIdempotency) RemoveMessage(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.marks, id)
	return nil
}

// gcLocked sweeps expired marks at most once per TTL.
func (m *MemoryIdempotency) gcLocked(now time.Time) {
	if now.Sub(m.lastGC) < m.ttl {
		return
	}
	m.lastGC = now
	for id, exp := range m.marks {
		if !now.Before(exp) {
			delete(m.marks, id)
		}
	}
}

// RedisIdempotency shares marks between gateway instances with SET NX PX.
type RedisIdempotency struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisIdempotency(client *redis.Client, prefix string, ttl time.Duration) *RedisIdempotency {
	if prefix == "" {
		prefix = "gateway:inflight:"
	}
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &RedisIdempotency{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisIdempotency) InProgress(ctx context.Context, id string) (bool, error) {
	n, err := r.client.Exists(ctx, r.prefix+id).Result()
	return n > 0, err
}

func (r *RedisIdempotency) AddMessage(ctx context.Context, id string) (bool, error) {
	return r.client.SetNX(ctx, r.prefix+id, 1, r.ttl).Result()
}

func (r *RedisIdempotency) RemoveMessage(ctx context.Context, id string) error {
	return r.client.Del(ctx, r.prefix+id).Err()
}
