package fraud

import (
	"context"
	"sync"
	"time"

	"payment-service/internal/redisclient"
)

// CounterStore keeps fixed-window counters. A counter starts its window on
// the first increment and disappears when the window ends.
type CounterStore interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
	Get(ctx context.Context, key string) (int64, error)
}

type memoryCounter struct {
	count     int64
	expiresAt time.Time
}

// MemoryCounterStore is a process-local CounterStore.
type MemoryCounterStore struct {
	mu       sync.Mutex
	counters map[string]*memoryCounter
	now      func() time.Time
}

func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{counters: make(map[string]*memoryCounter), now: time.Now}
}

func (s *MemoryCounterStore) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	c, ok := s.counters[key]
	if !ok || !now.Before(c.expiresAt) {
		c = &memoryCounter{expiresAt: now.Add(window)}
		s.counters[key] = c
		s.sweepLocked(now)
	}
	c.count++
	return c.count, nil
}

func (s *MemoryCounterStore) Get(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[key]
	if !ok || !s.now().Before(c.expiresAt) {
		return 0, nil
	}
	return c.count, nil
}

// sweepLocked drops expired counters so idle keys do not accumulate.
func (s *MemoryCounterStore) sweepLocked(now time.Time) {
	if len(s.counters) < 1024 {
		return
	}
	for k, c := range s.counters {
		if !now.Before(c.expiresAt) {
			delete(s.counters, k)
		}
	}
}

// RedisCounterStore shares counters between replicas.
type RedisCounterStore struct {
	client *redisclient.Client
	prefix string
}

func NewRedisCounterStore(client *redisclient.Client) *RedisCounterStore {
	return &RedisCounterStore{client: client, prefix: "fraud:"}
}

func (s *RedisCounterStore) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	return s.client.IncrWindow(ctx, s.prefix+key, window)
}

func (s *RedisCounterStore) Get(ctx context.Context, key string) (int64, error) {
	return s.client.GetCount(ctx, s.prefix+key)
}

var (
	_ CounterStore = (*MemoryCounterStore)(nil)
	_ CounterStore = (*RedisCounterStore)(nil)
)
