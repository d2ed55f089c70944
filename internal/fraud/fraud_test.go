package fraud

import (
	"context"
	"errors"
	"testing"
	"time"

	"payment-service/internal/apperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newClockedStore() (*MemoryCounterStore, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	s := NewMemoryCounterStore()
	s.now = clock.now
	return s, clock
}

func TestMemoryCounterStoreWindow(t *testing.T) {
	s, clock := newClockedStore()
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		n, err := s.Incr(ctx, "k", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}
	n, _ := s.Get(ctx, "k")
	assert.Equal(t, int64(3), n)

	clock.t = clock.t.Add(time.Minute)
	n, _ = s.Get(ctx, "k")
	assert.Zero(t, n)

	n, _ = s.Incr(ctx, "k", time.Minute)
	assert.Equal(t, int64(1), n)
}

func TestGuard(t *testing.T) {
	ctx := context.Background()

	t.Run("blocked ip", func(t *testing.T) {
		g := NewGuard(NewMemoryCounterStore(), GuardConfig{BlockedIPs: []string{" 10.0.0.9 "}}, zap.NewNop())
		assert.ErrorIs(t, g.Check(ctx, "10.0.0.9"), apperr.ErrFraudBlocked)
		assert.NoError(t, g.Check(ctx, "10.0.0.1"))
	})

	t.Run("velocity", func(t *testing.T) {
		store, clock := newClockedStore()
		g := NewGuard(store, GuardConfig{FailureThreshold: 3, FailureWindow: 10 * time.Minute}, zap.NewNop())

		for i := 0; i < 2; i++ {
			g.RegisterFailure(ctx, "1.2.3.4")
		}
		assert.NoError(t, g.Check(ctx, "1.2.3.4"))

		g.RegisterFailure(ctx, "1.2.3.4")
		err := g.Check(ctx, "1.2.3.4")
		assert.True(t, apperr.IsCode(err, apperr.ErrFraudVelocity.Code))
		assert.NoError(t, g.Check(ctx, "5.6.7.8"))

		clock.t = clock.t.Add(10 * time.Minute)
		assert.NoError(t, g.Check(ctx, "1.2.3.4"))
	})

	t.Run("counter failure allows", func(t *testing.T) {
		g := NewGuard(failingStore{}, GuardConfig{}, zap.NewNop())
		assert.NoError(t, g.Check(ctx, "1.2.3.4"))
		g.RegisterFailure(ctx, "1.2.3.4")
	})
}

type failingStore struct{}

func (failingStore) Incr(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("redis down")
}

func (failingStore) Get(context.Context, string) (int64, error) {
	return 0, errors.New("redis down")
}

func TestRateLimiter(t *testing.T) {
	ctx := context.Background()
	store, clock := newClockedStore()
	l := NewRateLimiter(store, 2, time.Minute, zap.NewNop())

	d := l.Allow(ctx, "1.1.1.1", "/orders")
	assert.Equal(t, Decision{Allowed: true, Limit: 2, Remaining: 1}, d)
	d = l.Allow(ctx, "1.1.1.1", "/orders")
	assert.True(t, d.Allowed)
	assert.Zero(t, d.Remaining)

	d = l.Allow(ctx, "1.1.1.1", "/orders")
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Minute, d.RetryAfter)

	// routes and clients are limited separately
	assert.True(t, l.Allow(ctx, "1.1.1.1", "/pay").Allowed)
	assert.True(t, l.Allow(ctx, "2.2.2.2", "/orders").Allowed)

	clock.t = clock.t.Add(time.Minute)
	assert.True(t, l.Allow(ctx, "1.1.1.1", "/orders").Allowed)

	open := NewRateLimiter(failingStore{}, 1, time.Minute, zap.NewNop())
	assert.True(t, open.Allow(ctx, "1.1.1.1", "/orders").Allowed)
}
