package redisclient

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestClient connects to TEST_REDIS_ADDR; these are integration tests.
func newTestClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("Integration test - requires redis (set TEST_REDIS_ADDR)")
	}
	c, err := NewClient(addr, os.Getenv("TEST_REDIS_PASSWORD"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func testKey(prefix string) string {
	return "test:" + prefix + ":" + uuid.NewString()
}

func TestIncrWindow(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	key := testKey("window")
	t.Cleanup(func() { c.rdb.Del(context.Background(), key) })

	n, err := c.GetCount(ctx, key)
	require.NoError(t, err)
	assert.Zero(t, n)

	for want := int64(1); want <= 3; want++ {
		n, err := c.IncrWindow(ctx, key, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
	n, err = c.GetCount(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	ttl, err := c.rdb.PTTL(ctx, key).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, time.Minute)
}

func TestIncrWindowExpires(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	key := testKey("window")

	_, err := c.IncrWindow(ctx, key, 50*time.Millisecond)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		n, err := c.GetCount(ctx, key)
		return err == nil && n == 0
	}, 2*time.Second, 20*time.Millisecond)

	n, err := c.IncrWindow(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	c.rdb.Del(ctx, key)
}

func TestLockOwnership(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	key := testKey("lock")
	t.Cleanup(func() { c.rdb.Del(context.Background(), "lock:"+key) })

	token, err := c.AcquireLock(ctx, key, time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	other, err := c.AcquireLock(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, other)

	// A stale holder must not release a lock it no longer owns.
	require.NoError(t, c.ReleaseLock(ctx, key, "not-the-owner"))
	other, err = c.AcquireLock(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, other)

	require.NoError(t, c.ReleaseLock(ctx, key, token))
	next, err := c.AcquireLock(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.NotEmpty(t, next)
	assert.NotEqual(t, token, next)
}
