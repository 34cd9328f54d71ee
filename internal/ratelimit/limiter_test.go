package ratelimit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func newBoltCounter(t *testing.T) *BoltCounter {
	t.Helper()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "rl.db"), 0600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	c, err := NewBoltCounter(db)
	require.NoError(t, err)
	return c
}

func newRedisCounter(t *testing.T) (*RedisCounter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisCounter(client), mr
}

func TestHourKey(t *testing.T) {
	at := time.Date(2024, 3, 5, 7, 59, 0, 0, time.UTC)
	assert.Equal(t, "rate_limit:user-1:2024-03-05-07", HourKey("user-1", at))

	local := time.Date(2024, 3, 5, 9, 0, 0, 0, time.FixedZone("X", 2*3600))
	assert.Equal(t, "rate_limit:u:2024-03-05-07", HourKey("u", local), "key uses UTC")
}

func TestCounters(t *testing.T) {
	rc, _ := newRedisCounter(t)
	counters := map[string]Counter{
		"redis": rc,
		"bolt":  newBoltCounter(t),
	}

	for name, c := range counters {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := int64(1); i <= 3; i++ {
				n, err := c.Incr(ctx, "k", time.Hour)
				require.NoError(t, err)
				assert.Equal(t, i, n)
			}

			n, err := c.Incr(ctx, "other", time.Hour)
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)
		})
	}
}

func TestRedisCounterExpires(t *testing.T) {
	c, mr := newRedisCounter(t)
	ctx := context.Background()

	c.Incr(ctx, "k", time.Minute)
	assert.Equal(t, time.Minute, mr.TTL("k"))

	c.Incr(ctx, "k", time.Minute)
	mr.FastForward(30 * time.Second)
	assert.Equal(t, 30*time.Second, mr.TTL("k"), "later increments must not extend the window")

	mr.FastForward(time.Minute)
	n, err := c.Incr(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestBoltCounterExpiresAndCleanup(t *testing.T) {
	c := newBoltCounter(t)
	ctx := context.Background()

	c.Incr(ctx, "short", time.Millisecond)
	c.Incr(ctx, "long", time.Hour)
	time.Sleep(5 * time.Millisecond)

	n, err := c.Incr(ctx, "short", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "expired counter restarts")

	c.Incr(ctx, "gone", time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	deleted, err := c.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
}

func TestLimiterAllowHourly(t *testing.T) {
	c, _ := newRedisCounter(t)
	l := NewLimiter(c)
	l.now = func() time.Time { return time.Date(2024, 1, 1, 10, 45, 0, 0, time.UTC) }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := l.AllowHourly(ctx, "u1", 2)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}

	res, err := l.AllowHourly(ctx, "u1", 2)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 3, res.Count)
	assert.Equal(t, 15*time.Minute, res.RetryAfter)

	res, _ = l.AllowHourly(ctx, "u2", 2)
	assert.True(t, res.Allowed, "owners are counted separately")

	res, _ = l.AllowHourly(ctx, "u1", 0)
	assert.True(t, res.Allowed, "zero limit disables the check")
}
