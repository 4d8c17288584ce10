package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMiniRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	r, err := NewRedis(context.Background(), RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r, mr
}

func TestRedisIncrRefreshesTTL(t *testing.T) {
	ctx := context.Background()
	r, mr := newMiniRedis(t)

	n, err := r.Incr(ctx, "router_fail_count_1", 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	mr.FastForward(23 * time.Hour)
	n, err = r.Incr(ctx, "router_fail_count_1", 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, 24*time.Hour, mr.TTL("router_fail_count_1"))

	mr.FastForward(24 * time.Hour)
	_, err = r.Get(ctx, "router_fail_count_1")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestRedisSetNX(t *testing.T) {
	ctx := context.Background()
	r, mr := newMiniRedis(t)

	ok, err := r.SetNX(ctx, "bruteforce_block_1_10.0.0.9", []byte("1"), time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.SetNX(ctx, "bruteforce_block_1_10.0.0.9", []byte("1"), time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(time.Hour + time.Second)
	ok, err = r.SetNX(ctx, "bruteforce_block_1_10.0.0.9", []byte("1"), time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisPingFailure(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	_, err = NewRedis(context.Background(), RedisConfig{Addr: addr})
	assert.Error(t, err)
}

func TestRedisFromClient(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	r := NewRedisFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	require.NoError(t, SetJSON(ctx, r, "node_health_3", map[string]int{"up": 4}, 5*time.Minute))

	var got map[string]int
	require.NoError(t, GetJSON(ctx, r, "node_health_3", &got))
	assert.Equal(t, 4, got["up"])

	require.NoError(t, r.Del(ctx, "node_health_3"))
	assert.ErrorIs(t, GetJSON(ctx, r, "node_health_3", &got), ErrMiss)
}

func TestMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	m := NewMemory()
	m.SetClock(func() time.Time { return now })

	require.NoError(t, m.Set(ctx, "signal_critical_9", []byte("1"), time.Hour))
	_, err := m.Get(ctx, "signal_critical_9")
	require.NoError(t, err)

	now = now.Add(time.Hour)
	_, err = m.Get(ctx, "signal_critical_9")
	assert.ErrorIs(t, err, ErrMiss)
	assert.Empty(t, m.Keys())
}

func TestMemoryIncrRestartsAfterExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	m := NewMemory()
	m.SetClock(func() time.Time { return now })

	for i := 1; i <= 3; i++ {
		n, err := m.Incr(ctx, "k", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(i), n)
	}
	now = now.Add(2 * time.Minute)
	n, err := m.Incr(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestCounter(t *testing.T) {
	ctx := context.Background()
	for name, c := range map[string]Cache{
		"memory": NewMemory(),
		"redis":  func() Cache { r, _ := newMiniRedis(t); return r }(),
	} {
		t.Run(name, func(t *testing.T) {
			counter := NewCounter(c, "router_fail_count_", 24*time.Hour)
			assert.Equal(t, "router_fail_count_12", counter.Key(12))

			v, err := counter.Value(ctx, 12)
			require.NoError(t, err)
			assert.Zero(t, v)

			for i := 0; i < 3; i++ {
				_, err := counter.Incr(ctx, 12)
				require.NoError(t, err)
			}
			v, err = counter.Value(ctx, 12)
			require.NoError(t, err)
			assert.Equal(t, int64(3), v)

			require.NoError(t, counter.Set(ctx, 12, 2))
			v, err = counter.Incr(ctx, 12)
			require.NoError(t, err)
			assert.Equal(t, int64(3), v, "increment continues from a rolled back value")

			require.NoError(t, counter.Set(ctx, 12, 0))
			v, err = counter.Value(ctx, 12)
			require.NoError(t, err)
			assert.Zero(t, v)

			require.NoError(t, counter.Reset(ctx, 12))
			v, err = counter.Value(ctx, 12)
			require.NoError(t, err)
			assert.Zero(t, v)
		})
	}
}
