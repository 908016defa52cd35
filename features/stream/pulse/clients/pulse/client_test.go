package pulse

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{})
	require.EqualError(t, err, "redis client is required")
	_, rdb := newTestRedis(t)
	_, err = New(Options{Redis: rdb, Retention: -time.Second})
	require.Error(t, err)
}

func TestStreamValidation(t *testing.T) {
	_, rdb := newTestRedis(t)
	c, err := New(Options{Redis: rdb, StreamMaxLen: 100, OperationTimeout: time.Second})
	require.NoError(t, err)
	_, err = c.Stream("")
	require.EqualError(t, err, "stream name is required")

	str, err := c.Stream("session/s1")
	require.NoError(t, err)
	_, err = str.Add(context.Background(), "", nil)
	require.EqualError(t, err, "event name is required")
	require.NoError(t, c.Close(context.Background()))
}

func TestStreamHandlesAreShared(t *testing.T) {
	_, rdb := newTestRedis(t)
	c, err := New(Options{Redis: rdb})
	require.NoError(t, err)

	a, err := c.Stream("session/s1")
	require.NoError(t, err)
	b, err := c.Stream("session/s1")
	require.NoError(t, err)
	require.Same(t, a, b)

	other, err := c.Stream("session/s2")
	require.NoError(t, err)
	require.NotSame(t, a, other)

	require.NoError(t, a.Retire(context.Background()))
	again, err := c.Stream("session/s1")
	require.NoError(t, err)
	require.NotSame(t, a, again, "retired streams leave the cache")
}

func TestRetireAppliesRetention(t *testing.T) {
	mr, rdb := newTestRedis(t)
	ctx := context.Background()
	c, err := New(Options{Redis: rdb, Retention: 10 * time.Minute})
	require.NoError(t, err)

	str, err := c.Stream("session/s1")
	require.NoError(t, err)
	require.NoError(t, rdb.XAdd(ctx, &redis.XAddArgs{Stream: RedisKey("session/s1"), Values: map[string]any{"k": "v"}}).Err())

	require.Zero(t, mr.TTL(RedisKey("session/s1")))
	require.NoError(t, str.Retire(ctx))
	require.Equal(t, 10*time.Minute, mr.TTL(RedisKey("session/s1")))
}

func TestRetireWithoutRetentionKeepsStream(t *testing.T) {
	mr, rdb := newTestRedis(t)
	ctx := context.Background()
	c, err := New(Options{Redis: rdb})
	require.NoError(t, err)

	str, err := c.Stream("session/s1")
	require.NoError(t, err)
	require.NoError(t, rdb.XAdd(ctx, &redis.XAddArgs{Stream: RedisKey("session/s1"), Values: map[string]any{"k": "v"}}).Err())
	require.NoError(t, str.Retire(ctx))
	require.Zero(t, mr.TTL(RedisKey("session/s1")))
	require.True(t, mr.Exists(RedisKey("session/s1")))
}
