package cache

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	store := NewRedisStore(client)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestRedisStoreGetSetDel(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	t.Run("get on absent key is a miss", func(t *testing.T) {
		_, err := store.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrCacheMiss)
	})

	t.Run("set then get round-trips", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "k", "v", time.Minute))
		val, err := store.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "v", val)
	})

	t.Run("ttl expiry turns into a miss", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "short", "v", 10*time.Second))
		mr.FastForward(11 * time.Second)
		_, err := store.Get(ctx, "short")
		assert.ErrorIs(t, err, ErrCacheMiss)
	})

	t.Run("del removes the key", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "gone", "v", time.Minute))
		require.NoError(t, store.Del(ctx, "gone"))
		_, err := store.Get(ctx, "gone")
		assert.ErrorIs(t, err, ErrCacheMiss)
	})

	t.Run("del on absent key is not an error", func(t *testing.T) {
		assert.NoError(t, store.Del(ctx, "never-existed"))
	})
}

func TestSlidingWindowCount(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	base := time.Now()

	t.Run("count includes the current request", func(t *testing.T) {
		n, err := store.SlidingWindowCount(ctx, "win:a", base, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		n, err = store.SlidingWindowCount(ctx, "win:a", base.Add(time.Second), time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
	})

	t.Run("entries outside the window are trimmed", func(t *testing.T) {
		n, err := store.SlidingWindowCount(ctx, "win:b", base, time.Minute)
		require.NoError(t, err)
		require.Equal(t, int64(1), n)

		n, err = store.SlidingWindowCount(ctx, "win:b", base.Add(30*time.Second), time.Minute)
		require.NoError(t, err)
		require.Equal(t, int64(2), n)

		// 61s later the first entry has left the window; the 30s one remains.
		n, err = store.SlidingWindowCount(ctx, "win:b", base.Add(61*time.Second), time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
	})

	t.Run("same-millisecond requests count separately", func(t *testing.T) {
		for i := 1; i <= 3; i++ {
			n, err := store.SlidingWindowCount(ctx, "win:c", base, time.Minute)
			require.NoError(t, err)
			assert.Equal(t, int64(i), n)
		}
	})

	t.Run("windows on distinct keys are independent", func(t *testing.T) {
		n, err := store.SlidingWindowCount(ctx, "win:d1", base, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		n, err = store.SlidingWindowCount(ctx, "win:d2", base, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})
}

func TestStoreErrorsWhenRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: 1})
	store := NewRedisStore(client)
	t.Cleanup(func() { _ = store.Close() })
	mr.Close()

	ctx := context.Background()

	_, err := store.Get(ctx, "k")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCacheMiss)
	assert.True(t, IsUnavailable(err))

	_, err = store.SlidingWindowCount(ctx, "win", time.Now(), time.Minute)
	require.Error(t, err)
	assert.True(t, IsUnavailable(err))
}

func TestIsUnavailable(t *testing.T) {
	assert.False(t, IsUnavailable(nil))
	assert.False(t, IsUnavailable(ErrCacheMiss))
	assert.False(t, IsUnavailable(context.Canceled))
	assert.True(t, IsUnavailable(context.DeadlineExceeded))
	assert.True(t, IsUnavailable(&net.OpError{Op: "dial", Err: errors.New("connection refused")}))
	assert.True(t, IsUnavailable(fmt.Errorf("cache get: %w", errors.New("i/o timeout"))))
}
