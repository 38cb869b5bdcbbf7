package ratelimit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/s4kit/gateway/internal/cache"
	"github.com/s4kit/gateway/internal/config"
	"github.com/s4kit/gateway/internal/observability"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMetrics() *observability.Metrics {
	return observability.NewMetrics(prometheus.NewRegistry())
}

func newTestLimiter(t *testing.T, policy config.FailurePolicy) *Limiter {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	store := cache.NewRedisStore(client)
	t.Cleanup(func() { _ = store.Close() })

	l, err := NewLimiter(config.RateLimitConfig{FailurePolicy: policy}, store, testLogger(), testMetrics())
	require.NoError(t, err)
	t.Cleanup(l.Close)
	return l
}

func TestLimiterAllow(t *testing.T) {
	ctx := context.Background()

	t.Run("admits up to the minute limit then rejects", func(t *testing.T) {
		l := newTestLimiter(t, config.FailurePolicyFailOpen)
		base := time.Now()
		l.now = func() time.Time { return base }

		limits := Limits{PerMinute: 5}
		for i := 1; i <= 5; i++ {
			res := l.Allow(ctx, "key-1", limits)
			require.True(t, res.Allowed, "request %d should be admitted", i)
			assert.Equal(t, int64(i), res.MinuteCount)
		}

		res := l.Allow(ctx, "key-1", limits)
		assert.False(t, res.Allowed)
		assert.Equal(t, int64(6), res.MinuteCount)
		assert.Equal(t, WindowMinute, res.RetryAfter)
		assert.False(t, res.Degraded)
	})

	t.Run("window slides open again after a minute", func(t *testing.T) {
		l := newTestLimiter(t, config.FailurePolicyFailOpen)
		base := time.Now()
		l.now = func() time.Time { return base }

		limits := Limits{PerMinute: 2}
		require.True(t, l.Allow(ctx, "key-1", limits).Allowed)
		require.True(t, l.Allow(ctx, "key-1", limits).Allowed)
		require.False(t, l.Allow(ctx, "key-1", limits).Allowed)

		l.now = func() time.Time { return base.Add(61 * time.Second) }
		res := l.Allow(ctx, "key-1", limits)
		assert.True(t, res.Allowed)
	})

	t.Run("day window rejects independently of the minute window", func(t *testing.T) {
		l := newTestLimiter(t, config.FailurePolicyFailOpen)
		base := time.Now()
		n := 0
		// Space requests past the minute window so only the day counter
		// accumulates.
		l.now = func() time.Time { n++; return base.Add(time.Duration(n) * 2 * time.Minute) }

		limits := Limits{PerMinute: 10, PerDay: 3}
		for i := 1; i <= 3; i++ {
			require.True(t, l.Allow(ctx, "key-1", limits).Allowed)
		}
		res := l.Allow(ctx, "key-1", limits)
		assert.False(t, res.Allowed)
		assert.Equal(t, int64(4), res.DayCount)
		assert.Equal(t, WindowDay, res.RetryAfter)
	})

	t.Run("zero limit disables a window", func(t *testing.T) {
		l := newTestLimiter(t, config.FailurePolicyFailOpen)

		for i := 0; i < 20; i++ {
			assert.True(t, l.Allow(ctx, "key-1", Limits{}).Allowed)
		}
	})

	t.Run("keys are limited independently", func(t *testing.T) {
		l := newTestLimiter(t, config.FailurePolicyFailOpen)
		limits := Limits{PerMinute: 1}

		require.True(t, l.Allow(ctx, "key-1", limits).Allowed)
		require.False(t, l.Allow(ctx, "key-1", limits).Allowed)
		assert.True(t, l.Allow(ctx, "key-2", limits).Allowed)
	})
}

// failingStore simulates an unreachable cache backend.
type failingStore struct{}

var errStoreDown = errors.New("connection refused")

func (failingStore) Get(context.Context, string) (string, error) { return "", errStoreDown }
func (failingStore) Set(context.Context, string, string, time.Duration) error {
	return errStoreDown
}
func (failingStore) Del(context.Context, string) error { return errStoreDown }
func (failingStore) Ping(context.Context) error        { return errStoreDown }
func (failingStore) Close() error                      { return nil }

func (failingStore) SlidingWindowCount(context.Context, string, time.Time, time.Duration) (int64, error) {
	return 0, errStoreDown
}

func newFailingLimiter(t *testing.T, policy config.FailurePolicy) *Limiter {
	t.Helper()
	l, err := NewLimiter(config.RateLimitConfig{FailurePolicy: policy}, failingStore{}, testLogger(), testMetrics())
	require.NoError(t, err)
	t.Cleanup(l.Close)
	return l
}

func TestLimiterFailurePolicies(t *testing.T) {
	ctx := context.Background()
	limits := Limits{PerMinute: 2}

	t.Run("failopen admits when the store is down", func(t *testing.T) {
		l := newFailingLimiter(t, config.FailurePolicyFailOpen)

		res := l.Allow(ctx, "key-1", limits)
		assert.True(t, res.Allowed)
		assert.True(t, res.Degraded)
		assert.False(t, res.Unavailable)
	})

	t.Run("failclosed rejects when the store is down", func(t *testing.T) {
		l := newFailingLimiter(t, config.FailurePolicyFailClosed)

		res := l.Allow(ctx, "key-1", limits)
		assert.False(t, res.Allowed)
		assert.True(t, res.Degraded)
		assert.True(t, res.Unavailable)
		assert.Equal(t, WindowMinute, res.RetryAfter)
	})

	t.Run("inmemory enforces the minute limit locally", func(t *testing.T) {
		l := newFailingLimiter(t, config.FailurePolicyInMemory)

		first := l.Allow(ctx, "key-1", limits)
		require.True(t, first.Allowed)
		assert.True(t, first.Degraded)
		require.True(t, l.Allow(ctx, "key-1", limits).Allowed)

		res := l.Allow(ctx, "key-1", limits)
		assert.False(t, res.Allowed)
		assert.False(t, res.Unavailable)
		assert.Equal(t, WindowMinute, res.RetryAfter)
	})
}

func TestMemoryLimiter(t *testing.T) {
	fb, err := newMemoryLimiter()
	require.NoError(t, err)
	defer fb.Close()

	base := time.Now()
	limits := Limits{PerMinute: 2}

	assert.True(t, fb.allow("k", limits, base))
	assert.True(t, fb.allow("k", limits, base.Add(time.Second)))
	assert.False(t, fb.allow("k", limits, base.Add(2*time.Second)))

	t.Run("expired stamps fall out of the window", func(t *testing.T) {
		assert.True(t, fb.allow("k", limits, base.Add(2*time.Minute)))
	})

	t.Run("day limit is not tracked in memory", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			assert.True(t, fb.allow("day", Limits{PerDay: 1}, base.Add(time.Duration(i)*time.Second)))
		}
	})
}
