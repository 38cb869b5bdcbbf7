// Package ratelimit enforces per-API-key sliding-window rate limits over
// two independent windows (per-minute and per-day), backed by the cache
// store. Window state lives entirely in the store, so horizontally scaled
// gateway instances share one counter per key with no extra coordination.
package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/s4kit/gateway/internal/cache"
	"github.com/s4kit/gateway/internal/config"
	"github.com/s4kit/gateway/internal/observability"
)

const (
	WindowMinute = time.Minute
	WindowDay    = 24 * time.Hour

	defaultKeyPrefix = "s4gateway:rate"
)

// Limits are the per-key request budgets. A zero or negative limit
// disables that window for the key.
type Limits struct {
	PerMinute int64
	PerDay    int64
}

// Result reports one admission decision with the counter values needed for
// X-RateLimit response headers. Unavailable marks a failclosed rejection
// caused by the store being down rather than by the caller's own traffic;
// the pipeline reports those as 503, not 429.
type Result struct {
	Allowed     bool
	MinuteCount int64
	DayCount    int64
	Limits      Limits
	RetryAfter  time.Duration
	Degraded    bool
	Unavailable bool
}

// Limiter admits or rejects requests against the per-key windows. Behavior
// when the cache store is down is governed by the configured failure
// policy: failopen admits, failclosed rejects, inmemory falls back to
// process-local approximate windows.
type Limiter struct {
	store    cache.Store
	fallback *memoryLimiter
	policy   config.FailurePolicy
	prefix   string
	log      *slog.Logger
	metrics  *observability.Metrics

	now func() time.Time
}

// NewLimiter builds a Limiter. The inmemory fallback is only allocated
// when the policy calls for it.
func NewLimiter(cfg config.RateLimitConfig, store cache.Store, log *slog.Logger, metrics *observability.Metrics) (*Limiter, error) {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}

	l := &Limiter{
		store:   store,
		policy:  cfg.FailurePolicy,
		prefix:  prefix,
		log:     log,
		metrics: metrics,
		now:     time.Now,
	}

	if cfg.FailurePolicy == config.FailurePolicyInMemory {
		fb, err := newMemoryLimiter()
		if err != nil {
			return nil, err
		}
		l.fallback = fb
	}
	return l, nil
}

// Allow records the request in both windows and admits it when neither
// count exceeds its limit. The count returned by the store includes the
// request being decided, so a limit of 5 admits exactly 5 requests per
// window. RetryAfter on rejection is the violated window's length.
func (l *Limiter) Allow(ctx context.Context, apiKeyID string, limits Limits) *Result {
	now := l.now()
	res := &Result{Allowed: true, Limits: limits}

	minuteCount, minuteErr := l.count(ctx, apiKeyID, "minute", now, WindowMinute)
	dayCount, dayErr := l.count(ctx, apiKeyID, "day", now, WindowDay)

	if minuteErr != nil || dayErr != nil {
		return l.degraded(apiKeyID, limits, now, minuteErr, dayErr)
	}

	res.MinuteCount = minuteCount
	res.DayCount = dayCount

	if limits.PerMinute > 0 && minuteCount > limits.PerMinute {
		res.Allowed = false
		res.RetryAfter = WindowMinute
		return res
	}
	if limits.PerDay > 0 && dayCount > limits.PerDay {
		res.Allowed = false
		res.RetryAfter = WindowDay
		return res
	}
	return res
}

func (l *Limiter) count(ctx context.Context, apiKeyID, window string, now time.Time, length time.Duration) (int64, error) {
	return l.store.SlidingWindowCount(ctx, l.prefix+":"+apiKeyID+":"+window, now, length)
}

// Close releases the fallback limiter when one was allocated.
func (l *Limiter) Close() {
	if l.fallback != nil {
		l.fallback.Close()
	}
}

// degraded applies the failure policy after a cache store error.
func (l *Limiter) degraded(apiKeyID string, limits Limits, now time.Time, errs ...error) *Result {
	l.metrics.IncCacheErrors()
	for _, err := range errs {
		if err != nil {
			l.log.Warn("rate limit window unavailable",
				"api_key_id", apiKeyID,
				"policy", string(l.policy),
				"error", err)
			break
		}
	}

	res := &Result{Limits: limits, Degraded: true}
	switch l.policy {
	case config.FailurePolicyFailClosed:
		res.Allowed = false
		res.Unavailable = true
		res.RetryAfter = WindowMinute
	case config.FailurePolicyInMemory:
		res.Allowed = l.fallback.allow(apiKeyID, limits, now)
		if !res.Allowed {
			res.RetryAfter = WindowMinute
		}
	default:
		res.Allowed = true
	}
	return res
}
