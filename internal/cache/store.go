// Package cache defines the cache store capability used for upstream token
// caches and rate counters, backed by Redis. The store is an injected
// dependency with explicit construction and shutdown (there is no package
// global) so tests can run against miniredis without a real server.
package cache

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/s4kit/gateway/internal/redis"
	goredis "github.com/redis/go-redis/v9"
)

// ErrCacheMiss is returned by Get when the key is absent or expired.
var ErrCacheMiss = errors.New("cache: key not found")

// Store is the key/value + sliding-window capability the gateway needs from
// its cache backend.
type Store interface {
	// Get returns the value stored under key, or ErrCacheMiss.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value under key with the given TTL.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Del removes key. Deleting an absent key is not an error.
	Del(ctx context.Context, key string) error

	// SlidingWindowCount atomically trims entries older than now-window,
	// records an entry for now, refreshes the key TTL to the window length,
	// and returns the live entry count (including the new entry).
	SlidingWindowCount(ctx context.Context, key string, now time.Time, window time.Duration) (int64, error)

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	Close() error
}

// redisStore implements Store on top of a redis.Client.
type redisStore struct {
	client redis.Client
}

// NewRedisStore wraps a Redis client in a Store.
func NewRedisStore(client redis.Client) Store {
	return &redisStore{client: client}
}

func (s *redisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", ErrCacheMiss
	}
	if err != nil {
		return "", fmt.Errorf("cache get %q: %w", key, err)
	}
	return val, nil
}

func (s *redisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache set %q: %w", key, err)
	}
	return nil
}

func (s *redisStore) Del(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("cache del %q: %w", key, err)
	}
	return nil
}

// SlidingWindowCount runs the four window commands in one MULTI/EXEC
// pipeline so concurrent gateway instances never observe a partially
// updated window. The member carries an 8-hex random suffix: two requests
// landing in the same millisecond must not collapse into one sorted-set
// entry.
func (s *redisStore) SlidingWindowCount(ctx context.Context, key string, now time.Time, window time.Duration) (int64, error) {
	nowMs := now.UnixMilli()
	minScore := strconv.FormatInt(nowMs-window.Milliseconds(), 10)
	member := strconv.FormatInt(nowMs, 10) + "-" + randomSuffix()

	pipe := s.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", minScore)
	pipe.ZAdd(ctx, key, goredis.Z{Score: float64(nowMs), Member: member})
	card := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, window)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("cache sliding window %q: %w", key, err)
	}

	return card.Val(), nil
}

func (s *redisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *redisStore) Close() error {
	return s.client.Close()
}

// randomSuffix returns 8 hex characters from math/rand/v2 (goroutine-safe).
// Uniqueness only needs to hold within a single millisecond per key, so a
// 32-bit value is plenty.
func randomSuffix() string {
	return strconv.FormatUint(uint64(rand.Uint32()), 16)
}

// IsUnavailable reports whether the error is a connectivity-class failure of
// the cache backend (as opposed to a usage error). Callers use it to pick a
// degraded path: the rate limiter applies its failure policy, the token
// caches fall back to always-fetch-fresh.
func IsUnavailable(err error) bool {
	return redis.IsConnectivityErr(err)
}
