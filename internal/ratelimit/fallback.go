package ratelimit

import (
	"sync"
	"time"
	"unsafe"

	"github.com/dgraph-io/ristretto/v2"
)

// fallbackMaxCost is the memory budget for the fallback cache (16 MiB).
const fallbackMaxCost = 16 << 20

// windowCost is the approximate base footprint of a window entry, used as
// the ristretto cost so eviction tracks real memory rather than key count.
var windowCost = int64(unsafe.Sizeof(window{})) + 64*8

// memoryLimiter approximates the sliding windows in process-local memory.
// It backs the "inmemory" failure policy while the cache store is down.
//
// IMPORTANT: this limiter is NOT globally consistent. Each gateway instance
// keeps its own counters, so under failover the effective limit is
// per-instance, not per-cluster.
//
// Ristretto handles concurrency, TTL expiry, and admission/eviction
// (TinyLFU) within the memory budget. Window state carries a per-key mutex
// so hot paths only contend on the individual key.
type memoryLimiter struct {
	cache *ristretto.Cache[string, *window]
}

// window holds the minute-window request timestamps for one API key. Only
// the minute window is tracked in memory: a day's worth of per-request
// timestamps per key does not fit a bounded fallback, and the minute
// window is the one protecting the upstream from bursts.
type window struct {
	mu     sync.Mutex
	stamps []time.Time
}

func newMemoryLimiter() (*memoryLimiter, error) {
	estimatedItems := fallbackMaxCost / windowCost

	cache, err := ristretto.NewCache(&ristretto.Config[string, *window]{
		NumCounters: estimatedItems * 10,
		MaxCost:     fallbackMaxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &memoryLimiter{cache: cache}, nil
}

// allow records the request and checks it against the per-minute limit.
func (l *memoryLimiter) allow(apiKeyID string, limits Limits, now time.Time) bool {
	w, found := l.cache.Get(apiKeyID)
	if !found {
		w = &window{}
		l.cache.SetWithTTL(apiKeyID, w, windowCost, WindowMinute*2)
		// Wait makes the entry visible to subsequent Gets. Only the first
		// request for a key pays this; cache hits skip it entirely.
		l.cache.Wait()
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-WindowMinute)
	live := w.stamps[:0]
	for _, t := range w.stamps {
		if t.After(cutoff) {
			live = append(live, t)
		}
	}
	w.stamps = append(live, now)

	return limits.PerMinute <= 0 || int64(len(w.stamps)) <= limits.PerMinute
}

// Close releases the fallback cache. Safe to call multiple times.
func (l *memoryLimiter) Close() {
	if l.cache != nil {
		l.cache.Close()
	}
}
