package observability

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Pre-serialized JSON responses avoid runtime encoding errors entirely.
var (
	jsonAlive    = []byte(`{"status":"alive"}`)
	jsonReady    = []byte(`{"status":"ready"}`)
	jsonNotReady = []byte(`{"status":"not_ready"}`)
	jsonDeepOK   = []byte(`{"status":"ready","cache":"ok"}`)
	jsonDeepFail = []byte(`{"status":"not_ready","cache":"unreachable"}`)
)

// Pinger is implemented by any type that can check connectivity
// (e.g. the cache store).
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker provides liveness and readiness check endpoints.
type HealthChecker struct {
	ready int32 // atomic: 0 = not ready, 1 = ready

	mu          sync.RWMutex
	cachePinger Pinger // may be nil if no cache store is configured
}

// NewHealthChecker creates a new health checker (starts in not-ready state).
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{}
}

// SetReady marks the service as ready to receive traffic.
func (h *HealthChecker) SetReady() {
	atomic.StoreInt32(&h.ready, 1)
}

// SetNotReady marks the service as not ready (draining).
func (h *HealthChecker) SetNotReady() {
	atomic.StoreInt32(&h.ready, 0)
}

// IsReady returns whether the service is ready.
func (h *HealthChecker) IsReady() bool {
	return atomic.LoadInt32(&h.ready) == 1
}

// SetCachePinger registers the cache store for deep readiness checks.
func (h *HealthChecker) SetCachePinger(p Pinger) {
	h.mu.Lock()
	h.cachePinger = p
	h.mu.Unlock()
}

// HealthzHandler returns 200 as long as the process is alive.
func (h *HealthChecker) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(jsonAlive)
	}
}

// ReadyzHandler returns 200 when the service is ready, 503 otherwise.
// With ?deep=1 the cache store is pinged as part of the check. A failed deep
// check does NOT flip readiness: the rate limiter degrades per its failure
// policy rather than the whole gateway going dark.
func (h *HealthChecker) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if !h.IsReady() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write(jsonNotReady)
			return
		}

		if r.URL.Query().Get("deep") == "1" {
			h.mu.RLock()
			pinger := h.cachePinger
			h.mu.RUnlock()

			if pinger != nil {
				ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
				defer cancel()
				if err := pinger.Ping(ctx); err != nil {
					w.WriteHeader(http.StatusServiceUnavailable)
					_, _ = w.Write(jsonDeepFail)
					return
				}
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(jsonDeepOK)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(jsonReady)
	}
}
