package odata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/s4kit/gateway/internal/cache"
	"github.com/s4kit/gateway/internal/observability"
)

const (
	csrfHeader     = "X-CSRF-Token"
	csrfFetchValue = "Fetch"
	csrfCacheTTL   = time.Hour
)

// csrfManager caches CSRF tokens per (baseURL, identity). SAP services
// issue the token on a HEAD request carrying "X-CSRF-Token: Fetch" and
// expect it back on state-changing calls. Some services never issue one,
// which is fine: the request proceeds without the header.
type csrfManager struct {
	store   cache.Store
	http    *http.Client
	log     *slog.Logger
	metrics *observability.Metrics
}

func csrfCacheKey(baseURL, identity string) string {
	return "s4gateway:csrf:" + baseURL + ":" + identity
}

// token returns the CSRF token for the endpoint, from cache when possible.
// applyAuth stamps the caller's auth headers onto the fetch request so the
// token is issued for the right session. An upstream that returns no token
// yields ("", nil). A down cache store degrades to fetch-fresh.
func (m *csrfManager) token(ctx context.Context, fetchURL, baseURL, identity string, applyAuth func(*http.Request)) (string, error) {
	key := csrfCacheKey(baseURL, identity)

	cached, err := m.store.Get(ctx, key)
	if err == nil {
		m.metrics.IncTokenCacheHit("csrf")
		return cached, nil
	}
	if !errors.Is(err, cache.ErrCacheMiss) {
		m.metrics.IncCacheErrors()
		if cache.IsUnavailable(err) {
			m.log.Warn("csrf token cache unavailable, fetching fresh", "error", err)
		} else {
			m.log.Error("csrf token cache read failed", "error", err)
		}
	}

	tok, err := m.fetch(ctx, fetchURL, applyAuth)
	if err != nil {
		return "", err
	}
	if tok == "" {
		return "", nil
	}

	if err := m.store.Set(ctx, key, tok, csrfCacheTTL); err != nil {
		m.metrics.IncCacheErrors()
		m.log.Warn("csrf token cache write failed", "error", err)
	}
	return tok, nil
}

// fetch issues the HEAD token request against the service root.
func (m *csrfManager) fetch(ctx context.Context, fetchURL string, applyAuth func(*http.Request)) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, fetchURL, nil)
	if err != nil {
		return "", fmt.Errorf("odata: building csrf fetch request: %w", err)
	}
	req.Header.Set(csrfHeader, csrfFetchValue)
	applyAuth(req)

	m.metrics.IncTokenRefresh("csrf")
	resp, err := m.http.Do(req)
	if err != nil {
		return "", &TransportError{Err: err}
	}
	drain(resp)

	return resp.Header.Get(csrfHeader), nil
}

// invalidate drops the cached token after the upstream reported it stale.
func (m *csrfManager) invalidate(ctx context.Context, baseURL, identity string) {
	if err := m.store.Del(ctx, csrfCacheKey(baseURL, identity)); err != nil {
		m.metrics.IncCacheErrors()
		m.log.Warn("csrf token cache invalidate failed", "error", err)
	}
}

// csrfRejected reports the upstream's "token required" signal: a 403 whose
// x-csrf-token response header says Required.
func csrfRejected(resp *http.Response) bool {
	return resp.StatusCode == http.StatusForbidden &&
		resp.Header.Get(csrfHeader) == "Required"
}
