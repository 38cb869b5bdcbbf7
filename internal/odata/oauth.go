package odata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/s4kit/gateway/internal/cache"
	"github.com/s4kit/gateway/internal/catalog"
	"github.com/s4kit/gateway/internal/observability"
)

// oauthRefreshBuffer is subtracted from the token lifetime so a token is
// never used within 60s of its actual expiry.
const oauthRefreshBuffer = 60 * time.Second

// oauthManager caches bearer tokens per (tokenURL, clientID). The cache TTL
// already accounts for the refresh buffer, so any cache hit is a valid
// token. Concurrent refreshes for the same key are collapsed in-process via
// singleflight; cross-process races are benign (last write wins, both
// tokens are valid).
type oauthManager struct {
	store   cache.Store
	http    *http.Client
	log     *slog.Logger
	metrics *observability.Metrics
	group   singleflight.Group
}

func oauthCacheKey(tokenURL, clientID string) string {
	return "s4gateway:oauth2:" + tokenURL + ":" + clientID
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// token returns a valid bearer token for the auth block, from cache when
// possible. Credentials in ac must already be decrypted by the caller. A
// down cache store degrades to fetch-fresh.
func (m *oauthManager) token(ctx context.Context, ac *catalog.AuthConfig) (string, error) {
	key := oauthCacheKey(ac.TokenURL, ac.ClientID)

	cached, err := m.store.Get(ctx, key)
	if err == nil {
		m.metrics.IncTokenCacheHit("oauth2")
		return cached, nil
	}
	if !errors.Is(err, cache.ErrCacheMiss) {
		m.metrics.IncCacheErrors()
		if cache.IsUnavailable(err) {
			m.log.Warn("oauth token cache unavailable, fetching fresh", "error", err)
		} else {
			m.log.Error("oauth token cache read failed", "error", err)
		}
	}

	tok, err, _ := m.group.Do(key, func() (any, error) {
		return m.fetch(ctx, key, ac)
	})
	if err != nil {
		return "", err
	}
	return tok.(string), nil
}

// fetch posts the token request and caches the result with a TTL of
// expires_in minus the refresh buffer (floored at one second so a
// short-lived token is still cached for the request that fetched it).
func (m *oauthManager) fetch(ctx context.Context, key string, ac *catalog.AuthConfig) (string, error) {
	form := url.Values{}
	form.Set("grant_type", string(ac.GrantType))
	if ac.Scope != "" {
		form.Set("scope", ac.Scope)
	}
	if ac.GrantType == catalog.GrantJWTBearer {
		form.Set("assertion", ac.Assertion)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ac.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("odata: building token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(ac.ClientID, ac.ClientSecret)

	m.metrics.IncTokenRefresh("oauth2")
	resp, err := m.http.Do(req)
	if err != nil {
		return "", &TransportError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &TransportError{Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return "", ParseErrorResponse(resp.StatusCode, body)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", fmt.Errorf("odata: parsing token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("odata: token endpoint returned no access_token")
	}

	ttl := time.Duration(tr.ExpiresIn)*time.Second - oauthRefreshBuffer
	if ttl < time.Second {
		ttl = time.Second
	}
	if err := m.store.Set(ctx, key, tr.AccessToken, ttl); err != nil {
		m.metrics.IncCacheErrors()
		m.log.Warn("oauth token cache write failed", "error", err)
	}
	return tr.AccessToken, nil
}

// invalidate drops the cached token after the upstream rejected it.
func (m *oauthManager) invalidate(ctx context.Context, tokenURL, clientID string) {
	if err := m.store.Del(ctx, oauthCacheKey(tokenURL, clientID)); err != nil {
		m.metrics.IncCacheErrors()
		m.log.Warn("oauth token cache invalidate failed", "error", err)
	}
}
