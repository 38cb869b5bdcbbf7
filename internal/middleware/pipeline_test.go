package middleware

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/s4kit/gateway/internal/cache"
	"github.com/s4kit/gateway/internal/catalog"
	"github.com/s4kit/gateway/internal/config"
	"github.com/s4kit/gateway/internal/observability"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMetrics() *observability.Metrics {
	return observability.NewMetrics(prometheus.NewRegistry())
}

// testCatalog wires one organization with a sales-order service in sandbox
// only and a business-partner service in both sandbox and production.
func testCatalog(t *testing.T, sandboxURL, productionURL string) *catalog.SwappableStore {
	t.Helper()
	snap, err := catalog.BuildSnapshot(&catalog.File{
		Organizations: []*catalog.Organization{{ID: "org-1", Name: "Acme"}},
		Systems:       []*catalog.System{{ID: "sys-1", OrganizationID: "org-1"}},
		Instances: []*catalog.Instance{
			{ID: "inst-sb", SystemID: "sys-1", Environment: "sandbox", BaseURL: sandboxURL},
			{ID: "inst-pr", SystemID: "sys-1", Environment: "production", BaseURL: productionURL},
		},
		SystemServices: []*catalog.SystemService{
			{
				ID: "svc-so", SystemID: "sys-1", Alias: "sales-order",
				ServicePath: "/sap/opu/odata/sap/API_SALES_ORDER_SRV",
				Entities:    []string{"A_SalesOrder"},
			},
			{
				ID: "svc-bp", SystemID: "sys-1", Alias: "business-partner",
				ServicePath: "/sap/opu/odata/sap/API_BUSINESS_PARTNER",
				Entities:    []string{"A_BusinessPartner"},
			},
		},
		InstanceServices: []*catalog.InstanceService{
			{ID: "is-so-sb", InstanceID: "inst-sb", SystemServiceID: "svc-so"},
			{ID: "is-bp-sb", InstanceID: "inst-sb", SystemServiceID: "svc-bp"},
			{ID: "is-bp-pr", InstanceID: "inst-pr", SystemServiceID: "svc-bp"},
		},
		APIKeys: []*catalog.APIKey{
			{ID: "key-ok", OrganizationID: "org-1", SecretHash: catalog.HashSecret("sk-ok")},
			{ID: "key-limited", OrganizationID: "org-1", SecretHash: catalog.HashSecret("sk-limited"), RateLimitPerMinute: 1},
			{ID: "key-revoked", OrganizationID: "org-1", SecretHash: catalog.HashSecret("sk-revoked"), Revoked: true},
		},
		Grants: []*catalog.AccessGrant{
			{APIKeyID: "key-ok", InstanceServiceID: "is-so-sb", Permissions: catalog.Permissions{"A_SalesOrder": {"read"}}},
			{APIKeyID: "key-ok", InstanceServiceID: "is-bp-sb", Permissions: catalog.Permissions{"*": {"*"}}},
			{APIKeyID: "key-ok", InstanceServiceID: "is-bp-pr", Permissions: catalog.Permissions{"*": {"*"}}},
			{APIKeyID: "key-limited", InstanceServiceID: "is-so-sb", Permissions: catalog.Permissions{"*": {"read"}}},
		},
	})
	require.NoError(t, err)
	return catalog.NewSwappableStore(snap)
}

func newTestPipeline(t *testing.T, store *catalog.SwappableStore) *Pipeline {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	cacheStore := cache.NewRedisStore(client)
	t.Cleanup(func() { _ = cacheStore.Close() })

	cfg := config.Defaults()
	cfg.RateLimit.FailurePolicy = config.FailurePolicyFailOpen

	p, err := NewPipeline(cfg, store, cacheStore, testLogger(), testMetrics())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func doRequest(p *Pipeline, method, path, apiKey string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error.Code
}

func TestPipelineAuthentication(t *testing.T) {
	var upstreamCalls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamCalls.Add(1)
	}))
	defer srv.Close()

	p := newTestPipeline(t, testCatalog(t, srv.URL, srv.URL))

	t.Run("missing authorization header", func(t *testing.T) {
		rec := doRequest(p, http.MethodGet, "/A_SalesOrder", "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "authentication_failed", errorCode(t, rec))
		assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
	})

	t.Run("unknown key", func(t *testing.T) {
		rec := doRequest(p, http.MethodGet, "/A_SalesOrder", "sk-bogus", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("revoked key", func(t *testing.T) {
		rec := doRequest(p, http.MethodGet, "/A_SalesOrder", "sk-revoked", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "authentication_failed", errorCode(t, rec))
	})

	t.Run("denials never reach the upstream", func(t *testing.T) {
		assert.Equal(t, int64(0), upstreamCalls.Load())
	})
}

func TestPipelineResolutionAndForwarding(t *testing.T) {
	var sandboxCalls atomic.Int64
	sandbox := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sandboxCalls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"d":{"results":[{"__metadata":{"uri":"x"},"SalesOrder":"1"}]}}`))
	}))
	defer sandbox.Close()

	production := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"value":[{"env":"production"}]}`))
	}))
	defer production.Close()

	p := newTestPipeline(t, testCatalog(t, sandbox.URL, production.URL))

	t.Run("entity path resolves the granted service and normalizes", func(t *testing.T) {
		rec := doRequest(p, http.MethodGet, "/A_SalesOrder", "sk-ok", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"value":[{"SalesOrder":"1"}]}`, rec.Body.String())
		assert.Equal(t, int64(1), sandboxCalls.Load())
	})

	t.Run("metadata is kept when stripping is declined", func(t *testing.T) {
		rec := doRequest(p, http.MethodGet, "/A_SalesOrder", "sk-ok",
			map[string]string{"X-S4Kit-Strip-Metadata": "false"})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "__metadata")
		assert.Contains(t, rec.Body.String(), `"value"`)
	})

	t.Run("raw bypasses normalization entirely", func(t *testing.T) {
		rec := doRequest(p, http.MethodGet, "/A_SalesOrder", "sk-ok",
			map[string]string{"X-S4Kit-Raw": "true"})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"d":{"results":[{"__metadata":{"uri":"x"},"SalesOrder":"1"}]}}`, rec.Body.String())
	})

	t.Run("unknown entity is a 404", func(t *testing.T) {
		rec := doRequest(p, http.MethodGet, "/A_Nothing", "sk-ok", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "entity_unknown", errorCode(t, rec))
	})

	t.Run("service header in two environments is ambiguous", func(t *testing.T) {
		rec := doRequest(p, http.MethodGet, "/A_BusinessPartner", "sk-ok",
			map[string]string{"X-S4Kit-Service": "business-partner"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "service_ambiguous", errorCode(t, rec))
		assert.Contains(t, rec.Body.String(), "sandbox")
		assert.Contains(t, rec.Body.String(), "production")
	})

	t.Run("instance header picks the environment", func(t *testing.T) {
		rec := doRequest(p, http.MethodGet, "/A_BusinessPartner", "sk-ok", map[string]string{
			"X-S4Kit-Service":  "business-partner",
			"X-S4Kit-Instance": "production",
		})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"value":[{"env":"production"}]}`, rec.Body.String())
	})

	t.Run("ungranted service alias is a 404", func(t *testing.T) {
		rec := doRequest(p, http.MethodGet, "/A_SalesOrder", "sk-ok",
			map[string]string{"X-S4Kit-Service": "no-such-service"})
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "service_not_found", errorCode(t, rec))
	})

	t.Run("valid client request id is echoed", func(t *testing.T) {
		rec := doRequest(p, http.MethodGet, "/A_SalesOrder", "sk-ok",
			map[string]string{"X-Request-Id": "trace-abc.123"})
		assert.Equal(t, "trace-abc.123", rec.Header().Get("X-Request-Id"))
	})

	t.Run("invalid client request id is replaced", func(t *testing.T) {
		rec := doRequest(p, http.MethodGet, "/A_SalesOrder", "sk-ok",
			map[string]string{"X-Request-Id": "bad id\x01"})
		got := rec.Header().Get("X-Request-Id")
		assert.NotEmpty(t, got)
		assert.NotEqual(t, "bad id\x01", got)
	})
}

func TestPipelineAuthorization(t *testing.T) {
	var upstreamCalls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamCalls.Add(1)
	}))
	defer srv.Close()

	p := newTestPipeline(t, testCatalog(t, srv.URL, srv.URL))

	t.Run("write on a read-only grant is denied before forwarding", func(t *testing.T) {
		rec := doRequest(p, http.MethodPost, "/A_SalesOrder", "sk-ok",
			map[string]string{"X-S4Kit-Service": "sales-order"})
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, "operation_not_permitted", errorCode(t, rec))
		assert.Equal(t, int64(0), upstreamCalls.Load())
	})

	t.Run("delete maps to the delete operation", func(t *testing.T) {
		rec := doRequest(p, http.MethodDelete, "/A_SalesOrder('1')", "sk-ok",
			map[string]string{"X-S4Kit-Service": "sales-order"})
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, int64(0), upstreamCalls.Load())
	})
}

func TestPipelineRateLimiting(t *testing.T) {
	var upstreamCalls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamCalls.Add(1)
		_, _ = w.Write([]byte(`{"value":[]}`))
	}))
	defer srv.Close()

	p := newTestPipeline(t, testCatalog(t, srv.URL, srv.URL))

	first := doRequest(p, http.MethodGet, "/A_SalesOrder", "sk-limited", nil)
	require.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "1", first.Header().Get("X-RateLimit-Limit-Minute"))
	assert.Equal(t, "0", first.Header().Get("X-RateLimit-Remaining-Minute"))

	second := doRequest(p, http.MethodGet, "/A_SalesOrder", "sk-limited", nil)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "rate_limited", errorCode(t, second))
	assert.NotEmpty(t, second.Header().Get("Retry-After"))

	assert.Equal(t, int64(1), upstreamCalls.Load())
}

func TestPipelineFailClosedStoreOutage(t *testing.T) {
	var upstreamCalls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamCalls.Add(1)
		_, _ = w.Write([]byte(`{"value":[]}`))
	}))
	defer srv.Close()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	cacheStore := cache.NewRedisStore(client)
	t.Cleanup(func() { _ = cacheStore.Close() })

	cfg := config.Defaults()
	cfg.RateLimit.FailurePolicy = config.FailurePolicyFailClosed

	p, err := NewPipeline(cfg, testCatalog(t, srv.URL, srv.URL), cacheStore, testLogger(), testMetrics())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	mr.Close()

	rec := doRequest(p, http.MethodGet, "/A_SalesOrder", "sk-ok", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "cache_unavailable", errorCode(t, rec))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Empty(t, rec.Header().Get("X-RateLimit-Limit-Minute"))
	assert.Equal(t, int64(0), upstreamCalls.Load())
}

func TestPipelineUpstreamErrors(t *testing.T) {
	t.Run("upstream odata error passes through status and shape", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"code":"SY/530","message":{"value":"not found upstream"}}}`))
		}))
		defer srv.Close()

		p := newTestPipeline(t, testCatalog(t, srv.URL, srv.URL))

		rec := doRequest(p, http.MethodGet, "/A_SalesOrder", "sk-ok", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "SY/530", errorCode(t, rec))
		assert.Contains(t, rec.Body.String(), "not found upstream")
	})

	t.Run("unreachable upstream is a 502", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		srv.Close()

		p := newTestPipeline(t, testCatalog(t, srv.URL, srv.URL))

		rec := doRequest(p, http.MethodGet, "/A_SalesOrder", "sk-ok", nil)
		assert.Equal(t, http.StatusBadGateway, rec.Code)
		assert.Equal(t, "upstream_unreachable", errorCode(t, rec))
	})
}

func TestBearerToken(t *testing.T) {
	mk := func(h string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if h != "" {
			r.Header.Set("Authorization", h)
		}
		return r
	}

	tok, ok := bearerToken(mk("Bearer sk-1"))
	require.True(t, ok)
	assert.Equal(t, "sk-1", tok)

	tok, ok = bearerToken(mk("bearer sk-1"))
	require.True(t, ok)
	assert.Equal(t, "sk-1", tok)

	_, ok = bearerToken(mk(""))
	assert.False(t, ok)
	_, ok = bearerToken(mk("Basic dXNlcg=="))
	assert.False(t, ok)
	_, ok = bearerToken(mk("Bearer "))
	assert.False(t, ok)
}

func TestEntityFromPath(t *testing.T) {
	assert.Equal(t, "A_BusinessPartner", entityFromPath("/A_BusinessPartner"))
	assert.Equal(t, "A_BusinessPartner", entityFromPath("/A_BusinessPartner('123')"))
	assert.Equal(t, "A_BusinessPartner", entityFromPath("/A_BusinessPartner/to_Address"))
	assert.Equal(t, "", entityFromPath("/"))
}

func TestRequestIDHelpers(t *testing.T) {
	t.Run("generated ids are valid and unique", func(t *testing.T) {
		a := generateRequestID()
		b := generateRequestID()
		assert.True(t, validRequestID(a))
		assert.True(t, validRequestID(b))
		assert.NotEqual(t, a, b)
		assert.Len(t, a, 32)
	})

	t.Run("validation rejects unsafe ids", func(t *testing.T) {
		assert.True(t, validRequestID("trace-1_a.b:c"))
		assert.False(t, validRequestID(""))
		assert.False(t, validRequestID("has space"))
		assert.False(t, validRequestID("newline\n"))
		assert.False(t, validRequestID(string(make([]byte, maxRequestIDLen+1))))
	})
}
