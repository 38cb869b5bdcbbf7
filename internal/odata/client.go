// Package odata executes upstream OData calls on behalf of resolved
// gateway requests: credential dispatch per auth strategy, CSRF and OAuth2
// token lifecycles with bounded retry, OData-safe query strings, and
// response/error envelope normalization across protocol versions.
package odata

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/s4kit/gateway/internal/cache"
	"github.com/s4kit/gateway/internal/catalog"
	"github.com/s4kit/gateway/internal/config"
	"github.com/s4kit/gateway/internal/observability"
)

// maxResponseBody caps how much of an upstream response is buffered for
// normalization.
const maxResponseBody = 64 << 20

// CallRequest describes one upstream OData call. ServicePath is the
// effective path after instance-service overrides; Auth is the resolved
// auth block with credentials still in their at-rest form.
type CallRequest struct {
	BaseURL       string
	ServicePath   string
	Method        string
	EntityPath    string
	Query         url.Values
	Body          []byte
	ContentType   string
	Auth          *catalog.AuthConfig
	Raw           bool
	StripMetadata bool
}

// CallResult is a successful upstream response, normalized unless the
// caller asked for the raw payload.
type CallResult struct {
	Status      int
	Body        []byte
	ContentType string
}

// Client executes upstream calls. One Client is shared by all requests; it
// owns the upstream connection pool and the token lifecycle managers.
type Client struct {
	http    *http.Client
	cipher  *catalog.Cipher
	csrf    *csrfManager
	oauth   *oauthManager
	log     *slog.Logger
	metrics *observability.Metrics
}

// NewClient builds the upstream client from the upstream tuning config.
// cipher may be nil when the catalog carries only plaintext credentials.
func NewClient(cfg config.UpstreamConfig, store cache.Store, cipher *catalog.Cipher, log *slog.Logger, metrics *observability.Metrics) (*Client, error) {
	timeout, err := config.ParseDuration(cfg.Timeout, 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("upstream.timeout: %w", err)
	}
	dialTimeout, err := config.ParseDuration(cfg.DialTimeout, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("upstream.dial_timeout: %w", err)
	}
	idleTimeout, err := config.ParseDuration(cfg.IdleConnTimeout, 90*time.Second)
	if err != nil {
		return nil, fmt.Errorf("upstream.idle_conn_timeout: %w", err)
	}
	handshakeTimeout, err := config.ParseDuration(cfg.TLSHandshakeTimeout, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("upstream.tls_handshake_timeout: %w", err)
	}

	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: dialTimeout}).DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       idleTimeout,
		TLSHandshakeTimeout:   handshakeTimeout,
		ForceAttemptHTTP2:     true,
		ExpectContinueTimeout: time.Second,
	}
	if cfg.TLSInsecureVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // explicit opt-in for dev upstreams
	}

	hc := &http.Client{Transport: transport, Timeout: timeout}

	return &Client{
		http:    hc,
		cipher:  cipher,
		csrf:    &csrfManager{store: store, http: hc, log: log, metrics: metrics},
		oauth:   &oauthManager{store: store, http: hc, log: log, metrics: metrics},
		log:     log,
		metrics: metrics,
	}, nil
}

// Execute performs the upstream call for the request, running the
// credential lifecycle its auth strategy requires. A logical call makes at
// most two upstream HTTP requests (original plus one credential retry).
// Non-2xx upstream responses return a *ProtocolError; failures below the
// protocol layer return a *TransportError.
func (c *Client) Execute(ctx context.Context, req *CallRequest) (*CallResult, error) {
	auth, err := c.decryptAuth(req.Auth)
	if err != nil {
		return nil, fmt.Errorf("odata: preparing credentials: %w", err)
	}

	target := joinURL(req.BaseURL, req.ServicePath, req.EntityPath)
	if q := BuildQuery(req.Query); q != "" {
		target += "?" + q
	}

	start := time.Now()
	resp, err := c.dispatch(ctx, req, auth, target)
	c.metrics.PromUpstreamDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		// Token endpoint rejections already carry upstream status.
		if _, ok := err.(*ProtocolError); ok {
			c.metrics.IncUpstreamCall("protocol_error")
		} else {
			c.metrics.IncUpstreamCall("transport_error")
		}
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		c.metrics.IncUpstreamCall("transport_error")
		return nil, &TransportError{Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.metrics.IncUpstreamCall("protocol_error")
		return nil, ParseErrorResponse(resp.StatusCode, body)
	}
	c.metrics.IncUpstreamCall("ok")

	out := body
	if !req.Raw {
		out, err = Normalize(body, req.StripMetadata)
		if err != nil {
			return nil, err
		}
	}
	return &CallResult{
		Status:      resp.StatusCode,
		Body:        out,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

// dispatch runs the request under the lifecycle matching the auth strategy.
func (c *Client) dispatch(ctx context.Context, req *CallRequest, auth *catalog.AuthConfig, target string) (*http.Response, error) {
	switch auth.Type {
	case catalog.AuthBasic:
		return c.executeBasic(ctx, req, auth, target)
	case catalog.AuthOAuth2:
		return c.executeOAuth(ctx, req, auth, target)
	default:
		httpReq, err := c.buildRequest(ctx, req, target)
		if err != nil {
			return nil, err
		}
		applyStaticAuth(httpReq, auth)
		return c.do(httpReq)
	}
}

// executeBasic runs the Basic-auth path with the CSRF lifecycle: fetch or
// reuse a token, attach it, and on a 403 "Required" rejection refetch and
// retry once.
func (c *Client) executeBasic(ctx context.Context, req *CallRequest, auth *catalog.AuthConfig, target string) (*http.Response, error) {
	applyBasic := func(r *http.Request) { r.SetBasicAuth(auth.Username, auth.Password) }
	fetchURL := joinURL(req.BaseURL, req.ServicePath, "")

	token, err := c.csrf.token(ctx, fetchURL, req.BaseURL, auth.Username, applyBasic)
	if err != nil {
		return nil, err
	}

	do := func(ctx context.Context) (*http.Response, error) {
		httpReq, err := c.buildRequest(ctx, req, target)
		if err != nil {
			return nil, err
		}
		applyBasic(httpReq)
		if token != "" {
			httpReq.Header.Set(csrfHeader, token)
		}
		return c.do(httpReq)
	}

	refresh := func(ctx context.Context) error {
		c.csrf.invalidate(ctx, req.BaseURL, auth.Username)
		token, err = c.csrf.token(ctx, fetchURL, req.BaseURL, auth.Username, applyBasic)
		return err
	}

	return withCredentialRetry(ctx, "csrf", c.metrics, do, csrfRejected, refresh)
}

// executeOAuth runs the bearer-token path: reuse or fetch a token, and on
// an upstream 401 invalidate, refetch, and retry once.
func (c *Client) executeOAuth(ctx context.Context, req *CallRequest, auth *catalog.AuthConfig, target string) (*http.Response, error) {
	token, err := c.oauth.token(ctx, auth)
	if err != nil {
		return nil, err
	}

	do := func(ctx context.Context) (*http.Response, error) {
		httpReq, err := c.buildRequest(ctx, req, target)
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
		return c.do(httpReq)
	}

	stale := func(resp *http.Response) bool {
		return resp.StatusCode == http.StatusUnauthorized
	}

	refresh := func(ctx context.Context) error {
		c.oauth.invalidate(ctx, auth.TokenURL, auth.ClientID)
		token, err = c.oauth.token(ctx, auth)
		return err
	}

	return withCredentialRetry(ctx, "oauth2", c.metrics, do, stale, refresh)
}

// buildRequest assembles one upstream HTTP request. Called once per
// attempt so a retry gets a fresh body reader.
func (c *Client) buildRequest(ctx context.Context, req *CallRequest, target string) (*http.Request, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("odata: building upstream request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if len(req.Body) > 0 {
		ct := req.ContentType
		if ct == "" {
			ct = "application/json"
		}
		httpReq.Header.Set("Content-Type", ct)
	}
	return httpReq, nil
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	return resp, nil
}

// applyStaticAuth stamps the non-lifecycle strategies onto a request.
func applyStaticAuth(req *http.Request, auth *catalog.AuthConfig) {
	switch auth.Type {
	case catalog.AuthAPIKeyHeader, catalog.AuthCustomHeader:
		req.Header.Set(auth.HeaderName, auth.HeaderValue)
	}
}

// decryptAuth returns a copy of the auth block with credential fields
// decrypted. The copy lives only for the duration of one call and is never
// logged or cached.
func (c *Client) decryptAuth(auth *catalog.AuthConfig) (*catalog.AuthConfig, error) {
	if auth == nil {
		return &catalog.AuthConfig{Type: catalog.AuthNone}, nil
	}

	out := *auth
	var err error
	if out.Password, err = c.cipher.Decrypt(out.Password); err != nil {
		return nil, err
	}
	if out.HeaderValue, err = c.cipher.Decrypt(out.HeaderValue); err != nil {
		return nil, err
	}
	if out.ClientSecret, err = c.cipher.Decrypt(out.ClientSecret); err != nil {
		return nil, err
	}
	if out.Assertion, err = c.cipher.Decrypt(out.Assertion); err != nil {
		return nil, err
	}
	return &out, nil
}

// joinURL glues base URL, service path, and entity path with single
// slashes, tolerating stray slashes in any piece.
func joinURL(base, servicePath, entityPath string) string {
	out := strings.TrimRight(base, "/")
	if sp := strings.Trim(servicePath, "/"); sp != "" {
		out += "/" + sp
	}
	if ep := strings.Trim(entityPath, "/"); ep != "" {
		out += "/" + ep
	}
	return out
}
