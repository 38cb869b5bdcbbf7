// Package middleware implements the request processing pipeline for the
// gateway: authenticate → rate limit → resolve → authorize → forward.
// Every denial happens before the upstream call, so rejected requests
// never generate upstream traffic.
package middleware

import (
	"bytes"
	cryptorand "crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/s4kit/gateway/internal/access"
	"github.com/s4kit/gateway/internal/cache"
	"github.com/s4kit/gateway/internal/catalog"
	"github.com/s4kit/gateway/internal/config"
	"github.com/s4kit/gateway/internal/logsink"
	"github.com/s4kit/gateway/internal/observability"
	"github.com/s4kit/gateway/internal/odata"
	"github.com/s4kit/gateway/internal/ratelimit"
)

var tracer = otel.Tracer("s4gateway.middleware")

// Caller-facing headers.
const (
	headerService       = "X-S4Kit-Service"
	headerInstance      = "X-S4Kit-Instance"
	headerRaw           = "X-S4Kit-Raw"
	headerStripMetadata = "X-S4Kit-Strip-Metadata"

	requestIDHeader = "X-Request-Id"
)

// maxRequestIDLen is the maximum allowed length for a client-supplied X-Request-Id.
const maxRequestIDLen = 128

// maxInboundBody caps how much request body is buffered before forwarding.
const maxInboundBody = 32 << 20

// requestIDRng is a goroutine-safe CSPRNG seeded from crypto/rand. ChaCha8
// avoids a syscall per ID, which matters under high concurrency.
var requestIDRng = func() *rand.ChaCha8 {
	var seed [32]byte
	if _, err := cryptorand.Read(seed[:]); err != nil {
		panic("failed to seed ChaCha8: " + err.Error())
	}
	return rand.NewChaCha8(seed)
}()

// generateRequestID creates a 16-byte hex-encoded random ID (128 bits).
func generateRequestID() string {
	var buf [16]byte
	for i := 0; i < len(buf); i += 8 {
		v := requestIDRng.Uint64()
		binary.LittleEndian.PutUint64(buf[i:], v)
	}
	return hex.EncodeToString(buf[:])
}

// validRequestID checks that a client-supplied request ID is safe to
// propagate. Rejects IDs that are too long or contain non-printable or
// injection characters.
func validRequestID(s string) bool {
	if len(s) == 0 || len(s) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.' || c == ':':
		default:
			return false
		}
	}
	return true
}

// errorBody is the OData-shaped error envelope the gateway returns.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code       string              `json:"code"`
	Message    string              `json:"message"`
	Details    []odata.ErrorDetail `json:"details,omitempty"`
	InnerError json.RawMessage     `json:"innererror,omitempty"`
}

// writeError writes the structured JSON error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeErrorFull(w, status, errorDetail{Code: code, Message: message})
}

func writeErrorFull(w http.ResponseWriter, status int, detail errorDetail) {
	body, _ := json.Marshal(errorBody{Error: detail})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// statusWriter captures the HTTP status code written by downstream stages.
type statusWriter struct {
	http.ResponseWriter
	code    int
	written bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.written {
		sw.code = code
		sw.written = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.written {
		sw.code = http.StatusOK
		sw.written = true
	}
	return sw.ResponseWriter.Write(b)
}

// Unwrap supports http.ResponseController.
func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}

// statusWriterPool amortizes statusWriter allocations on the hot path.
var statusWriterPool = sync.Pool{
	New: func() any { return &statusWriter{} },
}

// Pipeline is the main request handler. One Pipeline serves all requests;
// per-request state lives on the stack. The catalog snapshot is captured
// once per request so a mid-request hot reload never produces a mixed view.
type Pipeline struct {
	logger  *slog.Logger
	metrics *observability.Metrics
	catalog *catalog.SwappableStore
	limiter *ratelimit.Limiter
	client  *odata.Client
	sink    *logsink.Sink

	production bool
}

// NewPipeline wires the pipeline stages from configuration.
func NewPipeline(
	cfg *config.Config,
	store *catalog.SwappableStore,
	cacheStore cache.Store,
	logger *slog.Logger,
	metrics *observability.Metrics,
) (*Pipeline, error) {
	var cipher *catalog.Cipher
	if key := cfg.Catalog.EncryptionKey.Value(); key != "" {
		c, err := catalog.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("catalog cipher: %w", err)
		}
		cipher = c
	}

	client, err := odata.NewClient(cfg.Upstream, cacheStore, cipher, logger, metrics)
	if err != nil {
		return nil, fmt.Errorf("upstream client: %w", err)
	}

	limiter, err := ratelimit.NewLimiter(cfg.RateLimit, cacheStore, logger, metrics)
	if err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	p := &Pipeline{
		logger:     logger,
		metrics:    metrics,
		catalog:    store,
		limiter:    limiter,
		client:     client,
		sink:       logsink.NewSink(cfg.LogSink, logger, metrics),
		production: cfg.Production,
	}

	logger.Info("pipeline ready",
		"failure_policy", string(cfg.RateLimit.FailurePolicy),
		"log_sink", p.sink.String())

	return p, nil
}

// requestState accumulates what the log sink record needs as the request
// moves through the stages.
type requestState struct {
	apiKeyID   string
	entity     string
	operation  string
	errSummary string
}

// ServeHTTP processes one request through the full pipeline.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sw := statusWriterPool.Get().(*statusWriter)
	sw.ResponseWriter = w
	sw.code = http.StatusOK
	sw.written = false

	reqID := r.Header.Get(requestIDHeader)
	if !validRequestID(reqID) {
		reqID = generateRequestID()
		r.Header.Set(requestIDHeader, reqID)
	}
	sw.Header().Set(requestIDHeader, reqID)

	state := &requestState{}

	defer func() {
		p.metrics.PromRequestDuration.WithLabelValues(
			r.Method,
			strconv.Itoa(sw.code),
		).Observe(time.Since(start).Seconds())

		p.sink.Emit(logsink.Record{
			APIKeyID:   state.apiKeyID,
			Method:     r.Method,
			Path:       r.URL.Path,
			Entity:     state.entity,
			Operation:  state.operation,
			StatusCode: sw.code,
			LatencyMs:  time.Since(start).Milliseconds(),
			Error:      state.errSummary,
			Timestamp:  time.Now().UTC().Format(time.RFC3339),
			RequestID:  reqID,
		})

		sw.ResponseWriter = nil // prevent dangling reference
		statusWriterPool.Put(sw)
	}()

	p.serve(sw, r, state)
}

func (p *Pipeline) serve(sw *statusWriter, r *http.Request, state *requestState) {
	snap := p.catalog.Current()

	apiKey := p.authenticate(sw, r, snap, state)
	if apiKey == nil {
		return
	}
	state.apiKeyID = apiKey.ID

	if !p.admit(sw, r, apiKey, state) {
		return
	}

	ra := p.resolve(sw, r, snap, apiKey, state)
	if ra == nil {
		return
	}

	if !p.authorize(sw, r, ra, state) {
		return
	}

	p.forward(sw, r, ra, state)
}

// authenticate validates the bearer API key against the catalog. Returns
// nil after writing the 401 when the key is missing, unknown, revoked, or
// expired.
func (p *Pipeline) authenticate(w http.ResponseWriter, r *http.Request, snap *catalog.Snapshot, state *requestState) *catalog.APIKey {
	secret, ok := bearerToken(r)
	if !ok {
		p.deny401(w, state, "missing or malformed Authorization header")
		return nil
	}

	key, ok := snap.APIKeyBySecret(secret)
	if !ok || !key.Active(time.Now()) {
		p.deny401(w, state, "invalid, revoked, or expired API key")
		return nil
	}
	return key
}

func (p *Pipeline) deny401(w http.ResponseWriter, state *requestState, msg string) {
	p.metrics.IncAuthFailed()
	state.errSummary = msg
	writeError(w, http.StatusUnauthorized, "authentication_failed", msg)
}

// bearerToken extracts the API key from "Authorization: Bearer <key>".
func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(h[len(prefix):]), true
}

// admit runs the sliding-window rate limiter and writes the 429 on
// rejection, or a 503 when a failclosed store outage forced the rejection.
// Rate-limit headroom headers are attached on every decided request.
func (p *Pipeline) admit(w http.ResponseWriter, r *http.Request, key *catalog.APIKey, state *requestState) bool {
	result := p.limiter.Allow(r.Context(), key.ID, ratelimit.Limits{
		PerMinute: key.RateLimitPerMinute,
		PerDay:    key.RateLimitPerDay,
	})

	setRateLimitHeaders(w, result)

	if !result.Allowed {
		retrySeconds := int64(result.RetryAfter.Seconds())
		if retrySeconds < 1 {
			retrySeconds = 1
		}
		w.Header().Set("Retry-After", strconv.FormatInt(retrySeconds, 10))
		if result.Unavailable {
			// Failclosed with the store down: the caller did nothing wrong,
			// so this is a 503, not a rate-limit rejection.
			state.errSummary = "rate limit store unavailable"
			writeError(w, http.StatusServiceUnavailable, "cache_unavailable", "Service Unavailable")
			return false
		}
		p.metrics.IncLimited()
		state.errSummary = "rate limit exceeded"
		writeError(w, http.StatusTooManyRequests, "rate_limited", "Too Many Requests")
		return false
	}

	p.metrics.IncAllowed()
	return true
}

// setRateLimitHeaders writes headroom headers on every decided response.
func setRateLimitHeaders(w http.ResponseWriter, result *ratelimit.Result) {
	if result.Degraded {
		return
	}
	if result.Limits.PerMinute > 0 {
		w.Header().Set("X-RateLimit-Limit-Minute", strconv.FormatInt(result.Limits.PerMinute, 10))
		w.Header().Set("X-RateLimit-Remaining-Minute", strconv.FormatInt(remaining(result.Limits.PerMinute, result.MinuteCount), 10))
	}
	if result.Limits.PerDay > 0 {
		w.Header().Set("X-RateLimit-Limit-Day", strconv.FormatInt(result.Limits.PerDay, 10))
		w.Header().Set("X-RateLimit-Remaining-Day", strconv.FormatInt(remaining(result.Limits.PerDay, result.DayCount), 10))
	}
}

func remaining(limit, count int64) int64 {
	if count >= limit {
		return 0
	}
	return limit - count
}

// resolve turns the request path and routing headers into a ResolvedAccess.
// All resolution failures are written here; a nil return means the
// response is already sent.
func (p *Pipeline) resolve(w http.ResponseWriter, r *http.Request, snap *catalog.Snapshot, key *catalog.APIKey, state *requestState) *access.ResolvedAccess {
	_, span := tracer.Start(r.Context(), "s4gateway.resolve")
	defer span.End()
	resolveStart := time.Now()
	defer func() {
		p.metrics.PromResolveDuration.Observe(time.Since(resolveStart).Seconds())
	}()

	entity := entityFromPath(r.URL.Path)
	state.entity = entity
	span.SetAttributes(attribute.String("odata.entity", entity))

	alias := r.Header.Get(headerService)
	if alias == "" {
		if entity == "" {
			state.errSummary = "no entity in request path"
			writeError(w, http.StatusNotFound, "entity_unknown", "request path does not name an entity set")
			return nil
		}
		ss, err := access.FindServiceByEntity(snap, key.ID, key.OrganizationID, entity)
		if err != nil {
			p.metrics.IncDenied()
			state.errSummary = "no granted service exposes entity " + entity
			writeError(w, http.StatusNotFound, "entity_unknown",
				fmt.Sprintf("no accessible service exposes entity %q", entity))
			return nil
		}
		alias = ss.Alias
	}

	ra, err := access.ResolveAccessGrant(snap, key.ID, key.OrganizationID, alias, r.Header.Get(headerInstance))
	if err != nil {
		p.writeResolveError(w, err, alias, state)
		return nil
	}
	span.SetAttributes(
		attribute.String("odata.service", alias),
		attribute.String("odata.environment", ra.Instance.Environment),
	)
	return ra
}

func (p *Pipeline) writeResolveError(w http.ResponseWriter, err error, alias string, state *requestState) {
	var ambiguous *access.AmbiguousError
	switch {
	case errors.As(err, &ambiguous):
		state.errSummary = "ambiguous service environment"
		writeErrorFull(w, http.StatusBadRequest, errorDetail{
			Code: "service_ambiguous",
			Message: fmt.Sprintf("service %q is available in environments %s; set %s",
				alias, strings.Join(ambiguous.Environments, ", "), headerInstance),
		})
	case errors.Is(err, access.ErrTenantMismatch):
		p.metrics.IncDenied()
		p.logger.Error("cross-tenant resolution blocked", "service", alias)
		state.errSummary = "tenant isolation violation"
		writeError(w, http.StatusForbidden, "access_denied", "access denied")
	default:
		p.metrics.IncDenied()
		state.errSummary = "no grant for service " + alias
		writeError(w, http.StatusNotFound, "service_not_found",
			fmt.Sprintf("no accessible service %q", alias))
	}
}

// authorize checks the entity/operation permission. A denial writes the
// 403 and guarantees no upstream traffic.
func (p *Pipeline) authorize(w http.ResponseWriter, r *http.Request, ra *access.ResolvedAccess, state *requestState) bool {
	op := access.MethodToOperation(r.Method)
	state.operation = string(op)

	if state.entity == "" {
		state.entity = entityFromPath(r.URL.Path)
	}

	if !access.CheckEntityPermission(ra.Permissions, state.entity, op) {
		p.metrics.IncDenied()
		state.errSummary = fmt.Sprintf("operation %s not permitted on %s", op, state.entity)
		writeError(w, http.StatusForbidden, "operation_not_permitted",
			fmt.Sprintf("operation %q is not permitted on entity %q", op, state.entity))
		return false
	}
	return true
}

// forward executes the upstream call and relays the normalized result.
func (p *Pipeline) forward(w http.ResponseWriter, r *http.Request, ra *access.ResolvedAccess, state *requestState) {
	ctx, span := tracer.Start(r.Context(), "s4gateway.upstream")
	defer span.End()

	var body []byte
	if r.Body != nil && r.Body != http.NoBody {
		var err error
		body, err = io.ReadAll(io.LimitReader(r.Body, maxInboundBody))
		if err != nil {
			state.errSummary = "reading request body failed"
			writeError(w, http.StatusBadRequest, "bad_request", "could not read request body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	call := &odata.CallRequest{
		BaseURL:       ra.Instance.BaseURL,
		ServicePath:   ra.InstanceService.EffectiveServicePath(ra.SystemService),
		Method:        r.Method,
		EntityPath:    strings.TrimPrefix(r.URL.Path, "/"),
		Query:         r.URL.Query(),
		Body:          body,
		ContentType:   r.Header.Get("Content-Type"),
		Auth:          catalog.ResolveAuth(ra.InstanceService.Auth, ra.SystemService.Auth, ra.Instance.Auth),
		Raw:           headerTrue(r, headerRaw),
		StripMetadata: stripRequested(r),
	}

	result, err := p.client.Execute(ctx, call)
	if err != nil {
		p.writeUpstreamError(w, err, state)
		return
	}

	span.SetAttributes(attribute.Int("upstream.status", result.Status))

	ct := result.ContentType
	if ct == "" {
		ct = "application/json"
	}
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(result.Status)
	_, _ = w.Write(result.Body)
}

func (p *Pipeline) writeUpstreamError(w http.ResponseWriter, err error, state *requestState) {
	var proto *odata.ProtocolError
	var transport *odata.TransportError
	switch {
	case errors.As(err, &proto):
		state.errSummary = proto.Message
		code := proto.Code
		if code == "" {
			code = "upstream_error"
		}
		writeErrorFull(w, proto.Status, errorDetail{
			Code:       code,
			Message:    proto.Message,
			Details:    proto.Details,
			InnerError: proto.InnerError,
		})
	case errors.As(err, &transport):
		p.logger.Error("upstream transport failure", "error", transport.Err)
		state.errSummary = "upstream transport failure"
		msg := "upstream system unreachable"
		if !p.production {
			msg = msg + ": " + transport.Err.Error()
		}
		writeError(w, http.StatusBadGateway, "upstream_unreachable", msg)
	default:
		p.logger.Error("request failed", "error", err)
		state.errSummary = "internal error"
		msg := "internal error"
		if !p.production {
			msg = err.Error()
		}
		writeError(w, http.StatusInternalServerError, "internal_error", msg)
	}
}

// entityFromPath returns the entity-set name from the first path segment,
// without any OData key predicate ("A_BusinessPartner('123')" →
// "A_BusinessPartner").
func entityFromPath(path string) string {
	seg := strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(seg, '/'); i >= 0 {
		seg = seg[:i]
	}
	if i := strings.IndexByte(seg, '('); i >= 0 {
		seg = seg[:i]
	}
	return seg
}

// headerTrue interprets a caller flag header ("true"/"1"/"yes").
func headerTrue(r *http.Request, name string) bool {
	switch strings.ToLower(r.Header.Get(name)) {
	case "true", "1", "yes":
		return true
	}
	return false
}

// stripRequested reads X-S4Kit-Strip-Metadata, defaulting to true when the
// header is absent or unrecognized.
func stripRequested(r *http.Request) bool {
	switch strings.ToLower(r.Header.Get(headerStripMetadata)) {
	case "false", "0", "no":
		return false
	}
	return true
}

// Close shuts down the pipeline and releases its resources.
func (p *Pipeline) Close() error {
	p.limiter.Close()
	return p.sink.Close()
}
