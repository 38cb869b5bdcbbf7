package odata

import (
	"context"
	"io"
	"net/http"

	"github.com/s4kit/gateway/internal/observability"
)

// withCredentialRetry runs one upstream call with the bounded
// refresh-and-retry behavior shared by the CSRF and OAuth2 lifecycles: if
// the response signals a stale credential, the credential is refreshed and
// the call repeated exactly once. A second credential failure is returned
// to the caller as-is. This is the only automatic retry in the gateway.
func withCredentialRetry(
	ctx context.Context,
	kind string,
	metrics *observability.Metrics,
	do func(ctx context.Context) (*http.Response, error),
	stale func(*http.Response) bool,
	refresh func(ctx context.Context) error,
) (*http.Response, error) {
	resp, err := do(ctx)
	if err != nil {
		return nil, err
	}
	if !stale(resp) {
		return resp, nil
	}

	drain(resp)
	if err := refresh(ctx); err != nil {
		return nil, err
	}
	if metrics != nil {
		metrics.IncCredentialRetry(kind)
	}
	return do(ctx)
}

// drain discards and closes a response body so the underlying connection
// can be reused for the retry.
func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}
