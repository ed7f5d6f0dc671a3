// Package fetcher is the bounded-concurrency HTTP client that issues GETs
// against a tile provider (spec.md §4.C).
//
// Generalized from the teacher's tileserver/cache.go fetchTile (a bare
// http.Client with a hand-rolled in-flight map) by separating concerns:
// this package owns only the semaphore-gated GET; single-flight
// deduplication is the memory cache's job (spec.md §4.E), not the
// fetcher's.
package fetcher

import (
	"context"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/semaphore"

	"ridemap/internal/errs"
	"ridemap/internal/provider"
	"ridemap/internal/tilekey"
)

// DefaultTimeout is the per-request deadline spec.md §5 specifies.
const DefaultTimeout = 30 * time.Second

// Fetcher issues GETs against tile providers, bounded to parallelRequests
// outstanding requests at a time via a semaphore. The semaphore is global
// per Fetcher instance, matching the "per provider" scope spec.md §5
// describes for a single-provider deployment; callers running multiple
// providers construct one Fetcher per provider.
type Fetcher struct {
	client  *http.Client
	sem     *semaphore.Weighted
	timeout time.Duration
}

// NewWithTransport is New plus an explicit http.RoundTripper, letting
// callers point a Fetcher at an alternate transport (a test server, a
// proxy). Production callers should prefer New.
func NewWithTransport(parallelRequests int64, timeout time.Duration, transport http.RoundTripper) *Fetcher {
	f := New(parallelRequests, timeout)
	f.client.Transport = transport
	return f
}

// New builds a Fetcher whose semaphore admits at most parallelRequests
// concurrent GETs.
func New(parallelRequests int64, timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Fetcher{
		client:  &http.Client{Timeout: timeout},
		sem:     semaphore.NewWeighted(parallelRequests),
		timeout: timeout,
	}
}

// Fetch acquires a semaphore slot, issues the GET, and returns the raw
// response body. A non-200 status becomes an HttpStatus error; timeouts,
// DNS, and TLS failures become a Network or Timeout error. No retries are
// attempted at this layer — that is the orchestrator's decision (spec.md
// §4.C).
func (f *Fetcher) Fetch(ctx context.Context, key tilekey.Key, cfg *provider.Config) ([]byte, error) {
	if err := f.sem.Acquire(ctx, 1); err != nil {
		return nil, errs.New(errs.Cancelled, err)
	}
	defer f.sem.Release(1)

	reqCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, key.URL(cfg), nil)
	if err != nil {
		return nil, errs.New(errs.Network, err)
	}
	for name, values := range cfg.Headers() {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded {
			return nil, errs.New(errs.Timeout, err)
		}
		if ctx.Err() != nil {
			return nil, errs.New(errs.Cancelled, err)
		}
		return nil, errs.New(errs.Network, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, errs.HTTPStatusError(resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.New(errs.Network, err)
	}
	return data, nil
}
