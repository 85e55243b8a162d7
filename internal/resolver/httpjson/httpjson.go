// Package httpjson implements resolver.ExternalResolver by fetching
// each input as a URL and returning its response body, the "http_json"
// resolver type entity specs such as internal/ir/fixtures' PumpfunToken
// declare for off-chain metadata lookups.
package httpjson

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/luxfi/hyperproj/internal/resolver"
)

// Resolver fetches one HTTP GET per distinct input; the coordinator
// above it already deduplicates and batches calls, so this stays a
// simple sequential fetch rather than its own connection pool.
type Resolver struct {
	client *http.Client
}

// New constructs a Resolver with the given per-request timeout (5s if
// zero or negative).
func New(timeout time.Duration) *Resolver {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Resolver{client: &http.Client{Timeout: timeout}}
}

func (r *Resolver) Resolve(ctx context.Context, resolverType string, inputs []string) (map[string]resolver.Result, error) {
	out := make(map[string]resolver.Result, len(inputs))
	for _, in := range inputs {
		out[in] = r.fetch(ctx, in)
	}
	return out, nil
}

func (r *Resolver) fetch(ctx context.Context, url string) resolver.Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return resolver.Result{Err: err}
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return resolver.Result{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resolver.Result{Err: err}
	}
	if resp.StatusCode >= 400 {
		return resolver.Result{Err: fmt.Errorf("httpjson: %s: status %d", url, resp.StatusCode)}
	}
	return resolver.Result{Value: body}
}
