package resolver_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/luxfi/hyperproj/internal/resolver"
	"github.com/luxfi/hyperproj/internal/resolver/resolvermock"
)

// fakeApplier records every ApplyResolverResult call it receives, keyed by
// cache key, so a test can wait for and then inspect the coordinator's
// eventual callback without touching any unexported field.
type fakeApplier struct {
	mu      sync.Mutex
	results map[string]struct {
		value []byte
		err   error
	}
}

func newFakeApplier() *fakeApplier {
	return &fakeApplier{results: make(map[string]struct {
		value []byte
		err   error
	})}
}

func (f *fakeApplier) ApplyResolverResult(cacheKey string, value []byte, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[cacheKey] = struct {
		value []byte
		err   error
	}{value, err}
}

func (f *fakeApplier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.results)
}

func (f *fakeApplier) get(cacheKey string) ([]byte, error, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.results[cacheKey]
	return r.value, r.err, ok
}

func fastConfig() resolver.Config {
	return resolver.Config{BatchSize: 64, BatchInterval: 5 * time.Millisecond}
}

// TestCoordinator_DedupesRepeatedInputsWithinBatch exercises Testable
// Property 9 (resolver idempotence): three requests naming only two
// distinct inputs must reach ExternalResolver.Resolve as exactly two
// inputs, and every requester still gets its own callback.
func TestCoordinator_DedupesRepeatedInputsWithinBatch(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockResolver := resolvermock.NewMockExternalResolver(ctrl)
	mockResolver.EXPECT().
		Resolve(gomock.Any(), "http_json", gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, inputs []string) (map[string]resolver.Result, error) {
			require.Len(t, inputs, 2)
			return map[string]resolver.Result{
				"mintA": {Value: []byte(`"A"`)},
				"mintB": {Value: []byte(`"B"`)},
			}, nil
		})

	c := resolver.NewCoordinator(fastConfig(), mockResolver, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)

	applier := newFakeApplier()
	c.Submit(resolver.Request{CacheKey: "k1", Type: "http_json", Input: "mintA"}, applier)
	c.Submit(resolver.Request{CacheKey: "k2", Type: "http_json", Input: "mintB"}, applier)
	c.Submit(resolver.Request{CacheKey: "k3", Type: "http_json", Input: "mintA"}, applier)

	require.Eventually(t, func() bool { return applier.count() == 3 }, time.Second, time.Millisecond)

	cancel()
	c.Shutdown()

	v1, err1, ok := applier.get("k1")
	require.True(t, ok)
	require.NoError(t, err1)
	require.Equal(t, []byte(`"A"`), v1)

	v3, err3, ok := applier.get("k3")
	require.True(t, ok)
	require.NoError(t, err3)
	require.Equal(t, []byte(`"A"`), v3)
}

// TestCoordinator_RequeuesOnceThenDrops exercises the "requeue once per
// batch then drop with a counted failure" policy: a resolver that fails
// the same input every time should only ever be called twice for it (the
// original attempt plus exactly one requeue), and the applier should see
// exactly one terminal error callback.
func TestCoordinator_RequeuesOnceThenDrops(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockResolver := resolvermock.NewMockExternalResolver(ctrl)
	mockResolver.EXPECT().
		Resolve(gomock.Any(), "http_json", gomock.Any()).
		Return(map[string]resolver.Result{
			"badMint": {Err: errBadMint},
		}, nil).
		Times(2)

	c := resolver.NewCoordinator(fastConfig(), mockResolver, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)

	applier := newFakeApplier()
	c.Submit(resolver.Request{CacheKey: "bad", Type: "http_json", Input: "badMint"}, applier)

	require.Eventually(t, func() bool { return applier.count() == 1 }, time.Second, time.Millisecond)

	cancel()
	c.Shutdown()

	_, err, ok := applier.get("bad")
	require.True(t, ok)
	require.Error(t, err)
}

// TestCoordinator_SubPathExtraction exercises a URL-style resolver's
// SubPath extraction: the raw JSON payload is narrowed to the declared
// field before ApplyResolverResult is called.
func TestCoordinator_SubPathExtraction(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockResolver := resolvermock.NewMockExternalResolver(ctrl)
	mockResolver.EXPECT().
		Resolve(gomock.Any(), "http_json", []string{"mintA"}).
		Return(map[string]resolver.Result{
			"mintA": {Value: []byte(`{"image":"https://example.invalid/a.png","name":"A"}`)},
		}, nil)

	c := resolver.NewCoordinator(fastConfig(), mockResolver, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)

	applier := newFakeApplier()
	c.Submit(resolver.Request{CacheKey: "k1", Type: "http_json", Input: "mintA", SubPath: "image"}, applier)

	require.Eventually(t, func() bool { return applier.count() == 1 }, time.Second, time.Millisecond)

	cancel()
	c.Shutdown()

	v, err, ok := applier.get("k1")
	require.True(t, ok)
	require.NoError(t, err)
	require.Equal(t, `"https://example.invalid/a.png"`, string(v))
}

var errBadMint = context.DeadlineExceeded
