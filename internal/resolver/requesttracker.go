package resolver

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrCoordinatorClosed is returned when a call is issued after Shutdown.
	ErrCoordinatorClosed = errors.New("resolver: coordinator closed")
	// ErrRequestCancelled is returned when a pending request's channel is torn down.
	ErrRequestCancelled = errors.New("resolver: request cancelled")
)

// requestTracker correlates outbound batched resolver calls with their
// results. One call can cover many keys; the tracker hands back a
// per-key channel so callers can await just the keys they asked for
// without blocking on the whole batch.
type requestTracker struct {
	mu      sync.Mutex
	pending map[uint64]chan resolverResult
	nextID  uint64
	closed  bool
}

type resolverResult struct {
	value []byte
	err   error
}

func newRequestTracker() *requestTracker {
	return &requestTracker{
		pending: make(map[uint64]chan resolverResult),
	}
}

// register allocates a request ID and its result channel. The caller must
// eventually call release(id), whether or not a result arrived.
func (t *requestTracker) register() (uint64, chan resolverResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, nil, ErrCoordinatorClosed
	}
	id := t.nextID
	t.nextID++
	ch := make(chan resolverResult, 1)
	t.pending[id] = ch
	return id, ch, nil
}

func (t *requestTracker) release(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, id)
}

// deliver hands a result to the request waiting on id, if any. Non-blocking:
// a request that already gave up (context cancellation) is silently dropped.
func (t *requestTracker) deliver(id uint64, value []byte, err error) {
	t.mu.Lock()
	ch, ok := t.pending[id]
	t.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- resolverResult{value: value, err: err}:
	default:
	}
}

// wait blocks for either a delivered result or ctx cancellation.
func (t *requestTracker) wait(ctx context.Context, id uint64, ch chan resolverResult) ([]byte, error) {
	defer t.release(id)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res, ok := <-ch:
		if !ok {
			return nil, ErrRequestCancelled
		}
		return res.value, res.err
	}
}

// shutdown closes every pending channel so in-flight waiters unblock with
// ErrRequestCancelled instead of hanging until their context deadline.
func (t *requestTracker) shutdown() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for id, ch := range t.pending {
		close(ch)
		delete(t.pending, id)
	}
}
