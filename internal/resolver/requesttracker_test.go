package resolver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRequestTracker_RegisterDeliverWaitRoundTrip(t *testing.T) {
	tr := newRequestTracker()

	id, ch, err := tr.register()
	require.NoError(t, err)

	tr.deliver(id, []byte("hello"), nil)

	val, err := tr.wait(context.Background(), id, ch)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), val)

	// wait always releases its id, whether delivery succeeded or not.
	tr.mu.Lock()
	_, stillPending := tr.pending[id]
	tr.mu.Unlock()
	require.False(t, stillPending)
}

func TestRequestTracker_DeliverToUnknownIDIsNoop(t *testing.T) {
	tr := newRequestTracker()
	require.NotPanics(t, func() { tr.deliver(999, []byte("x"), nil) })
}

// TestRequestTracker_WaitCancelledByContext confirms a waiter that never
// receives a delivery unblocks on context cancellation rather than
// hanging forever, and still releases its id.
func TestRequestTracker_WaitCancelledByContext(t *testing.T) {
	tr := newRequestTracker()
	id, ch, err := tr.register()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	_, err = tr.wait(ctx, id, ch)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	tr.mu.Lock()
	_, stillPending := tr.pending[id]
	tr.mu.Unlock()
	require.False(t, stillPending)
}

// TestRequestTracker_ShutdownUnblocksPendingWaiters exercises the
// clean-shutdown contract: every still-pending waiter unblocks with
// ErrRequestCancelled instead of hanging until its own context deadline.
func TestRequestTracker_ShutdownUnblocksPendingWaiters(t *testing.T) {
	tr := newRequestTracker()
	id, ch, err := tr.register()
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, waitErr := tr.wait(context.Background(), id, ch)
		done <- waitErr
	}()

	tr.shutdown()

	select {
	case waitErr := <-done:
		require.ErrorIs(t, waitErr, ErrRequestCancelled)
	case <-time.After(time.Second):
		t.Fatal("wait did not unblock after shutdown")
	}
}

func TestRequestTracker_RegisterAfterShutdownFails(t *testing.T) {
	tr := newRequestTracker()
	tr.shutdown()

	_, _, err := tr.register()
	require.ErrorIs(t, err, ErrCoordinatorClosed)
}

// TestRequestTracker_ReleaseIsIdempotent confirms releasing an id twice
// (e.g. once from wait's defer, once from a caller that also releases
// defensively) never panics.
func TestRequestTracker_ReleaseIsIdempotent(t *testing.T) {
	tr := newRequestTracker()
	id, _, err := tr.register()
	require.NoError(t, err)

	tr.release(id)
	require.NotPanics(t, func() { tr.release(id) })
}
