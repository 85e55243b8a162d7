package fanout

import (
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/luxfi/hyperproj/internal/projcache"
	"github.com/luxfi/hyperproj/internal/sortedcache"
	"github.com/luxfi/hyperproj/internal/value"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func envelope(view, key string, fields map[string]value.Value) MutationEnvelope {
	v := value.EmptyObject()
	for path, val := range fields {
		v = v.Set(path, val)
	}
	return MutationEnvelope{View: view, Entity: view, Key: key, Payload: v}
}

// TestSubscription_Matches table-drives the three independent filters a
// Subscription can combine: exact key, a key set, and a compiled bexpr
// expression against the mutation's scalar payload fields.
func TestSubscription_Matches(t *testing.T) {
	tests := []struct {
		name string
		sub  func() *Subscription
		env  MutationEnvelope
		want bool
	}{
		{
			name: "wrong view never matches",
			sub:  func() *Subscription { return &Subscription{View: "tokens"} },
			env:  envelope("trades", "mintA", nil),
			want: false,
		},
		{
			name: "exact key matches",
			sub:  func() *Subscription { return &Subscription{View: "tokens", Key: "mintA"} },
			env:  envelope("tokens", "mintA", nil),
			want: true,
		},
		{
			name: "exact key rejects mismatch",
			sub:  func() *Subscription { return &Subscription{View: "tokens", Key: "mintA"} },
			env:  envelope("tokens", "mintB", nil),
			want: false,
		},
		{
			name: "key set matches any member",
			sub:  func() *Subscription { return &Subscription{View: "tokens", Keys: []string{"mintA", "mintB"}} },
			env:  envelope("tokens", "mintB", nil),
			want: true,
		},
		{
			name: "key set rejects non-member",
			sub:  func() *Subscription { return &Subscription{View: "tokens", Keys: []string{"mintA", "mintB"}} },
			env:  envelope("tokens", "mintC", nil),
			want: false,
		},
		{
			name: "filter expression gates on payload field",
			sub: func() *Subscription {
				s := &Subscription{View: "tokens"}
				require.NoError(t, s.CompileFilters(`amount > 1000`))
				return s
			},
			env:  envelope("tokens", "mintA", map[string]value.Value{"amount": value.Int64(5000)}),
			want: true,
		},
		{
			name: "filter expression rejects below threshold",
			sub: func() *Subscription {
				s := &Subscription{View: "tokens"}
				require.NoError(t, s.CompileFilters(`amount > 1000`))
				return s
			},
			env:  envelope("tokens", "mintA", map[string]value.Value{"amount": value.Int64(50)}),
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := tt.sub()
			got := sub.Matches(tt.env)
			if got != tt.want {
				t.Errorf("Matches() = %v, want %v\nsub:  %s\nenv:  %s",
					got, tt.want, spew.Sdump(sub), spew.Sdump(tt.env))
			}
		})
	}
}

// TestClient_SendDetachesOnFullBuffer exercises the backpressure-isolation
// contract: a client whose outbox fills up is detached permanently rather
// than blocking the broadcaster or silently dropping one message.
func TestClient_SendDetachesOnFullBuffer(t *testing.T) {
	c := newClient(1, 2)

	require.True(t, c.send(envelope("tokens", "a", nil)))
	require.True(t, c.send(envelope("tokens", "b", nil)))
	require.False(t, c.send(envelope("tokens", "c", nil)), "third send must overflow the size-2 buffer")
	require.True(t, c.isDetached())

	// Once detached, further sends are rejected without touching the
	// (now closed) channel again.
	require.False(t, c.send(envelope("tokens", "d", nil)))
}

func TestBusManager_PublishRemembersLastState(t *testing.T) {
	b := NewBusManager()
	_, ok := b.LastState("tokens")
	require.False(t, ok)

	env := envelope("tokens", "mintA", map[string]value.Value{"x": value.Int64(1)})
	b.Publish(env, ModeState)

	last, ok := b.LastState("tokens")
	require.True(t, ok)
	require.Equal(t, "mintA", last.Key)

	// ModeKv/ModeAppend publishes must not be mistaken for state.
	b.Publish(envelope("trades", "k1", nil), ModeKv)
	_, ok = b.LastState("trades")
	require.False(t, ok)
}

func TestBusManager_WindowCache(t *testing.T) {
	b := NewBusManager()
	_, ok := b.WindowCache("tokens")
	require.False(t, ok)

	wc := sortedcache.New(sortedcache.Ascending)
	b.SetWindowCache("tokens", ModeList, wc)

	got, ok := b.WindowCache("tokens")
	require.True(t, ok)
	require.Same(t, wc, got)
}

func newTestClientManager(t *testing.T, batchCfg projcache.SnapshotBatchConfig) (*ClientManager, *BusManager, *projcache.Cache) {
	t.Helper()
	buses := NewBusManager()
	cache := projcache.New(0)
	return NewClientManager(buses, cache, batchCfg, nil), buses, cache
}

// TestClientManager_SubscribeDrainsInTwoBatchSizes exercises the two-tier
// initial-snapshot drain: the first InitialBatchSize keys arrive, then the
// remainder in SubsequentBatchSize chunks, all before Subscribe returns.
func TestClientManager_SubscribeDrainsInTwoBatchSizes(t *testing.T) {
	m, _, cache := newTestClientManager(t, projcache.SnapshotBatchConfig{InitialBatchSize: 1, SubsequentBatchSize: 2})

	cfg := projcache.EntityCacheConfig{MaxEntries: 10}
	for _, key := range []string{"a", "b", "c", "d", "e"} {
		cache.Upsert("tokens", key, cfg, nil, value.EmptyObject().Set("id", value.String(key)))
	}

	client := m.Connect(10)
	sub := &Subscription{View: "tokens"}
	m.Subscribe(client.ID, sub)

	var received []string
	close(client.Outbox)
	for env := range client.Outbox {
		received = append(received, env.Key)
	}
	require.Len(t, received, 5)
}

// TestClientManager_DispatchNonWindowedForwardsDirectly confirms a plain
// ModeKv mutation reaches every matching subscriber unmodified, with no
// WindowDelta attached.
func TestClientManager_DispatchNonWindowedForwardsDirectly(t *testing.T) {
	m, _, _ := newTestClientManager(t, projcache.SnapshotBatchConfig{})
	client := m.Connect(10)
	m.Subscribe(client.ID, &Subscription{View: "trades"})

	m.Dispatch(envelope("trades", "t1", map[string]value.Value{"amount": value.Int64(10)}))

	env := <-client.Outbox
	require.Equal(t, "t1", env.Key)
	require.Nil(t, env.WindowDelta)
}

// TestClientManager_DispatchWindowedComputesDelta exercises Testable
// Property 8 through the full Dispatch path: a windowed subscriber only
// receives a WindowDelta when its (skip, take) window's membership
// actually changed, and a key that never enters the window is dropped
// entirely.
func TestClientManager_DispatchWindowedComputesDelta(t *testing.T) {
	m, buses, _ := newTestClientManager(t, projcache.SnapshotBatchConfig{})

	wc := sortedcache.New(sortedcache.Descending)
	wc.Upsert("a", sortedcache.IntValue(10))
	wc.Upsert("b", sortedcache.IntValue(20))
	wc.Upsert("c", sortedcache.IntValue(30))
	buses.SetWindowCache("leaderboard", ModeList, wc)

	client := m.Connect(10)
	sub := &Subscription{View: "leaderboard", Skip: 0, Take: 2}
	sub.setLastWindow(wc.GetWindow(0, 2)) // [c, b]
	m.Subscribe(client.ID, sub)
	// Subscribe's own snapshot drain (view has no projcache entries) sends
	// nothing; drain the channel so only the Dispatch-triggered sends
	// remain below.
	require.Empty(t, client.Outbox)

	// "a" overtakes "b": window becomes [a, c], so "b" left and "a"
	// entered.
	wc.Upsert("a", sortedcache.IntValue(100))
	env := envelope("leaderboard", "a", map[string]value.Value{"score": value.Int64(100)})
	env.Mode = ModeList
	m.Dispatch(env)

	out := <-client.Outbox
	require.NotNil(t, out.WindowDelta)
	require.ElementsMatch(t, []string{"a"}, out.WindowDelta.Entered)
	require.ElementsMatch(t, []string{"b"}, out.WindowDelta.Left)

	// A key outside the window before and after is dropped outright.
	staleEnv := envelope("leaderboard", "z-not-in-window", nil)
	staleEnv.Mode = ModeList
	m.Dispatch(staleEnv)
	require.Empty(t, client.Outbox)
}

// TestClientManager_DispatchDetachesSlowClientAndCountsDrop confirms a
// client whose outbox overflows during Dispatch is detached and counted
// against DroppedCount, without affecting delivery to any other
// subscriber of the same view.
func TestClientManager_DispatchDetachesSlowClientAndCountsDrop(t *testing.T) {
	m, _, _ := newTestClientManager(t, projcache.SnapshotBatchConfig{})

	slow := m.Connect(0) // zero-capacity buffer: the very first send overflows it
	m.Subscribe(slow.ID, &Subscription{View: "trades"})
	fast := m.Connect(10)
	m.Subscribe(fast.ID, &Subscription{View: "trades"})

	m.Dispatch(envelope("trades", "t1", nil))

	require.True(t, m.IsDetached(slow.ID))
	require.Equal(t, uint64(1), m.DroppedCount("trades"))
	require.False(t, m.IsDetached(fast.ID))
	env := <-fast.Outbox
	require.Equal(t, "t1", env.Key)
}
