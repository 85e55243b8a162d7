package vm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/hyperproj/internal/value"
)

var dummyApply = func(v value.Value) value.Value { return v }

// TestStateTable_CheckAndAdvanceOrdering exercises Testable Property 1
// (monotonicity): an event's ordering must be strictly greater than the
// last one accepted for the same key, including a duplicate of the
// current high-water mark.
func TestStateTable_CheckAndAdvanceOrdering(t *testing.T) {
	st := NewStateTable("Test", PdaReverseLookupConfig{}, nil)

	require.True(t, st.checkAndAdvanceOrdering("k1", 5))
	require.False(t, st.checkAndAdvanceOrdering("k1", 5), "duplicate ordering must be rejected")
	require.False(t, st.checkAndAdvanceOrdering("k1", 3), "lower ordering must be rejected")
	require.True(t, st.checkAndAdvanceOrdering("k1", 6))

	// A different key's high-water mark is tracked independently.
	require.True(t, st.checkAndAdvanceOrdering("k2", 1))
}

func TestStateTable_ReadOrInitAndUpdate(t *testing.T) {
	st := NewStateTable("Test", PdaReverseLookupConfig{}, nil)

	fresh := st.ReadOrInit("new-key")
	require.Equal(t, value.KindObject, fresh.Kind())
	require.Empty(t, fresh.AsObject())

	st.Update("new-key", value.FromAny(map[string]interface{}{"x": float64(1)}))
	v, ok := st.Get("new-key")
	require.True(t, ok)
	require.Equal(t, int64(1), v.Get("x").AsInt64())

	again := st.ReadOrInit("new-key")
	require.Equal(t, int64(1), again.Get("x").AsInt64())
}

func TestStateTable_SetFieldWhenStagingAndObserve(t *testing.T) {
	st := NewStateTable("Test", PdaReverseLookupConfig{}, nil)

	require.False(t, st.hasObserved("k1", "Finalize"))
	st.stage("k1", "Finalize", stagedWrite{path: "done", val: value.Bool(true), env: value.EmptyObject()})
	require.Empty(t, st.popStaged("k1", "OtherInstruction"))

	staged := st.popStaged("k1", "Finalize")
	require.Len(t, staged, 1)
	require.Equal(t, "done", staged[0].path)

	// Once popped, the same (key, instruction) pair yields nothing more.
	require.Empty(t, st.popStaged("k1", "Finalize"))

	st.markObserved("k1", "Finalize")
	require.True(t, st.hasObserved("k1", "Finalize"))
}

// TestPdaReverseLookup_RegisterAppliesQueuedPendingInOrder exercises
// Scenario C: updates that arrive before their PDA's owning mint is
// known are queued, then applied in arrival order the moment the PDA is
// registered.
func TestPdaReverseLookup_RegisterAppliesQueuedPendingInOrder(t *testing.T) {
	cfg := PdaReverseLookupConfig{Capacity: 10, PendingCap: 10, PendingTTL: time.Minute, GlobalPendingCap: 100}
	p := newPdaReverseLookup("Test", cfg, nil)

	p.QueuePending("curveA", pendingUpdate{ordering: 1, apply: dummyApply})
	p.QueuePending("curveA", pendingUpdate{ordering: 2, apply: dummyApply})
	p.QueuePending("curveA", pendingUpdate{ordering: 3, apply: dummyApply})

	var appliedOrder []int64
	p.Register("curveA", "mintA", func(u pendingUpdate) { appliedOrder = append(appliedOrder, u.ordering) })

	require.Equal(t, []int64{1, 2, 3}, appliedOrder)
	target, ok := p.Resolve("curveA")
	require.True(t, ok)
	require.Equal(t, "mintA", target)
}

// TestPdaReverseLookup_RefusesRemappingToDifferentTarget confirms a PDA
// address, once bound to a target, can never be silently rebound — the
// first owner wins and the conflicting registration is just dropped
// (logged as a StateConsistencyError upstream, nil-safe here).
func TestPdaReverseLookup_RefusesRemappingToDifferentTarget(t *testing.T) {
	p := newPdaReverseLookup("Test", PdaReverseLookupConfig{}, nil)

	p.Register("curveA", "mintA", func(pendingUpdate) {})
	p.Register("curveA", "mintB", func(pendingUpdate) { t.Fatal("must not apply pending for a refused re-map") })

	target, ok := p.Resolve("curveA")
	require.True(t, ok)
	require.Equal(t, "mintA", target)
}

// TestPdaReverseLookup_PerAddressCapDropsOldest exercises Testable
// Property 4 (cap enforcement) at the per-address pending queue: once an
// address's queue exceeds PendingCap, the entries with the lowest
// ordering are dropped first.
func TestPdaReverseLookup_PerAddressCapDropsOldest(t *testing.T) {
	cfg := PdaReverseLookupConfig{Capacity: 10, PendingCap: 2, PendingTTL: time.Minute, GlobalPendingCap: 100}
	p := newPdaReverseLookup("Test", cfg, nil)

	p.QueuePending("curveA", pendingUpdate{ordering: 1, apply: dummyApply})
	p.QueuePending("curveA", pendingUpdate{ordering: 2, apply: dummyApply})
	p.QueuePending("curveA", pendingUpdate{ordering: 3, apply: dummyApply})

	var appliedOrder []int64
	p.Register("curveA", "mintA", func(u pendingUpdate) { appliedOrder = append(appliedOrder, u.ordering) })
	require.Equal(t, []int64{2, 3}, appliedOrder)
}

// TestPdaReverseLookup_ExpiredPendingPrunedOnNextInsert exercises
// Testable Property 5 (TTL sweep): a pending entry older than PendingTTL
// is dropped the next time that address's queue is touched, rather than
// being applied stale once the address is finally registered.
func TestPdaReverseLookup_ExpiredPendingPrunedOnNextInsert(t *testing.T) {
	cfg := PdaReverseLookupConfig{Capacity: 10, PendingCap: 10, PendingTTL: time.Millisecond, GlobalPendingCap: 100}
	p := newPdaReverseLookup("Test", cfg, nil)

	p.QueuePending("curveA", pendingUpdate{ordering: 1, apply: dummyApply})
	time.Sleep(10 * time.Millisecond)
	p.QueuePending("curveA", pendingUpdate{ordering: 2, apply: dummyApply})

	var appliedOrder []int64
	p.Register("curveA", "mintA", func(u pendingUpdate) { appliedOrder = append(appliedOrder, u.ordering) })
	require.Equal(t, []int64{2}, appliedOrder)
}

// TestPdaReverseLookup_GlobalCapEvictsOldestAcrossAddresses exercises the
// global pending cap, distinct from the per-address cap: once the total
// pending count across every address exceeds GlobalPendingCap, the
// globally oldest-expiring entry is evicted regardless of which address
// it belongs to.
func TestPdaReverseLookup_GlobalCapEvictsOldestAcrossAddresses(t *testing.T) {
	cfg := PdaReverseLookupConfig{Capacity: 100, PendingCap: 10, PendingTTL: time.Minute, GlobalPendingCap: 3}
	p := newPdaReverseLookup("Test", cfg, nil)

	p.QueuePending("curveA", pendingUpdate{ordering: 1, apply: dummyApply})
	p.QueuePending("curveA", pendingUpdate{ordering: 2, apply: dummyApply})
	p.QueuePending("curveB", pendingUpdate{ordering: 10, apply: dummyApply})
	p.QueuePending("curveB", pendingUpdate{ordering: 11, apply: dummyApply})

	require.Equal(t, 3, p.totalPending)

	var appliedA, appliedB []int64
	p.Register("curveA", "mintA", func(u pendingUpdate) { appliedA = append(appliedA, u.ordering) })
	p.Register("curveB", "mintB", func(u pendingUpdate) { appliedB = append(appliedB, u.ordering) })

	require.Equal(t, []int64{2}, appliedA, "curveA's oldest entry (ordering 1) should have been evicted first")
	require.Equal(t, []int64{10, 11}, appliedB)
}

// TestPdaReverseLookup_EvictionFlushesPendingAtomically exercises
// Testable Property 3 (PDA eviction joint-atomicity): when the LRU
// evicts a registered address to make room for a new one, any pending
// updates still queued against the evicted address must be dropped
// together with the mapping, not leaked or applied later.
func TestPdaReverseLookup_EvictionFlushesPendingAtomically(t *testing.T) {
	cfg := PdaReverseLookupConfig{Capacity: 1, PendingCap: 10, PendingTTL: time.Minute, GlobalPendingCap: 100}
	p := newPdaReverseLookup("Test", cfg, nil)

	p.Register("curveA", "mintA", func(pendingUpdate) {})
	p.QueuePending("curveA", pendingUpdate{ordering: 1, apply: dummyApply})
	require.Equal(t, 1, p.totalPending)

	applied := 0
	// Registering curveB evicts curveA from the capacity-1 LRU, which
	// must flush curveA's pending queue via the LRU's OnEvicted hook.
	p.Register("curveB", "mintB", func(pendingUpdate) { applied++ })

	require.Equal(t, 0, p.totalPending)
	require.Equal(t, 0, applied)
	_, ok := p.Resolve("curveA")
	require.False(t, ok)
}

func TestLookupIndex(t *testing.T) {
	li := newLookupIndex()
	_, ok := li.get("missing")
	require.False(t, ok)

	li.set("curveA", "mintA")
	pk, ok := li.get("curveA")
	require.True(t, ok)
	require.Equal(t, "mintA", pk)
}

func TestTemporalIndex_LookupAtOrBefore(t *testing.T) {
	ti := newTemporalIndex()
	ti.update("accountX", 100, "pk-at-100")
	ti.update("accountX", 200, "pk-at-200")
	ti.update("accountX", 50, "pk-at-50") // out-of-order insert

	pk, ok := ti.lookup("accountX", 150)
	require.True(t, ok)
	require.Equal(t, "pk-at-100", pk)

	pk, ok = ti.lookup("accountX", 10)
	require.False(t, ok)

	pk, ok = ti.lookup("accountX", 0) // ts<=0 means latest overall
	require.True(t, ok)
	require.Equal(t, "pk-at-200", pk)
}
