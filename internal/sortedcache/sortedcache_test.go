package sortedcache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestCache_TotalOrder exercises Testable Property 6: the cache always
// reports a single total order over every key it holds, and an upsert
// that only changes a key's value re-sorts it to its new position.
func TestCache_TotalOrder(t *testing.T) {
	c := New(Ascending)
	c.Upsert("b", IntValue(20))
	c.Upsert("a", IntValue(10))
	c.Upsert("c", IntValue(30))
	require.Equal(t, []string{"a", "b", "c"}, c.OrderedKeys())

	c.Upsert("a", IntValue(40))
	require.Equal(t, []string{"b", "c", "a"}, c.OrderedKeys())
}

func TestCache_DescendingOrder(t *testing.T) {
	c := New(Descending)
	c.Upsert("a", IntValue(10))
	c.Upsert("b", IntValue(20))
	c.Upsert("c", IntValue(30))
	require.Equal(t, []string{"c", "b", "a"}, c.OrderedKeys())
}

// TestCache_TiebreakByKey confirms equal sort values fall back to key
// order, so iteration stays fully deterministic rather than depending on
// insertion order.
func TestCache_TiebreakByKey(t *testing.T) {
	c := New(Ascending)
	c.Upsert("z", IntValue(5))
	c.Upsert("a", IntValue(5))
	c.Upsert("m", IntValue(5))
	require.Equal(t, []string{"a", "m", "z"}, c.OrderedKeys())
}

// TestCache_NullUpdatePreservesSortPosition exercises Testable Property
// 7: upserting Null over a key that already has a non-null sort value
// must not move (or evict) that key.
func TestCache_NullUpdatePreservesSortPosition(t *testing.T) {
	c := New(Ascending)
	c.Upsert("a", IntValue(10))
	c.Upsert("b", IntValue(20))

	res := c.Upsert("a", NullValue())
	require.False(t, res.ValueChanged)
	require.Equal(t, []string{"a", "b"}, c.OrderedKeys())

	v, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, SortInteger, v.Kind)
	require.Equal(t, int64(10), v.I)
}

// TestCache_NullOnFreshKeyIsStillNull: a key that has never held a
// non-null value stays null rather than being silently treated as
// missing — there's no prior value to fall back to.
func TestCache_NullOnFreshKeyIsStillNull(t *testing.T) {
	c := New(Ascending)
	res := c.Upsert("a", NullValue())
	require.True(t, res.Inserted)
	v, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, SortNull, v.Kind)
}

func TestCache_RemoveAndGetWindow(t *testing.T) {
	c := New(Ascending)
	for i, k := range []string{"a", "b", "c", "d", "e"} {
		c.Upsert(k, IntValue(int64(i)))
	}
	require.Equal(t, []string{"b", "c"}, c.GetWindow(1, 2))
	require.Equal(t, []string{"c", "d", "e"}, c.GetWindow(2, 0))
	require.Nil(t, c.GetWindow(10, 2))

	c.Remove("c")
	require.Equal(t, []string{"a", "b", "d", "e"}, c.OrderedKeys())
	_, ok := c.Get("c")
	require.False(t, ok)
}

// TestCache_ComputeWindowDeltas exercises Testable Property 8: the
// entered/left sets over a fixed (skip, take) window correctly track an
// entity crossing the window boundary as the total order changes.
func TestCache_ComputeWindowDeltas(t *testing.T) {
	c := New(Ascending)
	for i, k := range []string{"a", "b", "c"} {
		c.Upsert(k, IntValue(int64(i)))
	}
	prev := c.GetWindow(0, 2) // [a, b]
	require.Equal(t, []string{"a", "b"}, prev)

	// "a" moves past "c": window becomes [b, c], so "a" left and "c"
	// entered.
	c.Upsert("a", IntValue(100))
	delta := c.ComputeWindowDeltas(prev, 0, 2)
	require.ElementsMatch(t, []string{"c"}, delta.Entered)
	require.ElementsMatch(t, []string{"a"}, delta.Left)
}

func TestCache_ComputeWindowDeltas_NoChange(t *testing.T) {
	c := New(Ascending)
	for i, k := range []string{"a", "b", "c"} {
		c.Upsert(k, IntValue(int64(i)))
	}
	prev := c.GetWindow(0, 2)
	delta := c.ComputeWindowDeltas(prev, 0, 2)
	require.Empty(t, delta.Entered)
	require.Empty(t, delta.Left)
}

func TestCompare_KindRankOrdering(t *testing.T) {
	require.Equal(t, -1, Compare(NullValue(), BoolValue(false), Ascending))
	require.Equal(t, -1, Compare(BoolValue(true), IntValue(0), Ascending))
	require.Equal(t, -1, Compare(IntValue(1), StringValue("a"), Ascending))
}

func TestCompare_IntFloatPromotion(t *testing.T) {
	require.Equal(t, 0, Compare(IntValue(3), FloatValue(3.0), Ascending))
	require.Equal(t, -1, Compare(IntValue(3), FloatValue(3.5), Ascending))
	require.Equal(t, 1, Compare(FloatValue(3.5), IntValue(3), Ascending))
}
