package projcache

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/hyperproj/internal/value"
)

func obj(fields map[string]interface{}) value.Value {
	return value.FromAny(fields)
}

// TestCache_UpsertMergesObjectFieldsRecursively confirms an Upsert only
// touches the paths the new value actually carries, leaving sibling
// fields from a prior Upsert untouched — the merge-not-replace contract
// every LastWrite/Merge population strategy depends on.
func TestCache_UpsertMergesObjectFieldsRecursively(t *testing.T) {
	c := New(0)
	cfg := EntityCacheConfig{MaxEntries: 10, MaxArrayLength: 10}

	c.Upsert("tokens", "mintA", cfg, nil, obj(map[string]interface{}{
		"info": map[string]interface{}{"name": "A", "symbol": "AAA"},
	}))
	merged := c.Upsert("tokens", "mintA", cfg, nil, obj(map[string]interface{}{
		"info": map[string]interface{}{"symbol": "BBB"},
	}))

	require.Equal(t, "A", merged.Get("info.name").AsString())
	require.Equal(t, "BBB", merged.Get("info.symbol").AsString())
}

// TestCache_AppendPathConcatenatesAndTruncates exercises Scenario F: an
// Append-strategy array field grows with each Upsert and is truncated
// from the front once it exceeds MaxArrayLength.
func TestCache_AppendPathConcatenatesAndTruncates(t *testing.T) {
	c := New(0)
	cfg := EntityCacheConfig{MaxEntries: 10, MaxArrayLength: 3}
	appendPaths := []string{"events.buys"}

	var merged value.Value
	for i := 0; i < 5; i++ {
		merged = c.Upsert("tokens", "mintA", cfg, appendPaths, obj(map[string]interface{}{
			"events": map[string]interface{}{
				"buys": []interface{}{map[string]interface{}{"seq": float64(i)}},
			},
		}))
	}

	buys := merged.Get("events.buys").AsArray()
	require.Len(t, buys, 3)
	require.Equal(t, int64(2), buys[0].Get("seq").AsInt64())
	require.Equal(t, int64(3), buys[1].Get("seq").AsInt64())
	require.Equal(t, int64(4), buys[2].Get("seq").AsInt64())
}

// TestCache_NonAppendArrayReplacesOutright confirms an array field with
// no Append declaration simply replaces, rather than concatenating.
func TestCache_NonAppendArrayReplacesOutright(t *testing.T) {
	c := New(0)
	cfg := EntityCacheConfig{MaxEntries: 10, MaxArrayLength: 10}

	c.Upsert("tokens", "mintA", cfg, nil, obj(map[string]interface{}{
		"tags": []interface{}{"x", "y"},
	}))
	merged := c.Upsert("tokens", "mintA", cfg, nil, obj(map[string]interface{}{
		"tags": []interface{}{"z"},
	}))

	tags := merged.Get("tags").AsArray()
	require.Len(t, tags, 1)
	require.Equal(t, "z", tags[0].AsString())
}

func TestCache_GetMissReturnsNullFalse(t *testing.T) {
	c := New(0)
	v, ok := c.Get("tokens", "nope")
	require.False(t, ok)
	require.True(t, v.IsNull())
}

func TestCache_KeysReflectsView(t *testing.T) {
	c := New(0)
	cfg := EntityCacheConfig{MaxEntries: 10}
	c.Upsert("tokens", "mintA", cfg, nil, obj(map[string]interface{}{"x": float64(1)}))
	c.Upsert("tokens", "mintB", cfg, nil, obj(map[string]interface{}{"x": float64(2)}))
	c.Upsert("other", "k1", cfg, nil, obj(map[string]interface{}{"x": float64(3)}))

	keys := c.Keys("tokens")
	require.ElementsMatch(t, []string{"mintA", "mintB"}, keys)
	require.Empty(t, c.Keys("nonexistent"))
}

func TestCache_StatsSortsDescendingByEntries(t *testing.T) {
	c := New(0)
	cfg := EntityCacheConfig{MaxEntries: 10}
	c.Upsert("small", "a", cfg, nil, obj(map[string]interface{}{"x": float64(1)}))
	c.Upsert("big", "a", cfg, nil, obj(map[string]interface{}{"x": float64(1)}))
	c.Upsert("big", "b", cfg, nil, obj(map[string]interface{}{"x": float64(1)}))

	stats := c.Stats()
	require.Len(t, stats, 2)
	require.Equal(t, "big", stats[0].View)
	require.Equal(t, 2, stats[0].Entries)
	require.Equal(t, "small", stats[1].View)
	require.Equal(t, 1, stats[1].Entries)
}

// TestCache_LRUEvictsLeastRecentlyUsed exercises Testable Property 4 (cap
// enforcement) at the entity-cache level: inserting past MaxEntries
// evicts the least recently touched key, not an arbitrary one.
func TestCache_LRUEvictsLeastRecentlyUsed(t *testing.T) {
	c := New(0)
	cfg := EntityCacheConfig{MaxEntries: 2}
	c.Upsert("tokens", "a", cfg, nil, obj(map[string]interface{}{"x": float64(1)}))
	c.Upsert("tokens", "b", cfg, nil, obj(map[string]interface{}{"x": float64(2)}))
	c.Upsert("tokens", "c", cfg, nil, obj(map[string]interface{}{"x": float64(3)}))

	_, ok := c.Get("tokens", "a")
	require.False(t, ok, "oldest entry should have been evicted")
	_, ok = c.Get("tokens", "b")
	require.True(t, ok)
	_, ok = c.Get("tokens", "c")
	require.True(t, ok)
}
