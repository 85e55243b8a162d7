// Package projcache implements the per-view entity cache: an
// LRU-bounded map of entity key -> latest merged state, with an
// optional best-effort byte-level warm tier for fast repopulation after
// a restart.
package projcache

import (
	"sort"
	"sync"

	"github.com/VictoriaMetrics/fastcache"
	lru "github.com/hashicorp/golang-lru"

	"github.com/luxfi/hyperproj/internal/value"
)

// EntityCacheConfig bounds one view's LRU and its merge behavior.
type EntityCacheConfig struct {
	MaxEntries     int
	MaxArrayLength int
	WarmTierBytes  int
}

func (c EntityCacheConfig) withDefaults() EntityCacheConfig {
	if c.MaxEntries <= 0 {
		c.MaxEntries = 500
	}
	if c.MaxArrayLength <= 0 {
		c.MaxArrayLength = 100
	}
	return c
}

// SnapshotBatchConfig sizes the two-tier batches internal/fanout uses
// to paint a newly-subscribed client: a small initial batch so the
// client sees something immediately, then larger batches to drain the
// rest of the view.
type SnapshotBatchConfig struct {
	InitialBatchSize    int
	SubsequentBatchSize int
}

func (c SnapshotBatchConfig) WithDefaults() SnapshotBatchConfig {
	if c.InitialBatchSize <= 0 {
		c.InitialBatchSize = 50
	}
	if c.SubsequentBatchSize <= 0 {
		c.SubsequentBatchSize = 100
	}
	return c
}

// ViewStat summarizes one view's cache occupancy for Stats().
type ViewStat struct {
	View    string
	Entries int
}

type view struct {
	cfg   EntityCacheConfig
	cache *lru.Cache
}

// Cache holds one LRU (plus an optional fastcache warm tier) per view
// name, grounded on original_source's cache.rs.
type Cache struct {
	mu    sync.RWMutex
	views map[string]*view
	warm  *fastcache.Cache
}

// New constructs an empty Cache. warmTierBytes of 0 disables the warm
// tier entirely (fastcache.New panics below a small minimum, so this
// guards that).
func New(warmTierBytes int) *Cache {
	c := &Cache{views: make(map[string]*view)}
	if warmTierBytes > 0 {
		c.warm = fastcache.New(warmTierBytes)
	}
	return c
}

func (c *Cache) view(name string, cfg EntityCacheConfig) *view {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.views[name]
	if ok {
		return v
	}
	cfg = cfg.withDefaults()
	l, _ := lru.New(cfg.MaxEntries)
	v = &view{cfg: cfg, cache: l}
	c.views[name] = v
	return v
}

// Get returns the cached state for (viewName, key), consulting the warm
// tier only as a pre-warm fallback on an LRU miss — the warm tier is
// never the authoritative answer, it only saves a cold start from
// reading as pure nulls immediately after a process restart.
func (c *Cache) Get(viewName, key string) (value.Value, bool) {
	c.mu.RLock()
	v, ok := c.views[viewName]
	c.mu.RUnlock()
	if !ok {
		return value.Null(), false
	}
	if raw, ok := v.cache.Get(key); ok {
		return raw.(value.Value), true
	}
	if c.warm == nil {
		return value.Null(), false
	}
	warmKey := []byte(viewName + "\x00" + key)
	raw := c.warm.Get(nil, warmKey)
	if raw == nil {
		return value.Null(), false
	}
	var val value.Value
	if err := val.UnmarshalJSON(raw); err != nil {
		return value.Null(), false
	}
	v.cache.Add(key, val)
	return val, true
}

// Upsert merges newVal into the existing cached state for
// (viewName, key) using deepMergeWithAppend, storing and returning the
// merged result. appendPaths names the dotted field paths this view's
// schema declares as Append-strategy (and therefore merge-by-concat
// rather than merge-by-object-union).
func (c *Cache) Upsert(viewName, key string, cfg EntityCacheConfig, appendPaths []string, newVal value.Value) value.Value {
	v := c.view(viewName, cfg)
	var merged value.Value
	if existing, ok := v.cache.Get(key); ok {
		merged = deepMergeWithAppend(existing.(value.Value), newVal, appendPaths, "", v.cfg.MaxArrayLength)
	} else {
		merged = newVal
	}
	v.cache.Add(key, merged)
	if c.warm != nil {
		if raw, err := merged.MarshalJSON(); err == nil {
			c.warm.Set([]byte(viewName+"\x00"+key), raw)
		}
	}
	return merged
}

// Keys returns every key currently cached for viewName, in the LRU's
// recency order — used by internal/fanout to drain an initial snapshot
// batch into a newly-subscribed client when the view has no sorted
// window of its own to supply an order.
func (c *Cache) Keys(viewName string) []string {
	c.mu.RLock()
	v, ok := c.views[viewName]
	c.mu.RUnlock()
	if !ok {
		return nil
	}
	keys := v.cache.Keys()
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.(string)
	}
	return out
}

// Stats reports per-view entry counts, sorted descending, for the top 5
// busiest views — mirroring the original's CacheStats summary.
func (c *Cache) Stats() []ViewStat {
	c.mu.RLock()
	defer c.mu.RUnlock()
	stats := make([]ViewStat, 0, len(c.views))
	for name, v := range c.views {
		stats = append(stats, ViewStat{View: name, Entries: v.cache.Len()})
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Entries != stats[j].Entries {
			return stats[i].Entries > stats[j].Entries
		}
		return stats[i].View < stats[j].View
	})
	if len(stats) > 5 {
		stats = stats[:5]
	}
	return stats
}

// deepMergeWithAppend merges new into old: object keys merge
// recursively; a field whose full dotted path is in appendPaths
// concatenates old+new arrays and truncates from the front at
// maxArrayLen; every other array field replaces outright.
func deepMergeWithAppend(old, next value.Value, appendPaths []string, prefix string, maxArrayLen int) value.Value {
	if old.Kind() != value.KindObject || next.Kind() != value.KindObject {
		return next
	}
	merged := make(map[string]value.Value, len(old.AsObject())+len(next.AsObject()))
	for k, v := range old.AsObject() {
		merged[k] = v
	}
	for k, nv := range next.AsObject() {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		ov, existed := merged[k]
		switch {
		case isAppendPath(path, appendPaths) && ov.Kind() == value.KindArray && nv.Kind() == value.KindArray:
			merged[k] = appendTruncate(ov, nv, maxArrayLen)
		case existed && ov.Kind() == value.KindObject && nv.Kind() == value.KindObject:
			merged[k] = deepMergeWithAppend(ov, nv, appendPaths, path, maxArrayLen)
		default:
			merged[k] = nv
		}
	}
	return value.Object(merged)
}

func isAppendPath(path string, appendPaths []string) bool {
	for _, p := range appendPaths {
		if p == path {
			return true
		}
	}
	return false
}

func appendTruncate(old, next value.Value, maxLen int) value.Value {
	combined := append(append([]value.Value{}, old.AsArray()...), next.AsArray()...)
	if maxLen > 0 && len(combined) > maxLen {
		combined = combined[len(combined)-maxLen:]
	}
	return value.Array(combined)
}
