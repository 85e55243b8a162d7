package vm

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	gethlog "github.com/ethereum/go-ethereum/log"
	lru "github.com/hashicorp/golang-lru"

	"github.com/luxfi/hyperproj/internal/ir"
	"github.com/luxfi/hyperproj/internal/value"
	"github.com/luxfi/hyperproj/internal/vmerrors"
)

// lookupIndex is an exact-match secondary index: lookup value -> primary key.
type lookupIndex struct {
	mu   sync.RWMutex
	data map[string]string
}

func newLookupIndex() *lookupIndex {
	return &lookupIndex{data: make(map[string]string)}
}

func (l *lookupIndex) set(key, primaryKey string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.data[key] = primaryKey
}

func (l *lookupIndex) get(key string) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	v, ok := l.data[key]
	return v, ok
}

// temporalEntry is one (timestamp, primaryKey) sample in a temporal index.
type temporalEntry struct {
	ts        int64
	primaryKey string
}

// temporalIndex answers "what was the primary key for this lookup value
// at-or-before timestamp T", keeping samples sorted by timestamp per
// lookup value.
type temporalIndex struct {
	mu      sync.RWMutex
	samples map[string][]temporalEntry
}

func newTemporalIndex() *temporalIndex {
	return &temporalIndex{samples: make(map[string][]temporalEntry)}
}

func (t *temporalIndex) update(key string, ts int64, primaryKey string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entries := t.samples[key]
	// Insertion keeps entries sorted by ts; ties keep insertion order
	// (later update at the same ts wins a lookup via last-match scan).
	i := len(entries)
	for i > 0 && entries[i-1].ts > ts {
		i--
	}
	entries = append(entries, temporalEntry{})
	copy(entries[i+1:], entries[i:])
	entries[i] = temporalEntry{ts: ts, primaryKey: primaryKey}
	t.samples[key] = entries
}

// lookup returns the primary key whose sample timestamp is the latest
// one at-or-before ts. If ts is 0, the latest sample overall is used.
func (t *temporalIndex) lookup(key string, ts int64) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entries := t.samples[key]
	if len(entries) == 0 {
		return "", false
	}
	if ts <= 0 {
		return entries[len(entries)-1].primaryKey, true
	}
	best := -1
	for i, e := range entries {
		if e.ts <= ts {
			best = i
		} else {
			break
		}
	}
	if best < 0 {
		return "", false
	}
	return entries[best].primaryKey, true
}

// pendingUpdate is one out-of-order mutation queued against an address
// not yet observed via a PDA reverse lookup registration.
type pendingUpdate struct {
	ordering int64
	apply    func(state value.Value) value.Value
	expireAt time.Time
}

// pendingQueue holds bounded, TTL'd, deduplicated-by-ordering pending
// updates for one reverse-lookup address.
type pendingQueue struct {
	updates []pendingUpdate
}

// insert first prunes expired entries, then discards an incoming entry
// whose ordering is not greater than every queued entry's (equal
// orderings never overwrite an existing entry); an accepted entry is
// appended, so a queue can hold several entries in increasing ordering.
// insert reports whether its per-address cap was exceeded and an entry
// had to be dropped, so the caller can raise a QueueOverflowError.
func (q *pendingQueue) insert(u pendingUpdate, cap int, ttl time.Duration) (overflowed bool) {
	now := time.Now()
	kept := q.updates[:0]
	for _, existing := range q.updates {
		if now.After(existing.expireAt) {
			continue
		}
		kept = append(kept, existing)
	}
	q.updates = kept

	for _, existing := range q.updates {
		if existing.ordering >= u.ordering {
			return false
		}
	}
	u.expireAt = now.Add(ttl)
	q.updates = append(q.updates, u)
	if len(q.updates) > cap {
		q.updates = q.updates[len(q.updates)-cap:]
		return true
	}
	return false
}

func (q *pendingQueue) drain() []pendingUpdate {
	out := q.updates
	q.updates = nil
	return out
}

// PdaReverseLookupConfig bounds the reverse-lookup LRU and its pending
// queues.
type PdaReverseLookupConfig struct {
	Capacity         int
	PendingCap       int
	PendingTTL       time.Duration
	GlobalPendingCap int
}

func (c PdaReverseLookupConfig) withDefaults() PdaReverseLookupConfig {
	if c.Capacity <= 0 {
		c.Capacity = 10_000
	}
	if c.PendingCap <= 0 {
		c.PendingCap = 10
	}
	if c.PendingTTL <= 0 {
		c.PendingTTL = 300 * time.Second
	}
	if c.GlobalPendingCap <= 0 {
		c.GlobalPendingCap = 10_000
	}
	return c
}

// pdaReverseLookup maps a derived address (PDA) back to its owning
// target (e.g. mint), with an LRU bound. Eviction must flush all
// pending updates queued for the evicted address atomically — dropping
// them silently would lose mutations that arrived before the address
// was known.
type pdaReverseLookup struct {
	cfg     PdaReverseLookupConfig
	entity  string
	log     gethlog.Logger
	mu      sync.Mutex
	cache   *lru.Cache
	pending map[string]*pendingQueue

	// totalPending is the sum of len(q.updates) across every address's
	// queue, kept current so QueuePending can enforce the global
	// pending-updates cap without an O(n) walk of every queue on each
	// insert.
	totalPending int
}

func newPdaReverseLookup(entity string, cfg PdaReverseLookupConfig, log gethlog.Logger) *pdaReverseLookup {
	cfg = cfg.withDefaults()
	p := &pdaReverseLookup{
		cfg:     cfg,
		entity:  entity,
		log:     log,
		pending: make(map[string]*pendingQueue),
	}
	// OnEvicted flushes that address's pending queue before the mapping
	// is gone, so a pending update never ends up orphaned.
	c, _ := lru.NewWithEvict(cfg.Capacity, func(key, _ interface{}) {
		p.flushPendingLocked(key.(string))
	})
	p.cache = c
	return p
}

// Register associates address -> target, applying (and clearing) any
// pending updates queued for address in ordering order. Re-registering
// an address already mapped to a different target is a consistency
// violation: a derived address (PDA) belongs to exactly one owner for
// its whole lifetime, so two owners claiming it means the upstream
// event stream or the schema's key derivation is wrong.
func (p *pdaReverseLookup) Register(address, target string, apply func(pendingUpdate)) {
	p.mu.Lock()
	if prior, ok := p.cache.Get(address); ok && prior.(string) != target {
		p.mu.Unlock()
		if p.log != nil {
			vmerrors.Log(p.log, &vmerrors.StateConsistencyError{
				Entity: p.entity,
				Reason: fmt.Sprintf("address %q already mapped to %q, refusing to re-map to %q", address, prior, target),
			})
		}
		return
	}
	p.cache.Add(address, target)
	q := p.pending[address]
	delete(p.pending, address)
	if q != nil {
		p.totalPending -= len(q.updates)
	}
	p.mu.Unlock()

	if q == nil {
		return
	}
	for _, u := range q.drain() {
		apply(u)
	}
}

func (p *pdaReverseLookup) Resolve(address string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.cache.Get(address)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// QueuePending stores an update for an address whose target hasn't
// been registered yet.
func (p *pdaReverseLookup) QueuePending(address string, u pendingUpdate) {
	p.mu.Lock()
	q := p.pending[address]
	if q == nil {
		q = &pendingQueue{}
		p.pending[address] = q
	}
	before := len(q.updates)
	overflowed := q.insert(u, p.cfg.PendingCap, p.cfg.PendingTTL)
	p.totalPending += len(q.updates) - before
	globalOverflow := p.totalPending > p.cfg.GlobalPendingCap
	p.evictGlobalOverflowLocked()
	p.mu.Unlock()

	if (overflowed || globalOverflow) && p.log != nil {
		vmerrors.Log(p.log, &vmerrors.QueueOverflowError{Entity: p.entity, Key: address})
	}
}

// evictGlobalOverflowLocked drops the globally oldest-expiring pending
// update, repeatedly, until the total pending count across every
// address is back within cfg.GlobalPendingCap. Must be called with
// p.mu held. GlobalPendingCap is distinct from PendingCap, which only
// bounds one address's own queue.
func (p *pdaReverseLookup) evictGlobalOverflowLocked() {
	for p.totalPending > p.cfg.GlobalPendingCap {
		var oldestAddr string
		oldestIdx := -1
		var oldestAt time.Time
		for addr, q := range p.pending {
			for i, u := range q.updates {
				if oldestIdx == -1 || u.expireAt.Before(oldestAt) {
					oldestAddr, oldestIdx, oldestAt = addr, i, u.expireAt
				}
			}
		}
		if oldestIdx == -1 {
			return
		}
		q := p.pending[oldestAddr]
		q.updates = append(q.updates[:oldestIdx], q.updates[oldestIdx+1:]...)
		p.totalPending--
		if len(q.updates) == 0 {
			delete(p.pending, oldestAddr)
		}
	}
}

// flushPendingLocked drops (without applying) the pending queue for an
// address evicted from the LRU: the mapping that would have resolved
// it is gone, so the updates can never be applied and are discarded
// rather than leaked. Must be called with p.mu held (lru's OnEvicted
// runs synchronously inside Add/Get while the caller already holds the
// lock in this package's usage).
func (p *pdaReverseLookup) flushPendingLocked(address string) {
	if q := p.pending[address]; q != nil {
		p.totalPending -= len(q.updates)
	}
	delete(p.pending, address)
}

// stagedWrite is a SetFieldWhen write that arrived before its gating
// instruction was observed for this key. It is kept exactly as it would
// have been applied at the original execution time: the target path,
// the value to write, the optional re-evaluated condition, and the
// event snapshot the condition must be checked against.
type stagedWrite struct {
	path string
	val  value.Value
	cond *ir.Condition
	env  value.Value
}

// stagedKey identifies one (entity key, gating instruction) pair.
type stagedKey struct {
	key         string
	instruction string
}

// StateTable holds one entity type's full per-key state plus its
// indexes.
type StateTable struct {
	mu              sync.RWMutex
	data            map[string]value.Value
	lookupIndexes   map[string]*lookupIndex
	temporalIndexes map[string]*temporalIndex
	pdaReverse      *pdaReverseLookup
	opCount         uint64
	sweepList       *list.List // nothing adds to it; the periodic TTL sweep walks pdaReverse.pending

	// observed/staged back SetFieldWhen: observed[key][instruction]
	// records that instruction has been seen for key (set by
	// ObserveInstruction, the first body opcode of every handler);
	// staged holds writes a SetFieldWhen recorded before its trigger
	// instruction was observed, keyed by the same (key, instruction)
	// pair so ObserveInstruction can pop and apply them in arrival order.
	observed map[string]map[string]bool
	staged   map[stagedKey][]stagedWrite

	// lastOrdering records the highest event ordering accepted per key so
	// far, enforcing the strictly-monotonic recency rule: an event whose
	// ordering is not greater than what's recorded here is a stale replay
	// or duplicate and must be dropped before it touches state.
	lastOrdering map[string]int64
}

// NewStateTable constructs an empty table for one entity type. log may
// be nil in tests that don't care about overflow diagnostics; New (the
// VM constructor called from internal/engine) always supplies one.
func NewStateTable(entity string, pdaCfg PdaReverseLookupConfig, log gethlog.Logger) *StateTable {
	return &StateTable{
		data:            make(map[string]value.Value),
		lookupIndexes:   make(map[string]*lookupIndex),
		temporalIndexes: make(map[string]*temporalIndex),
		pdaReverse:      newPdaReverseLookup(entity, pdaCfg, log),
		sweepList:       list.New(),
		observed:        make(map[string]map[string]bool),
		staged:          make(map[stagedKey][]stagedWrite),
		lastOrdering:    make(map[string]int64),
	}
}

// checkAndAdvanceOrdering reports whether ordering is strictly greater
// than the last ordering accepted for key, recording it as the new high
// water mark when it is. A key seen for the first time always passes.
func (s *StateTable) checkAndAdvanceOrdering(key string, ordering int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.lastOrdering[key]; ok && ordering <= last {
		return false
	}
	s.lastOrdering[key] = ordering
	return true
}

// hasObserved reports whether instruction has already fired for key.
func (s *StateTable) hasObserved(key, instruction string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.observed[key][instruction]
}

// markObserved records that instruction has fired for key. Idempotent:
// a repeat observation (e.g. the same instruction occurring again for
// the same key) simply keeps the flag set.
func (s *StateTable) markObserved(key, instruction string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.observed[key]
	if m == nil {
		m = make(map[string]bool)
		s.observed[key] = m
	}
	m[instruction] = true
}

// stage queues a SetFieldWhen write until instruction is observed for key.
func (s *StateTable) stage(key, instruction string, w stagedWrite) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := stagedKey{key: key, instruction: instruction}
	s.staged[k] = append(s.staged[k], w)
}

// popStaged removes and returns, in arrival order, every write staged
// for (key, instruction).
func (s *StateTable) popStaged(key, instruction string) []stagedWrite {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := stagedKey{key: key, instruction: instruction}
	w := s.staged[k]
	delete(s.staged, k)
	return w
}

// ReadOrInit returns the current state for key, or an empty object if
// this is the first time key has been observed.
func (s *StateTable) ReadOrInit(key string) value.Value {
	s.mu.RLock()
	v, ok := s.data[key]
	s.mu.RUnlock()
	if ok {
		return v
	}
	return value.EmptyObject()
}

func (s *StateTable) Update(key string, v value.Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = v
}

func (s *StateTable) Get(key string) (value.Value, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

func (s *StateTable) lookup(name string) *lookupIndex {
	s.mu.Lock()
	defer s.mu.Unlock()
	li, ok := s.lookupIndexes[name]
	if !ok {
		li = newLookupIndex()
		s.lookupIndexes[name] = li
	}
	return li
}

func (s *StateTable) temporal(name string) *temporalIndex {
	s.mu.Lock()
	defer s.mu.Unlock()
	ti, ok := s.temporalIndexes[name]
	if !ok {
		ti = newTemporalIndex()
		s.temporalIndexes[name] = ti
	}
	return ti
}

// maybeSweepExpiredPending drops expired entries from every pending
// queue once every 1000 calls. It is called once per VM.Run, so the
// cadence counts handler runs, not individual opcodes. Expired entries
// are also pruned lazily on insert (see pendingQueue.insert).
func (s *StateTable) maybeSweepExpiredPending() {
	s.mu.Lock()
	s.opCount++
	due := s.opCount%1000 == 0
	s.mu.Unlock()
	if !due {
		return
	}
	p := s.pdaReverse
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	for addr, q := range p.pending {
		kept := q.updates[:0]
		for _, u := range q.updates {
			if !now.After(u.expireAt) {
				kept = append(kept, u)
			}
		}
		p.totalPending -= len(q.updates) - len(kept)
		if q.updates = kept; len(kept) == 0 {
			delete(p.pending, addr)
		}
	}
}
