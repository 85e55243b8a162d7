// Package fanout delivers entity mutations to subscribed clients,
// grounded on original_source/rust/hyperstack-server/src/websocket
// (server.rs, bus.rs, client_manager.rs, subscription.rs). One BusManager
// holds one broadcast primitive per view, selected by the view's
// declared Mode; one ClientManager tracks each connected client's
// outbound buffer and detaches it on backpressure without affecting
// siblings.
package fanout

import (
	"sync"

	"github.com/ethereum/go-ethereum/event"
	gethlog "github.com/ethereum/go-ethereum/log"
	"github.com/hashicorp/go-bexpr"

	"github.com/luxfi/hyperproj/internal/projcache"
	"github.com/luxfi/hyperproj/internal/sortedcache"
	"github.com/luxfi/hyperproj/internal/value"
	"github.com/luxfi/hyperproj/internal/vmerrors"
)

// Mode selects a view's live-update broadcast shape.
type Mode int

const (
	// ModeState broadcasts latest-value-only: a subscriber always sees
	// the newest snapshot on subscribe, then every subsequent change.
	ModeState Mode = iota
	// ModeKv broadcasts every individual mutation to every subscriber,
	// who filters by their own Subscription.
	ModeKv
	// ModeAppend/ModeList additionally re-derive the subscriber's
	// windowed view via sortedcache on every mutation.
	ModeAppend
	ModeList
)

// MutationEnvelope is one broadcast unit: an entity mutation tagged
// with the view, entity key, and payload state.
type MutationEnvelope struct {
	View    string
	Entity  string
	Key     string
	Payload value.Value
	Mode    Mode

	// WindowDelta is set only for a ModeAppend/ModeList subscription
	// whose window membership changed as a result of this mutation
	// (Testable Property 8). Entered keys still need their payload
	// fetched by the recipient (the envelope only carries the
	// triggering key's Payload); Left keys carry no payload at all.
	WindowDelta *sortedcache.ViewDelta
}

// Subscription is one client's standing interest in a view.
type Subscription struct {
	ID      uint64
	View    string
	Key     string   // exact-key interest, if any
	Keys    []string // multi-key interest, if any
	Filters map[string]interface{}
	Skip    int
	Take    int

	evaluator *bexpr.Evaluator

	windowMu   sync.Mutex
	lastWindow []string // this subscriber's window as of the last dispatch/drain
}

// setLastWindow atomically replaces the subscriber's remembered window,
// used both by the initial snapshot drain and by every subsequent
// windowed dispatch so ComputeWindowDeltas always diffs against what
// this specific client was last told, not some shared baseline.
func (s *Subscription) setLastWindow(keys []string) {
	s.windowMu.Lock()
	s.lastWindow = keys
	s.windowMu.Unlock()
}

func (s *Subscription) getLastWindow() []string {
	s.windowMu.Lock()
	defer s.windowMu.Unlock()
	return s.lastWindow
}

// CompileFilters compiles Filters into a bexpr evaluator once per
// subscription, instead of walking a hand-rolled predicate tree on
// every mutation.
func (s *Subscription) CompileFilters(expression string) error {
	if expression == "" {
		s.evaluator = nil
		return nil
	}
	ev, err := bexpr.CreateEvaluator(expression)
	if err != nil {
		return err
	}
	s.evaluator = ev
	return nil
}

// Matches reports whether env is within this subscription's interest:
// exact key, key set, and compiled filter expression (evaluated against
// the mutation's payload as a generic map) must all agree.
func (s *Subscription) Matches(env MutationEnvelope) bool {
	if env.View != s.View {
		return false
	}
	if s.Key != "" && s.Key != env.Key {
		return false
	}
	if len(s.Keys) > 0 && !containsString(s.Keys, env.Key) {
		return false
	}
	if s.evaluator != nil {
		datum := toBexprDatum(env.Payload)
		ok, err := s.evaluator.Evaluate(datum)
		if err != nil || !ok {
			return false
		}
	}
	return true
}

func containsString(haystack []string, needle string) bool {
	for _, h := range haystack {
		if h == needle {
			return true
		}
	}
	return false
}

func toBexprDatum(v value.Value) map[string]interface{} {
	out := make(map[string]interface{}, len(v.AsObject()))
	for k, fv := range v.AsObject() {
		switch fv.Kind() {
		case value.KindString:
			out[k] = fv.AsString()
		case value.KindInt64:
			out[k] = fv.AsInt64()
		case value.KindFloat64:
			out[k] = fv.AsFloat64()
		case value.KindBool:
			out[k] = fv.AsBool()
		default:
			// bexpr only evaluates scalar leaves; nested objects/arrays
			// are not addressable by a subscription filter expression.
		}
	}
	return out
}

// Client is the in-process contract point for one connected subscriber;
// the transport (gorilla/websocket) adapts to this at the edge, out of
// this package's scope.
type Client struct {
	ID     uint64
	Outbox chan MutationEnvelope

	mu       sync.Mutex
	detached bool
}

func newClient(id uint64, bufferSize int) *Client {
	return &Client{ID: id, Outbox: make(chan MutationEnvelope, bufferSize)}
}

// send attempts a non-blocking delivery; a full buffer detaches this
// client permanently rather than blocking the broadcaster or dropping a
// single message silently — a detached client must reconnect and
// resync from a snapshot, which is the original's backpressure
// isolation contract (§5).
func (c *Client) send(env MutationEnvelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.detached {
		return false
	}
	select {
	case c.Outbox <- env:
		return true
	default:
		c.detached = true
		close(c.Outbox)
		return false
	}
}

func (c *Client) isDetached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.detached
}

// viewBus is one view's broadcast primitive.
type viewBus struct {
	mode Mode
	feed event.Feed

	mu         sync.RWMutex
	lastState  MutationEnvelope
	hasState   bool
	windowView *sortedcache.Cache // ModeAppend/ModeList only
}

// BusManager holds one viewBus per view name.
type BusManager struct {
	mu   sync.RWMutex
	buses map[string]*viewBus
}

func NewBusManager() *BusManager {
	return &BusManager{buses: make(map[string]*viewBus)}
}

func (b *BusManager) bus(view string, mode Mode) *viewBus {
	b.mu.Lock()
	defer b.mu.Unlock()
	bus, ok := b.buses[view]
	if !ok {
		bus = &viewBus{mode: mode}
		b.buses[view] = bus
	}
	return bus
}

// Publish broadcasts env to every subscriber of env.View via
// event.Feed.Send, and for ModeState additionally remembers the latest
// value so a newly-subscribing client can be painted immediately.
func (b *BusManager) Publish(env MutationEnvelope, mode Mode) {
	bus := b.bus(env.View, mode)
	if mode == ModeState {
		bus.mu.Lock()
		bus.lastState = env
		bus.hasState = true
		bus.mu.Unlock()
	}
	bus.feed.Send(env)
}

// LastState returns the most recently published state for a ModeState
// view, if any has been published yet.
func (b *BusManager) LastState(view string) (MutationEnvelope, bool) {
	bus := b.bus(view, ModeState)
	bus.mu.RLock()
	defer bus.mu.RUnlock()
	return bus.lastState, bus.hasState
}

// SetWindowCache attaches the sorted view index a ModeAppend/ModeList
// view ranks by, so Dispatch can diff each subscriber's window against
// it. Called once per view at startup, before any event is routed.
func (b *BusManager) SetWindowCache(view string, mode Mode, c *sortedcache.Cache) {
	bus := b.bus(view, mode)
	bus.mu.Lock()
	bus.windowView = c
	bus.mu.Unlock()
}

// WindowCache returns the sorted view index registered for view, if
// any.
func (b *BusManager) WindowCache(view string) (*sortedcache.Cache, bool) {
	bus := b.bus(view, ModeState)
	bus.mu.RLock()
	defer bus.mu.RUnlock()
	return bus.windowView, bus.windowView != nil
}

// Subscribe registers ch to receive every MutationEnvelope published to
// view from now on.
func (b *BusManager) Subscribe(view string, mode Mode, ch chan<- MutationEnvelope) event.Subscription {
	bus := b.bus(view, mode)
	return bus.feed.Subscribe(ch)
}

// ClientManager tracks connected clients and their per-view
// subscriptions, and counts dropped (detached) clients per view for
// C8's health surface.
type ClientManager struct {
	mu            sync.Mutex
	nextID        uint64
	clients       map[uint64]*Client
	subs          map[uint64][]*Subscription
	droppedByView map[string]uint64

	buses    *BusManager
	cache    *projcache.Cache
	batchCfg projcache.SnapshotBatchConfig
	log      gethlog.Logger
}

// NewClientManager wires a ClientManager to the bus manager it dispatches
// through and the entity cache it drains initial snapshots from. log may
// be nil to discard backpressure diagnostics (e.g. in tests).
func NewClientManager(buses *BusManager, cache *projcache.Cache, batchCfg projcache.SnapshotBatchConfig, log gethlog.Logger) *ClientManager {
	return &ClientManager{
		clients:       make(map[uint64]*Client),
		subs:          make(map[uint64][]*Subscription),
		droppedByView: make(map[string]uint64),
		buses:         buses,
		cache:         cache,
		batchCfg:      batchCfg.WithDefaults(),
		log:           log,
	}
}

// Connect registers a new client with a bounded outbox buffer.
func (m *ClientManager) Connect(bufferSize int) *Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	c := newClient(m.nextID, bufferSize)
	m.clients[c.ID] = c
	return c
}

// Disconnect removes a client and its subscriptions.
func (m *ClientManager) Disconnect(clientID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.clients, clientID)
	delete(m.subs, clientID)
}

// Subscribe attaches sub to clientID's subscription set and drains an
// initial snapshot of sub's view into the client in two batches — a
// small InitialBatchSize so the client sees something immediately, then
// the rest in SubsequentBatchSize chunks. The key order
// for a windowed view (ModeAppend/ModeList) comes from that view's
// sorted index at (sub.Skip, sub.Take); every other view drains in
// cache recency order. sub.lastWindow is seeded from the drained keys
// so the first live Dispatch diffs against what the client actually
// received, not an empty baseline.
func (m *ClientManager) Subscribe(clientID uint64, sub *Subscription) {
	m.mu.Lock()
	m.subs[clientID] = append(m.subs[clientID], sub)
	client, ok := m.clients[clientID]
	m.mu.Unlock()
	if !ok {
		return
	}

	keys, windowed := m.snapshotKeys(sub)
	if windowed {
		sub.setLastWindow(keys)
	}
	if m.cache == nil {
		return
	}
	m.drainSnapshot(client, sub, keys)
}

// snapshotKeys returns the key order a new subscriber's initial drain
// (and, for a windowed view, every subsequent dispatch) should use.
func (m *ClientManager) snapshotKeys(sub *Subscription) (keys []string, windowed bool) {
	if wc, ok := m.buses.WindowCache(sub.View); ok {
		return wc.GetWindow(sub.Skip, sub.Take), true
	}
	if m.cache == nil {
		return nil, false
	}
	return m.cache.Keys(sub.View), false
}

func (m *ClientManager) drainSnapshot(client *Client, sub *Subscription, keys []string) {
	batch := m.batchCfg.InitialBatchSize
	for len(keys) > 0 {
		n := batch
		if n > len(keys) {
			n = len(keys)
		}
		for _, key := range keys[:n] {
			payload, ok := m.cache.Get(sub.View, key)
			if !ok {
				continue
			}
			env := MutationEnvelope{View: sub.View, Entity: sub.View, Key: key, Payload: payload}
			if !sub.Matches(env) {
				continue
			}
			if !client.send(env) {
				return
			}
		}
		keys = keys[n:]
		batch = m.batchCfg.SubsequentBatchSize
	}
}

// Dispatch delivers env to every client whose subscription matches,
// detaching (and counting) any client whose outbox is full. For a
// ModeAppend/ModeList view it does not forward the raw mutation
// directly: it diffs the view's sorted window against each matching
// subscriber's own remembered window (Testable Property 8) and sends
// either a WindowDelta envelope (membership changed) or the plain
// envelope (the key is already inside the subscriber's window and only
// its value changed) — a key that stayed outside the window is not
// forwarded at all.
func (m *ClientManager) Dispatch(env MutationEnvelope) {
	m.mu.Lock()
	type target struct {
		client *Client
		sub    *Subscription
	}
	var targets []target
	for id, subs := range m.subs {
		c, ok := m.clients[id]
		if !ok {
			continue
		}
		for _, s := range subs {
			if s.Matches(env) {
				targets = append(targets, target{client: c, sub: s})
				break
			}
		}
	}
	m.mu.Unlock()

	windowed := env.Mode == ModeAppend || env.Mode == ModeList
	var windowCache *sortedcache.Cache
	if windowed {
		windowCache, _ = m.buses.WindowCache(env.View)
	}

	for _, t := range targets {
		out, ok := m.prepareDelivery(env, t.sub, windowCache)
		if !ok {
			continue
		}
		if !t.client.send(out) {
			m.mu.Lock()
			m.droppedByView[env.View]++
			m.mu.Unlock()
			if m.log != nil {
				vmerrors.Log(m.log, &vmerrors.SubscriberBackpressureError{View: env.View, ClientID: t.client.ID})
			}
		}
	}
}

// prepareDelivery applies sub's windowing to env, returning the
// envelope to actually deliver (and whether anything should be
// delivered at all).
func (m *ClientManager) prepareDelivery(env MutationEnvelope, sub *Subscription, windowCache *sortedcache.Cache) (MutationEnvelope, bool) {
	if windowCache == nil {
		return env, true
	}
	cur := windowCache.GetWindow(sub.Skip, sub.Take)
	delta := windowCache.ComputeWindowDeltas(sub.getLastWindow(), sub.Skip, sub.Take)
	sub.setLastWindow(cur)

	if len(delta.Entered) > 0 || len(delta.Left) > 0 {
		out := env
		out.WindowDelta = &delta
		return out, true
	}
	if containsString(cur, env.Key) {
		return env, true
	}
	return env, false
}

// DroppedCount reports how many clients have been detached due to
// backpressure on view, for C8's health export.
func (m *ClientManager) DroppedCount(view string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.droppedByView[view]
}

// IsDetached reports whether a client has been detached.
func (m *ClientManager) IsDetached(clientID uint64) bool {
	m.mu.Lock()
	c, ok := m.clients[clientID]
	m.mu.Unlock()
	if !ok {
		return true
	}
	return c.isDetached()
}
