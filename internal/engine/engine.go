// Package engine wires C1-C8 together: it compiles entity specs,
// routes ingest events to each entity's single-owner VM goroutine,
// drains resolver requests to the coordinator, folds committed
// mutations into the entity/sorted caches, and publishes them to the
// subscription fan-out — all supervised by one errgroup.Group so any
// goroutine's unrecoverable error cancels the whole engine cleanly.
package engine

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	gethlog "github.com/ethereum/go-ethereum/log"

	"github.com/luxfi/hyperproj/internal/compiler"
	"github.com/luxfi/hyperproj/internal/fanout"
	"github.com/luxfi/hyperproj/internal/health"
	"github.com/luxfi/hyperproj/internal/ingest"
	"github.com/luxfi/hyperproj/internal/ir"
	"github.com/luxfi/hyperproj/internal/projcache"
	"github.com/luxfi/hyperproj/internal/resolver"
	"github.com/luxfi/hyperproj/internal/sortedcache"
	"github.com/luxfi/hyperproj/internal/value"
	"github.com/luxfi/hyperproj/internal/vm"
	"github.com/luxfi/hyperproj/internal/vmerrors"
)

// EntityConfig is everything the engine needs to run one compiled
// entity: its bytecode, the view mode it publishes under, and the
// append-paths its cache merge must treat specially.
type EntityConfig struct {
	Spec        ir.EntitySpec
	StateID     uint32
	Mode        fanout.Mode
	AppendPaths []string
	PdaConfig   vm.PdaReverseLookupConfig
	CacheConfig projcache.EntityCacheConfig
}

type entityRuntime struct {
	name    string
	cfg     EntityConfig
	bc      compiler.EntityBytecode
	vm      *vm.VM
	inbox   chan ingest.Event
	sortKey string // lookup index name supplying this entity's sort value, if any
}

// Engine owns every per-entity VM, the resolver coordinator, the
// caches, and the fan-out, and supervises them with one errgroup.
type Engine struct {
	log gethlog.Logger

	source    ingest.Source
	resolver  *resolver.Coordinator
	cache     *projcache.Cache
	sorted    map[string]*sortedcache.Cache
	buses     *fanout.BusManager
	clients   *fanout.ClientManager
	health    *health.Tracker
	entities  map[string]*entityRuntime
	sourceMap map[string][]string // (eventType|instruction) -> entity names
}

// New compiles every entity in entities and wires up the supporting
// components. extResolver may be nil if no entity declares a resolver
// hook.
func New(
	log gethlog.Logger,
	src ingest.Source,
	extResolver resolver.ExternalResolver,
	resolverCfg resolver.Config,
	cache *projcache.Cache,
	buses *fanout.BusManager,
	clients *fanout.ClientManager,
	tracker *health.Tracker,
	entities []EntityConfig,
) (*Engine, error) {
	e := &Engine{
		log:       log,
		source:    src,
		cache:     cache,
		sorted:    make(map[string]*sortedcache.Cache),
		buses:     buses,
		clients:   clients,
		health:    tracker,
		entities:  make(map[string]*entityRuntime),
		sourceMap: make(map[string][]string),
	}
	if extResolver != nil {
		e.resolver = resolver.NewCoordinator(resolverCfg, extResolver, log)
	}

	for _, cfg := range entities {
		bc, err := compiler.Compile(cfg.Spec, cfg.StateID)
		if err != nil {
			schemaErr := &vmerrors.SchemaError{Entity: cfg.Spec.Name, Reason: err.Error()}
			vmerrors.Log(log, schemaErr)
			return nil, schemaErr
		}
		table := vm.NewStateTable(cfg.Spec.Name, cfg.PdaConfig, log)
		rt := &entityRuntime{
			name:  cfg.Spec.Name,
			cfg:   cfg,
			bc:    bc,
			vm:    vm.New(cfg.Spec.Name, table),
			inbox: make(chan ingest.Event, 256),
		}
		e.entities[cfg.Spec.Name] = rt
		for k := range bc.Programs {
			key := sourceMapKey(k.EventType, k.Instruction)
			e.sourceMap[key] = append(e.sourceMap[key], cfg.Spec.Name)
		}
		if cfg.Mode == fanout.ModeAppend || cfg.Mode == fanout.ModeList {
			sc := sortedcache.New(sortedcache.Ascending)
			e.sorted[cfg.Spec.Name] = sc
			e.buses.SetWindowCache(cfg.Spec.Name, cfg.Mode, sc)
		}
	}
	return e, nil
}

func sourceMapKey(eventType, instruction string) string {
	return eventType + "\x00" + instruction
}

// Run starts the router, every entity worker, and (if configured) the
// resolver coordinator, blocking until ctx is cancelled or an
// unrecoverable error occurs in any of them.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if e.resolver != nil {
		g.Go(func() error {
			e.resolver.Run(ctx)
			return nil
		})
	}

	for _, rt := range e.entities {
		rt := rt
		g.Go(func() error { return e.runEntity(ctx, rt) })
	}

	g.Go(func() error { return e.route(ctx) })

	return g.Wait()
}

// route reads the ingest source and fans each event out to every
// entity whose compiled programs react to its (Type, Instruction).
func (e *Engine) route(ctx context.Context) error {
	defer func() {
		for _, rt := range e.entities {
			close(rt.inbox)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-e.source.Events():
			if !ok {
				return nil
			}
			targets := e.sourceMap[sourceMapKey(ev.Type, ev.Instruction)]
			if len(targets) == 0 {
				continue
			}
			for _, name := range targets {
				rt := e.entities[name]
				select {
				case rt.inbox <- ev:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			if err := e.source.Ack(ev.Ordering); err != nil {
				e.log.Warn("ingest ack failed", "err", err)
			}
		}
	}
}

// runEntity is the single goroutine that owns rt's VM and StateTable:
// no other goroutine ever touches rt.vm or rt.vm.Table.
func (e *Engine) runEntity(ctx context.Context, rt *entityRuntime) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-rt.inbox:
			if !ok {
				return nil
			}
			prog, found := rt.bc.ProgramFor(ev.Type, ev.Instruction)
			if !found {
				continue
			}
			execCtx, err := rt.vm.Run(prog, ev.Payload, ev.Type, ev.Instruction, ev.Ordering, ev.BlockTime)
			if err != nil {
				vmerrors.Log(e.log, err)
				e.health.RecordError(rt.name)
				continue
			}
			e.health.RecordEvent(rt.name, health.Watermark{Slot: ev.Slot, SubIndex: ev.SubIndex})

			for _, req := range execCtx.DrainResolverRequests() {
				if e.resolver == nil {
					e.log.Warn("resolver request with no coordinator configured", "entity", rt.name)
					continue
				}
				e.resolver.Submit(req, rt.vm)
			}

			for _, mut := range execCtx.Mutations {
				e.commitMutation(rt, mut)
			}
		}
	}
}

func (e *Engine) commitMutation(rt *entityRuntime, mut vm.Mutation) {
	merged := e.cache.Upsert(rt.name, mut.Key, rt.cfg.CacheConfig, rt.cfg.AppendPaths, mut.State)

	if sc, ok := e.sorted[rt.name]; ok {
		sortVal := extractSortValue(merged, rt.sortKey)
		sc.Upsert(mut.Key, sortVal)
	}

	env := fanout.MutationEnvelope{View: rt.name, Entity: rt.name, Key: mut.Key, Payload: merged, Mode: rt.cfg.Mode}
	e.buses.Publish(env, rt.cfg.Mode)
	e.clients.Dispatch(env)
}

func extractSortValue(v value.Value, field string) sortedcache.SortValue {
	if field == "" {
		return sortedcache.NullValue()
	}
	fv := v.Get(field)
	switch fv.Kind() {
	case value.KindInt64:
		return sortedcache.IntValue(fv.AsInt64())
	case value.KindFloat64:
		return sortedcache.FloatValue(fv.AsFloat64())
	case value.KindString:
		return sortedcache.StringValue(fv.AsString())
	case value.KindBool:
		return sortedcache.BoolValue(fv.AsBool())
	default:
		return sortedcache.NullValue()
	}
}

// Shutdown stops the resolver coordinator and closes the ingest
// source. Call after Run's errgroup has returned.
func (e *Engine) Shutdown() error {
	if e.resolver != nil {
		e.resolver.Shutdown()
	}
	if err := e.source.Close(); err != nil {
		return fmt.Errorf("engine: closing ingest source: %w", err)
	}
	return nil
}
