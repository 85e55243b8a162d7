// Package compiler turns a declarative internal/ir.EntitySpec into the
// flat opcode programs internal/vm executes, one per (event type,
// instruction) source the entity reacts to. Compilation is pure and
// deterministic: the same EntitySpec always yields byte-identical
// programs, which is what lets the engine recompile on schema reload
// without perturbing already-running state.
package compiler

import (
	"fmt"
	"sort"

	"github.com/luxfi/hyperproj/internal/ir"
	"github.com/luxfi/hyperproj/internal/value"
	"github.com/luxfi/hyperproj/internal/vm"
)

// SchemaError reports a declarative spec that cannot be compiled: an
// illegal population-strategy/condition combination, a missing lookup
// index, or some other static defect caught before any event runs.
type SchemaError struct {
	Entity  string
	Handler string
	Reason  string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("compiler: schema error in %s/%s: %s", e.Entity, e.Handler, e.Reason)
}

// sourceKey identifies one (event type, instruction) pair a compiled
// program runs for.
type sourceKey struct {
	EventType   string
	Instruction string
}

// EntityBytecode is the full set of compiled programs for one entity,
// plus the lookup/temporal index declarations the engine uses to size
// its StateTable.
type EntityBytecode struct {
	Entity   string
	StateID  uint32
	Programs map[sourceKey]vm.Program
	Lookups  []ir.LookupIndexSpec
}

// ProgramFor returns the compiled program for (eventType, instruction),
// if this entity has a handler for it.
func (b EntityBytecode) ProgramFor(eventType, instruction string) (vm.Program, bool) {
	p, ok := b.Programs[sourceKey{EventType: eventType, Instruction: instruction}]
	return p, ok
}

// Compile builds every handler of spec into merged per-source programs.
// Handlers sharing a (EventType, Instruction) source are merged by
// concatenating their mapping bodies between one shared
// prologue (key resolution, ReadOrInitState, ObserveInstruction, hook
// splice) and one shared epilogue (UpdateState, optional EmitMutation) —
// the setup/mappings/teardown split-and-recombine this system has always
// used to let several independently-declared handlers cooperatively
// populate one entity row per event.
func Compile(spec ir.EntitySpec, stateID uint32) (EntityBytecode, error) {
	out := EntityBytecode{
		Entity:   spec.Name,
		StateID:  stateID,
		Programs: make(map[sourceKey]vm.Program),
		Lookups:  append([]ir.LookupIndexSpec(nil), spec.Lookups...),
	}

	grouped := make(map[sourceKey][]ir.HandlerSpec)
	var keys []sourceKey
	for _, h := range spec.Handlers {
		k := sourceKey{EventType: h.Source.EventType, Instruction: h.Source.Instruction}
		if _, seen := grouped[k]; !seen {
			keys = append(keys, k)
		}
		grouped[k] = append(grouped[k], h)
	}
	// Sort explicitly rather than relying on Go's randomized map
	// iteration order, so two compiles of the same spec always produce
	// the same program for the same source — the determinism this
	// package's doc comment promises.
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].EventType != keys[j].EventType {
			return keys[i].EventType < keys[j].EventType
		}
		return keys[i].Instruction < keys[j].Instruction
	})

	for _, k := range keys {
		prog, err := compileSource(spec, k, grouped[k])
		if err != nil {
			return EntityBytecode{}, err
		}
		out.Programs[k] = prog
	}
	return out, nil
}

func compileSource(spec ir.EntitySpec, src sourceKey, handlers []ir.HandlerSpec) (vm.Program, error) {
	var ops []vm.OpCode
	emit := false
	handlerName := handlers[0].Name

	// Prologue: key resolution. Every merged handler on the same source
	// must agree on how the key is resolved; the first handler's
	// KeyResolution is authoritative (mirrors the original compiler's
	// "first declared handler wins the setup phase" rule), since a
	// single event can only carry one identity for this entity.
	keyOps, err := compileKeyResolution(spec, handlers[0])
	if err != nil {
		return vm.Program{}, err
	}
	ops = append(ops, keyOps...)
	ops = append(ops, vm.OverrideIfSrcNotNull{Dst: RegPrimaryKey, Src: RegResolvedKey})

	// Monotonicity check comes first, before ReadOrInitState and any
	// index update: an event whose ordering is not strictly greater
	// than the last one accepted for this key is stale and must not
	// touch state, an index, or anything else. vm.VM.Run stops
	// executing the remaining ops the moment this marks the context
	// stale.
	ops = append(ops, vm.CheckOrdering{KeyReg: RegPrimaryKey})

	ops = append(ops, vm.ReadOrInitState{StateReg: RegState, KeyReg: RegPrimaryKey})
	ops = append(ops, vm.ObserveInstruction{StateReg: RegState})

	// Index updates depend only on the event, so they run once per
	// source right after ReadOrInitState and before any hooked
	// mutation — a stale-ordering discard upstream of this point also
	// discards the index update.
	ops = append(ops, compileIndexUpdates(spec.Lookups)...)

	// Hooks fire before any computed-field evaluation, splice order
	// following declaration order across the merged handlers.
	for _, h := range handlers {
		for _, hook := range h.Hooks {
			if hook.Instruction != src.Instruction {
				continue
			}
			hookOps, err := compileHookActions(hook.Actions)
			if err != nil {
				return vm.Program{}, &SchemaError{Entity: spec.Name, Handler: h.Name, Reason: err.Error()}
			}
			ops = append(ops, hookOps...)
		}
	}

	var computed []vm.ComputedField
	for _, h := range handlers {
		if h.Emit {
			emit = true
		}
		if h.Resolver != nil {
			ops = append(ops,
				vm.LoadEventField{Dst: RegGeneralTemp, Path: h.Resolver.InputField},
				vm.PushResolverRequest{
					ResolverType: h.Resolver.ResolverType,
					Src:          RegGeneralTemp,
					TargetPath:   h.Resolver.TargetPath,
					SubPath:      h.Resolver.SubPath,
				},
			)
		}
		for _, m := range h.Mappings {
			mapOps, comp, err := compileMapping(m)
			if err != nil {
				return vm.Program{}, &SchemaError{Entity: spec.Name, Handler: h.Name, Reason: err.Error()}
			}
			ops = append(ops, mapOps...)
			if comp != nil {
				computed = append(computed, *comp)
			}
		}
	}

	if len(computed) > 0 {
		ops = append(ops, vm.EvaluateComputedFields{StateReg: RegState, Fields: computed})
	}

	ops = append(ops, vm.UpdateState{StateReg: RegState, KeyReg: RegPrimaryKey})
	if emit {
		ops = append(ops, vm.EmitMutation{StateReg: RegState, KeyReg: RegPrimaryKey, Entity: spec.Name})
	}

	return vm.Program{Entity: spec.Name, Handler: handlerName, Ops: ops}, nil
}

func compileKeyResolution(spec ir.EntitySpec, h ir.HandlerSpec) ([]vm.OpCode, error) {
	kr := h.KeyResolution
	switch kr.Strategy {
	case ir.KeyEmbedded:
		field, transform := kr.KeyField, kr.Transform
		if field == "" && kr.InheritFrom != "" {
			for _, other := range spec.Handlers {
				if other.Name == kr.InheritFrom {
					field, transform = other.KeyResolution.KeyField, other.KeyResolution.Transform
					break
				}
			}
		}
		if field == "" {
			return nil, &SchemaError{Entity: spec.Name, Handler: h.Name, Reason: "KeyEmbedded requires a key field"}
		}
		return []vm.OpCode{
			vm.LoadEventField{Dst: RegPrimaryKey, Path: field, Transform: transform},
		}, nil
	case ir.KeyLookup:
		return []vm.OpCode{
			vm.LoadEventField{Dst: RegLookupTempA, Path: kr.LookupField},
			vm.LookupIndex{Dst: RegPrimaryKey, Index: kr.LookupIndex, KeyReg: RegLookupTempA},
		}, nil
	case ir.KeyTemporalLookup:
		return []vm.OpCode{
			vm.LoadEventField{Dst: RegLookupTempA, Path: kr.LookupField},
			vm.GetCurrentTimestamp{Dst: RegTimestamp},
			vm.LookupTemporalIndex{Dst: RegPrimaryKey, Index: kr.LookupIndex, KeyReg: RegLookupTempA, TsReg: RegTimestamp},
		}, nil
	case ir.KeyComputed:
		if kr.KeyExpr == nil {
			return nil, &SchemaError{Entity: spec.Name, Handler: h.Name, Reason: "KeyComputed requires KeyExpr"}
		}
		return []vm.OpCode{
			vm.EvalExprToRegister{Dst: RegPrimaryKey, Expr: kr.KeyExpr},
		}, nil
	default:
		return nil, &SchemaError{Entity: spec.Name, Handler: h.Name, Reason: "unknown key resolution strategy"}
	}
}

// compileIndexUpdates emits an UpdateLookupIndex/UpdateTemporalIndex per
// declared index, reading its source (and, for a temporal index, its
// timestamp) straight off the event. A miss (the event carries no value
// for this source field) is silently skipped by the opcode itself, so
// the same ops run unconditionally for every source this entity reacts
// to — only a subset of sources will ever actually populate any one
// index, which matches the original's "index updates depend only on
// the event" prologue.
func compileIndexUpdates(lookups []ir.LookupIndexSpec) []vm.OpCode {
	var ops []vm.OpCode
	for _, idx := range lookups {
		ops = append(ops, vm.LoadEventField{Dst: RegLookupTempA, Path: idx.SourceField})
		if idx.TemporalField == "" {
			ops = append(ops, vm.UpdateLookupIndex{Index: idx.Name, KeyReg: RegLookupTempA, PKeyReg: RegPrimaryKey})
			continue
		}
		ops = append(ops,
			vm.LoadEventField{Dst: RegTimestamp, Path: idx.TemporalField},
			vm.UpdateTemporalIndex{Index: idx.Name, KeyReg: RegLookupTempA, TsReg: RegTimestamp, PKeyReg: RegPrimaryKey},
		)
	}
	return ops
}

func compileHookActions(actions []ir.HookAction) ([]vm.OpCode, error) {
	var ops []vm.OpCode
	for _, a := range actions {
		switch a.Kind {
		case ir.HookSetField:
			if a.Value == nil {
				return nil, fmt.Errorf("HookSetField requires a Value expression")
			}
			ops = append(ops,
				vm.EvalExprToRegister{Dst: RegHookTemp, Expr: a.Value},
				vm.SetField{Dst: RegState, Path: a.TargetPath, Src: RegHookTemp},
			)
		case ir.HookIncrementField:
			ops = append(ops, vm.SetFieldIncrement{Dst: RegState, Path: a.TargetPath})
		case ir.HookRegisterPdaMapping:
			ops = append(ops,
				vm.GetField{Dst: RegGeneralTemp, Src: RegState, Path: a.PdaField},
				vm.UpdatePdaReverseLookup{AddressReg: RegGeneralTemp, TargetReg: RegPrimaryKey},
			)
		default:
			return nil, fmt.Errorf("unknown hook action kind %v", a.Kind)
		}
	}
	return ops, nil
}

// compileMapping compiles one FieldMapping. A non-nil *vm.ComputedField
// is returned instead of write opcodes when the mapping's target value
// genuinely needs the final EvaluateComputedFields pass (SourceComputed
// with no population/condition wrapping, the common case for derived
// fields that reference other fields already written earlier in the
// same handler body).
func compileMapping(m ir.FieldMapping) ([]vm.OpCode, *vm.ComputedField, error) {
	if err := validatePopulationCondition(m); err != nil {
		return nil, nil, err
	}

	if m.Source.Kind == ir.SourceComputed && m.When == nil && m.Condition == nil &&
		(m.Population == ir.PopulationLastWrite || m.Population == ir.PopulationMerge) {
		return nil, &vm.ComputedField{Path: m.TargetPath, Expr: m.Source.Expr}, nil
	}

	var ops []vm.OpCode
	srcReg := RegMappingTemp
	loadOps, err := compileSourceLoad(m, srcReg)
	if err != nil {
		return nil, nil, err
	}
	ops = append(ops, loadOps...)

	if m.Transform != ir.TransformNone && m.Source.Kind != ir.SourceFromSource {
		ops = append(ops, vm.Transform{Dst: srcReg, Src: srcReg, Kind: m.Transform})
	}

	if m.When != nil {
		ops = append(ops, vm.SetFieldWhen{
			Dst:                RegState,
			Path:               m.TargetPath,
			Src:                srcReg,
			TriggerInstruction: m.When.TriggerInstruction,
			Condition:          m.When.Condition,
		})
		return ops, nil, nil
	}

	cond := effectiveCondition(m)
	writeOps, err := compilePopulationWrite(m, srcReg, cond)
	if err != nil {
		return nil, nil, err
	}
	ops = append(ops, writeOps...)
	return ops, nil, nil
}

// effectiveCondition prefers a mapping's own Condition, falling back to
// its AggregateSpec's Condition — both gate the same write, and exactly
// one is ever expected to be set by the declarative layer.
func effectiveCondition(m ir.FieldMapping) *ir.Condition {
	if m.Condition != nil {
		return m.Condition
	}
	if m.Aggregate != nil {
		return m.Aggregate.Condition
	}
	return nil
}

func validatePopulationCondition(m ir.FieldMapping) error {
	cond := effectiveCondition(m)
	if cond == nil {
		return nil
	}
	switch m.Population {
	case ir.PopulationLastWrite, ir.PopulationMerge, ir.PopulationCount:
		return nil
	default:
		return fmt.Errorf("population strategy %v may not carry a condition (only LastWrite/Merge/Count may)", m.Population)
	}
}

func compilePopulationWrite(m ir.FieldMapping, srcReg int, cond *ir.Condition) ([]vm.OpCode, error) {
	switch m.Population {
	case ir.PopulationSetOnce:
		return []vm.OpCode{vm.SetFieldIfNull{Dst: RegState, Path: m.TargetPath, Src: srcReg}}, nil
	case ir.PopulationLastWrite, ir.PopulationMerge:
		if cond != nil {
			return []vm.OpCode{vm.ConditionalSetField{Dst: RegState, Path: m.TargetPath, Src: srcReg, Condition: cond}}, nil
		}
		return []vm.OpCode{vm.SetField{Dst: RegState, Path: m.TargetPath, Src: srcReg}}, nil
	case ir.PopulationAppend:
		return []vm.OpCode{vm.AppendToArray{Dst: RegState, Path: m.TargetPath, Src: srcReg}}, nil
	case ir.PopulationMax:
		return []vm.OpCode{vm.SetFieldMax{Dst: RegState, Path: m.TargetPath, Src: srcReg}}, nil
	case ir.PopulationMin:
		return []vm.OpCode{vm.SetFieldMin{Dst: RegState, Path: m.TargetPath, Src: srcReg}}, nil
	case ir.PopulationSum:
		return []vm.OpCode{vm.SetFieldSum{Dst: RegState, Path: m.TargetPath, Src: srcReg}}, nil
	case ir.PopulationCount:
		if cond != nil {
			return []vm.OpCode{vm.ConditionalIncrement{Dst: RegState, Path: m.TargetPath, Condition: cond}}, nil
		}
		return []vm.OpCode{vm.SetFieldIncrement{Dst: RegState, Path: m.TargetPath}}, nil
	case ir.PopulationUniqueCount:
		return []vm.OpCode{vm.AddToUniqueSet{Dst: RegState, Path: m.TargetPath, Src: srcReg}}, nil
	default:
		return nil, fmt.Errorf("unknown population strategy %v", m.Population)
	}
}

func compileSourceLoad(m ir.FieldMapping, dst int) ([]vm.OpCode, error) {
	src := m.Source
	if m.Population == ir.PopulationUniqueCount && m.Aggregate != nil && m.Aggregate.UniqueField != "" {
		return []vm.OpCode{vm.LoadEventField{Dst: dst, Path: m.Aggregate.UniqueField, Transform: m.Transform}}, nil
	}
	if src.LookupBy != "" {
		return []vm.OpCode{
			vm.LoadEventField{Dst: RegLookupTempB, Path: src.SourceField},
			vm.LookupIndex{Dst: dst, Index: src.LookupBy, KeyReg: RegLookupTempB},
		}, nil
	}
	switch src.Kind {
	case ir.SourceFromSource:
		return []vm.OpCode{vm.LoadEventField{Dst: dst, Path: src.SourceField, Transform: m.Transform}}, nil
	case ir.SourceConstant:
		return []vm.OpCode{vm.LoadConstant{Dst: dst, Value: value.FromAny(src.Constant)}}, nil
	case ir.SourceComputed:
		if src.Expr == nil {
			return nil, fmt.Errorf("SourceComputed requires Expr")
		}
		return []vm.OpCode{vm.EvalExprToRegister{Dst: dst, Expr: src.Expr}}, nil
	case ir.SourceFromState:
		return []vm.OpCode{vm.GetField{Dst: dst, Src: RegState, Path: src.SourceField}}, nil
	case ir.SourceAsEvent, ir.SourceWholeSource:
		return []vm.OpCode{vm.CreateEvent{Dst: dst}}, nil
	case ir.SourceAsCapture:
		return []vm.OpCode{vm.CreateCapture{Dst: dst, Field: src.CaptureField}}, nil
	case ir.SourceFromContext:
		return compileContextLoad(src.ContextKey, dst)
	default:
		return nil, fmt.Errorf("unknown mapping source kind %v", src.Kind)
	}
}

func compileContextLoad(key string, dst int) ([]vm.OpCode, error) {
	switch key {
	case "block_time", "slot":
		return []vm.OpCode{vm.GetCurrentTimestamp{Dst: dst}}, nil
	case "ordering":
		return []vm.OpCode{vm.GetOrdering{Dst: dst}}, nil
	default:
		return nil, fmt.Errorf("unknown context key %q", key)
	}
}
