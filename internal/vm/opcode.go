package vm

import (
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/mr-tron/base58"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/luxfi/hyperproj/internal/ir"
	irexpr "github.com/luxfi/hyperproj/internal/ir/compexpr"
	compexpr "github.com/luxfi/hyperproj/internal/vm/compexpr"
	"github.com/luxfi/hyperproj/internal/value"
)

// OpCode is one instruction in a compiled EntityBytecode program. Exec
// must complete synchronously with only in-memory operations — nothing
// in the hot path is allowed to suspend.
type OpCode interface {
	Exec(ctx *ExecContext) error
}

// LoadEventField loads a dotted field path from the triggering event
// into a register, applying an optional transform.
type LoadEventField struct {
	Dst       int
	Path      string
	Transform ir.TransformKind
}

func (op LoadEventField) Exec(ctx *ExecContext) error {
	v := ctx.Event.Get(op.Path)
	ctx.Regs[op.Dst] = applyTransform(op.Transform, v)
	return nil
}

// LoadConstant loads a literal value into a register.
type LoadConstant struct {
	Dst   int
	Value value.Value
}

func (op LoadConstant) Exec(ctx *ExecContext) error {
	ctx.Regs[op.Dst] = op.Value
	return nil
}

// CopyRegister copies Src into Dst unconditionally.
type CopyRegister struct{ Dst, Src int }

func (op CopyRegister) Exec(ctx *ExecContext) error {
	ctx.Regs[op.Dst] = ctx.Regs[op.Src]
	return nil
}

// CopyRegisterIfNull copies Src into Dst only if Dst currently holds
// null. This is what makes a resolver-provided key (R19) authoritative
// over a handler's own key-loading logic when present.
type CopyRegisterIfNull struct{ Dst, Src int }

func (op CopyRegisterIfNull) Exec(ctx *ExecContext) error {
	if ctx.Regs[op.Dst].IsNull() {
		ctx.Regs[op.Dst] = ctx.Regs[op.Src]
	}
	return nil
}

// OverrideIfSrcNotNull copies Src into Dst whenever Src is non-null,
// unconditionally replacing whatever Dst already held. This is what
// makes a resolver-provided key (R19) win over a handler's own
// key-loading opcodes once a resolver result has arrived, regardless of
// what the handler's own resolution already computed.
type OverrideIfSrcNotNull struct{ Dst, Src int }

func (op OverrideIfSrcNotNull) Exec(ctx *ExecContext) error {
	if !ctx.Regs[op.Src].IsNull() {
		ctx.Regs[op.Dst] = ctx.Regs[op.Src]
	}
	return nil
}

// GetOrdering loads the ingest-supplied total order sequence number
// into Dst (FromContext mapping source, ContextKey "ordering").
type GetOrdering struct{ Dst int }

func (op GetOrdering) Exec(ctx *ExecContext) error {
	ctx.Regs[op.Dst] = value.Int64(ctx.Ordering)
	return nil
}

// EvalExprToRegister evaluates a general computed expression against
// the event/current-state environment, writing the result to Dst. Used
// for KeyComputed key resolution and SourceComputed mapping sources,
// where — unlike EvaluateComputedFields — the result is needed in a
// register rather than written straight onto the state object.
type EvalExprToRegister struct {
	Dst  int
	Expr irexpr.Expr
}

// stateRegister mirrors internal/compiler.RegState (R2): the vm package
// cannot import the compiler package (compiler imports vm), so the
// fixed register index is duplicated here as a constant instead of a
// cross-package constant reference.
const stateRegister = 2

func (op EvalExprToRegister) Exec(ctx *ExecContext) error {
	env := compexpr.Env{Event: ctx.Event, State: ctx.Regs[stateRegister]}
	v, err := compexpr.Eval(op.Expr, env)
	if err != nil {
		return fmt.Errorf("vm: computed expression: %w", err)
	}
	ctx.Regs[op.Dst] = v
	return nil
}

// GetEventType loads the event's type discriminator into a register.
type GetEventType struct{ Dst int }

func (op GetEventType) Exec(ctx *ExecContext) error {
	ctx.Regs[op.Dst] = value.String(ctx.EventType)
	return nil
}

// CreateObject initializes Dst to an empty object.
type CreateObject struct{ Dst int }

func (op CreateObject) Exec(ctx *ExecContext) error {
	ctx.Regs[op.Dst] = value.EmptyObject()
	return nil
}

// SetField writes Src to Path on the object held in Dst (LastWrite/Merge
// population strategy): always overwrites.
type SetField struct {
	Dst  int
	Path string
	Src  int
}

func (op SetField) Exec(ctx *ExecContext) error {
	ctx.Regs[op.Dst] = ctx.Regs[op.Dst].Set(op.Path, ctx.Regs[op.Src])
	return nil
}

// SetFields writes several Src->Path pairs in one step (used by
// WholeSource/AsEvent mappings that copy many fields at once).
type SetFields struct {
	Dst   int
	Pairs []FieldPair
}

type FieldPair struct {
	Path string
	Src  int
}

func (op SetFields) Exec(ctx *ExecContext) error {
	cur := ctx.Regs[op.Dst]
	for _, p := range op.Pairs {
		cur = cur.Set(p.Path, ctx.Regs[p.Src])
	}
	ctx.Regs[op.Dst] = cur
	return nil
}

// SetFieldIfNull implements the SetOnce population strategy: writes
// only if the target path is currently null/absent.
type SetFieldIfNull struct {
	Dst  int
	Path string
	Src  int
}

func (op SetFieldIfNull) Exec(ctx *ExecContext) error {
	if ctx.Regs[op.Dst].Get(op.Path).IsNull() {
		ctx.Regs[op.Dst] = ctx.Regs[op.Dst].Set(op.Path, ctx.Regs[op.Src])
	}
	return nil
}

// SetFieldMax implements the Max population strategy.
type SetFieldMax struct {
	Dst  int
	Path string
	Src  int
}

func (op SetFieldMax) Exec(ctx *ExecContext) error {
	cur := ctx.Regs[op.Dst].Get(op.Path)
	next := ctx.Regs[op.Src]
	if cur.IsNull() || (next.IsNumeric() && next.AsFloat64() > cur.AsFloat64()) {
		ctx.Regs[op.Dst] = ctx.Regs[op.Dst].Set(op.Path, next)
	}
	return nil
}

// SetFieldMin implements the Min population strategy.
type SetFieldMin struct {
	Dst  int
	Path string
	Src  int
}

func (op SetFieldMin) Exec(ctx *ExecContext) error {
	cur := ctx.Regs[op.Dst].Get(op.Path)
	next := ctx.Regs[op.Src]
	if cur.IsNull() || (next.IsNumeric() && next.AsFloat64() < cur.AsFloat64()) {
		ctx.Regs[op.Dst] = ctx.Regs[op.Dst].Set(op.Path, next)
	}
	return nil
}

// SetFieldSum implements the Sum population strategy.
type SetFieldSum struct {
	Dst  int
	Path string
	Src  int
}

func (op SetFieldSum) Exec(ctx *ExecContext) error {
	cur := ctx.Regs[op.Dst].Get(op.Path)
	next := ctx.Regs[op.Src]
	sum := next.AsFloat64()
	if !cur.IsNull() {
		sum += cur.AsFloat64()
	}
	ctx.Regs[op.Dst] = ctx.Regs[op.Dst].Set(op.Path, numericValueLike(cur, next, sum))
	return nil
}

// SetFieldIncrement implements the Count population strategy: Path += 1.
type SetFieldIncrement struct {
	Dst  int
	Path string
}

func (op SetFieldIncrement) Exec(ctx *ExecContext) error {
	cur := ctx.Regs[op.Dst].Get(op.Path)
	next := int64(1)
	if !cur.IsNull() {
		next += cur.AsInt64()
	}
	ctx.Regs[op.Dst] = ctx.Regs[op.Dst].Set(op.Path, value.Int64(next))
	return nil
}

// numericValueLike keeps Sum integral if both inputs were integral,
// matching the original's "sums inherit the field's existing numeric
// shape" behavior.
func numericValueLike(existing, incoming value.Value, sum float64) value.Value {
	intLike := incoming.Kind() == value.KindInt64 && (existing.IsNull() || existing.Kind() == value.KindInt64)
	if intLike {
		return value.Int64(int64(sum))
	}
	return value.Float64(sum)
}

// GetField reads Path off the object in Src into Dst.
type GetField struct {
	Dst  int
	Src  int
	Path string
}

func (op GetField) Exec(ctx *ExecContext) error {
	ctx.Regs[op.Dst] = ctx.Regs[op.Src].Get(op.Path)
	return nil
}

// ReadOrInitState loads the entity's current state for the key in
// KeyReg into StateReg, creating an empty object if this key is new.
// This marks the setup/mappings boundary used by handler merging.
type ReadOrInitState struct {
	StateReg int
	KeyReg   int
}

func (op ReadOrInitState) Exec(ctx *ExecContext) error {
	key := ctx.Regs[op.KeyReg].AsString()
	if key == "" {
		return fmt.Errorf("vm: ReadOrInitState with empty key")
	}
	ctx.Regs[op.StateReg] = ctx.Table.ReadOrInit(key)
	ctx.currentKey = key
	return nil
}

// UpdateState commits StateReg back to the state table under KeyReg.
type UpdateState struct {
	StateReg int
	KeyReg   int
}

func (op UpdateState) Exec(ctx *ExecContext) error {
	key := ctx.Regs[op.KeyReg].AsString()
	ctx.Table.Update(key, ctx.Regs[op.StateReg])
	return nil
}

// AppendToArray implements the Append population strategy: appends Src
// to the array at Path, truncating from the front at MaxLen (0 = no
// cap).
type AppendToArray struct {
	Dst    int
	Path   string
	Src    int
	MaxLen int
}

func (op AppendToArray) Exec(ctx *ExecContext) error {
	cur := ctx.Regs[op.Dst].Get(op.Path)
	arr := append([]value.Value{}, cur.AsArray()...)
	arr = append(arr, ctx.Regs[op.Src])
	if op.MaxLen > 0 && len(arr) > op.MaxLen {
		arr = arr[len(arr)-op.MaxLen:]
	}
	ctx.Regs[op.Dst] = ctx.Regs[op.Dst].Set(op.Path, value.Array(arr))
	return nil
}

// GetCurrentTimestamp loads the ingest-supplied block time into Dst.
type GetCurrentTimestamp struct{ Dst int }

func (op GetCurrentTimestamp) Exec(ctx *ExecContext) error {
	ctx.Regs[op.Dst] = value.Int64(ctx.BlockTime)
	return nil
}

// CreateEvent boxes the whole triggering event into Dst (AsEvent
// mapping source).
type CreateEvent struct{ Dst int }

func (op CreateEvent) Exec(ctx *ExecContext) error {
	ctx.Regs[op.Dst] = ctx.Event
	return nil
}

// CreateCapture extracts a declared sub-object of the event into Dst
// (AsCapture mapping source), optionally transforming it afterward into
// a second register.
type CreateCapture struct {
	Dst          int
	Field        string
	TransformDst int
	Transform    ir.TransformKind
}

func (op CreateCapture) Exec(ctx *ExecContext) error {
	captured := ctx.Event.Get(op.Field)
	ctx.Regs[op.Dst] = captured
	if op.TransformDst != 0 {
		ctx.Regs[op.TransformDst] = applyTransform(op.Transform, captured)
	}
	return nil
}

// Transform applies a byte/string codec transform to Src into Dst.
type Transform struct {
	Dst, Src int
	Kind     ir.TransformKind
}

func (op Transform) Exec(ctx *ExecContext) error {
	ctx.Regs[op.Dst] = applyTransform(op.Kind, ctx.Regs[op.Src])
	return nil
}

// EmitMutation finalizes the handler by appending StateReg, keyed by
// KeyReg, to the batch the engine is accumulating for this event.
type EmitMutation struct {
	StateReg int
	KeyReg   int
	Entity   string
}

func (op EmitMutation) Exec(ctx *ExecContext) error {
	ctx.Mutations = append(ctx.Mutations, Mutation{
		Entity:    op.Entity,
		Key:       ctx.Regs[op.KeyReg].AsString(),
		State:     ctx.Regs[op.StateReg],
		Ordering:  ctx.Ordering,
		Timestamp: ctx.BlockTime,
	})
	return nil
}

// UpdateTemporalIndex records (timestamp, primary key) for a temporal
// lookup index.
type UpdateTemporalIndex struct {
	Index    string
	KeyReg   int // lookup value
	PKeyReg  int // primary key
	TsReg    int
}

func (op UpdateTemporalIndex) Exec(ctx *ExecContext) error {
	key := ctx.Regs[op.KeyReg].AsString()
	if key == "" {
		return nil
	}
	ti := ctx.Table.temporal(op.Index)
	ti.update(key, ctx.Regs[op.TsReg].AsInt64(), ctx.Regs[op.PKeyReg].AsString())
	return nil
}

// LookupTemporalIndex resolves the primary key at-or-before TsReg,
// writing it into Dst (null if no sample qualifies).
type LookupTemporalIndex struct {
	Dst    int
	Index  string
	KeyReg int
	TsReg  int
}

func (op LookupTemporalIndex) Exec(ctx *ExecContext) error {
	ti := ctx.Table.temporal(op.Index)
	pk, ok := ti.lookup(ctx.Regs[op.KeyReg].AsString(), ctx.Regs[op.TsReg].AsInt64())
	if !ok {
		ctx.Regs[op.Dst] = value.Null()
		return nil
	}
	ctx.Regs[op.Dst] = value.String(pk)
	return nil
}

// UpdateLookupIndex records lookup value -> primary key for an exact
// match index.
type UpdateLookupIndex struct {
	Index   string
	KeyReg  int
	PKeyReg int
}

func (op UpdateLookupIndex) Exec(ctx *ExecContext) error {
	key := ctx.Regs[op.KeyReg].AsString()
	if key == "" {
		// The event carries no value for this index's source field;
		// indexing an empty lookup value would let unrelated entities
		// collide on the same "" key.
		return nil
	}
	li := ctx.Table.lookup(op.Index)
	li.set(key, ctx.Regs[op.PKeyReg].AsString())
	return nil
}

// LookupIndex resolves a primary key via a named lookup index. A miss
// writes null into Dst — deliberately, with no fallback to the raw
// lookup value: an earlier version of the VM fell back to treating the
// lookup value itself as the primary key on a miss, which silently
// created bogus entities keyed by values that were never actually
// primary keys.
type LookupIndex struct {
	Dst    int
	Index  string
	KeyReg int
}

func (op LookupIndex) Exec(ctx *ExecContext) error {
	li := ctx.Table.lookup(op.Index)
	pk, ok := li.get(ctx.Regs[op.KeyReg].AsString())
	if !ok {
		ctx.Regs[op.Dst] = value.Null()
		return nil
	}
	ctx.Regs[op.Dst] = value.String(pk)
	return nil
}

// SetFieldWhen defers a write until TriggerInstruction has been
// observed for the same key. The staging structure lives on the state
// table, keyed by (key, when_instruction) — not inside the JSON state
// object — so it survives independently of whatever shape the entity's
// body takes.
type SetFieldWhen struct {
	Dst                int
	Path               string
	Src                int
	TriggerInstruction string
	Condition          *ir.Condition
}

func (op SetFieldWhen) Exec(ctx *ExecContext) error {
	if ctx.Table.hasObserved(ctx.currentKey, op.TriggerInstruction) {
		ok, err := ctx.evalCondition(op.Condition)
		if err != nil {
			return err
		}
		if ok {
			ctx.Regs[op.Dst] = ctx.Regs[op.Dst].Set(op.Path, ctx.Regs[op.Src])
		}
		return nil
	}
	ctx.Table.stage(ctx.currentKey, op.TriggerInstruction, stagedWrite{
		path: op.Path,
		val:  ctx.Regs[op.Src],
		cond: op.Condition,
		env:  ctx.condEnv(),
	})
	return nil
}

// ObserveInstruction marks ctx.Instruction as seen for the current key
// and applies any writes that had been staged by an earlier
// SetFieldWhen awaiting exactly this instruction. Compiled as the first
// body opcode of every handler, right after ReadOrInitState.
type ObserveInstruction struct{ StateReg int }

func (op ObserveInstruction) Exec(ctx *ExecContext) error {
	ctx.Table.markObserved(ctx.currentKey, ctx.Instruction)
	staged := ctx.Table.popStaged(ctx.currentKey, ctx.Instruction)
	cur := ctx.Regs[op.StateReg]
	for _, w := range staged {
		ok, err := evalConditionWith(w.cond, w.env)
		if err != nil {
			return err
		}
		if ok {
			cur = cur.Set(w.path, w.val)
		}
	}
	ctx.Regs[op.StateReg] = cur
	return nil
}

// AddToUniqueSet implements the UniqueCount population strategy: Src is
// added to a hidden set field "<Path>_unique_set"; Path itself is set to
// the set's cardinality.
type AddToUniqueSet struct {
	Dst  int
	Path string
	Src  int
}

func (op AddToUniqueSet) Exec(ctx *ExecContext) error {
	setPath := op.Path + "_unique_set"
	cur := ctx.Regs[op.Dst]
	existing := cur.Get(setPath)

	s := mapset.NewThreadUnsafeSet[string]()
	for _, e := range existing.AsArray() {
		s.Add(e.AsString())
	}
	s.Add(ctx.Regs[op.Src].AsString())

	elems := s.ToSlice()
	arr := make([]value.Value, len(elems))
	for i, e := range elems {
		arr[i] = value.String(e)
	}
	cur = cur.Set(setPath, value.Array(arr))
	cur = cur.Set(op.Path, value.Int64(int64(s.Cardinality())))
	ctx.Regs[op.Dst] = cur
	return nil
}

// ConditionalSetField implements a condition-gated LastWrite/Merge
// mapping: only SetField-style write strategies may carry a condition.
type ConditionalSetField struct {
	Dst       int
	Path      string
	Src       int
	Condition *ir.Condition
}

func (op ConditionalSetField) Exec(ctx *ExecContext) error {
	ok, err := ctx.evalCondition(op.Condition)
	if err != nil {
		return err
	}
	if ok {
		ctx.Regs[op.Dst] = ctx.Regs[op.Dst].Set(op.Path, ctx.Regs[op.Src])
	}
	return nil
}

// ConditionalIncrement implements a condition-gated Count mapping: only
// the Count strategy may carry a condition besides LastWrite/Merge.
type ConditionalIncrement struct {
	Dst       int
	Path      string
	Condition *ir.Condition
}

func (op ConditionalIncrement) Exec(ctx *ExecContext) error {
	ok, err := ctx.evalCondition(op.Condition)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	cur := ctx.Regs[op.Dst].Get(op.Path)
	next := int64(1)
	if !cur.IsNull() {
		next += cur.AsInt64()
	}
	ctx.Regs[op.Dst] = ctx.Regs[op.Dst].Set(op.Path, value.Int64(next))
	return nil
}

// EvaluateComputedFields runs every computed FieldMapping for this
// handler against the event/state environment, writing results into
// StateReg. Always the last step before UpdateState/EmitMutation.
type EvaluateComputedFields struct {
	StateReg int
	Fields   []ComputedField
}

type ComputedField struct {
	Path string
	Expr irexpr.Expr
}

func (op EvaluateComputedFields) Exec(ctx *ExecContext) error {
	cur := ctx.Regs[op.StateReg]
	for _, f := range op.Fields {
		env := compexpr.Env{Event: ctx.Event, State: cur}
		v, err := compexpr.Eval(f.Expr, env)
		if err != nil {
			return fmt.Errorf("vm: computed field %q: %w", f.Path, err)
		}
		cur = cur.Set(f.Path, v)
	}
	ctx.Regs[op.StateReg] = cur
	return nil
}

// UpdatePdaReverseLookup registers a derived-address -> target mapping
// (RegisterPdaMapping hook action), flushing any updates that had been
// queued against the address while it was still unresolved.
type UpdatePdaReverseLookup struct {
	AddressReg int
	TargetReg  int
}

func (op UpdatePdaReverseLookup) Exec(ctx *ExecContext) error {
	address := ctx.Regs[op.AddressReg].AsString()
	target := ctx.Regs[op.TargetReg].AsString()
	ctx.Table.pdaReverse.Register(address, target, func(u pendingUpdate) {
		if existing, ok := ctx.Table.Get(target); ok {
			ctx.Table.Update(target, u.apply(existing))
		} else {
			ctx.Table.Update(target, u.apply(value.EmptyObject()))
		}
	})
	return nil
}

func applyTransform(kind ir.TransformKind, v value.Value) value.Value {
	switch kind {
	case ir.TransformNone:
		return v
	case ir.TransformHexEncode:
		return value.String(hex.EncodeToString(v.AsBytes()))
	case ir.TransformHexDecode:
		b, err := hex.DecodeString(trimHexPrefix(v.AsString()))
		if err != nil {
			return value.Bytes(nil)
		}
		return value.Bytes(b)
	case ir.TransformBase58Encode:
		if v.Kind() == value.KindString {
			// Already encoded; pass through, matching the original's
			// leniency for double-applied transforms.
			return v
		}
		return value.String(base58.Encode(v.AsBytes()))
	case ir.TransformBase58Decode:
		b, err := base58.Decode(v.AsString())
		if err != nil {
			return value.Bytes(nil)
		}
		return value.Bytes(b)
	case ir.TransformToString:
		return value.String(stringifyForTransform(v))
	case ir.TransformToNumber:
		if v.Kind() != value.KindString {
			return v
		}
		if i, err := strconv.ParseInt(v.AsString(), 10, 64); err == nil {
			return value.Int64(i)
		}
		if f, err := strconv.ParseFloat(v.AsString(), 64); err == nil {
			return value.Float64(f)
		}
		return v
	default:
		return v
	}
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

func stringifyForTransform(v value.Value) string {
	if v.Kind() == value.KindString {
		return v.AsString()
	}
	return fmt.Sprintf("%v", v.AsInt64())
}
