// Package vm implements the register-based bytecode interpreter that
// executes compiled handler programs against incoming events,
// maintaining per-entity state tables, lookup/temporal/reverse indexes,
// a bounded pending-update queue, and a deferred resolver-request
// buffer.
package vm

import (
	"fmt"

	"github.com/luxfi/hyperproj/internal/ir"
	"github.com/luxfi/hyperproj/internal/resolver"
	"github.com/luxfi/hyperproj/internal/value"
	"github.com/luxfi/hyperproj/internal/vmerrors"
)

// Mutation is one committed entity write, ready to be folded into the
// MutationBatch for the triggering event.
type Mutation struct {
	Entity    string
	Key       string
	State     value.Value
	Ordering  int64
	Timestamp int64
}

// ExecContext carries everything one handler execution needs: its
// register bank, the triggering event, and the entity's state table.
// A fresh ExecContext is used per handler invocation; the register bank
// does not persist across calls.
type ExecContext struct {
	Regs  [256]value.Value
	Event value.Value

	EventType   string
	Instruction string
	Ordering    int64
	BlockTime   int64

	Table *StateTable

	Mutations        []Mutation
	ResolverRequests []resolver.Request

	currentKey string

	// stale is set by CheckOrdering when the triggering event's
	// Ordering is not strictly greater than the last one accepted for
	// this key. VM.Run stops executing the program the instant this is
	// set, so nothing after the check — not ReadOrInitState, not an
	// index update, not a mutation — ever runs for a stale event.
	stale bool

	// registerResolver, set by VM.Run, lets the PushResolverRequest
	// opcode tell the owning VM which (key, targetPath) a pending
	// resolver result must be applied to once it arrives — the opcode
	// itself only has access to ExecContext, never the VM directly.
	registerResolver func(cacheKey, key, path string)
}

// CheckOrdering enforces monotonic per-key ordering: compiled as the
// first body opcode, immediately after key
// resolution and before ReadOrInitState, so a stale event is dropped
// before it can touch state, an index, or a hook. A missing key (the
// key resolution produced no match) is left for ReadOrInitState to
// reject; this opcode only guards keys it can actually check.
type CheckOrdering struct {
	KeyReg int
}

func (op CheckOrdering) Exec(ctx *ExecContext) error {
	key := ctx.Regs[op.KeyReg].AsString()
	if key == "" {
		return nil
	}
	if !ctx.Table.checkAndAdvanceOrdering(key, ctx.Ordering) {
		ctx.stale = true
	}
	return nil
}

// PushResolverRequest is emitted for a handler carrying an
// ir.ResolverHook: it reads the resolver input from Src, buffers an
// outbound Request for the host to drain, and registers where the
// eventual result must land.
type PushResolverRequest struct {
	ResolverType string
	Src          int
	TargetPath   string
	SubPath      string
}

func (op PushResolverRequest) Exec(ctx *ExecContext) error {
	input := ctx.Regs[op.Src].AsString()
	if input == "" {
		return nil
	}
	cacheKey := ctx.currentKey + "|" + op.TargetPath
	ctx.ResolverRequests = append(ctx.ResolverRequests, resolver.Request{
		CacheKey: cacheKey,
		Type:     op.ResolverType,
		Input:    input,
		SubPath:  op.SubPath,
	})
	if ctx.registerResolver != nil {
		ctx.registerResolver(cacheKey, ctx.currentKey, op.TargetPath)
	}
	return nil
}

func newExecContext(table *StateTable, event value.Value, eventType, instruction string, ordering, blockTime int64) *ExecContext {
	ctx := &ExecContext{
		Event:       event,
		EventType:   eventType,
		Instruction: instruction,
		Ordering:    ordering,
		BlockTime:   blockTime,
		Table:       table,
	}
	for i := range ctx.Regs {
		ctx.Regs[i] = value.Null()
	}
	return ctx
}

func (ctx *ExecContext) condEnv() value.Value { return ctx.Event }

func (ctx *ExecContext) evalCondition(c *ir.Condition) (bool, error) {
	return evalConditionWith(c, ctx.Event)
}

func evalConditionWith(c *ir.Condition, event value.Value) (bool, error) {
	if c == nil {
		return true, nil
	}
	actual := event.Get(c.Field)
	return compareCondition(c.Op, actual, c.Value)
}

func compareCondition(op ir.ComparisonOp, actual value.Value, want interface{}) (bool, error) {
	wantVal := toValue(want)
	switch op {
	case ir.CmpEq:
		return value.Equal(actual, wantVal), nil
	case ir.CmpNe:
		return !value.Equal(actual, wantVal), nil
	case ir.CmpLt, ir.CmpLe, ir.CmpGt, ir.CmpGe:
		if !actual.IsNumeric() && actual.Kind() != value.KindString {
			return false, fmt.Errorf("vm: condition on non-comparable field %s", actual.Kind())
		}
		return compareOrdered(op, actual, wantVal), nil
	default:
		return false, fmt.Errorf("vm: unknown comparison op %v", op)
	}
}

func compareOrdered(op ir.ComparisonOp, a, b value.Value) bool {
	if a.Kind() == value.KindString || b.Kind() == value.KindString {
		as, bs := a.AsString(), b.AsString()
		switch op {
		case ir.CmpLt:
			return as < bs
		case ir.CmpLe:
			return as <= bs
		case ir.CmpGt:
			return as > bs
		case ir.CmpGe:
			return as >= bs
		}
		return false
	}
	af, bf := a.AsFloat64(), b.AsFloat64()
	switch op {
	case ir.CmpLt:
		return af < bf
	case ir.CmpLe:
		return af <= bf
	case ir.CmpGt:
		return af > bf
	case ir.CmpGe:
		return af >= bf
	}
	return false
}

func toValue(v interface{}) value.Value {
	switch x := v.(type) {
	case nil:
		return value.Null()
	case bool:
		return value.Bool(x)
	case int:
		return value.Int64(int64(x))
	case int64:
		return value.Int64(x)
	case float64:
		return value.Float64(x)
	case string:
		return value.String(x)
	default:
		return value.Null()
	}
}

// Program is one compiled handler: a flat opcode sequence plus the
// entity/handler names it belongs to (used for logging/metrics).
type Program struct {
	Entity  string
	Handler string
	Ops     []OpCode
}

// VM executes Programs against one entity's StateTable. Exactly one VM
// instance owns one entity type's table and runs on a single goroutine
// — callers must not invoke Run concurrently for the same VM.
type VM struct {
	Entity  string
	Table   *StateTable
	onReq   func(resolver.Request, resolver.VMApplier)
	pending map[string]*pendingApplication
}

// pendingApplication remembers enough to apply a resolver result once
// it arrives: which key/path it targets.
type pendingApplication struct {
	key  string
	path string
}

// New constructs a VM for one entity type.
func New(entity string, table *StateTable) *VM {
	return &VM{
		Entity:  entity,
		Table:   table,
		pending: make(map[string]*pendingApplication),
	}
}

// Run executes prog against event, returning the resulting mutations.
// Resolver requests pushed by the handler are returned alongside so the
// caller (the per-entity engine loop) can hand them to the resolver
// coordinator without this call blocking.
func (vm *VM) Run(prog Program, event value.Value, eventType, instruction string, ordering, blockTime int64) (*ExecContext, error) {
	ctx := newExecContext(vm.Table, event, eventType, instruction, ordering, blockTime)
	ctx.registerResolver = vm.PushResolverRequest
	for i, op := range prog.Ops {
		if err := op.Exec(ctx); err != nil {
			return nil, &vmerrors.OpcodeError{Entity: prog.Entity, Handler: prog.Handler, Index: i, Err: fmt.Errorf("%T: %w", op, err)}
		}
		if ctx.stale {
			break
		}
	}
	vm.Table.maybeSweepExpiredPending()
	return ctx, nil
}

// DrainResolverRequests removes and returns every resolver request an
// opcode buffered during the most recent Run, so the host can hand them
// to the resolver coordinator without any opcode blocking to do it.
func (ctx *ExecContext) DrainResolverRequests() []resolver.Request {
	reqs := ctx.ResolverRequests
	ctx.ResolverRequests = nil
	return reqs
}

// PushResolverRequest records a cache key -> (key, path) pairing so a
// later ApplyResolverResult knows where to write the resolved value.
func (vm *VM) PushResolverRequest(cacheKey, key, path string) {
	vm.pending[cacheKey] = &pendingApplication{key: key, path: path}
}

// ApplyResolverResult implements resolver.VMApplier: it writes a
// resolved value (or records a failure, as a no-op write) back into
// the entity state that originally requested it. The resulting mutation
// is the caller's responsibility to fold into the originating event's
// MutationBatch; this method only touches the state table.
func (vm *VM) ApplyResolverResult(cacheKey string, raw []byte, err error) {
	app, ok := vm.pending[cacheKey]
	if !ok {
		return
	}
	delete(vm.pending, cacheKey)
	if err != nil {
		return
	}
	state := vm.Table.ReadOrInit(app.key)
	state = state.Set(app.path, value.Bytes(raw))
	vm.Table.Update(app.key, state)
}
