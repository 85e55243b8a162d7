// Package compexpr evaluates the computed-expression AST
// (internal/ir/compexpr) against a handler's event, current entity
// state, and the VM's bound variables, producing a value.Value.
package compexpr

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/holiman/uint256"

	"github.com/luxfi/hyperproj/internal/ir/compexpr"
	"github.com/luxfi/hyperproj/internal/value"
)

// Env supplies the bindings a computed expression can reference.
type Env struct {
	Event value.Value
	State value.Value
	Vars  map[string]value.Value
}

func (e Env) withVar(name string, v value.Value) Env {
	vars := make(map[string]value.Value, len(e.Vars)+1)
	for k, val := range e.Vars {
		vars[k] = val
	}
	vars[name] = v
	return Env{Event: e.Event, State: e.State, Vars: vars}
}

var (
	ErrUnknownVar    = errors.New("compexpr: unknown variable")
	ErrUnsupportedOp = errors.New("compexpr: unsupported operator")
	ErrBadCast       = errors.New("compexpr: bad cast")
	ErrBadMethod     = errors.New("compexpr: unknown method")
	ErrBadIndex      = errors.New("compexpr: index out of range")
)

// Eval recursively evaluates expr in env.
func Eval(expr compexpr.Expr, env Env) (value.Value, error) {
	switch e := expr.(type) {
	case compexpr.FieldRef:
		// A computed field almost always derives from other fields
		// already written on the entity (state); key-computation
		// expressions run before any state exists for the key, so a
		// miss there falls through to the triggering event.
		if v := env.State.Get(e.Path); !v.IsNull() {
			return v, nil
		}
		return env.Event.Get(e.Path), nil

	case compexpr.Var:
		if v, ok := env.Vars[e.Name]; ok {
			return v, nil
		}
		return value.Null(), fmt.Errorf("%w: %s", ErrUnknownVar, e.Name)

	case compexpr.Let:
		bound, err := Eval(e.Value, env)
		if err != nil {
			return value.Null(), err
		}
		return Eval(e.Body, env.withVar(e.Name, bound))

	case compexpr.If:
		cond, err := Eval(e.Cond, env)
		if err != nil {
			return value.Null(), err
		}
		if truthy(cond) {
			return Eval(e.Then, env)
		}
		return Eval(e.Else, env)

	case compexpr.None:
		return value.Null(), nil

	case compexpr.Some:
		return Eval(e.Inner, env)

	case compexpr.Slice:
		v, err := Eval(e.Value, env)
		if err != nil {
			return value.Null(), err
		}
		return evalSlice(v, e, env)

	case compexpr.Index:
		v, err := Eval(e.Value, env)
		if err != nil {
			return value.Null(), err
		}
		idx, err := Eval(e.At, env)
		if err != nil {
			return value.Null(), err
		}
		return evalIndex(v, idx)

	case compexpr.U64FromLeBytes:
		b, err := Eval(e.Bytes, env)
		if err != nil {
			return value.Null(), err
		}
		return decodeU64(b.AsBytes(), true)

	case compexpr.U64FromBeBytes:
		b, err := Eval(e.Bytes, env)
		if err != nil {
			return value.Null(), err
		}
		return decodeU64(b.AsBytes(), false)

	case compexpr.ByteArray:
		out := make([]byte, len(e.Elements))
		for i, el := range e.Elements {
			v, err := Eval(el, env)
			if err != nil {
				return value.Null(), err
			}
			out[i] = byte(v.AsInt64())
		}
		return value.Bytes(out), nil

	case compexpr.Closure:
		// A closure evaluates to itself; it's invoked via MethodCall.
		return value.Null(), nil

	case compexpr.MethodCall:
		return evalMethodCall(e, env)

	case compexpr.UnaryOp:
		operand, err := Eval(e.Operand, env)
		if err != nil {
			return value.Null(), err
		}
		return evalUnary(e.Op, operand)

	case compexpr.BinaryOp:
		return evalBinary(e, env)

	case compexpr.Cast:
		v, err := Eval(e.Value, env)
		if err != nil {
			return value.Null(), err
		}
		return evalCast(v, e.To)

	case compexpr.Literal:
		return literalToValue(e.Value), nil

	case compexpr.Paren:
		return Eval(e.Inner, env)

	default:
		return value.Null(), fmt.Errorf("compexpr: unhandled node %T", expr)
	}
}

func literalToValue(v interface{}) value.Value {
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

func truthy(v value.Value) bool {
	switch v.Kind() {
	case value.KindNull:
		return false
	case value.KindBool:
		return v.AsBool()
	case value.KindInt64:
		return v.AsInt64() != 0
	case value.KindFloat64:
		return v.AsFloat64() != 0
	case value.KindString:
		return v.AsString() != ""
	default:
		return true
	}
}

func evalSlice(v value.Value, e compexpr.Slice, env Env) (value.Value, error) {
	start := 0
	if e.Start != nil {
		sv, err := Eval(e.Start, env)
		if err != nil {
			return value.Null(), err
		}
		start = int(sv.AsInt64())
	}
	switch v.Kind() {
	case value.KindBytes:
		b := v.AsBytes()
		end := len(b)
		if e.End != nil {
			ev, err := Eval(e.End, env)
			if err != nil {
				return value.Null(), err
			}
			end = int(ev.AsInt64())
		}
		if start < 0 || end > len(b) || start > end {
			return value.Null(), fmt.Errorf("%w: slice [%d:%d] of len %d", ErrBadIndex, start, end, len(b))
		}
		return value.Bytes(b[start:end]), nil
	case value.KindArray:
		arr := v.AsArray()
		end := len(arr)
		if e.End != nil {
			ev, err := Eval(e.End, env)
			if err != nil {
				return value.Null(), err
			}
			end = int(ev.AsInt64())
		}
		if start < 0 || end > len(arr) || start > end {
			return value.Null(), fmt.Errorf("%w: slice [%d:%d] of len %d", ErrBadIndex, start, end, len(arr))
		}
		return value.Array(arr[start:end]), nil
	default:
		return value.Null(), fmt.Errorf("compexpr: cannot slice %s", v.Kind())
	}
}

func evalIndex(v, idx value.Value) (value.Value, error) {
	i := int(idx.AsInt64())
	switch v.Kind() {
	case value.KindBytes:
		b := v.AsBytes()
		if i < 0 || i >= len(b) {
			return value.Null(), fmt.Errorf("%w: index %d of len %d", ErrBadIndex, i, len(b))
		}
		return value.Int64(int64(b[i])), nil
	case value.KindArray:
		arr := v.AsArray()
		if i < 0 || i >= len(arr) {
			return value.Null(), fmt.Errorf("%w: index %d of len %d", ErrBadIndex, i, len(arr))
		}
		return arr[i], nil
	default:
		return value.Null(), fmt.Errorf("compexpr: cannot index %s", v.Kind())
	}
}

// decodeU64 decodes the first 8 bytes of b as a u64 via holiman/uint256
// (the same wide-integer type the on-chain state this engine projects
// represents lamport/token amounts with), then narrows to int64 for
// storage in a value.Value.
func decodeU64(b []byte, littleEndian bool) (value.Value, error) {
	buf := make([]byte, 8)
	copy(buf, b)
	if littleEndian {
		for i, j := 0, len(buf)-1; i < j; i, j = i+1, j-1 {
			buf[i], buf[j] = buf[j], buf[i]
		}
	}
	var u uint256.Int
	u.SetBytes(buf)
	return value.Int64(int64(u.Uint64())), nil
}

func evalMethodCall(e compexpr.MethodCall, env Env) (value.Value, error) {
	recv, err := Eval(e.Receiver, env)
	if err != nil {
		return value.Null(), err
	}
	switch e.Method {
	case "to_string":
		return value.String(stringify(recv)), nil
	case "to_number":
		return toNumber(recv)
	case "len":
		return value.Int64(int64(length(recv))), nil
	case "unwrap_or":
		if !recv.IsNull() {
			return recv, nil
		}
		if len(e.Args) != 1 {
			return value.Null(), fmt.Errorf("%w: unwrap_or takes exactly one argument", ErrBadMethod)
		}
		return Eval(e.Args[0], env)
	case "max":
		if len(e.Args) != 1 {
			return value.Null(), fmt.Errorf("%w: max takes exactly one argument", ErrBadMethod)
		}
		other, err := Eval(e.Args[0], env)
		if err != nil {
			return value.Null(), err
		}
		if recv.AsFloat64() >= other.AsFloat64() {
			return recv, nil
		}
		return other, nil
	default:
		return value.Null(), fmt.Errorf("%w: %s", ErrBadMethod, e.Method)
	}
}

func length(v value.Value) int {
	switch v.Kind() {
	case value.KindBytes:
		return len(v.AsBytes())
	case value.KindArray:
		return len(v.AsArray())
	case value.KindString:
		return len(v.AsString())
	default:
		return 0
	}
}

func stringify(v value.Value) string {
	switch v.Kind() {
	case value.KindString:
		return v.AsString()
	case value.KindInt64:
		return strconv.FormatInt(v.AsInt64(), 10)
	case value.KindFloat64:
		return strconv.FormatFloat(v.AsFloat64(), 'g', -1, 64)
	case value.KindBool:
		return strconv.FormatBool(v.AsBool())
	case value.KindNull:
		return ""
	default:
		return ""
	}
}

func toNumber(v value.Value) (value.Value, error) {
	switch v.Kind() {
	case value.KindInt64, value.KindFloat64:
		return v, nil
	case value.KindString:
		if i, err := strconv.ParseInt(v.AsString(), 10, 64); err == nil {
			return value.Int64(i), nil
		}
		f, err := strconv.ParseFloat(v.AsString(), 64)
		if err != nil {
			return value.Null(), fmt.Errorf("%w: cannot parse %q as number", ErrBadCast, v.AsString())
		}
		return value.Float64(f), nil
	default:
		return value.Null(), fmt.Errorf("%w: cannot convert %s to number", ErrBadCast, v.Kind())
	}
}

func evalUnary(op string, v value.Value) (value.Value, error) {
	switch op {
	case "!":
		return value.Bool(!truthy(v)), nil
	case "-":
		switch v.Kind() {
		case value.KindInt64:
			return value.Int64(-v.AsInt64()), nil
		case value.KindFloat64:
			return value.Float64(-v.AsFloat64()), nil
		default:
			return value.Null(), fmt.Errorf("%w: unary - on %s", ErrUnsupportedOp, v.Kind())
		}
	default:
		return value.Null(), fmt.Errorf("%w: %s", ErrUnsupportedOp, op)
	}
}

func evalBinary(e compexpr.BinaryOp, env Env) (value.Value, error) {
	if e.Op == "&&" {
		l, err := Eval(e.Left, env)
		if err != nil || !truthy(l) {
			return value.Bool(false), err
		}
		r, err := Eval(e.Right, env)
		if err != nil {
			return value.Null(), err
		}
		return value.Bool(truthy(r)), nil
	}
	if e.Op == "||" {
		l, err := Eval(e.Left, env)
		if err != nil {
			return value.Null(), err
		}
		if truthy(l) {
			return value.Bool(true), nil
		}
		r, err := Eval(e.Right, env)
		if err != nil {
			return value.Null(), err
		}
		return value.Bool(truthy(r)), nil
	}

	l, err := Eval(e.Left, env)
	if err != nil {
		return value.Null(), err
	}
	r, err := Eval(e.Right, env)
	if err != nil {
		return value.Null(), err
	}

	switch e.Op {
	case "==":
		return value.Bool(value.Equal(l, r)), nil
	case "!=":
		return value.Bool(!value.Equal(l, r)), nil
	case "<", "<=", ">", ">=":
		return compareNumeric(e.Op, l, r)
	case "+", "-", "*", "/", "%":
		return arithmetic(e.Op, l, r)
	default:
		return value.Null(), fmt.Errorf("%w: %s", ErrUnsupportedOp, e.Op)
	}
}

func compareNumeric(op string, l, r value.Value) (value.Value, error) {
	a, b := l.AsFloat64(), r.AsFloat64()
	switch op {
	case "<":
		return value.Bool(a < b), nil
	case "<=":
		return value.Bool(a <= b), nil
	case ">":
		return value.Bool(a > b), nil
	case ">=":
		return value.Bool(a >= b), nil
	default:
		return value.Null(), fmt.Errorf("%w: %s", ErrUnsupportedOp, op)
	}
}

func arithmetic(op string, l, r value.Value) (value.Value, error) {
	if l.Kind() == value.KindInt64 && r.Kind() == value.KindInt64 {
		a, b := l.AsInt64(), r.AsInt64()
		switch op {
		case "+":
			return value.Int64(a + b), nil
		case "-":
			return value.Int64(a - b), nil
		case "*":
			return value.Int64(a * b), nil
		case "/":
			if b == 0 {
				return value.Null(), fmt.Errorf("compexpr: division by zero")
			}
			return value.Int64(a / b), nil
		case "%":
			if b == 0 {
				return value.Null(), fmt.Errorf("compexpr: modulo by zero")
			}
			return value.Int64(a % b), nil
		}
	}
	a, b := l.AsFloat64(), r.AsFloat64()
	switch op {
	case "+":
		return value.Float64(a + b), nil
	case "-":
		return value.Float64(a - b), nil
	case "*":
		return value.Float64(a * b), nil
	case "/":
		return value.Float64(a / b), nil
	case "%":
		return value.Null(), fmt.Errorf("%w: %% on floats", ErrUnsupportedOp)
	default:
		return value.Null(), fmt.Errorf("%w: %s", ErrUnsupportedOp, op)
	}
}

func evalCast(v value.Value, to string) (value.Value, error) {
	switch to {
	case "u64":
		return toUint64(v)
	case "i64":
		return toNumberInt(v)
	case "f64":
		return toNumber(v)
	case "string":
		return value.String(stringify(v)), nil
	case "bool":
		return value.Bool(truthy(v)), nil
	default:
		return value.Null(), fmt.Errorf("%w: unknown target type %q", ErrBadCast, to)
	}
}

// toUint64 casts v to "u64" through uint256.FromDecimal, which unlike
// strconv.ParseInt accepts the full unsigned range a token-amount string
// can occupy before narrowing back to the int64 a value.Value stores.
func toUint64(v value.Value) (value.Value, error) {
	if v.Kind() == value.KindString {
		if u, err := uint256.FromDecimal(v.AsString()); err == nil {
			return value.Int64(int64(u.Uint64())), nil
		}
	}
	return toNumberInt(v)
}

func toNumberInt(v value.Value) (value.Value, error) {
	n, err := toNumber(v)
	if err != nil {
		return value.Null(), err
	}
	if n.Kind() == value.KindFloat64 {
		return value.Int64(int64(n.AsFloat64())), nil
	}
	return n, nil
}
