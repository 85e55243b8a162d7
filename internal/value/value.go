// Package value implements the dynamic, JSON-compatible tree type that
// flows through the compiler's registers and the entity/sorted caches:
// events in, mutations out, all untyped until a handler's field mappings
// say otherwise.
package value

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Kind tags which variant a Value holds.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt64
	KindFloat64
	KindString
	KindBytes
	KindArray
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt64:
		return "int64"
	case KindFloat64:
		return "float64"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return "unknown"
	}
}

// Value is a tagged-union JSON-compatible tree. Only the field matching
// Kind is meaningful; the rest are zero. Values are passed by value at
// the register/opcode boundary and are expected to be treated as
// immutable once stored in a register — copy before mutating Arr/Obj.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	byt  []byte
	arr  []Value
	obj  map[string]Value
}

func Null() Value                { return Value{kind: KindNull} }
func Bool(b bool) Value          { return Value{kind: KindBool, b: b} }
func Int64(i int64) Value        { return Value{kind: KindInt64, i: i} }
func Float64(f float64) Value    { return Value{kind: KindFloat64, f: f} }
func String(s string) Value      { return Value{kind: KindString, s: s} }
func Bytes(b []byte) Value       { return Value{kind: KindBytes, byt: b} }
func Array(items []Value) Value  { return Value{kind: KindArray, arr: items} }
func Object(m map[string]Value) Value {
	if m == nil {
		m = make(map[string]Value)
	}
	return Value{kind: KindObject, obj: m}
}

func EmptyObject() Value { return Object(nil) }
func EmptyArray() Value  { return Array(nil) }

func (v Value) Kind() Kind     { return v.kind }
func (v Value) IsNull() bool   { return v.kind == KindNull }
func (v Value) AsBool() bool   { return v.b }
func (v Value) AsInt64() int64 { return v.i }
func (v Value) AsFloat64() float64 {
	if v.kind == KindInt64 {
		return float64(v.i)
	}
	return v.f
}
func (v Value) AsString() string { return v.s }
func (v Value) AsBytes() []byte  { return v.byt }
func (v Value) AsArray() []Value { return v.arr }
func (v Value) AsObject() map[string]Value {
	if v.obj == nil {
		return map[string]Value{}
	}
	return v.obj
}

// IsNumeric reports whether the value participates in numeric comparisons
// and aggregate mappings (SetFieldMax/Min/Sum/Increment).
func (v Value) IsNumeric() bool {
	return v.kind == KindInt64 || v.kind == KindFloat64
}

// Clone deep-copies arrays and objects so callers can mutate the result
// without aliasing a register's stored value.
func (v Value) Clone() Value {
	switch v.kind {
	case KindArray:
		out := make([]Value, len(v.arr))
		for i, e := range v.arr {
			out[i] = e.Clone()
		}
		return Array(out)
	case KindObject:
		out := make(map[string]Value, len(v.obj))
		for k, e := range v.obj {
			out[k] = e.Clone()
		}
		return Object(out)
	case KindBytes:
		out := make([]byte, len(v.byt))
		copy(out, v.byt)
		return Bytes(out)
	default:
		return v
	}
}

// Get navigates a dotted field path ("a.b.c"), returning Null for any
// missing segment. Array indices are not addressed by this form; use
// GetPath for mixed object/array traversal.
func (v Value) Get(path string) Value {
	return v.GetPath(splitPath(path))
}

// GetPath walks pre-split path segments through nested objects.
func (v Value) GetPath(segments []string) Value {
	cur := v
	for _, seg := range segments {
		if cur.kind != KindObject {
			return Null()
		}
		next, ok := cur.obj[seg]
		if !ok {
			return Null()
		}
		cur = next
	}
	return cur
}

// Set returns a new Value with path set to val, creating intermediate
// objects as needed. The receiver is not mutated.
func (v Value) Set(path string, val Value) Value {
	return v.SetPath(splitPath(path), val)
}

func (v Value) SetPath(segments []string, val Value) Value {
	if len(segments) == 0 {
		return val
	}
	root := v
	if root.kind != KindObject {
		root = EmptyObject()
	}
	obj := make(map[string]Value, len(root.obj)+1)
	for k, e := range root.obj {
		obj[k] = e
	}
	head, rest := segments[0], segments[1:]
	if len(rest) == 0 {
		obj[head] = val
	} else {
		child := obj[head]
		obj[head] = child.SetPath(rest, val)
	}
	return Object(obj)
}

func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	var segs []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			segs = append(segs, path[start:i])
			start = i + 1
		}
	}
	segs = append(segs, path[start:])
	return segs
}

// Equal reports deep structural equality.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNull:
		return true
	case KindBool:
		return a.b == b.b
	case KindInt64:
		return a.i == b.i
	case KindFloat64:
		return a.f == b.f
	case KindString:
		return a.s == b.s
	case KindBytes:
		return bytes.Equal(a.byt, b.byt)
	case KindArray:
		if len(a.arr) != len(b.arr) {
			return false
		}
		for i := range a.arr {
			if !Equal(a.arr[i], b.arr[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if len(a.obj) != len(b.obj) {
			return false
		}
		for k, av := range a.obj {
			bv, ok := b.obj[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	}
	return false
}

// MarshalJSON implements json.Marshaler. Bytes are hex-encoded with a
// "0x" prefix, mirroring how the compiled transforms round-trip binary
// account data through the wire format.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(v.b)
	case KindInt64:
		return json.Marshal(v.i)
	case KindFloat64:
		return json.Marshal(v.f)
	case KindString:
		return json.Marshal(v.s)
	case KindBytes:
		return json.Marshal(fmt.Sprintf("0x%x", v.byt))
	case KindArray:
		items := v.arr
		if items == nil {
			items = []Value{}
		}
		return json.Marshal(items)
	case KindObject:
		keys := make([]string, 0, len(v.obj))
		for k := range v.obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf := bytes.NewBufferString("{")
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			vb, err := json.Marshal(v.obj[k])
			if err != nil {
				return nil, err
			}
			buf.Write(vb)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("value: unknown kind %d", v.kind)
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*v = FromAny(raw)
	return nil
}

// FromAny converts the result of encoding/json's default decoding
// (map[string]interface{}, []interface{}, float64, string, bool, nil)
// into a Value tree.
func FromAny(raw interface{}) Value {
	switch x := raw.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(x)
	case float64:
		if x == float64(int64(x)) {
			return Int64(int64(x))
		}
		return Float64(x)
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return Int64(i)
		}
		f, _ := x.Float64()
		return Float64(f)
	case string:
		return String(x)
	case []interface{}:
		items := make([]Value, len(x))
		for i, e := range x {
			items[i] = FromAny(e)
		}
		return Array(items)
	case map[string]interface{}:
		obj := make(map[string]Value, len(x))
		for k, e := range x {
			obj[k] = FromAny(e)
		}
		return Object(obj)
	default:
		return Null()
	}
}
