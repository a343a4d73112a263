package v1

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind tags the variant held by a Value.
type Kind uint8

const (
	// KindUnit is the "field does not exist" sentinel. It is returned by lookups
	// of missing keys and is never stored in a Fields container.
	KindUnit Kind = iota
	// KindNull is an explicitly stored absence of value (JSON null).
	KindNull
	KindString
	KindInt
	KindFloat
	KindBool
	KindArray
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindUnit:
		return "unit"
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindArray:
		return "array"
	case KindMap:
		return "map"
	default:
		return "unknown"
	}
}

// Value is the tagged union stored in event fields.
// The zero Value is Unit.
type Value struct {
	kind Kind
	s    string
	i    int64
	f    float64
	b    bool
	arr  []Value
	m    *Fields
}

// Unit returns the missing-field sentinel.
func Unit() Value { return Value{} }

// Null returns an explicit null.
func Null() Value { return Value{kind: KindNull} }

func String(s string) Value   { return Value{kind: KindString, s: s} }
func Int(i int64) Value       { return Value{kind: KindInt, i: i} }
func Float(f float64) Value   { return Value{kind: KindFloat, f: f} }
func Bool(b bool) Value       { return Value{kind: KindBool, b: b} }
func Array(vs ...Value) Value { return Value{kind: KindArray, arr: vs} }

// Map wraps an ordered field container as a nested map value.
// A nil container becomes an empty map.
func Map(m *Fields) Value {
	if m == nil {
		m = NewFields(0)
	}
	return Value{kind: KindMap, m: m}
}

func (v Value) Kind() Kind     { return v.kind }
func (v Value) IsUnit() bool   { return v.kind == KindUnit }
func (v Value) IsNull() bool   { return v.kind == KindNull }
func (v Value) IsNumber() bool { return v.kind == KindInt || v.kind == KindFloat }

// Str returns the string payload and whether v is a String.
func (v Value) Str() (string, bool) { return v.s, v.kind == KindString }

// Int returns the integer payload and whether v is an Integer.
func (v Value) Int() (int64, bool) { return v.i, v.kind == KindInt }

// Float returns v as float64 for both numeric kinds.
func (v Value) Float() (float64, bool) {
	switch v.kind {
	case KindFloat:
		return v.f, true
	case KindInt:
		return float64(v.i), true
	}
	return 0, false
}

// Bool returns the boolean payload and whether v is a Boolean.
func (v Value) Bool() (bool, bool) { return v.b, v.kind == KindBool }

// Array returns the element slice. The slice must not be modified.
func (v Value) Array() ([]Value, bool) { return v.arr, v.kind == KindArray }

// Map returns the nested container. It must not be modified through a shared event.
func (v Value) Map() (*Fields, bool) { return v.m, v.kind == KindMap }

// Clone returns a deep copy; scalars are returned as-is.
func (v Value) Clone() Value {
	switch v.kind {
	case KindArray:
		out := make([]Value, len(v.arr))
		for i, el := range v.arr {
			out[i] = el.Clone()
		}
		return Value{kind: KindArray, arr: out}
	case KindMap:
		return Value{kind: KindMap, m: v.m.Clone()}
	default:
		return v
	}
}

// Equal reports deep equality. Integer and Float never compare equal to each
// other so that a type change is observable.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindUnit, KindNull:
		return true
	case KindString:
		return v.s == o.s
	case KindInt:
		return v.i == o.i
	case KindFloat:
		return v.f == o.f || (math.IsNaN(v.f) && math.IsNaN(o.f))
	case KindBool:
		return v.b == o.b
	case KindArray:
		if len(v.arr) != len(o.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(o.arr[i]) {
				return false
			}
		}
		return true
	case KindMap:
		return v.m.Equal(o.m)
	}
	return false
}

// String renders the value the way the key=value formatter prints it.
func (v Value) String() string {
	switch v.kind {
	case KindUnit:
		return "()"
	case KindNull:
		return "null"
	case KindString:
		return v.s
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindArray:
		parts := make([]string, len(v.arr))
		for i, el := range v.arr {
			parts[i] = el.String()
		}
		return "[" + strings.Join(parts, ",") + "]"
	case KindMap:
		parts := make([]string, 0, v.m.Len())
		v.m.Range(func(name string, val Value) bool {
			parts = append(parts, name+":"+val.String())
			return true
		})
		return "{" + strings.Join(parts, ",") + "}"
	}
	return fmt.Sprintf("<%s>", v.kind)
}
