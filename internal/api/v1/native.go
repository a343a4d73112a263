package v1

import (
	"encoding/json"
	"fmt"
	"sort"
)

// ToNative converts a Value to the plain Go form handed to the script runtime.
// Unit and Null both become nil; integers become int so script literals and
// field values share one integer type.
func ToNative(v Value) any {
	switch v.kind {
	case KindString:
		return v.s
	case KindInt:
		return int(v.i)
	case KindFloat:
		return v.f
	case KindBool:
		return v.b
	case KindArray:
		out := make([]any, len(v.arr))
		for i, el := range v.arr {
			out[i] = ToNative(el)
		}
		return out
	case KindMap:
		return v.m.ToNative()
	default:
		return nil
	}
}

// ToNative converts the container into a fresh map[string]any.
func (f *Fields) ToNative() map[string]any {
	out := make(map[string]any, f.Len())
	f.Range(func(name string, v Value) bool {
		out[name] = ToNative(v)
		return true
	})
	return out
}

// FromNative converts a plain Go value produced by the script runtime back into
// a Value. Maps without an ordering hint get sorted keys so output is deterministic.
func FromNative(x any) (Value, error) {
	return fromNative(x, Unit())
}

// FieldsFromNative rebuilds a container from a native map, keeping the order of
// hint for keys that survived and appending new keys in sorted order.
func FieldsFromNative(m map[string]any, hint *Fields) (*Fields, error) {
	out := NewFields(len(m))
	for _, name := range hint.Keys() {
		x, ok := m[name]
		if !ok {
			continue
		}
		v, err := fromNative(x, hint.Get(name))
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
		out.Set(name, v)
	}

	added := make([]string, 0, len(m))
	for name := range m {
		if !hint.Has(name) {
			added = append(added, name)
		}
	}
	sort.Strings(added)
	for _, name := range added {
		v, err := fromNative(m[name], Unit())
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
		out.Set(name, v)
	}
	return out, nil
}

func fromNative(x any, hint Value) (Value, error) {
	switch val := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return val, nil
	case string:
		return String(val), nil
	case bool:
		return Bool(val), nil
	case int:
		return Int(int64(val)), nil
	case int8:
		return Int(int64(val)), nil
	case int16:
		return Int(int64(val)), nil
	case int32:
		return Int(int64(val)), nil
	case int64:
		return Int(val), nil
	case uint:
		return Int(int64(val)), nil
	case uint8:
		return Int(int64(val)), nil
	case uint16:
		return Int(int64(val)), nil
	case uint32:
		return Int(int64(val)), nil
	case uint64:
		return Int(int64(val)), nil
	case float32:
		return Float(float64(val)), nil
	case float64:
		return Float(val), nil
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := val.Float64()
		if err != nil {
			return Unit(), fmt.Errorf("invalid number %q", val.String())
		}
		return Float(f), nil
	case []any:
		var hintArr []Value
		if arr, ok := hint.Array(); ok {
			hintArr = arr
		}
		out := make([]Value, len(val))
		for i, el := range val {
			var h Value
			if i < len(hintArr) {
				h = hintArr[i]
			}
			v, err := fromNative(el, h)
			if err != nil {
				return Unit(), err
			}
			out[i] = v
		}
		return Array(out...), nil
	case []string:
		out := make([]Value, len(val))
		for i, s := range val {
			out[i] = String(s)
		}
		return Array(out...), nil
	case []float64:
		out := make([]Value, len(val))
		for i, f := range val {
			out[i] = Float(f)
		}
		return Array(out...), nil
	case map[string]any:
		hintMap, _ := hint.Map()
		f, err := FieldsFromNative(val, hintMap)
		if err != nil {
			return Unit(), err
		}
		return Map(f), nil
	case *Fields:
		return Map(val), nil
	default:
		return Unit(), fmt.Errorf("unsupported value type %T", x)
	}
}
