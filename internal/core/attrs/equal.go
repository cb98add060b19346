package attrs

import (
	"encoding/json"
	"math"
	"reflect"
)

// Equal reports whether a and b hold the same JSON value. It is the equality
// used for change detection and deliberately follows JSON rather than Go
// semantics:
//
//   - numbers compare by value regardless of Go type, so int(1) equals
//     float64(1) and json.Number("1"); integers of any width compare exactly
//   - NaN equals NaN, otherwise a NaN attribute would be reported as changed
//     on every flush
//   - maps compare by key set and values; key order never matters
//   - a nil map, nil slice or nil pointer equals untyped nil (all encode as
//     null), but an empty slice does not equal nil
//   - values that are neither JSON scalars nor containers fall back to
//     reflect.DeepEqual
func Equal(a, b any) bool {
	return equalValue(reflect.ValueOf(a), reflect.ValueOf(b))
}

func equalValue(a, b reflect.Value) bool {
	a, b = indirect(a), indirect(b)

	if isNull(a) || isNull(b) {
		return isNull(a) && isNull(b)
	}

	if na, ok := number(a); ok {
		nb, ok := number(b)
		return ok && na.equal(nb)
	}

	switch a.Kind() {
	case reflect.String:
		return b.Kind() == reflect.String && b.Type() != jsonNumberType && a.String() == b.String()
	case reflect.Bool:
		return b.Kind() == reflect.Bool && a.Bool() == b.Bool()
	case reflect.Map:
		if b.Kind() != reflect.Map || a.Type().Key().Kind() != reflect.String || b.Type().Key().Kind() != reflect.String {
			break
		}
		if a.Len() != b.Len() {
			return false
		}
		iter := a.MapRange()
		for iter.Next() {
			other := b.MapIndex(reflect.ValueOf(iter.Key().String()).Convert(b.Type().Key()))
			if !other.IsValid() || !equalValue(iter.Value(), other) {
				return false
			}
		}
		return true
	case reflect.Slice, reflect.Array:
		if b.Kind() != reflect.Slice && b.Kind() != reflect.Array {
			return false
		}
		if a.Len() != b.Len() {
			return false
		}
		for i := range a.Len() {
			if !equalValue(a.Index(i), b.Index(i)) {
				return false
			}
		}
		return true
	}

	return reflect.DeepEqual(a.Interface(), b.Interface())
}

// indirect unwraps interfaces and pointers down to the underlying value.
func indirect(v reflect.Value) reflect.Value {
	for v.IsValid() && (v.Kind() == reflect.Interface || v.Kind() == reflect.Pointer) {
		if v.IsNil() {
			return reflect.Value{}
		}
		v = v.Elem()
	}
	return v
}

func isNull(v reflect.Value) bool {
	if !v.IsValid() {
		return true
	}
	switch v.Kind() {
	case reflect.Map, reflect.Slice:
		return v.IsNil()
	}
	return false
}

var jsonNumberType = reflect.TypeOf(json.Number(""))

type numeric struct {
	isInt bool
	i     int64
	u     uint64
	isU   bool
	f     float64
}

func number(v reflect.Value) (numeric, bool) {
	if v.Type() == jsonNumberType {
		s := v.String()
		if i, err := json.Number(s).Int64(); err == nil {
			return numeric{isInt: true, i: i, f: float64(i)}, true
		}
		f, err := json.Number(s).Float64()
		if err != nil {
			return numeric{}, false
		}
		return numeric{f: f}, true
	}

	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return numeric{isInt: true, i: v.Int(), f: float64(v.Int())}, true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return numeric{isInt: true, isU: true, u: v.Uint(), f: float64(v.Uint())}, true
	case reflect.Float32, reflect.Float64:
		return numeric{f: v.Float()}, true
	}
	return numeric{}, false
}

func (n numeric) equal(o numeric) bool {
	if n.isInt && o.isInt {
		switch {
		case n.isU && o.isU:
			return n.u == o.u
		case n.isU:
			return o.i >= 0 && uint64(o.i) == n.u
		case o.isU:
			return n.i >= 0 && uint64(n.i) == o.u
		default:
			return n.i == o.i
		}
	}
	if math.IsNaN(n.f) && math.IsNaN(o.f) {
		return true
	}
	return n.f == o.f
}

// Clone returns a deep copy of the JSON containers (map[string]any and []any)
// in v. Other values are returned as is and treated as immutable.
func Clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if t == nil {
			return t
		}
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = Clone(val)
		}
		return out
	case Bag:
		return t.Clone()
	case []any:
		if t == nil {
			return t
		}
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = Clone(val)
		}
		return out
	default:
		return v
	}
}
