// Package deepcopy copies arbitrary values at the cache and request-context
// boundaries so that callers mutating a returned value cannot corrupt the
// shared copy.
package deepcopy

import "reflect"

// Value returns a deep copy of v. Maps, slices, arrays and pointers are
// copied recursively; structs are copied by value (their exported and
// unexported fields alike, as Go struct assignment does); channels,
// functions and other reference-like kinds are returned as-is since
// duplicating them has no meaning.
func Value(v any) any {
	if v == nil {
		return nil
	}
	return copyValue(reflect.ValueOf(v)).Interface()
}

// Map is a convenience for the common map[string]any shape used by request
// parameters and resource configs.
func Map(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = Value(v)
	}
	return out
}

func copyValue(v reflect.Value) reflect.Value {
	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			return v
		}
		return copyValue(v.Elem())
	case reflect.Ptr:
		if v.IsNil() {
			return v
		}
		out := reflect.New(v.Type().Elem())
		out.Elem().Set(copyValue(v.Elem()))
		return out
	case reflect.Map:
		if v.IsNil() {
			return v
		}
		out := reflect.MakeMapWithSize(v.Type(), v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out.SetMapIndex(copyValue(iter.Key()), copyValue(iter.Value()))
		}
		return out
	case reflect.Slice:
		if v.IsNil() {
			return v
		}
		out := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		for i := 0; i < v.Len(); i++ {
			out.Index(i).Set(copyValue(v.Index(i)))
		}
		return out
	case reflect.Array:
		out := reflect.New(v.Type()).Elem()
		for i := 0; i < v.Len(); i++ {
			out.Index(i).Set(copyValue(v.Index(i)))
		}
		return out
	default:
		// Scalars are value types; structs copy by assignment. Nested
		// reference fields inside structs are not followed because
		// unexported fields cannot be set through reflection.
		return v
	}
}
