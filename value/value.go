// Package value holds the runtime value conventions shared by generated
// rendering code and filter implementations.
//
// Compiled templates move data around as `any`, but the set of concrete
// types is closed and known at compile time: string, int64, float64,
// bool, Safe, []any (plus common typed slices from context getters) and
// map[string]any. The helpers here convert between those shapes without
// reflection.
package value

import (
	"strconv"
	"strings"
)

// Safe is a string that already went through escaping (or was declared
// trusted). Emit paths write it verbatim.
type Safe string

// LoopState backs the implicit loop object inside for bodies.
type LoopState struct {
	Index0 int64
	Length int64
}

// Attr reads one loop attribute by name. The set of names is validated
// at compile time.
func (l *LoopState) Attr(name string) any {
	switch name {
	case "index":
		return l.Index0 + 1
	case "index0":
		return l.Index0
	case "length":
		return l.Length
	case "first", "is_first":
		return l.Index0 == 0
	case "last", "is_last":
		return l.Index0 == l.Length-1
	}
	return nil
}

// Stringify renders a scalar the way an expression tag would, before
// escaping. Only printable scalars reach this at render time.
func Stringify(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case Safe:
		return string(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	case float64:
		return FormatFloat(v)
	case bool:
		if v {
			return "true"
		}
		return "false"
	case nil:
		return ""
	default:
		return ""
	}
}

// FormatFloat renders a float without a trailing ".0" for whole values.
func FormatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// AsInt converts the numeric runtime representations to int64.
func AsInt(v any) int64 {
	switch v := v.(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case bool:
		if v {
			return 1
		}
	}
	return 0
}

// AsFloat converts the numeric runtime representations to float64.
func AsFloat(v any) float64 {
	switch v := v.(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	}
	return 0
}

// AsString unwraps the textual runtime representations.
func AsString(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case Safe:
		return string(v)
	}
	return ""
}

// AsBool unwraps a runtime bool.
func AsBool(v any) bool {
	b, _ := v.(bool)
	return b
}

// AsList normalizes the slice shapes context getters may return into a
// single []any view. The second result is false for non-list values.
func AsList(v any) ([]any, bool) {
	switch v := v.(type) {
	case []any:
		return v, true
	case []string:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = e
		}
		return out, true
	case []int64:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = e
		}
		return out, true
	case []int:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = int64(e)
		}
		return out, true
	case []float64:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = e
		}
		return out, true
	case []bool:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = e
		}
		return out, true
	case nil:
		return nil, true
	}
	return nil, false
}

// AsMap unwraps a runtime map.
func AsMap(v any) (map[string]any, bool) {
	if v == nil {
		return nil, true
	}
	m, ok := v.(map[string]any)
	return m, ok
}

// Equal compares two runtime scalars of the same static type.
func Equal(a, b any) bool {
	switch a := a.(type) {
	case string:
		return a == AsString(b)
	case Safe:
		return string(a) == AsString(b)
	case int64, int:
		return AsInt(a) == AsInt(b)
	case float64:
		return a == AsFloat(b)
	case bool:
		return a == AsBool(b)
	}
	return a == b
}

// Contains reports membership of needle in a list or of a substring in
// a string haystack.
func Contains(haystack, needle any) bool {
	if s, ok := haystack.(string); ok {
		return strings.Contains(s, AsString(needle))
	}
	items, ok := AsList(haystack)
	if !ok {
		return false
	}
	for _, item := range items {
		if Equal(item, needle) {
			return true
		}
	}
	return false
}

// Len returns the length of a list, map or string value.
func Len(v any) int64 {
	switch v := v.(type) {
	case string:
		return int64(len([]rune(v)))
	case Safe:
		return int64(len([]rune(string(v))))
	case map[string]any:
		return int64(len(v))
	}
	if items, ok := AsList(v); ok {
		return int64(len(items))
	}
	return 0
}
