// Package types models the static types a template is compiled against.
//
// Every expression in a compiled template has exactly one type from this
// package, determined before rendering. There is no dynamic typing and no
// reflection at render time: struct fields are reached through getter
// functions registered on a Descriptor.
package types

import (
	"fmt"
	"strings"
)

// Kind enumerates the type kinds known to the compiler.
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindFloat
	KindBool
	KindSafe // pre-escaped string, emitted without escaping
	KindList
	KindMap
	KindStruct
	KindFunc
)

var kindNames = [...]string{
	KindString: "string",
	KindInt:    "int",
	KindFloat:  "float",
	KindBool:   "bool",
	KindSafe:   "safe",
	KindList:   "list",
	KindMap:    "map",
	KindStruct: "struct",
	KindFunc:   "func",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Type describes the static type of a template expression.
type Type struct {
	Kind   Kind
	Elem   *Type       // element type for lists, value type for maps
	Struct *Descriptor // field table for structs
	Func   *FuncType   // signature for callables
}

// FuncType is the signature of a callable value.
type FuncType struct {
	Params []*Type
	Result *Type
}

// Singleton scalar types. Scalars carry no payload so they can be shared
// and compared by pointer as a fast path.
var (
	String = &Type{Kind: KindString}
	Int    = &Type{Kind: KindInt}
	Float  = &Type{Kind: KindFloat}
	Bool   = &Type{Kind: KindBool}
	Safe   = &Type{Kind: KindSafe}
)

// ListOf returns the type of a list with the given element type.
func ListOf(elem *Type) *Type {
	return &Type{Kind: KindList, Elem: elem}
}

// MapOf returns the type of a string-keyed map with the given value type.
func MapOf(value *Type) *Type {
	return &Type{Kind: KindMap, Elem: value}
}

// StructOf returns the type of a struct described by desc.
func StructOf(desc *Descriptor) *Type {
	return &Type{Kind: KindStruct, Struct: desc}
}

// FuncOf returns a callable type with the given signature.
func FuncOf(params []*Type, result *Type) *Type {
	return &Type{Kind: KindFunc, Func: &FuncType{Params: params, Result: result}}
}

// String renders the type in source notation, e.g. list[string].
func (t *Type) String() string {
	if t == nil {
		return "<nil>"
	}
	switch t.Kind {
	case KindList:
		return "list[" + t.Elem.String() + "]"
	case KindMap:
		return "map[" + t.Elem.String() + "]"
	case KindStruct:
		if t.Struct != nil && t.Struct.Name != "" {
			return t.Struct.Name
		}
		return "struct"
	case KindFunc:
		var b strings.Builder
		b.WriteString("func(")
		for i, p := range t.Func.Params {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(p.String())
		}
		b.WriteString(") ")
		b.WriteString(t.Func.Result.String())
		return b.String()
	default:
		return t.Kind.String()
	}
}

// Equal reports whether two types are structurally identical.
func Equal(a, b *Type) bool {
	if a == b {
		return true
	}
	if a == nil || b == nil || a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case KindList, KindMap:
		return Equal(a.Elem, b.Elem)
	case KindStruct:
		return a.Struct == b.Struct
	case KindFunc:
		if len(a.Func.Params) != len(b.Func.Params) {
			return false
		}
		for i := range a.Func.Params {
			if !Equal(a.Func.Params[i], b.Func.Params[i]) {
				return false
			}
		}
		return Equal(a.Func.Result, b.Func.Result)
	default:
		return true
	}
}

// IsNumeric reports whether the type supports arithmetic.
func (t *Type) IsNumeric() bool {
	return t != nil && (t.Kind == KindInt || t.Kind == KindFloat)
}

// IsText reports whether the type holds character data.
func (t *Type) IsText() bool {
	return t != nil && (t.Kind == KindString || t.Kind == KindSafe)
}

// IsPrintable reports whether a value of this type can appear in an
// expression tag. Lists, maps, structs and callables cannot be emitted
// directly.
func (t *Type) IsPrintable() bool {
	if t == nil {
		return false
	}
	switch t.Kind {
	case KindString, KindInt, KindFloat, KindBool, KindSafe:
		return true
	default:
		return false
	}
}

// Comparable reports whether values of type t support ordering operators.
func (t *Type) Comparable() bool {
	if t == nil {
		return false
	}
	switch t.Kind {
	case KindString, KindInt, KindFloat:
		return true
	default:
		return false
	}
}
