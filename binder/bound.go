// Package binder type-checks a merged template against a context
// descriptor and produces a fully typed bound tree. Binding is the last
// stage that can reject a template for type reasons: whatever survives
// it renders without type errors.
package binder

import (
	"github.com/transparencies/askama/parser"
	"github.com/transparencies/askama/registry"
	"github.com/transparencies/askama/types"
)

// Expr is a bound expression. Every expression knows its static type.
type Expr interface {
	Type() *types.Type
}

// Stmt is a bound statement.
type Stmt interface {
	boundStmt()
}

// Bound is a fully type-checked template ready for code generation.
type Bound struct {
	Path  string
	Stmts []Stmt
	// Slots is the size of the locals frame a rendering needs.
	Slots int
}

// --- expressions ---

// Const is a literal with its compile-time value.
type Const struct {
	Value any
	Typ   *types.Type
}

func (c *Const) Type() *types.Type { return c.Typ }

// ContextRef is the root context value.
type ContextRef struct {
	Typ *types.Type
}

func (c *ContextRef) Type() *types.Type { return c.Typ }

// LocalRef reads a local slot (let binding, loop variable or macro
// parameter).
type LocalRef struct {
	Slot int
	Typ  *types.Type
}

func (l *LocalRef) Type() *types.Type { return l.Typ }

// FieldAccess reads a descriptor field through its getter.
type FieldAccess struct {
	Recv Expr
	Get  types.Getter
	Typ  *types.Type
}

func (f *FieldAccess) Type() *types.Type { return f.Typ }

// LoopAttr reads one attribute of the implicit loop object.
type LoopAttr struct {
	Slot int // slot holding the loop state
	Attr string
	Typ  *types.Type
}

func (l *LoopAttr) Type() *types.Type { return l.Typ }

// Index subscripts a list with an int or a map with a string key.
type Index struct {
	Seq Expr
	Key Expr
	Typ *types.Type
}

func (i *Index) Type() *types.Type { return i.Typ }

// Unary is a bound unary operation.
type Unary struct {
	Op      parser.UnaryOpKind
	Operand Expr
	Typ     *types.Type
}

func (u *Unary) Type() *types.Type { return u.Typ }

// Binary is a bound binary operation. Operand records the kind the
// operation was selected for, so the generator picks a typed routine
// instead of inspecting values.
type Binary struct {
	Op      parser.BinOpKind
	Operand types.Kind
	Left    Expr
	Right   Expr
	Typ     *types.Type
}

func (b *Binary) Type() *types.Type { return b.Typ }

// Cond is a bound conditional expression.
type Cond struct {
	Test Expr
	Then Expr
	Else Expr
	Typ  *types.Type
}

func (c *Cond) Type() *types.Type { return c.Typ }

// FilterCall applies a registry filter to an input expression.
type FilterCall struct {
	Filter *registry.Filter
	Input  Expr // nil only inside a filter block chain
	Args   []Expr
	Typ    *types.Type
	Span   parser.Span
	Path   string
}

func (f *FilterCall) Type() *types.Type { return f.Typ }

// MethodCall invokes a func-typed descriptor field.
type MethodCall struct {
	Fn   Expr
	Args []Expr
	Typ  *types.Type
}

func (m *MethodCall) Type() *types.Type { return m.Typ }

// MakeList builds a list literal.
type MakeList struct {
	Items []Expr
	Typ   *types.Type
}

func (m *MakeList) Type() *types.Type { return m.Typ }

// --- statements ---

// Raw emits literal text.
type Raw struct {
	Text string
}

func (*Raw) boundStmt() {}

// Emit writes an expression value. The escape decision is made here,
// once, at compile time.
type Emit struct {
	Expr   Expr
	Escape bool
}

func (*Emit) boundStmt() {}

// If is a bound conditional statement.
type If struct {
	Cond Expr
	Then []Stmt
	Else []Stmt
}

func (*If) boundStmt() {}

// For iterates a list. Slot receives the element, LoopSlot the loop
// state the loop.* attributes read.
type For struct {
	Slot     int
	LoopSlot int
	Iter     Expr
	Body     []Stmt
	Else     []Stmt
}

func (*For) boundStmt() {}

// Let assigns a local slot.
type Let struct {
	Slot int
	Expr Expr
}

func (*Let) boundStmt() {}

// MacroInvoke is an inlined macro call: parameter assignments followed
// by the macro body bound against the call site's argument types.
type MacroInvoke struct {
	Inits []*Let
	Body  []Stmt
}

func (*MacroInvoke) boundStmt() {}

// FilterApp is one link of a filter block chain.
type FilterApp struct {
	Filter *registry.Filter
	Args   []Expr
	Span   parser.Span
	Path   string
}

// FilterBlock renders its body to a buffer, pipes the text through the
// filter chain and emits the result.
type FilterBlock struct {
	Body    []Stmt
	Filters []FilterApp // innermost first
	Escape  bool
}

func (*FilterBlock) boundStmt() {}
