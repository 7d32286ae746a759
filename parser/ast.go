// Package parser turns a token stream into a template unit AST.
package parser

import (
	"github.com/transparencies/askama/lexer"
)

// Span represents a location range in source code.
type Span = lexer.Span

// Node is the interface implemented by all AST nodes.
type Node interface {
	node()
	Span() Span
}

// Stmt represents a statement node.
type Stmt interface {
	Node
	stmt()
}

// Expr represents an expression node.
type Expr interface {
	Node
	expr()
}

// --- Statement Types ---

// Template is one parsed template unit: the root nodes of a single source
// file together with its extends target and block table. It is consumed by
// the inheritance resolver and discarded after merging.
type Template struct {
	Path     string
	Children []Stmt
	Extends  *Extends          // nil when the unit has no parent
	Blocks   map[string]*Block // block name -> definition, collected at parse time
	span     Span
}

func (t *Template) node()      {}
func (t *Template) stmt()      {}
func (t *Template) Span() Span { return t.span }

// EmitRaw outputs literal template text.
type EmitRaw struct {
	Raw  string
	span Span
}

func (e *EmitRaw) node()      {}
func (e *EmitRaw) stmt()      {}
func (e *EmitRaw) Span() Span { return e.span }

// EmitExpr outputs an expression result, escaped per the unit's format.
type EmitExpr struct {
	Expr Expr
	span Span
}

func (e *EmitExpr) node()      {}
func (e *EmitExpr) stmt()      {}
func (e *EmitExpr) Span() Span { return e.span }

// IfCond represents an if/elif/else condition.
type IfCond struct {
	Expr      Expr
	TrueBody  []Stmt
	FalseBody []Stmt
	span      Span
}

func (i *IfCond) node()      {}
func (i *IfCond) stmt()      {}
func (i *IfCond) Span() Span { return i.span }

// ForLoop represents a for loop. The else body runs when the iterable is
// empty.
type ForLoop struct {
	Target   string
	Iter     Expr
	Body     []Stmt
	ElseBody []Stmt
	span     Span
}

func (f *ForLoop) node()      {}
func (f *ForLoop) stmt()      {}
func (f *ForLoop) Span() Span { return f.span }

// Block represents a named block for template inheritance.
type Block struct {
	Name string
	Body []Stmt
	span Span
}

func (b *Block) node()      {}
func (b *Block) stmt()      {}
func (b *Block) Span() Span { return b.span }

// Extends represents an extends directive. It must be the first statement
// of a unit; the parser enforces this structurally.
type Extends struct {
	Path string
	span Span
}

func (e *Extends) node()      {}
func (e *Extends) stmt()      {}
func (e *Extends) Span() Span { return e.span }

// Include represents an include directive; the resolver splices the
// included unit's root nodes at this position.
type Include struct {
	Path string
	span Span
}

func (i *Include) node()      {}
func (i *Include) stmt()      {}
func (i *Include) Span() Span { return i.span }

// Let represents a local binding.
type Let struct {
	Name string
	Expr Expr
	span Span
}

func (l *Let) node()      {}
func (l *Let) stmt()      {}
func (l *Let) Span() Span { return l.span }

// Macro represents a macro definition.
type Macro struct {
	Name string
	Args []MacroArg
	Body []Stmt
	span Span
}

// MacroArg is a single macro parameter with an optional default.
type MacroArg struct {
	Name    string
	Default Expr // nil when the parameter is required
}

func (m *Macro) node()      {}
func (m *Macro) stmt()      {}
func (m *Macro) Span() Span { return m.span }

// FilterBlock pipes its rendered body through a filter chain.
type FilterBlock struct {
	Filter *Filter // chain with a nil innermost input
	Body   []Stmt
	span   Span
}

func (f *FilterBlock) node()      {}
func (f *FilterBlock) stmt()      {}
func (f *FilterBlock) Span() Span { return f.span }

// --- Expression Types ---

// Var represents a variable reference.
type Var struct {
	ID   string
	span Span
}

func (v *Var) node()      {}
func (v *Var) expr()      {}
func (v *Var) Span() Span { return v.span }

// Const represents a constant value: string, int64, float64, or bool.
type Const struct {
	Value any
	span  Span
}

func (c *Const) node()      {}
func (c *Const) expr()      {}
func (c *Const) Span() Span { return c.span }

// UnaryOpKind represents the type of unary operator.
type UnaryOpKind int

const (
	UnaryNot UnaryOpKind = iota
	UnaryNeg
)

func (k UnaryOpKind) String() string {
	if k == UnaryNot {
		return "not"
	}
	return "-"
}

// UnaryOp represents a unary operation.
type UnaryOp struct {
	Op   UnaryOpKind
	Expr Expr
	span Span
}

func (u *UnaryOp) node()      {}
func (u *UnaryOp) expr()      {}
func (u *UnaryOp) Span() Span { return u.span }

// BinOpKind represents the type of binary operator.
type BinOpKind int

const (
	BinOpEq BinOpKind = iota
	BinOpNe
	BinOpLt
	BinOpLte
	BinOpGt
	BinOpGte
	BinOpScAnd
	BinOpScOr
	BinOpAdd
	BinOpSub
	BinOpMul
	BinOpDiv
	BinOpRem
	BinOpConcat
	BinOpIn
)

var binOpNames = [...]string{
	BinOpEq: "==", BinOpNe: "!=", BinOpLt: "<", BinOpLte: "<=",
	BinOpGt: ">", BinOpGte: ">=", BinOpScAnd: "and", BinOpScOr: "or",
	BinOpAdd: "+", BinOpSub: "-", BinOpMul: "*", BinOpDiv: "/",
	BinOpRem: "%", BinOpConcat: "~", BinOpIn: "in",
}

func (k BinOpKind) String() string {
	if int(k) < len(binOpNames) {
		return binOpNames[k]
	}
	return "?"
}

// BinOp represents a binary operation.
type BinOp struct {
	Op    BinOpKind
	Left  Expr
	Right Expr
	span  Span
}

func (b *BinOp) node()      {}
func (b *BinOp) expr()      {}
func (b *BinOp) Span() Span { return b.span }

// IfExpr represents a conditional expression (a if cond else b).
type IfExpr struct {
	TestExpr  Expr
	TrueExpr  Expr
	FalseExpr Expr
	span      Span
}

func (i *IfExpr) node()      {}
func (i *IfExpr) expr()      {}
func (i *IfExpr) Span() Span { return i.span }

// Filter represents one link of a filter pipeline. Expr is nil only inside
// a filter block chain, where the rendered body is the input.
type Filter struct {
	Name string
	Expr Expr
	Args []Expr
	span Span
}

func (f *Filter) node()      {}
func (f *Filter) expr()      {}
func (f *Filter) Span() Span { return f.span }

// GetAttr represents attribute access (x.y).
type GetAttr struct {
	Expr Expr
	Name string
	span Span
}

func (g *GetAttr) node()      {}
func (g *GetAttr) expr()      {}
func (g *GetAttr) Span() Span { return g.span }

// GetItem represents subscript access (x[y]).
type GetItem struct {
	Expr          Expr
	SubscriptExpr Expr
	span          Span
}

func (g *GetItem) node()      {}
func (g *GetItem) expr()      {}
func (g *GetItem) Span() Span { return g.span }

// Call represents a function, method, or macro invocation.
type Call struct {
	Callee Expr
	Args   []CallArg
	span   Span
}

func (c *Call) node()      {}
func (c *Call) expr()      {}
func (c *Call) Span() Span { return c.span }

// CallArg represents a call argument, positional or named.
type CallArg struct {
	Name  string // empty for positional arguments
	Value Expr
}

// List represents a list literal.
type List struct {
	Items []Expr
	span  Span
}

func (l *List) node()      {}
func (l *List) expr()      {}
func (l *List) Span() Span { return l.span }
