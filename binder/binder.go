package binder

import (
	"github.com/transparencies/askama/diag"
	"github.com/transparencies/askama/escape"
	"github.com/transparencies/askama/parser"
	"github.com/transparencies/askama/registry"
	"github.com/transparencies/askama/types"
)

type binding struct {
	slot   int
	typ    *types.Type
	isLoop bool
}

// Binder walks a merged template and types every node against the
// context descriptor.
type Binder struct {
	path       string
	desc       *types.Descriptor
	reg        *registry.Registry
	format     escape.Format
	scopes     []map[string]binding
	macros     map[string]*parser.Macro
	macroStack []string
	slots      int
	inFilter   bool
}

// Bind type-checks the merged template against the descriptor and
// returns the bound tree. The template must already be resolved: no
// extends or include nodes may remain.
func Bind(tmpl *parser.Template, desc *types.Descriptor, reg *registry.Registry) (*Bound, *diag.Error) {
	b := &Binder{
		path:   tmpl.Path,
		desc:   desc,
		reg:    reg,
		format: reg.Format(),
		macros: make(map[string]*parser.Macro),
	}
	b.collectMacros(tmpl.Children)

	b.pushScope()
	stmts, err := b.bindStmts(tmpl.Children)
	if err != nil {
		return nil, err
	}
	return &Bound{Path: tmpl.Path, Stmts: stmts, Slots: b.slots}, nil
}

// collectMacros records top-level macro definitions. The first
// definition of a name wins, matching the resolver's hoisting order
// where the most derived template comes first.
func (b *Binder) collectMacros(stmts []parser.Stmt) {
	for _, stmt := range stmts {
		if macro, ok := stmt.(*parser.Macro); ok {
			if _, exists := b.macros[macro.Name]; !exists {
				b.macros[macro.Name] = macro
			}
		}
	}
}

func (b *Binder) pushScope() {
	b.scopes = append(b.scopes, make(map[string]binding))
}

func (b *Binder) popScope() {
	b.scopes = b.scopes[:len(b.scopes)-1]
}

func (b *Binder) declare(name string, typ *types.Type, isLoop bool) int {
	slot := b.slots
	b.slots++
	b.scopes[len(b.scopes)-1][name] = binding{slot: slot, typ: typ, isLoop: isLoop}
	return slot
}

func (b *Binder) lookup(name string) (binding, bool) {
	for i := len(b.scopes) - 1; i >= 0; i-- {
		if bnd, ok := b.scopes[i][name]; ok {
			return bnd, true
		}
	}
	return binding{}, false
}

func (b *Binder) errAt(n parser.Node, kind diag.ErrorKind, format string, args ...any) *diag.Error {
	return diag.Newf(kind, format, args...).WithSpan(n.Span()).WithName(b.path)
}

// --- statements ---

func (b *Binder) bindStmts(stmts []parser.Stmt) ([]Stmt, *diag.Error) {
	var out []Stmt
	for _, stmt := range stmts {
		bound, err := b.bindStmt(stmt)
		if err != nil {
			return nil, err
		}
		if bound != nil {
			out = append(out, bound)
		}
	}
	return out, nil
}

func (b *Binder) bindStmt(stmt parser.Stmt) (Stmt, *diag.Error) {
	switch s := stmt.(type) {
	case *parser.EmitRaw:
		return &Raw{Text: s.Raw}, nil

	case *parser.EmitExpr:
		return b.bindEmit(s)

	case *parser.IfCond:
		return b.bindIf(s)

	case *parser.ForLoop:
		return b.bindFor(s)

	case *parser.Let:
		expr, err := b.bindExpr(s.Expr)
		if err != nil {
			return nil, err
		}
		slot := b.declare(s.Name, expr.Type(), false)
		return &Let{Slot: slot, Expr: expr}, nil

	case *parser.Block:
		// Blocks are fully merged by the resolver; at this point they
		// are plain grouping.
		body, err := b.bindStmts(s.Body)
		if err != nil {
			return nil, err
		}
		return &MacroInvoke{Body: body}, nil

	case *parser.Macro:
		// Definitions emit nothing; bodies are bound per call site.
		return nil, nil

	case *parser.FilterBlock:
		return b.bindFilterBlock(s)

	case *parser.Extends, *parser.Include:
		return nil, b.errAt(stmt, diag.ErrUnsupportedConstruct,
			"template was not resolved before binding")

	default:
		return nil, b.errAt(stmt, diag.ErrUnsupportedConstruct,
			"cannot generate code for %T", stmt)
	}
}

func (b *Binder) bindEmit(s *parser.EmitExpr) (Stmt, *diag.Error) {
	// A call to a known macro in an expression tag is an inline
	// expansion, not a value emit.
	if call, ok := s.Expr.(*parser.Call); ok {
		if v, ok := call.Callee.(*parser.Var); ok {
			if _, shadowed := b.lookup(v.ID); !shadowed {
				if macro, isMacro := b.macros[v.ID]; isMacro {
					return b.bindMacroInvoke(call, macro)
				}
			}
		}
	}

	expr, err := b.bindExpr(s.Expr)
	if err != nil {
		return nil, err
	}
	if !expr.Type().IsPrintable() {
		return nil, b.errAt(s, diag.ErrTypeMismatch,
			"cannot emit a value of type %s", expr.Type())
	}
	return &Emit{Expr: expr, Escape: b.needsEscape(expr.Type())}, nil
}

// needsEscape decides at compile time whether an emit goes through the
// escaper. Numbers and bools cannot contain active characters; safe
// strings already went through escaping. Inside a filter block the
// body emits raw text and the block result is the single escape point.
func (b *Binder) needsEscape(typ *types.Type) bool {
	return !b.inFilter && b.format != escape.FormatText && typ.Kind == types.KindString
}

func (b *Binder) bindIf(s *parser.IfCond) (Stmt, *diag.Error) {
	cond, err := b.bindExpr(s.Expr)
	if err != nil {
		return nil, err
	}
	if cond.Type().Kind != types.KindBool {
		return nil, b.errAt(s.Expr, diag.ErrTypeMismatch,
			"if condition must be bool, got %s", cond.Type())
	}

	b.pushScope()
	then, err := b.bindStmts(s.TrueBody)
	b.popScope()
	if err != nil {
		return nil, err
	}

	b.pushScope()
	els, err := b.bindStmts(s.FalseBody)
	b.popScope()
	if err != nil {
		return nil, err
	}
	return &If{Cond: cond, Then: then, Else: els}, nil
}

func (b *Binder) bindFor(s *parser.ForLoop) (Stmt, *diag.Error) {
	iter, err := b.bindExpr(s.Iter)
	if err != nil {
		return nil, err
	}
	if iter.Type().Kind != types.KindList {
		return nil, b.errAt(s.Iter, diag.ErrTypeMismatch,
			"for loop requires a list, got %s", iter.Type())
	}

	b.pushScope()
	slot := b.declare(s.Target, iter.Type().Elem, false)
	loopSlot := b.declare("loop", nil, true)
	body, err := b.bindStmts(s.Body)
	b.popScope()
	if err != nil {
		return nil, err
	}

	b.pushScope()
	els, err := b.bindStmts(s.ElseBody)
	b.popScope()
	if err != nil {
		return nil, err
	}
	return &For{Slot: slot, LoopSlot: loopSlot, Iter: iter, Body: body, Else: els}, nil
}

func (b *Binder) bindFilterBlock(s *parser.FilterBlock) (Stmt, *diag.Error) {
	prev := b.inFilter
	b.inFilter = true
	b.pushScope()
	body, err := b.bindStmts(s.Body)
	b.popScope()
	b.inFilter = prev
	if err != nil {
		return nil, err
	}

	// Collect the chain innermost first.
	var links []*parser.Filter
	for f := s.Filter; f != nil; {
		links = append([]*parser.Filter{f}, links...)
		next, _ := f.Expr.(*parser.Filter)
		f = next
	}

	input := types.String
	var apps []FilterApp
	for _, link := range links {
		filter, ok := b.reg.Lookup(link.Name)
		if !ok {
			return nil, b.errAt(link, diag.ErrFilterNotApplicable,
				"unknown filter %s", link.Name)
		}
		args, argTypes, err := b.bindArgs(link.Args)
		if err != nil {
			return nil, err
		}
		out, cerr := filter.Check(input, argTypes)
		if cerr != nil {
			return nil, cerr.WithSpan(link.Span()).WithName(b.path)
		}
		apps = append(apps, FilterApp{Filter: filter, Args: args, Span: link.Span(), Path: b.path})
		input = out
	}

	if !input.IsPrintable() {
		return nil, b.errAt(s, diag.ErrTypeMismatch,
			"filter block result of type %s cannot be emitted", input)
	}
	return &FilterBlock{Body: body, Filters: apps, Escape: b.needsEscape(input)}, nil
}

func (b *Binder) bindMacroInvoke(call *parser.Call, macro *parser.Macro) (Stmt, *diag.Error) {
	for _, active := range b.macroStack {
		if active == macro.Name {
			return nil, b.errAt(call, diag.ErrUnsupportedConstruct,
				"macro %s calls itself", macro.Name)
		}
	}

	// Match call arguments to parameters: positional first, then named,
	// then declared defaults.
	supplied := make(map[string]parser.Expr, len(macro.Args))
	positional := 0
	for _, arg := range call.Args {
		if arg.Name == "" {
			if positional >= len(macro.Args) {
				return nil, b.errAt(call, diag.ErrArityMismatch,
					"macro %s takes %d argument(s)", macro.Name, len(macro.Args))
			}
			supplied[macro.Args[positional].Name] = arg.Value
			positional++
			continue
		}
		if _, exists := supplied[arg.Name]; exists {
			return nil, b.errAt(call, diag.ErrArityMismatch,
				"macro %s: duplicate argument %s", macro.Name, arg.Name)
		}
		known := false
		for _, param := range macro.Args {
			if param.Name == arg.Name {
				known = true
				break
			}
		}
		if !known {
			return nil, b.errAt(call, diag.ErrArityMismatch,
				"macro %s has no parameter %s", macro.Name, arg.Name)
		}
		supplied[arg.Name] = arg.Value
	}

	var inits []*Let
	b.pushScope()
	defer b.popScope()
	for _, param := range macro.Args {
		argExpr, ok := supplied[param.Name]
		if !ok {
			if param.Default == nil {
				return nil, b.errAt(call, diag.ErrArityMismatch,
					"macro %s: missing argument %s", macro.Name, param.Name)
			}
			argExpr = param.Default
		}
		bound, err := b.bindExpr(argExpr)
		if err != nil {
			return nil, err
		}
		slot := b.declare(param.Name, bound.Type(), false)
		inits = append(inits, &Let{Slot: slot, Expr: bound})
	}

	b.macroStack = append(b.macroStack, macro.Name)
	body, err := b.bindStmts(macro.Body)
	b.macroStack = b.macroStack[:len(b.macroStack)-1]
	if err != nil {
		return nil, err
	}
	return &MacroInvoke{Inits: inits, Body: body}, nil
}

// --- expressions ---

func (b *Binder) bindArgs(args []parser.Expr) ([]Expr, []*types.Type, *diag.Error) {
	var bound []Expr
	var argTypes []*types.Type
	for _, arg := range args {
		e, err := b.bindExpr(arg)
		if err != nil {
			return nil, nil, err
		}
		bound = append(bound, e)
		argTypes = append(argTypes, e.Type())
	}
	return bound, argTypes, nil
}

func (b *Binder) bindExpr(expr parser.Expr) (Expr, *diag.Error) {
	switch e := expr.(type) {
	case *parser.Const:
		return b.bindConst(e)

	case *parser.Var:
		return b.bindVar(e)

	case *parser.GetAttr:
		return b.bindGetAttr(e)

	case *parser.GetItem:
		return b.bindGetItem(e)

	case *parser.UnaryOp:
		return b.bindUnary(e)

	case *parser.BinOp:
		return b.bindBinary(e)

	case *parser.IfExpr:
		return b.bindCond(e)

	case *parser.Filter:
		return b.bindFilter(e)

	case *parser.Call:
		return b.bindCall(e)

	case *parser.List:
		return b.bindList(e)

	default:
		return nil, b.errAt(expr, diag.ErrUnsupportedConstruct,
			"cannot bind %T", expr)
	}
}

func (b *Binder) bindConst(e *parser.Const) (Expr, *diag.Error) {
	var typ *types.Type
	switch e.Value.(type) {
	case string:
		typ = types.String
	case int64:
		typ = types.Int
	case float64:
		typ = types.Float
	case bool:
		typ = types.Bool
	default:
		return nil, b.errAt(e, diag.ErrUnsupportedConstruct,
			"unsupported literal %T", e.Value)
	}
	return &Const{Value: e.Value, Typ: typ}, nil
}

func (b *Binder) bindVar(e *parser.Var) (Expr, *diag.Error) {
	if bnd, ok := b.lookup(e.ID); ok {
		if bnd.isLoop {
			return nil, b.errAt(e, diag.ErrTypeMismatch,
				"loop cannot be used as a value, access its attributes")
		}
		return &LocalRef{Slot: bnd.slot, Typ: bnd.typ}, nil
	}
	if field, ok := b.desc.Field(e.ID); ok {
		return &FieldAccess{
			Recv: &ContextRef{Typ: types.StructOf(b.desc)},
			Get:  field.Get,
			Typ:  field.Type,
		}, nil
	}
	return nil, b.errAt(e, diag.ErrUnknownIdentifier,
		"unknown identifier %s (context %s)", e.ID, b.desc.Name)
}

var loopAttrTypes = map[string]*types.Type{
	"index":    types.Int,
	"index0":   types.Int,
	"length":   types.Int,
	"first":    types.Bool,
	"last":     types.Bool,
	"is_first": types.Bool,
	"is_last":  types.Bool,
}

func (b *Binder) bindGetAttr(e *parser.GetAttr) (Expr, *diag.Error) {
	if v, ok := e.Expr.(*parser.Var); ok {
		if bnd, found := b.lookup(v.ID); found && bnd.isLoop {
			typ, known := loopAttrTypes[e.Name]
			if !known {
				return nil, b.errAt(e, diag.ErrUnknownIdentifier,
					"loop has no attribute %s", e.Name)
			}
			return &LoopAttr{Slot: bnd.slot, Attr: e.Name, Typ: typ}, nil
		}
	}

	recv, err := b.bindExpr(e.Expr)
	if err != nil {
		return nil, err
	}
	if recv.Type().Kind != types.KindStruct {
		return nil, b.errAt(e, diag.ErrTypeMismatch,
			"%s has no attributes", recv.Type())
	}
	field, ok := recv.Type().Struct.Field(e.Name)
	if !ok {
		return nil, b.errAt(e, diag.ErrUnknownIdentifier,
			"%s has no field %s", recv.Type(), e.Name)
	}
	return &FieldAccess{Recv: recv, Get: field.Get, Typ: field.Type}, nil
}

func (b *Binder) bindGetItem(e *parser.GetItem) (Expr, *diag.Error) {
	seq, err := b.bindExpr(e.Expr)
	if err != nil {
		return nil, err
	}
	key, err := b.bindExpr(e.SubscriptExpr)
	if err != nil {
		return nil, err
	}

	switch seq.Type().Kind {
	case types.KindList:
		if key.Type().Kind != types.KindInt {
			return nil, b.errAt(e, diag.ErrTypeMismatch,
				"list index must be int, got %s", key.Type())
		}
	case types.KindMap:
		if key.Type().Kind != types.KindString {
			return nil, b.errAt(e, diag.ErrTypeMismatch,
				"map key must be string, got %s", key.Type())
		}
	default:
		return nil, b.errAt(e, diag.ErrTypeMismatch,
			"%s cannot be subscripted", seq.Type())
	}
	return &Index{Seq: seq, Key: key, Typ: seq.Type().Elem}, nil
}

func (b *Binder) bindUnary(e *parser.UnaryOp) (Expr, *diag.Error) {
	operand, err := b.bindExpr(e.Expr)
	if err != nil {
		return nil, err
	}
	switch e.Op {
	case parser.UnaryNot:
		if operand.Type().Kind != types.KindBool {
			return nil, b.errAt(e, diag.ErrTypeMismatch,
				"not requires bool, got %s", operand.Type())
		}
		return &Unary{Op: e.Op, Operand: operand, Typ: types.Bool}, nil
	default:
		if !operand.Type().IsNumeric() {
			return nil, b.errAt(e, diag.ErrTypeMismatch,
				"negation requires a number, got %s", operand.Type())
		}
		return &Unary{Op: e.Op, Operand: operand, Typ: operand.Type()}, nil
	}
}

// arithKind picks the evaluation kind for two numeric operands. Mixed
// int and float arithmetic promotes to float.
func arithKind(l, r *types.Type) (types.Kind, bool) {
	if !l.IsNumeric() || !r.IsNumeric() {
		return 0, false
	}
	if l.Kind == types.KindInt && r.Kind == types.KindInt {
		return types.KindInt, true
	}
	return types.KindFloat, true
}

func (b *Binder) bindBinary(e *parser.BinOp) (Expr, *diag.Error) {
	left, err := b.bindExpr(e.Left)
	if err != nil {
		return nil, err
	}
	right, err := b.bindExpr(e.Right)
	if err != nil {
		return nil, err
	}
	lt, rt := left.Type(), right.Type()

	mismatch := func(format string, args ...any) *diag.Error {
		return b.errAt(e, diag.ErrTypeMismatch, format, args...)
	}

	switch e.Op {
	case parser.BinOpAdd, parser.BinOpSub, parser.BinOpMul, parser.BinOpDiv, parser.BinOpRem:
		kind, ok := arithKind(lt, rt)
		if !ok {
			return nil, mismatch("operator %s requires numbers, got %s and %s", e.Op, lt, rt)
		}
		typ := types.Int
		if kind == types.KindFloat {
			typ = types.Float
		}
		return &Binary{Op: e.Op, Operand: kind, Left: left, Right: right, Typ: typ}, nil

	case parser.BinOpConcat:
		if !lt.IsPrintable() || !rt.IsPrintable() {
			return nil, mismatch("operator ~ requires printable values, got %s and %s", lt, rt)
		}
		return &Binary{Op: e.Op, Operand: types.KindString, Left: left, Right: right, Typ: types.String}, nil

	case parser.BinOpEq, parser.BinOpNe:
		kind, ok := equalityKind(lt, rt)
		if !ok {
			return nil, mismatch("cannot compare %s with %s", lt, rt)
		}
		return &Binary{Op: e.Op, Operand: kind, Left: left, Right: right, Typ: types.Bool}, nil

	case parser.BinOpLt, parser.BinOpLte, parser.BinOpGt, parser.BinOpGte:
		if !lt.Comparable() || !rt.Comparable() {
			return nil, mismatch("cannot order %s and %s", lt, rt)
		}
		var kind types.Kind
		if lt.IsText() && rt.IsText() {
			kind = types.KindString
		} else if k, ok := arithKind(lt, rt); ok {
			kind = k
		} else {
			return nil, mismatch("cannot order %s and %s", lt, rt)
		}
		return &Binary{Op: e.Op, Operand: kind, Left: left, Right: right, Typ: types.Bool}, nil

	case parser.BinOpScAnd, parser.BinOpScOr:
		if lt.Kind != types.KindBool || rt.Kind != types.KindBool {
			return nil, mismatch("operator %s requires bools, got %s and %s", e.Op, lt, rt)
		}
		return &Binary{Op: e.Op, Operand: types.KindBool, Left: left, Right: right, Typ: types.Bool}, nil

	case parser.BinOpIn:
		switch rt.Kind {
		case types.KindList:
			if _, ok := equalityKind(lt, rt.Elem); !ok {
				return nil, mismatch("cannot test %s membership in %s", lt, rt)
			}
		case types.KindString:
			if lt.Kind != types.KindString {
				return nil, mismatch("substring test requires a string, got %s", lt)
			}
		default:
			return nil, mismatch("operator in requires a list or string, got %s", rt)
		}
		return &Binary{Op: e.Op, Operand: rt.Kind, Left: left, Right: right, Typ: types.Bool}, nil

	default:
		return nil, b.errAt(e, diag.ErrUnsupportedConstruct, "operator %s", e.Op)
	}
}

func equalityKind(l, r *types.Type) (types.Kind, bool) {
	if k, ok := arithKind(l, r); ok {
		return k, true
	}
	if l.IsText() && r.IsText() {
		return types.KindString, true
	}
	if l.Kind == types.KindBool && r.Kind == types.KindBool {
		return types.KindBool, true
	}
	return 0, false
}

func (b *Binder) bindCond(e *parser.IfExpr) (Expr, *diag.Error) {
	test, err := b.bindExpr(e.TestExpr)
	if err != nil {
		return nil, err
	}
	if test.Type().Kind != types.KindBool {
		return nil, b.errAt(e.TestExpr, diag.ErrTypeMismatch,
			"condition must be bool, got %s", test.Type())
	}
	then, err := b.bindExpr(e.TrueExpr)
	if err != nil {
		return nil, err
	}
	els, err := b.bindExpr(e.FalseExpr)
	if err != nil {
		return nil, err
	}
	if !types.Equal(then.Type(), els.Type()) {
		return nil, b.errAt(e, diag.ErrTypeMismatch,
			"conditional branches have different types: %s and %s",
			then.Type(), els.Type())
	}
	return &Cond{Test: test, Then: then, Else: els, Typ: then.Type()}, nil
}

func (b *Binder) bindFilter(e *parser.Filter) (Expr, *diag.Error) {
	filter, ok := b.reg.Lookup(e.Name)
	if !ok {
		return nil, b.errAt(e, diag.ErrFilterNotApplicable,
			"unknown filter %s", e.Name)
	}
	input, err := b.bindExpr(e.Expr)
	if err != nil {
		return nil, err
	}
	args, argTypes, err := b.bindArgs(e.Args)
	if err != nil {
		return nil, err
	}
	out, cerr := filter.Check(input.Type(), argTypes)
	if cerr != nil {
		return nil, cerr.WithSpan(e.Span()).WithName(b.path)
	}
	return &FilterCall{
		Filter: filter,
		Input:  input,
		Args:   args,
		Typ:    out,
		Span:   e.Span(),
		Path:   b.path,
	}, nil
}

func (b *Binder) bindCall(e *parser.Call) (Expr, *diag.Error) {
	if v, ok := e.Callee.(*parser.Var); ok {
		if _, shadowed := b.lookup(v.ID); !shadowed {
			if _, isMacro := b.macros[v.ID]; isMacro {
				return nil, b.errAt(e, diag.ErrTypeMismatch,
					"macro %s can only be invoked in an expression tag", v.ID)
			}
		}
	}

	fn, err := b.bindExpr(e.Callee)
	if err != nil {
		return nil, err
	}
	if fn.Type().Kind != types.KindFunc {
		return nil, b.errAt(e, diag.ErrTypeMismatch,
			"%s is not callable", fn.Type())
	}

	sig := fn.Type().Func
	if len(e.Args) != len(sig.Params) {
		return nil, b.errAt(e, diag.ErrArityMismatch,
			"call takes %d argument(s), got %d", len(sig.Params), len(e.Args))
	}
	var args []Expr
	for i, arg := range e.Args {
		if arg.Name != "" {
			return nil, b.errAt(e, diag.ErrTypeMismatch,
				"named arguments are only valid on macro calls")
		}
		bound, err := b.bindExpr(arg.Value)
		if err != nil {
			return nil, err
		}
		if !types.Equal(bound.Type(), sig.Params[i]) {
			return nil, b.errAt(e, diag.ErrTypeMismatch,
				"argument %d must be %s, got %s", i+1, sig.Params[i], bound.Type())
		}
		args = append(args, bound)
	}
	return &MethodCall{Fn: fn, Args: args, Typ: sig.Result}, nil
}

func (b *Binder) bindList(e *parser.List) (Expr, *diag.Error) {
	if len(e.Items) == 0 {
		return nil, b.errAt(e, diag.ErrTypeMismatch,
			"cannot infer the element type of an empty list")
	}
	var items []Expr
	var elem *types.Type
	for _, item := range e.Items {
		bound, err := b.bindExpr(item)
		if err != nil {
			return nil, err
		}
		if elem == nil {
			elem = bound.Type()
		} else if !types.Equal(elem, bound.Type()) {
			return nil, b.errAt(item, diag.ErrTypeMismatch,
				"list elements must share one type: %s and %s", elem, bound.Type())
		}
		items = append(items, bound)
	}
	return &MakeList{Items: items, Typ: types.ListOf(elem)}, nil
}
