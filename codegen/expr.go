package codegen

import (
	"math"

	"github.com/transparencies/askama/binder"
	"github.com/transparencies/askama/diag"
	"github.com/transparencies/askama/parser"
	"github.com/transparencies/askama/types"
	"github.com/transparencies/askama/value"
)

func (g *generator) compileExprs(exprs []binder.Expr) ([]eval, *diag.Error) {
	out := make([]eval, len(exprs))
	for i, e := range exprs {
		ev, err := g.compileExpr(e)
		if err != nil {
			return nil, err
		}
		out[i] = ev
	}
	return out, nil
}

func (g *generator) compileExpr(expr binder.Expr) (eval, *diag.Error) {
	switch e := expr.(type) {
	case *binder.Const:
		v := e.Value
		return func(*frame) (any, *diag.Error) { return v, nil }, nil

	case *binder.ContextRef:
		return func(f *frame) (any, *diag.Error) { return f.ctx, nil }, nil

	case *binder.LocalRef:
		slot := e.Slot
		return func(f *frame) (any, *diag.Error) { return f.locals[slot], nil }, nil

	case *binder.FieldAccess:
		recv, err := g.compileExpr(e.Recv)
		if err != nil {
			return nil, err
		}
		get := e.Get
		return func(f *frame) (any, *diag.Error) {
			r, rerr := recv(f)
			if rerr != nil {
				return nil, rerr
			}
			return get(r), nil
		}, nil

	case *binder.LoopAttr:
		slot, attr := e.Slot, e.Attr
		return func(f *frame) (any, *diag.Error) {
			state := f.locals[slot].(*value.LoopState)
			return state.Attr(attr), nil
		}, nil

	case *binder.Index:
		return g.compileIndex(e)

	case *binder.Unary:
		return g.compileUnary(e)

	case *binder.Binary:
		return g.compileBinary(e)

	case *binder.Cond:
		test, err := g.compileExpr(e.Test)
		if err != nil {
			return nil, err
		}
		then, err := g.compileExpr(e.Then)
		if err != nil {
			return nil, err
		}
		els, err := g.compileExpr(e.Else)
		if err != nil {
			return nil, err
		}
		return func(f *frame) (any, *diag.Error) {
			t, terr := test(f)
			if terr != nil {
				return nil, terr
			}
			if value.AsBool(t) {
				return then(f)
			}
			return els(f)
		}, nil

	case *binder.FilterCall:
		return g.compileFilterCall(e)

	case *binder.MethodCall:
		fn, err := g.compileExpr(e.Fn)
		if err != nil {
			return nil, err
		}
		args, err := g.compileExprs(e.Args)
		if err != nil {
			return nil, err
		}
		return func(f *frame) (any, *diag.Error) {
			v, verr := fn(f)
			if verr != nil {
				return nil, verr
			}
			callable, ok := v.(types.Callable)
			if !ok {
				// The descriptor promised a func type but its getter
				// produced something else.
				return nil, diag.Newf(diag.ErrUnsupportedConstruct,
					"call target of type %T is not callable", v)
			}
			vals := make([]any, len(args))
			for i, arg := range args {
				av, aerr := arg(f)
				if aerr != nil {
					return nil, aerr
				}
				vals[i] = av
			}
			return callable(vals), nil
		}, nil

	case *binder.MakeList:
		items, err := g.compileExprs(e.Items)
		if err != nil {
			return nil, err
		}
		return func(f *frame) (any, *diag.Error) {
			out := make([]any, len(items))
			for i, item := range items {
				v, verr := item(f)
				if verr != nil {
					return nil, verr
				}
				out[i] = v
			}
			return out, nil
		}, nil

	default:
		return nil, diag.Newf(diag.ErrUnsupportedConstruct,
			"cannot generate code for %T", expr).WithName(g.path)
	}
}

func (g *generator) compileIndex(e *binder.Index) (eval, *diag.Error) {
	seq, err := g.compileExpr(e.Seq)
	if err != nil {
		return nil, err
	}
	key, err := g.compileExpr(e.Key)
	if err != nil {
		return nil, err
	}
	path := g.path

	if e.Seq.Type().Kind == types.KindMap {
		zero := zeroOf(e.Typ)
		return func(f *frame) (any, *diag.Error) {
			sv, serr := seq(f)
			if serr != nil {
				return nil, serr
			}
			kv, kerr := key(f)
			if kerr != nil {
				return nil, kerr
			}
			m, _ := value.AsMap(sv)
			if v, ok := m[value.AsString(kv)]; ok {
				return v, nil
			}
			return zero, nil
		}, nil
	}

	return func(f *frame) (any, *diag.Error) {
		sv, serr := seq(f)
		if serr != nil {
			return nil, serr
		}
		kv, kerr := key(f)
		if kerr != nil {
			return nil, kerr
		}
		items, _ := value.AsList(sv)
		idx := value.AsInt(kv)
		if idx < 0 || idx >= int64(len(items)) {
			return nil, diag.Newf(diag.ErrIndexOutOfRange,
				"index %d out of range for list of %d", idx, len(items)).
				WithName(path)
		}
		return items[idx], nil
	}, nil
}

// zeroOf returns the zero value used when a map lookup misses.
func zeroOf(typ *types.Type) any {
	switch typ.Kind {
	case types.KindString:
		return ""
	case types.KindSafe:
		return value.Safe("")
	case types.KindInt:
		return int64(0)
	case types.KindFloat:
		return float64(0)
	case types.KindBool:
		return false
	default:
		return nil
	}
}

func (g *generator) compileUnary(e *binder.Unary) (eval, *diag.Error) {
	operand, err := g.compileExpr(e.Operand)
	if err != nil {
		return nil, err
	}

	switch {
	case e.Op == parser.UnaryNot:
		return func(f *frame) (any, *diag.Error) {
			v, verr := operand(f)
			if verr != nil {
				return nil, verr
			}
			return !value.AsBool(v), nil
		}, nil
	case e.Typ.Kind == types.KindInt:
		return func(f *frame) (any, *diag.Error) {
			v, verr := operand(f)
			if verr != nil {
				return nil, verr
			}
			return -value.AsInt(v), nil
		}, nil
	default:
		return func(f *frame) (any, *diag.Error) {
			v, verr := operand(f)
			if verr != nil {
				return nil, verr
			}
			return -value.AsFloat(v), nil
		}, nil
	}
}

// compileBinary selects the typed routine for an operator once, based
// on the operand kind the binder recorded.
func (g *generator) compileBinary(e *binder.Binary) (eval, *diag.Error) {
	left, err := g.compileExpr(e.Left)
	if err != nil {
		return nil, err
	}
	right, err := g.compileExpr(e.Right)
	if err != nil {
		return nil, err
	}

	// Short-circuit operators skip right-hand evaluation.
	switch e.Op {
	case parser.BinOpScAnd:
		return func(f *frame) (any, *diag.Error) {
			l, lerr := left(f)
			if lerr != nil {
				return nil, lerr
			}
			if !value.AsBool(l) {
				return false, nil
			}
			return right(f)
		}, nil
	case parser.BinOpScOr:
		return func(f *frame) (any, *diag.Error) {
			l, lerr := left(f)
			if lerr != nil {
				return nil, lerr
			}
			if value.AsBool(l) {
				return true, nil
			}
			return right(f)
		}, nil
	}

	op, err := g.binaryOp(e)
	if err != nil {
		return nil, err
	}
	return func(f *frame) (any, *diag.Error) {
		l, lerr := left(f)
		if lerr != nil {
			return nil, lerr
		}
		r, rerr := right(f)
		if rerr != nil {
			return nil, rerr
		}
		return op(l, r)
	}, nil
}

type binOp func(l, r any) (any, *diag.Error)

func (g *generator) binaryOp(e *binder.Binary) (binOp, *diag.Error) {
	path := g.path
	kind := e.Operand

	switch e.Op {
	case parser.BinOpAdd:
		if kind == types.KindInt {
			return func(l, r any) (any, *diag.Error) { return value.AsInt(l) + value.AsInt(r), nil }, nil
		}
		return func(l, r any) (any, *diag.Error) { return value.AsFloat(l) + value.AsFloat(r), nil }, nil

	case parser.BinOpSub:
		if kind == types.KindInt {
			return func(l, r any) (any, *diag.Error) { return value.AsInt(l) - value.AsInt(r), nil }, nil
		}
		return func(l, r any) (any, *diag.Error) { return value.AsFloat(l) - value.AsFloat(r), nil }, nil

	case parser.BinOpMul:
		if kind == types.KindInt {
			return func(l, r any) (any, *diag.Error) { return value.AsInt(l) * value.AsInt(r), nil }, nil
		}
		return func(l, r any) (any, *diag.Error) { return value.AsFloat(l) * value.AsFloat(r), nil }, nil

	case parser.BinOpDiv:
		if kind == types.KindInt {
			return func(l, r any) (any, *diag.Error) {
				d := value.AsInt(r)
				if d == 0 {
					return nil, diag.New(diag.ErrDivisionByZero, "integer division by zero").WithName(path)
				}
				return value.AsInt(l) / d, nil
			}, nil
		}
		return func(l, r any) (any, *diag.Error) { return value.AsFloat(l) / value.AsFloat(r), nil }, nil

	case parser.BinOpRem:
		if kind == types.KindInt {
			return func(l, r any) (any, *diag.Error) {
				d := value.AsInt(r)
				if d == 0 {
					return nil, diag.New(diag.ErrDivisionByZero, "integer modulo by zero").WithName(path)
				}
				return value.AsInt(l) % d, nil
			}, nil
		}
		return func(l, r any) (any, *diag.Error) {
			return math.Mod(value.AsFloat(l), value.AsFloat(r)), nil
		}, nil

	case parser.BinOpConcat:
		return func(l, r any) (any, *diag.Error) {
			return value.Stringify(l) + value.Stringify(r), nil
		}, nil

	case parser.BinOpEq, parser.BinOpNe:
		eq := equalFor(kind)
		if e.Op == parser.BinOpEq {
			return func(l, r any) (any, *diag.Error) { return eq(l, r), nil }, nil
		}
		return func(l, r any) (any, *diag.Error) { return !eq(l, r), nil }, nil

	case parser.BinOpLt, parser.BinOpLte, parser.BinOpGt, parser.BinOpGte:
		cmp := compareFor(kind)
		op := e.Op
		return func(l, r any) (any, *diag.Error) {
			c := cmp(l, r)
			switch op {
			case parser.BinOpLt:
				return c < 0, nil
			case parser.BinOpLte:
				return c <= 0, nil
			case parser.BinOpGt:
				return c > 0, nil
			default:
				return c >= 0, nil
			}
		}, nil

	case parser.BinOpIn:
		return func(l, r any) (any, *diag.Error) {
			return value.Contains(r, l), nil
		}, nil

	default:
		return nil, diag.Newf(diag.ErrUnsupportedConstruct, "operator %s", e.Op).WithName(path)
	}
}

func equalFor(kind types.Kind) func(l, r any) bool {
	switch kind {
	case types.KindInt:
		return func(l, r any) bool { return value.AsInt(l) == value.AsInt(r) }
	case types.KindFloat:
		return func(l, r any) bool { return value.AsFloat(l) == value.AsFloat(r) }
	case types.KindBool:
		return func(l, r any) bool { return value.AsBool(l) == value.AsBool(r) }
	default:
		return func(l, r any) bool { return value.AsString(l) == value.AsString(r) }
	}
}

func compareFor(kind types.Kind) func(l, r any) int {
	switch kind {
	case types.KindInt:
		return func(l, r any) int {
			li, ri := value.AsInt(l), value.AsInt(r)
			switch {
			case li < ri:
				return -1
			case li > ri:
				return 1
			}
			return 0
		}
	case types.KindFloat:
		return func(l, r any) int {
			lf, rf := value.AsFloat(l), value.AsFloat(r)
			switch {
			case lf < rf:
				return -1
			case lf > rf:
				return 1
			}
			return 0
		}
	default:
		return func(l, r any) int {
			ls, rs := value.AsString(l), value.AsString(r)
			switch {
			case ls < rs:
				return -1
			case ls > rs:
				return 1
			}
			return 0
		}
	}
}

func (g *generator) compileFilterCall(e *binder.FilterCall) (eval, *diag.Error) {
	input, err := g.compileExpr(e.Input)
	if err != nil {
		return nil, err
	}
	args, err := g.compileExprs(e.Args)
	if err != nil {
		return nil, err
	}
	apply := e.Filter.Apply
	span, path := e.Span, e.Path

	return func(f *frame) (any, *diag.Error) {
		in, ierr := input(f)
		if ierr != nil {
			return nil, ierr
		}
		vals := make([]any, len(args))
		for i, arg := range args {
			v, verr := arg(f)
			if verr != nil {
				return nil, verr
			}
			vals[i] = v
		}
		out, aerr := apply(in, vals)
		if aerr != nil {
			return nil, diag.Newf(diag.ErrFilterFailed, "%v", aerr).
				WithSpan(span).WithName(path)
		}
		return out, nil
	}, nil
}
