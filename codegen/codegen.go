// Package codegen lowers a bound template into a rendering procedure:
// a flat sequence of typed steps that write to a sink. All type
// dispatch happens here, once, at generation time; the closures that
// run per render only move concrete values around.
package codegen

import (
	"io"
	"strings"

	"github.com/transparencies/askama/binder"
	"github.com/transparencies/askama/diag"
	"github.com/transparencies/askama/escape"
	"github.com/transparencies/askama/parser"
	"github.com/transparencies/askama/value"
)

// Program is a compiled template. It is immutable and safe for
// concurrent use; each render gets its own locals frame.
type Program struct {
	path   string
	format escape.Format
	slots  int
	steps  []step
}

type frame struct {
	w      io.Writer
	ctx    any
	locals []any
}

type step func(f *frame) *diag.Error

type eval func(f *frame) (any, *diag.Error)

// Generate lowers the bound tree into a program for the given output
// format.
func Generate(bound *binder.Bound, format escape.Format) (*Program, *diag.Error) {
	g := &generator{path: bound.Path, format: format}
	steps, err := g.compileStmts(bound.Stmts)
	if err != nil {
		return nil, err
	}
	return &Program{
		path:   bound.Path,
		format: format,
		slots:  bound.Slots,
		steps:  steps,
	}, nil
}

// Path returns the template path the program was compiled from.
func (p *Program) Path() string {
	return p.path
}

// Format returns the escape format the program was compiled for.
func (p *Program) Format() escape.Format {
	return p.format
}

// Render executes the program against a context value.
func (p *Program) Render(ctx any, w io.Writer) error {
	if err := p.render(ctx, w); err != nil {
		return err
	}
	return nil
}

// RenderString renders into a string.
func (p *Program) RenderString(ctx any) (string, error) {
	var b strings.Builder
	if err := p.render(ctx, &b); err != nil {
		return "", err
	}
	return b.String(), nil
}

func (p *Program) render(ctx any, w io.Writer) *diag.Error {
	f := &frame{w: w, ctx: ctx, locals: make([]any, p.slots)}
	for _, s := range p.steps {
		if err := s(f); err != nil {
			return err
		}
	}
	return nil
}

type generator struct {
	path   string
	format escape.Format
}

func (g *generator) write(f *frame, s string) *diag.Error {
	if _, err := io.WriteString(f.w, s); err != nil {
		return diag.Newf(diag.ErrWriteFailed, "%v", err).WithName(g.path)
	}
	return nil
}

// --- statements ---

func (g *generator) compileStmts(stmts []binder.Stmt) ([]step, *diag.Error) {
	out := make([]step, 0, len(stmts))
	for _, stmt := range stmts {
		s, err := g.compileStmt(stmt)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (g *generator) compileStmt(stmt binder.Stmt) (step, *diag.Error) {
	switch s := stmt.(type) {
	case *binder.Raw:
		text := s.Text
		return func(f *frame) *diag.Error {
			return g.write(f, text)
		}, nil

	case *binder.Emit:
		return g.compileEmit(s)

	case *binder.If:
		return g.compileIf(s)

	case *binder.For:
		return g.compileFor(s)

	case *binder.Let:
		ev, err := g.compileExpr(s.Expr)
		if err != nil {
			return nil, err
		}
		slot := s.Slot
		return func(f *frame) *diag.Error {
			v, verr := ev(f)
			if verr != nil {
				return verr
			}
			f.locals[slot] = v
			return nil
		}, nil

	case *binder.MacroInvoke:
		var steps []step
		for _, init := range s.Inits {
			st, err := g.compileStmt(init)
			if err != nil {
				return nil, err
			}
			steps = append(steps, st)
		}
		body, err := g.compileStmts(s.Body)
		if err != nil {
			return nil, err
		}
		steps = append(steps, body...)
		return seq(steps), nil

	case *binder.FilterBlock:
		return g.compileFilterBlock(s)

	default:
		return nil, diag.Newf(diag.ErrUnsupportedConstruct,
			"cannot generate code for %T", stmt).WithName(g.path)
	}
}

func seq(steps []step) step {
	return func(f *frame) *diag.Error {
		for _, s := range steps {
			if err := s(f); err != nil {
				return err
			}
		}
		return nil
	}
}

func (g *generator) compileEmit(s *binder.Emit) (step, *diag.Error) {
	ev, err := g.compileExpr(s.Expr)
	if err != nil {
		return nil, err
	}
	if s.Escape {
		format := g.format
		return func(f *frame) *diag.Error {
			v, verr := ev(f)
			if verr != nil {
				return verr
			}
			return g.write(f, format.Apply(value.Stringify(v)))
		}, nil
	}
	return func(f *frame) *diag.Error {
		v, verr := ev(f)
		if verr != nil {
			return verr
		}
		return g.write(f, value.Stringify(v))
	}, nil
}

func (g *generator) compileIf(s *binder.If) (step, *diag.Error) {
	cond, err := g.compileExpr(s.Cond)
	if err != nil {
		return nil, err
	}
	then, err := g.compileStmts(s.Then)
	if err != nil {
		return nil, err
	}
	els, err := g.compileStmts(s.Else)
	if err != nil {
		return nil, err
	}
	thenStep, elseStep := seq(then), seq(els)
	return func(f *frame) *diag.Error {
		v, verr := cond(f)
		if verr != nil {
			return verr
		}
		if value.AsBool(v) {
			return thenStep(f)
		}
		return elseStep(f)
	}, nil
}

func (g *generator) compileFor(s *binder.For) (step, *diag.Error) {
	iter, err := g.compileExpr(s.Iter)
	if err != nil {
		return nil, err
	}
	body, err := g.compileStmts(s.Body)
	if err != nil {
		return nil, err
	}
	els, err := g.compileStmts(s.Else)
	if err != nil {
		return nil, err
	}
	bodyStep, elseStep := seq(body), seq(els)
	slot, loopSlot := s.Slot, s.LoopSlot

	return func(f *frame) *diag.Error {
		v, verr := iter(f)
		if verr != nil {
			return verr
		}
		items, _ := value.AsList(v)
		if len(items) == 0 {
			return elseStep(f)
		}
		state := &value.LoopState{Length: int64(len(items))}
		f.locals[loopSlot] = state
		for i, item := range items {
			state.Index0 = int64(i)
			f.locals[slot] = item
			if err := bodyStep(f); err != nil {
				return err
			}
		}
		return nil
	}, nil
}

func (g *generator) compileFilterBlock(s *binder.FilterBlock) (step, *diag.Error) {
	body, err := g.compileStmts(s.Body)
	if err != nil {
		return nil, err
	}
	bodyStep := seq(body)

	type appliedFilter struct {
		apply func(any, []any) (any, error)
		args  []eval
		span  parser.Span
		path  string
	}
	apps := make([]appliedFilter, len(s.Filters))
	for i, app := range s.Filters {
		args := make([]eval, len(app.Args))
		for j, arg := range app.Args {
			ev, err := g.compileExpr(arg)
			if err != nil {
				return nil, err
			}
			args[j] = ev
		}
		apps[i] = appliedFilter{apply: app.Filter.Apply, args: args, span: app.Span, path: app.Path}
	}

	doEscape := s.Escape
	format := g.format
	return func(f *frame) *diag.Error {
		var buf strings.Builder
		sub := &frame{w: &buf, ctx: f.ctx, locals: f.locals}
		if err := bodyStep(sub); err != nil {
			return err
		}

		var current any = buf.String()
		for _, app := range apps {
			args := make([]any, len(app.args))
			for i, ev := range app.args {
				v, verr := ev(f)
				if verr != nil {
					return verr
				}
				args[i] = v
			}
			out, aerr := app.apply(current, args)
			if aerr != nil {
				return diag.Newf(diag.ErrFilterFailed, "%v", aerr).
					WithSpan(app.span).WithName(app.path)
			}
			current = out
		}

		text := value.Stringify(current)
		if doEscape {
			text = format.Apply(text)
		}
		return g.write(f, text)
	}, nil
}
