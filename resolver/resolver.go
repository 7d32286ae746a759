// Package resolver merges a template unit with its inheritance chain
// and its includes into a single self-contained template.
//
// The output has no extends directive and no include nodes left: block
// bodies are the most derived override with super() spliced in, and
// included templates are resolved and inlined at their include site.
package resolver

import (
	"fmt"

	"github.com/transparencies/askama/diag"
	"github.com/transparencies/askama/lexer"
	"github.com/transparencies/askama/parser"
)

// Loader resolves a template path to its source text.
type Loader interface {
	Load(path string) (string, error)
}

// MapLoader serves template sources from an in-memory map.
type MapLoader map[string]string

func (m MapLoader) Load(path string) (string, error) {
	src, ok := m[path]
	if !ok {
		return "", fmt.Errorf("template %q not found", path)
	}
	return src, nil
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(path string) (string, error)

func (f LoaderFunc) Load(path string) (string, error) {
	return f(path)
}

// Resolver parses and merges templates through a loader.
type Resolver struct {
	loader Loader
	syntax lexer.SyntaxConfig
	ws     lexer.WhitespaceConfig
}

// New creates a resolver that parses loaded sources with the given
// syntax configuration.
func New(loader Loader, syntax lexer.SyntaxConfig, ws lexer.WhitespaceConfig) *Resolver {
	return &Resolver{loader: loader, syntax: syntax, ws: ws}
}

// Resolve loads, parses and merges the template at path.
func (r *Resolver) Resolve(path string) (*parser.Template, *diag.Error) {
	unit, err := r.loadUnit(path, nil)
	if err != nil {
		return nil, err
	}
	return r.resolveUnit(unit, []string{path})
}

// ResolveSource merges an already loaded source, using the loader only
// for parents and includes.
func (r *Resolver) ResolveSource(source, path string) (*parser.Template, *diag.Error) {
	unit, err := parser.Parse(source, path, r.syntax, r.ws)
	if err != nil {
		return nil, err
	}
	return r.resolveUnit(unit, []string{path})
}

func (r *Resolver) loadUnit(path string, span *parser.Span) (*parser.Template, *diag.Error) {
	if r.loader == nil {
		return nil, missingTemplate(path, span)
	}
	src, err := r.loader.Load(path)
	if err != nil {
		return nil, missingTemplate(path, span)
	}
	return parser.Parse(src, path, r.syntax, r.ws)
}

func missingTemplate(path string, span *parser.Span) *diag.Error {
	err := diag.Newf(diag.ErrMissingTemplate, "template %q not found", path)
	if span != nil {
		err = err.WithSpan(*span)
	}
	return err
}

func (r *Resolver) resolveUnit(unit *parser.Template, includeStack []string) (*parser.Template, *diag.Error) {
	chain, err := r.extendsChain(unit)
	if err != nil {
		return nil, err
	}

	if err := checkParentBlocks(chain); err != nil {
		return nil, err
	}

	m := &merger{resolver: r, chain: chain, includeStack: includeStack}
	base := chain[len(chain)-1]

	hoisted := m.hoistMacros()
	children, err := m.mergeStmts(base.Children)
	if err != nil {
		return nil, err
	}

	merged := &parser.Template{
		Path:     unit.Path,
		Children: append(hoisted, children...),
		Blocks:   collectBlocks(children),
	}
	return merged, nil
}

// extendsChain walks the extends edges from the unit to its root
// ancestor. The result is ordered most derived first.
func (r *Resolver) extendsChain(unit *parser.Template) ([]*parser.Template, *diag.Error) {
	chain := []*parser.Template{unit}
	visited := map[string]bool{unit.Path: true}

	cur := unit
	for cur.Extends != nil {
		ext := cur.Extends
		if visited[ext.Path] {
			return nil, diag.Newf(diag.ErrCyclicExtends,
				"template %q extends itself through %q", unit.Path, ext.Path).
				WithSpan(ext.Span()).WithName(cur.Path)
		}
		parent, err := r.loadUnit(ext.Path, spanOf(ext))
		if err != nil {
			return nil, err.WithName(cur.Path)
		}
		visited[ext.Path] = true
		chain = append(chain, parent)
		cur = parent
	}
	return chain, nil
}

func spanOf(n parser.Node) *parser.Span {
	s := n.Span()
	return &s
}

// checkParentBlocks verifies that every top-level block an extending
// unit defines overrides a block known further down the chain. Blocks
// nested inside an override are new definitions; they become known to
// the units above, so a mid-chain template can introduce blocks for
// its descendants.
func checkParentBlocks(chain []*parser.Template) *diag.Error {
	known := make(map[string]bool)
	for name := range chain[len(chain)-1].Blocks {
		known[name] = true
	}
	for i := len(chain) - 2; i >= 0; i-- {
		unit := chain[i]
		for _, stmt := range unit.Children {
			block, ok := stmt.(*parser.Block)
			if !ok {
				continue
			}
			if !known[block.Name] {
				return diag.Newf(diag.ErrUnknownParentBlock,
					"block %q does not exist in any parent of %q", block.Name, unit.Path).
					WithSpan(block.Span()).WithName(unit.Path)
			}
		}
		for name := range unit.Blocks {
			known[name] = true
		}
	}
	return nil
}

type merger struct {
	resolver     *Resolver
	chain        []*parser.Template
	includeStack []string
	merging      map[string]bool // blocks currently being merged
	dropMacros   map[string]bool // base macros shadowed by a hoisted one
}

// hoistMacros lifts macro definitions from the extending units to the
// front of the merged template so derived templates can add macros. The
// most derived definition of a name wins.
func (m *merger) hoistMacros() []parser.Stmt {
	if len(m.chain) == 1 {
		return nil
	}
	var hoisted []parser.Stmt
	seen := make(map[string]bool)
	for _, unit := range m.chain[:len(m.chain)-1] {
		for _, stmt := range unit.Children {
			macro, ok := stmt.(*parser.Macro)
			if !ok || seen[macro.Name] {
				continue
			}
			seen[macro.Name] = true
			hoisted = append(hoisted, macro)
		}
	}
	m.dropMacros = seen
	return hoisted
}

func (m *merger) mergeStmts(stmts []parser.Stmt) ([]parser.Stmt, *diag.Error) {
	out := make([]parser.Stmt, 0, len(stmts))
	for _, stmt := range stmts {
		switch s := stmt.(type) {
		case *parser.Block:
			merged, err := m.mergeBlock(s)
			if err != nil {
				return nil, err
			}
			out = append(out, merged)

		case *parser.Include:
			spliced, err := m.splice(s)
			if err != nil {
				return nil, err
			}
			out = append(out, spliced...)

		case *parser.Macro:
			if m.dropMacros[s.Name] {
				continue
			}
			out = append(out, s)

		case *parser.IfCond:
			trueBody, err := m.mergeStmts(s.TrueBody)
			if err != nil {
				return nil, err
			}
			falseBody, err := m.mergeStmts(s.FalseBody)
			if err != nil {
				return nil, err
			}
			cp := *s
			cp.TrueBody, cp.FalseBody = trueBody, falseBody
			out = append(out, &cp)

		case *parser.ForLoop:
			body, err := m.mergeStmts(s.Body)
			if err != nil {
				return nil, err
			}
			elseBody, err := m.mergeStmts(s.ElseBody)
			if err != nil {
				return nil, err
			}
			cp := *s
			cp.Body, cp.ElseBody = body, elseBody
			out = append(out, &cp)

		case *parser.FilterBlock:
			body, err := m.mergeStmts(s.Body)
			if err != nil {
				return nil, err
			}
			cp := *s
			cp.Body = body
			out = append(out, &cp)

		default:
			out = append(out, stmt)
		}
	}
	return out, nil
}

func (m *merger) mergeBlock(block *parser.Block) (*parser.Block, *diag.Error) {
	if m.merging == nil {
		m.merging = make(map[string]bool)
	}
	if m.merging[block.Name] {
		// A block nested inside an override of itself keeps its local
		// body rather than recursing forever.
		return block, nil
	}
	m.merging[block.Name] = true
	defer delete(m.merging, block.Name)

	body, err := m.mergeStmts(m.effectiveBody(block))
	if err != nil {
		return nil, err
	}
	cp := *block
	cp.Body = body
	return &cp, nil
}

// effectiveBody folds the override chain of a block. The base-most
// definition seeds the body; each more derived override replaces it,
// with super() standing for the body it replaces.
func (m *merger) effectiveBody(block *parser.Block) []parser.Stmt {
	var defs []*parser.Block
	for _, unit := range m.chain {
		if b, ok := unit.Blocks[block.Name]; ok {
			defs = append(defs, b)
		}
	}
	if len(defs) == 0 {
		return block.Body
	}

	body := defs[len(defs)-1].Body
	for i := len(defs) - 2; i >= 0; i-- {
		body = spliceSuper(defs[i].Body, body)
	}
	return body
}

// spliceSuper replaces {{ super() }} statements in stmts with the
// parent block body.
func spliceSuper(stmts, parentBody []parser.Stmt) []parser.Stmt {
	out := make([]parser.Stmt, 0, len(stmts))
	for _, stmt := range stmts {
		switch s := stmt.(type) {
		case *parser.EmitExpr:
			if isSuperCall(s.Expr) {
				out = append(out, parentBody...)
				continue
			}
			out = append(out, s)

		case *parser.IfCond:
			cp := *s
			cp.TrueBody = spliceSuper(s.TrueBody, parentBody)
			cp.FalseBody = spliceSuper(s.FalseBody, parentBody)
			out = append(out, &cp)

		case *parser.ForLoop:
			cp := *s
			cp.Body = spliceSuper(s.Body, parentBody)
			cp.ElseBody = spliceSuper(s.ElseBody, parentBody)
			out = append(out, &cp)

		case *parser.FilterBlock:
			cp := *s
			cp.Body = spliceSuper(s.Body, parentBody)
			out = append(out, &cp)

		default:
			out = append(out, stmt)
		}
	}
	return out
}

func isSuperCall(expr parser.Expr) bool {
	call, ok := expr.(*parser.Call)
	if !ok || len(call.Args) != 0 {
		return false
	}
	v, ok := call.Callee.(*parser.Var)
	return ok && v.ID == "super"
}

// splice resolves an included template and inlines its root nodes.
func (m *merger) splice(inc *parser.Include) ([]parser.Stmt, *diag.Error) {
	for _, active := range m.includeStack {
		if active == inc.Path {
			return nil, diag.Newf(diag.ErrCyclicInclude,
				"template %q includes itself", inc.Path).
				WithSpan(inc.Span())
		}
	}

	unit, err := m.resolver.loadUnit(inc.Path, spanOf(inc))
	if err != nil {
		return nil, err
	}
	resolved, err := m.resolver.resolveUnit(unit, append(m.includeStack, inc.Path))
	if err != nil {
		return nil, err
	}
	return resolved.Children, nil
}

// collectBlocks walks the merged tree and records the final block
// bodies by name.
func collectBlocks(stmts []parser.Stmt) map[string]*parser.Block {
	blocks := make(map[string]*parser.Block)
	var walk func([]parser.Stmt)
	walk = func(stmts []parser.Stmt) {
		for _, stmt := range stmts {
			switch s := stmt.(type) {
			case *parser.Block:
				if _, ok := blocks[s.Name]; !ok {
					blocks[s.Name] = s
				}
				walk(s.Body)
			case *parser.IfCond:
				walk(s.TrueBody)
				walk(s.FalseBody)
			case *parser.ForLoop:
				walk(s.Body)
				walk(s.ElseBody)
			case *parser.FilterBlock:
				walk(s.Body)
			}
		}
	}
	walk(stmts)
	return blocks
}
