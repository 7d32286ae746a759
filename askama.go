// Package askama is a compile-time template engine. Templates are
// checked and lowered into rendering procedures against a declared
// context type before any data exists; rendering cannot hit a missing
// field, a misspelled filter or an unescaped string.
//
// The pipeline runs lexing, parsing, inheritance resolution, type
// binding and code generation as separate stages, each of which either
// produces its full result or one diagnostic pointing into the
// template source.
//
//	env := askama.NewEnvironment()
//	env.SetLoader(resolver.DirLoader("templates"))
//	tmpl, err := env.CompileTemplate("hello.html", desc)
//	...
//	err = tmpl.Render(ctx, os.Stdout)
package askama

import (
	"io"

	"github.com/transparencies/askama/binder"
	"github.com/transparencies/askama/codegen"
	"github.com/transparencies/askama/escape"
	"github.com/transparencies/askama/lexer"
	"github.com/transparencies/askama/parser"
	"github.com/transparencies/askama/registry"
	"github.com/transparencies/askama/resolver"
	"github.com/transparencies/askama/types"
)

// Environment holds the compilation configuration: where templates
// come from, what syntax they use, what format their output escapes
// for and which filters are available.
type Environment struct {
	loader  resolver.Loader
	syntax  lexer.SyntaxConfig
	ws      lexer.WhitespaceConfig
	format  escape.Format
	reg     *registry.Registry
	filters []*registry.Filter
}

// NewEnvironment creates an environment with the default Jinja-style
// delimiters and the HTML escape format.
func NewEnvironment() *Environment {
	env := &Environment{
		syntax: lexer.DefaultSyntax(),
		ws:     lexer.DefaultWhitespace(),
		format: escape.FormatHTML,
	}
	env.reg = registry.New(env.format)
	return env
}

// SetLoader configures where extends, include and CompileTemplate
// targets are loaded from.
func (e *Environment) SetLoader(loader resolver.Loader) {
	e.loader = loader
}

// SetSyntax overrides the template delimiters.
func (e *Environment) SetSyntax(syntax lexer.SyntaxConfig) {
	e.syntax = syntax
}

// SetWhitespace overrides the whitespace handling behavior.
func (e *Environment) SetWhitespace(ws lexer.WhitespaceConfig) {
	e.ws = ws
}

// SetFormat selects the escape format templates compile for.
func (e *Environment) SetFormat(format escape.Format) {
	e.format = format
	e.reg = registry.New(format)
	for _, f := range e.filters {
		e.reg.Add(f)
	}
}

// AddFilter registers a custom filter alongside the builtins.
func (e *Environment) AddFilter(f *registry.Filter) {
	e.filters = append(e.filters, f)
	e.reg.Add(f)
}

// Format returns the environment's escape format.
func (e *Environment) Format() escape.Format {
	return e.format
}

// CompileTemplate loads, resolves and compiles the template at path
// against the given context descriptor.
func (e *Environment) CompileTemplate(path string, desc *types.Descriptor) (*Template, error) {
	r := resolver.New(e.loader, e.syntax, e.ws)
	merged, err := r.Resolve(path)
	if err != nil {
		return nil, err
	}
	return e.compile(merged, desc)
}

// CompileString compiles an in-memory source. The loader is still used
// for parents and includes.
func (e *Environment) CompileString(source, name string, desc *types.Descriptor) (*Template, error) {
	r := resolver.New(e.loader, e.syntax, e.ws)
	merged, err := r.ResolveSource(source, name)
	if err != nil {
		return nil, err
	}
	return e.compile(merged, desc)
}

func (e *Environment) compile(merged *parser.Template, desc *types.Descriptor) (*Template, error) {
	bound, err := binder.Bind(merged, desc, e.reg)
	if err != nil {
		return nil, err
	}
	prog, err := codegen.Generate(bound, e.format)
	if err != nil {
		return nil, err
	}
	return &Template{prog: prog}, nil
}

// Template is a compiled template. It is immutable and safe for
// concurrent rendering.
type Template struct {
	prog *codegen.Program
}

// Render writes the template output for ctx to w. The ctx value must
// be of the concrete type the descriptor's getters expect.
func (t *Template) Render(ctx any, w io.Writer) error {
	return t.prog.Render(ctx, w)
}

// RenderString renders into a string.
func (t *Template) RenderString(ctx any) (string, error) {
	return t.prog.RenderString(ctx)
}

// Path returns the path the template was compiled from.
func (t *Template) Path() string {
	return t.prog.Path()
}
