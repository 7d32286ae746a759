// Package registry holds the filter table a template is compiled
// against. Each filter has two halves: a signature check the binder
// runs at compile time, and an implementation the generated code calls
// at render time. A filter that passes its check cannot fail on types
// at render time.
package registry

import (
	"github.com/transparencies/askama/diag"
	"github.com/transparencies/askama/escape"
	"github.com/transparencies/askama/types"
)

// CheckFunc validates a filter application against the static types of
// its input and arguments and returns the output type. Errors come back
// without a span; the binder attaches the call site.
type CheckFunc func(input *types.Type, args []*types.Type) (*types.Type, *diag.Error)

// ApplyFunc executes the filter at render time.
type ApplyFunc func(input any, args []any) (any, error)

// Filter couples a name with its static signature and implementation.
type Filter struct {
	Name  string
	Check CheckFunc
	Apply ApplyFunc
}

// Registry maps filter names to definitions. A registry is built for a
// specific output format since the escape filter depends on it.
type Registry struct {
	format  escape.Format
	filters map[string]*Filter
}

// New returns a registry populated with the builtin filters for the
// given output format.
func New(format escape.Format) *Registry {
	r := &Registry{
		format:  format,
		filters: make(map[string]*Filter),
	}
	r.installBuiltins()
	return r
}

// Add registers a filter, replacing any existing filter with the same
// name.
func (r *Registry) Add(f *Filter) {
	r.filters[f.Name] = f
}

// Alias registers an additional name for an existing filter.
func (r *Registry) Alias(alias, name string) {
	if f, ok := r.filters[name]; ok {
		r.filters[alias] = f
	}
}

// Lookup finds a filter by name.
func (r *Registry) Lookup(name string) (*Filter, bool) {
	f, ok := r.filters[name]
	return f, ok
}

// Format returns the escape format this registry was built for.
func (r *Registry) Format() escape.Format {
	return r.format
}

// --- check helpers ---

func wantArity(name string, args []*types.Type, n int) *diag.Error {
	if len(args) != n {
		return diag.Newf(diag.ErrArityMismatch,
			"filter %s takes %d argument(s), got %d", name, n, len(args))
	}
	return nil
}

func wantString(name string, input *types.Type) *diag.Error {
	if input == nil || input.Kind != types.KindString {
		return diag.Newf(diag.ErrFilterNotApplicable,
			"filter %s requires a string input, got %s", name, input)
	}
	return nil
}

func wantNumeric(name string, input *types.Type) *diag.Error {
	if !input.IsNumeric() {
		return diag.Newf(diag.ErrFilterNotApplicable,
			"filter %s requires a numeric input, got %s", name, input)
	}
	return nil
}

func wantArgType(name string, args []*types.Type, i int, expected *types.Type) *diag.Error {
	if !types.Equal(args[i], expected) {
		return diag.Newf(diag.ErrTypeMismatch,
			"filter %s: argument %d must be %s, got %s", name, i+1, expected, args[i])
	}
	return nil
}

// stringFilter builds a string -> string filter with a fixed argument
// signature, the most common builtin shape.
func stringFilter(name string, argTypes []*types.Type, apply func(s string, args []any) (string, error)) *Filter {
	return &Filter{
		Name: name,
		Check: func(input *types.Type, args []*types.Type) (*types.Type, *diag.Error) {
			if err := wantString(name, input); err != nil {
				return nil, err
			}
			if err := wantArity(name, args, len(argTypes)); err != nil {
				return nil, err
			}
			for i, at := range argTypes {
				if err := wantArgType(name, args, i, at); err != nil {
					return nil, err
				}
			}
			return types.String, nil
		},
		Apply: func(input any, args []any) (any, error) {
			// The check guarantees a string input.
			s, _ := input.(string)
			return apply(s, args)
		},
	}
}
