package registry

import (
	"strings"
	"testing"

	"github.com/transparencies/askama/diag"
	"github.com/transparencies/askama/escape"
	"github.com/transparencies/askama/types"
	"github.com/transparencies/askama/value"
)

func htmlRegistry() *Registry {
	return New(escape.FormatHTML)
}

func apply(t *testing.T, name string, input any, args ...any) any {
	t.Helper()
	f, ok := htmlRegistry().Lookup(name)
	if !ok {
		t.Fatalf("filter %s not registered", name)
	}
	out, err := f.Apply(input, args)
	if err != nil {
		t.Fatalf("filter %s: %v", name, err)
	}
	return out
}

func TestStringFilters(t *testing.T) {
	tests := []struct {
		filter string
		input  any
		args   []any
		out    any
	}{
		{"upper", "hello", nil, "HELLO"},
		{"lower", "HELLO", nil, "hello"},
		{"trim", "  x  ", nil, "x"},
		{"capitalize", "hELLO world", nil, "Hello world"},
		{"title", "hello world", nil, "Hello World"},
		{"replace", "a-b-c", []any{"-", "+"}, "a+b+c"},
		{"indent", "a\nb\nc", []any{int64(2)}, "a\n  b\n  c"},
		{"wordcount", "one two  three", nil, int64(3)},
		{"urlencode", "a b/c", nil, "a%20b%2Fc"},
	}
	for _, tt := range tests {
		if got := apply(t, tt.filter, tt.input, tt.args...); got != tt.out {
			t.Errorf("%s(%v) = %v, want %v", tt.filter, tt.input, got, tt.out)
		}
	}
}

func TestNumericFilters(t *testing.T) {
	if got := apply(t, "abs", int64(-3)); got != int64(3) {
		t.Errorf("abs = %v", got)
	}
	if got := apply(t, "round", 2.567, int64(1)); got != 2.6 {
		t.Errorf("round = %v", got)
	}
	if got := apply(t, "int", "42"); got != int64(42) {
		t.Errorf("int = %v", got)
	}
	if got := apply(t, "float", int64(2)); got != 2.0 {
		t.Errorf("float = %v", got)
	}

	f, _ := htmlRegistry().Lookup("int")
	if _, err := f.Apply("not a number", nil); err == nil {
		t.Error("int on garbage must fail")
	}
}

func TestListFilters(t *testing.T) {
	list := []any{"a", "b", "c"}
	if got := apply(t, "length", list); got != int64(3) {
		t.Errorf("length = %v", got)
	}
	if got := apply(t, "join", list, ", "); got != "a, b, c" {
		t.Errorf("join = %v", got)
	}
	if got := apply(t, "first", list); got != "a" {
		t.Errorf("first = %v", got)
	}
	if got := apply(t, "last", list); got != "c" {
		t.Errorf("last = %v", got)
	}
	rev := apply(t, "reverse", list).([]any)
	if rev[0] != "c" || rev[2] != "a" {
		t.Errorf("reverse = %v", rev)
	}

	f, _ := htmlRegistry().Lookup("first")
	if _, err := f.Apply([]any{}, nil); err == nil {
		t.Error("first of empty list must fail")
	}
}

func TestDefaultFilter(t *testing.T) {
	if got := apply(t, "default", "", "fallback"); got != "fallback" {
		t.Errorf("default on empty = %v", got)
	}
	if got := apply(t, "default", "set", "fallback"); got != "set" {
		t.Errorf("default on non-empty = %v", got)
	}
	if got := apply(t, "default", int64(0), int64(9)); got != int64(9) {
		t.Errorf("default on zero = %v", got)
	}
}

func TestSafetyFilters(t *testing.T) {
	if got := apply(t, "safe", "<b>"); got != value.Safe("<b>") {
		t.Errorf("safe = %v", got)
	}
	if got := apply(t, "escape", "<b>"); got != value.Safe("&lt;b&gt;") {
		t.Errorf("escape = %v", got)
	}
	// escape is idempotent on safe input
	if got := apply(t, "escape", value.Safe("&lt;b&gt;")); got != value.Safe("&lt;b&gt;") {
		t.Errorf("escape on safe = %v", got)
	}

	got := apply(t, "sanitize", `<a href="http://x" onclick="evil()">x</a><script>bad</script>`)
	s := string(got.(value.Safe))
	if strings.Contains(s, "script") || strings.Contains(s, "onclick") {
		t.Errorf("sanitize left active content: %q", s)
	}
	if !strings.Contains(s, "x") {
		t.Errorf("sanitize dropped text content: %q", s)
	}
}

func TestJSONFilter(t *testing.T) {
	got := apply(t, "json", map[string]any{"a": int64(1)})
	if got != value.Safe(`{"a":1}`) {
		t.Errorf("json = %v", got)
	}
	// HTML-active characters are escaped inside the JSON
	got = apply(t, "json", "<b>")
	if strings.Contains(string(got.(value.Safe)), "<") {
		t.Errorf("json must escape angle brackets, got %v", got)
	}
}

func TestLinesFilter(t *testing.T) {
	got := apply(t, "lines", "a\nb\nc\n").([]any)
	if len(got) != 3 || got[2] != "c" {
		t.Errorf("lines = %v", got)
	}
	if got := apply(t, "lines", "").([]any); len(got) != 0 {
		t.Errorf("lines of empty = %v", got)
	}
}

func TestFilesizeFormat(t *testing.T) {
	tests := []struct {
		in  float64
		out string
	}{
		{0, "0 B"},
		{999, "999 B"},
		{1000, "1 KB"},
		{1536, "1.54 KB"},
		{1000000, "1 MB"},
		{2500000000, "2.5 GB"},
	}
	for _, tt := range tests {
		if got := apply(t, "filesizeformat", tt.in); got != tt.out {
			t.Errorf("filesizeformat(%v) = %v, want %v", tt.in, got, tt.out)
		}
	}
}

func TestFormatFilter(t *testing.T) {
	if got := apply(t, "format", "%s=%d", "a", int64(1)); got != "a=1" {
		t.Errorf("format = %v", got)
	}
}

func TestChecks(t *testing.T) {
	r := htmlRegistry()

	check := func(name string, input *types.Type, args ...*types.Type) (*types.Type, *diag.Error) {
		t.Helper()
		f, ok := r.Lookup(name)
		if !ok {
			t.Fatalf("filter %s not registered", name)
		}
		return f.Check(input, args)
	}

	if typ, err := check("upper", types.String); err != nil || typ != types.String {
		t.Errorf("upper check: %v %v", typ, err)
	}
	if _, err := check("upper", types.Int); err == nil || err.Kind != diag.ErrFilterNotApplicable {
		t.Errorf("upper on int should not apply, got %v", err)
	}
	if _, err := check("replace", types.String, types.String); err == nil || err.Kind != diag.ErrArityMismatch {
		t.Errorf("replace with 1 arg is an arity mismatch, got %v", err)
	}
	if _, err := check("replace", types.String, types.String, types.Int); err == nil || err.Kind != diag.ErrTypeMismatch {
		t.Errorf("replace with int arg is a type mismatch, got %v", err)
	}

	if typ, err := check("first", types.ListOf(types.Int)); err != nil || typ != types.Int {
		t.Errorf("first element type: %v %v", typ, err)
	}
	if typ, err := check("length", types.MapOf(types.String)); err != nil || typ != types.Int {
		t.Errorf("length of map: %v %v", typ, err)
	}
	if _, err := check("join", types.ListOf(types.ListOf(types.Int)), types.String); err == nil {
		t.Error("join of nested lists should not apply")
	}
	if _, err := check("default", types.String, types.Int); err == nil || err.Kind != diag.ErrTypeMismatch {
		t.Errorf("default fallback type mismatch, got %v", err)
	}
	if typ, err := check("safe", types.String); err != nil || typ != types.Safe {
		t.Errorf("safe output type: %v %v", typ, err)
	}
	if typ, err := check("abs", types.Float); err != nil || typ != types.Float {
		t.Errorf("abs preserves numeric type: %v %v", typ, err)
	}
}

func TestAliasAndCustomFilter(t *testing.T) {
	r := htmlRegistry()
	if _, ok := r.Lookup("e"); !ok {
		t.Error("alias e missing")
	}
	if _, ok := r.Lookup("count"); !ok {
		t.Error("alias count missing")
	}

	r.Add(&Filter{
		Name: "shout",
		Check: func(input *types.Type, args []*types.Type) (*types.Type, *diag.Error) {
			return types.String, nil
		},
		Apply: func(input any, _ []any) (any, error) {
			return strings.ToUpper(value.AsString(input)) + "!", nil
		},
	})
	f, ok := r.Lookup("shout")
	if !ok {
		t.Fatal("custom filter missing")
	}
	out, _ := f.Apply("hi", nil)
	if out != "HI!" {
		t.Errorf("custom filter = %v", out)
	}
}
