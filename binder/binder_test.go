package binder

import (
	"testing"

	"github.com/transparencies/askama/diag"
	"github.com/transparencies/askama/escape"
	"github.com/transparencies/askama/parser"
	"github.com/transparencies/askama/registry"
	"github.com/transparencies/askama/types"
)

func testDescriptor() *types.Descriptor {
	author := types.NewDescriptor("Author").
		AddField("name", types.String, nil).
		AddField("admin", types.Bool, nil)

	return types.NewDescriptor("Page").
		AddField("title", types.String, nil).
		AddField("views", types.Int, nil).
		AddField("score", types.Float, nil).
		AddField("draft", types.Bool, nil).
		AddField("body", types.Safe, nil).
		AddField("tags", types.ListOf(types.String), nil).
		AddField("meta", types.MapOf(types.String), nil).
		AddField("author", types.StructOf(author), nil).
		AddFunc("slug", nil, types.String, func(recv any) types.Callable {
			return func([]any) any { return "slug" }
		})
}

func bind(t *testing.T, source string) *Bound {
	t.Helper()
	tmpl, perr := parser.ParseDefault(source, "test.html")
	if perr != nil {
		t.Fatalf("parse: %v", perr)
	}
	bound, err := Bind(tmpl, testDescriptor(), registry.New(escape.FormatHTML))
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	return bound
}

func bindErr(t *testing.T, source string) *diag.Error {
	t.Helper()
	tmpl, perr := parser.ParseDefault(source, "test.html")
	if perr != nil {
		t.Fatalf("parse: %v", perr)
	}
	_, err := Bind(tmpl, testDescriptor(), registry.New(escape.FormatHTML))
	if err == nil {
		t.Fatal("expected bind error, got none")
	}
	return err
}

func TestBindEmitEscapeDecision(t *testing.T) {
	bound := bind(t, "{{ title }}{{ views }}{{ body }}")

	title := bound.Stmts[0].(*Emit)
	if !title.Escape {
		t.Error("string emit must escape under the html format")
	}
	views := bound.Stmts[1].(*Emit)
	if views.Escape {
		t.Error("int emit never needs escaping")
	}
	body := bound.Stmts[2].(*Emit)
	if body.Escape {
		t.Error("safe emit must not be escaped again")
	}
}

func TestBindTextFormatNeverEscapes(t *testing.T) {
	tmpl, _ := parser.ParseDefault("{{ title }}", "t")
	bound, err := Bind(tmpl, testDescriptor(), registry.New(escape.FormatText))
	if err != nil {
		t.Fatal(err)
	}
	if bound.Stmts[0].(*Emit).Escape {
		t.Error("text format must not escape")
	}
}

func TestBindFieldChain(t *testing.T) {
	bound := bind(t, "{{ author.name }}")
	emit := bound.Stmts[0].(*Emit)
	field, ok := emit.Expr.(*FieldAccess)
	if !ok || field.Typ != types.String {
		t.Fatalf("expected string field access, got %#v", emit.Expr)
	}
	if _, ok := field.Recv.(*FieldAccess); !ok {
		t.Error("receiver should be the author field access")
	}
}

func TestBindArithmeticKinds(t *testing.T) {
	bound := bind(t, "{{ views + 1 }}{{ views + score }}")

	intAdd := bound.Stmts[0].(*Emit).Expr.(*Binary)
	if intAdd.Operand != types.KindInt || intAdd.Typ != types.Int {
		t.Errorf("int+int should stay int, got %v/%v", intAdd.Operand, intAdd.Typ)
	}
	floatAdd := bound.Stmts[1].(*Emit).Expr.(*Binary)
	if floatAdd.Operand != types.KindFloat || floatAdd.Typ != types.Float {
		t.Errorf("int+float should promote, got %v/%v", floatAdd.Operand, floatAdd.Typ)
	}
}

func TestBindForLoopAndLoopAttrs(t *testing.T) {
	bound := bind(t, "{% for tag in tags %}{{ loop.index }}: {{ tag }}{% if loop.last %}.{% endif %}{% endfor %}")
	loop := bound.Stmts[0].(*For)
	if loop.Iter.Type().Kind != types.KindList {
		t.Fatal("iter should be a list")
	}

	emit := loop.Body[0].(*Emit)
	attr, ok := emit.Expr.(*LoopAttr)
	if !ok || attr.Attr != "index" || attr.Typ != types.Int {
		t.Errorf("loop.index should be int, got %#v", emit.Expr)
	}
	if emit.Escape {
		t.Error("loop.index needs no escaping")
	}
}

func TestBindLetShadowsContext(t *testing.T) {
	bound := bind(t, `{% let title = 42 %}{{ title }}`)
	let := bound.Stmts[0].(*Let)
	if let.Expr.Type() != types.Int {
		t.Fatal("let should take the expression type")
	}
	emit := bound.Stmts[1].(*Emit)
	local, ok := emit.Expr.(*LocalRef)
	if !ok || local.Slot != let.Slot {
		t.Errorf("emit should read the local slot, got %#v", emit.Expr)
	}
	if emit.Escape {
		t.Error("shadowed title is now an int, no escaping")
	}
}

func TestBindFilterTypes(t *testing.T) {
	bound := bind(t, "{{ tags|join(\", \")|upper }}")
	upper := bound.Stmts[0].(*Emit).Expr.(*FilterCall)
	if upper.Filter.Name != "upper" || upper.Typ != types.String {
		t.Fatalf("outer filter wrong: %v", upper.Filter.Name)
	}
	join := upper.Input.(*FilterCall)
	if join.Typ != types.String {
		t.Error("join output should be string")
	}
}

func TestBindMethodCall(t *testing.T) {
	bound := bind(t, "{{ slug() }}")
	call, ok := bound.Stmts[0].(*Emit).Expr.(*MethodCall)
	if !ok || call.Typ != types.String {
		t.Fatalf("expected string method call, got %#v", bound.Stmts[0])
	}
}

func TestBindMacroPerCallSite(t *testing.T) {
	bound := bind(t, `{% macro show(v) %}{{ v }}{% endmacro %}{{ show(title) }}{{ show(views) }}`)

	first := bound.Stmts[0].(*MacroInvoke)
	second := bound.Stmts[1].(*MacroInvoke)
	if first.Inits[0].Expr.Type() != types.String {
		t.Error("first call binds v as string")
	}
	if second.Inits[0].Expr.Type() != types.Int {
		t.Error("second call binds v as int")
	}
	// The same body emits escaped text in one expansion and a bare
	// number in the other.
	if !first.Body[0].(*Emit).Escape {
		t.Error("string expansion must escape")
	}
	if second.Body[0].(*Emit).Escape {
		t.Error("int expansion must not escape")
	}
}

func TestBindMacroDefaults(t *testing.T) {
	bound := bind(t, `{% macro tag(name, open="<") %}{{ open }}{{ name }}{% endmacro %}{{ tag("b") }}`)
	invoke := bound.Stmts[0].(*MacroInvoke)
	if len(invoke.Inits) != 2 {
		t.Fatalf("expected both parameters initialized, got %d", len(invoke.Inits))
	}
	if invoke.Inits[1].Expr.Type() != types.String {
		t.Error("default argument should bind as string")
	}
}

func TestBindFilterBlock(t *testing.T) {
	bound := bind(t, "{% filter upper|trim %}{{ title }}{% endfilter %}")
	fb, ok := bound.Stmts[0].(*FilterBlock)
	if !ok {
		t.Fatalf("expected FilterBlock, got %T", bound.Stmts[0])
	}
	if len(fb.Filters) != 2 || fb.Filters[0].Filter.Name != "upper" {
		t.Fatalf("chain order wrong: %v", fb.Filters)
	}
	// The block result is the single escape point: body emits stay raw,
	// the filtered output escapes once.
	if fb.Body[0].(*Emit).Escape {
		t.Error("body emits inside a filter block must not escape")
	}
	if !fb.Escape {
		t.Error("string filter block output must escape under html")
	}
}

func TestBindNestedFilterBlockEscapesOnce(t *testing.T) {
	bound := bind(t, "{% filter trim %}{% filter upper %}{{ title }}{% endfilter %}{% endfilter %}")
	outer := bound.Stmts[0].(*FilterBlock)
	inner := outer.Body[0].(*FilterBlock)
	if inner.Escape {
		t.Error("inner filter block feeds the outer buffer raw")
	}
	if !outer.Escape {
		t.Error("outer filter block output must escape under html")
	}
}

func TestBindTernary(t *testing.T) {
	bound := bind(t, `{{ "y" if draft else "n" }}`)
	cond := bound.Stmts[0].(*Emit).Expr.(*Cond)
	if cond.Typ != types.String {
		t.Errorf("ternary type wrong: %v", cond.Typ)
	}
}

func TestBindErrors(t *testing.T) {
	tests := []struct {
		name   string
		source string
		kind   diag.ErrorKind
	}{
		{"unknown identifier", "{{ missing }}", diag.ErrUnknownIdentifier},
		{"unknown field", "{{ author.email }}", diag.ErrUnknownIdentifier},
		{"attr on scalar", "{{ title.x }}", diag.ErrTypeMismatch},
		{"non-bool if", "{% if title %}x{% endif %}", diag.ErrTypeMismatch},
		{"for over scalar", "{% for x in title %}{% endfor %}", diag.ErrTypeMismatch},
		{"emit list", "{{ tags }}", diag.ErrTypeMismatch},
		{"string plus int", "{{ title + 1 }}", diag.ErrTypeMismatch},
		{"compare string int", "{{ title < views }}", diag.ErrTypeMismatch},
		{"and on ints", "{{ views and views }}", diag.ErrTypeMismatch},
		{"unknown filter", "{{ title|frob }}", diag.ErrFilterNotApplicable},
		{"filter wrong input", "{{ views|upper }}", diag.ErrFilterNotApplicable},
		{"filter arity", "{{ title|replace(\"a\") }}", diag.ErrArityMismatch},
		{"ternary mismatch", "{{ 1 if draft else \"x\" }}", diag.ErrTypeMismatch},
		{"ternary non-bool test", "{{ 1 if views else 2 }}", diag.ErrTypeMismatch},
		{"list mixed", "{{ [1, \"a\"][0] }}", diag.ErrTypeMismatch},
		{"list index type", "{{ tags[\"a\"] }}", diag.ErrTypeMismatch},
		{"map key type", "{{ meta[0] }}", diag.ErrTypeMismatch},
		{"call non-func", "{{ title() }}", diag.ErrTypeMismatch},
		{"method arity", "{{ slug(1) }}", diag.ErrArityMismatch},
		{"loop as value", "{% for t in tags %}{{ loop }}{% endfor %}", diag.ErrTypeMismatch},
		{"unknown loop attr", "{% for t in tags %}{{ loop.revindex }}{% endfor %}", diag.ErrUnknownIdentifier},
		{"loop outside for", "{{ loop.index }}", diag.ErrUnknownIdentifier},
		{"scope ends with loop", "{% for t in tags %}{% endfor %}{{ t }}", diag.ErrUnknownIdentifier},
		{"macro missing arg", "{% macro m(a) %}{{ a }}{% endmacro %}{{ m() }}", diag.ErrArityMismatch},
		{"macro extra arg", "{% macro m(a) %}{{ a }}{% endmacro %}{{ m(1, 2) }}", diag.ErrArityMismatch},
		{"macro unknown named", "{% macro m(a) %}{{ a }}{% endmacro %}{{ m(b=1) }}", diag.ErrArityMismatch},
		{"macro in expression", "{% macro m() %}x{% endmacro %}{{ m()|upper }}", diag.ErrTypeMismatch},
		{"recursive macro", "{% macro m() %}{{ m() }}{% endmacro %}{{ m() }}", diag.ErrUnsupportedConstruct},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := bindErr(t, tt.source)
			if err.Kind != tt.kind {
				t.Errorf("expected kind %v, got %v (%v)", tt.kind, err.Kind, err)
			}
			if err.Span == nil {
				t.Error("bind errors must carry a span")
			}
		})
	}
}

func TestBindErrorSpanPointsAtExpression(t *testing.T) {
	err := bindErr(t, "line one\n{{ missing }}")
	if err.Span.StartLine != 2 {
		t.Errorf("error should point at line 2, got %d", err.Span.StartLine)
	}
	if err.Name != "test.html" {
		t.Errorf("error should carry the template path, got %q", err.Name)
	}
}
