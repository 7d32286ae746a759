package codegen

import (
	"errors"
	"strings"
	"testing"

	"github.com/transparencies/askama/binder"
	"github.com/transparencies/askama/diag"
	"github.com/transparencies/askama/escape"
	"github.com/transparencies/askama/parser"
	"github.com/transparencies/askama/registry"
	"github.com/transparencies/askama/types"
	"github.com/transparencies/askama/value"
)

type page struct {
	Title string
	Views int64
	Score float64
	Draft bool
	Body  value.Safe
	Tags  []string
	Meta  map[string]any
}

func pageDescriptor() *types.Descriptor {
	return types.NewDescriptor("Page").
		AddField("title", types.String, func(r any) any { return r.(*page).Title }).
		AddField("views", types.Int, func(r any) any { return r.(*page).Views }).
		AddField("score", types.Float, func(r any) any { return r.(*page).Score }).
		AddField("draft", types.Bool, func(r any) any { return r.(*page).Draft }).
		AddField("body", types.Safe, func(r any) any { return r.(*page).Body }).
		AddField("tags", types.ListOf(types.String), func(r any) any { return r.(*page).Tags }).
		AddField("meta", types.MapOf(types.String), func(r any) any { return r.(*page).Meta }).
		AddMethod("upper_title", types.String, func(r any) func() any {
			p := r.(*page)
			return func() any { return strings.ToUpper(p.Title) }
		})
}

func testPage() *page {
	return &page{
		Title: "Hello <World>",
		Views: 41,
		Score: 2.5,
		Draft: false,
		Body:  value.Safe("<b>bold</b>"),
		Tags:  []string{"go", "tmpl"},
		Meta:  map[string]any{"lang": "en"},
	}
}

func compile(t *testing.T, source string, format escape.Format) *Program {
	t.Helper()
	tmpl, perr := parser.ParseDefault(source, "test.html")
	if perr != nil {
		t.Fatalf("parse: %v", perr)
	}
	bound, berr := binder.Bind(tmpl, pageDescriptor(), registry.New(format))
	if berr != nil {
		t.Fatalf("bind: %v", berr)
	}
	prog, gerr := Generate(bound, format)
	if gerr != nil {
		t.Fatalf("generate: %v", gerr)
	}
	return prog
}

func render(t *testing.T, source string) string {
	t.Helper()
	out, err := compile(t, source, escape.FormatHTML).RenderString(testPage())
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	return out
}

func TestRenderBasics(t *testing.T) {
	tests := []struct {
		name     string
		source   string
		expected string
	}{
		{"raw", "plain text", "plain text"},
		{"escaped emit", "{{ title }}", "Hello &lt;World&gt;"},
		{"safe emit", "{{ body }}", "<b>bold</b>"},
		{"int emit", "{{ views }}", "41"},
		{"float emit", "{{ score }}", "2.5"},
		{"bool emit", "{{ draft }}", "false"},
		{"arithmetic", "{{ views + 1 }}", "42"},
		{"promotion", "{{ views + score }}", "43.5"},
		{"int division", "{{ views / 2 }}", "20"},
		{"modulo", "{{ views % 2 }}", "1"},
		{"unary", "{{ -views }}", "-41"},
		{"concat", "{{ title ~ \"!\" }}", "Hello &lt;World&gt;!"},
		{"comparison", "{{ views > 40 }}", "true"},
		{"equality", "{{ title == \"Hello <World>\" }}", "true"},
		{"and or", "{{ draft or views > 1 and true }}", "true"},
		{"not", "{{ not draft }}", "true"},
		{"in list", "{{ \"go\" in tags }}", "true"},
		{"in string", "{{ \"ell\" in title }}", "true"},
		{"ternary", "{{ \"d\" if draft else \"p\" }}", "p"},
		{"index", "{{ tags[1] }}", "tmpl"},
		{"map key", "{{ meta[\"lang\"] }}", "en"},
		{"map miss", "{{ meta[\"nope\"] }}", ""},
		{"list literal", "{{ [10, 20][0] }}", "10"},
		{"method", "{{ upper_title() }}", "HELLO &lt;WORLD&gt;"},
		{"filter", "{{ title|upper }}", "HELLO &lt;WORLD&gt;"},
		{"filter chain", "{{ tags|join(\", \")|upper }}", "GO, TMPL"},
		{"safe filter", "{{ \"<i>\"|safe }}", "<i>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := render(t, tt.source); got != tt.expected {
				t.Errorf("got %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestRenderControlFlow(t *testing.T) {
	tests := []struct {
		name     string
		source   string
		expected string
	}{
		{"if taken", "{% if views > 1 %}yes{% endif %}", "yes"},
		{"if skipped", "{% if draft %}yes{% endif %}", ""},
		{"if else", "{% if draft %}a{% else %}b{% endif %}", "b"},
		{"elif", "{% if draft %}a{% elif views > 1 %}b{% else %}c{% endif %}", "b"},
		{"for", "{% for t in tags %}[{{ t }}]{% endfor %}", "[go][tmpl]"},
		{"for loop meta", "{% for t in tags %}{{ loop.index }}/{{ loop.length }};{% endfor %}", "1/2;2/2;"},
		{"for first last", "{% for t in tags %}{% if loop.first %}<{% endif %}{{ t }}{% if loop.last %}>{% endif %}{% endfor %}", "<gotmpl>"},
		{"let", "{% let n = views + 1 %}{{ n }}", "42"},
		{"let shadow", "{% let title = 1 %}{{ title }}", "1"},
		{"filter block", "{% filter upper %}{{ title }} end{% endfilter %}", "HELLO &lt;WORLD&gt; END"},
		{"macro", "{% macro chip(t) %}<{{ t }}>{% endmacro %}{{ chip(\"a\") }}{{ chip(views) }}", "<a><41>"},
		{"macro default", "{% macro p(v, sep=\": \") %}{{ v }}{{ sep }}{% endmacro %}{{ p(\"x\") }}", "x: "},
		{"nested for", "{% for a in tags %}{% for b in tags %}{{ a }}{{ b }};{% endfor %}{% endfor %}", "gogo;gotmpl;tmplgo;tmpltmpl;"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := render(t, tt.source); got != tt.expected {
				t.Errorf("got %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestRenderForElse(t *testing.T) {
	desc := types.NewDescriptor("C").
		AddField("items", types.ListOf(types.Int), func(r any) any { return r.(map[string]any)["items"] })
	tmpl, _ := parser.ParseDefault("{% for i in items %}{{ i }}{% else %}none{% endfor %}", "t")
	bound, berr := binder.Bind(tmpl, desc, registry.New(escape.FormatHTML))
	if berr != nil {
		t.Fatal(berr)
	}
	prog, gerr := Generate(bound, escape.FormatHTML)
	if gerr != nil {
		t.Fatal(gerr)
	}

	out, err := prog.RenderString(map[string]any{"items": []int{}})
	if err != nil || out != "none" {
		t.Errorf("empty list should render else branch, got %q (%v)", out, err)
	}
	out, err = prog.RenderString(map[string]any{"items": []int{1, 2}})
	if err != nil || out != "12" {
		t.Errorf("got %q (%v)", out, err)
	}
}

func TestRenderMiscastCallable(t *testing.T) {
	// A getter that breaks the descriptor's func promise must fail the
	// render, not evaluate to nil.
	desc := types.NewDescriptor("Broken").
		AddField("shout", types.FuncOf(nil, types.String), func(r any) any { return "not a function" })

	tmpl, perr := parser.ParseDefault("{{ shout() }}", "test.html")
	if perr != nil {
		t.Fatalf("parse: %v", perr)
	}
	bound, berr := binder.Bind(tmpl, desc, registry.New(escape.FormatHTML))
	if berr != nil {
		t.Fatalf("bind: %v", berr)
	}
	prog, gerr := Generate(bound, escape.FormatHTML)
	if gerr != nil {
		t.Fatalf("generate: %v", gerr)
	}

	_, err := prog.RenderString(nil)
	derr, ok := err.(*diag.Error)
	if !ok || derr.Kind != diag.ErrUnsupportedConstruct {
		t.Fatalf("expected an uncallable target error, got %v", err)
	}
}

func TestRenderFilterBlockOnBody(t *testing.T) {
	// The chain runs on the raw body text; the result escapes once.
	got := render(t, "{% filter lower %}A{{ title }}B{% endfilter %}")
	if got != "ahello &lt;world&gt;b" {
		t.Errorf("got %q", got)
	}
}

func TestRenderTextFormat(t *testing.T) {
	prog := compile(t, "{{ title }}", escape.FormatText)
	out, err := prog.RenderString(testPage())
	if err != nil {
		t.Fatal(err)
	}
	if out != "Hello <World>" {
		t.Errorf("text format must not escape, got %q", out)
	}
}

func TestRenderJSONFormat(t *testing.T) {
	prog := compile(t, "{\"title\": {{ title }}}", escape.FormatJSONValue)
	out, err := prog.RenderString(testPage())
	if err != nil {
		t.Fatal(err)
	}
	if out != "{\"title\": \"Hello <World>\"}" {
		t.Errorf("got %q", out)
	}
}

func TestRenderErrors(t *testing.T) {
	t.Run("index out of range", func(t *testing.T) {
		prog := compile(t, "{{ tags[9] }}", escape.FormatHTML)
		_, err := prog.RenderString(testPage())
		derr, ok := err.(*diag.Error)
		if !ok || derr.Kind != diag.ErrIndexOutOfRange {
			t.Errorf("expected index error, got %v", err)
		}
	})

	t.Run("division by zero", func(t *testing.T) {
		prog := compile(t, "{{ views / (views - views) }}", escape.FormatHTML)
		_, err := prog.RenderString(testPage())
		derr, ok := err.(*diag.Error)
		if !ok || derr.Kind != diag.ErrDivisionByZero {
			t.Errorf("expected division error, got %v", err)
		}
	})

	t.Run("filter failure carries span", func(t *testing.T) {
		prog := compile(t, "{{ title|int }}", escape.FormatHTML)
		_, err := prog.RenderString(testPage())
		derr, ok := err.(*diag.Error)
		if !ok || derr.Kind != diag.ErrFilterFailed {
			t.Fatalf("expected filter error, got %v", err)
		}
		if derr.Span == nil || derr.Name != "test.html" {
			t.Error("render errors should point back at the template")
		}
	})
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("sink closed")
}

func TestRenderWriteFailure(t *testing.T) {
	prog := compile(t, "some text", escape.FormatHTML)
	err := prog.Render(testPage(), failingWriter{})
	derr, ok := err.(*diag.Error)
	if !ok || derr.Kind != diag.ErrWriteFailed {
		t.Errorf("expected write error, got %v", err)
	}
}

func TestProgramReusableAcrossRenders(t *testing.T) {
	prog := compile(t, "{{ title }}:{{ views }}", escape.FormatHTML)

	first, err := prog.RenderString(testPage())
	if err != nil {
		t.Fatal(err)
	}
	other := &page{Title: "Other", Views: 7}
	second, err := prog.RenderString(other)
	if err != nil {
		t.Fatal(err)
	}
	if first != "Hello &lt;World&gt;:41" || second != "Other:7" {
		t.Errorf("got %q then %q", first, second)
	}
}
