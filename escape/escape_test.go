package escape

import "testing"

func TestHTML(t *testing.T) {
	tests := []struct {
		in, out string
	}{
		{"plain", "plain"},
		{"<b>", "&lt;b&gt;"},
		{`a & "b" & 'c'`, "a &amp; &quot;b&quot; &amp; &#x27;c&#x27;"},
		{"", ""},
		{"a/b", "a/b"},
	}
	for _, tt := range tests {
		if got := HTML(tt.in); got != tt.out {
			t.Errorf("HTML(%q) = %q, want %q", tt.in, got, tt.out)
		}
	}
}

func TestJSONValue(t *testing.T) {
	if got := JSONValue(`he said "hi"`); got != `"he said \"hi\""` {
		t.Errorf("got %q", got)
	}
	if got := JSONValue("a\nb"); got != `"a\nb"` {
		t.Errorf("got %q", got)
	}
	// No HTML escaping on top of JSON quoting.
	if got := JSONValue("a <b> & c"); got != `"a <b> & c"` {
		t.Errorf("got %q", got)
	}
}

func TestURLComponent(t *testing.T) {
	tests := []struct {
		in, out string
	}{
		{"abc-DEF_1.2~", "abc-DEF_1.2~"},
		{"a b", "a%20b"},
		{"a/b?c=d", "a%2Fb%3Fc%3Dd"},
		{"ü", "%C3%BC"},
	}
	for _, tt := range tests {
		if got := URLComponent(tt.in); got != tt.out {
			t.Errorf("URLComponent(%q) = %q, want %q", tt.in, got, tt.out)
		}
	}
}

func TestFormatApply(t *testing.T) {
	if got := FormatText.Apply("<b>"); got != "<b>" {
		t.Errorf("text format must not alter output, got %q", got)
	}
	if got := FormatHTML.Apply("<b>"); got != "&lt;b&gt;" {
		t.Errorf("got %q", got)
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		name   string
		format Format
		ok     bool
	}{
		{"html", FormatHTML, true},
		{"HTML", FormatHTML, true},
		{"text", FormatText, true},
		{"", FormatText, true},
		{"json", FormatJSONValue, true},
		{"urlcomponent", FormatURLComponent, true},
		{"xml", FormatText, false},
	}
	for _, tt := range tests {
		got, ok := ParseFormat(tt.name)
		if got != tt.format || ok != tt.ok {
			t.Errorf("ParseFormat(%q) = %v, %v", tt.name, got, ok)
		}
	}
}
