package lexer

import (
	"testing"

	"github.com/transparencies/askama/diag"
)

type expectTok struct {
	typ   TokenType
	value string
}

func tokenize(t *testing.T, input string) []Token {
	t.Helper()
	tokens, err := Tokenize(input, "test.html", DefaultSyntax(), DefaultWhitespace())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return tokens
}

func checkTokens(t *testing.T, tokens []Token, expected []expectTok) {
	t.Helper()
	if len(tokens) != len(expected) {
		t.Fatalf("expected %d tokens, got %d: %v", len(expected), len(tokens), tokens)
	}
	for i, exp := range expected {
		if tokens[i].Type != exp.typ || tokens[i].Value != exp.value {
			t.Errorf("token %d: expected %s(%q), got %s(%q)",
				i, exp.typ, exp.value, tokens[i].Type, tokens[i].Value)
		}
	}
}

func TestLexerBasic(t *testing.T) {
	tokens := tokenize(t, "Hello {{ name }}!")
	checkTokens(t, tokens, []expectTok{
		{TokenTemplateData, "Hello "},
		{TokenVariableStart, "{{"},
		{TokenIdent, "name"},
		{TokenVariableEnd, "}}"},
		{TokenTemplateData, "!"},
	})
}

func TestLexerStatement(t *testing.T) {
	tokens := tokenize(t, "{% if user %}hi{% endif %}")
	checkTokens(t, tokens, []expectTok{
		{TokenBlockStart, "{%"},
		{TokenIdent, "if"},
		{TokenIdent, "user"},
		{TokenBlockEnd, "%}"},
		{TokenTemplateData, "hi"},
		{TokenBlockStart, "{%"},
		{TokenIdent, "endif"},
		{TokenBlockEnd, "%}"},
	})
}

func TestLexerOperators(t *testing.T) {
	tokens := tokenize(t, "{{ a.b[0] + 1 == 2 and not c|d }}")
	checkTokens(t, tokens, []expectTok{
		{TokenVariableStart, "{{"},
		{TokenIdent, "a"},
		{TokenDot, "."},
		{TokenIdent, "b"},
		{TokenBracketOpen, "["},
		{TokenInteger, "0"},
		{TokenBracketClose, "]"},
		{TokenPlus, "+"},
		{TokenInteger, "1"},
		{TokenEq, "=="},
		{TokenInteger, "2"},
		{TokenIdent, "and"},
		{TokenIdent, "not"},
		{TokenIdent, "c"},
		{TokenPipe, "|"},
		{TokenIdent, "d"},
		{TokenVariableEnd, "}}"},
	})
}

func TestLexerStringWithDelimiters(t *testing.T) {
	// A string literal containing `}}` must not close the tag.
	tokens := tokenize(t, `{{ "}}" }}`)
	checkTokens(t, tokens, []expectTok{
		{TokenVariableStart, "{{"},
		{TokenString, "}}"},
		{TokenVariableEnd, "}}"},
	})
}

func TestLexerStringEscapes(t *testing.T) {
	tokens := tokenize(t, `{{ "a\n\t\"b\x41" }}`)
	checkTokens(t, tokens, []expectTok{
		{TokenVariableStart, "{{"},
		{TokenString, "a\n\t\"bA"},
		{TokenVariableEnd, "}}"},
	})
}

func TestLexerNumbers(t *testing.T) {
	tokens := tokenize(t, "{{ 42 1_000 3.14 1e3 }}")
	checkTokens(t, tokens, []expectTok{
		{TokenVariableStart, "{{"},
		{TokenInteger, "42"},
		{TokenInteger, "1000"},
		{TokenFloat, "3.14"},
		{TokenFloat, "1e3"},
		{TokenVariableEnd, "}}"},
	})
}

func TestLexerWhitespaceControl(t *testing.T) {
	tokens := tokenize(t, "a  {{- x -}}  b")
	checkTokens(t, tokens, []expectTok{
		{TokenTemplateData, "a"},
		{TokenVariableStart, "{{"},
		{TokenIdent, "x"},
		{TokenVariableEnd, "-}}"},
		{TokenTemplateData, "b"},
	})
}

func TestLexerTrimTagsConfig(t *testing.T) {
	ws := DefaultWhitespace()
	ws.TrimTags = true
	tokens, err := Tokenize("a  {{ x }}  b", "t", DefaultSyntax(), ws)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	checkTokens(t, tokens, []expectTok{
		{TokenTemplateData, "a"},
		{TokenVariableStart, "{{"},
		{TokenIdent, "x"},
		{TokenVariableEnd, "}}"},
		{TokenTemplateData, "b"},
	})
}

func TestLexerTrimTagsPreserveMarker(t *testing.T) {
	ws := DefaultWhitespace()
	ws.TrimTags = true
	tokens, err := Tokenize("a  {{+ x +}}  b", "t", DefaultSyntax(), ws)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	checkTokens(t, tokens, []expectTok{
		{TokenTemplateData, "a  "},
		{TokenVariableStart, "{{"},
		{TokenIdent, "x"},
		{TokenVariableEnd, "+}}"},
		{TokenTemplateData, "  b"},
	})
}

func TestLexerComment(t *testing.T) {
	tokens := tokenize(t, "a{# ignored #}b")
	checkTokens(t, tokens, []expectTok{
		{TokenTemplateData, "a"},
		{TokenTemplateData, "b"},
	})
}

func TestLexerRawBlock(t *testing.T) {
	tokens := tokenize(t, "{% raw %}{{ not lexed }}{% endraw %}")
	checkTokens(t, tokens, []expectTok{
		{TokenTemplateData, "{{ not lexed }}"},
	})
}

func TestLexerCustomDelimiters(t *testing.T) {
	syntax := SyntaxConfig{
		BlockStart:   "<%",
		BlockEnd:     "%>",
		VarStart:     "[[",
		VarEnd:       "]]",
		CommentStart: "<#",
		CommentEnd:   "#>",
	}
	tokens, err := Tokenize("x[[ y ]]<% if z %><# c #>", "t", syntax, DefaultWhitespace())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	checkTokens(t, tokens, []expectTok{
		{TokenTemplateData, "x"},
		{TokenVariableStart, "[["},
		{TokenIdent, "y"},
		{TokenVariableEnd, "]]"},
		{TokenBlockStart, "<%"},
		{TokenIdent, "if"},
		{TokenIdent, "z"},
		{TokenBlockEnd, "%>"},
	})
}

func TestLexerErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		kind  diag.ErrorKind
	}{
		{"unterminated variable", "{{ name", diag.ErrUnterminatedDelimiter},
		{"unterminated comment", "{# never closed", diag.ErrUnterminatedDelimiter},
		{"unterminated raw", "{% raw %}stuck", diag.ErrUnterminatedDelimiter},
		{"unterminated string", `{{ "oops }}`, diag.ErrUnterminatedDelimiter},
		{"bad escape", `{{ "a\q" }}`, diag.ErrInvalidEscape},
		{"trailing underscore", "{{ 1_ }}", diag.ErrInvalidNumberLiteral},
		{"number suffix", "{{ 1abc }}", diag.ErrInvalidNumberLiteral},
		{"stray character", "{{ a @ b }}", diag.ErrUnexpectedCharacter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Tokenize(tt.input, "bad.html", DefaultSyntax(), DefaultWhitespace())
			if err == nil {
				t.Fatalf("expected error, got none")
			}
			if err.Kind != tt.kind {
				t.Errorf("expected kind %v, got %v (%v)", tt.kind, err.Kind, err)
			}
			if err.Name != "bad.html" {
				t.Errorf("expected template name on error, got %q", err.Name)
			}
		})
	}
}

func TestLexerSpans(t *testing.T) {
	tokens := tokenize(t, "ab\n{{ cd }}")
	if tokens[0].Span.StartLine != 1 {
		t.Errorf("text starts on line 1, got %d", tokens[0].Span.StartLine)
	}
	// {{ is on line 2
	if tokens[1].Span.StartLine != 2 {
		t.Errorf("variable start on line 2, got %d", tokens[1].Span.StartLine)
	}
	ident := tokens[2]
	if ident.Value != "cd" || ident.Span.StartCol != 3 {
		t.Errorf("ident span col: expected 3, got %d", ident.Span.StartCol)
	}
}
