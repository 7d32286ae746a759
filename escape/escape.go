// Package escape implements the output escaping policies applied to
// emitted expression values.
package escape

import (
	"encoding/json"
	"strings"
)

// Format selects the escaping policy of a compiled template. The format
// is fixed at compile time; every emit either escapes with it or was
// statically proven safe.
type Format int

const (
	// FormatText passes values through unmodified.
	FormatText Format = iota
	// FormatHTML escapes the HTML-active characters < > & " '.
	FormatHTML
	// FormatJSONValue encodes strings as JSON string literals.
	FormatJSONValue
	// FormatURLComponent percent-encodes for use inside a URL component.
	FormatURLComponent
)

var formatNames = [...]string{
	FormatText:         "text",
	FormatHTML:         "html",
	FormatJSONValue:    "json",
	FormatURLComponent: "urlcomponent",
}

func (f Format) String() string {
	if int(f) < len(formatNames) {
		return formatNames[f]
	}
	return "unknown"
}

// ParseFormat maps a configuration name to a format.
func ParseFormat(name string) (Format, bool) {
	switch strings.ToLower(name) {
	case "text", "none", "":
		return FormatText, true
	case "html":
		return FormatHTML, true
	case "json":
		return FormatJSONValue, true
	case "urlcomponent", "url":
		return FormatURLComponent, true
	}
	return FormatText, false
}

// Apply escapes s according to the format.
func (f Format) Apply(s string) string {
	switch f {
	case FormatHTML:
		return HTML(s)
	case FormatJSONValue:
		return JSONValue(s)
	case FormatURLComponent:
		return URLComponent(s)
	default:
		return s
	}
}

var htmlReplacer = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&#x27;",
)

// HTML escapes the five HTML-active characters. Everything else passes
// through byte for byte.
func HTML(s string) string {
	if !strings.ContainsAny(s, `<>&"'`) {
		return s
	}
	return htmlReplacer.Replace(s)
}

// JSONValue encodes s as a JSON string literal, quotes included. Only
// JSON's own quoting applies; < > & stay literal.
func JSONValue(s string) string {
	var b strings.Builder
	enc := json.NewEncoder(&b)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		// Encoding a string cannot fail.
		return `""`
	}
	// Encode terminates the value with a newline.
	return strings.TrimSuffix(b.String(), "\n")
}

const upperhex = "0123456789ABCDEF"

// URLComponent percent-encodes s for embedding in a single URL
// component. Unreserved characters (RFC 3986 section 2.3) pass through.
func URLComponent(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(upperhex[c>>4])
		b.WriteByte(upperhex[c&0xf])
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	return c >= 'a' && c <= 'z' ||
		c >= 'A' && c <= 'Z' ||
		c >= '0' && c <= '9' ||
		c == '-' || c == '.' || c == '_' || c == '~'
}
