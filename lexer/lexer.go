package lexer

import (
	"strings"

	"github.com/transparencies/askama/diag"
)

// Lexer tokenizes template source code. It is a single-pass lexer: Next
// produces each token exactly once and nil at end of input.
type Lexer struct {
	source    string // original source (possibly with trailing newline stripped)
	pos       int    // current position in source
	start     int    // start position of current token
	line      uint16 // current line (1-indexed)
	col       uint16 // current column (0-indexed at line start)
	startLine uint16
	startCol  uint16
	name      string // template path, for diagnostics
	syntax    SyntaxConfig
	ws        WhitespaceConfig

	stack                 []lexerState
	trimLeadingWhitespace bool
	pendingStartMarker    *pendingMarker
	parenBalance          int
}

type lexerState int

const (
	stateTemplate lexerState = iota
	stateVariable
	stateBlock
)

type pendingMarker struct {
	marker startMarker
	length int
}

type startMarker int

const (
	markerVariable startMarker = iota
	markerBlock
	markerComment
)

type whitespaceMode int

const (
	wsDefault whitespaceMode = iota
	wsPreserve // +
	wsRemove   // -
)

func whitespaceFromByte(b byte) whitespaceMode {
	switch b {
	case '-':
		return wsRemove
	case '+':
		return wsPreserve
	default:
		return wsDefault
	}
}

// New creates a new Lexer for the given input.
func New(input, name string, syntax SyntaxConfig, ws WhitespaceConfig) *Lexer {
	source := input
	if !ws.KeepTrailingNewline {
		source = strings.TrimSuffix(source, "\n")
		source = strings.TrimSuffix(source, "\r")
	}

	return &Lexer{
		source: source,
		line:   1,
		col:    0,
		name:   name,
		syntax: syntax,
		ws:     ws,
		stack:  []lexerState{stateTemplate},
	}
}

// Tokenize returns all tokens from the input.
func Tokenize(input, name string, syntax SyntaxConfig, ws WhitespaceConfig) ([]Token, *diag.Error) {
	l := New(input, name, syntax, ws)
	var tokens []Token
	for {
		tok, err := l.Next()
		if err != nil {
			return nil, err
		}
		if tok == nil {
			return tokens, nil
		}
		tokens = append(tokens, *tok)
	}
}

// Next returns the next token, or nil at end of input.
func (l *Lexer) Next() (*Token, *diag.Error) {
	for {
		if l.atEnd() {
			if l.currentState() != stateTemplate {
				return nil, l.errorAt(diag.ErrUnterminatedDelimiter, "unexpected end of template inside tag")
			}
			return nil, nil
		}

		var tok *Token
		var err *diag.Error
		var cont bool

		switch l.currentState() {
		case stateTemplate:
			tok, cont, err = l.tokenizeRoot()
		case stateVariable:
			tok, cont, err = l.tokenizeTag(stateVariable)
		case stateBlock:
			tok, cont, err = l.tokenizeTag(stateBlock)
		}

		if err != nil {
			return nil, err
		}
		if cont {
			continue
		}
		if tok != nil {
			return tok, nil
		}
	}
}

func (l *Lexer) currentState() lexerState {
	return l.stack[len(l.stack)-1]
}

func (l *Lexer) pushState(s lexerState) {
	l.stack = append(l.stack, s)
}

func (l *Lexer) popState() {
	if len(l.stack) > 1 {
		l.stack = l.stack[:len(l.stack)-1]
	}
}

// effective maps the default whitespace mode through the TrimTags option:
// with TrimTags every tag trims unless it carries an explicit `+`.
func (l *Lexer) effective(ws whitespaceMode) whitespaceMode {
	if ws == wsDefault && l.ws.TrimTags {
		return wsRemove
	}
	return ws
}

// tokenizeRoot handles the template data state.
func (l *Lexer) tokenizeRoot() (*Token, bool, *diag.Error) {
	if l.pendingStartMarker != nil {
		pm := l.pendingStartMarker
		l.pendingStartMarker = nil
		return l.handleStartMarker(pm.marker, pm.length)
	}

	if l.trimLeadingWhitespace {
		l.trimLeadingWhitespace = false
		l.skipWhitespace()
	}

	l.markStart()

	match := l.findStartMarker()
	if match == nil {
		// No marker found, rest is template data.
		if l.pos < len(l.source) {
			text := l.advance(len(l.source) - l.pos)
			tok := l.makeToken(TokenTemplateData, text)
			return &tok, false, nil
		}
		return nil, false, nil
	}

	l.pendingStartMarker = &pendingMarker{marker: match.marker, length: match.length}

	// Emit the template data before the marker, trimming per the marker's
	// leading whitespace control.
	var lead string
	var span Span
	switch l.effective(match.ws) {
	case wsRemove:
		peeked := l.rest()[:match.offset]
		trimmed := strings.TrimRight(peeked, " \t\n\r")
		lead = l.advance(len(trimmed))
		span = l.span() // span ends before the stripped whitespace
		l.advance(len(peeked) - len(trimmed))
	default:
		lead = l.advance(match.offset)
		span = l.span()
	}

	if lead == "" {
		return nil, true, nil // continue to handle the pending marker
	}

	tok := Token{Type: TokenTemplateData, Value: lead, Span: span}
	return &tok, false, nil
}

type markerMatch struct {
	offset int
	marker startMarker
	length int
	ws     whitespaceMode
}

// findStartMarker locates the earliest of the three start delimiters in the
// remaining template data.
func (l *Lexer) findStartMarker() *markerMatch {
	rest := l.rest()

	var best *markerMatch
	consider := func(delim string, marker startMarker) {
		idx := strings.Index(rest, delim)
		if idx < 0 || (best != nil && best.offset <= idx) {
			return
		}
		ws := wsDefault
		length := len(delim)
		if idx+length < len(rest) {
			ws = whitespaceFromByte(rest[idx+length])
		}
		if ws != wsDefault {
			length++
		}
		best = &markerMatch{offset: idx, marker: marker, length: length, ws: ws}
	}

	consider(l.syntax.VarStart, markerVariable)
	consider(l.syntax.BlockStart, markerBlock)
	consider(l.syntax.CommentStart, markerComment)
	return best
}

func (l *Lexer) handleStartMarker(marker startMarker, skip int) (*Token, bool, *diag.Error) {
	switch marker {
	case markerComment:
		rest := l.rest()[skip:]
		endIdx := strings.Index(rest, l.syntax.CommentEnd)
		if endIdx < 0 {
			return nil, false, l.errorAt(diag.ErrUnterminatedDelimiter, "unexpected end of comment")
		}

		ws := wsDefault
		if endIdx > 0 {
			ws = whitespaceFromByte(rest[endIdx-1])
		}

		l.advance(skip + endIdx + len(l.syntax.CommentEnd))
		l.handleTailWhitespace(ws)
		return nil, true, nil

	case markerVariable:
		l.markStart()
		l.advance(skip)
		l.pushState(stateVariable)
		tok := l.makeToken(TokenVariableStart, l.syntax.VarStart)
		return &tok, false, nil

	default: // markerBlock
		// Raw blocks are resolved entirely in the lexer: their content is
		// emitted as a single template data token.
		if rawLen, wsStart := l.skipBasicTag(l.rest()[skip:], "raw"); rawLen > 0 {
			l.advance(skip + rawLen)
			return l.handleRawTag(wsStart)
		}

		l.markStart()
		l.advance(skip)
		l.pushState(stateBlock)
		tok := l.makeToken(TokenBlockStart, l.syntax.BlockStart)
		return &tok, false, nil
	}
}

func (l *Lexer) handleRawTag(wsStart whitespaceMode) (*Token, bool, *diag.Error) {
	l.markStart()

	rest := l.rest()
	ptr := 0

	for {
		blockIdx := strings.Index(rest[ptr:], l.syntax.BlockStart)
		if blockIdx < 0 {
			return nil, false, l.errorAt(diag.ErrUnterminatedDelimiter, "unexpected end of raw block")
		}
		blockIdx += ptr
		afterBlockStart := blockIdx + len(l.syntax.BlockStart)

		endrawLen, wsNext := l.skipBasicTag(rest[afterBlockStart:], "endraw")
		if endrawLen == 0 {
			ptr = afterBlockStart
			continue
		}

		ws := wsDefault
		if afterBlockStart < len(rest) {
			ws = whitespaceFromByte(rest[afterBlockStart])
		}

		result := rest[:blockIdx]
		if l.effective(wsStart) == wsRemove {
			result = strings.TrimLeft(result, " \t\n\r")
		}
		if l.effective(ws) == wsRemove {
			result = strings.TrimRight(result, " \t\n\r")
		}

		l.advance(blockIdx)
		span := l.span()
		l.advance(len(l.syntax.BlockStart) + endrawLen)
		l.handleTailWhitespace(wsNext)

		tok := Token{Type: TokenTemplateData, Value: result, Span: span}
		return &tok, false, nil
	}
}

// skipBasicTag checks whether s starts with a bare tag like `raw %}` or
// `endraw %}` and returns the length to skip plus the trailing whitespace
// control mode.
func (l *Lexer) skipBasicTag(s, name string) (int, whitespaceMode) {
	ptr := s

	if len(ptr) > 0 && (ptr[0] == '-' || ptr[0] == '+') {
		ptr = ptr[1:]
	}
	ptr = strings.TrimLeft(ptr, " \t\n\r")
	if !strings.HasPrefix(ptr, name) {
		return 0, wsDefault
	}
	ptr = ptr[len(name):]
	if len(ptr) > 0 && isIdentPart(ptr[0]) {
		return 0, wsDefault
	}
	ptr = strings.TrimLeft(ptr, " \t\n\r")

	ws := wsDefault
	if len(ptr) > 0 && (ptr[0] == '-' || ptr[0] == '+') {
		ws = whitespaceFromByte(ptr[0])
		ptr = ptr[1:]
	}

	if !strings.HasPrefix(ptr, l.syntax.BlockEnd) {
		return 0, wsDefault
	}
	ptr = ptr[len(l.syntax.BlockEnd):]

	return len(s) - len(ptr), ws
}

func (l *Lexer) handleTailWhitespace(ws whitespaceMode) {
	if l.effective(ws) == wsRemove {
		l.trimLeadingWhitespace = true
	}
}

// tokenizeTag handles tokens inside {% %} or {{ }}.
func (l *Lexer) tokenizeTag(state lexerState) (*Token, bool, *diag.Error) {
	l.skipWhitespace()

	if l.atEnd() {
		return nil, false, l.errorAt(diag.ErrUnterminatedDelimiter, "unexpected end of template inside tag")
	}

	l.markStart()
	rest := l.rest()

	// Check for the closing delimiter with optional whitespace control. A
	// bracket nesting balance keeps `}}`-like character runs inside index
	// expressions from closing the tag.
	if l.parenBalance == 0 {
		end := l.syntax.BlockEnd
		endType := TokenBlockEnd
		if state == stateVariable {
			end = l.syntax.VarEnd
			endType = TokenVariableEnd
		}

		ws := wsDefault
		skip := 0
		if len(rest) > 0 && (rest[0] == '-' || rest[0] == '+') && strings.HasPrefix(rest[1:], end) {
			ws = whitespaceFromByte(rest[0])
			skip = 1
		}
		if strings.HasPrefix(rest[skip:], end) {
			l.popState()
			l.advance(skip + len(end))
			tok := l.makeToken(endType, rest[:skip+len(end)])
			l.handleTailWhitespace(ws)
			return &tok, false, nil
		}
	}

	// Two-character operators
	if len(rest) >= 2 {
		var typ TokenType = -1
		switch rest[:2] {
		case "==":
			typ = TokenEq
		case "!=":
			typ = TokenNe
		case ">=":
			typ = TokenGe
		case "<=":
			typ = TokenLe
		}
		if typ != -1 {
			l.advance(2)
			tok := l.makeToken(typ, rest[:2])
			return &tok, false, nil
		}
	}

	// Single character operators and punctuation
	ch := rest[0]
	var typ TokenType = -1
	switch ch {
	case '+':
		typ = TokenPlus
	case '-':
		typ = TokenMinus
	case '*':
		typ = TokenMul
	case '/':
		typ = TokenDiv
	case '%':
		typ = TokenMod
	case '~':
		typ = TokenTilde
	case '<':
		typ = TokenLt
	case '>':
		typ = TokenGt
	case '=':
		typ = TokenAssign
	case '.':
		typ = TokenDot
	case ',':
		typ = TokenComma
	case ':':
		typ = TokenColon
	case '|':
		typ = TokenPipe
	case '(':
		l.parenBalance++
		typ = TokenParenOpen
	case ')':
		l.parenBalance--
		typ = TokenParenClose
	case '[':
		l.parenBalance++
		typ = TokenBracketOpen
	case ']':
		l.parenBalance--
		typ = TokenBracketClose
	case '{':
		l.parenBalance++
		typ = TokenBraceOpen
	case '}':
		l.parenBalance--
		typ = TokenBraceClose
	}
	if typ != -1 {
		l.advance(1)
		tok := l.makeToken(typ, string(ch))
		return &tok, false, nil
	}

	if ch == '"' || ch == '\'' {
		return l.lexString(ch)
	}
	if isDigit(ch) {
		return l.lexNumber()
	}
	if isIdentStart(ch) {
		return l.lexIdent()
	}

	return nil, false, l.errorAt(diag.ErrUnexpectedCharacter, "unexpected character %q", ch)
}

// lexString lexes a string literal. String literals may contain delimiter
// look-alikes without terminating the surrounding tag.
func (l *Lexer) lexString(quote byte) (*Token, bool, *diag.Error) {
	l.advance(1) // skip opening quote

	var sb strings.Builder

	for !l.atEnd() {
		ch := l.rest()[0]
		if ch == quote {
			l.advance(1)
			tok := l.makeToken(TokenString, sb.String())
			return &tok, false, nil
		}
		if ch != '\\' {
			sb.WriteByte(ch)
			l.advance(1)
			continue
		}

		l.advance(1)
		if l.atEnd() {
			return nil, false, l.errorAt(diag.ErrUnterminatedDelimiter, "unexpected end of string")
		}
		escaped := l.rest()[0]
		l.advance(1)
		switch escaped {
		case 'n':
			sb.WriteByte('\n')
		case 't':
			sb.WriteByte('\t')
		case 'r':
			sb.WriteByte('\r')
		case '\\':
			sb.WriteByte('\\')
		case '\'':
			sb.WriteByte('\'')
		case '"':
			sb.WriteByte('"')
		case '0':
			sb.WriteByte(0)
		case 'x':
			b, err := l.hexEscape(2)
			if err != nil {
				return nil, false, err
			}
			sb.WriteByte(byte(b))
		case 'u':
			r, err := l.hexEscape(4)
			if err != nil {
				return nil, false, err
			}
			sb.WriteRune(rune(r))
		default:
			return nil, false, l.errorAt(diag.ErrInvalidEscape, "unknown string escape \\%c", escaped)
		}
	}

	return nil, false, l.errorAt(diag.ErrUnterminatedDelimiter, "unexpected end of string")
}

func (l *Lexer) hexEscape(digits int) (uint32, *diag.Error) {
	if len(l.rest()) < digits {
		return 0, l.errorAt(diag.ErrInvalidEscape, "truncated hex escape")
	}
	var val uint32
	for i := 0; i < digits; i++ {
		c := l.rest()[i]
		var d uint32
		switch {
		case c >= '0' && c <= '9':
			d = uint32(c - '0')
		case c >= 'a' && c <= 'f':
			d = uint32(c-'a') + 10
		case c >= 'A' && c <= 'F':
			d = uint32(c-'A') + 10
		default:
			return 0, l.errorAt(diag.ErrInvalidEscape, "invalid hex escape")
		}
		val = val<<4 | d
	}
	l.advance(digits)
	return val, nil
}

// lexNumber lexes a decimal integer or float literal, with optional
// underscores, fraction, and exponent.
func (l *Lexer) lexNumber() (*Token, bool, *diag.Error) {
	rest := l.rest()

	isFloat := false
	n := 0
	hasUnderscore := false

	for n < len(rest) {
		c := rest[n]
		switch {
		case isDigit(c):
			n++
		case c == '_':
			hasUnderscore = true
			n++
		case c == '.' && !isFloat && n+1 < len(rest) && isDigit(rest[n+1]):
			isFloat = true
			n++
		case (c == 'e' || c == 'E') && n+1 < len(rest) &&
			(isDigit(rest[n+1]) || ((rest[n+1] == '+' || rest[n+1] == '-') && n+2 < len(rest) && isDigit(rest[n+2]))):
			isFloat = true
			n++
			if rest[n] == '+' || rest[n] == '-' {
				n++
			}
		default:
			goto done
		}
	}

done:
	numStr := rest[:n]
	l.advance(n)

	if hasUnderscore && (strings.HasSuffix(numStr, "_") || strings.Contains(numStr, "__")) {
		return nil, false, l.errorAt(diag.ErrInvalidNumberLiteral, "misplaced '_' in number")
	}
	if !l.atEnd() && isIdentStart(l.rest()[0]) {
		return nil, false, l.errorAt(diag.ErrInvalidNumberLiteral, "invalid suffix on number")
	}

	if hasUnderscore {
		numStr = strings.ReplaceAll(numStr, "_", "")
	}

	typ := TokenInteger
	if isFloat {
		typ = TokenFloat
	}
	tok := l.makeToken(typ, numStr)
	return &tok, false, nil
}

// lexIdent lexes an identifier.
func (l *Lexer) lexIdent() (*Token, bool, *diag.Error) {
	rest := l.rest()
	n := 0
	for n < len(rest) && isIdentPart(rest[n]) {
		n++
	}
	value := rest[:n]
	l.advance(n)
	tok := l.makeToken(TokenIdent, value)
	return &tok, false, nil
}

// Helper methods

func (l *Lexer) atEnd() bool {
	return l.pos >= len(l.source)
}

func (l *Lexer) rest() string {
	if l.pos >= len(l.source) {
		return ""
	}
	return l.source[l.pos:]
}

func (l *Lexer) advance(n int) string {
	if n <= 0 {
		return ""
	}
	start := l.pos
	end := l.pos + n
	if end > len(l.source) {
		end = len(l.source)
	}

	skipped := l.source[start:end]
	for _, c := range skipped {
		if c == '\n' {
			l.line++
			l.col = 0
		} else if l.col < 65535 {
			l.col++
		}
	}
	l.pos = end
	return skipped
}

func (l *Lexer) markStart() {
	l.start = l.pos
	l.startLine = l.line
	l.startCol = l.col
}

func (l *Lexer) span() Span {
	return Span{
		StartLine:   l.startLine,
		StartCol:    l.startCol,
		StartOffset: uint32(l.start),
		EndLine:     l.line,
		EndCol:      l.col,
		EndOffset:   uint32(l.pos),
	}
}

func (l *Lexer) makeToken(typ TokenType, value string) Token {
	return Token{Type: typ, Value: value, Span: l.span()}
}

func (l *Lexer) skipWhitespace() {
	for !l.atEnd() {
		c := l.rest()[0]
		if c != ' ' && c != '\t' && c != '\n' && c != '\r' {
			break
		}
		l.advance(1)
	}
}

func (l *Lexer) errorAt(kind diag.ErrorKind, format string, args ...any) *diag.Error {
	span := Span{
		StartLine:   l.line,
		StartCol:    l.col,
		StartOffset: uint32(l.pos),
		EndLine:     l.line,
		EndCol:      l.col,
		EndOffset:   uint32(l.pos),
	}
	return diag.Newf(kind, format, args...).WithSpan(span).WithName(l.name)
}

func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}

func isIdentStart(ch byte) bool {
	return (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || ch == '_'
}

func isIdentPart(ch byte) bool {
	return isIdentStart(ch) || isDigit(ch)
}
