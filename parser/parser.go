package parser

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/transparencies/askama/diag"
	"github.com/transparencies/askama/lexer"
)

const maxRecursion = 150

var reservedNames = map[string]bool{
	"true":  true,
	"false": true,
	"loop":  true,
	"self":  true,
	"super": true,
}

// Parser parses a token stream into a template unit.
type Parser struct {
	tokens   []lexer.Token
	pos      int
	path     string
	extends  *Extends
	blocks   map[string]*Block
	inMacro  bool
	atStart  bool // no emitting statement seen yet; extends is still legal
	depth    int
	lastSpan Span
}

// Parse parses a template source and returns its unit AST or an error.
func Parse(source, path string, syntax lexer.SyntaxConfig, ws lexer.WhitespaceConfig) (*Template, *diag.Error) {
	tokens, err := lexer.Tokenize(source, path, syntax, ws)
	if err != nil {
		return nil, err
	}

	p := &Parser{
		tokens:  tokens,
		path:    path,
		blocks:  make(map[string]*Block),
		atStart: true,
	}
	return p.parse()
}

// ParseDefault parses a template using the default syntax configuration.
func ParseDefault(source, path string) (*Template, *diag.Error) {
	return Parse(source, path, lexer.DefaultSyntax(), lexer.DefaultWhitespace())
}

func (p *Parser) parse() (*Template, *diag.Error) {
	span := Span{StartLine: 1}
	children, err := p.subparse(nil, "")
	if err != nil {
		return nil, err
	}
	return &Template{
		Path:     p.path,
		Children: children,
		Extends:  p.extends,
		Blocks:   p.blocks,
		span:     p.expandSpan(span),
	}, nil
}

func (p *Parser) current() *lexer.Token {
	if p.pos >= len(p.tokens) {
		return nil
	}
	return &p.tokens[p.pos]
}

func (p *Parser) advance() *lexer.Token {
	if p.pos >= len(p.tokens) {
		return nil
	}
	tok := &p.tokens[p.pos]
	p.lastSpan = tok.Span
	p.pos++
	return tok
}

func (p *Parser) currentSpan() Span {
	if tok := p.current(); tok != nil {
		return tok.Span
	}
	return p.lastSpan
}

func (p *Parser) expandSpan(start Span) Span {
	return start.Expand(p.lastSpan)
}

func (p *Parser) errorKind(kind diag.ErrorKind, format string, args ...any) *diag.Error {
	return diag.Newf(kind, format, args...).WithSpan(p.currentSpan()).WithName(p.path)
}

func (p *Parser) unexpected(got, expected string) *diag.Error {
	return p.errorKind(diag.ErrUnexpectedToken, "unexpected %s, expected %s", got, expected)
}

func (p *Parser) unexpectedEOF(expected string) *diag.Error {
	return p.errorKind(diag.ErrUnexpectedToken, "unexpected end of input, expected %s", expected)
}

func (p *Parser) expect(typ lexer.TokenType, expected string) (*lexer.Token, *diag.Error) {
	tok := p.advance()
	if tok == nil {
		return nil, p.unexpectedEOF(expected)
	}
	if tok.Type != typ {
		return nil, p.unexpected(tokenDescription(tok), expected)
	}
	return tok, nil
}

func (p *Parser) expectIdent(expected string) (string, Span, *diag.Error) {
	tok := p.advance()
	if tok == nil {
		return "", Span{}, p.unexpectedEOF(expected)
	}
	if tok.Type != lexer.TokenIdent {
		return "", Span{}, p.unexpected(tokenDescription(tok), expected)
	}
	return tok.Value, tok.Span, nil
}

func (p *Parser) expectKeyword(kw string) *diag.Error {
	tok := p.advance()
	if tok == nil {
		return p.unexpectedEOF(fmt.Sprintf("`%s`", kw))
	}
	if tok.Type != lexer.TokenIdent || tok.Value != kw {
		return p.unexpected(tokenDescription(tok), fmt.Sprintf("`%s`", kw))
	}
	return nil
}

func (p *Parser) skip(typ lexer.TokenType) bool {
	if tok := p.current(); tok != nil && tok.Type == typ {
		p.advance()
		return true
	}
	return false
}

func (p *Parser) skipKeyword(kw string) bool {
	if tok := p.current(); tok != nil && tok.Type == lexer.TokenIdent && tok.Value == kw {
		p.advance()
		return true
	}
	return false
}

func (p *Parser) matches(typ lexer.TokenType) bool {
	tok := p.current()
	return tok != nil && tok.Type == typ
}

func (p *Parser) matchesKeyword(kw string) bool {
	tok := p.current()
	return tok != nil && tok.Type == lexer.TokenIdent && tok.Value == kw
}

func tokenDescription(tok *lexer.Token) string {
	switch tok.Type {
	case lexer.TokenIdent:
		return "identifier"
	case lexer.TokenString:
		return "string"
	case lexer.TokenInteger:
		return "integer"
	case lexer.TokenFloat:
		return "float"
	case lexer.TokenBlockEnd:
		return "end of block"
	case lexer.TokenVariableEnd:
		return "end of variable tag"
	case lexer.TokenTemplateData:
		return "template text"
	default:
		return fmt.Sprintf("`%s`", tok.Value)
	}
}

// --- Expression Parsing ---

func (p *Parser) parseExpr() (Expr, *diag.Error) {
	p.depth++
	if p.depth > maxRecursion {
		return nil, p.errorKind(diag.ErrUnexpectedToken, "template exceeds maximum recursion limits")
	}
	defer func() { p.depth-- }()
	return p.parseIfExpr()
}

func (p *Parser) parseIfExpr() (Expr, *diag.Error) {
	span := p.currentSpan()
	expr, err := p.parseOr()
	if err != nil {
		return nil, err
	}

	for p.skipKeyword("if") {
		testExpr, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if err := p.expectKeyword("else"); err != nil {
			return nil, err
		}
		falseExpr, err := p.parseIfExpr()
		if err != nil {
			return nil, err
		}
		expr = &IfExpr{
			TestExpr:  testExpr,
			TrueExpr:  expr,
			FalseExpr: falseExpr,
			span:      p.expandSpan(span),
		}
	}
	return expr, nil
}

func (p *Parser) parseOr() (Expr, *diag.Error) {
	span := p.currentSpan()
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.skipKeyword("or") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &BinOp{Op: BinOpScOr, Left: left, Right: right, span: p.expandSpan(span)}
	}
	return left, nil
}

func (p *Parser) parseAnd() (Expr, *diag.Error) {
	span := p.currentSpan()
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.skipKeyword("and") {
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &BinOp{Op: BinOpScAnd, Left: left, Right: right, span: p.expandSpan(span)}
	}
	return left, nil
}

func (p *Parser) parseNot() (Expr, *diag.Error) {
	span := p.currentSpan()
	if p.skipKeyword("not") {
		expr, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &UnaryOp{Op: UnaryNot, Expr: expr, span: p.expandSpan(span)}, nil
	}
	return p.parseCompare()
}

func (p *Parser) parseCompare() (Expr, *diag.Error) {
	span := p.currentSpan()
	expr, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}

	for {
		var op BinOpKind
		negated := false

		tok := p.current()
		if tok == nil {
			break
		}

		switch tok.Type {
		case lexer.TokenEq:
			op = BinOpEq
		case lexer.TokenNe:
			op = BinOpNe
		case lexer.TokenLt:
			op = BinOpLt
		case lexer.TokenLe:
			op = BinOpLte
		case lexer.TokenGt:
			op = BinOpGt
		case lexer.TokenGe:
			op = BinOpGte
		case lexer.TokenIdent:
			switch tok.Value {
			case "in":
				op = BinOpIn
			case "not":
				p.advance()
				if err := p.expectKeyword("in"); err != nil {
					return nil, err
				}
				op = BinOpIn
				negated = true
			default:
				return expr, nil
			}
		default:
			return expr, nil
		}

		if !negated {
			p.advance()
		}

		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		expr = &BinOp{Op: op, Left: expr, Right: right, span: p.expandSpan(span)}
		if negated {
			expr = &UnaryOp{Op: UnaryNot, Expr: expr, span: p.expandSpan(span)}
		}
	}
	return expr, nil
}

func (p *Parser) parseAdditive() (Expr, *diag.Error) {
	span := p.currentSpan()
	left, err := p.parseConcat()
	if err != nil {
		return nil, err
	}
	for {
		var op BinOpKind
		switch {
		case p.skip(lexer.TokenPlus):
			op = BinOpAdd
		case p.skip(lexer.TokenMinus):
			op = BinOpSub
		default:
			return left, nil
		}
		right, err := p.parseConcat()
		if err != nil {
			return nil, err
		}
		left = &BinOp{Op: op, Left: left, Right: right, span: p.expandSpan(span)}
	}
}

func (p *Parser) parseConcat() (Expr, *diag.Error) {
	span := p.currentSpan()
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for p.skip(lexer.TokenTilde) {
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = &BinOp{Op: BinOpConcat, Left: left, Right: right, span: p.expandSpan(span)}
	}
	return left, nil
}

func (p *Parser) parseMultiplicative() (Expr, *diag.Error) {
	span := p.currentSpan()
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		var op BinOpKind
		switch {
		case p.skip(lexer.TokenMul):
			op = BinOpMul
		case p.skip(lexer.TokenDiv):
			op = BinOpDiv
		case p.skip(lexer.TokenMod):
			op = BinOpRem
		default:
			return left, nil
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &BinOp{Op: op, Left: left, Right: right, span: p.expandSpan(span)}
	}
}

func (p *Parser) parseUnary() (Expr, *diag.Error) {
	span := p.currentSpan()
	expr, err := p.parseUnaryOnly()
	if err != nil {
		return nil, err
	}
	expr, err = p.parsePostfix(expr, span)
	if err != nil {
		return nil, err
	}
	return p.parseFilterExpr(expr)
}

func (p *Parser) parseUnaryOnly() (Expr, *diag.Error) {
	span := p.currentSpan()
	if p.skip(lexer.TokenMinus) {
		expr, err := p.parseUnaryOnly()
		if err != nil {
			return nil, err
		}
		return &UnaryOp{Op: UnaryNeg, Expr: expr, span: p.expandSpan(span)}, nil
	}
	return p.parsePrimary()
}

func (p *Parser) parsePostfix(expr Expr, span Span) (Expr, *diag.Error) {
	for {
		nextSpan := p.currentSpan()
		switch {
		case p.skip(lexer.TokenDot):
			name, _, err := p.expectIdent("identifier")
			if err != nil {
				return nil, err
			}
			expr = &GetAttr{Expr: expr, Name: name, span: p.expandSpan(span)}

		case p.skip(lexer.TokenBracketOpen):
			subscript, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(lexer.TokenBracketClose, "`]`"); err != nil {
				return nil, err
			}
			expr = &GetItem{Expr: expr, SubscriptExpr: subscript, span: p.expandSpan(span)}

		case p.matches(lexer.TokenParenOpen):
			args, err := p.parseCallArgs()
			if err != nil {
				return nil, err
			}
			expr = &Call{Callee: expr, Args: args, span: p.expandSpan(span)}

		default:
			return expr, nil
		}
		span = nextSpan
	}
}

func (p *Parser) parseFilterExpr(expr Expr) (Expr, *diag.Error) {
	for p.skip(lexer.TokenPipe) {
		name, span, err := p.expectIdent("filter name")
		if err != nil {
			return nil, err
		}
		var args []Expr
		if p.matches(lexer.TokenParenOpen) {
			args, err = p.parseFilterArgs()
			if err != nil {
				return nil, err
			}
		}
		expr = &Filter{Name: name, Expr: expr, Args: args, span: p.expandSpan(span)}
	}
	return expr, nil
}

func (p *Parser) parseFilterArgs() ([]Expr, *diag.Error) {
	var args []Expr
	if _, err := p.expect(lexer.TokenParenOpen, "`(`"); err != nil {
		return nil, err
	}
	for {
		if p.skip(lexer.TokenParenClose) {
			return args, nil
		}
		if len(args) > 0 {
			if _, err := p.expect(lexer.TokenComma, "`,`"); err != nil {
				return nil, err
			}
			if p.skip(lexer.TokenParenClose) {
				return args, nil
			}
		}
		arg, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
}

func (p *Parser) parseCallArgs() ([]CallArg, *diag.Error) {
	var args []CallArg
	hasNamed := false

	if _, err := p.expect(lexer.TokenParenOpen, "`(`"); err != nil {
		return nil, err
	}

	for {
		if p.skip(lexer.TokenParenClose) {
			return args, nil
		}
		if len(args) > 0 {
			if _, err := p.expect(lexer.TokenComma, "`,`"); err != nil {
				return nil, err
			}
			if p.skip(lexer.TokenParenClose) {
				return args, nil
			}
		}

		expr, err := p.parseExpr()
		if err != nil {
			return nil, err
		}

		if v, ok := expr.(*Var); ok && p.skip(lexer.TokenAssign) {
			hasNamed = true
			value, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			args = append(args, CallArg{Name: v.ID, Value: value})
		} else if hasNamed {
			return nil, p.errorKind(diag.ErrUnexpectedToken, "positional argument after named argument")
		} else {
			args = append(args, CallArg{Value: expr})
		}
	}
}

func (p *Parser) parsePrimary() (Expr, *diag.Error) {
	p.depth++
	if p.depth > maxRecursion {
		return nil, p.errorKind(diag.ErrUnexpectedToken, "template exceeds maximum recursion limits")
	}
	defer func() { p.depth-- }()

	tok := p.advance()
	if tok == nil {
		return nil, p.unexpectedEOF("expression")
	}
	span := tok.Span

	switch tok.Type {
	case lexer.TokenIdent:
		switch tok.Value {
		case "true":
			return &Const{Value: true, span: span}, nil
		case "false":
			return &Const{Value: false, span: span}, nil
		default:
			return &Var{ID: tok.Value, span: span}, nil
		}

	case lexer.TokenString:
		// Adjacent string literals concatenate.
		val := tok.Value
		for p.matches(lexer.TokenString) {
			val += p.advance().Value
		}
		return &Const{Value: val, span: p.expandSpan(span)}, nil

	case lexer.TokenInteger:
		val, err := strconv.ParseInt(tok.Value, 10, 64)
		if err != nil {
			return nil, diag.Newf(diag.ErrInvalidNumberLiteral, "integer %s out of range", tok.Value).
				WithSpan(span).WithName(p.path)
		}
		return &Const{Value: val, span: span}, nil

	case lexer.TokenFloat:
		val, err := strconv.ParseFloat(tok.Value, 64)
		if err != nil {
			return nil, diag.Newf(diag.ErrInvalidNumberLiteral, "invalid float %s", tok.Value).
				WithSpan(span).WithName(p.path)
		}
		return &Const{Value: val, span: span}, nil

	case lexer.TokenParenOpen:
		expr, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(lexer.TokenParenClose, "`)`"); err != nil {
			return nil, err
		}
		return expr, nil

	case lexer.TokenBracketOpen:
		return p.parseListExpr(span)

	default:
		return nil, p.errorKind(diag.ErrUnexpectedToken, "unexpected %s", tokenDescription(tok))
	}
}

func (p *Parser) parseListExpr(span Span) (Expr, *diag.Error) {
	var items []Expr
	for {
		if p.skip(lexer.TokenBracketClose) {
			break
		}
		if len(items) > 0 {
			if _, err := p.expect(lexer.TokenComma, "`,`"); err != nil {
				return nil, err
			}
			if p.skip(lexer.TokenBracketClose) {
				break
			}
		}
		item, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return &List{Items: items, span: p.expandSpan(span)}, nil
}

// --- Statement Parsing ---

func (p *Parser) parseStmt() (Stmt, *diag.Error) {
	p.depth++
	if p.depth > maxRecursion {
		return nil, p.errorKind(diag.ErrUnexpectedToken, "template exceeds maximum recursion limits")
	}
	defer func() { p.depth-- }()

	tok := p.advance()
	if tok == nil {
		return nil, p.unexpectedEOF("block keyword")
	}
	span := tok.Span

	if tok.Type != lexer.TokenIdent {
		return nil, p.unexpected(tokenDescription(tok), "statement")
	}

	keyword := tok.Value
	if keyword == "extends" {
		return p.parseExtends(span)
	}
	p.atStart = false

	switch keyword {
	case "if":
		stmt, err := p.parseIfCond()
		if err != nil {
			return nil, err
		}
		stmt.span = p.expandSpan(span)
		return stmt, nil

	case "for":
		stmt, err := p.parseForStmt()
		if err != nil {
			return nil, err
		}
		stmt.span = p.expandSpan(span)
		return stmt, nil

	case "block":
		stmt, err := p.parseBlock()
		if err != nil {
			return nil, err
		}
		stmt.span = p.expandSpan(span)
		return stmt, nil

	case "include":
		stmt, err := p.parseInclude()
		if err != nil {
			return nil, err
		}
		stmt.span = p.expandSpan(span)
		return stmt, nil

	case "macro":
		stmt, err := p.parseMacro()
		if err != nil {
			return nil, err
		}
		stmt.span = p.expandSpan(span)
		return stmt, nil

	case "let", "set":
		stmt, err := p.parseLet()
		if err != nil {
			return nil, err
		}
		stmt.span = p.expandSpan(span)
		return stmt, nil

	case "filter":
		stmt, err := p.parseFilterBlock()
		if err != nil {
			return nil, err
		}
		stmt.span = p.expandSpan(span)
		return stmt, nil

	default:
		return nil, p.errorKind(diag.ErrUnexpectedToken, "unknown statement %s", keyword)
	}
}

func (p *Parser) parseExtends(span Span) (*Extends, *diag.Error) {
	if !p.atStart {
		return nil, diag.New(diag.ErrMisplacedExtends,
			"extends must be the first statement of a template").
			WithSpan(span).WithName(p.path)
	}
	if p.extends != nil {
		return nil, diag.New(diag.ErrMisplacedExtends, "extends appears more than once").
			WithSpan(span).WithName(p.path)
	}
	p.atStart = false

	tok := p.advance()
	if tok == nil || tok.Type != lexer.TokenString {
		return nil, p.errorKind(diag.ErrInvalidDirectiveArgument,
			"extends requires a string literal template path")
	}

	ext := &Extends{Path: tok.Value, span: p.expandSpan(span)}
	p.extends = ext
	return ext, nil
}

func (p *Parser) parseInclude() (*Include, *diag.Error) {
	tok := p.advance()
	if tok == nil || tok.Type != lexer.TokenString {
		return nil, p.errorKind(diag.ErrInvalidDirectiveArgument,
			"include requires a string literal template path")
	}
	return &Include{Path: tok.Value}, nil
}

func (p *Parser) parseIfCond() (*IfCond, *diag.Error) {
	expr, err := p.parseOr()
	if err != nil {
		return nil, err
	}

	if _, err := p.expect(lexer.TokenBlockEnd, "end of block"); err != nil {
		return nil, err
	}

	trueBody, err := p.subparse(func(tok lexer.Token) bool {
		return tok.Type == lexer.TokenIdent &&
			(tok.Value == "endif" || tok.Value == "else" || tok.Value == "elif")
	}, "endif")
	if err != nil {
		return nil, err
	}

	var falseBody []Stmt
	tok := p.advance()
	if tok != nil && tok.Type == lexer.TokenIdent {
		switch tok.Value {
		case "else":
			if _, err := p.expect(lexer.TokenBlockEnd, "end of block"); err != nil {
				return nil, err
			}
			falseBody, err = p.subparse(func(tok lexer.Token) bool {
				return tok.Type == lexer.TokenIdent && tok.Value == "endif"
			}, "endif")
			if err != nil {
				return nil, err
			}
			p.advance() // consume endif

		case "elif":
			span := tok.Span
			nested, err := p.parseIfCond()
			if err != nil {
				return nil, err
			}
			nested.span = p.expandSpan(span)
			falseBody = []Stmt{nested}
		}
	}

	return &IfCond{Expr: expr, TrueBody: trueBody, FalseBody: falseBody}, nil
}

func (p *Parser) parseForStmt() (*ForLoop, *diag.Error) {
	target, targetSpan, err := p.expectIdent("loop variable")
	if err != nil {
		return nil, err
	}
	if reservedNames[target] {
		return nil, diag.Newf(diag.ErrUnexpectedToken,
			"cannot assign to reserved name %s", target).
			WithSpan(targetSpan).WithName(p.path)
	}

	if err := p.expectKeyword("in"); err != nil {
		return nil, err
	}

	iter, err := p.parseOr()
	if err != nil {
		return nil, err
	}

	if _, err := p.expect(lexer.TokenBlockEnd, "end of block"); err != nil {
		return nil, err
	}

	body, err := p.subparse(func(tok lexer.Token) bool {
		return tok.Type == lexer.TokenIdent && (tok.Value == "endfor" || tok.Value == "else")
	}, "endfor")
	if err != nil {
		return nil, err
	}

	var elseBody []Stmt
	if p.skipKeyword("else") {
		if _, err := p.expect(lexer.TokenBlockEnd, "end of block"); err != nil {
			return nil, err
		}
		elseBody, err = p.subparse(func(tok lexer.Token) bool {
			return tok.Type == lexer.TokenIdent && tok.Value == "endfor"
		}, "endfor")
		if err != nil {
			return nil, err
		}
	}
	p.advance() // consume endfor

	return &ForLoop{Target: target, Iter: iter, Body: body, ElseBody: elseBody}, nil
}

func (p *Parser) parseBlock() (*Block, *diag.Error) {
	if p.inMacro {
		return nil, p.errorKind(diag.ErrUnexpectedToken, "block tags in macros are not allowed")
	}

	name, nameSpan, err := p.expectIdent("block name")
	if err != nil {
		return nil, err
	}

	if _, exists := p.blocks[name]; exists {
		return nil, diag.Newf(diag.ErrDuplicateBlockName, "block %q defined twice", name).
			WithSpan(nameSpan).WithName(p.path)
	}

	if _, err := p.expect(lexer.TokenBlockEnd, "end of block"); err != nil {
		return nil, err
	}

	body, err := p.subparse(func(tok lexer.Token) bool {
		return tok.Type == lexer.TokenIdent && tok.Value == "endblock"
	}, "endblock")
	if err != nil {
		return nil, err
	}
	p.advance() // consume endblock

	// Optional trailing block name
	if tok := p.current(); tok != nil && tok.Type == lexer.TokenIdent {
		if tok.Value != name {
			return nil, p.errorKind(diag.ErrUnexpectedToken,
				"mismatching name on block: got `%s`, expected `%s`", tok.Value, name)
		}
		p.advance()
	}

	block := &Block{Name: name, Body: body}
	p.blocks[name] = block
	return block, nil
}

func (p *Parser) parseMacro() (*Macro, *diag.Error) {
	name, _, err := p.expectIdent("macro name")
	if err != nil {
		return nil, err
	}

	if _, err := p.expect(lexer.TokenParenOpen, "`(`"); err != nil {
		return nil, err
	}

	var args []MacroArg
	sawDefault := false
	for {
		if p.skip(lexer.TokenParenClose) {
			break
		}
		if len(args) > 0 {
			if _, err := p.expect(lexer.TokenComma, "`,`"); err != nil {
				return nil, err
			}
			if p.skip(lexer.TokenParenClose) {
				break
			}
		}

		argName, argSpan, err := p.expectIdent("parameter name")
		if err != nil {
			return nil, err
		}
		if reservedNames[argName] {
			return nil, diag.Newf(diag.ErrUnexpectedToken,
				"cannot use reserved name %s as parameter", argName).
				WithSpan(argSpan).WithName(p.path)
		}

		arg := MacroArg{Name: argName}
		if p.skip(lexer.TokenAssign) {
			def, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			arg.Default = def
			sawDefault = true
		} else if sawDefault {
			return nil, p.errorKind(diag.ErrUnexpectedToken,
				"required parameter after parameter with default")
		}
		args = append(args, arg)
	}

	if _, err := p.expect(lexer.TokenBlockEnd, "end of block"); err != nil {
		return nil, err
	}

	oldInMacro := p.inMacro
	p.inMacro = true
	defer func() { p.inMacro = oldInMacro }()

	body, err := p.subparse(func(tok lexer.Token) bool {
		return tok.Type == lexer.TokenIdent && tok.Value == "endmacro"
	}, "endmacro")
	if err != nil {
		return nil, err
	}
	p.advance() // consume endmacro

	return &Macro{Name: name, Args: args, Body: body}, nil
}

func (p *Parser) parseLet() (*Let, *diag.Error) {
	name, nameSpan, err := p.expectIdent("identifier")
	if err != nil {
		return nil, err
	}
	if reservedNames[name] {
		return nil, diag.Newf(diag.ErrUnexpectedToken,
			"cannot assign to reserved name %s", name).
			WithSpan(nameSpan).WithName(p.path)
	}

	if _, err := p.expect(lexer.TokenAssign, "`=`"); err != nil {
		return nil, err
	}

	expr, err := p.parseExpr()
	if err != nil {
		return nil, err
	}

	return &Let{Name: name, Expr: expr}, nil
}

func (p *Parser) parseFilterBlock() (*FilterBlock, *diag.Error) {
	var chain *Filter
	for !p.matches(lexer.TokenBlockEnd) {
		if chain != nil {
			if _, err := p.expect(lexer.TokenPipe, "`|`"); err != nil {
				return nil, err
			}
		}
		name, span, err := p.expectIdent("filter name")
		if err != nil {
			return nil, err
		}
		var args []Expr
		if p.matches(lexer.TokenParenOpen) {
			args, err = p.parseFilterArgs()
			if err != nil {
				return nil, err
			}
		}
		// The innermost link keeps an untyped nil input: assigning the
		// nil *Filter directly would make Expr a non-nil interface.
		link := &Filter{Name: name, Args: args, span: p.expandSpan(span)}
		if chain != nil {
			link.Expr = chain
		}
		chain = link
	}
	if chain == nil {
		return nil, p.errorKind(diag.ErrUnexpectedToken, "expected a filter")
	}

	if _, err := p.expect(lexer.TokenBlockEnd, "end of block"); err != nil {
		return nil, err
	}

	body, err := p.subparse(func(tok lexer.Token) bool {
		return tok.Type == lexer.TokenIdent && tok.Value == "endfilter"
	}, "endfilter")
	if err != nil {
		return nil, err
	}
	p.advance() // consume endfilter

	return &FilterBlock{Filter: chain, Body: body}, nil
}

// subparse consumes statements until endCheck matches the keyword after a
// block start. A nil endCheck parses to the end of input; a non-nil one that
// never matches is an unclosed block.
func (p *Parser) subparse(endCheck func(lexer.Token) bool, endName string) ([]Stmt, *diag.Error) {
	var stmts []Stmt

	for {
		tok := p.advance()
		if tok == nil {
			if endCheck != nil {
				return nil, diag.Newf(diag.ErrUnclosedBlock,
					"unexpected end of input, expected {%% %s %%}", endName).
					WithSpan(p.lastSpan).WithName(p.path)
			}
			return stmts, nil
		}

		switch tok.Type {
		case lexer.TokenTemplateData:
			if p.atStart && strings.TrimSpace(tok.Value) != "" {
				p.atStart = false
			}
			stmts = append(stmts, &EmitRaw{Raw: tok.Value, span: tok.Span})

		case lexer.TokenVariableStart:
			p.atStart = false
			span := tok.Span
			expr, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			stmts = append(stmts, &EmitExpr{Expr: expr, span: p.expandSpan(span)})
			if _, err := p.expect(lexer.TokenVariableEnd, "end of variable tag"); err != nil {
				return nil, err
			}

		case lexer.TokenBlockStart:
			current := p.current()
			if current == nil {
				return nil, p.unexpectedEOF("keyword")
			}
			if endCheck != nil && endCheck(*current) {
				return stmts, nil
			}
			stmt, err := p.parseStmt()
			if err != nil {
				return nil, err
			}
			stmts = append(stmts, stmt)
			if _, err := p.expect(lexer.TokenBlockEnd, "end of block"); err != nil {
				return nil, err
			}

		default:
			return nil, p.errorKind(diag.ErrUnexpectedToken, "unexpected token %s", tok.Type)
		}
	}
}
