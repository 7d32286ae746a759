// Package diag holds the structured error type shared by every stage of
// the template compilation pipeline. Compilation never produces partial
// output: each stage returns its full result or a single *Error.
package diag

import (
	"fmt"

	"github.com/transparencies/askama/syntax"
)

// Stage identifies the pipeline stage an error originated from.
type Stage int

const (
	StageLex Stage = iota
	StageParse
	StageResolve
	StageBind
	StageCodegen
	StageRender
)

func (s Stage) String() string {
	switch s {
	case StageLex:
		return "lex error"
	case StageParse:
		return "parse error"
	case StageResolve:
		return "resolution error"
	case StageBind:
		return "bind error"
	case StageCodegen:
		return "codegen error"
	case StageRender:
		return "render error"
	default:
		return "error"
	}
}

// ErrorKind describes the type of error.
type ErrorKind int

const (
	// Lexer errors
	ErrUnterminatedDelimiter ErrorKind = iota
	ErrInvalidEscape
	ErrInvalidNumberLiteral
	ErrUnexpectedCharacter

	// Parser errors
	ErrUnexpectedToken
	ErrUnclosedBlock
	ErrDuplicateBlockName
	ErrInvalidDirectiveArgument
	ErrMisplacedExtends

	// Resolver errors
	ErrCyclicExtends
	ErrCyclicInclude
	ErrMissingTemplate
	ErrUnknownParentBlock

	// Binder errors
	ErrUnknownIdentifier
	ErrTypeMismatch
	ErrArityMismatch
	ErrFilterNotApplicable

	// Code generator errors
	ErrUnsupportedConstruct

	// Render errors
	ErrWriteFailed
	ErrFilterFailed
	ErrIndexOutOfRange
	ErrDivisionByZero
)

func (k ErrorKind) String() string {
	switch k {
	case ErrUnterminatedDelimiter:
		return "unterminated delimiter"
	case ErrInvalidEscape:
		return "invalid escape"
	case ErrInvalidNumberLiteral:
		return "invalid number literal"
	case ErrUnexpectedCharacter:
		return "unexpected character"
	case ErrUnexpectedToken:
		return "unexpected token"
	case ErrUnclosedBlock:
		return "unclosed block"
	case ErrDuplicateBlockName:
		return "duplicate block name"
	case ErrInvalidDirectiveArgument:
		return "invalid directive argument"
	case ErrMisplacedExtends:
		return "misplaced extends"
	case ErrCyclicExtends:
		return "cyclic extends"
	case ErrCyclicInclude:
		return "cyclic include"
	case ErrMissingTemplate:
		return "template not found"
	case ErrUnknownParentBlock:
		return "unknown parent block"
	case ErrUnknownIdentifier:
		return "unknown identifier"
	case ErrTypeMismatch:
		return "type mismatch"
	case ErrArityMismatch:
		return "arity mismatch"
	case ErrFilterNotApplicable:
		return "filter not applicable"
	case ErrUnsupportedConstruct:
		return "unsupported construct"
	case ErrWriteFailed:
		return "write failed"
	case ErrFilterFailed:
		return "filter failed"
	case ErrIndexOutOfRange:
		return "index out of range"
	case ErrDivisionByZero:
		return "division by zero"
	default:
		return "error"
	}
}

// Stage returns the pipeline stage a kind belongs to.
func (k ErrorKind) Stage() Stage {
	switch {
	case k <= ErrUnexpectedCharacter:
		return StageLex
	case k <= ErrMisplacedExtends:
		return StageParse
	case k <= ErrUnknownParentBlock:
		return StageResolve
	case k <= ErrFilterNotApplicable:
		return StageBind
	case k == ErrUnsupportedConstruct:
		return StageCodegen
	default:
		return StageRender
	}
}

// Error is a diagnostic produced during template compilation or rendering.
// It carries the offending source span and the template path so callers can
// point at the template text.
type Error struct {
	Kind    ErrorKind
	Message string
	Span    *syntax.Span
	Name    string // template path
}

func (e *Error) Error() string {
	if e.Name != "" && e.Span != nil {
		return fmt.Sprintf("%s: %s (at %s line %d)", e.Kind, e.Message, e.Name, e.Span.StartLine)
	}
	if e.Span != nil {
		return fmt.Sprintf("%s: %s (at line %d)", e.Kind, e.Message, e.Span.StartLine)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// New creates a new error.
func New(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf creates a new error with a formatted message.
func Newf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithSpan adds span information to an error.
func (e *Error) WithSpan(span syntax.Span) *Error {
	e.Span = &span
	return e
}

// WithName adds the template path to an error. An already set path is kept
// so the innermost template wins when errors bubble through includes.
func (e *Error) WithName(name string) *Error {
	if e.Name == "" {
		e.Name = name
	}
	return e
}
