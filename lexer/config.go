package lexer

// SyntaxConfig holds the delimiters for template syntax.
type SyntaxConfig struct {
	BlockStart   string
	BlockEnd     string
	VarStart     string
	VarEnd       string
	CommentStart string
	CommentEnd   string
}

// DefaultSyntax returns the default delimiter configuration.
func DefaultSyntax() SyntaxConfig {
	return SyntaxConfig{
		BlockStart:   "{%",
		BlockEnd:     "%}",
		VarStart:     "{{",
		VarEnd:       "}}",
		CommentStart: "{#",
		CommentEnd:   "#}",
	}
}

// WhitespaceConfig holds whitespace handling configuration.
//
// TrimTags makes every tag behave as if it were written with `-` on both
// sides; a `+` marker on an individual tag opts out.
type WhitespaceConfig struct {
	KeepTrailingNewline bool
	TrimTags            bool
}

// DefaultWhitespace returns the default whitespace configuration.
func DefaultWhitespace() WhitespaceConfig {
	return WhitespaceConfig{
		KeepTrailingNewline: false,
		TrimTags:            false,
	}
}
