package askama

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/transparencies/askama/escape"
	"github.com/transparencies/askama/lexer"
)

// Config is the on-disk project configuration, usually askama.yaml:
//
//	format: html
//	templates: templates
//	syntax:
//	  block_start: "{%"
//	  block_end: "%}"
//	whitespace:
//	  trim_tags: true
type Config struct {
	Format    string `yaml:"format"`
	Templates string `yaml:"templates"`
	Syntax    struct {
		BlockStart   string `yaml:"block_start"`
		BlockEnd     string `yaml:"block_end"`
		VarStart     string `yaml:"var_start"`
		VarEnd       string `yaml:"var_end"`
		CommentStart string `yaml:"comment_start"`
		CommentEnd   string `yaml:"comment_end"`
	} `yaml:"syntax"`
	Whitespace struct {
		TrimTags            bool `yaml:"trim_tags"`
		KeepTrailingNewline bool `yaml:"keep_trailing_newline"`
	} `yaml:"whitespace"`
}

// LoadConfig parses a configuration document.
func LoadConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// LoadConfigFile reads and parses a configuration file.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return LoadConfig(data)
}

// SyntaxConfig resolves the delimiter settings, falling back to the
// defaults for unset fields.
func (c *Config) SyntaxConfig() lexer.SyntaxConfig {
	syntax := lexer.DefaultSyntax()
	if c.Syntax.BlockStart != "" {
		syntax.BlockStart = c.Syntax.BlockStart
	}
	if c.Syntax.BlockEnd != "" {
		syntax.BlockEnd = c.Syntax.BlockEnd
	}
	if c.Syntax.VarStart != "" {
		syntax.VarStart = c.Syntax.VarStart
	}
	if c.Syntax.VarEnd != "" {
		syntax.VarEnd = c.Syntax.VarEnd
	}
	if c.Syntax.CommentStart != "" {
		syntax.CommentStart = c.Syntax.CommentStart
	}
	if c.Syntax.CommentEnd != "" {
		syntax.CommentEnd = c.Syntax.CommentEnd
	}
	return syntax
}

// Apply configures an environment from the document.
func (c *Config) Apply(env *Environment) error {
	format, ok := escape.ParseFormat(c.Format)
	if !ok {
		return fmt.Errorf("unknown format %q", c.Format)
	}
	env.SetFormat(format)
	env.SetSyntax(c.SyntaxConfig())
	env.SetWhitespace(lexer.WhitespaceConfig{
		TrimTags:            c.Whitespace.TrimTags,
		KeepTrailingNewline: c.Whitespace.KeepTrailingNewline,
	})
	return nil
}
