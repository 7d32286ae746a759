// Command askama checks templates against a declared context without
// running any Go code, and scaffolds new template projects.
//
//	askama check -context context.yaml [-config askama.yaml] page.html
//	askama init
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/AlecAivazis/survey/v2"
	"gopkg.in/yaml.v3"

	"github.com/transparencies/askama"
	"github.com/transparencies/askama/diag"
	"github.com/transparencies/askama/resolver"
	"github.com/transparencies/askama/types"
)

func main() {
	log.SetFlags(0)
	log.SetPrefix("askama: ")

	if len(os.Args) < 2 {
		usage()
	}
	switch os.Args[1] {
	case "check":
		runCheck(os.Args[2:])
	case "init":
		runInit(os.Args[2:])
	default:
		usage()
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: askama <check|init> [flags]")
	os.Exit(2)
}

func runCheck(args []string) {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	configPath := fs.String("config", "", "project configuration file")
	contextPath := fs.String("context", "", "context type declaration (yaml)")
	root := fs.String("root", "", "template root directory")
	fs.Parse(args)

	if fs.NArg() != 1 {
		log.Fatalf("check takes exactly one template path")
	}
	if *contextPath == "" {
		log.Fatalf("check requires -context")
	}

	env := askama.NewEnvironment()
	templateRoot := "."
	if *configPath != "" {
		cfg, err := askama.LoadConfigFile(*configPath)
		if err != nil {
			log.Fatalf("loading config: %v", err)
		}
		if err := cfg.Apply(env); err != nil {
			log.Fatalf("applying config: %v", err)
		}
		if cfg.Templates != "" {
			templateRoot = cfg.Templates
		}
	}
	if *root != "" {
		templateRoot = *root
	}
	env.SetLoader(resolver.DirLoader(templateRoot))

	ctxData, err := os.ReadFile(*contextPath)
	if err != nil {
		log.Fatalf("reading context declaration: %v", err)
	}
	desc, err := types.LoadDescriptorYAML(ctxData)
	if err != nil {
		log.Fatalf("%v", err)
	}

	template := fs.Arg(0)
	if _, err := env.CompileTemplate(template, desc); err != nil {
		if derr, ok := err.(*diag.Error); ok {
			log.Fatalf("%s: %s", derr.Kind.Stage(), derr)
		}
		log.Fatalf("%v", err)
	}
	fmt.Printf("%s: ok (context %s)\n", template, desc.Name)
}

func runInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	dir := fs.String("dir", ".", "project directory")
	fs.Parse(args)

	answers := struct {
		Format    string
		Templates string
		TrimTags  bool
	}{}
	questions := []*survey.Question{
		{
			Name: "format",
			Prompt: &survey.Select{
				Message: "Output format:",
				Options: []string{"html", "text", "json", "urlcomponent"},
				Default: "html",
			},
		},
		{
			Name: "templates",
			Prompt: &survey.Input{
				Message: "Template directory:",
				Default: "templates",
			},
		},
		{
			Name: "trimtags",
			Prompt: &survey.Confirm{
				Message: "Trim whitespace around tags by default?",
				Default: false,
			},
		},
	}
	if err := survey.Ask(questions, &answers); err != nil {
		log.Fatalf("%v", err)
	}

	configPath := filepath.Join(*dir, "askama.yaml")
	if _, err := os.Stat(configPath); err == nil {
		overwrite := false
		prompt := &survey.Confirm{Message: "askama.yaml exists, overwrite?"}
		if err := survey.AskOne(prompt, &overwrite); err != nil || !overwrite {
			log.Fatalf("aborted")
		}
	}

	cfg := map[string]any{
		"format":    answers.Format,
		"templates": answers.Templates,
	}
	if answers.TrimTags {
		cfg["whitespace"] = map[string]any{"trim_tags": true}
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		log.Fatalf("%v", err)
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		log.Fatalf("%v", err)
	}

	templateDir := filepath.Join(*dir, answers.Templates)
	if err := os.MkdirAll(templateDir, 0o755); err != nil {
		log.Fatalf("%v", err)
	}
	sample := filepath.Join(templateDir, "hello.html")
	if _, err := os.Stat(sample); os.IsNotExist(err) {
		src := "<h1>{{ title }}</h1>\n"
		if err := os.WriteFile(sample, []byte(src), 0o644); err != nil {
			log.Fatalf("%v", err)
		}
	}

	contextPath := filepath.Join(*dir, "context.yaml")
	if _, err := os.Stat(contextPath); os.IsNotExist(err) {
		decl := "name: Hello\nfields:\n  title: string\n"
		if err := os.WriteFile(contextPath, []byte(decl), 0o644); err != nil {
			log.Fatalf("%v", err)
		}
	}

	fmt.Printf("wrote %s, %s and %s\n", configPath, sample, contextPath)
	fmt.Printf("try: askama check -config %s -context %s hello.html\n", configPath, contextPath)
}
