package validate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"go/parser"
	"go/scanner"
	"go/token"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// SyntaxValidator checks that content parses for the file types it knows
// (Go, JSON, YAML, TOML) and flags a few language-independent smells.
// Unknown file types are accepted with no diagnostics.
type SyntaxValidator struct{}

// NewSyntaxValidator creates a SyntaxValidator.
func NewSyntaxValidator() *SyntaxValidator {
	return &SyntaxValidator{}
}

// Validate implements Validator.
func (v *SyntaxValidator) Validate(ctx context.Context, path string, content []byte) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	var diags []Diagnostic
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".go":
		diags = append(diags, checkGo(path, content)...)
	case ".json":
		if !json.Valid(content) {
			diags = append(diags, Diagnostic{Kind: "syntax", Severity: SeverityError, Message: "invalid JSON"})
		}
	case ".yaml", ".yml":
		var doc any
		if err := yaml.Unmarshal(content, &doc); err != nil {
			diags = append(diags, Diagnostic{Kind: "syntax", Severity: SeverityError, Message: err.Error()})
		}
	case ".toml":
		var doc map[string]any
		if _, err := toml.Decode(string(content), &doc); err != nil {
			d := Diagnostic{Kind: "syntax", Severity: SeverityError, Message: err.Error()}
			var perr toml.ParseError
			if errors.As(err, &perr) {
				d.Line = perr.Position.Line
			}
			diags = append(diags, d)
		}
	}

	diags = append(diags, checkMarkers(content, ext == ".md")...)

	valid := true
	for _, d := range diags {
		if d.Severity == SeverityError {
			valid = false
			break
		}
	}
	return Result{Valid: valid, Diagnostics: diags}, nil
}

func checkGo(path string, content []byte) []Diagnostic {
	fset := token.NewFileSet()
	_, err := parser.ParseFile(fset, path, content, parser.AllErrors)
	if err == nil {
		return nil
	}

	var list scanner.ErrorList
	if errors.As(err, &list) {
		diags := make([]Diagnostic, 0, len(list))
		for _, e := range list {
			diags = append(diags, Diagnostic{
				Kind:     "syntax",
				Severity: SeverityError,
				Message:  e.Msg,
				Line:     e.Pos.Line,
			})
		}
		return diags
	}
	return []Diagnostic{{Kind: "syntax", Severity: SeverityError, Message: err.Error()}}
}

// checkMarkers flags leftovers that commonly leak from generated rewrites.
func checkMarkers(content []byte, markdown bool) []Diagnostic {
	var diags []Diagnostic
	for i, line := range bytes.Split(content, []byte("\n")) {
		trimmed := bytes.TrimSpace(line)
		switch {
		case bytes.HasPrefix(trimmed, []byte("<<<<<<<")), bytes.HasPrefix(trimmed, []byte(">>>>>>>")):
			diags = append(diags, Diagnostic{
				Kind:     "syntax",
				Severity: SeverityError,
				Message:  "merge conflict marker",
				Line:     i + 1,
			})
		case !markdown && bytes.HasPrefix(trimmed, []byte("```")):
			diags = append(diags, Diagnostic{
				Kind:         "style",
				Severity:     SeverityWarning,
				Message:      "markdown code fence in source",
				Line:         i + 1,
				SuggestedFix: "remove the fence line",
			})
		}
	}
	return diags
}
