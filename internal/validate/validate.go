// Package validate checks candidate file content before and after it is written.
package validate

import (
	"context"
	"fmt"
	"strings"

	"github.com/aristath/improver/internal/config"
)

// Severity ranks a diagnostic.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Diagnostic is one structured finding about a file.
type Diagnostic struct {
	Kind         string   `json:"kind"` // e.g. "syntax", "security", "performance", "style"
	Severity     Severity `json:"severity"`
	Message      string   `json:"message"`
	Line         int      `json:"line,omitempty"`
	SuggestedFix string   `json:"suggested_fix,omitempty"`
}

func (d Diagnostic) String() string {
	if d.Line > 0 {
		return fmt.Sprintf("%s:%d [%s] %s", d.Kind, d.Line, d.Severity, d.Message)
	}
	return fmt.Sprintf("%s [%s] %s", d.Kind, d.Severity, d.Message)
}

// Result is the verdict for one file.
type Result struct {
	Valid       bool
	Diagnostics []Diagnostic
}

// Validator judges candidate content for a path.
type Validator interface {
	Validate(ctx context.Context, path string, content []byte) (Result, error)
}

// Policy decides whether a Result is acceptable under a safety level.
type Policy struct {
	Level config.SafetyLevel
}

// Accept reports whether r passes. Conservative policies also reject warnings.
func (p Policy) Accept(r Result) bool {
	if !r.Valid {
		return false
	}
	if p.Level != config.SafetyConservative {
		return true
	}
	for _, d := range r.Diagnostics {
		if d.Severity == SeverityWarning || d.Severity == SeverityError {
			return false
		}
	}
	return true
}

// Summary joins the messages of all diagnostics on one line.
func Summary(diags []Diagnostic) string {
	parts := make([]string, 0, len(diags))
	for _, d := range diags {
		parts = append(parts, d.String())
	}
	return strings.Join(parts, "; ")
}
