package analysis

import (
	"encoding/json"
	"strings"

	"github.com/aristath/improver/internal/backend"
	"github.com/aristath/improver/internal/task"
	"github.com/aristath/improver/internal/validate"
)

// ParseFindings decodes a code-intelligence reply. Replies that are not
// JSON, or not shaped like Findings, yield empty findings and false.
func ParseFindings(reply string) (Findings, bool) {
	raw, ok := backend.ExtractJSON(reply)
	if !ok {
		return Findings{}, false
	}

	var f Findings
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		return Findings{}, false
	}

	for i := range f.TechnicalDebt {
		f.TechnicalDebt[i].Severity = normalizeSeverity(f.TechnicalDebt[i].Severity)
	}
	for i := range f.SecurityIssues {
		f.SecurityIssues[i].Severity = normalizeSeverity(f.SecurityIssues[i].Severity)
	}
	for i := range f.PerformanceIssues {
		f.PerformanceIssues[i].Severity = normalizeSeverity(f.PerformanceIssues[i].Severity)
	}
	for i := range f.MaintenanceNeeds {
		f.MaintenanceNeeds[i].Priority = task.Priority(strings.ToLower(strings.TrimSpace(string(f.MaintenanceNeeds[i].Priority))))
		f.MaintenanceNeeds[i].Kind = strings.ToLower(strings.TrimSpace(f.MaintenanceNeeds[i].Kind))
	}
	return f, true
}

func normalizeSeverity(s Severity) Severity {
	return Severity(strings.ToLower(strings.TrimSpace(string(s))))
}

// fromDiagnostics maps validator diagnostics onto report categories.
// Security and performance kinds keep their category; other errors are
// high-severity debt and other warnings are maintenance needs. Info is dropped.
func fromDiagnostics(path string, diags []validate.Diagnostic) Findings {
	var f Findings
	for _, d := range diags {
		msg := d.String()
		switch {
		case d.Kind == "security":
			f.SecurityIssues = append(f.SecurityIssues, SecurityIssue{
				File: path, Description: msg, Severity: diagSeverity(d.Severity), Fix: d.SuggestedFix,
			})
		case d.Kind == "performance":
			f.PerformanceIssues = append(f.PerformanceIssues, PerformanceIssue{
				File: path, Description: msg, Severity: diagSeverity(d.Severity),
			})
		case d.Severity == validate.SeverityError:
			f.TechnicalDebt = append(f.TechnicalDebt, DebtItem{
				File: path, Description: msg, Severity: SeverityHigh, EffortHours: 1,
			})
		case d.Severity == validate.SeverityWarning:
			f.MaintenanceNeeds = append(f.MaintenanceNeeds, MaintenanceNeed{
				File: path, Description: msg, Priority: task.PriorityMedium, EffortHours: 1,
			})
		}
	}
	return f
}

func diagSeverity(s validate.Severity) Severity {
	switch s {
	case validate.SeverityError:
		return SeverityHigh
	case validate.SeverityWarning:
		return SeverityMedium
	default:
		return SeverityLow
	}
}
