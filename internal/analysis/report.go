// Package analysis turns a set of source files into one codebase-wide report.
package analysis

import (
	"time"

	"github.com/aristath/improver/internal/task"
)

// Severity ranks a finding.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// DebtItem is a technical-debt finding.
type DebtItem struct {
	File           string   `json:"file"`
	Description    string   `json:"description"`
	Severity       Severity `json:"severity"`
	BusinessImpact float64  `json:"business_impact"` // 0-10
	EffortHours    float64  `json:"effort_hours"`
}

// Optimization is an optimization opportunity.
type Optimization struct {
	File        string  `json:"file"`
	Description string  `json:"description"`
	EffortHours float64 `json:"effort_hours"`
	Gain        string  `json:"gain,omitempty"`
}

// SecurityIssue is a security finding.
type SecurityIssue struct {
	File        string   `json:"file"`
	Description string   `json:"description"`
	Severity    Severity `json:"severity"`
	Fix         string   `json:"fix,omitempty"`
}

// PerformanceIssue is a performance finding.
type PerformanceIssue struct {
	File        string   `json:"file"`
	Description string   `json:"description"`
	Severity    Severity `json:"severity"`
}

// MaintenanceNeed is routine upkeep. Kind narrows the work to
// "documentation" or "testing"; empty means general maintenance.
type MaintenanceNeed struct {
	File        string        `json:"file"`
	Description string        `json:"description"`
	Priority    task.Priority `json:"priority"`
	EffortHours float64       `json:"effort_hours"`
	Kind        string        `json:"kind,omitempty"`
}

// Findings groups everything known about one or more files.
type Findings struct {
	TechnicalDebt     []DebtItem         `json:"technical_debt"`
	Optimizations     []Optimization     `json:"optimizations"`
	SecurityIssues    []SecurityIssue    `json:"security_issues"`
	PerformanceIssues []PerformanceIssue `json:"performance_issues"`
	MaintenanceNeeds  []MaintenanceNeed  `json:"maintenance_needs"`
}

// merge appends o to f.
func (f *Findings) merge(o Findings) {
	f.TechnicalDebt = append(f.TechnicalDebt, o.TechnicalDebt...)
	f.Optimizations = append(f.Optimizations, o.Optimizations...)
	f.SecurityIssues = append(f.SecurityIssues, o.SecurityIssues...)
	f.PerformanceIssues = append(f.PerformanceIssues, o.PerformanceIssues...)
	f.MaintenanceNeeds = append(f.MaintenanceNeeds, o.MaintenanceNeeds...)
}

// withFile stamps every finding with path unless it already names a file.
func (f Findings) withFile(path string) Findings {
	for i := range f.TechnicalDebt {
		if f.TechnicalDebt[i].File == "" {
			f.TechnicalDebt[i].File = path
		}
	}
	for i := range f.Optimizations {
		if f.Optimizations[i].File == "" {
			f.Optimizations[i].File = path
		}
	}
	for i := range f.SecurityIssues {
		if f.SecurityIssues[i].File == "" {
			f.SecurityIssues[i].File = path
		}
	}
	for i := range f.PerformanceIssues {
		if f.PerformanceIssues[i].File == "" {
			f.PerformanceIssues[i].File = path
		}
	}
	for i := range f.MaintenanceNeeds {
		if f.MaintenanceNeeds[i].File == "" {
			f.MaintenanceNeeds[i].File = path
		}
	}
	return f
}

// SkippedFile records a file whose analysis failed.
type SkippedFile struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// Report is the result of one analysis pass. It is rebuilt wholesale every cycle.
type Report struct {
	Findings
	QualityScore  int           `json:"quality_score"`
	FilesAnalyzed int           `json:"files_analyzed"`
	Skipped       []SkippedFile `json:"skipped,omitempty"`
	GeneratedAt   time.Time     `json:"generated_at"`
}

// Score computes the quality score in [0,100] for a set of findings.
func Score(f Findings) int {
	score := 100 -
		5*len(f.TechnicalDebt) -
		10*len(f.SecurityIssues) -
		8*len(f.PerformanceIssues) -
		3*len(f.MaintenanceNeeds)

	switch {
	case score < 0:
		return 0
	case score > 100:
		return 100
	}
	return score
}
