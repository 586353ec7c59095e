// Package synthesis converts an analysis report into a prioritized task list.
package synthesis

import (
	"fmt"
	"math"
	"path"
	"sort"

	"github.com/aristath/improver/internal/analysis"
	"github.com/aristath/improver/internal/task"
)

// Synthesize selects the findings worth acting on and returns them as
// pending, unapproved tasks sorted by descending priority. Ties keep
// synthesis order: debt, optimizations, security, maintenance.
//
// Performance issues affect the quality score only.
func Synthesize(r *analysis.Report) []*task.Task {
	if r == nil {
		return nil
	}

	var tasks []*task.Task

	for _, d := range r.TechnicalDebt {
		if d.Severity != analysis.SeverityHigh && d.BusinessImpact <= 7 {
			continue
		}
		t := task.New(
			"Reduce technical debt in "+path.Base(d.File),
			d.Description,
			task.CategoryRefactoring,
			severityPriority(d.Severity),
			files(d.File),
		)
		t.RequiresApproval = d.Severity == analysis.SeverityHigh
		t.EstimatedMinutes = minutes(d.EffortHours)
		tasks = append(tasks, t)
	}

	for _, o := range r.Optimizations {
		if o.EffortHours > 2 {
			continue
		}
		t := task.New(
			"Optimize "+path.Base(o.File),
			o.Description,
			task.CategoryOptimization,
			task.PriorityMedium,
			files(o.File),
		)
		t.RequiresApproval = o.EffortHours > 1
		t.EstimatedMinutes = minutes(o.EffortHours)
		tasks = append(tasks, t)
	}

	for _, s := range r.SecurityIssues {
		if s.Severity != analysis.SeverityHigh && s.Severity != analysis.SeverityCritical {
			continue
		}
		desc := s.Description
		if s.Fix != "" {
			desc = fmt.Sprintf("%s\nSuggested fix: %s", desc, s.Fix)
		}
		t := task.New(
			"Fix security issue in "+path.Base(s.File),
			desc,
			task.CategorySecurity,
			severityPriority(s.Severity),
			files(s.File),
		)
		t.RequiresApproval = true
		tasks = append(tasks, t)
	}

	for _, m := range r.MaintenanceNeeds {
		if m.Priority != task.PriorityHigh || m.EffortHours > 1 {
			continue
		}
		category := maintenanceCategory(m.Kind)
		t := task.New(
			maintenanceName(category, m.File),
			m.Description,
			category,
			task.PriorityHigh,
			files(m.File),
		)
		t.RequiresApproval = false
		t.EstimatedMinutes = minutes(m.EffortHours)
		tasks = append(tasks, t)
	}

	tasks = Dedupe(tasks, nil)

	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].Priority.Rank() > tasks[j].Priority.Rank()
	})

	linkSharedFiles(tasks)
	return tasks
}

// Dedupe drops tasks whose fingerprint was already seen, either earlier in
// tasks or in known. The first occurrence wins.
func Dedupe(tasks []*task.Task, known map[string]bool) []*task.Task {
	seen := make(map[string]bool, len(tasks)+len(known))
	for fp := range known {
		seen[fp] = true
	}

	out := tasks[:0:0]
	for _, t := range tasks {
		if seen[t.Fingerprint] {
			continue
		}
		seen[t.Fingerprint] = true
		out = append(out, t)
	}
	return out
}

// linkSharedFiles records, for each task, the earlier tasks touching any of
// the same files. The links are informational; dispatch does not wait on them.
func linkSharedFiles(tasks []*task.Task) {
	owners := make(map[string][]string)
	for _, t := range tasks {
		seen := make(map[string]bool)
		for _, f := range t.Files {
			for _, id := range owners[f] {
				if !seen[id] {
					seen[id] = true
					t.DependsOn = append(t.DependsOn, id)
				}
			}
		}
		for _, f := range t.Files {
			owners[f] = append(owners[f], t.ID)
		}
	}
}

func severityPriority(s analysis.Severity) task.Priority {
	switch s {
	case analysis.SeverityCritical:
		return task.PriorityCritical
	case analysis.SeverityHigh:
		return task.PriorityHigh
	case analysis.SeverityMedium:
		return task.PriorityMedium
	default:
		return task.PriorityLow
	}
}

func maintenanceCategory(kind string) task.Category {
	switch kind {
	case "documentation":
		return task.CategoryDocumentation
	case "testing":
		return task.CategoryTesting
	default:
		return task.CategoryMaintenance
	}
}

func maintenanceName(c task.Category, file string) string {
	switch c {
	case task.CategoryDocumentation:
		return "Document " + path.Base(file)
	case task.CategoryTesting:
		return "Add tests for " + path.Base(file)
	default:
		return "Maintain " + path.Base(file)
	}
}

func files(f string) []string {
	if f == "" {
		return nil
	}
	return []string{f}
}

func minutes(hours float64) int {
	return int(math.Round(hours * 60))
}
