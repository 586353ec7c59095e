package task

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidTransition is returned when a status change does not follow the lifecycle edges.
var ErrInvalidTransition = errors.New("invalid task status transition")

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status is absorbing.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// transitions lists the allowed lifecycle edges.
var transitions = map[Status][]Status{
	StatusPending:    {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusFailed, StatusCancelled},
}

// CanTransition reports whether from -> to is a lifecycle edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Priority determines task ordering.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank returns the sort weight of the priority (critical=4 ... low=1, unknown=0).
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// Category selects the executor strategy for a task.
type Category string

const (
	CategoryOptimization  Category = "optimization"
	CategoryRefactoring   Category = "refactoring"
	CategoryDocumentation Category = "documentation"
	CategoryTesting       Category = "testing"
	CategorySecurity      Category = "security"
	CategoryMaintenance   Category = "maintenance"
)

// Categories returns every known category.
func Categories() []Category {
	return []Category{
		CategoryOptimization, CategoryRefactoring, CategoryDocumentation,
		CategoryTesting, CategorySecurity, CategoryMaintenance,
	}
}

// Task is one proposed autonomous change.
type Task struct {
	ID          string
	Name        string
	Description string
	Priority    Priority
	Category    Category
	Status      Status

	Files     []string // Target file paths, in order
	DependsOn []string // Informational only; not enforced by dispatch

	RequiresApproval bool
	Approved         bool

	EstimatedMinutes int
	Elapsed          time.Duration
	CreatedAt        time.Time
	StartedAt        time.Time
	FinishedAt       time.Time

	Changes  []Change
	Rollback *RollbackPlan
	Error    error

	// Fingerprint identifies equivalent proposals across analysis cycles.
	Fingerprint string
}

// New creates a pending, unapproved task with a fresh ID.
func New(name, description string, category Category, priority Priority, files []string) *Task {
	t := &Task{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		Category:    category,
		Priority:    priority,
		Status:      StatusPending,
		Files:       append([]string(nil), files...),
		CreatedAt:   time.Now(),
	}
	t.Fingerprint = Fingerprint(category, files, description)
	return t
}

// Transition moves the task to the given status, recording timing on the way.
func (t *Task) Transition(to Status) error {
	if !CanTransition(t.Status, to) {
		return fmt.Errorf("%w: %s -> %s (task %s)", ErrInvalidTransition, t.Status, to, t.ID)
	}

	now := time.Now()
	switch {
	case to == StatusInProgress:
		t.StartedAt = now
	case to.Terminal():
		t.FinishedAt = now
		if !t.StartedAt.IsZero() {
			t.Elapsed = now.Sub(t.StartedAt)
		}
	}
	t.Status = to
	return nil
}

// Clone returns a copy that shares no slices with t.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}

	cp := *t
	cp.Files = append([]string(nil), t.Files...)
	cp.DependsOn = append([]string(nil), t.DependsOn...)
	cp.Changes = append([]Change(nil), t.Changes...)
	if t.Rollback != nil {
		plan := *t.Rollback
		plan.Steps = append([]Step(nil), t.Rollback.Steps...)
		cp.Rollback = &plan
	}
	return &cp
}

// Detail renders a multi-line human-readable description of the task.
func (t *Task) Detail() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", t.Name)
	fmt.Fprintf(&b, "ID:        %s\n", t.ID)
	fmt.Fprintf(&b, "Category:  %s\n", t.Category)
	fmt.Fprintf(&b, "Priority:  %s\n", t.Priority)
	fmt.Fprintf(&b, "Estimate:  %d min\n", t.EstimatedMinutes)
	if len(t.Files) > 0 {
		fmt.Fprintf(&b, "Files:     %s\n", strings.Join(t.Files, ", "))
	}
	if len(t.DependsOn) > 0 {
		fmt.Fprintf(&b, "Depends:   %s\n", strings.Join(t.DependsOn, ", "))
	}
	if t.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", t.Description)
	}
	return b.String()
}

// Fingerprint derives a stable identity for a proposal from its category, files and description.
func Fingerprint(category Category, files []string, description string) string {
	sorted := append([]string(nil), files...)
	sort.Strings(sorted)

	h := sha256.New()
	h.Write([]byte(category))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(sorted, "\x00")))
	h.Write([]byte{0})
	h.Write([]byte(strings.ToLower(strings.Join(strings.Fields(description), " "))))
	return hex.EncodeToString(h.Sum(nil))[:16]
}
