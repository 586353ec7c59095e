package task

import (
	"sync"
	"time"
)

// ChangeKind is the type of file mutation a Change records.
type ChangeKind string

const (
	ChangeCreate  ChangeKind = "create"
	ChangeModify  ChangeKind = "modify"
	ChangeDelete  ChangeKind = "delete"
	ChangeRename  ChangeKind = "rename"
	ChangeMakeDir ChangeKind = "mkdir"

	// ChangeRemoveDir appears only in rollback plans, as the inverse of ChangeMakeDir.
	ChangeRemoveDir ChangeKind = "rmdir"
)

// Impact classifies how disruptive a change is.
type Impact string

const (
	ImpactLow    Impact = "low"
	ImpactMedium Impact = "medium"
	ImpactHigh   Impact = "high"
)

// Change is one atomic file mutation produced by a task.
// Previous is meaningful only when HasPrevious is set; Content is empty for deletes.
type Change struct {
	Kind        ChangeKind
	Path        string
	FromPath    string // Source path for renames
	Previous    []byte
	HasPrevious bool
	Content     []byte
	Impact      Impact
	Reversible  bool
	At          time.Time
}

// NewCreate records creation of path with content.
func NewCreate(path string, content []byte, impact Impact) Change {
	return Change{
		Kind:       ChangeCreate,
		Path:       path,
		Content:    clone(content),
		Impact:     impact,
		Reversible: true,
		At:         time.Now(),
	}
}

// NewModify records a rewrite of path, retaining the previous content.
func NewModify(path string, previous, content []byte, impact Impact) Change {
	return Change{
		Kind:        ChangeModify,
		Path:        path,
		Previous:    clone(previous),
		HasPrevious: true,
		Content:     clone(content),
		Impact:      impact,
		Reversible:  true,
		At:          time.Now(),
	}
}

// NewDelete records removal of path. The change is reversible only when the
// previous content was retained.
func NewDelete(path string, previous []byte, retained bool, impact Impact) Change {
	c := Change{
		Kind:       ChangeDelete,
		Path:       path,
		Impact:     impact,
		Reversible: retained,
		At:         time.Now(),
	}
	if retained {
		c.Previous = clone(previous)
		c.HasPrevious = true
	}
	return c
}

// NewRename records a move from one path to another.
func NewRename(from, to string, impact Impact) Change {
	return Change{
		Kind:       ChangeRename,
		Path:       to,
		FromPath:   from,
		Impact:     impact,
		Reversible: from != "" && to != "",
		At:         time.Now(),
	}
}

// NewMakeDir records creation of a directory that did not exist.
func NewMakeDir(path string, impact Impact) Change {
	return Change{
		Kind:       ChangeMakeDir,
		Path:       path,
		Impact:     impact,
		Reversible: true,
		At:         time.Now(),
	}
}

func clone(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return append([]byte{}, b...)
}

// Ledger is the append-only change log of a single task.
// Executors append to it as they go so partial progress is always rollback-eligible.
type Ledger struct {
	mu      sync.Mutex
	changes []Change
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{}
}

// Append records a change at the end of the log.
func (l *Ledger) Append(c Change) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.changes = append(l.changes, c)
}

// Changes returns a copy of the log in execution order.
func (l *Ledger) Changes() []Change {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Change(nil), l.changes...)
}

// Len returns the number of recorded changes.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.changes)
}

// Step is one inverse operation in a rollback plan.
type Step struct {
	Kind     ChangeKind // Operation to perform to undo Source
	Path     string
	FromPath string
	Content  []byte
	Source   Change
	Possible bool   // False when Source retained too little information to invert
	Reason   string // Why the step is not possible
}

// RollbackPlan is the inverse change sequence needed to undo a task.
type RollbackPlan struct {
	Steps     []Step
	Automated bool // True when every step can be replayed without manual follow-up
}

// BuildRollbackPlan inverts changes in reverse order.
//   - modify inverts by restoring previous content
//   - create inverts by delete
//   - delete inverts by re-creating from retained content
//   - rename inverts by renaming back
//   - mkdir inverts by removing the directory once empty
func BuildRollbackPlan(changes []Change) *RollbackPlan {
	plan := &RollbackPlan{Automated: true}

	for i := len(changes) - 1; i >= 0; i-- {
		c := changes[i]
		step := Step{Source: c, Path: c.Path, Possible: true}

		switch c.Kind {
		case ChangeModify:
			step.Kind = ChangeModify
			step.Content = c.Previous
			if !c.HasPrevious {
				step.Possible = false
				step.Reason = "previous content not retained"
			}
		case ChangeCreate:
			step.Kind = ChangeDelete
		case ChangeDelete:
			step.Kind = ChangeCreate
			step.Content = c.Previous
			if !c.HasPrevious {
				step.Possible = false
				step.Reason = "deleted content not retained"
			}
		case ChangeRename:
			step.Kind = ChangeRename
			step.FromPath = c.Path
			step.Path = c.FromPath
			if c.FromPath == "" || c.Path == "" {
				step.Possible = false
				step.Reason = "rename source or destination unknown"
			}
		case ChangeMakeDir:
			step.Kind = ChangeRemoveDir
		default:
			step.Possible = false
			step.Reason = "unknown change kind " + string(c.Kind)
		}

		if !c.Reversible && step.Possible {
			step.Possible = false
			step.Reason = "change marked irreversible"
		}
		if !step.Possible {
			plan.Automated = false
		}
		plan.Steps = append(plan.Steps, step)
	}

	return plan
}

// PartialRollback is a rollback step that could not be replayed.
type PartialRollback struct {
	Path   string
	Reason string
}

// RollbackReport is the outcome of replaying a RollbackPlan.
type RollbackReport struct {
	Reverted []string
	Partial  []PartialRollback
}

// Complete reports whether every step was replayed.
func (r *RollbackReport) Complete() bool {
	return r == nil || len(r.Partial) == 0
}
