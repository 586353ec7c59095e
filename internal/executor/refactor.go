package executor

import (
	"context"
	"fmt"

	"github.com/aristath/improver/internal/backend"
	"github.com/aristath/improver/internal/config"
	"github.com/aristath/improver/internal/task"
	"github.com/aristath/improver/internal/validate"
)

// RefactorExecutor delegates structural changes to the refactor collaborator
// and records its operations. Refactor changes are always high impact.
type RefactorExecutor struct {
	deps   Deps
	policy validate.Policy
}

// NewRefactorExecutor creates a RefactorExecutor.
func NewRefactorExecutor(d Deps) *RefactorExecutor {
	d = d.withDefaults()
	return &RefactorExecutor{deps: d, policy: validate.Policy{Level: d.Safety}}
}

// SafetyChecks returns the refactor safety checks requested at a level.
func SafetyChecks(level config.SafetyLevel) []string {
	switch level {
	case config.SafetyAggressive:
		return []string{backend.CheckSyntax}
	case config.SafetyModerate:
		return []string{backend.CheckSyntax, backend.CheckReferences}
	default:
		return []string{backend.CheckSyntax, backend.CheckReferences, backend.CheckTests, backend.CheckBehavior}
	}
}

// Execute asks for a refactor plan and applies its operations one by one.
func (e *RefactorExecutor) Execute(ctx context.Context, t *task.Task, ledger *task.Ledger) error {
	if e.deps.Refactorer == nil {
		return fmt.Errorf("no refactor collaborator configured")
	}

	contents := make(map[string]string, len(t.Files))
	for _, path := range t.Files {
		data, err := e.deps.Store.Read(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		contents[path] = string(data)
	}

	res, err := e.deps.Refactorer.Refactor(ctx, backend.RefactorRequest{
		Files:        t.Files,
		Contents:     contents,
		Type:         "reduce-technical-debt",
		Parameters:   map[string]string{"task": t.Name, "description": t.Description},
		SafetyChecks: SafetyChecks(e.deps.Safety),
	})
	if err != nil {
		return fmt.Errorf("refactor: %w", err)
	}

	var written []string
	for _, op := range res.Operations {
		if err := checkpoint(ctx); err != nil {
			return err
		}

		path, err := e.apply(ctx, op, ledger)
		if err != nil {
			return err
		}
		if path != "" {
			written = append(written, path)
		}
	}

	return revalidate(ctx, e.deps, e.policy, written)
}

// apply records and performs one operation, returning the path whose
// content was written (empty for renames).
func (e *RefactorExecutor) apply(ctx context.Context, op backend.FileOperation, ledger *task.Ledger) (string, error) {
	switch op.Type {
	case backend.OpRename:
		if op.FromPath == op.FilePath {
			return "", nil
		}
		// A rename onto an existing file replaces it; keep the replaced
		// content so rollback can re-create it.
		exists, err := e.deps.Store.Exists(op.FilePath)
		if err != nil {
			return "", fmt.Errorf("checking %s: %w", op.FilePath, err)
		}
		if exists {
			previous, err := e.deps.Store.Read(op.FilePath)
			if err != nil {
				return "", fmt.Errorf("reading %s: %w", op.FilePath, err)
			}
			ledger.Append(task.NewDelete(op.FilePath, previous, true, task.ImpactHigh))
		}
		if err := e.deps.Store.Rename(op.FromPath, op.FilePath); err != nil {
			return "", fmt.Errorf("renaming %s to %s: %w", op.FromPath, op.FilePath, err)
		}
		// Recorded after the move so a failed rename is never undone.
		ledger.Append(task.NewRename(op.FromPath, op.FilePath, task.ImpactHigh))
		return "", nil

	case backend.OpCreate, backend.OpModify:
		content := []byte(op.Content)
		if err := validateContent(ctx, e.deps.Validator, e.policy, op.FilePath, content); err != nil {
			return "", err
		}

		exists, err := e.deps.Store.Exists(op.FilePath)
		if err != nil {
			return "", fmt.Errorf("checking %s: %w", op.FilePath, err)
		}
		if exists {
			previous, err := e.deps.Store.Read(op.FilePath)
			if err != nil {
				return "", fmt.Errorf("reading %s: %w", op.FilePath, err)
			}
			ledger.Append(task.NewModify(op.FilePath, previous, content, task.ImpactHigh))
		} else {
			ledger.Append(task.NewCreate(op.FilePath, content, task.ImpactHigh))
		}

		if err := e.deps.Store.Write(op.FilePath, content); err != nil {
			return "", fmt.Errorf("writing %s: %w", op.FilePath, err)
		}
		return op.FilePath, nil
	}

	return "", fmt.Errorf("unsupported refactor operation %q", op.Type)
}
