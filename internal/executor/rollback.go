package executor

import (
	"context"
	"log/slog"

	"github.com/aristath/improver/internal/task"
	"github.com/aristath/improver/internal/workspace"
)

// Rollbacker replays rollback plans against a file store.
type Rollbacker struct {
	store  workspace.FileStore
	logger *slog.Logger
}

// NewRollbacker creates a Rollbacker.
func NewRollbacker(store workspace.FileStore, logger *slog.Logger) *Rollbacker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Rollbacker{store: store, logger: logger}
}

// Rollback replays t.Rollback, or a plan built from t.Changes when t has none.
// Steps that cannot be inverted, or whose file operation fails, are reported
// as partial and the remaining steps still run. An empty plan is a no-op.
func (r *Rollbacker) Rollback(_ context.Context, t *task.Task) (*task.RollbackReport, error) {
	plan := t.Rollback
	if plan == nil {
		plan = task.BuildRollbackPlan(t.Changes)
	}

	report := &task.RollbackReport{}
	for _, step := range plan.Steps {
		if !step.Possible {
			report.Partial = append(report.Partial, task.PartialRollback{Path: step.Path, Reason: step.Reason})
			continue
		}

		var err error
		switch step.Kind {
		case task.ChangeModify, task.ChangeCreate:
			err = r.store.Write(step.Path, step.Content)
		case task.ChangeDelete:
			err = r.store.Delete(step.Path)
		case task.ChangeRename:
			err = r.store.Rename(step.FromPath, step.Path)
		case task.ChangeRemoveDir:
			err = r.store.RemoveDir(step.Path)
		}
		if err != nil {
			r.logger.Warn("rollback step failed", "task_id", t.ID, "file", step.Path, "error", err)
			report.Partial = append(report.Partial, task.PartialRollback{Path: step.Path, Reason: err.Error()})
			continue
		}
		report.Reverted = append(report.Reverted, step.Path)
	}

	if len(plan.Steps) > 0 {
		r.logger.Info("rollback replayed", "task_id", t.ID,
			"reverted", len(report.Reverted), "partial", len(report.Partial))
	}
	return report, nil
}
