// Package approval decides whether a task may be dispatched.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aristath/improver/internal/task"
)

// Decision is the user's answer to an approval prompt.
type Decision int

const (
	Deny Decision = iota
	Approve
	ViewDetails
)

func (d Decision) String() string {
	switch d {
	case Approve:
		return "approve"
	case ViewDetails:
		return "view-details"
	default:
		return "deny"
	}
}

// Surface is the user-interaction surface.
type Surface interface {
	// PromptApproval asks the user about t. It should return when ctx is done.
	PromptApproval(ctx context.Context, t *task.Task) (Decision, error)
	// ShowDetails presents the full task detail.
	ShowDetails(ctx context.Context, t *task.Task) error
	// Notify shows a one-line message.
	Notify(msg string)
	// ShowProgress shows a titled list of steps.
	ShowProgress(title string, steps []string)
}

// Policy configures the gate. It is fixed for the duration of a cycle.
type Policy struct {
	AutoApprove    bool
	Timeout        time.Duration // Zero disables the timeout
	MaxDetailViews int           // Zero or less means one view
}

// Gate is the approval decision point.
type Gate struct {
	surface Surface
	policy  Policy
	logger  *slog.Logger
}

// NewGate creates a Gate. surface may be nil when every task is auto-approved;
// any prompt then resolves to deny.
func NewGate(surface Surface, policy Policy, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{surface: surface, policy: policy, logger: logger}
}

// Decide returns true when t may be dispatched and marks it approved.
// An error is returned only when ctx itself is done; surface failures,
// timeouts and exhausted detail views all resolve to deny.
func (g *Gate) Decide(ctx context.Context, t *task.Task) (bool, error) {
	if g.policy.AutoApprove || !t.RequiresApproval {
		t.Approved = true
		return true, nil
	}
	if g.surface == nil {
		g.logger.Warn("no approval surface, denying task", "task_id", t.ID)
		return false, nil
	}

	promptCtx := ctx
	if g.policy.Timeout > 0 {
		var cancel context.CancelFunc
		promptCtx, cancel = context.WithTimeout(ctx, g.policy.Timeout)
		defer cancel()
	}

	maxViews := max(g.policy.MaxDetailViews, 1)
	views := 0

	for {
		d, err := g.surface.PromptApproval(promptCtx, t)
		if err != nil {
			if ctx.Err() != nil {
				return false, fmt.Errorf("approval interrupted: %w", ctx.Err())
			}
			if errors.Is(err, context.DeadlineExceeded) {
				g.logger.Info("approval timed out, denying task", "task_id", t.ID, "timeout", g.policy.Timeout)
			} else {
				g.logger.Warn("approval prompt failed, denying task", "task_id", t.ID, "error", err)
			}
			return false, nil
		}

		switch d {
		case Approve:
			t.Approved = true
			g.logger.Info("task approved", "task_id", t.ID, "name", t.Name)
			return true, nil
		case ViewDetails:
			if views >= maxViews {
				g.logger.Info("detail view limit reached, denying task", "task_id", t.ID, "views", views)
				g.surface.Notify(fmt.Sprintf("%s: too many detail requests, task skipped", t.Name))
				return false, nil
			}
			views++
			if err := g.surface.ShowDetails(promptCtx, t); err != nil {
				g.logger.Warn("showing task details failed", "task_id", t.ID, "error", err)
			}
		default:
			g.logger.Info("task denied", "task_id", t.ID, "name", t.Name)
			return false, nil
		}
	}
}
