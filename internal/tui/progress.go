package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/aristath/improver/internal/events"
	"github.com/aristath/improver/internal/task"
)

// RenderProgress draws cycle counts and a bar of at most width cells.
func RenderProgress(p events.CycleProgressEvent, width int) string {
	finished := p.Completed + p.Failed + p.Cancelled
	total := finished + p.Running + p.Queued

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s %s %s",
		StyleStatusComplete.Render(fmt.Sprintf("%d done", p.Completed)),
		StyleStatusFailed.Render(fmt.Sprintf("%d failed", p.Failed)),
		StyleStatusPending.Render(fmt.Sprintf("%d cancelled", p.Cancelled)),
		StyleStatusRunning.Render(fmt.Sprintf("%d running", p.Running)),
		StyleStatusPending.Render(fmt.Sprintf("%d queued", p.Queued)),
	)

	if total > 0 {
		barWidth := max(min(width-12, 40), 10)
		completedWidth := (p.Completed * barWidth) / total
		failedWidth := ((p.Failed + p.Cancelled) * barWidth) / total
		runningWidth := (p.Running * barWidth) / total
		pendingWidth := barWidth - completedWidth - failedWidth - runningWidth

		bar := StyleStatusComplete.Render(strings.Repeat("=", completedWidth))
		bar += StyleStatusFailed.Render(strings.Repeat("!", failedWidth))
		bar += StyleStatusRunning.Render(strings.Repeat("-", runningWidth))
		bar += StyleStatusPending.Render(strings.Repeat(".", max(0, pendingWidth)))

		fmt.Fprintf(&b, "  [%s] %d/%d", bar, finished, total)
	}
	return b.String()
}

// FormatEvent renders one lifecycle event as a single line.
// It returns false for events that are not shown.
func FormatEvent(ev events.Event) (string, bool) {
	id := shortID(ev.TaskID())

	switch e := ev.(type) {
	case events.TaskQueuedEvent:
		return fmt.Sprintf("%s %s %s (%s, %s)",
			StyleStatusPending.Render("queued"), id, e.Name, e.Category,
			priorityStyle(task.Priority(e.Priority)).Render(e.Priority)), true
	case events.TaskStartedEvent:
		return fmt.Sprintf("%s %s %s", statusStyle(task.StatusInProgress).Render("started"), id, e.Name), true
	case events.TaskCompletedEvent:
		return fmt.Sprintf("%s %s %d change(s) in %s",
			statusStyle(task.StatusCompleted).Render("completed"), id, e.Changes, e.Duration.Round(time.Millisecond)), true
	case events.TaskFailedEvent:
		return fmt.Sprintf("%s %s %v", statusStyle(task.StatusFailed).Render("failed"), id, e.Err), true
	case events.TaskCancelledEvent:
		where := "while running"
		if e.WasQueued {
			where = "before start"
		}
		return fmt.Sprintf("%s %s %s", statusStyle(task.StatusCancelled).Render("cancelled"), id, where), true
	case events.TaskRolledBackEvent:
		line := fmt.Sprintf("%s %s reverted %d file(s)", StyleNotice.Render("rolled back"), id, len(e.Reverted))
		if len(e.Partial) > 0 {
			line += StyleStatusFailed.Render(fmt.Sprintf("; manual follow-up needed for %s", strings.Join(e.Partial, ", ")))
		}
		return line, true
	case events.AnalysisCompletedEvent:
		return fmt.Sprintf("%s %d file(s), %d skipped, quality score %d, %d new task(s)",
			StyleTitle.Render("analysis"), e.FilesAnalyzed, e.FilesSkipped, e.QualityScore, e.TasksProposed), true
	}
	return "", false
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
