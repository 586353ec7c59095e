package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic constants
const (
	TopicTask  = "task"
	TopicCycle = "cycle"
)

// Event type constants
const (
	EventTypeTaskQueued     = "task.queued"
	EventTypeTaskStarted    = "task.started"
	EventTypeTaskCompleted  = "task.completed"
	EventTypeTaskFailed     = "task.failed"
	EventTypeTaskCancelled  = "task.cancelled"
	EventTypeTaskRolledBack = "task.rolled_back"
	EventTypeCycleProgress  = "cycle.progress"
	EventTypeAnalysisDone   = "analysis.completed"
)

// TaskQueuedEvent is published when a task enters the pending queue.
type TaskQueuedEvent struct {
	ID        string
	Name      string
	Category  string
	Priority  string
	Timestamp time.Time
}

func (e TaskQueuedEvent) EventType() string { return EventTypeTaskQueued }
func (e TaskQueuedEvent) TaskID() string    { return e.ID }

// TaskStartedEvent is published when a task is dispatched.
type TaskStartedEvent struct {
	ID        string
	Name      string
	Category  string
	Timestamp time.Time
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) TaskID() string    { return e.ID }

// TaskCompletedEvent is published when a task completes successfully.
type TaskCompletedEvent struct {
	ID        string
	Changes   int
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) TaskID() string    { return e.ID }

// TaskFailedEvent is published when a task fails.
type TaskFailedEvent struct {
	ID        string
	Err       error
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) TaskID() string    { return e.ID }

// TaskCancelledEvent is published when a queued or running task is cancelled or denied.
type TaskCancelledEvent struct {
	ID        string
	WasQueued bool
	Timestamp time.Time
}

func (e TaskCancelledEvent) EventType() string { return EventTypeTaskCancelled }
func (e TaskCancelledEvent) TaskID() string    { return e.ID }

// TaskRolledBackEvent is published after a rollback replay.
// Partial lists paths that need manual follow-up.
type TaskRolledBackEvent struct {
	ID        string
	Reverted  []string
	Partial   []string
	Timestamp time.Time
}

func (e TaskRolledBackEvent) EventType() string { return EventTypeTaskRolledBack }
func (e TaskRolledBackEvent) TaskID() string    { return e.ID }

// CycleProgressEvent is published whenever queue or in-flight counts change.
type CycleProgressEvent struct {
	Queued    int
	Running   int
	Completed int
	Failed    int
	Cancelled int
	Timestamp time.Time
}

func (e CycleProgressEvent) EventType() string { return EventTypeCycleProgress }
func (e CycleProgressEvent) TaskID() string    { return "" }

// AnalysisCompletedEvent is published when a cycle's analysis pass finishes.
type AnalysisCompletedEvent struct {
	FilesAnalyzed int
	FilesSkipped  int
	QualityScore  int
	TasksProposed int
	Timestamp     time.Time
}

func (e AnalysisCompletedEvent) EventType() string { return EventTypeAnalysisDone }
func (e AnalysisCompletedEvent) TaskID() string    { return "" }
