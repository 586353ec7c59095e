// Package scheduler owns the pending queue and the in-flight set and drives
// every task through its execution state machine.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aristath/improver/internal/events"
	"github.com/aristath/improver/internal/task"
)

var (
	// ErrTaskNotFound is returned by Cancel for IDs that are neither queued nor running.
	ErrTaskNotFound = errors.New("task not found")
	// ErrDrainInProgress is returned when Drain is called while another Drain is running.
	ErrDrainInProgress = errors.New("drain already in progress")
)

// Runner executes one task, appending every file mutation to ledger as it goes.
// Runner must treat t as read-only.
type Runner interface {
	Execute(ctx context.Context, t *task.Task, ledger *task.Ledger) error
}

// Reverter replays a task's rollback plan.
type Reverter interface {
	Rollback(ctx context.Context, t *task.Task) (*task.RollbackReport, error)
}

// Approver resolves whether a queued task may be dispatched.
type Approver interface {
	Decide(ctx context.Context, t *task.Task) (bool, error)
}

// ApproverFunc adapts a function to Approver.
type ApproverFunc func(ctx context.Context, t *task.Task) (bool, error)

func (f ApproverFunc) Decide(ctx context.Context, t *task.Task) (bool, error) { return f(ctx, t) }

// Recorder persists tasks when they are queued and when they reach a terminal state.
type Recorder interface {
	SaveTask(ctx context.Context, t *task.Task) error
}

// Notifier surfaces human-readable messages.
type Notifier interface {
	Notify(msg string)
}

// run is the scheduler's bookkeeping for an in-flight task.
type run struct {
	task      *task.Task
	ledger    *task.Ledger
	paths     []string // Locked for the lifetime of the run
	cancel    context.CancelFunc
	cancelled bool
}

// Snapshot is a point-in-time view of the scheduler.
type Snapshot struct {
	Draining  bool
	Active    int
	Queued    int
	Completed int
	Failed    int
	Cancelled int
}

// Scheduler dispatches queued tasks with bounded concurrency.
// All exported methods are safe for concurrent use.
type Scheduler struct {
	mu            sync.Mutex
	queue         []*task.Task
	inflight      map[string]*run
	draining      bool
	maxConcurrent int
	timeout       func(task.Category) time.Duration
	lockPaths     func(*task.Task) []string
	totals        map[task.Status]int

	wake chan struct{}
	wg   sync.WaitGroup

	runner   Runner
	reverter Reverter
	locks    *ResourceLockManager
	bus      *events.EventBus
	recorder Recorder
	notifier Notifier
	metrics  *schedulerMetrics
	logger   *slog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithMaxConcurrent sets the concurrency bound (minimum 1).
func WithMaxConcurrent(n int) Option {
	return func(s *Scheduler) { s.maxConcurrent = max(n, 1) }
}

// WithTimeouts sets the per-category execution timeout. A zero duration disables it.
func WithTimeouts(fn func(task.Category) time.Duration) Option {
	return func(s *Scheduler) { s.timeout = fn }
}

// WithLockPaths sets the paths locked while a task runs. fn receives the task
// and returns every path it may write; the default is the task's files.
func WithLockPaths(fn func(*task.Task) []string) Option {
	return func(s *Scheduler) { s.lockPaths = fn }
}

// WithEventBus publishes lifecycle events to bus.
func WithEventBus(bus *events.EventBus) Option {
	return func(s *Scheduler) { s.bus = bus }
}

// WithRecorder persists tasks through r.
func WithRecorder(r Recorder) Option {
	return func(s *Scheduler) { s.recorder = r }
}

// WithNotifier reports failures and partial rollbacks through n.
func WithNotifier(n Notifier) Option {
	return func(s *Scheduler) { s.notifier = n }
}

// WithMetrics registers scheduler metrics on registry.
func WithMetrics(registry *prometheus.Registry) Option {
	return func(s *Scheduler) { s.metrics = newSchedulerMetrics(registry) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a Scheduler that executes tasks with runner and undoes them with reverter.
func New(runner Runner, reverter Reverter, opts ...Option) *Scheduler {
	s := &Scheduler{
		inflight:      make(map[string]*run),
		maxConcurrent: 1,
		totals:        make(map[task.Status]int),
		wake:          make(chan struct{}, 1),
		runner:        runner,
		reverter:      reverter,
		locks:         NewResourceLockManager(),
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetMaxConcurrent changes the concurrency bound. Running tasks are not affected.
func (s *Scheduler) SetMaxConcurrent(n int) {
	s.mu.Lock()
	s.maxConcurrent = max(n, 1)
	s.mu.Unlock()
	s.signal()
}

// Enqueue appends pending tasks to the tail of the queue in the given order.
// Tasks that are not pending, or whose ID is already queued or running, are skipped.
// It returns the number of tasks accepted.
func (s *Scheduler) Enqueue(ctx context.Context, tasks ...*task.Task) int {
	var accepted []*task.Task

	s.mu.Lock()
	for _, t := range tasks {
		if t.Status != task.StatusPending || s.knownLocked(t.ID) {
			s.logger.Debug("skipping enqueue", "task_id", t.ID, "status", t.Status)
			continue
		}
		s.queue = append(s.queue, t)
		accepted = append(accepted, t)
	}
	all := s.allLocked()
	s.updateGaugesLocked()
	s.mu.Unlock()

	if _, err := CheckDependencies(all); err != nil {
		s.logger.Warn("queued task dependencies are inconsistent", "error", err)
	}

	for _, t := range accepted {
		s.logger.Info("task queued", "task_id", t.ID, "name", t.Name, "priority", t.Priority, "category", t.Category)
		s.publish(events.TopicTask, events.TaskQueuedEvent{
			ID:        t.ID,
			Name:      t.Name,
			Category:  string(t.Category),
			Priority:  string(t.Priority),
			Timestamp: time.Now(),
		})
		s.record(ctx, t)
	}
	if len(accepted) > 0 {
		s.progress()
		s.signal()
	}
	return len(accepted)
}

// Drain dispatches queued tasks until both the queue and the in-flight set are empty.
// The head of the queue is resolved through approver once a slot is free; denied
// tasks are cancelled and dropped. A head whose files are held by a running task
// waits for a completion without being overtaken.
//
// When ctx is cancelled, running tasks are cancelled and rolled back, tasks still
// queued stay queued, and Drain returns ctx.Err() after the running tasks finish.
func (s *Scheduler) Drain(ctx context.Context, approver Approver) error {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return ErrDrainInProgress
	}
	s.draining = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.draining = false
		s.mu.Unlock()
	}()

	if approver == nil {
		approver = ApproverFunc(func(_ context.Context, t *task.Task) (bool, error) {
			return !t.RequiresApproval, nil
		})
	}

	for {
		if err := ctx.Err(); err != nil {
			return s.abort(err)
		}

		s.mu.Lock()
		if len(s.queue) == 0 && len(s.inflight) == 0 {
			s.mu.Unlock()
			s.wg.Wait()
			return nil
		}
		if len(s.queue) == 0 || len(s.inflight) >= s.maxConcurrent {
			s.mu.Unlock()
			if err := s.waitForWake(ctx); err != nil {
				return s.abort(err)
			}
			continue
		}

		head := s.queue[0]
		if !head.Approved {
			candidate := head.Clone()
			s.mu.Unlock()

			ok, err := approver.Decide(ctx, candidate)
			if err != nil {
				return s.abort(err)
			}
			s.resolveApproval(ctx, head.ID, ok)
			continue
		}

		paths := s.pathsFor(head)
		if !s.locks.TryLockAll(head.ID, paths) {
			s.logger.Debug("head task waiting for file locks", "task_id", head.ID, "files", paths)
			s.mu.Unlock()
			if err := s.waitForWake(ctx); err != nil {
				return s.abort(err)
			}
			continue
		}

		s.queue = s.queue[1:]
		s.startLocked(ctx, head, paths)
		s.mu.Unlock()
	}
}

// pathsFor returns the lock set for t.
func (s *Scheduler) pathsFor(t *task.Task) []string {
	if s.lockPaths == nil {
		return t.Files
	}
	return s.lockPaths(t)
}

// resolveApproval applies an approval decision to the task with the given ID,
// if it is still queued.
func (s *Scheduler) resolveApproval(ctx context.Context, id string, approved bool) {
	s.mu.Lock()
	idx := s.indexLocked(id)
	if idx < 0 {
		// Cancelled while the decision was pending.
		s.mu.Unlock()
		return
	}
	t := s.queue[idx]
	if approved {
		t.Approved = true
		s.mu.Unlock()
		return
	}

	s.queue = slices.Delete(s.queue, idx, idx+1)
	_ = t.Transition(task.StatusCancelled)
	s.totals[task.StatusCancelled]++
	s.metrics.taskFinished(t.Category, task.StatusCancelled)
	s.updateGaugesLocked()
	s.mu.Unlock()

	s.logger.Info("task denied, dropped from queue", "task_id", id)
	s.publish(events.TopicTask, events.TaskCancelledEvent{ID: id, WasQueued: true, Timestamp: time.Now()})
	s.record(ctx, t)
	s.progress()
}

// startLocked moves t into the in-flight set and launches its runner.
func (s *Scheduler) startLocked(parent context.Context, t *task.Task, paths []string) {
	ctx, cancel := context.WithCancel(parent)
	if s.timeout != nil {
		if d := s.timeout(t.Category); d > 0 {
			var cancelTimeout context.CancelFunc
			ctx, cancelTimeout = context.WithTimeout(ctx, d)
			inner := cancel
			cancel = func() {
				cancelTimeout()
				inner()
			}
		}
	}

	if err := t.Transition(task.StatusInProgress); err != nil {
		// Unreachable for queued tasks; drop rather than wedge the queue.
		cancel()
		s.locks.UnlockAll(t.ID, paths)
		s.logger.Error("cannot start task", "task_id", t.ID, "error", err)
		return
	}

	r := &run{task: t, ledger: task.NewLedger(), paths: paths, cancel: cancel}
	s.inflight[t.ID] = r
	s.updateGaugesLocked()

	s.logger.Info("task started", "task_id", t.ID, "name", t.Name, "category", t.Category)
	s.publish(events.TopicTask, events.TaskStartedEvent{
		ID:        t.ID,
		Name:      t.Name,
		Category:  string(t.Category),
		Timestamp: t.StartedAt,
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		err := s.runner.Execute(ctx, t, r.ledger)
		s.finish(ctx, r, err)
	}()
}

// finish settles a run: rollback on failure or cancellation, then the
// terminal transition and bookkeeping.
func (s *Scheduler) finish(ctx context.Context, r *run, execErr error) {
	t := r.task
	changes := r.ledger.Changes()

	s.mu.Lock()
	cancelled := r.cancelled || errors.Is(ctx.Err(), context.Canceled)
	t.Changes = changes
	s.mu.Unlock()

	status := task.StatusCompleted
	switch {
	case cancelled:
		status = task.StatusCancelled
	case execErr != nil:
		status = task.StatusFailed
	}
	if status == task.StatusFailed && execErr == nil {
		execErr = ctx.Err()
	}

	if status != task.StatusCompleted && len(changes) > 0 {
		s.rollback(context.WithoutCancel(ctx), t)
	}

	s.mu.Lock()
	if status == task.StatusFailed {
		t.Error = execErr
	}
	if err := t.Transition(status); err != nil {
		s.logger.Error("terminal transition rejected", "task_id", t.ID, "error", err)
	}
	delete(s.inflight, t.ID)
	s.locks.UnlockAll(t.ID, r.paths)
	s.totals[status]++
	s.metrics.taskFinished(t.Category, status)
	s.updateGaugesLocked()
	s.mu.Unlock()

	switch status {
	case task.StatusCompleted:
		s.logger.Info("task completed", "task_id", t.ID, "changes", len(changes), "elapsed", t.Elapsed)
		s.publish(events.TopicTask, events.TaskCompletedEvent{
			ID: t.ID, Changes: len(changes), Duration: t.Elapsed, Timestamp: t.FinishedAt,
		})
	case task.StatusFailed:
		s.logger.Error("task failed", "task_id", t.ID, "category", t.Category, "error", execErr)
		s.publish(events.TopicTask, events.TaskFailedEvent{
			ID: t.ID, Err: execErr, Duration: t.Elapsed, Timestamp: t.FinishedAt,
		})
		s.notify(fmt.Sprintf("Task %q failed: %v", t.Name, execErr))
	case task.StatusCancelled:
		s.logger.Info("task cancelled", "task_id", t.ID, "changes_reverted", len(changes))
		s.publish(events.TopicTask, events.TaskCancelledEvent{ID: t.ID, Timestamp: t.FinishedAt})
	}

	s.record(context.WithoutCancel(ctx), t)
	s.progress()
	s.signal()
}

// rollback replays t's plan and reports partial outcomes.
func (s *Scheduler) rollback(ctx context.Context, t *task.Task) {
	s.mu.Lock()
	t.Rollback = task.BuildRollbackPlan(t.Changes)
	s.mu.Unlock()

	report, err := s.reverter.Rollback(ctx, t)
	if err != nil {
		s.metrics.rollback("error")
		s.logger.Error("rollback failed", "task_id", t.ID, "error", err)
		s.notify(fmt.Sprintf("Rollback of %q failed: %v; manual follow-up required", t.Name, err))
		return
	}

	ev := events.TaskRolledBackEvent{ID: t.ID, Timestamp: time.Now()}
	if report != nil {
		ev.Reverted = report.Reverted
		for _, p := range report.Partial {
			ev.Partial = append(ev.Partial, p.Path)
		}
	}
	s.publish(events.TopicTask, ev)

	if !report.Complete() {
		s.metrics.rollback("partial")
		s.logger.Warn("partial rollback", "task_id", t.ID, "partial", report.Partial)
		for _, p := range report.Partial {
			s.notify(fmt.Sprintf("Rollback of %q could not restore %s: %s", t.Name, p.Path, p.Reason))
		}
		return
	}

	s.metrics.rollback("complete")
	s.logger.Debug("rollback complete", "task_id", t.ID, "reverted", len(ev.Reverted))
}

// Cancel cancels a queued or running task. A queued task is removed with no
// rollback; a running task has its context cancelled and is rolled back once
// its runner returns. Cancelling a task that is already being cancelled is a no-op.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()

	if idx := s.indexLocked(id); idx >= 0 {
		t := s.queue[idx]
		s.queue = slices.Delete(s.queue, idx, idx+1)
		_ = t.Transition(task.StatusCancelled)
		s.totals[task.StatusCancelled]++
		s.metrics.taskFinished(t.Category, task.StatusCancelled)
		s.updateGaugesLocked()
		s.mu.Unlock()

		s.logger.Info("queued task cancelled", "task_id", id)
		s.publish(events.TopicTask, events.TaskCancelledEvent{ID: id, WasQueued: true, Timestamp: time.Now()})
		s.record(ctx, t)
		s.progress()
		s.signal()
		return nil
	}

	if r, ok := s.inflight[id]; ok {
		if !r.cancelled {
			r.cancelled = true
			r.cancel()
		}
		s.mu.Unlock()
		s.logger.Info("running task cancellation requested", "task_id", id)
		return nil
	}

	s.mu.Unlock()
	return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
}

// Active returns copies of the running tasks, oldest first.
func (s *Scheduler) Active() []*task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*task.Task, 0, len(s.inflight))
	for _, r := range s.inflight {
		out = append(out, r.task.Clone())
	}
	slices.SortFunc(out, func(a, b *task.Task) int {
		return a.StartedAt.Compare(b.StartedAt)
	})
	return out
}

// Queued returns copies of the queued tasks in dispatch order.
func (s *Scheduler) Queued() []*task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*task.Task, 0, len(s.queue))
	for _, t := range s.queue {
		out = append(out, t.Clone())
	}
	return out
}

// Fingerprints returns the fingerprints of every queued and running task.
func (s *Scheduler) Fingerprints() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	fps := make(map[string]bool, len(s.queue)+len(s.inflight))
	for _, t := range s.allLocked() {
		fps[t.Fingerprint] = true
	}
	return fps
}

// Status returns a point-in-time snapshot.
func (s *Scheduler) Status() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Wait blocks until every launched runner has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) snapshotLocked() Snapshot {
	return Snapshot{
		Draining:  s.draining,
		Active:    len(s.inflight),
		Queued:    len(s.queue),
		Completed: s.totals[task.StatusCompleted],
		Failed:    s.totals[task.StatusFailed],
		Cancelled: s.totals[task.StatusCancelled],
	}
}

// abort cancels every running task and waits for them to settle.
func (s *Scheduler) abort(cause error) error {
	s.mu.Lock()
	for _, r := range s.inflight {
		if !r.cancelled {
			r.cancelled = true
			r.cancel()
		}
	}
	s.mu.Unlock()

	s.wg.Wait()
	return cause
}

func (s *Scheduler) waitForWake(ctx context.Context) error {
	select {
	case <-s.wake:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// signal wakes the drain loop without blocking.
func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) indexLocked(id string) int {
	return slices.IndexFunc(s.queue, func(t *task.Task) bool { return t.ID == id })
}

func (s *Scheduler) knownLocked(id string) bool {
	_, running := s.inflight[id]
	return running || s.indexLocked(id) >= 0
}

func (s *Scheduler) allLocked() []*task.Task {
	all := append([]*task.Task(nil), s.queue...)
	for _, r := range s.inflight {
		all = append(all, r.task)
	}
	return all
}

func (s *Scheduler) updateGaugesLocked() {
	s.metrics.setCounts(len(s.queue), len(s.inflight))
}

func (s *Scheduler) progress() {
	snap := s.Status()
	s.publish(events.TopicCycle, events.CycleProgressEvent{
		Queued:    snap.Queued,
		Running:   snap.Active,
		Completed: snap.Completed,
		Failed:    snap.Failed,
		Cancelled: snap.Cancelled,
		Timestamp: time.Now(),
	})
}

func (s *Scheduler) publish(topic string, ev events.Event) {
	s.bus.Publish(topic, ev)
}

func (s *Scheduler) record(ctx context.Context, t *task.Task) {
	if s.recorder == nil {
		return
	}
	s.mu.Lock()
	snapshot := t.Clone()
	s.mu.Unlock()

	if err := s.recorder.SaveTask(ctx, snapshot); err != nil {
		s.logger.Warn("failed to persist task", "task_id", t.ID, "error", err)
	}
}

func (s *Scheduler) notify(msg string) {
	if s.notifier != nil {
		s.notifier.Notify(msg)
	}
}
