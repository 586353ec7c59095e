package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/aristath/improver/internal/events"
	"github.com/aristath/improver/internal/task"
)

// fakeRunner executes tasks according to per-task scripts.
type fakeRunner struct {
	mu      sync.Mutex
	delay   time.Duration
	fail    map[string]error
	block   map[string]bool // wait for ctx cancellation
	changes map[string][]task.Change
	ran     []string

	running atomic.Int32
	peak    atomic.Int32
	overlap atomic.Bool
	active  map[string]bool // file -> in use
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		fail:    map[string]error{},
		block:   map[string]bool{},
		changes: map[string][]task.Change{},
		active:  map[string]bool{},
	}
}

func (f *fakeRunner) Execute(ctx context.Context, t *task.Task, ledger *task.Ledger) error {
	n := f.running.Add(1)
	defer f.running.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	f.mu.Lock()
	f.ran = append(f.ran, t.ID)
	for _, file := range t.Files {
		if f.active[file] {
			f.overlap.Store(true)
		}
		f.active[file] = true
	}
	changes := f.changes[t.ID]
	failErr := f.fail[t.ID]
	block := f.block[t.ID]
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		for _, file := range t.Files {
			delete(f.active, file)
		}
		f.mu.Unlock()
	}()

	for _, c := range changes {
		ledger.Append(c)
	}

	if block {
		<-ctx.Done()
		return ctx.Err()
	}

	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		return ctx.Err()
	}
	return failErr
}

func (f *fakeRunner) ranIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ran...)
}

// fakeReverter records rollback invocations.
type fakeReverter struct {
	mu      sync.Mutex
	calls   map[string]int
	partial bool
}

func (r *fakeReverter) Rollback(_ context.Context, t *task.Task) (*task.RollbackReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls == nil {
		r.calls = map[string]int{}
	}
	r.calls[t.ID]++

	report := &task.RollbackReport{}
	for _, step := range t.Rollback.Steps {
		if r.partial {
			report.Partial = append(report.Partial, task.PartialRollback{Path: step.Path, Reason: "simulated"})
			continue
		}
		report.Reverted = append(report.Reverted, step.Path)
	}
	return report, nil
}

func (r *fakeReverter) count(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[id]
}

type captureNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (n *captureNotifier) Notify(msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
}

func (n *captureNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.msgs)
}

type memRecorder struct {
	mu    sync.Mutex
	saved map[string]task.Status
}

func (m *memRecorder) SaveTask(_ context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saved == nil {
		m.saved = map[string]task.Status{}
	}
	m.saved[t.ID] = t.Status
	return nil
}

func approveAll() Approver {
	return ApproverFunc(func(context.Context, *task.Task) (bool, error) { return true, nil })
}

func mkTask(id string, files ...string) *task.Task {
	t := task.New(id, "desc "+id, task.CategoryOptimization, task.PriorityMedium, files)
	t.ID = id
	return t
}

func modify(path string) task.Change {
	return task.NewModify(path, []byte("old"), []byte("new"), task.ImpactLow)
}

// TestDrain_RespectsConcurrencyBound verifies |in-flight| never exceeds the limit.
func TestDrain_RespectsConcurrencyBound(t *testing.T) {
	runner := newFakeRunner()
	runner.delay = 30 * time.Millisecond
	s := New(runner, &fakeReverter{}, WithMaxConcurrent(2))

	var tasks []*task.Task
	for i := 0; i < 8; i++ {
		tasks = append(tasks, mkTask(fmt.Sprintf("t%d", i), fmt.Sprintf("f%d.go", i)))
	}
	if n := s.Enqueue(context.Background(), tasks...); n != 8 {
		t.Fatalf("Enqueue accepted %d, want 8", n)
	}

	if err := s.Drain(context.Background(), approveAll()); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	if peak := runner.peak.Load(); peak > 2 {
		t.Errorf("peak concurrency %d exceeds bound 2", peak)
	}
	if peak := runner.peak.Load(); peak < 2 {
		t.Errorf("expected the bound to be used, peak was %d", peak)
	}
	for _, tk := range tasks {
		if tk.Status != task.StatusCompleted {
			t.Errorf("task %s ended %s", tk.ID, tk.Status)
		}
		if tk.StartedAt.IsZero() || tk.FinishedAt.Before(tk.StartedAt) {
			t.Errorf("task %s skipped in_progress timing", tk.ID)
		}
	}
	snap := s.Status()
	if snap.Active != 0 || snap.Queued != 0 || snap.Completed != 8 || snap.Draining {
		t.Errorf("unexpected final snapshot %+v", snap)
	}
}

// TestDrain_DispatchesInQueueOrder verifies FIFO dispatch with a single slot.
func TestDrain_DispatchesInQueueOrder(t *testing.T) {
	runner := newFakeRunner()
	s := New(runner, &fakeReverter{}, WithMaxConcurrent(1))
	s.Enqueue(context.Background(), mkTask("c"), mkTask("a"), mkTask("b"))

	if err := s.Drain(context.Background(), approveAll()); err != nil {
		t.Fatal(err)
	}
	got := runner.ranIDs()
	if fmt.Sprint(got) != "[c a b]" {
		t.Errorf("dispatch order = %v, want [c a b]", got)
	}
}

// TestDrain_DeniedTaskIsCancelledAndNeverRuns verifies denial drops the task.
func TestDrain_DeniedTaskIsCancelledAndNeverRuns(t *testing.T) {
	runner := newFakeRunner()
	rec := &memRecorder{}
	s := New(runner, &fakeReverter{}, WithMaxConcurrent(2), WithRecorder(rec))

	risky := mkTask("risky")
	risky.RequiresApproval = true
	safe := mkTask("safe")
	s.Enqueue(context.Background(), risky, safe)

	approver := ApproverFunc(func(_ context.Context, t *task.Task) (bool, error) {
		return !t.RequiresApproval, nil
	})
	if err := s.Drain(context.Background(), approver); err != nil {
		t.Fatal(err)
	}

	if risky.Status != task.StatusCancelled {
		t.Errorf("denied task status = %s, want cancelled", risky.Status)
	}
	if safe.Status != task.StatusCompleted {
		t.Errorf("safe task status = %s, want completed", safe.Status)
	}
	if got := runner.ranIDs(); len(got) != 1 || got[0] != "safe" {
		t.Errorf("ran %v, want [safe]", got)
	}
	if rec.saved["risky"] != task.StatusCancelled {
		t.Errorf("denied task not persisted as cancelled: %v", rec.saved)
	}
}

// TestDrain_ApproverSeesCopy verifies approval decisions cannot mutate the queued task directly.
func TestDrain_ApproverSeesCopy(t *testing.T) {
	s := New(newFakeRunner(), &fakeReverter{})
	tk := mkTask("t")
	s.Enqueue(context.Background(), tk)

	approver := ApproverFunc(func(_ context.Context, c *task.Task) (bool, error) {
		if c == tk {
			t.Error("approver received the queued task itself")
		}
		c.Name = "mutated"
		return true, nil
	})
	if err := s.Drain(context.Background(), approver); err != nil {
		t.Fatal(err)
	}
	if tk.Name != "t" || !tk.Approved {
		t.Errorf("unexpected task after drain: name=%q approved=%v", tk.Name, tk.Approved)
	}
}

// TestDrain_FailureTriggersRollback verifies a failed task is rolled back and reported.
func TestDrain_FailureTriggersRollback(t *testing.T) {
	runner := newFakeRunner()
	runner.changes["bad"] = []task.Change{modify("a.go")}
	runner.fail["bad"] = errors.New("validation failed")
	rev := &fakeReverter{}
	notes := &captureNotifier{}
	registry := prometheus.NewRegistry()

	s := New(runner, rev, WithNotifier(notes), WithMetrics(registry))
	bad := mkTask("bad", "a.go")
	s.Enqueue(context.Background(), bad)

	if err := s.Drain(context.Background(), approveAll()); err != nil {
		t.Fatal(err)
	}

	if bad.Status != task.StatusFailed || bad.Error == nil {
		t.Fatalf("expected failed task with error, got %s / %v", bad.Status, bad.Error)
	}
	if len(bad.Changes) != 1 {
		t.Errorf("expected 1 recorded change, got %d", len(bad.Changes))
	}
	if rev.count("bad") != 1 {
		t.Errorf("expected 1 rollback, got %d", rev.count("bad"))
	}
	if bad.Rollback == nil || len(bad.Rollback.Steps) != 1 {
		t.Errorf("expected rollback plan with 1 step, got %+v", bad.Rollback)
	}
	if notes.count() != 1 {
		t.Errorf("expected 1 failure notification, got %d", notes.count())
	}

	if got := testutil.ToFloat64(s.metrics.finished.WithLabelValues("optimization", "failed")); got != 1 {
		t.Errorf("failed counter = %v, want 1", got)
	}
	if got := testutil.ToFloat64(s.metrics.rollbacks.WithLabelValues("complete")); got != 1 {
		t.Errorf("rollback counter = %v, want 1", got)
	}
}

// TestDrain_FailureWithoutChangesSkipsRollback verifies rollback is not invoked for empty ledgers.
func TestDrain_FailureWithoutChangesSkipsRollback(t *testing.T) {
	runner := newFakeRunner()
	runner.fail["t"] = errors.New("oracle down")
	rev := &fakeReverter{}
	s := New(runner, rev)
	s.Enqueue(context.Background(), mkTask("t"))

	if err := s.Drain(context.Background(), approveAll()); err != nil {
		t.Fatal(err)
	}
	if rev.count("t") != 0 {
		t.Error("rollback invoked for a task with no changes")
	}
}

// TestDrain_PartialRollbackNotifies verifies partial rollbacks are surfaced.
func TestDrain_PartialRollbackNotifies(t *testing.T) {
	runner := newFakeRunner()
	runner.changes["t"] = []task.Change{modify("a.go"), modify("b.go")}
	runner.fail["t"] = errors.New("boom")
	notes := &captureNotifier{}
	s := New(runner, &fakeReverter{partial: true}, WithNotifier(notes))
	s.Enqueue(context.Background(), mkTask("t", "a.go", "b.go"))

	if err := s.Drain(context.Background(), approveAll()); err != nil {
		t.Fatal(err)
	}
	if notes.count() != 3 {
		t.Errorf("expected failure + 2 partial notifications, got %d", notes.count())
	}
}

// TestDrain_TimeoutFailsTask verifies the per-category timeout bounds a hung task.
func TestDrain_TimeoutFailsTask(t *testing.T) {
	runner := newFakeRunner()
	runner.block["hung"] = true
	runner.changes["hung"] = []task.Change{modify("a.go")}
	rev := &fakeReverter{}

	s := New(runner, rev, WithTimeouts(func(task.Category) time.Duration { return 50 * time.Millisecond }))
	hung := mkTask("hung", "a.go")
	s.Enqueue(context.Background(), hung)

	if err := s.Drain(context.Background(), approveAll()); err != nil {
		t.Fatal(err)
	}
	if hung.Status != task.StatusFailed {
		t.Errorf("status = %s, want failed", hung.Status)
	}
	if !errors.Is(hung.Error, context.DeadlineExceeded) {
		t.Errorf("expected deadline error, got %v", hung.Error)
	}
	if rev.count("hung") != 1 {
		t.Errorf("expected rollback after timeout, got %d", rev.count("hung"))
	}
}

// TestCancel_PendingTaskRemovedWithoutRollback verifies queued cancellation is bookkeeping only.
func TestCancel_PendingTaskRemovedWithoutRollback(t *testing.T) {
	rev := &fakeReverter{}
	s := New(newFakeRunner(), rev)
	tk := mkTask("t")
	s.Enqueue(context.Background(), tk)

	if err := s.Cancel(context.Background(), "t"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if tk.Status != task.StatusCancelled || len(tk.Changes) != 0 {
		t.Errorf("unexpected task after cancel: %s, %d changes", tk.Status, len(tk.Changes))
	}
	if len(s.Queued()) != 0 {
		t.Error("task still queued")
	}
	if rev.count("t") != 0 {
		t.Error("rollback invoked for pending task")
	}

	if err := s.Cancel(context.Background(), "t"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("second cancel: expected ErrTaskNotFound, got %v", err)
	}
}

// TestCancel_RunningTaskRollsBack verifies in-flight cancellation routes through rollback.
func TestCancel_RunningTaskRollsBack(t *testing.T) {
	runner := newFakeRunner()
	runner.block["long"] = true
	runner.changes["long"] = []task.Change{modify("a.go")}
	rev := &fakeReverter{}
	bus := events.NewEventBus(nil)
	defer bus.Close()
	evs := bus.Subscribe(events.TopicTask, 64)

	s := New(runner, rev, WithEventBus(bus))
	long := mkTask("long", "a.go")
	s.Enqueue(context.Background(), long)

	done := make(chan error, 1)
	go func() { done <- s.Drain(context.Background(), approveAll()) }()

	waitFor(t, func() bool { return len(s.Active()) == 1 })
	if err := s.Cancel(context.Background(), "long"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	if long.Status != task.StatusCancelled {
		t.Errorf("status = %s, want cancelled", long.Status)
	}
	if rev.count("long") != 1 {
		t.Errorf("expected 1 rollback, got %d", rev.count("long"))
	}

	seen := map[string]bool{}
	for len(evs) > 0 {
		seen[(<-evs).EventType()] = true
	}
	for _, want := range []string{events.EventTypeTaskQueued, events.EventTypeTaskStarted, events.EventTypeTaskRolledBack, events.EventTypeTaskCancelled} {
		if !seen[want] {
			t.Errorf("missing %s event", want)
		}
	}
}

// TestDrain_SharedFilesNeverOverlap verifies the per-path lock set serialises same-file tasks.
func TestDrain_SharedFilesNeverOverlap(t *testing.T) {
	runner := newFakeRunner()
	runner.delay = 20 * time.Millisecond
	s := New(runner, &fakeReverter{}, WithMaxConcurrent(4))

	s.Enqueue(context.Background(),
		mkTask("a1", "shared.go"),
		mkTask("a2", "shared.go", "other.go"),
		mkTask("b", "solo.go"),
		mkTask("a3", "shared.go"),
	)
	if err := s.Drain(context.Background(), approveAll()); err != nil {
		t.Fatal(err)
	}
	if runner.overlap.Load() {
		t.Error("two tasks touched the same file concurrently")
	}
	got := runner.ranIDs()
	if len(got) != 4 {
		t.Fatalf("ran %v, want 4 tasks", got)
	}
	if !(indexOf(got, "a1") < indexOf(got, "a2") && indexOf(got, "a2") < indexOf(got, "a3")) {
		t.Errorf("same-file tasks ran out of queue order: %v", got)
	}
}

// TestDrain_LockPathsSerialiseDerivedOutputs verifies tasks sharing only a derived output path never run together.
func TestDrain_LockPathsSerialiseDerivedOutputs(t *testing.T) {
	runner := newFakeRunner()
	runner.delay = 20 * time.Millisecond
	s := New(runner, &fakeReverter{}, WithMaxConcurrent(4), WithLockPaths(func(tk *task.Task) []string {
		return append(append([]string(nil), tk.Files...), "generated.out")
	}))

	s.Enqueue(context.Background(), mkTask("a", "a.go"), mkTask("b", "b.go"), mkTask("c", "c.go"))
	if err := s.Drain(context.Background(), approveAll()); err != nil {
		t.Fatal(err)
	}
	if peak := runner.peak.Load(); peak != 1 {
		t.Errorf("peak concurrency = %d, want 1", peak)
	}
	if got := runner.ranIDs(); len(got) != 3 {
		t.Errorf("ran %v, want 3 tasks", got)
	}
	if held := s.locks.Held(); len(held) != 0 {
		t.Errorf("locks still held after drain: %v", held)
	}
}

// TestDrain_ConcurrentDrainRejected verifies a single coordinating flow.
func TestDrain_ConcurrentDrainRejected(t *testing.T) {
	runner := newFakeRunner()
	runner.block["t"] = true
	s := New(runner, &fakeReverter{})
	s.Enqueue(context.Background(), mkTask("t"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Drain(ctx, approveAll()) }()

	waitFor(t, func() bool { return s.Status().Draining })
	if err := s.Drain(context.Background(), approveAll()); !errors.Is(err, ErrDrainInProgress) {
		t.Errorf("expected ErrDrainInProgress, got %v", err)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled from first drain, got %v", err)
	}
}

// TestDrain_ContextCancelKeepsQueue verifies shutdown cancels running tasks and keeps queued ones.
func TestDrain_ContextCancelKeepsQueue(t *testing.T) {
	runner := newFakeRunner()
	runner.block["running"] = true
	s := New(runner, &fakeReverter{}, WithMaxConcurrent(1))

	running := mkTask("running")
	waiting := mkTask("waiting")
	s.Enqueue(context.Background(), running, waiting)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Drain(ctx, approveAll()) }()

	waitFor(t, func() bool { return len(s.Active()) == 1 })
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	if running.Status != task.StatusCancelled {
		t.Errorf("running task status = %s, want cancelled", running.Status)
	}
	if q := s.Queued(); len(q) != 1 || q[0].ID != "waiting" {
		t.Errorf("expected waiting task to remain queued, got %v", q)
	}
}

// TestEnqueue_SkipsDuplicatesAndNonPending verifies a task is in at most one place.
func TestEnqueue_SkipsDuplicatesAndNonPending(t *testing.T) {
	s := New(newFakeRunner(), &fakeReverter{})
	tk := mkTask("t")
	done := mkTask("done")
	done.Status = task.StatusCompleted

	if n := s.Enqueue(context.Background(), tk, tk, done); n != 1 {
		t.Errorf("accepted %d, want 1", n)
	}
	if n := s.Enqueue(context.Background(), tk); n != 0 {
		t.Errorf("re-enqueue accepted %d, want 0", n)
	}
	if fps := s.Fingerprints(); !fps[tk.Fingerprint] || len(fps) != 1 {
		t.Errorf("unexpected fingerprints %v", fps)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
