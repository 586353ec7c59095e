// Package orchestrator runs analysis-to-execution cycles and exposes the
// engine's status and control surface.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aristath/improver/internal/analysis"
	"github.com/aristath/improver/internal/approval"
	"github.com/aristath/improver/internal/backend"
	"github.com/aristath/improver/internal/config"
	"github.com/aristath/improver/internal/events"
	"github.com/aristath/improver/internal/executor"
	"github.com/aristath/improver/internal/persistence"
	"github.com/aristath/improver/internal/scheduler"
	"github.com/aristath/improver/internal/synthesis"
	"github.com/aristath/improver/internal/task"
	"github.com/aristath/improver/internal/validate"
	"github.com/aristath/improver/internal/workspace"
)

// ErrCycleInProgress is returned by RunCycle while another cycle is running.
var ErrCycleInProgress = errors.New("improvement cycle already in progress")

// ConfigLoader returns the configuration for the next cycle.
type ConfigLoader func() (*config.Config, error)

// Status is the engine's observable state.
type Status struct {
	Enabled         bool
	Running         bool
	ActiveTaskCount int
	QueuedTaskCount int
	LastReport      *analysis.Report
}

// CycleSummary describes the outcome of one RunCycle call.
type CycleSummary struct {
	Skipped   bool // Engine disabled by configuration
	Report    *analysis.Report
	Proposed  int // Tasks synthesized from the report
	Enqueued  int // Tasks accepted after deduplication
	Completed int
	Failed    int
	Cancelled int
}

// Engine wires the aggregator, synthesizer, approval gate, scheduler and
// executors together. A cycle reads its configuration once, at its start.
type Engine struct {
	loadConfig ConfigLoader
	store      workspace.FileStore
	intel      backend.Backend
	refactorer backend.Refactorer
	validator  validate.Validator
	surface    approval.Surface
	db         persistence.Store
	bus        *events.EventBus
	registry   *prometheus.Registry
	logger     *slog.Logger

	aggregator *analysis.Aggregator
	scheduler  *scheduler.Scheduler

	mu         sync.Mutex
	running    bool
	cfg        *config.Config
	executors  *executor.Registry
	lastReport *analysis.Report
}

// Option configures an Engine.
type Option func(*Engine)

// WithSurface sets the user-interaction surface. Without one, every task
// that needs approval is denied unless auto-approve is on.
func WithSurface(s approval.Surface) Option {
	return func(e *Engine) { e.surface = s }
}

// WithPersistence records tasks and reports in db.
func WithPersistence(db persistence.Store) Option {
	return func(e *Engine) { e.db = db }
}

// WithRefactorer overrides the refactor collaborator.
func WithRefactorer(r backend.Refactorer) Option {
	return func(e *Engine) { e.refactorer = r }
}

// WithEventBus publishes analysis and task events to bus.
func WithEventBus(bus *events.EventBus) Option {
	return func(e *Engine) { e.bus = bus }
}

// WithMetrics registers scheduler metrics on registry.
func WithMetrics(registry *prometheus.Registry) Option {
	return func(e *Engine) { e.registry = registry }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEngine creates an Engine over store using intel as the code-intelligence
// collaborator. validator may be nil.
func NewEngine(store workspace.FileStore, intel backend.Backend, validator validate.Validator, loadConfig ConfigLoader, opts ...Option) (*Engine, error) {
	e := &Engine{
		loadConfig: loadConfig,
		store:      store,
		intel:      intel,
		validator:  validator,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}

	agg, err := analysis.NewAggregator(store, intel, validator, analysis.WithLogger(e.logger))
	if err != nil {
		return nil, err
	}
	e.aggregator = agg

	schedOpts := []scheduler.Option{
		scheduler.WithTimeouts(e.taskTimeout),
		scheduler.WithLockPaths(e.lockPaths),
		scheduler.WithEventBus(e.bus),
		scheduler.WithLogger(e.logger),
	}
	if e.registry != nil {
		schedOpts = append(schedOpts, scheduler.WithMetrics(e.registry))
	}
	if e.db != nil {
		schedOpts = append(schedOpts, scheduler.WithRecorder(e.db))
	}
	if e.surface != nil {
		schedOpts = append(schedOpts, scheduler.WithNotifier(e.surface))
	}
	e.scheduler = scheduler.New(e, executor.NewRollbacker(store, e.logger), schedOpts...)

	return e, nil
}

// RunCycle runs one analysis-to-execution cycle: analyse eligible files,
// synthesize tasks, enqueue the new ones and drain the queue through the
// approval gate. It returns when the queue and the in-flight set are empty
// or ctx is cancelled.
func (e *Engine) RunCycle(ctx context.Context) (*CycleSummary, error) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil, ErrCycleInProgress
	}
	e.running = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	cfg, err := e.loadConfig()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	executors := executor.NewDefaultRegistry(executor.Deps{
		Store:      e.store,
		Intel:      e.intel,
		Refactorer: e.refactorer,
		Validator:  e.validator,
		Safety:     cfg.SafetyLevel,
		TestDir:    cfg.TestDir,
		Logger:     e.logger,
	})

	e.mu.Lock()
	e.cfg = cfg
	e.executors = executors
	e.mu.Unlock()

	if !cfg.Enabled {
		e.logger.Info("background improvement disabled, skipping cycle")
		return &CycleSummary{Skipped: true}, nil
	}

	start := time.Now()
	before := e.scheduler.Status()

	files, err := e.store.List(cfg.IncludePatterns, cfg.ExcludePatterns)
	if err != nil {
		return nil, fmt.Errorf("listing files: %w", err)
	}

	e.aggregator.SetConcurrency(cfg.AnalysisConcurrency)
	report, err := e.aggregator.Run(ctx, files, cfg.IncludePatterns, cfg.ExcludePatterns)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.lastReport = report
	e.mu.Unlock()

	if e.db != nil {
		if err := e.db.SaveReport(ctx, report); err != nil {
			e.logger.Warn("failed to persist report", "error", err)
		}
	}

	proposed := synthesis.Synthesize(report)
	fresh := synthesis.Dedupe(proposed, e.scheduler.Fingerprints())

	e.bus.Publish(events.TopicCycle, events.AnalysisCompletedEvent{
		FilesAnalyzed: report.FilesAnalyzed,
		FilesSkipped:  len(report.Skipped),
		QualityScore:  report.QualityScore,
		TasksProposed: len(fresh),
		Timestamp:     time.Now(),
	})

	e.scheduler.SetMaxConcurrent(cfg.MaxConcurrentTasks)
	enqueued := e.scheduler.Enqueue(ctx, fresh...)

	if e.surface != nil && enqueued > 0 {
		steps := make([]string, 0, len(fresh))
		for _, t := range fresh {
			steps = append(steps, fmt.Sprintf("[%s] %s", t.Priority, t.Name))
		}
		e.surface.ShowProgress(fmt.Sprintf("Quality score %d: %d improvement tasks", report.QualityScore, enqueued), steps)
	}

	gate := approval.NewGate(e.surface, approval.Policy{
		AutoApprove:    cfg.AutoApprove,
		Timeout:        cfg.ApprovalTimeout(),
		MaxDetailViews: cfg.MaxDetailViews,
	}, e.logger)

	drainErr := e.scheduler.Drain(ctx, gate)

	after := e.scheduler.Status()
	summary := &CycleSummary{
		Report:    report,
		Proposed:  len(proposed),
		Enqueued:  enqueued,
		Completed: after.Completed - before.Completed,
		Failed:    after.Failed - before.Failed,
		Cancelled: after.Cancelled - before.Cancelled,
	}

	e.logger.Info("improvement cycle finished",
		"quality_score", report.QualityScore,
		"proposed", summary.Proposed,
		"enqueued", summary.Enqueued,
		"completed", summary.Completed,
		"failed", summary.Failed,
		"cancelled", summary.Cancelled,
		"duration", time.Since(start).Round(time.Millisecond))

	if drainErr != nil {
		return summary, fmt.Errorf("draining tasks: %w", drainErr)
	}
	if e.surface != nil && enqueued > 0 {
		e.surface.Notify(fmt.Sprintf("Improvement cycle finished: %d completed, %d failed, %d cancelled",
			summary.Completed, summary.Failed, summary.Cancelled))
	}
	return summary, nil
}

// Execute implements scheduler.Runner with the executors of the current cycle.
func (e *Engine) Execute(ctx context.Context, t *task.Task, ledger *task.Ledger) error {
	e.mu.Lock()
	executors := e.executors
	e.mu.Unlock()

	if executors == nil {
		return fmt.Errorf("no executors configured for task %s", t.ID)
	}
	return executors.Execute(ctx, t, ledger)
}

func (e *Engine) taskTimeout(c task.Category) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cfg == nil {
		return 0
	}
	return e.cfg.TaskTimeout(c)
}

// lockPaths returns a task's files plus the test files a testing task
// will generate for them.
func (e *Engine) lockPaths(t *task.Task) []string {
	if t.Category != task.CategoryTesting {
		return t.Files
	}
	e.mu.Lock()
	testDir := config.DefaultConfig().TestDir
	if e.cfg != nil {
		testDir = e.cfg.TestDir
	}
	e.mu.Unlock()

	paths := append([]string(nil), t.Files...)
	for _, f := range t.Files {
		paths = append(paths, executor.TestPath(f, testDir))
	}
	return paths
}

// Status reports the engine's current state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	cfg := e.cfg
	st := Status{Running: e.running, LastReport: e.lastReport}
	e.mu.Unlock()

	if cfg == nil {
		if loaded, err := e.loadConfig(); err == nil {
			cfg = loaded
		}
	}
	if cfg != nil {
		st.Enabled = cfg.Enabled
	}

	snap := e.scheduler.Status()
	st.ActiveTaskCount = snap.Active
	st.QueuedTaskCount = snap.Queued
	return st
}

// ListActiveTasks returns copies of the in-flight tasks.
func (e *Engine) ListActiveTasks() []*task.Task {
	return e.scheduler.Active()
}

// ListQueuedTasks returns copies of the queued tasks in dispatch order.
func (e *Engine) ListQueuedTasks() []*task.Task {
	return e.scheduler.Queued()
}

// Cancel cancels a queued or in-flight task.
func (e *Engine) Cancel(ctx context.Context, taskID string) error {
	return e.scheduler.Cancel(ctx, taskID)
}
