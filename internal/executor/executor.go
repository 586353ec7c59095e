// Package executor holds one execution strategy per task category and the
// rollback replayer that undoes them.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aristath/improver/internal/backend"
	"github.com/aristath/improver/internal/config"
	"github.com/aristath/improver/internal/task"
	"github.com/aristath/improver/internal/validate"
	"github.com/aristath/improver/internal/workspace"
)

var (
	// ErrValidationFailed is wrapped by every ValidationError.
	ErrValidationFailed = errors.New("validation failed")
	// ErrCancelled is returned when a task stops at a file boundary because its context is done.
	ErrCancelled = errors.New("task cancelled")
	// ErrNoStrategy is returned for categories without a registered strategy.
	ErrNoStrategy = errors.New("no executor registered for category")
)

// ValidationError reports the file and diagnostics that failed validation.
type ValidationError struct {
	Path        string
	Diagnostics []validate.Diagnostic
}

func (e *ValidationError) Error() string {
	if len(e.Diagnostics) == 0 {
		return fmt.Sprintf("validation failed for %s", e.Path)
	}
	return fmt.Sprintf("validation failed for %s: %s", e.Path, validate.Summary(e.Diagnostics))
}

func (e *ValidationError) Unwrap() error { return ErrValidationFailed }

// Strategy executes tasks of one category. Every file mutation must be
// appended to ledger before it is written so partial progress can be undone.
type Strategy interface {
	Execute(ctx context.Context, t *task.Task, ledger *task.Ledger) error
}

// Registry routes tasks to the strategy registered for their category.
type Registry struct {
	strategies map[task.Category]Strategy
	logger     *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{strategies: make(map[task.Category]Strategy), logger: logger}
}

// Register sets the strategy for a category, replacing any previous one.
func (r *Registry) Register(c task.Category, s Strategy) {
	r.strategies[c] = s
}

// Execute runs t with its category's strategy.
func (r *Registry) Execute(ctx context.Context, t *task.Task, ledger *task.Ledger) error {
	s, ok := r.strategies[t.Category]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoStrategy, t.Category)
	}
	r.logger.Debug("executing task", "task_id", t.ID, "category", t.Category, "files", len(t.Files))
	return s.Execute(ctx, t, ledger)
}

// Deps are the collaborators shared by the built-in strategies.
type Deps struct {
	Store      workspace.FileStore
	Intel      backend.Backend
	Refactorer backend.Refactorer
	Validator  validate.Validator
	Safety     config.SafetyLevel
	TestDir    string
	Logger     *slog.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Refactorer == nil && d.Intel != nil {
		d.Refactorer = backend.NewPromptRefactorer(d.Intel)
	}
	if d.TestDir == "" {
		d.TestDir = "__tests__"
	}
	return d
}

// NewDefaultRegistry registers a strategy for every task category.
func NewDefaultRegistry(d Deps) *Registry {
	d = d.withDefaults()

	r := NewRegistry(d.Logger)
	r.Register(task.CategoryOptimization, NewRewriteExecutor(d, optimizationInstruction))
	r.Register(task.CategoryDocumentation, NewRewriteExecutor(d, documentationInstruction))
	r.Register(task.CategorySecurity, NewRewriteExecutor(d, securityInstruction))
	r.Register(task.CategoryMaintenance, NewRewriteExecutor(d, dependencyUpdateInstruction, cleanupInstruction))
	r.Register(task.CategoryRefactoring, NewRefactorExecutor(d))
	r.Register(task.CategoryTesting, NewTestExecutor(d))
	return r
}

// checkpoint is consulted at every file boundary.
func checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	return nil
}

// validateContent runs the validator under the safety policy.
func validateContent(ctx context.Context, v validate.Validator, policy validate.Policy, path string, content []byte) error {
	if v == nil {
		return nil
	}
	res, err := v.Validate(ctx, path, content)
	if err != nil {
		return fmt.Errorf("validating %s: %w", path, err)
	}
	if !policy.Accept(res) {
		return &ValidationError{Path: path, Diagnostics: res.Diagnostics}
	}
	return nil
}

// revalidate re-reads every written file and validates what is actually on disk.
func revalidate(ctx context.Context, d Deps, policy validate.Policy, written []string) error {
	for _, path := range written {
		content, err := d.Store.Read(path)
		if err != nil {
			return fmt.Errorf("re-reading %s: %w", path, err)
		}
		if err := validateContent(ctx, d.Validator, policy, path, content); err != nil {
			return err
		}
	}
	return nil
}
