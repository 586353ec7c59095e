package analysis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/maypok86/otter"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/improver/internal/backend"
	"github.com/aristath/improver/internal/validate"
	"github.com/aristath/improver/internal/workspace"
)

const defaultCacheSize = 10_000

// Aggregator runs per-file analysis and merges the results into a Report.
type Aggregator struct {
	store       workspace.FileStore
	intel       backend.Backend
	validator   validate.Validator
	cache       otter.Cache[string, Findings]
	concurrency int
	logger      *slog.Logger
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithConcurrency bounds how many files are analysed at once.
func WithConcurrency(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.concurrency = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Aggregator) {
		if l != nil {
			a.logger = l
		}
	}
}

// NewAggregator creates an Aggregator. intel or validator may be nil to skip that collaborator.
func NewAggregator(store workspace.FileStore, intel backend.Backend, validator validate.Validator, opts ...Option) (*Aggregator, error) {
	cache, err := otter.MustBuilder[string, Findings](defaultCacheSize).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build findings cache: %w", err)
	}

	a := &Aggregator{
		store:       store,
		intel:       intel,
		validator:   validator,
		cache:       cache,
		concurrency: 4,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// SetConcurrency changes the per-file bound for subsequent passes.
// It must not be called while Run is in progress.
func (a *Aggregator) SetConcurrency(n int) {
	if n > 0 {
		a.concurrency = n
	}
}

// fileResult is the outcome of one file's analysis.
type fileResult struct {
	findings Findings
	analyzed bool
	skipped  *SkippedFile
}

// Run analyses every eligible file and returns the merged report.
// A file whose collaborators fail is skipped and logged; only context
// cancellation aborts the pass.
func (a *Aggregator) Run(ctx context.Context, files, include, exclude []string) (*Report, error) {
	var eligible []string
	for _, f := range files {
		if workspace.Eligible(f, include, exclude) {
			eligible = append(eligible, f)
		}
	}

	results := make([]fileResult, len(eligible))

	var g errgroup.Group
	g.SetLimit(a.concurrency)

	for i, path := range eligible {
		if ctx.Err() != nil {
			break
		}
		i, path := i, path
		g.Go(func() error {
			results[i] = a.analyzeFile(ctx, path)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("analysis interrupted: %w", err)
	}

	report := &Report{GeneratedAt: time.Now()}
	for _, r := range results {
		if r.skipped != nil {
			report.Skipped = append(report.Skipped, *r.skipped)
			continue
		}
		if r.analyzed {
			report.FilesAnalyzed++
			report.merge(r.findings)
		}
	}
	report.QualityScore = Score(report.Findings)

	a.logger.Info("analysis completed",
		"files", report.FilesAnalyzed,
		"skipped", len(report.Skipped),
		"quality_score", report.QualityScore)

	return report, nil
}

func (a *Aggregator) analyzeFile(ctx context.Context, path string) fileResult {
	content, err := a.store.Read(path)
	if err != nil {
		return a.skip(path, fmt.Errorf("read: %w", err))
	}

	key := cacheKey(path, content)
	if cached, ok := a.cache.Get(key); ok {
		return fileResult{findings: cached, analyzed: true}
	}

	var findings Findings

	if a.validator != nil {
		res, err := a.validator.Validate(ctx, path, content)
		if err != nil {
			return a.skip(path, fmt.Errorf("validate: %w", err))
		}
		findings.merge(fromDiagnostics(path, res.Diagnostics))
	}

	if a.intel != nil {
		reply, err := backend.Ask(ctx, a.intel, analysisPrompt(path, content))
		if err != nil {
			return a.skip(path, fmt.Errorf("code intelligence: %w", err))
		}
		parsed, ok := ParseFindings(reply)
		if !ok {
			a.logger.Debug("unstructured analysis reply, using empty findings", "file", path)
		}
		findings.merge(parsed.withFile(path))
	}

	// Cancelled work may be partial, so it is never cached.
	if ctx.Err() == nil {
		a.cache.Set(key, findings)
	}
	return fileResult{findings: findings, analyzed: true}
}

func (a *Aggregator) skip(path string, err error) fileResult {
	a.logger.Warn("file analysis failed, skipping", "file", path, "error", err)
	return fileResult{skipped: &SkippedFile{Path: path, Error: err.Error()}}
}

// Forget drops any cached findings for path at the given content.
func (a *Aggregator) Forget(path string, content []byte) {
	a.cache.Delete(cacheKey(path, content))
}

func cacheKey(path string, content []byte) string {
	sum := sha256.Sum256(content)
	return path + "@" + hex.EncodeToString(sum[:])
}

func analysisPrompt(path string, content []byte) string {
	return fmt.Sprintf(`Analyse the file %s for technical debt, optimization opportunities, security issues, performance issues and maintenance needs.
Reply with only a JSON object:
{"technical_debt":[{"description":"","severity":"low|medium|high","business_impact":0,"effort_hours":0}],
 "optimizations":[{"description":"","effort_hours":0,"gain":""}],
 "security_issues":[{"description":"","severity":"low|medium|high|critical","fix":""}],
 "performance_issues":[{"description":"","severity":"low|medium|high"}],
 "maintenance_needs":[{"description":"","priority":"low|medium|high","effort_hours":0,"kind":"documentation|testing|"}]}

--- %s ---
%s`, path, path, content)
}
