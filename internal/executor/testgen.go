package executor

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/aristath/improver/internal/backend"
	"github.com/aristath/improver/internal/task"
	"github.com/aristath/improver/internal/validate"
)

// TestExecutor generates one new test file per target file. It never
// modifies the target itself.
type TestExecutor struct {
	deps   Deps
	policy validate.Policy
}

// NewTestExecutor creates a TestExecutor.
func NewTestExecutor(d Deps) *TestExecutor {
	d = d.withDefaults()
	return &TestExecutor{deps: d, policy: validate.Policy{Level: d.Safety}}
}

// TestPath derives the generated test path for a source file:
// <dir>/<testDir>/<name>.test<ext>.
func TestPath(source, testDir string) string {
	dir, file := path.Split(source)
	ext := path.Ext(file)
	name := strings.TrimSuffix(file, ext)
	return path.Join(dir, testDir, name+".test"+ext)
}

// Execute writes a test file for every target that does not have one yet.
func (e *TestExecutor) Execute(ctx context.Context, t *task.Task, ledger *task.Ledger) error {
	var written []string

	for _, source := range t.Files {
		if err := checkpoint(ctx); err != nil {
			return err
		}

		target := TestPath(source, e.deps.TestDir)
		exists, err := e.deps.Store.Exists(target)
		if err != nil {
			return fmt.Errorf("checking %s: %w", target, err)
		}
		if exists {
			e.deps.Logger.Info("test file already exists, skipping", "task_id", t.ID, "file", target)
			continue
		}

		src, err := e.deps.Store.Read(source)
		if err != nil {
			return fmt.Errorf("reading %s: %w", source, err)
		}

		reply, err := backend.Ask(ctx, e.deps.Intel, testPrompt(t, source, target, src))
		if err != nil {
			return fmt.Errorf("generating tests for %s: %w", source, err)
		}
		content, err := ParseRewrite(reply, nil)
		if err != nil {
			return fmt.Errorf("generating tests for %s: %w", source, err)
		}
		if len(content) == 0 {
			continue
		}

		if err := validateContent(ctx, e.deps.Validator, e.policy, target, content); err != nil {
			return err
		}

		if err := e.makeDirs(path.Dir(target), ledger); err != nil {
			return err
		}
		ledger.Append(task.NewCreate(target, content, task.ImpactLow))
		if err := e.deps.Store.Write(target, content); err != nil {
			return fmt.Errorf("writing %s: %w", target, err)
		}
		written = append(written, target)
	}

	return revalidate(ctx, e.deps, e.policy, written)
}

// makeDirs creates dir and its missing parents, recording each one it
// creates, outermost first.
func (e *TestExecutor) makeDirs(dir string, ledger *task.Ledger) error {
	var missing []string
	for d := dir; d != "." && d != "/" && d != ""; d = path.Dir(d) {
		exists, err := e.deps.Store.Exists(d)
		if err != nil {
			return fmt.Errorf("checking %s: %w", d, err)
		}
		if exists {
			break
		}
		missing = append(missing, d)
	}

	for i := len(missing) - 1; i >= 0; i-- {
		ledger.Append(task.NewMakeDir(missing[i], task.ImpactLow))
		if err := e.deps.Store.MakeDir(missing[i]); err != nil {
			return fmt.Errorf("creating %s: %w", missing[i], err)
		}
	}
	return nil
}

func testPrompt(t *task.Task, source, target string, content []byte) string {
	return fmt.Sprintf(`Task: %s
Write unit tests for %s. They will be saved as %s.
%s

--- %s ---
%s
Reply with only a JSON object: {"content": "<complete test file>"}.`,
		t.Name, source, target, t.Description, source, content)
}
