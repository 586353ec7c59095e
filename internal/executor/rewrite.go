package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aristath/improver/internal/backend"
	"github.com/aristath/improver/internal/task"
	"github.com/aristath/improver/internal/validate"
)

// Instruction is a category-specific rewrite request.
type Instruction struct {
	Step   string
	Prompt string
	Impact task.Impact
}

var (
	optimizationInstruction = Instruction{
		Step:   "optimize",
		Prompt: "Improve the performance of this file without changing its behaviour.",
		Impact: task.ImpactMedium,
	}
	documentationInstruction = Instruction{
		Step:   "document",
		Prompt: "Add or improve documentation comments. Do not change any code.",
		Impact: task.ImpactLow,
	}
	securityInstruction = Instruction{
		Step:   "secure",
		Prompt: "Fix the security issue described above with the smallest possible change.",
		Impact: task.ImpactHigh,
	}
	dependencyUpdateInstruction = Instruction{
		Step:   "dependency-update",
		Prompt: "Update outdated or deprecated dependency usage in this file.",
		Impact: task.ImpactMedium,
	}
	cleanupInstruction = Instruction{
		Step:   "cleanup",
		Prompt: "Remove dead code and tidy the file without changing behaviour.",
		Impact: task.ImpactLow,
	}
)

// RewriteExecutor rewrites each target file in place through the code-intelligence
// backend, running every instruction in order against the evolving content.
type RewriteExecutor struct {
	deps   Deps
	steps  []Instruction
	policy validate.Policy
}

// NewRewriteExecutor creates a RewriteExecutor running steps in order.
func NewRewriteExecutor(d Deps, steps ...Instruction) *RewriteExecutor {
	d = d.withDefaults()
	return &RewriteExecutor{deps: d, steps: steps, policy: validate.Policy{Level: d.Safety}}
}

// Execute rewrites every target file. Each file is validated before it is
// committed, and every written file is validated again once all are done.
func (e *RewriteExecutor) Execute(ctx context.Context, t *task.Task, ledger *task.Ledger) error {
	var written []string

	for _, path := range t.Files {
		if err := checkpoint(ctx); err != nil {
			return err
		}

		original, err := e.deps.Store.Read(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}

		current := original
		impact := task.ImpactLow
		for _, step := range e.steps {
			reply, err := backend.Ask(ctx, e.deps.Intel, rewritePrompt(t, step, path, current))
			if err != nil {
				return fmt.Errorf("%s step for %s: %w", step.Step, path, err)
			}
			next, err := ParseRewrite(reply, current)
			if err != nil {
				return fmt.Errorf("%s step for %s: %w", step.Step, path, err)
			}
			if !bytes.Equal(next, current) {
				impact = maxImpact(impact, step.Impact)
			}
			current = next
		}

		if bytes.Equal(current, original) {
			e.deps.Logger.Debug("file unchanged", "task_id", t.ID, "file", path)
			continue
		}

		if err := validateContent(ctx, e.deps.Validator, e.policy, path, current); err != nil {
			return err
		}

		ledger.Append(task.NewModify(path, original, current, impact))
		if err := e.deps.Store.Write(path, current); err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}
		written = append(written, path)
	}

	return revalidate(ctx, e.deps, e.policy, written)
}

// rewriteReply is the structured reply format for rewrites.
type rewriteReply struct {
	Content   *string `json:"content"`
	Unchanged bool    `json:"unchanged"`
}

// ErrNoContent is returned when a rewrite reply carries no usable content.
var ErrNoContent = errors.New("reply contains no rewritten content")

// ParseRewrite extracts the rewritten file from a reply. It accepts
// {"content": "..."} or {"unchanged": true}, falling back to the first fenced
// code block. An unchanged reply returns current.
func ParseRewrite(reply string, current []byte) ([]byte, error) {
	if raw, ok := backend.ExtractJSON(reply); ok {
		var r rewriteReply
		if err := json.Unmarshal([]byte(raw), &r); err == nil {
			if r.Unchanged {
				return current, nil
			}
			if r.Content != nil {
				return []byte(*r.Content), nil
			}
		}
	}

	if body, ok := backend.ExtractFenced(reply); ok {
		return []byte(body), nil
	}
	return nil, ErrNoContent
}

func rewritePrompt(t *task.Task, step Instruction, path string, content []byte) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", t.Name)
	if t.Description != "" {
		fmt.Fprintf(&b, "Details: %s\n", t.Description)
	}
	fmt.Fprintf(&b, "%s\n\n", step.Prompt)
	fmt.Fprintf(&b, "--- %s ---\n%s\n", path, content)
	b.WriteString(`Reply with only a JSON object: {"content": "<complete new file>"} or {"unchanged": true}.`)
	return b.String()
}

func maxImpact(a, b task.Impact) task.Impact {
	rank := map[task.Impact]int{task.ImpactLow: 1, task.ImpactMedium: 2, task.ImpactHigh: 3}
	if rank[b] > rank[a] {
		return b
	}
	return a
}
