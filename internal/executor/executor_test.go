package executor

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"

	"github.com/aristath/improver/internal/backend"
	"github.com/aristath/improver/internal/config"
	"github.com/aristath/improver/internal/task"
	"github.com/aristath/improver/internal/validate"
	"github.com/aristath/improver/internal/workspace"
)

// scriptedIntel returns a canned rewrite per file, keyed by the "--- path ---" marker in the prompt.
type scriptedIntel struct {
	mu      sync.Mutex
	replies map[string]string
	err     error
	prompts []string
	onSend  func()
}

func (s *scriptedIntel) Send(_ context.Context, msg backend.Message) (backend.Response, error) {
	s.mu.Lock()
	s.prompts = append(s.prompts, msg.Content)
	onSend := s.onSend
	s.mu.Unlock()
	if onSend != nil {
		onSend()
	}
	if s.err != nil {
		return backend.Response{}, s.err
	}
	for path, reply := range s.replies {
		if strings.Contains(msg.Content, "--- "+path+" ---") {
			return backend.Response{Content: reply}, nil
		}
	}
	return backend.Response{Content: `{"unchanged": true}`}, nil
}

func (s *scriptedIntel) Close() error { return nil }

func contentReply(content string) string {
	b, _ := json.Marshal(map[string]string{"content": content})
	return string(b)
}

func newStore(t *testing.T, files map[string]string) *workspace.AferoStore {
	t.Helper()
	store := workspace.NewAferoStore(afero.NewMemMapFs())
	for p, c := range files {
		if err := store.Write(p, []byte(c)); err != nil {
			t.Fatal(err)
		}
	}
	return store
}

func readAll(t *testing.T, store workspace.FileStore, paths ...string) map[string]string {
	t.Helper()
	out := make(map[string]string)
	for _, p := range paths {
		data, err := store.Read(p)
		if err != nil {
			out[p] = "<missing>"
			continue
		}
		out[p] = string(data)
	}
	return out
}

// TestRewrite_ValidationFailureOnSecondFile verifies partial progress stays in the ledger
// and rollback restores exactly the committed file.
func TestRewrite_ValidationFailureOnSecondFile(t *testing.T) {
	store := newStore(t, map[string]string{
		"a.go": "package a\n",
		"b.go": "package b\n",
		"c.go": "package c\n",
	})
	before := readAll(t, store, "a.go", "b.go", "c.go")

	intel := &scriptedIntel{replies: map[string]string{
		"a.go": contentReply("package a\n\nfunc Fast() {}\n"),
		"b.go": contentReply("package b\n\nfunc Broken( {\n"),
		"c.go": contentReply("package c\n\nfunc Never() {}\n"),
	}}

	ex := NewRewriteExecutor(Deps{
		Store:     store,
		Intel:     intel,
		Validator: validate.NewSyntaxValidator(),
		Safety:    config.SafetyConservative,
	}, optimizationInstruction)

	tk := task.New("opt", "speed up", task.CategoryOptimization, task.PriorityMedium, []string{"a.go", "b.go", "c.go"})
	ledger := task.NewLedger()

	err := ex.Execute(context.Background(), tk, ledger)
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Path != "b.go" {
		t.Fatalf("expected ValidationError for b.go, got %v", err)
	}
	if !errors.Is(err, ErrValidationFailed) {
		t.Error("ValidationError should unwrap to ErrValidationFailed")
	}
	if ledger.Len() != 1 {
		t.Fatalf("expected exactly 1 change, got %d", ledger.Len())
	}
	if len(intel.prompts) != 2 {
		t.Errorf("expected c.go never to be attempted, got %d prompts", len(intel.prompts))
	}

	tk.Changes = ledger.Changes()
	report, err := NewRollbacker(store, nil).Rollback(context.Background(), tk)
	if err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	if diff := cmp.Diff([]string{"a.go"}, report.Reverted); diff != "" {
		t.Errorf("reverted mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(before, readAll(t, store, "a.go", "b.go", "c.go")); diff != "" {
		t.Errorf("files not restored (-want +got):\n%s", diff)
	}
}

// TestRewrite_RoundTrip verifies applying changes then the rollback plan restores every byte.
func TestRewrite_RoundTrip(t *testing.T) {
	store := newStore(t, map[string]string{"a.go": "package a\n", "b.go": "package b\n", "empty.go": ""})
	before := readAll(t, store, "a.go", "b.go", "empty.go")

	intel := &scriptedIntel{replies: map[string]string{
		"a.go":     contentReply("package a\n\n// Doc.\nfunc A() {}\n"),
		"b.go":     "```go\npackage b\n\nfunc B() {}\n```",
		"empty.go": contentReply("package empty\n"),
	}}
	ex := NewRewriteExecutor(Deps{Store: store, Intel: intel, Validator: validate.NewSyntaxValidator()}, documentationInstruction)

	tk := task.New("doc", "", task.CategoryDocumentation, task.PriorityHigh, []string{"a.go", "b.go", "empty.go"})
	ledger := task.NewLedger()
	if err := ex.Execute(context.Background(), tk, ledger); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if ledger.Len() != 3 {
		t.Fatalf("expected 3 changes, got %d", ledger.Len())
	}
	if got := readAll(t, store, "b.go")["b.go"]; got != "package b\n\nfunc B() {}\n" {
		t.Errorf("fenced reply not applied, got %q", got)
	}

	tk.Changes = ledger.Changes()
	tk.Rollback = task.BuildRollbackPlan(tk.Changes)
	report, _ := NewRollbacker(store, nil).Rollback(context.Background(), tk)
	if !report.Complete() {
		t.Fatalf("unexpected partial rollback: %+v", report.Partial)
	}
	if diff := cmp.Diff(before, readAll(t, store, "a.go", "b.go", "empty.go")); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

// TestRewrite_UnchangedFilesRecordNothing verifies identical output produces no Change.
func TestRewrite_UnchangedFilesRecordNothing(t *testing.T) {
	store := newStore(t, map[string]string{"a.go": "package a\n"})
	intel := &scriptedIntel{replies: map[string]string{"a.go": contentReply("package a\n")}}
	ex := NewRewriteExecutor(Deps{Store: store, Intel: intel}, optimizationInstruction)

	ledger := task.NewLedger()
	tk := task.New("opt", "", task.CategoryOptimization, task.PriorityLow, []string{"a.go"})
	if err := ex.Execute(context.Background(), tk, ledger); err != nil {
		t.Fatal(err)
	}
	if ledger.Len() != 0 {
		t.Errorf("expected no changes, got %d", ledger.Len())
	}
}

// TestRewrite_CollaboratorErrorFailsTask verifies oracle errors surface as task errors.
func TestRewrite_CollaboratorErrorFailsTask(t *testing.T) {
	store := newStore(t, map[string]string{"a.go": "package a\n"})
	boom := errors.New("rate limited")
	ex := NewRewriteExecutor(Deps{Store: store, Intel: &scriptedIntel{err: boom}}, securityInstruction)

	tk := task.New("sec", "", task.CategorySecurity, task.PriorityHigh, []string{"a.go"})
	if err := ex.Execute(context.Background(), tk, task.NewLedger()); !errors.Is(err, boom) {
		t.Errorf("expected wrapped collaborator error, got %v", err)
	}
}

// TestRewrite_CancelledAtFileBoundary verifies cancellation stops before the next file.
func TestRewrite_CancelledAtFileBoundary(t *testing.T) {
	store := newStore(t, map[string]string{"a.go": "package a\n", "b.go": "package b\n"})
	ctx, cancel := context.WithCancel(context.Background())

	intel := &scriptedIntel{
		replies: map[string]string{
			"a.go": contentReply("package a // v2\n"),
			"b.go": contentReply("package b // v2\n"),
		},
		onSend: cancel,
	}
	ex := NewRewriteExecutor(Deps{Store: store, Intel: intel}, optimizationInstruction)

	ledger := task.NewLedger()
	tk := task.New("opt", "", task.CategoryOptimization, task.PriorityLow, []string{"a.go", "b.go"})
	err := ex.Execute(ctx, tk, ledger)
	if !errors.Is(err, ErrCancelled) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected ErrCancelled wrapping context.Canceled, got %v", err)
	}
	if ledger.Len() != 1 {
		t.Errorf("expected the in-flight file to complete, got %d changes", ledger.Len())
	}
	if got := readAll(t, store, "b.go")["b.go"]; got != "package b\n" {
		t.Errorf("b.go should be untouched, got %q", got)
	}
}

// TestMaintenance_RunsStepsInOrder verifies dependency-update then cleanup on evolving content.
func TestMaintenance_RunsStepsInOrder(t *testing.T) {
	store := newStore(t, map[string]string{"m.go": "package m\n"})
	calls := 0
	intel := &sequenceIntel{replies: []string{
		contentReply("package m\n// deps updated\n"),
		contentReply("package m\n// deps updated\n// cleaned\n"),
	}, calls: &calls}

	reg := NewDefaultRegistry(Deps{Store: store, Intel: intel})
	tk := task.New("maint", "", task.CategoryMaintenance, task.PriorityHigh, []string{"m.go"})
	ledger := task.NewLedger()
	if err := reg.Execute(context.Background(), tk, ledger); err != nil {
		t.Fatal(err)
	}

	if calls != 2 {
		t.Fatalf("expected 2 sub-steps, got %d", calls)
	}
	if !strings.Contains(intel.prompts[1], "// deps updated") {
		t.Error("cleanup step did not see dependency-update output")
	}
	changes := ledger.Changes()
	if len(changes) != 1 || string(changes[0].Previous) != "package m\n" {
		t.Errorf("expected one modify retaining the original, got %+v", changes)
	}
}

type sequenceIntel struct {
	replies []string
	prompts []string
	calls   *int
}

func (s *sequenceIntel) Send(_ context.Context, msg backend.Message) (backend.Response, error) {
	s.prompts = append(s.prompts, msg.Content)
	reply := s.replies[*s.calls]
	*s.calls++
	return backend.Response{Content: reply}, nil
}

func (s *sequenceIntel) Close() error { return nil }

func TestParseRewrite(t *testing.T) {
	current := []byte("orig")
	tests := []struct {
		name    string
		reply   string
		want    string
		wantErr bool
	}{
		{"json content", `{"content":"new"}`, "new", false},
		{"json empty content", `{"content":""}`, "", false},
		{"unchanged", `{"unchanged":true}`, "orig", false},
		{"fenced", "Here:\n```python\nprint(1)\n```", "print(1)\n", false},
		{"prose only", "I would not change anything.", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRewrite(tt.reply, current)
			if tt.wantErr {
				if !errors.Is(err, ErrNoContent) {
					t.Errorf("expected ErrNoContent, got %v", err)
				}
				return
			}
			if err != nil || string(got) != tt.want {
				t.Errorf("ParseRewrite = %q, %v; want %q", got, err, tt.want)
			}
		})
	}
}

func TestRegistry_UnknownCategory(t *testing.T) {
	reg := NewRegistry(nil)
	tk := &task.Task{ID: "x", Category: "astrology"}
	if err := reg.Execute(context.Background(), tk, task.NewLedger()); !errors.Is(err, ErrNoStrategy) {
		t.Errorf("expected ErrNoStrategy, got %v", err)
	}
}
