package backend

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// fakeCLI writes an executable shell script and returns its path.
func fakeCLI(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-cli")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0755); err != nil {
		t.Fatalf("writing fake cli: %v", err)
	}
	return path
}

// TestNew verifies the factory accepts the known CLIs only.
func TestNew(t *testing.T) {
	tests := []struct {
		typ     string
		wantErr bool
	}{
		{"claude", false},
		{"codex", false},
		{"goose", false},
		{"gemini", true},
		{"", true},
	}

	for _, tt := range tests {
		t.Run(tt.typ, func(t *testing.T) {
			b, err := New(Config{Type: tt.typ, WorkDir: t.TempDir()}, nil)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if err := b.Close(); err != nil {
				t.Errorf("Close returned %v", err)
			}
		})
	}
}

// TestBuildArgs verifies each dialect's flags; the prompt never appears in argv.
func TestBuildArgs(t *testing.T) {
	tests := []struct {
		name   string
		ctor   func(Config, *ProcessManager) (*CLIAdapter, error)
		cfg    Config
		system string
		want   []string
	}{
		{
			name:   "claude",
			ctor:   NewClaudeAdapter,
			cfg:    Config{Model: "sonnet", ExtraArgs: []string{"--max-turns", "1"}},
			system: "be terse",
			want:   []string{"-p", "--output-format", "json", "--model", "sonnet", "--append-system-prompt", "be terse", "--max-turns", "1"},
		},
		{
			name: "claude bare",
			ctor: NewClaudeAdapter,
			want: []string{"-p", "--output-format", "json"},
		},
		{
			name:   "codex",
			ctor:   NewCodexAdapter,
			cfg:    Config{Model: "gpt-5"},
			system: "ignored in argv",
			want:   []string{"exec", "--json", "--model", "gpt-5", "-"},
		},
		{
			name:   "goose local provider",
			ctor:   NewGooseAdapter,
			cfg:    Config{Provider: "ollama", Model: "qwen2.5-coder"},
			system: "be terse",
			want:   []string{"run", "--instructions", "-", "--no-session", "--output-format", "json", "--provider", "ollama", "--model", "qwen2.5-coder", "--system", "be terse"},
		},
		{
			name: "goose bare",
			ctor: NewGooseAdapter,
			want: []string{"run", "--instructions", "-", "--no-session", "--output-format", "json"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cfg.WorkDir = "/tmp"
			a, err := tt.ctor(tt.cfg, nil)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tt.want, a.buildArgs(tt.system)); diff != "" {
				t.Errorf("args mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

// TestClaudeParse verifies result documents, reported errors and garbage.
func TestClaudeParse(t *testing.T) {
	resp, err := claudeDialect{}.parse([]byte(`{"type":"result","subtype":"success","is_error":false,"result":"all good","session_id":"s-1"}` + "\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "all good" || resp.SessionID != "s-1" {
		t.Errorf("unexpected response %+v", resp)
	}

	_, err = claudeDialect{}.parse([]byte(`{"is_error":true,"subtype":"error_max_turns"}`))
	if err == nil || !strings.Contains(err.Error(), "error_max_turns") {
		t.Errorf("expected reported error with subtype, got %v", err)
	}

	if _, err := (claudeDialect{}).parse([]byte("not json")); err == nil {
		t.Error("expected error for malformed output")
	}
}

// TestCodexParse verifies the last agent message wins and error events fail.
func TestCodexParse(t *testing.T) {
	stream := strings.Join([]string{
		`{"type":"thread.started","thread_id":"th-1"}`,
		`progress text that is not json`,
		`{"type":"item.completed","item":{"type":"reasoning","text":"thinking"}}`,
		`{"type":"item.completed","item":{"type":"agent_message","text":"first"}}`,
		`{"type":"item.completed","item":{"type":"agent_message","text":"final"}}`,
	}, "\n")

	resp, err := codexDialect{}.parse([]byte(stream))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.SessionID != "th-1" || resp.Content != "final" {
		t.Errorf("unexpected response %+v", resp)
	}

	if _, err := (codexDialect{}).parse([]byte(`{"type":"error","message":"quota"}`)); err == nil {
		t.Error("expected error event to fail the parse")
	}
	if _, err := (codexDialect{}).parse([]byte(`{"type":"thread.started","thread_id":"th-2"}`)); err == nil {
		t.Error("expected error when no agent message arrives")
	}
}

// TestGooseParse verifies single documents, delimited streams and the plain-text fallback.
func TestGooseParse(t *testing.T) {
	tests := []struct {
		name    string
		stdout  string
		want    string
		wantErr bool
	}{
		{name: "document", stdout: `{"content":"done"}` + "\n", want: "done"},
		{name: "stream", stdout: "{\"content\":\"part one\"}\n{\"status\":\"thinking\"}\n{\"content\":\"part two\"}\n", want: "part one\npart two"},
		{name: "plain text", stdout: "  plain answer\n", want: "plain answer"},
		{name: "empty document", stdout: `{"content":""}`, wantErr: true},
		{name: "stream without content", stdout: "{\"status\":\"a\"}\n{\"status\":\"b\"}\n", wantErr: true},
		{name: "empty", stdout: "\n", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := gooseDialect{}.parse([]byte(tt.stdout))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", resp)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if resp.Content != tt.want {
				t.Errorf("Content = %q, want %q", resp.Content, tt.want)
			}
		})
	}
}

// TestGooseAdapter_PromptOnStdin verifies goose reads the prompt from stdin.
func TestGooseAdapter_PromptOnStdin(t *testing.T) {
	cli := fakeCLI(t, `prompt=$(cat)
printf '{"content":"goose:%s"}' "$prompt"`)

	a, err := NewGooseAdapter(Config{Command: cli, WorkDir: t.TempDir(), Provider: "ollama"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Ask(context.Background(), a, "tidy up")
	if err != nil {
		t.Fatalf("Ask failed: %v", err)
	}
	if got != "goose:tidy up" {
		t.Errorf("Ask = %q, want %q", got, "goose:tidy up")
	}
}

// TestClaudeAdapter_PromptOnStdin verifies the prompt travels on stdin and the
// result document is decoded.
func TestClaudeAdapter_PromptOnStdin(t *testing.T) {
	cli := fakeCLI(t, `prompt=$(cat)
printf '{"type":"result","is_error":false,"result":"echo:%s","session_id":"abc"}' "$prompt"`)

	a, err := NewClaudeAdapter(Config{Command: cli, WorkDir: t.TempDir()}, NewProcessManager())
	if err != nil {
		t.Fatal(err)
	}

	got, err := Ask(context.Background(), a, "rewrite this")
	if err != nil {
		t.Fatalf("Ask failed: %v", err)
	}
	if got != "echo:rewrite this" {
		t.Errorf("Ask = %q, want %q", got, "echo:rewrite this")
	}
}

// TestCodexAdapter_SystemFoldedIntoStdin verifies codex receives system text ahead of the prompt.
func TestCodexAdapter_SystemFoldedIntoStdin(t *testing.T) {
	cli := fakeCLI(t, `first=$(head -n 1)
echo '{"type":"thread.started","thread_id":"th-9"}'
printf '{"type":"item.completed","item":{"type":"agent_message","text":"%s"}}\n' "$first"`)

	c, err := NewCodexAdapter(Config{Command: cli, WorkDir: t.TempDir(), SystemPrompt: "rules"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := c.Send(context.Background(), Message{Content: "go"})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if resp.Content != "rules" || resp.SessionID != "th-9" {
		t.Errorf("unexpected response %+v", resp)
	}
}

// TestCLIAdapter_ParseErrorQuotesStderr verifies undecodable output surfaces stderr.
func TestCLIAdapter_ParseErrorQuotesStderr(t *testing.T) {
	cli := fakeCLI(t, `echo "garbage"; echo "auth expired" >&2`)

	a, err := NewClaudeAdapter(Config{Command: cli, WorkDir: t.TempDir()}, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = a.Send(context.Background(), Message{Content: "x"})
	if err == nil || !strings.Contains(err.Error(), "auth expired") {
		t.Errorf("expected stderr in error, got %v", err)
	}
}
