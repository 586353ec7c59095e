package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// dialect adapts one agent CLI: how to ask it to read a prompt from stdin and
// how to read its answer from stdout.
type dialect interface {
	name() string
	args(f flags) []string
	// stdin returns the text written to the process; dialects without a
	// system-prompt flag fold system into it.
	stdin(prompt, system string) string
	parse(stdout []byte) (Response, error)
}

// flags are the per-call settings a dialect may map onto command-line flags.
type flags struct {
	model    string
	provider string
	system   string
}

// CLIAdapter answers prompts by running an agent CLI once per call.
// It holds no conversation state between calls.
type CLIAdapter struct {
	dialect   dialect
	command   string
	workDir   string
	model     string
	provider  string
	system    string
	extraArgs []string
	procMgr   *ProcessManager
}

func newCLIAdapter(d dialect, cfg Config, pm *ProcessManager) (*CLIAdapter, error) {
	workDir := cfg.WorkDir
	if workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolving working directory: %w", err)
		}
		workDir = wd
	}
	command := cfg.Command
	if command == "" {
		command = d.name()
	}
	return &CLIAdapter{
		dialect:   d,
		command:   command,
		workDir:   workDir,
		model:     cfg.Model,
		provider:  cfg.Provider,
		system:    cfg.SystemPrompt,
		extraArgs: cfg.ExtraArgs,
		procMgr:   pm,
	}, nil
}

// NewClaudeAdapter runs `claude -p` in JSON output mode. pm may be nil.
func NewClaudeAdapter(cfg Config, pm *ProcessManager) (*CLIAdapter, error) {
	return newCLIAdapter(claudeDialect{}, cfg, pm)
}

// NewCodexAdapter runs `codex exec --json`. pm may be nil.
func NewCodexAdapter(cfg Config, pm *ProcessManager) (*CLIAdapter, error) {
	return newCLIAdapter(codexDialect{}, cfg, pm)
}

// NewGooseAdapter runs `goose run` with the prompt read from stdin. Provider
// and model select a local LLM. pm may be nil.
func NewGooseAdapter(cfg Config, pm *ProcessManager) (*CLIAdapter, error) {
	return newCLIAdapter(gooseDialect{}, cfg, pm)
}

// Send runs one invocation with msg on stdin.
func (a *CLIAdapter) Send(ctx context.Context, msg Message) (Response, error) {
	system := joinNonEmpty(a.system, msg.System)
	inv := invocation{
		command: a.command,
		args:    a.buildArgs(system),
		dir:     a.workDir,
		stdin:   strings.NewReader(a.dialect.stdin(msg.Content, system)),
	}

	start := time.Now()
	out, err := run(ctx, inv, a.procMgr)
	if err != nil {
		return Response{}, err
	}

	resp, err := a.dialect.parse(out.stdout)
	if err != nil {
		if len(out.stderr) > 0 {
			return Response{}, fmt.Errorf("%s: %w (stderr: %s)", a.dialect.name(), err, tail(out.stderr, stderrTail))
		}
		return Response{}, fmt.Errorf("%s: %w", a.dialect.name(), err)
	}
	resp.Elapsed = time.Since(start)
	return resp, nil
}

// Close is a no-op; every call owns its own process.
func (a *CLIAdapter) Close() error {
	return nil
}

func (a *CLIAdapter) buildArgs(system string) []string {
	f := flags{model: a.model, provider: a.provider, system: system}
	return append(a.dialect.args(f), a.extraArgs...)
}

func joinNonEmpty(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n\n")
}

// claudeDialect speaks `claude -p --output-format json`; the prompt is read from stdin.
type claudeDialect struct{}

func (claudeDialect) name() string { return "claude" }

func (claudeDialect) args(f flags) []string {
	args := []string{"-p", "--output-format", "json"}
	if f.model != "" {
		args = append(args, "--model", f.model)
	}
	if f.system != "" {
		args = append(args, "--append-system-prompt", f.system)
	}
	return args
}

func (claudeDialect) stdin(prompt, _ string) string { return prompt }

func (claudeDialect) parse(stdout []byte) (Response, error) {
	var doc struct {
		Subtype   string `json:"subtype"`
		IsError   bool   `json:"is_error"`
		Result    string `json:"result"`
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(bytes.TrimSpace(stdout), &doc); err != nil {
		return Response{}, fmt.Errorf("decoding result document: %w", err)
	}
	if doc.IsError {
		reason := doc.Result
		if reason == "" {
			reason = doc.Subtype
		}
		return Response{}, fmt.Errorf("reported error: %s", reason)
	}
	return Response{Content: doc.Result, SessionID: doc.SessionID}, nil
}

// codexDialect speaks `codex exec --json -`; stdout is a JSONL event stream.
type codexDialect struct{}

func (codexDialect) name() string { return "codex" }

func (codexDialect) args(f flags) []string {
	args := []string{"exec", "--json"}
	if f.model != "" {
		args = append(args, "--model", f.model)
	}
	return append(args, "-")
}

func (codexDialect) stdin(prompt, system string) string {
	return joinNonEmpty(system, prompt)
}

// parse keeps the last agent message. Non-JSON lines are progress noise and
// are skipped; an error event fails the call.
func (codexDialect) parse(stdout []byte) (Response, error) {
	var resp Response
	scanner := bufio.NewScanner(bytes.NewReader(stdout))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var ev struct {
			Type     string `json:"type"`
			ThreadID string `json:"thread_id"`
			Message  string `json:"message"`
			Item     struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"item"`
		}
		if json.Unmarshal(line, &ev) != nil {
			continue
		}
		switch ev.Type {
		case "thread.started":
			resp.SessionID = ev.ThreadID
		case "item.completed":
			if ev.Item.Type == "agent_message" {
				resp.Content = ev.Item.Text
			}
		case "error", "turn.failed":
			return Response{}, fmt.Errorf("reported error: %s", ev.Message)
		}
	}
	if err := scanner.Err(); err != nil {
		return Response{}, fmt.Errorf("reading event stream: %w", err)
	}
	if resp.Content == "" {
		return Response{}, errors.New("event stream carried no agent message")
	}
	return resp, nil
}

// gooseDialect speaks `goose run --instructions -`. Sessions are not kept.
type gooseDialect struct{}

func (gooseDialect) name() string { return "goose" }

func (gooseDialect) args(f flags) []string {
	args := []string{"run", "--instructions", "-", "--no-session", "--output-format", "json"}
	if f.provider != "" {
		args = append(args, "--provider", f.provider)
	}
	if f.model != "" {
		args = append(args, "--model", f.model)
	}
	if f.system != "" {
		args = append(args, "--system", f.system)
	}
	return args
}

func (gooseDialect) stdin(prompt, _ string) string { return prompt }

// parse accepts a single JSON document, newline-delimited documents whose
// contents are joined, or plain text when the build has no JSON output.
func (gooseDialect) parse(stdout []byte) (Response, error) {
	trimmed := bytes.TrimSpace(stdout)
	if len(trimmed) == 0 {
		return Response{}, errors.New("empty output")
	}

	type document struct {
		Content string `json:"content"`
	}
	var doc document
	if json.Unmarshal(trimmed, &doc) == nil {
		if doc.Content == "" {
			return Response{}, errors.New("result document has no content")
		}
		return Response{Content: doc.Content}, nil
	}

	var parts []string
	sawJSON := false
	for _, line := range bytes.Split(trimmed, []byte("\n")) {
		var d document
		if json.Unmarshal(bytes.TrimSpace(line), &d) != nil {
			continue
		}
		sawJSON = true
		if d.Content != "" {
			parts = append(parts, d.Content)
		}
	}
	if len(parts) > 0 {
		return Response{Content: strings.Join(parts, "\n")}, nil
	}
	if sawJSON {
		return Response{}, errors.New("event stream carried no content")
	}
	return Response{Content: string(trimmed)}, nil
}
