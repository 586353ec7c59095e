package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// waitDelay bounds how long Wait blocks on output pipes after the process exits.
const waitDelay = 2 * time.Second

// stderrTail is the most stderr quoted in an error.
const stderrTail = 2048

// invocation describes one collaborator subprocess.
type invocation struct {
	command string
	args    []string
	dir     string
	stdin   io.Reader
}

// output is what a finished subprocess wrote.
type output struct {
	stdout []byte
	stderr []byte
}

// build creates the exec.Cmd for inv in a fresh process group, so that
// cancelling ctx kills the collaborator together with anything it spawned.
func (inv invocation) build(ctx context.Context) *exec.Cmd {
	cmd := exec.CommandContext(ctx, inv.command, inv.args...)
	cmd.Dir = inv.dir
	cmd.Stdin = inv.stdin
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error { return killGroup(cmd) }
	cmd.WaitDelay = waitDelay
	return cmd
}

// run executes inv to completion. When pm is non-nil the process is tracked
// while it runs.
func run(ctx context.Context, inv invocation, pm *ProcessManager) (output, error) {
	cmd := inv.build(ctx)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return output{}, fmt.Errorf("starting %s: %w", inv.command, err)
	}
	if pm != nil {
		pm.Track(cmd)
		defer pm.Untrack(cmd)
	}

	err := cmd.Wait()
	out := output{stdout: stdout.Bytes(), stderr: stderr.Bytes()}

	switch {
	case err == nil:
		return out, nil
	case ctx.Err() != nil:
		return out, fmt.Errorf("%s interrupted: %w", inv.command, ctx.Err())
	case len(out.stderr) > 0:
		return out, fmt.Errorf("%s failed: %w: %s", inv.command, err, tail(out.stderr, stderrTail))
	default:
		return out, fmt.Errorf("%s failed: %w", inv.command, err)
	}
}

func tail(b []byte, n int) string {
	b = bytes.TrimSpace(b)
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(b)
}

// killGroup sends SIGKILL to the command's whole process group.
func killGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return errors.New("process not started")
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("killing process group %d: %w", cmd.Process.Pid, err)
	}
	return nil
}

// ProcessManager tracks running collaborator subprocesses so shutdown can
// terminate them all.
type ProcessManager struct {
	mu      sync.Mutex
	running map[*exec.Cmd]struct{}
}

// NewProcessManager creates an empty ProcessManager.
func NewProcessManager() *ProcessManager {
	return &ProcessManager{running: make(map[*exec.Cmd]struct{})}
}

// Track registers a started subprocess. Unstarted commands are ignored.
func (pm *ProcessManager) Track(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pm.mu.Lock()
	pm.running[cmd] = struct{}{}
	pm.mu.Unlock()
}

// Untrack forgets a subprocess.
func (pm *ProcessManager) Untrack(cmd *exec.Cmd) {
	pm.mu.Lock()
	delete(pm.running, cmd)
	pm.mu.Unlock()
}

// KillAll kills the process group of every tracked subprocess. Tracking is
// left to the callers that started them.
func (pm *ProcessManager) KillAll() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var errs []error
	for cmd := range pm.running {
		errs = append(errs, killGroup(cmd))
	}
	return errors.Join(errs...)
}

// Count returns the number of tracked subprocesses.
func (pm *ProcessManager) Count() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.running)
}
