// Package tui is the terminal user-interaction surface: approval prompts,
// task details, notifications and a running log of lifecycle events.
package tui

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/aristath/improver/internal/approval"
	"github.com/aristath/improver/internal/events"
	"github.com/aristath/improver/internal/task"
)

// Surface implements approval.Surface on a terminal. Prompts and printed
// lines never interleave.
type Surface struct {
	mu    sync.Mutex
	in    io.Reader
	out   io.Writer
	width int
}

var _ approval.Surface = (*Surface)(nil)

// NewSurface creates a Surface reading keys from in and drawing to out.
// nil arguments default to the process's stdin and stdout.
func NewSurface(in io.Reader, out io.Writer) *Surface {
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stdout
	}
	return &Surface{in: in, out: out, width: 80}
}

// PromptApproval shows t and waits for approve, deny or details.
// It returns ctx.Err() if ctx ends before the user answers.
func (s *Surface) PromptApproval(ctx context.Context, t *task.Task) (approval.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	final, err := s.run(ctx, NewPromptModel(t))
	if err != nil {
		return approval.Deny, err
	}
	if m, ok := final.(PromptModel); ok {
		if d, decided := m.Decision(); decided {
			return d, nil
		}
	}
	return approval.Deny, nil
}

// ShowDetails shows the full task until the user goes back.
func (s *Surface) ShowDetails(ctx context.Context, t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.run(ctx, NewDetailsModel(t))
	return err
}

// Notify prints a one-line message.
func (s *Surface) Notify(msg string) {
	s.println(StyleNotice.Render("• " + msg))
}

// ShowProgress prints a title followed by its steps.
func (s *Surface) ShowProgress(title string, steps []string) {
	var b strings.Builder
	b.WriteString(StyleTitle.Render(title))
	for i, step := range steps {
		fmt.Fprintf(&b, "\n  %d. %s", i+1, step)
	}
	s.println(b.String())
}

// Follow prints lifecycle events from sub until it closes or ctx ends.
func (s *Surface) Follow(ctx context.Context, sub <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if p, isProgress := ev.(events.CycleProgressEvent); isProgress {
				s.println(RenderProgress(p, s.width))
				continue
			}
			if line, show := FormatEvent(ev); show {
				s.println(line)
			}
		}
	}
}

func (s *Surface) println(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintln(s.out, line)
}

// run drives model to completion on the terminal.
func (s *Surface) run(ctx context.Context, model tea.Model) (tea.Model, error) {
	p := tea.NewProgram(model,
		tea.WithContext(ctx),
		tea.WithInput(s.in),
		tea.WithOutput(s.out),
		tea.WithoutSignalHandler(),
	)
	final, err := p.Run()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, fmt.Errorf("running terminal prompt: %w", err)
	}
	return final, nil
}
