package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/improver/internal/approval"
	"github.com/aristath/improver/internal/task"
)

// PromptModel asks the user to approve, deny or inspect one task.
type PromptModel struct {
	task     *task.Task
	decision approval.Decision
	decided  bool
	help     help.Model
	width    int
}

// NewPromptModel creates a prompt for t.
func NewPromptModel(t *task.Task) PromptModel {
	return PromptModel{task: t, help: help.New()}
}

// Decision returns the user's choice and whether one was made.
func (m PromptModel) Decision() (approval.Decision, bool) {
	return m.decision, m.decided
}

func (m PromptModel) Init() tea.Cmd {
	return nil
}

func (m PromptModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.help.Width = msg.Width

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, approvalKeys.Approve):
			return m.decide(approval.Approve)
		case key.Matches(msg, approvalKeys.Deny), key.Matches(msg, approvalKeys.Quit):
			return m.decide(approval.Deny)
		case key.Matches(msg, approvalKeys.Details):
			return m.decide(approval.ViewDetails)
		}
	}
	return m, nil
}

func (m PromptModel) decide(d approval.Decision) (tea.Model, tea.Cmd) {
	m.decision = d
	m.decided = true
	return m, tea.Quit
}

func (m PromptModel) View() string {
	if m.decided {
		return fmt.Sprintf("%s: %s\n", m.task.Name, m.decision)
	}

	var b strings.Builder
	b.WriteString(StyleTitle.Render("Approve improvement task?"))
	b.WriteString("\n\n")
	b.WriteString(summary(m.task))
	b.WriteString("\n")
	b.WriteString(m.help.View(approvalKeys))

	box := StylePromptBorder
	if m.width > 4 {
		box = box.Width(m.width - 4)
	}
	return box.Render(b.String()) + "\n"
}

// summary renders the short task card shared by prompts and progress output.
func summary(t *task.Task) string {
	row := func(label, value string) string {
		return lipgloss.JoinHorizontal(lipgloss.Top, StyleLabel.Render(label), value) + "\n"
	}

	var b strings.Builder
	b.WriteString(row("Task", t.Name))
	b.WriteString(row("Category", string(t.Category)))
	b.WriteString(row("Priority", priorityStyle(t.Priority).Render(string(t.Priority))))
	b.WriteString(row("Files", strings.Join(t.Files, ", ")))
	if t.EstimatedMinutes > 0 {
		b.WriteString(row("Estimate", fmt.Sprintf("%d min", t.EstimatedMinutes)))
	}
	if first, _, _ := strings.Cut(t.Description, "\n"); first != "" {
		b.WriteString(row("Why", first))
	}
	return b.String()
}

// DetailsModel shows the full description of a task in a scrollable viewport.
type DetailsModel struct {
	task     *task.Task
	viewport viewport.Model
	help     help.Model
	ready    bool
}

// NewDetailsModel creates a details view for t.
func NewDetailsModel(t *task.Task) DetailsModel {
	return DetailsModel{task: t, help: help.New()}
}

func (m DetailsModel) Init() tea.Cmd {
	return nil
}

func (m DetailsModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		height := max(msg.Height-4, 3)
		if !m.ready {
			m.viewport = viewport.New(msg.Width-2, height)
			m.viewport.SetContent(details(m.task))
			m.ready = true
		} else {
			m.viewport.Width = msg.Width - 2
			m.viewport.Height = height
		}
		m.help.Width = msg.Width

	case tea.KeyMsg:
		if key.Matches(msg, detailsKeys.Back) {
			return m, tea.Quit
		}
		m.viewport, cmd = m.viewport.Update(msg)
	}
	return m, cmd
}

func (m DetailsModel) View() string {
	if !m.ready {
		return details(m.task)
	}
	return StyleDetailBorder.Render(m.viewport.View()) + "\n" + m.help.View(detailsKeys)
}

// details renders everything known about a task before it runs.
func details(t *task.Task) string {
	var b strings.Builder
	b.WriteString(summary(t))
	b.WriteString("\n")
	b.WriteString(StyleTitle.Render("Description"))
	b.WriteString("\n")
	b.WriteString(t.Description)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Requires approval: %t\n", t.RequiresApproval)
	if len(t.DependsOn) > 0 {
		fmt.Fprintf(&b, "Related tasks: %s\n", strings.Join(t.DependsOn, ", "))
	}
	b.WriteString("Every file change is recorded and reverted if the task fails or is cancelled.\n")
	return b.String()
}
