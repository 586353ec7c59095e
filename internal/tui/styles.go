package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/improver/internal/task"
)

// Border styles
var (
	StylePromptBorder = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("62")).
				Padding(0, 1)

	StyleDetailBorder = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("240"))
)

// Status styles
var (
	StyleStatusRunning = lipgloss.NewStyle().
				Foreground(lipgloss.Color("214")).
				Bold(true)

	StyleStatusComplete = lipgloss.NewStyle().
				Foreground(lipgloss.Color("42")).
				Bold(true)

	StyleStatusFailed = lipgloss.NewStyle().
				Foreground(lipgloss.Color("196")).
				Bold(true)

	StyleStatusPending = lipgloss.NewStyle().
				Foreground(lipgloss.Color("240"))
)

// UI element styles
var (
	StyleTitle = lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1)

	StyleLabel = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			Width(10)

	StyleNotice = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39"))
)

// priorityStyle colours a priority by urgency.
func priorityStyle(p task.Priority) lipgloss.Style {
	switch p {
	case task.PriorityCritical:
		return StyleStatusFailed
	case task.PriorityHigh:
		return StyleStatusRunning
	case task.PriorityMedium:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	default:
		return StyleStatusPending
	}
}

// statusStyle colours a task status.
func statusStyle(s task.Status) lipgloss.Style {
	switch s {
	case task.StatusInProgress:
		return StyleStatusRunning
	case task.StatusCompleted:
		return StyleStatusComplete
	case task.StatusFailed:
		return StyleStatusFailed
	default:
		return StyleStatusPending
	}
}
