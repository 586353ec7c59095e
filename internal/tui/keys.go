package tui

import (
	"github.com/charmbracelet/bubbles/key"
)

// promptKeys are the bindings of the approval prompt.
type promptKeys struct {
	Approve key.Binding
	Deny    key.Binding
	Details key.Binding
	Quit    key.Binding
}

func (k promptKeys) ShortHelp() []key.Binding {
	return []key.Binding{k.Approve, k.Deny, k.Details, k.Quit}
}

func (k promptKeys) FullHelp() [][]key.Binding {
	return [][]key.Binding{k.ShortHelp()}
}

var approvalKeys = promptKeys{
	Approve: key.NewBinding(key.WithKeys("y", "a"), key.WithHelp("y", "approve")),
	Deny:    key.NewBinding(key.WithKeys("n", "x"), key.WithHelp("n", "deny")),
	Details: key.NewBinding(key.WithKeys("d", "v"), key.WithHelp("d", "details")),
	Quit:    key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "deny and quit")),
}

// detailKeys are the bindings of the details view.
type detailKeys struct {
	Up   key.Binding
	Down key.Binding
	Back key.Binding
}

func (k detailKeys) ShortHelp() []key.Binding {
	return []key.Binding{k.Up, k.Down, k.Back}
}

func (k detailKeys) FullHelp() [][]key.Binding {
	return [][]key.Binding{k.ShortHelp()}
}

var detailsKeys = detailKeys{
	Up:   key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
	Down: key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
	Back: key.NewBinding(key.WithKeys("esc", "q", "enter", "ctrl+c"), key.WithHelp("esc", "back")),
}
