package backend

import "time"

// Message is one prompt for the collaborator.
type Message struct {
	Content string
	System  string // Extra instructions for this call only
}

// Response is the collaborator's reply.
type Response struct {
	Content   string
	SessionID string
	Elapsed   time.Duration
}

// Config selects and parameterizes a CLI collaborator.
type Config struct {
	Type         string   // "claude", "codex" or "goose"
	Command      string   // Binary override; defaults to Type
	WorkDir      string   // Defaults to the current directory
	Model        string   // Passed as --model when set
	Provider     string   // LLM provider for goose (ollama, lmstudio, ...)
	SystemPrompt string   // Applied to every call
	ExtraArgs    []string // Appended verbatim after the dialect's flags
}
