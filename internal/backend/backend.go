package backend

import (
	"context"
	"fmt"
)

// Backend is the code-intelligence collaborator: it answers a prompt with free text.
// Implementations may be slow and may fail; callers treat replies as untrusted.
type Backend interface {
	// Send sends a prompt to the backend and returns its reply.
	Send(ctx context.Context, msg Message) (Response, error)

	// Close releases any resources held by the backend.
	Close() error
}

// New creates the CLI collaborator named by cfg.Type.
func New(cfg Config, pm *ProcessManager) (Backend, error) {
	switch cfg.Type {
	case "claude":
		return NewClaudeAdapter(cfg, pm)
	case "codex":
		return NewCodexAdapter(cfg, pm)
	case "goose":
		return NewGooseAdapter(cfg, pm)
	default:
		return nil, fmt.Errorf("unknown backend type: %q", cfg.Type)
	}
}

// Ask sends a single prompt and returns the reply text.
func Ask(ctx context.Context, b Backend, prompt string) (string, error) {
	resp, err := b.Send(ctx, Message{Content: prompt})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}
