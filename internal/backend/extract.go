package backend

import (
	"strings"
)

// ExtractJSON pulls the outermost JSON object out of a free-text reply.
// Markdown fences and surrounding prose are ignored. The second result is
// false when no object-shaped span is present.
func ExtractJSON(text string) (string, bool) {
	text = stripFence(strings.TrimSpace(text))

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return text[start : end+1], true
}

// ExtractFenced returns the body of the first fenced code block in text.
func ExtractFenced(text string) (string, bool) {
	open := strings.Index(text, "```")
	if open < 0 {
		return "", false
	}
	rest := text[open+3:]

	// Skip the info string (```go, ```json ...).
	nl := strings.IndexByte(rest, '\n')
	if nl < 0 {
		return "", false
	}
	rest = rest[nl+1:]

	closing := strings.Index(rest, "```")
	if closing < 0 {
		return "", false
	}
	return rest[:closing], true
}

func stripFence(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	if body, ok := ExtractFenced(text); ok {
		return strings.TrimSpace(body)
	}
	return text
}
