package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// OperationType is the kind of file operation a refactor produces.
type OperationType string

const (
	OpCreate OperationType = "create"
	OpModify OperationType = "modify"
	OpRename OperationType = "rename"
)

// Safety checks a refactor may be asked to honour.
const (
	CheckSyntax     = "syntax"
	CheckReferences = "references"
	CheckTests      = "tests"
	CheckBehavior   = "behavior"
)

// RefactorRequest describes a structural refactor over a set of files.
type RefactorRequest struct {
	Files        []string
	Contents     map[string]string // Current content per target file
	Type         string
	Parameters   map[string]string
	SafetyChecks []string
}

// FileOperation is one resulting file operation.
// FromPath is set only for renames.
type FileOperation struct {
	Type     OperationType `json:"type"`
	FilePath string        `json:"filePath"`
	FromPath string        `json:"fromPath,omitempty"`
	Content  string        `json:"content,omitempty"`
}

// RefactorResult is the outcome of a refactor.
type RefactorResult struct {
	Operations []FileOperation `json:"operations"`
}

// Refactorer executes multi-file refactor plans.
type Refactorer interface {
	Refactor(ctx context.Context, req RefactorRequest) (RefactorResult, error)
}

// PromptRefactorer implements Refactorer by asking a Backend for a JSON operation list.
type PromptRefactorer struct {
	backend Backend
}

// NewPromptRefactorer creates a Refactorer backed by b.
func NewPromptRefactorer(b Backend) *PromptRefactorer {
	return &PromptRefactorer{backend: b}
}

// Refactor sends the plan and parses the returned operations.
// Malformed replies and operations with unknown types are errors.
func (r *PromptRefactorer) Refactor(ctx context.Context, req RefactorRequest) (RefactorResult, error) {
	reply, err := Ask(ctx, r.backend, buildRefactorPrompt(req))
	if err != nil {
		return RefactorResult{}, fmt.Errorf("refactor request failed: %w", err)
	}
	return ParseRefactorResult(reply)
}

// ParseRefactorResult decodes a refactor reply.
func ParseRefactorResult(reply string) (RefactorResult, error) {
	raw, ok := ExtractJSON(reply)
	if !ok {
		return RefactorResult{}, fmt.Errorf("refactor reply contains no JSON object")
	}

	var res RefactorResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return RefactorResult{}, fmt.Errorf("failed to decode refactor reply: %w", err)
	}

	for i, op := range res.Operations {
		switch op.Type {
		case OpCreate, OpModify:
		case OpRename:
			if op.FromPath == "" {
				return RefactorResult{}, fmt.Errorf("operation %d: rename without fromPath", i)
			}
		default:
			return RefactorResult{}, fmt.Errorf("operation %d: unknown type %q", i, op.Type)
		}
		if op.FilePath == "" {
			return RefactorResult{}, fmt.Errorf("operation %d: missing filePath", i)
		}
	}
	return res, nil
}

func buildRefactorPrompt(req RefactorRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Perform a %q refactor across the files below.\n", req.Type)

	if len(req.Parameters) > 0 {
		keys := make([]string, 0, len(req.Parameters))
		for k := range req.Parameters {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("Parameters:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", k, req.Parameters[k])
		}
	}
	if len(req.SafetyChecks) > 0 {
		fmt.Fprintf(&b, "Safety checks that must hold: %s\n", strings.Join(req.SafetyChecks, ", "))
	}

	for _, f := range req.Files {
		fmt.Fprintf(&b, "\n=== %s ===\n%s\n", f, req.Contents[f])
	}

	b.WriteString("\nReply with only a JSON object of the form ")
	b.WriteString(`{"operations":[{"type":"create|modify|rename","filePath":"...","fromPath":"...","content":"..."}]}`)
	b.WriteString(". Omit files that do not change.\n")
	return b.String()
}
