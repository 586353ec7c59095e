package config

import (
	"fmt"
	"time"

	"github.com/aristath/improver/internal/task"
)

// SafetyLevel biases how strictly candidate changes are validated.
type SafetyLevel string

const (
	SafetyConservative SafetyLevel = "conservative"
	SafetyModerate     SafetyLevel = "moderate"
	SafetyAggressive   SafetyLevel = "aggressive"
)

// Valid reports whether the level is one of the known values.
func (s SafetyLevel) Valid() bool {
	switch s {
	case SafetyConservative, SafetyModerate, SafetyAggressive:
		return true
	}
	return false
}

// Config is the top-level configuration. It is read at the start of every
// analysis cycle and treated as read-only until the cycle finishes.
type Config struct {
	Enabled                bool           `json:"enabled"`
	AutoApprove            bool           `json:"auto_approve"`
	MaxConcurrentTasks     int            `json:"max_concurrent_tasks"`
	ApprovalTimeoutMinutes int            `json:"approval_timeout_minutes"`
	IncludePatterns        []string       `json:"include_patterns"`
	ExcludePatterns        []string       `json:"exclude_patterns"`
	SafetyLevel            SafetyLevel    `json:"safety_level"`
	TaskTimeoutMinutes     map[string]int `json:"task_timeout_minutes,omitempty"` // Keyed by task category
	MaxDetailViews         int            `json:"max_detail_views"`               // Cap on "view details" per approval
	AnalysisConcurrency    int            `json:"analysis_concurrency"`           // Parallel per-file analysis
	TestDir                string         `json:"test_dir"`                       // Subdirectory for generated tests
	DatabasePath           string         `json:"database_path,omitempty"`        // Empty disables persistence
}

// ApprovalTimeout returns the approval timeout as a duration (0 means none).
func (c *Config) ApprovalTimeout() time.Duration {
	return time.Duration(c.ApprovalTimeoutMinutes) * time.Minute
}

// TaskTimeout returns the execution timeout for a task category (0 means none).
func (c *Config) TaskTimeout(category task.Category) time.Duration {
	if m, ok := c.TaskTimeoutMinutes[string(category)]; ok {
		return time.Duration(m) * time.Minute
	}
	return 0
}

// Validate checks invariants that the engine relies on.
func (c *Config) Validate() error {
	if c.MaxConcurrentTasks < 1 {
		return fmt.Errorf("max_concurrent_tasks must be >= 1, got %d", c.MaxConcurrentTasks)
	}
	if c.ApprovalTimeoutMinutes < 0 {
		return fmt.Errorf("approval_timeout_minutes must not be negative, got %d", c.ApprovalTimeoutMinutes)
	}
	if !c.SafetyLevel.Valid() {
		return fmt.Errorf("unknown safety_level %q", c.SafetyLevel)
	}
	for category, minutes := range c.TaskTimeoutMinutes {
		if minutes < 0 {
			return fmt.Errorf("task_timeout_minutes[%s] must not be negative, got %d", category, minutes)
		}
	}
	if c.MaxDetailViews < 0 {
		return fmt.Errorf("max_detail_views must not be negative, got %d", c.MaxDetailViews)
	}
	return nil
}
