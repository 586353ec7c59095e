package main

import (
	"time"

	"github.com/alecthomas/kong"
)

// CLI defines the command-line interface.
type CLI struct {
	Root    string `short:"C" type:"path" default:"." help:"Project root to improve"`
	Verbose bool   `short:"v" help:"Enable debug logging"`

	Run     RunCmd     `cmd:"" help:"Run improvement cycles"`
	Status  StatusCmd  `cmd:"" help:"Show engine configuration and the latest analysis"`
	Tasks   TasksCmd   `cmd:"" help:"List recorded tasks"`
	Config  ConfigCmd  `cmd:"" help:"Show or create configuration"`
	Version VersionCmd `cmd:"" help:"Show version information"`
}

// RunCmd runs analysis-to-execution cycles until interrupted.
type RunCmd struct {
	Interval    time.Duration `default:"30m" help:"Time between cycles"`
	Once        bool          `help:"Run a single cycle and exit"`
	Backend     string        `enum:"claude,codex,goose" default:"claude" help:"Code-intelligence backend (claude, codex, goose)"`
	Command     string        `help:"Backend binary override"`
	Model       string        `help:"Backend model"`
	Provider    string        `help:"LLM provider for the goose backend (e.g. ollama)"`
	MetricsAddr string        `help:"Serve Prometheus metrics on this address (e.g. :9464)"`
}

// StatusCmd prints configuration and the latest recorded report.
type StatusCmd struct{}

// TasksCmd lists recorded tasks, newest first.
type TasksCmd struct {
	Limit int `short:"n" default:"20" help:"Maximum tasks to list (0 for all)"`
}

// ConfigCmd groups configuration subcommands.
type ConfigCmd struct {
	Show ConfigShowCmd `cmd:"" help:"Print the effective configuration"`
	Init ConfigInitCmd `cmd:"" help:"Write the default project configuration"`
}

// ConfigShowCmd prints the merged configuration as JSON.
type ConfigShowCmd struct{}

// ConfigInitCmd writes the default configuration to the project path.
type ConfigInitCmd struct {
	Force bool `help:"Overwrite an existing file"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

// kongVars returns variables for kong (version info).
func kongVars() kong.Vars {
	return kong.Vars{
		"version": version,
	}
}
