package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/aristath/improver/internal/config"
	"github.com/aristath/improver/internal/persistence"
	"github.com/aristath/improver/internal/task"
)

var errPersistenceDisabled = errors.New("persistence disabled: set database_path in the configuration")

// openStore opens the configured database; relative paths resolve against root.
func openStore(ctx context.Context, root string, cfg *config.Config) (persistence.Store, error) {
	if cfg.DatabasePath == "" {
		return nil, errPersistenceDisabled
	}
	path := cfg.DatabasePath
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	return persistence.NewSQLiteStore(ctx, path)
}

func (c *StatusCmd) Run(app *appContext) error {
	cfg, err := config.LoadDefault(app.root)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(app.out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Root:\t%s\n", app.root)
	fmt.Fprintf(w, "Enabled:\t%t\n", cfg.Enabled)
	fmt.Fprintf(w, "Auto-approve:\t%t\n", cfg.AutoApprove)
	fmt.Fprintf(w, "Safety level:\t%s\n", cfg.SafetyLevel)
	fmt.Fprintf(w, "Max concurrent tasks:\t%d\n", cfg.MaxConcurrentTasks)

	db, err := openStore(app.ctx, app.root, cfg)
	if errors.Is(err, errPersistenceDisabled) {
		fmt.Fprintf(w, "History:\tdisabled\n")
		return w.Flush()
	}
	if err != nil {
		return err
	}
	defer db.Close()

	if err := writeHistory(app.ctx, w, db); err != nil {
		return err
	}
	return w.Flush()
}

// writeHistory prints the latest report and task counts by status.
func writeHistory(ctx context.Context, w io.Writer, db persistence.Store) error {
	report, err := db.LatestReport(ctx)
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		fmt.Fprintf(w, "Last analysis:\tnone\n")
	case err != nil:
		return err
	default:
		fmt.Fprintf(w, "Last analysis:\t%s\n", report.GeneratedAt.Local().Format(time.DateTime))
		fmt.Fprintf(w, "Quality score:\t%d\n", report.QualityScore)
		fmt.Fprintf(w, "Files analyzed:\t%d\n", report.FilesAnalyzed)
	}

	tasks, err := db.ListTasks(ctx, 0)
	if err != nil {
		return err
	}
	counts := make(map[task.Status]int)
	for _, t := range tasks {
		counts[t.Status]++
	}
	for _, s := range []task.Status{task.StatusPending, task.StatusInProgress, task.StatusCompleted, task.StatusFailed, task.StatusCancelled} {
		fmt.Fprintf(w, "Tasks %s:\t%d\n", s, counts[s])
	}
	return nil
}

func (c *TasksCmd) Run(app *appContext) error {
	cfg, err := config.LoadDefault(app.root)
	if err != nil {
		return err
	}
	db, err := openStore(app.ctx, app.root, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	tasks, err := db.ListTasks(app.ctx, c.Limit)
	if err != nil {
		return err
	}
	return writeTasks(app.out, tasks)
}

// writeTasks prints one row per task.
func writeTasks(out io.Writer, tasks []*task.Task) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPRIORITY\tCATEGORY\tCHANGES\tNAME")
	for _, t := range tasks {
		name := t.Name
		if t.Error != nil {
			name += " (" + firstLine(t.Error.Error()) + ")"
		}
		id := t.ID
		if len(id) > 8 {
			id = id[:8]
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n", id, t.Status, t.Priority, t.Category, len(t.Changes), name)
	}
	return w.Flush()
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

func (c *ConfigShowCmd) Run(app *appContext) error {
	cfg, err := config.LoadDefault(app.root)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	_, err = fmt.Fprintln(app.out, string(data))
	return err
}

func (c *ConfigInitCmd) Run(app *appContext) error {
	_, projectPath, err := config.DefaultPaths(app.root)
	if err != nil {
		return err
	}
	if err := initConfig(projectPath, c.Force); err != nil {
		return err
	}
	_, err = fmt.Fprintf(app.out, "Wrote %s\n", projectPath)
	return err
}

// initConfig writes the defaults to path, refusing to overwrite unless force.
func initConfig(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	return config.Save(config.DefaultConfig(), path)
}

func (c *VersionCmd) Run(app *appContext) error {
	_, err := fmt.Fprintf(app.out, "improver %s (%s)\n", version, commit)
	return err
}
