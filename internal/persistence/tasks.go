package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/improver/internal/task"
)

// SaveTask saves or updates a task together with its dependencies and change ledger.
// Uses ON CONFLICT to make saves idempotent; the ledger is replaced wholesale.
func (s *SQLiteStore) SaveTask(ctx context.Context, t *task.Task) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	errorStr := ""
	if t.Error != nil {
		errorStr = t.Error.Error()
	}
	files, err := json.Marshal(t.Files)
	if err != nil {
		return fmt.Errorf("failed to encode files: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (id, name, description, category, priority, status, files,
			requires_approval, approved, estimated_minutes, elapsed_ns, error, fingerprint,
			created_at, started_at, finished_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			category = excluded.category,
			priority = excluded.priority,
			status = excluded.status,
			files = excluded.files,
			requires_approval = excluded.requires_approval,
			approved = excluded.approved,
			estimated_minutes = excluded.estimated_minutes,
			elapsed_ns = excluded.elapsed_ns,
			error = excluded.error,
			fingerprint = excluded.fingerprint,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			updated_at = CURRENT_TIMESTAMP
	`, t.ID, t.Name, t.Description, string(t.Category), string(t.Priority), string(t.Status), string(files),
		t.RequiresApproval, t.Approved, t.EstimatedMinutes, int64(t.Elapsed), errorStr, t.Fingerprint,
		unixNano(t.CreatedAt), unixNano(t.StartedAt), unixNano(t.FinishedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert task: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM task_dependencies WHERE task_id = ?`, t.ID); err != nil {
		return fmt.Errorf("failed to delete old dependencies: %w", err)
	}
	for _, depID := range t.DependsOn {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO task_dependencies (task_id, depends_on_id) VALUES (?, ?)
		`, t.ID, depID); err != nil {
			return fmt.Errorf("failed to insert dependency %s -> %s: %w", t.ID, depID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM task_changes WHERE task_id = ?`, t.ID); err != nil {
		return fmt.Errorf("failed to delete old changes: %w", err)
	}
	for i, c := range t.Changes {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_changes (task_id, seq, kind, path, from_path, previous, has_previous, content, impact, reversible, at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, t.ID, i, string(c.Kind), c.Path, c.FromPath, c.Previous, c.HasPrevious, c.Content,
			string(c.Impact), c.Reversible, unixNano(c.At)); err != nil {
			return fmt.Errorf("failed to insert change %d for task %s: %w", i, t.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

const taskColumns = `id, name, description, category, priority, status, files,
	requires_approval, approved, estimated_minutes, elapsed_ns, error, fingerprint,
	created_at, started_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task.Task, error) {
	t := &task.Task{}
	var (
		category, priority, status, files, errorStr string
		elapsed, created, started, finished         int64
	)
	if err := row.Scan(&t.ID, &t.Name, &t.Description, &category, &priority, &status, &files,
		&t.RequiresApproval, &t.Approved, &t.EstimatedMinutes, &elapsed, &errorStr, &t.Fingerprint,
		&created, &started, &finished); err != nil {
		return nil, err
	}

	t.Category = task.Category(category)
	t.Priority = task.Priority(priority)
	t.Status = task.Status(status)
	t.Elapsed = time.Duration(elapsed)
	t.CreatedAt = fromUnixNano(created)
	t.StartedAt = fromUnixNano(started)
	t.FinishedAt = fromUnixNano(finished)
	if err := json.Unmarshal([]byte(files), &t.Files); err != nil {
		return nil, fmt.Errorf("failed to decode files for task %s: %w", t.ID, err)
	}
	if errorStr != "" {
		t.Error = errors.New(errorStr)
	}
	return t, nil
}

// GetTask retrieves a task by ID, including its dependencies and change ledger.
func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}

	if err := s.loadDetails(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// ListTasks returns the most recently created tasks first. A limit <= 0 returns all tasks.
func (s *SQLiteStore) ListTasks(ctx context.Context, limit int) ([]*task.Task, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		ORDER BY created_at DESC, id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}

	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	rows.Close()

	for _, t := range tasks {
		if err := s.loadDetails(ctx, t); err != nil {
			return nil, err
		}
	}
	return tasks, nil
}

// loadDetails fills in dependencies and the change ledger.
func (s *SQLiteStore) loadDetails(ctx context.Context, t *task.Task) error {
	depRows, err := s.db.QueryContext(ctx, `
		SELECT depends_on_id FROM task_dependencies WHERE task_id = ? ORDER BY depends_on_id
	`, t.ID)
	if err != nil {
		return fmt.Errorf("failed to query dependencies for task %s: %w", t.ID, err)
	}
	for depRows.Next() {
		var depID string
		if err := depRows.Scan(&depID); err != nil {
			depRows.Close()
			return fmt.Errorf("failed to scan dependency: %w", err)
		}
		t.DependsOn = append(t.DependsOn, depID)
	}
	depRows.Close()
	if err := depRows.Err(); err != nil {
		return fmt.Errorf("error iterating dependencies: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, path, from_path, previous, has_previous, content, impact, reversible, at
		FROM task_changes
		WHERE task_id = ?
		ORDER BY seq
	`, t.ID)
	if err != nil {
		return fmt.Errorf("failed to query changes for task %s: %w", t.ID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			c            task.Change
			kind, impact string
			at           int64
		)
		if err := rows.Scan(&kind, &c.Path, &c.FromPath, &c.Previous, &c.HasPrevious, &c.Content,
			&impact, &c.Reversible, &at); err != nil {
			return fmt.Errorf("failed to scan change: %w", err)
		}
		c.Kind = task.ChangeKind(kind)
		c.Impact = task.Impact(impact)
		c.At = fromUnixNano(at)
		if c.HasPrevious && c.Previous == nil {
			c.Previous = []byte{}
		}
		t.Changes = append(t.Changes, c)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating changes: %w", err)
	}

	if len(t.Changes) > 0 {
		t.Rollback = task.BuildRollbackPlan(t.Changes)
	}
	return nil
}
