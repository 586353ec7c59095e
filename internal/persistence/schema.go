package persistence

import (
	"context"
	"fmt"
)

// migrations are applied in order; PRAGMA user_version records how many ran.
// Timestamps are Unix nanoseconds, zero meaning unset.
var migrations = []string{
	`CREATE TABLE tasks (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL,
		priority TEXT NOT NULL,
		status TEXT NOT NULL,
		files TEXT NOT NULL DEFAULT '[]',
		requires_approval INTEGER NOT NULL DEFAULT 0,
		approved INTEGER NOT NULL DEFAULT 0,
		estimated_minutes INTEGER NOT NULL DEFAULT 0,
		elapsed_ns INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		fingerprint TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL DEFAULT 0,
		started_at INTEGER NOT NULL DEFAULT 0,
		finished_at INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX idx_tasks_created_at ON tasks(created_at);

	CREATE TABLE task_dependencies (
		task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		depends_on_id TEXT NOT NULL,
		PRIMARY KEY (task_id, depends_on_id)
	);

	CREATE TABLE task_changes (
		task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		seq INTEGER NOT NULL,
		kind TEXT NOT NULL,
		path TEXT NOT NULL,
		from_path TEXT NOT NULL DEFAULT '',
		previous BLOB,
		has_previous INTEGER NOT NULL DEFAULT 0,
		content BLOB,
		impact TEXT NOT NULL,
		reversible INTEGER NOT NULL DEFAULT 0,
		at INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (task_id, seq)
	);

	CREATE TABLE reports (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		generated_at INTEGER NOT NULL,
		quality_score INTEGER NOT NULL,
		files_analyzed INTEGER NOT NULL,
		body TEXT NOT NULL
	);`,

	`CREATE INDEX idx_tasks_status ON tasks(status);`,
}

// migrate brings the schema up to date. A database written by a newer
// binary is rejected.
func (s *SQLiteStore) migrate(ctx context.Context) error {
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	if version > len(migrations) {
		return fmt.Errorf("database schema version %d is newer than supported %d", version, len(migrations))
	}

	for i := version; i < len(migrations); i++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		// PRAGMA does not take bound parameters.
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: recording version: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
	}
	return nil
}
