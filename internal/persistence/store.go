package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aristath/improver/internal/analysis"
	"github.com/aristath/improver/internal/task"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Store retains tasks, their change ledgers and analysis reports across runs.
type Store interface {
	SaveTask(ctx context.Context, t *task.Task) error
	GetTask(ctx context.Context, taskID string) (*task.Task, error)
	ListTasks(ctx context.Context, limit int) ([]*task.Task, error)

	SaveReport(ctx context.Context, r *analysis.Report) error
	LatestReport(ctx context.Context) (*analysis.Report, error)

	Close() error
}

// SQLiteStore implements Store on a modernc.org/sqlite database.
type SQLiteStore struct {
	db *sql.DB
}

// writeTimeout bounds every write transaction.
const writeTimeout = 5 * time.Second

// connPragmas are applied by the driver to every pooled connection.
var connPragmas = []string{
	"busy_timeout(5000)",
	"foreign_keys(1)",
}

// NewSQLiteStore opens (creating if needed) the database file at dbPath in WAL mode.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}
	pragmas := append([]string{"journal_mode(WAL)", "synchronous(NORMAL)"}, connPragmas...)
	return open(ctx, "file:"+dbPath, pragmas)
}

// NewMemoryStore opens a private in-memory database, for tests.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	name := fmt.Sprintf("file:mem-%d?mode=memory&cache=shared", time.Now().UnixNano())
	return open(ctx, name, connPragmas)
}

func open(ctx context.Context, dsn string, pragmas []string) (*SQLiteStore, error) {
	q := url.Values{}
	for _, p := range pragmas {
		q.Add("_pragma", p)
	}
	q.Set("_txlock", "immediate")
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}

	db, err := sql.Open("sqlite", dsn+sep+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// Task loads nest a details query inside a row scan, so two connections are needed.
	db.SetMaxOpenConns(2)

	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
