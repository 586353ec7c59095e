package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aristath/improver/internal/analysis"
)

// SaveReport appends an analysis report. Reports are never updated in place.
func (s *SQLiteStore) SaveReport(ctx context.Context, r *analysis.Report) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reports (generated_at, quality_score, files_analyzed, body)
		VALUES (?, ?, ?, ?)
	`, unixNano(r.GeneratedAt), r.QualityScore, r.FilesAnalyzed, string(body))
	if err != nil {
		return fmt.Errorf("failed to save report: %w", err)
	}
	return nil
}

// LatestReport returns the most recently saved report.
// Returns a wrapped ErrNotFound when no report has been saved yet.
func (s *SQLiteStore) LatestReport(ctx context.Context) (*analysis.Report, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `
		SELECT body FROM reports ORDER BY id DESC LIMIT 1
	`).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("report: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query report: %w", err)
	}

	r := &analysis.Report{}
	if err := json.Unmarshal([]byte(body), r); err != nil {
		return nil, fmt.Errorf("failed to decode report: %w", err)
	}
	return r, nil
}
