// Package sqlite is the default report store: a local file, no server.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"etl/internal/report"
)

type Store struct {
	db *sql.DB
}

func init() {
	report.RegisterStore("sqlite", New)
}

func New(ctx context.Context, cfg report.StoreConfig) (report.Store, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() { _ = s.db.Close() }

func (s *Store) EnsureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS load_results (
	run_id        TEXT NOT NULL,
	node_type     TEXT NOT NULL,
	stage         TEXT NOT NULL,
	submitter_id  TEXT NOT NULL,
	document_id   TEXT,
	status        TEXT NOT NULL,
	error_kind    TEXT,
	detail        TEXT,
	recorded_at   TEXT NOT NULL,
	PRIMARY KEY (run_id, node_type, stage, submitter_id)
)`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create load_results: %w", err)
	}
	return nil
}

// SaveResults upserts via ON CONFLICT DO UPDATE: the primary key makes
// re-saving a re-run's result overwrite the earlier row.
func (s *Store) SaveResults(ctx context.Context, results []report.Result) error {
	if len(results) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString(`INSERT INTO load_results
	(run_id, node_type, stage, submitter_id, document_id, status, error_kind, detail, recorded_at) VALUES `)

	args := make([]any, 0, len(results)*9)
	for i, r := range results {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(?, ?, ?, ?, ?, ?, ?, ?, ?)")
		args = append(args,
			r.RunID, r.NodeType, r.Stage, r.SubmitterID, r.DocumentID,
			string(r.Status), r.ErrorKind, r.Detail, r.At.UTC().Format(time.RFC3339Nano),
		)
	}
	b.WriteString(` ON CONFLICT (run_id, node_type, stage, submitter_id) DO UPDATE SET
	document_id = excluded.document_id,
	status      = excluded.status,
	error_kind  = excluded.error_kind,
	detail      = excluded.detail,
	recorded_at = excluded.recorded_at`)

	if _, err := s.db.ExecContext(ctx, b.String(), args...); err != nil {
		return fmt.Errorf("save results: %w", err)
	}
	return nil
}

func (s *Store) UnfinishedKeys(ctx context.Context, runID, nodeType string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT submitter_id FROM load_results
WHERE run_id = ? AND node_type = ? AND status IN ('failed', 'skipped')
ORDER BY submitter_id`, runID, nodeType)
	if err != nil {
		return nil, fmt.Errorf("query unfinished keys: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}
