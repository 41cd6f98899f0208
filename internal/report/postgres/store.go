package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"etl/internal/report"
)

func init() {
	report.RegisterStore("postgres", New)
}

// Store persists load results in Postgres using a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New opens a Postgres-backed result store and validates connectivity.
func New(ctx context.Context, cfg report.StoreConfig) (report.Store, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the load_results table if it does not exist.
// Idempotent and safe to run on every pipeline invocation.
func (s *Store) EnsureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS load_results (
	run_id       TEXT NOT NULL,
	node_type    TEXT NOT NULL,
	stage        TEXT NOT NULL,
	submitter_id TEXT NOT NULL,
	document_id  TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	error_kind   TEXT NOT NULL DEFAULT '',
	detail       TEXT NOT NULL DEFAULT '',
	at           TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (run_id, node_type, stage, submitter_id)
)`
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("postgres: ensure schema: %w", err)
	}
	return nil
}

// SaveResults upserts a batch of results in a single multi-row INSERT.
// Re-running a stage for the same keys overwrites the previous outcome,
// so a retried load converges on the latest status.
func (s *Store) SaveResults(ctx context.Context, results []report.Result) error {
	if len(results) == 0 {
		return nil
	}

	sql, args := buildUpsertSQL(results)
	if _, err := s.pool.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("postgres: save results: %w", err)
	}
	return nil
}

// buildUpsertSQL constructs the multi-row upsert and its args.
// Pure, so placeholder numbering can be unit tested without a database.
func buildUpsertSQL(results []report.Result) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO load_results ")
	b.WriteString("(run_id, node_type, stage, submitter_id, document_id, status, error_kind, detail, at) VALUES ")

	args := make([]any, 0, len(results)*9)
	for i, r := range results {
		if i > 0 {
			b.WriteString(", ")
		}
		base := i * 9
		b.WriteString("(")
		for j := 1; j <= 9; j++ {
			if j > 1 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", base+j)
		}
		b.WriteString(")")
		args = append(args,
			r.RunID, r.NodeType, r.Stage, r.SubmitterID,
			r.DocumentID, string(r.Status), r.ErrorKind, r.Detail, r.At)
	}

	b.WriteString(" ON CONFLICT (run_id, node_type, stage, submitter_id) DO UPDATE SET ")
	b.WriteString("document_id = EXCLUDED.document_id, status = EXCLUDED.status, ")
	b.WriteString("error_kind = EXCLUDED.error_kind, detail = EXCLUDED.detail, at = EXCLUDED.at")
	return b.String(), args
}

// UnfinishedKeys returns submitter IDs whose latest recorded outcome for the
// node type is not success, so a follow-up run can target only those records.
func (s *Store) UnfinishedKeys(ctx context.Context, runID, nodeType string) ([]string, error) {
	const q = `
SELECT submitter_id FROM load_results
WHERE run_id = $1 AND node_type = $2 AND status IN ('failed', 'skipped')
ORDER BY submitter_id`

	rows, err := s.pool.Query(ctx, q, runID, nodeType)
	if err != nil {
		return nil, fmt.Errorf("postgres: unfinished keys: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: scan key: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
