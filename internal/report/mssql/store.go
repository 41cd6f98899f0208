package mssql

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/microsoft/go-mssqldb"

	"etl/internal/report"
)

func init() {
	report.RegisterStore("mssql", New)
}

// Store persists load results in Microsoft SQL Server via database/sql.
type Store struct {
	db *sql.DB
}

// New opens a SQL Server-backed result store and validates connectivity.
func New(ctx context.Context, cfg report.StoreConfig) (report.Store, error) {
	db, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("mssql: open: %w", err)
	}

	// Conservative defaults for bursty batch writes.
	db.SetMaxOpenConns(64)
	db.SetMaxIdleConns(64)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("mssql: ping: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() {
	if s == nil || s.db == nil {
		return
	}
	_ = s.db.Close()
}

// EnsureSchema creates the load_results table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	const ddl = `
IF OBJECT_ID('load_results', 'U') IS NULL
CREATE TABLE load_results (
	run_id       NVARCHAR(64)  NOT NULL,
	node_type    NVARCHAR(128) NOT NULL,
	stage        NVARCHAR(32)  NOT NULL,
	submitter_id NVARCHAR(256) NOT NULL,
	document_id  NVARCHAR(64)  NOT NULL DEFAULT '',
	status       NVARCHAR(16)  NOT NULL,
	error_kind   NVARCHAR(64)  NOT NULL DEFAULT '',
	detail       NVARCHAR(MAX) NOT NULL DEFAULT '',
	at           DATETIMEOFFSET NOT NULL,
	CONSTRAINT pk_load_results PRIMARY KEY (run_id, node_type, stage, submitter_id)
)`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("mssql: ensure schema: %w", err)
	}
	return nil
}

// SaveResults upserts results one row at a time inside a transaction.
// SQL Server has no ON CONFLICT clause, so each row is an UPDATE followed by
// an INSERT when no row matched. The transaction keeps a batch atomic.
func (s *Store) SaveResults(ctx context.Context, results []report.Result) error {
	if len(results) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mssql: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const update = `
UPDATE load_results
SET document_id = @p5, status = @p6, error_kind = @p7, detail = @p8, at = @p9
WHERE run_id = @p1 AND node_type = @p2 AND stage = @p3 AND submitter_id = @p4`

	const insert = `
INSERT INTO load_results (run_id, node_type, stage, submitter_id, document_id, status, error_kind, detail, at)
VALUES (@p1, @p2, @p3, @p4, @p5, @p6, @p7, @p8, @p9)`

	for _, r := range results {
		args := []any{
			r.RunID, r.NodeType, r.Stage, r.SubmitterID,
			r.DocumentID, string(r.Status), r.ErrorKind, r.Detail, r.At,
		}

		res, err := tx.ExecContext(ctx, update, args...)
		if err != nil {
			return fmt.Errorf("mssql: update result: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("mssql: rows affected: %w", err)
		}
		if n > 0 {
			continue
		}

		if _, err := tx.ExecContext(ctx, insert, args...); err != nil {
			return fmt.Errorf("mssql: insert result: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("mssql: commit: %w", err)
	}
	return nil
}

// UnfinishedKeys returns submitter IDs recorded failed or skipped for a run
// and node type.
func (s *Store) UnfinishedKeys(ctx context.Context, runID, nodeType string) ([]string, error) {
	const q = `
SELECT submitter_id FROM load_results
WHERE run_id = @p1 AND node_type = @p2 AND status IN ('failed', 'skipped')
ORDER BY submitter_id`

	rows, err := s.db.QueryContext(ctx, q, runID, nodeType)
	if err != nil {
		return nil, fmt.Errorf("mssql: unfinished keys: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("mssql: scan key: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
