package pipeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MigrationPipelineRuns is the SQL DDL for the pipeline_run table. It is
// safe to execute multiple times (uses IF NOT EXISTS); callers run it at
// startup as an auto-migration step.
const MigrationPipelineRuns = `
CREATE TABLE IF NOT EXISTS pipeline_run (
    id            UUID PRIMARY KEY,
    status        TEXT NOT NULL,
    started_at    TIMESTAMPTZ NOT NULL,
    finished_at   TIMESTAMPTZ,
    patients      INT NOT NULL DEFAULT 0,
    observations  INT NOT NULL DEFAULT 0,
    abnormal      INT NOT NULL DEFAULT 0,
    normal        INT NOT NULL DEFAULT 0,
    failed_files  INT NOT NULL DEFAULT 0,
    delivered     BOOLEAN NOT NULL DEFAULT false,
    error_text    TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_pipeline_run_started_at
    ON pipeline_run (started_at DESC);
`

// pgConn is the minimal database interface required by PGRunStore. Both
// *pgxpool.Pool and test mocks satisfy it.
type pgConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PGRunStore is a PostgreSQL-backed RunStore.
type PGRunStore struct {
	db pgConn
}

// NewPGRunStore creates a PG-backed store from a connection pool and applies
// the table migration.
func NewPGRunStore(ctx context.Context, pool *pgxpool.Pool) (*PGRunStore, error) {
	s := &PGRunStore{db: pool}
	if _, err := pool.Exec(ctx, MigrationPipelineRuns); err != nil {
		return nil, fmt.Errorf("migrate pipeline_run: %w", err)
	}
	return s, nil
}

func (s *PGRunStore) Create(ctx context.Context, run *Run) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO pipeline_run
			(id, status, started_at, finished_at, patients, observations,
			 abnormal, normal, failed_files, delivered, error_text)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		run.ID, run.Status, run.StartedAt, run.FinishedAt,
		run.Patients, run.Observations, run.Abnormal, run.Normal,
		run.FailedFiles, run.Delivered, run.Error)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *PGRunStore) Update(ctx context.Context, run *Run) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE pipeline_run SET
			status = $2, finished_at = $3, patients = $4, observations = $5,
			abnormal = $6, normal = $7, failed_files = $8, delivered = $9,
			error_text = $10
		WHERE id = $1`,
		run.ID, run.Status, run.FinishedAt,
		run.Patients, run.Observations, run.Abnormal, run.Normal,
		run.FailedFiles, run.Delivered, run.Error)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s not found", run.ID)
	}
	return nil
}

func (s *PGRunStore) Get(ctx context.Context, id uuid.UUID) (*Run, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, status, started_at, finished_at, patients, observations,
		       abnormal, normal, failed_files, delivered, error_text
		FROM pipeline_run WHERE id = $1`, id)

	run, err := scanRun(row)
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return run, nil
}

func (s *PGRunStore) List(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, status, started_at, finished_at, patients, observations,
		       abnormal, normal, failed_files, delivered, error_text
		FROM pipeline_run
		ORDER BY started_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

func scanRun(row pgx.Row) (*Run, error) {
	var run Run
	err := row.Scan(&run.ID, &run.Status, &run.StartedAt, &run.FinishedAt,
		&run.Patients, &run.Observations, &run.Abnormal, &run.Normal,
		&run.FailedFiles, &run.Delivered, &run.Error)
	if err != nil {
		return nil, err
	}
	return &run, nil
}
