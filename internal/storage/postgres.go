package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

const schema = `
CREATE TABLE IF NOT EXISTS task_runs (
	id          UUID PRIMARY KEY,
	run_id      TEXT NOT NULL,
	tool        TEXT NOT NULL,
	mode        TEXT NOT NULL,
	filename    TEXT NOT NULL,
	result_dir  TEXT NOT NULL,
	exit_code   INTEGER,
	status      TEXT NOT NULL,
	findings    INTEGER NOT NULL DEFAULT 0,
	error       TEXT NOT NULL DEFAULT '',
	duration_ms BIGINT NOT NULL DEFAULT 0,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS task_runs_run_id_idx ON task_runs (run_id);`

// DB wraps a PostgreSQL connection pool for the task run index.
type DB struct {
	pool *pgxpool.Pool
}

// New creates a new database connection pool.
func New(ctx context.Context, dsn string) (*DB, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	config.MaxConns = 8
	config.MinConns = 1
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return &DB{pool: pool}, nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Healthy checks database connectivity.
func (db *DB) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

// EnsureSchema creates the task_runs table if it does not exist.
func (db *DB) EnsureSchema(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

// LogTaskRun inserts a task run record.
func (db *DB) LogTaskRun(ctx context.Context, run *TaskRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}

	query := `
		INSERT INTO task_runs (id, run_id, tool, mode, filename, result_dir,
			exit_code, status, findings, error, duration_ms, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO NOTHING`

	_, err := db.pool.Exec(ctx, query,
		run.ID, run.RunID, run.Tool, run.Mode, run.Filename, run.ResultDir,
		run.ExitCode, run.Status, run.Findings,
		truncateForDB(run.Error, 4096),
		run.DurationMS, run.StartedAt, run.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting task run: %w", err)
	}
	return nil
}

// ListTaskRuns queries task runs with optional filters, newest first.
func (db *DB) ListTaskRuns(ctx context.Context, filter TaskRunFilter) ([]TaskRun, error) {
	query := `
		SELECT id, run_id, tool, mode, filename, result_dir, exit_code,
			status, findings, error, duration_ms, started_at, finished_at
		FROM task_runs
		WHERE ($1 = '' OR run_id = $1)
		  AND ($2 = '' OR tool = $2)
		  AND ($3 = '' OR status = $3)
		ORDER BY started_at DESC
		LIMIT $4 OFFSET $5`

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := db.pool.Query(ctx, query,
		filter.RunID, filter.Tool, filter.Status, limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying task runs: %w", err)
	}
	defer rows.Close()

	var results []TaskRun
	for rows.Next() {
		var run TaskRun
		if err := rows.Scan(
			&run.ID, &run.RunID, &run.Tool, &run.Mode, &run.Filename, &run.ResultDir,
			&run.ExitCode, &run.Status, &run.Findings, &run.Error,
			&run.DurationMS, &run.StartedAt, &run.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning task run row: %w", err)
		}
		results = append(results, run)
	}

	return results, rows.Err()
}

func truncateForDB(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
