package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/scholarmetrics/awardlink/internal/model"
)

// Pool is the subset of pgxpool.Pool the store uses. pgxmock satisfies it.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool Pool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresFromPool wraps an existing pool; used by tests.
func NewPostgresFromPool(pool Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool exposes the underlying connection pool for callers that run their own
// queries against the same database, such as a table-backed roster load.
func (s *PostgresStore) Pool() Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	status      TEXT NOT NULL DEFAULT 'running',
	summary     JSONB,
	started_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS linked_records (
	run_id       TEXT NOT NULL REFERENCES runs(id),
	entity_id    BIGINT NOT NULL,
	display_name TEXT NOT NULL,
	org          TEXT,
	records      JSONB NOT NULL,
	PRIMARY KEY (run_id, entity_id)
);

CREATE TABLE IF NOT EXISTS failure_events (
	id            TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	run_id        TEXT NOT NULL REFERENCES runs(id),
	component     TEXT NOT NULL,
	job_id        TEXT,
	error         TEXT,
	panic_value   TEXT,
	stack_summary TEXT,
	goroutine_id  BIGINT,
	seq           INTEGER NOT NULL,
	at            TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_linked_records_run_id ON linked_records(run_id);
CREATE INDEX IF NOT EXISTS idx_failure_events_run_id ON failure_events(run_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) CreateRun(ctx context.Context) (*model.RunSummary, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, status, started_at) VALUES ($1, $2, $3)`,
		id, string(model.RunStatusRunning), now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}

	return &model.RunSummary{
		RunID:     id,
		Status:    model.RunStatusRunning,
		StartedAt: now,
	}, nil
}

func (s *PostgresStore) FinishRun(ctx context.Context, summary model.RunSummary) error {
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal summary")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, summary = $2, finished_at = $3 WHERE id = $4`,
		string(summary.Status), summaryJSON, summary.FinishedAt.UTC(), summary.RunID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish run %s", summary.RunID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", summary.RunID)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.RunSummary, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, status, summary, started_at FROM runs WHERE id = $1`, runID)
	return scanPgRun(row)
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.RunSummary, error) {
	query := `SELECT id, status, summary, started_at FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += ` AND status = $` + strconv.Itoa(len(args))
	}
	if !filter.StartedAfter.IsZero() {
		args = append(args, filter.StartedAfter.UTC())
		query += ` AND started_at > $` + strconv.Itoa(len(args))
	}
	query += ` ORDER BY started_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += ` LIMIT $` + strconv.Itoa(len(args))

	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += ` OFFSET $` + strconv.Itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.RunSummary
	for rows.Next() {
		r, err := scanPgRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

// SaveLinkedRecords replaces the run's output dataset in one transaction.
func (s *PostgresStore) SaveLinkedRecords(ctx context.Context, runID string, linked []model.LinkedRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM linked_records WHERE run_id = $1`, runID); err != nil {
		return eris.Wrapf(err, "postgres: clear linked records for run %s", runID)
	}

	for _, l := range linked {
		recordsJSON, err := json.Marshal(l.Records)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal records")
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO linked_records (run_id, entity_id, display_name, org, records) VALUES ($1, $2, $3, $4, $5)`,
			runID, l.EntityID, l.DisplayName, l.Org, recordsJSON,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: insert linked record for entity %d", l.EntityID)
		}
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit linked records")
}

func (s *PostgresStore) LinkedRecords(ctx context.Context, runID string) ([]model.LinkedRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT entity_id, display_name, org, records FROM linked_records
		 WHERE run_id = $1 ORDER BY entity_id`, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: linked records for run %s", runID)
	}
	defer rows.Close()

	var out []model.LinkedRecord
	for rows.Next() {
		var l model.LinkedRecord
		var recordsJSON []byte
		if err := rows.Scan(&l.EntityID, &l.DisplayName, &l.Org, &recordsJSON); err != nil {
			return nil, eris.Wrap(err, "postgres: scan linked record")
		}
		if err := json.Unmarshal(recordsJSON, &l.Records); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal records")
		}
		out = append(out, l)
	}
	return out, eris.Wrap(rows.Err(), "postgres: linked records iterate")
}

func (s *PostgresStore) AppendFailures(ctx context.Context, runID string, events []model.FailureEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, ev := range events {
		_, err := tx.Exec(ctx,
			`INSERT INTO failure_events (id, run_id, component, job_id, error, panic_value, stack_summary, goroutine_id, seq, at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			uuid.New().String(), runID, ev.Component, ev.JobID, ev.Err, ev.PanicValue,
			ev.StackSummary, ev.GoroutineID, ev.Seq, ev.At.UTC(),
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: insert failure event seq %d", ev.Seq)
		}
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit failure events")
}

func (s *PostgresStore) Failures(ctx context.Context, runID string) ([]model.FailureEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT component, job_id, error, panic_value, stack_summary, goroutine_id, seq, at
		 FROM failure_events WHERE run_id = $1 ORDER BY seq`, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: failures for run %s", runID)
	}
	defer rows.Close()

	var out []model.FailureEvent
	for rows.Next() {
		var ev model.FailureEvent
		if err := rows.Scan(&ev.Component, &ev.JobID, &ev.Err, &ev.PanicValue,
			&ev.StackSummary, &ev.GoroutineID, &ev.Seq, &ev.At); err != nil {
			return nil, eris.Wrap(err, "postgres: scan failure event")
		}
		out = append(out, ev)
	}
	return out, eris.Wrap(rows.Err(), "postgres: failures iterate")
}

func scanPgRun(row pgx.Row) (*model.RunSummary, error) {
	var id string
	var status string
	var summaryJSON []byte
	var startedAt time.Time

	err := row.Scan(&id, &status, &summaryJSON, &startedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan run")
	}

	if len(summaryJSON) > 0 {
		var summary model.RunSummary
		if err := json.Unmarshal(summaryJSON, &summary); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal summary")
		}
		return &summary, nil
	}

	return &model.RunSummary{
		RunID:     id,
		Status:    model.RunStatus(status),
		StartedAt: startedAt,
	}, nil
}
