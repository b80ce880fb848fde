package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/scholarmetrics/awardlink/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	status      TEXT NOT NULL DEFAULT 'running',
	summary     TEXT,
	started_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	finished_at DATETIME
);

CREATE TABLE IF NOT EXISTS linked_records (
	run_id       TEXT NOT NULL REFERENCES runs(id),
	entity_id    INTEGER NOT NULL,
	display_name TEXT NOT NULL,
	org          TEXT,
	records      TEXT NOT NULL,
	PRIMARY KEY (run_id, entity_id)
);

CREATE TABLE IF NOT EXISTS failure_events (
	id            TEXT PRIMARY KEY,
	run_id        TEXT NOT NULL REFERENCES runs(id),
	component     TEXT NOT NULL,
	job_id        TEXT,
	error         TEXT,
	panic_value   TEXT,
	stack_summary TEXT,
	goroutine_id  INTEGER,
	seq           INTEGER NOT NULL,
	at            DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_linked_records_run_id ON linked_records(run_id);
CREATE INDEX IF NOT EXISTS idx_failure_events_run_id ON failure_events(run_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateRun(ctx context.Context) (*model.RunSummary, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, status, started_at) VALUES (?, ?, ?)`,
		id, string(model.RunStatusRunning), now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}

	return &model.RunSummary{
		RunID:     id,
		Status:    model.RunStatusRunning,
		StartedAt: now,
	}, nil
}

func (s *SQLiteStore) FinishRun(ctx context.Context, summary model.RunSummary) error {
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal summary")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, summary = ?, finished_at = ? WHERE id = ?`,
		string(summary.Status), string(summaryJSON), summary.FinishedAt.UTC(), summary.RunID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", summary.RunID)
	}
	return checkRowsAffected(res, "run", summary.RunID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.RunSummary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, status, summary, started_at FROM runs WHERE id = ?`, runID)
	return scanRun(row)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.RunSummary, error) {
	query := `SELECT id, status, summary, started_at FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if !filter.StartedAfter.IsZero() {
		query += ` AND started_at > ?`
		args = append(args, filter.StartedAfter.UTC())
	}
	query += ` ORDER BY started_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []model.RunSummary
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

// SaveLinkedRecords replaces the run's output dataset in one transaction.
func (s *SQLiteStore) SaveLinkedRecords(ctx context.Context, runID string, linked []model.LinkedRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM linked_records WHERE run_id = ?`, runID); err != nil {
		return eris.Wrapf(err, "sqlite: clear linked records for run %s", runID)
	}

	for _, l := range linked {
		recordsJSON, err := json.Marshal(l.Records)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal records")
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO linked_records (run_id, entity_id, display_name, org, records) VALUES (?, ?, ?, ?, ?)`,
			runID, l.EntityID, l.DisplayName, l.Org, string(recordsJSON),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert linked record for entity %d", l.EntityID)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit linked records")
}

func (s *SQLiteStore) LinkedRecords(ctx context.Context, runID string) ([]model.LinkedRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entity_id, display_name, org, records FROM linked_records
		 WHERE run_id = ? ORDER BY entity_id`, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: linked records for run %s", runID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.LinkedRecord
	for rows.Next() {
		var l model.LinkedRecord
		var org sql.NullString
		var recordsJSON string
		if err := rows.Scan(&l.EntityID, &l.DisplayName, &org, &recordsJSON); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan linked record")
		}
		l.Org = org.String
		if err := json.Unmarshal([]byte(recordsJSON), &l.Records); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal records")
		}
		out = append(out, l)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: linked records iterate")
}

func (s *SQLiteStore) AppendFailures(ctx context.Context, runID string, events []model.FailureEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, ev := range events {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO failure_events (id, run_id, component, job_id, error, panic_value, stack_summary, goroutine_id, seq, at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid.New().String(), runID, ev.Component, ev.JobID, ev.Err, ev.PanicValue,
			ev.StackSummary, ev.GoroutineID, ev.Seq, ev.At.UTC(),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert failure event seq %d", ev.Seq)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit failure events")
}

func (s *SQLiteStore) Failures(ctx context.Context, runID string) ([]model.FailureEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT component, job_id, error, panic_value, stack_summary, goroutine_id, seq, at
		 FROM failure_events WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: failures for run %s", runID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.FailureEvent
	for rows.Next() {
		var ev model.FailureEvent
		if err := rows.Scan(&ev.Component, &ev.JobID, &ev.Err, &ev.PanicValue,
			&ev.StackSummary, &ev.GoroutineID, &ev.Seq, &ev.At); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan failure event")
		}
		out = append(out, ev)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: failures iterate")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

// scanRun prefers the stored summary JSON; a run that never finished has
// only the skeleton columns.
func scanRun(row scannable) (*model.RunSummary, error) {
	var id string
	var status string
	var summaryJSON sql.NullString
	var startedAt time.Time

	err := row.Scan(&id, &status, &summaryJSON, &startedAt)
	if err == sql.ErrNoRows {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}

	if summaryJSON.Valid {
		var summary model.RunSummary
		if err := json.Unmarshal([]byte(summaryJSON.String), &summary); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal summary")
		}
		return &summary, nil
	}

	return &model.RunSummary{
		RunID:     id,
		Status:    model.RunStatus(status),
		StartedAt: startedAt,
	}, nil
}
