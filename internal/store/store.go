// Package store persists run summaries, linked records, and failure events.
// Two backends: SQLite for single-host runs, Postgres for shared deployments.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/scholarmetrics/awardlink/internal/model"
)

// ErrRunNotFound is returned when a run id has no row.
var ErrRunNotFound = eris.New("run not found")

// IsNotFound reports whether err stems from a missing run.
func IsNotFound(err error) bool {
	return eris.Is(err, ErrRunNotFound)
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status       model.RunStatus `json:"status,omitempty"`
	StartedAfter time.Time       `json:"started_after,omitempty"`
	Limit        int             `json:"limit,omitempty"`
	Offset       int             `json:"offset,omitempty"`
}

// Store is the persistence interface for the linkage pipeline. Linked
// records for a run are written in one transaction: a failed run leaves no
// partial output.
type Store interface {
	// Runs
	CreateRun(ctx context.Context) (*model.RunSummary, error)
	FinishRun(ctx context.Context, summary model.RunSummary) error
	GetRun(ctx context.Context, runID string) (*model.RunSummary, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.RunSummary, error)

	// Output dataset
	SaveLinkedRecords(ctx context.Context, runID string, linked []model.LinkedRecord) error
	LinkedRecords(ctx context.Context, runID string) ([]model.LinkedRecord, error)

	// Failure events, append-only per run
	AppendFailures(ctx context.Context, runID string, events []model.FailureEvent) error
	Failures(ctx context.Context, runID string) ([]model.FailureEvent, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
