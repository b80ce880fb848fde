package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scholarmetrics/awardlink/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	s, err := NewSQLite(filepath.Join(t.TempDir(), "awardlink.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck

	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func sampleLinked() []model.LinkedRecord {
	return []model.LinkedRecord{
		{
			EntityID:    101,
			DisplayName: "Jane Doe",
			Org:         "MIT",
			Records: []model.MatchedRecord{
				{SourceID: "r-1", Period: "2023", Title: "Quantum Sensing", Amount: 100000, Score: 0.95, Method: "lexical"},
				{SourceID: "r-2", Period: "2023", Title: "Cold Atoms", Amount: 50000, Score: 0.88, Method: "lexical"},
			},
		},
		{
			EntityID:    102,
			DisplayName: "John Roe",
			Org:         "Stanford University",
			Records: []model.MatchedRecord{
				{SourceID: "r-3", Period: "2022", Title: "Protein Folding", Amount: 75000, Score: 0.81, Method: "lexical"},
			},
		},
	}
}

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run, err := s.CreateRun(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, run.RunID)
	assert.Equal(t, model.RunStatusRunning, run.Status)

	got, err := s.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, got.Status)

	run.Status = model.RunStatusComplete
	run.RecordsSeen = 10
	run.RecordsMatched = 7
	run.RecordsSkipped = 3
	run.FinishedAt = time.Now().UTC()
	require.NoError(t, s.FinishRun(ctx, *run))

	got, err = s.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusComplete, got.Status)
	assert.Equal(t, 10, got.RecordsSeen)
	assert.Equal(t, 7, got.RecordsMatched)
}

func TestGetRunNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetRun(context.Background(), "no-such-run")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestFinishRunNotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.FinishRun(context.Background(), model.RunSummary{RunID: "ghost", Status: model.RunStatusComplete})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestListRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.CreateRun(ctx)
	require.NoError(t, err)
	_, err = s.CreateRun(ctx)
	require.NoError(t, err)

	first.Status = model.RunStatusAborted
	first.Aborted = true
	first.FinishedAt = time.Now().UTC()
	require.NoError(t, s.FinishRun(ctx, *first))

	all, err := s.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	aborted, err := s.ListRuns(ctx, RunFilter{Status: model.RunStatusAborted})
	require.NoError(t, err)
	require.Len(t, aborted, 1)
	assert.Equal(t, first.RunID, aborted[0].RunID)
}

func TestLinkedRecordsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run, err := s.CreateRun(ctx)
	require.NoError(t, err)

	require.NoError(t, s.SaveLinkedRecords(ctx, run.RunID, sampleLinked()))

	got, err := s.LinkedRecords(ctx, run.RunID)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, int64(101), got[0].EntityID)
	assert.Equal(t, "Jane Doe", got[0].DisplayName)
	require.Len(t, got[0].Records, 2)
	assert.Equal(t, "r-1", got[0].Records[0].SourceID)
	assert.InDelta(t, 150000, got[0].TotalAmount(), 0.001)
}

func TestSaveLinkedRecordsReplaces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run, err := s.CreateRun(ctx)
	require.NoError(t, err)

	require.NoError(t, s.SaveLinkedRecords(ctx, run.RunID, sampleLinked()))

	// Saving again replaces rather than accumulates, so reruns are
	// idempotent.
	smaller := sampleLinked()[:1]
	require.NoError(t, s.SaveLinkedRecords(ctx, run.RunID, smaller))

	got, err := s.LinkedRecords(ctx, run.RunID)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestFailureEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run, err := s.CreateRun(ctx)
	require.NoError(t, err)

	events := []model.FailureEvent{
		{Component: "pool", JobID: "job-3", PanicValue: "index out of range", Seq: 1, At: time.Now().UTC()},
		{Component: "fetch", JobID: "2022", Err: "status 500", Seq: 2, At: time.Now().UTC()},
	}
	require.NoError(t, s.AppendFailures(ctx, run.RunID, events))
	require.NoError(t, s.AppendFailures(ctx, run.RunID, nil)) // no-op

	got, err := s.Failures(ctx, run.RunID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "pool", got[0].Component)
	assert.Equal(t, uint32(1), got[0].Seq)
	assert.Equal(t, "status 500", got[1].Err)
}
