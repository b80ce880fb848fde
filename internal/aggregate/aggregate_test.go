package aggregate

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scholarmetrics/awardlink/internal/model"
	"github.com/scholarmetrics/awardlink/internal/roster"
)

func testSet(t *testing.T) *roster.EntitySet {
	t.Helper()
	set, err := roster.Parse(strings.NewReader(
		"id,name,aliases,org\n"+
			"101,Jane Doe,,MIT\n"+
			"102,John Roe,,Stanford University\n"), nil)
	require.NoError(t, err)
	return set
}

func rec(id, title string, span model.Span) model.NormalizedRecord {
	return model.NormalizedRecord{
		SourceID: id,
		Period:   "2023",
		Title:    title,
		TitleKey: strings.ToLower(title),
		Amount:   1000,
		Span:     span,
	}
}

func cand(recID string, entID int64, score float64) model.MatchCandidate {
	return model.MatchCandidate{RecordID: recID, EntityID: entID, Score: score, Method: "lexical"}
}

func span(startYear, endYear int) model.Span {
	return model.Span{
		Start: time.Date(startYear, time.January, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(endYear, time.December, 31, 0, 0, 0, 0, time.UTC),
		Known: true,
	}
}

func TestFinalizeThresholdAndGrouping(t *testing.T) {
	a := New(testSet(t), Options{})

	a.Add(Input{Record: rec("r-1", "Quantum Sensing", span(2021, 2023)), Candidates: []model.MatchCandidate{
		cand("r-1", 101, 0.95),
		cand("r-1", 102, 0.40),
	}})
	a.Add(Input{Record: rec("r-2", "Protein Folding", span(2022, 2024)), Candidates: []model.MatchCandidate{
		cand("r-2", 102, 0.81),
	}})
	a.Add(Input{Record: rec("r-3", "Weak Match", span(2020, 2021)), Candidates: []model.MatchCandidate{
		cand("r-3", 101, 0.50), // below threshold
	}})
	a.Add(Input{Record: rec("r-4", "No Candidates", span(2020, 2021))})

	linked, tally, err := a.Finalize()
	require.NoError(t, err)

	require.Len(t, linked, 2)
	assert.Equal(t, int64(101), linked[0].EntityID)
	assert.Equal(t, "Jane Doe", linked[0].DisplayName)
	assert.Equal(t, "MIT", linked[0].Org)
	assert.Equal(t, int64(102), linked[1].EntityID)

	assert.Equal(t, 4, tally.Seen)
	assert.Equal(t, 2, tally.Matched)
	assert.Equal(t, 2, tally.Skipped)
}

func TestBestPerRecordAcrossInputs(t *testing.T) {
	a := New(testSet(t), Options{})

	// The same record surfaces twice (retried job); the higher score wins.
	a.Add(Input{Record: rec("r-1", "Quantum Sensing", span(2021, 2023)), Candidates: []model.MatchCandidate{
		cand("r-1", 102, 0.80),
	}})
	a.Add(Input{Record: rec("r-1", "Quantum Sensing", span(2021, 2023)), Candidates: []model.MatchCandidate{
		cand("r-1", 101, 0.92),
	}})

	linked, tally, err := a.Finalize()
	require.NoError(t, err)
	require.Len(t, linked, 1)
	assert.Equal(t, int64(101), linked[0].EntityID)
	assert.Equal(t, 1, tally.Seen)
}

func TestEqualScoresPreferLowerEntityID(t *testing.T) {
	a := New(testSet(t), Options{})
	a.Add(Input{Record: rec("r-1", "Tie", span(2021, 2022)), Candidates: []model.MatchCandidate{
		cand("r-1", 102, 0.85),
		cand("r-1", 101, 0.85),
	}})

	linked, _, err := a.Finalize()
	require.NoError(t, err)
	require.Len(t, linked, 1)
	assert.Equal(t, int64(101), linked[0].EntityID)
}

func TestDuplicateContentRule(t *testing.T) {
	a := New(testSet(t), Options{})

	// Same title and span under the same entity: the same award filed in
	// two periods' archives.
	a.Add(Input{Record: rec("r-9", "Quantum Sensing", span(2021, 2023)), Candidates: []model.MatchCandidate{
		cand("r-9", 101, 0.90),
	}})
	a.Add(Input{Record: rec("r-2", "Quantum Sensing", span(2021, 2023)), Candidates: []model.MatchCandidate{
		cand("r-2", 101, 0.95),
	}})
	// Same title but a different span stays: a renewal, not a duplicate.
	a.Add(Input{Record: rec("r-5", "Quantum Sensing", span(2024, 2026)), Candidates: []model.MatchCandidate{
		cand("r-5", 101, 0.90),
	}})

	linked, tally, err := a.Finalize()
	require.NoError(t, err)
	require.Len(t, linked, 1)
	require.Len(t, linked[0].Records, 2)

	// Records sort by source id; the higher-scored duplicate survived.
	assert.Equal(t, "r-2", linked[0].Records[0].SourceID)
	assert.Equal(t, "r-5", linked[0].Records[1].SourceID)
	assert.Equal(t, 1, tally.Skipped)
	assert.Equal(t, 2, tally.Matched)
}

func TestDuplicateScoreTiePrefersSmallerSourceID(t *testing.T) {
	a := New(testSet(t), Options{})
	a.Add(Input{Record: rec("r-b", "Same Award", span(2021, 2022)), Candidates: []model.MatchCandidate{
		cand("r-b", 101, 0.90),
	}})
	a.Add(Input{Record: rec("r-a", "Same Award", span(2021, 2022)), Candidates: []model.MatchCandidate{
		cand("r-a", 101, 0.90),
	}})

	linked, _, err := a.Finalize()
	require.NoError(t, err)
	require.Len(t, linked[0].Records, 1)
	assert.Equal(t, "r-a", linked[0].Records[0].SourceID)
}

func TestConsumeChannel(t *testing.T) {
	a := New(testSet(t), Options{})

	in := make(chan Input, 4)
	done := make(chan struct{})
	go func() {
		a.Consume(in)
		close(done)
	}()

	in <- Input{Record: rec("r-1", "One", span(2021, 2022)), Candidates: []model.MatchCandidate{cand("r-1", 101, 0.9)}}
	in <- Input{Record: rec("r-2", "Two", span(2021, 2022)), Candidates: []model.MatchCandidate{cand("r-2", 102, 0.9)}}
	close(in)
	<-done

	linked, _, err := a.Finalize()
	require.NoError(t, err)
	assert.Len(t, linked, 2)
}

func TestFinalizeTwice(t *testing.T) {
	a := New(testSet(t), Options{})
	_, _, err := a.Finalize()
	require.NoError(t, err)
	_, _, err = a.Finalize()
	require.Error(t, err)
}

func TestLinkedRecordTotalAmount(t *testing.T) {
	l := model.LinkedRecord{Records: []model.MatchedRecord{{Amount: 100}, {Amount: 250}}}
	assert.InDelta(t, 350, l.TotalAmount(), 0.001)
}
