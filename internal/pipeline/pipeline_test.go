package pipeline

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/scholarmetrics/awardlink/internal/fetcher"
	"github.com/scholarmetrics/awardlink/internal/match"
	"github.com/scholarmetrics/awardlink/internal/model"
	"github.com/scholarmetrics/awardlink/internal/resilience"
	"github.com/scholarmetrics/awardlink/internal/store"
)

const testAwardsCSV = `source_id,person_name,org_name,title,amount,period
AWD-100,Jane Doe,MIT,Quantum Decoding Methods,"100,000",2023-2025
AWD-200,Zzyzx Qwerty,Nowhere Labs,Obscure Study,5000,2023
`

const testRosterCSV = `id,name,aliases,org,lat,lng
1,Jane Doe,J. Doe,MIT,42.3601,-71.0942
2,John Roe,,Stanford University,37.4275,-122.1697
`

func buildArchive(t *testing.T, members map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, body := range members {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func writeRoster(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "roster.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()

	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "awardlink.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck

	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func fastRetry() resilience.RetryConfig {
	cfg := resilience.DefaultRetryConfig()
	cfg.InitialBackoff = 0
	cfg.MaxBackoff = 0
	return cfg
}

func newTestPipeline(t *testing.T, st store.Store, manifest *fetcher.Manifest, rosterPath string, scorer match.Scorer) *Pipeline {
	t.Helper()

	opts := Options{
		Manifest:       manifest,
		RosterPath:     rosterPath,
		CacheDir:       filepath.Join(t.TempDir(), "cache"),
		Workers:        2,
		QueueSize:      8,
		FailureCeiling: 5,
	}
	f := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{Retry: fastRetry()})
	return New(opts, f, st, scorer, zap.NewNop())
}

func TestRunEndToEnd(t *testing.T) {
	archive := buildArchive(t, map[string]string{"awards.csv": testAwardsCSV})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(archive) //nolint:errcheck
	}))
	defer srv.Close()

	st := newTestStore(t)
	manifest := &fetcher.Manifest{
		ArchiveURLTemplate: srv.URL + "/download/{period}.zip",
		Periods:            []string{"2023"},
	}
	p := newTestPipeline(t, st, manifest, writeRoster(t, testRosterCSV), match.NewLexScorer())

	summary, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusComplete, summary.Status)
	assert.Equal(t, 2, summary.RecordsSeen)
	assert.Equal(t, 1, summary.RecordsMatched)
	assert.Equal(t, 1, summary.RecordsSkipped)
	assert.Equal(t, 0, summary.PeriodsFailed)
	assert.False(t, summary.Aborted)
	require.Len(t, summary.Periods, 1)
	assert.True(t, summary.Periods[0].Fetched)
	assert.Equal(t, 2, summary.Periods[0].RecordsSeen)
	assert.Equal(t, 1, summary.Periods[0].Matched)

	linked, err := st.LinkedRecords(context.Background(), summary.RunID)
	require.NoError(t, err)
	require.Len(t, linked, 1)
	assert.Equal(t, int64(1), linked[0].EntityID)
	assert.Equal(t, "Jane Doe", linked[0].DisplayName)
	require.Len(t, linked[0].Records, 1)
	rec := linked[0].Records[0]
	assert.Equal(t, "AWD-100", rec.SourceID)
	assert.Equal(t, 100000.0, rec.Amount)
	assert.True(t, rec.Span.Known)
	assert.Equal(t, 2023, rec.Span.Start.Year())
	assert.Equal(t, 2025, rec.Span.End.Year())

	// The stored summary matches the returned one.
	got, err := st.GetRun(context.Background(), summary.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusComplete, got.Status)
	assert.Equal(t, 2, got.RecordsSeen)
}

func TestRunLinksAbbreviatedForms(t *testing.T) {
	// The record abbreviates the name to an initial while spelling the org
	// out in full; the roster holds the opposite forms.
	const awards = `source_id,person_name,org_name,title,amount,period
AWD-300,J. Doe,Massachusetts Institute of Technology,Quantum Decoding Methods,"100,000",2023-2025
`
	const rosterCSV = `id,name,aliases,org,lat,lng
1,Jane Doe,,MIT,,
`

	archive := buildArchive(t, map[string]string{"awards.csv": awards})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(archive) //nolint:errcheck
	}))
	defer srv.Close()

	st := newTestStore(t)
	manifest := &fetcher.Manifest{
		ArchiveURLTemplate: srv.URL + "/download/{period}.zip",
		Periods:            []string{"2023"},
	}
	p := newTestPipeline(t, st, manifest, writeRoster(t, rosterCSV), match.NewLexScorer())

	summary, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusComplete, summary.Status)
	assert.Equal(t, 1, summary.RecordsSeen)
	assert.Equal(t, 1, summary.RecordsMatched)
	assert.Equal(t, 0, summary.RecordsSkipped)

	linked, err := st.LinkedRecords(context.Background(), summary.RunID)
	require.NoError(t, err)
	require.Len(t, linked, 1)
	assert.Equal(t, int64(1), linked[0].EntityID)
	assert.Equal(t, "Jane Doe", linked[0].DisplayName)
	require.Len(t, linked[0].Records, 1)
	rec := linked[0].Records[0]
	assert.Equal(t, "AWD-300", rec.SourceID)
	assert.Equal(t, 100000.0, rec.Amount)
	assert.GreaterOrEqual(t, rec.Score, 0.78)
}

func TestRunDownloadsRoster(t *testing.T) {
	archive := buildArchive(t, map[string]string{"awards.csv": testAwardsCSV})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "roster.csv") {
			w.Write([]byte(testRosterCSV)) //nolint:errcheck
			return
		}
		w.Write(archive) //nolint:errcheck
	}))
	defer srv.Close()

	st := newTestStore(t)
	manifest := &fetcher.Manifest{
		ArchiveURLTemplate: srv.URL + "/download/{period}.zip",
		Periods:            []string{"2023"},
		RosterURL:          srv.URL + "/roster.csv",
	}
	rosterPath := filepath.Join(t.TempDir(), "data", "roster.csv")
	p := newTestPipeline(t, st, manifest, rosterPath, match.NewLexScorer())

	summary, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusComplete, summary.Status)
	assert.Equal(t, 1, summary.RecordsMatched)

	// The download landed at the configured path.
	data, rerr := os.ReadFile(rosterPath)
	require.NoError(t, rerr)
	assert.Equal(t, testRosterCSV, string(data))
}

func TestRunIdempotent(t *testing.T) {
	archive := buildArchive(t, map[string]string{"awards.csv": testAwardsCSV})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(archive) //nolint:errcheck
	}))
	defer srv.Close()

	st := newTestStore(t)
	manifest := &fetcher.Manifest{
		ArchiveURLTemplate: srv.URL + "/download/{period}.zip",
		Periods:            []string{"2023"},
	}
	p := newTestPipeline(t, st, manifest, writeRoster(t, testRosterCSV), match.NewLexScorer())

	first, err := p.Run(context.Background())
	require.NoError(t, err)
	second, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first.RecordsMatched, second.RecordsMatched)
	assert.Equal(t, first.RecordsSkipped, second.RecordsSkipped)

	a, err := st.LinkedRecords(context.Background(), first.RunID)
	require.NoError(t, err)
	b, err := st.LinkedRecords(context.Background(), second.RunID)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestRunRosterMissingIsFatal(t *testing.T) {
	st := newTestStore(t)
	manifest := &fetcher.Manifest{
		ArchiveURLTemplate: "http://127.0.0.1:0/never/{period}.zip",
		Periods:            []string{"2023"},
	}
	p := newTestPipeline(t, st, manifest, filepath.Join(t.TempDir(), "missing.csv"), match.NewLexScorer())

	summary, err := p.Run(context.Background())
	require.Error(t, err)
	require.NotNil(t, summary)
	assert.Equal(t, model.RunStatusFailed, summary.Status)

	linked, lerr := st.LinkedRecords(context.Background(), summary.RunID)
	require.NoError(t, lerr)
	assert.Empty(t, linked)
}

func TestRunAllPeriodsFailedIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	st := newTestStore(t)
	manifest := &fetcher.Manifest{
		ArchiveURLTemplate: srv.URL + "/download/{period}.zip",
		Periods:            []string{"2023", "2024"},
	}
	p := newTestPipeline(t, st, manifest, writeRoster(t, testRosterCSV), match.NewLexScorer())

	summary, err := p.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, model.RunStatusFailed, summary.Status)
	assert.Contains(t, err.Error(), "all periods failed")
}

// panicScorer crashes on every call to exercise the failure ceiling.
type panicScorer struct{}

func (panicScorer) Score(context.Context, model.NormalizedRecord, []model.ReferenceEntity) ([]float64, error) {
	panic("scorer exploded")
}

func (panicScorer) Method() string { return "panic" }

func TestRunFailureCeilingAborts(t *testing.T) {
	var rows bytes.Buffer
	rows.WriteString("source_id,person_name,org_name,title,amount,period\n")
	for i := 0; i < 10; i++ {
		rows.WriteString("AWD-")
		rows.WriteByte(byte('0' + i))
		rows.WriteString(",Jane Doe,MIT,Study,1000,2023\n")
	}
	archive := buildArchive(t, map[string]string{"awards.csv": rows.String()})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(archive) //nolint:errcheck
	}))
	defer srv.Close()

	st := newTestStore(t)
	manifest := &fetcher.Manifest{
		ArchiveURLTemplate: srv.URL + "/download/{period}.zip",
		Periods:            []string{"2023"},
	}
	p := newTestPipeline(t, st, manifest, writeRoster(t, testRosterCSV), panicScorer{})
	p.opts.FailureCeiling = 2

	summary, err := p.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, model.RunStatusAborted, summary.Status)
	assert.True(t, summary.Aborted)
	assert.Greater(t, summary.Failures, 2)

	linked, lerr := st.LinkedRecords(context.Background(), summary.RunID)
	require.NoError(t, lerr)
	assert.Empty(t, linked)

	events, ferr := st.Failures(context.Background(), summary.RunID)
	require.NoError(t, ferr)
	require.NotEmpty(t, events)
	assert.Equal(t, "match", events[0].Component)
	assert.Contains(t, events[0].PanicValue, "scorer exploded")
}
