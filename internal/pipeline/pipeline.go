// Package pipeline orchestrates one full linkage run: roster load, per-period
// fetch, extraction, normalization, fan-out matching, aggregation, and the
// final transactional persist.
package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/scholarmetrics/awardlink/internal/aggregate"
	"github.com/scholarmetrics/awardlink/internal/extract"
	"github.com/scholarmetrics/awardlink/internal/fetcher"
	"github.com/scholarmetrics/awardlink/internal/match"
	"github.com/scholarmetrics/awardlink/internal/model"
	"github.com/scholarmetrics/awardlink/internal/normalize"
	"github.com/scholarmetrics/awardlink/internal/pool"
	"github.com/scholarmetrics/awardlink/internal/roster"
	"github.com/scholarmetrics/awardlink/internal/store"
	"github.com/scholarmetrics/awardlink/internal/supervise"
)

// Options tunes one run. Zero values fall back to the package defaults used
// in production.
type Options struct {
	// Manifest names the per-period archive URL template and the periods to
	// ingest.
	Manifest *fetcher.Manifest

	// RosterPath points at the reference roster CSV. Ignored when Roster is
	// preloaded (e.g. from a Postgres table).
	RosterPath string
	Roster     *roster.EntitySet

	// CacheDir holds downloaded archives; Force re-downloads past the cache.
	CacheDir string
	Force    bool

	Workers       int
	QueueSize     int
	FetchParallel int

	AcceptThreshold float64
	PrefilterFloor  float64
	FailureCeiling  int

	// ShutdownGrace bounds how long in-flight match jobs may run after the
	// last submission. Zero means 30s.
	ShutdownGrace time.Duration
}

const defaultShutdownGrace = 30 * time.Second

// Pipeline wires the run phases together. One Pipeline value can execute
// multiple runs; each Run gets its own supervisor and worker pool.
type Pipeline struct {
	opts   Options
	fetch  fetcher.Fetcher
	store  store.Store
	scorer match.Scorer
	log    *zap.Logger
}

func New(opts Options, f fetcher.Fetcher, st store.Store, scorer match.Scorer, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = defaultShutdownGrace
	}
	return &Pipeline{opts: opts, fetch: f, store: st, scorer: scorer, log: log}
}

// Run executes the full pipeline once. A fatal outcome (roster load failure,
// every period failed, or the failure ceiling exceeded) finishes the run as
// failed or aborted, persists no linked records, and returns a non-nil error.
// The returned summary reflects whatever was recorded before the failure.
func (p *Pipeline) Run(ctx context.Context) (*model.RunSummary, error) {
	run, err := p.store.CreateRun(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: create run")
	}
	log := p.log.With(zap.String("run_id", run.RunID))
	log.Info("pipeline: run starting",
		zap.Strings("periods", p.opts.Manifest.Periods),
		zap.String("roster", p.opts.RosterPath),
	)

	sup := supervise.New(supervise.Config{
		FailureCeiling:   p.opts.FailureCeiling,
		StackFramePrefix: "awardlink",
	})
	runCtx := sup.Start(ctx)

	summary := *run
	fail := func(status model.RunStatus, cause error) (*model.RunSummary, error) {
		summary.Status = status
		summary.Aborted = status == model.RunStatusAborted
		summary.Failures = int(sup.Failures())
		summary.FinishedAt = time.Now().UTC()
		if ferr := p.store.AppendFailures(ctx, run.RunID, sup.Events()); ferr != nil {
			log.Warn("pipeline: append failures", zap.Error(ferr))
		}
		if ferr := p.store.FinishRun(ctx, summary); ferr != nil {
			log.Warn("pipeline: finish run", zap.Error(ferr))
		}
		log.Error("pipeline: run failed", zap.String("status", string(status)), zap.Error(cause))
		return &summary, cause
	}

	// Phase: roster.
	set := p.opts.Roster
	if err := p.phase(log, "roster", func() error {
		if set != nil {
			return nil
		}
		if url := p.opts.Manifest.RosterURL; url != "" {
			if derr := p.fetchRoster(runCtx, url, log); derr != nil {
				return derr
			}
		}
		var perr error
		set, perr = roster.Load(p.opts.RosterPath, log)
		return perr
	}); err != nil {
		return fail(model.RunStatusFailed, eris.Wrap(err, "pipeline: roster load"))
	}
	log.Info("pipeline: roster loaded", zap.Int("entities", set.Len()))

	// Phase: fetch. Period failures are partial; only a clean sweep of
	// failures is fatal.
	var results []fetcher.PeriodResult
	_ = p.phase(log, "fetch", func() error {
		af := fetcher.NewArchiveFetcher(p.fetch, p.opts.CacheDir, p.opts.Force, p.opts.FetchParallel)
		results = af.FetchAll(runCtx, p.opts.Manifest.ArchiveURLTemplate, p.opts.Manifest.Periods)
		return nil
	})

	fetched := 0
	for _, pr := range results {
		if pr.Err != nil {
			sup.Report("fetch", pr.Period, pr.Err)
			continue
		}
		fetched++
	}
	if fetched == 0 {
		return fail(model.RunStatusFailed, eris.New("pipeline: all periods failed to fetch"))
	}
	if sup.Aborted() {
		return fail(model.RunStatusAborted, eris.Wrap(supervise.ErrAborted, "pipeline: fetch"))
	}

	// Phase: link. Extraction feeds the bounded pool; the aggregator is the
	// single consumer of match results.
	matcher := match.New(set, p.scorer, match.Options{PrefilterFloor: p.opts.PrefilterFloor})
	agg := aggregate.New(set, aggregate.Options{AcceptThreshold: p.opts.AcceptThreshold})
	wp := pool.New[aggregate.Input](runCtx, sup, log, pool.Options{
		Workers:   p.opts.Workers,
		QueueSize: p.opts.QueueSize,
		Component: "match",
	})

	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		for res := range wp.Results() {
			if res.Err != nil {
				continue // already counted against the ceiling
			}
			agg.Add(res.Value)
		}
	}()

	extractor := extract.New(log)
	periods := make([]*model.PeriodStats, 0, len(results))
	periodsFailed := 0

	_ = p.phase(log, "link", func() error {
		for _, pr := range results {
			ps := &model.PeriodStats{Period: pr.Period, Fetched: pr.Err == nil}
			periods = append(periods, ps)
			if pr.Err != nil {
				periodsFailed++
				continue
			}

			recCh, stats, errCh := extractor.Extract(runCtx, pr.Payload, pr.Period)
			for rec := range recCh {
				nrec := normalize.Record(rec)
				jobID := pr.Period + "/" + nrec.SourceID
				submitErr := wp.Submit(runCtx, jobID, func(jobCtx context.Context) (aggregate.Input, error) {
					cands, merr := matcher.Match(jobCtx, nrec)
					if merr != nil {
						return aggregate.Input{}, merr
					}
					return aggregate.Input{Record: nrec, Candidates: cands}, nil
				})
				if submitErr != nil {
					// Pool closed or run aborted; stop feeding.
					return nil
				}
			}
			if eerr := <-errCh; eerr != nil {
				var corrupt *extract.CorruptArchiveError
				if errors.As(eerr, &corrupt) {
					periodsFailed++
				}
				sup.Report("extract", pr.Period, eerr)
			}
			ps.RecordsSeen = stats.Emitted
		}
		return nil
	})

	shutCtx, cancel := context.WithTimeout(ctx, p.opts.ShutdownGrace)
	abandoned := wp.Shutdown(shutCtx)
	cancel()
	<-consumed
	if abandoned > 0 {
		log.Warn("pipeline: jobs abandoned at shutdown", zap.Int64("abandoned", abandoned))
	}

	if sup.Aborted() {
		return fail(model.RunStatusAborted, eris.Wrap(supervise.ErrAborted, "pipeline: link"))
	}
	if periodsFailed == len(results) {
		return fail(model.RunStatusFailed, eris.New("pipeline: all periods failed"))
	}

	linked, tally, err := agg.Finalize()
	if err != nil {
		return fail(model.RunStatusFailed, eris.Wrap(err, "pipeline: aggregate"))
	}

	matchedByPeriod := make(map[string]int)
	for _, l := range linked {
		for _, r := range l.Records {
			matchedByPeriod[r.Period]++
		}
	}
	seen := 0
	for _, ps := range periods {
		ps.Matched = matchedByPeriod[ps.Period]
		ps.Skipped = ps.RecordsSeen - ps.Matched
		seen += ps.RecordsSeen
	}

	// Phase: persist. All-or-nothing; a failed write leaves no partial
	// output for this run.
	if err := p.phase(log, "persist", func() error {
		return p.store.SaveLinkedRecords(ctx, run.RunID, linked)
	}); err != nil {
		return fail(model.RunStatusFailed, eris.Wrap(err, "pipeline: persist"))
	}

	sup.Complete()

	summary.Status = model.RunStatusComplete
	summary.RecordsSeen = seen
	summary.RecordsMatched = tally.Matched
	summary.RecordsSkipped = seen - tally.Matched
	summary.PeriodsFailed = periodsFailed
	summary.Failures = int(sup.Failures())
	summary.Periods = make([]model.PeriodStats, 0, len(periods))
	for _, ps := range periods {
		summary.Periods = append(summary.Periods, *ps)
	}
	summary.FinishedAt = time.Now().UTC()

	if err := p.store.AppendFailures(ctx, run.RunID, sup.Events()); err != nil {
		log.Warn("pipeline: append failures", zap.Error(err))
	}
	if err := p.store.FinishRun(ctx, summary); err != nil {
		return nil, eris.Wrap(err, "pipeline: finish run")
	}

	log.Info("pipeline: run complete",
		zap.Int("entities_linked", len(linked)),
		zap.Int("records_seen", summary.RecordsSeen),
		zap.Int("records_matched", summary.RecordsMatched),
		zap.Int("records_skipped", summary.RecordsSkipped),
		zap.Int("periods_failed", summary.PeriodsFailed),
		zap.Int("failures", summary.Failures),
	)
	return &summary, nil
}

// fetchRoster downloads the manifest's roster CSV to RosterPath. An existing
// file is reused unless Force is set, mirroring the archive cache policy.
func (p *Pipeline) fetchRoster(ctx context.Context, url string, log *zap.Logger) error {
	if !p.opts.Force {
		if _, err := os.Stat(p.opts.RosterPath); err == nil {
			log.Info("pipeline: roster cache hit", zap.String("path", p.opts.RosterPath))
			return nil
		}
	}

	if dir := filepath.Dir(p.opts.RosterPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return eris.Wrapf(err, "pipeline: roster dir %s", dir)
		}
	}

	n, err := p.fetch.DownloadToFile(ctx, url, p.opts.RosterPath)
	if err != nil {
		return eris.Wrapf(err, "pipeline: download roster %s", url)
	}
	log.Info("pipeline: roster downloaded",
		zap.String("url", url),
		zap.Int64("bytes", n),
	)
	return nil
}

// phase runs fn with start/finish logging and duration tracking.
func (p *Pipeline) phase(log *zap.Logger, name string, fn func() error) error {
	start := time.Now()
	err := fn()
	elapsed := time.Since(start)
	if err != nil {
		log.Error("pipeline: phase failed",
			zap.String("phase", name),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
		return err
	}
	log.Info("pipeline: phase complete",
		zap.String("phase", name),
		zap.Duration("elapsed", elapsed),
	)
	return nil
}
