package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/scholarmetrics/awardlink/internal/fetcher"
	"github.com/scholarmetrics/awardlink/internal/pipeline"
	"github.com/scholarmetrics/awardlink/internal/roster"
	"github.com/scholarmetrics/awardlink/internal/store"
)

var (
	runManifest string
	runRoster   string
	runPeriods  []string
	runForce    bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute a full linkage run",
	Long:  "Fetches every period in the manifest, extracts and normalizes the records, links them against the roster, and persists the result as a new run.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		manifestPath := runManifest
		if manifestPath == "" {
			manifestPath = cfg.Fetch.ManifestPath
		}
		manifest, err := fetcher.LoadManifest(manifestPath)
		if err != nil {
			return err
		}
		if len(runPeriods) > 0 {
			manifest.Periods = runPeriods
		}

		rosterPath := runRoster
		if rosterPath == "" {
			rosterPath = cfg.Roster.Path
		}

		scorer, err := initScorer()
		if err != nil {
			return err
		}

		opts := pipelineOptions(manifest, rosterPath)
		opts.Force = runForce

		// A table-backed roster is loaded up front from the same database.
		if ps, ok := st.(*store.PostgresStore); ok && cfg.Roster.Table != "" && runRoster == "" {
			set, rerr := roster.LoadPostgres(ctx, ps.Pool(), cfg.Roster.Table, zap.L())
			if rerr != nil {
				return rerr
			}
			opts.Roster = set
		}
		p := pipeline.New(opts, initFetcher(), st, scorer, zap.L())

		summary, err := p.Run(ctx)
		if err != nil {
			return eris.Wrap(err, "pipeline run")
		}

		zap.L().Info("run complete",
			zap.String("run_id", summary.RunID),
			zap.Int("records_seen", summary.RecordsSeen),
			zap.Int("records_matched", summary.RecordsMatched),
			zap.Int("records_skipped", summary.RecordsSkipped),
		)
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&runManifest, "manifest", "", "source manifest path (default from config)")
	runCmd.Flags().StringVar(&runRoster, "roster", "", "roster CSV path (default from config)")
	runCmd.Flags().StringSliceVar(&runPeriods, "periods", nil, "override the manifest's period list")
	runCmd.Flags().BoolVar(&runForce, "force", false, "re-download archives past the cache")
	rootCmd.AddCommand(runCmd)
}
