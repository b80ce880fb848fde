package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/scholarmetrics/awardlink/internal/fetcher"
)

var (
	fetchManifest string
	fetchPeriods  []string
	fetchForce    bool
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Download period archives into the cache",
	Long:  "Fetches every archive named by the manifest without running linkage, so a later run can work entirely from the cache.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		manifestPath := fetchManifest
		if manifestPath == "" {
			manifestPath = cfg.Fetch.ManifestPath
		}
		manifest, err := fetcher.LoadManifest(manifestPath)
		if err != nil {
			return err
		}
		if len(fetchPeriods) > 0 {
			manifest.Periods = fetchPeriods
		}

		af := fetcher.NewArchiveFetcher(initFetcher(), cfg.Fetch.CacheDir, fetchForce, cfg.Fetch.Parallel)
		results := af.FetchAll(ctx, manifest.ArchiveURLTemplate, manifest.Periods)

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PERIOD\tSTATUS\tBYTES\tPATH")
		failed := 0
		for _, r := range results {
			if r.Err != nil {
				failed++
				fmt.Fprintf(w, "%s\tfailed\t-\t%v\n", r.Period, r.Err)
				continue
			}
			fmt.Fprintf(w, "%s\tok\t%d\t%s\n", r.Period, len(r.Payload), r.Path)
		}
		w.Flush() //nolint:errcheck

		if failed == len(results) {
			return fmt.Errorf("all %d periods failed to fetch", failed)
		}
		return nil
	},
}

func init() {
	fetchCmd.Flags().StringVar(&fetchManifest, "manifest", "", "source manifest path (default from config)")
	fetchCmd.Flags().StringSliceVar(&fetchPeriods, "periods", nil, "override the manifest's period list")
	fetchCmd.Flags().BoolVar(&fetchForce, "force", false, "re-download past the cache")
	rootCmd.AddCommand(fetchCmd)
}
