package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/scholarmetrics/awardlink/internal/roster"
)

var rosterCmd = &cobra.Command{
	Use:   "roster",
	Short: "Inspect the reference roster",
}

var rosterCheckCmd = &cobra.Command{
	Use:   "check [path]",
	Short: "Validate the roster and report its shape",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfg.Roster.Path
		if len(args) > 0 {
			path = args[0]
		}

		set, err := roster.Load(path, zap.L())
		if err != nil {
			return err
		}

		fmt.Printf("roster ok: %d entities, %d rows skipped\n", set.Len(), set.SkippedRows)
		return nil
	},
}

var rosterListCmd = &cobra.Command{
	Use:   "list [path]",
	Short: "Print the roster entities",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfg.Roster.Path
		if len(args) > 0 {
			path = args[0]
		}

		set, err := roster.Load(path, zap.L())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tORG\tALIASES")
		for _, e := range set.All() {
			fmt.Fprintf(w, "%d\t%s\t%s\t%d\n", e.ID, e.Name, e.Org, len(e.Aliases))
		}
		return w.Flush()
	},
}

func init() {
	rosterCmd.AddCommand(rosterCheckCmd)
	rosterCmd.AddCommand(rosterListCmd)
	rootCmd.AddCommand(rosterCmd)
}
