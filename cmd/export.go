package main

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/scholarmetrics/awardlink/internal/model"
	"github.com/scholarmetrics/awardlink/internal/store"
)

var exportOut string

var exportCmd = &cobra.Command{
	Use:   "export <run-id>",
	Short: "Export a run's linked records as CSV",
	Long:  "Writes one row per matched record with its entity, amount, span, and score, for the downstream dashboard.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		out := os.Stdout
		if exportOut != "" {
			f, ferr := os.Create(exportOut)
			if ferr != nil {
				return eris.Wrap(ferr, "export: create output file")
			}
			defer f.Close() //nolint:errcheck
			out = f
		}

		n, err := exportLinkedCSV(ctx, st, args[0], out)
		if err != nil {
			return err
		}

		zap.L().Info("export complete",
			zap.String("run_id", args[0]),
			zap.Int("rows", n),
			zap.String("path", exportOut),
		)
		return nil
	},
}

var exportHeader = []string{
	"entity_id", "entity_name", "entity_org",
	"source_id", "period", "title", "amount",
	"span_start", "span_end", "score", "method",
}

// exportLinkedCSV writes the run's linked records as flat CSV rows and
// returns the row count.
func exportLinkedCSV(ctx context.Context, st store.Store, runID string, out io.Writer) (int, error) {
	linked, err := st.LinkedRecords(ctx, runID)
	if err != nil {
		return 0, eris.Wrap(err, "export: load linked records")
	}

	w := csv.NewWriter(out)
	if err := w.Write(exportHeader); err != nil {
		return 0, eris.Wrap(err, "export: write header")
	}

	rows := 0
	for _, l := range linked {
		for _, r := range l.Records {
			row := []string{
				strconv.FormatInt(l.EntityID, 10),
				l.DisplayName,
				l.Org,
				r.SourceID,
				r.Period,
				r.Title,
				strconv.FormatFloat(r.Amount, 'f', 2, 64),
				formatSpanEdge(r.Span, false),
				formatSpanEdge(r.Span, true),
				strconv.FormatFloat(r.Score, 'f', 4, 64),
				r.Method,
			}
			if err := w.Write(row); err != nil {
				return rows, eris.Wrap(err, "export: write row")
			}
			rows++
		}
	}

	w.Flush()
	return rows, eris.Wrap(w.Error(), "export: flush")
}

func formatSpanEdge(s model.Span, end bool) string {
	if !s.Known {
		return ""
	}
	if end {
		return s.End.Format("2006-01-02")
	}
	return s.Start.Format("2006-01-02")
}

func init() {
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "output file (default stdout)")
	rootCmd.AddCommand(exportCmd)
}
