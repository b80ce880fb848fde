package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/scholarmetrics/awardlink/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "awardlink",
	Short: "Award disclosure ingestion and entity linkage pipeline",
	Long:  "Fetches periodic award archives, extracts and normalizes disclosure records, and links them to a reference roster of people and organizations.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
