package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jobfeed/jobfeed/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "jobfeed",
	Short: "Job postings aggregation pipeline",
	Long:  "Crawls configured career pages, diffs them against cached snapshots, extracts matching postings via LLM assistants and ranks them by feedback similarity.",
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
