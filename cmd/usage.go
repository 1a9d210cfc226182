package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var usageDays int

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Report extraction spend per source",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("usage"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		summaries, err := st.SumExtractionCost(ctx, usageDays)
		if err != nil {
			return eris.Wrap(err, "sum extraction cost")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(summaries)
	},
}

func init() {
	usageCmd.Flags().IntVar(&usageDays, "days", 30, "aggregation window in days")
	rootCmd.AddCommand(usageCmd)
}
