package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/jobfeed/jobfeed/internal/extract"
	"github.com/jobfeed/jobfeed/internal/suggest"
	"github.com/jobfeed/jobfeed/pkg/openai"
)

var suggestSourceID int64

var suggestCmd = &cobra.Command{
	Use:   "suggest",
	Short: "Suggest career pages similar to a source",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("suggest"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		// Stored settings win over static configuration.
		apiKey := cfg.OpenAI.APIKey
		llmModel := cfg.OpenAI.Model
		settings, err := st.FindSettings(ctx)
		if err != nil {
			return eris.Wrap(err, "load settings")
		}
		if settings != nil {
			if settings.APIKey != "" {
				apiKey = settings.APIKey
			}
			if settings.Model != "" {
				llmModel = settings.Model
			}
		}
		if apiKey == "" {
			return eris.New("no API key configured")
		}

		ai := openai.NewClient(apiKey,
			openai.WithBaseURL(cfg.OpenAI.BaseURL),
			openai.WithStreaming(cfg.OpenAI.Stream),
		)

		suggester := suggest.New(st, extract.New(ai, llmModel), llmModel)
		suggestions, err := suggester.Refresh(ctx, suggestSourceID)
		if err != nil {
			return eris.Wrap(err, "suggest")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(suggestions)
	},
}

func init() {
	suggestCmd.Flags().Int64Var(&suggestSourceID, "source", 0, "source id to suggest similar companies for (required)")
	_ = suggestCmd.MarkFlagRequired("source")
	rootCmd.AddCommand(suggestCmd)
}
