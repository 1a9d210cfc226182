package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jobfeed/jobfeed/internal/browser"
	"github.com/jobfeed/jobfeed/internal/pipeline"
	"github.com/jobfeed/jobfeed/pkg/openai"
)

var refreshSourceID int64

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Crawl sources and extract new postings",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("refresh"); err != nil {
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

		newAI := func(apiKey string) openai.Client {
			return openai.NewClient(apiKey,
				openai.WithBaseURL(cfg.OpenAI.BaseURL),
				openai.WithEmbeddingModel(cfg.OpenAI.EmbeddingModel),
				openai.WithStreaming(cfg.OpenAI.Stream),
			)
		}

		orch := pipeline.New(st, browser.NewStaticBrowser(), newAI, pipeline.Config{
			Workers:         cfg.Pipeline.Workers,
			ChunkChars:      cfg.Pipeline.ChunkChars,
			MaxExtractChars: cfg.Pipeline.MaxExtractChars,
			DedupWindow:     time.Duration(cfg.Pipeline.DedupWindowDays) * 24 * time.Hour,
			FeedbackLimit:   cfg.Pipeline.FeedbackLimit,
			EmbedMaxChars:   cfg.Pipeline.EmbedMaxChars,
			SettleBudget:    time.Duration(cfg.Crawl.SettleBudgetSecs) * time.Second,
			SettlePoll:      time.Duration(cfg.Crawl.SettlePollMillis) * time.Millisecond,
			APIKey:          cfg.OpenAI.APIKey,
			Model:           cfg.OpenAI.Model,
		})

		results, err := orch.Refresh(ctx, refreshSourceID)
		if err != nil {
			return eris.Wrap(err, "refresh")
		}

		type summary struct {
			Source      string `json:"source"`
			Status      string `json:"status"`
			Postings    int    `json:"postings"`
			TotalTokens int    `json:"total_tokens"`
			Error       string `json:"error,omitempty"`
		}
		summaries := make([]summary, 0, len(results))
		for _, res := range results {
			s := summary{
				Source:      res.Source.Name,
				Status:      string(res.Status),
				Postings:    len(res.Postings),
				TotalTokens: res.Usage.TotalTokens,
			}
			if res.Err != nil {
				s.Error = res.Err.Error()
			}
			summaries = append(summaries, s)
		}

		zap.L().Info("refresh complete", zap.Int("sources", len(results)))

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(summaries)
	},
}

func init() {
	refreshCmd.Flags().Int64Var(&refreshSourceID, "source", 0, "refresh a single source by id (default: all active sources)")
	rootCmd.AddCommand(refreshCmd)
}
