package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/jobfeed/jobfeed/pkg/openai"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List models available to the configured API key",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("models"); err != nil {
			return err
		}

		ai := openai.NewClient(cfg.OpenAI.APIKey, openai.WithBaseURL(cfg.OpenAI.BaseURL))
		models, err := ai.ListModels(cmd.Context())
		if err != nil {
			return eris.Wrap(err, "list models")
		}

		for _, m := range models {
			fmt.Println(m)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(modelsCmd)
}
