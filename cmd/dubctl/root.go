package main

import (
	"os"

	"github.com/spf13/cobra"
)

type options struct {
	server string
	apiKey string
	json   bool
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:           "dubctl",
		Short:         "Submit and manage DubHub localization jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&opts.server, "server", envOr("DUBHUB_URL", "http://localhost:8080"), "DubHub server base URL")
	rootCmd.PersistentFlags().StringVar(&opts.apiKey, "api-key", os.Getenv("DUBHUB_API_KEY"), "API key (defaults to $DUBHUB_API_KEY)")
	rootCmd.PersistentFlags().BoolVar(&opts.json, "json", false, "Print raw JSON instead of tables")

	rootCmd.AddCommand(newJobsCommand(opts))
	rootCmd.AddCommand(newWatchCommand(opts))
	rootCmd.AddCommand(newKeysCommand(opts))

	return rootCmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
