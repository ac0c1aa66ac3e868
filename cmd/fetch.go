// Package cmd contains all the CLI commands for the application,
// built using the Cobra library.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"contribtrend/internal/dataset"
	"contribtrend/internal/domain"
	"contribtrend/internal/gateway"
	"contribtrend/internal/usecase"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Fetches contribution activity and updates the dataset file",
	Long: `Fetches issue, pull request, comment and review activity for the given
repositories and organizations from the GitHub API, aggregates counts per
author per calendar month, and writes the result to the dataset file.
Months already recorded as complete for the requested repositories are
skipped; the current month is always refetched.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		logger := newLogger(cmd)

		orgs, _ := cmd.Flags().GetStringSlice("orgs")
		repos, _ := cmd.Flags().GetStringSlice("repos")
		excluded, _ := cmd.Flags().GetStringSlice("exclude")
		outputFile, _ := cmd.Flags().GetString("output-file")

		if len(orgs) == 0 && len(repos) == 0 {
			fmt.Fprintln(os.Stderr, "Error: at least one of --orgs or --repos must be specified.")
			os.Exit(1)
		}

		token := resolveToken(cmd)
		if token == "" {
			logger.Warn("No GitHub token configured; requests may be rate limited heavily.")
		}

		// Inject dependencies and run the fetch pass.
		githubGateway, err := gateway.NewGitHubGateway(token, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to create GitHub gateway: %v\n", err)
			os.Exit(1)
		}

		ds, err := dataset.Load(outputFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		save := func(d *domain.Dataset) error { return dataset.Save(outputFile, d) }
		aggregator := usecase.NewAggregator(githubGateway, save, logger)

		if _, err := aggregator.Run(ctx, ds, orgs, repos, excluded); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

// resolveToken finds the access token: the --token flag wins, then the
// GITHUB_TOKEN environment variable, optionally loaded from a .env file.
func resolveToken(cmd *cobra.Command) string {
	if token, _ := cmd.Flags().GetString("token"); token != "" {
		return token
	}
	// A missing .env file is fine; the plain environment still applies.
	_ = godotenv.Load()
	return os.Getenv("GITHUB_TOKEN")
}

func init() {
	rootCmd.AddCommand(fetchCmd)
	fetchCmd.Flags().StringSliceP("orgs", "o", nil, "Fetch contributions to all repositories of these GitHub organizations")
	fetchCmd.Flags().StringSlice("repos", nil, "Fetch contributions to these specific repositories (owner/name)")
	fetchCmd.Flags().StringSlice("exclude", nil, "Skip these repositories (owner/name), even when their organization is requested")
	fetchCmd.Flags().StringP("token", "t", "", "GitHub access token (defaults to GITHUB_TOKEN, optionally from .env)")
	fetchCmd.Flags().String("output-file", "monthly_activity.json", "Write the dataset to this file")
}
