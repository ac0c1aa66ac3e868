// Package cmd contains all the CLI commands for the application,
// built using the Cobra library.
package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"contribtrend/internal/dataset"
	"contribtrend/internal/domain"
	"contribtrend/internal/render"
)

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Graphs monthly contributions from the dataset file",
	Long: `Reads the dataset file and renders a time-series chart: one line per
requested author plus a fitted trend curve, saved as a PNG.`,
	Run: func(cmd *cobra.Command, args []string) {
		logger := newLogger(cmd)

		authors, _ := cmd.Flags().GetStringSlice("authors")
		sinceStr, _ := cmd.Flags().GetString("since")
		anonymize, _ := cmd.Flags().GetBool("anonymize")
		inputFile, _ := cmd.Flags().GetString("input-file")
		output, _ := cmd.Flags().GetString("output")

		since := domain.MonthOf(time.Now().AddDate(-1, 0, 0))
		if sinceStr != "" {
			var err error
			since, err = domain.ParseMonth(sinceStr)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: invalid --since: %v\n", err)
				os.Exit(1)
			}
		}

		ds, err := dataset.Load(inputFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		renderer := render.NewRenderer(logger)
		if err := renderer.RenderFile(ds, authors, since, anonymize, output); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(graphCmd)
	graphCmd.Flags().StringSliceP("authors", "a", nil, "Graph contributions for these GitHub usernames (required)")
	graphCmd.MarkFlagRequired("authors")
	graphCmd.Flags().StringP("since", "s", "", "Graph contributions from this month onward (YYYY-MM, defaults to 12 months ago)")
	graphCmd.Flags().Bool("anonymize", false, "Anonymize the usernames when plotting")
	graphCmd.Flags().String("input-file", "monthly_activity.json", "Read the dataset from this file")
	graphCmd.Flags().String("output", "monthly_activity.png", "Save the chart to this PNG file")
}
