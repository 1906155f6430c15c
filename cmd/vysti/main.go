package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:     "vysti",
	Short:   "Essay marking session client",
	Version: version,
	Long: `vysti drives an essay marking session against the Vysti service:
select a document, mark it, review flagged issues, check and apply
rewrites, and download the results.

Start the local server with "vysti start", then use the session commands
from another terminal.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)

	rootCmd.AddCommand(openCmd)
	rootCmd.AddCommand(clearCmd)
	rootCmd.AddCommand(markCmd)
	rootCmd.AddCommand(recheckCmd)
	rootCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(issuesCmd)
	rootCmd.AddCommand(rewriteCmd)
	rootCmd.AddCommand(dismissCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(draftCmd)
	rootCmd.AddCommand(previewCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
