package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "receiptops",
	Short: "Receipt resolution service",
	Long: `A service that ingests OCR-extracted receipt texts, resolves the
issuing brand through hybrid lexical and vector matching, extracts and
validates line items, and journals every processing attempt.`,
}

// Execute executes the root command
func Execute() error {
	return rootCmd.Execute()
}
