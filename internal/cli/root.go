// Package cli implements the rangedl command-line interface.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "rangedl",
	Short: "A resumable, multi-source, multi-connection file downloader",
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
