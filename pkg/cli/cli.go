// Package cli implements the interceptd command line interface.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "interceptd",
	Short: "HTTP(S) interception proxy driven by test callbacks",
	Long: `interceptd is a MITM proxy for integration tests. Traffic flowing
through it can be forwarded to test-driver callback URLs, rewritten, or
short-circuited with fixed status codes, all controlled at runtime via the
reserved control host.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the interceptd version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "interceptd", Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}
