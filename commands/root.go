// Package commands provides the CLI commands for runnerpoolctl.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags)
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "runnerpoolctl",
	Short: "Self-hosted CI runner pool manager for ephemeral microVM runners",
	Long: `runnerpoolctl reconciles a declarative set of runner pools against a
hosted CI service (GitHub Actions or Gitea Actions) and a cloud backend
(Firecracker microVMs or EC2 instances), creating, respawning and
retiring ephemeral one-shot runners to keep each pool at its configured
size.

When run without a subcommand, runnerpoolctl starts the reconciliation
server.`,
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, Date),
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// SetVersionInfo sets the version information for the CLI.
func SetVersionInfo(version, commit, date string) {
	Version = version
	Commit = commit
	Date = date
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)
}
