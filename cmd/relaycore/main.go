package main

import (
	"os"

	"github.com/spf13/cobra"

	"relaycore/internal/interfaces/cli/migrate"
	"relaycore/internal/interfaces/cli/server"
	"relaycore/internal/shared/version"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "relaycore",
		Short:   "relaycore - a user-space TCP/UDP forwarding relay",
		Long:    `relaycore forwards TCP and UDP traffic between bound source addresses and upstream targets, with pluggable access control, connection tracking, and metrics.`,
		Version: version.Current,
	}

	rootCmd.Flags().BoolP("version", "v", false, "version for relaycore")

	rootCmd.AddCommand(
		server.NewCommand(),
		migrate.NewCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
