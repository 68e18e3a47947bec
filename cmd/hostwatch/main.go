package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cloudless/hostwatch/cmd/hostwatch/commands"
	"github.com/cloudless/hostwatch/cmd/hostwatch/config"
	"github.com/cloudless/hostwatch/pkg/version"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "hostwatch [CLIENT_KEY]",
		Short: "Host monitoring agent",
		Long: `hostwatch runs monitoring plugins on this host and checks their results in
with the monitoring server.

Invoked without a subcommand it behaves like "hostwatch run", which is the
form normally placed in crontab.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version.Version, version.GitCommit, version.BuildTime),
		Args:          cobra.MaximumNArgs(1),
		RunE:          commands.Run,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	config.AddRunFlags(rootCmd.Flags())

	rootCmd.AddCommand(commands.NewRunCommand())
	rootCmd.AddCommand(commands.NewTestCommand())
	rootCmd.AddCommand(commands.NewSignCommand())
	rootCmd.AddCommand(commands.NewVersionCommand())

	return rootCmd
}
