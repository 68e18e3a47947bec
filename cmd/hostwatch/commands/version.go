package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/cloudless/hostwatch/pkg/version"
)

// NewVersionCommand creates the version command
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Long:  "Print the version, build time, and git commit of hostwatch",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "hostwatch version %s\n", version.Version)
			fmt.Fprintf(out, "Build time: %s\n", version.BuildTime)
			fmt.Fprintf(out, "Git commit: %s\n", version.GitCommit)
			fmt.Fprintf(out, "Go version: %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
