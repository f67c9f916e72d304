// Command docketd runs the document retrieval service: the job API, the
// operator WebSocket channel, and the workers that drive retrieval jobs.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pitabwire/docket/internal/observability"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "docketd",
		Short:         "Operator-assisted document retrieval service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "docketd %s (commit %s)\n", version, commit)
		},
	}
}

func main() {
	observability.Version = version
	observability.Commit = commit

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "docketd: %v\n", err)
		os.Exit(1)
	}
}
