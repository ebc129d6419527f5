// Package cli assembles the profiler-agent command tree: start, status,
// and version, in the flat single-binary layout the agent ships as.
package cli

import (
	"github.com/spf13/cobra"
)

// NewRootCmd builds the top-level command.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "profiler-agent",
		Short:         "Continuous profiling agent for Linux hosts",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(NewStartCmd())
	root.AddCommand(NewStatusCmd())
	root.AddCommand(NewVersionCmd())

	return root
}
