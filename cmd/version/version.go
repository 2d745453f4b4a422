// Package version implements the version command.
package version

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tphakala/iqstream/internal/buildinfo"
)

// Command creates the version command
func Command() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			b := buildinfo.Current()
			fmt.Fprintf(cmd.OutOrStdout(), "iqstream %s (built %s, %s)\n", b.Version, b.BuildDate, b.GoVersion)
		},
	}
}
