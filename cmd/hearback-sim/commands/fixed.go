// ABOUTME: Subcommand simulating a fixed-offset audio clock
// ABOUTME: The simplest case: no drift, no jitter, one constant skew
package commands

import (
	"time"

	"github.com/spf13/cobra"
)

// fixed: audio clock ahead of the reference by a constant offset.
func fixedCmd() *cobra.Command {
	var offset time.Duration

	cmd := &cobra.Command{
		Use:   "fixed",
		Short: "Simulate an audio clock with a fixed offset",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSim(simParams{offset: offset, seed: 1})
		},
	}
	cmd.Flags().DurationVar(&offset, "offset", 30*time.Millisecond, "audio clock offset vs the reference")
	return cmd
}
