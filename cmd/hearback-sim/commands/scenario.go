// ABOUTME: Subcommand running the canonical keystroke-to-sound scenario
// ABOUTME: A rig with a skewed, drifting audio path and a known output buffer
package commands

import (
	"time"

	"github.com/spf13/cobra"
)

// scenario: the demo measurement rig. The audio clock is 30ms ahead and
// drifts 50ppm, the output buffer adds a known 8ms, and timestamps jitter by
// ±200µs. The reconciled mean should still land on --latency.
func scenarioCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scenario",
		Short: "Run the canonical keystroke→sound measurement scenario",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("systemic") {
				systemic = 8 * time.Millisecond
			}
			return runSim(simParams{
				offset: 30 * time.Millisecond,
				drift:  50e-6,
				jitter: 200 * time.Microsecond,
				seed:   42,
			})
		},
	}
}
