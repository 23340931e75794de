// ABOUTME: Subcommand simulating a drifting, jittery audio clock
// ABOUTME: Exercises drift estimation and outlier-tolerant calibration
package commands

import (
	"time"

	"github.com/spf13/cobra"
)

// drift: audio clock with offset, linear drift, and measurement jitter.
func driftCmd() *cobra.Command {
	var offset time.Duration
	var ppm float64
	var jitter time.Duration
	var seed int64

	cmd := &cobra.Command{
		Use:   "drift",
		Short: "Simulate an audio clock that drifts against the reference",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSim(simParams{
				offset: offset,
				drift:  ppm * 1e-6,
				jitter: jitter,
				seed:   seed,
			})
		},
	}
	cmd.Flags().DurationVar(&offset, "offset", 30*time.Millisecond, "initial audio clock offset")
	cmd.Flags().Float64Var(&ppm, "ppm", 50, "drift rate in parts per million")
	cmd.Flags().DurationVar(&jitter, "jitter", 100*time.Microsecond, "uniform ± measurement jitter")
	cmd.Flags().Int64Var(&seed, "seed", 1, "jitter RNG seed")
	return cmd
}
