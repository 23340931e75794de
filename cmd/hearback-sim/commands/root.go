// ABOUTME: Root command and shared flags for the simulation CLI
// ABOUTME: Subcommands model fixed-offset, drifting, and full scenario clocks
package commands

import (
	"time"

	"github.com/spf13/cobra"
)

var (
	count      int
	interval   time.Duration
	latency    time.Duration
	systemic   time.Duration
	calibEvery int
	quiet      bool
)

func Execute() error {
	root := &cobra.Command{
		Use:   "hearback-sim",
		Short: "Run synthetic clock-domain reconciliation scenarios",
		Long: `hearback-sim drives a real reconciliation session with synthetic clocks.

A simulated keyboard fires on the reference clock; a simulated audio clock
reports the heard response with a configurable offset, drift, and jitter.
The session reconciles both streams and reports the measured perceived
latency, which should match the --latency you injected.`,
	}

	root.PersistentFlags().IntVar(&count, "count", 200, "number of keystroke/response pairs to simulate")
	root.PersistentFlags().DurationVar(&interval, "interval", 50*time.Millisecond, "reference-time spacing between keystrokes")
	root.PersistentFlags().DurationVar(&latency, "latency", 12*time.Millisecond, "true perceived latency to inject")
	root.PersistentFlags().DurationVar(&systemic, "systemic", 0, "known systemic latency on the audio domain")
	root.PersistentFlags().IntVar(&calibEvery, "calib-every", 5, "emit a calibration pair every N keystrokes")
	root.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress per-event output")

	root.AddCommand(fixedCmd(), driftCmd(), scenarioCmd())
	return root.Execute()
}
