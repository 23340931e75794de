// ABOUTME: Shared simulation runner behind the subcommands
// ABOUTME: Feeds scripted synthetic clocks through a real session and reports
package commands

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/Hearback-Project/hearback-go/internal/source"
	"github.com/Hearback-Project/hearback-go/pkg/hearback"
	"github.com/Hearback-Project/hearback-go/pkg/timeline"
)

// simParams describes the simulated audio clock's misbehavior.
type simParams struct {
	offset time.Duration
	drift  float64
	jitter time.Duration
	seed   int64
}

// runSim simulates count keystrokes on the reference clock and their heard
// responses on a skewed audio clock, reconciles them, and prints the measured
// latency distribution.
func runSim(p simParams) error {
	sess, err := hearback.NewSession(hearback.Config{
		Domains: []timeline.DomainSpec{
			{ID: timeline.DomainKeyboard, Resolution: time.Microsecond, BufferDepth: 4096},
			{ID: timeline.DomainAudioHeard, Resolution: time.Microsecond, BufferDepth: 4096, SystemicLatency: systemic},
		},
		DomainPriority: []timeline.DomainID{timeline.DomainKeyboard, timeline.DomainAudioHeard},
		Pairs: []hearback.LatencyPair{
			{Stimulus: timeline.DomainKeyboard, Response: timeline.DomainAudioHeard},
		},
		PollInterval: time.Millisecond,
		OnEvent: func(ev timeline.Event) {
			if !quiet {
				fmt.Printf("%10dµs  %-12s seq=%-4d flags=%b\n", ev.Tick, ev.Domain, ev.Seq, ev.Flags)
			}
		},
	})
	if err != nil {
		return err
	}

	audioClock := source.NewSynthetic(source.SyntheticConfig{
		Domain: timeline.DomainAudioHeard,
		Offset: p.offset,
		Drift:  p.drift,
		Count:  count,
	})
	rng := rand.New(rand.NewSource(p.seed))

	intervalUS := interval.Microseconds()
	latencyUS := latency.Microseconds()
	systemicUS := systemic.Microseconds()
	jitterUS := p.jitter.Microseconds()

	// Build both scripts on the shared reference timeline. The audio response
	// is heard latency after each keystroke, plus the systemic output delay
	// the session is configured to remove.
	var kbdScript, audScript []source.ScriptedSample
	var calibration []timeline.CalibrationPair
	for i := 0; i < count; i++ {
		refUS := int64(i) * intervalUS
		kbdScript = append(kbdScript, source.ScriptedSample{
			RawTick: refUS,
			Payload: timeline.Payload{Kind: timeline.PayloadKey, Code: 32},
		})

		heardRef := refUS + latencyUS + systemicUS
		raw := audioClock.RawAt(heardRef)
		if jitterUS > 0 {
			raw += rng.Int63n(2*jitterUS+1) - jitterUS
		}
		audScript = append(audScript, source.ScriptedSample{RawTick: raw})

		if calibEvery > 0 && i%calibEvery == 0 {
			calibration = append(calibration, timeline.CalibrationPair{
				StimulusDomain: timeline.DomainKeyboard,
				ResponseDomain: timeline.DomainAudioHeard,
				StimulusTick:   refUS,
				ResponseTick:   audioClock.RawAt(refUS),
			})
		}
	}

	// Calibrate first so the model is valid before responses arrive.
	for _, pair := range calibration {
		if err := sess.SubmitCalibrationPair(pair); err != nil {
			return err
		}
	}
	time.Sleep(100 * time.Millisecond)

	// Interleave the two streams so the watermark advances over both domains
	// together, the way real capture would deliver them.
	for i := range kbdScript {
		if err := sess.Submit(timeline.DomainKeyboard, kbdScript[i].RawTick, kbdScript[i].Payload); err != nil {
			return err
		}
		if err := sess.Submit(timeline.DomainAudioHeard, audScript[i].RawTick, audScript[i].Payload); err != nil {
			return err
		}
	}

	time.Sleep(200 * time.Millisecond)
	if err := sess.Close(); err != nil {
		return err
	}

	printSummary(sess.Summary())
	return nil
}

func printSummary(s hearback.Summary) {
	fmt.Printf("\nsession %s\n", s.SessionID)
	fmt.Printf("events: %d (late %d, uncompensated %d, invalid %d)\n",
		s.Events, s.Late, s.Uncompensated, s.Invalid)

	for _, p := range s.Pairs {
		fmt.Printf("\n%s → %s\n", p.Stimulus, p.Response)
		if p.Count == 0 {
			fmt.Println("  no matched events")
			continue
		}
		fmt.Printf("  matched: %d\n", p.Count)
		fmt.Printf("  mean:    %8.2f ms\n", p.Mean/1000)
		fmt.Printf("  median:  %8.2f ms\n", p.Median/1000)
		fmt.Printf("  p95:     %8.2f ms\n", p.P95/1000)
		fmt.Printf("  p99:     %8.2f ms\n", p.P99/1000)
		fmt.Printf("  jitter:  %8.2f ms\n", p.Jitter/1000)
		fmt.Printf("  range:   %.2f – %.2f ms\n", float64(p.Min)/1000, float64(p.Max)/1000)
	}
}
