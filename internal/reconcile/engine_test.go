// ABOUTME: Tests for the watermark merge engine and latency compensation
// ABOUTME: Covers ordering, round-trips, late tagging, holds, and the 12ms scenario
package reconcile

import (
	"math"
	"testing"
	"time"

	"github.com/Hearback-Project/hearback-go/internal/estimator"
	"github.com/Hearback-Project/hearback-go/internal/ingest"
	"github.com/Hearback-Project/hearback-go/pkg/timeline"
)

const kbd = timeline.DomainID("keyboard")
const aud = timeline.DomainID("audio-heard")
const mid = timeline.DomainID("midi")

type harness struct {
	rings  map[timeline.DomainID]*ingest.Ring
	est    *estimator.Estimator
	engine *Engine
	events []timeline.Event
}

func newHarness(cfg Config, domains ...timeline.DomainID) *harness {
	h := &harness{rings: make(map[timeline.DomainID]*ingest.Ring)}
	for _, d := range domains {
		h.rings[d] = ingest.NewRing(256)
	}
	h.est = estimator.New(estimator.Config{MinSamples: 5, ConfidenceThreshold: 50}, cfg.Reference)
	h.engine = New(cfg, h.rings, h.est, func(ev timeline.Event) {
		h.events = append(h.events, ev)
	})
	return h
}

func (h *harness) push(d timeline.DomainID, tick int64, seq uint64) {
	h.rings[d].Push(timeline.Sample{Domain: d, Tick: tick, Seq: seq})
}

func (h *harness) calibrate(dom timeline.DomainID, offset int64, n int) {
	for i := 0; i < n; i++ {
		refTick := int64(i) * 1_000_000
		h.est.AddPair(timeline.CalibrationPair{
			StimulusDomain: kbd, ResponseDomain: dom,
			StimulusTick: refTick, ResponseTick: refTick + offset,
		})
	}
}

func defaultCfg() Config {
	return Config{
		Reference:   kbd,
		Priority:    map[timeline.DomainID]int{kbd: 0, mid: 1, aud: 2},
		MaxLateness: 10 * time.Millisecond,
	}
}

func TestCompensateExactInverse(t *testing.T) {
	m := estimator.Model{Fixed: 30_000, Drift: 0.0005, Origin: 2_000_000, Valid: true}

	for _, ref := range []int64{0, 1_000_000, 2_000_000, 5_000_000} {
		domTick := ref + 30_000 + int64(0.0005*float64(ref-2_000_000))
		got := Compensate(domTick, m, 0)
		if diff := got - ref; diff < -1 || diff > 1 {
			t.Errorf("ref %d: compensated to %d (off by %d)", ref, got, diff)
		}
	}
}

func TestCompensateSystemicLatency(t *testing.T) {
	m := estimator.Model{Fixed: 0, Drift: 0, Valid: true}
	if got := Compensate(50_000, m, 8_000); got != 42_000 {
		t.Errorf("expected systemic latency subtracted, got %d", got)
	}
	if got := Identity(50_000, 8_000); got != 42_000 {
		t.Errorf("identity with systemic latency: got %d", got)
	}
}

// The concrete spec scenario: keyboard fires at raw 0ms, the heard sound is
// reported at raw 42ms on a clock with a +30ms calibrated offset. The
// reconciled timeline must show 12ms of perceived latency, not 42.
func TestPerceivedLatencyScenario(t *testing.T) {
	h := newHarness(defaultCfg(), kbd, aud)
	h.calibrate(aud, 30_000, 5)

	h.push(kbd, 0, 1)
	h.push(aud, 42_000, 1)

	// Trailing activity so the watermark passes both events
	h.push(kbd, 100_000, 2)
	h.push(aud, 142_000, 2)

	h.engine.Cycle()

	if len(h.events) != 2 {
		t.Fatalf("expected 2 emitted events, got %d", len(h.events))
	}
	if h.events[0].Domain != kbd || h.events[0].Tick != 0 {
		t.Errorf("expected keyboard@0 first, got %s@%d", h.events[0].Domain, h.events[0].Tick)
	}
	if h.events[1].Domain != aud || h.events[1].Tick != 12_000 {
		t.Errorf("expected audio-heard@12000, got %s@%d", h.events[1].Domain, h.events[1].Tick)
	}
	if latency := h.events[1].Tick - h.events[0].Tick; latency != 12_000 {
		t.Errorf("expected 12ms perceived latency, got %dµs", latency)
	}
}

// Output must be non-decreasing in compensated tick except for events
// explicitly tagged late.
func TestTotalOrderAcrossDomains(t *testing.T) {
	h := newHarness(defaultCfg(), kbd, aud, mid)
	h.calibrate(aud, 25_000, 5)
	h.calibrate(mid, -4_000, 5)

	// Interleaved pushes, deliberately not in timeline order
	h.push(aud, 30_000, 1)  // → 5_000
	h.push(kbd, 1_000, 1)   // → 1_000
	h.push(mid, 5_000, 1)   // → 9_000
	h.push(kbd, 7_000, 2)   // → 7_000
	h.push(aud, 28_000, 2)  // → 3_000 (raw regression is the source's problem; ring keeps arrival order)
	h.push(mid, 16_000, 2)  // → 20_000

	// Sentinels to advance the watermark past everything above
	h.push(kbd, 60_000, 3)
	h.push(aud, 95_000, 3)
	h.push(mid, 56_000, 3)

	h.engine.Cycle()

	if len(h.events) < 6 {
		t.Fatalf("expected at least 6 events, got %d", len(h.events))
	}
	last := int64(math.MinInt64)
	for _, ev := range h.events {
		if ev.Flags.Has(timeline.FlagLate) {
			continue
		}
		if ev.Tick < last {
			t.Errorf("order violated: %d after %d", ev.Tick, last)
		}
		last = ev.Tick
	}
}

// Identity round-trip: events spaced by Δ keep exactly that spacing.
func TestRoundTripSpacing(t *testing.T) {
	cfg := defaultCfg()
	cfg.MaxLateness = time.Millisecond
	h := newHarness(cfg, kbd)

	const delta = 7_000
	for i := int64(0); i < 10; i++ {
		h.push(kbd, i*delta, uint64(i+1))
	}
	h.push(kbd, 100_000, 11) // sentinel

	h.engine.Cycle()

	if len(h.events) != 10 {
		t.Fatalf("expected 10 events, got %d", len(h.events))
	}
	for i := 1; i < len(h.events); i++ {
		if spacing := h.events[i].Tick - h.events[i-1].Tick; spacing != delta {
			t.Errorf("event %d: spacing %dµs, want %d", i, spacing, delta)
		}
	}
}

func TestTieBreakByPriorityThenSeq(t *testing.T) {
	h := newHarness(defaultCfg(), kbd, mid)
	h.calibrate(mid, 0, 5)

	h.push(mid, 5_000, 1)
	h.push(kbd, 5_000, 1)
	h.push(kbd, 5_000, 2)
	h.push(kbd, 50_000, 3)
	h.push(mid, 50_000, 2)

	h.engine.Cycle()

	if len(h.events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(h.events))
	}
	if h.events[0].Domain != kbd || h.events[0].Seq != 1 {
		t.Errorf("tie must go to keyboard seq 1, got %s seq %d", h.events[0].Domain, h.events[0].Seq)
	}
	if h.events[1].Domain != kbd || h.events[1].Seq != 2 {
		t.Errorf("then keyboard seq 2, got %s seq %d", h.events[1].Domain, h.events[1].Seq)
	}
	if h.events[2].Domain != mid {
		t.Errorf("then midi, got %s", h.events[2].Domain)
	}
}

// An event arriving behind the emitted watermark goes out immediately,
// tagged late, instead of stalling the pipeline.
func TestLateEventTagged(t *testing.T) {
	h := newHarness(defaultCfg(), kbd)

	h.push(kbd, 10_000, 1)
	h.push(kbd, 50_000, 2)
	h.engine.Cycle() // watermark now 40ms, event@10ms emitted

	h.push(kbd, 12_000, 3) // behind the watermark
	h.engine.Cycle()

	if len(h.events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(h.events))
	}
	late := h.events[1]
	if !late.Flags.Has(timeline.FlagLate) {
		t.Error("expected late flag on straggler")
	}
	if late.Tick != 12_000 {
		t.Errorf("late event tick %d, want 12000", late.Tick)
	}
	if h.engine.LateEvents() != 1 {
		t.Errorf("late counter: got %d, want 1", h.engine.LateEvents())
	}
}

// Samples from a domain with no valid model are held, then emitted
// uncompensated and flagged once the hold times out. Never discarded.
func TestHoldThenUncompensated(t *testing.T) {
	cfg := defaultCfg()
	cfg.HoldTimeout = time.Millisecond
	h := newHarness(cfg, kbd, aud)

	h.push(aud, 20_000, 1) // no calibration for aud
	h.push(kbd, 5_000, 1)
	h.push(kbd, 80_000, 2)
	h.push(aud, 90_000, 2)

	h.engine.Cycle()
	for _, ev := range h.events {
		if ev.Domain == aud {
			t.Fatal("uncalibrated sample emitted before hold timeout")
		}
	}

	time.Sleep(3 * time.Millisecond)
	h.engine.Cycle()

	var found bool
	for _, ev := range h.events {
		if ev.Domain == aud && ev.Seq == 1 {
			found = true
			if !ev.Flags.Has(timeline.FlagUncompensated) {
				t.Error("expected uncompensated flag")
			}
			if ev.Tick != 20_000 {
				t.Errorf("identity compensation expected, got tick %d", ev.Tick)
			}
		}
	}
	if !found {
		t.Fatal("held sample was never emitted")
	}
	if h.engine.Uncompensated() == 0 {
		t.Error("uncompensated counter not incremented")
	}
}

// Session end flushes everything still buffered, flagged late.
func TestStopFlushesRemaining(t *testing.T) {
	cfg := defaultCfg()
	cfg.PollInterval = time.Millisecond
	h := newHarness(cfg, kbd)

	go h.engine.Run()

	h.push(kbd, 10_000, 1)
	h.push(kbd, 11_000, 2)
	time.Sleep(5 * time.Millisecond)

	h.engine.Stop()

	if len(h.events) != 2 {
		t.Fatalf("expected 2 flushed events, got %d", len(h.events))
	}
	for i, ev := range h.events {
		if !ev.Flags.Has(timeline.FlagLate) {
			t.Errorf("flushed event %d missing late flag", i)
		}
	}
	if h.events[0].Tick != 10_000 || h.events[1].Tick != 11_000 {
		t.Error("flush must keep queue order")
	}
}

func TestCalibrationQueueSheds(t *testing.T) {
	h := newHarness(defaultCfg(), kbd, aud)

	for i := 0; i < 300; i++ {
		h.engine.SubmitCalibration(timeline.CalibrationPair{
			StimulusDomain: kbd, ResponseDomain: aud,
			StimulusTick: int64(i), ResponseTick: int64(i) + 100,
		})
	}
	if h.engine.DroppedCalibrations() == 0 {
		t.Error("expected shed calibration pairs past queue capacity")
	}
}
