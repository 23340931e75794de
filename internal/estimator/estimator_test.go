// ABOUTME: Tests for offset model fitting and the calibration state machine
// ABOUTME: Covers convergence, outlier rejection, drift adaptation, and divergence
package estimator

import (
	"math"
	"testing"
	"time"

	"github.com/Hearback-Project/hearback-go/pkg/timeline"
)

const ref = timeline.DomainID("keyboard")

func testConfig() Config {
	return Config{
		MinSamples:          5,
		ConfidenceThreshold: 50, // µs
		OutlierSigma:        3.0,
		DriftWindow:         10 * time.Second,
		DriftThreshold:      100,
		MaxRefitAttempts:    5,
	}
}

func pair(dom timeline.DomainID, refTick, domTick int64) timeline.CalibrationPair {
	return timeline.CalibrationPair{
		StimulusDomain: ref,
		ResponseDomain: dom,
		StimulusTick:   refTick,
		ResponseTick:   domTick,
	}
}

// Exact pairs with a fixed +30ms offset and zero drift must converge to the
// true offset.
func TestFixedOffsetConvergence(t *testing.T) {
	e := New(testConfig(), ref)

	const offset = 30_000 // 30ms in µs
	for i := int64(0); i < 5; i++ {
		refTick := i * 1_000_000
		e.AddPair(pair("audio-heard", refTick, refTick+offset))
	}

	m, ok := e.Model("audio-heard")
	if !ok {
		t.Fatal("expected model for audio-heard")
	}
	if !m.Valid {
		t.Fatalf("expected valid model, state=%v ci=%.1f n=%d", m.State, m.CI, m.Samples)
	}
	if m.State != StateConverged {
		t.Errorf("expected Converged, got %v", m.State)
	}
	if math.Abs(m.Fixed-offset) > 1 {
		t.Errorf("expected fixed ≈ %dµs, got %.2f", offset, m.Fixed)
	}
	if math.Abs(m.Drift) > 1e-6 {
		t.Errorf("expected zero drift, got %.9f", m.Drift)
	}
}

func TestStateProgression(t *testing.T) {
	e := New(testConfig(), ref)

	if m, ok := e.Model("midi"); ok || m.State != StateIdle {
		t.Errorf("expected idle/no model before pairs, got ok=%v state=%v", ok, m.State)
	}

	e.AddPair(pair("midi", 0, 1000))
	m, _ := e.Model("midi")
	if m.State != StateCalibrating {
		t.Errorf("expected Calibrating after first pair, got %v", m.State)
	}
	if m.Valid {
		t.Error("model must not be valid before thresholds are met")
	}

	for i := int64(1); i < 5; i++ {
		e.AddPair(pair("midi", i*1_000_000, i*1_000_000+1000))
	}
	m, _ = e.Model("midi")
	if m.State != StateConverged || !m.Valid {
		t.Errorf("expected Converged+valid, got %v valid=%v", m.State, m.Valid)
	}

	// Post-convergence pairs move to drift monitoring
	e.AddPair(pair("midi", 5_000_000, 5_001_000))
	m, _ = e.Model("midi")
	if m.State != StateDriftMonitoring {
		t.Errorf("expected DriftMonitoring, got %v", m.State)
	}
	if !m.Valid {
		t.Error("model must stay valid in DriftMonitoring")
	}
}

// A pair whose residual is far outside the converged fit must be excluded and
// reported, not absorbed.
func TestOutlierRejection(t *testing.T) {
	e := New(testConfig(), ref)

	const offset = 10_000
	for i := int64(0); i < 5; i++ {
		e.AddPair(pair("audio-heard", i*1_000_000, i*1_000_000+offset))
	}
	m, _ := e.Model("audio-heard")
	if !m.Valid {
		t.Fatalf("precondition: expected converged model, ci=%.1f", m.CI)
	}

	// Spurious simultaneous-but-unrelated event, half a second off
	e.AddPair(pair("audio-heard", 5_000_000, 5_000_000+offset+500_000))

	m, _ = e.Model("audio-heard")
	if m.Rejected != 1 {
		t.Errorf("expected 1 rejected pair, got %d", m.Rejected)
	}
	if math.Abs(m.Fixed-offset) > 1 {
		t.Errorf("outlier leaked into fit: fixed=%.1f, want %d", m.Fixed, offset)
	}
	if m.Revalidating {
		t.Error("a single outlier must not trigger revalidation")
	}
}

// A linearly drifting clock, given periodic recalibration, must converge its
// drift estimate to the true rate.
func TestDriftAdaptation(t *testing.T) {
	e := New(testConfig(), ref)

	const drift = 0.001 // 1000ppm, exaggerated for the test
	const offset = 5_000.0
	for i := int64(0); i < 12; i++ {
		refTick := i * 1_000_000
		domTick := int64(float64(refTick) + offset + drift*float64(refTick))
		e.AddPair(pair("midi", refTick, domTick))
	}

	m, _ := e.Model("midi")
	if !m.Valid {
		t.Fatalf("expected valid model, ci=%.1f", m.CI)
	}
	if math.Abs(m.Drift-drift) > 1e-5 {
		t.Errorf("expected drift ≈ %.6f, got %.6f", drift, m.Drift)
	}
}

// When a converged clock's offset starts moving, windowed residuals must send
// the model back to Calibrating — still valid, flagged revalidating — and the
// refit must track the new offset.
func TestDriftDetectionRevalidates(t *testing.T) {
	e := New(testConfig(), ref)

	const base = 20_000
	const step = 2_000_000 // 2s between calibration pairs

	for i := int64(0); i < 6; i++ {
		e.AddPair(pair("audio-heard", i*step, i*step+base))
	}
	m, _ := e.Model("audio-heard")
	if !m.Valid {
		t.Fatalf("precondition: expected valid model, ci=%.1f", m.CI)
	}

	// Offset shifts by 250µs: inside the outlier gate, outside the drift
	// threshold once it dominates the window.
	var sawRevalidating bool
	for i := int64(6); i < 14; i++ {
		e.AddPair(pair("audio-heard", i*step, i*step+base+250))
		m, _ = e.Model("audio-heard")
		if m.Revalidating {
			sawRevalidating = true
		}
		if !m.Valid {
			t.Fatal("model must never lose validity while revalidating")
		}
	}
	if !sawRevalidating {
		t.Error("expected drift detection to flag revalidation")
	}

	for i := int64(14); i < 20; i++ {
		e.AddPair(pair("audio-heard", i*step, i*step+base+250))
	}
	m, _ = e.Model("audio-heard")
	if math.Abs(m.Fixed-(base+250)) > 100 {
		t.Errorf("expected refit offset ≈ %dµs, got %.1f", base+250, m.Fixed)
	}
}

// Noise too large for the confidence threshold must eventually freeze the
// model at a best-effort fit flagged low-confidence.
func TestDivergentCalibrationFreezes(t *testing.T) {
	cfg := testConfig()
	cfg.ConfidenceThreshold = 1 // µs: unattainable with this noise
	e := New(cfg, ref)

	noise := []int64{0, 900, -800, 700, -600, 500, -900, 800, -700, 600, -500, 400}
	for i, nz := range noise {
		refTick := int64(i) * 1_000_000
		e.AddPair(pair("midi", refTick, refTick+15_000+nz))
	}

	m, _ := e.Model("midi")
	if !m.LowConfidence {
		t.Fatalf("expected frozen low-confidence model, state=%v ci=%.1f", m.State, m.CI)
	}
	if !m.Valid {
		t.Error("frozen model must still be usable (best-effort)")
	}
	if math.Abs(m.Fixed-15_000) > 1_000 {
		t.Errorf("best-effort fixed offset off: %.1f", m.Fixed)
	}
}

func TestCrossDomainPairIgnored(t *testing.T) {
	e := New(testConfig(), ref)

	e.AddPair(timeline.CalibrationPair{
		StimulusDomain: "midi",
		ResponseDomain: "audio-heard",
		StimulusTick:   0,
		ResponseTick:   100,
	})

	if e.CrossPairs() != 1 {
		t.Errorf("expected 1 ignored cross pair, got %d", e.CrossPairs())
	}
	if _, ok := e.Model("audio-heard"); ok {
		t.Error("cross pair must not create a model")
	}
}

func TestReversedPairOrientation(t *testing.T) {
	e := New(testConfig(), ref)

	// Response side is the reference: delta must be negated
	for i := int64(0); i < 5; i++ {
		e.AddPair(timeline.CalibrationPair{
			StimulusDomain: "audio-heard",
			ResponseDomain: ref,
			StimulusTick:   i*1_000_000 + 30_000,
			ResponseTick:   i * 1_000_000,
		})
	}

	m, _ := e.Model("audio-heard")
	if math.Abs(m.Fixed-30_000) > 1 {
		t.Errorf("expected fixed ≈ 30000µs from reversed pairs, got %.1f", m.Fixed)
	}
}
