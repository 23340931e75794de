// ABOUTME: Offset estimation with drift tracking per non-reference clock domain
// ABOUTME: Fits offset+drift by least squares over calibration pairs with outlier rejection
package estimator

import (
	"log"
	"math"
	"sync"
	"time"

	"github.com/Hearback-Project/hearback-go/pkg/timeline"
)

// State is the offset model's lifecycle state.
type State int

const (
	// StateIdle: no calibration pairs received yet.
	StateIdle State = iota
	// StateCalibrating: pairs accumulating, parameters updated after each
	// pair but not yet usable for compensation.
	StateCalibrating
	// StateConverged: confidence and sample thresholds met, model valid.
	StateConverged
	// StateDriftMonitoring: still accepting pairs post-convergence, watching
	// residuals for drift.
	StateDriftMonitoring
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCalibrating:
		return "calibrating"
	case StateConverged:
		return "converged"
	case StateDriftMonitoring:
		return "drift-monitoring"
	default:
		return "unknown"
	}
}

// Config controls fitting and convergence.
type Config struct {
	// MinSamples is the minimum calibration pair count before a model can
	// become valid.
	MinSamples int

	// ConfidenceThreshold is the largest acceptable 95% confidence interval
	// half-width on the fixed offset, in µs.
	ConfidenceThreshold float64

	// OutlierSigma excludes pairs whose residual exceeds this multiple of the
	// residual standard deviation.
	OutlierSigma float64

	// DriftWindow is the sliding window, in reference-clock time, over which
	// post-convergence residuals are watched.
	DriftWindow time.Duration

	// DriftThreshold is the mean residual magnitude, in µs, that sends a
	// converged model back to calibration.
	DriftThreshold float64

	// MaxRefitAttempts bounds how many fits past MinSamples may fail the
	// confidence threshold before the model is frozen as low-confidence.
	MaxRefitAttempts int

	// MaxPairs caps retained pairs per domain; the oldest are discarded.
	MaxPairs int
}

func (c Config) withDefaults() Config {
	if c.MinSamples == 0 {
		c.MinSamples = 5
	}
	if c.ConfidenceThreshold == 0 {
		c.ConfidenceThreshold = 500 // 0.5ms
	}
	if c.OutlierSigma == 0 {
		c.OutlierSigma = 3.0
	}
	if c.DriftWindow == 0 {
		c.DriftWindow = 30 * time.Second
	}
	if c.DriftThreshold == 0 {
		c.DriftThreshold = 2 * c.ConfidenceThreshold
	}
	if c.MaxRefitAttempts == 0 {
		c.MaxRefitAttempts = 20
	}
	if c.MaxPairs == 0 {
		c.MaxPairs = 256
	}
	return c
}

// Model is a snapshot of one domain's offset model. The forward transform it
// describes is
//
//	domainTick ≈ referenceTick + Fixed + Drift·(referenceTick − Origin)
//
// so compensation subtracts Fixed and the drift term from the domain tick.
type Model struct {
	Domain        timeline.DomainID
	Fixed         float64 // µs at Origin
	Drift         float64 // µs per µs
	Origin        int64   // reference tick the fit is centered on
	CI            float64 // 95% confidence half-width on Fixed, µs
	Samples       int
	Rejected      int
	State         State
	Valid         bool
	Revalidating  bool
	LowConfidence bool
}

type point struct {
	x float64 // reference tick, µs
	y float64 // measured offset (domain − reference), µs
}

type fit struct {
	domain   timeline.DomainID
	points   []point
	model    Model
	sigma    float64 // residual stddev of the current fit, µs
	attempts int
}

// Estimator maintains one offset model per non-reference domain. Pairs arrive
// from the reconciliation goroutine; model snapshots may be read from any
// goroutine.
type Estimator struct {
	mu        sync.RWMutex
	cfg       Config
	reference timeline.DomainID
	fits      map[timeline.DomainID]*fit

	crossPairs uint64 // pairs not anchored to the reference domain
}

// New creates an estimator with the given reference domain.
func New(cfg Config, reference timeline.DomainID) *Estimator {
	return &Estimator{
		cfg:       cfg.withDefaults(),
		reference: reference,
		fits:      make(map[timeline.DomainID]*fit),
	}
}

// AddPair absorbs one calibration pair. One side must be the reference
// domain; pairs between two non-reference domains are counted and ignored
// rather than silently absorbed.
func (e *Estimator) AddPair(p timeline.CalibrationPair) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var domain timeline.DomainID
	var refTick, offset float64

	switch {
	case p.StimulusDomain == e.reference:
		domain = p.ResponseDomain
		refTick = float64(p.StimulusTick)
		offset = float64(p.Delta())
	case p.ResponseDomain == e.reference:
		domain = p.StimulusDomain
		refTick = float64(p.ResponseTick)
		offset = -float64(p.Delta())
	default:
		e.crossPairs++
		log.Printf("estimator: ignoring calibration pair %s→%s (neither is reference %s)",
			p.StimulusDomain, p.ResponseDomain, e.reference)
		return
	}
	if domain == e.reference {
		return
	}

	f := e.fits[domain]
	if f == nil {
		f = &fit{domain: domain, model: Model{Domain: domain, State: StateIdle, CI: math.Inf(1)}}
		e.fits[domain] = f
	}

	// Once a model is usable, gate incoming pairs against it: a pair whose
	// residual is far outside the fit is a spurious simultaneous-but-unrelated
	// event and is excluded and reported, not absorbed. Gradual drift produces
	// residuals well inside this gate and is handled by monitorDrift instead.
	if f.model.Valid {
		res := offset - (f.model.Fixed + f.model.Drift*(refTick-float64(f.model.Origin)))
		scale := math.Max(f.sigma, e.cfg.DriftThreshold)
		if math.Abs(res) > e.cfg.OutlierSigma*scale {
			f.model.Rejected++
			log.Printf("estimator: %s rejected calibration pair (residual %.0fµs)", domain, res)
			return
		}
	}

	f.points = append(f.points, point{x: refTick, y: offset})
	if len(f.points) > e.cfg.MaxPairs {
		f.points = f.points[len(f.points)-e.cfg.MaxPairs:]
	}

	switch f.model.State {
	case StateIdle:
		f.model.State = StateCalibrating
		e.refit(f)
	case StateCalibrating:
		if f.model.Revalidating {
			e.pruneWindow(f)
		}
		e.refit(f)
	case StateConverged, StateDriftMonitoring:
		f.model.State = StateDriftMonitoring
		e.monitorDrift(f, refTick)
	}
}

// pruneWindow drops points older than the drift window behind the newest one,
// keeping the fit anchored to current behavior while revalidating.
func (e *Estimator) pruneWindow(f *fit) {
	if len(f.points) < 3 {
		return
	}
	cutoff := f.points[len(f.points)-1].x - float64(e.cfg.DriftWindow.Microseconds())
	kept := f.points[:0:0]
	for _, p := range f.points {
		if p.x >= cutoff {
			kept = append(kept, p)
		}
	}
	if len(kept) >= 2 {
		f.points = kept
	}
}

// refit recomputes the least-squares fit for one domain, excluding outliers,
// and advances the state machine.
func (e *Estimator) refit(f *fit) {
	fixed, drift, origin, sigma, n, rejected := fitPoints(f.points, e.cfg.OutlierSigma)
	if rejected > 0 {
		f.model.Rejected += rejected
		log.Printf("estimator: %s rejected %d outlier pair(s)", f.domain, rejected)
	}

	f.model.Fixed = fixed
	f.model.Drift = drift
	f.model.Origin = int64(origin)
	f.model.Samples = n
	f.sigma = sigma

	if n >= 2 {
		f.model.CI = 1.96 * sigma / math.Sqrt(float64(n))
	} else {
		f.model.CI = math.Inf(1)
	}

	if n >= e.cfg.MinSamples && f.model.CI <= e.cfg.ConfidenceThreshold {
		if !f.model.Valid {
			log.Printf("estimator: %s converged: offset=%.1fµs drift=%.9f ci=%.1fµs n=%d",
				f.domain, fixed, drift, f.model.CI, n)
		}
		f.model.State = StateConverged
		f.model.Valid = true
		f.model.Revalidating = false
		f.model.LowConfidence = false
		f.attempts = 0
		return
	}

	if n >= e.cfg.MinSamples {
		f.attempts++
		if f.attempts > e.cfg.MaxRefitAttempts {
			// DivergentCalibration: freeze at the best-effort fit.
			log.Printf("estimator: %s failed to converge after %d attempts (ci=%.1fµs), freezing low-confidence",
				f.domain, f.attempts, f.model.CI)
			f.model.State = StateConverged
			f.model.Valid = true
			f.model.Revalidating = false
			f.model.LowConfidence = true
		}
	}
}

// monitorDrift checks post-convergence residuals over the sliding window and
// re-enters calibration when they trend past the threshold. The model stays
// valid while revalidating so compensation never regresses to identity.
func (e *Estimator) monitorDrift(f *fit, refTick float64) {
	cutoff := refTick - float64(e.cfg.DriftWindow.Microseconds())

	var sum float64
	var count int
	for _, p := range f.points {
		if p.x < cutoff {
			continue
		}
		predicted := f.model.Fixed + f.model.Drift*(p.x-float64(f.model.Origin))
		sum += p.y - predicted
		count++
	}
	if count < 3 {
		return
	}

	if math.Abs(sum/float64(count)) > e.cfg.DriftThreshold {
		log.Printf("estimator: %s drift detected (mean residual %.1fµs over %d pairs), revalidating",
			f.domain, sum/float64(count), count)
		f.model.State = StateCalibrating
		f.model.Revalidating = true
		f.attempts = 0

		// Refit on the recent window so the new fit tracks current behavior
		// rather than averaging over stale history.
		e.pruneWindow(f)
		e.refit(f)
	}
}

// Model returns a snapshot for one domain. ok is false before any pair.
func (e *Estimator) Model(domain timeline.DomainID) (Model, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	f, ok := e.fits[domain]
	if !ok {
		return Model{Domain: domain, State: StateIdle, CI: math.Inf(1)}, false
	}
	return f.model, true
}

// Models returns snapshots for every domain that received pairs.
func (e *Estimator) Models() []Model {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Model, 0, len(e.fits))
	for _, f := range e.fits {
		out = append(out, f.model)
	}
	return out
}

// CrossPairs reports calibration pairs ignored because neither side was the
// reference domain.
func (e *Estimator) CrossPairs() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.crossPairs
}

// fitPoints runs centered ordinary least squares of y on x, then once more
// with residual outliers beyond sigmaMult·σ excluded. Returns the intercept
// at the centroid, the slope, the centroid, the residual stddev, the
// surviving sample count and how many points were rejected.
func fitPoints(points []point, sigmaMult float64) (fixed, drift, origin, sigma float64, n, rejected int) {
	fixed, drift, origin, sigma = ols(points)
	if len(points) < 4 || sigma == 0 {
		return fixed, drift, origin, sigma, len(points), 0
	}

	kept := make([]point, 0, len(points))
	for _, p := range points {
		res := p.y - (fixed + drift*(p.x-origin))
		if math.Abs(res) <= sigmaMult*sigma {
			kept = append(kept, p)
		}
	}
	rejected = len(points) - len(kept)
	if rejected == 0 || len(kept) < 2 {
		return fixed, drift, origin, sigma, len(points), 0
	}

	fixed, drift, origin, sigma = ols(kept)
	return fixed, drift, origin, sigma, len(kept), rejected
}

// ols fits y = fixed + drift·(x − origin) with origin at the centroid of x.
func ols(points []point) (fixed, drift, origin, sigma float64) {
	n := float64(len(points))
	if len(points) == 0 {
		return 0, 0, 0, math.Inf(1)
	}
	if len(points) == 1 {
		return points[0].y, 0, points[0].x, math.Inf(1)
	}

	var sumX, sumY float64
	for _, p := range points {
		sumX += p.x
		sumY += p.y
	}
	meanX := sumX / n
	meanY := sumY / n

	var sxx, sxy float64
	for _, p := range points {
		dx := p.x - meanX
		sxx += dx * dx
		sxy += dx * (p.y - meanY)
	}

	if sxx > 0 {
		drift = sxy / sxx
	}
	fixed = meanY
	origin = meanX

	var ssr float64
	for _, p := range points {
		res := p.y - (fixed + drift*(p.x-origin))
		ssr += res * res
	}
	if len(points) > 2 {
		sigma = math.Sqrt(ssr / (n - 2))
	}
	return fixed, drift, origin, sigma
}
