// ABOUTME: Session aggregation of the reconciled stream into summary statistics
// ABOUTME: Per-pair latency distributions plus quality counters; a pure reducer
package session

import (
	"math"
	"sort"
	"time"

	"github.com/Hearback-Project/hearback-go/pkg/timeline"
)

// PairSpec names a stimulus→response domain pair whose latency distribution
// the session should report, e.g. keyboard→audio-heard. Window bounds how far
// after a stimulus a response may follow and still be attributed to it.
type PairSpec struct {
	Stimulus timeline.DomainID
	Response timeline.DomainID
	Window   time.Duration
}

// DomainStats counts per-domain event quality.
type DomainStats struct {
	Events        uint64
	Invalid       uint64
	Uncompensated uint64
	Late          uint64

	// Capture-side counters, injected at summary time.
	Pushed      uint64
	Overflow    uint64
	Regressions uint64
}

// PairStats is one pair's latency distribution, all values in µs.
type PairStats struct {
	Stimulus timeline.DomainID
	Response timeline.DomainID
	Count    int
	Mean     float64
	Median   float64
	P95      float64
	P99      float64
	Jitter   float64 // standard deviation of latencies
	Min      int64
	Max      int64
}

// Summary is the read-only artifact handed to the consumer at session end.
type Summary struct {
	Start  time.Time
	End    time.Time
	Events uint64

	Late          uint64
	Uncompensated uint64
	Invalid       uint64

	Domains map[timeline.DomainID]DomainStats
	Pairs   []PairStats
}

type pairAcc struct {
	spec      PairSpec
	windowUS  int64
	lastStim  int64
	stimReady bool
	latencies []float64
}

// Aggregator reduces the reconciled stream. It runs on the reconciliation
// goroutine (Observe) and is read via Summary, which copies.
type Aggregator struct {
	start   time.Time
	domains map[timeline.DomainID]*DomainStats
	pairs   []*pairAcc
	events  uint64
}

// New creates an aggregator for the configured pairs.
func New(pairs []PairSpec) *Aggregator {
	a := &Aggregator{
		start:   time.Now(),
		domains: make(map[timeline.DomainID]*DomainStats),
	}
	for _, p := range pairs {
		if p.Window == 0 {
			p.Window = 500 * time.Millisecond
		}
		a.pairs = append(a.pairs, &pairAcc{spec: p, windowUS: p.Window.Microseconds()})
	}
	return a
}

// Observe folds one reconciled event into the running statistics.
func (a *Aggregator) Observe(ev timeline.Event) {
	a.events++

	d := a.domains[ev.Domain]
	if d == nil {
		d = &DomainStats{}
		a.domains[ev.Domain] = d
	}
	d.Events++
	if ev.Flags.Has(timeline.FlagInvalid) {
		d.Invalid++
	}
	if ev.Flags.Has(timeline.FlagUncompensated) {
		d.Uncompensated++
	}
	if ev.Flags.Has(timeline.FlagLate) {
		d.Late++
	}

	// Quality-compromised events still count above but are excluded from
	// latency pairing; a mistimed stimulus would poison the distribution.
	usable := !ev.Flags.Has(timeline.FlagInvalid) && !ev.Flags.Has(timeline.FlagUncompensated)

	for _, p := range a.pairs {
		switch ev.Domain {
		case p.spec.Stimulus:
			if usable {
				p.lastStim = ev.Tick
				p.stimReady = true
			}
		case p.spec.Response:
			if !usable || !p.stimReady {
				continue
			}
			lat := ev.Tick - p.lastStim
			if lat >= 0 && lat <= p.windowUS {
				p.latencies = append(p.latencies, float64(lat))
				p.stimReady = false // one response per stimulus
			}
		}
	}
}

// SetCaptureCounters injects capture-side counts for a domain (total pushes,
// ring overflows, clock regressions). Called before Summary.
func (a *Aggregator) SetCaptureCounters(id timeline.DomainID, pushed, overflow, regressions uint64) {
	d := a.domains[id]
	if d == nil {
		d = &DomainStats{}
		a.domains[id] = d
	}
	d.Pushed = pushed
	d.Overflow = overflow
	d.Regressions = regressions
}

// Summary computes the current statistics. Safe to call mid-session from the
// reconciliation goroutine, or after the session is closed. An eventless
// session yields a zeroed summary, not an error.
func (a *Aggregator) Summary() Summary {
	s := Summary{
		Start:   a.start,
		End:     time.Now(),
		Events:  a.events,
		Domains: make(map[timeline.DomainID]DomainStats, len(a.domains)),
	}
	for id, d := range a.domains {
		s.Domains[id] = *d
		s.Late += d.Late
		s.Uncompensated += d.Uncompensated
		s.Invalid += d.Invalid
	}

	for _, p := range a.pairs {
		s.Pairs = append(s.Pairs, p.stats())
	}
	return s
}

func (p *pairAcc) stats() PairStats {
	st := PairStats{
		Stimulus: p.spec.Stimulus,
		Response: p.spec.Response,
		Count:    len(p.latencies),
	}
	if st.Count == 0 {
		return st
	}

	sorted := append([]float64(nil), p.latencies...)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	st.Mean = sum / float64(st.Count)
	st.Median = percentile(sorted, 0.50)
	st.P95 = percentile(sorted, 0.95)
	st.P99 = percentile(sorted, 0.99)
	st.Min = int64(sorted[0])
	st.Max = int64(sorted[st.Count-1])

	var ssd float64
	for _, v := range sorted {
		d := v - st.Mean
		ssd += d * d
	}
	st.Jitter = math.Sqrt(ssd / float64(st.Count))

	return st
}

// percentile uses nearest-rank on an ascending slice.
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(q*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
