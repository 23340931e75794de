// ABOUTME: Public summary types mapped from internal session statistics
// ABOUTME: Latency distributions per pair plus per-domain quality counters
package hearback

import (
	"time"

	"github.com/Hearback-Project/hearback-go/internal/reconcile"
	"github.com/Hearback-Project/hearback-go/internal/session"
	"github.com/Hearback-Project/hearback-go/pkg/timeline"
)

// PairStats is one stimulus→response latency distribution, values in µs.
type PairStats struct {
	Stimulus timeline.DomainID
	Response timeline.DomainID
	Count    int
	Mean     float64
	Median   float64
	P95      float64
	P99      float64
	Jitter   float64
	Min      int64
	Max      int64
}

// DomainStats counts one domain's event quality over the session.
type DomainStats struct {
	Events        uint64
	Invalid       uint64
	Uncompensated uint64
	Late          uint64
	Pushed        uint64
	Overflow      uint64
	Regressions   uint64
}

// Summary is the session's final statistics artifact.
type Summary struct {
	SessionID string
	Start     time.Time
	End       time.Time
	Events    uint64

	Late          uint64
	Uncompensated uint64
	Invalid       uint64

	// DroppedCalibrations counts calibration pairs shed under backpressure.
	DroppedCalibrations uint64

	Domains map[timeline.DomainID]DomainStats
	Pairs   []PairStats
}

func newSummary(id string, in session.Summary, engine *reconcile.Engine) Summary {
	out := Summary{
		SessionID:           id,
		Start:               in.Start,
		End:                 in.End,
		Events:              in.Events,
		Late:                in.Late,
		Uncompensated:       in.Uncompensated,
		Invalid:             in.Invalid,
		DroppedCalibrations: engine.DroppedCalibrations(),
		Domains:             make(map[timeline.DomainID]DomainStats, len(in.Domains)),
	}
	for domain, d := range in.Domains {
		out.Domains[domain] = DomainStats{
			Events:        d.Events,
			Invalid:       d.Invalid,
			Uncompensated: d.Uncompensated,
			Late:          d.Late,
			Pushed:        d.Pushed,
			Overflow:      d.Overflow,
			Regressions:   d.Regressions,
		}
	}
	for _, p := range in.Pairs {
		out.Pairs = append(out.Pairs, PairStats{
			Stimulus: p.Stimulus,
			Response: p.Response,
			Count:    p.Count,
			Mean:     p.Mean,
			Median:   p.Median,
			P95:      p.P95,
			P99:      p.P99,
			Jitter:   p.Jitter,
			Min:      p.Min,
			Max:      p.Max,
		})
	}
	return out
}
