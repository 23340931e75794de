// ABOUTME: Timestamp source abstraction for feeding sessions from devices or simulation
// ABOUTME: Includes deterministic synthetic clocks and scripted replay sources
package source

import (
	"context"
	"log"
	"math/rand"
	"time"

	"github.com/Hearback-Project/hearback-go/pkg/timeline"
)

// TimestampSource produces raw domain timestamps. Run drives submit once per
// sample until the context is cancelled or the source is exhausted; submit is
// called from the source's goroutine.
type TimestampSource interface {
	// Domain returns the clock domain this source feeds.
	Domain() timeline.DomainID
	// Run produces samples. Returns nil when the source finishes on its own.
	Run(ctx context.Context, submit func(rawTick int64, payload timeline.Payload)) error
}

// Synthetic simulates an independently-clocked device. Its clock relates to an
// ideal reference by a fixed offset, a linear drift rate, and bounded jitter:
//
//	raw = Offset + ref·(1 + Drift) ± Jitter
//
// With Drift and Jitter zero it is an exact shifted copy of the reference,
// which makes round-trip behavior easy to verify.
type Synthetic struct {
	domain   timeline.DomainID
	interval time.Duration
	offset   time.Duration
	drift    float64
	jitter   time.Duration
	count    int
	payload  timeline.Payload
	realtime bool
	rng      *rand.Rand
}

// SyntheticConfig configures a Synthetic source.
type SyntheticConfig struct {
	Domain   timeline.DomainID
	Interval time.Duration // reference-time spacing between samples
	Offset   time.Duration // fixed clock offset vs the reference
	Drift    float64       // fractional drift rate, e.g. 50e-6 for 50ppm
	Jitter   time.Duration // uniform ±Jitter noise per sample
	Count    int           // samples to produce; 0 means 1000
	Payload  timeline.Payload
	Realtime bool  // pace production at Interval instead of bursting
	Seed     int64 // jitter RNG seed; 0 means 1
}

// NewSynthetic creates a synthetic source.
func NewSynthetic(cfg SyntheticConfig) *Synthetic {
	if cfg.Count == 0 {
		cfg.Count = 1000
	}
	if cfg.Interval == 0 {
		cfg.Interval = 10 * time.Millisecond
	}
	if cfg.Seed == 0 {
		cfg.Seed = 1
	}
	return &Synthetic{
		domain:   cfg.Domain,
		interval: cfg.Interval,
		offset:   cfg.Offset,
		drift:    cfg.Drift,
		jitter:   cfg.Jitter,
		count:    cfg.Count,
		payload:  cfg.Payload,
		realtime: cfg.Realtime,
		rng:      rand.New(rand.NewSource(cfg.Seed)),
	}
}

func (s *Synthetic) Domain() timeline.DomainID { return s.domain }

// RawAt maps a reference-time microsecond onto this source's clock, without
// jitter. Useful for generating exact calibration pairs in simulations.
func (s *Synthetic) RawAt(refUS int64) int64 {
	return s.offset.Microseconds() + refUS + int64(s.drift*float64(refUS))
}

func (s *Synthetic) Run(ctx context.Context, submit func(int64, timeline.Payload)) error {
	log.Printf("source: %s synthetic start (interval=%v offset=%v drift=%g jitter=%v count=%d)",
		s.domain, s.interval, s.offset, s.drift, s.jitter, s.count)

	intervalUS := s.interval.Microseconds()
	jitterUS := s.jitter.Microseconds()

	var ticker *time.Ticker
	if s.realtime {
		ticker = time.NewTicker(s.interval)
		defer ticker.Stop()
	}

	for i := 0; i < s.count; i++ {
		if s.realtime {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		} else if ctx.Err() != nil {
			return ctx.Err()
		}

		refUS := int64(i) * intervalUS
		raw := s.RawAt(refUS)
		if jitterUS > 0 {
			raw += s.rng.Int63n(2*jitterUS+1) - jitterUS
		}
		submit(raw, s.payload)
	}
	return nil
}

// ScriptedSample is one step of a scripted replay.
type ScriptedSample struct {
	RawTick int64
	Payload timeline.Payload
}

// Scripted replays an exact sequence of raw timestamps, in order. Used for
// regression scenarios where every tick matters.
type Scripted struct {
	domain  timeline.DomainID
	samples []ScriptedSample
}

// NewScripted creates a scripted source over the given samples.
func NewScripted(domain timeline.DomainID, samples []ScriptedSample) *Scripted {
	return &Scripted{domain: domain, samples: samples}
}

func (s *Scripted) Domain() timeline.DomainID { return s.domain }

func (s *Scripted) Run(ctx context.Context, submit func(int64, timeline.Payload)) error {
	for _, sample := range s.samples {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		submit(sample.RawTick, sample.Payload)
	}
	return nil
}
