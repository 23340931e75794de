// ABOUTME: High-level Session API for clock-domain reconciliation
// ABOUTME: Wires adapters, rings, estimator, engine, and aggregation together
package hearback

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Hearback-Project/hearback-go/internal/adapter"
	"github.com/Hearback-Project/hearback-go/internal/estimator"
	"github.com/Hearback-Project/hearback-go/internal/ingest"
	"github.com/Hearback-Project/hearback-go/internal/reconcile"
	"github.com/Hearback-Project/hearback-go/internal/session"
	"github.com/Hearback-Project/hearback-go/pkg/timeline"
)

// LatencyPair names a stimulus→response domain pair whose perceived latency
// the session summary should report.
type LatencyPair struct {
	Stimulus timeline.DomainID
	Response timeline.DomainID
	// Window bounds how long after a stimulus a response may follow and still
	// be attributed to it (default: 500ms).
	Window time.Duration
}

// Config holds session configuration.
type Config struct {
	// Domains declares every clock domain for this session. Identity is
	// immutable for the session lifetime.
	Domains []timeline.DomainSpec

	// DomainPriority ranks domains for deterministic tie-breaks on equal
	// compensated ticks; the FIRST entry is the reference domain whose clock
	// defines the unified timeline. Defaults to declaration order.
	DomainPriority []timeline.DomainID

	// Pairs lists the latency distributions to measure.
	Pairs []LatencyPair

	// MaxLateness bounds reordering: events arriving more than this behind
	// their domain's newest sample are emitted late-flagged (default: 50ms).
	MaxLateness time.Duration

	// HoldTimeout bounds how long samples wait for their domain's offset
	// model to converge before going out uncompensated (default: 2s).
	HoldTimeout time.Duration

	// PollInterval is the reconciliation loop period (default: 5ms).
	PollInterval time.Duration

	// MinCalibrationSamples is the pair count required before an offset model
	// can become valid (default: 5).
	MinCalibrationSamples int

	// ConfidenceThreshold is the largest acceptable offset confidence
	// interval for convergence (default: 500µs).
	ConfidenceThreshold time.Duration

	// DriftWindow is how much calibration history the drift fit keeps
	// (default: 30s).
	DriftWindow time.Duration

	// OutlierSigma rejects calibration pairs this many standard deviations
	// from the current fit (default: 3.0).
	OutlierSigma float64

	// MaxRefitAttempts bounds refits before a non-converging model is frozen
	// at its best effort (default: 20).
	MaxRefitAttempts int

	// RegressionTolerance bounds how far a raw timestamp may step backward
	// before the sample is tagged invalid (default: 1ms).
	RegressionTolerance time.Duration

	// OnEvent is called for every reconciled event, in output order, on the
	// reconciliation goroutine. Must not block.
	OnEvent func(timeline.Event)
}

// Session ingests raw timestamps from independently-clocked domains and
// produces one totally ordered, latency-compensated event timeline. Create
// with NewSession, feed with Submit and SubmitCalibrationPair, read through
// Events or OnEvent, and Close to flush and collect the Summary.
type Session struct {
	id     string
	config Config

	registry *adapter.Registry
	rings    map[timeline.DomainID]*ingest.Ring
	est      *estimator.Estimator
	engine   *reconcile.Engine
	agg      *session.Aggregator

	out chan timeline.Event

	mu      sync.Mutex
	cond    *sync.Cond
	history []timeline.Event
	closed  bool
	flushed bool
}

// NewSession validates the configuration, builds the pipeline, and starts the
// reconciliation goroutine. Configuration errors are fatal; nothing is
// started on error.
func NewSession(config Config) (*Session, error) {
	// Set defaults
	if config.MaxLateness == 0 {
		config.MaxLateness = 50 * time.Millisecond
	}
	if config.HoldTimeout == 0 {
		config.HoldTimeout = 2 * time.Second
	}
	if config.PollInterval == 0 {
		config.PollInterval = 5 * time.Millisecond
	}
	if config.MinCalibrationSamples == 0 {
		config.MinCalibrationSamples = 5
	}
	if config.ConfidenceThreshold == 0 {
		config.ConfidenceThreshold = 500 * time.Microsecond
	}
	if config.DriftWindow == 0 {
		config.DriftWindow = 30 * time.Second
	}
	if config.OutlierSigma == 0 {
		config.OutlierSigma = 3.0
	}
	if config.MaxRefitAttempts == 0 {
		config.MaxRefitAttempts = 20
	}
	if config.RegressionTolerance == 0 {
		config.RegressionTolerance = time.Millisecond
	}
	for i := range config.Domains {
		if config.Domains[i].BufferDepth == 0 {
			config.Domains[i].BufferDepth = 1024
		}
		if config.Domains[i].Resolution == 0 {
			config.Domains[i].Resolution = time.Microsecond
		}
	}

	registry, err := adapter.NewRegistry(config.Domains, config.RegressionTolerance)
	if err != nil {
		return nil, err
	}

	priority, err := resolvePriority(config.DomainPriority, registry.Domains())
	if err != nil {
		return nil, err
	}
	reference := config.DomainPriority
	if len(reference) == 0 {
		reference = registry.Domains()
	}

	for _, p := range config.Pairs {
		if _, ok := registry.Get(p.Stimulus); !ok {
			return nil, fmt.Errorf("pair stimulus %s: %w", p.Stimulus, timeline.ErrUnknownDomain)
		}
		if _, ok := registry.Get(p.Response); !ok {
			return nil, fmt.Errorf("pair response %s: %w", p.Response, timeline.ErrUnknownDomain)
		}
	}

	rings := make(map[timeline.DomainID]*ingest.Ring, len(config.Domains))
	systemic := make(map[timeline.DomainID]time.Duration, len(config.Domains))
	for _, spec := range config.Domains {
		rings[spec.ID] = ingest.NewRing(spec.BufferDepth)
		systemic[spec.ID] = spec.SystemicLatency
	}

	est := estimator.New(estimator.Config{
		MinSamples:          config.MinCalibrationSamples,
		ConfidenceThreshold: float64(config.ConfidenceThreshold.Microseconds()),
		OutlierSigma:        config.OutlierSigma,
		DriftWindow:         config.DriftWindow,
		MaxRefitAttempts:    config.MaxRefitAttempts,
	}, reference[0])

	pairs := make([]session.PairSpec, len(config.Pairs))
	for i, p := range config.Pairs {
		pairs[i] = session.PairSpec{Stimulus: p.Stimulus, Response: p.Response, Window: p.Window}
	}
	agg := session.New(pairs)

	s := &Session{
		id:       uuid.New().String(),
		config:   config,
		registry: registry,
		rings:    rings,
		est:      est,
		agg:      agg,
		out:      make(chan timeline.Event, 1024),
	}
	s.cond = sync.NewCond(&s.mu)

	s.engine = reconcile.New(reconcile.Config{
		Reference:       reference[0],
		Priority:        priority,
		MaxLateness:     config.MaxLateness,
		HoldTimeout:     config.HoldTimeout,
		PollInterval:    config.PollInterval,
		SystemicLatency: systemic,
	}, rings, est, s.observe)

	go s.engine.Run()
	go s.deliver()
	log.Printf("session %s: started (%d domains, reference=%s)", s.id, len(config.Domains), reference[0])

	return s, nil
}

// resolvePriority turns the ordered priority list into rank numbers, filling
// in unlisted domains after the listed ones in declaration order.
func resolvePriority(order, registered []timeline.DomainID) (map[timeline.DomainID]int, error) {
	known := make(map[timeline.DomainID]bool, len(registered))
	for _, id := range registered {
		known[id] = true
	}

	rank := make(map[timeline.DomainID]int, len(registered))
	for i, id := range order {
		if !known[id] {
			return nil, fmt.Errorf("priority entry %s: %w", id, timeline.ErrBadPriority)
		}
		if _, dup := rank[id]; dup {
			return nil, fmt.Errorf("priority entry %s repeated: %w", id, timeline.ErrBadPriority)
		}
		rank[id] = i
	}
	next := len(order)
	for _, id := range registered {
		if _, ok := rank[id]; !ok {
			rank[id] = next
			next++
		}
	}
	return rank, nil
}

// observe runs on the reconciliation goroutine for every emitted event.
func (s *Session) observe(ev timeline.Event) {
	s.mu.Lock()
	s.agg.Observe(ev)
	s.history = append(s.history, ev)
	s.cond.Signal()
	s.mu.Unlock()

	if s.config.OnEvent != nil {
		s.config.OnEvent(ev)
	}
}

// deliver feeds the Events channel from the history buffer on its own
// goroutine. A slow reader backpressures only this sender; the reconciliation
// goroutine never blocks on delivery and no event is ever skipped.
func (s *Session) deliver() {
	defer close(s.out)
	next := 0
	for {
		s.mu.Lock()
		for next >= len(s.history) && !s.flushed {
			s.cond.Wait()
		}
		if next >= len(s.history) {
			s.mu.Unlock()
			return
		}
		ev := s.history[next]
		next++
		s.mu.Unlock()
		s.out <- ev
	}
}

// ID returns the session's unique id.
func (s *Session) ID() string { return s.id }

// Submit normalizes one raw timestamp and feeds it into the pipeline. Safe
// for one goroutine per domain.
func (s *Session) Submit(domain timeline.DomainID, raw int64, payload timeline.Payload) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return timeline.ErrSessionClosed
	}

	a, ok := s.registry.Get(domain)
	if !ok {
		return fmt.Errorf("submit %s: %w", domain, timeline.ErrUnknownDomain)
	}
	s.rings[domain].Push(a.Normalize(raw, payload))
	return nil
}

// SubmitCalibrationPair hands a calibration observation to the estimator.
// Never blocks; excess pairs are shed and counted.
func (s *Session) SubmitCalibrationPair(p timeline.CalibrationPair) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return timeline.ErrSessionClosed
	}

	if _, ok := s.registry.Get(p.StimulusDomain); !ok {
		return fmt.Errorf("calibration stimulus %s: %w", p.StimulusDomain, timeline.ErrUnknownDomain)
	}
	if _, ok := s.registry.Get(p.ResponseDomain); !ok {
		return fmt.Errorf("calibration response %s: %w", p.ResponseDomain, timeline.ErrUnknownDomain)
	}
	s.engine.SubmitCalibration(p)
	return nil
}

// Events returns the reconciled event stream: every emitted event exactly
// once, in output order. The channel closes once the session is closed and
// everything has been delivered.
func (s *Session) Events() <-chan timeline.Event { return s.out }

// History returns a copy of every event emitted so far, in output order.
func (s *Session) History() []timeline.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]timeline.Event(nil), s.history...)
}

// Model returns the current offset model for a domain.
func (s *Session) Model(domain timeline.DomainID) (estimator.Model, bool) {
	return s.est.Model(domain)
}

// Close flushes the pipeline and stops the reconciliation goroutine. Every
// buffered sample is emitted before Close returns. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.engine.Stop()

	s.mu.Lock()
	for _, id := range s.registry.Domains() {
		a, _ := s.registry.Get(id)
		ring := s.rings[id]
		s.agg.SetCaptureCounters(id, ring.Pushed(), ring.Overflow(), a.Regressions())
	}
	s.flushed = true
	s.cond.Broadcast()
	s.mu.Unlock()

	log.Printf("session %s: closed (%d events)", s.id, len(s.History()))
	return nil
}

// Summary returns the session statistics. Call after Close for final numbers;
// mid-session calls see the events reconciled so far.
func (s *Session) Summary() Summary {
	s.mu.Lock()
	inner := s.agg.Summary()
	s.mu.Unlock()
	return newSummary(s.id, inner, s.engine)
}
