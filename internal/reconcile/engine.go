// ABOUTME: Online k-way merge of compensated domain streams with watermarking
// ABOUTME: Single reconciliation goroutine; emits a totally ordered event stream
package reconcile

import (
	"container/heap"
	"context"
	"log"
	"math"
	"sync/atomic"
	"time"

	"github.com/Hearback-Project/hearback-go/internal/estimator"
	"github.com/Hearback-Project/hearback-go/internal/ingest"
	"github.com/Hearback-Project/hearback-go/pkg/timeline"
)

// Config holds engine configuration. All durations are converted to µs once.
type Config struct {
	// Reference is the domain whose clock defines the unified timeline.
	Reference timeline.DomainID

	// Priority ranks domains for deterministic tie-breaks; lower wins.
	Priority map[timeline.DomainID]int

	// MaxLateness bounds how far behind its domain's newest sample an event
	// may arrive and still be merged in order.
	MaxLateness time.Duration

	// HoldTimeout bounds how long samples from a domain without a valid
	// offset model are parked before being emitted uncompensated.
	HoldTimeout time.Duration

	// PollInterval is the reconciliation loop period.
	PollInterval time.Duration

	// SystemicLatency is the known fixed latency per domain, e.g. a measured
	// audio output buffer. Subtracted from every sample of that domain.
	SystemicLatency map[timeline.DomainID]time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxLateness == 0 {
		c.MaxLateness = 50 * time.Millisecond
	}
	if c.HoldTimeout == 0 {
		c.HoldTimeout = 2 * time.Second
	}
	if c.PollInterval == 0 {
		c.PollInterval = 5 * time.Millisecond
	}
	return c
}

type held struct {
	sample timeline.Sample
	since  time.Time
}

// Engine drains the per-domain ingest rings, feeds calibration pairs to the
// estimator, compensates every sample, and merges the streams into one
// ordered output. Everything runs on a single goroutine: that is what makes
// the output order deterministic without cross-domain locking. The estimator
// and its models are touched only from this goroutine.
type Engine struct {
	cfg      Config
	rings    map[timeline.DomainID]*ingest.Ring
	est      *estimator.Estimator
	emit     func(timeline.Event)
	systemic map[timeline.DomainID]int64

	calib chan timeline.CalibrationPair

	queue     *eventQueue
	heldBack  []held
	watermark int64 // newest watermark already emitted through
	scratch   []timeline.Sample

	lateEvents    uint64
	uncompensated uint64
	droppedPairs  atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an engine over the given rings. emit is invoked on the
// reconciliation goroutine for every event, in output order.
func New(cfg Config, rings map[timeline.DomainID]*ingest.Ring, est *estimator.Estimator, emit func(timeline.Event)) *Engine {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	systemic := make(map[timeline.DomainID]int64, len(rings))
	for id := range rings {
		systemic[id] = cfg.SystemicLatency[id].Microseconds()
	}

	return &Engine{
		cfg:       cfg,
		rings:     rings,
		est:       est,
		emit:      emit,
		systemic:  systemic,
		calib:     make(chan timeline.CalibrationPair, 256),
		queue:     newEventQueue(cfg.Priority),
		watermark: math.MinInt64,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// SubmitCalibration hands a calibration pair to the reconciliation goroutine.
// Never blocks; pairs are dropped (and counted) if the engine cannot keep up.
func (e *Engine) SubmitCalibration(p timeline.CalibrationPair) {
	select {
	case e.calib <- p:
	default:
		e.droppedPairs.Add(1)
		log.Printf("reconcile: calibration queue full, dropped %s→%s pair", p.StimulusDomain, p.ResponseDomain)
	}
}

// Run loops until Stop, draining and merging on every poll tick.
func (e *Engine) Run() {
	defer close(e.done)

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			e.flush()
			return
		case p := <-e.calib:
			e.est.AddPair(p)
		case <-ticker.C:
			e.Cycle()
		}
	}
}

// Stop signals session end and waits for the final flush to finish.
func (e *Engine) Stop() {
	e.cancel()
	<-e.done
}

// Cycle performs one reconciliation pass: absorb calibration, drain rings,
// compensate, advance the watermark, emit everything at or below it.
func (e *Engine) Cycle() {
	for {
		select {
		case p := <-e.calib:
			e.est.AddPair(p)
			continue
		default:
		}
		break
	}

	now := time.Now()
	for id, ring := range e.rings {
		e.scratch = ring.DrainAll(e.scratch[:0])
		for _, s := range e.scratch {
			e.ingest(s, id, now)
		}
	}
	e.retryHeld(now)
	e.advance()
}

// ingest compensates one sample and queues it, or parks it while its domain
// has no valid model yet.
func (e *Engine) ingest(s timeline.Sample, id timeline.DomainID, now time.Time) {
	if id != e.cfg.Reference {
		m, _ := e.est.Model(id)
		if !m.Valid {
			e.heldBack = append(e.heldBack, held{sample: s, since: now})
			return
		}
		e.enqueue(timeline.Event{
			Tick:    Compensate(s.Tick, m, e.systemic[id]),
			Domain:  id,
			Seq:     s.Seq,
			Payload: s.Payload,
			Flags:   s.Flags | ModelFlags(m),
		})
		return
	}

	e.enqueue(timeline.Event{
		Tick:    Identity(s.Tick, e.systemic[id]),
		Domain:  id,
		Seq:     s.Seq,
		Payload: s.Payload,
		Flags:   s.Flags,
	})
}

// retryHeld re-checks parked samples: compensate once their model converges,
// or give up after HoldTimeout and emit them uncompensated, flagged. Held
// samples are never discarded.
func (e *Engine) retryHeld(now time.Time) {
	if len(e.heldBack) == 0 {
		return
	}

	remaining := e.heldBack[:0]
	for _, h := range e.heldBack {
		id := h.sample.Domain
		m, _ := e.est.Model(id)
		switch {
		case m.Valid:
			e.enqueue(timeline.Event{
				Tick:    Compensate(h.sample.Tick, m, e.systemic[id]),
				Domain:  id,
				Seq:     h.sample.Seq,
				Payload: h.sample.Payload,
				Flags:   h.sample.Flags | ModelFlags(m),
			})
		case now.Sub(h.since) >= e.cfg.HoldTimeout:
			e.uncompensated++
			e.enqueue(timeline.Event{
				Tick:    Identity(h.sample.Tick, e.systemic[id]),
				Domain:  id,
				Seq:     h.sample.Seq,
				Payload: h.sample.Payload,
				Flags:   h.sample.Flags | timeline.FlagUncompensated,
			})
		default:
			remaining = append(remaining, h)
		}
	}
	e.heldBack = remaining
}

// enqueue adds an event to the merge queue, or emits it immediately as late
// when its timestamp is behind the watermark already emitted through. Late
// events trade strict order for bounded pipeline latency; they are flagged,
// never dropped.
func (e *Engine) enqueue(ev timeline.Event) {
	if ev.Tick <= e.watermark {
		ev.Flags |= timeline.FlagLate
		e.lateEvents++
		e.emit(ev)
		return
	}
	heap.Push(e.queue, ev)
}

// advance recomputes the global watermark and emits every queued event at or
// below it, in order. The watermark is the minimum over domains that have
// produced at least one sample of (newest compensated tick − MaxLateness);
// a registered domain that has never produced does not stall its siblings.
func (e *Engine) advance() {
	lateness := e.cfg.MaxLateness.Microseconds()

	wm := int64(math.MaxInt64)
	active := false
	for id, ring := range e.rings {
		newest := ring.Newest()
		if newest == math.MinInt64 {
			continue
		}
		active = true

		tick := Identity(newest, e.systemic[id])
		if id != e.cfg.Reference {
			if m, _ := e.est.Model(id); m.Valid {
				tick = Compensate(newest, m, e.systemic[id])
			}
		}
		if tick-lateness < wm {
			wm = tick - lateness
		}
	}
	if !active || wm <= e.watermark {
		return
	}

	e.watermark = wm
	for e.queue.Len() > 0 && e.queue.Peek().Tick <= wm {
		e.emit(heap.Pop(e.queue).(timeline.Event))
	}
}

// flush drains everything left at session end. Remaining samples are emitted
// in queue order but flagged late: the watermark never reached them. Samples
// from domains that never converged go out uncompensated — that is the
// InsufficientCalibration case, reported through flags and counters instead
// of aborting the session.
func (e *Engine) flush() {
	for {
		select {
		case p := <-e.calib:
			e.est.AddPair(p)
			continue
		default:
		}
		break
	}

	for id, ring := range e.rings {
		e.scratch = ring.DrainAll(e.scratch[:0])
		for _, s := range e.scratch {
			m, _ := e.est.Model(id)
			switch {
			case id == e.cfg.Reference:
				e.enqueueFlush(timeline.Event{
					Tick: Identity(s.Tick, e.systemic[id]), Domain: id, Seq: s.Seq, Payload: s.Payload, Flags: s.Flags,
				})
			case m.Valid:
				e.enqueueFlush(timeline.Event{
					Tick: Compensate(s.Tick, m, e.systemic[id]), Domain: id, Seq: s.Seq, Payload: s.Payload,
					Flags: s.Flags | ModelFlags(m),
				})
			default:
				e.uncompensated++
				e.enqueueFlush(timeline.Event{
					Tick: Identity(s.Tick, e.systemic[id]), Domain: id, Seq: s.Seq, Payload: s.Payload,
					Flags: s.Flags | timeline.FlagUncompensated,
				})
			}
		}
	}

	for _, h := range e.heldBack {
		id := h.sample.Domain
		if m, _ := e.est.Model(id); m.Valid {
			e.enqueueFlush(timeline.Event{
				Tick: Compensate(h.sample.Tick, m, e.systemic[id]), Domain: id, Seq: h.sample.Seq,
				Payload: h.sample.Payload, Flags: h.sample.Flags | ModelFlags(m),
			})
		} else {
			e.uncompensated++
			e.enqueueFlush(timeline.Event{
				Tick: Identity(h.sample.Tick, e.systemic[id]), Domain: id, Seq: h.sample.Seq,
				Payload: h.sample.Payload, Flags: h.sample.Flags | timeline.FlagUncompensated,
			})
		}
	}
	e.heldBack = nil

	for e.queue.Len() > 0 {
		ev := heap.Pop(e.queue).(timeline.Event)
		if ev.Tick > e.watermark {
			ev.Flags |= timeline.FlagLate
			e.lateEvents++
		}
		e.emit(ev)
	}
}

func (e *Engine) enqueueFlush(ev timeline.Event) {
	if ev.Tick <= e.watermark {
		ev.Flags |= timeline.FlagLate
		e.lateEvents++
		e.emit(ev)
		return
	}
	heap.Push(e.queue, ev)
}

// LateEvents returns how many events were emitted past the watermark.
func (e *Engine) LateEvents() uint64 { return e.lateEvents }

// Uncompensated returns how many samples were emitted without a valid model.
func (e *Engine) Uncompensated() uint64 { return e.uncompensated }

// DroppedCalibrations returns how many calibration pairs were shed.
func (e *Engine) DroppedCalibrations() uint64 { return e.droppedPairs.Load() }
