// ABOUTME: Clock domain adapters normalizing native timestamps to µs ticks
// ABOUTME: Stamps per-domain sequence numbers and tags clock regressions
package adapter

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Hearback-Project/hearback-go/pkg/timeline"
)

// Adapter converts one domain's raw, source-native timestamps into monotonic
// µs ticks with strictly increasing sequence numbers. It is the hot path,
// invoked once per physical input or audio event: O(1), no blocking, no
// allocation beyond the returned value.
//
// An Adapter belongs to a single producer goroutine; only the regression
// counter is read from elsewhere.
type Adapter struct {
	domain      timeline.DomainID
	resNanos    int64
	base        int64
	toleranceUS int64

	lastTick int64
	seq      uint64
	started  bool

	regressions atomic.Uint64
}

// New creates an adapter for one domain spec. tolerance bounds how far a raw
// timestamp may step backward before the sample is tagged invalid.
func New(spec timeline.DomainSpec, tolerance time.Duration) *Adapter {
	return &Adapter{
		domain:      spec.ID,
		resNanos:    spec.Resolution.Nanoseconds(),
		base:        spec.BaseEpoch,
		toleranceUS: tolerance.Microseconds(),
	}
}

// Normalize converts a raw timestamp into a Sample. Raw values that regress
// beyond tolerance are tagged FlagInvalid and counted, never dropped, so
// downstream stats can report the misbehaving source.
func (a *Adapter) Normalize(raw int64, payload timeline.Payload) timeline.Sample {
	tick := (raw - a.base) * a.resNanos / 1000

	var flags timeline.Flags
	if a.started && tick < a.lastTick-a.toleranceUS {
		flags |= timeline.FlagInvalid
		a.regressions.Add(1)
	}
	if tick > a.lastTick {
		a.lastTick = tick
	}
	a.started = true
	a.seq++

	return timeline.Sample{
		Domain:  a.domain,
		Tick:    tick,
		Seq:     a.seq,
		Payload: payload,
		Flags:   flags,
	}
}

// Domain returns the adapter's domain id.
func (a *Adapter) Domain() timeline.DomainID { return a.domain }

// Regressions returns how many samples were tagged as clock regressions.
func (a *Adapter) Regressions() uint64 { return a.regressions.Load() }

// Registry holds the adapters for one session. It is built once at session
// start and read-only afterward, so producers can look up their adapter
// without locking. Explicit per-session state, never a package singleton, so
// concurrent sessions (tests included) don't interfere.
type Registry struct {
	adapters map[timeline.DomainID]*Adapter
	order    []timeline.DomainID
}

// NewRegistry validates the specs and builds one adapter per domain.
func NewRegistry(specs []timeline.DomainSpec, tolerance time.Duration) (*Registry, error) {
	if len(specs) == 0 {
		return nil, timeline.ErrNoDomains
	}

	r := &Registry{adapters: make(map[timeline.DomainID]*Adapter, len(specs))}
	for _, spec := range specs {
		if spec.Resolution <= 0 {
			return nil, fmt.Errorf("domain %s: %w", spec.ID, timeline.ErrBadResolution)
		}
		if spec.BufferDepth <= 0 {
			return nil, fmt.Errorf("domain %s: %w", spec.ID, timeline.ErrBadBufferDepth)
		}
		if _, ok := r.adapters[spec.ID]; ok {
			return nil, fmt.Errorf("domain %s: %w", spec.ID, timeline.ErrDuplicateDomain)
		}
		r.adapters[spec.ID] = New(spec, tolerance)
		r.order = append(r.order, spec.ID)
	}
	return r, nil
}

// Get returns the adapter for a domain id.
func (r *Registry) Get(id timeline.DomainID) (*Adapter, bool) {
	a, ok := r.adapters[id]
	return a, ok
}

// Domains returns the registered domain ids in registration order.
func (r *Registry) Domains() []timeline.DomainID { return r.order }
