// ABOUTME: Bounded single-producer/single-consumer ingest rings, one per domain
// ABOUTME: Push never blocks; overflow drops the oldest sample and counts it
package ingest

import (
	"math"
	"sync/atomic"

	"github.com/Hearback-Project/hearback-go/pkg/timeline"
)

// Ring is a bounded SPSC buffer between one capture thread and the
// reconciliation goroutine. Push must stay safe inside real-time audio
// callbacks: no locks, no blocking, no allocation. On overflow the oldest
// sample is dropped (drop-oldest policy) and the overflow counter bumped.
//
// head is advanced by the consumer when draining, and by the producer only to
// reclaim a slot when full; both sides use CAS so a slot is claimed exactly
// once.
//
// The reconciliation engine drains every buffered sample each cycle and gates
// emission order at its merge heap, because its watermark is in compensated
// time while buffered ticks are raw. DrainUpTo serves consumers whose cutoff
// is in raw domain time.
type Ring struct {
	buf  []timeline.Sample
	cap  int64
	head atomic.Int64
	tail atomic.Int64

	newest   atomic.Int64
	pushed   atomic.Uint64
	overflow atomic.Uint64
}

// NewRing creates a ring with the given capacity.
func NewRing(depth int) *Ring {
	if depth <= 0 {
		panic(timeline.ErrBadBufferDepth)
	}
	r := &Ring{buf: make([]timeline.Sample, depth), cap: int64(depth)}
	r.newest.Store(math.MinInt64)
	return r
}

// Push appends a sample, dropping the oldest one if the ring is full. Safe to
// call from exactly one producer goroutine.
func (r *Ring) Push(s timeline.Sample) {
	t := r.tail.Load()
	if t-r.head.Load() >= r.cap {
		// Full: reclaim the oldest slot. The write below may overwrite a slot
		// a concurrent drain is mid-copy on; that drain's head CAS then fails
		// and the torn copy is discarded, so no reclaimed value escapes.
		h := r.head.Load()
		if r.head.CompareAndSwap(h, h+1) {
			r.overflow.Add(1)
		}
	}
	r.buf[t%r.cap] = s
	r.tail.Store(t + 1)
	r.pushed.Add(1)
	if s.Tick > r.newest.Load() {
		r.newest.Store(s.Tick)
	}
}

// DrainUpTo appends to dst every buffered sample with tick ≤ watermark, in
// arrival order, stopping at the first newer one. Safe to call from exactly
// one consumer goroutine.
func (r *Ring) DrainUpTo(watermark int64, dst []timeline.Sample) []timeline.Sample {
	for {
		h := r.head.Load()
		if h == r.tail.Load() {
			return dst
		}
		s := r.buf[h%r.cap]
		if s.Tick > watermark {
			return dst
		}
		if r.head.CompareAndSwap(h, h+1) {
			dst = append(dst, s)
		}
		// CAS failure means the producer reclaimed that slot; retry.
	}
}

// DrainAll appends every buffered sample to dst in arrival order.
func (r *Ring) DrainAll(dst []timeline.Sample) []timeline.Sample {
	return r.DrainUpTo(math.MaxInt64, dst)
}

// Newest returns the newest tick ever pushed, or math.MinInt64 if none.
// Used by the reconciliation engine to compute the global watermark.
func (r *Ring) Newest() int64 { return r.newest.Load() }

// Len returns the number of currently buffered samples.
func (r *Ring) Len() int { return int(r.tail.Load() - r.head.Load()) }

// Pushed returns the total number of samples ever pushed.
func (r *Ring) Pushed() uint64 { return r.pushed.Load() }

// Overflow returns how many samples were dropped to make room.
func (r *Ring) Overflow() uint64 { return r.overflow.Load() }
