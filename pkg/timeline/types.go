// ABOUTME: Core timeline types shared across the reconciliation pipeline
// ABOUTME: Defines clock domains, timestamp samples, and reconciled events
package timeline

import "time"

// DomainID identifies a clock domain for the lifetime of a session.
type DomainID string

// Canonical domain ids for the four usual sources. Sessions are free to
// register any ids; these exist so capture collaborators and the engine agree
// on names without extra coordination.
const (
	DomainFrame      DomainID = "frame"
	DomainKeyboard   DomainID = "keyboard"
	DomainMIDI       DomainID = "midi"
	DomainAudioHeard DomainID = "audio-heard"
)

// DomainSpec describes a clock domain at session start. Identity is immutable
// for the session lifetime.
type DomainSpec struct {
	ID DomainID

	// Resolution is the duration of one raw clock unit. A nanosecond-based
	// source uses time.Nanosecond, a millisecond frame clock time.Millisecond.
	Resolution time.Duration

	// BaseEpoch is subtracted from raw timestamps before scaling, in raw
	// units. Zero means the source already counts from its own start.
	BaseEpoch int64

	// BufferDepth is the ingest ring capacity. Audio-callback domains fire far
	// more often than keyboard or MIDI and need deeper rings.
	BufferDepth int

	// SystemicLatency is a known fixed latency to subtract from every sample,
	// e.g. a measured audio output buffer. Supplied, never auto-discovered.
	SystemicLatency time.Duration
}

// Flags mark quality conditions on samples and reconciled events. They are
// additive; an event keeps every flag it picked up on the way through.
type Flags uint8

const (
	// FlagInvalid marks a sample whose raw timestamp regressed beyond
	// tolerance. The sample is kept so stats can report the anomaly.
	FlagInvalid Flags = 1 << iota

	// FlagUncompensated marks output from a domain without a valid offset
	// model; the timestamp is on the domain's own clock, not the reference.
	FlagUncompensated

	// FlagLate marks an event emitted after its domain's watermark had
	// already passed. Late events are out of order, never dropped.
	FlagLate

	// FlagRevalidating marks output compensated by a model that is being
	// refit after drift detection. Still valid, quality reduced.
	FlagRevalidating

	// FlagLowConfidence marks output from a model frozen at a best-effort fit
	// after calibration failed to converge.
	FlagLowConfidence
)

// Has reports whether all bits in f are set.
func (f Flags) Has(mask Flags) bool { return f&mask == mask }

// PayloadKind says what an event's payload code refers to.
type PayloadKind uint8

const (
	PayloadNone PayloadKind = iota
	PayloadKey              // keyboard key code
	PayloadNote             // MIDI note number
	PayloadFrame            // frame counter
	PayloadMark             // calibration or user-defined marker
)

// Payload is the optional reference carried by a sample: which key, which
// note, which frame. It is opaque to the engine.
type Payload struct {
	Kind     PayloadKind
	Code     int32
	Velocity uint8
}

// IsNoteOn reports whether a raw MIDI status byte is a note-on message
// (channels 1-16 occupy status 144..159).
func IsNoteOn(status uint8) bool {
	return status >= 144 && status <= 159
}

// Sample is one normalized timestamped observation from a domain. Tick is
// microseconds on the domain's own monotonic counter. Immutable once created.
type Sample struct {
	Domain  DomainID
	Tick    int64 // µs, domain clock
	Seq     uint64
	Payload Payload
	Flags   Flags
}

// CalibrationPair records two timestamps known to correspond to the same
// physical instant in two domains. Ticks are in µs on each domain's clock.
// Pairs are consumed by the offset estimator and not retained after fitting.
type CalibrationPair struct {
	StimulusDomain DomainID
	ResponseDomain DomainID
	StimulusTick   int64
	ResponseTick   int64
}

// Delta returns response minus stimulus in µs.
func (p CalibrationPair) Delta() int64 { return p.ResponseTick - p.StimulusTick }

// Event is a reconciled event: its tick is expressed on the reference
// timeline. Produced only by the reconciliation engine; immutable.
type Event struct {
	Tick    int64 // µs, reference timeline
	Domain  DomainID
	Seq     uint64
	Payload Payload
	Flags   Flags
}
