// ABOUTME: Wire message definitions for the Hearback ingest protocol
// ABOUTME: JSON messages wrapped in a typed envelope, one session per server
package protocol

import "github.com/Hearback-Project/hearback-go/pkg/timeline"

// ProtocolVersion is the wire protocol version.
const ProtocolVersion = 1

// Message is the top-level wrapper for all protocol messages
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// Message type strings.
const (
	TypeClientHello     = "client/hello"
	TypeServerHello     = "server/hello"
	TypeServerError     = "server/error"
	TypeEventSubmit     = "event/submit"
	TypeCalibrationPair = "calibration/pair"
	TypeEventReconciled = "event/reconciled"
	TypeSummaryRequest  = "session/summary"
	TypeSummaryResponse = "session/summary_response"
)

// ClientHello is sent by clients to initiate the handshake
type ClientHello struct {
	ClientID string `json:"client_id"`
	Name     string `json:"name"`
	Version  int    `json:"version"`
	// Domains the client intends to feed. Must be registered on the server
	// session; the server rejects submissions for unknown domains.
	Domains []string `json:"domains,omitempty"`
}

// ServerHello is the server's response to client/hello
type ServerHello struct {
	ServerID  string `json:"server_id"`
	Name      string `json:"name"`
	Version   int    `json:"version"`
	SessionID string `json:"session_id"`
	Reference string `json:"reference_domain"`
}

// ServerError reports a recoverable protocol-level problem
type ServerError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// EventSubmit carries one raw timestamped observation
type EventSubmit struct {
	Domain   string `json:"domain"`
	RawTick  int64  `json:"raw_tick"`
	Kind     string `json:"kind,omitempty"` // "key", "note", "frame", "mark"
	Code     int32  `json:"code,omitempty"`
	Velocity uint8  `json:"velocity,omitempty"`
}

// CalibrationSubmit carries one simultaneous-instant observation
type CalibrationSubmit struct {
	StimulusDomain string `json:"stimulus_domain"`
	ResponseDomain string `json:"response_domain"`
	StimulusTick   int64  `json:"stimulus_tick"`
	ResponseTick   int64  `json:"response_tick"`
}

// ReconciledEvent is broadcast for every event the engine emits
type ReconciledEvent struct {
	Tick     int64    `json:"tick"`
	Domain   string   `json:"domain"`
	Seq      uint64   `json:"seq"`
	Kind     string   `json:"kind,omitempty"`
	Code     int32    `json:"code,omitempty"`
	Velocity uint8    `json:"velocity,omitempty"`
	Flags    []string `json:"flags,omitempty"`
}

var payloadKinds = map[string]timeline.PayloadKind{
	"key":   timeline.PayloadKey,
	"note":  timeline.PayloadNote,
	"frame": timeline.PayloadFrame,
	"mark":  timeline.PayloadMark,
}

var kindNames = map[timeline.PayloadKind]string{
	timeline.PayloadKey:   "key",
	timeline.PayloadNote:  "note",
	timeline.PayloadFrame: "frame",
	timeline.PayloadMark:  "mark",
}

// ParseKind maps a wire kind string to a payload kind; unknown strings map to
// PayloadNone rather than failing the whole submission.
func ParseKind(s string) timeline.PayloadKind { return payloadKinds[s] }

// KindName maps a payload kind back to its wire string.
func KindName(k timeline.PayloadKind) string { return kindNames[k] }

// FlagNames renders a flag set as wire strings.
func FlagNames(f timeline.Flags) []string {
	var names []string
	if f.Has(timeline.FlagInvalid) {
		names = append(names, "invalid")
	}
	if f.Has(timeline.FlagUncompensated) {
		names = append(names, "uncompensated")
	}
	if f.Has(timeline.FlagLate) {
		names = append(names, "late")
	}
	if f.Has(timeline.FlagRevalidating) {
		names = append(names, "revalidating")
	}
	if f.Has(timeline.FlagLowConfidence) {
		names = append(names, "low_confidence")
	}
	return names
}

// NewReconciledEvent maps an engine event onto the wire.
func NewReconciledEvent(ev timeline.Event) ReconciledEvent {
	return ReconciledEvent{
		Tick:     ev.Tick,
		Domain:   string(ev.Domain),
		Seq:      ev.Seq,
		Kind:     KindName(ev.Payload.Kind),
		Code:     ev.Payload.Code,
		Velocity: ev.Payload.Velocity,
		Flags:    FlagNames(ev.Flags),
	}
}

// SummaryPair is one latency distribution on the wire, values in µs.
type SummaryPair struct {
	Stimulus string  `json:"stimulus"`
	Response string  `json:"response"`
	Count    int     `json:"count"`
	Mean     float64 `json:"mean_us"`
	Median   float64 `json:"median_us"`
	P95      float64 `json:"p95_us"`
	P99      float64 `json:"p99_us"`
	Jitter   float64 `json:"jitter_us"`
	Min      int64   `json:"min_us"`
	Max      int64   `json:"max_us"`
}

// SummaryDomain is one domain's quality counters on the wire.
type SummaryDomain struct {
	Domain        string `json:"domain"`
	Events        uint64 `json:"events"`
	Invalid       uint64 `json:"invalid"`
	Uncompensated uint64 `json:"uncompensated"`
	Late          uint64 `json:"late"`
	Pushed        uint64 `json:"pushed"`
	Overflow      uint64 `json:"overflow"`
	Regressions   uint64 `json:"regressions"`
}

// SummaryResponse is the server's reply to session/summary.
type SummaryResponse struct {
	SessionID           string          `json:"session_id"`
	Events              uint64          `json:"events"`
	Late                uint64          `json:"late"`
	Uncompensated       uint64          `json:"uncompensated"`
	Invalid             uint64          `json:"invalid"`
	DroppedCalibrations uint64          `json:"dropped_calibrations"`
	Domains             []SummaryDomain `json:"domains"`
	Pairs               []SummaryPair   `json:"pairs"`
}
