// ABOUTME: Error taxonomy for the reconciliation engine
// ABOUTME: Non-fatal conditions surface as flags/counters; only config errors are fatal
package timeline

import "errors"

// Quality conditions. None of these abort a session: the engine always
// produces a best-effort stream with explicit flags. They exist as sentinels
// so collaborators can classify reported anomalies.
var (
	// ErrClockRegression: a raw timestamp moved backward beyond tolerance.
	// The sample is tagged FlagInvalid, not dropped.
	ErrClockRegression = errors.New("clock regression beyond tolerance")

	// ErrBufferOverflow: a producer outran the reconciliation consumer. The
	// oldest sample was dropped and the overflow counter incremented.
	ErrBufferOverflow = errors.New("ingest buffer overflow")

	// ErrInsufficientCalibration: the session ended before a domain's offset
	// model converged. Its events were emitted uncompensated and flagged.
	ErrInsufficientCalibration = errors.New("insufficient calibration before session end")

	// ErrDivergentCalibration: residuals failed to shrink below threshold
	// after the configured refit attempts; model frozen at best-effort fit.
	ErrDivergentCalibration = errors.New("calibration failed to converge")

	// ErrLateEvent: an event arrived after its domain's watermark passed and
	// was emitted immediately, out of strict order.
	ErrLateEvent = errors.New("event arrived after watermark")
)

// Configuration errors, detected synchronously at session start. These are the
// only fatal conditions in the design.
var (
	ErrNoDomains       = errors.New("no clock domains configured")
	ErrDuplicateDomain = errors.New("duplicate clock domain id")
	ErrBadBufferDepth  = errors.New("buffer depth must be positive")
	ErrBadResolution   = errors.New("clock resolution must be positive")
	ErrUnknownDomain   = errors.New("unknown clock domain")
	ErrBadPriority     = errors.New("domain priority must list every configured domain exactly once")
	ErrSessionClosed   = errors.New("session already closed")
)
