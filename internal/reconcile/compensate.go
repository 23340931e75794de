// ABOUTME: Latency compensation mapping domain ticks onto the reference timeline
// ABOUTME: Pure functions over an offset model snapshot; cannot fail, only tag
package reconcile

import (
	"math"

	"github.com/Hearback-Project/hearback-go/internal/estimator"
	"github.com/Hearback-Project/hearback-go/pkg/timeline"
)

// Compensate maps a domain tick onto the reference timeline using a valid
// offset model, then subtracts the domain's known systemic latency. The model
// describes the forward transform
//
//	domain = ref + Fixed + Drift·(ref − Origin)
//
// so the exact inverse is applied rather than the first-order subtraction;
// they agree to well under a microsecond at realistic drift rates.
func Compensate(tick int64, m estimator.Model, systemicUS int64) int64 {
	ref := (float64(tick) - m.Fixed + m.Drift*float64(m.Origin)) / (1 + m.Drift)
	return int64(math.Round(ref)) - systemicUS
}

// Identity applies only the systemic latency. Used for the reference domain
// and for samples emitted uncompensated.
func Identity(tick int64, systemicUS int64) int64 {
	return tick - systemicUS
}

// ModelFlags translates model quality into event flags.
func ModelFlags(m estimator.Model) timeline.Flags {
	var f timeline.Flags
	if m.Revalidating {
		f |= timeline.FlagRevalidating
	}
	if m.LowConfidence {
		f |= timeline.FlagLowConfidence
	}
	return f
}
