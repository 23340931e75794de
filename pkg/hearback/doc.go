// ABOUTME: High-level Hearback library API
// ABOUTME: Provides the Session API for clock-domain reconciliation
// Package hearback reconciles timestamp streams from independently-clocked
// domains into one ordered, latency-compensated timeline.
//
// A Session ingests raw timestamps (frame clock, keyboard, MIDI, heard audio),
// estimates each domain's offset and drift against a reference clock from
// calibration pairs, compensates known systemic latencies, and merges
// everything into a single totally ordered event stream. The point is to
// measure latency as perceived: the gap between an action and its audible
// effect, with clock disagreement removed.
//
// Example:
//
//	sess, err := hearback.NewSession(hearback.Config{
//	    Domains: []timeline.DomainSpec{
//	        {ID: timeline.DomainKeyboard, Resolution: time.Microsecond},
//	        {ID: timeline.DomainAudioHeard, Resolution: time.Microsecond,
//	            SystemicLatency: 8 * time.Millisecond},
//	    },
//	    DomainPriority: []timeline.DomainID{timeline.DomainKeyboard, timeline.DomainAudioHeard},
//	    Pairs: []hearback.LatencyPair{
//	        {Stimulus: timeline.DomainKeyboard, Response: timeline.DomainAudioHeard},
//	    },
//	})
//	sess.Submit(timeline.DomainKeyboard, rawTick, payload)
//	sess.Close()
//	summary := sess.Summary()
//
// For lower-level control, see the timeline package and the internal
// estimator and reconcile packages.
package hearback
