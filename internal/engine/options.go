package engine

import "time"

// Options are the per-run tunables. Zero values take the defaults below,
// matching the documented engine configuration surface.
type Options struct {
	// MinRequestInterval is the lower bound on the gap between probe
	// sends within a run. A scheduled probe that would break it is
	// deferred by whole seconds, keeping its fractional position.
	MinRequestInterval time.Duration

	// Phase1Samples is the RTT sample count for the latency profile.
	Phase1Samples int

	// Phase3MaxIterations bounds the binary search.
	Phase3MaxIterations int

	// Phase3TerminationWidth is the convergence threshold on the
	// search interval.
	Phase3TerminationWidth time.Duration

	// Phase4Probes is the verification probe count; must be even (one
	// pair straddles one boundary). Odd values are clamped down.
	Phase4Probes int

	// RetriesPerProbe is K: extra attempts a rejected or failed probe
	// slot gets in Phases 1-3.
	RetriesPerProbe int

	// ProbeDeadline is the hard per-probe network deadline.
	ProbeDeadline time.Duration

	// OffsetHint seeds Phase 2 scheduling, typically from a cached
	// drift profile. Zero means no hint.
	OffsetHint time.Duration
}

// Defaults as documented: 500 ms gap, 10 samples, 20 iterations, 1 ms
// width, 4 verification probes, 3 retries, 5 s deadline.
func (o Options) withDefaults() Options {
	if o.MinRequestInterval <= 0 {
		o.MinRequestInterval = 500 * time.Millisecond
	}
	if o.Phase1Samples <= 0 {
		o.Phase1Samples = 10
	}
	if o.Phase3MaxIterations <= 0 {
		o.Phase3MaxIterations = 20
	}
	if o.Phase3TerminationWidth <= 0 {
		o.Phase3TerminationWidth = time.Millisecond
	}
	if o.Phase4Probes <= 0 {
		o.Phase4Probes = 4
	}
	if o.Phase4Probes%2 == 1 {
		o.Phase4Probes--
		if o.Phase4Probes < 2 {
			o.Phase4Probes = 2
		}
	}
	if o.RetriesPerProbe <= 0 {
		o.RetriesPerProbe = 3
	}
	if o.ProbeDeadline <= 0 {
		o.ProbeDeadline = 5 * time.Second
	}
	return o
}
