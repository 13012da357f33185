package engine

import (
	"fmt"
	"sort"
	"time"

	"github.com/mobster570/ticketime/internal/probe"
)

// LatencyProfile is the five-number summary of a run's RTT samples.
// Invariant: Min <= Q1 <= Median <= Q3 <= Max.
type LatencyProfile struct {
	Min    time.Duration `json:"min"`
	Q1     time.Duration `json:"q1"`
	Median time.Duration `json:"median"`
	Q3     time.Duration `json:"q3"`
	Max    time.Duration `json:"max"`

	// RTTs is the underlying sorted sample list.
	RTTs []time.Duration `json:"rtts"`
}

// Jitter is the half-IQR, used as the scheduling hazard margin.
func (p LatencyProfile) Jitter() time.Duration {
	return (p.Q3 - p.Q1) / 2
}

// InBand reports whether rtt lies inside the acceptance band [Q1, Q3].
func (p LatencyProfile) InBand(rtt time.Duration) bool {
	return rtt >= p.Q1 && rtt <= p.Q3
}

// fiveNum computes the summary over rtts. Q1 and Q3 are the medians of
// the lower and upper halves, inclusive of the overall median when the
// count is odd.
func fiveNum(rtts []time.Duration) LatencyProfile {
	s := make([]time.Duration, len(rtts))
	copy(s, rtts)
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
	n := len(s)
	half := n / 2
	var lower, upper []time.Duration
	if n%2 == 0 {
		lower, upper = s[:half], s[half:]
	} else {
		lower, upper = s[:half+1], s[half:]
	}
	return LatencyProfile{
		Min:    s[0],
		Q1:     medianOf(lower),
		Median: medianOf(s),
		Q3:     medianOf(upper),
		Max:    s[n-1],
		RTTs:   s,
	}
}

func medianOf(s []time.Duration) time.Duration {
	n := len(s)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

// runLatencyPhase is Phase 1: collect Phase1Samples RTTs at the minimum
// request interval and summarise them. The first (handshake-inclusive)
// probe warms the connection and never enters the profile. A failed
// slot is retried up to K times before the phase fails NoisyNetwork.
func (e *Engine) runLatencyPhase(rc *runCtx) (*LatencyProfile, error) {
	n := e.opts.Phase1Samples

	// Warm-up probe: establishes the connection, discarded from the
	// profile. Counted like any other slot for retry purposes.
	if _, err := e.probeSlot(rc, PhaseLatency, 0); err != nil {
		return nil, err
	}

	rtts := make([]time.Duration, 0, n)
	for i := 0; i < n; i++ {
		s, err := e.probeSlot(rc, PhaseLatency, 0)
		if err != nil {
			return nil, err
		}
		rtts = append(rtts, s.RTT)
		e.emit(rc, Event{
			Phase:   PhaseLatency,
			Percent: phase1Base + phase1Weight*float64(i+1)/float64(n),
			Payload: LatencyProgress{Completed: i + 1, Total: n, LastRTT: s.RTT},
		})
	}

	prof := fiveNum(rtts)
	if prof.Median >= time.Second {
		// Half-RTT at or above the binary-search resolution budget:
		// the boundary cannot be located through this much latency.
		return nil, newError(ErrNoisyNetwork, PhaseLatency,
			fmt.Errorf("median RTT %s leaves no sub-second resolution", prof.Median))
	}
	return &prof, nil
}

// probeSlot issues one probe with the slot's retry budget. minSend, when
// nonzero, is the earliest allowed send on the monotonic clock (used by
// the scheduled phases; Phase 1 passes 0 and paces off the last send).
// Retryable failures are Transport, Timeout, BadResponse and RTTs at or
// beyond the probe deadline; retries never move any caller state.
func (e *Engine) probeSlot(rc *runCtx, phase Phase, minSend time.Duration) (*probe.Sample, error) {
	var lastErr error
	for attempt := 0; attempt <= e.opts.RetriesPerProbe; attempt++ {
		if err := e.waitRateGap(rc, phase, minSend); err != nil {
			return nil, err
		}
		s, err := e.prober.Probe(rc.ctx)
		if err != nil {
			// A failed attempt still hit the wire: pace the retry off
			// the attempt, not the last good send.
			rc.lastSendMono = e.clk.NowMono()
			rc.sentAny = true
			switch probe.KindOf(err) {
			case probe.KindCancelled:
				return nil, e.cancelled(rc, phase)
			case probe.KindMissingTimeSource:
				return nil, newError(ErrMissingTimeSource, phase, err)
			case probe.KindTimeout:
				lastErr = newError(ErrTimeout, phase, err)
			case probe.KindBadResponse:
				lastErr = newError(ErrBadResponse, phase, err)
			default:
				lastErr = newError(ErrTransport, phase, err)
			}
			continue
		}
		if err := rc.ctx.Err(); err != nil {
			return nil, e.cancelled(rc, phase)
		}
		e.noteSample(rc, s)
		if s.RTT >= e.opts.ProbeDeadline {
			lastErr = newError(ErrTimeout, phase, fmt.Errorf("rtt %s at deadline", s.RTT))
			continue
		}
		return s, nil
	}
	if phase == PhaseLatency {
		return nil, newError(ErrNoisyNetwork, phase, lastErr)
	}
	return nil, lastErr
}
