package engine

import (
	"fmt"
	"math"
	"time"

	"github.com/mobster570/ticketime/internal/probe"
)

// runWholeSecondPhase is Phase 2: a single accepted probe timed so its
// server-side receipt sits mid-second under the offset hint, which
// maximises the margin to either second boundary. It returns base, the
// real-valued anchor with the property offset ∈ [base, base+1), and the
// provisional whole-second offset derived from it.
//
// The probe is retried up to K times when it errors, its RTT falls
// outside the acceptance band, or the predicted receipt lands within
// the hazard margin of a server second boundary. Exhausting retries on
// the hazard is AmbiguousBoundary: the run cannot rule out an
// off-by-one second.
func (e *Engine) runWholeSecondPhase(rc *runCtx, prof *LatencyProfile) (base float64, whole0 int64, err error) {
	median := prof.Median
	hint := e.opts.OffsetHint.Seconds()
	margin := math.Max(0.005, prof.Jitter().Seconds())

	// Receipt at local fraction 0.5 - hint puts the hint-predicted
	// server-side position at exactly .5.
	arrivalFrac := fracSec(0.5 - fracSec(hint))

	var lastErr error
	hazardous := false
	for attempt := 1; attempt <= e.opts.RetriesPerProbe+1; attempt++ {
		s, perr := e.scheduledOnce(rc, PhaseWholeSecond, arrivalFrac, median)
		if perr != nil {
			switch probe.KindOf(perr) {
			case probe.KindMissingTimeSource:
				return 0, 0, newError(ErrMissingTimeSource, PhaseWholeSecond, perr)
			case probe.KindTimeout:
				lastErr = newError(ErrTimeout, PhaseWholeSecond, perr)
			case probe.KindBadResponse:
				lastErr = newError(ErrBadResponse, PhaseWholeSecond, perr)
			default:
				if re, ok := perr.(*Error); ok {
					return 0, 0, re
				}
				lastErr = newError(ErrTransport, PhaseWholeSecond, perr)
			}
			continue
		}

		if !prof.InBand(s.RTT) {
			lastErr = newError(ErrNoisyNetwork, PhaseWholeSecond,
				fmt.Errorf("rtt %s outside acceptance band [%s, %s]", s.RTT, prof.Q1, prof.Q3))
			continue
		}

		// Predicted server-side receipt on the local wall clock.
		p := unixFloat(s.SendWall) + median.Seconds()/2
		phiHat := fracSec(p + hint)
		if distToTick(phiHat) < margin {
			hazardous = true
			lastErr = newError(ErrAmbiguousBoundary, PhaseWholeSecond,
				fmt.Errorf("predicted receipt within %s of a server second boundary",
					time.Duration(margin*float64(time.Second))))
			continue
		}

		// The server's reported second pins the offset into a one-second
		// window anchored at base: reported = floor(p + offset) and the
		// receipt's true server-side position lies in [0, 1), so
		// offset ∈ [base, base+1).
		reported := float64(s.ServerTime.Unix())
		base = reported - p
		whole0 = int64(math.Floor(base + phiHat))

		e.emit(rc, Event{
			Phase:   PhaseWholeSecond,
			Percent: phase2Base + phase2Weight,
			Payload: WholeSecondProgress{
				Attempt:      attempt,
				WholeSeconds: whole0,
				MarginMillis: margin * 1e3,
			},
		})
		return base, whole0, nil
	}

	if hazardous {
		return 0, 0, newError(ErrAmbiguousBoundary, PhaseWholeSecond,
			fmt.Errorf("no probe cleared the boundary hazard in %d attempts", e.opts.RetriesPerProbe+1))
	}
	if lastErr == nil {
		lastErr = newError(ErrNoisyNetwork, PhaseWholeSecond, nil)
	}
	return 0, 0, lastErr
}
