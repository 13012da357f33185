package engine

import (
	"fmt"
	"math"

	"github.com/mobster570/ticketime/internal/probe"
)

// refineResult is Phase 3's converged interval and point estimate.
type refineResult struct {
	// offset is the point estimate in real seconds (server - local).
	offset float64

	l, r       float64
	iterations int
}

// runRefinePhase is Phase 3: a time-domain binary search on the server's
// second-tick boundary. Phase 2 proved offset ∈ [base, base+1); each
// iteration tests the midpoint of the remaining sub-second interval
// [L, R) by timing a probe so its receipt sits exactly at the candidate
// boundary: the server's reported second then tells whether the tick
// had already occurred, halving the interval.
//
// The interval narrows monotonically; a rejected or retried probe never
// moves the bounds. Elapsed-second arithmetic against the previous
// pre-tick sample is done on whole Unix seconds, so a midnight or
// leap-adjacent rollover cannot corrupt a decision. Repeated
// inconsistent arithmetic fails the phase with UnstableBoundary.
func (e *Engine) runRefinePhase(rc *runCtx, prof *LatencyProfile, base float64) (*refineResult, error) {
	median := prof.Median
	halfRTT := median.Seconds() / 2
	widthLimit := e.opts.Phase3TerminationWidth.Seconds()
	maxIter := e.opts.Phase3MaxIterations

	l, r := 0.0, 1.0

	// Previous accepted pre-tick observation: server second and the
	// local wall instant of its receipt. The baseline only ever holds a
	// pre-tick sample so elapsed-second comparisons stay meaningful.
	var prevServerSec int64
	var prevObs float64
	havePrev := false

	iter := 0
	for ; iter < maxIter && r-l >= widthLimit; iter++ {
		mid := (l + r) / 2

		// Receipt target: the instant where, if offset == base+mid, the
		// server is exactly at a second boundary. frac(obs+base) == 1-mid
		// puts the candidate boundary at the receipt.
		arrivalFrac := fracSec(1 - mid - base)

		accepted := false
		anomalies := 0
		var lastErr error
		for attempt := 0; attempt <= e.opts.RetriesPerProbe; attempt++ {
			s, perr := e.scheduledOnce(rc, PhaseRefine, arrivalFrac, median)
			if perr != nil {
				switch probe.KindOf(perr) {
				case probe.KindMissingTimeSource:
					return nil, newError(ErrMissingTimeSource, PhaseRefine, perr)
				case probe.KindTimeout:
					lastErr = newError(ErrTimeout, PhaseRefine, perr)
				case probe.KindBadResponse:
					lastErr = newError(ErrBadResponse, PhaseRefine, perr)
				default:
					if re, ok := perr.(*Error); ok {
						return nil, re
					}
					lastErr = newError(ErrTransport, PhaseRefine, perr)
				}
				continue
			}
			if !prof.InBand(s.RTT) {
				lastErr = newError(ErrNoisyNetwork, PhaseRefine,
					fmt.Errorf("rtt %s outside acceptance band", s.RTT))
				continue
			}

			obs := unixFloat(s.SendWall) + halfRTT
			serverSec := s.ServerTime.Unix()

			// Anchored tick indicator: 1 when the server had already
			// ticked past the candidate boundary at receipt, 0 when not.
			ind := serverSec - int64(math.Floor(obs+base))
			if ind < 0 || ind > 1 {
				anomalies++
				lastErr = newError(ErrUnstableBoundary, PhaseRefine,
					fmt.Errorf("server second jumped %d against the anchor", ind))
				continue
			}

			// Cross-check against the pre-tick baseline: server seconds
			// elapsed must exceed wall seconds elapsed by exactly the
			// tick indicator. Any other difference means the server
			// clock jumped or an outlier slipped the band.
			if havePrev {
				elapsedWall := int64(math.Round(obs - prevObs))
				elapsedServer := serverSec - prevServerSec
				if d := elapsedServer - elapsedWall; d != ind {
					anomalies++
					lastErr = newError(ErrUnstableBoundary, PhaseRefine,
						fmt.Errorf("elapsed %ds server vs %ds wall, want tick %d", elapsedServer, elapsedWall, ind))
					continue
				}
			}

			if ind == 1 {
				// Tick already occurred: the true offset is at or above
				// the candidate. Baseline unchanged (it stays pre-tick).
				l = mid
			} else {
				// Not yet ticked: boundary is later, and this sample
				// becomes the new pre-tick baseline.
				r = mid
				prevServerSec = serverSec
				prevObs = obs
				havePrev = true
			}
			accepted = true
			break
		}
		if !accepted {
			if anomalies > 0 {
				return nil, newError(ErrUnstableBoundary, PhaseRefine,
					fmt.Errorf("%d inconsistent observations at iteration %d", anomalies, iter))
			}
			if lastErr == nil {
				lastErr = newError(ErrNoisyNetwork, PhaseRefine, nil)
			}
			return nil, lastErr
		}

		e.emit(rc, Event{
			Phase:   PhaseRefine,
			Percent: phase3Base + phase3Weight*float64(iter+1)/float64(maxIter),
			Payload: RefineProgress{L: l, R: r, Width: r - l, Iteration: iter + 1},
		})
	}

	mid := (l + r) / 2
	return &refineResult{offset: base + mid, l: l, r: r, iterations: iter}, nil
}
