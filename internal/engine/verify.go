package engine

import (
	"fmt"
	"log"
	"math"

	"github.com/mobster570/ticketime/internal/probe"
)

// runVerifyPhase is Phase 4: paired probes timed to arrive half a
// second before and after server second boundaries predicted from the
// refined offset, each checked against the Date value the offset
// implies. A mismatch is advisory, not fatal: the result is returned
// with verified = false and the caller decides whether to accept it.
func (e *Engine) runVerifyPhase(rc *runCtx, prof *LatencyProfile, offset float64) (bool, error) {
	median := prof.Median
	halfRTT := median.Seconds() / 2
	total := e.opts.Phase4Probes

	// Each pair straddles one predicted boundary: receipts half a second
	// before and after a tick both sit at server-side position .5, the
	// farthest point from either boundary, in consecutive server
	// seconds. The predictions the pair must match differ by exactly
	// one second, so both the sub-second position and the whole-second
	// count get exercised.
	arrivalFrac := fracSec(0.5 - offset)

	matched, checked := 0, 0
	for i := 0; i < total; i++ {
		s, perr := e.scheduledOnce(rc, PhaseVerify, arrivalFrac, median)
		if perr != nil {
			if re, ok := perr.(*Error); ok && re.Kind == ErrCancelled {
				return false, re
			}
			if probe.KindOf(perr) == probe.KindCancelled {
				return false, e.cancelled(rc, PhaseVerify)
			}
			checked++
			log.Printf("engine: %s: verification probe failed: %v", e.url, perr)
			continue
		}

		obs := unixFloat(s.SendWall) + halfRTT
		predicted := int64(math.Floor(obs + offset))
		observed := s.ServerTime.Unix()
		checked++
		if observed == predicted {
			matched++
		} else {
			e.emit(rc, Event{Phase: PhaseVerify, Payload: Advisory{
				Message: fmt.Sprintf("verification mismatch: predicted second %d, server reported %d", predicted, observed),
			}})
		}

		e.emit(rc, Event{
			Phase:   PhaseVerify,
			Percent: phase4Base + phase4Weight*float64(i+1)/float64(total),
			Payload: VerifyProgress{Matched: matched, Checked: checked, Total: total},
		})
	}

	verified := matched == total
	if !verified {
		log.Printf("engine: %s: verification %d/%d matched; returning unverified result", e.url, matched, total)
	}
	return verified, nil
}
