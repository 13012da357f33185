// Package engine implements the four-phase sync pipeline that recovers
// a remote HTTP server's clock to sub-millisecond precision from its
// one-second-resolution Date header.
//
// A run profiles network latency, locates the whole-second offset with
// a mid-second probe, binary-searches the server's second-tick boundary
// in the time domain, and verifies the combined offset with paired
// probes straddling a predicted boundary.
package engine

import (
	"context"
	"errors"
	"log"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/mobster570/ticketime/internal/clock"
	"github.com/mobster570/ticketime/internal/probe"
)

// eventBuffer bounds the progress channel. A slow consumer loses
// intermediate progress; the terminal event gets a blocking send (see
// emitTerminal).
const eventBuffer = 64

// Engine executes one sync run. Create with New, consume Events, call
// Run exactly once.
type Engine struct {
	clk    clock.Clock
	prober probe.Prober
	opts   Options

	// fallback, when non-nil, replaces prober after a successful probe
	// whose extractor reports no usable time source.
	fallback     probe.Prober
	extractor    string
	fallbackName string

	url    string
	events chan Event
}

// New returns an engine for one run against url. extractorName labels
// the active extractor in results.
func New(url string, clk clock.Clock, prober probe.Prober, extractorName string, opts Options) *Engine {
	return &Engine{
		clk:       clk,
		prober:    prober,
		opts:      opts.withDefaults(),
		extractor: extractorName,
		url:       url,
		events:    make(chan Event, eventBuffer),
	}
}

// WithFallback arms the external-fallback prober, swapped in if the
// primary extractor finds no time source in an otherwise good response.
func (e *Engine) WithFallback(p probe.Prober, name string) *Engine {
	e.fallback = p
	e.fallbackName = name
	return e
}

// Events is the run's progress channel. Events arrive in order with
// non-decreasing elapsed times; exactly one terminal event (Complete or
// Error) is last, then the channel closes.
func (e *Engine) Events() <-chan Event { return e.events }

// runCtx is the mutable state of one run, owned by the run goroutine.
type runCtx struct {
	ctx       context.Context
	startMono time.Duration

	lastSendMono time.Duration
	sentAny      bool

	probes     int
	cdn        string
	cdnAdvised bool
}

// Run executes the pipeline. It closes the events channel on return;
// the returned values mirror the terminal event.
func (e *Engine) Run(ctx context.Context) (*Result, *Error) {
	rc := &runCtx{ctx: ctx, startMono: e.clk.NowMono()}
	defer close(e.events)

	res, runErr := e.run(rc)
	if runErr != nil {
		e.emitTerminal(rc, Event{Phase: runErr.Phase, Err: runErr})
		return nil, runErr
	}
	e.emitTerminal(rc, Event{Phase: PhaseComplete, Percent: 100, Result: res})
	return res, nil
}

func (e *Engine) run(rc *runCtx) (*Result, *Error) {
	prof, err := e.runLatencyPhase(rc)
	if err != nil {
		// One-time extractor swap: the target answered but carries no
		// Date; restart Phase 1 on the external source if configured.
		if KindOf(err) == ErrMissingTimeSource && e.fallback != nil {
			log.Printf("engine: %s: no time source, switching to %s", e.url, e.fallbackName)
			e.emit(rc, Event{Phase: PhaseLatency, Payload: Advisory{
				Message: "no usable time header; continuing on " + e.fallbackName,
			}})
			e.prober = e.fallback
			e.extractor = e.fallbackName
			e.fallback = nil
			prof, err = e.runLatencyPhase(rc)
		}
		if err != nil {
			return nil, e.asRunError(err, PhaseLatency)
		}
	}

	base, whole0, err := e.runWholeSecondPhase(rc, prof)
	if err != nil {
		return nil, e.asRunError(err, PhaseWholeSecond)
	}

	ref, err := e.runRefinePhase(rc, prof, base)
	if err != nil {
		return nil, e.asRunError(err, PhaseRefine)
	}

	verified, err := e.runVerifyPhase(rc, prof, ref.offset)
	if err != nil {
		return nil, e.asRunError(err, PhaseVerify)
	}

	whole := int64(math.Floor(ref.offset))
	if whole != whole0 {
		// A hint that was wrong by more than half a second puts the
		// single Phase-2 probe on the far side of a tick; refinement
		// settles the integer.
		log.Printf("engine: %s: whole-second estimate %d adjusted to %d after refinement", e.url, whole0, whole)
	}
	sub := ref.offset - float64(whole)
	total := time.Duration(ref.offset * float64(time.Second))
	res := &Result{
		RunID:              uuid.NewString(),
		URL:                e.url,
		WholeOffsetSeconds: whole,
		SubOffset:          time.Duration(sub * float64(time.Second)),
		TotalOffset:        total,
		TotalOffsetMillis:  ref.offset * 1e3,
		Latency:            *prof,
		Verified:           verified,
		PhaseReached:       PhaseVerify,
		ExtractorUsed:      e.extractor,
		CDN:                rc.cdn,
		SyncedAt:           e.clk.NowWall(),
		Duration:           e.clk.NowMono() - rc.startMono,
		Probes:             rc.probes,
	}
	return res, nil
}

// asRunError normalises any phase error into an *Error tagged with at
// least the phase it surfaced in.
func (e *Engine) asRunError(err error, phase Phase) *Error {
	var re *Error
	if errors.As(err, &re) {
		return re
	}
	return newError(ErrTransport, phase, err)
}

func (e *Engine) cancelled(rc *runCtx, phase Phase) *Error {
	return newError(ErrCancelled, phase, context.Cause(rc.ctx))
}

// noteSample records bookkeeping common to every completed probe.
func (e *Engine) noteSample(rc *runCtx, s *probe.Sample) {
	rc.probes++
	rc.lastSendMono = s.SendMono
	rc.sentAny = true
	if s.CDN != "" && !rc.cdnAdvised {
		rc.cdn = s.CDN
		rc.cdnAdvised = true
		log.Printf("engine: %s: CDN signature detected (%s); Date may be stamped at the edge", e.url, s.CDN)
		e.emit(rc, Event{Phase: PhaseLatency, Payload: Advisory{
			Message: "CDN detected: " + s.CDN + " (offset will track the edge clock)",
		}})
	}
}

// waitRateGap blocks until both the minimum request interval since the
// last send and minSend (when nonzero) have passed. Cancellation is
// observed before and after the wait.
func (e *Engine) waitRateGap(rc *runCtx, phase Phase, minSend time.Duration) error {
	if err := rc.ctx.Err(); err != nil {
		return e.cancelled(rc, phase)
	}
	target := minSend
	if rc.sentAny {
		if t := rc.lastSendMono + e.opts.MinRequestInterval; t > target {
			target = t
		}
	}
	if target > e.clk.NowMono() {
		if _, err := e.clk.SleepUntil(rc.ctx, target); err != nil {
			return e.cancelled(rc, phase)
		}
	}
	if err := rc.ctx.Err(); err != nil {
		return e.cancelled(rc, phase)
	}
	return nil
}

// scheduledOnce sends a single probe timed so its server-side receipt
// (send + medianRTT/2) lands on the next allowed wall instant whose
// fractional second is arrivalFrac. Rate-limit deferral happens in
// whole seconds, which preserves the fractional position.
func (e *Engine) scheduledOnce(rc *runCtx, phase Phase, arrivalFrac float64, median time.Duration) (*probe.Sample, error) {
	if err := rc.ctx.Err(); err != nil {
		return nil, e.cancelled(rc, phase)
	}

	mono, wall := e.clk.Now()
	halfRTT := median.Seconds() / 2

	earliestSend := mono + 10*time.Millisecond
	if rc.sentAny {
		if t := rc.lastSendMono + e.opts.MinRequestInterval; t > earliestSend {
			earliestSend = t
		}
	}
	earliestArrival := unixFloat(wall) + (earliestSend - mono).Seconds() + halfRTT
	arrival := nextAtFrac(earliestArrival, arrivalFrac)
	sendMono := mono + durationSec(arrival-halfRTT-unixFloat(wall))

	slack, err := e.clk.SleepUntil(rc.ctx, sendMono)
	if err != nil {
		return nil, e.cancelled(rc, phase)
	}
	s, err := e.prober.Probe(rc.ctx)
	if err != nil {
		rc.lastSendMono = e.clk.NowMono()
		rc.sentAny = true
		if probe.KindOf(err) == probe.KindCancelled {
			return nil, e.cancelled(rc, phase)
		}
		return nil, err
	}
	if err := rc.ctx.Err(); err != nil {
		return nil, e.cancelled(rc, phase)
	}
	s.ScheduleSlack = slack
	e.noteSample(rc, s)
	if slack > 2*time.Millisecond {
		log.Printf("engine: %s: scheduled send fired %s late", e.url, slack)
	}
	return s, nil
}

// emit delivers a progress event best-effort: a consumer that has
// stopped draining loses intermediate events, never ordering.
func (e *Engine) emit(rc *runCtx, ev Event) {
	ev.Elapsed = e.clk.NowMono() - rc.startMono
	select {
	case e.events <- ev:
	default:
	}
}

// emitTerminal blocks to deliver the final event; it only gives up when
// the consumer is provably gone (dead context or a full buffer nobody
// has drained for a long time).
func (e *Engine) emitTerminal(rc *runCtx, ev Event) {
	ev.Elapsed = e.clk.NowMono() - rc.startMono
	select {
	case e.events <- ev:
		return
	default:
	}
	t := time.NewTimer(30 * time.Second)
	defer t.Stop()
	select {
	case e.events <- ev:
	case <-rc.ctx.Done():
		select {
		case e.events <- ev:
		default:
		}
	case <-t.C:
		log.Printf("engine: %s: consumer gone, dropping terminal event", e.url)
	}
}

// ─── Wall-clock arithmetic ───────────────────────────────────────────────────

// unixFloat is t as real-valued Unix seconds. float64 keeps ~0.25 µs of
// precision at current epochs, two orders below the engine's budget.
func unixFloat(t time.Time) float64 {
	return float64(t.Unix()) + float64(t.Nanosecond())/1e9
}

func durationSec(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// fracSec is x mod 1 in [0, 1).
func fracSec(x float64) float64 {
	f := math.Mod(x, 1)
	if f < 0 {
		f += 1
	}
	return f
}

// nextAtFrac returns the smallest t >= after with fracSec(t) == frac.
func nextAtFrac(after, frac float64) float64 {
	t := math.Floor(after) + frac
	for t < after {
		t++
	}
	return t
}

// distToTick is the distance from position x (mod 1) to the nearest
// whole second.
func distToTick(x float64) float64 {
	f := fracSec(x)
	return math.Min(f, 1-f)
}
