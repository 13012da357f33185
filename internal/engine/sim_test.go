package engine_test

import (
	"context"
	"sync"
	"time"

	"github.com/mobster570/ticketime/internal/probe"
)

// ─── Simulated clock ─────────────────────────────────────────────────────────

// simClock is a deterministic clock: time only advances through
// SleepUntil and probe round trips. Slack injects a constant scheduling
// overshoot, modelling a machine that wakes late from the coarse sleep.
type simClock struct {
	mu    sync.Mutex
	mono  time.Duration
	epoch time.Time
	slack time.Duration
}

func newSimClock(epoch time.Time) *simClock {
	return &simClock{epoch: epoch}
}

func (c *simClock) NowMono() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mono
}

func (c *simClock) NowWall() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch.Add(c.mono)
}

func (c *simClock) Now() (time.Duration, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mono, c.epoch.Add(c.mono)
}

func (c *simClock) SleepUntil(ctx context.Context, target time.Duration) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if target > c.mono {
		c.mono = target + c.slack
		return c.slack, nil
	}
	return c.mono - target, nil
}

func (c *simClock) advance(d time.Duration) {
	c.mu.Lock()
	c.mono += d
	c.mu.Unlock()
}

// ─── Simulated server ────────────────────────────────────────────────────────

// simServer answers probes as a remote whose wall clock runs offset
// ahead of the local clock and whose Date header has whole-second
// resolution. The request is observed server-side at send + rtt/2.
type simServer struct {
	clk    *simClock
	offset time.Duration

	// rtt returns the round trip for the i-th probe (0-based).
	rtt func(i int) time.Duration

	// fail, when set, replaces the i-th probe with an error.
	fail func(i int) error

	// onProbe, when set, observes each call before it executes (used to
	// trigger cancellation at a fixed probe count).
	onProbe func(i int)

	cdn string

	mu sync.Mutex
	n  int
}

func constRTT(d time.Duration) func(int) time.Duration {
	return func(int) time.Duration { return d }
}

func (s *simServer) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

func (s *simServer) Probe(ctx context.Context) (*probe.Sample, error) {
	s.mu.Lock()
	i := s.n
	s.n++
	s.mu.Unlock()

	if s.onProbe != nil {
		s.onProbe(i)
	}
	if err := ctx.Err(); err != nil {
		return nil, &probe.Error{Kind: probe.KindCancelled, Err: err}
	}
	if s.fail != nil {
		if err := s.fail(i); err != nil {
			return nil, err
		}
	}

	rtt := s.rtt(i)
	sendMono, sendWall := s.clk.Now()
	serverWall := sendWall.Add(rtt / 2).Add(s.offset)
	s.clk.advance(rtt)
	recvMono := s.clk.NowMono()

	return &probe.Sample{
		SendMono:   sendMono,
		RecvMono:   recvMono,
		SendWall:   sendWall,
		RTT:        rtt,
		ServerTime: serverWall.Truncate(time.Second),
		CDN:        s.cdn,
		Warm:       i > 0,
	}, nil
}

// lanRTT models the ideal-LAN profile: the first eleven probes cycle
// 10..14 ms (warm-up plus ten samples, median 12 ms), every probe after
// that is exactly the median.
func lanRTT(i int) time.Duration {
	if i <= 10 {
		return time.Duration(10+i%5) * time.Millisecond
	}
	return 12 * time.Millisecond
}
