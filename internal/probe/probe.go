// Package probe issues single timed HTTP requests against a sync target
// and stamps them on the monotonic clock.
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mobster570/ticketime/internal/clock"
	"github.com/mobster570/ticketime/internal/extract"
	"github.com/mobster570/ticketime/internal/httpclient"
)

// ErrorKind classifies probe failures for retry decisions.
type ErrorKind string

const (
	KindTransport         ErrorKind = "Transport"
	KindTimeout           ErrorKind = "Timeout"
	KindBadResponse       ErrorKind = "BadResponse"
	KindMissingTimeSource ErrorKind = "MissingTimeSource"
	KindCancelled         ErrorKind = "Cancelled"
)

// Error is a classified probe failure.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("probe: %s", e.Kind)
	}
	return fmt.Sprintf("probe: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the probe error kind, or "" when err is not a probe error.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// Sample is one completed probe. Immutable once returned.
type Sample struct {
	SendMono time.Duration // monotonic stamp immediately before the request hit the socket
	RecvMono time.Duration // monotonic stamp immediately after headers were read
	SendWall time.Time     // wall reading taken at the same instant as SendMono
	RTT      time.Duration // RecvMono - SendMono

	// ServerTime is the extractor's reported instant. Whole-second
	// resolution for the Date-header variant.
	ServerTime time.Time

	// CDN is the advisory CDN tag from the extractor, if any.
	CDN string

	// Warm is false for the first probe on a connection; a
	// handshake-inclusive RTT never enters the latency profile.
	Warm bool

	// ScheduleSlack is how late the scheduled release fired, filled in
	// by the engine when the probe was scheduled. Logged, never retried.
	ScheduleSlack time.Duration
}

// Prober issues one probe per call. The engine holds one per run; tests
// substitute a simulated implementation.
type Prober interface {
	Probe(ctx context.Context) (*Sample, error)
}

// HTTP probes a target URL with HEAD (falling back to GET once if the
// target rejects HEAD) over a single warm connection.
type HTTP struct {
	URL       string
	Clock     clock.Clock
	Extractor extract.Extractor
	Client    *http.Client

	method string
	sent   int
}

// NewHTTP returns a prober for url using ext. deadline is the per-probe
// network deadline.
func NewHTTP(url string, clk clock.Clock, ext extract.Extractor, deadline time.Duration) *HTTP {
	return &HTTP{
		URL:       url,
		Clock:     clk,
		Extractor: ext,
		Client:    httpclient.ForProbing(deadline),
		method:    http.MethodHead,
	}
}

// Probe sends one request and returns the timed sample. The response
// body is drained after the receive stamp so it never pollutes timing.
func (p *HTTP) Probe(ctx context.Context) (*Sample, error) {
	if err := ctx.Err(); err != nil {
		return nil, &Error{Kind: KindCancelled, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, p.method, p.URL, nil)
	if err != nil {
		return nil, &Error{Kind: KindBadResponse, Err: err}
	}
	req.Header.Set("User-Agent", "ticketime/1.0")
	req.Header.Set("Cache-Control", "no-cache")

	// Cross-run politeness: overlapping runs against one host still
	// respect its minimum request interval in aggregate. The wait sits
	// before the send stamp, so timing is never polluted.
	if err := httpclient.GlobalHostLimit.Wait(ctx, p.URL); err != nil {
		return nil, &Error{Kind: KindCancelled, Err: err}
	}

	release := httpclient.GlobalHostSem.Acquire(p.URL)
	sendMono, sendWall := p.Clock.Now()
	resp, err := p.Client.Do(req)
	recvMono := p.Clock.NowMono()
	release()
	if err != nil {
		return nil, classifyTransport(ctx, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusMethodNotAllowed && p.method == http.MethodHead {
		// Target rejects HEAD; switch to GET for the rest of the run and
		// report this attempt as retryable.
		p.method = http.MethodGet
		return nil, &Error{Kind: KindBadResponse, Err: fmt.Errorf("HEAD not allowed, switching to GET")}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &Error{Kind: KindBadResponse, Err: fmt.Errorf("HTTP %d", resp.StatusCode)}
	}

	res, err := p.Extractor.Extract(resp)
	if err != nil {
		if errors.Is(err, extract.ErrMissingTimeSource) {
			return nil, &Error{Kind: KindMissingTimeSource, Err: err}
		}
		return nil, &Error{Kind: KindBadResponse, Err: err}
	}

	p.sent++
	return &Sample{
		SendMono:   sendMono,
		RecvMono:   recvMono,
		SendWall:   sendWall,
		RTT:        recvMono - sendMono,
		ServerTime: res.ServerTime,
		CDN:        res.CDN,
		Warm:       p.sent > 1,
	}, nil
}

func classifyTransport(ctx context.Context, err error) *Error {
	switch {
	case ctx.Err() != nil:
		return &Error{Kind: KindCancelled, Err: context.Cause(ctx)}
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindTimeout, Err: err}
	default:
		// net/http wraps its client timeout in a *url.Error with
		// Timeout() true rather than context.DeadlineExceeded.
		var te interface{ Timeout() bool }
		if errors.As(err, &te) && te.Timeout() {
			return &Error{Kind: KindTimeout, Err: err}
		}
		return &Error{Kind: KindTransport, Err: err}
	}
}
