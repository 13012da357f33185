package extract

import (
	"fmt"
	"net/http"
	"time"

	"github.com/beevik/ntp"
)

// NTPFallback is the external trusted-source variant, used when the
// target returns no usable Date header. The HTTP response only proves
// the probe completed; the instant comes from an NTP query against the
// configured source, adjusted to the moment of the query.
type NTPFallback struct {
	Source string

	// query is swappable for tests.
	query func(source string) (*ntp.Response, error)
}

// NewNTPFallback returns the fallback extractor for source
// (host or host:port; port 123 is implied).
func NewNTPFallback(source string) *NTPFallback {
	return &NTPFallback{Source: source, query: ntp.Query}
}

func (*NTPFallback) Name() string { return "external-fallback" }
func (*NTPFallback) ID() int      { return IDNTPFallback }

func (e *NTPFallback) Extract(resp *http.Response) (Result, error) {
	q := e.query
	if q == nil {
		q = ntp.Query
	}
	r, err := q(e.Source)
	if err != nil {
		return Result{}, fmt.Errorf("extract: ntp %s: %w", e.Source, err)
	}
	if err := r.Validate(); err != nil {
		return Result{}, fmt.Errorf("extract: ntp %s: %w", e.Source, err)
	}
	// ClockOffset is (source - local); applying it to the local clock
	// gives the source's idea of now, same shape as a Date header but
	// with sub-second resolution.
	return Result{ServerTime: time.Now().Add(r.ClockOffset)}, nil
}
