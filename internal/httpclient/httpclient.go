// Package httpclient provides the HTTP clients and per-host politeness
// machinery shared by every sync run in the process.
package httpclient

import (
	"net/http"
	"time"
)

// ForProbing returns a client tuned for timing probes: one warm
// connection per host (so every probe after the first skips the
// handshake), a hard header deadline, and no redirect following —
// a redirect would add an unmeasured round trip to the sample.
func ForProbing(deadline time.Duration) *http.Client {
	if deadline <= 0 {
		deadline = 5 * time.Second
	}
	return &http.Client{
		Timeout: deadline,
		Transport: &http.Transport{
			MaxConnsPerHost:       1,
			MaxIdleConnsPerHost:   1,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: deadline,
			ExpectContinueTimeout: 1 * time.Second,
			DisableCompression:    true,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// Default returns a general-purpose client with timeouts so dead
// upstreams don't hang control-plane calls forever.
func Default() *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			ResponseHeaderTimeout: 15 * time.Second,
			ExpectContinueTimeout: 5 * time.Second,
			IdleConnTimeout:       30 * time.Second,
		},
	}
}
