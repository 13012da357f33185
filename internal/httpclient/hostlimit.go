package httpclient

import (
	"context"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// HostLimiter paces requests per host across the whole process. The
// engine already spaces its own sends inside a run; this is the
// cross-run guard, so two runs against the same target still respect
// the target's minimum request interval in aggregate.
type HostLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	interval time.Duration
}

// GlobalHostLimit is the shared pacer. At the default 500 ms minimum
// request interval a single run's own scheduling already spaces sends
// this far apart, so the limiter only bites when runs overlap on a host
// or the configured interval is shorter.
var GlobalHostLimit = NewHostLimiter(500 * time.Millisecond)

// NewHostLimiter returns a limiter allowing one request per interval per
// host, with a burst of one.
func NewHostLimiter(interval time.Duration) *HostLimiter {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &HostLimiter{
		limiters: make(map[string]*rate.Limiter),
		interval: interval,
	}
}

// Wait blocks until the host's limiter grants a slot or ctx ends.
func (l *HostLimiter) Wait(ctx context.Context, host string) error {
	return l.limiterFor(host).Wait(ctx)
}

func (l *HostLimiter) limiterFor(host string) *rate.Limiter {
	if u, err := url.Parse(host); err == nil && u.Host != "" {
		host = u.Scheme + "://" + u.Host
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[host]
	if !ok {
		lim = rate.NewLimiter(rate.Every(l.interval), 1)
		l.limiters[host] = lim
	}
	return lim
}
