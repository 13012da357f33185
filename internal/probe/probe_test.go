package probe_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mobster570/ticketime/internal/clock"
	"github.com/mobster570/ticketime/internal/extract"
	"github.com/mobster570/ticketime/internal/probe"
)

func dateHandler(status int, date string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if date != "" {
			w.Header().Set("Date", date)
		} else {
			// Suppress the automatic Date header.
			w.Header()["Date"] = nil
		}
		w.WriteHeader(status)
	}
}

func TestProbeTimesAndExtracts(t *testing.T) {
	srv := httptest.NewServer(dateHandler(200, "Tue, 03 Jun 2025 10:15:42 GMT"))
	defer srv.Close()

	p := probe.NewHTTP(srv.URL, clock.New(), extract.DateHeader{}, 2*time.Second)
	s, err := p.Probe(context.Background())
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if s.RTT <= 0 {
		t.Errorf("RTT = %s, want > 0", s.RTT)
	}
	if s.RecvMono-s.SendMono != s.RTT {
		t.Errorf("RTT %s inconsistent with stamps (%s, %s)", s.RTT, s.SendMono, s.RecvMono)
	}
	want := time.Date(2025, 6, 3, 10, 15, 42, 0, time.UTC)
	if !s.ServerTime.Equal(want) {
		t.Errorf("server time = %s, want %s", s.ServerTime, want)
	}
	if s.Warm {
		t.Error("first probe reported warm")
	}

	// Second probe reuses the connection and reports warm.
	s2, err := p.Probe(context.Background())
	if err != nil {
		t.Fatalf("second probe: %v", err)
	}
	if !s2.Warm {
		t.Error("second probe not warm")
	}
}

func TestProbeNon2xxIsBadResponse(t *testing.T) {
	srv := httptest.NewServer(dateHandler(503, "Tue, 03 Jun 2025 10:15:42 GMT"))
	defer srv.Close()

	p := probe.NewHTTP(srv.URL, clock.New(), extract.DateHeader{}, 2*time.Second)
	_, err := p.Probe(context.Background())
	if probe.KindOf(err) != probe.KindBadResponse {
		t.Fatalf("kind = %v, want BadResponse (err %v)", probe.KindOf(err), err)
	}
}

func TestProbeMissingDate(t *testing.T) {
	srv := httptest.NewServer(dateHandler(200, ""))
	defer srv.Close()

	p := probe.NewHTTP(srv.URL, clock.New(), extract.DateHeader{}, 2*time.Second)
	_, err := p.Probe(context.Background())
	if probe.KindOf(err) != probe.KindMissingTimeSource {
		t.Fatalf("kind = %v, want MissingTimeSource (err %v)", probe.KindOf(err), err)
	}
}

func TestProbeHeadFallsBackToGet(t *testing.T) {
	var gets atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		gets.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := probe.NewHTTP(srv.URL, clock.New(), extract.DateHeader{}, 2*time.Second)

	// The rejected HEAD surfaces as a retryable BadResponse...
	if _, err := p.Probe(context.Background()); probe.KindOf(err) != probe.KindBadResponse {
		t.Fatalf("kind = %v, want BadResponse", probe.KindOf(err))
	}
	// ...and the prober switches to GET for the rest of the run.
	s, err := p.Probe(context.Background())
	if err != nil {
		t.Fatalf("GET probe: %v", err)
	}
	if gets.Load() != 1 {
		t.Fatalf("GET count = %d, want 1", gets.Load())
	}
	if s.ServerTime.IsZero() {
		t.Error("no server time from httptest default Date header")
	}
}

func TestProbeTransportError(t *testing.T) {
	// Nothing listens here.
	p := probe.NewHTTP("http://127.0.0.1:1", clock.New(), extract.DateHeader{}, time.Second)
	_, err := p.Probe(context.Background())
	if probe.KindOf(err) != probe.KindTransport {
		t.Fatalf("kind = %v, want Transport (err %v)", probe.KindOf(err), err)
	}
}

func TestProbeTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer func() {
		close(release)
		srv.Close()
	}()

	p := probe.NewHTTP(srv.URL, clock.New(), extract.DateHeader{}, 100*time.Millisecond)
	_, err := p.Probe(context.Background())
	if probe.KindOf(err) != probe.KindTimeout {
		t.Fatalf("kind = %v, want Timeout (err %v)", probe.KindOf(err), err)
	}
}

func TestProbeCancelled(t *testing.T) {
	srv := httptest.NewServer(dateHandler(200, "Tue, 03 Jun 2025 10:15:42 GMT"))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := probe.NewHTTP(srv.URL, clock.New(), extract.DateHeader{}, time.Second)
	_, err := p.Probe(ctx)
	if probe.KindOf(err) != probe.KindCancelled {
		t.Fatalf("kind = %v, want Cancelled (err %v)", probe.KindOf(err), err)
	}
}
