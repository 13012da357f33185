// Package metrics exposes the process's Prometheus instrumentation:
// probe counts and RTTs, run durations and outcomes.
package metrics

import (
	"context"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/netutil"
)

var (
	ProbesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ticketime_probes_total",
		Help: "Probes issued, by phase and outcome.",
	}, []string{"phase", "outcome"})

	ProbeRTT = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ticketime_probe_rtt_seconds",
		Help:    "Round-trip time of completed probes.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	})

	SyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ticketime_sync_duration_seconds",
		Help:    "Wall time of completed sync runs.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})

	SyncsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ticketime_syncs_total",
		Help: "Sync runs finished, by outcome.",
	}, []string{"outcome"})

	ActiveRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ticketime_active_runs",
		Help: "Sync runs currently executing.",
	})

	OffsetMillis = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ticketime_offset_milliseconds",
		Help: "Last measured total offset per server.",
	}, []string{"server"})
)

// Serve runs a /metrics listener on addr until ctx ends. The listener
// is connection-capped; a scraper storm must not compete with probe
// timing.
func Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	ln = netutil.LimitListener(ln, 4)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	log.Printf("metrics: listening on %s", addr)
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
