// Command ticketime measures a remote HTTP server's clock offset to
// sub-millisecond precision from its Date header, and keeps per-server
// sync history for time-critical client actions.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mobster570/ticketime/internal/config"
	"github.com/mobster570/ticketime/internal/engine"
	"github.com/mobster570/ticketime/internal/extract"
	"github.com/mobster570/ticketime/internal/metrics"
	"github.com/mobster570/ticketime/internal/service"
	"github.com/mobster570/ticketime/internal/store"
)

func main() {
	addURL := flag.String("add", "", "add a server by URL and exit")
	ntpExtractor := flag.Bool("ntp-extractor", false, "with -add: use the external-fallback extractor")
	list := flag.Bool("list", false, "list servers and exit")
	del := flag.Int64("delete", 0, "delete a server by id and exit")
	sync := flag.Int64("sync", 0, "run a sync against the server id")
	history := flag.Int64("history", 0, "print sync history for the server id")
	limit := flag.Int("limit", 10, "with -history: max results")
	timeout := flag.Duration("timeout", 2*time.Minute, "with -sync: watchdog timeout for the run")
	flag.Parse()

	if err := config.LoadEnvFile(".env"); err != nil {
		log.Printf("env file: %v", err)
	}
	cfg := config.Load()

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer st.Close()
	svc := service.New(cfg, st)

	switch {
	case *addURL != "":
		extID := extract.IDDateHeader
		if *ntpExtractor {
			extID = extract.IDNTPFallback
		}
		sv, err := svc.AddServer(*addURL, extID)
		if err != nil {
			log.Fatalf("add server: %v", err)
		}
		fmt.Printf("added server %d: %s\n", sv.ID, sv.URL)

	case *list:
		servers, err := svc.ListServers()
		if err != nil {
			log.Fatalf("list servers: %v", err)
		}
		for _, sv := range servers {
			fmt.Printf("%4d  extractor=%d  %s\n", sv.ID, sv.ExtractorID, sv.URL)
		}

	case *del != 0:
		if err := svc.DeleteServer(*del); err != nil {
			log.Fatalf("delete server: %v", err)
		}
		fmt.Printf("deleted server %d\n", *del)

	case *history != 0:
		results, err := svc.History(*history, time.Time{}, *limit)
		if err != nil {
			log.Fatalf("history: %v", err)
		}
		for _, r := range results {
			fmt.Printf("%s  offset=%+.3fms  verified=%t  probes=%d  median_rtt=%s\n",
				r.SyncedAt.Format(time.RFC3339), r.TotalOffsetMillis, r.Verified, r.Probes, r.Latency.Median)
		}

	case *sync != 0:
		runSync(cfg, svc, *sync, *timeout)

	default:
		flag.Usage()
		os.Exit(2)
	}
}

func runSync(cfg *config.Config, svc *service.Service, serverID int64, timeout time.Duration) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr); err != nil {
				log.Printf("metrics: %v", err)
			}
		}()
	}

	events, err := svc.StartSync(ctx, serverID, timeout)
	if err != nil {
		log.Fatalf("start sync: %v", err)
	}
	for ev := range events {
		switch {
		case ev.Result != nil:
			r := ev.Result
			fmt.Printf("\nsynced in %s (%d probes, %s)\n", r.Duration.Round(time.Millisecond), r.Probes, r.ExtractorUsed)
			fmt.Printf("offset: %+.3f ms (whole %+ds, sub %s)  verified=%t\n",
				r.TotalOffsetMillis, r.WholeOffsetSeconds, r.SubOffset.Round(time.Microsecond), r.Verified)
			if r.CDN != "" {
				fmt.Printf("note: CDN detected (%s); offset tracks the edge clock\n", r.CDN)
			}
		case ev.Err != nil:
			log.Fatalf("sync failed in %s: %s", ev.Err.Phase, ev.Err.Kind)
		default:
			printProgress(ev)
		}
	}
}

func printProgress(ev engine.Event) {
	switch p := ev.Payload.(type) {
	case engine.LatencyProgress:
		fmt.Printf("\r[%3.0f%%] latency %d/%d (rtt %s)      ", ev.Percent, p.Completed, p.Total, p.LastRTT.Round(time.Millisecond))
	case engine.WholeSecondProgress:
		fmt.Printf("\r[%3.0f%%] whole-second offset %+ds      ", ev.Percent, p.WholeSeconds)
	case engine.RefineProgress:
		fmt.Printf("\r[%3.0f%%] refining width=%.1fms iter=%d   ", ev.Percent, p.Width*1e3, p.Iteration)
	case engine.VerifyProgress:
		fmt.Printf("\r[%3.0f%%] verifying %d/%d               ", ev.Percent, p.Matched, p.Total)
	case engine.Advisory:
		fmt.Printf("\n%s\n", strings.TrimSpace(p.Message))
	}
}
