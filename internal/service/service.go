// Package service exposes the engine operations consumed by UI and
// automation collaborators: server CRUD, run control, history. It owns
// the active-run registry and the post-run persistence path.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/mobster570/ticketime/internal/clock"
	"github.com/mobster570/ticketime/internal/config"
	"github.com/mobster570/ticketime/internal/drift"
	"github.com/mobster570/ticketime/internal/engine"
	"github.com/mobster570/ticketime/internal/extract"
	"github.com/mobster570/ticketime/internal/metrics"
	"github.com/mobster570/ticketime/internal/probe"
	"github.com/mobster570/ticketime/internal/store"
)

// ErrAlreadyRunning is returned by StartSync when the server already
// has an active run.
var ErrAlreadyRunning = errors.New("service: sync already running for server")

// ErrNotRunning is returned by CancelSync when no run is active; the
// call is still considered successful for idempotence at the caller.
var ErrNotRunning = errors.New("service: no active sync for server")

// CancelTimeout is the cancellation cause installed by the watchdog.
var CancelTimeout = errors.New("watchdog timeout")

type run struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Service wires the engine to its collaborators. All methods are safe
// for concurrent use.
type Service struct {
	cfg   *config.Config
	store *store.Store
	clk   clock.Clock
	drift *drift.Tracker

	mu     sync.Mutex
	active map[int64]*run
}

func New(cfg *config.Config, st *store.Store) *Service {
	s := &Service{
		cfg:    cfg,
		store:  st,
		clk:    clock.New(),
		drift:  drift.NewTracker(cfg.DriftWarning),
		active: make(map[int64]*run),
	}
	s.seedDrift()
	return s
}

// seedDrift loads persisted drift profiles so the first run per server
// can be hint-seeded across process restarts.
func (s *Service) seedDrift() {
	servers, err := s.store.ListServers()
	if err != nil {
		log.Printf("service: seed drift: %v", err)
		return
	}
	for _, sv := range servers {
		d, err := s.store.GetDrift(sv.ID)
		if err != nil {
			continue
		}
		s.drift.Seed(sv.ID, drift.Profile{
			Offset:     d.Offset,
			Samples:    d.Samples,
			LastSynced: d.LastSynced,
			LastRTT:    d.LastRTT,
			Verified:   d.Verified,
		})
	}
}

// AddServer validates url well-formedness and persists a new target.
func (s *Service) AddServer(url string, extractorID int) (*store.Server, error) {
	if _, err := extract.ByID(extractorID, s.cfg.ExternalTimeSource); err != nil {
		return nil, err
	}
	return s.store.AddServer(url, extractorID)
}

// ListServers returns all persisted targets.
func (s *Service) ListServers() ([]store.Server, error) {
	return s.store.ListServers()
}

// DeleteServer removes the target, terminating any active sync first.
func (s *Service) DeleteServer(id int64) error {
	_ = s.CancelSync(id)
	s.drift.Forget(id)
	return s.store.DeleteServer(id)
}

// History returns stored results newest first.
func (s *Service) History(serverID int64, since time.Time, limit int) ([]engine.Result, error) {
	return s.store.History(serverID, since, limit)
}

// StartSync begins a run against the stored server and returns its
// progress channel. At most one run per server is active at a time;
// a second call returns ErrAlreadyRunning. timeout, when positive, arms
// a watchdog that cancels the run with a Timeout reason.
func (s *Service) StartSync(ctx context.Context, serverID int64, timeout time.Duration) (<-chan engine.Event, error) {
	sv, err := s.store.GetServer(serverID)
	if err != nil {
		return nil, err
	}
	ext, err := extract.ByID(sv.ExtractorID, s.cfg.ExternalTimeSource)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancelCause(ctx)

	s.mu.Lock()
	if _, busy := s.active[serverID]; busy {
		s.mu.Unlock()
		cancel(nil)
		return nil, ErrAlreadyRunning
	}
	r := &run{cancel: cancel, done: make(chan struct{})}
	s.active[serverID] = r
	s.mu.Unlock()

	prober := instrument(probe.NewHTTP(sv.URL, s.clk, ext, s.cfg.ProbeDeadline))
	eng := engine.New(sv.URL, s.clk, prober, ext.Name(), engine.Options{
		MinRequestInterval:     s.cfg.MinRequestInterval,
		Phase1Samples:          s.cfg.Phase1Samples,
		Phase3MaxIterations:    s.cfg.Phase3MaxIterations,
		Phase3TerminationWidth: s.cfg.Phase3TerminationWidth,
		Phase4Probes:           s.cfg.Phase4Probes,
		RetriesPerProbe:        s.cfg.RetriesPerProbe,
		ProbeDeadline:          s.cfg.ProbeDeadline,
		OffsetHint:             s.drift.Hint(serverID, s.clk.NowWall()),
	})
	if sv.ExtractorID == extract.IDDateHeader && s.cfg.ExternalTimeSource != "" {
		fb := extract.NewNTPFallback(s.cfg.ExternalTimeSource)
		eng.WithFallback(instrument(probe.NewHTTP(sv.URL, s.clk, fb, s.cfg.ProbeDeadline)), fb.Name())
	}

	var watchdog *time.Timer
	if timeout > 0 {
		watchdog = time.AfterFunc(timeout, func() { cancel(CancelTimeout) })
	}

	metrics.ActiveRuns.Inc()
	go func() {
		defer func() {
			if watchdog != nil {
				watchdog.Stop()
			}
			metrics.ActiveRuns.Dec()
			s.mu.Lock()
			delete(s.active, serverID)
			s.mu.Unlock()
			close(r.done)
			cancel(nil)
		}()
		res, runErr := eng.Run(runCtx)
		if runErr != nil {
			metrics.SyncsTotal.WithLabelValues(string(runErr.Kind)).Inc()
			log.Printf("service: sync server %d: %v", serverID, runErr)
			return
		}
		metrics.SyncsTotal.WithLabelValues("Complete").Inc()
		metrics.SyncDuration.Observe(res.Duration.Seconds())
		metrics.OffsetMillis.WithLabelValues(sv.URL).Set(res.TotalOffsetMillis)
		res.ServerID = serverID
		// Persistence happens off the run's critical path: a slow disk
		// must never delay timing or event delivery.
		go s.persist(serverID, res)
	}()

	return eng.Events(), nil
}

func (s *Service) persist(serverID int64, res *engine.Result) {
	if err := s.store.AppendResult(serverID, res); err != nil {
		log.Printf("service: persist result: %v", err)
	}
	p := s.drift.Observe(serverID, res.TotalOffset, res.Latency.Median, res.Verified, res.SyncedAt)
	if err := s.store.PutDrift(&store.DriftProfile{
		ServerID:   serverID,
		Offset:     p.Offset,
		Samples:    p.Samples,
		LastSynced: p.LastSynced,
		LastRTT:    p.LastRTT,
		Verified:   p.Verified,
	}); err != nil {
		log.Printf("service: persist drift: %v", err)
	}
}

// CancelSync requests orderly termination of the server's active run.
// Idempotent: cancelling an idle server returns ErrNotRunning, which
// callers may treat as success.
func (s *Service) CancelSync(serverID int64) error {
	s.mu.Lock()
	r, ok := s.active[serverID]
	s.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}
	r.cancel(fmt.Errorf("cancel requested"))
	return nil
}

// Wait blocks until the server's active run (if any) has finished.
func (s *Service) Wait(serverID int64) {
	s.mu.Lock()
	r, ok := s.active[serverID]
	s.mu.Unlock()
	if ok {
		<-r.done
	}
}

// NeedsResync reports whether the server's offset knowledge is degraded
// enough to warrant a fresh run: no verified result yet, or the last
// run disagreeing with the smoothed profile by more than the health
// threshold (the clock is moving faster than the profile can track).
func (s *Service) NeedsResync(serverID int64) bool {
	hist, err := s.store.History(serverID, time.Time{}, 1)
	if err != nil || len(hist) == 0 || !hist[0].Verified {
		return true
	}
	d, err := s.store.GetDrift(serverID)
	if err != nil {
		return true
	}
	dev := hist[0].TotalOffset - d.Offset
	if dev < 0 {
		dev = -dev
	}
	return dev > s.cfg.HealthResyncThreshold
}

// instrumented wraps a prober with the process metrics.
type instrumented struct {
	inner probe.Prober
}

func instrument(p probe.Prober) probe.Prober { return &instrumented{inner: p} }

func (m *instrumented) Probe(ctx context.Context) (*probe.Sample, error) {
	s, err := m.inner.Probe(ctx)
	if err != nil {
		kind := string(probe.KindOf(err))
		if kind == "" {
			kind = "error"
		}
		metrics.ProbesTotal.WithLabelValues("probe", kind).Inc()
		return nil, err
	}
	metrics.ProbesTotal.WithLabelValues("probe", "ok").Inc()
	metrics.ProbeRTT.Observe(s.RTT.Seconds())
	return s, nil
}
