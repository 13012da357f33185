// Package drift maintains per-server offset profiles between sync runs,
// smoothing successive measurements so a fresh run can be seeded with a
// plausible hint.
package drift

import (
	"log"
	"sync"
	"time"
)

// smoothingRate is the weight of a new sample against the running
// offset: 10% keeps one outlier run from dragging the profile.
const smoothingRate = 0.1

// maxHintAge is how old a profile may be before its hint is withheld;
// an uncorrected clock drifts too far over a day to be a safe seed.
const maxHintAge = 24 * time.Hour

// Profile is the smoothed offset state for one server.
type Profile struct {
	Offset     time.Duration
	Samples    int
	LastSynced time.Time
	LastRTT    time.Duration
	Verified   bool
}

// Tracker holds profiles for all servers in memory. Persistence is the
// caller's concern; Tracker only smooths and gates.
type Tracker struct {
	mu       sync.Mutex
	profiles map[int64]*Profile

	// WarnThreshold triggers a log line when consecutive runs disagree
	// by more than this much.
	WarnThreshold time.Duration
}

func NewTracker(warnThreshold time.Duration) *Tracker {
	return &Tracker{
		profiles:      make(map[int64]*Profile),
		WarnThreshold: warnThreshold,
	}
}

// Seed installs a previously persisted profile.
func (t *Tracker) Seed(serverID int64, p Profile) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := p
	t.profiles[serverID] = &cp
}

// Observe folds a completed run's offset into the server's profile and
// returns the updated profile.
func (t *Tracker) Observe(serverID int64, offset, rtt time.Duration, verified bool, at time.Time) Profile {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.profiles[serverID]
	if !ok {
		p = &Profile{}
		t.profiles[serverID] = p
	}
	if p.Samples == 0 {
		p.Offset = offset
	} else {
		if d := offset - p.Offset; d > t.WarnThreshold || d < -t.WarnThreshold {
			log.Printf("drift: server %d moved %s since last sync (profile %s, run %s)",
				serverID, d, p.Offset, offset)
		}
		p.Offset = time.Duration(float64(p.Offset)*(1-smoothingRate) + float64(offset)*smoothingRate)
	}
	p.Samples++
	p.LastSynced = at
	p.LastRTT = rtt
	p.Verified = verified
	return *p
}

// Hint returns the seed offset for a new run against serverID, or zero
// when no usable profile exists. Stale or never-verified profiles are
// withheld rather than risk steering Phase 2 into a boundary.
func (t *Tracker) Hint(serverID int64, now time.Time) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.profiles[serverID]
	if !ok || p.Samples == 0 || !p.Verified {
		return 0
	}
	if now.Sub(p.LastSynced) > maxHintAge {
		return 0
	}
	return p.Offset
}

// Forget drops the server's profile.
func (t *Tracker) Forget(serverID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.profiles, serverID)
}
