package engine

import (
	"time"
)

// Event is one item on a run's progress channel. Exactly one terminal
// event (Result or Err non-nil) closes out every run; non-terminal
// events carry a phase payload.
type Event struct {
	Phase   Phase         `json:"phase"`
	Percent float64       `json:"percent"`
	Elapsed time.Duration `json:"elapsed"`

	// Payload is the phase-specific progress detail; nil on terminal
	// events. Concrete types: LatencyProgress, WholeSecondProgress,
	// RefineProgress, VerifyProgress, Advisory.
	Payload any `json:"payload,omitempty"`

	// Result is set on the terminal Complete event.
	Result *Result `json:"result,omitempty"`

	// Err is set on the terminal Error event.
	Err *Error `json:"error,omitempty"`
}

// Terminal reports whether this is the run's final event.
func (e Event) Terminal() bool { return e.Result != nil || e.Err != nil }

// LatencyProgress is Phase 1's per-probe payload.
type LatencyProgress struct {
	Completed int           `json:"completed"`
	Total     int           `json:"total"`
	LastRTT   time.Duration `json:"last_rtt"`
}

// WholeSecondProgress is Phase 2's payload.
type WholeSecondProgress struct {
	Attempt      int     `json:"attempt"`
	WholeSeconds int64   `json:"whole_seconds"`
	MarginMillis float64 `json:"margin_ms"`
}

// RefineProgress is Phase 3's per-iteration payload.
type RefineProgress struct {
	L         float64 `json:"l"`
	R         float64 `json:"r"`
	Width     float64 `json:"width"`
	Iteration int     `json:"iteration"`
}

// VerifyProgress is Phase 4's payload.
type VerifyProgress struct {
	Matched int `json:"matched"`
	Checked int `json:"checked"`
	Total   int `json:"total"`
}

// Advisory is a non-fatal notice surfaced mid-run (CDN detection,
// verification mismatch detail).
type Advisory struct {
	Message string `json:"message"`
}

// Phase percent bands. Phase 3 dominates: it is the bulk of the work.
const (
	phase1Base, phase1Weight = 0, 25
	phase2Base, phase2Weight = 25, 15
	phase3Base, phase3Weight = 40, 45
	phase4Base, phase4Weight = 85, 15
)

// Result is the terminal artifact of a successful run.
type Result struct {
	RunID    string `json:"run_id"`
	ServerID int64  `json:"server_id,omitempty"`
	URL      string `json:"url"`

	WholeOffsetSeconds int64         `json:"whole_offset_seconds"`
	SubOffset          time.Duration `json:"sub_offset"`
	TotalOffset        time.Duration `json:"total_offset"`
	TotalOffsetMillis  float64       `json:"total_offset_ms"`

	Latency       LatencyProfile `json:"latency"`
	Verified      bool           `json:"verified"`
	PhaseReached  Phase          `json:"phase_reached"`
	ExtractorUsed string         `json:"extractor_used"`
	CDN           string         `json:"cdn,omitempty"`

	SyncedAt time.Time     `json:"synced_at"`
	Duration time.Duration `json:"duration"`
	Probes   int           `json:"probes"`
}
