package drift_test

import (
	"testing"
	"time"

	"github.com/mobster570/ticketime/internal/drift"
)

var at = time.Date(2025, 6, 3, 10, 0, 0, 0, time.UTC)

func TestObserveSmooths(t *testing.T) {
	tr := drift.NewTracker(250 * time.Millisecond)

	p := tr.Observe(1, 200*time.Millisecond, 12*time.Millisecond, true, at)
	if p.Offset != 200*time.Millisecond || p.Samples != 1 {
		t.Fatalf("first observation: %+v", p)
	}

	// Second sample gets 10% weight.
	p = tr.Observe(1, 300*time.Millisecond, 12*time.Millisecond, true, at.Add(time.Minute))
	want := 210 * time.Millisecond
	if d := p.Offset - want; d < -time.Millisecond || d > time.Millisecond {
		t.Fatalf("smoothed offset = %s, want ~%s", p.Offset, want)
	}
	if p.Samples != 2 {
		t.Fatalf("samples = %d", p.Samples)
	}
}

func TestHintGating(t *testing.T) {
	tr := drift.NewTracker(250 * time.Millisecond)

	// No profile: no hint.
	if h := tr.Hint(1, at); h != 0 {
		t.Fatalf("hint without profile = %s", h)
	}

	// Unverified runs never seed a hint.
	tr.Observe(1, 200*time.Millisecond, 12*time.Millisecond, false, at)
	if h := tr.Hint(1, at.Add(time.Minute)); h != 0 {
		t.Fatalf("hint from unverified profile = %s", h)
	}

	// A verified run does.
	tr.Observe(1, 200*time.Millisecond, 12*time.Millisecond, true, at)
	if h := tr.Hint(1, at.Add(time.Minute)); h == 0 {
		t.Fatal("no hint from verified profile")
	}

	// Stale profiles are withheld.
	if h := tr.Hint(1, at.Add(25*time.Hour)); h != 0 {
		t.Fatalf("hint from stale profile = %s", h)
	}
}

func TestSeedAndForget(t *testing.T) {
	tr := drift.NewTracker(250 * time.Millisecond)
	tr.Seed(7, drift.Profile{Offset: 42 * time.Millisecond, Samples: 3, LastSynced: at, Verified: true})
	if h := tr.Hint(7, at.Add(time.Hour)); h != 42*time.Millisecond {
		t.Fatalf("seeded hint = %s", h)
	}
	tr.Forget(7)
	if h := tr.Hint(7, at.Add(time.Hour)); h != 0 {
		t.Fatalf("hint after forget = %s", h)
	}
}
