package engine

import (
	"testing"
	"time"
)

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func TestFiveNumOrdering(t *testing.T) {
	cases := [][]time.Duration{
		{ms(12)},
		{ms(12), ms(10)},
		{ms(30), ms(10), ms(20)},
		{ms(10), ms(11), ms(12), ms(13), ms(14), ms(10), ms(11), ms(12), ms(13), ms(14)},
		{ms(20), ms(20), ms(20), ms(500), ms(20), ms(20), ms(20), ms(20), ms(20), ms(20)},
		{ms(1), ms(2), ms(3), ms(4), ms(5), ms(6), ms(7)},
	}
	for i, rtts := range cases {
		p := fiveNum(rtts)
		if !(p.Min <= p.Q1 && p.Q1 <= p.Median && p.Median <= p.Q3 && p.Q3 <= p.Max) {
			t.Errorf("case %d: summary out of order: %+v", i, p)
		}
		if len(p.RTTs) != len(rtts) {
			t.Errorf("case %d: sample count %d, want %d", i, len(p.RTTs), len(rtts))
		}
		for j := 1; j < len(p.RTTs); j++ {
			if p.RTTs[j] < p.RTTs[j-1] {
				t.Errorf("case %d: RTT list not sorted", i)
			}
		}
	}
}

func TestFiveNumQuartiles(t *testing.T) {
	// Even count: halves split cleanly.
	p := fiveNum([]time.Duration{ms(10), ms(11), ms(12), ms(13), ms(14), ms(15)})
	if p.Q1 != ms(11) || p.Median != ms(12)+500*time.Microsecond || p.Q3 != ms(14) {
		t.Errorf("even: Q1=%s median=%s Q3=%s", p.Q1, p.Median, p.Q3)
	}

	// Odd count: both halves include the overall median.
	p = fiveNum([]time.Duration{ms(10), ms(20), ms(30), ms(40), ms(50)})
	if p.Q1 != ms(20) || p.Median != ms(30) || p.Q3 != ms(40) {
		t.Errorf("odd: Q1=%s median=%s Q3=%s", p.Q1, p.Median, p.Q3)
	}
	if p.Min != ms(10) || p.Max != ms(50) {
		t.Errorf("odd: min=%s max=%s", p.Min, p.Max)
	}
}

func TestProfileBandAndJitter(t *testing.T) {
	p := fiveNum([]time.Duration{ms(10), ms(12), ms(14), ms(16), ms(18), ms(20)})
	if !p.InBand(p.Median) {
		t.Error("median must be inside the acceptance band")
	}
	if p.InBand(p.Min - 1) {
		t.Error("below-min RTT accepted")
	}
	if p.InBand(p.Max) {
		t.Error("max is outside [Q1, Q3] for this spread")
	}
	if j := p.Jitter(); j != (p.Q3-p.Q1)/2 {
		t.Errorf("jitter = %s", j)
	}
}

func TestOptionsDefaults(t *testing.T) {
	o := Options{}.withDefaults()
	if o.MinRequestInterval != 500*time.Millisecond || o.Phase1Samples != 10 ||
		o.Phase3MaxIterations != 20 || o.Phase3TerminationWidth != time.Millisecond ||
		o.Phase4Probes != 4 || o.RetriesPerProbe != 3 || o.ProbeDeadline != 5*time.Second {
		t.Errorf("defaults = %+v", o)
	}

	// Odd verification counts clamp down to even.
	o = Options{Phase4Probes: 5}.withDefaults()
	if o.Phase4Probes != 4 {
		t.Errorf("Phase4Probes = %d, want 4", o.Phase4Probes)
	}
	o = Options{Phase4Probes: 1}.withDefaults()
	if o.Phase4Probes != 2 {
		t.Errorf("Phase4Probes = %d, want 2", o.Phase4Probes)
	}
}

func TestFracHelpers(t *testing.T) {
	if f := fracSec(-0.3); f < 0.699 || f > 0.701 {
		t.Errorf("fracSec(-0.3) = %v", f)
	}
	if f := fracSec(2.25); f != 0.25 {
		t.Errorf("fracSec(2.25) = %v", f)
	}
	if n := nextAtFrac(100.6, 0.25); n != 101.25 {
		t.Errorf("nextAtFrac(100.6, .25) = %v", n)
	}
	if n := nextAtFrac(100.1, 0.25); n != 100.25 {
		t.Errorf("nextAtFrac(100.1, .25) = %v", n)
	}
	if d := distToTick(0.997); d < 0.002 || d > 0.004 {
		t.Errorf("distToTick(0.997) = %v", d)
	}
	if d := distToTick(0.5); d != 0.5 {
		t.Errorf("distToTick(0.5) = %v", d)
	}
}
