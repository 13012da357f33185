package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mobster570/ticketime/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{
		"TICKETIME_DB", "TICKETIME_MIN_REQUEST_INTERVAL", "TICKETIME_PHASE1_SAMPLES",
		"TICKETIME_PHASE3_MAX_ITERATIONS", "TICKETIME_PHASE3_TERMINATION_WIDTH",
		"TICKETIME_PHASE4_PROBES", "TICKETIME_PROBE_RETRIES", "TICKETIME_PROBE_DEADLINE",
		"TICKETIME_NTP_SOURCE", "TICKETIME_DRIFT_WARNING", "TICKETIME_METRICS_ADDR",
	} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
	c := config.Load()
	if c.MinRequestInterval != 500*time.Millisecond {
		t.Errorf("interval = %s", c.MinRequestInterval)
	}
	if c.Phase1Samples != 10 || c.Phase3MaxIterations != 20 || c.Phase4Probes != 4 || c.RetriesPerProbe != 3 {
		t.Errorf("counts = %+v", c)
	}
	if c.Phase3TerminationWidth != time.Millisecond || c.ProbeDeadline != 5*time.Second {
		t.Errorf("durations = %+v", c)
	}
	if c.ExternalTimeSource != "pool.ntp.org" {
		t.Errorf("ntp source = %q", c.ExternalTimeSource)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("TICKETIME_MIN_REQUEST_INTERVAL", "250ms")
	t.Setenv("TICKETIME_PHASE1_SAMPLES", "5")
	t.Setenv("TICKETIME_PROBE_DEADLINE", "2500") // bare ms
	t.Setenv("TICKETIME_METRICS_ADDR", ":9901")

	c := config.Load()
	if c.MinRequestInterval != 250*time.Millisecond {
		t.Errorf("interval = %s", c.MinRequestInterval)
	}
	if c.Phase1Samples != 5 {
		t.Errorf("samples = %d", c.Phase1Samples)
	}
	if c.ProbeDeadline != 2500*time.Millisecond {
		t.Errorf("deadline = %s", c.ProbeDeadline)
	}
	if c.MetricsAddr != ":9901" {
		t.Errorf("metrics addr = %q", c.MetricsAddr)
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := "# comment\nexport TICKETIME_TEST_KEY=hello\nTICKETIME_TEST_KEY2 = world\n\nnot-a-pair\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TICKETIME_TEST_KEY", "")
	t.Setenv("TICKETIME_TEST_KEY2", "")
	if err := config.LoadEnvFile(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if v := os.Getenv("TICKETIME_TEST_KEY"); v != "hello" {
		t.Errorf("TICKETIME_TEST_KEY = %q", v)
	}
	if v := os.Getenv("TICKETIME_TEST_KEY2"); v != "world" {
		t.Errorf("TICKETIME_TEST_KEY2 = %q", v)
	}
	if err := config.LoadEnvFile(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Errorf("missing file: %v", err)
	}
}
