// Package config loads engine and daemon settings from the environment.
package config

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the process-wide settings. Load from env; call
// LoadEnvFile(".env") first to use a .env file.
type Config struct {
	// DBPath is the SQLite database with servers, results and drift
	// profiles.
	DBPath string

	// Engine knobs, one per documented option.
	MinRequestInterval     time.Duration
	Phase1Samples          int
	Phase3MaxIterations    int
	Phase3TerminationWidth time.Duration
	Phase4Probes           int
	RetriesPerProbe        int
	ProbeDeadline          time.Duration

	// ExternalTimeSource is the NTP host for the fallback extractor;
	// empty disables the fallback.
	ExternalTimeSource string

	// DriftWarning logs when consecutive runs disagree by more.
	DriftWarning time.Duration

	// HealthResyncThreshold is how stale a verified offset may get
	// before a caller should schedule a fresh run.
	HealthResyncThreshold time.Duration

	// MetricsAddr serves Prometheus metrics when non-empty.
	MetricsAddr string
}

// Load reads config from environment with defaults matching the
// documented engine options.
func Load() *Config {
	c := &Config{
		DBPath:                 getEnv("TICKETIME_DB", "./ticketime.db"),
		MinRequestInterval:     getEnvDuration("TICKETIME_MIN_REQUEST_INTERVAL", 500*time.Millisecond),
		Phase1Samples:          getEnvInt("TICKETIME_PHASE1_SAMPLES", 10),
		Phase3MaxIterations:    getEnvInt("TICKETIME_PHASE3_MAX_ITERATIONS", 20),
		Phase3TerminationWidth: getEnvDuration("TICKETIME_PHASE3_TERMINATION_WIDTH", time.Millisecond),
		Phase4Probes:           getEnvInt("TICKETIME_PHASE4_PROBES", 4),
		RetriesPerProbe:        getEnvInt("TICKETIME_PROBE_RETRIES", 3),
		ProbeDeadline:          getEnvDuration("TICKETIME_PROBE_DEADLINE", 5*time.Second),
		ExternalTimeSource:     getEnv("TICKETIME_NTP_SOURCE", "pool.ntp.org"),
		DriftWarning:           getEnvDuration("TICKETIME_DRIFT_WARNING", 250*time.Millisecond),
		HealthResyncThreshold:  getEnvDuration("TICKETIME_HEALTH_RESYNC_THRESHOLD", 1500*time.Millisecond),
		MetricsAddr:            os.Getenv("TICKETIME_METRICS_ADDR"),
	}
	if c.Phase1Samples <= 0 {
		c.Phase1Samples = 10
	}
	if c.RetriesPerProbe <= 0 {
		c.RetriesPerProbe = 3
	}
	if c.MinRequestInterval <= 0 {
		c.MinRequestInterval = 500 * time.Millisecond
	}
	return c
}

// LoadEnvFile parses a shell-export-style file ("export KEY=VALUE" or
// "KEY=VALUE" lines) and sets each variable into the process
// environment. Lines starting with '#' and blank lines are ignored.
// A missing file is not an error.
func LoadEnvFile(path string) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)
		if k == "" {
			continue
		}
		if err := os.Setenv(k, v); err != nil {
			return err
		}
	}
	return sc.Err()
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		// Bare numbers are taken as milliseconds, matching the
		// *_ms option names.
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Millisecond
		}
	}
	return defaultVal
}
