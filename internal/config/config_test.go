package config

import (
	"testing"
	"time"
)

func TestGetenvDuration(t *testing.T) {
	t.Setenv("TRAILHEAD_TEST_DURATION", "250ms")
	if got := getenvDuration("TRAILHEAD_TEST_DURATION", time.Second); got != 250*time.Millisecond {
		t.Fatalf("parsed duration = %v, want 250ms", got)
	}
}

func TestGetenvDurationFallsBackOnEmpty(t *testing.T) {
	t.Setenv("TRAILHEAD_TEST_DURATION", "")
	if got := getenvDuration("TRAILHEAD_TEST_DURATION", 3*time.Second); got != 3*time.Second {
		t.Fatalf("empty value duration = %v, want 3s fallback", got)
	}
}

func TestGetenvDurationFallsBackOnGarbage(t *testing.T) {
	t.Setenv("TRAILHEAD_TEST_DURATION", "soon")
	if got := getenvDuration("TRAILHEAD_TEST_DURATION", time.Minute); got != time.Minute {
		t.Fatalf("unparsable duration = %v, want 1m fallback", got)
	}
}

func TestLoadDurationDefaults(t *testing.T) {
	t.Setenv("TRAILHEAD_RETRY_BASE", "")
	t.Setenv("TRAILHEAD_SYNC_INTERVAL", "")
	t.Setenv("TRAILHEAD_COUNTER_TTL", "")
	cfg := Load()
	if cfg.RetryBase != 100*time.Millisecond {
		t.Fatalf("RetryBase = %v, want 100ms", cfg.RetryBase)
	}
	if cfg.SyncInterval != 5*time.Second {
		t.Fatalf("SyncInterval = %v, want 5s", cfg.SyncInterval)
	}
	if cfg.CounterTTL != time.Hour {
		t.Fatalf("CounterTTL = %v, want 1h", cfg.CounterTTL)
	}
}

func TestLoadDurationOverride(t *testing.T) {
	t.Setenv("TRAILHEAD_DEBOUNCE_WINDOW", "750ms")
	t.Setenv("TRAILHEAD_STATUS_TTL", "30m")
	cfg := Load()
	if cfg.DebounceWindow != 750*time.Millisecond {
		t.Fatalf("DebounceWindow = %v, want 750ms", cfg.DebounceWindow)
	}
	if cfg.StatusTTL != 30*time.Minute {
		t.Fatalf("StatusTTL = %v, want 30m", cfg.StatusTTL)
	}
}
