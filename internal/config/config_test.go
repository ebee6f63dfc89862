package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigMatchesSpecDefaults(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Scheduler.TickInterval != 50*time.Millisecond {
		t.Fatalf("expected 50ms tick interval, got %v", cfg.Scheduler.TickInterval)
	}
	if cfg.Retry.PerAttemptTimeout != 30*time.Second {
		t.Fatalf("expected 30s per-attempt timeout, got %v", cfg.Retry.PerAttemptTimeout)
	}
	if cfg.ChunkSizePolicy.RFMin != 256 || cfg.ChunkSizePolicy.RFMax != 1024 {
		t.Fatalf("unexpected RF chunk size policy: %+v", cfg.ChunkSizePolicy)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxConcurrentTransfers != DefaultConfig().MaxConcurrentTransfers {
		t.Fatalf("expected default config for missing file")
	}
}

func TestLoadOverridesOnlySpecifiedKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"max_concurrent_transfers": 99}`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxConcurrentTransfers != 99 {
		t.Fatalf("expected override to 99, got %d", cfg.MaxConcurrentTransfers)
	}
	if cfg.Scheduler.TickInterval != 50*time.Millisecond {
		t.Fatalf("expected untouched default tick interval, got %v", cfg.Scheduler.TickInterval)
	}
}
