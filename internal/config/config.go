// Package config holds the engine's control plane configuration: the
// keys spec.md §6 names for admission, retry/FEC policy, scheduling,
// and announce cadence. Grounded on the teacher's daemon/config.Config
// (flat struct of typed fields plus a DefaultConfig constructor).
//
// Load deserializes with encoding/json rather than a third-party
// config format: none of the example repos in the retrieved pack parse
// a structured config file (the teacher's own LoadConfig is a stub
// that "would parse YAML... in production" but never does), so there
// is no library in the corpus to ground a YAML/TOML decoder on. JSON
// via the standard library is the closest fit with no invented
// dependency.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// ChunkSizePolicyConfig mirrors dispatch.ChunkSizePolicy's fields so
// config stays independent of the dispatch package.
type ChunkSizePolicyConfig struct {
	RFMin     int `json:"rf_min"`
	RFMax     int `json:"rf_max"`
	WebRTCMin int `json:"webrtc_min"`
	WebRTCMax int `json:"webrtc_max"`
	HybridMin int `json:"hybrid_min"`
	HybridMax int `json:"hybrid_max"`
}

// RetryConfig is the `retry.*` control-plane key group.
type RetryConfig struct {
	BaseBackoff       time.Duration `json:"base_backoff"`
	MaxAttempts       int           `json:"max_attempts"`
	Jitter            time.Duration `json:"jitter"`
	PerAttemptTimeout time.Duration `json:"per_attempt_timeout"`
}

// FECConfig is the `fec.*` control-plane key group.
type FECConfig struct {
	Enabled    bool    `json:"enabled"`
	Redundancy float64 `json:"redundancy"` // fraction in [0,1]
}

// SchedulerConfig is the `scheduler.*` control-plane key group.
type SchedulerConfig struct {
	TickInterval time.Duration `json:"tick_interval"`
}

// AnnounceConfig is the `announce.*` control-plane key group.
type AnnounceConfig struct {
	Interval time.Duration `json:"interval"`
}

// AdmissionConfig bounds what Engine.Offer will admit before a transfer
// is even created (spec.md §7's PolicyViolation: "oversize object,
// unsupported modulation -> immediate fail at admission").
type AdmissionConfig struct {
	MaxObjectSize int64 `json:"max_object_size"`
	AllowRF       bool  `json:"allow_rf"`
	AllowWebRTC   bool  `json:"allow_webrtc"`
}

// Config is the complete control plane configuration of spec.md §6.
type Config struct {
	ChunkSizePolicy        ChunkSizePolicyConfig `json:"chunk_size_policy"`
	MaxConcurrentTransfers int                   `json:"max_concurrent_transfers"`
	MaxLanesPerTransfer    int                   `json:"max_lanes_per_transfer"`
	Retry                  RetryConfig           `json:"retry"`
	FEC                    FECConfig             `json:"fec"`
	Scheduler              SchedulerConfig       `json:"scheduler"`
	Announce               AnnounceConfig        `json:"announce"`
	Admission              AdmissionConfig       `json:"admission"`

	// Ambient, non-spec fields the engine needs to stand up its stores
	// and listeners, kept alongside the spec's control-plane keys the
	// way the teacher keeps transport addresses next to transfer knobs.
	ChunkStorePath  string `json:"chunkstore_path"`
	TransferDBPath  string `json:"transfer_db_path"`
	BeaconDBPath    string `json:"beacon_db_path"`
	StationAddress  string `json:"station_address"`
	EventBufferSize int    `json:"event_buffer_size"`
}

// DefaultConfig returns spec.md §6's stated defaults: tick_interval
// 50ms, retry base_backoff/per_attempt_timeout/max_attempts per §4.5,
// announce interval 60s, and RF/WebRTC/Hybrid chunk sizes per §4.7. The
// abandon threshold and backoff cap are not part of Config; they are
// internal/retry's DefaultAbandonThreshold and DefaultMaxBackoff.
func DefaultConfig() *Config {
	return &Config{
		ChunkSizePolicy: ChunkSizePolicyConfig{
			RFMin: 256, RFMax: 1024,
			WebRTCMin: 1024, WebRTCMax: 8192,
			HybridMin: 512, HybridMax: 2048,
		},
		MaxConcurrentTransfers: 16,
		MaxLanesPerTransfer:    20, // half of the 40 data carriers (48 total - 8 pilot)
		Retry: RetryConfig{
			BaseBackoff:       1 * time.Second,
			MaxAttempts:       5,
			Jitter:            500 * time.Millisecond,
			PerAttemptTimeout: 30 * time.Second,
		},
		FEC: FECConfig{
			Enabled:    true,
			Redundancy: 0.2,
		},
		Scheduler: SchedulerConfig{
			TickInterval: 50 * time.Millisecond,
		},
		Announce: AnnounceConfig{
			Interval: 60 * time.Second,
		},
		Admission: AdmissionConfig{
			MaxObjectSize: 1 << 30, // 1 GiB: beyond this an RF/QRP swarm has no business admitting an object
			AllowRF:       true,
			AllowWebRTC:   true,
		},
		ChunkStorePath:  "chunkstore.db",
		TransferDBPath:  "transfers.db",
		BeaconDBPath:    "beacon.db",
		StationAddress:  ":4433",
		EventBufferSize: 256,
	}
}

// Load reads JSON configuration from path, applying it on top of
// DefaultConfig so a partial file only overrides the keys it mentions.
// A missing file is not an error: DefaultConfig is returned as-is.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
