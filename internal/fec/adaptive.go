package fec

import (
	"fmt"
	"sync"
	"time"
)

// emaAlpha weights the most recent loss-rate sample at 30%, history at
// 70% — the same smoothing factor internal/beacon's Monitor uses for its
// reliability score.
const emaAlpha = 0.3

// PolicyState is a snapshot of one AdaptivePolicy's current redundancy
// decision, returned by GetState for logging/metrics.
type PolicyState struct {
	Enabled   bool
	K         int // data shards per redundancy group
	R         int // parity shards per redundancy group
	LossRate  float64
	UpdatedAt time.Time
}

// AdaptivePolicy tracks an EMA-smoothed chunk loss rate and grows or
// shrinks a redundancy group's parity shard count (r) in response,
// rather than holding it fixed: a station on a clean path pays no
// parity overhead, one on a degrading path escalates r toward maxR
// before its retry budget runs out.
type AdaptivePolicy struct {
	// Configuration
	enableThreshold  float64       // loss rate (%) at which FEC escalation engages
	disableThreshold float64       // loss rate (%) at which it disengages
	minObservation   time.Duration // minimum dwell time before a state change
	defaultK         int
	defaultR         int
	maxR             int

	// State
	enabled         bool
	currentK        int
	currentR        int
	lossRateSamples []float64
	lastStateChange time.Time
	sampleStartTime time.Time

	mu sync.RWMutex
}

// PolicyConfig holds AdaptivePolicy construction parameters.
type PolicyConfig struct {
	EnableThreshold  float64       // Default: 1.0%
	DisableThreshold float64       // Default: 0.5%
	MinObservation   time.Duration // Default: 30s
	DefaultK         int           // Default: 8
	DefaultR         int           // Default: 2
	MaxR             int           // Default: 4
}

// DefaultPolicyConfig returns the redundancy-group defaults of spec.md
// §4.5's FEC escalation: an 8-chunk group, 2 parity shards, escalating
// to at most 4.
func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		EnableThreshold:  1.0,
		DisableThreshold: 0.5,
		MinObservation:   30 * time.Second,
		DefaultK:         8,
		DefaultR:         2,
		MaxR:             4,
	}
}

// NewAdaptivePolicy builds an AdaptivePolicy from config, starting
// disabled until Update or SetEnabled turns it on.
func NewAdaptivePolicy(config PolicyConfig) *AdaptivePolicy {
	return &AdaptivePolicy{
		enableThreshold:  config.EnableThreshold,
		disableThreshold: config.DisableThreshold,
		minObservation:   config.MinObservation,
		defaultK:         config.DefaultK,
		defaultR:         config.DefaultR,
		maxR:             config.MaxR,
		enabled:          false,
		currentK:         config.DefaultK,
		currentR:         config.DefaultR,
		lossRateSamples:  make([]float64, 0, 60), // 60 samples max
		lastStateChange:  time.Now(),
		sampleStartTime:  time.Now(),
	}
}

// Update feeds one observed chunk loss rate sample (percent, e.g. 100
// for a failed dispatch, 0 for a successful one — internal/dispatch's
// FECEscalatorImpl.Observe is the production caller) into the policy,
// adjusting r once enough samples and dwell time have accumulated.
func (ap *AdaptivePolicy) Update(lossRate float64) {
	ap.mu.Lock()
	defer ap.mu.Unlock()

	ap.lossRateSamples = append(ap.lossRateSamples, lossRate)

	// Keep only the last 60 samples.
	if len(ap.lossRateSamples) > 60 {
		ap.lossRateSamples = ap.lossRateSamples[1:]
	}

	avgLoss := ap.calculateAverageLoss()

	timeSinceChange := time.Since(ap.lastStateChange)
	if timeSinceChange < ap.minObservation {
		return // too soon since the last state change to act again
	}

	if !ap.enabled && avgLoss > ap.enableThreshold {
		ap.enabled = true
		ap.currentR = ap.defaultR
		ap.lastStateChange = time.Now()
	} else if ap.enabled && avgLoss < ap.disableThreshold {
		if timeSinceChange >= ap.minObservation*10 { // sustained 5 minutes
			ap.enabled = false
			ap.lastStateChange = time.Now()
		}
	} else if ap.enabled {
		if avgLoss > 5.0 && ap.currentR < ap.maxR {
			ap.currentR = ap.maxR
			ap.lastStateChange = time.Now()
		} else if avgLoss > 3.0 && ap.currentR < ap.defaultR+1 {
			ap.currentR = ap.defaultR + 1
			ap.lastStateChange = time.Now()
		} else if avgLoss < 2.0 && ap.currentR > ap.defaultR {
			ap.currentR = ap.defaultR
			ap.lastStateChange = time.Now()
		}
	}
}

// GetParameters returns whether escalation is currently enabled and the
// redundancy group's current (k, r) shape.
func (ap *AdaptivePolicy) GetParameters() (enabled bool, k, r int) {
	ap.mu.RLock()
	defer ap.mu.RUnlock()
	return ap.enabled, ap.currentK, ap.currentR
}

// GetState returns a snapshot of the policy's current decision.
func (ap *AdaptivePolicy) GetState() PolicyState {
	ap.mu.RLock()
	defer ap.mu.RUnlock()

	return PolicyState{
		Enabled:   ap.enabled,
		K:         ap.currentK,
		R:         ap.currentR,
		LossRate:  ap.calculateAverageLoss(),
		UpdatedAt: time.Now(),
	}
}

// SetEnabled manually forces escalation on or off, bypassing the
// threshold logic (used by NewFECEscalator to keep redundancy active
// from the first escalation rather than waiting for a loss sample).
func (ap *AdaptivePolicy) SetEnabled(enabled bool) {
	ap.mu.Lock()
	defer ap.mu.Unlock()
	ap.enabled = enabled
	ap.lastStateChange = time.Now()
}

// SetParityShards manually pins r, bypassing Update's own adjustment.
func (ap *AdaptivePolicy) SetParityShards(r int) error {
	ap.mu.Lock()
	defer ap.mu.Unlock()

	if r < 1 || r > ap.maxR {
		return ErrInvalidParityShards
	}

	ap.currentR = r
	ap.lastStateChange = time.Now()
	return nil
}

// calculateAverageLoss computes an EMA (alpha=0.3) of the recorded loss
// rate samples, caller must hold ap.mu.
func (ap *AdaptivePolicy) calculateAverageLoss() float64 {
	if len(ap.lossRateSamples) == 0 {
		return 0
	}

	ema := ap.lossRateSamples[0]
	for i := 1; i < len(ap.lossRateSamples); i++ {
		ema = emaAlpha*ap.lossRateSamples[i] + (1-emaAlpha)*ema
	}
	return ema
}

// Reset returns the policy to its disabled, default-r starting state.
func (ap *AdaptivePolicy) Reset() {
	ap.mu.Lock()
	defer ap.mu.Unlock()

	ap.enabled = false
	ap.currentR = ap.defaultR
	ap.lossRateSamples = make([]float64, 0, 60)
	ap.lastStateChange = time.Now()
	ap.sampleStartTime = time.Now()
}

// ErrInvalidParityShards is returned by SetParityShards when r falls
// outside [1, maxR].
var ErrInvalidParityShards = fmt.Errorf("invalid number of parity shards")
