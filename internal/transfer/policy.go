package transfer

import "time"

// RetryPolicy is spec.md §3's RetryPolicy entity.
type RetryPolicy struct {
	MaxAttempts       int
	BaseBackoff       time.Duration
	Exponential       bool
	Jitter            time.Duration
	PerAttemptTimeout time.Duration
	FinalAction       FinalAction
}

// FinalAction is what happens once a chunk exhausts max_attempts.
type FinalAction int

const (
	FinalActionAbandon FinalAction = iota
	FinalActionEscalateFEC
	FinalActionReassignTransport
)

// DefaultRetryPolicy matches the defaults spec.md names throughout §4.5.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       5,
		BaseBackoff:       500 * time.Millisecond,
		Exponential:       true,
		Jitter:            250 * time.Millisecond,
		PerAttemptTimeout: 30 * time.Second,
		FinalAction:       FinalActionEscalateFEC,
	}
}

// FECConfig is the per-transfer FEC knob set (spec.md §6 control plane
// keys fec.enabled / fec.redundancy).
type FECConfig struct {
	Enabled    bool
	Redundancy float64 // in [0,1]
}

// DefaultFECConfig enables FEC with a conservative redundancy ratio.
func DefaultFECConfig() FECConfig {
	return FECConfig{Enabled: true, Redundancy: 0.25}
}
