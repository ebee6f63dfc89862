// Package retry implements spec.md §4.5, the RetryEngine: allocation
// outcome handling, exponential backoff with jitter, FEC escalation, and
// abandonment/dead-letter bookkeeping. Grounded on the teacher's
// fec.AdaptivePolicy (EMA loss tracking gates a state change the same way
// this engine gates a backoff/escalation decision) and
// service.DTNWorker's ticker-driven requeue loop.
package retry

import (
	"math"
	"math/rand"
	"time"

	"github.com/qrpswarm/chunkswarm/internal/transfer"
)

// FECEscalator requests a redundancy packet transmission for one logical
// block once ordinary retries for a chunk are exhausted (spec.md §4.5:
// "request the allocator to transmit a redundancy packet on the next
// slot"). Implemented by internal/dispatch.
type FECEscalator interface {
	RequestRedundancy(transferID, objectID string, chunkIndex int) error
}

// Engine is the RetryEngine of spec.md §4.5.
type Engine struct {
	abandonThreshold float64
	maxBackoff       time.Duration
	rng              *rand.Rand
}

// DefaultAbandonThreshold and DefaultMaxBackoff match spec.md §4.5's
// stated defaults (10% abandoned chunks fails a transfer; backoff caps at
// 60s).
const (
	DefaultAbandonThreshold = 0.10
	DefaultMaxBackoff       = 60 * time.Second
)

// New builds a RetryEngine with spec.md's default thresholds.
func New() *Engine {
	return &Engine{
		abandonThreshold: DefaultAbandonThreshold,
		maxBackoff:       DefaultMaxBackoff,
		rng:              rand.New(rand.NewSource(1)),
	}
}

// HandleSuccess acknowledges a chunk delivered and verified within its
// timeout (spec.md §4.5: "mark chunk Acknowledged"). Lane release is the
// scheduler's concern (Reclaim), triggered by the caller after this
// returns.
func (e *Engine) HandleSuccess(t *transfer.Transfer, chunkIndex, length int) error {
	return t.AcknowledgeChunk(chunkIndex, length)
}

// HandleFailure processes one failed allocation outcome: increments have
// already happened via Transfer.RecordAttempt at dispatch time, so this
// reads the post-attempt counters, then backs off, escalates to FEC, or
// abandons per spec.md §4.5. objectID and fec may be used for the
// escalation path; fec may be nil if FEC is disabled for this transfer.
func (e *Engine) HandleFailure(t *transfer.Transfer, objectID string, chunkIndex int, kind transfer.ErrorKind, fec FECEscalator) error {
	rec, err := t.Chunk(chunkIndex)
	if err != nil {
		return err
	}
	policy := t.RetryPolicy()
	fecCfg := t.FECConfig()

	// A chunk already escalated to FEC has had its one extra attempt: a
	// failure after the reset abandons it, so no chunk is attempted more
	// than max_attempts + 1 times.
	if rec.Attempts < policy.MaxAttempts && !rec.FECEscalated {
		backoff := e.backoffFor(policy, rec.Attempts)
		return t.ScheduleRetry(chunkIndex, kind, time.Now().Add(backoff))
	}

	if fecCfg.Enabled && fecCfg.Redundancy > 0 && fec != nil && !rec.FECEscalated {
		if err := fec.RequestRedundancy(t.ID(), objectID, chunkIndex); err == nil {
			if err := t.MarkFECEscalated(chunkIndex); err != nil {
				return err
			}
			return t.ResetAttempts(chunkIndex)
		}
	}

	if err := t.AbandonChunk(chunkIndex); err != nil {
		return err
	}
	if t.AbandonedFraction() > e.abandonThreshold {
		return t.TransitionTo(transfer.StatusFailed, "abandon_threshold exceeded")
	}
	return nil
}

// backoffFor computes base * 2^(attempts-1) + U(0, jitter), capped at
// maxBackoff, matching spec.md §4.5's formula exactly.
func (e *Engine) backoffFor(policy transfer.RetryPolicy, attempts int) time.Duration {
	base := policy.BaseBackoff
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	var backoff time.Duration
	if policy.Exponential {
		factor := math.Pow(2, float64(attempts-1))
		backoff = time.Duration(float64(base) * factor)
	} else {
		backoff = base
	}
	if policy.Jitter > 0 {
		backoff += time.Duration(e.rng.Int63n(int64(policy.Jitter)))
	}
	cap := e.maxBackoff
	if cap <= 0 {
		cap = DefaultMaxBackoff
	}
	if backoff > cap {
		backoff = cap
	}
	return backoff
}

// PerAttemptTimeout derives an attempt's deadline from its retry policy
// and an estimated transmission duration plus a path-RTT safety factor
// (spec.md §4.5: "computed from the estimated duration plus a safety
// factor based on path RTT").
func PerAttemptTimeout(policy transfer.RetryPolicy, estimatedDuration, pathRTT time.Duration) time.Duration {
	base := policy.PerAttemptTimeout
	if base <= 0 {
		base = 30 * time.Second
	}
	safety := pathRTT * 4
	total := estimatedDuration + safety
	if total > base {
		return total
	}
	return base
}
