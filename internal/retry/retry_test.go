package retry

import (
	"testing"
	"time"

	"github.com/qrpswarm/chunkswarm/internal/transfer"
)

type stubEscalator struct {
	called bool
	err    error
}

func (s *stubEscalator) RequestRedundancy(transferID, objectID string, chunkIndex int) error {
	s.called = true
	return s.err
}

func newReadyTransfer(chunks int) *transfer.Transfer {
	tr := transfer.New("t", "obj", chunks, 512, int64(chunks*512), transfer.DirectionDownload, transfer.PriorityNormal, transfer.ModeRF)
	_ = tr.TransitionTo(transfer.StatusScheduled, "")
	_ = tr.TransitionTo(transfer.StatusInitializing, "")
	_ = tr.TransitionTo(transfer.StatusTransmitting, "")
	return tr
}

func TestHandleSuccessAcknowledges(t *testing.T) {
	e := New()
	tr := newReadyTransfer(2)
	_ = tr.RecordAttempt(0)
	if err := e.HandleSuccess(tr, 0, 512); err != nil {
		t.Fatalf("HandleSuccess: %v", err)
	}
	rec, _ := tr.Chunk(0)
	if rec.State != transfer.ChunkAcknowledged {
		t.Fatalf("expected Acknowledged, got %v", rec.State)
	}
}

func TestHandleFailureSchedulesRetryWithinAttemptBudget(t *testing.T) {
	e := New()
	tr := newReadyTransfer(2)
	_ = tr.RecordAttempt(0)
	if err := e.HandleFailure(tr, "obj", 0, transfer.ErrorTransient, nil); err != nil {
		t.Fatalf("HandleFailure: %v", err)
	}
	rec, _ := tr.Chunk(0)
	if rec.State != transfer.ChunkFailed {
		t.Fatalf("expected Failed (requeueable), got %v", rec.State)
	}
	if !rec.NextEligibleAt.After(time.Now()) {
		t.Fatal("expected NextEligibleAt set in the future")
	}
}

func TestHandleFailureEscalatesToFECAtMaxAttempts(t *testing.T) {
	e := New()
	tr := newReadyTransfer(2)
	tr.SetRetryPolicy(transfer.RetryPolicy{MaxAttempts: 1, BaseBackoff: time.Millisecond, FinalAction: transfer.FinalActionEscalateFEC})
	tr.SetFECConfig(transfer.FECConfig{Enabled: true, Redundancy: 0.25})
	_ = tr.RecordAttempt(0)

	esc := &stubEscalator{}
	if err := e.HandleFailure(tr, "obj", 0, transfer.ErrorTransient, esc); err != nil {
		t.Fatalf("HandleFailure: %v", err)
	}
	if !esc.called {
		t.Fatal("expected FEC escalation to be requested")
	}
	rec, _ := tr.Chunk(0)
	if rec.Attempts != 0 || rec.State != transfer.ChunkPending {
		t.Fatalf("expected attempts reset and chunk pending again, got %+v", rec)
	}
}

func TestHandleFailureAbandonsOnSecondExhaustionAfterFECEscalation(t *testing.T) {
	e := New()
	tr := newReadyTransfer(2)
	tr.SetRetryPolicy(transfer.RetryPolicy{MaxAttempts: 1, BaseBackoff: time.Millisecond, FinalAction: transfer.FinalActionEscalateFEC})
	tr.SetFECConfig(transfer.FECConfig{Enabled: true, Redundancy: 0.25})
	_ = tr.RecordAttempt(0)

	esc := &stubEscalator{}
	if err := e.HandleFailure(tr, "obj", 0, transfer.ErrorTransient, esc); err != nil {
		t.Fatalf("first HandleFailure: %v", err)
	}
	if !esc.called {
		t.Fatal("expected first exhaustion to escalate to FEC")
	}
	rec, _ := tr.Chunk(0)
	if !rec.FECEscalated {
		t.Fatal("expected FECEscalated set after first escalation")
	}

	// Drive one more failed attempt on the same chunk: the attempt after
	// the reset is its last, and its failure abandons the chunk.
	esc.called = false
	_ = tr.RecordAttempt(0)
	if err := e.HandleFailure(tr, "obj", 0, transfer.ErrorTransient, esc); err != nil {
		t.Fatalf("second HandleFailure: %v", err)
	}
	if esc.called {
		t.Fatal("expected no second FEC escalation for an already-escalated chunk")
	}
	rec, _ = tr.Chunk(0)
	if rec.State != transfer.ChunkAbandoned {
		t.Fatalf("expected chunk Abandoned after a second exhaustion, got %v (bounds attempts at max_attempts + 1)", rec.State)
	}
}

func TestHandleFailureAbandonsWhenFECUnavailable(t *testing.T) {
	e := New()
	tr := newReadyTransfer(2)
	tr.SetRetryPolicy(transfer.RetryPolicy{MaxAttempts: 1, BaseBackoff: time.Millisecond})
	tr.SetFECConfig(transfer.FECConfig{Enabled: false})
	_ = tr.RecordAttempt(0)

	if err := e.HandleFailure(tr, "obj", 0, transfer.ErrorTransient, nil); err != nil {
		t.Fatalf("HandleFailure: %v", err)
	}
	rec, _ := tr.Chunk(0)
	if rec.State != transfer.ChunkAbandoned {
		t.Fatalf("expected Abandoned, got %v", rec.State)
	}
}

func TestTransferFailsWhenAbandonThresholdExceeded(t *testing.T) {
	e := New()
	tr := newReadyTransfer(4) // abandoning 1/4 = 25% > default 10% threshold
	tr.SetRetryPolicy(transfer.RetryPolicy{MaxAttempts: 1, BaseBackoff: time.Millisecond})
	tr.SetFECConfig(transfer.FECConfig{Enabled: false})
	_ = tr.RecordAttempt(0)

	if err := e.HandleFailure(tr, "obj", 0, transfer.ErrorTransient, nil); err != nil {
		t.Fatalf("HandleFailure: %v", err)
	}
	if tr.Status() != transfer.StatusFailed {
		t.Fatalf("expected transfer Failed once abandon_threshold exceeded, got %v", tr.Status())
	}
}

func TestBackoffCapsAtMaxBackoff(t *testing.T) {
	e := New()
	policy := transfer.RetryPolicy{MaxAttempts: 20, BaseBackoff: time.Second, Exponential: true, Jitter: 0}
	d := e.backoffFor(policy, 10) // 2^9 seconds would vastly exceed the cap
	if d > DefaultMaxBackoff {
		t.Fatalf("expected backoff capped at %v, got %v", DefaultMaxBackoff, d)
	}
}

func TestPerAttemptTimeoutUsesSafetyFactor(t *testing.T) {
	policy := transfer.RetryPolicy{PerAttemptTimeout: time.Second}
	d := PerAttemptTimeout(policy, 2*time.Second, 500*time.Millisecond)
	if d < 3*time.Second {
		t.Fatalf("expected timeout to account for estimated duration + RTT safety factor, got %v", d)
	}
}
