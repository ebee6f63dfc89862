package fec

import (
	"testing"
	"time"
)

func TestAdaptivePolicyEnablesOnSustainedLoss(t *testing.T) {
	config := DefaultPolicyConfig()
	config.MinObservation = 100 * time.Millisecond // short for testing
	policy := NewAdaptivePolicy(config)

	for i := 0; i < 10; i++ {
		policy.Update(2.0) // 2% chunk loss
	}

	time.Sleep(150 * time.Millisecond)
	policy.Update(2.0) // trigger the state check now minObservation has elapsed

	enabled, k, r := policy.GetParameters()
	if !enabled {
		t.Error("policy should enable redundancy at 2% loss")
	}
	if k != 8 {
		t.Errorf("expected k=8, got k=%d", k)
	}
	if r != 2 {
		t.Errorf("expected r=2, got r=%d", r)
	}
}

func TestAdaptivePolicyDisablesAfterSustainedRecovery(t *testing.T) {
	config := DefaultPolicyConfig()
	config.MinObservation = 50 * time.Millisecond
	policy := NewAdaptivePolicy(config)
	policy.SetEnabled(true)

	for i := 0; i < 10; i++ {
		policy.Update(0.1) // 0.1% loss
	}

	time.Sleep(550 * time.Millisecond) // longer than minObservation*10
	policy.Update(0.1)

	enabled, _, _ := policy.GetParameters()
	if enabled {
		t.Error("policy should disable redundancy once loss stays low")
	}
}

func TestAdaptivePolicyGrowsParityShardsUnderHeavyLoss(t *testing.T) {
	config := DefaultPolicyConfig()
	config.MinObservation = 50 * time.Millisecond
	policy := NewAdaptivePolicy(config)
	policy.SetEnabled(true)

	for i := 0; i < 10; i++ {
		policy.Update(6.0) // 6% loss
	}

	time.Sleep(100 * time.Millisecond)
	policy.Update(6.0)

	_, _, r := policy.GetParameters()
	if r < 3 {
		t.Errorf("expected r >= 3 under heavy loss, got r=%d", r)
	}
}

func TestAdaptivePolicyManualOverride(t *testing.T) {
	policy := NewAdaptivePolicy(DefaultPolicyConfig())

	policy.SetEnabled(true)
	enabled, _, _ := policy.GetParameters()
	if !enabled {
		t.Error("manual enable did not take effect")
	}

	if err := policy.SetParityShards(3); err != nil {
		t.Fatalf("SetParityShards: %v", err)
	}

	_, _, r := policy.GetParameters()
	if r != 3 {
		t.Errorf("expected r=3, got r=%d", r)
	}
}

func TestAdaptivePolicyGetState(t *testing.T) {
	policy := NewAdaptivePolicy(DefaultPolicyConfig())

	state := policy.GetState()
	if state.Enabled {
		t.Error("policy should start disabled")
	}
	if state.K != 8 {
		t.Errorf("expected K=8, got K=%d", state.K)
	}
}

func TestAdaptivePolicyReset(t *testing.T) {
	policy := NewAdaptivePolicy(DefaultPolicyConfig())

	policy.SetEnabled(true)
	_ = policy.SetParityShards(4)
	for i := 0; i < 10; i++ {
		policy.Update(5.0)
	}

	policy.Reset()

	state := policy.GetState()
	if state.Enabled {
		t.Error("policy should be disabled after reset")
	}
	if state.R != 2 {
		t.Errorf("expected R=2 after reset, got R=%d", state.R)
	}
}
