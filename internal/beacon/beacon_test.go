package beacon

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestMonitor(t *testing.T) *Monitor {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "beacon.db")
	m, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestObservePersistsAndDerivesMetrics(t *testing.T) {
	m := newTestMonitor(t)
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		p := Path{Origin: "K1ABC", Target: "W2XYZ", HopCount: 2, SignalStrength: 0.8, LastHeard: now.Add(time.Duration(i) * time.Minute), Band: "20m", FrequencyHz: 14070000}
		if err := m.Observe(p); err != nil {
			t.Fatalf("Observe: %v", err)
		}
	}

	metrics, err := m.PathMetrics("K1ABC", "W2XYZ")
	if err != nil {
		t.Fatalf("PathMetrics: %v", err)
	}
	if metrics.Observations != 5 {
		t.Fatalf("expected 5 observations, got %d", metrics.Observations)
	}
	if metrics.AverageSignal <= 0 {
		t.Fatalf("expected positive average signal, got %f", metrics.AverageSignal)
	}
	if metrics.DayNightPattern[10] != 5 {
		t.Fatalf("expected 5 observations logged at hour 10, got %d", metrics.DayNightPattern[10])
	}
}

func TestReliabilityDropsOnWeakeningSignal(t *testing.T) {
	m := newTestMonitor(t)
	now := time.Now()

	for i := 0; i < 10; i++ {
		_ = m.Observe(Path{Origin: "A", Target: "B", HopCount: 1, SignalStrength: 0.9, LastHeard: now})
	}
	strong, _ := m.PathMetrics("A", "B")

	for i := 0; i < 10; i++ {
		_ = m.Observe(Path{Origin: "A", Target: "B", HopCount: 1, SignalStrength: 0.1, LastHeard: now})
	}
	weak, _ := m.PathMetrics("A", "B")

	if weak.Reliability >= strong.Reliability {
		t.Fatalf("expected reliability to drop after weak signal run: strong=%f weak=%f", strong.Reliability, weak.Reliability)
	}
}

func TestPathMetricsUnknownPath(t *testing.T) {
	m := newTestMonitor(t)
	if _, err := m.PathMetrics("nope", "nowhere"); err != ErrPathUnknown {
		t.Fatalf("expected ErrPathUnknown, got %v", err)
	}
}

func TestReachabilityMatrixIncludesAllKnownPaths(t *testing.T) {
	m := newTestMonitor(t)
	now := time.Now()
	_ = m.Observe(Path{Origin: "A", Target: "B", SignalStrength: 0.5, LastHeard: now})
	_ = m.Observe(Path{Origin: "C", Target: "D", SignalStrength: 0.7, LastHeard: now})

	matrix := m.ReachabilityMatrix()
	if len(matrix) != 2 {
		t.Fatalf("expected 2 paths in matrix, got %d", len(matrix))
	}
	if _, ok := matrix["A->B"]; !ok {
		t.Fatal("expected A->B in reachability matrix")
	}
}

func TestMonitorReloadsObservationsFromDisk(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "beacon.db")
	m1, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	now := time.Now()
	for i := 0; i < 3; i++ {
		_ = m1.Observe(Path{Origin: "A", Target: "B", SignalStrength: 0.6, LastHeard: now})
	}
	m1.Close()

	m2, err := Open(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer m2.Close()
	metrics, err := m2.PathMetrics("A", "B")
	if err != nil {
		t.Fatalf("PathMetrics after reload: %v", err)
	}
	if metrics.Observations != 3 {
		t.Fatalf("expected 3 observations reloaded from disk, got %d", metrics.Observations)
	}
}
