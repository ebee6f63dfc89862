package scheduler

import (
	"testing"

	"github.com/qrpswarm/chunkswarm/internal/subcarrier"
	"github.com/qrpswarm/chunkswarm/internal/transfer"
)

type fixedRarity map[string]int

func (f fixedRarity) SeederCount(objectID string, chunkIndex int) int {
	return f[objectID]
}

func newTransmitting(id, objectID string, chunks int, prio transfer.Priority) *transfer.Transfer {
	tr := transfer.New(id, objectID, chunks, 512, int64(chunks*512), transfer.DirectionDownload, prio, transfer.ModeRF)
	_ = tr.TransitionTo(transfer.StatusScheduled, "")
	_ = tr.TransitionTo(transfer.StatusInitializing, "")
	_ = tr.TransitionTo(transfer.StatusTransmitting, "")
	return tr
}

func TestTickAssignsHighestPriorityFirst(t *testing.T) {
	lanes := subcarrier.NewTable(10, 2)
	s := New(Config{MaxLanesPerTransfer: 10}, lanes, fixedRarity{})

	low := newTransmitting("low", "obj-low", 4, transfer.PriorityLow)
	high := newTransmitting("high", "obj-high", 4, transfer.PriorityEmergency)
	s.Register(low, "obj-low")
	s.Register(high, "obj-high")

	allocs := s.Tick()
	if len(allocs) == 0 {
		t.Fatal("expected at least one allocation")
	}
	if allocs[0].TransferID != "high" {
		t.Fatalf("expected emergency-priority transfer scheduled first, got %s", allocs[0].TransferID)
	}
}

func TestTickNeverBindsPilotLanes(t *testing.T) {
	lanes := subcarrier.NewTable(6, 4) // only 2 data lanes
	s := New(Config{MaxLanesPerTransfer: 10}, lanes, fixedRarity{})
	tr := newTransmitting("t", "obj", 8, transfer.PriorityNormal)
	s.Register(tr, "obj")

	allocs := s.Tick()
	if len(allocs) != 2 {
		t.Fatalf("expected exactly 2 allocations (2 data lanes), got %d", len(allocs))
	}
	for _, a := range allocs {
		if a.LaneID < 4 {
			t.Fatalf("allocation bound a pilot lane: %d", a.LaneID)
		}
	}
}

func TestTickRarestFirstTieBreaksOnLowestIndex(t *testing.T) {
	lanes := subcarrier.NewTable(4, 0) // all 4 lanes free data lanes
	rarity := fixedRarity{"obj": 5}
	s := New(Config{MaxLanesPerTransfer: 10}, lanes, rarity)
	tr := newTransmitting("t", "obj", 2, transfer.PriorityNormal)
	s.Register(tr, "obj")

	allocs := s.Tick()
	if len(allocs) != 2 {
		t.Fatalf("expected 2 allocations, got %d", len(allocs))
	}
	// With equal rarity, lowest chunk index should win a free lane first.
	if allocs[0].ChunkIndex != 0 {
		t.Fatalf("expected chunk 0 assigned first under tie, got %d", allocs[0].ChunkIndex)
	}
}

func TestFairnessCapLimitsSingleTransfer(t *testing.T) {
	lanes := subcarrier.NewTable(10, 0) // 10 free data lanes
	s := New(Config{MaxLanesPerTransfer: 2}, lanes, fixedRarity{})

	hog := newTransmitting("hog", "obj-hog", 10, transfer.PriorityNormal)
	other := newTransmitting("other", "obj-other", 10, transfer.PriorityNormal)
	s.Register(hog, "obj-hog")
	s.Register(other, "obj-other")

	allocs := s.Tick()
	hogCount := 0
	for _, a := range allocs {
		if a.TransferID == "hog" {
			hogCount++
		}
	}
	if hogCount > 2 {
		t.Fatalf("expected fairness cap to limit hog to 2 lanes, got %d", hogCount)
	}
}

func TestReclaimFreesLaneForNextTick(t *testing.T) {
	lanes := subcarrier.NewTable(2, 0)
	s := New(Config{MaxLanesPerTransfer: 10}, lanes, fixedRarity{})
	tr := newTransmitting("t", "obj", 1, transfer.PriorityNormal)
	s.Register(tr, "obj")

	allocs := s.Tick()
	if len(allocs) != 1 {
		t.Fatalf("expected 1 allocation, got %d", len(allocs))
	}
	laneID := allocs[0].LaneID
	if err := s.Reclaim(laneID, subcarrier.OutcomeCompleted); err != nil {
		t.Fatalf("Reclaim: %v", err)
	}
	bound, _ := lanes.IsBound(laneID)
	if bound {
		t.Fatal("expected lane to be unbound after Reclaim")
	}
}

func TestTickIgnoresNonTransmittingTransfers(t *testing.T) {
	lanes := subcarrier.NewTable(4, 0)
	s := New(Config{MaxLanesPerTransfer: 10}, lanes, fixedRarity{})
	tr := transfer.New("queued", "obj", 2, 512, 1024, transfer.DirectionDownload, transfer.PriorityHigh, transfer.ModeRF)
	s.Register(tr, "obj")

	allocs := s.Tick()
	if len(allocs) != 0 {
		t.Fatalf("expected no allocations for a transfer still Queued, got %d", len(allocs))
	}
}
