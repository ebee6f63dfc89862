package dispatch

import (
	"testing"
	"time"

	"github.com/qrpswarm/chunkswarm/internal/fec"
	"github.com/qrpswarm/chunkswarm/internal/swarm"
)

const testObjectID = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="

type fakeChunkStore struct {
	chunks map[int][]byte
}

func (f *fakeChunkStore) HasChunk(objectID string, index int) bool {
	_, ok := f.chunks[index]
	return ok
}

func (f *fakeChunkStore) GetChunk(objectID string, index int) ([]byte, error) {
	return f.chunks[index], nil
}

func TestFECEscalatorDispatchesParityShards(t *testing.T) {
	store := &fakeChunkStore{chunks: map[int][]byte{
		0: []byte("aaaa"),
		1: []byte("bbbb"),
	}}
	rf := &fakeRfLane{}
	d := New(rf, nil, DefaultChunkSizePolicy())

	peerFor := func(transferID string, chunkIndex int) (string, Mode, int) {
		return "", ModeRF, chunkIndex
	}
	esc := NewFECEscalator(store, d, peerFor, 2, 1)

	if err := esc.RequestRedundancy("t-1", testObjectID, 0); err != nil {
		t.Fatalf("RequestRedundancy: %v", err)
	}
	if len(rf.sent) != 1 {
		t.Fatalf("expected 1 parity shard dispatched, got %d", len(rf.sent))
	}

	kind, _, body, err := swarm.DecodeFrame(rf.sent[0])
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if kind != swarm.KindParity {
		t.Fatalf("expected KindParity, got %v", kind)
	}
	pm, err := swarm.DecodeParity(body)
	if err != nil {
		t.Fatalf("decode parity body: %v", err)
	}
	if pm.K != 2 || pm.R != 1 || pm.GroupStart != 0 {
		t.Errorf("unexpected parity header: %+v", pm)
	}
}

func TestFECEscalatorObserveGrowsParityShards(t *testing.T) {
	store := &fakeChunkStore{chunks: map[int][]byte{0: []byte("aaaa"), 1: []byte("bbbb")}}
	rf := &fakeRfLane{}
	d := New(rf, nil, DefaultChunkSizePolicy())
	peerFor := func(transferID string, chunkIndex int) (string, Mode, int) {
		return "", ModeRF, chunkIndex
	}
	esc := NewFECEscalator(store, d, peerFor, 2, 1)
	// Swap in a policy with a short dwell time so the test doesn't need to
	// wait out the real 30s minObservation before a state change applies.
	cfg := fec.DefaultPolicyConfig()
	cfg.DefaultK, cfg.DefaultR, cfg.MaxR = 2, 1, 4
	cfg.MinObservation = time.Millisecond
	esc.policy = fec.NewAdaptivePolicy(cfg)
	esc.policy.SetEnabled(true)

	for i := 0; i < 12; i++ {
		esc.Observe(false) // every escalation failing: sustained heavy loss
		time.Sleep(2 * time.Millisecond)
	}

	if err := esc.RequestRedundancy("t-1", testObjectID, 0); err != nil {
		t.Fatalf("RequestRedundancy: %v", err)
	}
	if len(rf.sent) <= 1 {
		t.Fatalf("expected adaptive policy to grow r beyond 1 parity shard, got %d shards", len(rf.sent))
	}
}

func TestFECEscalatorPadsMissingBlockMates(t *testing.T) {
	store := &fakeChunkStore{chunks: map[int][]byte{
		4: []byte("cccc"),
		// chunk 5 missing: should be padded with zeros, not error.
	}}
	rf := &fakeRfLane{}
	d := New(rf, nil, DefaultChunkSizePolicy())
	peerFor := func(transferID string, chunkIndex int) (string, Mode, int) {
		return "", ModeRF, chunkIndex
	}
	esc := NewFECEscalator(store, d, peerFor, 2, 1)

	if err := esc.RequestRedundancy("t-1", testObjectID, 4); err != nil {
		t.Fatalf("RequestRedundancy: %v", err)
	}
	if len(rf.sent) != 1 {
		t.Fatalf("expected 1 parity shard dispatched, got %d", len(rf.sent))
	}
}
