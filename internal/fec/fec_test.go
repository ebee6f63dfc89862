package fec

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRecoversLostChunks(t *testing.T) {
	k, r := 8, 2
	group := make([][]byte, k)

	for i := range group {
		group[i] = make([]byte, 1024)
		for j := range group[i] {
			group[i][j] = byte(i)
		}
	}

	encoder, err := NewEncoder(k, r)
	if err != nil {
		t.Fatalf("new encoder: %v", err)
	}

	parity, err := encoder.Encode(group)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(parity) != r {
		t.Fatalf("expected %d parity shards, got %d", r, len(parity))
	}

	allShards := make([][]byte, k+r)
	copy(allShards[:k], group)
	copy(allShards[k:], parity)

	// Lose chunk shards 3 and 7.
	allShards[3] = nil
	allShards[7] = nil

	decoder, err := NewDecoder(k, r)
	if err != nil {
		t.Fatalf("new decoder: %v", err)
	}
	if err := decoder.Reconstruct(allShards); err != nil {
		t.Fatalf("reconstruct: %v", err)
	}

	if !bytes.Equal(allShards[3], group[3]) {
		t.Error("reconstructed chunk shard 3 does not match original")
	}
	if !bytes.Equal(allShards[7], group[7]) {
		t.Error("reconstructed chunk shard 7 does not match original")
	}
}

func TestReconstructFailsWhenMoreThanRShardsMissing(t *testing.T) {
	k, r := 8, 2
	group := make([][]byte, k)
	for i := range group {
		group[i] = make([]byte, 1024)
	}

	encoder, _ := NewEncoder(k, r)
	parity, _ := encoder.Encode(group)

	allShards := make([][]byte, k+r)
	copy(allShards[:k], group)
	copy(allShards[k:], parity)

	// 3 shards missing, more than r=2 can recover.
	allShards[1] = nil
	allShards[3] = nil
	allShards[7] = nil

	decoder, _ := NewDecoder(k, r)
	if err := decoder.Reconstruct(allShards); err == nil {
		t.Error("expected error when too many chunk shards are lost")
	}
}

func TestReconstructNoopWhenNothingMissing(t *testing.T) {
	k, r := 8, 2
	group := make([][]byte, k)
	for i := range group {
		group[i] = make([]byte, 1024)
	}

	encoder, _ := NewEncoder(k, r)
	parity, _ := encoder.Encode(group)

	allShards := make([][]byte, k+r)
	copy(allShards[:k], group)
	copy(allShards[k:], parity)

	decoder, _ := NewDecoder(k, r)
	if err := decoder.Reconstruct(allShards); err != nil {
		t.Errorf("reconstruct should succeed with no missing shards: %v", err)
	}
}

func TestNewEncoderRejectsOutOfRangeShapes(t *testing.T) {
	if _, err := NewEncoder(0, 2); err == nil {
		t.Error("expected error for k=0")
	}
	if _, err := NewEncoder(300, 2); err == nil {
		t.Error("expected error for k=300")
	}
	if _, err := NewEncoder(8, 0); err == nil {
		t.Error("expected error for r=0")
	}
	if _, err := NewEncoder(8, 300); err == nil {
		t.Error("expected error for r=300")
	}
}

func TestEncodeRejectsMismatchedGroupSize(t *testing.T) {
	encoder, err := NewEncoder(8, 2)
	if err != nil {
		t.Fatalf("new encoder: %v", err)
	}
	if _, err := encoder.Encode(make([][]byte, 4)); err == nil {
		t.Error("expected error for a redundancy group shorter than k")
	}
}
