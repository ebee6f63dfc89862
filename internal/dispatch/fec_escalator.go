package dispatch

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/qrpswarm/chunkswarm/internal/fec"
	"github.com/qrpswarm/chunkswarm/internal/swarm"
)

// ChunkStore is the subset of chunkstore.Store the escalator needs to
// read already-acknowledged sibling chunks when building a parity block.
type ChunkStore interface {
	GetChunk(objectID string, index int) ([]byte, error)
	HasChunk(objectID string, index int) bool
}

// PeerForChunk resolves which peer (if any) currently owns redundancy
// duty for a given transfer/chunk, so the escalator knows where to aim
// the parity shard it produces. Returns "" for pure-RF broadcast.
type PeerForChunk func(transferID string, chunkIndex int) (peer string, mode Mode, subcarrierID int)

// FECEscalatorImpl wires internal/fec's Reed-Solomon Encoder into
// retry.FECEscalator (spec.md §4.5: "on exhausting retries with FEC
// enabled, request one additional redundancy block rather than
// abandoning the chunk"). It groups the chunk being escalated with its
// k-1 block-mates, encodes parity shards, and dispatches them as
// swarm.KindParity frames through the same Dispatcher used for ordinary
// chunk delivery, so the receiving reassembler's fec.Decoder can parse
// them back off the wire exactly like any other frame kind.
//
// The number of parity shards per group is not fixed: an
// fec.AdaptivePolicy tracks the dispatch success/failure rate this
// station has been observing (Observe) and grows r toward maxR under
// sustained loss, shrinking it back down once conditions recover. k (the
// group size) stays fixed — nothing on the decode side renegotiates it
// mid-group.
type FECEscalatorImpl struct {
	store      ChunkStore
	dispatcher *Dispatcher
	peerFor    PeerForChunk
	k, r       int
	policy     *fec.AdaptivePolicy
}

// NewFECEscalator builds a FECEscalatorImpl with k data shards and a
// starting r parity shards per redundancy group (spec.md §6's
// fec.redundancy control plane key determines the initial r; the
// adaptive policy may grow it from there).
func NewFECEscalator(store ChunkStore, dispatcher *Dispatcher, peerFor PeerForChunk, k, r int) *FECEscalatorImpl {
	cfg := fec.DefaultPolicyConfig()
	cfg.DefaultK, cfg.DefaultR = k, r
	cfg.MaxR = r * 2
	if cfg.MaxR < r+2 {
		cfg.MaxR = r + 2
	}
	policy := fec.NewAdaptivePolicy(cfg)
	policy.SetEnabled(true)
	return &FECEscalatorImpl{store: store, dispatcher: dispatcher, peerFor: peerFor, k: k, r: r, policy: policy}
}

// Observe feeds one dispatch outcome into the adaptive policy: a
// successful send reports 0% loss, a failed one reports 100%, the same
// convention internal/engine's beacon observations use.
// Called by internal/engine's recordBeaconPath alongside the beacon
// reliability update, so FEC redundancy and transport choice react to
// the same degrading path at the same time.
func (f *FECEscalatorImpl) Observe(success bool) {
	loss := 0.0
	if !success {
		loss = 100.0
	}
	f.policy.Update(loss)
}

// RequestRedundancy implements retry.FECEscalator. It builds a shard
// group anchored at chunkIndex, encodes parity shards at the policy's
// current r, and transmits each as its own swarm.KindParity frame; the
// receiving reassembler uses fec.Decoder to recover the original chunk
// if it never arrives directly.
func (f *FECEscalatorImpl) RequestRedundancy(transferID, objectID string, chunkIndex int) error {
	groupStart := (chunkIndex / f.k) * f.k
	shards := make([][]byte, f.k)
	shardSize := 0
	for i := 0; i < f.k; i++ {
		idx := groupStart + i
		if !f.store.HasChunk(objectID, idx) {
			// Block-mate not yet available locally: pad with a zero shard.
			// The decoder side tolerates up to r missing/zero shards.
			continue
		}
		data, err := f.store.GetChunk(objectID, idx)
		if err != nil {
			return fmt.Errorf("fec escalation: read chunk %d: %w", idx, err)
		}
		shards[i] = data
		if len(data) > shardSize {
			shardSize = len(data)
		}
	}
	for i, s := range shards {
		if s == nil {
			shards[i] = make([]byte, shardSize)
		}
	}

	r := f.r
	if enabled, _, dynR := f.policy.GetParameters(); enabled && dynR > 0 {
		r = dynR
	}

	enc, err := fec.NewEncoder(f.k, r)
	if err != nil {
		return fmt.Errorf("fec escalation: new encoder: %w", err)
	}
	parity, err := enc.Encode(shards)
	if err != nil {
		return fmt.Errorf("fec escalation: encode: %w", err)
	}

	objIDRaw, err := base64.StdEncoding.DecodeString(objectID)
	if err != nil {
		return fmt.Errorf("fec escalation: decode object id: %w", err)
	}
	wireID, err := swarm.ObjectIDBytes(objIDRaw)
	if err != nil {
		return fmt.Errorf("fec escalation: object id: %w", err)
	}

	peer, mode, subcarrierID := f.peerFor(transferID, chunkIndex)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	deadline := time.Now().Add(30 * time.Second)
	for i, shard := range parity {
		frame := swarm.EncodeFrame(swarm.KindParity, 0, swarm.EncodeParity(swarm.ParityMessage{
			ObjectID:   wireID,
			GroupStart: uint32(groupStart),
			ShardIndex: uint32(f.k + i),
			K:          uint8(f.k),
			R:          uint8(r),
			Bytes:      shard,
		}))
		if _, err := f.dispatcher.Dispatch(ctx, mode, subcarrierID, peer, frame, deadline); err != nil {
			return fmt.Errorf("fec escalation: dispatch parity: %w", err)
		}
	}
	return nil
}
