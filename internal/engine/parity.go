package engine

import (
	"fmt"

	"github.com/qrpswarm/chunkswarm/internal/fec"
	"github.com/qrpswarm/chunkswarm/internal/swarm"
)

// parityGroup accumulates the parity shards a peer sends for one
// redundancy group (internal/dispatch.FECEscalatorImpl.RequestRedundancy)
// until either the group is fully reconstructible or the transfer
// finishes and the group is discarded.
type parityGroup struct {
	k, r   int
	parity map[uint32][]byte // shard index (>=k) -> bytes
}

// groupKey identifies a redundancy group by object and starting chunk
// index, matching the sender's (objectID, groupStart) pairing.
func groupKey(objectID string, groupStart int) string {
	return fmt.Sprintf("%s:%d", objectID, groupStart)
}

// handleParity buffers one received parity shard and attempts
// reconstruction of the redundancy group it belongs to (spec.md §4.5's
// FEC escalation path, receive side): once enough of the group's k+r
// shards are known (locally-held data chunks plus received parity), a
// fec.Decoder recovers whatever chunks are still missing and feeds them
// through the same HandleDeliver path an ordinary Deliver would use.
func (e *Engine) handleParity(peerID string, body []byte) {
	m, err := swarm.DecodeParity(body)
	if err != nil {
		e.logger.WithPeer(peerID).Warn("bad parity body")
		return
	}
	objectID := objectIDFromWire(m.ObjectID)
	key := groupKey(objectID, int(m.GroupStart))

	e.parityMu.Lock()
	grp, ok := e.parityGroups[key]
	if !ok {
		grp = &parityGroup{k: int(m.K), r: int(m.R), parity: make(map[uint32][]byte)}
		e.parityGroups[key] = grp
	}
	grp.parity[m.ShardIndex] = m.Bytes
	e.parityMu.Unlock()

	e.tryReconstructGroup(peerID, objectID, int(m.GroupStart), grp)
}

// tryReconstructGroup attempts to recover missing chunks in one
// redundancy group now that a new parity shard has arrived. It is a
// no-op (not an error) if too few shards are available yet.
func (e *Engine) tryReconstructGroup(peerID, objectID string, groupStart int, grp *parityGroup) {
	e.mu.RLock()
	t, ok := e.byObject[objectID]
	e.mu.RUnlock()
	if !ok {
		return
	}
	manifest, err := e.chunks.Manifest(objectID)
	if err != nil {
		return
	}

	k, r := grp.k, grp.r
	shards := make([][]byte, k+r)
	shardLen := 0
	missingData := make([]int, 0, k)
	var padding []int
	for i := 0; i < k; i++ {
		idx := groupStart + i
		if idx >= len(manifest.Chunks) {
			padding = append(padding, i) // group runs past the object's last chunk: short last group
			continue
		}
		if e.chunks.HasChunk(objectID, idx) {
			data, err := e.chunks.GetChunk(objectID, idx)
			if err != nil {
				continue
			}
			shards[i] = data
			if len(data) > shardLen {
				shardLen = len(data)
			}
		} else {
			missingData = append(missingData, idx)
		}
	}
	if len(missingData) == 0 {
		// Nothing to recover; drop the buffered shards for this group.
		e.parityMu.Lock()
		delete(e.parityGroups, groupKey(objectID, groupStart))
		e.parityMu.Unlock()
		return
	}

	e.parityMu.RLock()
	for idx, shard := range grp.parity {
		if int(idx) < len(shards) {
			shards[idx] = shard
		}
		if len(shard) > shardLen {
			shardLen = len(shard)
		}
	}
	e.parityMu.RUnlock()

	// Positions past the object's end are the sender's zero padding, not
	// missing data; everything still nil is left for the decoder to fill.
	for _, i := range padding {
		shards[i] = make([]byte, shardLen)
	}
	missing := 0
	for _, s := range shards {
		if s == nil {
			missing++
		}
	}
	if missing > r {
		return // not enough shards yet to reconstruct
	}

	dec, err := fec.NewDecoder(k, r)
	if err != nil {
		return
	}
	if err := dec.Reconstruct(shards); err != nil {
		e.logger.WithPeer(peerID).Warn("parity reconstruction failed")
		return
	}

	for _, idx := range missingData {
		i := idx - groupStart
		chunkLen := manifest.Chunks[idx].Length
		if chunkLen > len(shards[i]) {
			continue
		}
		recovered := shards[i][:chunkLen]
		res, err := e.reasm.HandleDeliver(t, peerID, objectID, idx, recovered)
		if err != nil || !res.Accepted {
			continue
		}
		e.mtx.RecordChunkReceived(chunkLen)
		if res.SealedRoot != nil {
			snap := t.Snapshot()
			e.mtx.RecordTransferComplete(true, snap.CompletedAt.Sub(snap.StartedAt).Seconds())
			e.logger.TransferCompleted(t.ID(), snap.ObjectSize, len(manifest.Chunks), snap.CompletedAt.Sub(snap.StartedAt), snap.ThroughputBytesPerSec, true)
			e.pub.Completed(t.ID(), objectID, res.SealedRoot)
			e.sched.Unregister(t.ID())
			e.chunks.Unpin(objectID)
		}
	}

	e.parityMu.Lock()
	delete(e.parityGroups, groupKey(objectID, groupStart))
	e.parityMu.Unlock()
}
