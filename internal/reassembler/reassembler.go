// Package reassembler implements spec.md §4.8, the Reassembler: it
// takes delivered chunk bytes off the wire, verifies them against the
// object's manifest, commits good chunks to storage, advances transfer
// state, and triggers seal_object once every chunk has landed.
// Grounded on the teacher's transport.ZeroLossVerifier (receiver_verifier.go)
// for the missing/complete bookkeeping shape, generalized from a
// strict all-or-nothing Medical-mode verifier to per-chunk BLAKE3
// checksum verification against internal/object's Manifest.
package reassembler

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/qrpswarm/chunkswarm/internal/object"
	"github.com/qrpswarm/chunkswarm/internal/swarm"
	"github.com/qrpswarm/chunkswarm/internal/transfer"
)

// ChunkStore is the subset of chunkstore.Store the reassembler needs.
type ChunkStore interface {
	PutChunk(objectID string, index int, data []byte) error
	Manifest(objectID string) (*object.Manifest, error)
	SealObject(objectID string) ([]byte, error)
}

// AckSink receives outbound Ack frames the reassembler emits after each
// verified (or rejected) delivery, so the caller can hand them to
// swarm.Protocol / the wire encoder without the reassembler importing
// transport concerns directly.
type AckSink interface {
	SendAck(peerID string, m swarm.AckMessage) error
}

var (
	// ErrChunkIndexOutOfRange is returned when a Deliver names a chunk
	// index the manifest does not describe.
	ErrChunkIndexOutOfRange = errors.New("reassembler: chunk index out of manifest range")
)

// Reassembler wires together chunk verification, storage, the owning
// Transfer's FSM, and peer trust bookkeeping (spec.md §4.8).
type Reassembler struct {
	store ChunkStore
	peers *swarm.Protocol
	acks  AckSink
}

// New builds a Reassembler. acks may be nil if the caller does not need
// Ack frames emitted (e.g. in tests).
func New(store ChunkStore, peers *swarm.Protocol, acks AckSink) *Reassembler {
	return &Reassembler{store: store, peers: peers, acks: acks}
}

// DeliverResult reports what handling one Deliver did.
type DeliverResult struct {
	Accepted    bool
	SealedRoot  []byte // non-nil only when this delivery completed the object
	PeerDemoted bool   // true if peerID crossed the untrust threshold
}

// HandleDeliver verifies a delivered chunk's checksum against the
// object's manifest, stores it and advances the transfer on success,
// demotes the sending peer after three consecutive checksum failures on
// failure, and emits the corresponding Ack either way (spec.md §4.8).
func (r *Reassembler) HandleDeliver(t *transfer.Transfer, peerID, objectID string, chunkIndex int, data []byte) (DeliverResult, error) {
	manifest, err := r.store.Manifest(objectID)
	if err != nil {
		return DeliverResult{}, fmt.Errorf("reassembler: load manifest: %w", err)
	}
	if chunkIndex < 0 || chunkIndex >= len(manifest.Chunks) {
		return DeliverResult{}, ErrChunkIndexOutOfRange
	}

	expected := manifest.Chunks[chunkIndex].Checksum
	got := object.HashChunk(data)

	if got != expected {
		demoted := false
		if r.peers != nil {
			demoted = r.peers.Peer(peerID).RecordChecksumFailure(objectID, chunkIndex)
		}
		_ = t.FailChunk(chunkIndex, transfer.ErrorChecksumMismatch)
		r.emitAck(peerID, objectID, chunkIndex, swarm.AckChecksumFail)
		return DeliverResult{Accepted: false, PeerDemoted: demoted}, nil
	}

	if r.peers != nil {
		r.peers.Peer(peerID).RecordChecksumSuccess(objectID, chunkIndex)
	}
	if err := r.store.PutChunk(objectID, chunkIndex, data); err != nil {
		return DeliverResult{}, fmt.Errorf("reassembler: put chunk: %w", err)
	}
	if err := t.AcknowledgeChunk(chunkIndex, len(data)); err != nil {
		return DeliverResult{}, fmt.Errorf("reassembler: acknowledge chunk: %w", err)
	}
	r.emitAck(peerID, objectID, chunkIndex, swarm.AckOK)

	result := DeliverResult{Accepted: true}
	if t.AllAcknowledged() {
		root, err := r.store.SealObject(objectID)
		if err != nil {
			return result, fmt.Errorf("reassembler: seal object: %w", err)
		}
		if err := t.TransitionTo(transfer.StatusCompleted, ""); err != nil {
			return result, fmt.Errorf("reassembler: complete transfer: %w", err)
		}
		result.SealedRoot = root
	}
	return result, nil
}

func (r *Reassembler) emitAck(peerID, objectID string, chunkIndex int, status swarm.AckStatus) {
	if r.acks == nil {
		return
	}
	raw, err := base64.StdEncoding.DecodeString(objectID)
	if err != nil {
		return
	}
	objID, err := swarm.ObjectIDBytes(raw)
	if err != nil {
		return
	}
	_ = r.acks.SendAck(peerID, swarm.AckMessage{ObjectID: objID, Index: uint32(chunkIndex), Status: status})
}
