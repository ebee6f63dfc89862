package engine

import (
	"context"
	"time"

	"github.com/qrpswarm/chunkswarm/internal/chunkstore"
	"github.com/qrpswarm/chunkswarm/internal/dispatch"
	"github.com/qrpswarm/chunkswarm/internal/swarm"
	"github.com/qrpswarm/chunkswarm/internal/transfer"
)

// processFrame decodes one raw wire frame from peerID and routes it to
// the handler for its Kind (spec.md §4.6/§5's ingress task). Decode or
// handler errors are logged and dropped: a malformed or stray frame must
// never take down the ingress loop.
func (e *Engine) processFrame(peerID string, raw []byte) {
	kind, flags, body, err := swarm.DecodeFrame(raw)
	if err != nil {
		e.logger.WithPeer(peerID).Warn("dropped undecodable frame")
		return
	}

	if kind != swarm.KindHandshake {
		e.ensureHandshake(peerID)
	}

	switch kind {
	case swarm.KindAnnounce:
		e.handleAnnounce(peerID, body)
	case swarm.KindRequest:
		e.handleRequest(peerID, body)
	case swarm.KindDeliver:
		e.handleDeliver(peerID, flags, body)
	case swarm.KindAck:
		e.handleAck(peerID, body)
	case swarm.KindHave:
		e.handleHave(body)
	case swarm.KindDiscover:
		e.handleDiscover(peerID, body)
	case swarm.KindCancel:
		e.handleCancel(body)
	case swarm.KindHandshake:
		e.handleHandshakeFrame(peerID, flags, body)
	case swarm.KindParity:
		e.handleParity(peerID, body)
	default:
		e.logger.WithPeer(peerID).Warn("frame with unknown kind dropped")
	}
}

func (e *Engine) handleAnnounce(peerID string, body []byte) {
	m, err := swarm.DecodeAnnounce(body)
	if err != nil {
		e.logger.WithPeer(peerID).Warn("bad announce body")
		return
	}
	objectID := objectIDFromWire(m.ObjectID)
	e.proto.HandleAnnounce(peerID, m, objectID)
}

// handleRequest answers a peer's Request directly from local storage,
// bypassing the scheduler entirely: spec.md §4.3 governs our own outbound
// scheduling, not replies to someone else's pull (the seed side of a
// transfer has no Transfer object of its own to schedule against).
func (e *Engine) handleRequest(peerID string, body []byte) {
	m, err := swarm.DecodeRequest(body)
	if err != nil {
		e.logger.WithPeer(peerID).Warn("bad request body")
		return
	}
	objectID := objectIDFromWire(m.ObjectID)
	manifest, err := e.chunks.Manifest(objectID)
	if err != nil {
		return // object unknown locally: nothing to serve
	}

	mode := e.modeForObject(objectID)
	deadline := time.Now().Add(time.Duration(m.DeadlineMS) * time.Millisecond)
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	for _, run := range m.Runs {
		for i := uint32(0); i < run.Len; i++ {
			index := int(run.Start + i)
			if index >= len(manifest.Chunks) || !e.chunks.HasChunk(objectID, index) {
				continue
			}
			data, err := e.chunks.GetChunk(objectID, index)
			if err != nil {
				continue
			}
			checksum, err := objectIDToWire(manifest.Chunks[index].Checksum)
			if err != nil {
				continue
			}
			payload, flags := e.sealForPeer(peerID, data)
			frame := swarm.EncodeFrame(swarm.KindDeliver, flags, swarm.EncodeDeliver(swarm.DeliverMessage{
				ObjectID:  m.ObjectID,
				Index:     uint32(index),
				ChunkHash: checksum,
				Bytes:     payload,
			}))
			_, dispatchErr := e.disp.Dispatch(ctx, mode, 0, peerID, frame, deadline)
			e.recordBeaconPath(peerID, dispatchErr == nil)
			if dispatchErr != nil {
				e.logger.WithPeer(peerID).Warn("failed to serve requested chunk")
				return
			}
			e.mtx.RecordChunkSent(len(frame))
		}
	}
}

func (e *Engine) handleDeliver(peerID string, flags uint16, body []byte) {
	m, err := swarm.DecodeDeliver(body)
	if err != nil {
		e.logger.WithPeer(peerID).Warn("bad deliver body")
		return
	}
	objectID := objectIDFromWire(m.ObjectID)

	e.mu.RLock()
	t, ok := e.byObject[objectID]
	e.mu.RUnlock()
	if !ok {
		// Deliver for an object we never offered/requested: no transfer
		// to attribute it to, so there is nothing useful to do with it.
		return
	}

	chunkBytes := m.Bytes
	if flags&swarm.FlagEncrypted != 0 {
		sess, ok := e.getSession(peerID)
		if !ok {
			e.logger.WithPeer(peerID).Warn("encrypted deliver with no session established, dropped")
			return
		}
		plain, err := sess.Decrypt(m.Bytes)
		if err != nil {
			e.logger.WithPeer(peerID).Warn("deliver payload failed to decrypt, dropped")
			return
		}
		chunkBytes = plain
	}

	res, err := e.reasm.HandleDeliver(t, peerID, objectID, int(m.Index), chunkBytes)
	if err != nil {
		e.logger.WithTransfer(t.ID()).Error(err, "reassembly failed")
		return
	}
	e.mtx.RecordChunkReceived(len(m.Bytes))
	if !res.Accepted {
		e.logger.ChunkChecksumFailed(t.ID(), int(m.Index), peerID, 1)
		return
	}
	snap := t.Snapshot()
	acked, total := ackedChunkCount(t)
	e.logger.TransferProgress(t.ID(), acked, total, snap.ThroughputBytesPerSec, time.Since(snap.StartedAt))
	if res.SealedRoot != nil {
		e.mtx.RecordTransferComplete(true, snap.CompletedAt.Sub(snap.StartedAt).Seconds())
		e.logger.TransferCompleted(t.ID(), snap.ObjectSize, total, snap.CompletedAt.Sub(snap.StartedAt), snap.ThroughputBytesPerSec, true)
		e.pub.Completed(t.ID(), objectID, res.SealedRoot)
		e.sched.Unregister(t.ID())
		e.chunks.Unpin(objectID)
	}
}

// ackedChunkCount returns (acknowledged, total) chunk counts for a
// transfer's progress log line.
func ackedChunkCount(t *transfer.Transfer) (acked, total int) {
	chunks := t.Chunks()
	total = len(chunks)
	for _, c := range chunks {
		if c.State == transfer.ChunkAcknowledged {
			acked++
		}
	}
	return acked, total
}

func (e *Engine) handleAck(peerID string, body []byte) {
	m, err := swarm.DecodeAck(body)
	if err != nil {
		e.logger.WithPeer(peerID).Warn("bad ack body")
		return
	}
	objectID := objectIDFromWire(m.ObjectID)

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
	index := int(m.Index)
	if index < 0 || index >= len(manifest.Chunks) {
		return
	}

	switch m.Status {
	case swarm.AckOK:
		_ = e.retry.HandleSuccess(t, index, manifest.Chunks[index].Length)
		if t.AllAcknowledged() {
			_ = t.TransitionTo(transfer.StatusCompleted, "")
			e.pub.Completed(t.ID(), objectID, nil)
			e.sched.Unregister(t.ID())
			e.chunks.Unpin(objectID)
		}
	case swarm.AckChecksumFail:
		_ = e.retry.HandleFailure(t, objectID, index, transfer.ErrorChecksumMismatch, e.fecEsc)
	case swarm.AckExpired:
		_ = e.retry.HandleFailure(t, objectID, index, transfer.ErrorTransient, e.fecEsc)
	}
}

func (e *Engine) handleHave(body []byte) {
	from, m, err := swarm.DecodeHave(body)
	if err != nil {
		return
	}
	manifest, merr := e.chunks.Manifest(m.ObjectID)
	total := len(m.Availability) * 8
	if merr == nil {
		total = manifest.TotalChunks
	}
	bitmap, err := chunkstore.LoadBitmap(total, m.Availability)
	if err != nil {
		return
	}
	e.proto.Peer(from).RecordAnnounce(m.ObjectID, bitmap)
}

// handleDiscover answers a peer's "who has objectID" query with our own
// Have envelope when we hold (part of) the object locally.
func (e *Engine) handleDiscover(peerID string, body []byte) {
	_, m, err := swarm.DecodeDiscover(body)
	if err != nil {
		return
	}
	avail, err := e.chunks.Availability(m.ObjectID)
	if err != nil {
		return
	}
	env := swarm.NewHaveEnvelope(e.localID, swarm.HaveBody{
		ObjectID:     m.ObjectID,
		Availability: avail.Serialize(),
		LastSeenUnix: time.Now().Unix(),
	})
	payload, err := swarm.EncodeEnvelope(env)
	if err != nil {
		return
	}
	frame := swarm.EncodeFrame(swarm.KindHave, 0, payload)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _ = e.disp.Dispatch(ctx, dispatch.ModeHybrid, 0, peerID, frame, time.Now().Add(5*time.Second))
}

// handleCancel marks the named transfer cancelled if we happen to know
// it locally (the counterparty's transfer_id is only meaningful to us
// when it matches one we created, e.g. a loopback test harness; in the
// general case each side tracks its own transfer_id and Cancel is
// informational only).
func (e *Engine) handleCancel(body []byte) {
	_, m, err := swarm.DecodeCancel(body)
	if err != nil {
		return
	}
	e.mu.RLock()
	_, ok := e.byID[m.TransferID]
	e.mu.RUnlock()
	if ok {
		_ = e.Cancel(m.TransferID)
	}
}
