package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/qrpswarm/chunkswarm/internal/chunkstore"
	"github.com/qrpswarm/chunkswarm/internal/dispatch"
	"github.com/qrpswarm/chunkswarm/internal/object"
	"github.com/qrpswarm/chunkswarm/internal/observability"
	"github.com/qrpswarm/chunkswarm/internal/retry"
	"github.com/qrpswarm/chunkswarm/internal/scheduler"
	"github.com/qrpswarm/chunkswarm/internal/subcarrier"
	"github.com/qrpswarm/chunkswarm/internal/swarm"
	"github.com/qrpswarm/chunkswarm/internal/transfer"
)

// Run starts the engine's three long-lived tasks of spec.md §5 (scheduler
// tick, dispatcher worker pool, ingress drain) and blocks until ctx is
// cancelled, then waits for all of them to exit.
func (e *Engine) Run(ctx context.Context) {
	e.wg.Add(2 + dispatchWorkerCount)
	go e.schedulerLoop(ctx)
	go e.ingressLoop(ctx)
	for i := 0; i < dispatchWorkerCount; i++ {
		go e.dispatchLoop(ctx)
	}
	e.wg.Wait()
}

// schedulerLoop is spec.md §5's scheduler tick task: every
// scheduler.tick_interval it calls Scheduler.Tick and fans the resulting
// allocations out to the dispatcher pool via allocCh. It never blocks on
// I/O itself — only subcarrier.Table state and in-memory snapshots.
func (e *Engine) schedulerLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.Scheduler.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, span := observability.Tracer().Start(ctx, "engine.scheduler_tick")
			e.lastTick.Store(time.Now())
			e.promoteQueued()
			allocs := e.sched.Tick()
			span.SetAttributes(attribute.Int("chunkswarm.allocations", len(allocs)))
			for _, alloc := range allocs {
				select {
				case e.allocCh <- alloc:
				default:
					// Dispatch pool saturated: let this lane's chunk sit
					// Pending and retry it next tick rather than blocking
					// the scheduler goroutine (spec.md §5's "never blocks
					// on I/O").
					_ = e.sched.Reclaim(alloc.LaneID, subcarrier.OutcomeFailed)
					e.mu.RLock()
					t := e.byID[alloc.TransferID]
					e.mu.RUnlock()
					if t != nil {
						_ = t.SetChunkState(alloc.ChunkIndex, transfer.ChunkPending)
					}
					e.mtx.RecordChunkAbandoned()
				}
			}
			span.End()
		}
	}
}

// promoteQueued admits as many Queued transfers as max_concurrent_transfers
// allows, called once per scheduler tick so capacity freed by completions
// and cancellations is reused without waiting for a fresh Offer call.
func (e *Engine) promoteQueued() {
	e.mu.RLock()
	var candidates []string
	for id, t := range e.byID {
		if t.Status() == transfer.StatusQueued {
			candidates = append(candidates, id)
		}
	}
	e.mu.RUnlock()
	for _, id := range candidates {
		if err := e.Admit(id); err != nil {
			if err == ErrAdmissionDeferred {
				break
			}
		}
	}
}

// dispatchLoop is one worker of spec.md §5's dispatcher worker pool: it
// pulls allocations off allocCh, builds the corresponding wire frame, and
// performs the (blocking) transport send.
func (e *Engine) dispatchLoop(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case alloc := <-e.allocCh:
			e.dispatchAllocation(ctx, alloc)
		}
	}
}

// dispatchAllocation resolves one scheduler.Allocation into a wire frame,
// sends it, and reports the outcome back to the retry engine and the
// scheduler's lane bookkeeping (spec.md §4.3 step 1 / §4.5).
func (e *Engine) dispatchAllocation(ctx context.Context, alloc scheduler.Allocation) {
	e.mu.RLock()
	t, ok := e.byID[alloc.TransferID]
	peer := e.peerOf[alloc.TransferID]
	cancelFlag := e.cancelFlagOf[alloc.TransferID]
	e.mu.RUnlock()
	if !ok || (cancelFlag != nil && cancelFlag.Load()) {
		_ = e.sched.Reclaim(alloc.LaneID, subcarrier.OutcomeFailed)
		return
	}

	if err := t.RecordAttempt(alloc.ChunkIndex); err != nil {
		_ = e.sched.Reclaim(alloc.LaneID, subcarrier.OutcomeFailed)
		return
	}

	e.ensureHandshake(peer)

	frame, mode, err := e.buildDispatchFrame(t, alloc, peer)
	if err != nil {
		_ = e.retry.HandleFailure(t, alloc.ObjectID, alloc.ChunkIndex, transfer.ErrorFatal, e.fecEsc)
		_ = e.sched.Reclaim(alloc.LaneID, subcarrier.OutcomeFailed)
		return
	}

	policy := t.RetryPolicy()
	bitrate, _ := e.lanes.EstimatedBitrate(alloc.LaneID, alloc.Modulation)
	estDuration := time.Duration(0)
	if bitrate > 0 {
		estDuration = time.Duration(float64(len(frame)) / bitrate * float64(time.Second))
	}
	deadline := time.Now().Add(retry.PerAttemptTimeout(policy, estDuration, 0))

	dispatchCtx, cancel := context.WithDeadline(ctx, deadline)
	dispatchCtx, span := observability.Tracer().Start(dispatchCtx, "engine.dispatch_chunk")
	span.SetAttributes(
		attribute.String("chunkswarm.transfer_id", alloc.TransferID),
		attribute.String("chunkswarm.object_id", alloc.ObjectID),
		attribute.Int("chunkswarm.chunk_index", alloc.ChunkIndex),
		attribute.Int("chunkswarm.lane_id", alloc.LaneID),
	)
	outcome, err := e.disp.Dispatch(dispatchCtx, mode, alloc.LaneID, peer, frame, deadline)
	cancel()
	e.recordBeaconPath(peer, err == nil && outcome.Success)

	if err != nil || !outcome.Success {
		if err == nil {
			err = outcome.Err
		}
		kind := classifyDispatchError(err)
		span.SetStatus(codes.Error, kind.String())
		span.End()
		_ = e.retry.HandleFailure(t, alloc.ObjectID, alloc.ChunkIndex, kind, e.fecEsc)
		e.mtx.RecordChunkRetransmit(kind.String())
		_ = e.sched.Reclaim(alloc.LaneID, subcarrier.OutcomeFailed)
		e.logger.WithTransfer(alloc.TransferID).Warn("chunk dispatch failed")
		return
	}
	span.End()

	e.mtx.RecordChunkSent(len(frame))
	e.logger.ChunkDispatched(alloc.TransferID, alloc.ChunkIndex, len(frame), alloc.LaneID)
	_ = e.sched.Reclaim(alloc.LaneID, subcarrier.OutcomeCompleted)

	// The chunk is now ChunkInFlight awaiting its counterpart's reply (an
	// Ack for an upload's Deliver, a Deliver for a download's Request).
	// That reply lands asynchronously through the ingress loop; arm a
	// watchdog so a reply that never arrives still reaches the retry
	// engine instead of leaving the chunk stuck in-flight forever.
	e.armReplyTimeout(t, alloc.ObjectID, alloc.ChunkIndex, deadline)
}

// armReplyTimeout schedules a check at deadline: if chunkIndex is still
// ChunkInFlight (no Ack/Deliver arrived), it is handed to the retry
// engine as a transient failure (spec.md §4.5's per-attempt timeout).
func (e *Engine) armReplyTimeout(t *transfer.Transfer, objectID string, chunkIndex int, deadline time.Time) {
	time.AfterFunc(time.Until(deadline), func() {
		rec, err := t.Chunk(chunkIndex)
		if err != nil || rec.State != transfer.ChunkInFlight {
			return
		}
		_ = e.retry.HandleFailure(t, objectID, chunkIndex, transfer.ErrorTransient, e.fecEsc)
	})
}

// buildDispatchFrame constructs the wire frame for one allocation,
// branching on the transfer's direction: uploads/seeds push a Deliver
// frame carrying the local chunk bytes, downloads push a Request asking
// the counterparty to deliver it (spec.md §4.6).
func (e *Engine) buildDispatchFrame(t *transfer.Transfer, alloc scheduler.Allocation, peer string) ([]byte, dispatch.Mode, error) {
	mode := dispatchModeFrom(t.Mode())
	objWire, err := objectIDToWire(alloc.ObjectID)
	if err != nil {
		return nil, mode, err
	}

	if t.Direction() == transfer.DirectionDownload {
		body := swarm.EncodeRequest(swarm.RequestMessage{
			ObjectID:   objWire,
			Runs:       []chunkstore.Run{{Start: uint32(alloc.ChunkIndex), Len: 1}},
			DeadlineMS: uint32(e.cfg.Retry.PerAttemptTimeout.Milliseconds()),
		})
		return swarm.EncodeFrame(swarm.KindRequest, 0, body), mode, nil
	}

	data, err := e.chunks.GetChunk(alloc.ObjectID, alloc.ChunkIndex)
	if err != nil {
		return nil, mode, err
	}
	checksum, err := objectIDToWire(object.HashChunk(data))
	if err != nil {
		return nil, mode, err
	}
	payload, flags := e.sealForPeer(peer, data)
	body := swarm.EncodeDeliver(swarm.DeliverMessage{
		ObjectID:  objWire,
		Index:     uint32(alloc.ChunkIndex),
		ChunkHash: checksum,
		Bytes:     payload,
	})
	return swarm.EncodeFrame(swarm.KindDeliver, flags, body), mode, nil
}

// ingressLoop is spec.md §5's ingress drain task: it pulls raw frames off
// inbox (fed by IngestFrame) and routes each to its per-Kind handler.
func (e *Engine) ingressLoop(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-e.inbox:
			e.processFrame(f.peerID, f.raw)
		}
	}
}

// classifyDispatchError maps a dispatch-layer error to the §7 ErrorKind
// the retry engine needs to decide backoff vs. abandonment.
func classifyDispatchError(err error) transfer.ErrorKind {
	if err == nil {
		return transfer.ErrorPeerUnreachable
	}
	switch err {
	case context.DeadlineExceeded:
		return transfer.ErrorTransient
	default:
		return transfer.ErrorPeerUnreachable
	}
}
