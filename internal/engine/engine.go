// Package engine wires every other package into spec.md §5's three
// long-lived tasks (scheduler tick, dispatcher worker pool, ingress
// drain) and exposes the station's external API (spec.md §6: Publish,
// Offer, Status, List, Cancel). Grounded on the teacher's
// daemon/service.TransferService method shape
// (CreateTransfer/AcceptTransfer/GetTransferStatus/ListTransfers),
// renamed to the spec's vocabulary, and on transport.PriorityScheduler's
// single-goroutine dispatch-loop discipline, generalized to the
// cross-transfer, multi-worker case this engine requires.
package engine

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/qrpswarm/chunkswarm/internal/beacon"
	"github.com/qrpswarm/chunkswarm/internal/chunkstore"
	"github.com/qrpswarm/chunkswarm/internal/config"
	"github.com/qrpswarm/chunkswarm/internal/dispatch"
	"github.com/qrpswarm/chunkswarm/internal/events"
	"github.com/qrpswarm/chunkswarm/internal/object"
	"github.com/qrpswarm/chunkswarm/internal/observability"
	"github.com/qrpswarm/chunkswarm/internal/reassembler"
	"github.com/qrpswarm/chunkswarm/internal/retry"
	"github.com/qrpswarm/chunkswarm/internal/scheduler"
	"github.com/qrpswarm/chunkswarm/internal/subcarrier"
	"github.com/qrpswarm/chunkswarm/internal/swarm"
	"github.com/qrpswarm/chunkswarm/internal/transfer"
)

// ErrorKind re-exports transfer.ErrorKind: the seven-kind tagged union of
// spec.md §7 is owned by internal/transfer (it lives on ChunkRecord), and
// the engine's public API surfaces it under its own name so callers never
// need to import internal/transfer directly.
type ErrorKind = transfer.ErrorKind

const (
	ErrorNone             = transfer.ErrorNone
	ErrorTransient        = transfer.ErrorTransient
	ErrorPeerUnreachable  = transfer.ErrorPeerUnreachable
	ErrorChecksumMismatch = transfer.ErrorChecksumMismatch
	ErrorStorageFull      = transfer.ErrorStorageFull
	ErrorPolicyViolation  = transfer.ErrorPolicyViolation
	ErrorFatal            = transfer.ErrorFatal
)

var (
	ErrTransferNotFound     = errors.New("engine: transfer not found")
	ErrObjectNotFound       = errors.New("engine: object manifest not known locally")
	ErrAdmissionDeferred    = errors.New("engine: max_concurrent_transfers reached, transfer remains queued")
	ErrIngressQueueFull     = errors.New("engine: ingress queue full, frame dropped")
	ErrDispatchQueueFull    = errors.New("engine: dispatch queue full, allocation dropped")
	// ErrObjectOversize and ErrModeUnsupported are the two admission-time
	// PolicyViolation causes of spec.md §7 ("oversize object, unsupported
	// modulation -> immediate fail at admission").
	ErrObjectOversize  = errors.New("engine: policy violation: object exceeds admission.max_object_size")
	ErrModeUnsupported = errors.New("engine: policy violation: requested mode not supported by this station")
)

// dispatchWorkerCount is the size of the dispatcher worker pool (spec.md
// §5's "dispatcher worker pool" task, fanned out across goroutines rather
// than a single loop since egress calls block on transport I/O).
const dispatchWorkerCount = 8

// fecDataShards is the logical block size FEC escalation groups chunks
// into, matching internal/fec.DefaultPolicyConfig's DefaultK.
const fecDataShards = 8

type inboundFrame struct {
	peerID string
	raw    []byte
}

// Engine is the orchestrator of spec.md §5/§6. One Engine instance is one
// station.
type Engine struct {
	cfg     *config.Config
	localID string

	chunks *chunkstore.Store
	lanes  *subcarrier.Table
	sched  *scheduler.Scheduler
	retry  *retry.Engine
	proto  *swarm.Protocol
	disp   *dispatch.Dispatcher
	fecEsc *dispatch.FECEscalatorImpl
	reasm  *reassembler.Reassembler
	beacon *beacon.Monitor
	pub    *events.Publisher

	logger *observability.Logger
	mtx    *observability.Metrics
	health *observability.HealthChecker

	mu            sync.RWMutex
	byID          map[string]*transfer.Transfer
	byObject      map[string]*transfer.Transfer // last-offered active transfer per object
	peerOf        map[string]string             // transferID -> counterparty station
	cancelFlagOf  map[string]*atomic.Bool
	nextTransfer  uint64

	// staticKP is this station's long-lived Noise IK identity, and the
	// four maps below track opportunistic per-peer session setup (see
	// session.go): a peer's advertised static key, an in-progress
	// initiator handshake, an established session, and whether we've
	// already sent our own hello to that peer.
	staticKP   swarm.StaticKeypair
	sessMu     sync.Mutex
	peerStatic map[string][32]byte
	handshakes map[string]*swarm.Handshake
	sessions   map[string]*swarm.Session
	helloed    map[string]bool

	// parityMu guards parityGroups, the in-flight buffer of received FEC
	// redundancy shards awaiting reconstruction (parity.go). Kept separate
	// from mu since reconstruction runs on the ingress path.
	parityMu     sync.RWMutex
	parityGroups map[string]*parityGroup

	allocCh chan scheduler.Allocation
	inbox   chan inboundFrame
	lastTick atomic.Value // time.Time

	wg sync.WaitGroup
}

// New builds an Engine over the given control-plane configuration and
// transport implementations (either may be nil if the station only
// supports one transport, per internal/dispatch.New).
func New(cfg *config.Config, rf dispatch.RfLane, peer dispatch.PeerChannel, localID string) (*Engine, error) {
	chunks, err := chunkstore.Open(cfg.ChunkStorePath, 0)
	if err != nil {
		return nil, fmt.Errorf("engine: open chunk store: %w", err)
	}
	beaconMon, err := beacon.Open(cfg.BeaconDBPath)
	if err != nil {
		chunks.Close()
		return nil, fmt.Errorf("engine: open beacon monitor: %w", err)
	}
	staticKP, err := swarm.GenerateStaticKeypair()
	if err != nil {
		chunks.Close()
		beaconMon.Close()
		return nil, fmt.Errorf("engine: generate static keypair: %w", err)
	}

	lanes := subcarrier.NewDefaultTable()
	proto := swarm.NewProtocol(localID)
	sched := scheduler.New(scheduler.Config{MaxLanesPerTransfer: cfg.MaxLanesPerTransfer}, lanes, proto)
	disp := dispatch.New(rf, peer, dispatch.ChunkSizePolicy{
		RFMin: cfg.ChunkSizePolicy.RFMin, RFMax: cfg.ChunkSizePolicy.RFMax,
		WebRTCMin: cfg.ChunkSizePolicy.WebRTCMin, WebRTCMax: cfg.ChunkSizePolicy.WebRTCMax,
		HybridMin: cfg.ChunkSizePolicy.HybridMin, HybridMax: cfg.ChunkSizePolicy.HybridMax,
	})
	disp.SetReliabilityProvider(localID, beaconReliability{mon: beaconMon})

	e := &Engine{
		cfg:          cfg,
		localID:      localID,
		chunks:       chunks,
		lanes:        lanes,
		sched:        sched,
		retry:        retry.New(),
		proto:        proto,
		disp:         disp,
		beacon:       beaconMon,
		pub:          events.New(cfg.EventBufferSize),
		logger:       observability.NewLogger("chunkswarm-station", "dev", nil),
		mtx:          observability.NewMetrics(),
		health:       observability.NewHealthChecker("dev"),
		byID:         make(map[string]*transfer.Transfer),
		byObject:     make(map[string]*transfer.Transfer),
		peerOf:       make(map[string]string),
		cancelFlagOf: make(map[string]*atomic.Bool),
		allocCh:      make(chan scheduler.Allocation, 256),
		inbox:        make(chan inboundFrame, 256),
		staticKP:     staticKP,
		peerStatic:   make(map[string][32]byte),
		handshakes:   make(map[string]*swarm.Handshake),
		sessions:     make(map[string]*swarm.Session),
		helloed:      make(map[string]bool),
		parityGroups: make(map[string]*parityGroup),
	}
	e.lastTick.Store(time.Now())

	// fecEsc is built after e so its PeerForChunk closure can read e's
	// own peer/mode bookkeeping.
	parityShards := 1
	if cfg.FEC.Redundancy > 0 {
		if n := int(float64(fecDataShards)*cfg.FEC.Redundancy + 0.5); n > parityShards {
			parityShards = n
		}
	}
	e.fecEsc = dispatch.NewFECEscalator(chunks, disp, e.peerForChunk, fecDataShards, parityShards)
	e.reasm = reassembler.New(chunks, proto, e)

	e.health.RegisterCheck("chunkstore", observability.DatabaseCheck(cfg.ChunkStorePath))
	e.health.RegisterCheck("beacon", observability.DatabaseCheck(cfg.BeaconDBPath))
	e.health.RegisterCheck("scheduler_tick", observability.SchedulerTickCheck(e.LastTick, 10*cfg.Scheduler.TickInterval))
	e.mtx.SetFECEnabled(cfg.FEC.Enabled)

	return e, nil
}

// checkAdmissionPolicy implements spec.md §7's PolicyViolation check:
// "oversize object, unsupported modulation -> immediate fail at
// admission". Called from Offer before a Transfer is even constructed,
// so a rejected offer never enters scheduling. Mode support is gated by
// the station's admission.allow_rf/allow_webrtc control-plane keys
// rather than whether a transport happens to be wired at construction
// time: a station legitimately runs RF-only or WebRTC-only by leaving
// one of New's rf/peer arguments nil, and that is a deployment choice,
// not a policy violation.
func (e *Engine) checkAdmissionPolicy(objectSize int64, mode transfer.Mode) error {
	if max := e.cfg.Admission.MaxObjectSize; max > 0 && objectSize > max {
		return fmt.Errorf("%w: %d bytes > %d", ErrObjectOversize, objectSize, max)
	}

	switch mode {
	case transfer.ModeRF:
		if !e.cfg.Admission.AllowRF {
			return fmt.Errorf("%w: RF", ErrModeUnsupported)
		}
	case transfer.ModeWebRTC:
		if !e.cfg.Admission.AllowWebRTC {
			return fmt.Errorf("%w: WEBRTC", ErrModeUnsupported)
		}
	case transfer.ModeHybrid:
		if !e.cfg.Admission.AllowRF && !e.cfg.Admission.AllowWebRTC {
			return fmt.Errorf("%w: HYBRID (neither transport permitted)", ErrModeUnsupported)
		}
	default:
		return fmt.Errorf("%w: mode %d", ErrModeUnsupported, mode)
	}
	return nil
}

// peerForChunk implements dispatch.PeerForChunk for the FEC escalator.
func (e *Engine) peerForChunk(transferID string, chunkIndex int) (string, dispatch.Mode, int) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	peer := e.peerOf[transferID]
	mode := dispatch.ModeHybrid
	if t, ok := e.byID[transferID]; ok {
		mode = dispatchModeFrom(t.Mode())
	}
	return peer, mode, 0
}

// LastTick reports when the scheduler tick task last ran, for
// SchedulerTickCheck's liveness probe.
func (e *Engine) LastTick() time.Time {
	v := e.lastTick.Load()
	if v == nil {
		return time.Time{}
	}
	return v.(time.Time)
}

// Health returns the engine's health checker for an HTTP /health handler.
func (e *Engine) Health() *observability.HealthChecker { return e.health }

// Metrics returns the engine's Prometheus metrics for a /metrics handler.
func (e *Engine) Metrics() *observability.Metrics { return e.mtx }

// Events returns the engine's event publisher for observer subscription
// (spec.md §6).
func (e *Engine) Events() *events.Publisher { return e.pub }

// Close releases the engine's durable storage handles. Callers should
// cancel Run's context first.
func (e *Engine) Close() error {
	if err := e.beacon.Close(); err != nil {
		return err
	}
	return e.chunks.Close()
}

// Publish implements spec.md §6's put_object: splits data into chunks,
// persists the manifest and chunk bytes locally, and returns the
// content-addressed object id.
func (e *Engine) Publish(data []byte, meta object.Metadata) (string, error) {
	objectID, err := e.chunks.PutObject(data, meta, object.DefaultChunkOptions())
	if err != nil {
		return "", fmt.Errorf("engine: publish: %w", err)
	}
	e.logger.WithObject(objectID, int64(len(data))).Info("object published")
	return objectID, nil
}

// Offer creates a new transfer moving objectID to/from peer and admits it
// into scheduling if capacity allows (spec.md §6's offer/accept entry
// point; daemon/service.TransferService's CreateTransfer/AcceptTransfer
// collapsed into one call since this engine has no separate acceptance
// handshake beyond the SwarmProtocol's own session setup).
func (e *Engine) Offer(objectID, peer string, priority transfer.Priority, direction transfer.Direction, mode transfer.Mode) (string, error) {
	manifest, err := e.chunks.Manifest(objectID)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrObjectNotFound, objectID)
	}

	if err := e.checkAdmissionPolicy(manifest.Size, mode); err != nil {
		e.logger.WithObject(objectID, manifest.Size).Warn(ErrorPolicyViolation.String() + ": " + err.Error())
		return "", err
	}

	transferID := e.newTransferID()
	t := transfer.New(transferID, objectID, manifest.TotalChunks, manifest.ChunkSize, manifest.Size, direction, priority, mode)

	e.mu.Lock()
	e.byID[transferID] = t
	e.byObject[objectID] = t
	e.peerOf[transferID] = peer
	e.cancelFlagOf[transferID] = new(atomic.Bool)
	e.mu.Unlock()

	e.chunks.Pin(objectID)
	e.pub.Queued(transferID, objectID)
	e.mtx.RecordTransferStart()
	e.logger.TransferStarted(transferID, objectID, manifest.Size, manifest.TotalChunks)

	if err := e.Admit(transferID); err != nil && !errors.Is(err, ErrAdmissionDeferred) {
		return transferID, err
	}
	return transferID, nil
}

// Admit attempts to move transferID from Queued into active scheduling,
// honouring max_concurrent_transfers (spec.md §6 control plane key).
// Called eagerly by Offer and again every scheduler tick as capacity
// frees up.
func (e *Engine) Admit(transferID string) error {
	e.mu.Lock()
	t, ok := e.byID[transferID]
	if !ok {
		e.mu.Unlock()
		return ErrTransferNotFound
	}
	if t.Status() != transfer.StatusQueued {
		e.mu.Unlock()
		return nil
	}
	if e.countActiveLocked() >= e.cfg.MaxConcurrentTransfers {
		e.mu.Unlock()
		return ErrAdmissionDeferred
	}
	e.mu.Unlock()

	if err := t.TransitionTo(transfer.StatusScheduled, ""); err != nil {
		return err
	}
	if err := t.TransitionTo(transfer.StatusInitializing, ""); err != nil {
		return err
	}
	if err := t.TransitionTo(transfer.StatusTransmitting, ""); err != nil {
		return err
	}
	e.sched.Register(t, t.ObjectID())
	return nil
}

func (e *Engine) countActiveLocked() int {
	n := 0
	for _, t := range e.byID {
		switch t.Status() {
		case transfer.StatusScheduled, transfer.StatusInitializing, transfer.StatusTransmitting, transfer.StatusRetrying, transfer.StatusPaused:
			n++
		}
	}
	return n
}

// Status returns an immutable snapshot of transferID (spec.md §6).
func (e *Engine) Status(transferID string) (transfer.Snapshot, error) {
	e.mu.RLock()
	t, ok := e.byID[transferID]
	e.mu.RUnlock()
	if !ok {
		return transfer.Snapshot{}, ErrTransferNotFound
	}
	return t.Snapshot(), nil
}

// List returns snapshots of every known transfer (spec.md §6).
func (e *Engine) List() []transfer.Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]transfer.Snapshot, 0, len(e.byID))
	for _, t := range e.byID {
		out = append(out, t.Snapshot())
	}
	return out
}

// Cancel moves transferID to Cancelled from any non-terminal state
// (spec.md §4.2/§6) and releases its scheduling registration.
func (e *Engine) Cancel(transferID string) error {
	e.mu.RLock()
	t, ok := e.byID[transferID]
	flag := e.cancelFlagOf[transferID]
	e.mu.RUnlock()
	if !ok {
		return ErrTransferNotFound
	}
	if flag != nil {
		flag.Store(true)
	}
	if err := t.TransitionTo(transfer.StatusCancelled, "cancelled"); err != nil {
		return err
	}
	e.sched.Unregister(transferID)
	e.chunks.Unpin(t.ObjectID())
	e.pub.Cancelled(transferID, t.ObjectID())
	e.mtx.RecordTransferComplete(false, t.Snapshot().CompletedAt.Sub(t.Snapshot().StartedAt).Seconds())
	return nil
}

// IngestFrame hands a raw wire frame received from peerID to the ingress
// task (spec.md §5's "ingress task draining SwarmProtocol frames into
// Reassembler"). Transport glue (cmd/station) calls this once per frame
// as bytes arrive off an RfLane or PeerChannel.
func (e *Engine) IngestFrame(peerID string, raw []byte) error {
	select {
	case e.inbox <- inboundFrame{peerID: peerID, raw: raw}:
		return nil
	default:
		return ErrIngressQueueFull
	}
}

// SendAck implements reassembler.AckSink: it wraps m in a frame and routes
// it back to peerID over whatever transport the owning transfer uses.
func (e *Engine) SendAck(peerID string, m swarm.AckMessage) error {
	objectID := objectIDFromWire(m.ObjectID)
	mode := e.modeForObject(objectID)
	frame := swarm.EncodeFrame(swarm.KindAck, 0, swarm.EncodeAck(m))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := e.disp.Dispatch(ctx, mode, 0, peerID, frame, time.Now().Add(5*time.Second))
	return err
}

func (e *Engine) modeForObject(objectID string) dispatch.Mode {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if t, ok := e.byObject[objectID]; ok {
		return dispatchModeFrom(t.Mode())
	}
	return dispatch.ModeHybrid
}

func dispatchModeFrom(m transfer.Mode) dispatch.Mode {
	switch m {
	case transfer.ModeRF:
		return dispatch.ModeRF
	case transfer.ModeWebRTC:
		return dispatch.ModeWebRTC
	default:
		return dispatch.ModeHybrid
	}
}

func (e *Engine) newTransferID() string {
	n := atomic.AddUint64(&e.nextTransfer, 1)
	return fmt.Sprintf("%s-xfer-%d-%s", e.localID, n, uuid.New().String())
}

func objectIDToWire(objectID string) ([32]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(objectID)
	if err != nil {
		return [32]byte{}, err
	}
	return swarm.ObjectIDBytes(raw)
}

func objectIDFromWire(b [32]byte) string {
	return base64.StdEncoding.EncodeToString(b[:])
}
