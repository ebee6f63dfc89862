// Package dispatch implements spec.md §4.7, the TransportDispatcher:
// mapping a scheduler Allocation to a concrete egress — an OFDM data
// lane, a peer's QUIC-backed data channel, or a per-chunk choice in
// Hybrid mode — with per-peer token buckets so neither transport starves.
// Grounded on the teacher's transport.QUICConnection/ChunkWorkerPool for
// the QUIC egress path and on the bootstrap submodule's use of
// golang.org/x/time/rate for per-peer budgeting (replacing the teacher's
// hand-rolled internal/ratelimit bucket with the same library the rest of
// the pack already reaches for).
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Outcome is the result of one egress attempt.
type Outcome struct {
	Success bool
	Err     error
}

// RfLane is the OFDM data-lane transport trait of spec.md §6.
type RfLane interface {
	Send(ctx context.Context, subcarrierID int, data []byte, deadline time.Time) (Outcome, error)
	Recv() (<-chan []byte, error)
	Quality(subcarrierID int) (float64, error)
}

// Reachability is a peer's current link state, consulted by the Hybrid
// policy.
type Reachability int

const (
	ReachabilityUnknown Reachability = iota
	ReachabilityDirect               // e.g. WebRTC data channel up
	ReachabilityRFOnly
	ReachabilityUnreachable
)

// PeerChannel is the peer-to-peer transport trait of spec.md §6.
type PeerChannel interface {
	Send(ctx context.Context, peer string, data []byte, deadline time.Time) (Outcome, error)
	Recv() (<-chan []byte, error)
	Reachability(peer string) Reachability
}

// ReliabilityProvider answers "how reliable has origin->target been
// historically" — supplied by internal/beacon's observed BeaconPath
// metrics (spec.md §4.9), consulted as a gate on the Hybrid policy's
// WebRTC preference so a path with a poor track record doesn't get
// pushed onto a transport it's already shown trouble with.
type ReliabilityProvider interface {
	PathReliability(origin, target string) (score float64, known bool)
}

// minDirectReliability is the floor a path's beacon-derived reliability
// score must clear before dispatchHybrid will prefer WebRTC for a large
// chunk; below it, RF (the more tolerant transport for a degraded link)
// wins even though goodput alone would have picked WebRTC.
const minDirectReliability = 0.5

// Mode mirrors transfer.Mode without importing it, keeping dispatch
// decoupled from the transfer package's FSM concerns.
type Mode int

const (
	ModeRF Mode = iota + 1
	ModeWebRTC
	ModeHybrid
)

var (
	ErrNoTransportAvailable = errors.New("no transport available for allocation")
	ErrPeerUnreachable      = errors.New("peer unreachable")
)

// ChunkSizePolicy holds the min/max chunk sizes per transport, per
// spec.md §4.7: "RF chunks default 256-1024B... WebRTC 1-8KiB... Hybrid
// adaptive (512B-2KiB)".
type ChunkSizePolicy struct {
	RFMin, RFMax         int
	WebRTCMin, WebRTCMax int
	HybridMin, HybridMax int
}

// DefaultChunkSizePolicy matches spec.md §4.7's stated defaults.
func DefaultChunkSizePolicy() ChunkSizePolicy {
	return ChunkSizePolicy{
		RFMin: 256, RFMax: 1024,
		WebRTCMin: 1024, WebRTCMax: 8192,
		HybridMin: 512, HybridMax: 2048,
	}
}

// goodputTarget is the minimum measured WebRTC goodput (bytes/sec) above
// which Hybrid mode prefers WebRTC for large chunks (spec.md §4.7).
const goodputTarget = 4096.0

// largeChunkThreshold demarcates "large" from "small" for the Hybrid
// WebRTC-preference rule.
const largeChunkThreshold = 1024

// Dispatcher is the TransportDispatcher of spec.md §4.7.
type Dispatcher struct {
	rf     RfLane
	peer   PeerChannel
	policy ChunkSizePolicy

	mu      sync.Mutex
	buckets map[string]*rate.Limiter // per-peer token bucket

	peerGoodput map[string]float64 // measured bytes/sec, updated by callers

	localID     string
	reliability ReliabilityProvider
}

// New builds a Dispatcher over the given RfLane and PeerChannel
// implementations. Either may be nil if the station only supports one
// transport.
func New(rf RfLane, peer PeerChannel, policy ChunkSizePolicy) *Dispatcher {
	return &Dispatcher{
		rf:          rf,
		peer:        peer,
		policy:      policy,
		buckets:     make(map[string]*rate.Limiter),
		peerGoodput: make(map[string]float64),
	}
}

// SetPeerTokenBucket configures peer's per-second byte budget and burst
// size (spec.md §4.7: "maintain per-peer token buckets so neither
// transport starves").
func (d *Dispatcher) SetPeerTokenBucket(peer string, bytesPerSec float64, burst int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.buckets[peer] = rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}

// SetReliabilityProvider wires a beacon-backed ReliabilityProvider into
// dispatchHybrid's transport choice. localID is this station's own id,
// used as the "origin" half of every PathReliability lookup.
func (d *Dispatcher) SetReliabilityProvider(localID string, rp ReliabilityProvider) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.localID = localID
	d.reliability = rp
}

// RecordPeerGoodput updates the measured WebRTC goodput for peer, the
// Hybrid policy's "measured goodput > target" input.
func (d *Dispatcher) RecordPeerGoodput(peer string, bytesPerSec float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.peerGoodput[peer] = bytesPerSec
}

// ChunkSizeFor returns the configured min/max chunk size for mode.
func (d *Dispatcher) ChunkSizeFor(mode Mode) (min, max int) {
	switch mode {
	case ModeRF:
		return d.policy.RFMin, d.policy.RFMax
	case ModeWebRTC:
		return d.policy.WebRTCMin, d.policy.WebRTCMax
	default:
		return d.policy.HybridMin, d.policy.HybridMax
	}
}

// Dispatch sends data for one allocation to peer (ignored for pure RF),
// applying the Hybrid egress policy, per-peer token bucketing, and
// reporting the transport outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, mode Mode, subcarrierID int, peer string, data []byte, deadline time.Time) (Outcome, error) {
	if err := d.awaitTokens(ctx, peer, len(data)); err != nil {
		return Outcome{}, err
	}

	switch mode {
	case ModeRF:
		return d.sendRF(ctx, subcarrierID, data, deadline)
	case ModeWebRTC:
		return d.sendPeer(ctx, peer, data, deadline)
	case ModeHybrid:
		return d.dispatchHybrid(ctx, subcarrierID, peer, data, deadline)
	default:
		return Outcome{}, fmt.Errorf("unknown dispatch mode %d", mode)
	}
}

// dispatchHybrid implements spec.md §4.7's Hybrid policy: prefer WebRTC
// for large chunks when goodput exceeds target; RF for small chunks and
// broadcast/seeding; otherwise fall back to whichever transport is
// reachable.
func (d *Dispatcher) dispatchHybrid(ctx context.Context, subcarrierID int, peer string, data []byte, deadline time.Time) (Outcome, error) {
	d.mu.Lock()
	goodput := d.peerGoodput[peer]
	localID := d.localID
	rp := d.reliability
	d.mu.Unlock()

	reliable := true
	if rp != nil {
		if score, known := rp.PathReliability(localID, peer); known {
			reliable = score >= minDirectReliability
		}
	}

	large := len(data) >= largeChunkThreshold
	if d.peer != nil && large && reliable && goodput > goodputTarget && d.peer.Reachability(peer) == ReachabilityDirect {
		return d.sendPeer(ctx, peer, data, deadline)
	}
	if d.rf != nil {
		return d.sendRF(ctx, subcarrierID, data, deadline)
	}
	if d.peer != nil {
		return d.sendPeer(ctx, peer, data, deadline)
	}
	return Outcome{}, ErrNoTransportAvailable
}

func (d *Dispatcher) sendRF(ctx context.Context, subcarrierID int, data []byte, deadline time.Time) (Outcome, error) {
	if d.rf == nil {
		return Outcome{}, ErrNoTransportAvailable
	}
	return d.rf.Send(ctx, subcarrierID, data, deadline)
}

func (d *Dispatcher) sendPeer(ctx context.Context, peer string, data []byte, deadline time.Time) (Outcome, error) {
	if d.peer == nil {
		return Outcome{}, ErrNoTransportAvailable
	}
	if d.peer.Reachability(peer) == ReachabilityUnreachable {
		return Outcome{}, ErrPeerUnreachable
	}
	return d.peer.Send(ctx, peer, data, deadline)
}

func (d *Dispatcher) awaitTokens(ctx context.Context, peer string, n int) error {
	if peer == "" {
		return nil // RF broadcast has no per-peer budget
	}
	d.mu.Lock()
	limiter, ok := d.buckets[peer]
	d.mu.Unlock()
	if !ok {
		return nil // no budget configured for this peer: unthrottled
	}
	return limiter.WaitN(ctx, n)
}
