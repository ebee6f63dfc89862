package swarm

import (
	"sync"
	"time"

	"github.com/qrpswarm/chunkswarm/internal/chunkstore"
	blake3 "lukechampine.com/blake3"
)

// ShortPeerID derives a compact, human-loggable identifier for a station
// from its static public key, in the teacher pack's beenet BID idiom (a
// short hash of the identity key rather than the full 32 bytes).
func ShortPeerID(staticPub [32]byte) string {
	sum := blake3.Sum256(staticPub[:])
	const hexDigits = "0123456789abcdef"
	out := make([]byte, 16)
	for i := 0; i < 8; i++ {
		out[i*2] = hexDigits[sum[i]>>4]
		out[i*2+1] = hexDigits[sum[i]&0xf]
	}
	return string(out)
}

// PeerRecord is one remote station's known state: its last-announced
// availability per object (for rarest-first scoring and Have replies) and
// trust bookkeeping (spec.md §4.8: "three consecutive checksum failures
// from the same peer for the same chunk mark that peer untrusted for that
// object").
type PeerRecord struct {
	ID       string
	LastSeen time.Time

	mu               sync.Mutex
	availability     map[string]*chunkstore.Bitmap // objectID -> bitmap
	checksumFailures map[string]map[int]int        // objectID -> chunkIndex -> consecutive failures
	untrustedObjects map[string]bool
}

func newPeerRecord(id string) *PeerRecord {
	return &PeerRecord{
		ID:               id,
		LastSeen:         time.Now(),
		availability:     make(map[string]*chunkstore.Bitmap),
		checksumFailures: make(map[string]map[int]int),
		untrustedObjects: make(map[string]bool),
	}
}

// RecordAnnounce updates this peer's known availability for objectID.
func (p *PeerRecord) RecordAnnounce(objectID string, bitmap *chunkstore.Bitmap) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.availability[objectID] = bitmap
	p.LastSeen = time.Now()
}

// Has reports whether this peer is known to hold chunkIndex of objectID.
func (p *PeerRecord) Has(objectID string, chunkIndex int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.availability[objectID]
	if !ok {
		return false
	}
	return b.Has(chunkIndex)
}

// RecordChecksumFailure increments the consecutive-failure counter for
// (objectID, chunkIndex) from this peer, marking the peer untrusted for
// objectID once the count reaches three.
func (p *PeerRecord) RecordChecksumFailure(objectID string, chunkIndex int) (untrusted bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	byChunk, ok := p.checksumFailures[objectID]
	if !ok {
		byChunk = make(map[int]int)
		p.checksumFailures[objectID] = byChunk
	}
	byChunk[chunkIndex]++
	if byChunk[chunkIndex] >= 3 {
		p.untrustedObjects[objectID] = true
		return true
	}
	return false
}

// RecordChecksumSuccess resets the consecutive-failure counter.
func (p *PeerRecord) RecordChecksumSuccess(objectID string, chunkIndex int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if byChunk, ok := p.checksumFailures[objectID]; ok {
		delete(byChunk, chunkIndex)
	}
}

// IsUntrusted reports whether this peer has been demoted for objectID.
func (p *PeerRecord) IsUntrusted(objectID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.untrustedObjects[objectID]
}

// Protocol is the SwarmProtocol of spec.md §4.6: peer bookkeeping plus
// wire encode/decode (wire.go, envelope.go) and session management
// (handshake.go). It implements scheduler.RarityProvider by counting
// known seeders across all peers.
type Protocol struct {
	mu        sync.RWMutex
	localID   string
	peers     map[string]*PeerRecord
	sessions  map[string]*Session
}

// NewProtocol creates a Protocol for the local station identified by
// localID (its ShortPeerID).
func NewProtocol(localID string) *Protocol {
	return &Protocol{
		localID:  localID,
		peers:    make(map[string]*PeerRecord),
		sessions: make(map[string]*Session),
	}
}

// Peer returns (creating if necessary) the PeerRecord for peerID.
func (p *Protocol) Peer(peerID string) *PeerRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.peers[peerID]
	if !ok {
		rec = newPeerRecord(peerID)
		p.peers[peerID] = rec
	}
	return rec
}

// Peers returns every known peer's id.
func (p *Protocol) Peers() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.peers))
	for id := range p.peers {
		ids = append(ids, id)
	}
	return ids
}

// BindSession associates an established handshake Session with peerID.
func (p *Protocol) BindSession(peerID string, s *Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions[peerID] = s
}

// Session returns the established session for peerID, if any.
func (p *Protocol) Session(peerID string) (*Session, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.sessions[peerID]
	return s, ok
}

// SeederCount implements scheduler.RarityProvider: the number of known
// peers (excluding untrusted ones) that have announced chunkIndex of
// objectID.
func (p *Protocol) SeederCount(objectID string, chunkIndex int) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, peer := range p.peers {
		if peer.IsUntrusted(objectID) {
			continue
		}
		if peer.Has(objectID, chunkIndex) {
			n++
		}
	}
	return n
}

// HandleAnnounce ingests an Announce frame's decoded body from peerID.
func (p *Protocol) HandleAnnounce(peerID string, m AnnounceMessage, objectID string) {
	bitmap := chunkstore.DecodeRLE(int(m.Total), m.Availability)
	p.Peer(peerID).RecordAnnounce(objectID, bitmap)
}
