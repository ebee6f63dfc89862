package swarm

import (
	"crypto/rand"
	"fmt"

	"github.com/flynn/noise"
	"golang.org/x/crypto/curve25519"
)

// StaticKeypair is a station's long-lived X25519 identity key, generated
// with golang.org/x/crypto/curve25519 directly (kept distinct from
// flynn/noise's own internal DH25519 implementation, which only ever sees
// the raw bytes below).
type StaticKeypair struct {
	Private [32]byte
	Public  [32]byte
}

// GenerateStaticKeypair creates a fresh X25519 identity keypair for a
// station, used as the Noise IK static key in its handshakes with peers.
func GenerateStaticKeypair() (StaticKeypair, error) {
	var kp StaticKeypair
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return kp, fmt.Errorf("generate static private key: %w", err)
	}
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return kp, fmt.Errorf("derive static public key: %w", err)
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2b)

// Handshake wraps a Noise IK handshake between two stations, establishing
// per-peer session ciphers before Announce/Request traffic begins (spec.md
// §4.6 implies a session exists; this is the ambient station-to-station
// security layer the teacher pack's beenet repo supplies via noiseik).
type Handshake struct {
	state       *noise.HandshakeState
	initiator   bool
	established bool
}

// NewInitiatorHandshake starts a handshake as the connecting station,
// already knowing the responder's static public key (IK requires this).
func NewInitiatorHandshake(local StaticKeypair, remoteStaticPub [32]byte) (*Handshake, error) {
	state, err := noise.NewHandshakeState(noise.Config{
		CipherSuite: cipherSuite,
		Random:      rand.Reader,
		Pattern:     noise.HandshakeIK,
		Initiator:   true,
		StaticKeypair: noise.DHKey{
			Private: local.Private[:],
			Public:  local.Public[:],
		},
		PeerStatic: remoteStaticPub[:],
	})
	if err != nil {
		return nil, fmt.Errorf("new initiator handshake: %w", err)
	}
	return &Handshake{state: state, initiator: true}, nil
}

// NewResponderHandshake starts a handshake as the accepting station.
func NewResponderHandshake(local StaticKeypair) (*Handshake, error) {
	state, err := noise.NewHandshakeState(noise.Config{
		CipherSuite: cipherSuite,
		Random:      rand.Reader,
		Pattern:     noise.HandshakeIK,
		Initiator:   false,
		StaticKeypair: noise.DHKey{
			Private: local.Private[:],
			Public:  local.Public[:],
		},
	})
	if err != nil {
		return nil, fmt.Errorf("new responder handshake: %w", err)
	}
	return &Handshake{state: state}, nil
}

// WriteMessage produces this station's next handshake message, carrying
// payload, for the caller to send. Once both directions' messages have
// been exchanged, send/recv are non-nil and the Session is ready.
func (h *Handshake) WriteMessage(payload []byte) (msg []byte, send, recv *noise.CipherState, err error) {
	msg, cs1, cs2, err := h.state.WriteMessage(nil, payload)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("handshake write: %w", err)
	}
	if cs1 != nil && cs2 != nil {
		h.established = true
		send, recv = cs1, cs2
		if !h.initiator {
			send, recv = cs2, cs1
		}
	}
	return msg, send, recv, nil
}

// ReadMessage processes an incoming handshake message.
func (h *Handshake) ReadMessage(msg []byte) (payload []byte, send, recv *noise.CipherState, err error) {
	payload, cs1, cs2, err := h.state.ReadMessage(nil, msg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("handshake read: %w", err)
	}
	if cs1 != nil && cs2 != nil {
		h.established = true
		send, recv = cs1, cs2
		if !h.initiator {
			send, recv = cs2, cs1
		}
	}
	return payload, send, recv, nil
}

// Established reports whether the handshake has completed.
func (h *Handshake) Established() bool {
	return h.established
}

// Session is the established, bidirectional encryption context for one
// peer link, used to encrypt Deliver payloads before they reach the
// TransportDispatcher (spec.md §4.7 sends opaque bytes; this is what makes
// them opaque).
type Session struct {
	send *noise.CipherState
	recv *noise.CipherState
}

// NewSession wraps the cipher states produced once a Handshake completes.
func NewSession(send, recv *noise.CipherState) *Session {
	return &Session{send: send, recv: recv}
}

// Encrypt seals plaintext for this session's peer.
func (s *Session) Encrypt(plaintext []byte) ([]byte, error) {
	return s.send.Encrypt(nil, nil, plaintext)
}

// Decrypt opens ciphertext received from this session's peer.
func (s *Session) Decrypt(ciphertext []byte) ([]byte, error) {
	return s.recv.Decrypt(nil, nil, ciphertext)
}
