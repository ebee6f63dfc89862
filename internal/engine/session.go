package engine

import (
	"context"
	"time"

	"github.com/qrpswarm/chunkswarm/internal/dispatch"
	"github.com/qrpswarm/chunkswarm/internal/swarm"
)

// Sub-kinds carried in a KindHandshake frame's flags field: which step of
// the hello/Noise-IK exchange the body holds.
const (
	handshakeHello   uint16 = 0
	handshakeInitMsg uint16 = 1
	handshakeRespMsg uint16 = 2
)

// Noise IK requires the initiator to already know the responder's static
// public key; this system has no separate key-directory service, so key
// discovery rides the wire protocol itself. The first frame either side
// hears from a peer it hasn't helloed yet triggers a KindHandshake hello
// carrying that station's own static key (swarm.GenerateStaticKeypair,
// generated once per Engine in New). Whichever side learns the other's
// key first initiates the handshake, ties broken by comparing station
// ids so both sides don't race to initiate at once. Until a session
// completes, Deliver payloads for that peer go out unencrypted rather
// than blocking a transfer on a handshake that may never finish.

// getSession returns peer's established session, if any.
func (e *Engine) getSession(peer string) (*swarm.Session, bool) {
	e.sessMu.Lock()
	defer e.sessMu.Unlock()
	s, ok := e.sessions[peer]
	return s, ok
}

// ensureHandshake nudges session establishment with peer forward by one
// step: announcing our static key if we haven't yet, and starting a
// Noise IK handshake once we know peer's key and no session or
// in-progress handshake already exists. Never blocks; every send here is
// fire-and-forget over the existing dispatcher.
func (e *Engine) ensureHandshake(peer string) {
	e.sessMu.Lock()
	if _, ok := e.sessions[peer]; ok {
		e.sessMu.Unlock()
		return
	}
	needHello := !e.helloed[peer]
	if needHello {
		e.helloed[peer] = true
	}
	remoteStatic, haveKey := e.peerStatic[peer]
	_, inProgress := e.handshakes[peer]
	initiate := haveKey && !inProgress && e.localID < peer
	var hs *swarm.Handshake
	if initiate {
		var err error
		hs, err = swarm.NewInitiatorHandshake(e.staticKP, remoteStatic)
		if err == nil {
			e.handshakes[peer] = hs
		} else {
			hs = nil
		}
	}
	e.sessMu.Unlock()

	if needHello {
		e.sendHandshakeFrame(peer, handshakeHello, e.staticKP.Public[:])
	}
	if hs != nil {
		msg, _, _, err := hs.WriteMessage(nil)
		if err == nil {
			e.sendHandshakeFrame(peer, handshakeInitMsg, msg)
		}
	}
}

// sealForPeer encrypts plaintext chunk bytes for peer if a session is
// already established, returning the (possibly unchanged) payload and
// the frame flags to send it with. A missing session is not an error:
// the chunk goes out in the clear and the handshake already in progress
// (ensureHandshake) will upgrade later sends once it completes.
func (e *Engine) sealForPeer(peer string, plaintext []byte) ([]byte, uint16) {
	sess, ok := e.getSession(peer)
	if !ok {
		return plaintext, 0
	}
	ciphertext, err := sess.Encrypt(plaintext)
	if err != nil {
		return plaintext, 0
	}
	return ciphertext, swarm.FlagEncrypted
}

// handleHandshakeFrame processes one inbound KindHandshake frame,
// advancing that peer's hello/Noise-IK exchange.
func (e *Engine) handleHandshakeFrame(peerID string, sub uint16, body []byte) {
	switch sub {
	case handshakeHello:
		if len(body) != 32 {
			return
		}
		var pub [32]byte
		copy(pub[:], body)
		e.sessMu.Lock()
		e.peerStatic[peerID] = pub
		e.sessMu.Unlock()
		e.ensureHandshake(peerID)

	case handshakeInitMsg:
		e.sessMu.Lock()
		if _, ok := e.sessions[peerID]; ok {
			e.sessMu.Unlock()
			return
		}
		e.sessMu.Unlock()

		hs, err := swarm.NewResponderHandshake(e.staticKP)
		if err != nil {
			return
		}
		if _, _, _, err := hs.ReadMessage(body); err != nil {
			e.logger.WithPeer(peerID).Warn("handshake initiation message rejected")
			return
		}
		msg, send, recv, err := hs.WriteMessage(nil)
		if err != nil {
			e.logger.WithPeer(peerID).Warn("handshake response failed")
			return
		}
		if send != nil && recv != nil {
			e.sessMu.Lock()
			e.sessions[peerID] = swarm.NewSession(send, recv)
			delete(e.handshakes, peerID)
			e.sessMu.Unlock()
		}
		e.sendHandshakeFrame(peerID, handshakeRespMsg, msg)

	case handshakeRespMsg:
		e.sessMu.Lock()
		hs, ok := e.handshakes[peerID]
		e.sessMu.Unlock()
		if !ok {
			return
		}
		_, send, recv, err := hs.ReadMessage(body)
		if err != nil {
			e.logger.WithPeer(peerID).Warn("handshake completion message rejected")
			return
		}
		if send != nil && recv != nil {
			e.sessMu.Lock()
			e.sessions[peerID] = swarm.NewSession(send, recv)
			delete(e.handshakes, peerID)
			e.sessMu.Unlock()
		}
	}
}

// sendHandshakeFrame ships one hello/Noise-IK step to peer over whatever
// transport is wired, best-effort: a dropped handshake frame just delays
// session establishment, never fails the caller.
func (e *Engine) sendHandshakeFrame(peer string, sub uint16, body []byte) {
	frame := swarm.EncodeFrame(swarm.KindHandshake, sub, body)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _ = e.disp.Dispatch(ctx, dispatch.ModeHybrid, 0, peer, frame, time.Now().Add(5*time.Second))
}
