package swarm

import (
	"testing"

	"github.com/qrpswarm/chunkswarm/internal/chunkstore"
)

func TestSeederCountIgnoresUntrustedPeers(t *testing.T) {
	proto := NewProtocol("local")
	b := chunkstore.NewBitmap(4)
	_ = b.Set(0)

	proto.Peer("alice").RecordAnnounce("obj", b)
	proto.Peer("bob").RecordAnnounce("obj", b)

	if n := proto.SeederCount("obj", 0); n != 2 {
		t.Fatalf("expected 2 seeders, got %d", n)
	}

	for i := 0; i < 3; i++ {
		proto.Peer("bob").RecordChecksumFailure("obj", 0)
	}
	if !proto.Peer("bob").IsUntrusted("obj") {
		t.Fatal("expected bob to be untrusted after 3 consecutive checksum failures")
	}
	if n := proto.SeederCount("obj", 0); n != 1 {
		t.Fatalf("expected untrusted peer excluded from seeder count, got %d", n)
	}
}

func TestChecksumSuccessResetsFailureStreak(t *testing.T) {
	proto := NewProtocol("local")
	peer := proto.Peer("alice")
	peer.RecordChecksumFailure("obj", 0)
	peer.RecordChecksumFailure("obj", 0)
	peer.RecordChecksumSuccess("obj", 0)
	peer.RecordChecksumFailure("obj", 0)
	if peer.IsUntrusted("obj") {
		t.Fatal("expected failure streak reset by an intervening success")
	}
}

func TestHandleAnnounceUpdatesAvailability(t *testing.T) {
	proto := NewProtocol("local")
	m := AnnounceMessage{Total: 4, Availability: []chunkstore.Run{{Start: 1, Len: 2}}}
	proto.HandleAnnounce("alice", m, "obj")

	if !proto.Peer("alice").Has("obj", 1) || !proto.Peer("alice").Has("obj", 2) {
		t.Fatal("expected announced availability to be recorded")
	}
	if proto.Peer("alice").Has("obj", 0) {
		t.Fatal("expected chunk 0 not marked available")
	}
}

func TestShortPeerIDIsDeterministic(t *testing.T) {
	var pub [32]byte
	for i := range pub {
		pub[i] = byte(i)
	}
	a := ShortPeerID(pub)
	b := ShortPeerID(pub)
	if a != b || len(a) != 16 {
		t.Fatalf("expected deterministic 16-char short id, got %q and %q", a, b)
	}
}
