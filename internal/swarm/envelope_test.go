package swarm

import "testing"

func TestHaveEnvelopeRoundTrip(t *testing.T) {
	env := NewHaveEnvelope("alice", HaveBody{ObjectID: "obj-1", Availability: []byte{0xFF}, LastSeenUnix: 1700000000})
	data, err := EncodeEnvelope(env)
	if err != nil {
		t.Fatalf("EncodeEnvelope: %v", err)
	}
	from, body, err := DecodeHave(data)
	if err != nil {
		t.Fatalf("DecodeHave: %v", err)
	}
	if from != "alice" || body.ObjectID != "obj-1" || body.LastSeenUnix != 1700000000 {
		t.Fatalf("unexpected decoded have: from=%s body=%+v", from, body)
	}
}

func TestDiscoverEnvelopeRoundTrip(t *testing.T) {
	env := NewDiscoverEnvelope("bob", DiscoverBody{ObjectID: "obj-2"})
	data, err := EncodeEnvelope(env)
	if err != nil {
		t.Fatalf("EncodeEnvelope: %v", err)
	}
	from, body, err := DecodeDiscover(data)
	if err != nil {
		t.Fatalf("DecodeDiscover: %v", err)
	}
	if from != "bob" || body.ObjectID != "obj-2" {
		t.Fatalf("unexpected decoded discover: from=%s body=%+v", from, body)
	}
}

func TestCancelEnvelopeRoundTrip(t *testing.T) {
	env := NewCancelEnvelope("carol", CancelBody{TransferID: "t-9"})
	data, err := EncodeEnvelope(env)
	if err != nil {
		t.Fatalf("EncodeEnvelope: %v", err)
	}
	from, body, err := DecodeCancel(data)
	if err != nil {
		t.Fatalf("DecodeCancel: %v", err)
	}
	if from != "carol" || body.TransferID != "t-9" {
		t.Fatalf("unexpected decoded cancel: from=%s body=%+v", from, body)
	}
}
