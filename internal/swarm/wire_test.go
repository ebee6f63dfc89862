package swarm

import (
	"bytes"
	"testing"

	"github.com/qrpswarm/chunkswarm/internal/chunkstore"
)

func objID(b byte) [objectIDLen]byte {
	var id [objectIDLen]byte
	for i := range id {
		id[i] = b
	}
	return id
}

func TestAnnounceRoundTrip(t *testing.T) {
	m := AnnounceMessage{
		ObjectID:    objID(0xAB),
		Total:       10,
		ChunkSize:   512,
		Band:        20,
		FreqHz:      14070000,
		Availability: []chunkstore.Run{{Start: 0, Len: 3}, {Start: 5, Len: 2}},
	}
	body := EncodeAnnounce(m)
	frame := EncodeFrame(KindAnnounce, 0, body)

	kind, _, decodedBody, err := DecodeFrame(frame)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if kind != KindAnnounce {
		t.Fatalf("expected KindAnnounce, got %v", kind)
	}
	got, err := DecodeAnnounce(decodedBody)
	if err != nil {
		t.Fatalf("DecodeAnnounce: %v", err)
	}
	if got.Total != 10 || got.ChunkSize != 512 || got.Band != 20 || got.FreqHz != 14070000 {
		t.Fatalf("unexpected decoded fields: %+v", got)
	}
	if len(got.Availability) != 2 || got.Availability[1].Start != 5 {
		t.Fatalf("unexpected availability runs: %+v", got.Availability)
	}
}

func TestRequestRoundTrip(t *testing.T) {
	m := RequestMessage{
		ObjectID:   objID(1),
		Runs:       []chunkstore.Run{{Start: 2, Len: 4}},
		DeadlineMS: 30000,
	}
	frame := EncodeFrame(KindRequest, 0, EncodeRequest(m))
	kind, _, body, err := DecodeFrame(frame)
	if err != nil || kind != KindRequest {
		t.Fatalf("DecodeFrame: kind=%v err=%v", kind, err)
	}
	got, err := DecodeRequest(body)
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	if got.DeadlineMS != 30000 || len(got.Runs) != 1 || got.Runs[0].Len != 4 {
		t.Fatalf("unexpected decoded request: %+v", got)
	}
}

func TestDeliverRoundTrip(t *testing.T) {
	payload := []byte("73 de N0CALL qrp")
	m := DeliverMessage{ObjectID: objID(2), Index: 7, Bytes: payload}
	copy(m.ChunkHash[:], bytes.Repeat([]byte{0xFE}, 32))

	frame := EncodeFrame(KindDeliver, 0, EncodeDeliver(m))
	kind, _, body, err := DecodeFrame(frame)
	if err != nil || kind != KindDeliver {
		t.Fatalf("DecodeFrame: kind=%v err=%v", kind, err)
	}
	got, err := DecodeDeliver(body)
	if err != nil {
		t.Fatalf("DecodeDeliver: %v", err)
	}
	if got.Index != 7 || !bytes.Equal(got.Bytes, payload) {
		t.Fatalf("unexpected decoded deliver: %+v", got)
	}
}

func TestAckRoundTrip(t *testing.T) {
	m := AckMessage{ObjectID: objID(3), Index: 9, Status: AckChecksumFail}
	frame := EncodeFrame(KindAck, 0, EncodeAck(m))
	kind, _, body, err := DecodeFrame(frame)
	if err != nil || kind != KindAck {
		t.Fatalf("DecodeFrame: kind=%v err=%v", kind, err)
	}
	got, err := DecodeAck(body)
	if err != nil {
		t.Fatalf("DecodeAck: %v", err)
	}
	if got.Status != AckChecksumFail || got.Index != 9 {
		t.Fatalf("unexpected decoded ack: %+v", got)
	}
}

func TestDecodeFrameRejectsCorruption(t *testing.T) {
	m := AckMessage{ObjectID: objID(4), Index: 1, Status: AckOK}
	frame := EncodeFrame(KindAck, 0, EncodeAck(m))
	frame[len(frame)-1] ^= 0xFF // flip a byte inside the crc32 trailer

	if _, _, _, err := DecodeFrame(frame); err != ErrBadCRC {
		t.Fatalf("expected ErrBadCRC, got %v", err)
	}
}

func TestDecodeFrameRejectsShortInput(t *testing.T) {
	if _, _, _, err := DecodeFrame([]byte{1, 2, 3}); err != ErrShortFrame {
		t.Fatalf("expected ErrShortFrame, got %v", err)
	}
}
