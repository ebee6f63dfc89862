package swarm

import (
	"github.com/fxamacker/cbor/v2"
)

// Envelope is the CBOR-encoded wrapper for the swarm's non-performance-
// critical message kinds (Have, Discover, Cancel), in the teacher pack's
// beenet wire.BaseFrame idiom: a small versioned header plus a
// kind-specific body, rather than spec.md §6's fixed byte layout (which
// only names Announce/Request/Deliver/Ack). These still travel inside the
// common frame header and crc32 trailer of wire.go — only the body
// encoding differs.
type Envelope struct {
	From string      `cbor:"from"`
	Body interface{} `cbor:"body"`
}

// HaveBody is spec.md §4.6's Have reply: object_id, availability bitmap,
// last_seen.
type HaveBody struct {
	ObjectID     string `cbor:"object_id"`
	Availability []byte `cbor:"availability"` // serialized Bitmap
	LastSeenUnix int64  `cbor:"last_seen"`
}

// DiscoverBody is spec.md §4.6's Discover request: object_id.
type DiscoverBody struct {
	ObjectID string `cbor:"object_id"`
}

// CancelBody is spec.md §4.6's Cancel message: transfer_id.
type CancelBody struct {
	TransferID string `cbor:"transfer_id"`
}

var cborMode = func() cbor.EncMode {
	opts := cbor.CanonicalEncOptions()
	mode, err := opts.EncMode()
	if err != nil {
		panic(err) // option set is a fixed literal; only a library bug could make this fail
	}
	return mode
}()

// EncodeEnvelope canonically CBOR-encodes an Envelope.
func EncodeEnvelope(e Envelope) ([]byte, error) {
	return cborMode.Marshal(e)
}

// DecodeHave decodes a Have envelope's body.
func DecodeHave(data []byte) (string, HaveBody, error) {
	var e Envelope
	var body HaveBody
	if err := cbor.Unmarshal(data, &e); err != nil {
		return "", body, err
	}
	raw, err := cbor.Marshal(e.Body)
	if err != nil {
		return e.From, body, err
	}
	err = cbor.Unmarshal(raw, &body)
	return e.From, body, err
}

// DecodeDiscover decodes a Discover envelope's body.
func DecodeDiscover(data []byte) (string, DiscoverBody, error) {
	var e Envelope
	var body DiscoverBody
	if err := cbor.Unmarshal(data, &e); err != nil {
		return "", body, err
	}
	raw, err := cbor.Marshal(e.Body)
	if err != nil {
		return e.From, body, err
	}
	err = cbor.Unmarshal(raw, &body)
	return e.From, body, err
}

// DecodeCancel decodes a Cancel envelope's body.
func DecodeCancel(data []byte) (string, CancelBody, error) {
	var e Envelope
	var body CancelBody
	if err := cbor.Unmarshal(data, &e); err != nil {
		return "", body, err
	}
	raw, err := cbor.Marshal(e.Body)
	if err != nil {
		return e.From, body, err
	}
	err = cbor.Unmarshal(raw, &body)
	return e.From, body, err
}

// NewHaveEnvelope, NewDiscoverEnvelope, NewCancelEnvelope build the
// respective Envelope values for EncodeEnvelope.
func NewHaveEnvelope(from string, body HaveBody) Envelope       { return Envelope{From: from, Body: body} }
func NewDiscoverEnvelope(from string, body DiscoverBody) Envelope { return Envelope{From: from, Body: body} }
func NewCancelEnvelope(from string, body CancelBody) Envelope     { return Envelope{From: from, Body: body} }
