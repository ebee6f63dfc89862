// Package swarm implements spec.md §4.6/§6: the SwarmProtocol wire codec
// and peer/session bookkeeping between stations. Fixed-layout binary
// framing for Announce/Request/Deliver/Ack follows spec.md §6's literal
// byte layout; Have/Discover/Cancel use a CBOR envelope in the teacher
// pack's beenet idiom (see envelope.go), since spec.md leaves their
// encoding unspecified beyond "logical" kind/payload.
package swarm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/qrpswarm/chunkswarm/internal/chunkstore"
)

// Kind is the fixed wire-level message kind, matching spec.md §6's table.
type Kind uint8

const (
	KindAnnounce  Kind = 1
	KindHave      Kind = 2
	KindRequest   Kind = 3
	KindDeliver   Kind = 4
	KindAck       Kind = 5
	KindCancel    Kind = 6
	KindDiscover  Kind = 7
	KindHandshake Kind = 8
	KindParity    Kind = 9
)

const wireVersion uint8 = 1

// FlagEncrypted marks a Deliver frame's body as sealed under an
// established swarm.Session rather than carrying cleartext chunk bytes
// (set in the frame header's flags field, checked by the Deliver
// handler before handing bytes to the reassembler).
const FlagEncrypted uint16 = 1 << 0

var (
	ErrShortFrame  = errors.New("frame too short")
	ErrBadCRC      = errors.New("frame crc32 mismatch")
	ErrBadVersion  = errors.New("unsupported frame version")
	ErrTruncated   = errors.New("frame body shorter than body_len")
	ErrWrongKind   = errors.New("unexpected frame kind for requested decode")
	ErrObjectIDLen = errors.New("object_id must be exactly 32 bytes")
)

// AckStatus is spec.md §6's Ack body status enum.
type AckStatus uint8

const (
	AckOK            AckStatus = 0
	AckChecksumFail  AckStatus = 1
	AckExpired       AckStatus = 2
)

// frameHeader is the common prefix of every wire frame:
// u8 version | u8 kind | u16 flags | u32 body_len.
const frameHeaderLen = 1 + 1 + 2 + 4
const crcLen = 4

// objectIDLen is the fixed 32-byte content-address width (spec.md §6).
const objectIDLen = 32

// EncodeFrame wraps body in the common frame header and trailing crc32
// (spec.md §6: "frame := u8 version | u8 kind | u16 flags | u32 body_len |
// body | u32 crc32", "crc32 covers header+body").
func EncodeFrame(kind Kind, flags uint16, body []byte) []byte {
	out := make([]byte, frameHeaderLen+len(body)+crcLen)
	out[0] = wireVersion
	out[1] = byte(kind)
	binary.LittleEndian.PutUint16(out[2:4], flags)
	binary.LittleEndian.PutUint32(out[4:8], uint32(len(body)))
	copy(out[frameHeaderLen:], body)
	sum := crc32.ChecksumIEEE(out[:frameHeaderLen+len(body)])
	binary.LittleEndian.PutUint32(out[frameHeaderLen+len(body):], sum)
	return out
}

// DecodeFrame validates version and crc32, returning the frame's kind,
// flags, and body.
func DecodeFrame(data []byte) (kind Kind, flags uint16, body []byte, err error) {
	if len(data) < frameHeaderLen+crcLen {
		return 0, 0, nil, ErrShortFrame
	}
	if data[0] != wireVersion {
		return 0, 0, nil, ErrBadVersion
	}
	kind = Kind(data[1])
	flags = binary.LittleEndian.Uint16(data[2:4])
	bodyLen := binary.LittleEndian.Uint32(data[4:8])
	if uint32(len(data)) < uint32(frameHeaderLen)+bodyLen+crcLen {
		return 0, 0, nil, ErrTruncated
	}
	body = data[frameHeaderLen : frameHeaderLen+bodyLen]
	wantCRC := binary.LittleEndian.Uint32(data[frameHeaderLen+bodyLen:])
	gotCRC := crc32.ChecksumIEEE(data[:frameHeaderLen+bodyLen])
	if wantCRC != gotCRC {
		return 0, 0, nil, ErrBadCRC
	}
	return kind, flags, body, nil
}

// AnnounceMessage is spec.md §6's Announce body.
type AnnounceMessage struct {
	ObjectID    [objectIDLen]byte
	Total       uint32
	ChunkSize   uint32
	Band        uint16
	FreqHz      uint32
	Availability []chunkstore.Run
}

// EncodeAnnounce serializes an AnnounceMessage body: 32B object_id | u32
// total | u32 chunk_size | u16 band | u32 freq | availability(bitmap, RLE).
func EncodeAnnounce(m AnnounceMessage) []byte {
	var buf bytes.Buffer
	buf.Write(m.ObjectID[:])
	writeU32(&buf, m.Total)
	writeU32(&buf, m.ChunkSize)
	writeU16(&buf, m.Band)
	writeU32(&buf, m.FreqHz)
	writeU16(&buf, uint16(len(m.Availability)))
	for _, r := range m.Availability {
		writeU32(&buf, r.Start)
		writeU32(&buf, r.Len)
	}
	return buf.Bytes()
}

// DecodeAnnounce parses an Announce body.
func DecodeAnnounce(body []byte) (AnnounceMessage, error) {
	var m AnnounceMessage
	r := bytes.NewReader(body)
	if _, err := readExact(r, m.ObjectID[:]); err != nil {
		return m, err
	}
	var err error
	if m.Total, err = readU32(r); err != nil {
		return m, err
	}
	if m.ChunkSize, err = readU32(r); err != nil {
		return m, err
	}
	if m.Band, err = readU16(r); err != nil {
		return m, err
	}
	if m.FreqHz, err = readU32(r); err != nil {
		return m, err
	}
	count, err := readU16(r)
	if err != nil {
		return m, err
	}
	m.Availability = make([]chunkstore.Run, count)
	for i := range m.Availability {
		if m.Availability[i].Start, err = readU32(r); err != nil {
			return m, err
		}
		if m.Availability[i].Len, err = readU32(r); err != nil {
			return m, err
		}
	}
	return m, nil
}

// RequestMessage is spec.md §6's Request body.
type RequestMessage struct {
	ObjectID   [objectIDLen]byte
	Runs       []chunkstore.Run
	DeadlineMS uint32
}

// EncodeRequest serializes: 32B object_id | u16 count | count×(u32 start |
// u32 run_len) | u32 deadline_ms.
func EncodeRequest(m RequestMessage) []byte {
	var buf bytes.Buffer
	buf.Write(m.ObjectID[:])
	writeU16(&buf, uint16(len(m.Runs)))
	for _, r := range m.Runs {
		writeU32(&buf, r.Start)
		writeU32(&buf, r.Len)
	}
	writeU32(&buf, m.DeadlineMS)
	return buf.Bytes()
}

// DecodeRequest parses a Request body.
func DecodeRequest(body []byte) (RequestMessage, error) {
	var m RequestMessage
	r := bytes.NewReader(body)
	if _, err := readExact(r, m.ObjectID[:]); err != nil {
		return m, err
	}
	count, err := readU16(r)
	if err != nil {
		return m, err
	}
	m.Runs = make([]chunkstore.Run, count)
	for i := range m.Runs {
		if m.Runs[i].Start, err = readU32(r); err != nil {
			return m, err
		}
		if m.Runs[i].Len, err = readU32(r); err != nil {
			return m, err
		}
	}
	if m.DeadlineMS, err = readU32(r); err != nil {
		return m, err
	}
	return m, nil
}

// DeliverMessage is spec.md §6's Deliver body.
type DeliverMessage struct {
	ObjectID  [objectIDLen]byte
	Index     uint32
	ChunkHash [32]byte
	Bytes     []byte
}

// EncodeDeliver serializes: 32B object_id | u32 index | u32 length | 32B
// chunk_hash | bytes.
func EncodeDeliver(m DeliverMessage) []byte {
	var buf bytes.Buffer
	buf.Write(m.ObjectID[:])
	writeU32(&buf, m.Index)
	writeU32(&buf, uint32(len(m.Bytes)))
	buf.Write(m.ChunkHash[:])
	buf.Write(m.Bytes)
	return buf.Bytes()
}

// DecodeDeliver parses a Deliver body.
func DecodeDeliver(body []byte) (DeliverMessage, error) {
	var m DeliverMessage
	r := bytes.NewReader(body)
	if _, err := readExact(r, m.ObjectID[:]); err != nil {
		return m, err
	}
	var err error
	if m.Index, err = readU32(r); err != nil {
		return m, err
	}
	length, err := readU32(r)
	if err != nil {
		return m, err
	}
	if _, err := readExact(r, m.ChunkHash[:]); err != nil {
		return m, err
	}
	m.Bytes = make([]byte, length)
	if _, err := readExact(r, m.Bytes); err != nil {
		return m, err
	}
	return m, nil
}

// AckMessage is spec.md §6's Ack body.
type AckMessage struct {
	ObjectID [objectIDLen]byte
	Index    uint32
	Status   AckStatus
}

// EncodeAck serializes: 32B object_id | u32 index | u8 status.
func EncodeAck(m AckMessage) []byte {
	var buf bytes.Buffer
	buf.Write(m.ObjectID[:])
	writeU32(&buf, m.Index)
	buf.WriteByte(byte(m.Status))
	return buf.Bytes()
}

// DecodeAck parses an Ack body.
func DecodeAck(body []byte) (AckMessage, error) {
	var m AckMessage
	r := bytes.NewReader(body)
	if _, err := readExact(r, m.ObjectID[:]); err != nil {
		return m, err
	}
	var err error
	if m.Index, err = readU32(r); err != nil {
		return m, err
	}
	statusByte, err := r.ReadByte()
	if err != nil {
		return m, fmt.Errorf("read ack status: %w", err)
	}
	m.Status = AckStatus(statusByte)
	return m, nil
}

// ParityMessage is a redundancy-group parity shard produced by
// internal/fec's Encoder and carried over the wire so the receiving
// reassembler can recover a missing chunk without a retransmit
// (spec.md §4.5's FEC escalation). GroupStart is the chunk index the
// shard's redundancy group begins at; K/R are the group's shape so the
// receiver can build a matching fec.Decoder.
type ParityMessage struct {
	ObjectID   [objectIDLen]byte
	GroupStart uint32
	ShardIndex uint32
	K          uint8
	R          uint8
	Bytes      []byte
}

// EncodeParity serializes: 32B object_id | u32 group_start | u32
// shard_index | u8 k | u8 r | u32 length | bytes.
func EncodeParity(m ParityMessage) []byte {
	var buf bytes.Buffer
	buf.Write(m.ObjectID[:])
	writeU32(&buf, m.GroupStart)
	writeU32(&buf, m.ShardIndex)
	buf.WriteByte(m.K)
	buf.WriteByte(m.R)
	writeU32(&buf, uint32(len(m.Bytes)))
	buf.Write(m.Bytes)
	return buf.Bytes()
}

// DecodeParity parses a Parity body.
func DecodeParity(body []byte) (ParityMessage, error) {
	var m ParityMessage
	r := bytes.NewReader(body)
	if _, err := readExact(r, m.ObjectID[:]); err != nil {
		return m, err
	}
	var err error
	if m.GroupStart, err = readU32(r); err != nil {
		return m, err
	}
	if m.ShardIndex, err = readU32(r); err != nil {
		return m, err
	}
	kByte, err := r.ReadByte()
	if err != nil {
		return m, fmt.Errorf("read parity k: %w", err)
	}
	m.K = kByte
	rByte, err := r.ReadByte()
	if err != nil {
		return m, fmt.Errorf("read parity r: %w", err)
	}
	m.R = rByte
	length, err := readU32(r)
	if err != nil {
		return m, err
	}
	m.Bytes = make([]byte, length)
	if _, err := readExact(r, m.Bytes); err != nil {
		return m, err
	}
	return m, nil
}

// ObjectIDBytes copies a raw 32-byte object id (a BLAKE3-256 digest) into
// a fixed array for wire framing. It does no decoding, truncation or
// padding: any other length returns ErrObjectIDLen.
func ObjectIDBytes(raw []byte) ([objectIDLen]byte, error) {
	var out [objectIDLen]byte
	if len(raw) != objectIDLen {
		return out, ErrObjectIDLen
	}
	copy(out[:], raw)
	return out, nil
}

func writeU16(buf *bytes.Buffer, v uint16) {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	buf.Write(tmp[:])
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	buf.Write(tmp[:])
}

func readU16(r *bytes.Reader) (uint16, error) {
	var tmp [2]byte
	if _, err := readExact(r, tmp[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(tmp[:]), nil
}

func readU32(r *bytes.Reader) (uint32, error) {
	var tmp [4]byte
	if _, err := readExact(r, tmp[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(tmp[:]), nil
}

func readExact(r *bytes.Reader, buf []byte) (int, error) {
	n, err := r.Read(buf)
	if err != nil {
		return n, err
	}
	if n != len(buf) {
		return n, ErrTruncated
	}
	return n, nil
}
