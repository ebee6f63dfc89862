package object

import (
	"bytes"
	"testing"
)

func TestComputeManifestRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("station-to-station"), 100)
	manifest, chunks, err := ComputeManifest(data, Metadata{Filename: "qso.log"}, ChunkOptions{ChunkSize: 64})
	if err != nil {
		t.Fatalf("ComputeManifest: %v", err)
	}
	if manifest.TotalChunks != len(chunks) {
		t.Fatalf("total chunks mismatch: %d vs %d", manifest.TotalChunks, len(chunks))
	}

	var reassembled []byte
	for _, c := range chunks {
		reassembled = append(reassembled, c...)
	}
	if !bytes.Equal(reassembled, data) {
		t.Fatal("reassembled bytes do not match original")
	}

	ok, err := VerifyObject(manifest.ObjectID, chunks)
	if err != nil {
		t.Fatalf("VerifyObject: %v", err)
	}
	if !ok {
		t.Fatal("expected object to verify against its own chunks")
	}
}

func TestComputeManifestEmptyFile(t *testing.T) {
	manifest, chunks, err := ComputeManifest(nil, Metadata{}, ChunkOptions{ChunkSize: 64})
	if err != nil {
		t.Fatalf("ComputeManifest: %v", err)
	}
	if manifest.TotalChunks != 1 || len(chunks) != 1 {
		t.Fatalf("expected exactly one empty chunk, got %d descriptors / %d chunks", manifest.TotalChunks, len(chunks))
	}
}

func TestVerifyObjectRejectsTamperedChunk(t *testing.T) {
	data := bytes.Repeat([]byte{0xAB}, 256)
	manifest, chunks, err := ComputeManifest(data, Metadata{}, ChunkOptions{ChunkSize: 32})
	if err != nil {
		t.Fatalf("ComputeManifest: %v", err)
	}
	chunks[2][0] ^= 0xFF

	ok, err := VerifyObject(manifest.ObjectID, chunks)
	if err != nil {
		t.Fatalf("VerifyObject: %v", err)
	}
	if ok {
		t.Fatal("expected verification to fail against tampered chunk")
	}
}
