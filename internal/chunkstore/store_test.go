package chunkstore

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/qrpswarm/chunkswarm/internal/object"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "chunks.db"), 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutObjectThenSeal(t *testing.T) {
	s := openTestStore(t)
	data := bytes.Repeat([]byte("73 de N0CALL "), 50)

	id, err := s.PutObject(data, object.Metadata{Filename: "log.txt"}, object.ChunkOptions{ChunkSize: 32})
	if err != nil {
		t.Fatalf("PutObject: %v", err)
	}

	sealed, err := s.SealObject(id)
	if err != nil {
		t.Fatalf("SealObject: %v", err)
	}
	if !bytes.Equal(sealed, data) {
		t.Fatal("sealed bytes do not match original")
	}
}

func TestPutChunkChecksumMismatch(t *testing.T) {
	s := openTestStore(t)
	data := bytes.Repeat([]byte{1, 2, 3, 4}, 20)
	id, err := s.PutObject(data, object.Metadata{}, object.ChunkOptions{ChunkSize: 16})
	if err != nil {
		t.Fatalf("PutObject: %v", err)
	}

	err = s.PutChunk(id, 0, []byte("not the right bytes at all!!!!!"))
	if err != ErrChecksumMismatch {
		t.Fatalf("expected ErrChecksumMismatch, got %v", err)
	}
}

func TestSealIncompleteObjectFails(t *testing.T) {
	s := openTestStore(t)
	manifest := &object.Manifest{
		ObjectID:    "deadbeef",
		Size:        10,
		ChunkSize:   5,
		TotalChunks: 2,
		Chunks: []object.ChunkDescriptor{
			{Index: 0, Length: 5, Checksum: object.HashChunk([]byte("aaaaa"))},
			{Index: 1, Length: 5, Checksum: object.HashChunk([]byte("bbbbb"))},
		},
	}
	if err := s.RegisterManifest(manifest); err != nil {
		t.Fatalf("RegisterManifest: %v", err)
	}
	if err := s.PutChunk("deadbeef", 0, []byte("aaaaa")); err != nil {
		t.Fatalf("PutChunk: %v", err)
	}

	if _, err := s.SealObject("deadbeef"); err != ErrIncomplete {
		t.Fatalf("expected ErrIncomplete, got %v", err)
	}
}

func TestEvictionSparesPinnedObjects(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "chunks.db"), 64)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	pinnedData := bytes.Repeat([]byte{9}, 64)
	pinnedID, err := s.PutObject(pinnedData, object.Metadata{}, object.ChunkOptions{ChunkSize: 64})
	if err != nil {
		t.Fatalf("PutObject: %v", err)
	}
	s.Pin(pinnedID)

	// PutObject does not evict, so the second object takes the store past
	// its 64-byte budget; an explicit Evict pass must then skip the pinned
	// object and evict the second one.
	_, err = s.PutObject(bytes.Repeat([]byte{8}, 64), object.Metadata{}, object.ChunkOptions{ChunkSize: 64})
	if err != nil {
		t.Fatalf("PutObject (second): %v", err)
	}
	if !s.Evict() {
		t.Fatal("expected the unpinned second object to be evicted")
	}

	if !s.HasChunk(pinnedID, 0) {
		t.Fatal("pinned object's chunk should survive eviction pressure")
	}
}

func TestMain_NoToolchainSideEffects(t *testing.T) {
	// Guards against accidental filesystem writes outside t.TempDir().
	if _, err := os.Stat("chunks.db"); err == nil {
		t.Fatal("unexpected chunks.db created in package directory")
	}
}
