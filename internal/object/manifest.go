// Package object defines the content-addressed Object/Chunk data model:
// immutable byte payloads identified by a BLAKE3 hash, split into
// fixed-size, independently verifiable chunks.
package object

import "time"

// Metadata carries the optional descriptive fields spec.md attaches to an
// Object: mime type, original filename, and whether the stored chunks are
// compressed.
type Metadata struct {
	Mime        string `json:"mime,omitempty"`
	Filename    string `json:"filename,omitempty"`
	Compression string `json:"compression,omitempty"`
}

// ChunkDescriptor describes one chunk of an object within its manifest.
type ChunkDescriptor struct {
	Index    int    `json:"index"`
	Offset   int64  `json:"offset"`
	Length   int    `json:"length"`
	Checksum string `json:"checksum"` // base64 BLAKE3
}

// Manifest is the persisted, content-addressed description of an Object.
// It is written to "<object_id>/manifest" per spec.md §6.
type Manifest struct {
	ObjectID    string            `json:"object_id"`
	Size        int64             `json:"size"`
	ChunkSize   int               `json:"chunk_size"`
	TotalChunks int               `json:"total_chunks"`
	Chunks      []ChunkDescriptor `json:"chunks"`
	Metadata    Metadata          `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// ChunkOptions configures object splitting.
type ChunkOptions struct {
	ChunkSize int
}

// DefaultChunkOptions follows the chunk-size policy of spec.md §6
// (control plane key "chunk_size_policy"): 512 bytes is a reasonable
// middle ground across the RF (256-1024B) and WebRTC (1-8KiB) ranges of
// spec.md §4.7 until a transport narrows it.
func DefaultChunkOptions() ChunkOptions {
	return ChunkOptions{ChunkSize: 512}
}

func chunkCount(size int64, chunkSize int) int {
	if chunkSize <= 0 {
		return 0
	}
	n := int(size / int64(chunkSize))
	if size%int64(chunkSize) != 0 {
		n++
	}
	if n == 0 {
		n = 1
	}
	return n
}
