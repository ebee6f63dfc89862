package object

import (
	"encoding/base64"
	"fmt"

	"github.com/zeebo/blake3"
)

// HashChunk computes the base64-encoded BLAKE3 checksum of a chunk's bytes.
func HashChunk(data []byte) string {
	h := blake3.New()
	h.Write(data)
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// ComputeManifest splits data into fixed-size chunks, hashing each one and
// deriving the object's content-addressed ID from the concatenation of the
// chunk hashes (its Merkle root). This mirrors the teacher's
// chunker.ComputeManifest, generalized from file paths to in-memory byte
// slices since ChunkStore.put_object (spec.md §4.1) takes raw bytes.
func ComputeManifest(data []byte, meta Metadata, opts ChunkOptions) (*Manifest, [][]byte, error) {
	if opts.ChunkSize <= 0 {
		opts = DefaultChunkOptions()
	}

	n := chunkCount(int64(len(data)), opts.ChunkSize)
	chunks := make([][]byte, 0, n)
	descriptors := make([]ChunkDescriptor, 0, n)
	hashes := make([]string, 0, n)

	if len(data) == 0 {
		empty := []byte{}
		hash := HashChunk(empty)
		chunks = append(chunks, empty)
		descriptors = append(descriptors, ChunkDescriptor{Index: 0, Offset: 0, Length: 0, Checksum: hash})
		hashes = append(hashes, hash)
	} else {
		for i := 0; i < n; i++ {
			start := i * opts.ChunkSize
			end := start + opts.ChunkSize
			if end > len(data) {
				end = len(data)
			}
			piece := data[start:end]
			hash := HashChunk(piece)
			chunks = append(chunks, piece)
			descriptors = append(descriptors, ChunkDescriptor{
				Index:    i,
				Offset:   int64(start),
				Length:   len(piece),
				Checksum: hash,
			})
			hashes = append(hashes, hash)
		}
	}

	root, err := MerkleRoot(hashes)
	if err != nil {
		return nil, nil, fmt.Errorf("compute merkle root: %w", err)
	}

	m := &Manifest{
		ObjectID:    root,
		Size:        int64(len(data)),
		ChunkSize:   opts.ChunkSize,
		TotalChunks: len(descriptors),
		Chunks:      descriptors,
		Metadata:    meta,
	}
	return m, chunks, nil
}

// VerifyObject recomputes the Merkle root over a complete, ordered set of
// chunks and reports whether it matches objectID — the condition
// seal_object relies on (spec.md §4.1 invariant).
func VerifyObject(objectID string, chunks [][]byte) (bool, error) {
	hashes := make([]string, len(chunks))
	for i, c := range chunks {
		hashes[i] = HashChunk(c)
	}
	root, err := MerkleRoot(hashes)
	if err != nil {
		return false, err
	}
	return root == objectID, nil
}
