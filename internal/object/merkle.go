package object

import (
	"encoding/base64"

	"github.com/zeebo/blake3"
)

// MerkleRoot computes the Merkle root over base64-encoded chunk hashes,
// duplicating the final odd element at each level. Adapted directly from
// the teacher's chunker.ComputeMerkleRoot.
func MerkleRoot(chunkHashes []string) (string, error) {
	if len(chunkHashes) == 0 {
		return "", nil
	}

	hashes := make([][]byte, len(chunkHashes))
	for i, s := range chunkHashes {
		decoded, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return "", err
		}
		hashes[i] = decoded
	}

	for len(hashes) > 1 {
		var next [][]byte
		for i := 0; i < len(hashes); i += 2 {
			var combined []byte
			if i+1 < len(hashes) {
				combined = append(append([]byte{}, hashes[i]...), hashes[i+1]...)
			} else {
				combined = append(append([]byte{}, hashes[i]...), hashes[i]...)
			}
			h := blake3.New()
			h.Write(combined)
			next = append(next, h.Sum(nil))
		}
		hashes = next
	}

	return base64.StdEncoding.EncodeToString(hashes[0]), nil
}
