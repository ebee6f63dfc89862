// Package fec implements spec.md §4.5's FEC escalation path: Reed-Solomon
// erasure coding over a redundancy group of chunks (k data shards, r
// parity shards), plus an adaptive policy (adaptive.go) that grows or
// shrinks r with observed chunk loss instead of holding it fixed.
package fec

import (
	"fmt"

	"github.com/klauspost/reedsolomon"
)

// maxShardsPerGroup bounds k and r the same way reedsolomon itself does
// (a Vandermonde-derived Reed-Solomon matrix over GF(256) tops out at 256
// total shards); rejecting out-of-range values here gives a clearer error
// than the library's own.
const maxShardsPerGroup = 256

// Encoder produces parity shards for one redundancy group of k chunks,
// each group-member a fixed-size shard (short chunks are the caller's to
// pad, matching reedsolomon's own same-length-shard requirement).
type Encoder struct {
	k, r int
	rs   reedsolomon.Encoder
}

// NewEncoder builds an Encoder for a k-data/r-parity redundancy group.
func NewEncoder(k, r int) (*Encoder, error) {
	if k < 1 || k > maxShardsPerGroup {
		return nil, fmt.Errorf("fec: data shards must be in [1,%d], got %d", maxShardsPerGroup, k)
	}
	if r < 1 || r > maxShardsPerGroup {
		return nil, fmt.Errorf("fec: parity shards must be in [1,%d], got %d", maxShardsPerGroup, r)
	}
	rs, err := reedsolomon.New(k, r)
	if err != nil {
		return nil, fmt.Errorf("fec: build reed-solomon matrix: %w", err)
	}
	return &Encoder{k: k, r: r, rs: rs}, nil
}

// Encode computes r parity shards over the k chunk shards in group,
// returning only the parity shards (the group's own chunks are already
// held and sent separately by the caller).
func (e *Encoder) Encode(group [][]byte) ([][]byte, error) {
	if len(group) != e.k {
		return nil, fmt.Errorf("fec: redundancy group of %d chunks expected, got %d", e.k, len(group))
	}
	shardLen := 0
	if len(group) > 0 {
		shardLen = len(group[0])
		for i, shard := range group {
			if len(shard) != shardLen {
				return nil, fmt.Errorf("fec: chunk shard %d is %d bytes, group shard length is %d", i, len(shard), shardLen)
			}
		}
	}

	full := make([][]byte, e.k+e.r)
	copy(full[:e.k], group)
	for i := e.k; i < len(full); i++ {
		full[i] = make([]byte, shardLen)
	}

	if err := e.rs.Encode(full); err != nil {
		return nil, fmt.Errorf("fec: encode parity: %w", err)
	}
	return full[e.k:], nil
}

// GetParameters returns the encoder's (k, r) redundancy-group shape.
func (e *Encoder) GetParameters() (k, r int) {
	return e.k, e.r
}

// Decoder reconstructs missing chunk shards in a redundancy group of
// shape (k, r), given up to r of its k+r shards as nil.
type Decoder struct {
	k, r int
	rs   reedsolomon.Encoder
}

// NewDecoder builds a Decoder for a k-data/r-parity redundancy group.
func NewDecoder(k, r int) (*Decoder, error) {
	if k < 1 || k > maxShardsPerGroup {
		return nil, fmt.Errorf("fec: data shards must be in [1,%d], got %d", maxShardsPerGroup, k)
	}
	if r < 1 || r > maxShardsPerGroup {
		return nil, fmt.Errorf("fec: parity shards must be in [1,%d], got %d", maxShardsPerGroup, r)
	}
	rs, err := reedsolomon.New(k, r)
	if err != nil {
		return nil, fmt.Errorf("fec: build reed-solomon matrix: %w", err)
	}
	return &Decoder{k: k, r: r, rs: rs}, nil
}

// Reconstruct fills in any nil entries of shards (length k+r) in place,
// so long as no more than r of them are missing.
func (d *Decoder) Reconstruct(shards [][]byte) error {
	if len(shards) != d.k+d.r {
		return fmt.Errorf("fec: expected %d shards (k=%d, r=%d), got %d", d.k+d.r, d.k, d.r, len(shards))
	}

	missing := 0
	for _, shard := range shards {
		if shard == nil {
			missing++
		}
	}
	if missing == 0 {
		return nil
	}
	if missing > d.r {
		return fmt.Errorf("fec: %d of %d shards missing, redundancy group can only recover %d", missing, len(shards), d.r)
	}
	if err := d.rs.Reconstruct(shards); err != nil {
		return fmt.Errorf("fec: reconstruct: %w", err)
	}
	return nil
}

// GetParameters returns the decoder's (k, r) redundancy-group shape.
func (d *Decoder) GetParameters() (k, r int) {
	return d.k, d.r
}
