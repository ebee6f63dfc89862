package chunkstore

import (
	"fmt"
	"sync"
)

// Bitmap tracks which chunk indices of an object are locally present.
// Adapted from the teacher's manager.ChunkBitmap: one bit per chunk,
// byte-packed, with an explicit received counter so IsComplete and
// Count avoid a full scan.
type Bitmap struct {
	total    int
	bits     []byte
	received int
	mu       sync.RWMutex
}

// NewBitmap allocates a bitmap sized for total chunks.
func NewBitmap(total int) *Bitmap {
	return &Bitmap{
		total: total,
		bits:  make([]byte, (total+7)/8),
	}
}

// Set marks index as present. Setting an already-present index is a no-op,
// matching the idempotent-delivery requirement of spec.md §4.6/§8.6.
func (b *Bitmap) Set(index int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if index < 0 || index >= b.total {
		return fmt.Errorf("chunk index %d out of range [0,%d)", index, b.total)
	}
	byteIdx, bitIdx := index/8, uint(index%8)
	if b.bits[byteIdx]&(1<<bitIdx) != 0 {
		return nil
	}
	b.bits[byteIdx] |= 1 << bitIdx
	b.received++
	return nil
}

// Has reports whether index is present.
func (b *Bitmap) Has(index int) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if index < 0 || index >= b.total {
		return false
	}
	byteIdx, bitIdx := index/8, uint(index%8)
	return b.bits[byteIdx]&(1<<bitIdx) != 0
}

// Missing returns every absent index in ascending order.
func (b *Bitmap) Missing() []int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var missing []int
	for i := 0; i < b.total; i++ {
		byteIdx, bitIdx := i/8, uint(i%8)
		if b.bits[byteIdx]&(1<<bitIdx) == 0 {
			missing = append(missing, i)
		}
	}
	return missing
}

// Count returns (received, total).
func (b *Bitmap) Count() (int, int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.received, b.total
}

// IsComplete reports whether every chunk is present.
func (b *Bitmap) IsComplete() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.received == b.total
}

// Serialize returns a copy of the packed bitmap, for persistence or for
// the RLE-encoded availability field of an Announce frame (spec.md §6).
func (b *Bitmap) Serialize() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]byte, len(b.bits))
	copy(out, b.bits)
	return out
}

// LoadBitmap reconstructs a Bitmap from Serialize's output.
func LoadBitmap(total int, data []byte) (*Bitmap, error) {
	b := NewBitmap(total)
	if len(data) != len(b.bits) {
		return nil, fmt.Errorf("bitmap size mismatch: expected %d bytes, got %d", len(b.bits), len(data))
	}
	copy(b.bits, data)
	for i := 0; i < total; i++ {
		byteIdx, bitIdx := i/8, uint(i%8)
		if b.bits[byteIdx]&(1<<bitIdx) != 0 {
			b.received++
		}
	}
	return b, nil
}
