package fec

import (
	"crypto/rand"
	"testing"
)

// BenchmarkEncode measures the cost of computing parity shards for one
// 8-chunk/2-parity redundancy group of 1MB chunks, the shape
// spec.md §4.5's default fec.redundancy setting produces.
func BenchmarkEncode(b *testing.B) {
	k, r := 8, 2
	group := make([][]byte, k)
	for i := range group {
		group[i] = make([]byte, 1<<20)
		if _, err := rand.Read(group[i]); err != nil {
			b.Fatalf("rand.Read: %v", err)
		}
	}

	encoder, err := NewEncoder(k, r)
	if err != nil {
		b.Fatalf("new encoder: %v", err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := encoder.Encode(group); err != nil {
			b.Fatalf("encode: %v", err)
		}
	}
}
