package chunkstore

import "testing"

func TestBitmapSetAndHas(t *testing.T) {
	b := NewBitmap(10)
	if b.Has(3) {
		t.Fatal("expected chunk 3 to be absent initially")
	}
	if err := b.Set(3); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !b.Has(3) {
		t.Fatal("expected chunk 3 to be present after Set")
	}
	received, total := b.Count()
	if received != 1 || total != 10 {
		t.Fatalf("unexpected count: %d/%d", received, total)
	}
}

func TestBitmapSetOutOfRange(t *testing.T) {
	b := NewBitmap(4)
	if err := b.Set(10); err == nil {
		t.Fatal("expected out-of-range error")
	}
}

func TestBitmapSetIsIdempotent(t *testing.T) {
	b := NewBitmap(4)
	_ = b.Set(1)
	_ = b.Set(1)
	received, _ := b.Count()
	if received != 1 {
		t.Fatalf("expected idempotent Set to count once, got %d", received)
	}
}

func TestBitmapMissing(t *testing.T) {
	b := NewBitmap(5)
	_ = b.Set(0)
	_ = b.Set(2)
	_ = b.Set(4)
	missing := b.Missing()
	if len(missing) != 2 || missing[0] != 1 || missing[1] != 3 {
		t.Fatalf("unexpected missing set: %v", missing)
	}
}

func TestBitmapSerializeRoundTrip(t *testing.T) {
	b := NewBitmap(20)
	_ = b.Set(0)
	_ = b.Set(19)
	_ = b.Set(7)

	data := b.Serialize()
	restored, err := LoadBitmap(20, data)
	if err != nil {
		t.Fatalf("LoadBitmap: %v", err)
	}
	if !restored.Has(0) || !restored.Has(19) || !restored.Has(7) {
		t.Fatal("restored bitmap missing expected bits")
	}
	if restored.Has(1) {
		t.Fatal("restored bitmap has unexpected bit set")
	}
}

func TestEncodeDecodeRLE(t *testing.T) {
	b := NewBitmap(16)
	for _, i := range []int{0, 1, 2, 5, 6, 10} {
		_ = b.Set(i)
	}
	runs := EncodeRLE(b)
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d: %+v", len(runs), runs)
	}

	decoded := DecodeRLE(16, runs)
	for _, i := range []int{0, 1, 2, 5, 6, 10} {
		if !decoded.Has(i) {
			t.Fatalf("expected index %d present after RLE round trip", i)
		}
	}
	if decoded.Has(3) || decoded.Has(15) {
		t.Fatal("decoded bitmap has unexpected bit set")
	}
}
